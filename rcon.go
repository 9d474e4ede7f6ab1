package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/gorcon/rcon"
	"github.com/samber/oops"
)

const defaultRCONPort = 25575

// CommandExecutor runs one console command and returns its textual reply.
type CommandExecutor interface {
	Execute(ctx context.Context, command string) (string, error)
}

// RCONExecutor is the connectionless fallback path: every Execute opens a
// remote-console connection, runs one command and closes it again.
type RCONExecutor struct {
	addr           string
	password       string
	connectTimeout time.Duration
	timeout        time.Duration
}

func NewRCONExecutor(host string, port int, password string, connectTimeout, timeout time.Duration) *RCONExecutor {
	if port == 0 {
		port = defaultRCONPort
	}
	return &RCONExecutor{
		addr:           net.JoinHostPort(host, strconv.Itoa(port)),
		password:       password,
		connectTimeout: connectTimeout,
		timeout:        timeout,
	}
}

func (e *RCONExecutor) Addr() string { return e.addr }

func (e *RCONExecutor) Execute(ctx context.Context, command string) (string, error) {
	return ExecuteRCON(ctx, command, e.addr, e.password, e.connectTimeout, e.timeout)
}

type rconReply struct {
	out string
	err error
}

// ExecuteRCON performs a single authenticated round trip against addr. The
// connection is closed before the call returns its result, whatever the outcome.
func ExecuteRCON(ctx context.Context, command, addr, password string, connectTimeout, timeout time.Duration) (string, error) {
	errb := oops.In("rcon").With("addr", addr)
	done := make(chan rconReply, 1)

	go func() {
		conn, err := rcon.Dial(addr, password,
			rcon.SetDialTimeout(connectTimeout),
			rcon.SetDeadline(timeout),
			rcon.SetMaxCommandLen(4096),
		)
		if err != nil {
			done <- rconReply{err: classifyDialError(err)}
			return
		}
		defer conn.Close()

		out, err := conn.Execute(command)
		if err != nil {
			done <- rconReply{err: classifyExecError(err)}
			return
		}
		done <- rconReply{out: out}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			return "", errb.With("command", command).Wrap(r.err)
		}
		return r.out, nil
	case <-ctx.Done():
		// the worker still closes its connection once its own deadlines expire
		return "", errb.Wrap(ctx.Err())
	}
}

func classifyDialError(err error) error {
	var ne net.Error
	switch {
	case errors.Is(err, rcon.ErrAuthFailed):
		return ErrAuthenticationFailed
	case errors.As(err, &ne) && ne.Timeout():
		return fmt.Errorf("%w: %v", ErrConnectTimeout, err)
	default:
		return fmt.Errorf("rcon connect: %w", err)
	}
}

func classifyExecError(err error) error {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: %v", ErrRequestTimeout, err)
	}
	return &RemoteError{Status: "rcon", Message: err.Error()}
}
