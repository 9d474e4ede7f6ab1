package main

import (
	"errors"
	"fmt"
)

var (
	ErrLinkUnavailable      = errors.New("link unavailable")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrRequestTimeout       = errors.New("request timeout")
	ErrRemote               = errors.New("remote error")
	ErrProtocolParse        = errors.New("protocol parse error")
	ErrConnectTimeout       = errors.New("connect timeout")
	ErrLinkShuttingDown     = errors.New("link shutting down")
	ErrAlreadyConnected     = errors.New("link already open or connecting")
	ErrLinkDown             = errors.New("link down: retries exhausted")
)

// RemoteError is a non-ok status returned by the peer for a correlated call.
type RemoteError struct {
	Status  string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("remote error: status %s", e.Status)
	}
	return fmt.Sprintf("remote error: %s (status %s)", e.Message, e.Status)
}

func (e *RemoteError) Is(target error) bool { return target == ErrRemote }

// failureReason maps an error onto the short reason shown to chat users.
func failureReason(err error) string {
	var remote *RemoteError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &remote):
		if remote.Message != "" {
			return remote.Message
		}
		return "服务器返回错误"
	case errors.Is(err, ErrAuthenticationFailed):
		return "认证失败"
	case errors.Is(err, ErrRequestTimeout):
		return "请求超时"
	case errors.Is(err, ErrConnectTimeout):
		return "连接超时"
	case errors.Is(err, ErrLinkShuttingDown):
		return "桥接正在关闭"
	case errors.Is(err, ErrLinkUnavailable):
		return "服务器未连接"
	default:
		return err.Error()
	}
}
