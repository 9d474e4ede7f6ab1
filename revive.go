package main

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

type reconnecter interface {
	Reconnect() error
}

// RevivalPoller takes over after a link gave up: it probes the server through
// the remote console and asks the link to reconnect once the server answers.
type RevivalPoller struct {
	exec     CommandExecutor
	link     reconnecter
	interval time.Duration
	trigger  chan struct{}
	log      *zap.Logger
}

func NewRevivalPoller(exec CommandExecutor, link reconnecter, interval time.Duration, log *zap.Logger) *RevivalPoller {
	return &RevivalPoller{
		exec:     exec,
		link:     link,
		interval: interval,
		trigger:  make(chan struct{}, 1),
		log:      log,
	}
}

// Trigger starts probing; repeated triggers while probing are coalesced.
func (p *RevivalPoller) Trigger() {
	select {
	case p.trigger <- struct{}{}:
	default:
	}
}

func (p *RevivalPoller) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.trigger:
			p.probeUntilAlive(ctx)
		}
	}
}

func (p *RevivalPoller) probeUntilAlive(ctx context.Context) {
	p.log.Info("link down, probing server via remote console", zap.Duration("interval", p.interval))

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if p.probe(ctx) {
				return
			}
		}
	}
}

func (p *RevivalPoller) probe(ctx context.Context) bool {
	if _, err := p.exec.Execute(ctx, "list"); err != nil {
		p.log.Debug("server still unreachable", zap.Error(err))
		return false
	}
	err := p.link.Reconnect()
	switch {
	case err == nil:
		p.log.Info("server answers again, reconnecting link")
		return true
	case errors.Is(err, ErrAlreadyConnected):
		return true
	case errors.Is(err, ErrLinkShuttingDown):
		return true
	default:
		p.log.Warn("reconnect after revival", zap.Error(err))
		return false
	}
}
