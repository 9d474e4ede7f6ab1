package main

import (
	"time"

	"github.com/sethvargo/go-retry"
)

// ReconnectPolicy controls the client-mode reconnect schedule: attempt n waits
// min(n, CapAttempts) * BaseDelay, and retrying stops after MaxAttempts.
type ReconnectPolicy struct {
	BaseDelay   time.Duration `yaml:"base_delay"`
	CapAttempts int           `yaml:"cap_attempts"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// backoff returns a fresh schedule; a successful connection starts a new one.
func (p ReconnectPolicy) backoff() retry.Backoff {
	var attempt int
	linear := retry.BackoffFunc(func() (time.Duration, bool) {
		attempt++
		n := attempt
		if p.CapAttempts > 0 && n > p.CapAttempts {
			n = p.CapAttempts
		}
		return time.Duration(n) * p.BaseDelay, false
	})
	limit := p.MaxAttempts
	if limit < 0 {
		limit = 0
	}
	return retry.WithMaxRetries(uint64(limit), linear)
}
