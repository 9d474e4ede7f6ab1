package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/samber/oops"
)

// Sender transmits one encoded frame.
type Sender interface {
	Send(payload []byte) error
}

type callResult struct {
	data json.RawMessage
	err  error
}

type pendingRequest struct {
	api      string
	created  time.Time
	deadline time.Time
	timer    *time.Timer
	done     chan callResult // buffered(1); written exactly once
}

// Correlator matches responses to outbound calls by request id.
// Ids are taken from a monotonically increasing 64-bit counter and never reused.
type Correlator struct {
	mu      sync.Mutex
	nextID  int64
	pending map[int64]*pendingRequest
	closed  error

	onTimeout func(api string)
}

func NewCorrelator() *Correlator {
	return &Correlator{pending: make(map[int64]*pendingRequest)}
}

// Call sends api/data through s with a fresh request id and waits for the
// matching response, the timeout, ctx cancellation or Close.
func (c *Correlator) Call(ctx context.Context, s Sender, api string, data any, timeout time.Duration) (json.RawMessage, error) {
	id, req, err := c.register(api, timeout)
	if err != nil {
		return nil, err
	}

	payload, err := encodeCall(Call{API: api, Data: data, RequestID: id})
	if err == nil {
		err = s.Send(payload)
	}
	if err != nil {
		c.remove(id)
		return nil, err
	}

	select {
	case res := <-req.done:
		return res.data, res.err
	case <-ctx.Done():
		if c.remove(id) {
			return nil, ctx.Err()
		}
		// lost the race against a terminal transition; report it instead
		res := <-req.done
		return res.data, res.err
	}
}

func (c *Correlator) register(api string, timeout time.Duration) (int64, *pendingRequest, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed != nil {
		return 0, nil, c.closed
	}

	c.nextID++
	id := c.nextID
	now := time.Now()
	req := &pendingRequest{
		api:      api,
		created:  now,
		deadline: now.Add(timeout),
		done:     make(chan callResult, 1),
	}
	req.timer = time.AfterFunc(timeout, func() { c.expire(id) })
	c.pending[id] = req
	return id, req, nil
}

// take removes the entry for id and stops its timer. It returns nil when the id is
// not pending, which makes every terminal transition happen at most once.
func (c *Correlator) take(id int64) *pendingRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	req, ok := c.pending[id]
	if !ok {
		return nil
	}
	delete(c.pending, id)
	req.timer.Stop()
	return req
}

func (c *Correlator) remove(id int64) bool {
	return c.take(id) != nil
}

func (c *Correlator) expire(id int64) {
	req := c.take(id)
	if req == nil {
		return
	}
	if c.onTimeout != nil {
		c.onTimeout(req.api)
	}
	req.done <- callResult{err: oops.
		Code("request_timeout").
		With("request_id", id).
		With("api", req.api).
		With("elapsed", time.Since(req.created).String()).
		Wrap(ErrRequestTimeout)}
}

// Resolve completes the pending call matching resp.RequestID. Responses for ids that
// are not pending (already answered, timed out, never issued) are ignored and
// Resolve reports false.
func (c *Correlator) Resolve(resp Response) bool {
	req := c.take(resp.RequestID)
	if req == nil {
		return false
	}
	if resp.OK() {
		req.done <- callResult{data: resp.Data}
		return true
	}
	req.done <- callResult{err: oops.
		Code("remote_error").
		With("request_id", resp.RequestID).
		With("api", req.api).
		Wrap(&RemoteError{Status: resp.Status, Message: resp.Message})}
	return true
}

// Pending returns the number of live entries.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close rejects every pending call with err and refuses new ones.
func (c *Correlator) Close(err error) {
	c.mu.Lock()
	if c.closed == nil {
		c.closed = err
	}
	pending := c.pending
	c.pending = make(map[int64]*pendingRequest)
	c.mu.Unlock()

	for id, req := range pending {
		req.timer.Stop()
		req.done <- callResult{err: fmt.Errorf("request %d (%s): %w", id, req.api, err)}
	}
}
