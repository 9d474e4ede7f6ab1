package main

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const waitFor = 2 * time.Second

func newPeerServer(t *testing.T, handle func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handle(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func drain(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func closedPort(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

type delayRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (r *delayRecorder) wait(ctx context.Context, d time.Duration) bool {
	r.mu.Lock()
	r.delays = append(r.delays, d)
	r.mu.Unlock()
	return ctx.Err() == nil
}

func (r *delayRecorder) get() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.delays...)
}

func clientLink(t *testing.T, url string, policy ReconnectPolicy) *Link {
	t.Helper()
	l := NewLink(LinkConfig{
		Server:       "survival",
		Mode:         ModeClient,
		URL:          url,
		Token:        "secret",
		SelfName:     "survival",
		Reconnect:    policy,
		Subscription: MaskOf(KindChat, KindJoin),
	}, zap.NewNop(), nil)
	t.Cleanup(func() { l.Stop() })
	return l
}

func TestLinkClientHandshakeAndSubscription(t *testing.T) {
	headers := make(chan http.Header, 1)
	subs := make(chan []byte, 1)
	outbound := make(chan []byte, 1)

	srv := newPeerServer(t, func(conn *websocket.Conn, r *http.Request) {
		headers <- r.Header
		if _, data, err := conn.ReadMessage(); err == nil {
			subs <- data
		}
		conn.WriteMessage(websocket.TextMessage, []byte(`{"post_type":"message","sub_type":"chat","message":"hi"}`))
		if _, data, err := conn.ReadMessage(); err == nil {
			outbound <- data
		}
		drain(conn)
	})

	l := clientLink(t, wsURL(srv), ReconnectPolicy{BaseDelay: 10 * time.Millisecond, CapAttempts: 3, MaxAttempts: 3})
	frames := make(chan []byte, 4)
	l.OnMessage(func(data []byte) { frames <- data })
	require.NoError(t, l.Start(context.Background()))

	select {
	case h := <-headers:
		assert.Equal(t, "Bearer secret", h.Get("Authorization"))
		assert.Equal(t, "survival", h.Get("x-self-name"))
		assert.Equal(t, "mc-bridge", h.Get("x-client-origin"))
	case <-time.After(waitFor):
		t.Fatal("no handshake")
	}

	select {
	case data := <-subs:
		var sub struct {
			API  string        `json:"api"`
			Data subscribeData `json:"data"`
		}
		require.NoError(t, json.Unmarshal(data, &sub))
		assert.Equal(t, apiSubscribe, sub.API)
		assert.Equal(t, []string{"chat", "join"}, sub.Data.Events)
		assert.Equal(t, MaskOf(KindChat, KindJoin), sub.Data.Mask)
	case <-time.After(waitFor):
		t.Fatal("no subscription request")
	}

	select {
	case data := <-frames:
		assert.JSONEq(t, `{"post_type":"message","sub_type":"chat","message":"hi"}`, string(data))
	case <-time.After(waitFor):
		t.Fatal("inbound frame not delivered")
	}

	require.True(t, l.Available())
	assert.Equal(t, 0, l.Attempts())
	assert.Equal(t, StateOpen, l.Status().State)
	assert.ErrorIs(t, l.Reconnect(), ErrAlreadyConnected)
	assert.ErrorIs(t, l.Start(context.Background()), ErrAlreadyConnected)

	require.NoError(t, l.Send([]byte(`{"api":"broadcast","data":{"message":[]}}`)))
	select {
	case data := <-outbound:
		assert.Contains(t, string(data), `"broadcast"`)
	case <-time.After(waitFor):
		t.Fatal("outbound frame not received")
	}
}

func TestLinkClientBackoffCeiling(t *testing.T) {
	l := clientLink(t, "ws://"+closedPort(t)+"/", ReconnectPolicy{BaseDelay: 10 * time.Millisecond, CapAttempts: 3, MaxAttempts: 5})
	rec := &delayRecorder{}
	l.wait = rec.wait

	down := make(chan error, 2)
	l.OnDown(func(err error) { down <- err })
	require.NoError(t, l.Start(context.Background()))

	select {
	case err := <-down:
		assert.ErrorIs(t, err, ErrLinkDown)
	case <-time.After(waitFor):
		t.Fatal("link never gave up")
	}

	ms := time.Millisecond
	assert.Equal(t, []time.Duration{10 * ms, 20 * ms, 30 * ms, 30 * ms, 30 * ms}, rec.get())
	assert.Equal(t, 5, l.Attempts())
	assert.ErrorIs(t, l.Send([]byte(`{}`)), ErrLinkUnavailable)

	// an explicit reconnect starts a fresh schedule
	require.NoError(t, l.Reconnect())
	select {
	case <-down:
	case <-time.After(waitFor):
		t.Fatal("second round never gave up")
	}
	assert.Len(t, rec.get(), 10)
	assert.Equal(t, 10*ms, rec.get()[5])
}

func TestLinkClientReconnectDuringBackoffRestartsSchedule(t *testing.T) {
	l := clientLink(t, "ws://"+closedPort(t)+"/", ReconnectPolicy{BaseDelay: time.Millisecond, CapAttempts: 3, MaxAttempts: 3})
	rec := &delayRecorder{}
	var calls atomic.Int32
	reconnected := make(chan error, 1)
	l.wait = func(ctx context.Context, d time.Duration) bool {
		if calls.Add(1) == 2 {
			reconnected <- l.Reconnect()
			assert.Equal(t, 0, l.Attempts())
		}
		return rec.wait(ctx, d)
	}

	down := make(chan error, 1)
	l.OnDown(func(err error) { down <- err })
	require.NoError(t, l.Start(context.Background()))

	select {
	case <-down:
	case <-time.After(waitFor):
		t.Fatal("link never gave up")
	}
	require.NoError(t, <-reconnected)

	ms := time.Millisecond
	assert.Equal(t, []time.Duration{1 * ms, 2 * ms, 1 * ms, 2 * ms, 3 * ms}, rec.get())
	assert.Equal(t, 3, l.Attempts())
}

func TestLinkClientSingleSupervisor(t *testing.T) {
	l := clientLink(t, "ws://"+closedPort(t)+"/", ReconnectPolicy{BaseDelay: time.Millisecond, CapAttempts: 1, MaxAttempts: 1})

	var waiting, peak atomic.Int32
	entered := make(chan struct{}, 4)
	release := make(chan struct{})
	l.wait = func(ctx context.Context, d time.Duration) bool {
		n := waiting.Add(1)
		defer waiting.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		entered <- struct{}{}
		select {
		case <-release:
			return true
		case <-ctx.Done():
			return false
		}
	}

	restarted := make(chan error, 1)
	l.OnDown(func(error) { restarted <- l.Reconnect() })
	require.NoError(t, l.Start(context.Background()))

	// first supervisor backs off once, then gives up and the down hook restarts it
	<-entered
	release <- struct{}{}
	select {
	case err := <-restarted:
		require.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("link never gave up")
	}

	// the restarted supervisor is backing off; a second reconnect only kicks it
	select {
	case <-entered:
	case <-time.After(waitFor):
		t.Fatal("restarted supervisor never backed off")
	}
	require.NoError(t, l.Reconnect())

	select {
	case <-entered:
		t.Fatal("a second supervisor was started")
	case <-time.After(100 * time.Millisecond):
	}
	assert.EqualValues(t, 1, peak.Load())
}

func TestLinkClientResetsAttemptsAfterSuccess(t *testing.T) {
	var hits atomic.Int32
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= 2 {
			http.Error(w, "starting", http.StatusServiceUnavailable)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		drain(conn)
	}))
	t.Cleanup(srv.Close)

	l := clientLink(t, wsURL(srv), ReconnectPolicy{BaseDelay: 10 * time.Millisecond, CapAttempts: 5, MaxAttempts: 5})
	rec := &delayRecorder{}
	l.wait = rec.wait
	require.NoError(t, l.Start(context.Background()))

	require.Eventually(t, l.Available, waitFor, 5*time.Millisecond)
	assert.Equal(t, 0, l.Attempts())
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, rec.get())
}

func TestLinkClientAuthRejection(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad token", http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	l := clientLink(t, wsURL(srv), ReconnectPolicy{BaseDelay: time.Millisecond, CapAttempts: 1, MaxAttempts: 1})
	l.wait = (&delayRecorder{}).wait
	down := make(chan error, 1)
	l.OnDown(func(err error) { down <- err })
	require.NoError(t, l.Start(context.Background()))

	select {
	case err := <-down:
		assert.ErrorIs(t, err, ErrLinkDown)
		assert.ErrorIs(t, err, ErrAuthenticationFailed)
	case <-time.After(waitFor):
		t.Fatal("link never gave up")
	}
}

func TestLinkClientPolicyCloseIsAuthFailure(t *testing.T) {
	srv := newPeerServer(t, func(conn *websocket.Conn, r *http.Request) {
		conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad token"),
			time.Now().Add(time.Second))
		drain(conn)
	})

	l := clientLink(t, wsURL(srv), ReconnectPolicy{BaseDelay: time.Millisecond, CapAttempts: 1, MaxAttempts: 2})
	rec := &delayRecorder{}
	l.wait = rec.wait
	down := make(chan error, 1)
	l.OnDown(func(err error) { down <- err })
	require.NoError(t, l.Start(context.Background()))

	select {
	case err := <-down:
		assert.ErrorIs(t, err, ErrAuthenticationFailed)
	case <-time.After(waitFor):
		t.Fatal("policy close must count against the ceiling")
	}
	assert.Len(t, rec.get(), 2)
}

func serverLink(t *testing.T) (*Link, string) {
	t.Helper()
	l := NewLink(LinkConfig{
		Server:       "survival",
		Mode:         ModeServer,
		Listen:       "127.0.0.1:0",
		Path:         "/ws",
		Token:        "secret",
		Subscription: MaskAll,
	}, zap.NewNop(), nil)
	require.NoError(t, l.Start(context.Background()))
	t.Cleanup(func() { l.Stop() })
	return l, "ws://" + l.Addr() + "/ws"
}

func dialPeer(t *testing.T, url, token, name string) *websocket.Conn {
	t.Helper()
	h := http.Header{}
	h.Set("Authorization", "Bearer "+token)
	if name != "" {
		h.Set("x-self-name", name)
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, h)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestLinkServerRejectsBadHandshake(t *testing.T) {
	l, url := serverLink(t)

	for name, tc := range map[string]struct{ token, self string }{
		"wrong token":       {"nope", "survival"},
		"missing self name": {"secret", ""},
	} {
		t.Run(name, func(t *testing.T) {
			conn := dialPeer(t, url, tc.token, tc.self)
			conn.SetReadDeadline(time.Now().Add(waitFor))

			_, _, err := conn.ReadMessage()
			var ce *websocket.CloseError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, websocket.ClosePolicyViolation, ce.Code)
			assert.Equal(t, 1008, ce.Code)

			assert.Equal(t, 0, l.Status().Peers)
			assert.ErrorIs(t, l.Send([]byte(`{}`)), ErrLinkUnavailable)
		})
	}
}

func TestLinkServerBroadcastsToAdmittedPeers(t *testing.T) {
	l, url := serverLink(t)
	frames := make(chan []byte, 4)
	l.OnMessage(func(data []byte) { frames <- data })

	a := dialPeer(t, url, "secret", "lobby")
	b := dialPeer(t, url, "secret", "survival")
	for _, c := range []*websocket.Conn{a, b} {
		c.SetReadDeadline(time.Now().Add(waitFor))
		_, data, err := c.ReadMessage()
		require.NoError(t, err)
		assert.Contains(t, string(data), `"subscribe"`)
	}
	require.Eventually(t, func() bool { return l.Status().Peers == 2 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, StateListening, l.Status().State)

	require.NoError(t, l.Send([]byte(`{"api":"broadcast"}`)))
	for _, c := range []*websocket.Conn{a, b} {
		_, data, err := c.ReadMessage()
		require.NoError(t, err)
		assert.JSONEq(t, `{"api":"broadcast"}`, string(data))
	}

	require.NoError(t, a.WriteMessage(websocket.TextMessage, []byte(`{"request_id":1,"status":"ok"}`)))
	select {
	case data := <-frames:
		assert.JSONEq(t, `{"request_id":1,"status":"ok"}`, string(data))
	case <-time.After(waitFor):
		t.Fatal("peer frame not delivered")
	}

	a.Close()
	require.Eventually(t, func() bool { return l.Status().Peers == 1 }, waitFor, 5*time.Millisecond)
	assert.True(t, l.Available())
}

func TestLinkStop(t *testing.T) {
	l, url := serverLink(t)
	conn := dialPeer(t, url, "secret", "lobby")
	require.Eventually(t, l.Available, waitFor, 5*time.Millisecond)

	require.NoError(t, l.Stop())
	require.NoError(t, l.Stop())
	assert.Equal(t, StateStopped, l.Status().State)
	assert.ErrorIs(t, l.Send([]byte(`{}`)), ErrLinkUnavailable)
	assert.ErrorIs(t, l.Start(context.Background()), ErrLinkShuttingDown)

	conn.SetReadDeadline(time.Now().Add(waitFor))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
			break
		}
	}
}
