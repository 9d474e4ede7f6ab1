package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

type LinkMode string

const (
	ModeClient LinkMode = "client"
	ModeServer LinkMode = "server"
)

type LinkState int

const (
	StateDisconnected LinkState = iota
	StateConnecting
	StateOpen
	StateClosing
	StateListening
	StateStopped
)

func (s LinkState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateListening:
		return "listening"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

const (
	headerSelfName     = "x-self-name"
	headerClientOrigin = "x-client-origin"
	writeWait          = 10 * time.Second
)

// LinkConfig configures one Link.
type LinkConfig struct {
	Server           string
	Mode             LinkMode
	URL              string // client mode
	Listen           string // server mode
	Path             string // server mode
	Token            string
	SelfName         string
	Origin           string
	HandshakeTimeout time.Duration
	Reconnect        ReconnectPolicy
	Subscription     Mask
}

// LinkStatus is a snapshot of the link for status reporting.
type LinkStatus struct {
	Mode     LinkMode
	State    LinkState
	Attempts int
	Peers    int
}

// peer is one open WebSocket. gorilla/websocket allows one concurrent writer.
type peer struct {
	id   uuid.UUID
	name string
	conn *websocket.Conn
	wmu  sync.Mutex
}

func newPeer(conn *websocket.Conn, name string) *peer {
	return &peer{id: uuid.New(), name: name, conn: conn}
}

func (p *peer) write(data []byte) error {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return p.conn.WriteMessage(websocket.TextMessage, data)
}

func (p *peer) closeWith(code int, reason string) {
	p.wmu.Lock()
	p.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
	p.wmu.Unlock()
	p.conn.Close()
}

// Link owns the physical connection to one game server, either dialing out
// (client mode) or accepting peers (server mode).
type Link struct {
	cfg      LinkConfig
	log      *zap.Logger
	metrics  *linkMetrics
	dialer   *websocket.Dialer
	upgrader websocket.Upgrader

	mu          sync.Mutex
	state       LinkState
	started     bool
	supervising bool
	supervisor  uint64 // generation of the newest client supervisor
	restart     bool   // Reconnect asked for a fresh schedule
	attempts    int
	conn        *peer
	peers       map[uuid.UUID]*peer
	handler     func(data []byte)
	onDown      func(err error)
	ctx         context.Context
	cancel      context.CancelFunc
	srv         *http.Server
	addr        net.Addr
	kick        chan struct{}
	wg          sync.WaitGroup

	// wait sleeps between reconnect attempts; false aborts the supervisor.
	wait func(ctx context.Context, d time.Duration) bool
}

func NewLink(cfg LinkConfig, log *zap.Logger, metrics *linkMetrics) *Link {
	if cfg.Origin == "" {
		cfg.Origin = "mc-bridge"
	}
	if cfg.Path == "" {
		cfg.Path = "/"
	}
	l := &Link{
		cfg:     cfg,
		log:     log.With(zap.String("mode", string(cfg.Mode))),
		metrics: metrics,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		peers: make(map[uuid.UUID]*peer),
		kick:  make(chan struct{}, 1),
	}
	l.wait = l.sleep
	return l
}

// OnMessage registers the single inbound frame handler. Frames are handed over
// in wire order from each read loop.
func (l *Link) OnMessage(h func(data []byte)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handler = h
}

// OnDown registers the callback fired when reconnecting gives up.
func (l *Link) OnDown(f func(err error)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onDown = f
}

// Start establishes the configured mode. Client mode returns immediately and
// connects in the background; server mode returns once the listener is bound.
func (l *Link) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch {
	case l.state == StateStopped:
		return ErrLinkShuttingDown
	case l.started:
		return ErrAlreadyConnected
	}
	l.started = true
	l.ctx, l.cancel = context.WithCancel(ctx)

	if l.cfg.Mode == ModeServer {
		return l.listenLocked()
	}
	l.superviseLocked()
	return nil
}

// Reconnect restarts a client link after it gave up, or skips the pending
// backoff delay. It is refused while the link is open or connecting.
func (l *Link) Reconnect() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch {
	case l.state == StateStopped:
		return ErrLinkShuttingDown
	case l.cfg.Mode != ModeClient:
		return fmt.Errorf("reconnect: not supported in %s mode", l.cfg.Mode)
	case !l.started:
		return errors.New("reconnect: link not started")
	case l.state == StateOpen || l.state == StateConnecting:
		return ErrAlreadyConnected
	}

	l.attempts = 0
	if l.supervising {
		l.restart = true
		select {
		case l.kick <- struct{}{}:
		default:
		}
		return nil
	}
	l.superviseLocked()
	return nil
}

// Send transmits payload when the link is usable. In server mode the payload is
// broadcast to every admitted peer.
func (l *Link) Send(payload []byte) error {
	l.mu.Lock()
	if l.cfg.Mode == ModeServer {
		peers := make([]*peer, 0, len(l.peers))
		for _, p := range l.peers {
			peers = append(peers, p)
		}
		l.mu.Unlock()
		return l.broadcast(peers, payload)
	}
	p := l.conn
	open := l.state == StateOpen
	l.mu.Unlock()

	if !open || p == nil {
		return ErrLinkUnavailable
	}
	if err := p.write(payload); err != nil {
		return fmt.Errorf("%w: %v", ErrLinkUnavailable, err)
	}
	return nil
}

// Available reports whether Send can currently succeed.
func (l *Link) Available() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cfg.Mode == ModeServer {
		return len(l.peers) > 0
	}
	return l.state == StateOpen && l.conn != nil
}

func (l *Link) Status() LinkStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := LinkStatus{Mode: l.cfg.Mode, State: l.state, Attempts: l.attempts, Peers: len(l.peers)}
	if l.conn != nil {
		st.Peers = 1
	}
	return st
}

// Attempts returns the reconnect-attempt counter.
func (l *Link) Attempts() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.attempts
}

// Stop tears the link down and waits for its goroutines. It is safe to call twice.
func (l *Link) Stop() error {
	l.mu.Lock()
	if l.state == StateStopped {
		l.mu.Unlock()
		return nil
	}
	l.state = StateStopped
	cancel, conn, srv := l.cancel, l.conn, l.srv
	peers := make([]*peer, 0, len(l.peers))
	for _, p := range l.peers {
		peers = append(peers, p)
	}
	l.conn = nil
	l.peers = make(map[uuid.UUID]*peer)
	l.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.closeWith(websocket.CloseNormalClosure, "bridge stopping")
	}
	for _, p := range peers {
		p.closeWith(websocket.CloseGoingAway, "bridge stopping")
	}

	var err error
	if srv != nil {
		ctx, done := context.WithTimeout(context.Background(), 5*time.Second)
		err = srv.Shutdown(ctx)
		done()
	}
	l.wg.Wait()
	l.log.Info("link stopped")
	return err
}

func (l *Link) superviseLocked() {
	l.supervisor++
	l.supervising = true
	l.restart = false
	l.wg.Add(1)
	go l.runClient(l.ctx, l.supervisor)
}

// endSupervisorLocked clears the supervising flag unless a newer supervisor
// has already taken over.
func (l *Link) endSupervisorLocked(gen uint64) {
	if l.supervisor == gen {
		l.supervising = false
	}
}

// runClient connects, serves until the connection drops, and reconnects on
// the configured schedule until the attempt ceiling is exceeded. An explicit
// Reconnect during backoff replaces the schedule with a fresh one.
func (l *Link) runClient(ctx context.Context, gen uint64) {
	defer l.wg.Done()

	schedule := l.cfg.Reconnect.backoff()
	for {
		opened, err := l.connectAndServe(ctx)
		if ctx.Err() != nil {
			l.mu.Lock()
			l.endSupervisorLocked(gen)
			l.mu.Unlock()
			return
		}

		l.mu.Lock()
		if opened || l.restart {
			schedule = l.cfg.Reconnect.backoff()
			l.restart = false
			select {
			case <-l.kick:
			default:
			}
		}
		delay, stop := schedule.Next()
		if stop {
			l.endSupervisorLocked(gen)
			l.mu.Unlock()
			l.down(err)
			return
		}
		l.attempts++
		attempt := l.attempts
		l.mu.Unlock()

		l.metrics.reconnectAttempt(ctx)
		l.log.Warn("link lost, scheduling reconnect",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))

		if !l.wait(ctx, delay) {
			l.mu.Lock()
			l.endSupervisorLocked(gen)
			l.mu.Unlock()
			return
		}
	}
}

func (l *Link) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-l.kick:
		return true
	case <-t.C:
		return true
	}
}

// connectAndServe performs one dial + handshake and then runs the read loop.
// opened reports whether the peer admitted us.
func (l *Link) connectAndServe(ctx context.Context) (opened bool, err error) {
	if !l.setState(StateConnecting) {
		return false, ErrLinkShuttingDown
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+l.cfg.Token)
	header.Set(headerSelfName, l.cfg.SelfName)
	header.Set(headerClientOrigin, l.cfg.Origin)

	conn, resp, err := l.dialer.DialContext(ctx, l.cfg.URL, header)
	if err != nil {
		l.setState(StateDisconnected)
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return false, fmt.Errorf("%w: handshake rejected: %s", ErrAuthenticationFailed, resp.Status)
		}
		return false, fmt.Errorf("dial %s: %w", l.cfg.URL, err)
	}

	p := newPeer(conn, l.cfg.URL)
	l.mu.Lock()
	if l.state == StateStopped {
		l.mu.Unlock()
		conn.Close()
		return false, ErrLinkShuttingDown
	}
	prevAttempts := l.attempts
	l.conn = p
	l.state = StateOpen
	l.attempts = 0
	l.mu.Unlock()

	l.metrics.connected(ctx)
	l.log.Info("link open", zap.String("url", l.cfg.URL))
	l.subscribe(p)

	err = l.readLoop(p)

	l.mu.Lock()
	if l.conn == p {
		l.conn = nil
	}
	if l.state != StateStopped {
		l.state = StateDisconnected
	}
	l.mu.Unlock()
	conn.Close()

	if websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		// admitted at the transport level but rejected by the peer's auth check
		l.mu.Lock()
		l.attempts = prevAttempts
		l.mu.Unlock()
		return false, fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}
	return true, err
}

func (l *Link) setState(s LinkState) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateStopped {
		return false
	}
	l.state = s
	return true
}

func (l *Link) subscribe(p *peer) {
	payload, err := encodeCall(subscribeCall(l.cfg.Subscription))
	if err == nil {
		err = p.write(payload)
	}
	if err != nil {
		l.log.Warn("send subscription", zap.Error(err))
	}
}

// readLoop hands every data frame to the registered handler until the
// connection fails.
func (l *Link) readLoop(p *peer) error {
	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			return err
		}
		l.mu.Lock()
		h := l.handler
		l.mu.Unlock()
		if h != nil {
			h(data)
		}
	}
}

func (l *Link) down(err error) {
	l.mu.Lock()
	onDown := l.onDown
	l.mu.Unlock()

	l.metrics.linkDown(context.Background())
	l.log.Error("link down, giving up reconnecting",
		zap.Int("max_attempts", l.cfg.Reconnect.MaxAttempts),
		zap.Error(err))

	if onDown != nil {
		onDown(fmt.Errorf("%w: %w", ErrLinkDown, err))
	}
}
