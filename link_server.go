package main

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// listenLocked binds the listener and serves peers in the background.
func (l *Link) listenLocked() error {
	ln, err := net.Listen("tcp", l.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", l.cfg.Listen, err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(l.cfg.Path, l.servePeer)
	l.srv = &http.Server{Handler: mux}
	l.addr = ln.Addr()
	l.state = StateListening

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		if err := l.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.log.Error("link listener", zap.Error(err))
		}
	}()

	l.log.Info("link listening", zap.String("addr", ln.Addr().String()), zap.String("path", l.cfg.Path))
	return nil
}

// Addr returns the bound listener address in server mode.
func (l *Link) Addr() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.addr == nil {
		return ""
	}
	return l.addr.String()
}

func bearerToken(h string) string {
	const prefix = "Bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return strings.TrimSpace(h[len(prefix):])
	}
	return ""
}

// servePeer upgrades one inbound connection, checks its handshake headers and,
// when admitted, runs its read loop until it disconnects.
func (l *Link) servePeer(w http.ResponseWriter, r *http.Request) {
	name := r.Header.Get(headerSelfName)
	token := bearerToken(r.Header.Get("Authorization"))

	conn, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		l.log.Warn("peer upgrade", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}
	p := newPeer(conn, name)
	log := l.log.With(zap.String("peer", p.id.String()), zap.String("remote", r.RemoteAddr))

	if name == "" || subtle.ConstantTimeCompare([]byte(token), []byte(l.cfg.Token)) != 1 {
		log.Warn("rejecting peer: bad token or missing self name", zap.String("self_name", name))
		p.closeWith(websocket.ClosePolicyViolation, "authentication failed")
		return
	}

	l.mu.Lock()
	if l.state == StateStopped {
		l.mu.Unlock()
		p.closeWith(websocket.CloseGoingAway, "bridge stopping")
		return
	}
	l.peers[p.id] = p
	l.wg.Add(1)
	l.mu.Unlock()
	defer l.wg.Done()

	l.metrics.connected(r.Context())
	log.Info("peer admitted", zap.String("self_name", name))
	l.subscribe(p)

	err = l.readLoop(p)

	l.mu.Lock()
	delete(l.peers, p.id)
	l.mu.Unlock()
	conn.Close()

	if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		log.Warn("peer disconnected", zap.Error(err))
		return
	}
	log.Info("peer disconnected")
}

// broadcast writes payload to every peer. Delivery is at most once per peer;
// the call fails only when no peer accepted the frame.
func (l *Link) broadcast(peers []*peer, payload []byte) error {
	if len(peers) == 0 {
		return ErrLinkUnavailable
	}
	var errs []error
	for _, p := range peers {
		if err := p.write(payload); err != nil {
			l.log.Warn("broadcast to peer", zap.String("peer", p.id.String()), zap.Error(err))
			errs = append(errs, err)
		}
	}
	if len(errs) == len(peers) {
		return fmt.Errorf("%w: %v", ErrLinkUnavailable, errors.Join(errs...))
	}
	return nil
}
