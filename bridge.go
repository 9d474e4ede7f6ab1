package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// GameLink is the part of a Link the bridge drives.
type GameLink interface {
	Sender
	Start(ctx context.Context) error
	Stop() error
	Reconnect() error
	Status() LinkStatus
	OnMessage(h func(data []byte))
	OnDown(f func(err error))
}

type BridgeConfig struct {
	Server         string
	Mask           Mask
	RequestTimeout time.Duration
}

// Bridge connects one game server with its chat channels. It routes inbound
// frames to the correlator or the normalizer, renders events to chat, and
// forwards chat into the game with a remote-console fallback.
type Bridge struct {
	cfg         BridgeConfig
	link        GameLink
	correlator  *Correlator
	fallback    CommandExecutor
	targets     []ChannelTarget
	subscribers []EventSubscriber
	events      chan Event
	revive      *RevivalPoller
	metrics     *linkMetrics
	log         *zap.Logger
}

// NewBridge wires link callbacks to the bridge. fallback may be nil.
func NewBridge(cfg BridgeConfig, link GameLink, fallback CommandExecutor, targets []ChannelTarget, log *zap.Logger, metrics *linkMetrics) *Bridge {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	b := &Bridge{
		cfg:        cfg,
		link:       link,
		correlator: NewCorrelator(),
		fallback:   fallback,
		targets:    targets,
		events:     make(chan Event, 100),
		metrics:    metrics,
		log:        log,
	}
	b.correlator.onTimeout = func(api string) {
		b.metrics.requestTimeout(context.Background())
		b.log.Warn("request timed out", zap.String("api", api))
	}
	link.OnMessage(b.handleFrame)
	link.OnDown(b.linkDown)
	return b
}

func (b *Bridge) Name() string { return b.cfg.Server }

// Subscribe adds a sink that sees every delivered event.
func (b *Bridge) Subscribe(sub EventSubscriber) {
	b.subscribers = append(b.subscribers, sub)
}

// Accepts reports whether the bridge is bound to the given chat conversation.
func (b *Bridge) Accepts(ch Channel, channelID string) bool {
	for _, t := range b.targets {
		if t.Channel.Name() == ch.Name() && t.ChannelID == channelID {
			return true
		}
	}
	return false
}

func (b *Bridge) Start(ctx context.Context) error {
	return b.link.Start(ctx)
}

// Stop rejects pending calls with ErrLinkShuttingDown and stops the link.
func (b *Bridge) Stop() error {
	b.correlator.Close(ErrLinkShuttingDown)
	return b.link.Stop()
}

// handleFrame is the link's inbound handler. It runs on the link's read loop.
func (b *Bridge) handleFrame(data []byte) {
	resp, env, err := decodeFrame(data)
	if err != nil {
		b.log.Warn("dropping malformed frame", zap.Error(err), zap.ByteString("frame", truncateBytes(data, 200)))
		return
	}
	if resp != nil {
		if !b.correlator.Resolve(*resp) {
			b.log.Debug("ignoring response without pending request", zap.Int64("request_id", resp.RequestID))
		}
		return
	}

	ev := Classify(*env)
	if ev.Server.Name == "" {
		ev.Server.Name = b.cfg.Server
	}
	switch {
	case ev.Kind == KindUnknown:
		b.metrics.eventDropped(context.Background())
		b.log.Debug("dropping unknown event",
			zap.String("event_name", env.EventName),
			zap.String("sub_type", env.SubType),
			zap.String("post_type", env.PostType))
		return
	case !b.cfg.Mask.Has(ev.Kind):
		b.metrics.eventDropped(context.Background())
		return
	}

	select {
	case b.events <- ev:
	default:
		// Drop event if channel is full (avoid blocking the read loop)
		b.metrics.eventDropped(context.Background())
		b.log.Warn("event queue full, dropping event", zap.Stringer("kind", ev.Kind))
	}
}

// FanOutEvents delivers queued events in arrival order until ctx is done.
func (b *Bridge) FanOutEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-b.events:
			if err := b.DeliverEvent(ctx, ev); err != nil {
				b.log.Warn("deliver event", zap.Stringer("kind", ev.Kind), zap.Error(err))
			}
		}
	}
}

// DeliverEvent renders ev and sends it to every bound chat channel.
func (b *Bridge) DeliverEvent(ctx context.Context, ev Event) error {
	line := ev.Render()
	if line == "" {
		return nil
	}
	for _, sub := range b.subscribers {
		sub.OnGameEvent(ev)
	}
	err := b.broadcastToChat(ctx, line)
	if err == nil {
		b.metrics.eventDelivered(ctx)
	}
	return err
}

func (b *Bridge) broadcastToChat(ctx context.Context, text string) error {
	var errs []error
	for _, t := range b.targets {
		if err := t.Channel.Send(ctx, t.ChannelID, text); err != nil {
			errs = append(errs, fmt.Errorf("send to %s: %w", t.Channel.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func senderRun(label string) TextComponent {
	return TextComponent{
		Text:       "[" + label + "] ",
		Color:      "gray",
		HoverEvent: hoverText("来自聊天频道的消息"),
	}
}

// ForwardChat sends chat text into the game as a styled broadcast. When the
// link is unavailable and a fallback is configured, the text is sent once more
// through the remote console as plain text; styling is lost on that path.
func (b *Bridge) ForwardChat(ctx context.Context, senderLabel, text string) error {
	msg := EncodeStyled(text).Prepend(senderRun(senderLabel))

	payload, err := encodeCall(broadcastCall(msg))
	if err != nil {
		return err
	}
	err = b.link.Send(payload)
	if err == nil || !errors.Is(err, ErrLinkUnavailable) || b.fallback == nil {
		return err
	}

	b.metrics.fallbackExecuted(ctx)
	if _, ferr := b.fallback.Execute(ctx, "say "+consoleSafe(msg.Plain())); ferr != nil {
		return fmt.Errorf("fallback after %v: %w", err, ferr)
	}
	return nil
}

// SendPrivate whispers chat text to one player. Like ForwardChat it falls back to
// the remote console once, using the console's tell command.
func (b *Bridge) SendPrivate(ctx context.Context, senderLabel, nickname, text string) error {
	if !validNickname(nickname) {
		return fmt.Errorf("invalid player name %q", nickname)
	}
	msg := EncodeStyled(text).Prepend(senderRun(senderLabel))

	data := privateMsgData{Nickname: nickname, Message: msg.Components()}
	_, err := b.correlator.Call(ctx, b.link, apiPrivateMsg, data, b.cfg.RequestTimeout)
	if err == nil || !errors.Is(err, ErrLinkUnavailable) || b.fallback == nil {
		return err
	}

	b.metrics.fallbackExecuted(ctx)
	if _, ferr := b.fallback.Execute(ctx, "tell "+nickname+" "+consoleSafe(msg.Plain())); ferr != nil {
		return fmt.Errorf("fallback after %v: %w", err, ferr)
	}
	return nil
}

// validNickname accepts Minecraft account names.
func validNickname(name string) bool {
	if name == "" || len(name) > 16 {
		return false
	}
	for _, r := range name {
		if !(r == '_' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9') {
			return false
		}
	}
	return true
}

// RunCommand runs a console command through a correlated call on the live link,
// or through the fallback when the link is unavailable.
func (b *Bridge) RunCommand(ctx context.Context, command string) (string, error) {
	data, err := b.correlator.Call(ctx, b.link, apiRCONCommand, commandData{Command: command}, b.cfg.RequestTimeout)
	if err == nil {
		return commandOutput(data), nil
	}
	if !errors.Is(err, ErrLinkUnavailable) || b.fallback == nil {
		return "", err
	}

	b.metrics.fallbackExecuted(ctx)
	out, ferr := b.fallback.Execute(ctx, command)
	if ferr != nil {
		return "", fmt.Errorf("fallback after %v: %w", err, ferr)
	}
	return out, nil
}

// commandOutput accepts {"output": "..."}, a bare JSON string, or any other JSON.
func commandOutput(data json.RawMessage) string {
	if len(data) == 0 {
		return ""
	}
	var res commandResult
	if err := json.Unmarshal(data, &res); err == nil && res.Output != "" {
		return res.Output
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		return s
	}
	return string(data)
}

// Reconnect asks the link for a fresh connection attempt.
func (b *Bridge) Reconnect() error {
	return b.link.Reconnect()
}

func (b *Bridge) StatusLine() string {
	st := b.link.Status()
	return fmt.Sprintf("[%s] 模式: %s, 状态: %s, 重连次数: %d, 连接数: %d, 待响应请求: %d",
		b.cfg.Server, st.Mode, st.State, st.Attempts, st.Peers, b.correlator.Pending())
}

// linkDown is called by the link once reconnecting has given up.
func (b *Bridge) linkDown(err error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	notice := fmt.Sprintf("[%s] 与服务器的连接已断开 (%s)", b.cfg.Server, linkDownReason(err))
	if serr := b.broadcastToChat(ctx, notice); serr != nil {
		b.log.Warn("send link down notice", zap.Error(serr))
	}
	if b.revive != nil {
		b.revive.Trigger()
	}
}

func linkDownReason(err error) string {
	if errors.Is(err, ErrAuthenticationFailed) {
		return "认证失败"
	}
	return "重连次数已用尽"
}

// consoleSafe flattens text to a single console line.
func consoleSafe(s string) string {
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	if r := []rune(s); len(r) > 256 {
		s = string(r[:256]) + "..."
	}
	return s
}

func truncateBytes(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
