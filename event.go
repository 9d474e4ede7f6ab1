package main

import (
	"fmt"
	"strings"
	"time"
)

// EventKind is the canonical, ecosystem-independent kind of a game occurrence.
// The value doubles as the bit index in a Mask.
type EventKind uint8

const (
	KindChat EventKind = iota
	KindPlayerCommand
	KindDeath
	KindJoin
	KindQuit
	KindUnknown
)

var kindNames = [...]string{
	KindChat:          "chat",
	KindPlayerCommand: "player_command",
	KindDeath:         "death",
	KindJoin:          "join",
	KindQuit:          "quit",
	KindUnknown:       "unknown",
}

// deliverableKinds are the kinds a Mask can select.
var deliverableKinds = []EventKind{KindChat, KindPlayerCommand, KindDeath, KindJoin, KindQuit}

func (k EventKind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", k)
}

// Mask is a bit set over EventKind.
type Mask uint32

const MaskAll Mask = 1<<KindChat | 1<<KindPlayerCommand | 1<<KindDeath | 1<<KindJoin | 1<<KindQuit

func MaskOf(kinds ...EventKind) Mask {
	var m Mask
	for _, k := range kinds {
		if k == KindUnknown {
			continue
		}
		m |= 1 << k
	}
	return m
}

func (m Mask) Has(k EventKind) bool {
	return k != KindUnknown && m&(1<<k) != 0
}

// Kinds lists the kinds selected by the mask in canonical order.
func (m Mask) Kinds() []EventKind {
	var out []EventKind
	for _, k := range deliverableKinds {
		if m.Has(k) {
			out = append(out, k)
		}
	}
	return out
}

// ParseMask builds a Mask from kind names; "all" selects every kind.
// "command" is accepted as an alias for player_command.
func ParseMask(names []string) (Mask, error) {
	var m Mask
	for _, n := range names {
		n = strings.ToLower(strings.TrimSpace(n))
		switch n {
		case "all":
			m |= MaskAll
		case "command":
			m |= MaskOf(KindPlayerCommand)
		default:
			k, ok := kindByName(n)
			if !ok {
				return 0, fmt.Errorf("unknown event kind %q", n)
			}
			m |= MaskOf(k)
		}
	}
	return m, nil
}

func kindByName(name string) (EventKind, bool) {
	for _, k := range deliverableKinds {
		if kindNames[k] == name {
			return k, true
		}
	}
	return KindUnknown, false
}

// Ecosystem names a family of server-side software that reports events.
type Ecosystem string

const (
	EcosystemSpigot   Ecosystem = "spigot"
	EcosystemFabric   Ecosystem = "fabric"
	EcosystemForge    Ecosystem = "forge"
	EcosystemVelocity Ecosystem = "velocity"
	EcosystemVanilla  Ecosystem = "vanilla"
	EcosystemUnknown  Ecosystem = ""
)

// ServerInfo describes the server an event came from.
type ServerInfo struct {
	Name      string
	Ecosystem Ecosystem
}

// Location is a block position, optionally qualified by world/dimension.
type Location struct {
	X, Y, Z int
	World   string
}

// Player holds what the ecosystem reported about the acting player.
// Every field besides Name is optional; nil means the ecosystem did not report it.
type Player struct {
	Name     string
	UUID     string
	Address  string
	Location *Location
	GameMode string
	Ping     *int
	Op       *bool
	Flying   *bool
	Sneaking *bool
}

// Event is a normalized game occurrence. It is built once by the normalizer and
// treated as immutable afterwards.
type Event struct {
	Kind    EventKind
	Server  ServerInfo
	Player  *Player
	Message string
	RawName string
	Time    time.Time
}

func (e Event) playerName() string {
	if e.Player == nil || e.Player.Name == "" {
		return "未知玩家"
	}
	return e.Player.Name
}

// Render produces the chat-facing line for the event. Unknown events render empty.
func (e Event) Render() string {
	server := e.Server.Name
	switch e.Kind {
	case KindChat:
		return fmt.Sprintf("[%s] <%s> %s", server, e.playerName(), e.Message)
	case KindPlayerCommand:
		return fmt.Sprintf("[%s] %s 执行命令: %s", server, e.playerName(), e.Message)
	case KindDeath:
		if e.Message != "" {
			return fmt.Sprintf("[%s] %s", server, e.Message)
		}
		return fmt.Sprintf("[%s] %s 死亡了", server, e.playerName())
	case KindJoin:
		return fmt.Sprintf("[%s] %s 加入了游戏", server, e.playerName())
	case KindQuit:
		return fmt.Sprintf("[%s] %s 退出了游戏", server, e.playerName())
	default:
		return ""
	}
}

// InboundMessage represents a message from an external chat channel destined for the game.
type InboundMessage struct {
	Source    string // Channel name (e.g., "Discord")
	ChannelID string
	Author    string
	Content   string
}

// EventSubscriber receives every canonical event a bridge delivers.
type EventSubscriber interface {
	OnGameEvent(event Event)
}
