package main

import (
	"encoding/json"
	"strings"
	"time"
)

// Envelope is an inbound event notification as it arrives on the wire.
type Envelope struct {
	PostType   string          `json:"post_type"`
	EventName  string          `json:"event_name,omitempty"`
	SubType    string          `json:"sub_type,omitempty"`
	ServerName string          `json:"server_name,omitempty"`
	ServerType string          `json:"server_type,omitempty"`
	Player     json.RawMessage `json:"player,omitempty"`
	Message    string          `json:"message,omitempty"`
}

// rawPlayer is the union of player fields any ecosystem may send.
type rawPlayer struct {
	Nickname    string  `json:"nickname"`
	DisplayName string  `json:"display_name"`
	UUID        string  `json:"uuid"`
	Address     *string `json:"address"`
	IP          *string `json:"ip"`
	IsOp        *bool   `json:"is_op"`
	Ping        *int    `json:"ping"`
	IsFlying    *bool   `json:"is_flying"`
	IsSneaking  *bool   `json:"is_sneaking"`
	BlockX      *int    `json:"block_x"`
	BlockY      *int    `json:"block_y"`
	BlockZ      *int    `json:"block_z"`
	Dimension   string  `json:"dimension"`
	World       string  `json:"world"`
	GameMode    string  `json:"game_mode"`
	IsCreative  *bool   `json:"is_creative"`
	IsSpectator *bool   `json:"is_spectator"`
	IsAdventure *bool   `json:"is_adventure"`
	IsSurvival  *bool   `json:"is_survival"`
}

// subtypeKinds maps explicit sub_type values to canonical kinds.
var subtypeKinds = map[string]EventKind{
	"chat":           KindChat,
	"player_command": KindPlayerCommand,
	"death":          KindDeath,
	"join":           KindJoin,
	"quit":           KindQuit,
}

type eventAlias struct {
	ecosystem Ecosystem
	subtype   string
}

// eventNames maps vendor event identifiers to an ecosystem and sub_type.
var eventNames = map[string]eventAlias{
	// Spigot / Paper / Bukkit
	"AsyncPlayerChatEvent":         {EcosystemSpigot, "chat"},
	"PlayerCommandPreprocessEvent": {EcosystemSpigot, "player_command"},
	"PlayerDeathEvent":             {EcosystemSpigot, "death"},
	"PlayerJoinEvent":              {EcosystemSpigot, "join"},
	"PlayerQuitEvent":              {EcosystemSpigot, "quit"},

	// Fabric
	"ServerMessageEvent":                  {EcosystemFabric, "chat"},
	"ServerCommandMessageEvent":           {EcosystemFabric, "player_command"},
	"ServerLivingEntityAfterDeathEvent":   {EcosystemFabric, "death"},
	"ServerPlayConnectionJoinEvent":       {EcosystemFabric, "join"},
	"ServerPlayConnectionDisconnectEvent": {EcosystemFabric, "quit"},

	// Forge / NeoForge
	"ForgeServerChatEvent":      {EcosystemForge, "chat"},
	"ForgeCommandEvent":         {EcosystemForge, "player_command"},
	"ForgeLivingDeathEvent":     {EcosystemForge, "death"},
	"ForgePlayerLoggedInEvent":  {EcosystemForge, "join"},
	"ForgePlayerLoggedOutEvent": {EcosystemForge, "quit"},

	// Velocity proxy
	"PlayerChatEvent":             {EcosystemVelocity, "chat"},
	"CommandExecuteEvent":         {EcosystemVelocity, "player_command"},
	"VelocityPlayerDeathEvent":    {EcosystemVelocity, "death"},
	"PostLoginEvent":              {EcosystemVelocity, "join"},
	"DisconnectEvent":             {EcosystemVelocity, "quit"},
	"VelocityPlayerChatEvent":     {EcosystemVelocity, "chat"},
	"VelocityCommandExecuteEvent": {EcosystemVelocity, "player_command"},
	"VelocityPostLoginEvent":      {EcosystemVelocity, "join"},
	"VelocityDisconnectEvent":     {EcosystemVelocity, "quit"},

	// Vanilla (log-reading server wrappers)
	"MinecraftPlayerChatEvent":    {EcosystemVanilla, "chat"},
	"MinecraftPlayerCommandEvent": {EcosystemVanilla, "player_command"},
	"MinecraftPlayerDeathEvent":   {EcosystemVanilla, "death"},
	"MinecraftPlayerJoinEvent":    {EcosystemVanilla, "join"},
	"MinecraftPlayerQuitEvent":    {EcosystemVanilla, "quit"},
}

// playerField copies one optional group of fields from the raw payload.
type playerField func(raw *rawPlayer, p *Player)

// playerFields lists, per ecosystem, which optional fields it exposes.
var playerFields = map[Ecosystem][]playerField{
	EcosystemSpigot:   {fieldAddress, fieldOp, fieldMovement, fieldModeName},
	EcosystemFabric:   {fieldAddress, fieldBlockPos, fieldModeFlags},
	EcosystemForge:    {fieldAddress, fieldBlockPos, fieldModeFlags},
	EcosystemVelocity: {fieldAddress, fieldPing},
	EcosystemVanilla:  {},
}

// anyEcosystemFields is used when the ecosystem cannot be determined.
var anyEcosystemFields = []playerField{
	fieldAddress, fieldOp, fieldMovement, fieldBlockPos, fieldModeName, fieldModeFlags, fieldPing,
}

func fieldAddress(raw *rawPlayer, p *Player) {
	switch {
	case raw.Address != nil:
		p.Address = *raw.Address
	case raw.IP != nil:
		p.Address = *raw.IP
	}
}

func fieldOp(raw *rawPlayer, p *Player) { p.Op = raw.IsOp }

func fieldMovement(raw *rawPlayer, p *Player) {
	p.Flying = raw.IsFlying
	p.Sneaking = raw.IsSneaking
}

func fieldPing(raw *rawPlayer, p *Player) { p.Ping = raw.Ping }

func fieldBlockPos(raw *rawPlayer, p *Player) {
	if raw.BlockX == nil || raw.BlockY == nil || raw.BlockZ == nil {
		return
	}
	world := raw.Dimension
	if world == "" {
		world = raw.World
	}
	p.Location = &Location{X: *raw.BlockX, Y: *raw.BlockY, Z: *raw.BlockZ, World: world}
}

func fieldModeName(raw *rawPlayer, p *Player) {
	if raw.GameMode != "" && p.GameMode == "" {
		p.GameMode = strings.ToLower(raw.GameMode)
	}
}

func fieldModeFlags(raw *rawPlayer, p *Player) {
	if p.GameMode != "" {
		return
	}
	switch {
	case isTrue(raw.IsCreative):
		p.GameMode = "creative"
	case isTrue(raw.IsSpectator):
		p.GameMode = "spectator"
	case isTrue(raw.IsAdventure):
		p.GameMode = "adventure"
	case isTrue(raw.IsSurvival):
		p.GameMode = "survival"
	}
}

func isTrue(b *bool) bool { return b != nil && *b }

// Classify maps an envelope onto a canonical event. An explicit sub_type wins over
// the event name; when neither resolves the event kind is KindUnknown.
func Classify(env Envelope) Event {
	ev := Event{
		Kind:    KindUnknown,
		RawName: env.EventName,
		Message: env.Message,
		Time:    time.Now(),
		Server: ServerInfo{
			Name:      env.ServerName,
			Ecosystem: parseEcosystem(env.ServerType),
		},
	}

	alias, named := eventNames[env.EventName]
	if named && ev.Server.Ecosystem == EcosystemUnknown {
		ev.Server.Ecosystem = alias.ecosystem
	}

	if k, ok := subtypeKinds[strings.ToLower(env.SubType)]; ok {
		ev.Kind = k
	} else if named {
		ev.Kind = subtypeKinds[alias.subtype]
	}

	ev.Player = extractPlayer(env.Player, ev.Server.Ecosystem)
	return ev
}

func parseEcosystem(serverType string) Ecosystem {
	s := strings.ToLower(serverType)
	switch {
	case s == "":
		return EcosystemUnknown
	case strings.Contains(s, "velocity"):
		return EcosystemVelocity
	case strings.Contains(s, "fabric") || strings.Contains(s, "quilt"):
		return EcosystemFabric
	case strings.Contains(s, "forge"):
		return EcosystemForge
	case strings.Contains(s, "spigot") || strings.Contains(s, "paper") ||
		strings.Contains(s, "bukkit") || strings.Contains(s, "folia"):
		return EcosystemSpigot
	case strings.Contains(s, "vanilla") || strings.Contains(s, "minecraft"):
		return EcosystemVanilla
	default:
		return EcosystemUnknown
	}
}

// extractPlayer tolerates a missing player, a bare name string, or any subset of
// optional fields.
func extractPlayer(data json.RawMessage, eco Ecosystem) *Player {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}

	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		if name == "" {
			return nil
		}
		return &Player{Name: name}
	}

	var raw rawPlayer
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil
	}

	p := &Player{Name: raw.DisplayName, UUID: raw.UUID}
	if p.Name == "" {
		p.Name = raw.Nickname
	}

	fields, ok := playerFields[eco]
	if !ok {
		fields = anyEcosystemFields
	}
	for _, f := range fields {
		f(&raw, p)
	}
	return p
}
