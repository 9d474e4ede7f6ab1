package main

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Log     LogConfig      `yaml:"log"`
	OTel    OTelConfig     `yaml:"otel"`
	Discord DiscordConfig  `yaml:"discord"`
	Wiki    WikiConfig     `yaml:"wiki"`
	Servers []ServerConfig `yaml:"servers"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "console"
}

type OTelConfig struct {
	Enabled         bool          `yaml:"enabled"`
	ServiceName     string        `yaml:"service_name"`
	MetricsInterval time.Duration `yaml:"metrics_interval"`
	Events          []string      `yaml:"events"` // list of event kinds, or ["all"]
	EventMask       Mask          `yaml:"-"`      // parsed Events
}

type DiscordConfig struct {
	Enabled       bool   `yaml:"enabled"`
	BotToken      string `yaml:"-"` // from env only
	CommandPrefix string `yaml:"command_prefix"`
}

type WikiConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Timeout  time.Duration `yaml:"timeout"`
	MaxRunes int           `yaml:"max_runes"`
}

type ServerConfig struct {
	Name             string          `yaml:"name"`
	Mode             LinkMode        `yaml:"mode"`
	URL              string          `yaml:"url"`
	Listen           string          `yaml:"listen"`
	Path             string          `yaml:"path"`
	Token            string          `yaml:"-"` // from env only
	SelfName         string          `yaml:"self_name"`
	Origin           string          `yaml:"origin"`
	Events           []string        `yaml:"events"`
	Subscription     Mask            `yaml:"-"` // parsed Events
	RequestTimeout   time.Duration   `yaml:"request_timeout"`
	HandshakeTimeout time.Duration   `yaml:"handshake_timeout"`
	Reconnect        ReconnectPolicy `yaml:"reconnect"`
	RCON             RCONConfig      `yaml:"rcon"`
	Channels         []string        `yaml:"channels"`
	Revive           ReviveConfig    `yaml:"revive"`
}

type RCONConfig struct {
	Host           string        `yaml:"host"`
	Port           int           `yaml:"port"`
	Password       string        `yaml:"-"` // from env only
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	Timeout        time.Duration `yaml:"timeout"`
}

type ReviveConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

func defaultConfig() Config {
	return Config{
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		OTel: OTelConfig{
			Enabled:         true,
			ServiceName:     "mc-bridge",
			MetricsInterval: 30 * time.Second,
			Events:          []string{"all"},
		},
		Discord: DiscordConfig{
			Enabled:       true,
			CommandPrefix: "!",
		},
		Wiki: WikiConfig{
			Enabled:  true,
			Timeout:  10 * time.Second,
			MaxRunes: 300,
		},
	}
}

// defaultServerConfig holds the per-server defaults for fields where an
// explicit zero is meaningful, such as max_attempts: 0 for no retries.
func defaultServerConfig() ServerConfig {
	return ServerConfig{
		Reconnect: ReconnectPolicy{
			BaseDelay:   5 * time.Second,
			CapAttempts: 6,
			MaxAttempts: 10,
		},
		Revive: ReviveConfig{Interval: time.Minute},
	}
}

// UnmarshalYAML decodes a server entry on top of defaultServerConfig.
func (s *ServerConfig) UnmarshalYAML(node *yaml.Node) error {
	type plain ServerConfig
	p := plain(defaultServerConfig())
	if err := node.Decode(&p); err != nil {
		return err
	}
	*s = ServerConfig(p)
	return nil
}

// applyDefaults fills per-server fields the file left empty.
func (s *ServerConfig) applyDefaults() {
	if s.Mode == "" {
		s.Mode = ModeClient
	}
	if s.Path == "" {
		s.Path = "/"
	}
	if s.SelfName == "" {
		s.SelfName = s.Name
	}
	if s.Origin == "" {
		s.Origin = "mc-bridge"
	}
	if len(s.Events) == 0 {
		s.Events = []string{"all"}
	}
	if s.RequestTimeout == 0 {
		s.RequestTimeout = 10 * time.Second
	}
	if s.HandshakeTimeout == 0 {
		s.HandshakeTimeout = 10 * time.Second
	}
	if s.RCON.Host == "" {
		s.RCON.Host = "localhost"
		if u, err := url.Parse(s.URL); err == nil && u.Hostname() != "" {
			s.RCON.Host = u.Hostname()
		}
	}
	if s.RCON.Port == 0 {
		s.RCON.Port = defaultRCONPort
	}
	if s.RCON.ConnectTimeout == 0 {
		s.RCON.ConnectTimeout = 3 * time.Second
	}
	if s.RCON.Timeout == 0 {
		s.RCON.Timeout = 5 * time.Second
	}
}

// Mask returns the subscription mask for the server's event list.
func (s *ServerConfig) Mask() (Mask, error) {
	return ParseMask(s.Events)
}

// FallbackEnabled reports whether a remote-console password is configured.
func (s *ServerConfig) FallbackEnabled() bool {
	return s.RCON.Password != ""
}

func (s *ServerConfig) validate() error {
	if s.Name == "" {
		return errors.New("name is required")
	}
	switch s.Mode {
	case ModeClient:
		u, err := url.Parse(s.URL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
			return fmt.Errorf("client mode needs a ws:// or wss:// url, got %q", s.URL)
		}
	case ModeServer:
		if s.Listen == "" {
			return errors.New("server mode needs a listen address")
		}
	default:
		return fmt.Errorf("unknown mode %q", s.Mode)
	}
	if s.Token == "" {
		return fmt.Errorf("%s env is required", secretEnv(s.Name, "TOKEN"))
	}
	if len(s.Channels) == 0 {
		return errors.New("at least one channel is required")
	}
	mask, err := s.Mask()
	if err != nil {
		return err
	}
	s.Subscription = mask
	if s.Reconnect.MaxAttempts < 0 || s.Reconnect.CapAttempts < 0 || s.Reconnect.BaseDelay < 0 {
		return errors.New("reconnect settings must not be negative")
	}
	if s.Revive.Enabled && s.Revive.Interval <= 0 {
		return fmt.Errorf("revive interval must be positive, got %s", s.Revive.Interval)
	}
	return nil
}

func loadConfig() (Config, error) {
	configPath := envOr("CONFIG_PATH", "/etc/mc-bridge/config.yaml")
	data, err := os.ReadFile(configPath)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("read config %s: %w", configPath, err)
	}
	// a missing config file leaves the defaults in place
	cfg, err := parseConfig(data, os.Getenv)
	if err != nil {
		return cfg, fmt.Errorf("config %s: %w", configPath, err)
	}
	return cfg, nil
}

// parseConfig applies the YAML document and environment secrets on top of the defaults.
func parseConfig(data []byte, getenv func(string) string) (Config, error) {
	cfg := defaultConfig()
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse: %w", err)
		}
	}

	if v := getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	cfg.Discord.BotToken = getenv("DISCORD_BOT_TOKEN")
	if cfg.Discord.BotToken == "" {
		cfg.Discord.Enabled = false
	}

	if len(cfg.Servers) == 0 {
		return cfg, errors.New("no servers configured")
	}

	seen := make(map[string]bool, len(cfg.Servers))
	for i := range cfg.Servers {
		s := &cfg.Servers[i]
		s.applyDefaults()
		s.Token = getenv(secretEnv(s.Name, "TOKEN"))
		s.RCON.Password = getenv(secretEnv(s.Name, "RCON_PASSWORD"))

		if err := s.validate(); err != nil {
			return cfg, fmt.Errorf("server %d (%s): %w", i, s.Name, err)
		}
		if seen[s.Name] {
			return cfg, fmt.Errorf("duplicate server name %q", s.Name)
		}
		seen[s.Name] = true
	}

	mask, err := ParseMask(cfg.OTel.Events)
	if err != nil {
		return cfg, fmt.Errorf("otel events: %w", err)
	}
	cfg.OTel.EventMask = mask
	return cfg, nil
}

// secretEnv names the env var holding a per-server secret, e.g.
// MCBRIDGE_SURVIVAL_1_TOKEN for server "survival-1".
func secretEnv(server, suffix string) string {
	var b strings.Builder
	b.WriteString("MCBRIDGE_")
	for _, r := range strings.ToUpper(server) {
		if r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	b.WriteString("_" + suffix)
	return b.String()
}

// ChannelIDs lists every chat channel id bound to any server.
func (c *Config) ChannelIDs() []string {
	seen := make(map[string]bool)
	var ids []string
	for _, s := range c.Servers {
		for _, id := range s.Channels {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	return ids
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
