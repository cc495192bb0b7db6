// Copyright 2024-2026 Aiku AI

package bridge

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"time"

	up "go.mau.fi/util/configupgrade"
	"gopkg.in/yaml.v3"
)

//go:embed example-config.yaml
var ExampleConfig string

// Duration is a time.Duration that unmarshals from YAML strings like "10s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", node.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

// Get returns the wrapped duration, or fallback when unset.
func (d Duration) Get(fallback time.Duration) time.Duration {
	if d == 0 {
		return fallback
	}
	return time.Duration(d)
}

// MatrixConfig describes the source-protocol connection.
type MatrixConfig struct {
	HomeserverURL string `yaml:"homeserver_url"`
	ServerName    string `yaml:"server_name"`
	ASToken       string `yaml:"as_token"`
	BotMXID       string `yaml:"bot_mxid"`
	GhostPrefix   string `yaml:"ghost_prefix"`
}

// MattermostConfig describes the destination-protocol connection.
type MattermostConfig struct {
	ServerURL string `yaml:"server_url"`
	BotToken  string `yaml:"bot_token"`
	TeamID    string `yaml:"team_id"`
	// BotPrefix is a username prefix for echo prevention. Any Mattermost
	// username starting with this prefix is treated as a bridge-managed
	// bot and its posts are never relayed.
	BotPrefix string `yaml:"bot_prefix"`
}

// RelayConfig tunes the relay router and ingestion loops.
type RelayConfig struct {
	RecordTTL         Duration `yaml:"record_ttl"`
	RecordCapacity    uint64   `yaml:"record_capacity"`
	QueueSize         int      `yaml:"queue_size"`
	RequestTimeout    Duration `yaml:"request_timeout"`
	MaxAttempts       int      `yaml:"max_attempts"`
	ReconnectMinDelay Duration `yaml:"reconnect_min_delay"`
	ReconnectMaxDelay Duration `yaml:"reconnect_max_delay"`
}

// AdminConfig describes the admin API listener.
type AdminConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	Secret     string `yaml:"secret"`
}

// LoggingConfig selects the zerolog level and console formatting.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Config is the bridge configuration root.
type Config struct {
	Matrix     MatrixConfig     `yaml:"matrix"`
	Mattermost MattermostConfig `yaml:"mattermost"`
	Relay      RelayConfig      `yaml:"relay"`
	Admin      AdminConfig      `yaml:"admin"`
	StateFile  string           `yaml:"state_file"`
	Logging    LoggingConfig    `yaml:"logging"`
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

// PostProcess validates required fields and applies defaults and env
// overrides.
func (c *Config) PostProcess() error {
	if addr := os.Getenv("BRIDGE_API_ADDR"); addr != "" {
		c.Admin.ListenAddr = addr
	}
	if c.Admin.ListenAddr == "" {
		c.Admin.ListenAddr = ":29320"
	}
	if c.StateFile == "" {
		c.StateFile = "puppetbridge-state.json"
	}
	if c.Matrix.HomeserverURL == "" {
		return fmt.Errorf("matrix.homeserver_url is required")
	}
	if c.Matrix.BotMXID == "" {
		return fmt.Errorf("matrix.bot_mxid is required")
	}
	if c.Mattermost.ServerURL == "" {
		return fmt.Errorf("mattermost.server_url is required")
	}
	if c.Matrix.ServerName == "" {
		// Derive from the bot MXID: "@bot:example.com" -> "example.com".
		if _, after, ok := strings.Cut(c.Matrix.BotMXID, ":"); ok {
			c.Matrix.ServerName = after
		}
	}
	return nil
}

// LoadConfig reads a config file, upgrades it onto the embedded example so
// keys absent from older files pick up their defaults, and validates the
// result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	merged, err := upgradeRawConfig(data)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(merged, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.PostProcess(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// upgradeRawConfig copies the known fields from the user's YAML onto the
// embedded example config and returns the merged document.
func upgradeRawConfig(data []byte) ([]byte, error) {
	var base yaml.Node
	if err := yaml.Unmarshal([]byte(ExampleConfig), &base); err != nil {
		return nil, fmt.Errorf("failed to parse embedded example config: %w", err)
	}
	var cfg yaml.Node
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.Kind == 0 {
		return nil, fmt.Errorf("config file is empty")
	}
	upgradeConfig(up.NewHelper(&base, &cfg))
	out, err := yaml.Marshal(&base)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize upgraded config: %w", err)
	}
	return out, nil
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "matrix", "homeserver_url")
	helper.Copy(up.Str, "matrix", "server_name")
	helper.Copy(up.Str, "matrix", "as_token")
	helper.Copy(up.Str, "matrix", "bot_mxid")
	helper.Copy(up.Str, "matrix", "ghost_prefix")
	helper.Copy(up.Str, "mattermost", "server_url")
	helper.Copy(up.Str, "mattermost", "bot_token")
	helper.Copy(up.Str, "mattermost", "team_id")
	helper.Copy(up.Str, "mattermost", "bot_prefix")
	helper.Copy(up.Str, "relay", "record_ttl")
	helper.Copy(up.Int, "relay", "record_capacity")
	helper.Copy(up.Int, "relay", "queue_size")
	helper.Copy(up.Str, "relay", "request_timeout")
	helper.Copy(up.Int, "relay", "max_attempts")
	helper.Copy(up.Str, "relay", "reconnect_min_delay")
	helper.Copy(up.Str, "relay", "reconnect_max_delay")
	helper.Copy(up.Str, "admin", "listen_addr")
	helper.Copy(up.Str, "admin", "secret")
	helper.Copy(up.Str, "state_file")
	helper.Copy(up.Str, "logging", "level")
	helper.Copy(up.Bool, "logging", "pretty")
}
