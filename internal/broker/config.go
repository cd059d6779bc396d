package broker

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/thobiasn/bridge/internal/protocol"
)

// Duration wraps time.Duration for TOML string parsing ("3s", "1m").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	return nil
}

type Config struct {
	Broker    BrokerConfig    `toml:"broker"`
	Admin     AdminConfig     `toml:"admin"`
	WebSocket WebSocketConfig `toml:"websocket"`
	Storage   StorageConfig   `toml:"storage"`
	Log       LogConfig       `toml:"log"`
}

type BrokerConfig struct {
	Listen             string   `toml:"listen"`
	TopicWidth         int      `toml:"topic_width"`
	BlockSize          int      `toml:"block_size"`
	InitialCapacity    int      `toml:"initial_capacity"`
	HeartbeatTimeout   Duration `toml:"heartbeat_timeout"`
	WriteTimeout       Duration `toml:"write_timeout"`
	HandshakeTimeout   Duration `toml:"handshake_timeout"`
	PublishIdleTimeout Duration `toml:"publish_idle_timeout"`
	MaxConnections     int      `toml:"max_connections"`
}

type AdminConfig struct {
	Socket string `toml:"socket"`
}

type WebSocketConfig struct {
	Listen string `toml:"listen"`
	Path   string `toml:"path"`
}

type StorageConfig struct {
	Path          string `toml:"path"`
	RetentionDays int    `toml:"retention_days"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	File   string `toml:"file"`
	Recent int    `toml:"recent"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() *Config {
	cfg := &Config{}
	setDefaults(cfg, nil)
	return cfg
}

// LoadConfig reads a TOML file, fills in defaults and validates the result.
// An empty path yields the defaults.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := &Config{}
	md, err := toml.Decode(string(data), cfg)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if undec := md.Undecoded(); len(undec) > 0 {
		keys := make([]string, len(undec))
		for i, k := range undec {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("parse config: unknown keys: %s", strings.Join(keys, ", "))
	}

	setDefaults(cfg, &md)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// setDefaults fills zero values. Keys present in md keep their explicit
// value so that "admin.socket = ''" can disable the admin socket.
func setDefaults(cfg *Config, md *toml.MetaData) {
	defined := func(key ...string) bool { return md != nil && md.IsDefined(key...) }

	if cfg.Broker.Listen == "" {
		cfg.Broker.Listen = ":0"
	}
	if cfg.Broker.TopicWidth == 0 {
		cfg.Broker.TopicWidth = protocol.DefaultTopicWidth
	}
	if cfg.Broker.BlockSize == 0 {
		cfg.Broker.BlockSize = 1024
	}
	if cfg.Broker.InitialCapacity == 0 {
		cfg.Broker.InitialCapacity = 16
	}
	if cfg.Broker.HeartbeatTimeout.Duration == 0 {
		cfg.Broker.HeartbeatTimeout.Duration = 3 * time.Second
	}
	if cfg.Broker.WriteTimeout.Duration == 0 {
		cfg.Broker.WriteTimeout.Duration = 5 * time.Second
	}
	if cfg.Broker.HandshakeTimeout.Duration == 0 {
		cfg.Broker.HandshakeTimeout.Duration = 10 * time.Second
	}
	if cfg.Admin.Socket == "" && !defined("admin", "socket") {
		cfg.Admin.Socket = "/run/bridge/bridge.sock"
	}
	if cfg.WebSocket.Path == "" {
		cfg.WebSocket.Path = "/bridge"
	}
	if cfg.Storage.RetentionDays == 0 {
		cfg.Storage.RetentionDays = 7
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Recent == 0 {
		cfg.Log.Recent = 200
	}
}

func validate(cfg *Config) error {
	b := &cfg.Broker
	if b.TopicWidth < 1 || b.TopicWidth > 255 {
		return fmt.Errorf("topic_width must be in 1..255, got %d", b.TopicWidth)
	}
	if b.BlockSize < 1 || b.BlockSize > protocol.MaxBlockSize {
		return fmt.Errorf("block_size must be in 1..%d, got %d", protocol.MaxBlockSize, b.BlockSize)
	}
	if b.InitialCapacity < 2 {
		return fmt.Errorf("initial_capacity must be >= 2, got %d", b.InitialCapacity)
	}
	if b.HeartbeatTimeout.Duration < 0 || b.WriteTimeout.Duration < 0 ||
		b.HandshakeTimeout.Duration < 0 || b.PublishIdleTimeout.Duration < 0 {
		return errors.New("timeouts must not be negative")
	}
	if b.MaxConnections < 0 {
		return fmt.Errorf("max_connections must be >= 0, got %d", b.MaxConnections)
	}
	if !strings.HasPrefix(cfg.WebSocket.Path, "/") {
		return fmt.Errorf("websocket path must start with /, got %q", cfg.WebSocket.Path)
	}
	if cfg.Storage.RetentionDays < 1 {
		return fmt.Errorf("retention_days must be >= 1, got %d", cfg.Storage.RetentionDays)
	}
	switch cfg.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log level must be debug, info, warn or error, got %q", cfg.Log.Level)
	}
	if cfg.Log.Recent < 1 {
		return fmt.Errorf("log recent must be >= 1, got %d", cfg.Log.Recent)
	}
	return nil
}
