package config

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

const appDirName = "groupwatch"

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Monitor   MonitorConfig   `yaml:"monitor"`
}

type ServerConfig struct {
	Port           int      `yaml:"port" env:"GROUPWATCH_PORT"`
	Host           string   `yaml:"host" env:"GROUPWATCH_HOST"`
	AuthToken      string   `yaml:"auth_token" env:"GROUPWATCH_AUTH_TOKEN"`
	AllowedOrigins []string `yaml:"allowed_origins" env:"GROUPWATCH_ALLOWED_ORIGINS" envSeparator:","`
	// MaxConnections caps concurrent websocket clients. 0 is unlimited.
	MaxConnections int `yaml:"max_connections" env:"GROUPWATCH_MAX_CONNECTIONS"`
}

type StorageConfig struct {
	Dir string `yaml:"dir" env:"GROUPWATCH_STORAGE_DIR"`
}

type SessionsConfig struct {
	// AllowedGroupIDs restricts logging to these groups. Empty logs every
	// group instance.
	AllowedGroupIDs []string `yaml:"allowed_group_ids" env:"GROUPWATCH_ALLOWED_GROUP_IDS" envSeparator:","`
	HeaderReadBytes int      `yaml:"header_read_bytes" env:"GROUPWATCH_HEADER_READ_BYTES"`
}

type HeartbeatConfig struct {
	Interval        time.Duration `yaml:"interval" env:"GROUPWATCH_HEARTBEAT_INTERVAL"`
	UnitMinutes     int           `yaml:"unit_minutes" env:"GROUPWATCH_HEARTBEAT_UNIT_MINUTES"`
	QueueSize       int           `yaml:"queue_size" env:"GROUPWATCH_ENCOUNTER_QUEUE_SIZE"`
	MigrationDelay  time.Duration `yaml:"migration_delay" env:"GROUPWATCH_MIGRATION_DELAY"`
	LegacyFriendLog string        `yaml:"legacy_friend_log" env:"GROUPWATCH_LEGACY_FRIEND_LOG"`
}

type MonitorConfig struct {
	PollInterval time.Duration `yaml:"poll_interval" env:"GROUPWATCH_POLL_INTERVAL"`
	// ClientEvents and FriendEvents are JSONL streams written by the log
	// parser and the relationship poller. Empty selects a file under
	// storage.dir.
	ClientEvents string `yaml:"client_events" env:"GROUPWATCH_CLIENT_EVENTS"`
	FriendEvents string `yaml:"friend_events" env:"GROUPWATCH_FRIEND_EVENTS"`
	// ClientProcess is the game client executable name. Empty disables the
	// process probe.
	ClientProcess string `yaml:"client_process" env:"GROUPWATCH_CLIENT_PROCESS"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:           8080,
			Host:           "127.0.0.1",
			MaxConnections: 32,
		},
		Storage: StorageConfig{
			Dir: defaultStateDir(),
		},
		Sessions: SessionsConfig{
			HeaderReadBytes: 4096,
		},
		Heartbeat: HeartbeatConfig{
			Interval:       time.Minute,
			UnitMinutes:    1,
			QueueSize:      256,
			MigrationDelay: 30 * time.Second,
		},
		Monitor: MonitorConfig{
			PollInterval: time.Second,
		},
	}
}

// Builtin returns the built-in defaults without environment overrides.
func Builtin() *Config {
	return defaultConfig()
}

// Default returns the built-in configuration with environment overrides
// applied.
func Default() (*Config, error) {
	cfg := defaultConfig()
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// Load reads the YAML file at path over the defaults, then applies
// GROUPWATCH_* environment overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault behaves like Load but falls back to Default when path does
// not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default()
	}
	return cfg, err
}

func applyEnv(cfg *Config) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Validate rejects settings the components cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.MaxConnections < 0 {
		errs = append(errs, errors.New("server.max_connections must not be negative"))
	}
	if strings.TrimSpace(c.Storage.Dir) == "" {
		errs = append(errs, errors.New("storage.dir is required"))
	}
	if c.Heartbeat.Interval <= 0 {
		errs = append(errs, errors.New("heartbeat.interval must be positive"))
	}
	if c.Heartbeat.UnitMinutes <= 0 {
		errs = append(errs, errors.New("heartbeat.unit_minutes must be positive"))
	}
	if c.Heartbeat.QueueSize <= 0 {
		errs = append(errs, errors.New("heartbeat.queue_size must be positive"))
	}
	if c.Heartbeat.MigrationDelay < 0 {
		errs = append(errs, errors.New("heartbeat.migration_delay must not be negative"))
	}
	if c.Monitor.PollInterval <= 0 {
		errs = append(errs, errors.New("monitor.poll_interval must be positive"))
	}
	if c.Sessions.HeaderReadBytes < 0 {
		errs = append(errs, errors.New("sessions.header_read_bytes must not be negative"))
	}
	return errors.Join(errs...)
}

// MonitorOffsetsPath records how far each event source has been read.
func (c *Config) MonitorOffsetsPath() string {
	return filepath.Join(c.Storage.Dir, "monitor-offsets.json")
}

// SessionsDir holds one JSONL file per tracked instance.
func (c *Config) SessionsDir() string {
	return filepath.Join(c.Storage.Dir, "sessions")
}

// FeedDir holds the feed log and its cleanup marker.
func (c *Config) FeedDir() string {
	return filepath.Join(c.Storage.Dir, "feed")
}

// StatsDBPath is the SQLite counter store.
func (c *Config) StatsDBPath() string {
	return filepath.Join(c.Storage.Dir, "stats.db")
}

func (c *Config) ClientEventsPath() string {
	if c.Monitor.ClientEvents != "" {
		return c.Monitor.ClientEvents
	}
	return filepath.Join(c.Storage.Dir, "client-events.jsonl")
}

func (c *Config) FriendEventsPath() string {
	if c.Monitor.FriendEvents != "" {
		return c.Monitor.FriendEvents
	}
	return filepath.Join(c.Storage.Dir, "friend-events.jsonl")
}

// GenerateToken returns a random 128-bit hex token for server.auth_token.
func GenerateToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// Diff lists human-readable differences from old to new.
func Diff(old, new *Config) []string {
	var out []string
	add := func(key string, a, b any) {
		if fmt.Sprint(a) != fmt.Sprint(b) {
			out = append(out, fmt.Sprintf("%s: %v → %v", key, a, b))
		}
	}
	add("server.host", old.Server.Host, new.Server.Host)
	add("server.port", old.Server.Port, new.Server.Port)
	if old.Server.AuthToken != new.Server.AuthToken {
		out = append(out, "server.auth_token: changed")
	}
	if !slices.Equal(old.Server.AllowedOrigins, new.Server.AllowedOrigins) {
		add("server.allowed_origins", listOf(old.Server.AllowedOrigins), listOf(new.Server.AllowedOrigins))
	}
	add("server.max_connections", old.Server.MaxConnections, new.Server.MaxConnections)
	add("storage.dir", old.Storage.Dir, new.Storage.Dir)
	if !slices.Equal(old.Sessions.AllowedGroupIDs, new.Sessions.AllowedGroupIDs) {
		add("sessions.allowed_group_ids", listOf(old.Sessions.AllowedGroupIDs), listOf(new.Sessions.AllowedGroupIDs))
	}
	add("sessions.header_read_bytes", old.Sessions.HeaderReadBytes, new.Sessions.HeaderReadBytes)
	add("heartbeat.interval", old.Heartbeat.Interval, new.Heartbeat.Interval)
	add("heartbeat.unit_minutes", old.Heartbeat.UnitMinutes, new.Heartbeat.UnitMinutes)
	add("heartbeat.queue_size", old.Heartbeat.QueueSize, new.Heartbeat.QueueSize)
	add("heartbeat.migration_delay", old.Heartbeat.MigrationDelay, new.Heartbeat.MigrationDelay)
	add("heartbeat.legacy_friend_log", old.Heartbeat.LegacyFriendLog, new.Heartbeat.LegacyFriendLog)
	add("monitor.poll_interval", old.Monitor.PollInterval, new.Monitor.PollInterval)
	add("monitor.client_events", old.Monitor.ClientEvents, new.Monitor.ClientEvents)
	add("monitor.friend_events", old.Monitor.FriendEvents, new.Monitor.FriendEvents)
	add("monitor.client_process", old.Monitor.ClientProcess, new.Monitor.ClientProcess)
	return out
}

func listOf(v []string) string {
	return "[" + strings.Join(v, " ") + "]"
}

// defaultStateDir returns ~/.local/state/groupwatch, respecting
// XDG_STATE_HOME if set.
func defaultStateDir() string {
	if base := os.Getenv("XDG_STATE_HOME"); base != "" {
		return filepath.Join(base, appDirName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return filepath.Join(home, ".local", "state", appDirName)
}

// DefaultPath is where the CLI looks for config.yaml when --config is not
// given.
func DefaultPath() string {
	if base := os.Getenv("XDG_CONFIG_HOME"); base != "" {
		return filepath.Join(base, appDirName, "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".config", appDirName, "config.yaml")
}
