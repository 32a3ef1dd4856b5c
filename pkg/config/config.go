package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pelletier/go-toml/v2"
)

//go:embed config.toml.sample
var configTemplate string

const (
	DefaultListen = "127.0.0.1:8810"

	defaultDatabasePlaceholder = "/home/user/.local/share/tavern/tavern.db"
)

type Config struct {
	Listen        string          `toml:"listen"`
	Database      string          `toml:"database"`
	Node          uint16          `toml:"node"`
	Debug         bool            `toml:"debug"`
	DebugServices []string        `toml:"debug_services"`
	Mailbox       MailboxConfig   `toml:"mailbox"`
	Broadcast     BroadcastConfig `toml:"broadcast"`
	Session       SessionConfig   `toml:"session"`
	Position      PositionConfig  `toml:"position"`
	Members       MembersConfig   `toml:"members"`
	Status        StatusConfig    `toml:"status"`
	Auth          AuthConfig      `toml:"auth"`
}

type MailboxConfig struct {
	Retention     Duration `toml:"retention"`
	SweepInterval Duration `toml:"sweep_interval"`
}

type BroadcastConfig struct {
	// Capacity is the number of events each mailbox ring keeps for slow
	// subscribers.
	Capacity      int      `toml:"capacity"`
	SweepInterval Duration `toml:"sweep_interval"`
}

type SessionConfig struct {
	HeartbeatInterval Duration `toml:"heartbeat_interval"`
	ReadTimeout       Duration `toml:"read_timeout"`
	WriteTimeout      Duration `toml:"write_timeout"`
	ShutdownGrace     Duration `toml:"shutdown_grace"`
	TokenTTL          Duration `toml:"token_ttl"`
}

type PositionConfig struct {
	ReserveTimeout Duration `toml:"reserve_timeout"`
	PreviewTimeout Duration `toml:"preview_timeout"`
	// MaxPreviewTimeout caps the timeout a client may ask for a draft.
	MaxPreviewTimeout Duration `toml:"max_preview_timeout"`
	IdleEvict         Duration `toml:"idle_evict"`
	SweepInterval     Duration `toml:"sweep_interval"`
}

type MembersConfig struct {
	RefreshCooldown Duration `toml:"refresh_cooldown"`
	IdleTimeout     Duration `toml:"idle_timeout"`
}

type StatusConfig struct {
	PublishInterval Duration `toml:"publish_interval"`
}

type AuthConfig struct {
	// Keys maps bearer keys to user ids.
	Keys map[string]uuid.UUID `toml:"keys"`
}

type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// orDefault sets d to def when it is unset.
func orDefault(d *Duration, def time.Duration) {
	if d.Duration <= 0 {
		d.Duration = def
	}
}

func GetDefaultConfig() (*Config, error) {
	c := &Config{}
	if err := c.applyDefaults(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) applyDefaults() error {
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.Database == "" {
		dbPath, err := GetDefaultDBPath()
		if err != nil {
			return fmt.Errorf("getting default database path: %w", err)
		}
		c.Database = dbPath
	}

	orDefault(&c.Mailbox.Retention, 24*time.Hour)
	orDefault(&c.Mailbox.SweepInterval, 5*time.Minute)

	if c.Broadcast.Capacity <= 0 {
		c.Broadcast.Capacity = 256
	}
	orDefault(&c.Broadcast.SweepInterval, 5*time.Minute)

	orDefault(&c.Session.HeartbeatInterval, 3*time.Second)
	orDefault(&c.Session.ReadTimeout, 40*time.Second)
	orDefault(&c.Session.WriteTimeout, 10*time.Second)
	orDefault(&c.Session.ShutdownGrace, 5*time.Second)
	orDefault(&c.Session.TokenTTL, 10*time.Second)

	orDefault(&c.Position.ReserveTimeout, 10*time.Second)
	orDefault(&c.Position.PreviewTimeout, 8*time.Second)
	orDefault(&c.Position.MaxPreviewTimeout, time.Minute)
	orDefault(&c.Position.IdleEvict, 30*time.Minute)
	orDefault(&c.Position.SweepInterval, time.Minute)

	orDefault(&c.Members.RefreshCooldown, 3*time.Second)
	orDefault(&c.Members.IdleTimeout, 10*time.Minute)

	orDefault(&c.Status.PublishInterval, 5*time.Second)

	if c.Auth.Keys == nil {
		c.Auth.Keys = make(map[string]uuid.UUID)
	}
	return nil
}

// Validate reports settings that cannot work.
func (c *Config) Validate() error {
	if c.Session.ReadTimeout.Duration <= c.Session.HeartbeatInterval.Duration {
		return fmt.Errorf("session.read_timeout (%s) must be longer than session.heartbeat_interval (%s)",
			c.Session.ReadTimeout, c.Session.HeartbeatInterval)
	}
	if c.Position.PreviewTimeout.Duration > c.Position.MaxPreviewTimeout.Duration {
		return fmt.Errorf("position.preview_timeout (%s) exceeds position.max_preview_timeout (%s)",
			c.Position.PreviewTimeout, c.Position.MaxPreviewTimeout)
	}
	for key, user := range c.Auth.Keys {
		if strings.TrimSpace(key) == "" {
			return fmt.Errorf("auth.keys: empty key")
		}
		if user == uuid.Nil {
			return fmt.Errorf("auth.keys: key %q maps to the nil user", key)
		}
	}
	return nil
}

func LoadConfig(configPath string) (*Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return GetDefaultConfig()
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var config Config
	if err := toml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := config.applyDefaults(); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

func (c *Config) SaveConfig(configPath string) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	return os.WriteFile(configPath, data, 0644)
}

func (c *Config) SaveTemplateConfig(configPath string) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	template, err := c.generateConfigTemplate()
	if err != nil {
		return fmt.Errorf("generating config template: %w", err)
	}
	return os.WriteFile(configPath, []byte(template), 0644)
}

func (c *Config) generateConfigTemplate() (string, error) {
	database := c.Database
	if database == "" {
		var err error
		database, err = GetDefaultDBPath()
		if err != nil {
			return "", fmt.Errorf("getting default database path: %w", err)
		}
	}

	// Replace the placeholder database with the actual path
	template := strings.Replace(configTemplate, defaultDatabasePlaceholder, database, 1)
	return template, nil
}

// GetDefaultStorageDir returns the default storage directory for databases
func GetDefaultStorageDir() (string, error) {
	// Use XDG_DATA_HOME if set, otherwise use ~/.local/share
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("getting user home directory: %w", err)
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	dir := filepath.Join(dataDir, "tavern")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating storage directory %s: %w", dir, err)
	}

	return dir, nil
}

// GetDefaultDBPath returns the default database path in the user's data directory
func GetDefaultDBPath() (string, error) {
	storageDir, err := GetDefaultStorageDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(storageDir, "tavern.db"), nil
}

// GetConfigDir returns the configuration directory for tavern
func GetConfigDir() (string, error) {
	// Use XDG_CONFIG_HOME if set, otherwise use ~/.config
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("getting user home directory: %w", err)
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	dir := filepath.Join(configDir, "tavern")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	return dir, nil
}

// GetDefaultConfigPath returns the default configuration file path
func GetDefaultConfigPath() (string, error) {
	configDir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "config.toml"), nil
}
