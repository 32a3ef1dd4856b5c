package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
)

func isolate(t *testing.T) {
	t.Helper()
	t.Setenv("XDG_DATA_HOME", t.TempDir())
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
}

func TestLoadMissingConfigUsesDefaults(t *testing.T) {
	isolate(t)
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.toml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Listen != DefaultListen {
		t.Errorf("Listen = %q", cfg.Listen)
	}
	if !strings.HasSuffix(cfg.Database, filepath.Join("tavern", "tavern.db")) {
		t.Errorf("Database = %q", cfg.Database)
	}
	checks := map[string][2]time.Duration{
		"mailbox.retention":          {cfg.Mailbox.Retention.Duration, 24 * time.Hour},
		"session.heartbeat_interval": {cfg.Session.HeartbeatInterval.Duration, 3 * time.Second},
		"session.read_timeout":       {cfg.Session.ReadTimeout.Duration, 40 * time.Second},
		"session.token_ttl":          {cfg.Session.TokenTTL.Duration, 10 * time.Second},
		"members.refresh_cooldown":   {cfg.Members.RefreshCooldown.Duration, 3 * time.Second},
		"status.publish_interval":    {cfg.Status.PublishInterval.Duration, 5 * time.Second},
		"broadcast.sweep_interval":   {cfg.Broadcast.SweepInterval.Duration, 5 * time.Minute},
	}
	for name, c := range checks {
		if c[0] != c[1] {
			t.Errorf("%s = %s, want %s", name, c[0], c[1])
		}
	}
	if cfg.Broadcast.Capacity != 256 {
		t.Errorf("broadcast.capacity = %d", cfg.Broadcast.Capacity)
	}
}

func TestLoadConfig(t *testing.T) {
	isolate(t)
	user := uuid.New()
	path := filepath.Join(t.TempDir(), "config.toml")
	data := `
listen = ":9000"
database = "postgres://tavern@localhost/tavern"
node = 7
debug_services = ["session", "mailbox"]

[session]
heartbeat_interval = "1s"
read_timeout = "5s"

[broadcast]
capacity = 32

[auth.keys]
"secret" = "` + user.String() + `"
`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Listen != ":9000" || cfg.Node != 7 || cfg.Broadcast.Capacity != 32 {
		t.Fatalf("cfg = %+v", cfg)
	}
	if cfg.Database != "postgres://tavern@localhost/tavern" {
		t.Errorf("Database = %q", cfg.Database)
	}
	if len(cfg.DebugServices) != 2 || cfg.DebugServices[1] != "mailbox" {
		t.Errorf("DebugServices = %v", cfg.DebugServices)
	}
	if cfg.Session.HeartbeatInterval.Duration != time.Second || cfg.Session.ReadTimeout.Duration != 5*time.Second {
		t.Errorf("session = %+v", cfg.Session)
	}
	// Unset keys still get defaults.
	if cfg.Session.WriteTimeout.Duration != 10*time.Second {
		t.Errorf("write_timeout = %s", cfg.Session.WriteTimeout)
	}
	if cfg.Auth.Keys["secret"] != user {
		t.Errorf("auth.keys = %v", cfg.Auth.Keys)
	}
}

func TestLoadConfigInvalid(t *testing.T) {
	isolate(t)
	tests := map[string]string{
		"bad toml":       "listen = ",
		"bad duration":   "[session]\nread_timeout = \"forever\"\n",
		"read too short": "[session]\nheartbeat_interval = \"10s\"\nread_timeout = \"5s\"\n",
		"preview cap":    "[position]\npreview_timeout = \"2m\"\nmax_preview_timeout = \"1m\"\n",
		"nil user":       "[auth.keys]\n\"k\" = \"00000000-0000-0000-0000-000000000000\"\n",
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.toml")
			if err := os.WriteFile(path, []byte(data), 0644); err != nil {
				t.Fatal(err)
			}
			if _, err := LoadConfig(path); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestSaveTemplateConfig(t *testing.T) {
	isolate(t)
	cfg, err := GetDefaultConfig()
	if err != nil {
		t.Fatal(err)
	}
	cfg.Database = filepath.Join(t.TempDir(), "custom.db")
	path := filepath.Join(t.TempDir(), "sub", "config.toml")
	if err := cfg.SaveTemplateConfig(path); err != nil {
		t.Fatal(err)
	}

	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("template does not load: %v", err)
	}
	if loaded.Database != cfg.Database {
		t.Fatalf("Database = %q, want %q", loaded.Database, cfg.Database)
	}
	if loaded.Position.PreviewTimeout.Duration != 8*time.Second {
		t.Fatalf("preview_timeout = %s", loaded.Position.PreviewTimeout)
	}
	if loaded.Position.MaxPreviewTimeout.Duration != time.Minute {
		t.Fatalf("max_preview_timeout = %s", loaded.Position.MaxPreviewTimeout)
	}
}

func TestSaveConfigRoundTrip(t *testing.T) {
	isolate(t)
	cfg, _ := GetDefaultConfig()
	cfg.Node = 3
	cfg.Auth.Keys["k"] = uuid.New()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := cfg.SaveConfig(path); err != nil {
		t.Fatal(err)
	}
	loaded, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Node != 3 || loaded.Auth.Keys["k"] != cfg.Auth.Keys["k"] {
		t.Fatalf("loaded = %+v", loaded)
	}
}
