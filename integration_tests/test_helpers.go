package integration_tests

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rubiojr/tavern/cmd"
	"github.com/rubiojr/tavern/pkg/config"
	"github.com/rubiojr/tavern/pkg/event"
	"github.com/rubiojr/tavern/pkg/model"
	"github.com/rubiojr/tavern/pkg/storage"
	"github.com/urfave/cli/v3"
)

// world is the space layout every integration test starts from.
type world struct {
	Public  *model.Space
	Private *model.Space
	Channel *model.Channel
	Player  uuid.UUID
	Master  uuid.UUID
}

// testServer is a tavern serve process running in-process.
type testServer struct {
	URL        string
	ConfigPath string
	Config     *config.Config
	World      *world

	cancel context.CancelFunc
	done   chan error
}

// freeAddr finds a local TCP address nothing is listening on.
func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to find free port: %v", err)
	}
	addr := ln.Addr().String()
	if err := ln.Close(); err != nil {
		t.Fatalf("Failed to release port: %v", err)
	}
	return addr
}

// seedWorld creates a public space and a private space with one channel
// the player and the master belong to.
func seedWorld(t *testing.T, dsn string) *world {
	t.Helper()
	store, err := storage.Open(dsn)
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			t.Errorf("Failed to close store: %v", err)
		}
	}()

	ctx := context.Background()
	now := time.Now()
	w := &world{Player: uuid.New(), Master: uuid.New()}
	w.Public = &model.Space{ID: uuid.New(), Name: "market", OwnerID: w.Master, IsPublic: true, Created: now}
	w.Private = &model.Space{ID: uuid.New(), Name: "inn", OwnerID: w.Master, Created: now}
	w.Channel = &model.Channel{ID: uuid.New(), SpaceID: w.Private.ID, Name: "common room", Created: now}

	for _, sp := range []*model.Space{w.Public, w.Private} {
		if err := store.CreateSpace(ctx, sp); err != nil {
			t.Fatalf("Failed to create space: %v", err)
		}
	}
	if err := store.CreateChannel(ctx, w.Channel); err != nil {
		t.Fatalf("Failed to create channel: %v", err)
	}
	for _, m := range []*model.SpaceMember{
		{UserID: w.Player, SpaceID: w.Private.ID, JoinDate: now},
		{UserID: w.Master, SpaceID: w.Private.ID, IsAdmin: true, JoinDate: now},
	} {
		if err := store.AddSpaceMember(ctx, m); err != nil {
			t.Fatalf("Failed to add space member: %v", err)
		}
	}
	for _, m := range []*model.ChannelMember{
		{UserID: w.Player, ChannelID: w.Channel.ID, CharacterName: "Pippin", JoinDate: now},
		{UserID: w.Master, ChannelID: w.Channel.ID, IsMaster: true, JoinDate: now},
	} {
		if err := store.AddChannelMember(ctx, m); err != nil {
			t.Fatalf("Failed to add channel member: %v", err)
		}
	}
	return w
}

// startServer writes a config file, seeds the database and runs the serve
// command until the test ends. mutate may adjust the config before it is
// written.
func startServer(t *testing.T, mutate func(*config.Config, *world)) *testServer {
	t.Helper()
	t.Setenv("XDG_DATA_HOME", t.TempDir())
	tempDir := t.TempDir()

	cfg, err := config.GetDefaultConfig()
	if err != nil {
		t.Fatalf("Failed to build default config: %v", err)
	}
	cfg.Listen = freeAddr(t)
	cfg.Database = filepath.Join(tempDir, "tavern.db")
	cfg.Node = 5
	cfg.Session.ShutdownGrace = config.Duration{Duration: 3 * time.Second}

	w := seedWorld(t, cfg.Database)
	cfg.Auth.Keys = map[string]uuid.UUID{
		"player-key": w.Player,
		"master-key": w.Master,
	}
	if mutate != nil {
		mutate(cfg, w)
	}

	configPath := filepath.Join(tempDir, "config.toml")
	if err := cfg.SaveConfig(configPath); err != nil {
		t.Fatalf("Failed to save config: %v", err)
	}

	root := &cli.Command{
		Name: "tavern",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "config"},
			&cli.BoolFlag{Name: "debug"},
		},
		Commands: []*cli.Command{cmd.ServeCommand()},
	}

	ctx, cancel := context.WithCancel(context.Background())
	srv := &testServer{
		URL:        "http://" + cfg.Listen,
		ConfigPath: configPath,
		Config:     cfg,
		World:      w,
		cancel:     cancel,
		done:       make(chan error, 1),
	}
	go func() {
		srv.done <- root.Run(ctx, []string{"tavern", "--config", configPath, "serve"})
	}()
	t.Cleanup(func() { srv.Stop(t) })

	srv.waitHealthy(t)
	return srv
}

func (s *testServer) waitHealthy(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case err := <-s.done:
			t.Fatalf("Server exited early: %v", err)
		default:
		}
		resp, err := http.Get(s.URL + "/health")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("Server at %s never became healthy", s.URL)
}

// Stop cancels the serve command and waits for it to return. It is safe to
// call more than once.
func (s *testServer) Stop(t *testing.T) {
	t.Helper()
	if s.cancel == nil {
		return
	}
	s.cancel()
	s.cancel = nil
	select {
	case err := <-s.done:
		if err != nil {
			t.Errorf("Serve returned error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Error("Server did not stop")
	}
}

func (s *testServer) wsURL(mailbox uuid.UUID) string {
	return "ws" + strings.TrimPrefix(s.URL, "http") + "/api/events/connect?mailbox=" + mailbox.String()
}

// dial opens a session on mailbox, authenticated with key when not empty.
func (s *testServer) dial(t *testing.T, mailbox uuid.UUID, key string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	if key != "" {
		header.Set("Authorization", "Bearer "+key)
	}
	conn, _, err := websocket.DefaultDialer.Dial(s.wsURL(mailbox), header)
	if err != nil {
		t.Fatalf("Failed to dial %s: %v", mailbox, err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// post sends a JSON request authenticated with key and returns the
// response status with its decoded body.
func (s *testServer) post(t *testing.T, path, key string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("Failed to encode body: %v", err)
		}
	}
	req, err := http.NewRequest(http.MethodPost, s.URL+path, &buf)
	if err != nil {
		t.Fatalf("Failed to build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("Failed to decode %s response: %v", path, err)
		}
	}
	return resp.StatusCode
}

// readKind reads frames until an event of kind arrives, skipping
// heartbeats and other kinds.
func readKind(t *testing.T, conn *websocket.Conn, kind event.Kind) *event.Event {
	t.Helper()
	for {
		if err := conn.SetReadDeadline(time.Now().Add(5 * time.Second)); err != nil {
			t.Fatalf("Failed to set deadline: %v", err)
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("Failed waiting for %s: %v", kind, err)
		}
		if string(data) == "💓" {
			continue
		}
		var ev event.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("Failed to decode frame %q: %v", data, err)
		}
		if ev.Body.Kind() == kind {
			return &ev
		}
	}
}
