package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/rubiojr/tavern/pkg/api"
	"github.com/rubiojr/tavern/pkg/auth"
	"github.com/rubiojr/tavern/pkg/config"
	"github.com/rubiojr/tavern/pkg/eventid"
	"github.com/rubiojr/tavern/pkg/mailbox"
	"github.com/rubiojr/tavern/pkg/members"
	"github.com/rubiojr/tavern/pkg/messages"
	"github.com/rubiojr/tavern/pkg/position"
	"github.com/rubiojr/tavern/pkg/realtime"
	"github.com/rubiojr/tavern/pkg/status"
	"github.com/rubiojr/tavern/pkg/storage"
	"github.com/rubiojr/tavern/pkg/sweeper"
)

// app is the wired service graph of a running server.
type app struct {
	store     *storage.SQLStore
	hub       *realtime.Hub
	mailbox   *mailbox.Service
	members   *members.Service
	status    *status.Service
	allocator *position.Allocator
	messages  *messages.Service
	keys      *auth.KeyResolver
	tokens    *auth.TokenStore
	api       *api.Server
	sweeper   *sweeper.Sweeper
}

func newApp(cfg *config.Config) (*app, error) {
	store, err := storage.Open(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	a := &app{store: store}
	ids := eventid.NewGenerator(cfg.Node)
	a.hub = realtime.NewHub(cfg.Broadcast.Capacity)
	a.mailbox = mailbox.NewService(mailbox.Options{
		IDs:       ids,
		Hub:       a.hub,
		Retention: cfg.Mailbox.Retention.Duration,
	})
	a.members = members.NewService(store, a.mailbox, members.Options{
		RefreshCooldown: cfg.Members.RefreshCooldown.Duration,
		IdleTimeout:     cfg.Members.IdleTimeout.Duration,
	})
	a.status = status.NewService(a.mailbox, status.Options{
		PublishInterval: cfg.Status.PublishInterval.Duration,
		IdleTimeout:     cfg.Members.IdleTimeout.Duration,
	})
	a.allocator = position.NewAllocator(store, position.Options{
		ReserveTimeout: cfg.Position.ReserveTimeout.Duration,
		IdleEvict:      cfg.Position.IdleEvict.Duration,
	})
	a.messages = messages.NewService(store, a.members, a.allocator, a.mailbox, messages.Options{
		PreviewTimeout:    cfg.Position.PreviewTimeout.Duration,
		MaxPreviewTimeout: cfg.Position.MaxPreviewTimeout.Duration,
	})
	a.keys = auth.NewKeyResolver(cfg.Auth.Keys)
	a.tokens = auth.NewTokenStore(cfg.Session.TokenTTL.Duration)

	a.api = api.NewServer(api.Options{
		Hub:               a.hub,
		Mailbox:           a.mailbox,
		Spaces:            a.members,
		Presence:          a.status,
		Messages:          a.messages,
		Roster:            members.NewRoster(store, a.members),
		Sessions:          a.keys,
		Tokens:            a.tokens,
		IDs:               ids,
		Node:              cfg.Node,
		HeartbeatInterval: cfg.Session.HeartbeatInterval.Duration,
		ReadTimeout:       cfg.Session.ReadTimeout.Duration,
		WriteTimeout:      cfg.Session.WriteTimeout.Duration,
	})

	a.sweeper = sweeper.New()
	jobs := []struct {
		name     string
		interval time.Duration
		fn       func() int
	}{
		{"mailbox", cfg.Mailbox.SweepInterval.Duration, a.mailbox.Sweep},
		{"broadcast", cfg.Broadcast.SweepInterval.Duration, a.hub.Sweep},
		{"position", cfg.Position.SweepInterval.Duration, a.allocator.Sweep},
		{"tokens", cfg.Session.TokenTTL.Duration, a.tokens.Sweep},
	}
	for _, j := range jobs {
		if err := a.sweeper.Add(j.name, j.interval, sweeper.Counter(j.fn)); err != nil {
			a.Close()
			return nil, err
		}
	}
	return a, nil
}

// start launches the background sweeps.
func (a *app) start(ctx context.Context) error {
	return a.sweeper.Start(ctx)
}

// applyConfig updates the settings that can change without a restart.
func (a *app) applyConfig(cfg *config.Config) {
	a.keys.SetKeys(cfg.Auth.Keys)
}

func (a *app) Close() error {
	a.sweeper.Stop()
	a.status.Close()
	a.members.Close()
	return a.store.Close()
}
