// Package status tracks who is online in each space and keeps clients
// informed with STATUS_MAP events.
package status

import (
	"context"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/rubiojr/tavern/pkg/actor"
	"github.com/rubiojr/tavern/pkg/event"
	"github.com/rubiojr/tavern/pkg/log"
	"github.com/rubiojr/tavern/pkg/mailbox"
	"github.com/rubiojr/tavern/pkg/model"
)

var logger = log.ForService("status")

const (
	DefaultPublishInterval = 5 * time.Second
	DefaultIdleTimeout     = 10 * time.Minute
	// OfflineRetention is how long offline users stay in the map.
	OfflineRetention = time.Hour
)

type userEntry struct {
	status   model.UserStatus
	sessions int
}

type spaceStatus struct {
	users   map[uuid.UUID]*userEntry
	changed bool
}

func newSpaceStatus(uuid.UUID) *spaceStatus {
	return &spaceStatus{users: make(map[uuid.UUID]*userEntry)}
}

func (s *spaceStatus) online() bool {
	for _, u := range s.users {
		if u.sessions > 0 {
			return true
		}
	}
	return false
}

func (s *spaceStatus) snapshot() map[uuid.UUID]model.UserStatus {
	out := make(map[uuid.UUID]model.UserStatus, len(s.users))
	for id, u := range s.users {
		st := u.status
		st.Focus = slices.Clone(st.Focus)
		if st.Focus == nil {
			st.Focus = []uuid.UUID{}
		}
		out[id] = st
	}
	return out
}

// Service owns the status map of every space.
type Service struct {
	publisher mailbox.Publisher
	actors    *actor.Registry[uuid.UUID, spaceStatus]
	now       func() time.Time
}

// Options configures a Service.
type Options struct {
	PublishInterval time.Duration
	IdleTimeout     time.Duration
}

// NewService creates the status tracker.
func NewService(publisher mailbox.Publisher, opts Options) *Service {
	if opts.PublishInterval <= 0 {
		opts.PublishInterval = DefaultPublishInterval
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	s := &Service{publisher: publisher, now: time.Now}
	s.actors = actor.New(actor.Options[uuid.UUID, spaceStatus]{
		New:         newSpaceStatus,
		IdleTimeout: opts.IdleTimeout,
		Keep:        (*spaceStatus).online,
		Tick:        opts.PublishInterval,
		OnTick:      s.tick,
	})
	return s
}

// Connect records a new session of userID in the space.
func (s *Service) Connect(ctx context.Context, spaceID, userID uuid.UUID) error {
	return s.actors.Do(ctx, spaceID, func(st *spaceStatus) {
		u := s.entry(st, userID)
		u.sessions++
		s.setKind(spaceID, st, u, model.StatusOnline)
	})
}

// Disconnect ends one session of userID. The user goes offline when the last
// session ends.
func (s *Service) Disconnect(ctx context.Context, spaceID, userID uuid.UUID) error {
	return s.actors.Do(ctx, spaceID, func(st *spaceStatus) {
		u := s.entry(st, userID)
		if u.sessions > 0 {
			u.sessions--
		}
		if u.sessions == 0 {
			s.setKind(spaceID, st, u, model.StatusOffline)
		}
	})
}

// Update applies a status sent by a client.
func (s *Service) Update(ctx context.Context, spaceID, userID uuid.UUID, kind model.StatusKind, focus []uuid.UUID) error {
	return s.actors.Do(ctx, spaceID, func(st *spaceStatus) {
		u := s.entry(st, userID)
		if !slices.Equal(u.status.Focus, focus) {
			u.status.Focus = slices.Clone(focus)
			st.changed = true
		}
		s.setKind(spaceID, st, u, kind)
	})
}

// Map returns a copy of the space's status map.
func (s *Service) Map(ctx context.Context, spaceID uuid.UUID) (map[uuid.UUID]model.UserStatus, error) {
	var out map[uuid.UUID]model.UserStatus
	err := s.actors.Call(ctx, spaceID, func(st *spaceStatus) {
		out = st.snapshot()
	})
	return out, err
}

func (s *Service) entry(st *spaceStatus, userID uuid.UUID) *userEntry {
	u, ok := st.users[userID]
	if !ok {
		u = &userEntry{status: model.UserStatus{Kind: model.StatusOffline}}
		st.users[userID] = u
	}
	return u
}

// setKind publishes right away when the kind actually changes.
func (s *Service) setKind(spaceID uuid.UUID, st *spaceStatus, u *userEntry, kind model.StatusKind) {
	if u.status.Kind == kind && u.status.Timestamp != 0 {
		return
	}
	u.status.Kind = kind
	u.status.Timestamp = s.now().UnixMilli()
	s.publish(spaceID, st)
}

func (s *Service) tick(spaceID uuid.UUID, st *spaceStatus) {
	cutoff := s.now().Add(-OfflineRetention).UnixMilli()
	for id, u := range st.users {
		if u.sessions == 0 && u.status.Kind == model.StatusOffline && u.status.Timestamp < cutoff {
			delete(st.users, id)
			st.changed = true
		}
	}
	if len(st.users) > 0 || st.changed {
		s.publish(spaceID, st)
	}
}

func (s *Service) publish(spaceID uuid.UUID, st *spaceStatus) {
	st.changed = false
	body := &event.StatusMap{SpaceID: spaceID, StatusMap: st.snapshot()}
	if _, err := s.publisher.Publish(spaceID, body); err != nil {
		logger.With("space", spaceID).Errorf("publishing status map: %v", err)
	}
}

// Close stops every space actor.
func (s *Service) Close() {
	s.actors.Close()
}
