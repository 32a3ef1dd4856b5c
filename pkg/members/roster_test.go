package members

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/rubiojr/tavern/pkg/event"
	"github.com/rubiojr/tavern/pkg/model"
	"github.com/rubiojr/tavern/pkg/storage"
)

type fakeWriter struct {
	*fakeStore
	chans map[uuid.UUID]*model.Channel
}

func (f *fakeWriter) Channel(_ context.Context, id uuid.UUID) (*model.Channel, error) {
	ch, ok := f.chans[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return ch, nil
}

func (f *fakeWriter) AddSpaceMember(_ context.Context, m *model.SpaceMember) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := [2]uuid.UUID{m.UserID, m.SpaceID}
	if f.spaceMembers[key] != nil {
		return storage.ErrAlreadyMember
	}
	cp := *m
	f.spaceMembers[key] = &cp
	return nil
}

func (f *fakeWriter) AddChannelMember(_ context.Context, m *model.ChannelMember) error {
	f.addChannelMember(m.ChannelID, *m)
	return nil
}

type rosterEnv struct {
	store   *fakeWriter
	rec     *recorder
	svc     *Service
	roster  *Roster
	private uuid.UUID
	public  uuid.UUID
	channel uuid.UUID
	admin   uuid.UUID
}

func newRosterEnv(t *testing.T) *rosterEnv {
	t.Helper()
	e := &rosterEnv{
		store:   &fakeWriter{fakeStore: newFakeStore(), chans: make(map[uuid.UUID]*model.Channel)},
		rec:     newRecorder(),
		private: uuid.New(),
		public:  uuid.New(),
		channel: uuid.New(),
		admin:   uuid.New(),
	}
	e.store.spaces[e.private] = &model.Space{ID: e.private, Name: "inn"}
	e.store.spaces[e.public] = &model.Space{ID: e.public, Name: "market", IsPublic: true}
	e.store.chans[e.channel] = &model.Channel{ID: e.channel, SpaceID: e.private, Name: "common room"}
	e.store.spaceMembers[[2]uuid.UUID{e.admin, e.private}] = &model.SpaceMember{UserID: e.admin, SpaceID: e.private, IsAdmin: true}

	e.svc = NewService(e.store, e.rec, Options{})
	t.Cleanup(e.svc.Close)
	e.roster = NewRoster(e.store, e.svc)
	return e
}

func TestRosterSpaceMembers(t *testing.T) {
	ctx := context.Background()
	e := newRosterEnv(t)
	guest := uuid.New()

	// Cache a negative answer first.
	if m, _ := e.svc.Membership(ctx, e.private, guest); m.IsMember {
		t.Fatal("guest starts as a member")
	}

	err := e.roster.AddSpaceMember(ctx, guest, &model.SpaceMember{UserID: guest, SpaceID: e.private})
	if !errors.Is(err, ErrNoPermission) {
		t.Fatalf("self join of a private space err = %v", err)
	}

	if err := e.roster.AddSpaceMember(ctx, e.admin, &model.SpaceMember{UserID: guest, SpaceID: e.private}); err != nil {
		t.Fatal(err)
	}
	m, err := e.svc.Membership(ctx, e.private, guest)
	if err != nil || !m.IsMember || m.IsAdmin {
		t.Fatalf("membership after add = %+v, %v", m, err)
	}

	err = e.roster.AddSpaceMember(ctx, e.admin, &model.SpaceMember{UserID: guest, SpaceID: e.private})
	if !errors.Is(err, storage.ErrAlreadyMember) {
		t.Fatalf("second add err = %v", err)
	}

	// Anyone may join a public space, but not as an admin.
	if err := e.roster.AddSpaceMember(ctx, guest, &model.SpaceMember{UserID: guest, SpaceID: e.public, IsAdmin: true}); err != nil {
		t.Fatal(err)
	}
	m, _ = e.svc.Membership(ctx, e.public, guest)
	if !m.IsMember || m.IsAdmin {
		t.Fatalf("public join = %+v", m)
	}
}

func TestRosterChannelMembers(t *testing.T) {
	ctx := context.Background()
	e := newRosterEnv(t)
	player := uuid.New()
	e.store.spaceMembers[[2]uuid.UUID{player, e.private}] = &model.SpaceMember{UserID: player, SpaceID: e.private}

	// Load the channel so the join has to update a warm cache.
	if role, _ := e.svc.ChannelRole(ctx, e.private, e.channel, player); role != model.RoleNone {
		t.Fatalf("initial role = %s", role)
	}

	outsider := uuid.New()
	_, err := e.roster.AddChannelMember(ctx, outsider, &model.ChannelMember{UserID: outsider, ChannelID: e.channel})
	if !errors.Is(err, ErrNoPermission) {
		t.Fatalf("outsider join err = %v", err)
	}
	_, err = e.roster.AddChannelMember(ctx, player, &model.ChannelMember{UserID: uuid.New(), ChannelID: e.channel})
	if !errors.Is(err, ErrNoPermission) {
		t.Fatalf("adding someone else err = %v", err)
	}

	ch, err := e.roster.AddChannelMember(ctx, player, &model.ChannelMember{UserID: player, ChannelID: e.channel, CharacterName: "Pippin", IsMaster: true})
	if err != nil {
		t.Fatal(err)
	}
	if ch.SpaceID != e.private {
		t.Fatalf("channel = %+v", ch)
	}
	role, err := e.svc.ChannelRole(ctx, e.private, e.channel, player)
	if err != nil || role != model.RoleMember {
		t.Fatalf("role after join = %s, %v (a self join must not make a master)", role, err)
	}

	e.rec.wait(t)
	e.rec.mu.Lock()
	body, ok := e.rec.events[0].(*event.Members)
	e.rec.mu.Unlock()
	if !ok || body.ChannelID != e.channel || len(body.Members) != 1 || body.Members[0].CharacterName != "Pippin" {
		t.Fatalf("published %+v", e.rec.events[0])
	}

	if _, err := e.roster.AddChannelMember(ctx, player, &model.ChannelMember{UserID: player, ChannelID: uuid.New()}); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("unknown channel err = %v", err)
	}
}
