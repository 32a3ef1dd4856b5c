package members

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rubiojr/tavern/pkg/event"
	"github.com/rubiojr/tavern/pkg/model"
	"github.com/rubiojr/tavern/pkg/storage"
)

type fakeStore struct {
	mu           sync.Mutex
	spaces       map[uuid.UUID]*model.Space
	spaceMembers map[[2]uuid.UUID]*model.SpaceMember
	channels     map[uuid.UUID][]model.ChannelMember
	spaceLoads   int
	memberLoads  int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		spaces:       make(map[uuid.UUID]*model.Space),
		spaceMembers: make(map[[2]uuid.UUID]*model.SpaceMember),
		channels:     make(map[uuid.UUID][]model.ChannelMember),
	}
}

func (f *fakeStore) Space(_ context.Context, id uuid.UUID) (*model.Space, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spaceLoads++
	sp, ok := f.spaces[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *sp
	return &cp, nil
}

func (f *fakeStore) SpaceMember(_ context.Context, userID, spaceID uuid.UUID) (*model.SpaceMember, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.spaceMembers[[2]uuid.UUID{userID, spaceID}], nil
}

func (f *fakeStore) ChannelMembers(_ context.Context, channelID uuid.UUID) ([]model.ChannelMember, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.memberLoads++
	return append([]model.ChannelMember(nil), f.channels[channelID]...), nil
}

func (f *fakeStore) addChannelMember(channelID uuid.UUID, m model.ChannelMember) {
	f.mu.Lock()
	f.channels[channelID] = append(f.channels[channelID], m)
	f.mu.Unlock()
}

func (f *fakeStore) loads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.memberLoads
}

type recorder struct {
	mu     sync.Mutex
	events []event.Body
	notify chan struct{}
}

func newRecorder() *recorder {
	return &recorder{notify: make(chan struct{}, 100)}
}

func (r *recorder) Publish(_ uuid.UUID, body event.Body) (*event.Encoded, error) {
	r.mu.Lock()
	r.events = append(r.events, body)
	r.mu.Unlock()
	r.notify <- struct{}{}
	return &event.Encoded{}, nil
}

func (r *recorder) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.notify:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for publish")
	}
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestSpaceAndMembership(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	spaceID := uuid.New()
	admin := uuid.New()
	store.spaces[spaceID] = &model.Space{ID: spaceID, Name: "inn"}
	store.spaceMembers[[2]uuid.UUID{admin, spaceID}] = &model.SpaceMember{UserID: admin, SpaceID: spaceID, IsAdmin: true}

	svc := NewService(store, newRecorder(), Options{})
	defer svc.Close()

	for i := 0; i < 3; i++ {
		sp, err := svc.Space(ctx, spaceID)
		if err != nil || sp.Name != "inn" {
			t.Fatalf("Space = %+v, %v", sp, err)
		}
	}
	if store.spaceLoads != 1 {
		t.Fatalf("space loaded %d times, want 1", store.spaceLoads)
	}

	m, err := svc.Membership(ctx, spaceID, admin)
	if err != nil || !m.IsMember || !m.IsAdmin {
		t.Fatalf("admin membership = %+v, %v", m, err)
	}
	m, err = svc.Membership(ctx, spaceID, uuid.New())
	if err != nil || m.IsMember {
		t.Fatalf("stranger membership = %+v, %v", m, err)
	}

	if _, err := svc.Space(ctx, uuid.New()); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("unknown space err = %v", err)
	}
}

func TestChannelRole(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	spaceID, channelID := uuid.New(), uuid.New()
	master, player := uuid.New(), uuid.New()
	store.addChannelMember(channelID, model.ChannelMember{UserID: master, ChannelID: channelID, IsMaster: true})
	store.addChannelMember(channelID, model.ChannelMember{UserID: player, ChannelID: channelID, CharacterName: "Bilbo"})

	svc := NewService(store, newRecorder(), Options{})
	defer svc.Close()

	tests := []struct {
		user uuid.UUID
		want model.ChannelRole
	}{
		{master, model.RoleMaster},
		{player, model.RoleMember},
		{uuid.New(), model.RoleNone},
	}
	for _, tt := range tests {
		got, err := svc.ChannelRole(ctx, spaceID, channelID, tt.user)
		if err != nil {
			t.Fatal(err)
		}
		if got != tt.want {
			t.Errorf("role = %s, want %s", got, tt.want)
		}
	}
	if store.loads() != 1 {
		t.Fatalf("channel members loaded %d times, want 1", store.loads())
	}
}

func TestInvalidateRefreshesAndPublishes(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	spaceID, channelID := uuid.New(), uuid.New()
	rec := newRecorder()

	svc := NewService(store, rec, Options{RefreshCooldown: 100 * time.Millisecond})
	defer svc.Close()

	list, _ := svc.ChannelMembers(ctx, spaceID, channelID)
	if len(list) != 0 {
		t.Fatalf("initial members = %v", list)
	}

	newcomer := uuid.New()
	store.addChannelMember(channelID, model.ChannelMember{UserID: newcomer, ChannelID: channelID})
	if err := svc.Invalidate(ctx, spaceID, channelID); err != nil {
		t.Fatal(err)
	}
	rec.wait(t)

	rec.mu.Lock()
	body, ok := rec.events[0].(*event.Members)
	rec.mu.Unlock()
	if !ok || body.ChannelID != channelID || len(body.Members) != 1 || body.Members[0].UserID != newcomer {
		t.Fatalf("published %+v", rec.events[0])
	}
	role, _ := svc.ChannelRole(ctx, spaceID, channelID, newcomer)
	if role != model.RoleMember {
		t.Fatalf("cache not refreshed, role = %s", role)
	}
}

func TestRefreshCooldownCoalesces(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	spaceID, channelID := uuid.New(), uuid.New()
	rec := newRecorder()

	svc := NewService(store, rec, Options{RefreshCooldown: 150 * time.Millisecond})
	defer svc.Close()

	svc.Invalidate(ctx, spaceID, channelID)
	rec.wait(t)

	// A burst inside the cooldown window produces a single deferred refresh.
	for i := 0; i < 10; i++ {
		svc.Invalidate(ctx, spaceID, channelID)
	}
	if rec.count() != 1 {
		t.Fatalf("refreshed during cooldown: %d publishes", rec.count())
	}
	rec.wait(t)

	time.Sleep(300 * time.Millisecond)
	if rec.count() != 2 {
		t.Fatalf("publishes = %d, want 2", rec.count())
	}
}

func TestInvalidateSpace(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	spaceID := uuid.New()
	store.spaces[spaceID] = &model.Space{ID: spaceID, Name: "before"}

	svc := NewService(store, newRecorder(), Options{})
	defer svc.Close()

	svc.Space(ctx, spaceID)
	store.mu.Lock()
	store.spaces[spaceID].Name = "after"
	store.mu.Unlock()

	if err := svc.InvalidateSpace(ctx, spaceID); err != nil {
		t.Fatal(err)
	}
	sp, err := svc.Space(ctx, spaceID)
	if err != nil || sp.Name != "after" {
		t.Fatalf("Space after invalidate = %+v, %v", sp, err)
	}
}
