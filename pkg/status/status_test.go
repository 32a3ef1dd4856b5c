package status

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rubiojr/tavern/pkg/event"
	"github.com/rubiojr/tavern/pkg/model"
)

type recorder chan *event.StatusMap

func (r recorder) Publish(_ uuid.UUID, body event.Body) (*event.Encoded, error) {
	r <- body.(*event.StatusMap)
	return &event.Encoded{}, nil
}

func (r recorder) next(t *testing.T) *event.StatusMap {
	t.Helper()
	select {
	case m := <-r:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for status map")
		return nil
	}
}

func (r recorder) none(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case m := <-r:
		t.Fatalf("unexpected status map %+v", m.StatusMap)
	case <-time.After(d):
	}
}

func TestConnectDisconnect(t *testing.T) {
	ctx := context.Background()
	rec := make(recorder, 16)
	svc := NewService(rec, Options{PublishInterval: time.Hour})
	defer svc.Close()

	space, user := uuid.New(), uuid.New()

	svc.Connect(ctx, space, user)
	m := rec.next(t)
	if m.SpaceID != space || m.StatusMap[user].Kind != model.StatusOnline {
		t.Fatalf("after connect: %+v", m.StatusMap)
	}

	// A second tab does not change the kind, so nothing is published.
	svc.Connect(ctx, space, user)
	svc.Disconnect(ctx, space, user)
	rec.none(t, 50*time.Millisecond)

	svc.Disconnect(ctx, space, user)
	m = rec.next(t)
	if m.StatusMap[user].Kind != model.StatusOffline {
		t.Fatalf("after last disconnect: %+v", m.StatusMap)
	}
}

func TestUpdate(t *testing.T) {
	ctx := context.Background()
	rec := make(recorder, 16)
	svc := NewService(rec, Options{PublishInterval: time.Hour})
	defer svc.Close()

	space, user, channel := uuid.New(), uuid.New(), uuid.New()
	svc.Connect(ctx, space, user)
	rec.next(t)

	svc.Update(ctx, space, user, model.StatusAway, []uuid.UUID{channel})
	m := rec.next(t)
	got := m.StatusMap[user]
	if got.Kind != model.StatusAway || len(got.Focus) != 1 || got.Focus[0] != channel {
		t.Fatalf("after update: %+v", got)
	}

	// Focus-only changes wait for the next tick.
	svc.Update(ctx, space, user, model.StatusAway, nil)
	rec.none(t, 50*time.Millisecond)

	snapshot, err := svc.Map(ctx, space)
	if err != nil {
		t.Fatal(err)
	}
	if len(snapshot[user].Focus) != 0 {
		t.Fatalf("focus = %v, want empty", snapshot[user].Focus)
	}
}

func TestTickRepublishes(t *testing.T) {
	ctx := context.Background()
	rec := make(recorder, 64)
	svc := NewService(rec, Options{PublishInterval: 20 * time.Millisecond})
	defer svc.Close()

	space, user := uuid.New(), uuid.New()
	svc.Connect(ctx, space, user)
	rec.next(t)

	// The non-empty map keeps being republished.
	for i := 0; i < 2; i++ {
		m := rec.next(t)
		if m.StatusMap[user].Kind != model.StatusOnline {
			t.Fatalf("tick %d: %+v", i, m.StatusMap)
		}
	}
}

func TestTickPrunesOldOffline(t *testing.T) {
	ctx := context.Background()
	rec := make(recorder, 64)
	now := time.Now()
	svc := NewService(rec, Options{PublishInterval: time.Hour})
	svc.now = func() time.Time { return now }
	defer svc.Close()

	space, user := uuid.New(), uuid.New()
	svc.Connect(ctx, space, user)
	svc.Disconnect(ctx, space, user)
	rec.next(t)
	rec.next(t)

	var users int
	svc.actors.Call(ctx, space, func(st *spaceStatus) {
		now = now.Add(2 * OfflineRetention)
		svc.tick(space, st)
		users = len(st.users)
	})
	if users != 0 {
		t.Fatalf("offline user kept: %d entries", users)
	}
	// Removal is a change, so one final empty map goes out.
	if m := rec.next(t); len(m.StatusMap) != 0 {
		t.Fatalf("final map = %+v", m.StatusMap)
	}
}
