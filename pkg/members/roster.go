package members

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rubiojr/tavern/pkg/model"
)

// ErrNoPermission is returned when the caller may not change a membership.
var ErrNoPermission = errors.New("no permission")

// Writer persists membership changes.
type Writer interface {
	Channel(ctx context.Context, id uuid.UUID) (*model.Channel, error)
	AddSpaceMember(ctx context.Context, m *model.SpaceMember) error
	AddChannelMember(ctx context.Context, m *model.ChannelMember) error
}

// Roster adds members and keeps the cache in step with the store.
type Roster struct {
	store Writer
	cache *Service
	now   func() time.Time
}

func NewRoster(store Writer, cache *Service) *Roster {
	return &Roster{store: store, cache: cache, now: time.Now}
}

// AddSpaceMember adds m to its space on behalf of by. Space admins may add
// anyone; other users may only join public spaces themselves, never as
// admins.
func (r *Roster) AddSpaceMember(ctx context.Context, by uuid.UUID, m *model.SpaceMember) error {
	space, err := r.cache.Space(ctx, m.SpaceID)
	if err != nil {
		return err
	}
	caller, err := r.cache.Membership(ctx, m.SpaceID, by)
	if err != nil {
		return err
	}
	if !caller.IsAdmin {
		if by != m.UserID || !space.IsPublic {
			return fmt.Errorf("user %s adding %s to space %s: %w", by, m.UserID, m.SpaceID, ErrNoPermission)
		}
		m.IsAdmin = false
	}

	if m.JoinDate.IsZero() {
		m.JoinDate = r.now()
	}
	if err := r.store.AddSpaceMember(ctx, m); err != nil {
		return err
	}
	// Drop cached answers for the space, negative ones included.
	return r.cache.InvalidateSpace(ctx, m.SpaceID)
}

// AddChannelMember adds m to its channel on behalf of by. The new member must
// already belong to the channel's space. Users join channels themselves;
// space admins may add anyone and appoint masters.
func (r *Roster) AddChannelMember(ctx context.Context, by uuid.UUID, m *model.ChannelMember) (*model.Channel, error) {
	ch, err := r.store.Channel(ctx, m.ChannelID)
	if err != nil {
		return nil, err
	}
	caller, err := r.cache.Membership(ctx, ch.SpaceID, by)
	if err != nil {
		return nil, err
	}
	if !caller.IsAdmin {
		if by != m.UserID || !caller.IsMember {
			return nil, fmt.Errorf("user %s adding %s to channel %s: %w", by, m.UserID, ch.ID, ErrNoPermission)
		}
		m.IsMaster = false
	}
	joining, err := r.cache.Membership(ctx, ch.SpaceID, m.UserID)
	if err != nil {
		return nil, err
	}
	if !joining.IsMember {
		return nil, fmt.Errorf("user %s is not in space %s: %w", m.UserID, ch.SpaceID, ErrNoPermission)
	}

	if m.JoinDate.IsZero() {
		m.JoinDate = r.now()
	}
	if err := r.store.AddChannelMember(ctx, m); err != nil {
		return nil, err
	}
	if err := r.cache.joined(ctx, ch.SpaceID, *m); err != nil {
		return nil, err
	}
	return ch, nil
}
