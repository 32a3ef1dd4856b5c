// Package members caches who belongs to each space and channel. One actor
// per space owns the cache; permission checks from sessions and the message
// path are answered from it.
//
// Member lists are refreshed on Invalidate, at most once per channel per
// cooldown window, and only if something changed since the last refresh.
// Each refresh publishes a MEMBERS event to the space's mailbox.
package members

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rubiojr/tavern/pkg/actor"
	"github.com/rubiojr/tavern/pkg/event"
	"github.com/rubiojr/tavern/pkg/log"
	"github.com/rubiojr/tavern/pkg/mailbox"
	"github.com/rubiojr/tavern/pkg/model"
)

var logger = log.ForService("members")

const (
	DefaultRefreshCooldown = 3 * time.Second
	DefaultIdleTimeout     = 10 * time.Minute

	refreshTimeout = 5 * time.Second
)

// ErrClosed is returned after Close.
var ErrClosed = actor.ErrClosed

// Store is the subset of the durable store the cache reads from.
type Store interface {
	Space(ctx context.Context, id uuid.UUID) (*model.Space, error)
	SpaceMember(ctx context.Context, userID, spaceID uuid.UUID) (*model.SpaceMember, error)
	ChannelMembers(ctx context.Context, channelID uuid.UUID) ([]model.ChannelMember, error)
}

type channelCache struct {
	members     map[uuid.UUID]model.ChannelMember
	order       []uuid.UUID
	dirty       bool
	scheduled   bool
	lastRefresh time.Time
}

func (c *channelCache) set(members []model.ChannelMember) {
	c.members = make(map[uuid.UUID]model.ChannelMember, len(members))
	c.order = c.order[:0]
	for _, m := range members {
		c.members[m.UserID] = m
		c.order = append(c.order, m.UserID)
	}
}

func (c *channelCache) list() []model.ChannelMember {
	out := make([]model.ChannelMember, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.members[id])
	}
	return out
}

type spaceCache struct {
	space        *model.Space
	spaceMembers map[uuid.UUID]*model.SpaceMember
	channels     map[uuid.UUID]*channelCache
	pending      int
}

func newSpaceCache(uuid.UUID) *spaceCache {
	return &spaceCache{
		spaceMembers: make(map[uuid.UUID]*model.SpaceMember),
		channels:     make(map[uuid.UUID]*channelCache),
	}
}

func (s *spaceCache) channel(id uuid.UUID) *channelCache {
	c, ok := s.channels[id]
	if !ok {
		c = &channelCache{}
		s.channels[id] = c
	}
	return c
}

// Service answers membership questions for every space.
type Service struct {
	store     Store
	publisher mailbox.Publisher
	cooldown  time.Duration
	actors    *actor.Registry[uuid.UUID, spaceCache]
	now       func() time.Time
}

// Options configures a Service.
type Options struct {
	RefreshCooldown time.Duration
	IdleTimeout     time.Duration
}

// NewService creates the membership cache.
func NewService(store Store, publisher mailbox.Publisher, opts Options) *Service {
	if opts.RefreshCooldown <= 0 {
		opts.RefreshCooldown = DefaultRefreshCooldown
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = DefaultIdleTimeout
	}
	s := &Service{
		store:     store,
		publisher: publisher,
		cooldown:  opts.RefreshCooldown,
		now:       time.Now,
	}
	s.actors = actor.New(actor.Options[uuid.UUID, spaceCache]{
		New:         newSpaceCache,
		IdleTimeout: opts.IdleTimeout,
		Keep:        func(c *spaceCache) bool { return c.pending > 0 },
	})
	return s
}

// Space returns the space, loading it on first use.
func (s *Service) Space(ctx context.Context, spaceID uuid.UUID) (*model.Space, error) {
	var (
		sp  model.Space
		err error
	)
	callErr := s.actors.Call(ctx, spaceID, func(c *spaceCache) {
		if c.space == nil {
			c.space, err = s.store.Space(ctx, spaceID)
			if err != nil {
				return
			}
		}
		sp = *c.space
	})
	if callErr != nil {
		return nil, callErr
	}
	if err != nil {
		return nil, err
	}
	return &sp, nil
}

// SpaceMember returns the membership of userID, or nil when the user is not
// a member.
func (s *Service) SpaceMember(ctx context.Context, spaceID, userID uuid.UUID) (*model.SpaceMember, error) {
	var (
		member *model.SpaceMember
		err    error
	)
	callErr := s.actors.Call(ctx, spaceID, func(c *spaceCache) {
		m, ok := c.spaceMembers[userID]
		if !ok {
			m, err = s.store.SpaceMember(ctx, userID, spaceID)
			if err != nil {
				return
			}
			c.spaceMembers[userID] = m
		}
		if m != nil {
			cp := *m
			member = &cp
		}
	})
	if callErr != nil {
		return nil, callErr
	}
	return member, err
}

// Membership answers whether userID is a member or admin of the space.
func (s *Service) Membership(ctx context.Context, spaceID, userID uuid.UUID) (model.Membership, error) {
	m, err := s.SpaceMember(ctx, spaceID, userID)
	if err != nil || m == nil {
		return model.Membership{}, err
	}
	return model.Membership{IsMember: true, IsAdmin: m.IsAdmin}, nil
}

// ChannelMembers returns the members of a channel in join order.
func (s *Service) ChannelMembers(ctx context.Context, spaceID, channelID uuid.UUID) ([]model.ChannelMember, error) {
	var (
		out []model.ChannelMember
		err error
	)
	callErr := s.actors.Call(ctx, spaceID, func(c *spaceCache) {
		cc := c.channel(channelID)
		if err = s.load(ctx, channelID, cc); err != nil {
			return
		}
		out = cc.list()
	})
	if callErr != nil {
		return nil, callErr
	}
	return out, err
}

// ChannelMember returns the channel membership of userID, or nil.
func (s *Service) ChannelMember(ctx context.Context, spaceID, channelID, userID uuid.UUID) (*model.ChannelMember, error) {
	var (
		member *model.ChannelMember
		err    error
	)
	callErr := s.actors.Call(ctx, spaceID, func(c *spaceCache) {
		cc := c.channel(channelID)
		if err = s.load(ctx, channelID, cc); err != nil {
			return
		}
		if m, ok := cc.members[userID]; ok {
			member = &m
		}
	})
	if callErr != nil {
		return nil, callErr
	}
	return member, err
}

// ChannelRole derives what userID may do in a channel.
func (s *Service) ChannelRole(ctx context.Context, spaceID, channelID, userID uuid.UUID) (model.ChannelRole, error) {
	m, err := s.ChannelMember(ctx, spaceID, channelID, userID)
	if err != nil {
		return model.RoleNone, err
	}
	return model.Role(m), nil
}

// load fills an unloaded channel cache. Runs inside the actor.
func (s *Service) load(ctx context.Context, channelID uuid.UUID, cc *channelCache) error {
	if cc.members != nil {
		return nil
	}
	members, err := s.store.ChannelMembers(ctx, channelID)
	if err != nil {
		return fmt.Errorf("loading members of channel %s: %w", channelID, err)
	}
	cc.set(members)
	return nil
}

// Invalidate records that the members of a channel changed and schedules a
// refresh.
func (s *Service) Invalidate(ctx context.Context, spaceID, channelID uuid.UUID) error {
	return s.actors.Do(ctx, spaceID, func(c *spaceCache) {
		c.channel(channelID).dirty = true
		s.refresh(spaceID, channelID, c)
	})
}

// joined records a new channel member in a loaded cache right away, so the
// member's own requests pass during a refresh cooldown, then invalidates the
// channel.
func (s *Service) joined(ctx context.Context, spaceID uuid.UUID, m model.ChannelMember) error {
	err := s.actors.Call(ctx, spaceID, func(c *spaceCache) {
		cc := c.channel(m.ChannelID)
		if cc.members == nil {
			return
		}
		if _, ok := cc.members[m.UserID]; !ok {
			cc.order = append(cc.order, m.UserID)
		}
		cc.members[m.UserID] = m
	})
	if err != nil {
		return err
	}
	return s.Invalidate(ctx, spaceID, m.ChannelID)
}

// InvalidateSpace drops the cached space row and space memberships.
func (s *Service) InvalidateSpace(ctx context.Context, spaceID uuid.UUID) error {
	return s.actors.Do(ctx, spaceID, func(c *spaceCache) {
		c.space = nil
		c.spaceMembers = make(map[uuid.UUID]*model.SpaceMember)
	})
}

// refresh reloads a dirty channel unless it is cooling down, in which case
// a single deferred refresh is scheduled. Runs inside the actor.
func (s *Service) refresh(spaceID, channelID uuid.UUID, c *spaceCache) {
	cc := c.channel(channelID)
	if !cc.dirty {
		return
	}
	if wait := s.cooldown - s.now().Sub(cc.lastRefresh); wait > 0 {
		if cc.scheduled {
			return
		}
		cc.scheduled = true
		c.pending++
		time.AfterFunc(wait, func() {
			err := s.actors.Do(context.Background(), spaceID, func(c *spaceCache) {
				c.pending--
				c.channel(channelID).scheduled = false
				s.refresh(spaceID, channelID, c)
			})
			if err != nil && !errors.Is(err, actor.ErrClosed) {
				logger.Warnf("deferred refresh of %s: %v", channelID, err)
			}
		})
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()
	members, err := s.store.ChannelMembers(ctx, channelID)
	if err != nil {
		// Stay dirty; the next Invalidate retries.
		logger.With("channel", channelID).Errorf("refreshing members: %v", err)
		return
	}
	cc.set(members)
	cc.dirty = false
	cc.lastRefresh = s.now()

	if _, err := s.publisher.Publish(spaceID, &event.Members{ChannelID: channelID, Members: cc.list()}); err != nil {
		logger.With("channel", channelID).Errorf("publishing members: %v", err)
	}
}

// Close stops every space actor.
func (s *Service) Close() {
	s.actors.Close()
}
