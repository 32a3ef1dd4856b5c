// Package position allocates rational ordering keys for messages inside a
// channel.
//
// Each channel keeps an ordered map from key to the item holding it. The map
// is advisory: the store enforces uniqueness of (channel, p, q) and callers
// that hit a conflict Reset the channel and try again.
package position

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/google/uuid"
	"github.com/rubiojr/tavern/pkg/log"
)

var logger = log.ForService("position")

const (
	// DefaultReserveTimeout is how long an append reservation stays live.
	DefaultReserveTimeout = 10 * time.Second
	// DefaultIdleEvict is how long an untouched channel map is kept.
	DefaultIdleEvict = 30 * time.Minute

	btreeDegree = 16
)

// DefaultAnchor is the key assumed for a channel without messages.
var DefaultAnchor = Rational{P: 0, Q: 1}

// Store returns the largest committed key of a channel. ok is false when the
// channel has no messages.
type Store interface {
	MaxPosition(ctx context.Context, channelID uuid.UUID) (p, q int64, ok bool, err error)
}

// State is the lifecycle state of a key.
type State int

const (
	Submitted State = iota
	Live
	Cancelled
)

func (s State) String() string {
	switch s {
	case Submitted:
		return "submitted"
	case Live:
		return "live"
	case Cancelled:
		return "cancelled"
	}
	return "unknown"
}

// Item is the holder of a key.
type Item struct {
	ID        uuid.UUID
	State     State
	Timeout   time.Duration
	CreatedAt time.Time
}

func (it Item) expired(now time.Time) bool {
	return it.State == Live && now.Sub(it.CreatedAt) >= it.Timeout
}

// collectable reports whether the entry may be removed by cleanup.
func (it Item) collectable(now time.Time) bool {
	return it.State == Cancelled || it.expired(now)
}

type entry struct {
	key  Rational
	item Item
}

func lessEntry(a, b entry) bool { return a.key.Less(b.key) }

type channel struct {
	mu       sync.Mutex
	id       uuid.UUID
	tree     *btree.BTreeG[entry]
	seeded   bool
	evicted  bool
	lastUsed time.Time
}

// gc removes collectable entries and, when drop is non-nil, every entry whose
// id is in drop except the one at keep.
func (c *channel) gc(now time.Time, keep *Rational, drop ...uuid.UUID) int {
	var doomed []entry
	c.tree.Ascend(func(e entry) bool {
		if keep != nil && e.key.Cmp(*keep) == 0 {
			return true
		}
		if e.item.collectable(now) {
			doomed = append(doomed, e)
			return true
		}
		for _, id := range drop {
			if e.item.ID == id {
				doomed = append(doomed, e)
				break
			}
		}
		return true
	})
	for _, e := range doomed {
		c.tree.Delete(e)
	}
	return len(doomed)
}

func (c *channel) liveKey(id uuid.UUID, now time.Time) (Rational, bool) {
	var (
		key   Rational
		found bool
	)
	c.tree.Ascend(func(e entry) bool {
		if e.item.ID == id && e.item.State == Live && !e.item.expired(now) {
			key, found = e.key, true
			return false
		}
		return true
	})
	return key, found
}

// Allocator owns the position maps of every channel.
type Allocator struct {
	mu             sync.Mutex
	channels       map[uuid.UUID]*channel
	store          Store
	reserveTimeout time.Duration
	idleEvict      time.Duration
	now            func() time.Time
}

// Options configures an Allocator.
type Options struct {
	ReserveTimeout time.Duration
	IdleEvict      time.Duration
}

// NewAllocator creates an allocator backed by store.
func NewAllocator(store Store, opts Options) *Allocator {
	if opts.ReserveTimeout <= 0 {
		opts.ReserveTimeout = DefaultReserveTimeout
	}
	if opts.IdleEvict <= 0 {
		opts.IdleEvict = DefaultIdleEvict
	}
	return &Allocator{
		channels:       make(map[uuid.UUID]*channel),
		store:          store,
		reserveTimeout: opts.ReserveTimeout,
		idleEvict:      opts.IdleEvict,
		now:            time.Now,
	}
}

// lock returns the locked map of channelID, creating it if needed.
func (a *Allocator) lock(channelID uuid.UUID, create bool) *channel {
	for {
		a.mu.Lock()
		c, ok := a.channels[channelID]
		if !ok {
			if !create {
				a.mu.Unlock()
				return nil
			}
			c = &channel{id: channelID, tree: btree.NewG(btreeDegree, lessEntry)}
			a.channels[channelID] = c
		}
		a.mu.Unlock()

		c.mu.Lock()
		if !c.evicted {
			c.lastUsed = a.now()
			return c
		}
		// Reset or Sweep dropped it between the two locks.
		c.mu.Unlock()
	}
}

// seed loads the stored maximum into an unseeded channel. Caller holds c.mu.
func (a *Allocator) seed(ctx context.Context, c *channel) error {
	if c.seeded {
		return nil
	}
	anchor := DefaultAnchor
	p, q, ok, err := a.store.MaxPosition(ctx, c.id)
	if err != nil {
		return fmt.Errorf("loading max position: %w", err)
	}
	if ok {
		anchor = Rational{P: p, Q: q}
		if err := anchor.Validate(); err != nil {
			return fmt.Errorf("stored max position: %w", err)
		}
	}
	c.tree.ReplaceOrInsert(entry{key: anchor, item: Item{State: Submitted, CreatedAt: a.now()}})
	c.seeded = true
	logger.With("channel", c.id).Debugf("seeded at %s", anchor)
	return nil
}

// appendKey inserts a live key after everything in the map. Caller holds c.mu.
func (a *Allocator) appendKey(c *channel, id uuid.UUID, timeout time.Duration) Rational {
	last, _ := c.tree.Max()
	key := Rational{P: last.key.Ceil() + 1, Q: 1}
	c.tree.ReplaceOrInsert(entry{
		key:  key,
		item: Item{ID: id, State: Live, Timeout: timeout, CreatedAt: a.now()},
	})
	return key
}

// NextAppendKey reserves the integer key one past the ceiling of every key
// known for the channel and holds it for itemID with the default reservation
// timeout.
func (a *Allocator) NextAppendKey(ctx context.Context, channelID, itemID uuid.UUID) (Rational, error) {
	c := a.lock(channelID, true)
	defer c.mu.Unlock()
	if err := a.seed(ctx, c); err != nil {
		return Rational{}, err
	}
	return a.appendKey(c, itemID, a.reserveTimeout), nil
}

// ReservePreview returns the live key of itemID, or reserves a new append key
// that stays live for timeout.
func (a *Allocator) ReservePreview(ctx context.Context, channelID, itemID uuid.UUID, timeout time.Duration) (Rational, error) {
	if timeout <= 0 {
		timeout = a.reserveTimeout
	}
	c := a.lock(channelID, true)
	defer c.mu.Unlock()
	if key, ok := c.liveKey(itemID, a.now()); ok {
		return key, nil
	}
	if err := a.seed(ctx, c); err != nil {
		return Rational{}, err
	}
	return a.appendKey(c, itemID, timeout), nil
}

// Commit records itemID as permanently holding key. Other entries of itemID
// and of superseded are released, together with expired or cancelled ones.
func (a *Allocator) Commit(channelID, itemID uuid.UUID, key Rational, superseded uuid.UUID) error {
	if err := key.Validate(); err != nil {
		return err
	}
	c := a.lock(channelID, false)
	if c == nil {
		return nil
	}
	defer c.mu.Unlock()

	c.tree.ReplaceOrInsert(entry{key: key, item: Item{ID: itemID, State: Submitted, CreatedAt: a.now()}})
	drop := []uuid.UUID{itemID}
	if superseded != uuid.Nil && superseded != itemID {
		drop = append(drop, superseded)
	}
	c.gc(a.now(), &key, drop...)
	return nil
}

// Cancel marks the live keys of itemID as cancelled and collects them.
func (a *Allocator) Cancel(channelID, itemID uuid.UUID) {
	c := a.lock(channelID, false)
	if c == nil {
		return
	}
	defer c.mu.Unlock()

	var live []entry
	c.tree.Ascend(func(e entry) bool {
		if e.item.ID == itemID && e.item.State == Live {
			live = append(live, e)
		}
		return true
	})
	for _, e := range live {
		e.item.State = Cancelled
		c.tree.ReplaceOrInsert(e)
	}
	c.gc(a.now(), nil)
}

// Reset forgets everything known about a channel. The next allocation
// reloads the maximum from the store.
func (a *Allocator) Reset(channelID uuid.UUID) {
	a.mu.Lock()
	c, ok := a.channels[channelID]
	delete(a.channels, channelID)
	a.mu.Unlock()
	if !ok {
		return
	}
	c.mu.Lock()
	c.evicted = true
	c.mu.Unlock()
	logger.With("channel", channelID).Debugf("reset")
}

// Sweep evicts channels idle for longer than the eviction window and
// collects expired and cancelled keys in the rest. It returns the number of
// evicted channels.
func (a *Allocator) Sweep() int {
	now := a.now()
	a.mu.Lock()
	defer a.mu.Unlock()

	evicted, collected := 0, 0
	for id, c := range a.channels {
		c.mu.Lock()
		if now.Sub(c.lastUsed) >= a.idleEvict {
			c.evicted = true
			delete(a.channels, id)
			evicted++
		} else {
			collected += c.gc(now, nil)
		}
		c.mu.Unlock()
	}
	if evicted > 0 || collected > 0 {
		logger.Debugf("evicted %d channels, collected %d keys", evicted, collected)
	}
	return evicted
}

// Channels returns the number of channels with an in-memory map.
func (a *Allocator) Channels() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.channels)
}

// Entries returns a snapshot of a channel's map in key order.
func (a *Allocator) Entries(channelID uuid.UUID) []Entry {
	c := a.lock(channelID, false)
	if c == nil {
		return nil
	}
	defer c.mu.Unlock()
	out := make([]Entry, 0, c.tree.Len())
	c.tree.Ascend(func(e entry) bool {
		out = append(out, Entry{Key: e.key, Item: e.item})
		return true
	})
	return out
}

// Entry is one key of a channel map.
type Entry struct {
	Key  Rational
	Item Item
}
