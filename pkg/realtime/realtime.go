// Package realtime fans encoded events out to the WebSocket sessions
// following a mailbox.
//
// Each mailbox gets its own bounded ring, created on first Subscribe. Send
// never blocks: a subscriber that falls more than the ring capacity behind
// gets a *LaggedError telling it how many events it skipped, then resumes at
// the oldest event still in the ring. Producers are never slowed down and
// slow subscribers are never disconnected by the hub.
//
// All subscribers of one mailbox observe events in the order Send was called
// for that mailbox. Callers serialize Send per mailbox (the mailbox package
// does so under its per-mailbox lock).
package realtime

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rubiojr/tavern/pkg/event"
	"github.com/rubiojr/tavern/pkg/log"
)

var logger = log.ForService("realtime")

// DefaultCapacity is the ring size used when NewHub gets capacity <= 0.
const DefaultCapacity = 256

// LaggedError reports that a subscriber missed Skipped events.
type LaggedError struct {
	Skipped uint64
}

func (e *LaggedError) Error() string {
	return fmt.Sprintf("subscriber lagged behind, skipped %d events", e.Skipped)
}

// channel is the ring of one mailbox.
type channel struct {
	mu     sync.Mutex
	buf    []*event.Encoded
	tail   uint64 // sequence of the next event written
	notify chan struct{}
	subs   int // guarded by Hub.mu
}

func newChannel(capacity int) *channel {
	return &channel{
		buf:    make([]*event.Encoded, capacity),
		notify: make(chan struct{}),
	}
}

func (c *channel) send(e *event.Encoded) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buf[c.tail%uint64(len(c.buf))] = e
	c.tail++
	// Wake every waiter by closing the current notify channel.
	close(c.notify)
	c.notify = make(chan struct{})
}

// Hub is the registry of per-mailbox channels. It is safe for concurrent use.
type Hub struct {
	mu       sync.RWMutex
	channels map[uuid.UUID]*channel
	capacity int
}

// NewHub constructs a hub whose rings hold capacity events.
// If capacity <= 0, DefaultCapacity is used.
func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Hub{
		channels: make(map[uuid.UUID]*channel),
		capacity: capacity,
	}
}

// Subscribe returns a subscription that receives events sent to mailbox
// after this call. Callers must Close it.
func (h *Hub) Subscribe(mailbox uuid.UUID) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch, ok := h.channels[mailbox]
	if !ok {
		ch = newChannel(h.capacity)
		h.channels[mailbox] = ch
		logger.Debugf("created channel for mailbox %s", mailbox)
	}
	ch.subs++

	ch.mu.Lock()
	next := ch.tail
	ch.mu.Unlock()
	return &Subscription{hub: h, mailbox: mailbox, ch: ch, next: next}
}

// Send delivers e to the subscribers of mailbox. It reports whether a
// channel existed; with no channel nobody is listening and e is dropped.
func (h *Hub) Send(mailbox uuid.UUID, e *event.Encoded) bool {
	h.mu.RLock()
	ch, ok := h.channels[mailbox]
	h.mu.RUnlock()
	if !ok {
		return false
	}
	ch.send(e)
	return true
}

// Subscribers returns the number of open subscriptions for mailbox.
func (h *Hub) Subscribers(mailbox uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if ch, ok := h.channels[mailbox]; ok {
		return ch.subs
	}
	return 0
}

// Size returns the number of live channels.
func (h *Hub) Size() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels)
}

// Sweep removes channels without subscribers and returns how many it removed.
func (h *Hub) Sweep() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	removed := 0
	for id, ch := range h.channels {
		if ch.subs == 0 {
			delete(h.channels, id)
			removed++
		}
	}
	return removed
}

func (h *Hub) release(ch *channel) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch.subs--
}

// Subscription is one reader of a mailbox channel. It is not safe for
// concurrent Recv calls.
type Subscription struct {
	hub       *Hub
	mailbox   uuid.UUID
	ch        *channel
	next      uint64
	closeOnce sync.Once
}

// Mailbox returns the mailbox this subscription follows.
func (s *Subscription) Mailbox() uuid.UUID {
	return s.mailbox
}

// Recv blocks until the next event is available. It returns a *LaggedError
// when events were overwritten before this subscriber read them, and the
// context error when ctx is done.
func (s *Subscription) Recv(ctx context.Context) (*event.Encoded, error) {
	for {
		c := s.ch
		c.mu.Lock()
		if s.next < c.tail {
			capacity := uint64(len(c.buf))
			if c.tail-s.next > capacity {
				oldest := c.tail - capacity
				skipped := oldest - s.next
				s.next = oldest
				c.mu.Unlock()
				return nil, &LaggedError{Skipped: skipped}
			}
			e := c.buf[s.next%capacity]
			s.next++
			c.mu.Unlock()
			return e, nil
		}
		notify := c.notify
		c.mu.Unlock()

		select {
		case <-notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close releases the subscription. Safe to call multiple times.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.hub.release(s.ch)
	})
}
