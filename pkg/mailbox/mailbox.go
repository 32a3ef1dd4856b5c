// Package mailbox keeps the recent events of every space so that clients
// can catch up after connecting, and publishes new events to the realtime
// hub.
//
// A mailbox holds three collections:
//
//   - an append-only log of one-shot events (new message, deletion, channel
//     changes), oldest first;
//   - the latest preview per (sender, channel);
//   - the latest edit per message.
//
// Replay merges the three, so a client never sees a superseded preview or
// edit. Snapshot-like events (status maps, member lists, errors) are never
// cached; clients re-derive that state on demand.
package mailbox

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rubiojr/tavern/pkg/event"
	"github.com/rubiojr/tavern/pkg/eventid"
	"github.com/rubiojr/tavern/pkg/log"
)

var logger = log.ForService("mailbox")

// DefaultRetention is how long cached events are kept.
const DefaultRetention = 24 * time.Hour

// Publisher is the write side used by the rest of the application.
type Publisher interface {
	Publish(mailbox uuid.UUID, body event.Body) (*event.Encoded, error)
}

// Broadcaster delivers encoded events to live subscribers.
type Broadcaster interface {
	Send(mailbox uuid.UUID, e *event.Encoded) bool
}

// IDSource issues event ids.
type IDSource interface {
	Next() eventid.ID
}

// Cursor is a replay position. A nil Seq keeps every event at Timestamp.
type Cursor struct {
	Timestamp int64
	Seq       *uint16
}

// slot decides where an event is cached.
type slot int

const (
	slotTransient slot = iota
	slotLog
	slotPreview
	slotEdit
)

type previewKey struct {
	sender  uuid.UUID
	channel uuid.UUID
}

type box struct {
	mu       sync.Mutex
	startAt  time.Time
	events   []*event.Encoded
	previews map[previewKey]*event.Encoded
	edits    map[uuid.UUID]*event.Encoded
}

func newBox(now time.Time) *box {
	return &box{
		startAt:  now,
		previews: make(map[previewKey]*event.Encoded),
		edits:    make(map[uuid.UUID]*event.Encoded),
	}
}

func (b *box) empty() bool {
	return len(b.events) == 0 && len(b.previews) == 0 && len(b.edits) == 0
}

// Service owns every mailbox of the process.
type Service struct {
	mu        sync.Mutex
	boxes     map[uuid.UUID]*box
	ids       IDSource
	hub       Broadcaster
	retention time.Duration
	now       func() time.Time
}

// Options configures a Service.
type Options struct {
	IDs       IDSource
	Hub       Broadcaster
	Retention time.Duration
}

// NewService creates an empty mailbox service.
func NewService(opts Options) *Service {
	if opts.IDs == nil {
		opts.IDs = eventid.NewGenerator(0)
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	return &Service{
		boxes:     make(map[uuid.UUID]*box),
		ids:       opts.IDs,
		hub:       opts.Hub,
		retention: opts.Retention,
		now:       time.Now,
	}
}

func (s *Service) box(mailbox uuid.UUID, create bool) *box {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.boxes[mailbox]
	if !ok && create {
		b = newBox(s.now())
		s.boxes[mailbox] = b
	}
	return b
}

// Publish stamps body with a fresh id, caches it according to its kind and
// hands it to the hub. An encoding failure drops the event without touching
// the mailbox.
func (s *Service) Publish(mailbox uuid.UUID, body event.Body) (*event.Encoded, error) {
	b := s.box(mailbox, true)

	// The id is taken under the mailbox lock so log order, id order and
	// delivery order agree.
	b.mu.Lock()
	defer b.mu.Unlock()

	e := &event.Event{Mailbox: mailbox, ID: s.ids.Next(), Body: body}
	enc, err := event.Encode(e)
	if err != nil {
		logger.With("mailbox", mailbox).Errorf("dropping event: %v", err)
		return nil, err
	}

	switch where, key := classify(body); where {
	case slotLog:
		b.events = append(b.events, enc)
		switch body := body.(type) {
		case *event.MessageDeleted:
			delete(b.edits, body.MessageID)
		case *event.NewMessage:
			// The committed message replaces its sender's draft.
			if body.PreviewID != nil && body.Message != nil {
				delete(b.previews, previewKey{sender: body.Message.SenderID, channel: body.ChannelID})
			}
		}
	case slotPreview:
		b.previews[key.(previewKey)] = enc
	case slotEdit:
		b.edits[key.(uuid.UUID)] = enc
	}

	if s.hub != nil {
		s.hub.Send(mailbox, enc)
	}
	return enc, nil
}

// classify returns where body is cached and its dedup key, if any.
func classify(body event.Body) (slot, any) {
	switch b := body.(type) {
	case *event.NewMessage, *event.MessageDeleted, *event.ChannelEdited, *event.ChannelDeleted:
		return slotLog, nil
	case *event.MessagePreview:
		sender := uuid.Nil
		if b.Preview != nil {
			sender = b.Preview.SenderID
		}
		return slotPreview, previewKey{sender: sender, channel: b.ChannelID}
	case *event.MessageEdited:
		id := uuid.Nil
		if b.Message != nil {
			id = b.Message.ID
		}
		return slotEdit, id
	case *event.Members, *event.StatusMap, *event.SpaceUpdated, *event.Batch,
		*event.Initialized, *event.Error, *event.AppInfo:
		return slotTransient, nil
	}
	return slotTransient, nil
}

// Cached reports whether events of kind are kept for replay. Sessions use
// it to tell live events already covered by a replay from transient ones.
func Cached(kind event.Kind) bool {
	switch kind {
	case event.KindNewMessage, event.KindMessageDeleted, event.KindChannelEdited,
		event.KindChannelDeleted, event.KindMessagePreview, event.KindMessageEdited:
		return true
	}
	return false
}

// Replay returns the cached events of mailbox strictly after cursor, in id
// order. A nil cursor returns everything.
func (s *Service) Replay(mailbox uuid.UUID, cursor *Cursor) []*event.Encoded {
	b := s.box(mailbox, false)
	if b == nil {
		return nil
	}

	b.mu.Lock()
	all := make([]*event.Encoded, 0, len(b.events)+len(b.previews)+len(b.edits))
	all = append(all, b.events...)
	for _, e := range b.previews {
		all = append(all, e)
	}
	for _, e := range b.edits {
		all = append(all, e)
	}
	b.mu.Unlock()

	sort.Slice(all, func(i, j int) bool { return all[i].ID.Less(all[j].ID) })
	if cursor == nil {
		return all
	}
	out := all[:0]
	for _, e := range all {
		if e.ID.After(cursor.Timestamp, cursor.Seq) {
			out = append(out, e)
		}
	}
	return out
}

// Sweep drops cached events older than the retention horizon and removes
// empty mailboxes. It returns the number of mailboxes removed.
func (s *Service) Sweep() int {
	cutoff := s.now().Add(-s.retention).UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, b := range s.boxes {
		b.mu.Lock()
		// The log is in id order, so everything before the first kept entry goes.
		keep := sort.Search(len(b.events), func(i int) bool {
			return b.events[i].ID.Timestamp >= cutoff
		})
		if keep > 0 {
			b.events = append([]*event.Encoded(nil), b.events[keep:]...)
		}
		for k, e := range b.previews {
			if e.ID.Timestamp < cutoff {
				delete(b.previews, k)
			}
		}
		for k, e := range b.edits {
			if e.ID.Timestamp < cutoff {
				delete(b.edits, k)
			}
		}
		empty := b.empty()
		b.mu.Unlock()
		if empty {
			delete(s.boxes, id)
			removed++
		}
	}
	if removed > 0 {
		logger.Debugf("removed %d empty mailboxes", removed)
	}
	return removed
}

// Stats describes the cached state of one mailbox.
type Stats struct {
	StartAt  time.Time
	Events   int
	Previews int
	Edits    int
}

// Stats returns the cache sizes of mailbox and whether it exists.
func (s *Service) Stats(mailbox uuid.UUID) (Stats, bool) {
	b := s.box(mailbox, false)
	if b == nil {
		return Stats{}, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{StartAt: b.startAt, Events: len(b.events), Previews: len(b.previews), Edits: len(b.edits)}, true
}

// Len returns the number of live mailboxes.
func (s *Service) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.boxes)
}
