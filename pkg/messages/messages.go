// Package messages is the write path for chat messages: it picks a position
// key, persists the message and publishes the resulting event. It also
// turns client previews into MESSAGE_PREVIEW events with a reserved key.
package messages

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rubiojr/tavern/pkg/event"
	"github.com/rubiojr/tavern/pkg/log"
	"github.com/rubiojr/tavern/pkg/mailbox"
	"github.com/rubiojr/tavern/pkg/model"
	"github.com/rubiojr/tavern/pkg/position"
	"github.com/rubiojr/tavern/pkg/storage"
)

var logger = log.ForService("messages")

const (
	// DefaultPreviewTimeout is how long a preview keeps its key without
	// updates when the client does not ask for a timeout.
	DefaultPreviewTimeout = 8 * time.Second
	// DefaultMaxPreviewTimeout caps client requested preview timeouts.
	DefaultMaxPreviewTimeout = time.Minute
)

var (
	// ErrNoPermission is returned when the user may not act on the target.
	ErrNoPermission = errors.New("no permission")
	// ErrInvalid is returned for malformed requests.
	ErrInvalid = errors.New("invalid request")
)

// Store is the subset of the durable store used by the write path.
type Store interface {
	Channel(ctx context.Context, id uuid.UUID) (*model.Channel, error)
	InsertMessage(ctx context.Context, m *model.Message) error
	GetMessage(ctx context.Context, id uuid.UUID) (*model.Message, error)
	UpdateMessage(ctx context.Context, id uuid.UUID, name, text string, isAction bool) (*model.Message, error)
	MoveMessage(ctx context.Context, id uuid.UUID, p, q int64) (*model.Message, error)
	DeleteMessage(ctx context.Context, id uuid.UUID) (*model.Message, error)
}

// Permissions answers who may do what.
type Permissions interface {
	Membership(ctx context.Context, spaceID, userID uuid.UUID) (model.Membership, error)
	ChannelRole(ctx context.Context, spaceID, channelID, userID uuid.UUID) (model.ChannelRole, error)
}

// Allocator hands out position keys.
type Allocator interface {
	NextAppendKey(ctx context.Context, channelID, itemID uuid.UUID) (position.Rational, error)
	ReservePreview(ctx context.Context, channelID, itemID uuid.UUID, timeout time.Duration) (position.Rational, error)
	Commit(channelID, itemID uuid.UUID, key position.Rational, superseded uuid.UUID) error
	Cancel(channelID, itemID uuid.UUID)
	Reset(channelID uuid.UUID)
}

// Service implements the message write path.
type Service struct {
	store          Store
	perms          Permissions
	alloc          Allocator
	publisher      mailbox.Publisher
	previewTimeout time.Duration
	maxPreview     time.Duration
}

// Options configures a Service. Zero values use the package defaults.
type Options struct {
	PreviewTimeout    time.Duration
	MaxPreviewTimeout time.Duration
}

// NewService wires the write path.
func NewService(store Store, perms Permissions, alloc Allocator, publisher mailbox.Publisher, opts Options) *Service {
	if opts.PreviewTimeout <= 0 {
		opts.PreviewTimeout = DefaultPreviewTimeout
	}
	if opts.MaxPreviewTimeout <= 0 {
		opts.MaxPreviewTimeout = DefaultMaxPreviewTimeout
	}
	if opts.PreviewTimeout > opts.MaxPreviewTimeout {
		opts.PreviewTimeout = opts.MaxPreviewTimeout
	}
	return &Service{
		store:          store,
		perms:          perms,
		alloc:          alloc,
		publisher:      publisher,
		previewTimeout: opts.PreviewTimeout,
		maxPreview:     opts.MaxPreviewTimeout,
	}
}

// previewTimeoutFor returns the reservation timeout asked for by post,
// clamped to the configured maximum.
func (s *Service) previewTimeoutFor(post *model.PreviewPost) time.Duration {
	if post.Timeout == 0 {
		return s.previewTimeout
	}
	return min(time.Duration(post.Timeout)*time.Second, s.maxPreview)
}

// SendRequest describes a new message.
type SendRequest struct {
	ChannelID uuid.UUID  `json:"channelId"`
	Name      string     `json:"name"`
	Text      string     `json:"text"`
	IsAction  bool       `json:"isAction"`
	PreviewID *uuid.UUID `json:"previewId,omitempty"`
}

// channel loads a channel and checks that userID may write to it.
func (s *Service) channel(ctx context.Context, channelID, userID uuid.UUID) (*model.Channel, model.ChannelRole, error) {
	ch, err := s.store.Channel(ctx, channelID)
	if err != nil {
		return nil, model.RoleNone, err
	}
	role, err := s.perms.ChannelRole(ctx, ch.SpaceID, ch.ID, userID)
	if err != nil {
		return nil, model.RoleNone, err
	}
	if role == model.RoleNone {
		return nil, model.RoleNone, fmt.Errorf("user %s in channel %s: %w", userID, ch.ID, ErrNoPermission)
	}
	return ch, role, nil
}

// Send appends a message to a channel. A message sent from a preview takes
// over the preview's reserved key.
func (s *Service) Send(ctx context.Context, userID uuid.UUID, req SendRequest) (*model.Message, error) {
	if req.Text == "" {
		return nil, fmt.Errorf("empty message: %w", ErrInvalid)
	}
	ch, _, err := s.channel(ctx, req.ChannelID, userID)
	if err != nil {
		return nil, err
	}

	msg := &model.Message{
		ID:        uuid.New(),
		SpaceID:   ch.SpaceID,
		ChannelID: ch.ID,
		SenderID:  userID,
		Name:      req.Name,
		Text:      req.Text,
		IsAction:  req.IsAction,
	}

	var key position.Rational
	superseded := uuid.Nil
	if req.PreviewID != nil {
		superseded = *req.PreviewID
		key, err = s.alloc.ReservePreview(ctx, ch.ID, superseded, s.previewTimeout)
	} else {
		key, err = s.alloc.NextAppendKey(ctx, ch.ID, msg.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("allocating position: %w", err)
	}

	msg.SetPos(key.P, key.Q)
	err = s.store.InsertMessage(ctx, msg)
	if errors.Is(err, storage.ErrPositionConflict) {
		// Someone else committed at this key. Reload the channel and retry once.
		logger.With("channel", ch.ID).Warnf("position %s taken, retrying", key)
		s.alloc.Reset(ch.ID)
		if key, err = s.alloc.NextAppendKey(ctx, ch.ID, msg.ID); err != nil {
			return nil, fmt.Errorf("allocating position: %w", err)
		}
		msg.SetPos(key.P, key.Q)
		err = s.store.InsertMessage(ctx, msg)
	}
	if err != nil {
		s.alloc.Cancel(ch.ID, msg.ID)
		return nil, err
	}

	if err := s.alloc.Commit(ch.ID, msg.ID, key, superseded); err != nil {
		logger.Warnf("committing position %s: %v", key, err)
	}
	s.publish(ch.SpaceID, &event.NewMessage{ChannelID: ch.ID, Message: msg, PreviewID: req.PreviewID})
	return msg, nil
}

// canModify reports whether userID may change msg.
func (s *Service) canModify(ctx context.Context, userID uuid.UUID, msg *model.Message, role model.ChannelRole) (bool, error) {
	if msg.SenderID == userID || role == model.RoleMaster {
		return true, nil
	}
	m, err := s.perms.Membership(ctx, msg.SpaceID, userID)
	if err != nil {
		return false, err
	}
	return m.IsAdmin, nil
}

// load fetches a message and checks that userID may modify it.
func (s *Service) load(ctx context.Context, userID, messageID uuid.UUID) (*model.Message, error) {
	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	_, role, err := s.channel(ctx, msg.ChannelID, userID)
	if err != nil {
		return nil, err
	}
	ok, err := s.canModify(ctx, userID, msg, role)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("user %s on message %s: %w", userID, messageID, ErrNoPermission)
	}
	return msg, nil
}

// EditRequest carries the new content of a message.
type EditRequest struct {
	Name     string `json:"name"`
	Text     string `json:"text"`
	IsAction bool   `json:"isAction"`
}

// Edit replaces the content of a message.
func (s *Service) Edit(ctx context.Context, userID, messageID uuid.UUID, req EditRequest) (*model.Message, error) {
	if req.Text == "" {
		return nil, fmt.Errorf("empty message: %w", ErrInvalid)
	}
	old, err := s.load(ctx, userID, messageID)
	if err != nil {
		return nil, err
	}
	msg, err := s.store.UpdateMessage(ctx, messageID, req.Name, req.Text, req.IsAction)
	if err != nil {
		return nil, err
	}
	s.publish(msg.SpaceID, &event.MessageEdited{ChannelID: msg.ChannelID, Message: msg, OldPos: old.Pos})
	return msg, nil
}

// MoveRequest places a message right after After and right before Before.
// A nil Before moves the message to the end of the channel; a nil After
// moves it before everything up to Before.
type MoveRequest struct {
	After  *uuid.UUID `json:"after,omitempty"`
	Before *uuid.UUID `json:"before,omitempty"`
}

// Move gives a message a new position.
func (s *Service) Move(ctx context.Context, userID, messageID uuid.UUID, req MoveRequest) (*model.Message, error) {
	old, err := s.load(ctx, userID, messageID)
	if err != nil {
		return nil, err
	}

	lower := position.DefaultAnchor
	if req.After != nil {
		if lower, err = s.neighbour(ctx, old.ChannelID, *req.After); err != nil {
			return nil, err
		}
	}
	var upper *position.Rational
	if req.Before != nil {
		b, err := s.neighbour(ctx, old.ChannelID, *req.Before)
		if err != nil {
			return nil, err
		}
		upper = &b
	}

	key, err := s.moveKey(ctx, old.ChannelID, messageID, lower, upper)
	if err != nil {
		return nil, err
	}
	msg, err := s.store.MoveMessage(ctx, messageID, key.P, key.Q)
	if errors.Is(err, storage.ErrPositionConflict) {
		logger.With("channel", old.ChannelID).Warnf("position %s taken, retrying", key)
		s.alloc.Reset(old.ChannelID)
		// Between is deterministic, so narrow the window past the taken key.
		if key, err = s.moveKey(ctx, old.ChannelID, messageID, key, upper); err != nil {
			return nil, err
		}
		msg, err = s.store.MoveMessage(ctx, messageID, key.P, key.Q)
	}
	if err != nil {
		s.alloc.Cancel(old.ChannelID, messageID)
		return nil, err
	}

	if err := s.alloc.Commit(msg.ChannelID, msg.ID, key, uuid.Nil); err != nil {
		logger.Warnf("committing position %s: %v", key, err)
	}
	s.publish(msg.SpaceID, &event.MessageEdited{ChannelID: msg.ChannelID, Message: msg, OldPos: old.Pos})
	return msg, nil
}

func (s *Service) moveKey(ctx context.Context, channelID, messageID uuid.UUID, lower position.Rational, upper *position.Rational) (position.Rational, error) {
	if upper == nil {
		key, err := s.alloc.NextAppendKey(ctx, channelID, messageID)
		if err != nil {
			return position.Rational{}, fmt.Errorf("allocating position: %w", err)
		}
		return key, nil
	}
	key, err := position.Between(lower, *upper)
	if err != nil {
		return position.Rational{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if key.Cmp(lower) == 0 {
		return position.Rational{}, fmt.Errorf("no room between %s and %s: %w", lower, upper, ErrInvalid)
	}
	return key, nil
}

func (s *Service) neighbour(ctx context.Context, channelID, id uuid.UUID) (position.Rational, error) {
	m, err := s.store.GetMessage(ctx, id)
	if err != nil {
		return position.Rational{}, err
	}
	if m.ChannelID != channelID {
		return position.Rational{}, fmt.Errorf("message %s is in another channel: %w", id, ErrInvalid)
	}
	return position.R(m.PosP, m.PosQ), nil
}

// Delete removes a message.
func (s *Service) Delete(ctx context.Context, userID, messageID uuid.UUID) (*model.Message, error) {
	if _, err := s.load(ctx, userID, messageID); err != nil {
		return nil, err
	}
	msg, err := s.store.DeleteMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	s.publish(msg.SpaceID, &event.MessageDeleted{ChannelID: msg.ChannelID, MessageID: msg.ID, Pos: msg.Pos})
	return msg, nil
}

// HandlePreview publishes a client's draft. spaceID is the mailbox the
// client is connected to; previews for channels of other spaces are
// rejected.
func (s *Service) HandlePreview(ctx context.Context, spaceID, userID uuid.UUID, post *model.PreviewPost) error {
	ch, _, err := s.channel(ctx, post.ChannelID, userID)
	if err != nil {
		return err
	}
	if ch.SpaceID != spaceID {
		return fmt.Errorf("channel %s outside space %s: %w", ch.ID, spaceID, ErrNoPermission)
	}

	preview := &model.Preview{
		ID:        post.ID,
		SenderID:  userID,
		ChannelID: ch.ID,
		Name:      post.Name,
		Text:      post.Text,
		IsAction:  post.IsAction,
		EditFor:   post.EditFor,
		Clear:     post.Clear,
		Version:   post.Version,
	}

	switch {
	case post.Clear:
		s.alloc.Cancel(ch.ID, post.ID)
	case post.EditFor != nil:
		// Editing drafts sit where the edited message is.
		target, err := s.store.GetMessage(ctx, *post.EditFor)
		if err != nil {
			return err
		}
		preview.SetPos(target.PosP, target.PosQ)
	default:
		key, err := s.alloc.ReservePreview(ctx, ch.ID, post.ID, s.previewTimeoutFor(post))
		if err != nil {
			return fmt.Errorf("reserving preview position: %w", err)
		}
		preview.SetPos(key.P, key.Q)
	}

	s.publish(spaceID, &event.MessagePreview{ChannelID: ch.ID, Preview: preview})
	return nil
}

// publish fires an event; failures are logged, the write already happened.
func (s *Service) publish(spaceID uuid.UUID, body event.Body) {
	if _, err := s.publisher.Publish(spaceID, body); err != nil {
		logger.With("space", spaceID).Errorf("publishing %s: %v", body.Kind(), err)
	}
}
