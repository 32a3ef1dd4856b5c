// Package event defines the events pushed to WebSocket clients.
//
// An Event is an envelope {mailbox, id, body}. Body is a closed set of
// variants; every variant is a pointer to one of the structs below and the
// set cannot be extended outside this package. The wire form of a body is a
// JSON object tagged with "type".
package event

import (
	"encoding/json"

	"github.com/google/uuid"
	"github.com/rubiojr/tavern/pkg/eventid"
	"github.com/rubiojr/tavern/pkg/model"
)

// Kind is the wire tag of a body.
type Kind string

const (
	KindNewMessage     Kind = "NEW_MESSAGE"
	KindMessageEdited  Kind = "MESSAGE_EDITED"
	KindMessageDeleted Kind = "MESSAGE_DELETED"
	KindMessagePreview Kind = "MESSAGE_PREVIEW"
	KindMembers        Kind = "MEMBERS"
	KindChannelEdited  Kind = "CHANNEL_EDITED"
	KindChannelDeleted Kind = "CHANNEL_DELETED"
	KindStatusMap      Kind = "STATUS_MAP"
	KindSpaceUpdated   Kind = "SPACE_UPDATED"
	KindBatch          Kind = "BATCH"
	KindInitialized    Kind = "INITIALIZED"
	KindError          Kind = "ERROR"
	KindAppInfo        Kind = "APP_INFO"
)

// Body is one of the event variants declared in this package.
type Body interface {
	Kind() Kind
	sealed()
}

// Event is a single update for a mailbox.
type Event struct {
	Mailbox uuid.UUID  `json:"mailbox"`
	ID      eventid.ID `json:"id"`
	Body    Body       `json:"body"`
}

type NewMessage struct {
	ChannelID uuid.UUID      `json:"channelId"`
	Message   *model.Message `json:"message"`
	PreviewID *uuid.UUID     `json:"previewId,omitempty"`
}

type MessageEdited struct {
	ChannelID uuid.UUID      `json:"channelId"`
	Message   *model.Message `json:"message"`
	OldPos    float64        `json:"oldPos"`
}

type MessageDeleted struct {
	ChannelID uuid.UUID `json:"channelId"`
	MessageID uuid.UUID `json:"messageId"`
	Pos       float64   `json:"pos"`
}

type MessagePreview struct {
	ChannelID uuid.UUID      `json:"channelId"`
	Preview   *model.Preview `json:"preview"`
}

type Members struct {
	ChannelID uuid.UUID             `json:"channelId"`
	Members   []model.ChannelMember `json:"members"`
}

type ChannelEdited struct {
	ChannelID uuid.UUID      `json:"channelId"`
	Channel   *model.Channel `json:"channel"`
}

type ChannelDeleted struct {
	ChannelID uuid.UUID `json:"channelId"`
}

type StatusMap struct {
	SpaceID   uuid.UUID                      `json:"spaceId"`
	StatusMap map[uuid.UUID]model.UserStatus `json:"statusMap"`
}

type SpaceUpdated struct {
	Space *model.Space `json:"space"`
}

// Batch carries already encoded events, oldest first.
type Batch struct {
	EncodedEvents []json.RawMessage `json:"encodedEvents"`
}

// Initialized marks the end of the replayed backlog.
type Initialized struct{}

// Error codes sent in Error bodies.
const (
	CodeBadRequest   = "BAD_REQUEST"
	CodeNoPermission = "NO_PERMISSION"
	CodeNotFound     = "NOT_FOUND"
	CodeUnexpected   = "UNEXPECTED"
)

type Error struct {
	Code   string `json:"code"`
	Reason string `json:"reason"`
}

type AppInfo struct {
	Version string `json:"version"`
	Node    uint16 `json:"node"`
}

func (*NewMessage) Kind() Kind     { return KindNewMessage }
func (*MessageEdited) Kind() Kind  { return KindMessageEdited }
func (*MessageDeleted) Kind() Kind { return KindMessageDeleted }
func (*MessagePreview) Kind() Kind { return KindMessagePreview }
func (*Members) Kind() Kind        { return KindMembers }
func (*ChannelEdited) Kind() Kind  { return KindChannelEdited }
func (*ChannelDeleted) Kind() Kind { return KindChannelDeleted }
func (*StatusMap) Kind() Kind      { return KindStatusMap }
func (*SpaceUpdated) Kind() Kind   { return KindSpaceUpdated }
func (*Batch) Kind() Kind          { return KindBatch }
func (*Initialized) Kind() Kind    { return KindInitialized }
func (*Error) Kind() Kind          { return KindError }
func (*AppInfo) Kind() Kind        { return KindAppInfo }

func (*NewMessage) sealed()     {}
func (*MessageEdited) sealed()  {}
func (*MessageDeleted) sealed() {}
func (*MessagePreview) sealed() {}
func (*Members) sealed()        {}
func (*ChannelEdited) sealed()  {}
func (*ChannelDeleted) sealed() {}
func (*StatusMap) sealed()      {}
func (*SpaceUpdated) sealed()   {}
func (*Batch) sealed()          {}
func (*Initialized) sealed()    {}
func (*Error) sealed()          {}
func (*AppInfo) sealed()        {}
