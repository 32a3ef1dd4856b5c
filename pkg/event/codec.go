package event

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rubiojr/tavern/pkg/eventid"
)

// ErrUnknownKind is returned when decoding a body with an unknown tag.
var ErrUnknownKind = errors.New("unknown event kind")

// Encoded is an event serialized once and shared by every subscriber and
// the replay buffer. Data must not be modified.
type Encoded struct {
	Mailbox uuid.UUID
	ID      eventid.ID
	Kind    Kind
	Data    []byte
}

// Encode serializes e.
func Encode(e *Event) (*Encoded, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encoding %s event: %w", kindOf(e.Body), err)
	}
	return &Encoded{Mailbox: e.Mailbox, ID: e.ID, Kind: e.Body.Kind(), Data: data}, nil
}

func kindOf(b Body) Kind {
	if b == nil {
		return ""
	}
	return b.Kind()
}

type wireEvent struct {
	Mailbox uuid.UUID       `json:"mailbox"`
	ID      eventid.ID      `json:"id"`
	Body    json.RawMessage `json:"body"`
}

// MarshalJSON renders the envelope with a type-tagged body.
func (e Event) MarshalJSON() ([]byte, error) {
	body, err := MarshalBody(e.Body)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireEvent{Mailbox: e.Mailbox, ID: e.ID, Body: body})
}

// UnmarshalJSON decodes an envelope produced by MarshalJSON.
func (e *Event) UnmarshalJSON(data []byte) error {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	body, err := UnmarshalBody(w.Body)
	if err != nil {
		return err
	}
	e.Mailbox, e.ID, e.Body = w.Mailbox, w.ID, body
	return nil
}

// tagged encodes a body struct and prepends its "type" tag.
func tagged(kind Kind, body any) ([]byte, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding %s body: %w", kind, err)
	}
	if len(data) < 2 || data[0] != '{' {
		return nil, fmt.Errorf("encoding %s body: not an object", kind)
	}
	out := make([]byte, 0, len(data)+len(kind)+12)
	out = append(out, `{"type":"`...)
	out = append(out, kind...)
	out = append(out, '"')
	if len(data) > 2 {
		out = append(out, ',')
	}
	return append(out, data[1:]...), nil
}

// MarshalBody encodes a body with its "type" tag.
func MarshalBody(b Body) ([]byte, error) {
	switch b := b.(type) {
	case *NewMessage:
		return tagged(KindNewMessage, b)
	case *MessageEdited:
		return tagged(KindMessageEdited, b)
	case *MessageDeleted:
		return tagged(KindMessageDeleted, b)
	case *MessagePreview:
		return tagged(KindMessagePreview, b)
	case *Members:
		return tagged(KindMembers, b)
	case *ChannelEdited:
		return tagged(KindChannelEdited, b)
	case *ChannelDeleted:
		return tagged(KindChannelDeleted, b)
	case *StatusMap:
		return tagged(KindStatusMap, b)
	case *SpaceUpdated:
		return tagged(KindSpaceUpdated, b)
	case *Batch:
		return tagged(KindBatch, b)
	case *Initialized:
		return tagged(KindInitialized, b)
	case *Error:
		return tagged(KindError, b)
	case *AppInfo:
		return tagged(KindAppInfo, b)
	case nil:
		return nil, errors.New("encoding event: nil body")
	}
	return nil, fmt.Errorf("encoding event: %w: %T", ErrUnknownKind, b)
}

// UnmarshalBody decodes a type-tagged body.
func UnmarshalBody(data []byte) (Body, error) {
	var head struct {
		Type Kind `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decoding event body: %w", err)
	}
	var body Body
	switch head.Type {
	case KindNewMessage:
		body = &NewMessage{}
	case KindMessageEdited:
		body = &MessageEdited{}
	case KindMessageDeleted:
		body = &MessageDeleted{}
	case KindMessagePreview:
		body = &MessagePreview{}
	case KindMembers:
		body = &Members{}
	case KindChannelEdited:
		body = &ChannelEdited{}
	case KindChannelDeleted:
		body = &ChannelDeleted{}
	case KindStatusMap:
		body = &StatusMap{}
	case KindSpaceUpdated:
		body = &SpaceUpdated{}
	case KindBatch:
		body = &Batch{}
	case KindInitialized:
		body = &Initialized{}
	case KindError:
		body = &Error{}
	case KindAppInfo:
		body = &AppInfo{}
	default:
		return nil, fmt.Errorf("decoding event body: %w: %q", ErrUnknownKind, head.Type)
	}
	if err := json.Unmarshal(data, body); err != nil {
		return nil, fmt.Errorf("decoding %s body: %w", head.Type, err)
	}
	return body, nil
}
