package event

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/rubiojr/tavern/pkg/model"
)

// Client frame tags.
const (
	ClientPreview = "PREVIEW"
	ClientStatus  = "STATUS"
)

// ClientEvent is a frame sent by a client over the WebSocket.
type ClientEvent struct {
	Type    string             `json:"type"`
	Preview *model.PreviewPost `json:"preview,omitempty"`
	Kind    model.StatusKind   `json:"kind,omitempty"`
	Focus   []uuid.UUID        `json:"focus,omitempty"`
}

// ParseClientEvent decodes and validates a client frame.
func ParseClientEvent(data []byte) (*ClientEvent, error) {
	var ce ClientEvent
	if err := json.Unmarshal(data, &ce); err != nil {
		return nil, fmt.Errorf("parsing client event: %w", err)
	}
	switch ce.Type {
	case ClientPreview:
		if ce.Preview == nil {
			return nil, fmt.Errorf("parsing client event: PREVIEW without preview")
		}
		if ce.Preview.ID == uuid.Nil || ce.Preview.ChannelID == uuid.Nil {
			return nil, fmt.Errorf("parsing client event: preview id and channel id are required")
		}
	case ClientStatus:
		if !ce.Kind.Valid() {
			return nil, fmt.Errorf("parsing client event: invalid status kind %q", ce.Kind)
		}
	default:
		return nil, fmt.Errorf("parsing client event: unknown type %q", ce.Type)
	}
	return &ce, nil
}
