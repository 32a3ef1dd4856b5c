package api

import (
	"time"

	"github.com/google/uuid"
	"github.com/rubiojr/tavern/pkg/model"
)

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
	Node      uint16    `json:"node"`
	Sessions  int       `json:"sessions"`
}

type TokenResponse struct {
	Token     uuid.UUID `json:"token"`
	ExpiresIn float64   `json:"expiresIn"`
}

type MessageResponse struct {
	Message *model.Message `json:"message"`
}

// AddSpaceMemberRequest adds a user to a space. A missing userId means the
// caller.
type AddSpaceMemberRequest struct {
	UserID  uuid.UUID `json:"userId"`
	IsAdmin bool      `json:"isAdmin"`
}

// AddChannelMemberRequest adds a user to a channel. A missing userId means
// the caller.
type AddChannelMemberRequest struct {
	UserID        uuid.UUID `json:"userId"`
	CharacterName string    `json:"characterName"`
	IsMaster      bool      `json:"isMaster"`
}
