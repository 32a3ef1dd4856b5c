// Package model defines the domain types shared by the storage, event and
// realtime layers.
//
// A space is a chat room; it owns channels. Events are grouped per space:
// the space id doubles as the mailbox id every WebSocket session subscribes
// to. Messages inside a channel are ordered by a rational position p/q so
// that a message can be inserted between two others without renumbering.
package model

import (
	"time"

	"github.com/google/uuid"
)

// Space is a chat room.
type Space struct {
	ID             uuid.UUID `json:"id"`
	Name           string    `json:"name"`
	OwnerID        uuid.UUID `json:"ownerId"`
	IsPublic       bool      `json:"isPublic"`
	AllowSpectator bool      `json:"allowSpectator"`
	Created        time.Time `json:"created"`
}

// RequiresMembership reports whether only members may follow the space.
func (s *Space) RequiresMembership() bool {
	return !s.IsPublic && !s.AllowSpectator
}

// Channel belongs to a space.
type Channel struct {
	ID       uuid.UUID `json:"id"`
	SpaceID  uuid.UUID `json:"spaceId"`
	Name     string    `json:"name"`
	IsPublic bool      `json:"isPublic"`
	Created  time.Time `json:"created"`
}

// SpaceMember records a user's membership in a space.
type SpaceMember struct {
	UserID   uuid.UUID `json:"userId"`
	SpaceID  uuid.UUID `json:"spaceId"`
	IsAdmin  bool      `json:"isAdmin"`
	JoinDate time.Time `json:"joinDate"`
}

// ChannelMember records a user's membership in a channel.
type ChannelMember struct {
	UserID        uuid.UUID `json:"userId"`
	ChannelID     uuid.UUID `json:"channelId"`
	CharacterName string    `json:"characterName"`
	IsMaster      bool      `json:"isMaster"`
	JoinDate      time.Time `json:"joinDate"`
}

// ChannelRole is what a user may do in a channel.
type ChannelRole string

const (
	RoleNone   ChannelRole = "none"
	RoleMember ChannelRole = "member"
	RoleMaster ChannelRole = "master"
)

// Role derives the channel role from an optional membership.
func Role(m *ChannelMember) ChannelRole {
	switch {
	case m == nil:
		return RoleNone
	case m.IsMaster:
		return RoleMaster
	default:
		return RoleMember
	}
}

// Membership answers the permission questions asked about a space.
type Membership struct {
	IsMember bool `json:"isMember"`
	IsAdmin  bool `json:"isAdmin"`
}

// Message is a committed chat message.
type Message struct {
	ID        uuid.UUID `json:"id"`
	SpaceID   uuid.UUID `json:"spaceId"`
	ChannelID uuid.UUID `json:"channelId"`
	SenderID  uuid.UUID `json:"senderId"`
	Name      string    `json:"name"`
	Text      string    `json:"text"`
	IsAction  bool      `json:"isAction"`
	PosP      int64     `json:"posP"`
	PosQ      int64     `json:"posQ"`
	Pos       float64   `json:"pos"`
	Created   time.Time `json:"created"`
	Modified  time.Time `json:"modified"`
}

// SetPos stores the rational position and its float approximation.
func (m *Message) SetPos(p, q int64) {
	m.PosP, m.PosQ = p, q
	m.Pos = float64(p) / float64(q)
}

// Preview is the live, uncommitted draft of a message. Only the latest
// version per (sender, channel) matters.
type Preview struct {
	ID        uuid.UUID  `json:"id"`
	SenderID  uuid.UUID  `json:"senderId"`
	ChannelID uuid.UUID  `json:"channelId"`
	Name      string     `json:"name"`
	Text      string     `json:"text"`
	IsAction  bool       `json:"isAction"`
	EditFor   *uuid.UUID `json:"editFor,omitempty"`
	Clear     bool       `json:"clear"`
	Version   uint16     `json:"version"`
	PosP      int64      `json:"posP"`
	PosQ      int64      `json:"posQ"`
	Pos       float64    `json:"pos"`
}

// SetPos stores the rational position and its float approximation.
func (p *Preview) SetPos(num, den int64) {
	p.PosP, p.PosQ = num, den
	p.Pos = float64(num) / float64(den)
}

// PreviewPost is a preview as sent by a client.
type PreviewPost struct {
	ID        uuid.UUID  `json:"id"`
	ChannelID uuid.UUID  `json:"channelId"`
	Name      string     `json:"name"`
	Text      string     `json:"text"`
	IsAction  bool       `json:"isAction"`
	EditFor   *uuid.UUID `json:"editFor,omitempty"`
	Clear     bool       `json:"clear"`
	Version   uint16     `json:"version"`
	// Timeout is how many seconds the draft keeps its position without
	// updates. Zero uses the server default.
	Timeout uint32 `json:"timeout,omitempty"`
}

// StatusKind is a user's presence.
type StatusKind string

const (
	StatusOnline  StatusKind = "ONLINE"
	StatusAway    StatusKind = "AWAY"
	StatusOffline StatusKind = "OFFLINE"
)

// Valid reports whether k is a known status kind.
func (k StatusKind) Valid() bool {
	switch k {
	case StatusOnline, StatusAway, StatusOffline:
		return true
	}
	return false
}

// UserStatus is one entry of a space's status map.
type UserStatus struct {
	Kind      StatusKind  `json:"kind"`
	Timestamp int64       `json:"timestamp"`
	Focus     []uuid.UUID `json:"focus"`
}
