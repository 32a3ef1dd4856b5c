package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/rubiojr/tavern/pkg/auth"
	"github.com/rubiojr/tavern/pkg/event"
	"github.com/rubiojr/tavern/pkg/messages"
	"github.com/rubiojr/tavern/pkg/model"
	"github.com/rubiojr/tavern/pkg/storage"
	"github.com/rubiojr/tavern/pkg/version"
)

// requireSession writes a 401 and returns nil when r is not authenticated.
func (s *Server) requireSession(w http.ResponseWriter, r *http.Request) *auth.Session {
	session, err := s.resolve(r)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, "Invalid credentials", err.Error())
		return nil
	}
	if session == nil {
		s.writeError(w, http.StatusUnauthorized, "Unauthorized", "A bearer key is required")
		return nil
	}
	return session
}

// HandleReplay serves the cached events of a mailbox as a single BATCH event
// for clients that cannot keep a WebSocket open.
func (s *Server) HandleReplay(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	mailboxID, err := uuid.Parse(query.Get("mailbox"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid mailbox", "Query parameter 'mailbox' must be a UUID")
		return
	}
	cursor, err := parseCursor(query)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid cursor", err.Error())
		return
	}

	session, err := s.resolve(r)
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, "Invalid credentials", err.Error())
		return
	}

	space, err := s.spaces.Space(r.Context(), mailboxID)
	if errors.Is(err, storage.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "Space not found", fmt.Sprintf("Space '%s' does not exist", mailboxID))
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Failed to load space", err.Error())
		return
	}
	if space.RequiresMembership() {
		if session == nil {
			s.writeError(w, http.StatusForbidden, "No permission", "Space requires membership")
			return
		}
		membership, err := s.spaces.Membership(r.Context(), mailboxID, session.UserID)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, "Failed to check membership", err.Error())
			return
		}
		if !membership.IsMember {
			s.writeError(w, http.StatusForbidden, "No permission", "Space requires membership")
			return
		}
	}

	backlog := s.mailbox.Replay(mailboxID, cursor)
	batch := &event.Batch{EncodedEvents: make([]json.RawMessage, len(backlog))}
	for i, e := range backlog {
		batch.EncodedEvents[i] = e.Data
	}

	encoded, err := event.Encode(&event.Event{Mailbox: mailboxID, ID: s.ids.Next(), Body: batch})
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Failed to encode events", err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(encoded.Data); err != nil {
		logger.Debugf("writing replay: %v", err)
	}
}

// HandleIssueToken trades a bearer session for a one-time WebSocket token.
func (s *Server) HandleIssueToken(w http.ResponseWriter, r *http.Request) {
	session := s.requireSession(w, r)
	if session == nil {
		return
	}
	token := s.tokens.Issue(session.UserID)
	s.writeJSON(w, http.StatusOK, TokenResponse{
		Token:     token,
		ExpiresIn: s.tokens.TTL().Seconds(),
	})
}

// decodeBody reads a JSON request body into v, writing a 400 on failure.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxFrameSize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON", err.Error())
		return false
	}
	return true
}

// messageID parses the {id} path parameter, writing a 400 on failure.
func (s *Server) messageID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	return s.pathID(w, r, "Message")
}

func (s *Server) HandleSendMessage(w http.ResponseWriter, r *http.Request) {
	session := s.requireSession(w, r)
	if session == nil {
		return
	}
	var req messages.SendRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	msg, err := s.messages.Send(r.Context(), session.UserID, req)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, MessageResponse{Message: msg})
}

func (s *Server) HandleEditMessage(w http.ResponseWriter, r *http.Request) {
	session := s.requireSession(w, r)
	if session == nil {
		return
	}
	id, ok := s.messageID(w, r)
	if !ok {
		return
	}
	var req messages.EditRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	msg, err := s.messages.Edit(r.Context(), session.UserID, id, req)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, MessageResponse{Message: msg})
}

func (s *Server) HandleMoveMessage(w http.ResponseWriter, r *http.Request) {
	session := s.requireSession(w, r)
	if session == nil {
		return
	}
	id, ok := s.messageID(w, r)
	if !ok {
		return
	}
	var req messages.MoveRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	msg, err := s.messages.Move(r.Context(), session.UserID, id, req)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, MessageResponse{Message: msg})
}

func (s *Server) HandleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	session := s.requireSession(w, r)
	if session == nil {
		return
	}
	id, ok := s.messageID(w, r)
	if !ok {
		return
	}
	msg, err := s.messages.Delete(r.Context(), session.UserID, id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, MessageResponse{Message: msg})
}

// pathID parses the {id} path parameter, writing a 400 on failure.
func (s *Server) pathID(w http.ResponseWriter, r *http.Request, what string) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid path", what+" id must be a UUID")
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) HandleAddSpaceMember(w http.ResponseWriter, r *http.Request) {
	session := s.requireSession(w, r)
	if session == nil {
		return
	}
	spaceID, ok := s.pathID(w, r, "Space")
	if !ok {
		return
	}
	var req AddSpaceMemberRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.UserID == uuid.Nil {
		req.UserID = session.UserID
	}
	m := &model.SpaceMember{UserID: req.UserID, SpaceID: spaceID, IsAdmin: req.IsAdmin}
	if err := s.roster.AddSpaceMember(r.Context(), session.UserID, m); err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, m)
}

func (s *Server) HandleAddChannelMember(w http.ResponseWriter, r *http.Request) {
	session := s.requireSession(w, r)
	if session == nil {
		return
	}
	channelID, ok := s.pathID(w, r, "Channel")
	if !ok {
		return
	}
	var req AddChannelMemberRequest
	if !s.decodeBody(w, r, &req) {
		return
	}
	if req.UserID == uuid.Nil {
		req.UserID = session.UserID
	}
	m := &model.ChannelMember{
		UserID:        req.UserID,
		ChannelID:     channelID,
		CharacterName: req.CharacterName,
		IsMaster:      req.IsMaster,
	}
	if _, err := s.roster.AddChannelMember(r.Context(), session.UserID, m); err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, m)
}

func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	health := HealthResponse{
		Status:    "ok",
		Timestamp: time.Now().UTC(),
		Version:   version.APIVersion(),
		Node:      s.node,
		Sessions:  s.Sessions(),
	}

	s.writeJSON(w, http.StatusOK, health)
}
