package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rubiojr/tavern/pkg/auth"
	"github.com/rubiojr/tavern/pkg/event"
	"github.com/rubiojr/tavern/pkg/eventid"
	"github.com/rubiojr/tavern/pkg/log"
	"github.com/rubiojr/tavern/pkg/mailbox"
	"github.com/rubiojr/tavern/pkg/members"
	"github.com/rubiojr/tavern/pkg/messages"
	"github.com/rubiojr/tavern/pkg/model"
	"github.com/rubiojr/tavern/pkg/realtime"
	"github.com/rubiojr/tavern/pkg/storage"
)

var logger = log.ForService("api")

const (
	DefaultHeartbeatInterval = 3 * time.Second
	DefaultReadTimeout       = 40 * time.Second
	DefaultWriteTimeout      = 10 * time.Second

	// maxFrameSize bounds client frames.
	maxFrameSize = 64 << 10
)

// Spaces resolves spaces and memberships.
type Spaces interface {
	Space(ctx context.Context, spaceID uuid.UUID) (*model.Space, error)
	Membership(ctx context.Context, spaceID, userID uuid.UUID) (model.Membership, error)
}

// Presence tracks who is connected to a space.
type Presence interface {
	Connect(ctx context.Context, spaceID, userID uuid.UUID) error
	Disconnect(ctx context.Context, spaceID, userID uuid.UUID) error
	Update(ctx context.Context, spaceID, userID uuid.UUID, kind model.StatusKind, focus []uuid.UUID) error
}

// Replayer serves cached events to connecting sessions.
type Replayer interface {
	Replay(mailbox uuid.UUID, cursor *mailbox.Cursor) []*event.Encoded
}

// Messages is the message write path.
type Messages interface {
	Send(ctx context.Context, userID uuid.UUID, req messages.SendRequest) (*model.Message, error)
	Edit(ctx context.Context, userID, messageID uuid.UUID, req messages.EditRequest) (*model.Message, error)
	Move(ctx context.Context, userID, messageID uuid.UUID, req messages.MoveRequest) (*model.Message, error)
	Delete(ctx context.Context, userID, messageID uuid.UUID) (*model.Message, error)
	HandlePreview(ctx context.Context, spaceID, userID uuid.UUID, post *model.PreviewPost) error
}

// Roster changes space and channel membership.
type Roster interface {
	AddSpaceMember(ctx context.Context, by uuid.UUID, m *model.SpaceMember) error
	AddChannelMember(ctx context.Context, by uuid.UUID, m *model.ChannelMember) (*model.Channel, error)
}

type Options struct {
	Hub      *realtime.Hub
	Mailbox  Replayer
	Spaces   Spaces
	Presence Presence
	Messages Messages
	Roster   Roster
	Sessions auth.SessionResolver
	Tokens   *auth.TokenStore
	IDs      mailbox.IDSource
	Node     uint16

	HeartbeatInterval time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
}

type Server struct {
	hub      *realtime.Hub
	mailbox  Replayer
	spaces   Spaces
	presence Presence
	messages Messages
	roster   Roster
	sessions auth.SessionResolver
	tokens   *auth.TokenStore
	ids      mailbox.IDSource
	node     uint16

	heartbeat    time.Duration
	readTimeout  time.Duration
	writeTimeout time.Duration

	upgrader websocket.Upgrader

	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex
	active   sync.WaitGroup
	sessionN int
	closed   bool
}

func NewServer(opts Options) *Server {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = DefaultReadTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	if opts.Tokens == nil {
		opts.Tokens = auth.NewTokenStore(auth.DefaultTokenTTL)
	}
	if opts.IDs == nil {
		opts.IDs = eventid.NewGenerator(opts.Node)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		hub:          opts.Hub,
		mailbox:      opts.Mailbox,
		spaces:       opts.Spaces,
		presence:     opts.Presence,
		messages:     opts.Messages,
		roster:       opts.Roster,
		sessions:     opts.Sessions,
		tokens:       opts.Tokens,
		ids:          opts.IDs,
		node:         opts.Node,
		heartbeat:    opts.HeartbeatInterval,
		readTimeout:  opts.ReadTimeout,
		writeTimeout: opts.WriteTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Browsers connect from the web client's origin; sessions are
			// authorized by token or key, not by origin.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		ctx:    ctx,
		cancel: cancel,
	}
}

// Handler returns the routes wrapped in the CORS and request logging
// middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return LoggingMiddleware(CorsMiddleware(mux))
}

// track registers a session. It returns false once Shutdown has started.
func (s *Server) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.active.Add(1)
	s.sessionN++
	return true
}

func (s *Server) untrack() {
	s.mu.Lock()
	s.sessionN--
	s.mu.Unlock()
	s.active.Done()
}

// Sessions returns the number of open WebSocket sessions.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionN
}

// Shutdown cancels every WebSocket session and waits for them to finish
// until ctx is done. Hijacked connections are not covered by
// http.Server.Shutdown, so callers run both.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.active.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for %d sessions: %w", s.Sessions(), ctx.Err())
	}
}

// resolve returns the session of r, or nil for anonymous requests.
func (s *Server) resolve(r *http.Request) (*auth.Session, error) {
	if s.sessions == nil {
		return nil, nil
	}
	return s.sessions.Resolve(r)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Errorf("encoding JSON response: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, error, message string) {
	response := ErrorResponse{
		Error:   error,
		Message: message,
	}
	s.writeJSON(w, status, response)
}

// writeServiceError maps write path errors to HTTP statuses.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, messages.ErrInvalid):
		s.writeError(w, http.StatusBadRequest, "Invalid request", err.Error())
	case errors.Is(err, messages.ErrNoPermission), errors.Is(err, members.ErrNoPermission):
		s.writeError(w, http.StatusForbidden, "No permission", err.Error())
	case errors.Is(err, storage.ErrAlreadyMember):
		s.writeError(w, http.StatusConflict, "Already a member", err.Error())
	case errors.Is(err, storage.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "Not found", err.Error())
	default:
		logger.Errorf("request failed: %v", err)
		s.writeError(w, http.StatusInternalServerError, "Internal error", err.Error())
	}
}
