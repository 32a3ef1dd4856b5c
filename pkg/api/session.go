package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rubiojr/tavern/pkg/event"
	"github.com/rubiojr/tavern/pkg/eventid"
	"github.com/rubiojr/tavern/pkg/log"
	"github.com/rubiojr/tavern/pkg/mailbox"
	"github.com/rubiojr/tavern/pkg/realtime"
	"github.com/rubiojr/tavern/pkg/storage"
	"github.com/rubiojr/tavern/pkg/version"
)

var sessionLogger = log.ForService("session")

// Keepalive frames. They are not JSON.
const (
	HeartbeatFrame = "💓"
	PongFrame      = "♡"
)

// finalizeTimeout bounds the offline update sent when a session ends.
const finalizeTimeout = 5 * time.Second

// ConnectQuery holds the query parameters of /api/events/connect.
type ConnectQuery struct {
	Mailbox uuid.UUID
	Token   *uuid.UUID
	Cursor  *mailbox.Cursor
	Node    *uint16
}

// ParseConnectQuery validates the connect parameters. seq without after
// is rejected.
func ParseConnectQuery(v url.Values) (*ConnectQuery, error) {
	q := &ConnectQuery{}

	raw := v.Get("mailbox")
	if raw == "" {
		return nil, fmt.Errorf("mailbox is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid mailbox %q: %w", raw, err)
	}
	q.Mailbox = id

	if raw := v.Get("token"); raw != "" {
		token, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid token: %w", err)
		}
		q.Token = &token
	}

	cursor, err := parseCursor(v)
	if err != nil {
		return nil, err
	}
	q.Cursor = cursor

	if raw := v.Get("node"); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid node %q: %w", raw, err)
		}
		node := uint16(n)
		q.Node = &node
	}
	return q, nil
}

// parseCursor reads the after/seq replay cursor shared by the WebSocket and
// HTTP replay endpoints.
func parseCursor(v url.Values) (*mailbox.Cursor, error) {
	after, seq := v.Get("after"), v.Get("seq")
	if after == "" {
		if seq != "" {
			return nil, fmt.Errorf("seq requires after")
		}
		return nil, nil
	}
	ts, err := strconv.ParseInt(after, 10, 64)
	if err != nil || ts < 0 {
		return nil, fmt.Errorf("invalid after %q", after)
	}
	cursor := &mailbox.Cursor{Timestamp: ts}
	if seq != "" {
		n, err := strconv.ParseUint(seq, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid seq %q: %w", seq, err)
		}
		s := uint16(n)
		cursor.Seq = &s
	}
	return cursor, nil
}

// rejection is a session error delivered to the client as an ERROR frame.
type rejection struct {
	code   string
	reason string
}

func (r *rejection) Error() string {
	return r.code + ": " + r.reason
}

func reject(code, format string, args ...any) *rejection {
	return &rejection{code: code, reason: fmt.Sprintf(format, args...)}
}

// session is one WebSocket connection following a mailbox.
type session struct {
	srv     *Server
	conn    *websocket.Conn
	mailbox uuid.UUID
	userID  uuid.UUID // uuid.Nil for anonymous sessions
	log     *log.Logger

	writeMu sync.Mutex
}

// HandleConnect upgrades the request and runs the session until the client
// goes away, a loop fails or the server shuts down.
func (s *Server) HandleConnect(w http.ResponseWriter, r *http.Request) {
	if !s.track() {
		s.writeError(w, http.StatusServiceUnavailable, "Shutting down", "server is shutting down")
		return
	}
	defer s.untrack()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error.
		sessionLogger.Warnf("upgrade failed: %v", err)
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxFrameSize)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stop := context.AfterFunc(s.ctx, cancel)
	defer stop()

	sess := &session{srv: s, conn: conn, log: sessionLogger}
	start := time.Now()

	err = sess.run(ctx, r)
	var rej *rejection
	if errors.As(err, &rej) {
		sess.log.Infof("rejected: %v", rej)
		sess.writeError(rej)
		sess.close(websocket.ClosePolicyViolation, rej.code)
		return
	}
	if err != nil {
		sess.log.Infof("closed after %v: %v", time.Since(start).Round(time.Millisecond), err)
		return
	}
	sess.log.Infof("closed after %v", time.Since(start).Round(time.Millisecond))
}

func (sess *session) run(ctx context.Context, r *http.Request) error {
	q, err := ParseConnectQuery(r.URL.Query())
	if err != nil {
		return reject(event.CodeBadRequest, "%v", err)
	}
	sess.mailbox = q.Mailbox
	sess.log = sessionLogger.With("mailbox", q.Mailbox)

	if err := sess.authorize(ctx, r, q); err != nil {
		return err
	}
	return sess.stream(ctx, q)
}

func (sess *session) authorize(ctx context.Context, r *http.Request, q *ConnectQuery) error {
	srv := sess.srv

	session, err := srv.resolve(r)
	if err != nil {
		return reject(event.CodeNoPermission, "%v", err)
	}
	if session != nil {
		sess.userID = session.UserID
	} else if q.Token != nil {
		userID, ok := srv.tokens.Redeem(*q.Token)
		if !ok {
			return reject(event.CodeNoPermission, "token is invalid or expired")
		}
		sess.userID = userID
	}

	space, err := srv.spaces.Space(ctx, q.Mailbox)
	if errors.Is(err, storage.ErrNotFound) {
		return reject(event.CodeNotFound, "space %s not found", q.Mailbox)
	}
	if err != nil {
		sess.log.Errorf("loading space: %v", err)
		return reject(event.CodeUnexpected, "failed to load space")
	}
	if !space.RequiresMembership() {
		return nil
	}
	if sess.userID == uuid.Nil {
		return reject(event.CodeNoPermission, "space %s requires membership", q.Mailbox)
	}
	membership, err := srv.spaces.Membership(ctx, q.Mailbox, sess.userID)
	if err != nil {
		sess.log.Errorf("checking membership: %v", err)
		return reject(event.CodeUnexpected, "failed to check membership")
	}
	if !membership.IsMember {
		return reject(event.CodeNoPermission, "user is not a member of space %s", q.Mailbox)
	}
	return nil
}

func (sess *session) stream(ctx context.Context, q *ConnectQuery) error {
	srv := sess.srv

	// Subscribe before replaying so nothing published in between is lost.
	// Cached events already replayed are dropped by id in push.
	sub := srv.hub.Subscribe(sess.mailbox)
	defer sub.Close()

	if sess.userID != uuid.Nil {
		sess.log = sess.log.With("user", sess.userID)
		if err := srv.presence.Connect(ctx, sess.mailbox, sess.userID); err != nil {
			sess.log.Warnf("marking online: %v", err)
		}
		defer sess.finalize()
	}

	if err := sess.writeBody(&event.AppInfo{Version: version.APIVersion(), Node: srv.node}); err != nil {
		return fmt.Errorf("sending app info: %w", err)
	}

	var last *eventid.ID
	backlog := srv.mailbox.Replay(sess.mailbox, q.Cursor)
	for _, e := range backlog {
		if err := sess.writeText(e.Data); err != nil {
			return fmt.Errorf("replaying: %w", err)
		}
		id := e.ID
		last = &id
	}
	if err := sess.writeBody(&event.Initialized{}); err != nil {
		return fmt.Errorf("sending initialized: %w", err)
	}
	sess.log.Debugf("replayed %d events", len(backlog))

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errs := make(chan error, 3)
	go func() { errs <- sess.push(ctx, sub, last) }()
	go func() { errs <- sess.heartbeat(ctx) }()
	go func() { errs <- sess.read(ctx) }()

	// The first loop to exit ends the session. Closing the connection
	// unblocks the reader.
	err := <-errs
	cancel()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	if srv.ctx.Err() != nil {
		sess.close(websocket.CloseGoingAway, "server shutting down")
	} else {
		sess.close(websocket.CloseNormalClosure, "")
	}
	<-errs
	<-errs
	return err
}

// finalize marks the user offline. It runs on every exit path once the
// session is streaming.
func (sess *session) finalize() {
	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()
	if err := sess.srv.presence.Disconnect(ctx, sess.mailbox, sess.userID); err != nil {
		sess.log.Warnf("marking offline: %v", err)
	}
}

func (sess *session) push(ctx context.Context, sub *realtime.Subscription, last *eventid.ID) error {
	for {
		e, err := sub.Recv(ctx)
		var lagged *realtime.LaggedError
		if errors.As(err, &lagged) {
			sess.log.Warnf("lagged behind broadcast: %v", lagged)
			continue
		}
		if err != nil {
			return err
		}
		// A cached event at or below the replay point was either replayed
		// or superseded in the cache. Transient events are never replayed.
		if last != nil && !last.Less(e.ID) && mailbox.Cached(e.Kind) {
			continue
		}
		if err := sess.writeText(e.Data); err != nil {
			return fmt.Errorf("pushing %s: %w", e.Kind, err)
		}
	}
}

func (sess *session) heartbeat(ctx context.Context) error {
	ticker := time.NewTicker(sess.srv.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := sess.writeText([]byte(HeartbeatFrame)); err != nil {
				return fmt.Errorf("heartbeat: %w", err)
			}
		}
	}
}

func (sess *session) read(ctx context.Context) error {
	for {
		if err := sess.conn.SetReadDeadline(time.Now().Add(sess.srv.readTimeout)); err != nil {
			return err
		}
		msgType, data, err := sess.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("reading: %w", err)
		}
		if msgType != websocket.TextMessage {
			continue
		}
		if string(data) == PongFrame {
			continue
		}
		sess.dispatch(ctx, data)
	}
}

// dispatch handles one client event. Failures are logged; the session goes
// on.
func (sess *session) dispatch(ctx context.Context, data []byte) {
	ce, err := event.ParseClientEvent(data)
	if err != nil {
		sess.log.Warnf("ignoring client frame: %v", err)
		return
	}
	if sess.userID == uuid.Nil {
		sess.log.Debugf("ignoring %s from anonymous session", ce.Type)
		return
	}

	srv := sess.srv
	switch ce.Type {
	case event.ClientPreview:
		err = srv.messages.HandlePreview(ctx, sess.mailbox, sess.userID, ce.Preview)
	case event.ClientStatus:
		err = srv.presence.Update(ctx, sess.mailbox, sess.userID, ce.Kind, ce.Focus)
	}
	if err != nil && ctx.Err() == nil {
		sess.log.Warnf("handling %s: %v", ce.Type, err)
	}
}

func (sess *session) writeText(data []byte) error {
	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()
	if err := sess.conn.SetWriteDeadline(time.Now().Add(sess.srv.writeTimeout)); err != nil {
		return err
	}
	return sess.conn.WriteMessage(websocket.TextMessage, data)
}

// writeBody sends a frame that only this session sees. It is not cached or
// broadcast.
func (sess *session) writeBody(body event.Body) error {
	encoded, err := event.Encode(&event.Event{Mailbox: sess.mailbox, ID: sess.srv.ids.Next(), Body: body})
	if err != nil {
		return err
	}
	return sess.writeText(encoded.Data)
}

func (sess *session) writeError(rej *rejection) {
	if err := sess.writeBody(&event.Error{Code: rej.code, Reason: rej.reason}); err != nil {
		sess.log.Debugf("sending error frame: %v", err)
	}
}

func (sess *session) close(code int, text string) {
	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()
	deadline := time.Now().Add(time.Second)
	_ = sess.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), deadline)
	_ = sess.conn.Close()
}
