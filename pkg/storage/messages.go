package storage

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/rubiojr/tavern/pkg/model"
	"github.com/rubiojr/tavern/pkg/position"
)

const messageColumns = `id, space_id, channel_id, sender_id, name, text, is_action, pos_p, pos_q, pos, created, modified`

func scanMessage(row interface{ Scan(...any) error }) (*model.Message, error) {
	var (
		m                 model.Message
		created, modified int64
	)
	err := row.Scan(&m.ID, &m.SpaceID, &m.ChannelID, &m.SenderID, &m.Name, &m.Text, &m.IsAction,
		&m.PosP, &m.PosQ, &m.Pos, &created, &modified)
	if err != nil {
		return nil, err
	}
	m.Created = fromMillis(created)
	m.Modified = fromMillis(modified)
	return &m, nil
}

// posSlack bounds the relative error of the pos column against p/q.
const posSlack = 1e-12

// MaxPosition returns the key of the last message in a channel. The float
// pos column only narrows the candidates; the winner is picked by comparing
// keys exactly, since distinct keys past 2^53 can share a float.
func (s *SQLStore) MaxPosition(ctx context.Context, channelID uuid.UUID) (int64, int64, bool, error) {
	var top sql.NullFloat64
	err := s.queryRow(ctx, func(row *sql.Row) error {
		return row.Scan(&top)
	}, `SELECT MAX(pos) FROM messages WHERE channel_id = ?`, channelID)
	if err != nil {
		return 0, 0, false, fmt.Errorf("loading max position: %w", err)
	}
	if !top.Valid {
		return 0, 0, false, nil
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(`
		SELECT pos_p, pos_q FROM messages WHERE channel_id = ? AND pos >= ?`),
		channelID, top.Float64-math.Abs(top.Float64)*posSlack)
	if err != nil {
		return 0, 0, false, fmt.Errorf("loading max position: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			logger.Warnf("failed to close rows: %v", err)
		}
	}()

	var best position.Rational
	found := false
	for rows.Next() {
		var k position.Rational
		if err := rows.Scan(&k.P, &k.Q); err != nil {
			return 0, 0, false, fmt.Errorf("scanning position: %w", err)
		}
		if !found || best.Less(k) {
			best, found = k, true
		}
	}
	if err := rows.Err(); err != nil {
		return 0, 0, false, fmt.Errorf("loading max position: %w", err)
	}
	return best.P, best.Q, found, nil
}

// InsertMessage stores m. A taken key yields ErrPositionConflict.
func (s *SQLStore) InsertMessage(ctx context.Context, m *model.Message) error {
	now := time.Now()
	if m.Created.IsZero() {
		m.Created = now
	}
	if m.Modified.IsZero() {
		m.Modified = m.Created
	}
	_, err := s.exec(ctx, `INSERT INTO messages (`+messageColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.SpaceID, m.ChannelID, m.SenderID, m.Name, m.Text, m.IsAction,
		m.PosP, m.PosQ, m.Pos, millis(m.Created), millis(m.Modified))
	if isUniqueViolation(err) {
		return fmt.Errorf("inserting message at %d/%d: %w", m.PosP, m.PosQ, ErrPositionConflict)
	}
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}
	return nil
}

func (s *SQLStore) GetMessage(ctx context.Context, id uuid.UUID) (*model.Message, error) {
	var m *model.Message
	err := s.queryRow(ctx, func(row *sql.Row) error {
		var err error
		m, err = scanMessage(row)
		return err
	}, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("loading message %s: %w", id, err)
	}
	return m, nil
}

// UpdateMessage rewrites the content of a message.
func (s *SQLStore) UpdateMessage(ctx context.Context, id uuid.UUID, name, text string, isAction bool) (*model.Message, error) {
	res, err := s.exec(ctx, `UPDATE messages SET name = ?, text = ?, is_action = ?, modified = ? WHERE id = ?`,
		name, text, isAction, time.Now().UnixMilli(), id)
	if err != nil {
		return nil, fmt.Errorf("updating message %s: %w", id, err)
	}
	if err := expectRow(res); err != nil {
		return nil, fmt.Errorf("updating message %s: %w", id, err)
	}
	return s.GetMessage(ctx, id)
}

// MoveMessage gives a message a new key. A taken key yields
// ErrPositionConflict.
func (s *SQLStore) MoveMessage(ctx context.Context, id uuid.UUID, p, q int64) (*model.Message, error) {
	res, err := s.exec(ctx, `UPDATE messages SET pos_p = ?, pos_q = ?, pos = ?, modified = ? WHERE id = ?`,
		p, q, float64(p)/float64(q), time.Now().UnixMilli(), id)
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("moving message to %d/%d: %w", p, q, ErrPositionConflict)
	}
	if err != nil {
		return nil, fmt.Errorf("moving message %s: %w", id, err)
	}
	if err := expectRow(res); err != nil {
		return nil, fmt.Errorf("moving message %s: %w", id, err)
	}
	return s.GetMessage(ctx, id)
}

// DeleteMessage removes a message and returns what was removed.
func (s *SQLStore) DeleteMessage(ctx context.Context, id uuid.UUID) (*model.Message, error) {
	m, err := s.GetMessage(ctx, id)
	if err != nil {
		return nil, err
	}
	res, err := s.exec(ctx, `DELETE FROM messages WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("deleting message %s: %w", id, err)
	}
	if err := expectRow(res); err != nil {
		return nil, fmt.Errorf("deleting message %s: %w", id, err)
	}
	return m, nil
}

func expectRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
