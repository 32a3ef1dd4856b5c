package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rubiojr/tavern/pkg/model"
)

func (s *SQLStore) Space(ctx context.Context, id uuid.UUID) (*model.Space, error) {
	var (
		sp      model.Space
		created int64
	)
	err := s.queryRow(ctx, func(row *sql.Row) error {
		return row.Scan(&sp.ID, &sp.Name, &sp.OwnerID, &sp.IsPublic, &sp.AllowSpectator, &created)
	}, `SELECT id, name, owner_id, is_public, allow_spectator, created FROM spaces WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("loading space %s: %w", id, err)
	}
	sp.Created = fromMillis(created)
	return &sp, nil
}

func (s *SQLStore) Channel(ctx context.Context, id uuid.UUID) (*model.Channel, error) {
	var (
		ch      model.Channel
		created int64
	)
	err := s.queryRow(ctx, func(row *sql.Row) error {
		return row.Scan(&ch.ID, &ch.SpaceID, &ch.Name, &ch.IsPublic, &created)
	}, `SELECT id, space_id, name, is_public, created FROM channels WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("loading channel %s: %w", id, err)
	}
	ch.Created = fromMillis(created)
	return &ch, nil
}

// SpaceMember returns nil without error when the user is not a member.
func (s *SQLStore) SpaceMember(ctx context.Context, userID, spaceID uuid.UUID) (*model.SpaceMember, error) {
	var (
		m        model.SpaceMember
		joinDate int64
	)
	err := s.queryRow(ctx, func(row *sql.Row) error {
		return row.Scan(&m.UserID, &m.SpaceID, &m.IsAdmin, &joinDate)
	}, `SELECT user_id, space_id, is_admin, join_date FROM space_members WHERE user_id = ? AND space_id = ?`, userID, spaceID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading space member: %w", err)
	}
	m.JoinDate = fromMillis(joinDate)
	return &m, nil
}

// ChannelMember returns nil without error when the user is not a member.
func (s *SQLStore) ChannelMember(ctx context.Context, userID, channelID uuid.UUID) (*model.ChannelMember, error) {
	var (
		m        model.ChannelMember
		joinDate int64
	)
	err := s.queryRow(ctx, func(row *sql.Row) error {
		return row.Scan(&m.UserID, &m.ChannelID, &m.CharacterName, &m.IsMaster, &joinDate)
	}, `SELECT user_id, channel_id, character_name, is_master, join_date
		FROM channel_members WHERE user_id = ? AND channel_id = ?`, userID, channelID)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading channel member: %w", err)
	}
	m.JoinDate = fromMillis(joinDate)
	return &m, nil
}

func (s *SQLStore) ChannelMembers(ctx context.Context, channelID uuid.UUID) ([]model.ChannelMember, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(`
		SELECT user_id, channel_id, character_name, is_master, join_date
		FROM channel_members WHERE channel_id = ? ORDER BY join_date, user_id`), channelID)
	if err != nil {
		return nil, fmt.Errorf("querying channel members: %w", err)
	}
	defer func() {
		if err := rows.Close(); err != nil {
			logger.Warnf("failed to close rows: %v", err)
		}
	}()

	members := []model.ChannelMember{}
	for rows.Next() {
		var (
			m        model.ChannelMember
			joinDate int64
		)
		if err := rows.Scan(&m.UserID, &m.ChannelID, &m.CharacterName, &m.IsMaster, &joinDate); err != nil {
			return nil, fmt.Errorf("scanning channel member: %w", err)
		}
		m.JoinDate = fromMillis(joinDate)
		members = append(members, m)
	}
	return members, rows.Err()
}

func (s *SQLStore) CreateSpace(ctx context.Context, sp *model.Space) error {
	_, err := s.exec(ctx, `INSERT INTO spaces (id, name, owner_id, is_public, allow_spectator, created)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sp.ID, sp.Name, sp.OwnerID, sp.IsPublic, sp.AllowSpectator, millis(sp.Created))
	if err != nil {
		return fmt.Errorf("creating space %s: %w", sp.ID, err)
	}
	return nil
}

func (s *SQLStore) CreateChannel(ctx context.Context, ch *model.Channel) error {
	_, err := s.exec(ctx, `INSERT INTO channels (id, space_id, name, is_public, created) VALUES (?, ?, ?, ?, ?)`,
		ch.ID, ch.SpaceID, ch.Name, ch.IsPublic, millis(ch.Created))
	if err != nil {
		return fmt.Errorf("creating channel %s: %w", ch.ID, err)
	}
	return nil
}

func (s *SQLStore) AddSpaceMember(ctx context.Context, m *model.SpaceMember) error {
	_, err := s.exec(ctx, `INSERT INTO space_members (user_id, space_id, is_admin, join_date) VALUES (?, ?, ?, ?)`,
		m.UserID, m.SpaceID, m.IsAdmin, millis(m.JoinDate))
	if isUniqueViolation(err) {
		return fmt.Errorf("user %s in space %s: %w", m.UserID, m.SpaceID, ErrAlreadyMember)
	}
	if err != nil {
		return fmt.Errorf("adding space member: %w", err)
	}
	return nil
}

func (s *SQLStore) AddChannelMember(ctx context.Context, m *model.ChannelMember) error {
	_, err := s.exec(ctx, `INSERT INTO channel_members (user_id, channel_id, character_name, is_master, join_date)
		VALUES (?, ?, ?, ?, ?)`,
		m.UserID, m.ChannelID, m.CharacterName, m.IsMaster, millis(m.JoinDate))
	if isUniqueViolation(err) {
		return fmt.Errorf("user %s in channel %s: %w", m.UserID, m.ChannelID, ErrAlreadyMember)
	}
	if err != nil {
		return fmt.Errorf("adding channel member: %w", err)
	}
	return nil
}
