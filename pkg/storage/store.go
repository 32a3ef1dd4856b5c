// Package storage is the durable store behind tavern: spaces, channels,
// memberships and messages. SQLite (ncruces/go-sqlite3) and PostgreSQL
// (lib/pq) share one implementation; only placeholders and constraint
// error detection differ.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/rubiojr/tavern/pkg/db"
	"github.com/rubiojr/tavern/pkg/log"
	"github.com/rubiojr/tavern/pkg/model"
)

var logger = log.ForService("storage")

const operationTimeout = 5 * time.Second

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrPositionConflict is returned when a message key (channel, p, q) is
	// already taken.
	ErrPositionConflict = errors.New("position already taken")
	// ErrAlreadyMember is returned when adding an existing membership.
	ErrAlreadyMember = errors.New("already a member")
)

// Store is the durable store boundary.
type Store interface {
	Space(ctx context.Context, id uuid.UUID) (*model.Space, error)
	Channel(ctx context.Context, id uuid.UUID) (*model.Channel, error)
	SpaceMember(ctx context.Context, userID, spaceID uuid.UUID) (*model.SpaceMember, error)
	ChannelMember(ctx context.Context, userID, channelID uuid.UUID) (*model.ChannelMember, error)
	ChannelMembers(ctx context.Context, channelID uuid.UUID) ([]model.ChannelMember, error)

	MaxPosition(ctx context.Context, channelID uuid.UUID) (p, q int64, ok bool, err error)
	InsertMessage(ctx context.Context, m *model.Message) error
	GetMessage(ctx context.Context, id uuid.UUID) (*model.Message, error)
	UpdateMessage(ctx context.Context, id uuid.UUID, name, text string, isAction bool) (*model.Message, error)
	MoveMessage(ctx context.Context, id uuid.UUID, p, q int64) (*model.Message, error)
	DeleteMessage(ctx context.Context, id uuid.UUID) (*model.Message, error)

	CreateSpace(ctx context.Context, s *model.Space) error
	CreateChannel(ctx context.Context, c *model.Channel) error
	AddSpaceMember(ctx context.Context, m *model.SpaceMember) error
	AddChannelMember(ctx context.Context, m *model.ChannelMember) error

	Close() error
}

// SQLStore implements Store over database/sql.
type SQLStore struct {
	db      *sql.DB
	dialect db.Dialect
}

var _ Store = (*SQLStore)(nil)

// Open picks the backend from dsn: postgres:// and postgresql:// URLs go
// to PostgreSQL, anything else is a SQLite file path. The schema is
// migrated before Open returns.
func Open(dsn string) (*SQLStore, error) {
	conn, dialect, err := OpenDB(dsn)
	if err != nil {
		return nil, err
	}
	return newSQLStore(conn, dialect)
}

// OpenDB connects to dsn without touching the schema. The migrate command
// uses it to report pending migrations.
func OpenDB(dsn string) (*sql.DB, db.Dialect, error) {
	if IsPostgresDSN(dsn) {
		conn, err := connectPostgres(dsn)
		return conn, db.Postgres, err
	}
	conn, err := connectSQLite(dsn)
	return conn, db.SQLite, err
}

// IsPostgresDSN reports whether dsn names a PostgreSQL database.
func IsPostgresDSN(dsn string) bool {
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")
}

// OpenSQLite opens (and migrates) the SQLite database at path.
func OpenSQLite(path string) (*SQLStore, error) {
	conn, err := connectSQLite(path)
	if err != nil {
		return nil, err
	}
	return newSQLStore(conn, db.SQLite)
}

func connectSQLite(path string) (*sql.DB, error) {
	conn, err := sql.Open("sqlite3", sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA cache_size = -64000", // 64MB cache
		"PRAGMA temp_store = memory",
	}
	for _, pragma := range pragmas {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("applying pragma %q: %w", pragma, err)
		}
	}
	return conn, nil
}

// sqliteDSN turns a plain path into a URI carrying the per-connection
// pragmas, so every pooled connection gets them.
func sqliteDSN(path string) string {
	if strings.HasPrefix(path, "file:") {
		return path
	}
	return "file:" + path +
		"?_pragma=busy_timeout(30000)" +
		"&_pragma=foreign_keys(1)" +
		"&_pragma=synchronous(normal)"
}

// OpenPostgres connects to (and migrates) the PostgreSQL database at dsn.
func OpenPostgres(dsn string) (*SQLStore, error) {
	conn, err := connectPostgres(dsn)
	if err != nil {
		return nil, err
	}
	return newSQLStore(conn, db.Postgres)
}

func connectPostgres(dsn string) (*sql.DB, error) {
	conn, err := sql.Open("postgres", strings.TrimSpace(dsn))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	return conn, nil
}

func newSQLStore(conn *sql.DB, dialect db.Dialect) (*SQLStore, error) {
	if err := db.InitializeDatabase(conn, dialect); err != nil {
		conn.Close()
		return nil, err
	}
	logger.Debugf("opened %s store", dialect)
	return &SQLStore{db: conn, dialect: dialect}, nil
}

// DB returns the underlying connection pool.
func (s *SQLStore) DB() *sql.DB { return s.db }

// Dialect returns the SQL flavour of the store.
func (s *SQLStore) Dialect() db.Dialect { return s.dialect }

func (s *SQLStore) Close() error {
	return s.db.Close()
}

// opContext bounds a single store operation.
func (s *SQLStore) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, operationTimeout)
}

func (s *SQLStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	return s.db.ExecContext(ctx, s.dialect.Rebind(query), args...)
}

// queryRow runs query and scans its single row with scan.
func (s *SQLStore) queryRow(ctx context.Context, scan func(*sql.Row) error, query string, args ...any) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	err := scan(s.db.QueryRowContext(ctx, s.dialect.Rebind(query), args...))
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// isUniqueViolation detects unique constraint failures of either backend.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, sqlite3.CONSTRAINT_UNIQUE) || errors.Is(err, sqlite3.CONSTRAINT_PRIMARYKEY) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
