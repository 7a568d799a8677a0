package stores

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	cfg    Config
	logger zerolog.Logger
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration

	// Logger overrides the global logger. Optional.
	Logger *zerolog.Logger
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 4
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 2
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	// Every connection to :memory: opens its own empty database.
	if isMemory(cfg.Path) {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	return &SQLiteStore{
		cfg:    cfg,
		logger: logger.With().Str("component", "stores").Logger(),
	}, nil
}

func isMemory(path string) bool {
	return path == ":memory:" || strings.Contains(path, "mode=memory")
}

// Init opens the database connection and enables WAL mode for file databases.
func (s *SQLiteStore) Init(ctx context.Context) error {
	sep := "?"
	if strings.Contains(s.cfg.Path, "?") {
		sep = "&"
	}
	dsn := s.cfg.Path + sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_txlock=immediate"
	if !isMemory(s.cfg.Path) {
		dsn += "&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	s.logger.Debug().Str("path", s.cfg.Path).Msg("store opened")
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	// Create migration source from embedded FS
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	// Create database driver
	driver, err := sqlite3.WithInstance(s.db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	// Create migration instance
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	// Run migrations
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// GetHostKeys returns the trusted keys of host, one per key type.
func (s *SQLiteStore) GetHostKeys(ctx context.Context, host string) ([]*HostKey, error) {
	query := `
		SELECT host, key_type, fingerprint, key, first_seen, last_seen
		FROM host_keys
		WHERE host = ?
		ORDER BY key_type
	`

	rows, err := s.db.QueryContext(ctx, query, host)
	if err != nil {
		return nil, fmt.Errorf("failed to get host keys: %w", err)
	}
	return scanHostKeys(rows)
}

// TrustHostKey records key as trusted, replacing any key of the same type
// for the host.
func (s *SQLiteStore) TrustHostKey(ctx context.Context, key *HostKey) error {
	query := `
		INSERT INTO host_keys (host, key_type, fingerprint, key, first_seen, last_seen)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(host, key_type) DO UPDATE SET
			fingerprint = excluded.fingerprint,
			key = excluded.key,
			first_seen = excluded.first_seen,
			last_seen = excluded.last_seen
	`

	_, err := s.db.ExecContext(ctx, query,
		key.Host,
		key.KeyType,
		key.Fingerprint,
		key.Key,
		key.FirstSeen.UTC(),
		key.LastSeen.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to trust host key: %w", err)
	}

	return nil
}

// TouchHostKey updates the last time a trusted key was presented.
func (s *SQLiteStore) TouchHostKey(ctx context.Context, host, keyType string, seen time.Time) error {
	query := `UPDATE host_keys SET last_seen = ? WHERE host = ? AND key_type = ?`

	result, err := s.db.ExecContext(ctx, query, seen.UTC(), host, keyType)
	if err != nil {
		return fmt.Errorf("failed to touch host key: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("host key %s %s: %w", host, keyType, ErrNotFound)
	}

	return nil
}

// ListHostKeys lists every trusted key ordered by host.
func (s *SQLiteStore) ListHostKeys(ctx context.Context) ([]*HostKey, error) {
	query := `
		SELECT host, key_type, fingerprint, key, first_seen, last_seen
		FROM host_keys
		ORDER BY host, key_type
	`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list host keys: %w", err)
	}
	return scanHostKeys(rows)
}

// RemoveHostKeys forgets every key of host and returns how many were removed.
func (s *SQLiteStore) RemoveHostKeys(ctx context.Context, host string) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM host_keys WHERE host = ?`, host)
	if err != nil {
		return 0, fmt.Errorf("failed to remove host keys: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}

	return rows, nil
}

func scanHostKeys(rows *sql.Rows) ([]*HostKey, error) {
	defer rows.Close()

	keys := []*HostKey{}
	for rows.Next() {
		key := &HostKey{}
		err := rows.Scan(
			&key.Host,
			&key.KeyType,
			&key.Fingerprint,
			&key.Key,
			&key.FirstSeen,
			&key.LastSeen,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan host key: %w", err)
		}
		keys = append(keys, key)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating host keys: %w", err)
	}

	return keys, nil
}

// StartSession records the start of a connect attempt.
func (s *SQLiteStore) StartSession(ctx context.Context, id, address, user string, startedAt time.Time) error {
	query := `
		INSERT INTO sessions (id, address, user, started_at)
		VALUES (?, ?, ?, ?)
	`

	if _, err := s.db.ExecContext(ctx, query, id, address, user, startedAt.UTC()); err != nil {
		return fmt.Errorf("failed to start session: %w", err)
	}

	return nil
}

// EndSession records how a session ended. An empty errText is stored as NULL.
func (s *SQLiteStore) EndSession(ctx context.Context, id string, endedAt time.Time, outcome, errText string) error {
	query := `
		UPDATE sessions
		SET ended_at = ?, outcome = ?, error = ?
		WHERE id = ?
	`

	var errValue *string
	if errText != "" {
		errValue = &errText
	}

	result, err := s.db.ExecContext(ctx, query, endedAt.UTC(), outcome, errValue, id)
	if err != nil {
		return fmt.Errorf("failed to end session: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("session %s: %w", id, ErrNotFound)
	}

	return nil
}

// GetSession retrieves a session by ID
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	query := `
		SELECT id, address, user, started_at, ended_at, outcome, error
		FROM sessions
		WHERE id = ?
	`

	session := &Session{}
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&session.ID,
		&session.Address,
		&session.User,
		&session.StartedAt,
		&session.EndedAt,
		&session.Outcome,
		&session.Error,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	return session, nil
}

// ListSessions lists sessions newest first, optionally for one address.
func (s *SQLiteStore) ListSessions(ctx context.Context, address *string, limit, offset int) ([]*Session, error) {
	query := `
		SELECT id, address, user, started_at, ended_at, outcome, error
		FROM sessions
		WHERE (? IS NULL OR address = ?)
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, address, address, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	sessions := []*Session{}
	for rows.Next() {
		session := &Session{}
		err := rows.Scan(
			&session.ID,
			&session.Address,
			&session.User,
			&session.StartedAt,
			&session.EndedAt,
			&session.Outcome,
			&session.Error,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, session)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}

	return sessions, nil
}

// PruneSessions deletes sessions started before the given time.
func (s *SQLiteStore) PruneSessions(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE started_at < ?`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune sessions: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}

	if rows > 0 {
		s.logger.Info().Int64("sessions", rows).Msg("pruned session history")
	}
	return rows, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}
