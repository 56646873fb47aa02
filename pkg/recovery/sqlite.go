package recovery

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultPurgeSchedule runs the expired-record janitor every five minutes.
const DefaultPurgeSchedule = "@every 5m"

// SQLiteConfig configures a SQLiteStore.
type SQLiteConfig struct {
	// DBPath is the database file. Required.
	DBPath string
	// PurgeSchedule is a robfig/cron spec for the janitor. Empty uses
	// DefaultPurgeSchedule; "-" disables it.
	PurgeSchedule string
	Logger        *zerolog.Logger
}

// SQLiteStore is a Store backed by a local SQLite database. Expired rows are
// hidden from Get immediately and removed by a cron janitor.
type SQLiteStore struct {
	db     *sql.DB
	cron   *cron.Cron
	logger zerolog.Logger
	now    func() time.Time
}

// NewSQLiteStore opens (or creates) the database and starts the janitor.
func NewSQLiteStore(cfg SQLiteConfig) (*SQLiteStore, error) {
	if cfg.DBPath == "" {
		return nil, errors.New("database path is required")
	}

	db, err := sql.Open("sqlite3", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger.With().Str("component", "recovery_sqlite").Logger(),
		now:    time.Now,
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	schedule := cfg.PurgeSchedule
	if schedule == "" {
		schedule = DefaultPurgeSchedule
	}
	if schedule != "-" {
		s.cron = cron.New()
		if _, err := s.cron.AddFunc(schedule, s.purgeJob); err != nil {
			db.Close()
			return nil, fmt.Errorf("invalid purge schedule: %w", err)
		}
		s.cron.Start()
	}

	s.logger.Info().Str("path", cfg.DBPath).Msg("Recovery store initialized")
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS recovery_records (
			key TEXT PRIMARY KEY,
			value BLOB NOT NULL,
			expires_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_recovery_expires ON recovery_records(expires_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// expires_at of 0 means no expiry
func (s *SQLiteStore) expiry(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return s.now().Add(ttl).UnixMilli()
}

func (s *SQLiteStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO recovery_records (key, value, expires_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			expires_at = excluded.expires_at,
			updated_at = excluded.updated_at
	`, key, value, s.expiry(ttl), s.now().UnixMilli())
	if err != nil {
		return fmt.Errorf("failed to store recovery key: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT value FROM recovery_records
		WHERE key = ? AND (expires_at = 0 OR expires_at > ?)
	`, key, s.now().UnixMilli()).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load recovery key: %w", err)
	}
	return value, nil
}

func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM recovery_records WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete recovery key: %w", err)
	}
	return nil
}

// Purge deletes expired rows and returns how many were removed.
func (s *SQLiteStore) Purge(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM recovery_records WHERE expires_at != 0 AND expires_at <= ?
	`, s.now().UnixMilli())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) purgeJob() {
	n, err := s.Purge(context.Background())
	if err != nil {
		s.logger.Warn().Err(err).Msg("Recovery purge failed")
		return
	}
	if n > 0 {
		s.logger.Debug().Int64("removed", n).Msg("Expired recovery records purged")
	}
}

// Close stops the janitor and closes the database.
func (s *SQLiteStore) Close() error {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	return s.db.Close()
}
