package settings

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Schema is the SQL DDL for the user_settings table. Execute it via
// [PostgresStore.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS user_settings (
    user_id         TEXT NOT NULL,
    guild_id        TEXT NOT NULL,
    transcribe_name TEXT NOT NULL DEFAULT '',
    created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (user_id, guild_id)
);
CREATE INDEX IF NOT EXISTS idx_user_settings_guild ON user_settings(guild_id);
`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore is a [Store] backed by a PostgreSQL database.
type PostgresStore struct {
	db DB
}

// Compile-time interface check.
var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a [PostgresStore] using the given connection or
// pool. Call [PostgresStore.Migrate] to ensure the schema exists before
// issuing queries.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate executes the [Schema] DDL, creating the user_settings table and
// index if they do not already exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("settings: migrate: %w", unavailable(err))
	}
	return nil
}

// Get retrieves the setting for (userID, guildID). Returns (nil, nil) when
// no record exists.
func (s *PostgresStore) Get(ctx context.Context, userID, guildID string) (*UserSetting, error) {
	const query = `
		SELECT user_id, guild_id, transcribe_name, created_at, updated_at
		FROM user_settings
		WHERE user_id = $1 AND guild_id = $2`

	var us UserSetting
	err := s.db.QueryRow(ctx, query, userID, guildID).Scan(
		&us.UserID, &us.GuildID, &us.TranscribeName, &us.CreatedAt, &us.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("settings: get %s/%s: %w", userID, guildID, unavailable(err))
	}
	return &us, nil
}

// Upsert creates or updates the record for (userID, guildID). created_at
// is assigned by the database on first insert and preserved on update;
// updated_at always advances.
func (s *PostgresStore) Upsert(ctx context.Context, userID, guildID, transcribeName string) (*UserSetting, error) {
	const query = `
		INSERT INTO user_settings (user_id, guild_id, transcribe_name)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, guild_id) DO UPDATE SET
			transcribe_name = EXCLUDED.transcribe_name,
			updated_at = now()
		RETURNING created_at, updated_at`

	us := &UserSetting{
		UserID:         userID,
		GuildID:        guildID,
		TranscribeName: transcribeName,
	}
	err := s.db.QueryRow(ctx, query, userID, guildID, transcribeName).
		Scan(&us.CreatedAt, &us.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("settings: upsert %s/%s: %w", userID, guildID, unavailable(err))
	}
	return us, nil
}

// storageErr marks a driver error as matching [ErrStorageUnavailable]
// while preserving the underlying error chain for logs.
type storageErr struct{ err error }

func (e *storageErr) Error() string        { return e.err.Error() }
func (e *storageErr) Unwrap() error        { return e.err }
func (e *storageErr) Is(target error) bool { return target == ErrStorageUnavailable }

func unavailable(err error) error { return &storageErr{err: err} }
