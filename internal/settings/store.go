// Package settings persists per-(user, guild) transcription preferences,
// most importantly the display name used to label a user's lines in
// emitted transcripts.
//
// The store is a keyed upsert: at most one record exists per
// (user_id, guild_id), writes to an existing key update transcribe_name
// and updated_at while preserving created_at. Records are never deleted by
// the pipeline itself.
package settings

import (
	"context"
	"errors"
	"time"
)

// ErrStorageUnavailable indicates the backing store cannot be reached.
// Transcription callers must treat this as non-fatal and fall back to a
// default label; explicit preference-change requests must surface it.
var ErrStorageUnavailable = errors.New("settings: storage unavailable")

// UserSetting is one stored preference record.
type UserSetting struct {
	UserID  string
	GuildID string

	// TranscribeName is the display label for transcript lines. Empty means
	// the user never chose one and the caller should fall back to a
	// platform-provided name.
	TranscribeName string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store is the persistence contract for user settings. Implementations
// must be safe for concurrent use; Upsert must be atomic per key.
type Store interface {
	// Get returns the setting for (userID, guildID), or (nil, nil) when no
	// record exists.
	Get(ctx context.Context, userID, guildID string) (*UserSetting, error)

	// Upsert creates or updates the record for (userID, guildID). Always
	// advances updated_at; preserves created_at on update. Idempotent for
	// identical input apart from the timestamp.
	Upsert(ctx context.Context, userID, guildID, transcribeName string) (*UserSetting, error)
}
