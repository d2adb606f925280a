package settings

import (
	"context"
	"sync"
	"time"
)

// MemStore is an in-memory [Store] for tests and database-less dev runs.
// Safe for concurrent use.
type MemStore struct {
	mu      sync.RWMutex
	records map[key]UserSetting
}

type key struct {
	userID  string
	guildID string
}

// Compile-time interface check.
var _ Store = (*MemStore)(nil)

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{records: make(map[key]UserSetting)}
}

// Get returns a copy of the stored setting, or (nil, nil) when absent.
func (m *MemStore) Get(_ context.Context, userID, guildID string) (*UserSetting, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	us, ok := m.records[key{userID, guildID}]
	if !ok {
		return nil, nil
	}
	return &us, nil
}

// Upsert creates or updates the record, preserving CreatedAt on update.
func (m *MemStore) Upsert(_ context.Context, userID, guildID, transcribeName string) (*UserSetting, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	k := key{userID, guildID}

	us, ok := m.records[k]
	if !ok {
		us = UserSetting{
			UserID:    userID,
			GuildID:   guildID,
			CreatedAt: now,
		}
	}
	us.TranscribeName = transcribeName
	us.UpdatedAt = now
	m.records[k] = us

	return &us, nil
}

// Len reports the number of stored records.
func (m *MemStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}
