package settings_test

import (
	"context"
	"testing"

	"github.com/chorushq/chorus/internal/settings"
)

func TestMemStore_GetMissing(t *testing.T) {
	t.Parallel()

	store := settings.NewMemStore()
	us, err := store.Get(context.Background(), "u1", "g1")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if us != nil {
		t.Fatalf("Get() = %+v, want nil for missing key", us)
	}
}

func TestMemStore_UpsertThenGet(t *testing.T) {
	t.Parallel()

	store := settings.NewMemStore()
	ctx := context.Background()

	written, err := store.Upsert(ctx, "u1", "g1", "Erik the Red")
	if err != nil {
		t.Fatalf("Upsert() error: %v", err)
	}
	if written.TranscribeName != "Erik the Red" {
		t.Errorf("TranscribeName = %q, want %q", written.TranscribeName, "Erik the Red")
	}
	if written.CreatedAt.IsZero() || written.UpdatedAt.IsZero() {
		t.Error("timestamps should be set on insert")
	}

	got, err := store.Get(ctx, "u1", "g1")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if got == nil || got.TranscribeName != "Erik the Red" {
		t.Fatalf("Get() = %+v, want the upserted record", got)
	}
}

func TestMemStore_UpsertPreservesCreatedAt(t *testing.T) {
	t.Parallel()

	store := settings.NewMemStore()
	ctx := context.Background()

	first, err := store.Upsert(ctx, "u1", "g1", "Erik")
	if err != nil {
		t.Fatalf("first Upsert() error: %v", err)
	}

	second, err := store.Upsert(ctx, "u1", "g1", "Erik")
	if err != nil {
		t.Fatalf("second Upsert() error: %v", err)
	}

	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Errorf("CreatedAt changed on upsert: %v → %v", first.CreatedAt, second.CreatedAt)
	}
	if second.UpdatedAt.Before(first.UpdatedAt) {
		t.Errorf("UpdatedAt went backwards: %v → %v", first.UpdatedAt, second.UpdatedAt)
	}
	if second.TranscribeName != "Erik" {
		t.Errorf("TranscribeName = %q, want %q", second.TranscribeName, "Erik")
	}
}

func TestMemStore_KeysAreIndependent(t *testing.T) {
	t.Parallel()

	store := settings.NewMemStore()
	ctx := context.Background()

	if _, err := store.Upsert(ctx, "u1", "g1", "Alpha"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Upsert(ctx, "u1", "g2", "Beta"); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Upsert(ctx, "u2", "g1", "Gamma"); err != nil {
		t.Fatal(err)
	}

	if store.Len() != 3 {
		t.Errorf("Len() = %d, want 3", store.Len())
	}

	got, err := store.Get(ctx, "u1", "g2")
	if err != nil {
		t.Fatal(err)
	}
	if got.TranscribeName != "Beta" {
		t.Errorf("TranscribeName = %q, want %q", got.TranscribeName, "Beta")
	}
}
