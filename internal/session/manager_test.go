package session_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/chorushq/chorus/internal/pool"
	"github.com/chorushq/chorus/internal/session"
	"github.com/chorushq/chorus/internal/settings"
	"github.com/chorushq/chorus/pkg/stt"
)

// memPublisher collects published lines.
type memPublisher struct {
	mu    sync.Mutex
	lines []session.Line
}

func (p *memPublisher) Publish(_ context.Context, line session.Line) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lines = append(p.lines, line)
	return nil
}

func (p *memPublisher) all() []session.Line {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]session.Line(nil), p.lines...)
}

// downStore simulates an unreachable settings database.
type downStore struct{}

func (downStore) Get(context.Context, string, string) (*settings.UserSetting, error) {
	return nil, fmt.Errorf("settings: get: %w", settings.ErrStorageUnavailable)
}

func (downStore) Upsert(context.Context, string, string, string) (*settings.UserSetting, error) {
	return nil, fmt.Errorf("settings: upsert: %w", settings.ErrStorageUnavailable)
}

func newManager(t *testing.T, store settings.Store, cfg session.Config) (*session.Manager, *memPublisher) {
	t.Helper()
	pub := &memPublisher{}
	m, err := session.New(store, func(stt.Segment) bool { return true }, pub, cfg)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(m.StopAll)
	return m, pub
}

func result(user string, seq uint64, text string) pool.Result {
	return pool.Result{
		Segment: stt.Segment{UserID: user, GuildID: "g1", Seq: seq},
		Res:     stt.Result{Text: text, Language: "en"},
	}
}

func TestStartStopLifecycle(t *testing.T) {
	t.Parallel()

	m, _ := newManager(t, settings.NewMemStore(), session.Config{})
	ctx := context.Background()

	if err := m.Start(ctx, "u1", "g1", "Alice"); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if !m.Active("u1", "g1") {
		t.Fatal("Active() = false after Start")
	}
	if err := m.Start(ctx, "u1", "g1", "Alice"); !errors.Is(err, session.ErrSessionAlreadyActive) {
		t.Fatalf("second Start() error = %v, want ErrSessionAlreadyActive", err)
	}
	if !m.Active("u1", "g1") {
		t.Fatal("failed Start tore down the existing session")
	}

	if err := m.Stop("u1", "g1"); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
	if m.Active("u1", "g1") {
		t.Fatal("Active() = true after Stop")
	}
	if err := m.Stop("u1", "g1"); !errors.Is(err, session.ErrNoActiveSession) {
		t.Fatalf("second Stop() error = %v, want ErrNoActiveSession", err)
	}

	// The pair can start again after a clean stop.
	if err := m.Start(ctx, "u1", "g1", "Alice"); err != nil {
		t.Fatalf("restart error: %v", err)
	}
}

func TestLabelComesFromStore(t *testing.T) {
	t.Parallel()

	store := settings.NewMemStore()
	ctx := context.Background()
	if _, err := store.Upsert(ctx, "u1", "g1", "The Narrator"); err != nil {
		t.Fatal(err)
	}

	m, pub := newManager(t, store, session.Config{})
	if err := m.Start(ctx, "u1", "g1", "fallback"); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	m.Deliver(result("u1", 0, "hello"))
	lines := pub.all()
	if len(lines) != 1 {
		t.Fatalf("published %d lines, want 1", len(lines))
	}
	if lines[0].Label != "The Narrator" {
		t.Errorf("Label = %q, want stored transcribe name", lines[0].Label)
	}
}

func TestLabelFallsBackWhenUnset(t *testing.T) {
	t.Parallel()

	m, pub := newManager(t, settings.NewMemStore(), session.Config{})
	ctx := context.Background()
	if err := m.Start(ctx, "u1", "g1", "PlatformName"); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	m.Deliver(result("u1", 0, "hi"))
	if lines := pub.all(); len(lines) != 1 || lines[0].Label != "PlatformName" {
		t.Fatalf("lines = %+v, want one line labelled PlatformName", lines)
	}
}

func TestStorageOutageDegradesToFallbackLabel(t *testing.T) {
	t.Parallel()

	m, pub := newManager(t, downStore{}, session.Config{})
	ctx := context.Background()

	if err := m.Start(ctx, "u1", "g1", "PlatformName"); err != nil {
		t.Fatalf("Start() must succeed with storage down, got: %v", err)
	}
	m.Deliver(result("u1", 0, "hi"))
	if lines := pub.all(); len(lines) != 1 || lines[0].Label != "PlatformName" {
		t.Fatalf("lines = %+v, want one line labelled PlatformName", lines)
	}
}

func TestResultsReleasedInSequenceOrder(t *testing.T) {
	t.Parallel()

	m, pub := newManager(t, settings.NewMemStore(), session.Config{})
	if err := m.Start(context.Background(), "u1", "g1", ""); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	m.Deliver(result("u1", 2, "third"))
	m.Deliver(result("u1", 0, "first"))
	if got := pub.all(); len(got) != 1 || got[0].Text != "first" {
		t.Fatalf("after seq 0: published %+v, want only %q", got, "first")
	}

	m.Deliver(result("u1", 1, "second"))
	got := pub.all()
	if len(got) != 3 {
		t.Fatalf("published %d lines, want 3", len(got))
	}
	for i, want := range []string{"first", "second", "third"} {
		if got[i].Text != want || got[i].Seq != uint64(i) {
			t.Errorf("line %d = (%q, seq %d), want (%q, seq %d)", i, got[i].Text, got[i].Seq, want, i)
		}
	}
}

func TestErrorResultOccupiesItsSequenceSlot(t *testing.T) {
	t.Parallel()

	m, pub := newManager(t, settings.NewMemStore(), session.Config{})
	if err := m.Start(context.Background(), "u1", "g1", ""); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	m.Deliver(result("u1", 1, "after the failure"))
	m.Deliver(pool.Result{
		Segment: stt.Segment{UserID: "u1", GuildID: "g1", Seq: 0},
		Err:     errors.New("segment timed out"),
	})

	got := pub.all()
	if len(got) != 2 {
		t.Fatalf("published %d lines, want 2", len(got))
	}
	if got[0].Err == nil || got[0].Seq != 0 {
		t.Errorf("line 0 = %+v, want an error marker at seq 0", got[0])
	}
	if got[1].Text != "after the failure" {
		t.Errorf("line 1 Text = %q, want %q", got[1].Text, "after the failure")
	}
}

func TestSessionsReorderIndependently(t *testing.T) {
	t.Parallel()

	m, pub := newManager(t, settings.NewMemStore(), session.Config{})
	ctx := context.Background()
	if err := m.Start(ctx, "a", "g1", ""); err != nil {
		t.Fatal(err)
	}
	if err := m.Start(ctx, "b", "g1", ""); err != nil {
		t.Fatal(err)
	}

	// a's seq 0 never arrives; b must not be held up by it.
	m.Deliver(result("a", 1, "a-second"))
	m.Deliver(result("b", 0, "b-first"))

	got := pub.all()
	if len(got) != 1 || got[0].UserID != "b" || got[0].Text != "b-first" {
		t.Fatalf("published %+v, want only b's seq 0", got)
	}
}

func TestResultsAfterStopAreDiscarded(t *testing.T) {
	t.Parallel()

	m, pub := newManager(t, settings.NewMemStore(), session.Config{})
	if err := m.Start(context.Background(), "u1", "g1", ""); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if err := m.Stop("u1", "g1"); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}

	m.Deliver(result("u1", 0, "late"))
	if got := pub.all(); len(got) != 0 {
		t.Fatalf("published %+v after stop, want nothing", got)
	}
}

func TestRefreshLabelUpdatesActiveSession(t *testing.T) {
	t.Parallel()

	store := settings.NewMemStore()
	m, pub := newManager(t, store, session.Config{})
	ctx := context.Background()

	if err := m.Start(ctx, "u1", "g1", "old"); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if _, err := store.Upsert(ctx, "u1", "g1", "Brand New Name"); err != nil {
		t.Fatal(err)
	}
	if err := m.RefreshLabel(ctx, "u1", "g1"); err != nil {
		t.Fatalf("RefreshLabel() error: %v", err)
	}

	m.Deliver(result("u1", 0, "hi"))
	if lines := pub.all(); len(lines) != 1 || lines[0].Label != "Brand New Name" {
		t.Fatalf("lines = %+v, want the refreshed label", lines)
	}

	if err := m.RefreshLabel(ctx, "nobody", "g1"); !errors.Is(err, session.ErrNoActiveSession) {
		t.Errorf("RefreshLabel for inactive pair = %v, want ErrNoActiveSession", err)
	}
}

func TestIdleSessionStopsItself(t *testing.T) {
	t.Parallel()

	m, _ := newManager(t, settings.NewMemStore(), session.Config{IdleTimeout: 50 * time.Millisecond})
	if err := m.Start(context.Background(), "u1", "g1", ""); err != nil {
		t.Fatalf("Start() error: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for m.Active("u1", "g1") {
		select {
		case <-deadline:
			t.Fatal("session never idled out")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if err := m.Stop("u1", "g1"); !errors.Is(err, session.ErrNoActiveSession) {
		t.Errorf("Stop() after idle timeout = %v, want ErrNoActiveSession", err)
	}
}

func TestStopGuildOnlyAffectsThatGuild(t *testing.T) {
	t.Parallel()

	m, _ := newManager(t, settings.NewMemStore(), session.Config{})
	ctx := context.Background()
	if err := m.Start(ctx, "u1", "g1", ""); err != nil {
		t.Fatal(err)
	}
	if err := m.Start(ctx, "u2", "g1", ""); err != nil {
		t.Fatal(err)
	}
	if err := m.Start(ctx, "u1", "g2", ""); err != nil {
		t.Fatal(err)
	}

	m.StopGuild("g1")
	if m.Active("u1", "g1") || m.Active("u2", "g1") {
		t.Error("g1 sessions survived StopGuild")
	}
	if !m.Active("u1", "g2") {
		t.Error("g2 session was stopped by StopGuild(g1)")
	}
	if got := m.ActiveCount(); got != 1 {
		t.Errorf("ActiveCount() = %d, want 1", got)
	}
}

func TestSessionEndHookFiresOnEveryStopPath(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	ended := make(map[string]int)
	hook := func(userID, guildID string) {
		mu.Lock()
		defer mu.Unlock()
		ended[userID+"/"+guildID]++
	}
	count := func(key string) int {
		mu.Lock()
		defer mu.Unlock()
		return ended[key]
	}

	pub := &memPublisher{}
	m, err := session.New(settings.NewMemStore(), func(stt.Segment) bool { return true }, pub,
		session.Config{IdleTimeout: 50 * time.Millisecond}, session.WithSessionEndHook(hook))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	t.Cleanup(m.StopAll)
	ctx := context.Background()

	// Explicit stop.
	if err := m.Start(ctx, "u1", "g1", ""); err != nil {
		t.Fatal(err)
	}
	if err := m.Stop("u1", "g1"); err != nil {
		t.Fatal(err)
	}
	if got := count("u1/g1"); got != 1 {
		t.Errorf("hook calls after Stop = %d, want 1", got)
	}

	// Guild-wide stop.
	if err := m.Start(ctx, "u2", "g2", ""); err != nil {
		t.Fatal(err)
	}
	m.StopGuild("g2")
	if got := count("u2/g2"); got != 1 {
		t.Errorf("hook calls after StopGuild = %d, want 1", got)
	}

	// Idle timeout.
	if err := m.Start(ctx, "u3", "g3", ""); err != nil {
		t.Fatal(err)
	}
	deadline := time.After(5 * time.Second)
	for count("u3/g3") == 0 {
		select {
		case <-deadline:
			t.Fatal("hook never fired after idle timeout")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// recorderSpy verifies recording hooks fire on the session lifecycle.
type recorderSpy struct {
	mu     sync.Mutex
	opens  int
	closes int
}

func (r *recorderSpy) Open(_, _ string) (session.SegmentRecorder, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.opens++
	return r, nil
}

func (r *recorderSpy) Write([]int16) error { return nil }

func (r *recorderSpy) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closes++
	return nil
}

func TestRecorderOpenedAndClosedWithSession(t *testing.T) {
	t.Parallel()

	spy := &recorderSpy{}
	pub := &memPublisher{}
	m, err := session.New(settings.NewMemStore(), func(stt.Segment) bool { return true }, pub,
		session.Config{}, session.WithRecorder(spy))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	if err := m.Start(context.Background(), "u1", "g1", ""); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if err := m.Stop("u1", "g1"); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}

	spy.mu.Lock()
	defer spy.mu.Unlock()
	if spy.opens != 1 || spy.closes != 1 {
		t.Errorf("recorder opens/closes = %d/%d, want 1/1", spy.opens, spy.closes)
	}
}
