package health_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/chorushq/chorus/internal/health"
)

func doReadyz(t *testing.T, h *health.Handler) (*http.Response, map[string]any) {
	t.Helper()
	mux := http.NewServeMux()
	h.Register(mux)

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)

	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decoding readyz body: %v", err)
	}
	return rec.Result(), body
}

func TestHealthzAlwaysOK(t *testing.T) {
	t.Parallel()

	h := health.New(health.Checker{
		Name:  "broken",
		Check: func(context.Context) error { return errors.New("down") },
	})
	mux := http.NewServeMux()
	h.Register(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("healthz status = %d, want 200 regardless of checks", rec.Code)
	}
}

func TestReadyzReflectsCheckers(t *testing.T) {
	t.Parallel()

	h := health.New(
		health.Checker{Name: "good", Check: func(context.Context) error { return nil }},
		health.Checker{Name: "bad", Check: func(context.Context) error { return errors.New("unreachable") }},
	)
	resp, body := doReadyz(t, h)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("readyz status = %d, want 503", resp.StatusCode)
	}
	if body["status"] != "fail" {
		t.Errorf("status = %v, want fail", body["status"])
	}
	checks := body["checks"].(map[string]any)
	if checks["good"] != "ok" {
		t.Errorf("good check = %v, want ok", checks["good"])
	}
}

func TestModelFileChecker(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	model := filepath.Join(dir, "ggml-base.bin")
	if err := os.WriteFile(model, []byte("weights"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := health.ModelFile(model).Check(context.Background()); err != nil {
		t.Errorf("existing model reported unhealthy: %v", err)
	}
	if err := health.ModelFile(filepath.Join(dir, "missing.bin")).Check(context.Background()); err == nil {
		t.Error("missing model reported healthy")
	}
	if err := health.ModelFile(dir).Check(context.Background()); err == nil {
		t.Error("directory path reported healthy")
	}
}

func TestRecordingsDirChecker(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	if err := health.RecordingsDir(dir).Check(context.Background()); err != nil {
		t.Errorf("existing dir reported unhealthy: %v", err)
	}
	if err := health.RecordingsDir(filepath.Join(dir, "nope")).Check(context.Background()); err == nil {
		t.Error("missing dir reported healthy")
	}
}

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

func TestDatabaseChecker(t *testing.T) {
	t.Parallel()

	if err := health.Database(fakePinger{}).Check(context.Background()); err != nil {
		t.Errorf("healthy db reported unhealthy: %v", err)
	}
	if err := health.Database(fakePinger{err: errors.New("refused")}).Check(context.Background()); err == nil {
		t.Error("failing db reported healthy")
	}
}
