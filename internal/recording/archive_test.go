package recording_test

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/chorushq/chorus/internal/recording"
)

func fixedClock() time.Time {
	return time.Date(2026, 3, 14, 15, 9, 26, 0, time.UTC)
}

func TestArchiveWritesPlayableWAV(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	a, err := recording.NewArchive(dir, recording.WithClock(fixedClock))
	if err != nil {
		t.Fatalf("NewArchive() error: %v", err)
	}

	rec, err := a.Open("u1", "g1")
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}

	samples := []int16{0, 1000, -1000, 32767, -32768}
	if err := rec.Write(samples[:3]); err != nil {
		t.Fatalf("Write() error: %v", err)
	}
	if err := rec.Write(samples[3:]); err != nil {
		t.Fatalf("Write() error: %v", err)
	}
	if err := rec.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	path := filepath.Join(dir, "g1_20260314-150926", "u1.wav")
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading recording: %v", err)
	}

	wantData := uint32(len(samples) * 2)
	if len(raw) != 44+int(wantData) {
		t.Fatalf("file length = %d, want %d", len(raw), 44+wantData)
	}
	if string(raw[0:4]) != "RIFF" || string(raw[8:12]) != "WAVE" {
		t.Fatal("missing RIFF/WAVE magic")
	}
	if got := binary.LittleEndian.Uint32(raw[4:8]); got != 36+wantData {
		t.Errorf("RIFF chunk size = %d, want %d", got, 36+wantData)
	}
	if got := binary.LittleEndian.Uint16(raw[20:22]); got != 1 {
		t.Errorf("audio format = %d, want 1 (PCM)", got)
	}
	if got := binary.LittleEndian.Uint16(raw[22:24]); got != 1 {
		t.Errorf("channels = %d, want 1", got)
	}
	if got := binary.LittleEndian.Uint32(raw[24:28]); got != 16000 {
		t.Errorf("sample rate = %d, want 16000", got)
	}
	if got := binary.LittleEndian.Uint32(raw[28:32]); got != 32000 {
		t.Errorf("byte rate = %d, want 32000", got)
	}
	if got := binary.LittleEndian.Uint16(raw[34:36]); got != 16 {
		t.Errorf("bits per sample = %d, want 16", got)
	}
	if got := binary.LittleEndian.Uint32(raw[40:44]); got != wantData {
		t.Errorf("data chunk size = %d, want %d", got, wantData)
	}

	for i, want := range samples {
		got := int16(binary.LittleEndian.Uint16(raw[44+i*2:]))
		if got != want {
			t.Errorf("sample %d = %d, want %d", i, got, want)
		}
	}
}

func TestSessionWriterCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	a, err := recording.NewArchive(t.TempDir())
	if err != nil {
		t.Fatalf("NewArchive() error: %v", err)
	}
	rec, err := a.Open("u1", "g1")
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}

	if err := rec.Close(); err != nil {
		t.Fatalf("first Close() error: %v", err)
	}
	if err := rec.Close(); err != nil {
		t.Errorf("second Close() error: %v, want nil", err)
	}
	if err := rec.Write([]int16{1}); err == nil {
		t.Error("Write() after Close succeeded, want error")
	}
}

func TestArchiveSeparatesSessionsPerGuild(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	a, err := recording.NewArchive(dir, recording.WithClock(fixedClock))
	if err != nil {
		t.Fatalf("NewArchive() error: %v", err)
	}

	r1, err := a.Open("u1", "g1")
	if err != nil {
		t.Fatal(err)
	}
	r2, err := a.Open("u2", "g1")
	if err != nil {
		t.Fatal(err)
	}
	if err := r1.Close(); err != nil {
		t.Fatal(err)
	}
	if err := r2.Close(); err != nil {
		t.Fatal(err)
	}

	sessionDir := filepath.Join(dir, "g1_20260314-150926")
	for _, name := range []string{"u1.wav", "u2.wav"} {
		if _, err := os.Stat(filepath.Join(sessionDir, name)); err != nil {
			t.Errorf("expected %s in session directory: %v", name, err)
		}
	}
}
