// Package recording retains the captured speech of each session as WAV
// files on disk.
//
// Layout: <dir>/<guildID>_<start timestamp>/<userID>.wav, one file per
// session, 16-bit PCM at the transcription sample rate. Retention is an
// external convenience; any failure here is the caller's to log and never
// interrupts transcription.
package recording

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/chorushq/chorus/internal/session"
	"github.com/chorushq/chorus/pkg/audio"
)

// Option configures an Archive.
type Option func(*Archive)

// WithLogger overrides the default logger.
func WithLogger(log *slog.Logger) Option {
	return func(a *Archive) { a.log = log }
}

// WithClock overrides the timestamp source. For tests.
func WithClock(now func() time.Time) Option {
	return func(a *Archive) { a.now = now }
}

// Archive opens one WAV writer per capture session under a base directory.
// Implements session.Recorder.
type Archive struct {
	dir string
	log *slog.Logger
	now func() time.Time
}

var _ session.Recorder = (*Archive)(nil)

// NewArchive creates the base directory if needed and returns the Archive.
func NewArchive(dir string, opts ...Option) (*Archive, error) {
	if dir == "" {
		return nil, fmt.Errorf("recording: directory must not be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("recording: create directory %q: %w", dir, err)
	}
	a := &Archive{dir: dir, log: slog.Default(), now: time.Now}
	for _, o := range opts {
		o(a)
	}
	return a, nil
}

// Open starts a recording for one session. The file lives in a
// per-(guild, start time) directory so concurrent sessions in the same
// guild land next to each other.
func (a *Archive) Open(userID, guildID string) (session.SegmentRecorder, error) {
	stamp := a.now().UTC().Format("20060102-150405")
	dir := filepath.Join(a.dir, fmt.Sprintf("%s_%s", guildID, stamp))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("recording: create session directory %q: %w", dir, err)
	}

	path := filepath.Join(dir, userID+".wav")
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("recording: create %q: %w", path, err)
	}
	w, err := newWAVWriter(f, audio.TranscribeSampleRate, 1)
	if err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}

	a.log.Info("recording session audio", "path", path)
	return &SessionWriter{w: w, path: path}, nil
}

// SessionWriter is the live recording of one session. Safe for concurrent
// use; Close is idempotent.
type SessionWriter struct {
	mu     sync.Mutex
	w      *wavWriter
	path   string
	closed bool
}

var _ session.SegmentRecorder = (*SessionWriter)(nil)

// Path reports the file being written.
func (s *SessionWriter) Path() string { return s.path }

// Write appends one segment's PCM to the file.
func (s *SessionWriter) Write(pcm []int16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("recording: write to closed file %q", s.path)
	}
	return s.w.writePCM(pcm)
}

// Close finalises the WAV header and releases the file.
func (s *SessionWriter) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.w.finalize()
}
