// Package stt defines the Backend interface for speech-to-text engines.
//
// A backend owns exactly one loaded speech model and exposes a blocking
// Transcribe operation. The process loads one backend at startup; loading
// failure is fatal and the service must not accept sessions without it.
// Backends declare their safe concurrency limit (most local model runtimes
// support a single in-flight inference) and callers rely on the worker
// pool to enforce that limit rather than on locking inside the backend.
package stt

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by Transcribe after the backend has been closed.
var ErrClosed = errors.New("stt: backend is closed")

// Segment is a bounded span of decoded speech belonging to one capture
// session, ready for a single transcription call.
type Segment struct {
	// UserID and GuildID identify the session the segment belongs to.
	UserID  string
	GuildID string

	// Seq is the per-session sequence number, assigned at emission time,
	// strictly increasing from 0.
	Seq uint64

	// Start and End delimit the segment's position within the session
	// capture, measured from session start.
	Start time.Duration
	End   time.Duration

	// PCM is 16 kHz mono 16-bit audio.
	PCM []int16
}

// Duration returns the wall-clock span covered by the segment.
func (s Segment) Duration() time.Duration { return s.End - s.Start }

// Result is the text output of a single Transcribe call.
type Result struct {
	// Text is the transcribed speech, empty when the model found none.
	Text string

	// Language is the detected (or configured) language code, when known.
	Language string
}

// Backend is the abstraction over a loaded speech-recognition model.
//
// Transcribe may be invoked concurrently only up to MaxConcurrency calls;
// the caller enforces this. A per-call failure (malformed audio, transient
// device error, ctx deadline) is returned as an error and must not poison
// the backend for subsequent calls.
type Backend interface {
	// Transcribe runs inference over one segment and blocks until the model
	// finishes or ctx is done. Expensive: hundreds of milliseconds to
	// seconds per call.
	Transcribe(ctx context.Context, seg Segment) (Result, error)

	// MaxConcurrency reports the number of Transcribe calls that may safely
	// run in parallel. At least 1.
	MaxConcurrency() int

	// Reinit reloads the model in place. Called when repeated timeouts
	// suggest the backend is wedged. In-flight calls must be allowed to
	// drain before the reload takes effect.
	Reinit() error

	// Close releases the model. Transcribe returns ErrClosed afterwards.
	Close() error
}
