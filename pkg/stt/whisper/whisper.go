// Package whisper implements stt.Backend on the whisper.cpp CGO bindings.
// The whisper.cpp static library (libwhisper.a) and headers (whisper.h)
// must be available at link time via LIBRARY_PATH and C_INCLUDE_PATH.
//
// The CPU and GPU-accelerated variants are selected at build time (see
// variant_cpu.go / variant_gpu.go); both satisfy the identical Transcribe
// contract.
package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/chorushq/chorus/pkg/audio"
	"github.com/chorushq/chorus/pkg/stt"
)

// Compile-time assertion that Backend satisfies stt.Backend.
var _ stt.Backend = (*Backend)(nil)

const (
	// defaultLanguage lets whisper auto-detect per segment, which handles
	// mixed-language channels better than pinning one language.
	defaultLanguage = "auto"

	// maxConsecutiveRepeats bounds identical consecutive model segments
	// before the rest are treated as hallucination and skipped.
	maxConsecutiveRepeats = 2
)

// Backend runs whisper.cpp inference over a model loaded once at startup.
// The model is shared across calls; each Transcribe creates its own
// whisper context, which is the unit that is NOT thread-safe. Safe
// parallelism is declared via MaxConcurrency and enforced by the caller.
type Backend struct {
	mu        sync.RWMutex
	model     whisperlib.Model
	closed    bool
	modelPath string

	language    string
	threads     uint
	concurrency int
}

// Option is a functional option for configuring a Backend.
type Option func(*Backend)

// WithLanguage sets the recognition language code (e.g. "en", "de").
// Defaults to "auto" (per-segment detection).
func WithLanguage(lang string) Option {
	return func(b *Backend) { b.language = lang }
}

// WithThreads sets the CPU thread count per inference. 0 lets whisper.cpp
// pick.
func WithThreads(n uint) Option {
	return func(b *Backend) { b.threads = n }
}

// WithMaxConcurrency declares how many Transcribe calls may run in
// parallel. Leave at the default of 1 unless the build is known to support
// concurrent contexts on the target device.
func WithMaxConcurrency(n int) Option {
	return func(b *Backend) {
		if n > 0 {
			b.concurrency = n
		}
	}
}

// New loads the whisper model from modelPath. Loading failure is fatal to
// the caller by contract: the service must not accept sessions without a
// backend.
func New(modelPath string, opts ...Option) (*Backend, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: model path must not be empty")
	}

	b := &Backend{
		modelPath:   modelPath,
		language:    defaultLanguage,
		concurrency: 1,
	}
	for _, o := range opts {
		o(b)
	}

	if err := verifyDevice(); err != nil {
		return nil, err
	}

	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q (%s variant): %w", modelPath, Variant, err)
	}
	b.model = model

	slog.Info("whisper model loaded",
		"path", modelPath,
		"variant", Variant,
		"language", b.language,
		"max_concurrency", b.concurrency,
	)
	return b, nil
}

// MaxConcurrency reports the declared safe parallelism for this backend.
func (b *Backend) MaxConcurrency() int { return b.concurrency }

// Transcribe converts one segment of 16 kHz mono PCM to text. Each call
// uses a fresh whisper context from the shared model. Inference is a
// blocking CGO call that cannot observe ctx, so it runs in its own
// goroutine; when ctx expires first, Transcribe returns ctx.Err() while
// the abandoned call drains under the model read lock, keeping Reinit and
// Close ordered behind it.
func (b *Backend) Transcribe(ctx context.Context, seg stt.Segment) (stt.Result, error) {
	if err := ctx.Err(); err != nil {
		return stt.Result{}, err
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return stt.Result{}, stt.ErrClosed
	}

	type outcome struct {
		res stt.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer b.mu.RUnlock()
		res, err := b.infer(seg)
		done <- outcome{res: res, err: err}
	}()

	select {
	case <-ctx.Done():
		return stt.Result{}, ctx.Err()
	case out := <-done:
		return out.res, out.err
	}
}

// infer runs one inference. Caller holds the model read lock; the deferred
// unlock in Transcribe's goroutine releases it when this returns.
func (b *Backend) infer(seg stt.Segment) (stt.Result, error) {
	wctx, err := b.model.NewContext()
	if err != nil {
		return stt.Result{}, fmt.Errorf("whisper: create context: %w", err)
	}

	if b.threads > 0 {
		wctx.SetThreads(b.threads)
	}
	if err := wctx.SetLanguage(b.language); err != nil {
		slog.Warn("whisper: set language failed, using model default", "language", b.language, "err", err)
	}

	samples := audio.PCMToFloat32(seg.PCM)
	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return stt.Result{}, fmt.Errorf("whisper: process segment seq=%d: %w", seg.Seq, err)
	}

	text, err := collectSegments(wctx)
	if err != nil {
		return stt.Result{}, err
	}

	lang := b.language
	if lang == defaultLanguage {
		lang = wctx.Language()
	}
	return stt.Result{Text: text, Language: lang}, nil
}

// collectSegments drains the context's decoded segments, trimming
// whitespace and suppressing hallucinated repeats the way the model tends
// to produce them on low-energy audio: the same line over and over.
func collectSegments(wctx whisperlib.Context) (string, error) {
	var (
		parts    []string
		lastText string
		repeats  int
	)
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("whisper: read segment: %w", err)
		}

		text := strings.TrimSpace(segment.Text)
		if text == "" {
			continue
		}
		if text == lastText {
			repeats++
			if repeats >= maxConsecutiveRepeats {
				continue
			}
		} else {
			repeats = 0
		}
		lastText = text
		parts = append(parts, text)
	}
	return strings.Join(parts, " "), nil
}

// Reinit reloads the model from the original path. Blocks until in-flight
// Transcribe calls drain, then swaps the model atomically.
func (b *Backend) Reinit() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return stt.ErrClosed
	}

	slog.Warn("whisper: reinitialising model", "path", b.modelPath)

	if b.model != nil {
		if err := b.model.Close(); err != nil {
			slog.Warn("whisper: close during reinit", "err", err)
		}
		b.model = nil
	}

	model, err := whisperlib.New(b.modelPath)
	if err != nil {
		return fmt.Errorf("whisper: reinit model %q: %w", b.modelPath, err)
	}
	b.model = model
	slog.Info("whisper model reinitialised", "path", b.modelPath)
	return nil
}

// Close releases the model. Safe to call more than once.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if b.model != nil {
		return b.model.Close()
	}
	return nil
}
