// Package mock provides a scripted stt.Backend for tests.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/chorushq/chorus/pkg/stt"
)

// Backend is a test double for stt.Backend. The zero value transcribes
// every segment to "" instantly with a concurrency limit of 1. All fields
// must be set before first use; counters are safe for concurrent access.
type Backend struct {
	// TranscribeFunc, when set, handles each call. Otherwise Delay is
	// slept and Result/Err are returned.
	TranscribeFunc func(ctx context.Context, seg stt.Segment) (stt.Result, error)

	// Result and Err are the canned response when TranscribeFunc is nil.
	Result stt.Result
	Err    error

	// Delay simulates inference latency when TranscribeFunc is nil.
	// Transcribe returns ctx.Err() if the context expires first.
	Delay time.Duration

	// Concurrency is the value reported by MaxConcurrency (default 1).
	Concurrency int

	// ReinitErr is returned by Reinit.
	ReinitErr error

	mu         sync.Mutex
	inFlight   int
	maxSeen    int
	calls      int
	reinits    int
	closeCalls int
}

var _ stt.Backend = (*Backend)(nil)

func (b *Backend) Transcribe(ctx context.Context, seg stt.Segment) (stt.Result, error) {
	b.mu.Lock()
	b.calls++
	b.inFlight++
	if b.inFlight > b.maxSeen {
		b.maxSeen = b.inFlight
	}
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		b.inFlight--
		b.mu.Unlock()
	}()

	if b.TranscribeFunc != nil {
		return b.TranscribeFunc(ctx, seg)
	}

	if b.Delay > 0 {
		select {
		case <-time.After(b.Delay):
		case <-ctx.Done():
			return stt.Result{}, ctx.Err()
		}
	}
	return b.Result, b.Err
}

func (b *Backend) MaxConcurrency() int {
	if b.Concurrency > 0 {
		return b.Concurrency
	}
	return 1
}

func (b *Backend) Reinit() error {
	b.mu.Lock()
	b.reinits++
	b.mu.Unlock()
	return b.ReinitErr
}

func (b *Backend) Close() error {
	b.mu.Lock()
	b.closeCalls++
	b.mu.Unlock()
	return nil
}

// Calls reports the number of Transcribe invocations so far.
func (b *Backend) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

// MaxConcurrent reports the highest number of simultaneous Transcribe
// calls observed.
func (b *Backend) MaxConcurrent() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.maxSeen
}

// Reinits reports the number of Reinit invocations.
func (b *Backend) Reinits() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reinits
}
