// Package pool schedules transcription work against the single shared
// speech backend.
//
// Segments from every active session funnel into one bounded FIFO queue.
// A fixed set of workers drains it, each call guarded by a weighted
// semaphore sized to the backend's declared concurrency, so the backend
// never sees more parallel calls than it allows. Every segment taken off
// the queue yields exactly one delivered result, success or error; there is
// no fairness between sessions.
//
// Repeated per-segment timeouts are treated as a wedged backend: the pool
// drains in-flight calls, reinitialises the model, and resumes. A failed
// reinitialisation is unrecoverable and surfaces on Err.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/chorushq/chorus/pkg/stt"
)

// Overflow policies for a full queue.
const (
	// DropOldest evicts the oldest queued segment to make room. Loses the
	// oldest speech under sustained overload but never stalls capture.
	DropOldest Policy = "drop-oldest"

	// Block makes Enqueue wait for queue space, applying backpressure to
	// the capture side.
	Block Policy = "block"
)

// Policy selects how Enqueue behaves when the queue is full.
type Policy string

// IsValid reports whether p is a recognised policy.
func (p Policy) IsValid() bool { return p == DropOldest || p == Block }

const (
	defaultQueueSize              = 64
	defaultSegmentTimeout         = 60 * time.Second
	defaultMaxConsecutiveTimeouts = 3
)

// ErrBackendWedged is surfaced on Err when the backend could not be
// reinitialised after repeated timeouts. The pool is stopped at that point.
var ErrBackendWedged = errors.New("pool: backend wedged and reinit failed")

// ErrSegmentDropped marks the error result delivered for a segment evicted
// under the drop-oldest policy. The eviction still consumes the segment's
// sequence number, so later results for the session keep releasing.
var ErrSegmentDropped = errors.New("pool: segment dropped, queue full")

// Config holds the pool's tuning knobs. The zero value selects the
// defaults.
type Config struct {
	// QueueSize bounds the segment queue.
	QueueSize int

	// Policy is the overflow behaviour; DropOldest when empty.
	Policy Policy

	// SegmentTimeout caps one Transcribe call. An expired call delivers an
	// error result for its segment.
	SegmentTimeout time.Duration

	// MaxConsecutiveTimeouts is how many back-to-back timeouts trigger a
	// backend reinitialisation.
	MaxConsecutiveTimeouts int
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = defaultQueueSize
	}
	if c.Policy == "" {
		c.Policy = DropOldest
	}
	if c.SegmentTimeout <= 0 {
		c.SegmentTimeout = defaultSegmentTimeout
	}
	if c.MaxConsecutiveTimeouts <= 0 {
		c.MaxConsecutiveTimeouts = defaultMaxConsecutiveTimeouts
	}
	return c
}

// Result pairs a segment with its transcription outcome. Exactly one of
// the two holds: Err nil with Res set, or Err non-nil.
type Result struct {
	Segment stt.Segment
	Res     stt.Result
	Err     error
}

// DeliverFunc receives each finished Result. Called from worker goroutines
// and, for evicted segments, from Enqueue; implementations must be safe for
// concurrent use.
type DeliverFunc func(Result)

// ActiveFunc reports whether the session a segment belongs to is still
// running. Segments of stopped sessions are discarded at dequeue.
type ActiveFunc func(userID, guildID string) bool

// Option configures a Pool.
type Option func(*Pool)

// WithActiveCheck installs fn as the session liveness check. Without it all
// queued segments are transcribed.
func WithActiveCheck(fn ActiveFunc) Option {
	return func(p *Pool) { p.active = fn }
}

// WithLogger overrides the default logger.
func WithLogger(log *slog.Logger) Option {
	return func(p *Pool) { p.log = log }
}

// Pool is the transcription worker pool. Create with New, then Start; Stop
// waits for workers to exit.
type Pool struct {
	cfg     Config
	backend stt.Backend
	deliver DeliverFunc
	active  ActiveFunc
	log     *slog.Logger

	queue   chan stt.Segment
	sem     *semaphore.Weighted
	permits int64

	wg       sync.WaitGroup
	errCh    chan error
	stopOnce sync.Once
	stopped  chan struct{}

	mu        sync.Mutex
	timeouts  int // consecutive, reset on any non-timeout outcome
	dropped   uint64
	discarded uint64
}

// New creates a Pool over backend. deliver receives every result.
func New(backend stt.Backend, deliver DeliverFunc, cfg Config, opts ...Option) (*Pool, error) {
	if backend == nil {
		return nil, errors.New("pool: backend must not be nil")
	}
	if deliver == nil {
		return nil, errors.New("pool: deliver must not be nil")
	}
	cfg = cfg.withDefaults()
	if !cfg.Policy.IsValid() {
		return nil, fmt.Errorf("pool: unknown overflow policy %q", cfg.Policy)
	}

	permits := int64(backend.MaxConcurrency())
	if permits < 1 {
		permits = 1
	}
	p := &Pool{
		cfg:     cfg,
		backend: backend,
		deliver: deliver,
		log:     slog.Default(),
		queue:   make(chan stt.Segment, cfg.QueueSize),
		sem:     semaphore.NewWeighted(permits),
		permits: permits,
		errCh:   make(chan error, 1),
		stopped: make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Start launches the workers. Worker count equals the backend's declared
// concurrency.
func (p *Pool) Start(ctx context.Context) {
	for i := int64(0); i < p.permits; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
}

// Stop shuts the pool down and waits for workers to finish their current
// call. Queued segments are abandoned.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stopped) })
	p.wg.Wait()
}

// Err surfaces the fatal pool error, if any. The channel receives at most
// one value; the pool has already stopped accepting work when it does.
func (p *Pool) Err() <-chan error { return p.errCh }

// Enqueue submits a segment for transcription according to the overflow
// policy. Safe for concurrent use. Returns false if the pool is stopped.
// Under drop-oldest a full queue evicts its oldest segment, which is
// delivered as an ErrSegmentDropped result rather than vanishing.
func (p *Pool) Enqueue(seg stt.Segment) bool {
	for {
		select {
		case <-p.stopped:
			return false
		case p.queue <- seg:
			return true
		default:
		}

		if p.cfg.Policy == Block {
			select {
			case <-p.stopped:
				return false
			case p.queue <- seg:
				return true
			}
		}

		// drop-oldest: evict one, deliver its error marker, retry
		select {
		case old := <-p.queue:
			p.mu.Lock()
			p.dropped++
			n := p.dropped
			p.mu.Unlock()
			p.log.Warn("queue full, dropping oldest segment",
				"user_id", old.UserID, "guild_id", old.GuildID, "seq", old.Seq, "dropped_total", n)
			p.deliver(Result{Segment: old, Err: fmt.Errorf("pool: segment %d for %s/%s: %w",
				old.Seq, old.UserID, old.GuildID, ErrSegmentDropped)})
		default:
		}
	}
}

// Depth reports the current queue occupancy.
func (p *Pool) Depth() int { return len(p.queue) }

// Dropped reports how many segments were evicted by the drop-oldest policy.
func (p *Pool) Dropped() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}

// Discarded reports how many dequeued segments belonged to stopped sessions.
func (p *Pool) Discarded() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.discarded
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopped:
			return
		case seg := <-p.queue:
			if p.active != nil && !p.active(seg.UserID, seg.GuildID) {
				p.mu.Lock()
				p.discarded++
				p.mu.Unlock()
				continue
			}
			p.runOne(ctx, seg)
		}
	}
}

// runOne transcribes one segment under a permit and delivers its result.
func (p *Pool) runOne(ctx context.Context, seg stt.Segment) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		p.deliver(Result{Segment: seg, Err: fmt.Errorf("pool: acquire permit: %w", err)})
		return
	}

	tctx, cancel := context.WithTimeout(ctx, p.cfg.SegmentTimeout)
	res, err := p.backend.Transcribe(tctx, seg)
	cancel()
	p.sem.Release(1)

	timedOut := err != nil && errors.Is(err, context.DeadlineExceeded)
	if timedOut {
		err = fmt.Errorf("pool: segment %d for %s/%s timed out after %v: %w",
			seg.Seq, seg.UserID, seg.GuildID, p.cfg.SegmentTimeout, err)
	}
	p.deliver(Result{Segment: seg, Res: res, Err: err})

	if !timedOut {
		p.mu.Lock()
		p.timeouts = 0
		p.mu.Unlock()
		return
	}

	p.mu.Lock()
	p.timeouts++
	wedged := p.timeouts >= p.cfg.MaxConsecutiveTimeouts
	p.mu.Unlock()
	if wedged {
		p.reinit(ctx)
	}
}

// reinit drains all in-flight calls by taking every permit, then reloads
// the backend. A reload failure stops the pool for good.
func (p *Pool) reinit(ctx context.Context) {
	if err := p.sem.Acquire(ctx, p.permits); err != nil {
		return
	}
	defer p.sem.Release(p.permits)

	// Another worker may have completed the reinit while this one waited
	// for permits.
	p.mu.Lock()
	if p.timeouts < p.cfg.MaxConsecutiveTimeouts {
		p.mu.Unlock()
		return
	}
	p.timeouts = 0
	p.mu.Unlock()

	p.log.Warn("backend unresponsive, reinitialising model")
	if err := p.backend.Reinit(); err != nil {
		p.fail(fmt.Errorf("%w: %v", ErrBackendWedged, err))
		return
	}
	p.log.Info("backend reinitialised")
}

// fail records the fatal error and stops the pool.
func (p *Pool) fail(err error) {
	select {
	case p.errCh <- err:
	default:
	}
	p.log.Error("stopping transcription pool", "error", err)
	p.stopOnce.Do(func() { close(p.stopped) })
}
