// Package session tracks the active voice captures, one per
// (user, guild) pair.
//
// The Manager is the registry and sole owner of session lifecycle: explicit
// stop, idle timeout, and transport disconnect all tear a session down
// through the same path. It is also the single point where transcription
// results re-enter, get reordered per session, and are released to the
// configured publisher with the speaker's display label attached.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chorushq/chorus/internal/assembler"
	"github.com/chorushq/chorus/internal/pool"
	"github.com/chorushq/chorus/internal/settings"
	"github.com/chorushq/chorus/pkg/audio"
	"github.com/chorushq/chorus/pkg/stt"
)

// Lifecycle misuse errors, returned synchronously from Start and Stop. The
// registry is left unchanged when they occur.
var (
	ErrSessionAlreadyActive = errors.New("session: capture already active for this user and guild")
	ErrNoActiveSession      = errors.New("session: no active capture for this user and guild")
)

const (
	defaultIdleTimeout = 5 * time.Minute
	defaultFrameBuffer = 256
)

// Line is one ordered transcript entry released to the publisher.
type Line struct {
	UserID  string
	GuildID string

	// Label is the speaker's display name: the stored transcribe_name when
	// set, the transport-provided fallback otherwise.
	Label string

	Seq        uint64
	Start, End time.Duration

	Text     string
	Language string

	// Err marks a failed segment. The line still occupies its sequence slot
	// so consumers see a gap marker rather than silence.
	Err error
}

// Publisher receives released lines, strictly ordered per session.
type Publisher interface {
	Publish(ctx context.Context, line Line) error
}

// EnqueueFunc submits an emitted segment for transcription. The bool mirrors
// pool.Pool.Enqueue.
type EnqueueFunc func(stt.Segment) bool

// SegmentRecorder retains the audio of one session outside the transcript
// path.
type SegmentRecorder interface {
	Write(pcm []int16) error
	Close() error
}

// Recorder opens one SegmentRecorder per session. Implementations that
// cannot open a writer fail the recording only, never the capture.
type Recorder interface {
	Open(userID, guildID string) (SegmentRecorder, error)
}

// Config holds the manager's tuning knobs. The zero value selects defaults.
type Config struct {
	// IdleTimeout stops a session that has received no frames for this long.
	IdleTimeout time.Duration

	// FrameBuffer is the per-session frame channel capacity. Frames beyond
	// it are dropped, not blocked on.
	FrameBuffer int

	// Assembler configures segmentation for every session.
	Assembler assembler.Config
}

func (c Config) withDefaults() Config {
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = defaultIdleTimeout
	}
	if c.FrameBuffer <= 0 {
		c.FrameBuffer = defaultFrameBuffer
	}
	return c
}

// Option configures a Manager.
type Option func(*Manager)

// WithRecorder retains per-session audio through r.
func WithRecorder(r Recorder) Option {
	return func(m *Manager) { m.rec = r }
}

// WithLogger overrides the default logger.
func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// WithSessionEndHook calls fn after a capture for (userID, guildID) has
// fully stopped, on every teardown path. Downstream per-speaker state keyed
// on the pair is released through this.
func WithSessionEndHook(fn func(userID, guildID string)) Option {
	return func(m *Manager) { m.onEnd = fn }
}

type sessionKey struct {
	userID  string
	guildID string
}

// Manager is the session registry. Safe for concurrent use.
type Manager struct {
	cfg     Config
	store   settings.Store
	enqueue EnqueueFunc
	pub     Publisher
	rec     Recorder
	onEnd   func(userID, guildID string)
	log     *slog.Logger

	mu       sync.RWMutex
	sessions map[sessionKey]*session
}

// New creates a Manager. store resolves display labels, enqueue feeds the
// worker pool, pub receives ordered lines.
func New(store settings.Store, enqueue EnqueueFunc, pub Publisher, cfg Config, opts ...Option) (*Manager, error) {
	if store == nil {
		return nil, errors.New("session: store must not be nil")
	}
	if enqueue == nil {
		return nil, errors.New("session: enqueue must not be nil")
	}
	if pub == nil {
		return nil, errors.New("session: publisher must not be nil")
	}
	m := &Manager{
		cfg:      cfg.withDefaults(),
		store:    store,
		enqueue:  enqueue,
		pub:      pub,
		log:      slog.Default(),
		sessions: make(map[sessionKey]*session),
	}
	for _, o := range opts {
		o(m)
	}
	return m, nil
}

// Start begins capturing for (userID, guildID). fallbackLabel is used when
// the user has no stored transcribe name; an unreachable settings store
// degrades to it as well. Returns ErrSessionAlreadyActive if a capture for
// the exact pair exists.
func (m *Manager) Start(ctx context.Context, userID, guildID, fallbackLabel string) error {
	if fallbackLabel == "" {
		fallbackLabel = userID
	}
	label := m.resolveLabel(ctx, userID, guildID, fallbackLabel)

	s := &session{
		m:        m,
		userID:   userID,
		guildID:  guildID,
		label:    label,
		fallback: fallbackLabel,
		frames:   make(chan audio.Frame, m.cfg.FrameBuffer),
		done:     make(chan struct{}),
		loopDone: make(chan struct{}),
		buf:      newReorder(),
	}
	asm, err := assembler.New(userID, guildID, m.cfg.Assembler, s.emit)
	if err != nil {
		return fmt.Errorf("session: start %s/%s: %w", userID, guildID, err)
	}
	s.asm = asm

	m.mu.Lock()
	k := sessionKey{userID, guildID}
	if _, exists := m.sessions[k]; exists {
		m.mu.Unlock()
		return ErrSessionAlreadyActive
	}
	m.sessions[k] = s
	m.mu.Unlock()

	if m.rec != nil {
		rec, err := m.rec.Open(userID, guildID)
		if err != nil {
			m.log.Warn("recording disabled for session", "user_id", userID, "guild_id", guildID, "error", err)
		} else {
			s.rec = rec
		}
	}

	go s.run(m.cfg.IdleTimeout)
	m.log.Info("session started", "user_id", userID, "guild_id", guildID, "label", label)
	return nil
}

// Stop ends the capture for (userID, guildID): the assembler's partial
// buffer is flushed, the session leaves the registry immediately, and any
// results still in flight are discarded on delivery. Returns
// ErrNoActiveSession if no capture exists.
func (m *Manager) Stop(userID, guildID string) error {
	m.mu.Lock()
	k := sessionKey{userID, guildID}
	s, ok := m.sessions[k]
	if !ok {
		m.mu.Unlock()
		return ErrNoActiveSession
	}
	delete(m.sessions, k)
	m.mu.Unlock()

	s.close()
	<-s.loopDone
	return nil
}

// StopGuild ends every capture in one guild, the transport-disconnect path.
func (m *Manager) StopGuild(guildID string) {
	for _, s := range m.detachGuild(guildID) {
		s.close()
		<-s.loopDone
	}
}

// StopAll ends every capture. Used during shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	all := make([]*session, 0, len(m.sessions))
	for k, s := range m.sessions {
		all = append(all, s)
		delete(m.sessions, k)
	}
	m.mu.Unlock()

	for _, s := range all {
		s.close()
		<-s.loopDone
	}
}

// Active reports whether a capture exists for (userID, guildID). Handed to
// the pool so stale queued segments are discarded at dequeue.
func (m *Manager) Active(userID, guildID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.sessions[sessionKey{userID, guildID}]
	return ok
}

// ActiveCount reports the number of running captures.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// HandleFrame routes one transport frame to its session. Frames for
// inactive pairs are dropped; so are frames arriving faster than the
// session can drain them.
func (m *Manager) HandleFrame(f audio.Frame) {
	m.mu.RLock()
	s, ok := m.sessions[sessionKey{f.UserID, f.GuildID}]
	m.mu.RUnlock()
	if !ok {
		return
	}
	select {
	case s.frames <- f:
	default:
		m.log.Debug("frame buffer full, dropping frame", "user_id", f.UserID, "guild_id", f.GuildID)
	}
}

// Deliver accepts one pool result, reorders it within its session, and
// publishes every line that became releasable. Results for stopped sessions
// are discarded. Wired as the pool's DeliverFunc.
func (m *Manager) Deliver(r pool.Result) {
	m.mu.RLock()
	s, ok := m.sessions[sessionKey{r.Segment.UserID, r.Segment.GuildID}]
	m.mu.RUnlock()
	if !ok {
		m.log.Debug("discarding result for stopped session",
			"user_id", r.Segment.UserID, "guild_id", r.Segment.GuildID, "seq", r.Segment.Seq)
		return
	}
	s.deliver(r)
}

// RefreshLabel re-resolves the display label of an active session, after a
// preference write. Returns ErrNoActiveSession when the pair has no capture;
// store errors leave the current label in place.
func (m *Manager) RefreshLabel(ctx context.Context, userID, guildID string) error {
	m.mu.RLock()
	s, ok := m.sessions[sessionKey{userID, guildID}]
	m.mu.RUnlock()
	if !ok {
		return ErrNoActiveSession
	}

	label := m.resolveLabel(ctx, userID, guildID, s.fallback)
	s.mu.Lock()
	s.label = label
	s.mu.Unlock()
	return nil
}

// resolveLabel performs the one settings lookup of a session start. An
// unreachable store is non-fatal here: capture proceeds with the fallback.
func (m *Manager) resolveLabel(ctx context.Context, userID, guildID, fallback string) string {
	us, err := m.store.Get(ctx, userID, guildID)
	if err != nil {
		m.log.Warn("settings lookup failed, using fallback label",
			"user_id", userID, "guild_id", guildID, "error", err)
		return fallback
	}
	if us != nil && us.TranscribeName != "" {
		return us.TranscribeName
	}
	return fallback
}

func (m *Manager) detachGuild(guildID string) []*session {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*session
	for k, s := range m.sessions {
		if k.guildID == guildID {
			out = append(out, s)
			delete(m.sessions, k)
		}
	}
	return out
}

// detach removes s from the registry if still present. Idle-timeout path.
func (m *Manager) detach(s *session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := sessionKey{s.userID, s.guildID}
	if m.sessions[k] == s {
		delete(m.sessions, k)
	}
}

// session is one active capture. The frame loop is its single writer; the
// mutex covers the label and the reorder buffer, which worker goroutines
// touch through deliver.
type session struct {
	m        *Manager
	userID   string
	guildID  string
	fallback string

	asm      *assembler.Assembler
	frames   chan audio.Frame
	done     chan struct{}
	loopDone chan struct{}
	stopOnce sync.Once
	rec      SegmentRecorder

	mu    sync.Mutex
	label string
	buf   *reorder
}

func (s *session) close() {
	s.stopOnce.Do(func() { close(s.done) })
}

// run is the per-session frame loop: single writer of the assembler.
func (s *session) run(idle time.Duration) {
	defer close(s.loopDone)
	defer s.finalize()

	timer := time.NewTimer(idle)
	defer timer.Stop()

	for {
		select {
		case f := <-s.frames:
			s.asm.Push(f)
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(idle)
		case <-timer.C:
			s.m.log.Info("session idle, stopping", "user_id", s.userID, "guild_id", s.guildID)
			s.m.detach(s)
			s.close()
			return
		case <-s.done:
			return
		}
	}
}

// finalize flushes buffered speech and closes the recording. Runs exactly
// once, in the frame-loop goroutine, after the loop has exited.
func (s *session) finalize() {
	s.asm.Flush()
	if s.rec != nil {
		if err := s.rec.Close(); err != nil {
			s.m.log.Warn("closing recording failed", "user_id", s.userID, "guild_id", s.guildID, "error", err)
		}
	}
	if n := s.asm.DecodeErrors(); n > 0 {
		s.m.log.Info("session had undecodable frames", "user_id", s.userID, "guild_id", s.guildID, "dropped", n)
	}
	if s.m.onEnd != nil {
		s.m.onEnd(s.userID, s.guildID)
	}
	s.m.log.Info("session stopped", "user_id", s.userID, "guild_id", s.guildID)
}

// emit is the assembler's emit target: retain audio, then queue for
// transcription.
func (s *session) emit(seg stt.Segment) {
	if s.rec != nil {
		if err := s.rec.Write(seg.PCM); err != nil {
			s.m.log.Warn("recording write failed", "user_id", s.userID, "guild_id", s.guildID, "error", err)
		}
	}
	if !s.m.enqueue(seg) {
		s.m.log.Warn("segment rejected by pool", "user_id", s.userID, "guild_id", s.guildID, "seq", seg.Seq)
	}
}

// deliver reorders one result and publishes everything releasable. The
// mutex is held across publishing so releases stay ordered even when
// workers deliver concurrently.
func (s *session) deliver(r pool.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rel := range s.buf.add(r) {
		line := Line{
			UserID:   rel.Segment.UserID,
			GuildID:  rel.Segment.GuildID,
			Label:    s.label,
			Seq:      rel.Segment.Seq,
			Start:    rel.Segment.Start,
			End:      rel.Segment.End,
			Text:     rel.Res.Text,
			Language: rel.Res.Language,
			Err:      rel.Err,
		}
		if err := s.m.pub.Publish(context.Background(), line); err != nil {
			s.m.log.Warn("publishing line failed",
				"user_id", line.UserID, "guild_id", line.GuildID, "seq", line.Seq, "error", err)
		}
	}
}
