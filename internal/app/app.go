// Package app wires the Chorus subsystems into a running server.
//
// The App owns the full lifecycle: New builds and connects every subsystem
// from config, Run blocks until the context is cancelled or the pipeline
// fails fatally, and Shutdown tears everything down in reverse order.
//
// For testing, inject doubles via functional options (WithStore,
// WithBackend, WithMetrics, WithPublisher). When an option is not provided,
// New creates the real implementation from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/chorushq/chorus/internal/assembler"
	"github.com/chorushq/chorus/internal/config"
	"github.com/chorushq/chorus/internal/discord"
	"github.com/chorushq/chorus/internal/health"
	"github.com/chorushq/chorus/internal/observe"
	"github.com/chorushq/chorus/internal/pool"
	"github.com/chorushq/chorus/internal/recording"
	"github.com/chorushq/chorus/internal/session"
	"github.com/chorushq/chorus/internal/settings"
	"github.com/chorushq/chorus/internal/sink"
	"github.com/chorushq/chorus/internal/transcript"
	"github.com/chorushq/chorus/pkg/stt"
	"github.com/chorushq/chorus/pkg/stt/whisper"
)

const (
	defaultListenAddr  = ":8080"
	startupTimeout     = 10 * time.Second
	readHeaderTimeout  = 5 * time.Second
	httpShutdownGrace  = 5 * time.Second
)

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects a settings store instead of creating one from config.
func WithStore(s settings.Store) Option {
	return func(a *App) { a.store = s }
}

// WithBackend injects a speech backend instead of loading the whisper model.
func WithBackend(b stt.Backend) Option {
	return func(a *App) { a.backend = b }
}

// WithMetrics injects a metrics instance instead of the package default.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithPublisher adds an extra transcript publisher to the sink fanout.
func WithPublisher(p session.Publisher) Option {
	return func(a *App) { a.extraPub = p }
}

// WithLogger overrides the default logger.
func WithLogger(log *slog.Logger) Option {
	return func(a *App) { a.log = log }
}

// App owns all subsystem lifetimes.
type App struct {
	cfg *config.Config
	log *slog.Logger

	store    settings.Store
	db       *pgxpool.Pool
	backend  stt.Backend
	pool     *pool.Pool
	mgr      *session.Manager
	hub      *sink.Hub
	bot      *discord.Bot
	botRef   *publisherRef
	metrics  *observe.Metrics
	extraPub session.Publisher
	srv      *http.Server

	// closers run in reverse order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// New builds an App from cfg. It performs the filesystem preflight, loads
// the speech model, connects storage, and assembles the capture pipeline;
// any of those failing is fatal.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{
		cfg:    cfg,
		log:    slog.Default(),
		botRef: &publisherRef{},
	}
	for _, o := range opts {
		o(a)
	}

	if err := a.preflight(); err != nil {
		return nil, fmt.Errorf("app: preflight: %w", err)
	}
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init settings store: %w", err)
	}
	if err := a.initBackend(); err != nil {
		return nil, fmt.Errorf("app: init speech backend: %w", err)
	}
	if err := a.initPipeline(); err != nil {
		return nil, fmt.Errorf("app: init pipeline: %w", err)
	}
	if err := a.initBot(); err != nil {
		return nil, fmt.Errorf("app: init discord bot: %w", err)
	}
	if err := a.initMetrics(); err != nil {
		return nil, fmt.Errorf("app: init metrics: %w", err)
	}
	a.initHTTP()

	return a, nil
}

// Manager exposes the session registry, mainly for tests.
func (a *App) Manager() *session.Manager { return a.mgr }

// preflight verifies the filesystem dependencies before anything starts:
// the model file must be readable and the recordings directory writable.
func (a *App) preflight() error {
	info, err := os.Stat(a.cfg.Transcriber.ModelPath)
	if err != nil {
		return fmt.Errorf("model file %q: %w", a.cfg.Transcriber.ModelPath, err)
	}
	if info.IsDir() {
		return fmt.Errorf("model path %q is a directory", a.cfg.Transcriber.ModelPath)
	}

	if a.cfg.Recordings.Enabled {
		dir := a.cfg.Recordings.Dir
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("recordings dir %q: %w", dir, err)
		}
		probe, err := os.CreateTemp(dir, ".probe-*")
		if err != nil {
			return fmt.Errorf("recordings dir %q not writable: %w", dir, err)
		}
		probe.Close()
		os.Remove(probe.Name())
	}
	return nil
}

// initStore connects the settings store. Without a DSN preferences live in
// memory and are lost on restart. A failed migration is logged, not fatal:
// the pipeline degrades to fallback labels until the database returns.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}

	dsn := a.cfg.Database.PostgresDSN
	if dsn == "" {
		a.log.Warn("no database configured, transcribe names will not survive a restart")
		a.store = settings.NewMemStore()
		return nil
	}

	db, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	a.db = db
	a.closers = append(a.closers, func() error {
		db.Close()
		return nil
	})

	store := settings.NewPostgresStore(db)
	mctx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()
	if err := store.Migrate(mctx); err != nil {
		a.log.Warn("settings migration failed, labels degrade to fallbacks until the database returns", "error", err)
	}
	a.store = store
	return nil
}

// initBackend loads the whisper model unless a backend was injected. A model
// that cannot be loaded is fatal.
func (a *App) initBackend() error {
	if a.backend != nil {
		return nil
	}

	opts := []whisper.Option{}
	if lang := a.cfg.Transcriber.Language; lang != "" {
		opts = append(opts, whisper.WithLanguage(lang))
	}
	if n := a.cfg.Transcriber.Threads; n > 0 {
		opts = append(opts, whisper.WithThreads(uint(n)))
	}
	if n := a.cfg.Transcriber.MaxConcurrency; n > 0 {
		opts = append(opts, whisper.WithMaxConcurrency(n))
	}

	backend, err := whisper.New(a.cfg.Transcriber.ModelPath, opts...)
	if err != nil {
		return err
	}
	a.backend = backend
	a.closers = append(a.closers, backend.Close)
	a.log.Info("speech model loaded", "model", a.cfg.Transcriber.ModelPath)
	return nil
}

// initPipeline assembles sinks, pool, and session manager around the
// backend.
func (a *App) initPipeline() error {
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	a.hub = sink.NewHub(sink.WithHubLogger(a.log))

	pubs := []session.Publisher{sink.NewLog(a.log), a.hub, a.botRef}
	if a.extraPub != nil {
		pubs = append(pubs, a.extraPub)
	}
	var pub session.Publisher = sink.Multi(pubs...)

	if a.cfg.Cleanup.Enabled() {
		completer, err := transcript.NewCompleter(a.cfg.Cleanup.Provider, a.cfg.Cleanup.Model, a.cfg.Cleanup.APIKey)
		if err != nil {
			return err
		}
		pub = transcript.NewCorrector(pub, completer, transcript.WithCorrectorLogger(a.log))
		a.log.Info("transcript cleanup enabled", "provider", a.cfg.Cleanup.Provider, "model", a.cfg.Cleanup.Model)
	}
	filter := transcript.NewFilter(pub)
	pub = filter

	deliver := func(r pool.Result) {
		status := "ok"
		if r.Err != nil {
			status = "error"
		}
		a.metrics.ResultsDelivered.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("status", status)))
		a.mgr.Deliver(r)
	}

	p, err := pool.New(observe.Instrument(a.backend, a.metrics), deliver, pool.Config{
		QueueSize:              a.cfg.Pipeline.QueueSize,
		Policy:                 pool.Policy(a.cfg.Pipeline.OverflowPolicy),
		SegmentTimeout:         a.cfg.Transcriber.SegmentTimeout(),
		MaxConsecutiveTimeouts: a.cfg.Transcriber.MaxConsecutiveTimeouts,
	}, pool.WithActiveCheck(func(userID, guildID string) bool {
		return a.mgr.Active(userID, guildID)
	}), pool.WithLogger(a.log))
	if err != nil {
		return err
	}
	a.pool = p

	enqueue := func(seg stt.Segment) bool {
		a.metrics.SegmentsEmitted.Add(context.Background(), 1)
		return a.pool.Enqueue(seg)
	}

	sessOpts := []session.Option{
		session.WithLogger(a.log),
		session.WithSessionEndHook(filter.Forget),
	}
	if a.cfg.Recordings.Enabled {
		archive, err := recording.NewArchive(a.cfg.Recordings.Dir, recording.WithLogger(a.log))
		if err != nil {
			return err
		}
		sessOpts = append(sessOpts, session.WithRecorder(archive))
		a.log.Info("recordings enabled", "dir", a.cfg.Recordings.Dir)
	}

	mgr, err := session.New(a.store, enqueue, pub, session.Config{
		IdleTimeout: a.cfg.Pipeline.IdleTimeout(),
		Assembler: assembler.Config{
			SilenceGap:   a.cfg.Pipeline.SilenceGap(),
			MinSegment:   a.cfg.Pipeline.MinSegment(),
			MaxSegment:   a.cfg.Pipeline.MaxSegment(),
			JitterWindow: a.cfg.Pipeline.JitterWindow(),
		},
	}, sessOpts...)
	if err != nil {
		return err
	}
	a.mgr = mgr
	return nil
}

// initBot connects to Discord when a token is configured. Without one the
// server still runs: the websocket hub and HTTP surface stay available,
// which is how tests exercise the pipeline.
func (a *App) initBot() error {
	if a.cfg.Discord.Token == "" {
		a.log.Warn("no discord token configured, voice capture disabled")
		return nil
	}

	bot, err := discord.New(a.cfg.Discord.Token, a.cfg.Discord.GuildID, a.mgr, a.store, discord.WithLogger(a.log))
	if err != nil {
		return err
	}
	a.bot = bot
	a.botRef.set(bot)
	a.log.Info("discord connected", "guild_id", a.cfg.Discord.GuildID)
	return nil
}

// initMetrics registers the scrape-time gauges over the live pool and
// session registry.
func (a *App) initMetrics() error {
	if err := a.metrics.ObserveQueueDepth(func() int64 { return int64(a.pool.Depth()) }); err != nil {
		return err
	}
	if err := a.metrics.ObserveActiveSessions(func() int64 { return int64(a.mgr.ActiveCount()) }); err != nil {
		return err
	}
	return a.metrics.ObserveDroppedSegments(func() int64 { return int64(a.pool.Dropped()) })
}

// initHTTP builds the metrics, probe, and websocket surface.
func (a *App) initHTTP() {
	addr := a.cfg.Server.ListenAddr
	if addr == "" {
		addr = defaultListenAddr
	}

	checkers := []health.Checker{health.ModelFile(a.cfg.Transcriber.ModelPath)}
	if a.cfg.Recordings.Enabled {
		checkers = append(checkers, health.RecordingsDir(a.cfg.Recordings.Dir))
	}
	if a.db != nil {
		checkers = append(checkers, health.Database(a.db))
	}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.Handle("GET /ws", a.hub)
	health.New(checkers...).Register(mux)

	a.srv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}
}

// Run starts the pool, HTTP server, and Discord command loop, then blocks
// until ctx is cancelled or the pipeline fails fatally.
func (a *App) Run(ctx context.Context) error {
	a.pool.Start(ctx)

	httpErr := make(chan error, 1)
	go func() {
		a.log.Info("http listening", "addr", a.srv.Addr)
		if err := a.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- fmt.Errorf("app: http server: %w", err)
		}
	}()

	if a.bot != nil {
		go func() {
			if err := a.bot.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				a.log.Error("discord bot stopped", "error", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-a.pool.Err():
		return fmt.Errorf("app: transcription pool failed: %w", err)
	case err := <-httpErr:
		return err
	}
}

// Shutdown stops capture, drains the pipeline, and closes subsystems in
// reverse-init order. Respects the ctx deadline; remaining closers are
// skipped when it expires.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		if a.bot != nil {
			if err := a.bot.Close(); err != nil {
				a.log.Warn("discord close error", "error", err)
			}
		}

		a.mgr.StopAll()
		a.pool.Stop()

		hctx, cancel := context.WithTimeout(ctx, httpShutdownGrace)
		if err := a.srv.Shutdown(hctx); err != nil {
			a.log.Warn("http shutdown error", "error", err)
		}
		cancel()

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				a.log.Warn("closer error", "index", i, "error", err)
			}
		}
		a.log.Info("shutdown complete")
	})
	return shutdownErr
}

// publisherRef defers the Discord publisher: the sink fanout is built
// before the bot exists because the bot needs the session manager.
type publisherRef struct {
	mu sync.RWMutex
	p  session.Publisher
}

var _ session.Publisher = (*publisherRef)(nil)

func (r *publisherRef) set(p session.Publisher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.p = p
}

func (r *publisherRef) Publish(ctx context.Context, line session.Line) error {
	r.mu.RLock()
	p := r.p
	r.mu.RUnlock()
	if p == nil {
		return nil
	}
	return p.Publish(ctx, line)
}
