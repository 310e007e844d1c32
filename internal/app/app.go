package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"murmurscreen/internal/backfill"
	"murmurscreen/internal/client"
	"murmurscreen/internal/config"
	"murmurscreen/internal/events"
	"murmurscreen/internal/httpapi"
	"murmurscreen/internal/jobs"
	"murmurscreen/internal/metrics"
	"murmurscreen/internal/notify"
	"murmurscreen/internal/pipeline"
	"murmurscreen/internal/store"
	"murmurscreen/internal/watch"
)

const shutdownGrace = 10 * time.Second

// App wires the agent components together.
type App struct {
	cfg     config.Config
	log     *zap.Logger
	store   *store.Store
	bus     *events.Bus
	metrics *metrics.Metrics
	runner  *jobs.Runner
	inbox   backfill.Inbox
	watcher *watch.Watcher
	mux     *http.ServeMux
}

func New(cfg config.Config, log *zap.Logger) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}
	for _, dir := range []string{cfg.InboxDir, cfg.OutboxDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	bus := events.NewBus()
	m := metrics.New()
	screening := client.NewScreening(cfg.APIURL,
		client.WithTimeout(cfg.HTTPTimeout()),
		client.WithLogger(log.Named("client")),
		client.WithStrictContract(cfg.StrictContract))
	registry := pipeline.BuildRegistry(pipeline.Deps{
		Cfg:       cfg,
		Store:     st,
		Predictor: screening,
		Notifier:  notify.New(cfg.NotifyWebhook, cfg.HTTPTimeout()),
		Metrics:   m,
		Bus:       bus,
	})
	runner := jobs.NewRunner(cfg, st, registry,
		jobs.WithLogger(log.Named("jobs")),
		jobs.WithBus(bus),
		jobs.WithMetrics(m))

	a := &App{
		cfg:     cfg,
		log:     log,
		store:   st,
		bus:     bus,
		metrics: m,
		runner:  runner,
		inbox:   backfill.Inbox{Dir: cfg.InboxDir, Store: st, Runner: runner},
		mux:     http.NewServeMux(),
	}
	if cfg.EnableWatcher {
		a.watcher = watch.New(cfg.InboxDir, runner, log.Named("watch"))
	}
	httpapi.NewRouter(cfg, st, runner, m, a.Backfill, log).Register(a.mux)
	return a, nil
}

// Backfill enqueues up to limit inbox files that were never submitted. The
// startup pass uses BACKFILL_LIMIT; manual passes choose their own.
func (a *App) Backfill(ctx context.Context, limit int) (backfill.Summary, error) {
	return backfill.Run(ctx, a.inbox, limit, a.log.Named("backfill"))
}

// Run starts workers, watcher, startup backfill, and the HTTP server. It returns after ctx is
// cancelled and the server and workers have drained.
func (a *App) Run(ctx context.Context) error {
	a.runner.Start(ctx)
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		a.runner.Stop(stopCtx)
	}()

	sub := a.bus.Subscribe()
	defer a.bus.Unsubscribe(sub)
	go a.logEvents(sub)

	if a.watcher != nil {
		if _, err := a.watcher.Start(ctx); err != nil {
			return fmt.Errorf("start watcher: %w", err)
		}
	}
	if a.cfg.BackfillLimit > 0 {
		go func() {
			if _, err := a.Backfill(ctx, a.cfg.BackfillLimit); err != nil {
				a.log.Warn("startup backfill failed", zap.Error(err))
			}
		}()
	}

	srv := &http.Server{Addr: a.cfg.HTTPPort, Handler: a.mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()
	a.log.Info("agent listening",
		zap.String("addr", a.cfg.HTTPPort),
		zap.String("inbox", a.cfg.InboxDir),
		zap.String("api_url", a.cfg.APIURL),
		zap.Bool("watcher", a.watcher != nil))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (a *App) logEvents(sub <-chan events.Event) {
	for ev := range sub {
		fields := []zap.Field{zap.String("kind", ev.Kind), zap.String("subject", ev.Subject)}
		if ev.JobID != 0 {
			fields = append(fields, zap.Int64("job_id", ev.JobID), zap.String("stage", ev.Stage), zap.String("status", ev.Status))
		}
		if ev.Detail != "" {
			fields = append(fields, zap.String("detail", ev.Detail))
		}
		a.log.Debug("event", fields...)
	}
}

// Close releases the store.
func (a *App) Close() error { return a.store.Close() }

// EnqueueStage exposes pipeline stages for tests and the control plane.
func (a *App) EnqueueStage(ctx context.Context, subject string, stage jobs.Stage, params map[string]any) (*store.Job, error) {
	return a.runner.Enqueue(ctx, subject, stage, params)
}

func (a *App) Runner() *jobs.Runner      { return a.runner }
func (a *App) Store() *store.Store       { return a.store }
func (a *App) Mux() *http.ServeMux       { return a.mux }
func (a *App) Bus() *events.Bus          { return a.bus }
func (a *App) Metrics() metrics.Snapshot { return a.metrics.Snapshot() }
