package sync

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// drainTimeout bounds how long shutdown waits for in-flight uploads before
// canceling them. A canceled upload leaves its record untouched and is
// retried on the next startup.
const drainTimeout = 30 * time.Second

// EngineOptions assemble an Engine. Everything is explicit so tests can
// construct an engine against a temp root and a fake endpoint.
type EngineOptions struct {
	Root             string
	Extensions       []string
	Endpoint         Endpoint
	Store            *Store
	SyncInterval     time.Duration
	Workers          int
	PropagateDeletes bool
	Logger           *slog.Logger
}

// Engine owns the daemon's runtime: the pending queue, the watcher, the
// reconciler, and the upload workers, supervised under a single
// cancellation token.
type Engine struct {
	runID      string
	root       string
	store      *Store
	queue      *Queue
	filter     *Filter
	watcher    *Watcher
	reconciler *Reconciler
	uploader   *Uploader
	logger     *slog.Logger
	interval   time.Duration
}

// NewEngine wires the components together. Nothing runs until Run.
func NewEngine(opts EngineOptions) *Engine {
	runID := uuid.NewString()
	logger := opts.Logger.With("run_id", runID)

	filter := NewFilter(opts.Root, opts.Extensions)
	queue := NewQueue(DefaultQueueSoftLimit, logger)

	return &Engine{
		runID:      runID,
		root:       opts.Root,
		store:      opts.Store,
		queue:      queue,
		filter:     filter,
		watcher:    NewWatcher(filter, queue, logger),
		reconciler: NewReconciler(filter, opts.Store, queue, opts.SyncInterval, logger),
		uploader: NewUploader(opts.Root, opts.Store, queue, opts.Endpoint,
			opts.Workers, opts.PropagateDeletes, logger),
		logger:   logger,
		interval: opts.SyncInterval,
	}
}

// Run starts every task and blocks until ctx is canceled (clean shutdown,
// returns nil) or a task hits an unrecoverable error (returned, wrapping
// ErrStateStore for state failures). Shutdown order: producers stop, the
// drain window lets in-flight uploads finish, the store flushes.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("sync engine starting",
		"root", e.root,
		"sync_interval", e.interval,
	)

	// ioCtx outlives ctx so in-flight uploads can finish during the drain
	// window; it is canceled when the window expires.
	ioCtx, ioCancel := context.WithCancel(context.Background())
	defer ioCancel()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := e.watcher.Run(gctx); err != nil {
			// Watch failure is a degradation, not a daemon failure: the
			// reconciler keeps the system correct.
			e.logger.Warn("watcher unavailable, running in polling-only mode", "error", err)
		}

		return nil
	})

	e.uploader.Start(gctx, ioCtx)

	g.Go(func() error {
		return e.reconciler.Run(gctx)
	})

	g.Go(func() error {
		return e.flushLoop(gctx)
	})

	g.Go(func() error {
		e.statusLoop(gctx)
		return nil
	})

	runErr := g.Wait()

	e.drain(ioCancel)

	// Final durability barrier, on a fresh context — the run context is
	// already canceled.
	if err := e.store.Flush(context.Background()); err != nil {
		e.logger.Error("final state flush failed", "error", err)

		if runErr == nil {
			runErr = err
		}
	}

	if runErr != nil {
		return fmt.Errorf("sync: engine stopped: %w", runErr)
	}

	e.logger.Info("sync engine stopped cleanly")

	return nil
}

// drain waits for in-flight uploads up to drainTimeout, then cancels them.
func (e *Engine) drain(ioCancel context.CancelFunc) {
	select {
	case <-e.uploader.Done():
		return
	case <-time.After(drainTimeout):
		e.logger.Warn("drain window expired, canceling in-flight uploads",
			"timeout", drainTimeout)
		ioCancel()
	}

	<-e.uploader.Done()
}

// flushLoop persists batched upload commits once per sync interval. The
// store retries internally, so an error here is persistent and fatal.
func (e *Engine) flushLoop(ctx context.Context) error {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := e.store.Flush(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}

				return err
			}
		}
	}
}

// statusLoop emits a periodic health line.
func (e *Engine) statusLoop(ctx context.Context) {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.logger.Info("status",
				"queue_depth", e.queue.Depth(),
				"records", e.store.Len(),
				"watcher_degraded", e.watcher.Degraded(),
			)
		}
	}
}
