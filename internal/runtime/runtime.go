package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	cfgpkg "github.com/rzbill/ice/internal/config"
	"github.com/rzbill/ice/internal/ice"
	pebblestore "github.com/rzbill/ice/internal/storage/pebble"
	pebbleice "github.com/rzbill/ice/internal/stores/pebble"
	pgice "github.com/rzbill/ice/internal/stores/postgres"
	redisice "github.com/rzbill/ice/internal/stores/redis"
	logpkg "github.com/rzbill/ice/pkg/log"
)

// Options for building the Runtime.
type Options struct {
	Config cfgpkg.Config
	Logger logpkg.Logger
	// Clock overrides time.Now for the queue and scheduler. Tests only.
	Clock func() time.Time
}

// Runtime wires a backend, the queue facade and the scheduler for one
// process.
type Runtime struct {
	store     ice.Store
	queue     *ice.Ice
	scheduler *ice.Scheduler
	config    cfgpkg.Config
	logger    logpkg.Logger
	started   bool
}

// Open connects the configured backend and returns a Runtime. The
// scheduler is not started until Start.
func Open(ctx context.Context, opts Options) (*Runtime, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = logpkg.NewLogger(logpkg.WithLevel(logpkg.InfoLevel))
	}

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	qopts := []ice.Option{
		ice.WithTTR(cfg.Queue.TTR()),
		ice.WithRetryCount(cfg.Queue.RetryCount),
		ice.WithMaxTombstoneRetries(cfg.Queue.MaxTombstoneRetries),
		ice.WithCommitRetry(cfg.Queue.CommitAttempts, cfg.Queue.CommitBackoff()),
		ice.WithDeadLetterTopic(cfg.Queue.DeadLetterTopic),
		ice.WithTopics(cfg.Queue.Topics...),
		ice.WithLogger(logger),
	}
	if opts.Clock != nil {
		qopts = append(qopts, ice.WithClock(opts.Clock))
	}

	rt := &Runtime{
		store:  store,
		queue:  ice.New(store, qopts...),
		config: cfg,
		logger: logger.WithComponent("runtime"),
	}
	if cfg.Scheduler.Enabled {
		rt.scheduler = ice.NewScheduler(store, ice.SchedulerOptions{
			Interval:  cfg.Scheduler.Interval(),
			BatchSize: cfg.Scheduler.BatchSize,
			Clock:     opts.Clock,
			Logger:    logger,
		})
	}
	rt.logger.Info("runtime opened", logpkg.Str("backend", cfg.Backend))
	return rt, nil
}

func openStore(ctx context.Context, cfg cfgpkg.Config, logger logpkg.Logger) (ice.Store, error) {
	switch cfg.Backend {
	case cfgpkg.BackendPebble:
		fsync, err := pebblestore.ParseFsyncMode(cfg.Fsync)
		if err != nil {
			return nil, err
		}
		dir := cfg.DataDir
		if dir == "" {
			dir = cfgpkg.DefaultDataDir()
		}
		return pebbleice.Open(pebbleice.Options{
			DataDir:       dir,
			Fsync:         fsync,
			FsyncInterval: time.Duration(cfg.FsyncIntervalMs) * time.Millisecond,
			SlowCommit:    time.Duration(cfg.SlowCommitMs) * time.Millisecond,
			Logger:        logger,
		})
	case cfgpkg.BackendRedis:
		return redisice.Open(ctx, redisice.Options{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
			Logger:    logger,
		})
	case cfgpkg.BackendPostgres:
		return pgice.Open(ctx, pgice.Options{
			DSN:         cfg.Postgres.DSN,
			MaxConns:    cfg.Postgres.MaxConns,
			SkipMigrate: cfg.Postgres.SkipMigrate,
			Logger:      logger,
		})
	}
	return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
}

// Start launches the scheduler if it is enabled.
func (r *Runtime) Start() {
	if r.scheduler == nil || r.started {
		return
	}
	r.scheduler.Start()
	r.started = true
}

// Close stops the scheduler and closes the backend.
func (r *Runtime) Close() error {
	if r.started {
		r.scheduler.Stop()
		r.started = false
	}
	if r.store == nil {
		return nil
	}
	err := r.store.Close()
	r.store = nil
	return err
}

// CheckHealth pings the backend.
func (r *Runtime) CheckHealth(ctx context.Context) error {
	if r.store == nil {
		return errors.New("store not open")
	}
	return r.store.Ping(ctx)
}

// Store returns the backend.
func (r *Runtime) Store() ice.Store { return r.store }

// Ice returns the queue facade.
func (r *Runtime) Ice() *ice.Ice { return r.queue }

// Scheduler returns the scheduler, or nil when disabled.
func (r *Runtime) Scheduler() *ice.Scheduler { return r.scheduler }

// Config returns the runtime configuration.
func (r *Runtime) Config() cfgpkg.Config { return r.config }
