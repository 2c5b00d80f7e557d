package serverrun

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	cfgpkg "github.com/rzbill/ice/internal/config"
	"github.com/rzbill/ice/internal/runtime"
	grpcserver "github.com/rzbill/ice/internal/server/grpc"
	httpserver "github.com/rzbill/ice/internal/server/http"
	logpkg "github.com/rzbill/ice/pkg/log"
)

type Options struct {
	// Config is the fully resolved configuration (file, env and flags).
	Config cfgpkg.Config
	// Logger overrides the process logger built from Config.Log.
	Logger logpkg.Logger
}

// Run starts the runtime, the scheduler and the gRPC and HTTP servers, and
// blocks until ctx is cancelled or a termination signal arrives.
func Run(ctx context.Context, opts Options) error {
	sctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg := resolveConfig(opts.Config)

	procLogger := opts.Logger
	if procLogger == nil {
		procLogger = processLogger(cfg.Log)
	}
	// Pebble and grpc write through the standard library logger.
	restore := logpkg.RedirectStdLog(procLogger)
	defer restore()

	rt, err := runtime.Open(sctx, runtime.Options{Config: cfg, Logger: procLogger})
	if err != nil {
		return fmt.Errorf("open runtime: %w", err)
	}
	defer rt.Close()
	rt.Start()

	procLogger.Info("Starting ICE server",
		logpkg.Str("backend", cfg.Backend),
		logpkg.Str("grpc", cfg.Server.GRPCAddr),
		logpkg.Str("http", cfg.Server.HTTPAddr),
		logpkg.Bool("scheduler", cfg.Scheduler.Enabled),
		logpkg.Str("level", cfg.Log.Level),
		logpkg.Str("format", cfg.Log.Format),
	)

	gsrv := grpcserver.New(rt, procLogger)
	hsrv := httpserver.New(rt, procLogger)

	errCh := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := gsrv.ListenAndServe(sctx, cfg.Server.GRPCAddr); err != nil && sctx.Err() == nil {
			errCh <- fmt.Errorf("grpc: %w", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := hsrv.ListenAndServe(sctx, cfg.Server.HTTPAddr); err != nil && sctx.Err() == nil {
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()

	var runErr error
	select {
	case <-sctx.Done():
	case runErr = <-errCh:
		procLogger.Error("server failed", logpkg.Err(runErr))
	}
	// Stop the servers before the runtime closes the store underneath them.
	stop()
	gsrv.Close()
	hsrv.Close()
	wg.Wait()
	procLogger.Info("ICE server stopped")
	return runErr
}

// resolveConfig fills in the embedded store directory: <dataDir>/store.
func resolveConfig(cfg cfgpkg.Config) cfgpkg.Config {
	if cfg.Backend == cfgpkg.BackendPebble {
		base := cfg.DataDir
		if base == "" {
			base = cfgpkg.DefaultDataDir()
		}
		cfg.DataDir = filepath.Join(base, "store")
	}
	return cfg
}

func processLogger(c cfgpkg.LogConfig) logpkg.Logger {
	lc := &logpkg.Config{Level: c.Level, Format: c.Format}
	l, err := logpkg.ApplyConfig(lc)
	if err == nil {
		return l
	}
	lvl := logpkg.InfoLevel
	if parsed, e := logpkg.ParseLevel(c.Level); e == nil {
		lvl = parsed
	}
	return logpkg.NewLogger(logpkg.WithLevel(lvl), logpkg.WithFormatter(&logpkg.TextFormatter{}))
}
