package serverrun

import (
	"context"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	cfgpkg "github.com/rzbill/ice/internal/config"
	logpkg "github.com/rzbill/ice/pkg/log"
)

func TestResolveConfigStoreSubdirectory(t *testing.T) {
	cfg := cfgpkg.Default()
	cfg.DataDir = "/tmp/ice"
	got := resolveConfig(cfg)
	if want := filepath.Join("/tmp/ice", "store"); got.DataDir != want {
		t.Errorf("Expected store dir %s, got %s", want, got.DataDir)
	}
}

func TestResolveConfigDefaultDataDir(t *testing.T) {
	got := resolveConfig(cfgpkg.Default())
	if !strings.HasSuffix(got.DataDir, "store") {
		t.Errorf("DataDir should end in store, got %s", got.DataDir)
	}
	if !filepath.IsAbs(got.DataDir) && !strings.HasPrefix(got.DataDir, "data") {
		t.Errorf("DataDir should be absolute or under ./data, got %s", got.DataDir)
	}
}

func TestResolveConfigLeavesRemoteBackends(t *testing.T) {
	cfg := cfgpkg.Default()
	cfg.Backend = cfgpkg.BackendRedis
	cfg.DataDir = ""
	if got := resolveConfig(cfg); got.DataDir != "" {
		t.Errorf("remote backend should not get a data dir, got %s", got.DataDir)
	}
}

func TestProcessLoggerFallback(t *testing.T) {
	if l := processLogger(cfgpkg.LogConfig{Level: "debug", Format: "json"}); l.GetLevel() != logpkg.DebugLevel {
		t.Errorf("level not applied: %v", l.GetLevel())
	}
	if l := processLogger(cfgpkg.LogConfig{Level: "chatty", Format: "xml"}); l == nil {
		t.Errorf("expected a fallback logger")
	}
}

// TestRunIntegration starts both servers on ephemeral ports and stops them
// through the context.
func TestRunIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}
	cfg := cfgpkg.Default()
	cfg.DataDir = t.TempDir()
	cfg.Fsync = "never"
	cfg.Server.GRPCAddr = "127.0.0.1:0"
	cfg.Server.HTTPAddr = "127.0.0.1:0"

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	quiet := logpkg.NewLogger(logpkg.WithOutput(logpkg.NullOutput{}))
	if err := Run(ctx, Options{Config: cfg, Logger: quiet}); err != nil {
		t.Errorf("Expected clean shutdown, got %v", err)
	}
}

func TestRunReportsListenError(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer l.Close()

	cfg := cfgpkg.Default()
	cfg.DataDir = t.TempDir()
	cfg.Server.GRPCAddr = "127.0.0.1:0"
	cfg.Server.HTTPAddr = l.Addr().String()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	quiet := logpkg.NewLogger(logpkg.WithOutput(logpkg.NullOutput{}))
	if err := Run(ctx, Options{Config: cfg, Logger: quiet}); err == nil || !strings.Contains(err.Error(), "http") {
		t.Errorf("expected http listen error, got %v", err)
	}
}

func TestRunRejectsInvalidConfig(t *testing.T) {
	cfg := cfgpkg.Default()
	cfg.Backend = "nope"
	quiet := logpkg.NewLogger(logpkg.WithOutput(logpkg.NullOutput{}))
	if err := Run(context.Background(), Options{Config: cfg, Logger: quiet}); err == nil {
		t.Errorf("expected error for unknown backend")
	}
}
