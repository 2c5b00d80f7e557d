package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	cfgpkg "github.com/rzbill/ice/internal/config"
	"github.com/rzbill/ice/internal/ice/icetest"
	logpkg "github.com/rzbill/ice/pkg/log"
)

func quiet() logpkg.Logger {
	return logpkg.NewLogger(logpkg.WithOutput(logpkg.NullOutput{}))
}

func TestOpenCloseHealth(t *testing.T) {
	cfg := cfgpkg.Default()
	cfg.DataDir = t.TempDir()
	cfg.Fsync = "always"
	rt, err := Open(context.Background(), Options{Config: cfg, Logger: quiet()})
	if err != nil {
		t.Fatalf("open runtime: %v", err)
	}
	defer rt.Close()
	if err := rt.CheckHealth(context.Background()); err != nil {
		t.Fatalf("health: %v", err)
	}
	if rt.Scheduler() == nil {
		t.Fatalf("scheduler should be enabled by default")
	}
	if err := rt.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := rt.CheckHealth(context.Background()); err == nil {
		t.Fatalf("health after close should fail")
	}
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	cfg := cfgpkg.Default()
	cfg.Backend = "etcd"
	if _, err := Open(context.Background(), Options{Config: cfg, Logger: quiet()}); err == nil {
		t.Fatalf("expected error for unknown backend")
	}
}

func TestRedisBackendDelivers(t *testing.T) {
	mr := miniredis.RunT(t)
	clock := icetest.NewClock(time.UnixMilli(1_700_000_000_000))

	cfg := cfgpkg.Default()
	cfg.Backend = cfgpkg.BackendRedis
	cfg.Redis.Addr = mr.Addr()
	cfg.Scheduler.Enabled = false
	ctx := context.Background()
	rt, err := Open(ctx, Options{Config: cfg, Logger: quiet(), Clock: clock.Now})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rt.Close()
	if rt.Scheduler() != nil {
		t.Fatalf("scheduler should be disabled")
	}

	if _, err := rt.Ice().Add(ctx, "1", "sms", map[string]string{"to": "+100"}, time.Second); err != nil {
		t.Fatalf("add: %v", err)
	}
	clock.Advance(time.Second)
	if _, err := rt.Store().PromoteDue(ctx, clock.Now(), 10); err != nil {
		t.Fatalf("promote: %v", err)
	}
	j, err := rt.Ice().Pop(ctx, "sms")
	if err != nil || j == nil || j.ID != "sms-1" {
		t.Fatalf("pop: %+v %v", j, err)
	}
}

func TestStartPromotesDueJobs(t *testing.T) {
	cfg := cfgpkg.Default()
	cfg.DataDir = t.TempDir()
	cfg.Scheduler.IntervalMs = 5
	ctx := context.Background()
	rt, err := Open(ctx, Options{Config: cfg, Logger: quiet()})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rt.Close()
	rt.Start()
	rt.Start()

	if _, err := rt.Ice().Add(ctx, "1", "mail", nil, 0); err != nil {
		t.Fatalf("add: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		j, err := rt.Ice().Pop(ctx, "mail")
		if err != nil {
			t.Fatalf("pop: %v", err)
		}
		if j != nil {
			if j.ID != "mail-1" {
				t.Fatalf("unexpected job %s", j.ID)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job never became ready")
}
