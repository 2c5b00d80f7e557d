package pebbleice

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/rzbill/ice/internal/ice"
	"github.com/rzbill/ice/internal/ice/icetest"
	pebblestore "github.com/rzbill/ice/internal/storage/pebble"
	"github.com/rzbill/ice/pkg/id"
	logpkg "github.com/rzbill/ice/pkg/log"
)

func openTestStore(t *testing.T) ice.Store {
	t.Helper()
	s, err := Open(Options{
		DataDir:       t.TempDir(),
		Fsync:         pebblestore.FsyncModeInterval,
		FsyncInterval: 2 * time.Millisecond,
		Logger:        logpkg.NewLogger(logpkg.WithOutput(logpkg.NullOutput{})),
	})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStoreConformance(t *testing.T) {
	icetest.RunStoreSuite(t, openTestStore)
}

func TestQueueConformance(t *testing.T) {
	icetest.RunQueueSuite(t, openTestStore)
}

func TestKeysOrdering(t *testing.T) {
	g := id.NewGenerator()
	a := DelayKey(100, g.Next())
	b := DelayKey(100, g.Next())
	c := DelayKey(99, g.Next())
	if bytes.Compare(a, b) >= 0 {
		t.Fatalf("ties must keep insertion order")
	}
	if bytes.Compare(c, a) >= 0 {
		t.Fatalf("earlier due time must sort first")
	}
	if due, ok := parseDelayKey(a); !ok || due != 100 {
		t.Fatalf("parseDelayKey = %d, %v", due, ok)
	}
	if bytes.HasPrefix(ReadyKey("sms2", g.Next()), ReadyPrefix("sms")) {
		t.Fatalf("topic prefix leaked into another topic")
	}
}

func TestStateSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	quiet := logpkg.NewLogger(logpkg.WithOutput(logpkg.NullOutput{}))

	s, err := Open(Options{DataDir: dir, Fsync: pebblestore.FsyncModeAlways, Logger: quiet})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	q := ice.New(s, ice.WithLogger(quiet))
	if _, err := q.Add(ctx, "A", "sms", map[string]string{"to": "+100"}, 0); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s, err = Open(Options{DataDir: dir, Logger: quiet})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	sched := ice.NewScheduler(s, ice.SchedulerOptions{Logger: quiet})
	if n, err := sched.Tick(ctx); err != nil || n != 1 {
		t.Fatalf("tick after reopen: n=%d err=%v", n, err)
	}
	j, err := ice.New(s, ice.WithLogger(quiet)).Pop(ctx, "sms")
	if err != nil || j == nil || j.ID != "sms-A" {
		t.Fatalf("pop after reopen: %+v %v", j, err)
	}
	if err := s.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
}
