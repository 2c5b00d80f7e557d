package redisice

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	r "github.com/redis/go-redis/v9"

	"github.com/rzbill/ice/internal/ice"
	"github.com/rzbill/ice/internal/ice/icetest"
	logpkg "github.com/rzbill/ice/pkg/log"
)

func openTestStore(t *testing.T) ice.Store {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := r.NewClient(&r.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(Options{
		Client: rdb,
		Logger: logpkg.NewLogger(logpkg.WithOutput(logpkg.NullOutput{})),
	})
}

func TestStoreConformance(t *testing.T) {
	icetest.RunStoreSuite(t, openTestStore)
}

func TestQueueConformance(t *testing.T) {
	icetest.RunQueueSuite(t, openTestStore)
}

func TestKeyPrefix(t *testing.T) {
	mr := miniredis.RunT(t)
	s, err := Open(context.Background(), Options{Addr: mr.Addr(), KeyPrefix: "{tenant-a}"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	ctx := context.Background()
	d := ice.DelayJob{JobID: "x-1", Topic: "x", DueMs: 10, Generation: 3}
	if err := s.Bucket().Add(ctx, d); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := s.PromoteDue(ctx, time.UnixMilli(10), 10); err != nil {
		t.Fatalf("promote: %v", err)
	}
	if !mr.Exists("{tenant-a}:ready:x") {
		t.Fatalf("ready list not under prefix; keys=%v", mr.Keys())
	}
	got, err := mr.Lpop("{tenant-a}:ready:x")
	if err != nil {
		t.Fatalf("lpop: %v", err)
	}
	if got != "3|10|x-1" {
		t.Fatalf("ready entry = %q", got)
	}
}

func TestDecodeReady(t *testing.T) {
	d, err := decodeReady("t", "12|1700000000000|t-a|b")
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if d.JobID != "t-a|b" || d.Generation != 12 || d.DueMs != 1700000000000 || d.Topic != "t" {
		t.Fatalf("unexpected %+v", d)
	}
	if _, err := decodeReady("t", "garbage"); err == nil {
		t.Fatalf("expected error")
	}
}

func TestOpenUnreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := Open(ctx, Options{Addr: "127.0.0.1:1"}); err == nil {
		t.Fatalf("expected connection error")
	}
}
