package icetest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rzbill/ice/internal/ice"
)

// Opener returns a fresh, empty store. Implementations register their own
// cleanup on t.
type Opener func(t *testing.T) ice.Store

var epoch = time.UnixMilli(1_700_000_000_000)

func dj(id, topic string, dueMs, gen int64) ice.DelayJob {
	return ice.DelayJob{JobID: id, Topic: topic, DueMs: dueMs, Generation: gen}
}

func jobIDs(djs []ice.DelayJob) []string {
	out := make([]string, len(djs))
	for i, d := range djs {
		out[i] = d.JobID
	}
	return out
}

// RunStoreSuite checks the Job Pool, Delay Bucket, Ready Queue and atomic
// primitives of a backend.
func RunStoreSuite(t *testing.T, open Opener) {
	t.Run("PoolRoundTrip", func(t *testing.T) { testPoolRoundTrip(t, open(t)) })
	t.Run("BucketOrdering", func(t *testing.T) { testBucketOrdering(t, open(t)) })
	t.Run("BucketUpsert", func(t *testing.T) { testBucketUpsert(t, open(t)) })
	t.Run("ReadyFIFO", func(t *testing.T) { testReadyFIFO(t, open(t)) })
	t.Run("CommitBatch", func(t *testing.T) { testCommitBatch(t, open(t)) })
	t.Run("PromoteDue", func(t *testing.T) { testPromoteDue(t, open(t)) })
	t.Run("ConcurrentReadyPops", func(t *testing.T) { testConcurrentReadyPops(t, open(t)) })
}

func testPoolRoundTrip(t *testing.T, s ice.Store) {
	ctx := context.Background()
	pool := s.Pool()

	a := &ice.Job{ID: "sms-a", Topic: "sms", Body: json.RawMessage(`{"to":"+100"}`),
		TTR: 5 * time.Second, RetryCount: 2, Status: ice.StatusDelay, Generation: 7}
	b := &ice.Job{ID: "sms-b", Topic: "sms", Status: ice.StatusDelay, Generation: 8}
	c := &ice.Job{ID: "sms-c", Topic: "sms", Status: ice.StatusReserved, Generation: 9}
	require.NoError(t, pool.Push(ctx, a, b, c))

	got, err := pool.Get(ctx, "sms-a")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, a.ID, got.ID)
	require.Equal(t, 5*time.Second, got.TTR)
	require.Equal(t, 2, got.RetryCount)
	require.Equal(t, int64(7), got.Generation)
	require.JSONEq(t, `{"to":"+100"}`, string(got.Body))

	// bodies come back byte for byte, key order and NUL escapes included
	raw := &ice.Job{ID: "sms-raw", Topic: "sms", Body: json.RawMessage(`{"z":1,"a":"x\u0000y"}`), Status: ice.StatusDelay}
	require.NoError(t, pool.Push(ctx, raw))
	gotRaw, err := pool.Get(ctx, "sms-raw")
	require.NoError(t, err)
	require.Equal(t, `{"z":1,"a":"x\u0000y"}`, string(gotRaw.Body))
	require.NoError(t, pool.Remove(ctx, "sms-raw"))

	missing, err := pool.Get(ctx, "sms-zzz")
	require.NoError(t, err)
	require.Nil(t, missing)

	many, err := pool.GetMany(ctx, []string{"sms-c", "nope", "sms-a", "sms-b"}, 0)
	require.NoError(t, err)
	require.Len(t, many, 3)
	require.Equal(t, []string{"sms-c", "sms-a", "sms-b"}, []string{many[0].ID, many[1].ID, many[2].ID})

	limited, err := pool.GetMany(ctx, []string{"sms-c", "nope", "sms-a", "sms-b"}, 2)
	require.NoError(t, err)
	require.Len(t, limited, 2)
	require.Equal(t, "sms-a", limited[1].ID)

	// last write wins
	a2 := a.Clone()
	a2.Status = ice.StatusReserved
	a2.Generation = 70
	require.NoError(t, pool.Push(ctx, a2))
	got, err = pool.Get(ctx, "sms-a")
	require.NoError(t, err)
	require.Equal(t, ice.StatusReserved, got.Status)
	require.Equal(t, int64(70), got.Generation)

	seen := map[string]bool{}
	require.NoError(t, pool.Scan(ctx, func(j *ice.Job) bool {
		seen[j.ID] = true
		return true
	}))
	require.Len(t, seen, 3)

	require.NoError(t, pool.Remove(ctx, "sms-a", "never-existed"))
	require.NoError(t, pool.Remove(ctx, "sms-a"))
	got, err = pool.Get(ctx, "sms-a")
	require.NoError(t, err)
	require.Nil(t, got)
}

func testBucketOrdering(t *testing.T, s ice.Store) {
	ctx := context.Background()
	bucket := s.Bucket()
	base := epoch.UnixMilli()

	require.NoError(t, bucket.Add(ctx,
		dj("x-a", "x", base+300, 1),
		dj("x-d", "x", base+100, 1),
		dj("x-c", "x", base+200, 1),
	))
	// equal due times: ids sort opposite to arrival
	require.NoError(t, bucket.Add(ctx, dj("x-b", "x", base+100, 1)))
	require.NoError(t, bucket.Add(ctx, dj("x-0", "x", base+100, 1)))

	n, err := bucket.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, 5, n)

	none, err := bucket.PopBefore(ctx, time.UnixMilli(base+50), 10)
	require.NoError(t, err)
	require.Empty(t, none)

	head, err := bucket.PopBefore(ctx, time.UnixMilli(base+250), 1)
	require.NoError(t, err)
	require.Equal(t, []string{"x-d"}, jobIDs(head))

	next, err := bucket.PopBefore(ctx, time.UnixMilli(base+250), 1)
	require.NoError(t, err)
	require.Equal(t, []string{"x-b"}, jobIDs(next))

	rest, err := bucket.PopBefore(ctx, time.UnixMilli(base+250), 10)
	require.NoError(t, err)
	require.Equal(t, []string{"x-0", "x-c"}, jobIDs(rest))
	require.Equal(t, base+200, rest[1].DueMs)

	n, err = bucket.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func testBucketUpsert(t *testing.T, s ice.Store) {
	ctx := context.Background()
	bucket := s.Bucket()
	base := epoch.UnixMilli()

	require.NoError(t, bucket.Add(ctx, dj("x-a", "x", base+100, 1)))
	require.NoError(t, bucket.Add(ctx, dj("x-a", "x", base+500, 2)))

	n, err := bucket.Len(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n, "entries are unique by job id")

	early, err := bucket.PopBefore(ctx, time.UnixMilli(base+200), 10)
	require.NoError(t, err)
	require.Empty(t, early, "repositioned entry must not fire at its old time")

	late, err := bucket.PopBefore(ctx, time.UnixMilli(base+500), 10)
	require.NoError(t, err)
	require.Len(t, late, 1)
	require.Equal(t, int64(2), late[0].Generation)
	require.Equal(t, base+500, late[0].DueMs)
}

func testReadyFIFO(t *testing.T, s ice.Store) {
	ctx := context.Background()
	ready := s.Ready()

	empty, err := ready.Pop(ctx, "x")
	require.NoError(t, err)
	require.Nil(t, empty)
	emptyN, err := ready.PopN(ctx, "x", 3)
	require.NoError(t, err)
	require.Empty(t, emptyN)

	require.NoError(t, ready.Push(ctx, "x", dj("x-1", "x", 1, 11), dj("x-2", "x", 1, 12)))
	require.NoError(t, ready.Push(ctx, "x", dj("x-3", "x", 1, 13)))
	require.NoError(t, ready.Push(ctx, "y", dj("y-1", "y", 1, 21)))

	n, err := ready.Len(ctx, "x")
	require.NoError(t, err)
	require.Equal(t, 3, n)

	head, err := ready.Pop(ctx, "x")
	require.NoError(t, err)
	require.NotNil(t, head)
	require.Equal(t, "x-1", head.JobID)
	require.Equal(t, int64(11), head.Generation)
	require.Equal(t, "x", head.Topic)

	rest, err := ready.PopN(ctx, "x", 5)
	require.NoError(t, err)
	require.Equal(t, []string{"x-2", "x-3"}, jobIDs(rest))

	other, err := ready.Pop(ctx, "y")
	require.NoError(t, err)
	require.Equal(t, "y-1", other.JobID)

	// topics sharing a prefix stay isolated
	require.NoError(t, ready.Push(ctx, "sms2", dj("sms2-1", "sms2", 1, 1)))
	none, err := ready.Pop(ctx, "sms")
	require.NoError(t, err)
	require.Nil(t, none)
}

func testCommitBatch(t *testing.T, s ice.Store) {
	ctx := context.Background()
	base := epoch.UnixMilli()

	require.NoError(t, s.Pool().Push(ctx, &ice.Job{ID: "x-old", Topic: "x", Status: ice.StatusDelay}))

	b := &ice.Batch{}
	j1 := &ice.Job{ID: "x-1", Topic: "x", Status: ice.StatusDelay, Generation: 1}
	j2 := &ice.Job{ID: "x-2", Topic: "x", Status: ice.StatusDelay, Generation: 2}
	b.Put(j1)
	b.Put(j2)
	b.Schedule(ice.NewDelayJob(j1, time.UnixMilli(base+10)))
	b.Schedule(ice.NewDelayJob(j2, time.UnixMilli(base+20)))
	b.Remove("x-old")
	require.NoError(t, s.Commit(ctx, b))

	for _, id := range []string{"x-1", "x-2"} {
		j, err := s.Pool().Get(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, j, id)
	}
	gone, err := s.Pool().Get(ctx, "x-old")
	require.NoError(t, err)
	require.Nil(t, gone)

	// re-scheduling the same job within one batch keeps only the last entry
	b = &ice.Batch{}
	b.Schedule(dj("x-1", "x", base+30, 3))
	b.Schedule(dj("x-1", "x", base+40, 4))
	require.NoError(t, s.Commit(ctx, b))

	due, err := s.Bucket().PopBefore(ctx, time.UnixMilli(base+100), 10)
	require.NoError(t, err)
	require.Equal(t, []string{"x-2", "x-1"}, jobIDs(due))
	require.Equal(t, int64(4), due[1].Generation)

	require.NoError(t, s.Commit(ctx, &ice.Batch{}))
}

func testPromoteDue(t *testing.T, s ice.Store) {
	ctx := context.Background()
	base := epoch.UnixMilli()

	require.NoError(t, s.Bucket().Add(ctx,
		dj("a-1", "a", base+10, 1),
		dj("b-1", "b", base+20, 1),
		dj("a-2", "a", base+30, 1),
		dj("a-3", "a", base+5000, 1),
	))

	moved, err := s.PromoteDue(ctx, time.UnixMilli(base+100), 10)
	require.NoError(t, err)
	require.Equal(t, []string{"a-1", "b-1", "a-2"}, jobIDs(moved))

	as, err := s.Ready().PopN(ctx, "a", 10)
	require.NoError(t, err)
	require.Equal(t, []string{"a-1", "a-2"}, jobIDs(as))
	bs, err := s.Ready().PopN(ctx, "b", 10)
	require.NoError(t, err)
	require.Equal(t, []string{"b-1"}, jobIDs(bs))

	n, err := s.Bucket().Len(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	again, err := s.PromoteDue(ctx, time.UnixMilli(base+100), 10)
	require.NoError(t, err)
	require.Empty(t, again)
}

func testConcurrentReadyPops(t *testing.T, s ice.Store) {
	ctx := context.Background()
	const total = 200
	entries := make([]ice.DelayJob, total)
	for i := range entries {
		entries[i] = dj(fmt.Sprintf("c-%03d", i), "c", 1, int64(i))
	}
	require.NoError(t, s.Ready().Push(ctx, "c", entries...))

	var mu sync.Mutex
	seen := map[string]int{}
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				got, err := s.Ready().PopN(ctx, "c", 7)
				if err != nil {
					t.Errorf("pop: %v", err)
					return
				}
				if len(got) == 0 {
					return
				}
				mu.Lock()
				for _, d := range got {
					seen[d.JobID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, seen, total)
	for id, n := range seen {
		require.Equal(t, 1, n, "entry %s popped %d times", id, n)
	}
}
