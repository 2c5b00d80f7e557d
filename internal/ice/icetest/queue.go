package icetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rzbill/ice/internal/ice"
	logpkg "github.com/rzbill/ice/pkg/log"
)

type harness struct {
	store ice.Store
	clock *Clock
	q     *ice.Ice
	sched *ice.Scheduler
}

func newHarness(t *testing.T, open Opener, opts ...ice.Option) *harness {
	t.Helper()
	s := open(t)
	clock := NewClock(epoch)
	quiet := logpkg.NewLogger(logpkg.WithOutput(logpkg.NullOutput{}))
	base := []ice.Option{
		ice.WithClock(clock.Now),
		ice.WithTTR(5 * time.Second),
		ice.WithLogger(quiet),
	}
	return &harness{
		store: s,
		clock: clock,
		q:     ice.New(s, append(base, opts...)...),
		sched: ice.NewScheduler(s, ice.SchedulerOptions{Clock: clock.Now, BatchSize: 16, Logger: quiet}),
	}
}

func (h *harness) tick(t *testing.T) int {
	t.Helper()
	n, err := h.sched.Tick(context.Background())
	require.NoError(t, err)
	return n
}

func ids(jobs []*ice.Job) []string {
	out := make([]string, len(jobs))
	for i, j := range jobs {
		out[i] = j.ID
	}
	return out
}

// RunQueueSuite drives the Ice facade and Scheduler against a backend.
func RunQueueSuite(t *testing.T, open Opener) {
	t.Run("DelayedDeliveryAndRedelivery", func(t *testing.T) { testDelayedDelivery(t, open) })
	t.Run("PopCountFIFO", func(t *testing.T) { testPopCountFIFO(t, open) })
	t.Run("EqualDueKeepsInsertionOrderAcrossBatches", func(t *testing.T) { testTieOrderAcrossBatches(t, open) })
	t.Run("FailedReservationRequeuesAtTail", func(t *testing.T) { testFailedReservationRequeue(t, open) })
	t.Run("PopCountTopsUpPastTombstones", func(t *testing.T) { testPopCountTopUp(t, open) })
	t.Run("DeleteBeforeDue", func(t *testing.T) { testDeleteBeforeDue(t, open) })
	t.Run("StaleReadyEntryDiscarded", func(t *testing.T) { testStaleEntry(t, open) })
	t.Run("ReaddRepositions", func(t *testing.T) { testReadd(t, open) })
	t.Run("SchedulerReservationRace", func(t *testing.T) { testSchedulerRace(t, open) })
	t.Run("RetryExhaustion", func(t *testing.T) { testRetryExhaustion(t, open) })
	t.Run("DeadLetterTopic", func(t *testing.T) { testDeadLetter(t, open) })
	t.Run("TombstoneBudget", func(t *testing.T) { testTombstoneBudget(t, open) })
	t.Run("TypedBody", func(t *testing.T) { testTypedBody(t, open) })
	t.Run("ListAndStats", func(t *testing.T) { testListAndStats(t, open) })
}

func testDelayedDelivery(t *testing.T, open Opener) {
	ctx := context.Background()
	h := newHarness(t, open)

	added, err := h.q.Add(ctx, "A", "sms", map[string]string{"to": "+100"}, 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, "sms-A", added.ID)
	require.Equal(t, ice.StatusDelay, added.Status)

	h.tick(t)
	j, err := h.q.Pop(ctx, "sms")
	require.NoError(t, err)
	require.Nil(t, j, "job must stay invisible before its delay")

	h.clock.Advance(2 * time.Second)
	require.Equal(t, 1, h.tick(t))
	j, err = h.q.Pop(ctx, "sms")
	require.NoError(t, err)
	require.NotNil(t, j)
	require.Equal(t, "sms-A", j.ID)
	require.Equal(t, ice.StatusReserved, j.Status)
	require.Equal(t, 1, j.Deliveries)

	stored, err := h.q.Get(ctx, "sms-A")
	require.NoError(t, err)
	require.Equal(t, ice.StatusReserved, stored.Status)

	again, err := h.q.Pop(ctx, "sms")
	require.NoError(t, err)
	require.Nil(t, again, "reserved job is invisible within its TTR")

	h.clock.Advance(4 * time.Second)
	h.tick(t)
	again, err = h.q.Pop(ctx, "sms")
	require.NoError(t, err)
	require.Nil(t, again)

	h.clock.Advance(time.Second)
	h.tick(t)
	redelivered, err := h.q.Pop(ctx, "sms")
	require.NoError(t, err)
	require.NotNil(t, redelivered, "unfinished job is redelivered after TTR")
	require.Equal(t, "sms-A", redelivered.ID)
	require.Equal(t, 2, redelivered.Deliveries)
	require.Equal(t, 2, redelivered.RetryCount)

	require.NoError(t, h.q.Finish(ctx, redelivered.ID))
	h.clock.Advance(time.Minute)
	h.tick(t)
	gone, err := h.q.Pop(ctx, "sms")
	require.NoError(t, err)
	require.Nil(t, gone, "finished job is never delivered again")

	stored, err = h.q.Get(ctx, "sms-A")
	require.NoError(t, err)
	require.Nil(t, stored)
}

func testTieOrderAcrossBatches(t *testing.T, open Opener) {
	ctx := context.Background()
	h := newHarness(t, open)
	quiet := logpkg.NewLogger(logpkg.WithOutput(logpkg.NullOutput{}))
	sched := ice.NewScheduler(h.store, ice.SchedulerOptions{Clock: h.clock.Now, BatchSize: 2, Logger: quiet})

	// ids sort in reverse of arrival
	for _, id := range []string{"c", "b", "a"} {
		_, err := h.q.Add(ctx, id, "x", nil, time.Second)
		require.NoError(t, err)
	}
	require.NoError(t, h.q.AddJobs(ctx,
		&ice.Job{ID: "9", Topic: "x", Delay: time.Second},
		&ice.Job{ID: "8", Topic: "x", Delay: time.Second},
		&ice.Job{ID: "7", Topic: "x", Delay: time.Second},
	))

	h.clock.Advance(time.Second)
	n, err := sched.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, 6, n)

	got, err := h.q.PopN(ctx, "x", 6)
	require.NoError(t, err)
	require.Equal(t, []string{"x-c", "x-b", "x-a", "x-9", "x-8", "x-7"}, ids(got))
}

// failingCommits delegates to a real store but rejects every batch commit.
type failingCommits struct {
	ice.Store
}

func (failingCommits) Commit(context.Context, *ice.Batch) error {
	return errors.New("write rejected")
}

func testFailedReservationRequeue(t *testing.T, open Opener) {
	ctx := context.Background()
	h := newHarness(t, open)
	quiet := logpkg.NewLogger(logpkg.WithOutput(logpkg.NullOutput{}))

	require.NoError(t, h.q.AddJobs(ctx,
		&ice.Job{ID: "1", Topic: "x"},
		&ice.Job{ID: "2", Topic: "x"},
	))
	h.tick(t)

	broken := ice.New(failingCommits{h.store}, ice.WithClock(h.clock.Now),
		ice.WithCommitRetry(1, 0), ice.WithLogger(quiet))
	j, err := broken.Pop(ctx, "x")
	var se *ice.StoreError
	require.ErrorAs(t, err, &se)
	require.Nil(t, j)

	got, err := h.q.PopN(ctx, "x", 2)
	require.NoError(t, err)
	require.Equal(t, []string{"x-2", "x-1"}, ids(got), "requeued entry goes to the tail")
}

func testPopCountFIFO(t *testing.T, open Opener) {
	ctx := context.Background()
	h := newHarness(t, open)

	require.NoError(t, h.q.AddJobs(ctx,
		&ice.Job{ID: "1", Topic: "x"},
		&ice.Job{ID: "2", Topic: "x"},
		&ice.Job{ID: "3", Topic: "x"},
	))
	h.tick(t)

	jobs, err := h.q.PopN(ctx, "x", 3)
	require.NoError(t, err)
	require.Equal(t, []string{"x-1", "x-2", "x-3"}, ids(jobs))
	for _, j := range jobs {
		require.Equal(t, ice.StatusReserved, j.Status)
	}

	more, err := h.q.PopN(ctx, "x", 3)
	require.NoError(t, err)
	require.Empty(t, more)

	_, err = h.q.PopN(ctx, "x", 0)
	require.ErrorIs(t, err, ice.ErrInvalidJob)

	require.NoError(t, h.q.FinishJobs(ctx, jobs))
	for _, id := range ids(jobs) {
		j, err := h.q.Get(ctx, id)
		require.NoError(t, err)
		require.Nil(t, j)
	}
}

func testPopCountTopUp(t *testing.T, open Opener) {
	ctx := context.Background()
	h := newHarness(t, open)

	for i := 1; i <= 5; i++ {
		_, err := h.q.Add(ctx, fmt.Sprint(i), "x", nil, 0)
		require.NoError(t, err)
	}
	h.tick(t)
	require.NoError(t, h.q.Delete(ctx, "x-1", "x-3"))

	jobs, err := h.q.PopN(ctx, "x", 3)
	require.NoError(t, err)
	require.Equal(t, []string{"x-2", "x-4", "x-5"}, ids(jobs))
}

func testDeleteBeforeDue(t *testing.T, open Opener) {
	ctx := context.Background()
	h := newHarness(t, open)

	_, err := h.q.Add(ctx, "B", "sms", nil, time.Second)
	require.NoError(t, err)
	require.NoError(t, h.q.Delete(ctx, "sms-B"))

	h.clock.Advance(2 * time.Second)
	h.tick(t)
	j, err := h.q.Pop(ctx, "sms")
	require.NoError(t, err)
	require.Nil(t, j)
}

func testStaleEntry(t *testing.T, open Opener) {
	ctx := context.Background()
	h := newHarness(t, open)

	added, err := h.q.Add(ctx, "A", "x", nil, 0)
	require.NoError(t, err)
	h.tick(t)
	j, err := h.q.Pop(ctx, "x")
	require.NoError(t, err)
	require.NotNil(t, j)
	require.NotEqual(t, added.Generation, j.Generation)

	// an entry carrying the pre-reservation generation shows up late
	stale := ice.DelayJob{JobID: j.ID, Topic: "x", DueMs: h.clock.Now().UnixMilli(), Generation: added.Generation}
	require.NoError(t, h.store.Ready().Push(ctx, "x", stale))

	dup, err := h.q.Pop(ctx, "x")
	require.NoError(t, err)
	require.Nil(t, dup, "stale entry must be discarded")

	h.clock.Advance(5 * time.Second)
	h.tick(t)
	again, err := h.q.Pop(ctx, "x")
	require.NoError(t, err)
	require.NotNil(t, again)
	require.Equal(t, 2, again.Deliveries)
}

func testReadd(t *testing.T, open Opener) {
	ctx := context.Background()
	h := newHarness(t, open)

	_, err := h.q.Add(ctx, "A", "x", nil, 0)
	require.NoError(t, err)
	h.tick(t)

	// re-adding with a delay supersedes the entry already in the Ready Queue
	_, err = h.q.Add(ctx, "A", "x", map[string]int{"v": 2}, 3*time.Second)
	require.NoError(t, err)
	j, err := h.q.Pop(ctx, "x")
	require.NoError(t, err)
	require.Nil(t, j)

	h.clock.Advance(3 * time.Second)
	h.tick(t)
	j, err = h.q.Pop(ctx, "x")
	require.NoError(t, err)
	require.NotNil(t, j)
	require.JSONEq(t, `{"v":2}`, string(j.Body))
}

func testSchedulerRace(t *testing.T, open Opener) {
	ctx := context.Background()
	h := newHarness(t, open, ice.WithTTR(time.Hour))

	const total = 60
	jobs := make([]*ice.Job, total)
	for i := range jobs {
		jobs[i] = &ice.Job{ID: fmt.Sprintf("%02d", i), Topic: "race"}
	}
	require.NoError(t, h.q.AddJobs(ctx, jobs...))

	var (
		mu        sync.Mutex
		delivered = map[string]int{}
		wg        sync.WaitGroup
		done      = make(chan struct{})
	)
	for w := 0; w < 2; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				if _, err := h.sched.Tick(ctx); err != nil {
					t.Errorf("tick: %v", err)
					return
				}
			}
		}()
	}
	var consumers sync.WaitGroup
	for w := 0; w < 4; w++ {
		consumers.Add(1)
		go func(w int) {
			defer consumers.Done()
			deadline := time.Now().Add(5 * time.Second)
			for time.Now().Before(deadline) {
				var got []*ice.Job
				var err error
				if w%2 == 0 {
					var j *ice.Job
					j, err = h.q.Pop(ctx, "race")
					if j != nil {
						got = []*ice.Job{j}
					}
				} else {
					got, err = h.q.PopN(ctx, "race", 4)
				}
				if err != nil {
					t.Errorf("pop: %v", err)
					return
				}
				mu.Lock()
				for _, j := range got {
					delivered[j.ID]++
				}
				n := len(delivered)
				mu.Unlock()
				if n == total {
					return
				}
				if len(got) == 0 {
					time.Sleep(time.Millisecond)
				}
			}
		}(w)
	}
	consumers.Wait()
	close(done)
	wg.Wait()

	require.Len(t, delivered, total)
	for id, n := range delivered {
		require.Equal(t, 1, n, "job %s delivered %d times within its TTR", id, n)
	}
}

func testRetryExhaustion(t *testing.T, open Opener) {
	ctx := context.Background()
	h := newHarness(t, open)

	require.NoError(t, h.q.AddJobs(ctx, &ice.Job{ID: "A", Topic: "x", RetryCount: 1}))
	h.tick(t)

	var last *ice.Job
	for attempt := 1; attempt <= 3; attempt++ {
		j, err := h.q.Pop(ctx, "x")
		require.NoError(t, err)
		require.NotNil(t, j, "attempt %d", attempt)
		require.Equal(t, attempt, j.Deliveries)
		last = j
		h.clock.Advance(5 * time.Second)
		h.tick(t)
	}
	require.Equal(t, 0, last.RetryCount)
	require.True(t, last.Exhausted, "third delivery exceeds one retry")
}

func testDeadLetter(t *testing.T, open Opener) {
	ctx := context.Background()
	h := newHarness(t, open, ice.WithDeadLetterTopic("dlq"))

	require.NoError(t, h.q.AddJobs(ctx, &ice.Job{ID: "A", Topic: "x", RetryCount: 0, Body: []byte(`"payload"`)}))
	h.tick(t)

	first, err := h.q.Pop(ctx, "x")
	require.NoError(t, err)
	require.NotNil(t, first)

	h.clock.Advance(5 * time.Second)
	h.tick(t)
	second, err := h.q.Pop(ctx, "x")
	require.NoError(t, err)
	require.Nil(t, second, "exhausted job is not delivered on its own topic")

	orig, err := h.q.Get(ctx, "x-A")
	require.NoError(t, err)
	require.Nil(t, orig)

	h.tick(t)
	dead, err := h.q.Pop(ctx, "dlq")
	require.NoError(t, err)
	require.NotNil(t, dead)
	require.Equal(t, "dlq-x-A", dead.ID)
	require.JSONEq(t, `"payload"`, string(dead.Body))
}

func testTombstoneBudget(t *testing.T, open Opener) {
	ctx := context.Background()
	h := newHarness(t, open, ice.WithMaxTombstoneRetries(2))

	for i := 0; i < 4; i++ {
		require.NoError(t, h.store.Ready().Push(ctx, "x", ice.DelayJob{JobID: fmt.Sprintf("x-gone%d", i), Topic: "x"}))
	}
	_, err := h.q.Pop(ctx, "x")
	require.ErrorIs(t, err, ice.ErrTombstoneBudget)

	// the remaining tombstone is skipped within budget
	j, err := h.q.Pop(ctx, "x")
	require.NoError(t, err)
	require.Nil(t, j)
}

type smsBody struct {
	To   string `json:"to"`
	Text string `json:"text"`
}

func testTypedBody(t *testing.T, open Opener) {
	ctx := context.Background()
	h := newHarness(t, open)

	_, err := h.q.Add(ctx, "A", "sms", smsBody{To: "+100", Text: "hi"}, 0)
	require.NoError(t, err)
	h.tick(t)
	j, err := h.q.Pop(ctx, "sms")
	require.NoError(t, err)
	require.NotNil(t, j)

	body, err := ice.BodyAs[smsBody](j)
	require.NoError(t, err)
	require.Equal(t, smsBody{To: "+100", Text: "hi"}, body)

	_, err = ice.BodyAs[[]int](j)
	require.ErrorIs(t, err, ice.ErrBodyType)

	// a decode failure leaves the job reserved
	stored, err := h.q.Get(ctx, j.ID)
	require.NoError(t, err)
	require.Equal(t, ice.StatusReserved, stored.Status)

	_, err = h.q.Add(ctx, "", "sms", nil, 0)
	require.ErrorIs(t, err, ice.ErrInvalidJob)
	_, err = h.q.Add(ctx, "B", "", nil, 0)
	require.ErrorIs(t, err, ice.ErrInvalidJob)
	_, err = h.q.Add(ctx, "B", "sms", nil, -time.Second)
	require.ErrorIs(t, err, ice.ErrInvalidJob)
	_, err = h.q.Add(ctx, "B", "sms", []byte("{not json"), 0)
	require.ErrorIs(t, err, ice.ErrInvalidJob)
}

func testListAndStats(t *testing.T, open Opener) {
	ctx := context.Background()
	h := newHarness(t, open, ice.WithTopics("sms", "mail"))

	_, err := h.q.Add(ctx, "A", "sms", map[string]string{"to": "+100"}, 0)
	require.NoError(t, err)
	_, err = h.q.Add(ctx, "B", "sms", map[string]string{"to": "+200"}, time.Minute)
	require.NoError(t, err)
	_, err = h.q.Add(ctx, "C", "mail", nil, 0)
	require.NoError(t, err)
	h.tick(t)

	st, err := h.q.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, st.Delayed)
	require.Equal(t, map[string]int{"sms": 1, "mail": 1}, st.Ready)

	j, err := h.q.Pop(ctx, "sms")
	require.NoError(t, err)
	require.NotNil(t, j)

	reserved, err := h.q.List(ctx, `status == "RESERVED"`, 0)
	require.NoError(t, err)
	require.Equal(t, []string{"sms-A"}, ids(reserved))

	byBody, err := h.q.List(ctx, `topic == "sms" && body.to == "+200"`, 0)
	require.NoError(t, err)
	require.Equal(t, []string{"sms-B"}, ids(byBody))

	all, err := h.q.List(ctx, "", 2)
	require.NoError(t, err)
	require.Len(t, all, 2)

	_, err = h.q.List(ctx, `topic`, 0)
	require.True(t, errors.Is(err, ice.ErrInvalidFilter))
}
