package ice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	logpkg "github.com/rzbill/ice/pkg/log"
)

const (
	DefaultTTR                 = 30 * time.Second
	DefaultRetryCount          = 3
	DefaultMaxTombstoneRetries = 64
	DefaultCommitAttempts      = 3
	DefaultCommitBackoff       = 20 * time.Millisecond
)

// Ice is the queue facade. It is safe for concurrent use.
type Ice struct {
	store  Store
	logger logpkg.Logger
	now    func() time.Time

	ttr             time.Duration
	retryCount      int
	maxTombstones   int
	commitAttempts  int
	commitBackoff   time.Duration
	deadLetterTopic string
	topics          []string

	lastGen atomic.Int64
}

// Option configures an Ice.
type Option func(*Ice)

// WithTTR sets the TTR applied to jobs that do not carry one.
func WithTTR(d time.Duration) Option {
	return func(i *Ice) {
		if d > 0 {
			i.ttr = d
		}
	}
}

// WithRetryCount sets the retry count used by Add.
func WithRetryCount(n int) Option {
	return func(i *Ice) {
		if n >= 0 {
			i.retryCount = n
		}
	}
}

// WithMaxTombstoneRetries bounds how many stale entries a single pop skips.
func WithMaxTombstoneRetries(n int) Option {
	return func(i *Ice) {
		if n > 0 {
			i.maxTombstones = n
		}
	}
}

// WithCommitRetry sets how many times a failed batch is re-committed as a
// whole and the initial backoff between attempts.
func WithCommitRetry(attempts int, backoff time.Duration) Option {
	return func(i *Ice) {
		if attempts > 0 {
			i.commitAttempts = attempts
		}
		if backoff >= 0 {
			i.commitBackoff = backoff
		}
	}
}

// WithDeadLetterTopic moves exhausted jobs to topic instead of delivering them.
func WithDeadLetterTopic(topic string) Option {
	return func(i *Ice) { i.deadLetterTopic = topic }
}

// WithTopics names the topics reported by Stats when none are given.
func WithTopics(topics ...string) Option {
	return func(i *Ice) { i.topics = append([]string(nil), topics...) }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(i *Ice) {
		if now != nil {
			i.now = now
		}
	}
}

func WithLogger(l logpkg.Logger) Option {
	return func(i *Ice) {
		if l != nil {
			i.logger = l
		}
	}
}

// New returns a facade over store.
func New(store Store, opts ...Option) *Ice {
	i := &Ice{
		store:          store,
		now:            time.Now,
		ttr:            DefaultTTR,
		retryCount:     DefaultRetryCount,
		maxTombstones:  DefaultMaxTombstoneRetries,
		commitAttempts: DefaultCommitAttempts,
		commitBackoff:  DefaultCommitBackoff,
	}
	for _, o := range opts {
		o(i)
	}
	if i.logger == nil {
		i.logger = logpkg.NewLogger(logpkg.WithLevel(logpkg.InfoLevel))
	}
	i.logger = i.logger.With(logpkg.Component("ice"))
	return i
}

// Store returns the backing store.
func (i *Ice) Store() Store { return i.store }

// Add builds a job from body (marshalled to JSON unless it already is raw
// JSON) with the configured TTR and retry count, and adds it.
func (i *Ice) Add(ctx context.Context, id, topic string, body any, delay time.Duration) (*Job, error) {
	raw, err := marshalBody(body)
	if err != nil {
		return nil, err
	}
	job := &Job{
		ID:         id,
		Topic:      topic,
		Body:       raw,
		Delay:      delay,
		TTR:        i.ttr,
		RetryCount: i.retryCount,
	}
	if err := i.AddJobs(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// AddJobs prefixes each job id with its topic, marks it DELAY and schedules
// it at now+Delay. All jobs are written in one atomic batch. On success the
// passed jobs reflect the stored state.
func (i *Ice) AddJobs(ctx context.Context, jobs ...*Job) error {
	if len(jobs) == 0 {
		return nil
	}
	for _, j := range jobs {
		if err := j.validate(); err != nil {
			return err
		}
	}

	now := i.now()
	b := &Batch{}
	prepared := make([]*Job, len(jobs))
	for k, j := range jobs {
		p := j.Clone()
		p.ID = p.Topic + "-" + p.ID
		p.Status = StatusDelay
		p.Deliveries = 0
		p.Exhausted = false
		if p.TTR == 0 {
			p.TTR = i.ttr
		}
		if p.RetryCount < 0 {
			p.RetryCount = i.retryCount
		}
		p.Generation = i.nextGeneration()
		p.CreatedMs = now.UnixMilli()
		b.Put(p)
		b.Schedule(NewDelayJob(p, now.Add(p.Delay)))
		prepared[k] = p
	}
	if err := i.commit(ctx, b); err != nil {
		return err
	}
	for k, j := range jobs {
		*j = *prepared[k]
	}
	i.logger.Debug("jobs added", logpkg.Int("count", len(jobs)))
	return nil
}

// Get returns the stored job or nil when it does not exist.
func (i *Ice) Get(ctx context.Context, id string) (*Job, error) {
	j, err := i.store.Pool().Get(ctx, id)
	return j, storeErr("pool get", err)
}

// Pop reserves the job at the head of topic. It returns nil, nil when the
// topic has nothing ready.
func (i *Ice) Pop(ctx context.Context, topic string) (*Job, error) {
	if err := validateTopic(topic); err != nil {
		return nil, err
	}
	tombstones := 0
	for {
		dj, err := i.store.Ready().Pop(ctx, topic)
		if err != nil {
			return nil, storeErr("ready pop", err)
		}
		if dj == nil {
			return nil, nil
		}
		job, err := i.store.Pool().Get(ctx, dj.JobID)
		if err != nil {
			i.requeue(ctx, topic, *dj)
			return nil, storeErr("pool get", err)
		}
		if !dj.matches(job) {
			tombstones++
			i.logger.Debug("skipping tombstone", logpkg.Str("topic", topic), logpkg.Str("job_id", dj.JobID))
			if tombstones > i.maxTombstones {
				return nil, ErrTombstoneBudget
			}
			continue
		}
		reserved, err := i.reserve(ctx, []*Job{job})
		if err != nil {
			i.requeue(ctx, topic, *dj)
			return nil, err
		}
		if len(reserved) == 0 {
			// dead-lettered
			continue
		}
		return reserved[0], nil
	}
}

// PopN reserves up to count jobs from the head of topic in FIFO order.
// Tombstones do not count towards count: the shortfall is requested again
// until count jobs are reserved or the topic runs dry. If a later round
// fails, the jobs already reserved are returned together with the error.
func (i *Ice) PopN(ctx context.Context, topic string, count int) ([]*Job, error) {
	if err := validateTopic(topic); err != nil {
		return nil, err
	}
	if count <= 0 {
		return nil, fmt.Errorf("%w: count must be positive", ErrInvalidJob)
	}
	if count == 1 {
		j, err := i.Pop(ctx, topic)
		if err != nil || j == nil {
			return nil, err
		}
		return []*Job{j}, nil
	}

	var out []*Job
	tombstones := 0
	for len(out) < count {
		djs, err := i.store.Ready().PopN(ctx, topic, count-len(out))
		if err != nil {
			return out, storeErr("ready pop", err)
		}
		if len(djs) == 0 {
			break
		}
		ids := make([]string, len(djs))
		for k, d := range djs {
			ids[k] = d.JobID
		}
		found, err := i.store.Pool().GetMany(ctx, ids, 0)
		if err != nil {
			i.requeue(ctx, topic, djs...)
			return out, storeErr("pool get", err)
		}
		byID := make(map[string]*Job, len(found))
		for _, j := range found {
			byID[j.ID] = j
		}

		var live []*Job
		var liveDJ []DelayJob
		for _, d := range djs {
			j := byID[d.JobID]
			if !d.matches(j) {
				tombstones++
				continue
			}
			// a job is claimed once per round even if listed twice
			delete(byID, d.JobID)
			live = append(live, j)
			liveDJ = append(liveDJ, d)
		}
		if len(live) > 0 {
			reserved, err := i.reserve(ctx, live)
			if err != nil {
				i.requeue(ctx, topic, liveDJ...)
				return out, err
			}
			out = append(out, reserved...)
		}
		if tombstones > i.maxTombstones {
			i.logger.Warn("tombstone budget exhausted", logpkg.Str("topic", topic), logpkg.Int("skipped", tombstones))
			if len(out) == 0 {
				return nil, ErrTombstoneBudget
			}
			break
		}
	}
	return out, nil
}

// Finish acknowledges jobs; it is equivalent to Delete.
func (i *Ice) Finish(ctx context.Context, ids ...string) error {
	return i.Delete(ctx, ids...)
}

// FinishJobs acknowledges jobs.
func (i *Ice) FinishJobs(ctx context.Context, jobs []*Job) error {
	return i.DeleteJobs(ctx, jobs)
}

// Delete removes jobs from the Job Pool. Entries left in the Delay Bucket or
// Ready Queue are discarded when they surface.
func (i *Ice) Delete(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := i.store.Pool().Remove(ctx, ids...); err != nil {
		return storeErr("pool remove", err)
	}
	i.logger.Debug("jobs removed", logpkg.Int("count", len(ids)))
	return nil
}

func (i *Ice) DeleteJobs(ctx context.Context, jobs []*Job) error {
	ids := make([]string, 0, len(jobs))
	for _, j := range jobs {
		if j != nil {
			ids = append(ids, j.ID)
		}
	}
	return i.Delete(ctx, ids...)
}

// reserve marks jobs RESERVED, stamps a new generation and re-schedules
// them at now+TTR in one batch. Exhausted jobs are moved to the dead-letter
// topic when one is configured and are not returned.
func (i *Ice) reserve(ctx context.Context, jobs []*Job) ([]*Job, error) {
	now := i.now()
	b := &Batch{}
	out := make([]*Job, 0, len(jobs))
	for _, src := range jobs {
		j := src.Clone()
		j.Deliveries++
		if j.Deliveries > 1 {
			if j.RetryCount > 0 {
				j.RetryCount--
			} else {
				j.Exhausted = true
			}
		}
		if j.Exhausted && i.deadLetterTopic != "" && j.Topic != i.deadLetterTopic {
			dead := i.deadLetter(j, now)
			b.Put(dead)
			b.Schedule(NewDelayJob(dead, now))
			b.Remove(j.ID)
			i.logger.Warn("job exhausted, moved to dead-letter topic",
				logpkg.Str("job_id", j.ID), logpkg.Str("dead_letter_id", dead.ID))
			continue
		}
		j.Status = StatusReserved
		j.Generation = i.nextGeneration()
		b.Put(j)
		b.Schedule(NewDelayJob(j, now.Add(j.TTR)))
		out = append(out, j)
	}
	if err := i.commit(ctx, b); err != nil {
		return nil, err
	}
	return out, nil
}

func (i *Ice) deadLetter(j *Job, now time.Time) *Job {
	return &Job{
		ID:         i.deadLetterTopic + "-" + j.ID,
		Topic:      i.deadLetterTopic,
		Body:       j.Body,
		TTR:        j.TTR,
		RetryCount: i.retryCount,
		Status:     StatusDelay,
		Generation: i.nextGeneration(),
		CreatedMs:  now.UnixMilli(),
	}
}

// requeue returns claimed ready entries after a failed reservation so the
// jobs are not stranded. The entries go to the tail of the topic, behind
// anything promoted since, so a retried job loses its FIFO position. A
// failure here leaves the job in the Job Pool only.
func (i *Ice) requeue(ctx context.Context, topic string, djs ...DelayJob) {
	if len(djs) == 0 {
		return
	}
	if err := i.store.Ready().Push(context.WithoutCancel(ctx), topic, djs...); err != nil {
		i.logger.Error("failed to requeue ready entries", logpkg.Str("topic", topic),
			logpkg.Int("count", len(djs)), logpkg.Err(err))
	}
}

// commit applies b, retrying the whole batch on failure. Every write in a
// batch is an idempotent upsert or delete.
func (i *Ice) commit(ctx context.Context, b *Batch) error {
	if b.Empty() {
		return nil
	}
	backoff := i.commitBackoff
	var err error
	for attempt := 1; ; attempt++ {
		if err = i.store.Commit(ctx, b); err == nil {
			return nil
		}
		if attempt >= i.commitAttempts || ctx.Err() != nil {
			break
		}
		i.logger.Warn("batch commit failed, retrying", logpkg.Int("attempt", attempt), logpkg.Err(err))
		select {
		case <-ctx.Done():
			return storeErr("commit", errors.Join(err, ctx.Err()))
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return storeErr("commit", err)
}

// nextGeneration returns a process-wide strictly increasing stamp seeded
// from the wall clock so stamps from different processes rarely collide.
func (i *Ice) nextGeneration() int64 {
	for {
		last := i.lastGen.Load()
		next := time.Now().UnixNano()
		if next <= last {
			next = last + 1
		}
		if i.lastGen.CompareAndSwap(last, next) {
			return next
		}
	}
}

func marshalBody(body any) (json.RawMessage, error) {
	switch v := body.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	case []byte:
		if !json.Valid(v) {
			return nil, fmt.Errorf("%w: body is not valid JSON", ErrInvalidJob)
		}
		return json.RawMessage(v), nil
	}
	b, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal body: %v", ErrInvalidJob, err)
	}
	return b, nil
}
