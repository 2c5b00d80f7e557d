package ice

import (
	"context"
	"time"
)

// JobPool stores job metadata keyed by job id.
type JobPool interface {
	// Push upserts jobs; the last write wins.
	Push(ctx context.Context, jobs ...*Job) error
	// Get returns nil, nil for a missing id.
	Get(ctx context.Context, id string) (*Job, error)
	// GetMany returns the jobs found for ids in request order, skipping
	// missing ones, up to limit results (limit <= 0 means all).
	GetMany(ctx context.Context, ids []string, limit int) ([]*Job, error)
	// Remove deletes ids; missing ids are ignored.
	Remove(ctx context.Context, ids ...string) error
	// Scan calls fn for every job until fn returns false.
	Scan(ctx context.Context, fn func(*Job) bool) error
}

// DelayBucket is a time-ordered set of DelayJobs, unique by job id.
type DelayBucket interface {
	// Add inserts or repositions entries by job id.
	Add(ctx context.Context, jobs ...DelayJob) error
	// PopBefore atomically removes and returns up to max entries due at or
	// before now, ascending by due time with ties in insertion order.
	PopBefore(ctx context.Context, now time.Time, max int) ([]DelayJob, error)
	Len(ctx context.Context) (int, error)
}

// ReadyQueue is a set of per-topic FIFO queues.
type ReadyQueue interface {
	// Push appends entries to the tail of topic in order.
	Push(ctx context.Context, topic string, jobs ...DelayJob) error
	// Pop removes the head of topic; nil, nil when empty.
	Pop(ctx context.Context, topic string) (*DelayJob, error)
	// PopN removes up to n entries from the head of topic without waiting.
	PopN(ctx context.Context, topic string, n int) ([]DelayJob, error)
	Len(ctx context.Context, topic string) (int, error)
}

// Store bundles the three structures of a backend together with its atomic
// write primitives.
type Store interface {
	Pool() JobPool
	Bucket() DelayBucket
	Ready() ReadyQueue

	// Commit applies every write in b or none of them.
	Commit(ctx context.Context, b *Batch) error
	// PromoteDue moves up to max due Delay Bucket entries into the Ready
	// Queues of their topics as one atomic step and returns them.
	PromoteDue(ctx context.Context, now time.Time, max int) ([]DelayJob, error)

	Ping(ctx context.Context) error
	Close() error
}

// Batch is a set of writes spanning the Job Pool and the Delay Bucket.
// Backends apply Jobs, then Delays, then Removes.
type Batch struct {
	Jobs    []*Job
	Delays  []DelayJob
	Removes []string
}

// Put upserts j into the Job Pool.
func (b *Batch) Put(j *Job) { b.Jobs = append(b.Jobs, j) }

// Schedule upserts d into the Delay Bucket.
func (b *Batch) Schedule(d DelayJob) { b.Delays = append(b.Delays, d) }

// Remove deletes ids from the Job Pool.
func (b *Batch) Remove(ids ...string) { b.Removes = append(b.Removes, ids...) }

func (b *Batch) Empty() bool {
	return b == nil || len(b.Jobs)+len(b.Delays)+len(b.Removes) == 0
}
