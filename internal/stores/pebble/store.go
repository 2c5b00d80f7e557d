package pebbleice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	"github.com/rzbill/ice/internal/ice"
	pebblestore "github.com/rzbill/ice/internal/storage/pebble"
	"github.com/rzbill/ice/pkg/id"
	logpkg "github.com/rzbill/ice/pkg/log"
)

// Options configures an embedded store.
type Options struct {
	DataDir       string
	Fsync         pebblestore.FsyncMode
	FsyncInterval time.Duration
	// SlowCommit logs batch commits slower than this; zero disables.
	SlowCommit time.Duration
	Logger     logpkg.Logger
}

// Store implements ice.Store on a single Pebble database. Operations that
// read before they write are serialized by mu; each one commits a single
// Pebble batch.
type Store struct {
	db     *pebblestore.DB
	ownsDB bool
	ids    *id.Generator
	logger logpkg.Logger

	mu sync.Mutex
}

var _ ice.Store = (*Store)(nil)

// Open opens (or creates) the database under opts.DataDir.
func Open(opts Options) (*Store, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logpkg.NewLogger(logpkg.WithLevel(logpkg.InfoLevel))
	}
	logger = logger.With(logpkg.Component("pebble-store"))

	var metrics pebblestore.MetricsHook
	if opts.SlowCommit > 0 {
		metrics = slowCommitLogger{logger: logger, threshold: opts.SlowCommit}
	}
	db, err := pebblestore.Open(pebblestore.Options{
		DataDir:       opts.DataDir,
		Fsync:         opts.Fsync,
		FsyncInterval: opts.FsyncInterval,
		Metrics:       metrics,
	})
	if err != nil {
		return nil, fmt.Errorf("open pebble store: %w", err)
	}
	s := New(db, logger)
	s.ownsDB = true
	return s, nil
}

// New wraps an already open database. Close does not close db.
func New(db *pebblestore.DB, logger logpkg.Logger) *Store {
	if logger == nil {
		logger = logpkg.NewLogger(logpkg.WithLevel(logpkg.InfoLevel))
	}
	return &Store{db: db, ids: id.NewGenerator(), logger: logger}
}

func (s *Store) Pool() ice.JobPool       { return pool{s} }
func (s *Store) Bucket() ice.DelayBucket { return bucket{s} }
func (s *Store) Ready() ice.ReadyQueue   { return ready{s} }

// DB exposes the underlying database.
func (s *Store) DB() *pebblestore.DB { return s.db }

func (s *Store) Commit(ctx context.Context, b *ice.Batch) error {
	if b.Empty() {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := s.db.NewIndexedBatch()
	defer batch.Close()
	for _, j := range b.Jobs {
		v, err := json.Marshal(j)
		if err != nil {
			return fmt.Errorf("encode job %s: %w", j.ID, err)
		}
		if err := batch.Set(JobKey(j.ID), v, nil); err != nil {
			return err
		}
	}
	for _, d := range b.Delays {
		if err := s.scheduleLocked(batch, d); err != nil {
			return err
		}
	}
	for _, jobID := range b.Removes {
		if err := batch.Delete(JobKey(jobID), nil); err != nil {
			return err
		}
	}
	return s.db.CommitBatch(ctx, batch)
}

func (s *Store) PromoteDue(ctx context.Context, now time.Time, max int) ([]ice.DelayJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := s.db.NewBatch()
	defer batch.Close()
	due, err := s.popDueLocked(batch, now, max)
	if err != nil || len(due) == 0 {
		return nil, err
	}
	for _, d := range due {
		v, err := json.Marshal(d)
		if err != nil {
			return nil, err
		}
		if err := batch.Set(ReadyKey(d.Topic, s.ids.Next()), v, nil); err != nil {
			return nil, err
		}
	}
	if err := s.db.CommitBatch(ctx, batch); err != nil {
		return nil, err
	}
	return due, nil
}

// Ping checks that the database can open an iterator.
func (s *Store) Ping(context.Context) error {
	iter, err := s.db.NewIter(pebblestore.PrefixBounds([]byte(prefixJob)))
	if err != nil {
		return err
	}
	return iter.Close()
}

func (s *Store) Close() error {
	if !s.ownsDB {
		return nil
	}
	return s.db.Close()
}

// scheduleLocked upserts d, dropping the index entry it replaces. batch must
// be indexed so repeated schedules within it see each other.
func (s *Store) scheduleLocked(batch *pebble.Batch, d ice.DelayJob) error {
	memberKey := DelayMemberKey(d.JobID)
	old, closer, err := batch.Get(memberKey)
	switch {
	case err == nil:
		oldKey := append([]byte(nil), old...)
		closer.Close()
		if err := batch.Delete(oldKey, nil); err != nil {
			return err
		}
	case !errors.Is(err, pebble.ErrNotFound):
		return err
	}

	v, err := json.Marshal(d)
	if err != nil {
		return err
	}
	key := DelayKey(d.DueMs, s.ids.Next())
	if err := batch.Set(key, v, nil); err != nil {
		return err
	}
	return batch.Set(memberKey, key, nil)
}

// popDueLocked stages the removal of up to max entries due at now.
func (s *Store) popDueLocked(batch *pebble.Batch, now time.Time, max int) ([]ice.DelayJob, error) {
	if max <= 0 {
		return nil, nil
	}
	nowMs := now.UnixMilli()
	iter, err := s.db.NewIter(pebblestore.PrefixBounds([]byte(prefixDelayIdx)))
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var out []ice.DelayJob
	for ok := iter.First(); ok && len(out) < max; ok = iter.Next() {
		dueMs, valid := parseDelayKey(iter.Key())
		if !valid {
			continue
		}
		if dueMs > nowMs {
			break
		}
		var d ice.DelayJob
		if err := json.Unmarshal(iter.Value(), &d); err != nil {
			return nil, fmt.Errorf("decode delay entry: %w", err)
		}
		if err := batch.Delete(append([]byte(nil), iter.Key()...), nil); err != nil {
			return nil, err
		}
		if err := batch.Delete(DelayMemberKey(d.JobID), nil); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, iter.Error()
}

func (s *Store) count(prefix []byte) (int, error) {
	n := 0
	err := s.db.ScanPrefix(prefix, func(_, _ []byte) bool {
		n++
		return true
	})
	return n, err
}

type slowCommitLogger struct {
	pebblestore.NoopMetrics
	logger    logpkg.Logger
	threshold time.Duration
}

func (l slowCommitLogger) ObserveBatchCommit(elapsed time.Duration, ops, bytes int) {
	if elapsed >= l.threshold {
		l.logger.Warn("slow batch commit", logpkg.Dur("elapsed", elapsed),
			logpkg.Int("ops", ops), logpkg.Int("bytes", bytes))
	}
}
