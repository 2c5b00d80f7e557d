package pebbleice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rzbill/ice/internal/ice"
	pebblestore "github.com/rzbill/ice/internal/storage/pebble"
)

type pool struct{ s *Store }

func (p pool) Push(ctx context.Context, jobs ...*ice.Job) error {
	if len(jobs) == 0 {
		return nil
	}
	batch := p.s.db.NewBatch()
	defer batch.Close()
	for _, j := range jobs {
		v, err := json.Marshal(j)
		if err != nil {
			return fmt.Errorf("encode job %s: %w", j.ID, err)
		}
		if err := batch.Set(JobKey(j.ID), v, nil); err != nil {
			return err
		}
	}
	return p.s.db.CommitBatch(ctx, batch)
}

func (p pool) Get(_ context.Context, jobID string) (*ice.Job, error) {
	v, err := p.s.db.Get(JobKey(jobID))
	if errors.Is(err, pebblestore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var j ice.Job
	if err := json.Unmarshal(v, &j); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", jobID, err)
	}
	return &j, nil
}

func (p pool) GetMany(ctx context.Context, ids []string, limit int) ([]*ice.Job, error) {
	out := make([]*ice.Job, 0, len(ids))
	for _, jobID := range ids {
		if limit > 0 && len(out) >= limit {
			break
		}
		j, err := p.Get(ctx, jobID)
		if err != nil {
			return nil, err
		}
		if j != nil {
			out = append(out, j)
		}
	}
	return out, nil
}

func (p pool) Remove(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	batch := p.s.db.NewBatch()
	defer batch.Close()
	for _, jobID := range ids {
		if err := batch.Delete(JobKey(jobID), nil); err != nil {
			return err
		}
	}
	return p.s.db.CommitBatch(ctx, batch)
}

func (p pool) Scan(_ context.Context, fn func(*ice.Job) bool) error {
	var decodeErr error
	err := p.s.db.ScanPrefix([]byte(prefixJob), func(k, v []byte) bool {
		var j ice.Job
		if err := json.Unmarshal(v, &j); err != nil {
			decodeErr = fmt.Errorf("decode job %q: %w", k, err)
			return false
		}
		return fn(&j)
	})
	if err != nil {
		return err
	}
	return decodeErr
}

type bucket struct{ s *Store }

func (b bucket) Add(ctx context.Context, djs ...ice.DelayJob) error {
	if len(djs) == 0 {
		return nil
	}
	b.s.mu.Lock()
	defer b.s.mu.Unlock()
	batch := b.s.db.NewIndexedBatch()
	defer batch.Close()
	for _, d := range djs {
		if err := b.s.scheduleLocked(batch, d); err != nil {
			return err
		}
	}
	return b.s.db.CommitBatch(ctx, batch)
}

func (b bucket) PopBefore(ctx context.Context, now time.Time, max int) ([]ice.DelayJob, error) {
	b.s.mu.Lock()
	defer b.s.mu.Unlock()
	batch := b.s.db.NewBatch()
	defer batch.Close()
	due, err := b.s.popDueLocked(batch, now, max)
	if err != nil || len(due) == 0 {
		return nil, err
	}
	if err := b.s.db.CommitBatch(ctx, batch); err != nil {
		return nil, err
	}
	return due, nil
}

func (b bucket) Len(context.Context) (int, error) {
	return b.s.count([]byte(prefixDelayMember))
}

type ready struct{ s *Store }

func (r ready) Push(ctx context.Context, topic string, djs ...ice.DelayJob) error {
	if len(djs) == 0 {
		return nil
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	batch := r.s.db.NewBatch()
	defer batch.Close()
	for _, d := range djs {
		v, err := json.Marshal(d)
		if err != nil {
			return err
		}
		if err := batch.Set(ReadyKey(topic, r.s.ids.Next()), v, nil); err != nil {
			return err
		}
	}
	return r.s.db.CommitBatch(ctx, batch)
}

func (r ready) Pop(ctx context.Context, topic string) (*ice.DelayJob, error) {
	out, err := r.PopN(ctx, topic, 1)
	if err != nil || len(out) == 0 {
		return nil, err
	}
	return &out[0], nil
}

func (r ready) PopN(ctx context.Context, topic string, n int) ([]ice.DelayJob, error) {
	if n <= 0 {
		return nil, nil
	}
	r.s.mu.Lock()
	defer r.s.mu.Unlock()

	iter, err := r.s.db.NewIter(pebblestore.PrefixBounds(ReadyPrefix(topic)))
	if err != nil {
		return nil, err
	}
	batch := r.s.db.NewBatch()
	defer batch.Close()

	var out []ice.DelayJob
	for ok := iter.First(); ok && len(out) < n; ok = iter.Next() {
		var d ice.DelayJob
		if err := json.Unmarshal(iter.Value(), &d); err != nil {
			iter.Close()
			return nil, fmt.Errorf("decode ready entry: %w", err)
		}
		if err := batch.Delete(append([]byte(nil), iter.Key()...), nil); err != nil {
			iter.Close()
			return nil, err
		}
		out = append(out, d)
	}
	if err := iter.Close(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	if err := r.s.db.CommitBatch(ctx, batch); err != nil {
		return nil, err
	}
	return out, nil
}

func (r ready) Len(_ context.Context, topic string) (int, error) {
	return r.s.count(ReadyPrefix(topic))
}
