package redisice

import (
	"context"
	"fmt"
	"time"

	"github.com/rzbill/ice/internal/ice"
)

type pool struct{ s *Store }

func (p pool) Push(ctx context.Context, jobs ...*ice.Job) error {
	return p.s.Commit(ctx, &ice.Batch{Jobs: jobs})
}

func (p pool) Get(ctx context.Context, jobID string) (*ice.Job, error) {
	v, err := p.s.rdb.HGet(ctx, p.s.keys.jobs, jobID).Bytes()
	if isNil(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeJob(jobID, v)
}

func (p pool) GetMany(ctx context.Context, ids []string, limit int) ([]*ice.Job, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	vals, err := p.s.rdb.HMGet(ctx, p.s.keys.jobs, ids...).Result()
	if err != nil {
		return nil, err
	}
	out := make([]*ice.Job, 0, len(ids))
	for k, v := range vals {
		if limit > 0 && len(out) >= limit {
			break
		}
		str, ok := v.(string)
		if !ok {
			continue
		}
		j, err := decodeJob(ids[k], []byte(str))
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, nil
}

func (p pool) Remove(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return p.s.rdb.HDel(ctx, p.s.keys.jobs, ids...).Err()
}

func (p pool) Scan(ctx context.Context, fn func(*ice.Job) bool) error {
	var cursor uint64
	for {
		kvs, next, err := p.s.rdb.HScan(ctx, p.s.keys.jobs, cursor, "*", 256).Result()
		if err != nil {
			return err
		}
		for k := 0; k+1 < len(kvs); k += 2 {
			j, err := decodeJob(kvs[k], []byte(kvs[k+1]))
			if err != nil {
				return err
			}
			if !fn(j) {
				return nil
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

func decodeJob(jobID string, v []byte) (*ice.Job, error) {
	var j ice.Job
	if err := j.UnmarshalJSON(v); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", jobID, err)
	}
	return &j, nil
}

type bucket struct{ s *Store }

func (b bucket) Add(ctx context.Context, djs ...ice.DelayJob) error {
	return b.s.Commit(ctx, &ice.Batch{Delays: djs})
}

func (b bucket) PopBefore(ctx context.Context, now time.Time, max int) ([]ice.DelayJob, error) {
	return b.s.popDue(ctx, now, max, false)
}

func (b bucket) Len(ctx context.Context) (int, error) {
	n, err := b.s.rdb.ZCard(ctx, b.s.keys.delay).Result()
	return int(n), err
}

type ready struct{ s *Store }

func (q ready) key(topic string) string { return q.s.keys.ready + topic }

func (q ready) Push(ctx context.Context, topic string, djs ...ice.DelayJob) error {
	if len(djs) == 0 {
		return nil
	}
	vals := make([]interface{}, len(djs))
	for k, d := range djs {
		vals[k] = encodeReady(d)
	}
	return q.s.rdb.RPush(ctx, q.key(topic), vals...).Err()
}

func (q ready) Pop(ctx context.Context, topic string) (*ice.DelayJob, error) {
	v, err := q.s.rdb.LPop(ctx, q.key(topic)).Result()
	if isNil(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	d, err := decodeReady(topic, v)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (q ready) PopN(ctx context.Context, topic string, n int) ([]ice.DelayJob, error) {
	if n <= 0 {
		return nil, nil
	}
	vals, err := q.s.rdb.LPopCount(ctx, q.key(topic), n).Result()
	if isNil(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out := make([]ice.DelayJob, 0, len(vals))
	for _, v := range vals {
		d, err := decodeReady(topic, v)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func (q ready) Len(ctx context.Context, topic string) (int, error) {
	n, err := q.s.rdb.LLen(ctx, q.key(topic)).Result()
	return int(n), err
}
