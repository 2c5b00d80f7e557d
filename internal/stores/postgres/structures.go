package pgice

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/rzbill/ice/internal/ice"
)

type pool struct{ s *Store }

func (p pool) Push(ctx context.Context, jobs ...*ice.Job) error {
	return p.s.Commit(ctx, &ice.Batch{Jobs: jobs})
}

func (p pool) Get(ctx context.Context, jobID string) (*ice.Job, error) {
	var data []byte
	err := p.s.pool.QueryRow(ctx, `SELECT data FROM ice_jobs WHERE id = $1`, jobID).Scan(&data)
	if isNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return decodeJob(jobID, data)
}

func (p pool) GetMany(ctx context.Context, ids []string, limit int) ([]*ice.Job, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := p.s.pool.Query(ctx, `SELECT id, data FROM ice_jobs WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	found := make(map[string]*ice.Job, len(ids))
	for rows.Next() {
		var (
			jobID string
			data  []byte
		)
		if err := rows.Scan(&jobID, &data); err != nil {
			rows.Close()
			return nil, err
		}
		j, err := decodeJob(jobID, data)
		if err != nil {
			rows.Close()
			return nil, err
		}
		found[jobID] = j
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*ice.Job, 0, len(found))
	for _, jobID := range ids {
		if limit > 0 && len(out) >= limit {
			break
		}
		if j, ok := found[jobID]; ok {
			out = append(out, j)
		}
	}
	return out, nil
}

func (p pool) Remove(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := p.s.pool.Exec(ctx, `DELETE FROM ice_jobs WHERE id = ANY($1)`, ids)
	return err
}

func (p pool) Scan(ctx context.Context, fn func(*ice.Job) bool) error {
	rows, err := p.s.pool.Query(ctx, `SELECT id, data FROM ice_jobs ORDER BY id`)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			jobID string
			data  []byte
		)
		if err := rows.Scan(&jobID, &data); err != nil {
			return err
		}
		j, err := decodeJob(jobID, data)
		if err != nil {
			return err
		}
		if !fn(j) {
			return nil
		}
	}
	return rows.Err()
}

func decodeJob(jobID string, data []byte) (*ice.Job, error) {
	var j ice.Job
	if err := j.UnmarshalJSON(data); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", jobID, err)
	}
	return &j, nil
}

type bucket struct{ s *Store }

func (b bucket) Add(ctx context.Context, djs ...ice.DelayJob) error {
	return b.s.Commit(ctx, &ice.Batch{Delays: djs})
}

func (b bucket) PopBefore(ctx context.Context, now time.Time, max int) ([]ice.DelayJob, error) {
	var out []ice.DelayJob
	err := b.s.inTx(ctx, func(tx pgx.Tx) error {
		due, err := popDue(ctx, tx, now, max)
		out = due
		return err
	})
	return out, err
}

func (b bucket) Len(ctx context.Context) (int, error) {
	var n int
	err := b.s.pool.QueryRow(ctx, `SELECT count(*) FROM ice_delay_bucket`).Scan(&n)
	return n, err
}

type ready struct{ s *Store }

func (q ready) Push(ctx context.Context, topic string, djs ...ice.DelayJob) error {
	if len(djs) == 0 {
		return nil
	}
	rows := make([][]any, len(djs))
	for k, d := range djs {
		rows[k] = []any{topic, d.JobID, d.Generation, d.DueMs}
	}
	_, err := q.s.pool.CopyFrom(ctx, pgx.Identifier{"ice_ready_queue"}, readyColumns, pgx.CopyFromRows(rows))
	return err
}

func (q ready) Pop(ctx context.Context, topic string) (*ice.DelayJob, error) {
	out, err := q.PopN(ctx, topic, 1)
	if err != nil || len(out) == 0 {
		return nil, err
	}
	return &out[0], nil
}

func (q ready) PopN(ctx context.Context, topic string, n int) ([]ice.DelayJob, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := q.s.pool.Query(ctx, `
		DELETE FROM ice_ready_queue
		WHERE seq IN (
		  SELECT seq FROM ice_ready_queue
		  WHERE topic = $1
		  ORDER BY seq
		  LIMIT $2
		  FOR UPDATE SKIP LOCKED
		)
		RETURNING seq, job_id, generation, due_ms`, topic, n)
	if err != nil {
		return nil, err
	}
	type entry struct {
		d   ice.DelayJob
		seq int64
	}
	var entries []entry
	for rows.Next() {
		e := entry{d: ice.DelayJob{Topic: topic}}
		if err := rows.Scan(&e.seq, &e.d.JobID, &e.d.Generation, &e.d.DueMs); err != nil {
			rows.Close()
			return nil, err
		}
		entries = append(entries, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, nil
	}
	sort.Slice(entries, func(a, b int) bool { return entries[a].seq < entries[b].seq })
	out := make([]ice.DelayJob, len(entries))
	for k, e := range entries {
		out[k] = e.d
	}
	return out, nil
}

func (q ready) Len(ctx context.Context, topic string) (int, error) {
	var n int
	err := q.s.pool.QueryRow(ctx, `SELECT count(*) FROM ice_ready_queue WHERE topic = $1`, topic).Scan(&n)
	return n, err
}
