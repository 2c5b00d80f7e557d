package pgice

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rzbill/ice/internal/ice"
	logpkg "github.com/rzbill/ice/pkg/log"
)

//go:embed schema.sql
var schemaSQL string

// Options configures a Postgres store. Pool takes precedence over DSN.
type Options struct {
	DSN      string
	MaxConns int32
	Pool     *pgxpool.Pool
	// SkipMigrate leaves schema management to the operator.
	SkipMigrate bool
	Logger      logpkg.Logger
}

// Store implements ice.Store on PostgreSQL.
type Store struct {
	pool   *pgxpool.Pool
	owns   bool
	logger logpkg.Logger
}

var _ ice.Store = (*Store)(nil)

// Open connects, pings and (unless disabled) applies the schema.
func Open(ctx context.Context, opts Options) (*Store, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logpkg.NewLogger(logpkg.WithLevel(logpkg.InfoLevel))
	}
	s := &Store{pool: opts.Pool, logger: logger.With(logpkg.Component("postgres-store"))}
	if s.pool == nil {
		cfg, err := pgxpool.ParseConfig(opts.DSN)
		if err != nil {
			return nil, fmt.Errorf("parse postgres dsn: %w", err)
		}
		if opts.MaxConns > 0 {
			cfg.MaxConns = opts.MaxConns
		}
		pool, err := pgxpool.NewWithConfig(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		s.pool = pool
		s.owns = true
	}
	if err := s.Ping(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if !opts.SkipMigrate {
		if err := s.Migrate(ctx); err != nil {
			_ = s.Close()
			return nil, err
		}
	}
	return s, nil
}

// Migrate creates the tables if they do not exist.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) Pool() ice.JobPool       { return pool{s} }
func (s *Store) Bucket() ice.DelayBucket { return bucket{s} }
func (s *Store) Ready() ice.ReadyQueue   { return ready{s} }

const (
	upsertJobSQL = `
		INSERT INTO ice_jobs (id, topic, data, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (id) DO UPDATE
		SET topic = EXCLUDED.topic, data = EXCLUDED.data, updated_at = now()`

	upsertDelaySQL = `
		INSERT INTO ice_delay_bucket (job_id, topic, due_ms, generation)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (job_id) DO UPDATE
		SET topic = EXCLUDED.topic,
		    due_ms = EXCLUDED.due_ms,
		    generation = EXCLUDED.generation,
		    seq = nextval('ice_delay_seq')`

	popDueSQL = `
		DELETE FROM ice_delay_bucket
		WHERE job_id IN (
		  SELECT job_id FROM ice_delay_bucket
		  WHERE due_ms <= $1
		  ORDER BY due_ms, seq
		  LIMIT $2
		  FOR UPDATE SKIP LOCKED
		)
		RETURNING job_id, topic, due_ms, generation, seq`
)

var readyColumns = []string{"topic", "job_id", "generation", "due_ms"}

func (s *Store) Commit(ctx context.Context, b *ice.Batch) error {
	if b.Empty() {
		return nil
	}
	return s.inTx(ctx, func(tx pgx.Tx) error {
		return sendBatch(ctx, tx, b)
	})
}

func sendBatch(ctx context.Context, tx pgx.Tx, b *ice.Batch) error {
	batch := &pgx.Batch{}
	for _, j := range b.Jobs {
		data, err := j.MarshalJSON()
		if err != nil {
			return fmt.Errorf("encode job %s: %w", j.ID, err)
		}
		batch.Queue(upsertJobSQL, j.ID, j.Topic, data)
	}
	for _, d := range b.Delays {
		batch.Queue(upsertDelaySQL, d.JobID, d.Topic, d.DueMs, d.Generation)
	}
	if len(b.Removes) > 0 {
		batch.Queue(`DELETE FROM ice_jobs WHERE id = ANY($1)`, b.Removes)
	}
	return tx.SendBatch(ctx, batch).Close()
}

func (s *Store) PromoteDue(ctx context.Context, now time.Time, max int) ([]ice.DelayJob, error) {
	var out []ice.DelayJob
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		due, err := popDue(ctx, tx, now, max)
		if err != nil || len(due) == 0 {
			return err
		}
		rows := make([][]any, len(due))
		for k, d := range due {
			rows[k] = []any{d.Topic, d.JobID, d.Generation, d.DueMs}
		}
		if _, err := tx.CopyFrom(ctx, pgx.Identifier{"ice_ready_queue"}, readyColumns, pgx.CopyFromRows(rows)); err != nil {
			return err
		}
		out = due
		return nil
	})
	return out, err
}

func popDue(ctx context.Context, tx pgx.Tx, now time.Time, max int) ([]ice.DelayJob, error) {
	if max <= 0 {
		return nil, nil
	}
	rows, err := tx.Query(ctx, popDueSQL, now.UnixMilli(), max)
	if err != nil {
		return nil, err
	}
	type entry struct {
		d   ice.DelayJob
		seq int64
	}
	var entries []entry
	for rows.Next() {
		var e entry
		if err := rows.Scan(&e.d.JobID, &e.d.Topic, &e.d.DueMs, &e.d.Generation, &e.seq); err != nil {
			rows.Close()
			return nil, err
		}
		entries = append(entries, e)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// RETURNING order is unspecified
	sort.Slice(entries, func(a, b int) bool {
		if entries[a].d.DueMs == entries[b].d.DueMs {
			return entries[a].seq < entries[b].seq
		}
		return entries[a].d.DueMs < entries[b].d.DueMs
	})
	out := make([]ice.DelayJob, len(entries))
	for k, e := range entries {
		out[k] = e.d
	}
	return out, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Close() error {
	if s.owns && s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *Store) inTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func isNoRows(err error) bool { return errors.Is(err, pgx.ErrNoRows) }
