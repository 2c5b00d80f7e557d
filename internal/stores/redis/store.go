package redisice

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	r "github.com/redis/go-redis/v9"

	"github.com/rzbill/ice/internal/ice"
	logpkg "github.com/rzbill/ice/pkg/log"
)

const DefaultKeyPrefix = "{ice}"

// Options configures a Redis store. Client takes precedence over Addr.
type Options struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	Client    *r.Client
	Logger    logpkg.Logger
}

type keyspace struct {
	jobs, delay, meta, seq, ready string
}

func newKeyspace(prefix string) keyspace {
	return keyspace{
		jobs:  prefix + ":jobs",
		delay: prefix + ":delay",
		meta:  prefix + ":delay_meta",
		seq:   prefix + ":delay_seq",
		ready: prefix + ":ready:",
	}
}

// Store implements ice.Store on Redis.
type Store struct {
	rdb    *r.Client
	owns   bool
	keys   keyspace
	logger logpkg.Logger
}

var _ ice.Store = (*Store)(nil)

// Open connects to Redis and verifies the connection.
func Open(ctx context.Context, opts Options) (*Store, error) {
	s := New(opts)
	if err := s.Ping(ctx); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("connect redis %s: %w", opts.Addr, err)
	}
	return s, nil
}

// New builds a store without contacting the server.
func New(opts Options) *Store {
	prefix := opts.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	logger := opts.Logger
	if logger == nil {
		logger = logpkg.NewLogger(logpkg.WithLevel(logpkg.InfoLevel))
	}
	s := &Store{rdb: opts.Client, keys: newKeyspace(prefix), logger: logger.With(logpkg.Component("redis-store"))}
	if s.rdb == nil {
		s.rdb = r.NewClient(&r.Options{Addr: opts.Addr, Password: opts.Password, DB: opts.DB})
		s.owns = true
	}
	return s
}

func (s *Store) Pool() ice.JobPool       { return pool{s} }
func (s *Store) Bucket() ice.DelayBucket { return bucket{s} }
func (s *Store) Ready() ice.ReadyQueue   { return ready{s} }

func (s *Store) Commit(ctx context.Context, b *ice.Batch) error {
	if b.Empty() {
		return nil
	}
	var seqBase int64
	if n := int64(len(b.Delays)); n > 0 {
		end, err := s.rdb.IncrBy(ctx, s.keys.seq, n).Result()
		if err != nil {
			return err
		}
		seqBase = end - n
	}

	pipe := s.rdb.TxPipeline()
	if len(b.Jobs) > 0 {
		fields := make([]interface{}, 0, 2*len(b.Jobs))
		for _, j := range b.Jobs {
			v, err := j.MarshalJSON()
			if err != nil {
				return fmt.Errorf("encode job %s: %w", j.ID, err)
			}
			fields = append(fields, j.ID, v)
		}
		pipe.HSet(ctx, s.keys.jobs, fields...)
	}
	for k, d := range b.Delays {
		pipe.ZAdd(ctx, s.keys.delay, r.Z{Score: float64(d.DueMs), Member: d.JobID})
		pipe.HSet(ctx, s.keys.meta, d.JobID, encodeMeta(d, seqBase+int64(k)+1))
	}
	if len(b.Removes) > 0 {
		pipe.HDel(ctx, s.keys.jobs, b.Removes...)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (s *Store) PromoteDue(ctx context.Context, now time.Time, max int) ([]ice.DelayJob, error) {
	return s.popDue(ctx, now, max, true)
}

func (s *Store) popDue(ctx context.Context, now time.Time, max int, promote bool) ([]ice.DelayJob, error) {
	if max <= 0 {
		return nil, nil
	}
	flag := "0"
	if promote {
		flag = "1"
	}
	res, err := popDueScript.Run(ctx, s.rdb,
		[]string{s.keys.delay, s.keys.meta},
		now.UnixMilli(), max, flag, s.keys.ready,
	).StringSlice()
	if err != nil {
		return nil, err
	}
	if len(res)%4 != 0 {
		return nil, fmt.Errorf("redis: malformed pop reply of %d items", len(res))
	}
	out := make([]ice.DelayJob, 0, len(res)/4)
	for k := 0; k < len(res); k += 4 {
		due, err := strconv.ParseFloat(res[k+1], 64)
		if err != nil {
			return nil, fmt.Errorf("redis: bad score %q: %w", res[k+1], err)
		}
		gen, err := strconv.ParseInt(res[k+2], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("redis: bad generation %q: %w", res[k+2], err)
		}
		out = append(out, ice.DelayJob{JobID: res[k], Topic: res[k+3], DueMs: int64(due), Generation: gen})
	}
	return out, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) Close() error {
	if !s.owns {
		return nil
	}
	return s.rdb.Close()
}

// encodeMeta renders "gen|seq|topic"; the topic goes last as it may hold '|'.
func encodeMeta(d ice.DelayJob, seq int64) string {
	return strconv.FormatInt(d.Generation, 10) + "|" + strconv.FormatInt(seq, 10) + "|" + d.Topic
}

// encodeReady renders a Ready Queue entry as "gen|due|job id".
func encodeReady(d ice.DelayJob) string {
	return strconv.FormatInt(d.Generation, 10) + "|" + strconv.FormatInt(d.DueMs, 10) + "|" + d.JobID
}

func decodeReady(topic, s string) (ice.DelayJob, error) {
	parts := strings.SplitN(s, "|", 3)
	if len(parts) != 3 {
		return ice.DelayJob{}, fmt.Errorf("redis: malformed ready entry %q", s)
	}
	gen, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return ice.DelayJob{}, fmt.Errorf("redis: malformed ready entry %q: %w", s, err)
	}
	due, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return ice.DelayJob{}, fmt.Errorf("redis: malformed ready entry %q: %w", s, err)
	}
	return ice.DelayJob{JobID: parts[2], Topic: topic, DueMs: int64(due), Generation: gen}, nil
}

func isNil(err error) bool { return errors.Is(err, r.Nil) }
