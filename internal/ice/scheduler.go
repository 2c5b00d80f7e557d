package ice

import (
	"context"
	"math/rand"
	"sync"
	"time"

	logpkg "github.com/rzbill/ice/pkg/log"
)

const (
	DefaultSchedulerInterval = 200 * time.Millisecond
	DefaultSchedulerBatch    = 512
)

// SchedulerOptions configures a Scheduler.
type SchedulerOptions struct {
	// Interval between ticks; a random jitter of up to 10% is added.
	Interval time.Duration
	// BatchSize caps the entries promoted per store call.
	BatchSize int
	Clock     func() time.Time
	Logger    logpkg.Logger
}

// Scheduler moves due Delay Bucket entries into the Ready Queues. Several
// schedulers may run against the same store.
type Scheduler struct {
	store    Store
	interval time.Duration
	batch    int
	now      func() time.Time
	logger   logpkg.Logger

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

func NewScheduler(store Store, opts SchedulerOptions) *Scheduler {
	s := &Scheduler{
		store:    store,
		interval: opts.Interval,
		batch:    opts.BatchSize,
		now:      opts.Clock,
		logger:   opts.Logger,
	}
	if s.interval <= 0 {
		s.interval = DefaultSchedulerInterval
	}
	if s.batch <= 0 {
		s.batch = DefaultSchedulerBatch
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.logger == nil {
		s.logger = logpkg.NewLogger(logpkg.WithLevel(logpkg.InfoLevel))
	}
	s.logger = s.logger.With(logpkg.Component("scheduler"))
	return s
}

// Tick promotes every entry due at the current time, batch by batch, and
// returns how many were moved.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	now := s.now()
	moved := 0
	for {
		djs, err := s.store.PromoteDue(ctx, now, s.batch)
		if err != nil {
			return moved, storeErr("promote due", err)
		}
		moved += len(djs)
		if len(djs) < s.batch {
			return moved, nil
		}
		if err := ctx.Err(); err != nil {
			return moved, err
		}
	}
}

// Start runs the tick loop in a goroutine until Stop is called.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		return
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.loop(s.stop, s.done)
	s.logger.Info("scheduler started", logpkg.Dur("interval", s.interval), logpkg.Int("batch", s.batch))
}

// Stop halts the loop and waits for an in-flight tick to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
	s.logger.Info("scheduler stopped")
}

// Run ticks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.Start()
	<-ctx.Done()
	s.Stop()
	return ctx.Err()
}

func (s *Scheduler) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()
	for {
		select {
		case <-stop:
			return
		case <-time.After(s.interval + time.Duration(rng.Int63n(int64(s.interval/10+1)))):
			n, err := s.Tick(ctx)
			if err != nil && ctx.Err() == nil {
				s.logger.Error("scheduler tick failed", logpkg.Err(err))
				continue
			}
			if n > 0 {
				s.logger.Debug("promoted due jobs", logpkg.Int("count", n))
			}
		}
	}
}
