package schedule

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/permitdesk/staffsec/internal/obs"
	"github.com/permitdesk/staffsec/internal/staff"
)

// Job is an additional periodic task run after each sweep, such as expiring
// stale recovery requests.
type Job struct {
	Name string
	Run  func(ctx context.Context, now time.Time) error
}

// Result summarises one sweep.
type Result struct {
	Applied int
	Skipped int
	Failed  int
}

// Sweeper applies due transitions. It is safe to run from several processes
// at once: each transition is claimed with a compare-and-set before its
// effect runs, so only one worker applies it.
type Sweeper struct {
	store    staff.Store
	engine   *Engine
	registry *Registry
	interval time.Duration
	batch    int
	attempts int
	jobs     []Job
	now      func() time.Time
}

// SweeperOption customises a Sweeper.
type SweeperOption func(*Sweeper)

// WithInterval sets the tick interval of Run.
func WithInterval(d time.Duration) SweeperOption {
	return func(s *Sweeper) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithBatch caps how many due transitions one sweep handles.
func WithBatch(n int) SweeperOption {
	return func(s *Sweeper) {
		if n > 0 {
			s.batch = n
		}
	}
}

// WithTxAttempts sets the retry budget of each transition's transaction.
func WithTxAttempts(n int) SweeperOption {
	return func(s *Sweeper) {
		if n > 0 {
			s.attempts = n
		}
	}
}

// WithJob registers an extra periodic job.
func WithJob(job Job) SweeperOption {
	return func(s *Sweeper) {
		if job.Run != nil {
			s.jobs = append(s.jobs, job)
		}
	}
}

// WithSweepClock overrides the clock used by Run.
func WithSweepClock(now func() time.Time) SweeperOption {
	return func(s *Sweeper) {
		if now != nil {
			s.now = now
		}
	}
}

// NewSweeper constructs a Sweeper.
func NewSweeper(store staff.Store, engine *Engine, registry *Registry, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		store:    store,
		engine:   engine,
		registry: registry,
		interval: time.Minute,
		batch:    100,
		attempts: staff.DefaultTxAttempts,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run sweeps every interval until ctx is done. It returns nil on cancellation.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		if _, err := s.SweepOnce(ctx, s.now()); err != nil && ctx.Err() == nil {
			obs.Logger().Error("sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// SweepOnce applies every transition due at now and then runs the extra jobs.
// A failing transition is logged and left pending; it does not stop the sweep.
func (s *Sweeper) SweepOnce(ctx context.Context, now time.Time) (Result, error) {
	start := time.Now()
	defer func() { obs.SweepDuration.Observe(time.Since(start).Seconds()) }()

	var due []staff.ScheduledTransition
	err := s.store.WithTx(ctx, func(ctx context.Context, tx staff.Tx) error {
		var err error
		due, err = s.engine.DueTransitions(ctx, tx, now, s.batch)
		return err
	})
	if err != nil {
		return Result{}, err
	}

	var res Result
	for _, t := range due {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		applied, err := s.apply(ctx, t, now)
		switch {
		case err != nil:
			res.Failed++
			obs.TransitionsResolved.WithLabelValues(string(t.Kind), "failed").Inc()
			obs.Logger().Error("apply transition failed",
				zap.String("transition_id", t.ID),
				zap.String("kind", string(t.Kind)),
				zap.String("account_id", t.AccountID),
				zap.Error(err),
			)
		case applied:
			res.Applied++
		default:
			res.Skipped++
		}
	}

	var jobErr error
	for _, job := range s.jobs {
		if err := job.Run(ctx, now); err != nil {
			obs.Logger().Error("sweep job failed", zap.String("job", job.Name), zap.Error(err))
			jobErr = errors.Join(jobErr, err)
		}
	}
	return res, jobErr
}

func (s *Sweeper) apply(ctx context.Context, t staff.ScheduledTransition, now time.Time) (bool, error) {
	effect, ok := s.registry.Lookup(t.Kind)
	if !ok {
		obs.Logger().Warn("no effect registered; leaving transition pending",
			zap.String("transition_id", t.ID),
			zap.String("kind", string(t.Kind)),
		)
		return false, nil
	}

	var applied bool
	err := staff.RunInTx(ctx, s.store, s.attempts, func(ctx context.Context, tx staff.Tx) error {
		applied = false
		won, err := s.engine.MarkApplied(ctx, tx, t.ID, now)
		if err != nil || !won {
			return err
		}
		if err := effect(ctx, tx, t, now); err != nil {
			return err
		}
		applied = true
		tx.OnCommit(func() { obs.TransitionsResolved.WithLabelValues(string(t.Kind), "applied").Inc() })
		return nil
	})
	return applied, err
}
