package lockout

import (
	"context"
	"time"

	"github.com/permitdesk/staffsec/internal/audit"
	"github.com/permitdesk/staffsec/internal/obs"
	"github.com/permitdesk/staffsec/internal/staff"
)

const (
	DefaultThreshold = 5
	DefaultDuration  = 15 * time.Minute
)

// Status is the lockout view of one account.
type Status struct {
	Locked           bool
	RemainingMinutes int
	Until            time.Time
	FailureCount     int
}

// Guard tracks consecutive authentication failures and enforces a temporary lock.
type Guard struct {
	store     staff.Store
	trail     *audit.Trail
	threshold int
	duration  time.Duration
	attempts  int
	now       func() time.Time
}

// Option customises a Guard.
type Option func(*Guard)

// WithThreshold sets the number of consecutive failures that triggers a lock.
func WithThreshold(n int) Option {
	return func(g *Guard) {
		if n > 0 {
			g.threshold = n
		}
	}
}

// WithDuration sets how long a lock lasts.
func WithDuration(d time.Duration) Option {
	return func(g *Guard) {
		if d > 0 {
			g.duration = d
		}
	}
}

// WithClock overrides the guard clock.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) {
		if now != nil {
			g.now = now
		}
	}
}

// WithTxAttempts sets the retry budget of guard transactions.
func WithTxAttempts(n int) Option {
	return func(g *Guard) {
		if n > 0 {
			g.attempts = n
		}
	}
}

// NewGuard constructs a Guard.
func NewGuard(store staff.Store, trail *audit.Trail, opts ...Option) *Guard {
	g := &Guard{
		store:     store,
		trail:     trail,
		threshold: DefaultThreshold,
		duration:  DefaultDuration,
		attempts:  staff.DefaultTxAttempts,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Check computes the lockout status of acc without touching storage.
func (g *Guard) Check(acc staff.Account) Status {
	return statusAt(acc, g.now())
}

func statusAt(acc staff.Account, now time.Time) Status {
	st := Status{FailureCount: acc.Lockout.FailureCount}
	if until := acc.Lockout.LockedUntil; !until.IsZero() && now.Before(until) {
		st.Locked = true
		st.Until = until
		st.RemainingMinutes = int((until.Sub(now) + time.Minute - 1) / time.Minute)
	}
	return st
}

// Err returns a *staff.LockedError for a locked status and nil otherwise.
func (s Status) Err() error {
	if !s.Locked {
		return nil
	}
	return &staff.LockedError{Until: s.Until, RemainingMinutes: s.RemainingMinutes}
}

// CheckLocked reads the account's lockout status.
func (g *Guard) CheckLocked(ctx context.Context, accountID string) (Status, error) {
	var st Status
	err := g.store.WithTx(ctx, func(ctx context.Context, tx staff.Tx) error {
		acc, err := tx.Accounts().Get(ctx, accountID)
		if err != nil {
			return err
		}
		st = g.Check(acc)
		return nil
	})
	return st, err
}

// Require fails with *staff.LockedError while the account is locked.
func (g *Guard) Require(ctx context.Context, accountID string) error {
	st, err := g.CheckLocked(ctx, accountID)
	if err != nil {
		return err
	}
	return st.Err()
}

// RecordFailure counts one failed authentication. Reaching the threshold
// locks the account and resets the counter. Failures during an active lock
// change nothing, so the lock is neither extended nor shortened.
func (g *Guard) RecordFailure(ctx context.Context, accountID string) (Status, error) {
	var st Status
	err := staff.RunInTx(ctx, g.store, g.attempts, func(ctx context.Context, tx staff.Tx) error {
		acc, err := tx.Accounts().Get(ctx, accountID)
		if err != nil {
			return err
		}
		st, err = g.RecordFailureTx(ctx, tx, acc)
		return err
	})
	return st, err
}

// RecordFailureTx is RecordFailure inside an existing transaction.
func (g *Guard) RecordFailureTx(ctx context.Context, tx staff.Tx, acc staff.Account) (Status, error) {
	now := g.now()
	if st := statusAt(acc, now); st.Locked {
		return st, nil
	}

	prev := acc.SecurityState()
	acc.Lockout.FailureCount++
	action := "authentication_failed"
	event := "failure"
	if acc.Lockout.FailureCount >= g.threshold {
		acc.Lockout.LockedUntil = now.Add(g.duration)
		acc.Lockout.FailureCount = 0
		action = "account_locked"
		event = "locked"
	}
	if err := tx.Accounts().Update(ctx, acc); err != nil {
		return Status{}, err
	}
	meta := map[string]any{"threshold": g.threshold}
	if event == "locked" {
		meta["lock_minutes"] = int(g.duration / time.Minute)
	}
	if err := g.trail.Record(ctx, tx, staff.AuditEntry{
		ActorAccountID: staff.SystemActor,
		Action:         action,
		EntityType:     staff.EntityAccount,
		EntityID:       acc.ID,
		PreviousState:  prev,
		NewState:       acc.SecurityState(),
		Role:           acc.Role,
		Metadata:       meta,
	}); err != nil {
		return Status{}, err
	}
	tx.OnCommit(func() { obs.LockoutEvents.WithLabelValues(event).Inc() })
	return statusAt(acc, now), nil
}

// RecordSuccess resets the failure counter. An active lock stays in place.
func (g *Guard) RecordSuccess(ctx context.Context, accountID string) error {
	return staff.RunInTx(ctx, g.store, g.attempts, func(ctx context.Context, tx staff.Tx) error {
		acc, err := tx.Accounts().Get(ctx, accountID)
		if err != nil {
			return err
		}
		_, err = g.RecordSuccessTx(ctx, tx, acc)
		return err
	})
}

// RecordSuccessTx is RecordSuccess inside an existing transaction and
// returns the updated account.
func (g *Guard) RecordSuccessTx(ctx context.Context, tx staff.Tx, acc staff.Account) (staff.Account, error) {
	if acc.Lockout.FailureCount == 0 {
		return acc, nil
	}
	prev := acc.SecurityState()
	acc.Lockout.FailureCount = 0
	if err := tx.Accounts().Update(ctx, acc); err != nil {
		return acc, err
	}
	if err := g.trail.Record(ctx, tx, staff.AuditEntry{
		ActorAccountID: acc.ID,
		Action:         "failure_count_reset",
		EntityType:     staff.EntityAccount,
		EntityID:       acc.ID,
		PreviousState:  prev,
		NewState:       acc.SecurityState(),
		Role:           acc.Role,
	}); err != nil {
		return acc, err
	}
	tx.OnCommit(func() { obs.LockoutEvents.WithLabelValues("reset").Inc() })
	return acc, nil
}
