package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/permitdesk/staffsec/internal/obs"
	"github.com/permitdesk/staffsec/internal/staff"
)

// Engine creates and resolves scheduled transitions. It works inside the
// caller's transaction so a workflow can schedule, mutate the account and
// audit as one unit.
type Engine struct {
	now func() time.Time
}

// EngineOption customises an Engine.
type EngineOption func(*Engine)

// WithClock overrides the clock used to compute due times.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// NewEngine constructs an Engine.
func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Now returns the engine clock reading.
func (e *Engine) Now() time.Time { return e.now() }

// Schedule creates a pending transition due at now+delay. A second pending
// transition of the same kind for the account is rejected with ErrConflict.
func (e *Engine) Schedule(ctx context.Context, tx staff.Tx, accountID string, kind staff.TransitionKind, delay time.Duration) (staff.ScheduledTransition, error) {
	if accountID == "" {
		return staff.ScheduledTransition{}, fmt.Errorf("%w: account id is required", staff.ErrInvalidInput)
	}
	if !kind.Valid() {
		return staff.ScheduledTransition{}, fmt.Errorf("%w: unknown transition kind %q", staff.ErrInvalidInput, kind)
	}
	if delay < 0 {
		return staff.ScheduledTransition{}, fmt.Errorf("%w: negative delay", staff.ErrInvalidInput)
	}

	if _, err := tx.Transitions().Pending(ctx, accountID, kind); err == nil {
		return staff.ScheduledTransition{}, fmt.Errorf("%w: pending %s transition exists", staff.ErrConflict, kind)
	} else if !errors.Is(err, staff.ErrNotFound) {
		return staff.ScheduledTransition{}, err
	}

	now := e.now()
	t := staff.ScheduledTransition{
		AccountID:    accountID,
		Kind:         kind,
		ScheduledFor: now.Add(delay),
		Status:       staff.TransitionPending,
		CreatedAt:    now,
	}
	if err := tx.Transitions().Insert(ctx, &t); err != nil {
		return staff.ScheduledTransition{}, err
	}
	tx.OnCommit(func() { obs.TransitionsScheduled.WithLabelValues(string(kind)).Inc() })
	return t, nil
}

// Cancel moves a pending transition to canceled. It fails with ErrNotFound
// when no pending transition has that id and with ErrAlreadyApplied when a
// sweep applied it first.
func (e *Engine) Cancel(ctx context.Context, tx staff.Tx, transitionID, actorID string) (staff.ScheduledTransition, error) {
	t, err := tx.Transitions().Get(ctx, transitionID)
	if err != nil {
		return staff.ScheduledTransition{}, err
	}
	switch t.Status {
	case staff.TransitionApplied:
		return t, fmt.Errorf("%w: transition %s", staff.ErrAlreadyApplied, transitionID)
	case staff.TransitionCanceled:
		return t, fmt.Errorf("%w: no pending transition %s", staff.ErrNotFound, transitionID)
	}

	now := e.now()
	won, err := tx.Transitions().Resolve(ctx, transitionID, staff.TransitionCanceled, now, actorID)
	if err != nil {
		return staff.ScheduledTransition{}, err
	}
	if !won {
		current, err := tx.Transitions().Get(ctx, transitionID)
		if err != nil {
			return staff.ScheduledTransition{}, err
		}
		if current.Status == staff.TransitionApplied {
			return current, fmt.Errorf("%w: transition %s", staff.ErrAlreadyApplied, transitionID)
		}
		return current, fmt.Errorf("%w: no pending transition %s", staff.ErrNotFound, transitionID)
	}

	t.Status = staff.TransitionCanceled
	t.ResolvedAt = now
	t.ResolvedBy = actorID
	tx.OnCommit(func() { obs.TransitionsResolved.WithLabelValues(string(t.Kind), "canceled").Inc() })
	return t, nil
}

// DueTransitions lists pending transitions with ScheduledFor <= now, oldest first.
// A non-positive limit means no limit.
func (e *Engine) DueTransitions(ctx context.Context, tx staff.Tx, now time.Time, limit int) ([]staff.ScheduledTransition, error) {
	return tx.Transitions().Due(ctx, now, limit)
}

// MarkApplied claims a pending transition for application. It reports false
// when another worker or a cancellation resolved it first.
func (e *Engine) MarkApplied(ctx context.Context, tx staff.Tx, transitionID string, at time.Time) (bool, error) {
	return tx.Transitions().Resolve(ctx, transitionID, staff.TransitionApplied, at, staff.SystemActor)
}
