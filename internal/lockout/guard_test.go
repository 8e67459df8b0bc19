package lockout

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/permitdesk/staffsec/internal/audit"
	"github.com/permitdesk/staffsec/internal/staff"
)

var t0 = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

func setup(t *testing.T) (*staff.InMemory, *Guard, *clock, string) {
	t.Helper()
	store := staff.NewInMemory()
	c := &clock{now: t0}
	acc := staff.Account{Username: "amy", Role: staff.RoleStaff, IsActive: true}
	err := store.WithTx(context.Background(), func(ctx context.Context, tx staff.Tx) error {
		return tx.Accounts().Create(ctx, &acc)
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	g := NewGuard(store, audit.NewTrail(audit.WithClock(c.Now)), WithClock(c.Now))
	return store, g, c, acc.ID
}

func TestLocksAfterThreshold(t *testing.T) {
	store, g, c, id := setup(t)
	ctx := context.Background()

	for i := 1; i < DefaultThreshold; i++ {
		st, err := g.RecordFailure(ctx, id)
		if err != nil {
			t.Fatalf("failure %d: %v", i, err)
		}
		if st.Locked || st.FailureCount != i {
			t.Fatalf("failure %d: unexpected status %+v", i, st)
		}
	}
	st, err := g.RecordFailure(ctx, id)
	if err != nil {
		t.Fatalf("final failure: %v", err)
	}
	if !st.Locked || st.RemainingMinutes != 15 || st.FailureCount != 0 {
		t.Fatalf("expected lock for 15 minutes with reset counter, got %+v", st)
	}

	c.now = t0.Add(30 * time.Second)
	checked, err := g.CheckLocked(ctx, id)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !checked.Locked || checked.RemainingMinutes != 15 {
		t.Fatalf("expected ceil'd remaining minutes, got %+v", checked)
	}

	entries, err := audit.Query(ctx, store, staff.AuditFilter{EntityID: id, Action: "account_locked"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected one account_locked entry, got %d", len(entries))
	}
	if entries[0].PreviousState["failure_count"] != DefaultThreshold-1 {
		t.Fatalf("unexpected previous state %v", entries[0].PreviousState)
	}
}

func TestFailureDuringLockDoesNotExtend(t *testing.T) {
	_, g, c, id := setup(t)
	ctx := context.Background()
	for i := 0; i < DefaultThreshold; i++ {
		if _, err := g.RecordFailure(ctx, id); err != nil {
			t.Fatalf("failure: %v", err)
		}
	}
	c.now = t0.Add(10 * time.Minute)
	st, err := g.RecordFailure(ctx, id)
	if err != nil {
		t.Fatalf("sixth failure: %v", err)
	}
	if !st.Locked || !st.Until.Equal(t0.Add(DefaultDuration)) {
		t.Fatalf("lock must not move, got %+v", st)
	}
	if st.RemainingMinutes != 5 {
		t.Fatalf("expected 5 remaining minutes, got %d", st.RemainingMinutes)
	}

	c.now = t0.Add(DefaultDuration)
	after, err := g.CheckLocked(ctx, id)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if after.Locked || after.FailureCount != 0 {
		t.Fatalf("lock should have expired with fresh window, got %+v", after)
	}
}

func TestRecordSuccessKeepsActiveLock(t *testing.T) {
	_, g, _, id := setup(t)
	ctx := context.Background()
	for i := 0; i < DefaultThreshold; i++ {
		if _, err := g.RecordFailure(ctx, id); err != nil {
			t.Fatalf("failure: %v", err)
		}
	}
	if err := g.RecordSuccess(ctx, id); err != nil {
		t.Fatalf("success: %v", err)
	}
	err := g.Require(ctx, id)
	var locked *staff.LockedError
	if !errors.As(err, &locked) {
		t.Fatalf("expected LockedError, got %v", err)
	}
	if locked.RemainingMinutes != 15 {
		t.Fatalf("unexpected remaining minutes %d", locked.RemainingMinutes)
	}
}

func TestRecordSuccessResetsCounter(t *testing.T) {
	store, g, _, id := setup(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := g.RecordFailure(ctx, id); err != nil {
			t.Fatalf("failure: %v", err)
		}
	}
	if err := g.RecordSuccess(ctx, id); err != nil {
		t.Fatalf("success: %v", err)
	}
	st, err := g.CheckLocked(ctx, id)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if st.FailureCount != 0 || st.Locked {
		t.Fatalf("unexpected status %+v", st)
	}
	if err := g.Require(ctx, id); err != nil {
		t.Fatalf("require: %v", err)
	}

	entries, err := audit.Query(ctx, store, staff.AuditFilter{EntityID: id})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	// three failures and one reset
	if len(entries) != 4 || entries[0].Action != "failure_count_reset" {
		t.Fatalf("unexpected audit trail %+v", entries)
	}
}

func TestCustomThreshold(t *testing.T) {
	store := staff.NewInMemory()
	acc := staff.Account{Username: "bo", Role: staff.RoleStaff}
	_ = store.WithTx(context.Background(), func(ctx context.Context, tx staff.Tx) error {
		return tx.Accounts().Create(ctx, &acc)
	})
	g := NewGuard(store, audit.NewTrail(), WithThreshold(2), WithDuration(time.Hour), WithClock(func() time.Time { return t0 }))
	if _, err := g.RecordFailure(context.Background(), acc.ID); err != nil {
		t.Fatalf("failure: %v", err)
	}
	st, err := g.RecordFailure(context.Background(), acc.ID)
	if err != nil {
		t.Fatalf("failure: %v", err)
	}
	if !st.Locked || st.RemainingMinutes != 60 {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestUnknownAccount(t *testing.T) {
	_, g, _, _ := setup(t)
	if _, err := g.RecordFailure(context.Background(), "missing"); !errors.Is(err, staff.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
