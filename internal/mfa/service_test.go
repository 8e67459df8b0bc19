package mfa

import (
	"context"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/require"

	"github.com/permitdesk/staffsec/internal/audit"
	"github.com/permitdesk/staffsec/internal/schedule"
	"github.com/permitdesk/staffsec/internal/staff"
)

var t0 = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

type fixture struct {
	store   *staff.InMemory
	clock   *clock
	svc     *Service
	sweeper *schedule.Sweeper
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	c := &clock{now: t0}
	store := staff.NewInMemory()
	engine := schedule.NewEngine(schedule.WithClock(c.Now))
	trail := audit.NewTrail(audit.WithClock(c.Now))
	svc := NewService(store, engine, trail)
	reg := schedule.NewRegistry()
	svc.Register(reg)
	return &fixture{
		store:   store,
		clock:   c,
		svc:     svc,
		sweeper: schedule.NewSweeper(store, engine, reg),
	}
}

func (f *fixture) account(t *testing.T, acc staff.Account) string {
	t.Helper()
	require.NoError(t, f.store.WithTx(context.Background(), func(ctx context.Context, tx staff.Tx) error {
		return tx.Accounts().Create(ctx, &acc)
	}))
	return acc.ID
}

func (f *fixture) get(t *testing.T, id string) staff.Account {
	t.Helper()
	var acc staff.Account
	require.NoError(t, f.store.WithTx(context.Background(), func(ctx context.Context, tx staff.Tx) error {
		var err error
		acc, err = tx.Accounts().Get(ctx, id)
		return err
	}))
	return acc
}

func (f *fixture) actions(t *testing.T, id string) []string {
	t.Helper()
	entries, err := audit.Query(context.Background(), f.store, staff.AuditFilter{EntityID: id})
	require.NoError(t, err)
	out := make([]string, 0, len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		out = append(out, entries[i].Action)
	}
	return out
}

func enabled() staff.Account {
	return staff.Account{
		Username: "amy",
		Role:     staff.RoleStaff,
		IsActive: true,
		MFA:      staff.MFAState{Enabled: true, Secret: "JBSWY3DPEHPK3PXP"},
	}
}

func TestRequestThenUndoKeepsMFA(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.account(t, enabled())

	due, err := f.svc.RequestDisable(ctx, id)
	require.NoError(t, err)
	require.Equal(t, t0.Add(24*time.Hour), due)

	acc := f.get(t, id)
	require.True(t, acc.MFA.DisablePending)
	require.Equal(t, due, acc.MFA.DisableScheduledFor)

	f.clock.now = t0.Add(time.Hour)
	require.NoError(t, f.svc.UndoDisable(ctx, id, id))

	acc = f.get(t, id)
	require.True(t, acc.MFA.Enabled)
	require.False(t, acc.MFA.DisablePending)

	res, err := f.sweeper.SweepOnce(ctx, t0.Add(48*time.Hour))
	require.NoError(t, err)
	require.Zero(t, res.Applied)
	require.True(t, f.get(t, id).MFA.Enabled)

	require.Equal(t, []string{"mfa_disable_requested", "mfa_disable_canceled"}, f.actions(t, id))
}

func TestSweepDisablesAfterDelay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.account(t, enabled())

	_, err := f.svc.RequestDisable(ctx, id)
	require.NoError(t, err)

	res, err := f.sweeper.SweepOnce(ctx, t0.Add(23*time.Hour))
	require.NoError(t, err)
	require.Zero(t, res.Applied)
	require.True(t, f.get(t, id).MFA.Enabled)

	res, err = f.sweeper.SweepOnce(ctx, t0.Add(24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, res.Applied)

	acc := f.get(t, id)
	require.False(t, acc.MFA.Enabled)
	require.Empty(t, acc.MFA.Secret)
	require.False(t, acc.MFA.DisablePending)

	entries, err := audit.Query(ctx, f.store, staff.AuditFilter{EntityID: id, Action: "mfa_disabled"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, staff.SystemActor, entries[0].ActorAccountID)
	require.Equal(t, true, entries[0].PreviousState["mfa_enabled"])
	require.Equal(t, false, entries[0].NewState["mfa_enabled"])

	// the same transition is never applied twice
	res, err = f.sweeper.SweepOnce(ctx, t0.Add(25*time.Hour))
	require.NoError(t, err)
	require.Zero(t, res.Applied)

	require.ErrorIs(t, f.svc.UndoDisable(ctx, id, id), staff.ErrNotFound)
}

func TestRequestDisablePreconditions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	off := enabled()
	off.Username = "bo"
	off.MFA = staff.MFAState{}
	offID := f.account(t, off)
	_, err := f.svc.RequestDisable(ctx, offID)
	require.ErrorIs(t, err, staff.ErrInvalidState)

	id := f.account(t, enabled())
	_, err = f.svc.RequestDisable(ctx, id)
	require.NoError(t, err)
	_, err = f.svc.RequestDisable(ctx, id)
	require.ErrorIs(t, err, staff.ErrConflict)

	_, err = f.svc.RequestDisable(ctx, "missing")
	require.ErrorIs(t, err, staff.ErrNotFound)

	require.ErrorIs(t, f.svc.UndoDisable(ctx, offID, offID), staff.ErrNotFound)
}

func TestSweepSkipsAlreadyDisabled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.account(t, enabled())

	_, err := f.svc.RequestDisable(ctx, id)
	require.NoError(t, err)

	// MFA turned off through another path before the sweep
	require.NoError(t, f.store.WithTx(ctx, func(ctx context.Context, tx staff.Tx) error {
		acc, err := tx.Accounts().Get(ctx, id)
		if err != nil {
			return err
		}
		acc.MFA.Enabled = false
		return tx.Accounts().Update(ctx, acc)
	}))

	res, err := f.sweeper.SweepOnce(ctx, t0.Add(24*time.Hour))
	require.NoError(t, err)
	require.Equal(t, 1, res.Applied)
	require.False(t, f.get(t, id).MFA.DisablePending)
	require.Contains(t, f.actions(t, id), "mfa_disable_skipped")

	res, err = f.sweeper.SweepOnce(ctx, t0.Add(25*time.Hour))
	require.NoError(t, err)
	require.Zero(t, res.Applied+res.Failed)
}

func TestEnrollAndConfirm(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.account(t, staff.Account{Username: "cy", Role: staff.RoleStaff, IsActive: true, MustSetupMFA: true})

	enr, err := f.svc.Enroll(ctx, id)
	require.NoError(t, err)
	require.NotEmpty(t, enr.Secret)
	require.Contains(t, enr.URL, "otpauth://totp/")
	require.False(t, f.get(t, id).MFA.Enabled)

	require.ErrorIs(t, f.svc.Confirm(ctx, id, "000000x"), staff.ErrInvalidCredential)

	code, err := totp.GenerateCode(enr.Secret, t0)
	require.NoError(t, err)
	require.NoError(t, f.svc.Confirm(ctx, id, code))

	acc := f.get(t, id)
	require.True(t, acc.MFA.Enabled)
	require.False(t, acc.MustSetupMFA)

	_, err = f.svc.Enroll(ctx, id)
	require.ErrorIs(t, err, staff.ErrInvalidState)
	require.Equal(t, []string{"mfa_enrolled", "mfa_enabled"}, f.actions(t, id))
}
