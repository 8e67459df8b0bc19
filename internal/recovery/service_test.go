package recovery

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/permitdesk/staffsec/internal/audit"
	"github.com/permitdesk/staffsec/internal/lockout"
	"github.com/permitdesk/staffsec/internal/risk"
	"github.com/permitdesk/staffsec/internal/schedule"
	"github.com/permitdesk/staffsec/internal/staff"
)

// Monday 10:00 UTC.
var t0 = time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

type fixture struct {
	store *staff.InMemory
	clock *clock
	guard *lockout.Guard
	svc   *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	c := &clock{now: t0}
	store := staff.NewInMemory()
	trail := audit.NewTrail(audit.WithClock(c.Now))
	guard := lockout.NewGuard(store, trail, lockout.WithClock(c.Now))
	evaluator := risk.NewEvaluator(nil, store, risk.WithClock(c.Now))
	return &fixture{
		store: store,
		clock: c,
		guard: guard,
		svc:   NewService(store, trail, guard, evaluator, WithClock(c.Now)),
	}
}

func (f *fixture) account(t *testing.T, username string) string {
	t.Helper()
	acc := staff.Account{Username: username, Role: staff.RoleStaff, Office: "hq", IsActive: true, TokenVersion: 1}
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

func (f *fixture) issue(t *testing.T, accountID string, hours int, oneTime bool) Issued {
	t.Helper()
	ctx := context.Background()
	req, err := f.svc.CreateRequest(ctx, CreateInput{AccountID: accountID, RequestedBy: accountID, IP: "198.51.100.4"})
	require.NoError(t, err)
	issued, err := f.svc.IssueTemporaryCredential(ctx, req.ID, "admin-1", hours, oneTime)
	require.NoError(t, err)
	return issued
}

func TestCreateRequestRecordsRiskFlags(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.account(t, "amy")
	f.clock.now = t0.Add(10 * time.Hour) // 20:00

	req, err := f.svc.CreateRequest(ctx, CreateInput{AccountID: id, RequestedBy: id, IP: "203.0.113.5", UserAgent: "curl/8"})
	require.NoError(t, err)
	require.Equal(t, staff.RecoveryPending, req.Status)
	require.Equal(t, "hq", req.Office)
	require.True(t, req.Metadata.RequestedOutsideOfficeHours)
	require.True(t, req.Metadata.SuspiciousActivityDetected)
	require.False(t, req.AdminInitiated())

	_, err = f.svc.CreateRequest(ctx, CreateInput{AccountID: id, RequestedBy: id, IP: "203.0.113.5"})
	require.ErrorIs(t, err, staff.ErrConflict)

	entries, err := audit.Query(ctx, f.store, staff.AuditFilter{EntityID: req.ID})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "recovery_requested", entries[0].Action)
	require.Equal(t, true, entries[0].Metadata["unusual_ip"])
}

func TestCreateRequestLockoutGate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.account(t, "amy")
	for i := 0; i < lockout.DefaultThreshold; i++ {
		_, err := f.guard.RecordFailure(ctx, id)
		require.NoError(t, err)
	}

	_, err := f.svc.CreateRequest(ctx, CreateInput{AccountID: id, RequestedBy: id})
	var locked *staff.LockedError
	require.ErrorAs(t, err, &locked)

	// an admin can still open a request for a locked-out member
	req, err := f.svc.CreateRequest(ctx, CreateInput{AccountID: id, AdminID: "admin-1"})
	require.NoError(t, err)
	require.True(t, req.AdminInitiated())
}

func TestIssueNeverStoresPlaintext(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.account(t, "amy")

	issued := f.issue(t, id, 24, true)
	require.NotEmpty(t, issued.Secret)
	require.Equal(t, "amy", issued.Username)
	require.Equal(t, staff.RecoveryApproved, issued.Request.Status)
	require.Equal(t, issued.Credential.ID, issued.Request.TemporaryCredentialID)
	require.Equal(t, t0.Add(24*time.Hour), issued.Credential.ExpiresAt)

	var stored staff.TemporaryCredential
	require.NoError(t, f.store.WithTx(ctx, func(ctx context.Context, tx staff.Tx) error {
		var err error
		stored, err = tx.Credentials().Get(ctx, issued.Credential.ID)
		return err
	}))
	require.NotEqual(t, issued.Secret, stored.SecretHash)
	require.NotContains(t, stored.SecretHash, issued.Secret)

	entries, err := audit.Query(ctx, f.store, staff.AuditFilter{})
	require.NoError(t, err)
	for _, e := range entries {
		dump := fmt.Sprint(e.PreviousState, e.NewState, e.Metadata)
		require.False(t, strings.Contains(dump, issued.Secret), "audit entry %s leaks the secret", e.Action)
	}
}

func TestIssuePreconditions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.account(t, "amy")
	req, err := f.svc.CreateRequest(ctx, CreateInput{AccountID: id, RequestedBy: id})
	require.NoError(t, err)

	for _, hours := range []int{0, 169, -1} {
		_, err := f.svc.IssueTemporaryCredential(ctx, req.ID, "admin-1", hours, true)
		require.ErrorIs(t, err, staff.ErrInvalidInput)
	}
	_, err = f.svc.IssueTemporaryCredential(ctx, "missing", "admin-1", 24, true)
	require.ErrorIs(t, err, staff.ErrNotFound)

	_, err = f.svc.IssueTemporaryCredential(ctx, req.ID, "admin-1", 24, true)
	require.NoError(t, err)
	_, err = f.svc.IssueTemporaryCredential(ctx, req.ID, "admin-1", 24, true)
	require.ErrorIs(t, err, staff.ErrInvalidState)
}

func TestConsumeForcesOnboarding(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.account(t, "amy")
	issued := f.issue(t, id, 24, true)

	_, err := f.svc.ConsumeCredential(ctx, "amy", "wrong-secret")
	require.ErrorIs(t, err, staff.ErrInvalidCredential)
	require.Equal(t, 1, f.get(t, id).Lockout.FailureCount)

	f.clock.now = t0.Add(time.Hour)
	got, err := f.svc.ConsumeCredential(ctx, "amy", issued.Secret)
	require.NoError(t, err)
	require.True(t, got.Account.MustChangeCredentials)
	require.True(t, got.Account.MustSetupMFA)
	require.EqualValues(t, 2, got.Account.TokenVersion)
	require.Equal(t, staff.RecoveryCompleted, got.Request.Status)
	require.Equal(t, t0.Add(time.Hour), got.Credential.ConsumedAt)

	acc := f.get(t, id)
	require.Zero(t, acc.Lockout.FailureCount)
	require.EqualValues(t, 2, acc.TokenVersion)

	_, err = f.svc.ConsumeCredential(ctx, "amy", issued.Secret)
	require.ErrorIs(t, err, staff.ErrInvalidCredential)

	entries, err := audit.Query(ctx, f.store, staff.AuditFilter{EntityID: id, Action: "temporary_credential_consumed"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, false, entries[0].PreviousState["must_setup_mfa"])
	require.Equal(t, true, entries[0].NewState["must_setup_mfa"])
}

func TestConsumeExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.account(t, "amy")
	issued := f.issue(t, id, 1, true)

	f.clock.now = t0.Add(time.Hour)
	_, err := f.svc.ConsumeCredential(ctx, "amy", issued.Secret)
	require.ErrorIs(t, err, staff.ErrExpiredCredential)

	_, err = f.svc.ConsumeCredential(ctx, "amy", "not-the-secret")
	require.ErrorIs(t, err, staff.ErrInvalidCredential)

	// an expired credential does not block a fresh request
	_, err = f.svc.CreateRequest(ctx, CreateInput{AccountID: id, RequestedBy: id})
	require.NoError(t, err)
}

func TestReusableCredentialUntilExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.account(t, "amy")
	issued := f.issue(t, id, 4, false)

	first, err := f.svc.ConsumeCredential(ctx, "amy", issued.Secret)
	require.NoError(t, err)
	f.clock.now = t0.Add(time.Hour)
	second, err := f.svc.ConsumeCredential(ctx, "amy", issued.Secret)
	require.NoError(t, err)
	require.Equal(t, first.Credential.ConsumedAt, second.Credential.ConsumedAt)

	f.clock.now = t0.Add(4 * time.Hour)
	_, err = f.svc.ConsumeCredential(ctx, "amy", issued.Secret)
	require.ErrorIs(t, err, staff.ErrExpiredCredential)
}

func TestReissueRevokesPreviousCredential(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.account(t, "amy")
	old := f.issue(t, id, 1, false)

	f.clock.now = t0.Add(2 * time.Hour)
	fresh := f.issue(t, id, 24, true)

	var prev staff.TemporaryCredential
	require.NoError(t, f.store.WithTx(ctx, func(ctx context.Context, tx staff.Tx) error {
		var err error
		prev, err = tx.Credentials().Get(ctx, old.Credential.ID)
		return err
	}))
	require.False(t, prev.RevokedAt.IsZero())

	_, err := f.svc.ConsumeCredential(ctx, "amy", old.Secret)
	require.ErrorIs(t, err, staff.ErrInvalidCredential)
	_, err = f.svc.ConsumeCredential(ctx, "amy", fresh.Secret)
	require.NoError(t, err)
}

func TestConsumeUnknownUserAndLockedAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.svc.ConsumeCredential(ctx, "ghost", "whatever")
	require.ErrorIs(t, err, staff.ErrInvalidCredential)
	_, err = f.svc.ConsumeCredential(ctx, "", "")
	require.ErrorIs(t, err, staff.ErrInvalidCredential)

	id := f.account(t, "amy")
	issued := f.issue(t, id, 24, true)
	for i := 0; i < lockout.DefaultThreshold; i++ {
		_, err := f.svc.ConsumeCredential(ctx, "amy", "bad")
		require.ErrorIs(t, err, staff.ErrInvalidCredential)
	}
	_, err = f.svc.ConsumeCredential(ctx, "amy", issued.Secret)
	var locked *staff.LockedError
	require.ErrorAs(t, err, &locked)
	require.Equal(t, 15, locked.RemainingMinutes)
}

func TestLockedConsumeStillHashesSecret(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.account(t, "amy")
	f.issue(t, id, 24, true)
	for i := 0; i < lockout.DefaultThreshold; i++ {
		_, err := f.svc.ConsumeCredential(ctx, "amy", "bad")
		require.ErrorIs(t, err, staff.ErrInvalidCredential)
	}

	verified := 0
	verifySecret := f.svc.verify
	f.svc.verify = func(hash, secret string) error {
		verified++
		return verifySecret(hash, secret)
	}
	_, err := f.svc.ConsumeCredential(ctx, "amy", "bad")
	var locked *staff.LockedError
	require.ErrorAs(t, err, &locked)
	require.Equal(t, 1, verified)
	require.Zero(t, f.get(t, id).Lockout.FailureCount)
}

func TestDeny(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.account(t, "amy")
	req, err := f.svc.CreateRequest(ctx, CreateInput{AccountID: id, RequestedBy: id})
	require.NoError(t, err)

	_, err = f.svc.Deny(ctx, req.ID, "admin-1", "  ")
	require.ErrorIs(t, err, staff.ErrInvalidInput)

	denied, err := f.svc.Deny(ctx, req.ID, "admin-1", "identity not verified")
	require.NoError(t, err)
	require.Equal(t, staff.RecoveryDenied, denied.Status)
	require.Equal(t, "identity not verified", denied.DenialReason)

	_, err = f.svc.Deny(ctx, req.ID, "admin-1", "again")
	require.ErrorIs(t, err, staff.ErrInvalidState)
	_, err = f.svc.IssueTemporaryCredential(ctx, req.ID, "admin-1", 24, true)
	require.ErrorIs(t, err, staff.ErrInvalidState)
}

func TestExpireStale(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	oldID := f.account(t, "amy")
	newID := f.account(t, "bo")

	old, err := f.svc.CreateRequest(ctx, CreateInput{AccountID: oldID, RequestedBy: oldID})
	require.NoError(t, err)
	f.clock.now = t0.Add(6 * 24 * time.Hour)
	fresh, err := f.svc.CreateRequest(ctx, CreateInput{AccountID: newID, RequestedBy: newID})
	require.NoError(t, err)

	n, err := f.svc.ExpireStale(ctx, t0.Add(7*24*time.Hour+time.Minute))
	require.NoError(t, err)
	require.Equal(t, 1, n)

	got, err := f.svc.Get(ctx, old.ID)
	require.NoError(t, err)
	require.Equal(t, staff.RecoveryExpired, got.Status)
	got, err = f.svc.Get(ctx, fresh.ID)
	require.NoError(t, err)
	require.Equal(t, staff.RecoveryPending, got.Status)

	n, err = f.svc.ExpireStale(ctx, t0.Add(7*24*time.Hour+time.Minute))
	require.NoError(t, err)
	require.Zero(t, n)

	pending, err := f.svc.List(ctx, staff.RecoveryFilter{Status: staff.RecoveryPending})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, fresh.ID, pending[0].ID)
}

func TestExpiryJobRunsFromSweeper(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	id := f.account(t, "amy")
	req, err := f.svc.CreateRequest(ctx, CreateInput{AccountID: id, RequestedBy: id})
	require.NoError(t, err)

	sw := schedule.NewSweeper(f.store, schedule.NewEngine(), schedule.NewRegistry(), schedule.WithJob(f.svc.ExpiryJob()))
	_, err = sw.SweepOnce(ctx, t0.Add(8*24*time.Hour))
	require.NoError(t, err)

	got, err := f.svc.Get(ctx, req.ID)
	require.NoError(t, err)
	require.Equal(t, staff.RecoveryExpired, got.Status)
}
