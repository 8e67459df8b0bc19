package deletion

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/permitdesk/staffsec/internal/audit"
	"github.com/permitdesk/staffsec/internal/lockout"
	"github.com/permitdesk/staffsec/internal/obs"
	"github.com/permitdesk/staffsec/internal/risk"
	"github.com/permitdesk/staffsec/internal/schedule"
	"github.com/permitdesk/staffsec/internal/staff"
)

// DefaultDelay is the time between approval and purge.
const DefaultDelay = 30 * 24 * time.Hour

// Request is a staff member's own deletion request.
type Request struct {
	AccountID           string
	Reason              string
	LegalAcknowledgment bool
	IP                  string
	UserAgent           string
}

// Status is the deletion view of one account.
type Status struct {
	Pending      bool
	Approved     bool
	RequestedAt  time.Time
	ScheduledFor time.Time
	Reason       string
}

func statusOf(acc staff.Account) Status {
	return Status{
		Pending:      acc.Deletion.Pending,
		Approved:     acc.Deletion.Pending && !acc.Deletion.ScheduledFor.IsZero(),
		RequestedAt:  acc.Deletion.RequestedAt,
		ScheduledFor: acc.Deletion.ScheduledFor,
		Reason:       acc.Deletion.Reason,
	}
}

// Forgetter drops per-account data kept outside the staff store, such as IP
// history.
type Forgetter interface {
	Forget(ctx context.Context, accountID string) error
}

// Service runs the staff deletion workflow:
// Active -> DeletionPending -> approved and scheduled for purge -> Deleted,
// or back to Active when an admin denies the request.
type Service struct {
	store    staff.Store
	engine   *schedule.Engine
	trail    *audit.Trail
	guard    *lockout.Guard
	risk     *risk.Evaluator
	forget   []Forgetter
	delay    time.Duration
	attempts int
	now      func() time.Time
}

// Option customises a Service.
type Option func(*Service)

// WithDelay overrides the purge delay.
func WithDelay(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.delay = d
		}
	}
}

// WithClock overrides the service clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithTxAttempts sets the retry budget of each operation.
func WithTxAttempts(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.attempts = n
		}
	}
}

// WithForgetter registers f to run after an account is purged.
func WithForgetter(f Forgetter) Option {
	return func(s *Service) {
		if f != nil {
			s.forget = append(s.forget, f)
		}
	}
}

// NewService constructs a Service. The risk evaluator may be nil.
func NewService(store staff.Store, engine *schedule.Engine, trail *audit.Trail, guard *lockout.Guard, evaluator *risk.Evaluator, opts ...Option) *Service {
	s := &Service{
		store:    store,
		engine:   engine,
		trail:    trail,
		guard:    guard,
		risk:     evaluator,
		delay:    DefaultDelay,
		attempts: staff.DefaultTxAttempts,
		now:      engine.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register binds the purge effect to the sweep registry.
func (s *Service) Register(reg *schedule.Registry) {
	reg.Register(staff.KindAccountDeletion, s.Purge)
}

// RequestDeletion marks the account deletion-pending. Nothing is scheduled
// until an admin approves.
func (s *Service) RequestDeletion(ctx context.Context, req Request) (Status, error) {
	if !req.LegalAcknowledgment {
		return Status{}, fmt.Errorf("%w: legal acknowledgment is required", staff.ErrInvalidInput)
	}
	reason := strings.TrimSpace(req.Reason)

	var (
		out      Status
		riskMeta map[string]any
	)
	err := staff.RunInTx(ctx, s.store, s.attempts, func(ctx context.Context, tx staff.Tx) error {
		acc, err := tx.Accounts().Get(ctx, req.AccountID)
		if err != nil {
			return err
		}
		if err := s.guard.Check(acc).Err(); err != nil {
			return err
		}
		if acc.Role != staff.RoleStaff {
			return fmt.Errorf("%w: only staff accounts can request deletion", staff.ErrInvalidState)
		}
		if acc.Deletion.Pending {
			return fmt.Errorf("%w: deletion already pending", staff.ErrConflict)
		}

		meta := map[string]any{"legal_acknowledgment": true}
		if req.UserAgent != "" {
			meta["user_agent"] = req.UserAgent
		}
		if req.IP != "" {
			meta["ip"] = req.IP
		}
		// evaluated once so a retried transaction does not see its own IP as known
		if s.risk != nil && riskMeta == nil {
			riskMeta = s.risk.Evaluate(ctx, risk.Request{AccountID: acc.ID, Office: acc.Office, IP: req.IP}).Metadata()
		}
		for k, v := range riskMeta {
			meta[k] = v
		}

		prev := acc.SecurityState()
		acc.Deletion = staff.DeletionState{
			Pending:     true,
			RequestedAt: s.now(),
			Reason:      reason,
		}
		if err := tx.Accounts().Update(ctx, acc); err != nil {
			return err
		}
		if err := s.trail.Record(ctx, tx, staff.AuditEntry{
			ActorAccountID: acc.ID,
			Action:         "account_deletion_requested",
			EntityType:     staff.EntityAccount,
			EntityID:       acc.ID,
			PreviousState:  prev,
			NewState:       acc.SecurityState(),
			Role:           acc.Role,
			Metadata:       meta,
		}); err != nil {
			return err
		}
		out = statusOf(acc)
		return nil
	})
	return out, err
}

// Review approves or denies a pending request. Approval deactivates the
// account and invalidates its sessions at once; the purge follows after the
// configured delay. Denial needs a reason.
func (s *Service) Review(ctx context.Context, accountID, adminID string, approve bool, reason string) (Status, error) {
	reason = strings.TrimSpace(reason)
	if !approve && reason == "" {
		return Status{}, fmt.Errorf("%w: a reason is required to deny", staff.ErrInvalidInput)
	}

	var out Status
	err := staff.RunInTx(ctx, s.store, s.attempts, func(ctx context.Context, tx staff.Tx) error {
		acc, err := tx.Accounts().Get(ctx, accountID)
		if err != nil {
			return err
		}
		if !acc.Deletion.Pending || !acc.Deletion.ScheduledFor.IsZero() {
			return fmt.Errorf("%w: no deletion request awaiting review", staff.ErrInvalidState)
		}

		prev := acc.SecurityState()
		entry := staff.AuditEntry{
			ActorAccountID: adminID,
			EntityType:     staff.EntityAccount,
			EntityID:       acc.ID,
			PreviousState:  prev,
			Role:           staff.RoleAdmin,
			Metadata:       map[string]any{},
		}
		if reason != "" {
			entry.Metadata["reason"] = reason
		}

		if approve {
			t, err := s.engine.Schedule(ctx, tx, acc.ID, staff.KindAccountDeletion, s.delay)
			if err != nil {
				return err
			}
			acc.IsActive = false
			acc.TokenVersion++
			acc.Deletion.ScheduledFor = t.ScheduledFor
			entry.Action = "account_deletion_approved"
			entry.Metadata["transition_id"] = t.ID
		} else {
			acc.Deletion = staff.DeletionState{}
			entry.Action = "account_deletion_denied"
		}

		if err := tx.Accounts().Update(ctx, acc); err != nil {
			return err
		}
		entry.NewState = acc.SecurityState()
		if err := s.trail.Record(ctx, tx, entry); err != nil {
			return err
		}
		out = statusOf(acc)
		return nil
	})
	return out, err
}

// Status reports the deletion state of an account.
func (s *Service) Status(ctx context.Context, accountID string) (Status, error) {
	var out Status
	err := s.store.WithTx(ctx, func(ctx context.Context, tx staff.Tx) error {
		acc, err := tx.Accounts().Get(ctx, accountID)
		if err != nil {
			return err
		}
		out = statusOf(acc)
		return nil
	})
	return out, err
}

// Purge is the sweep effect of a due account_deletion transition. It removes
// the account record and revokes any outstanding temporary credentials.
func (s *Service) Purge(ctx context.Context, tx staff.Tx, t staff.ScheduledTransition, now time.Time) error {
	acc, err := tx.Accounts().Get(ctx, t.AccountID)
	if errors.Is(err, staff.ErrNotFound) {
		return s.trail.Record(ctx, tx, staff.AuditEntry{
			ActorAccountID: staff.SystemActor,
			Action:         "account_deletion_skipped",
			EntityType:     staff.EntityScheduledTransition,
			EntityID:       t.ID,
			Metadata:       map[string]any{"account_id": t.AccountID, "reason": "account not found"},
			OccurredAt:     now,
		})
	}
	if err != nil {
		return err
	}

	revoked, err := tx.Credentials().RevokeActive(ctx, acc.ID, now)
	if err != nil {
		return err
	}
	if err := tx.Accounts().Delete(ctx, acc.ID); err != nil {
		return err
	}
	if len(s.forget) > 0 {
		detached := context.WithoutCancel(ctx)
		tx.OnCommit(func() {
			for _, f := range s.forget {
				if err := f.Forget(detached, acc.ID); err != nil {
					obs.Logger().Warn("forget purged account", zap.String("account_id", acc.ID), zap.Error(err))
				}
			}
		})
	}
	return s.trail.Record(ctx, tx, staff.AuditEntry{
		ActorAccountID: staff.SystemActor,
		Action:         "account_deleted",
		EntityType:     staff.EntityAccount,
		EntityID:       acc.ID,
		PreviousState:  acc.SecurityState(),
		NewState:       map[string]any{"deleted": true},
		Role:           acc.Role,
		Metadata: map[string]any{
			"transition_id":       t.ID,
			"username":            acc.Username,
			"credentials_revoked": revoked,
		},
		OccurredAt: now,
	})
}
