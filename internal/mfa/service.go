package mfa

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"github.com/permitdesk/staffsec/internal/audit"
	"github.com/permitdesk/staffsec/internal/schedule"
	"github.com/permitdesk/staffsec/internal/staff"
)

// DefaultDisableDelay is how long a disable request waits before it takes effect.
const DefaultDisableDelay = 24 * time.Hour

// Enrollment is returned once when a TOTP key is issued.
type Enrollment struct {
	Secret string
	URL    string
}

// Service runs MFA enrolment and the delayed disable workflow.
//
// Disable states per account: Enabled -> DisablePending -> Disabled, and
// DisablePending -> Enabled through UndoDisable.
type Service struct {
	store    staff.Store
	engine   *schedule.Engine
	trail    *audit.Trail
	delay    time.Duration
	issuer   string
	attempts int
	now      func() time.Time
}

// Option customises a Service.
type Option func(*Service)

// WithDelay overrides the disable delay.
func WithDelay(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.delay = d
		}
	}
}

// WithIssuer sets the issuer shown by authenticator apps.
func WithIssuer(issuer string) Option {
	return func(s *Service) {
		if strings.TrimSpace(issuer) != "" {
			s.issuer = issuer
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

// NewService constructs a Service.
func NewService(store staff.Store, engine *schedule.Engine, trail *audit.Trail, opts ...Option) *Service {
	s := &Service{
		store:    store,
		engine:   engine,
		trail:    trail,
		delay:    DefaultDisableDelay,
		issuer:   "staffsec",
		attempts: staff.DefaultTxAttempts,
		now:      engine.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register binds the disable effect to the sweep registry.
func (s *Service) Register(reg *schedule.Registry) {
	reg.Register(staff.KindMFADisable, s.ApplyDisable)
}

// Enroll issues a new TOTP key for an account whose MFA is not yet enabled.
// The key stays inactive until Confirm.
func (s *Service) Enroll(ctx context.Context, accountID string) (Enrollment, error) {
	var out Enrollment
	err := staff.RunInTx(ctx, s.store, s.attempts, func(ctx context.Context, tx staff.Tx) error {
		acc, err := tx.Accounts().Get(ctx, accountID)
		if err != nil {
			return err
		}
		if acc.MFA.Enabled {
			return fmt.Errorf("%w: mfa already enabled", staff.ErrInvalidState)
		}
		key, err := totp.Generate(totp.GenerateOpts{
			Issuer:      s.issuer,
			AccountName: acc.Username,
		})
		if err != nil {
			return fmt.Errorf("generate totp key: %w", err)
		}

		prev := acc.SecurityState()
		acc.MFA.Secret = key.Secret()
		if err := tx.Accounts().Update(ctx, acc); err != nil {
			return err
		}
		if err := s.trail.Record(ctx, tx, staff.AuditEntry{
			ActorAccountID: acc.ID,
			Action:         "mfa_enrolled",
			EntityType:     staff.EntityAccount,
			EntityID:       acc.ID,
			PreviousState:  prev,
			NewState:       acc.SecurityState(),
			Role:           acc.Role,
		}); err != nil {
			return err
		}
		out = Enrollment{Secret: key.Secret(), URL: key.URL()}
		return nil
	})
	return out, err
}

// Confirm activates MFA once the user proves possession of the enrolled key.
func (s *Service) Confirm(ctx context.Context, accountID, code string) error {
	return staff.RunInTx(ctx, s.store, s.attempts, func(ctx context.Context, tx staff.Tx) error {
		acc, err := tx.Accounts().Get(ctx, accountID)
		if err != nil {
			return err
		}
		if acc.MFA.Enabled {
			return fmt.Errorf("%w: mfa already enabled", staff.ErrInvalidState)
		}
		if acc.MFA.Secret == "" {
			return fmt.Errorf("%w: no enrolment in progress", staff.ErrInvalidState)
		}
		ok, err := totp.ValidateCustom(strings.TrimSpace(code), acc.MFA.Secret, s.now(), totp.ValidateOpts{
			Period:    30,
			Skew:      1,
			Digits:    otp.DigitsSix,
			Algorithm: otp.AlgorithmSHA1,
		})
		if err != nil || !ok {
			return fmt.Errorf("%w: totp code rejected", staff.ErrInvalidCredential)
		}

		prev := acc.SecurityState()
		acc.MFA.Enabled = true
		acc.MustSetupMFA = false
		if err := tx.Accounts().Update(ctx, acc); err != nil {
			return err
		}
		return s.trail.Record(ctx, tx, staff.AuditEntry{
			ActorAccountID: acc.ID,
			Action:         "mfa_enabled",
			EntityType:     staff.EntityAccount,
			EntityID:       acc.ID,
			PreviousState:  prev,
			NewState:       acc.SecurityState(),
			Role:           acc.Role,
		})
	})
}

// RequestDisable schedules MFA to be turned off after the configured delay
// and returns when that happens.
func (s *Service) RequestDisable(ctx context.Context, accountID string) (time.Time, error) {
	var scheduledFor time.Time
	err := staff.RunInTx(ctx, s.store, s.attempts, func(ctx context.Context, tx staff.Tx) error {
		acc, err := tx.Accounts().Get(ctx, accountID)
		if err != nil {
			return err
		}
		if !acc.MFA.Enabled {
			return fmt.Errorf("%w: mfa is not enabled", staff.ErrInvalidState)
		}
		if acc.MFA.DisablePending {
			return fmt.Errorf("%w: mfa disable already pending", staff.ErrConflict)
		}

		t, err := s.engine.Schedule(ctx, tx, acc.ID, staff.KindMFADisable, s.delay)
		if err != nil {
			return err
		}

		prev := acc.SecurityState()
		acc.MFA.DisablePending = true
		acc.MFA.DisableScheduledFor = t.ScheduledFor
		if err := tx.Accounts().Update(ctx, acc); err != nil {
			return err
		}
		if err := s.trail.Record(ctx, tx, staff.AuditEntry{
			ActorAccountID: acc.ID,
			Action:         "mfa_disable_requested",
			EntityType:     staff.EntityAccount,
			EntityID:       acc.ID,
			PreviousState:  prev,
			NewState:       acc.SecurityState(),
			Role:           acc.Role,
			Metadata:       map[string]any{"transition_id": t.ID},
		}); err != nil {
			return err
		}
		scheduledFor = t.ScheduledFor
		return nil
	})
	return scheduledFor, err
}

// UndoDisable cancels a pending disable request. It fails with
// staff.ErrNotFound when nothing is pending.
func (s *Service) UndoDisable(ctx context.Context, accountID, actorID string) error {
	return staff.RunInTx(ctx, s.store, s.attempts, func(ctx context.Context, tx staff.Tx) error {
		acc, err := tx.Accounts().Get(ctx, accountID)
		if err != nil {
			return err
		}
		pending, err := tx.Transitions().Pending(ctx, acc.ID, staff.KindMFADisable)
		if err != nil {
			return err
		}
		if _, err := s.engine.Cancel(ctx, tx, pending.ID, actorID); err != nil {
			return err
		}

		prev := acc.SecurityState()
		acc.MFA.DisablePending = false
		acc.MFA.DisableScheduledFor = time.Time{}
		if err := tx.Accounts().Update(ctx, acc); err != nil {
			return err
		}
		return s.trail.Record(ctx, tx, staff.AuditEntry{
			ActorAccountID: actorID,
			Action:         "mfa_disable_canceled",
			EntityType:     staff.EntityAccount,
			EntityID:       acc.ID,
			PreviousState:  prev,
			NewState:       acc.SecurityState(),
			Role:           acc.Role,
			Metadata:       map[string]any{"transition_id": pending.ID},
		})
	})
}

// ApplyDisable is the sweep effect of a due mfa_disable transition. MFA that
// was already turned off elsewhere is left alone and the transition is still
// consumed.
func (s *Service) ApplyDisable(ctx context.Context, tx staff.Tx, t staff.ScheduledTransition, now time.Time) error {
	acc, err := tx.Accounts().Get(ctx, t.AccountID)
	if errors.Is(err, staff.ErrNotFound) {
		return s.trail.Record(ctx, tx, staff.AuditEntry{
			ActorAccountID: staff.SystemActor,
			Action:         "mfa_disable_skipped",
			EntityType:     staff.EntityScheduledTransition,
			EntityID:       t.ID,
			Metadata:       map[string]any{"account_id": t.AccountID, "reason": "account not found"},
			OccurredAt:     now,
		})
	}
	if err != nil {
		return err
	}

	prev := acc.SecurityState()
	action := "mfa_disabled"
	if !acc.MFA.Enabled {
		action = "mfa_disable_skipped"
	}
	acc.MFA.Enabled = false
	acc.MFA.Secret = ""
	acc.MFA.DisablePending = false
	acc.MFA.DisableScheduledFor = time.Time{}
	if err := tx.Accounts().Update(ctx, acc); err != nil {
		return err
	}
	return s.trail.Record(ctx, tx, staff.AuditEntry{
		ActorAccountID: staff.SystemActor,
		Action:         action,
		EntityType:     staff.EntityAccount,
		EntityID:       acc.ID,
		PreviousState:  prev,
		NewState:       acc.SecurityState(),
		Role:           acc.Role,
		Metadata:       map[string]any{"transition_id": t.ID},
		OccurredAt:     now,
	})
}
