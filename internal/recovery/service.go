package recovery

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/permitdesk/staffsec/internal/audit"
	"github.com/permitdesk/staffsec/internal/auth"
	"github.com/permitdesk/staffsec/internal/lockout"
	"github.com/permitdesk/staffsec/internal/obs"
	"github.com/permitdesk/staffsec/internal/risk"
	"github.com/permitdesk/staffsec/internal/schedule"
	"github.com/permitdesk/staffsec/internal/staff"
)

const (
	// DefaultMaxAge is how long a request may stay pending before it expires.
	DefaultMaxAge = 7 * 24 * time.Hour

	MinCredentialHours = 1
	MaxCredentialHours = 168
)

// CreateInput opens a recovery request. An empty RequestedBy marks the
// request as opened by the admin in AdminID.
type CreateInput struct {
	AccountID   string
	RequestedBy string
	AdminID     string
	IP          string
	UserAgent   string
}

// Issued is returned once by IssueTemporaryCredential. Secret is never stored.
type Issued struct {
	Request    staff.RecoveryRequest
	Credential staff.TemporaryCredential
	Username   string
	Secret     string
}

// Consumed describes a successful temporary login.
type Consumed struct {
	Account    staff.Account
	Request    staff.RecoveryRequest
	Credential staff.TemporaryCredential
}

// Service runs recovery requests and temporary credentials.
//
// Request states: Pending -> Approved (credential issued) -> Completed, or
// Pending -> Denied, or Pending -> Expired.
type Service struct {
	store    staff.Store
	trail    *audit.Trail
	guard    *lockout.Guard
	risk     *risk.Evaluator
	maxAge   time.Duration
	attempts int
	now      func() time.Time
	verify   func(hash, secret string) error
}

// Option customises a Service.
type Option func(*Service)

// WithMaxAge overrides how long pending requests live.
func WithMaxAge(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.maxAge = d
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

// NewService constructs a Service. The risk evaluator may be nil.
func NewService(store staff.Store, trail *audit.Trail, guard *lockout.Guard, evaluator *risk.Evaluator, opts ...Option) *Service {
	s := &Service{
		store:    store,
		trail:    trail,
		guard:    guard,
		risk:     evaluator,
		maxAge:   DefaultMaxAge,
		attempts: staff.DefaultTxAttempts,
		now:      func() time.Time { return time.Now().UTC() },
		verify:   auth.VerifySecret,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ExpiryJob runs ExpireStale on every sweep.
func (s *Service) ExpiryJob() schedule.Job {
	return schedule.Job{
		Name: "recovery_expiry",
		Run: func(ctx context.Context, now time.Time) error {
			_, err := s.ExpireStale(ctx, now)
			return err
		},
	}
}

// CreateRequest opens a recovery request after evaluating risk signals.
// Only one open request may exist per account.
func (s *Service) CreateRequest(ctx context.Context, in CreateInput) (staff.RecoveryRequest, error) {
	if strings.TrimSpace(in.AccountID) == "" {
		return staff.RecoveryRequest{}, fmt.Errorf("%w: account id is required", staff.ErrInvalidInput)
	}
	if in.RequestedBy == "" && in.AdminID == "" {
		return staff.RecoveryRequest{}, fmt.Errorf("%w: requester is required", staff.ErrInvalidInput)
	}

	var (
		out        staff.RecoveryRequest
		assessment *risk.Assessment
	)
	err := staff.RunInTx(ctx, s.store, s.attempts, func(ctx context.Context, tx staff.Tx) error {
		acc, err := tx.Accounts().Get(ctx, in.AccountID)
		if err != nil {
			return err
		}
		if in.RequestedBy != "" {
			if err := s.guard.Check(acc).Err(); err != nil {
				return err
			}
		}

		now := s.now()
		open, err := tx.Recovery().Open(ctx, acc.ID)
		if err != nil {
			return err
		}
		for _, r := range open {
			if r.Status == staff.RecoveryPending {
				return fmt.Errorf("%w: recovery request %s is pending", staff.ErrConflict, r.ID)
			}
			if r.TemporaryCredentialID == "" {
				continue
			}
			cred, err := tx.Credentials().Get(ctx, r.TemporaryCredentialID)
			if err != nil {
				return err
			}
			if cred.Active(now) {
				return fmt.Errorf("%w: temporary credential for request %s is still active", staff.ErrConflict, r.ID)
			}
		}

		if s.risk != nil && assessment == nil {
			a := s.risk.Evaluate(ctx, risk.Request{AccountID: acc.ID, Office: acc.Office, IP: in.IP})
			assessment = &a
		}

		req := staff.RecoveryRequest{
			AccountID:   acc.ID,
			RequestedBy: in.RequestedBy,
			Status:      staff.RecoveryPending,
			Office:      acc.Office,
			Role:        acc.Role,
			Metadata: staff.RecoveryMetadata{
				IP:        in.IP,
				UserAgent: in.UserAgent,
			},
			CreatedAt: now,
			UpdatedAt: now,
		}
		meta := map[string]any{"admin_initiated": req.AdminInitiated()}
		if assessment != nil {
			req.Metadata.RequestedOutsideOfficeHours = !assessment.WithinOfficeHours
			req.Metadata.SuspiciousActivityDetected = assessment.IsUnusualIP
			for k, v := range assessment.Metadata() {
				meta[k] = v
			}
		}
		if err := tx.Recovery().Insert(ctx, &req); err != nil {
			return err
		}

		actor := in.RequestedBy
		if actor == "" {
			actor = in.AdminID
		}
		if err := s.trail.Record(ctx, tx, staff.AuditEntry{
			ActorAccountID: actor,
			Action:         "recovery_requested",
			EntityType:     staff.EntityRecoveryRequest,
			EntityID:       req.ID,
			NewState:       requestState(req),
			Role:           acc.Role,
			Metadata:       meta,
		}); err != nil {
			return err
		}
		out = req
		return nil
	})
	return out, err
}

// IssueTemporaryCredential approves a pending request by issuing a one-time
// credential. Issuing is the approval; there is no separate approve step.
// Any other active credential of the account is revoked first.
func (s *Service) IssueTemporaryCredential(ctx context.Context, requestID, adminID string, expiresInHours int, expiresAfterFirstLogin bool) (Issued, error) {
	if expiresInHours < MinCredentialHours || expiresInHours > MaxCredentialHours {
		return Issued{}, fmt.Errorf("%w: expiry must be between %d and %d hours", staff.ErrInvalidInput, MinCredentialHours, MaxCredentialHours)
	}
	secret, err := auth.GenerateSecret(0)
	if err != nil {
		return Issued{}, fmt.Errorf("generate secret: %w", err)
	}
	hash, err := auth.HashSecret(secret)
	if err != nil {
		return Issued{}, fmt.Errorf("hash secret: %w", err)
	}

	var out Issued
	err = staff.RunInTx(ctx, s.store, s.attempts, func(ctx context.Context, tx staff.Tx) error {
		req, err := tx.Recovery().Get(ctx, requestID)
		if err != nil {
			return err
		}
		if req.Status != staff.RecoveryPending {
			return fmt.Errorf("%w: recovery request is %s", staff.ErrInvalidState, req.Status)
		}
		acc, err := tx.Accounts().Get(ctx, req.AccountID)
		if err != nil {
			return err
		}

		now := s.now()
		revoked, err := tx.Credentials().RevokeActive(ctx, acc.ID, now)
		if err != nil {
			return err
		}
		cred := staff.TemporaryCredential{
			AccountID:              acc.ID,
			RecoveryRequestID:      req.ID,
			UsernameHint:           acc.Username,
			SecretHash:             hash,
			IssuedAt:               now,
			ExpiresAt:              now.Add(time.Duration(expiresInHours) * time.Hour),
			ExpiresAfterFirstLogin: expiresAfterFirstLogin,
		}
		if err := tx.Credentials().Insert(ctx, &cred); err != nil {
			return err
		}

		prev := requestState(req)
		req.Status = staff.RecoveryApproved
		req.ReviewedBy = adminID
		req.ReviewedAt = now
		req.TemporaryCredentialID = cred.ID
		req.UpdatedAt = now
		if err := tx.Recovery().Update(ctx, req); err != nil {
			return err
		}
		if err := s.trail.Record(ctx, tx, staff.AuditEntry{
			ActorAccountID: adminID,
			Action:         "temporary_credential_issued",
			EntityType:     staff.EntityRecoveryRequest,
			EntityID:       req.ID,
			PreviousState:  prev,
			NewState:       requestState(req),
			Role:           staff.RoleAdmin,
			Metadata: map[string]any{
				"credential_id":             cred.ID,
				"account_id":                acc.ID,
				"expires_at":                cred.ExpiresAt.UTC().Format(time.RFC3339),
				"expires_after_first_login": expiresAfterFirstLogin,
				"revoked_credentials":       revoked,
			},
		}); err != nil {
			return err
		}
		out = Issued{Request: req, Credential: cred, Username: acc.Username, Secret: secret}
		return nil
	})
	if err != nil {
		return Issued{}, err
	}
	return out, nil
}

// ConsumeCredential logs in with a temporary credential. A wrong secret is
// reported as staff.ErrInvalidCredential whatever the expiry; a correct
// secret past expiry as staff.ErrExpiredCredential. On success the account
// must change its credentials and set up MFA, and older sessions are revoked.
func (s *Service) ConsumeCredential(ctx context.Context, username, secret string) (Consumed, error) {
	username = strings.TrimSpace(username)
	if username == "" || secret == "" {
		auth.VerifyAgainstDummy(secret)
		return Consumed{}, staff.ErrInvalidCredential
	}

	var (
		out          Consumed
		failedTarget string
	)
	err := staff.RunInTx(ctx, s.store, s.attempts, func(ctx context.Context, tx staff.Tx) error {
		failedTarget = ""
		cred, err := tx.Credentials().LatestUsable(ctx, username)
		if err != nil {
			auth.VerifyAgainstDummy(secret)
			if staff.IsClientError(err) {
				return staff.ErrInvalidCredential
			}
			return err
		}
		acc, err := tx.Accounts().Get(ctx, cred.AccountID)
		if err != nil {
			auth.VerifyAgainstDummy(secret)
			if staff.IsClientError(err) {
				return staff.ErrInvalidCredential
			}
			return err
		}
		// the hash is checked before the lock so a locked account costs the
		// same bcrypt work as any other attempt
		verifyErr := s.verify(cred.SecretHash, secret)
		if err := s.guard.Check(acc).Err(); err != nil {
			return err
		}
		if verifyErr != nil {
			failedTarget = acc.ID
			return staff.ErrInvalidCredential
		}
		now := s.now()
		if !now.Before(cred.ExpiresAt) {
			return staff.ErrExpiredCredential
		}
		if !acc.IsActive {
			return staff.ErrInvalidCredential
		}

		first, err := tx.Credentials().MarkConsumed(ctx, cred.ID, now)
		if err != nil {
			return err
		}
		if !first && cred.ExpiresAfterFirstLogin {
			return staff.ErrInvalidCredential
		}
		if first {
			cred.ConsumedAt = now
		}

		req, err := tx.Recovery().Get(ctx, cred.RecoveryRequestID)
		if err != nil {
			return err
		}
		if req.Status == staff.RecoveryApproved {
			req.Status = staff.RecoveryCompleted
			req.UpdatedAt = now
			if err := tx.Recovery().Update(ctx, req); err != nil {
				return err
			}
		}

		prev := acc.SecurityState()
		acc.MustChangeCredentials = true
		acc.MustSetupMFA = true
		acc.TokenVersion++
		acc.Lockout.FailureCount = 0
		if err := tx.Accounts().Update(ctx, acc); err != nil {
			return err
		}
		if err := s.trail.Record(ctx, tx, staff.AuditEntry{
			ActorAccountID: acc.ID,
			Action:         "temporary_credential_consumed",
			EntityType:     staff.EntityAccount,
			EntityID:       acc.ID,
			PreviousState:  prev,
			NewState:       acc.SecurityState(),
			Role:           acc.Role,
			Metadata: map[string]any{
				"credential_id":       cred.ID,
				"recovery_request_id": req.ID,
				"first_use":           first,
			},
		}); err != nil {
			return err
		}
		out = Consumed{Account: acc, Request: req, Credential: cred}
		return nil
	})
	if failedTarget != "" {
		if _, ferr := s.guard.RecordFailure(ctx, failedTarget); ferr != nil {
			obs.Logger().Error("record credential failure", zap.String("account_id", failedTarget), zap.Error(ferr))
		}
	}
	if err != nil {
		return Consumed{}, err
	}
	return out, nil
}

// Deny rejects a pending request.
func (s *Service) Deny(ctx context.Context, requestID, adminID, reason string) (staff.RecoveryRequest, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return staff.RecoveryRequest{}, fmt.Errorf("%w: a denial reason is required", staff.ErrInvalidInput)
	}
	var out staff.RecoveryRequest
	err := staff.RunInTx(ctx, s.store, s.attempts, func(ctx context.Context, tx staff.Tx) error {
		req, err := tx.Recovery().Get(ctx, requestID)
		if err != nil {
			return err
		}
		if req.Status != staff.RecoveryPending {
			return fmt.Errorf("%w: recovery request is %s", staff.ErrInvalidState, req.Status)
		}
		now := s.now()
		prev := requestState(req)
		req.Status = staff.RecoveryDenied
		req.ReviewedBy = adminID
		req.ReviewedAt = now
		req.DenialReason = reason
		req.UpdatedAt = now
		if err := tx.Recovery().Update(ctx, req); err != nil {
			return err
		}
		if err := s.trail.Record(ctx, tx, staff.AuditEntry{
			ActorAccountID: adminID,
			Action:         "recovery_denied",
			EntityType:     staff.EntityRecoveryRequest,
			EntityID:       req.ID,
			PreviousState:  prev,
			NewState:       requestState(req),
			Role:           staff.RoleAdmin,
			Metadata:       map[string]any{"reason": reason, "account_id": req.AccountID},
		}); err != nil {
			return err
		}
		out = req
		return nil
	})
	return out, err
}

// ExpireStale expires pending requests older than the configured maximum age
// and returns how many were expired.
func (s *Service) ExpireStale(ctx context.Context, now time.Time) (int, error) {
	var stale []staff.RecoveryRequest
	err := s.store.WithTx(ctx, func(ctx context.Context, tx staff.Tx) error {
		var err error
		stale, err = tx.Recovery().List(ctx, staff.RecoveryFilter{
			Status:        staff.RecoveryPending,
			CreatedBefore: now.Add(-s.maxAge),
		})
		return err
	})
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, candidate := range stale {
		var changed bool
		err := staff.RunInTx(ctx, s.store, s.attempts, func(ctx context.Context, tx staff.Tx) error {
			changed = false
			req, err := tx.Recovery().Get(ctx, candidate.ID)
			if err != nil {
				return err
			}
			if req.Status != staff.RecoveryPending {
				return nil
			}
			prev := requestState(req)
			req.Status = staff.RecoveryExpired
			req.UpdatedAt = now
			if err := tx.Recovery().Update(ctx, req); err != nil {
				return err
			}
			if err := s.trail.Record(ctx, tx, staff.AuditEntry{
				ActorAccountID: staff.SystemActor,
				Action:         "recovery_expired",
				EntityType:     staff.EntityRecoveryRequest,
				EntityID:       req.ID,
				PreviousState:  prev,
				NewState:       requestState(req),
				Metadata:       map[string]any{"account_id": req.AccountID, "max_age_hours": int(s.maxAge / time.Hour)},
				OccurredAt:     now,
			}); err != nil {
				return err
			}
			changed = true
			return nil
		})
		if err != nil {
			return expired, err
		}
		if changed {
			expired++
		}
	}
	return expired, nil
}

// Get loads one request.
func (s *Service) Get(ctx context.Context, id string) (staff.RecoveryRequest, error) {
	var out staff.RecoveryRequest
	err := s.store.WithTx(ctx, func(ctx context.Context, tx staff.Tx) error {
		var err error
		out, err = tx.Recovery().Get(ctx, id)
		return err
	})
	return out, err
}

// List returns requests matching filter, oldest first.
func (s *Service) List(ctx context.Context, filter staff.RecoveryFilter) ([]staff.RecoveryRequest, error) {
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 100
	}
	var out []staff.RecoveryRequest
	err := s.store.WithTx(ctx, func(ctx context.Context, tx staff.Tx) error {
		var err error
		out, err = tx.Recovery().List(ctx, filter)
		return err
	})
	return out, err
}

func requestState(r staff.RecoveryRequest) map[string]any {
	state := map[string]any{
		"status":                         string(r.Status),
		"account_id":                     r.AccountID,
		"requested_outside_office_hours": r.Metadata.RequestedOutsideOfficeHours,
		"suspicious_activity_detected":   r.Metadata.SuspiciousActivityDetected,
	}
	if r.ReviewedBy != "" {
		state["reviewed_by"] = r.ReviewedBy
	}
	if r.TemporaryCredentialID != "" {
		state["temporary_credential_id"] = r.TemporaryCredentialID
	}
	if r.DenialReason != "" {
		state["denial_reason"] = r.DenialReason
	}
	return state
}
