package staff

import (
	"context"
	"errors"
	"time"
)

// Store opens logical transactions over every entity the workflows touch.
// A state change and its audit entry are written through the same Tx so that
// neither becomes visible without the other.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx exposes the per-entity stores bound to one transaction.
type Tx interface {
	Accounts() AccountStore
	Transitions() TransitionStore
	Recovery() RecoveryStore
	Credentials() CredentialStore
	Audit() AuditStore
	// OnCommit registers fn to run once the transaction has committed.
	// Hooks of a rolled back transaction are discarded.
	OnCommit(fn func())
}

// AccountStore manages account security fields.
type AccountStore interface {
	// Get loads the account and, where the backend supports it, locks the row
	// for the remainder of the transaction.
	Get(ctx context.Context, id string) (Account, error)
	Create(ctx context.Context, acc *Account) error
	Update(ctx context.Context, acc Account) error
	Delete(ctx context.Context, id string) error
}

// TransitionStore manages scheduled transitions.
type TransitionStore interface {
	// Insert fails with ErrConflict when a pending transition of the same kind
	// already exists for the account.
	Insert(ctx context.Context, t *ScheduledTransition) error
	Get(ctx context.Context, id string) (ScheduledTransition, error)
	Pending(ctx context.Context, accountID string, kind TransitionKind) (ScheduledTransition, error)
	// Due lists pending transitions with ScheduledFor <= now, oldest first.
	Due(ctx context.Context, now time.Time, limit int) ([]ScheduledTransition, error)
	// Resolve moves a pending transition to status. It reports false when the
	// transition was no longer pending.
	Resolve(ctx context.Context, id string, status TransitionStatus, at time.Time, by string) (bool, error)
}

// RecoveryStore manages recovery requests.
type RecoveryStore interface {
	Insert(ctx context.Context, r *RecoveryRequest) error
	Get(ctx context.Context, id string) (RecoveryRequest, error)
	Update(ctx context.Context, r RecoveryRequest) error
	// Open lists pending and approved requests for the account.
	Open(ctx context.Context, accountID string) ([]RecoveryRequest, error)
	List(ctx context.Context, filter RecoveryFilter) ([]RecoveryRequest, error)
}

// CredentialStore manages temporary credentials.
type CredentialStore interface {
	Insert(ctx context.Context, c *TemporaryCredential) error
	Get(ctx context.Context, id string) (TemporaryCredential, error)
	// LatestUsable returns the newest credential for the username hint that is
	// neither revoked nor spent. Expired credentials are still returned.
	LatestUsable(ctx context.Context, usernameHint string) (TemporaryCredential, error)
	// RevokeActive revokes every usable credential of the account.
	RevokeActive(ctx context.Context, accountID string, at time.Time) (int, error)
	// MarkConsumed records the first consumption. It reports false if the
	// credential had already been consumed.
	MarkConsumed(ctx context.Context, id string, at time.Time) (bool, error)
}

// AuditStore appends immutable entries and reads them back.
type AuditStore interface {
	Append(ctx context.Context, entry *AuditEntry) error
	Query(ctx context.Context, filter AuditFilter) ([]AuditEntry, error)
}

// RetryClassifier is implemented by stores that can tell transient storage
// failures, such as serialization conflicts, from permanent ones. RunInTx
// retries only what Retryable accepts.
type RetryClassifier interface {
	Retryable(err error) bool
}

const (
	DefaultTxAttempts = 3
	retryBackoff      = 25 * time.Millisecond
)

// RunInTx runs fn in a transaction and retries storage failures up to attempts
// times. Client errors end the loop immediately, as do errors a RetryClassifier
// store rejects. Every failed attempt is rolled back by the store, so no
// partial state survives.
func RunInTx(ctx context.Context, store Store, attempts int, fn func(ctx context.Context, tx Tx) error) error {
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = store.WithTx(ctx, fn)
		if err == nil || IsClientError(err) {
			return err
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if c, ok := store.(RetryClassifier); ok && !c.Retryable(err) {
			return err
		}
		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * retryBackoff):
		}
	}
	return err
}
