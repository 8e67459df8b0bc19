package staff

import "time"

// Role is the coarse role of an account.
type Role string

const (
	RoleStaff Role = "staff"
	RoleAdmin Role = "admin"
)

// MFAState is the multi-factor state of an account.
type MFAState struct {
	Enabled             bool
	Secret              string
	DisablePending      bool
	DisableScheduledFor time.Time
}

// DeletionState tracks a self-service deletion request.
// ScheduledFor is set once an admin approves and the purge is scheduled.
type DeletionState struct {
	Pending      bool
	RequestedAt  time.Time
	Reason       string
	ScheduledFor time.Time
}

// LockoutState tracks consecutive authentication failures.
type LockoutState struct {
	FailureCount int
	LockedUntil  time.Time
}

// Account is the subset of a staff user record that the security workflows own.
type Account struct {
	ID           string
	Username     string
	Role         Role
	Office       string
	IsActive     bool
	TokenVersion int64

	MFA      MFAState
	Deletion DeletionState
	Lockout  LockoutState

	// Set after a temporary credential is consumed; cleared by the credential
	// change and MFA enrolment flows.
	MustChangeCredentials bool
	MustSetupMFA          bool

	CreatedAt time.Time
	UpdatedAt time.Time
}

// SecurityState returns the security-relevant fields as an audit snapshot.
// Secret material is reduced to a presence flag.
func (a Account) SecurityState() map[string]any {
	state := map[string]any{
		"is_active":               a.IsActive,
		"token_version":           a.TokenVersion,
		"mfa_enabled":             a.MFA.Enabled,
		"mfa_secret_set":          a.MFA.Secret != "",
		"mfa_disable_pending":     a.MFA.DisablePending,
		"deletion_pending":        a.Deletion.Pending,
		"failure_count":           a.Lockout.FailureCount,
		"must_change_credentials": a.MustChangeCredentials,
		"must_setup_mfa":          a.MustSetupMFA,
	}
	if !a.MFA.DisableScheduledFor.IsZero() {
		state["mfa_disable_scheduled_for"] = a.MFA.DisableScheduledFor.UTC().Format(time.RFC3339)
	}
	if !a.Deletion.RequestedAt.IsZero() {
		state["deletion_requested_at"] = a.Deletion.RequestedAt.UTC().Format(time.RFC3339)
	}
	if !a.Deletion.ScheduledFor.IsZero() {
		state["deletion_scheduled_for"] = a.Deletion.ScheduledFor.UTC().Format(time.RFC3339)
	}
	if !a.Lockout.LockedUntil.IsZero() {
		state["locked_until"] = a.Lockout.LockedUntil.UTC().Format(time.RFC3339)
	}
	return state
}

// TransitionKind is the closed set of deferred effects.
type TransitionKind string

const (
	KindMFADisable      TransitionKind = "mfa_disable"
	KindAccountDeletion TransitionKind = "account_deletion"
)

// Valid reports whether k is a known kind.
func (k TransitionKind) Valid() bool {
	return k == KindMFADisable || k == KindAccountDeletion
}

// TransitionStatus is the lifecycle of a scheduled transition.
type TransitionStatus string

const (
	TransitionPending  TransitionStatus = "pending"
	TransitionApplied  TransitionStatus = "applied"
	TransitionCanceled TransitionStatus = "canceled"
)

// ScheduledTransition is an effect that happens at ScheduledFor unless canceled first.
type ScheduledTransition struct {
	ID           string
	AccountID    string
	Kind         TransitionKind
	ScheduledFor time.Time
	Status       TransitionStatus
	CreatedAt    time.Time
	ResolvedAt   time.Time
	ResolvedBy   string
}

// RecoveryStatus is the lifecycle of a recovery request.
type RecoveryStatus string

const (
	RecoveryPending   RecoveryStatus = "pending"
	RecoveryApproved  RecoveryStatus = "approved"
	RecoveryDenied    RecoveryStatus = "denied"
	RecoveryCompleted RecoveryStatus = "completed"
	RecoveryExpired   RecoveryStatus = "expired"
)

// RecoveryMetadata is captured when a recovery request is created.
type RecoveryMetadata struct {
	IP                          string
	UserAgent                   string
	RequestedOutsideOfficeHours bool
	SuspiciousActivityDetected  bool
}

// RecoveryRequest asks an admin to restore access to an account.
// An empty RequestedBy means the request was opened by an admin.
type RecoveryRequest struct {
	ID                    string
	AccountID             string
	RequestedBy           string
	Status                RecoveryStatus
	Office                string
	Role                  Role
	ReviewedBy            string
	ReviewedAt            time.Time
	ReviewNotes           string
	DenialReason          string
	TemporaryCredentialID string
	Metadata              RecoveryMetadata
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// AdminInitiated reports whether an admin opened the request on the staff member's behalf.
func (r RecoveryRequest) AdminInitiated() bool { return r.RequestedBy == "" }

// RecoveryFilter narrows recovery request listings.
type RecoveryFilter struct {
	Status        RecoveryStatus
	Office        string
	AccountID     string
	CreatedBefore time.Time
	Limit         int
}

// TemporaryCredential is a one-time username/secret pair. Only the bcrypt hash of the secret is kept.
type TemporaryCredential struct {
	ID                     string
	AccountID              string
	RecoveryRequestID      string
	UsernameHint           string
	SecretHash             string
	IssuedAt               time.Time
	ExpiresAt              time.Time
	ExpiresAfterFirstLogin bool
	ConsumedAt             time.Time
	RevokedAt              time.Time
}

// Usable reports whether the credential can still be presented, ignoring expiry.
func (c TemporaryCredential) Usable() bool {
	if !c.RevokedAt.IsZero() {
		return false
	}
	return c.ConsumedAt.IsZero() || !c.ExpiresAfterFirstLogin
}

// Active reports whether the credential is usable and unexpired at now.
func (c TemporaryCredential) Active(now time.Time) bool {
	return c.Usable() && now.Before(c.ExpiresAt)
}

// AuditEntry is one append-only record of a security state change.
type AuditEntry struct {
	ID             string
	ActorAccountID string
	Action         string
	EntityType     string
	EntityID       string
	PreviousState  map[string]any
	NewState       map[string]any
	Role           Role
	Metadata       map[string]any
	RequestID      string
	OccurredAt     time.Time
}

// AuditFilter narrows audit reads. Zero values mean "any".
type AuditFilter struct {
	EntityID       string
	ActorAccountID string
	Action         string
	From           time.Time
	To             time.Time
	Limit          int
}

// Entity types used in audit entries.
const (
	EntityAccount             = "account"
	EntityScheduledTransition = "scheduled_transition"
	EntityRecoveryRequest     = "recovery_request"
	EntityTemporaryCredential = "temporary_credential"
)

// SystemActor is recorded as the actor of sweep-driven changes.
const SystemActor = "system"
