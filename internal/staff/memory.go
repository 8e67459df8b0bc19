package staff

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/permitdesk/staffsec/internal/ids"
)

// InMemory implements Store with in-process concurrency safety.
// Transactions are serialized and run against a copy of the state that is
// swapped in on success, so a failed transaction leaves nothing behind.
type InMemory struct {
	mu    sync.Mutex
	state memState

	ipMu sync.Mutex
	ips  map[string]map[string]IPRecord
}

var _ Store = (*InMemory)(nil)

// IPRecord is one observed source address of an account.
type IPRecord struct {
	AccountID string
	IP        string
	FirstSeen time.Time
	LastSeen  time.Time
}

type memState struct {
	accounts    map[string]Account
	transitions map[string]ScheduledTransition
	recovery    map[string]RecoveryRequest
	credentials map[string]TemporaryCredential
	audit       []AuditEntry
}

func (s memState) clone() memState {
	out := memState{
		accounts:    make(map[string]Account, len(s.accounts)),
		transitions: make(map[string]ScheduledTransition, len(s.transitions)),
		recovery:    make(map[string]RecoveryRequest, len(s.recovery)),
		credentials: make(map[string]TemporaryCredential, len(s.credentials)),
		audit:       append([]AuditEntry(nil), s.audit...),
	}
	for k, v := range s.accounts {
		out.accounts[k] = v
	}
	for k, v := range s.transitions {
		out.transitions[k] = v
	}
	for k, v := range s.recovery {
		out.recovery[k] = v
	}
	for k, v := range s.credentials {
		out.credentials[k] = v
	}
	return out
}

// NewInMemory creates an empty store.
func NewInMemory() *InMemory {
	return &InMemory{
		state: memState{}.clone(),
		ips:   make(map[string]map[string]IPRecord),
	}
}

func (s *InMemory) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	work := s.state.clone()
	tx := &memTx{st: &work}
	if err := fn(ctx, tx); err != nil {
		s.mu.Unlock()
		return err
	}
	s.state = work
	s.mu.Unlock()

	for _, hook := range tx.hooks {
		hook()
	}
	return nil
}

// RecordIP records ip for the account and reports whether it had been seen before.
func (s *InMemory) RecordIP(ctx context.Context, accountID, ip string, at time.Time) (bool, error) {
	s.ipMu.Lock()
	defer s.ipMu.Unlock()
	seen, ok := s.ips[accountID]
	if !ok {
		seen = make(map[string]IPRecord)
		s.ips[accountID] = seen
	}
	rec, known := seen[ip]
	if !known {
		rec = IPRecord{AccountID: accountID, IP: ip, FirstSeen: at}
	}
	rec.LastSeen = at
	seen[ip] = rec
	return known, nil
}

// IPHistory returns the observed addresses of an account ordered by first sighting.
func (s *InMemory) IPHistory(accountID string) []IPRecord {
	s.ipMu.Lock()
	defer s.ipMu.Unlock()
	out := make([]IPRecord, 0, len(s.ips[accountID]))
	for _, rec := range s.ips[accountID] {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FirstSeen.Before(out[j].FirstSeen) })
	return out
}

// Forget drops the IP history of an account.
func (s *InMemory) Forget(_ context.Context, accountID string) error {
	s.ipMu.Lock()
	delete(s.ips, accountID)
	s.ipMu.Unlock()
	return nil
}

type memTx struct {
	st    *memState
	hooks []func()
}

func (t *memTx) Accounts() AccountStore       { return memAccounts{t.st} }
func (t *memTx) Transitions() TransitionStore { return memTransitions{t.st} }
func (t *memTx) Recovery() RecoveryStore      { return memRecovery{t.st} }
func (t *memTx) Credentials() CredentialStore { return memCredentials{t.st} }
func (t *memTx) Audit() AuditStore            { return memAudit{t.st} }
func (t *memTx) OnCommit(fn func())           { t.hooks = append(t.hooks, fn) }

// Accounts -----------------------------------------------------------------
type memAccounts struct{ st *memState }

func (s memAccounts) Get(_ context.Context, id string) (Account, error) {
	acc, ok := s.st.accounts[id]
	if !ok {
		return Account{}, fmt.Errorf("%w: account %s", ErrNotFound, id)
	}
	return acc, nil
}

func (s memAccounts) Create(_ context.Context, acc *Account) error {
	if acc.ID == "" {
		acc.ID = ids.New()
	}
	if _, ok := s.st.accounts[acc.ID]; ok {
		return fmt.Errorf("%w: account %s exists", ErrConflict, acc.ID)
	}
	for _, other := range s.st.accounts {
		if acc.Username != "" && other.Username == acc.Username {
			return fmt.Errorf("%w: username %s taken", ErrConflict, acc.Username)
		}
	}
	now := time.Now().UTC()
	if acc.CreatedAt.IsZero() {
		acc.CreatedAt = now
	}
	acc.UpdatedAt = acc.CreatedAt
	s.st.accounts[acc.ID] = *acc
	return nil
}

func (s memAccounts) Update(_ context.Context, acc Account) error {
	if _, ok := s.st.accounts[acc.ID]; !ok {
		return fmt.Errorf("%w: account %s", ErrNotFound, acc.ID)
	}
	acc.UpdatedAt = time.Now().UTC()
	s.st.accounts[acc.ID] = acc
	return nil
}

func (s memAccounts) Delete(_ context.Context, id string) error {
	if _, ok := s.st.accounts[id]; !ok {
		return fmt.Errorf("%w: account %s", ErrNotFound, id)
	}
	delete(s.st.accounts, id)
	return nil
}

// Transitions --------------------------------------------------------------
type memTransitions struct{ st *memState }

func (s memTransitions) Insert(_ context.Context, t *ScheduledTransition) error {
	for _, other := range s.st.transitions {
		if other.AccountID == t.AccountID && other.Kind == t.Kind && other.Status == TransitionPending {
			return fmt.Errorf("%w: pending %s transition exists for account %s", ErrConflict, t.Kind, t.AccountID)
		}
	}
	if t.ID == "" {
		t.ID = ids.New()
	}
	s.st.transitions[t.ID] = *t
	return nil
}

func (s memTransitions) Get(_ context.Context, id string) (ScheduledTransition, error) {
	t, ok := s.st.transitions[id]
	if !ok {
		return ScheduledTransition{}, fmt.Errorf("%w: transition %s", ErrNotFound, id)
	}
	return t, nil
}

func (s memTransitions) Pending(_ context.Context, accountID string, kind TransitionKind) (ScheduledTransition, error) {
	for _, t := range s.st.transitions {
		if t.AccountID == accountID && t.Kind == kind && t.Status == TransitionPending {
			return t, nil
		}
	}
	return ScheduledTransition{}, fmt.Errorf("%w: no pending %s transition for account %s", ErrNotFound, kind, accountID)
}

func (s memTransitions) Due(_ context.Context, now time.Time, limit int) ([]ScheduledTransition, error) {
	var due []ScheduledTransition
	for _, t := range s.st.transitions {
		if t.Status == TransitionPending && !t.ScheduledFor.After(now) {
			due = append(due, t)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].ScheduledFor.Equal(due[j].ScheduledFor) {
			return due[i].ID < due[j].ID
		}
		return due[i].ScheduledFor.Before(due[j].ScheduledFor)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s memTransitions) Resolve(_ context.Context, id string, status TransitionStatus, at time.Time, by string) (bool, error) {
	t, ok := s.st.transitions[id]
	if !ok {
		return false, fmt.Errorf("%w: transition %s", ErrNotFound, id)
	}
	if t.Status != TransitionPending {
		return false, nil
	}
	t.Status = status
	t.ResolvedAt = at
	t.ResolvedBy = by
	s.st.transitions[id] = t
	return true, nil
}

// Recovery -----------------------------------------------------------------
type memRecovery struct{ st *memState }

func (s memRecovery) Insert(_ context.Context, r *RecoveryRequest) error {
	if r.ID == "" {
		r.ID = ids.New()
	}
	s.st.recovery[r.ID] = *r
	return nil
}

func (s memRecovery) Get(_ context.Context, id string) (RecoveryRequest, error) {
	r, ok := s.st.recovery[id]
	if !ok {
		return RecoveryRequest{}, fmt.Errorf("%w: recovery request %s", ErrNotFound, id)
	}
	return r, nil
}

func (s memRecovery) Update(_ context.Context, r RecoveryRequest) error {
	if _, ok := s.st.recovery[r.ID]; !ok {
		return fmt.Errorf("%w: recovery request %s", ErrNotFound, r.ID)
	}
	s.st.recovery[r.ID] = r
	return nil
}

func (s memRecovery) Open(_ context.Context, accountID string) ([]RecoveryRequest, error) {
	var out []RecoveryRequest
	for _, r := range s.st.recovery {
		if r.AccountID == accountID && (r.Status == RecoveryPending || r.Status == RecoveryApproved) {
			out = append(out, r)
		}
	}
	sortRecovery(out)
	return out, nil
}

func (s memRecovery) List(_ context.Context, f RecoveryFilter) ([]RecoveryRequest, error) {
	var out []RecoveryRequest
	for _, r := range s.st.recovery {
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		if f.Office != "" && r.Office != f.Office {
			continue
		}
		if f.AccountID != "" && r.AccountID != f.AccountID {
			continue
		}
		if !f.CreatedBefore.IsZero() && !r.CreatedAt.Before(f.CreatedBefore) {
			continue
		}
		out = append(out, r)
	}
	sortRecovery(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func sortRecovery(rs []RecoveryRequest) {
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].CreatedAt.Equal(rs[j].CreatedAt) {
			return rs[i].ID < rs[j].ID
		}
		return rs[i].CreatedAt.Before(rs[j].CreatedAt)
	})
}

// Credentials --------------------------------------------------------------
type memCredentials struct{ st *memState }

func (s memCredentials) Insert(_ context.Context, c *TemporaryCredential) error {
	if c.ID == "" {
		c.ID = ids.New()
	}
	s.st.credentials[c.ID] = *c
	return nil
}

func (s memCredentials) Get(_ context.Context, id string) (TemporaryCredential, error) {
	c, ok := s.st.credentials[id]
	if !ok {
		return TemporaryCredential{}, fmt.Errorf("%w: credential %s", ErrNotFound, id)
	}
	return c, nil
}

func (s memCredentials) LatestUsable(_ context.Context, usernameHint string) (TemporaryCredential, error) {
	var (
		best  TemporaryCredential
		found bool
	)
	for _, c := range s.st.credentials {
		if c.UsernameHint != usernameHint || !c.Usable() {
			continue
		}
		if !found || c.IssuedAt.After(best.IssuedAt) || (c.IssuedAt.Equal(best.IssuedAt) && c.ID > best.ID) {
			best, found = c, true
		}
	}
	if !found {
		return TemporaryCredential{}, fmt.Errorf("%w: no credential for %s", ErrNotFound, usernameHint)
	}
	return best, nil
}

func (s memCredentials) RevokeActive(_ context.Context, accountID string, at time.Time) (int, error) {
	n := 0
	for id, c := range s.st.credentials {
		if c.AccountID == accountID && c.Usable() {
			c.RevokedAt = at
			s.st.credentials[id] = c
			n++
		}
	}
	return n, nil
}

func (s memCredentials) MarkConsumed(_ context.Context, id string, at time.Time) (bool, error) {
	c, ok := s.st.credentials[id]
	if !ok {
		return false, fmt.Errorf("%w: credential %s", ErrNotFound, id)
	}
	if !c.ConsumedAt.IsZero() {
		return false, nil
	}
	c.ConsumedAt = at
	s.st.credentials[id] = c
	return true, nil
}

// Audit --------------------------------------------------------------------
type memAudit struct{ st *memState }

func (s memAudit) Append(_ context.Context, entry *AuditEntry) error {
	if entry.ID == "" {
		entry.ID = ids.New()
	}
	s.st.audit = append(s.st.audit, *entry)
	return nil
}

func (s memAudit) Query(_ context.Context, f AuditFilter) ([]AuditEntry, error) {
	var out []AuditEntry
	for i := len(s.st.audit) - 1; i >= 0; i-- {
		e := s.st.audit[i]
		if f.EntityID != "" && e.EntityID != f.EntityID {
			continue
		}
		if f.ActorAccountID != "" && e.ActorAccountID != f.ActorAccountID {
			continue
		}
		if f.Action != "" && e.Action != f.Action {
			continue
		}
		if !f.From.IsZero() && e.OccurredAt.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && !e.OccurredAt.Before(f.To) {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}
