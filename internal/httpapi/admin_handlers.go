package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/permitdesk/staffsec/internal/audit"
	"github.com/permitdesk/staffsec/internal/auth"
	"github.com/permitdesk/staffsec/internal/recovery"
	"github.com/permitdesk/staffsec/internal/staff"
)

const maxListLimit = 500

func listLimit(r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 100, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, false
	}
	if n > maxListLimit {
		n = maxListLimit
	}
	return n, true
}

func (a *API) listRecovery(w http.ResponseWriter, r *http.Request, _ auth.Principal) {
	limit, ok := listLimit(r)
	if !ok {
		writeError(w, r, http.StatusBadRequest, "limit must be a positive integer")
		return
	}
	q := r.URL.Query()
	items, err := a.svc.Recovery.List(r.Context(), staff.RecoveryFilter{
		Status:    staff.RecoveryStatus(q.Get("status")),
		Office:    q.Get("office"),
		AccountID: q.Get("account_id"),
		Limit:     limit,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	out := make([]recoveryView, 0, len(items))
	for _, item := range items {
		out = append(out, toRecoveryView(item))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out})
}

type openRecoveryRequest struct {
	AccountID string `json:"account_id"`
}

func (a *API) openRecovery(w http.ResponseWriter, r *http.Request, admin auth.Principal) {
	var req openRecoveryRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.AccountID == "" {
		writeError(w, r, http.StatusBadRequest, "account_id is required")
		return
	}
	out, err := a.svc.Recovery.CreateRequest(r.Context(), recovery.CreateInput{
		AccountID: req.AccountID,
		AdminID:   admin.AccountID,
		IP:        clientIP(r),
		UserAgent: r.UserAgent(),
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRecoveryView(out))
}

func (a *API) getRecovery(w http.ResponseWriter, r *http.Request, _ auth.Principal) {
	out, err := a.svc.Recovery.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRecoveryView(out))
}

type issueCredentialRequest struct {
	ExpiresInHours         int  `json:"expires_in_hours"`
	ExpiresAfterFirstLogin bool `json:"expires_after_first_login"`
}

func (a *API) issueCredential(w http.ResponseWriter, r *http.Request, admin auth.Principal) {
	var req issueCredentialRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	issued, err := a.svc.Recovery.IssueTemporaryCredential(r.Context(), r.PathValue("id"), admin.AccountID, req.ExpiresInHours, req.ExpiresAfterFirstLogin)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusCreated, map[string]any{
		"request":                   toRecoveryView(issued.Request),
		"credential_id":             issued.Credential.ID,
		"username":                  issued.Username,
		"secret":                    issued.Secret,
		"expires_at":                issued.Credential.ExpiresAt.UTC(),
		"expires_after_first_login": issued.Credential.ExpiresAfterFirstLogin,
	})
}

type denyRecoveryRequest struct {
	Reason string `json:"reason"`
}

func (a *API) denyRecovery(w http.ResponseWriter, r *http.Request, admin auth.Principal) {
	var req denyRecoveryRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	out, err := a.svc.Recovery.Deny(r.Context(), r.PathValue("id"), admin.AccountID, req.Reason)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toRecoveryView(out))
}

type reviewDeletionRequest struct {
	Approve bool   `json:"approve"`
	Reason  string `json:"reason"`
}

func (a *API) reviewDeletion(w http.ResponseWriter, r *http.Request, admin auth.Principal) {
	var req reviewDeletionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	status, err := a.svc.Deletion.Review(r.Context(), r.PathValue("id"), admin.AccountID, req.Approve, req.Reason)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDeletionView(status))
}

func (a *API) undoMFADisable(w http.ResponseWriter, r *http.Request, admin auth.Principal) {
	if err := a.svc.MFA.UndoDisable(r.Context(), r.PathValue("id"), admin.AccountID); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type auditView struct {
	ID             string         `json:"id"`
	ActorAccountID string         `json:"actor_account_id"`
	Action         string         `json:"action"`
	EntityType     string         `json:"entity_type"`
	EntityID       string         `json:"entity_id"`
	PreviousState  map[string]any `json:"previous_state,omitempty"`
	NewState       map[string]any `json:"new_state,omitempty"`
	Role           string         `json:"role,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	RequestID      string         `json:"request_id,omitempty"`
	OccurredAt     time.Time      `json:"occurred_at"`
}

func (a *API) queryAudit(w http.ResponseWriter, r *http.Request, _ auth.Principal) {
	limit, ok := listLimit(r)
	if !ok {
		writeError(w, r, http.StatusBadRequest, "limit must be a positive integer")
		return
	}
	from, err := parseTimeParam(r, "from")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	to, err := parseTimeParam(r, "to")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	q := r.URL.Query()
	entries, err := audit.Query(r.Context(), a.svc.Store, staff.AuditFilter{
		EntityID:       q.Get("entity_id"),
		ActorAccountID: q.Get("actor_account_id"),
		Action:         q.Get("action"),
		From:           from,
		To:             to,
		Limit:          limit,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	out := make([]auditView, 0, len(entries))
	for _, e := range entries {
		out = append(out, auditView{
			ID:             e.ID,
			ActorAccountID: e.ActorAccountID,
			Action:         e.Action,
			EntityType:     e.EntityType,
			EntityID:       e.EntityID,
			PreviousState:  e.PreviousState,
			NewState:       e.NewState,
			Role:           string(e.Role),
			Metadata:       e.Metadata,
			RequestID:      e.RequestID,
			OccurredAt:     e.OccurredAt.UTC(),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out})
}
