package httpapi

import (
	"fmt"
	"net/http"
	"time"

	"github.com/permitdesk/staffsec/internal/deletion"
	"github.com/permitdesk/staffsec/internal/recovery"
	"github.com/permitdesk/staffsec/internal/staff"
)

type temporaryLoginRequest struct {
	Username string `json:"username"`
	Secret   string `json:"secret"`
}

type sessionResponse struct {
	Token                 string    `json:"token"`
	ExpiresAt             time.Time `json:"expires_at"`
	AccountID             string    `json:"account_id"`
	MustChangeCredentials bool      `json:"must_change_credentials"`
	MustSetupMFA          bool      `json:"must_setup_mfa"`
}

func (a *API) temporaryLogin(w http.ResponseWriter, r *http.Request) {
	var req temporaryLoginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.Username == "" || req.Secret == "" {
		writeError(w, r, http.StatusBadRequest, "username and secret are required")
		return
	}
	consumed, err := a.svc.Recovery.ConsumeCredential(r.Context(), req.Username, req.Secret)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	token, exp, err := a.svc.Sessions.Issue(consumed.Account)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{
		Token:                 token,
		ExpiresAt:             exp,
		AccountID:             consumed.Account.ID,
		MustChangeCredentials: consumed.Account.MustChangeCredentials,
		MustSetupMFA:          consumed.Account.MustSetupMFA,
	})
}

func (a *API) enrollMFA(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	enrollment, err := a.svc.MFA.Enroll(r.Context(), p.AccountID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"secret":           enrollment.Secret,
		"provisioning_uri": enrollment.URL,
	})
}

type confirmMFARequest struct {
	Code string `json:"code"`
}

func (a *API) confirmMFA(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var req confirmMFARequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.svc.MFA.Confirm(r.Context(), p.AccountID, req.Code); err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"mfa_enabled": true})
}

func (a *API) requestMFADisable(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	at, err := a.svc.MFA.RequestDisable(r.Context(), p.AccountID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":        "pending",
		"scheduled_for": at.UTC(),
	})
}

func (a *API) undoOwnMFADisable(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	if err := a.svc.MFA.UndoDisable(r.Context(), p.AccountID, p.AccountID); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type deletionRequest struct {
	Reason              string `json:"reason"`
	LegalAcknowledgment bool   `json:"legal_acknowledgment"`
}

type deletionView struct {
	Pending      bool       `json:"pending"`
	Approved     bool       `json:"approved"`
	RequestedAt  *time.Time `json:"requested_at,omitempty"`
	ScheduledFor *time.Time `json:"scheduled_for,omitempty"`
	Reason       string     `json:"reason,omitempty"`
}

func toDeletionView(s deletion.Status) deletionView {
	return deletionView{
		Pending:      s.Pending,
		Approved:     s.Approved,
		RequestedAt:  timePtr(s.RequestedAt),
		ScheduledFor: timePtr(s.ScheduledFor),
		Reason:       s.Reason,
	}
}

func (a *API) requestDeletion(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	var req deletionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	status, err := a.svc.Deletion.RequestDeletion(r.Context(), deletion.Request{
		AccountID:           p.AccountID,
		Reason:              req.Reason,
		LegalAcknowledgment: req.LegalAcknowledgment,
		IP:                  clientIP(r),
		UserAgent:           r.UserAgent(),
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, toDeletionView(status))
}

func (a *API) deletionStatus(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	status, err := a.svc.Deletion.Status(r.Context(), p.AccountID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toDeletionView(status))
}

func (a *API) requestOwnRecovery(w http.ResponseWriter, r *http.Request) {
	p, ok := principal(w, r)
	if !ok {
		return
	}
	req, err := a.svc.Recovery.CreateRequest(r.Context(), recovery.CreateInput{
		AccountID:   p.AccountID,
		RequestedBy: p.AccountID,
		IP:          clientIP(r),
		UserAgent:   r.UserAgent(),
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRecoveryView(req))
}

type recoveryView struct {
	ID                          string     `json:"id"`
	AccountID                   string     `json:"account_id"`
	RequestedBy                 string     `json:"requested_by,omitempty"`
	AdminInitiated              bool       `json:"admin_initiated"`
	Status                      string     `json:"status"`
	Office                      string     `json:"office,omitempty"`
	Role                        string     `json:"role"`
	ReviewedBy                  string     `json:"reviewed_by,omitempty"`
	ReviewedAt                  *time.Time `json:"reviewed_at,omitempty"`
	DenialReason                string     `json:"denial_reason,omitempty"`
	TemporaryCredentialID       string     `json:"temporary_credential_id,omitempty"`
	RequestedOutsideOfficeHours bool       `json:"requested_outside_office_hours"`
	SuspiciousActivityDetected  bool       `json:"suspicious_activity_detected"`
	CreatedAt                   time.Time  `json:"created_at"`
	UpdatedAt                   time.Time  `json:"updated_at"`
}

func toRecoveryView(r staff.RecoveryRequest) recoveryView {
	return recoveryView{
		ID:                          r.ID,
		AccountID:                   r.AccountID,
		RequestedBy:                 r.RequestedBy,
		AdminInitiated:              r.AdminInitiated(),
		Status:                      string(r.Status),
		Office:                      r.Office,
		Role:                        string(r.Role),
		ReviewedBy:                  r.ReviewedBy,
		ReviewedAt:                  timePtr(r.ReviewedAt),
		DenialReason:                r.DenialReason,
		TemporaryCredentialID:       r.TemporaryCredentialID,
		RequestedOutsideOfficeHours: r.Metadata.RequestedOutsideOfficeHours,
		SuspiciousActivityDetected:  r.Metadata.SuspiciousActivityDetected,
		CreatedAt:                   r.CreatedAt.UTC(),
		UpdatedAt:                   r.UpdatedAt.UTC(),
	}
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

func parseTimeParam(r *http.Request, name string) (time.Time, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%s must be RFC3339", name)
	}
	return t, nil
}
