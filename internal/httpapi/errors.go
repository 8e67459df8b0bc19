package httpapi

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/permitdesk/staffsec/internal/obs"
	"github.com/permitdesk/staffsec/internal/staff"
)

const credentialFailure = "invalid or expired credentials"

// writeServiceError maps the staff error taxonomy onto HTTP status codes.
// Anything outside the taxonomy is logged and reported as 500.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var locked *staff.LockedError
	switch {
	case errors.As(err, &locked):
		payload := map[string]any{
			"error":             "account locked",
			"remaining_minutes": locked.RemainingMinutes,
			"locked_until":      locked.Until.UTC(),
		}
		if rid := RequestIDFromContext(r); rid != "" {
			payload["request_id"] = rid
		}
		writeJSON(w, http.StatusLocked, payload)
	case errors.Is(err, staff.ErrLocked):
		writeError(w, r, http.StatusLocked, "account locked")
	case errors.Is(err, staff.ErrInvalidCredential), errors.Is(err, staff.ErrExpiredCredential):
		writeError(w, r, http.StatusUnauthorized, credentialFailure)
	case errors.Is(err, staff.ErrInvalidInput):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, staff.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, staff.ErrConflict), errors.Is(err, staff.ErrAlreadyApplied), errors.Is(err, staff.ErrInvalidState):
		writeError(w, r, http.StatusConflict, err.Error())
	default:
		obs.Logger().Error("request failed",
			zap.String("request_id", RequestIDFromContext(r)),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
