package staff

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrConflict          = errors.New("staff: conflict")
	ErrNotFound          = errors.New("staff: not found")
	ErrInvalidState      = errors.New("staff: invalid state")
	ErrAlreadyApplied    = errors.New("staff: transition already applied")
	ErrInvalidCredential = errors.New("staff: invalid credential")
	ErrExpiredCredential = errors.New("staff: expired credential")
	ErrLocked            = errors.New("staff: account locked")
	ErrInvalidInput      = errors.New("staff: invalid input")
)

var clientErrors = []error{
	ErrConflict,
	ErrNotFound,
	ErrInvalidState,
	ErrAlreadyApplied,
	ErrInvalidCredential,
	ErrExpiredCredential,
	ErrLocked,
	ErrInvalidInput,
}

// LockedError reports an account inside its lockout window.
type LockedError struct {
	Until            time.Time
	RemainingMinutes int
}

func (e *LockedError) Error() string {
	return fmt.Sprintf("staff: account locked for %d more minute(s)", e.RemainingMinutes)
}

func (e *LockedError) Unwrap() error { return ErrLocked }

// IsClientError reports whether err belongs to the client-facing taxonomy.
// Client errors are surfaced as-is and never retried.
func IsClientError(err error) bool {
	if err == nil {
		return false
	}
	for _, target := range clientErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
