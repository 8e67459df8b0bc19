// Package httpapi maps the staff security operations onto a JSON HTTP API.
// Handlers authenticate and role-check the caller, decode input and call
// exactly one service operation.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"sort"
	"time"

	"github.com/permitdesk/staffsec/internal/auth"
	"github.com/permitdesk/staffsec/internal/deletion"
	"github.com/permitdesk/staffsec/internal/mfa"
	"github.com/permitdesk/staffsec/internal/obs"
	"github.com/permitdesk/staffsec/internal/recovery"
	"github.com/permitdesk/staffsec/internal/staff"
)

const serviceName = "staffsec-api"

// PingFunc checks one dependency.
type PingFunc func(ctx context.Context) error

// ReadyProbe checks every registered dependency; an empty probe is ready.
type ReadyProbe struct {
	Checks map[string]PingFunc
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	names := make([]string, 0, len(rp.Checks))
	for name := range rp.Checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := rp.Checks[name](ctx); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// Services are the operations exposed over HTTP.
type Services struct {
	Store    staff.Store
	Sessions *auth.Sessions
	MFA      *mfa.Service
	Deletion *deletion.Service
	Recovery *recovery.Service
}

// API: HTTP слой поверх сервисов.
type API struct {
	mux        *http.ServeMux
	readyProbe ReadyProbe
	version    string
	svc        Services
	rateBurst  int
	ratePerSec int
	trusted    []netip.Prefix
}

// Option customises the API.
type Option func(*API)

// WithTrustedProxies lists the peers whose X-Forwarded-For header is honoured.
// With none, the client address is always the TCP peer.
func WithTrustedProxies(prefixes []netip.Prefix) Option {
	return func(a *API) {
		a.trusted = prefixes
	}
}

// WithRateLimit sets the per-client token bucket. A zero burst disables it.
func WithRateLimit(burst, perSecond int) Option {
	return func(a *API) {
		a.rateBurst = burst
		a.ratePerSec = perSecond
	}
}

func New(rp ReadyProbe, version string, svc Services, opts ...Option) *API {
	a := &API{
		mux:        http.NewServeMux(),
		readyProbe: rp,
		version:    version,
		svc:        svc,
		rateBurst:  20,
		ratePerSec: 10,
	}
	for _, opt := range opts {
		opt(a)
	}

	// health/ready/info
	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.HandleFunc("GET /v1/info", a.Info)
	a.mux.Handle("GET /metrics", obs.Handler())

	// credential bootstrap
	a.mux.HandleFunc("POST /v1/auth/temporary-login", a.temporaryLogin)

	// staff-self
	a.mux.HandleFunc("POST /v1/me/mfa/enroll", a.enrollMFA)
	a.mux.HandleFunc("POST /v1/me/mfa/confirm", a.confirmMFA)
	a.mux.HandleFunc("POST /v1/me/mfa/disable", a.requestMFADisable)
	a.mux.HandleFunc("DELETE /v1/me/mfa/disable", a.undoOwnMFADisable)
	a.mux.HandleFunc("POST /v1/me/deletion", a.requestDeletion)
	a.mux.HandleFunc("GET /v1/me/deletion", a.deletionStatus)
	a.mux.HandleFunc("POST /v1/me/recovery", a.requestOwnRecovery)

	// admin
	a.mux.HandleFunc("GET /v1/recovery", a.admin(a.listRecovery))
	a.mux.HandleFunc("POST /v1/recovery", a.admin(a.openRecovery))
	a.mux.HandleFunc("GET /v1/recovery/{id}", a.admin(a.getRecovery))
	a.mux.HandleFunc("POST /v1/recovery/{id}/credential", a.admin(a.issueCredential))
	a.mux.HandleFunc("POST /v1/recovery/{id}/deny", a.admin(a.denyRecovery))
	a.mux.HandleFunc("POST /v1/accounts/{id}/deletion/review", a.admin(a.reviewDeletion))
	a.mux.HandleFunc("DELETE /v1/accounts/{id}/mfa/disable", a.admin(a.undoMFADisable))
	a.mux.HandleFunc("GET /v1/audit-trail", a.admin(a.queryAudit))

	return a
}

// Handler возвращает http.Handler для сервера (без доп. аргументов).
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withAuth(h)
	h = obs.Instrument(h)
	h = MaxBodyBytes(h, 1<<20)
	if a.rateBurst > 0 {
		h = RateLimit(h, a.rateBurst, a.ratePerSec)
	}
	h = CORS(h)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = ClientIP(h, a.trusted)
	return RequestID(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}
