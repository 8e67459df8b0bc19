package obs

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
)

func TestCanonicalPath(t *testing.T) {
	cases := map[string]string{
		"":                                       "/",
		"/metrics":                               "/metrics",
		"/v1/accounts/abc":                       "/v1/accounts/:id",
		"/v1/accounts/abc/mfa/disable":           "/v1/accounts/:id/mfa/disable",
		"/v1/accounts/abc/deletion/review":       "/v1/accounts/:id/deletion/review",
		"/v1/recovery/01HX/credential":           "/v1/recovery/:id/credential",
		"/v1/recovery":                           "/v1/recovery",
		"/v1/audit-trail?entity_id=abc&limit=10": "/v1/audit-trail",
	}
	for input, expected := range cases {
		if got := CanonicalPath(input); got != expected {
			t.Fatalf("CanonicalPath(%q)=%q, want %q", input, got, expected)
		}
	}
}

func TestInstrumentPassesThroughStatus(t *testing.T) {
	h := Instrument(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/accounts/x", nil))
	if rec.Code != http.StatusTeapot {
		t.Fatalf("unexpected status %d", rec.Code)
	}
}

func TestSetLoggerRestores(t *testing.T) {
	original := Logger()
	nop := zap.NewNop()
	restore := SetLogger(nop)
	if Logger() != nop {
		t.Fatal("expected replaced logger")
	}
	restore()
	if Logger() != original {
		t.Fatal("expected original logger after restore")
	}
}

func TestNewLoggerRejectsUnknownLevel(t *testing.T) {
	if _, err := NewLogger(LogConfig{Level: "loud"}); err == nil {
		t.Fatal("expected error for unknown level")
	}
}
