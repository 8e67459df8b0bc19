package risk

import (
	"context"
	"net/netip"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/permitdesk/staffsec/internal/obs"
)

// IPHistoryStore records source addresses per account. RecordIP reports
// whether key had been seen for the account before this call.
type IPHistoryStore interface {
	RecordIP(ctx context.Context, accountID, key string, at time.Time) (known bool, err error)
}

// Request is the input of one evaluation.
type Request struct {
	AccountID string
	Office    string
	IP        string
}

// Assessment is informational; callers attach it to requests and audit
// metadata but never block on it.
type Assessment struct {
	WithinOfficeHours   bool
	ReasonIfNot         string
	UsedDefaultSchedule bool
	IsUnusualIP         bool
	Diagnostic          string
}

// Metadata renders the assessment for audit entries.
func (a Assessment) Metadata() map[string]any {
	m := map[string]any{
		"within_office_hours":   a.WithinOfficeHours,
		"unusual_ip":            a.IsUnusualIP,
		"used_default_schedule": a.UsedDefaultSchedule,
	}
	if a.ReasonIfNot != "" {
		m["office_hours_reason"] = a.ReasonIfNot
	}
	if a.Diagnostic != "" {
		m["risk_diagnostic"] = a.Diagnostic
	}
	return m
}

// Evaluator combines the office-hours and IP-history checks.
type Evaluator struct {
	schedules ScheduleSource
	ips       IPHistoryStore
	loc       *time.Location
	now       func() time.Time
}

// Option customises an Evaluator.
type Option func(*Evaluator)

// WithClock overrides the evaluation clock.
func WithClock(now func() time.Time) Option {
	return func(e *Evaluator) {
		if now != nil {
			e.now = now
		}
	}
}

// WithDefaultLocation sets the timezone of the fallback schedule.
func WithDefaultLocation(loc *time.Location) Option {
	return func(e *Evaluator) {
		if loc != nil {
			e.loc = loc
		}
	}
}

// NewEvaluator constructs an Evaluator. Either source may be nil.
func NewEvaluator(schedules ScheduleSource, ips IPHistoryStore, opts ...Option) *Evaluator {
	e := &Evaluator{
		schedules: schedules,
		ips:       ips,
		loc:       time.UTC,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Evaluate runs both checks at the evaluator's current time.
func (e *Evaluator) Evaluate(ctx context.Context, req Request) Assessment {
	at := e.now()
	a := e.CheckOfficeHours(ctx, req.Office, at)

	unusual, diag := e.CheckIP(ctx, req.AccountID, req.IP, at)
	a.IsUnusualIP = unusual
	if diag != "" {
		a.Diagnostic = joinDiag(a.Diagnostic, diag)
	}

	if !a.WithinOfficeHours {
		obs.RiskFlags.WithLabelValues("outside_hours").Inc()
	}
	if a.IsUnusualIP {
		obs.RiskFlags.WithLabelValues("unusual_ip").Inc()
	}
	return a
}

// CheckOfficeHours evaluates at against the office schedule. A failing
// lookup fails open: the result is within hours with a diagnostic.
func (e *Evaluator) CheckOfficeHours(ctx context.Context, office string, at time.Time) Assessment {
	var (
		sched OfficeSchedule
		found bool
		err   error
	)
	if e.schedules != nil && office != "" {
		sched, found, err = e.schedules.Schedule(ctx, office)
	}
	if err != nil {
		obs.RiskFlags.WithLabelValues("fail_open").Inc()
		obs.Logger().Warn("office hours lookup failed; failing open",
			zap.String("office", office),
			zap.Error(err),
		)
		return Assessment{WithinOfficeHours: true, Diagnostic: "office hours lookup failed: " + err.Error()}
	}

	a := Assessment{}
	if !found {
		sched = DefaultSchedule(e.loc)
		a.UsedDefaultSchedule = true
	}
	a.WithinOfficeHours, a.ReasonIfNot = sched.Check(at)
	return a
}

// CheckIP records ip for the account and reports whether its network
// prefix is new. Recording failures are not flagged.
func (e *Evaluator) CheckIP(ctx context.Context, accountID, ip string, at time.Time) (unusual bool, diagnostic string) {
	key := IPKey(ip)
	if e.ips == nil || accountID == "" || key == "" {
		return false, ""
	}
	known, err := e.ips.RecordIP(ctx, accountID, key, at)
	if err != nil {
		obs.RiskFlags.WithLabelValues("fail_open").Inc()
		obs.Logger().Warn("ip history update failed",
			zap.String("account_id", accountID),
			zap.Error(err),
		)
		return false, "ip history unavailable: " + err.Error()
	}
	return !known, ""
}

// IPKey maps an address to the prefix tracked in history: /24 for IPv4 and
// /64 for IPv6. Unparseable input is tracked verbatim.
func IPKey(ip string) string {
	ip = strings.TrimSpace(ip)
	if ip == "" {
		return ""
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return ip
	}
	addr = addr.Unmap()
	bits := 64
	if addr.Is4() {
		bits = 24
	}
	prefix, err := addr.Prefix(bits)
	if err != nil {
		return ip
	}
	return prefix.String()
}

func joinDiag(a, b string) string {
	if a == "" {
		return b
	}
	return a + "; " + b
}
