package audit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/permitdesk/staffsec/internal/obs"
	"github.com/permitdesk/staffsec/internal/staff"
)

type ctxKey string

const requestIDKey ctxKey = "audit_request_id"

// WithRequestID attaches the request identifier to the context for audit records.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDKey, requestID)
}

// RequestIDFromContext extracts the request id if present.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}

// Sink receives committed audit entries, e.g. a message broker publisher.
type Sink interface {
	Publish(ctx context.Context, entry staff.AuditEntry) error
}

// Trail appends audit entries inside the caller's transaction and fans them
// out to the log and sinks once that transaction commits.
type Trail struct {
	now   func() time.Time
	sinks []Sink
}

// Option customises a Trail.
type Option func(*Trail)

// WithClock overrides the clock used to stamp entries.
func WithClock(now func() time.Time) Option {
	return func(t *Trail) {
		if now != nil {
			t.now = now
		}
	}
}

// WithSink adds a post-commit sink.
func WithSink(s Sink) Option {
	return func(t *Trail) {
		if s != nil {
			t.sinks = append(t.sinks, s)
		}
	}
}

// NewTrail constructs a Trail.
func NewTrail(opts ...Option) *Trail {
	t := &Trail{now: func() time.Time { return time.Now().UTC() }}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Record appends entry through tx. The entry becomes visible only if tx commits.
func (t *Trail) Record(ctx context.Context, tx staff.Tx, entry staff.AuditEntry) error {
	entry.Action = strings.TrimSpace(entry.Action)
	if entry.Action == "" {
		return fmt.Errorf("%w: audit action is required", staff.ErrInvalidInput)
	}
	if entry.EntityType == "" || entry.EntityID == "" {
		return fmt.Errorf("%w: audit entity is required", staff.ErrInvalidInput)
	}
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = t.now()
	}
	if entry.RequestID == "" {
		entry.RequestID = RequestIDFromContext(ctx)
	}
	if err := tx.Audit().Append(ctx, &entry); err != nil {
		return fmt.Errorf("append audit %s: %w", entry.Action, err)
	}

	committed := entry
	tx.OnCommit(func() {
		obs.AuditEntries.WithLabelValues(committed.Action).Inc()
		obs.Logger().Info("audit",
			zap.String("audit_id", committed.ID),
			zap.String("action", committed.Action),
			zap.String("actor", committed.ActorAccountID),
			zap.String("entity_type", committed.EntityType),
			zap.String("entity_id", committed.EntityID),
			zap.String("request_id", committed.RequestID),
			zap.Time("occurred_at", committed.OccurredAt),
		)
		sinkCtx := context.WithoutCancel(ctx)
		for _, s := range t.sinks {
			if err := s.Publish(sinkCtx, committed); err != nil {
				obs.Logger().Warn("audit sink publish failed",
					zap.String("audit_id", committed.ID),
					zap.String("action", committed.Action),
					zap.Error(err),
				)
			}
		}
	})
	return nil
}

// Query reads entries matching filter, newest first.
func Query(ctx context.Context, store staff.Store, filter staff.AuditFilter) ([]staff.AuditEntry, error) {
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 100
	}
	var out []staff.AuditEntry
	err := store.WithTx(ctx, func(ctx context.Context, tx staff.Tx) error {
		entries, err := tx.Audit().Query(ctx, filter)
		out = entries
		return err
	})
	return out, err
}
