package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/permitdesk/staffsec/internal/obs"
	"github.com/permitdesk/staffsec/internal/staff"
)

type recordingSink struct {
	entries []staff.AuditEntry
}

func (s *recordingSink) Publish(_ context.Context, entry staff.AuditEntry) error {
	s.entries = append(s.entries, entry)
	return nil
}

func fixedClock() time.Time { return time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC) }

func TestRecordCommitsEntryAndLogs(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	defer obs.SetLogger(zap.New(core))()

	store := staff.NewInMemory()
	sink := &recordingSink{}
	trail := NewTrail(WithClock(fixedClock), WithSink(sink))

	ctx := WithRequestID(context.Background(), "req-123")
	err := store.WithTx(ctx, func(ctx context.Context, tx staff.Tx) error {
		return trail.Record(ctx, tx, staff.AuditEntry{
			ActorAccountID: "acct-1",
			Action:         "mfa_disable_requested",
			EntityType:     staff.EntityAccount,
			EntityID:       "acct-1",
			NewState:       map[string]any{"mfa_disable_pending": true},
		})
	})
	if err != nil {
		t.Fatalf("record: %v", err)
	}

	entries, err := Query(context.Background(), store, staff.AuditFilter{EntityID: "acct-1"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	got := entries[0]
	if got.RequestID != "req-123" {
		t.Fatalf("unexpected request id %q", got.RequestID)
	}
	if !got.OccurredAt.Equal(fixedClock()) {
		t.Fatalf("unexpected timestamp %s", got.OccurredAt)
	}
	if got.ID == "" {
		t.Fatal("expected id to be assigned")
	}

	if len(sink.entries) != 1 || sink.entries[0].ID != got.ID {
		t.Fatalf("sink did not receive committed entry: %+v", sink.entries)
	}
	if logs.FilterMessage("audit").Len() != 1 {
		t.Fatalf("expected one audit log line, got %d", logs.Len())
	}
	fields := logs.FilterMessage("audit").All()[0].ContextMap()
	if fields["action"] != "mfa_disable_requested" || fields["request_id"] != "req-123" {
		t.Fatalf("unexpected log fields: %v", fields)
	}
}

func TestRecordRolledBackIsInvisible(t *testing.T) {
	store := staff.NewInMemory()
	sink := &recordingSink{}
	trail := NewTrail(WithSink(sink))
	boom := errors.New("boom")

	err := store.WithTx(context.Background(), func(ctx context.Context, tx staff.Tx) error {
		if err := trail.Record(ctx, tx, staff.AuditEntry{
			Action:     "account_locked",
			EntityType: staff.EntityAccount,
			EntityID:   "acct-2",
		}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	entries, err := Query(context.Background(), store, staff.AuditFilter{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no entries after rollback, got %d", len(entries))
	}
	if len(sink.entries) != 0 {
		t.Fatal("sink must not see rolled back entries")
	}
}

func TestRecordRequiresAction(t *testing.T) {
	store := staff.NewInMemory()
	trail := NewTrail()
	err := store.WithTx(context.Background(), func(ctx context.Context, tx staff.Tx) error {
		return trail.Record(ctx, tx, staff.AuditEntry{EntityType: staff.EntityAccount, EntityID: "x"})
	})
	if !errors.Is(err, staff.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestQueryFiltersAndOrdersNewestFirst(t *testing.T) {
	store := staff.NewInMemory()
	trail := NewTrail()
	base := fixedClock()
	actions := []string{"account_deletion_requested", "account_deletion_approved", "account_deleted"}
	err := store.WithTx(context.Background(), func(ctx context.Context, tx staff.Tx) error {
		for i, action := range actions {
			if err := trail.Record(ctx, tx, staff.AuditEntry{
				Action:     action,
				EntityType: staff.EntityAccount,
				EntityID:   "acct-3",
				OccurredAt: base.Add(time.Duration(i) * time.Hour),
			}); err != nil {
				return err
			}
		}
		return trail.Record(ctx, tx, staff.AuditEntry{
			Action:     "account_locked",
			EntityType: staff.EntityAccount,
			EntityID:   "acct-4",
			OccurredAt: base,
		})
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	entries, err := Query(context.Background(), store, staff.AuditFilter{EntityID: "acct-3", Limit: 2})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Action != "account_deleted" || entries[1].Action != "account_deletion_approved" {
		t.Fatalf("unexpected order: %s, %s", entries[0].Action, entries[1].Action)
	}

	ranged, err := Query(context.Background(), store, staff.AuditFilter{From: base.Add(time.Hour), To: base.Add(2 * time.Hour)})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(ranged) != 1 || ranged[0].Action != "account_deletion_approved" {
		t.Fatalf("unexpected ranged result: %+v", ranged)
	}
}
