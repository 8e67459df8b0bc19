package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/permitdesk/staffsec/internal/risk"
)

var (
	_ risk.IPHistoryStore = (*Store)(nil)
	_ risk.ScheduleSource = (*Store)(nil)
)

// RecordIP upserts the prefix into account_ip_history. xmax is zero only for
// a freshly inserted row, which tells a new prefix from a known one.
func (s *Store) RecordIP(ctx context.Context, accountID, key string, at time.Time) (bool, error) {
	var inserted bool
	err := s.db.QueryRowContext(ctx, `
		insert into account_ip_history (account_id, ip_key, first_seen_at, last_seen_at)
		values ($1, $2, $3, $3)
		on conflict (account_id, ip_key) do update set last_seen_at = excluded.last_seen_at
		returning (xmax = 0)
	`, accountID, key, at.UTC()).Scan(&inserted)
	if err != nil {
		return false, fmt.Errorf("record ip: %w", err)
	}
	return !inserted, nil
}

// Forget drops the IP history of a purged account.
func (s *Store) Forget(ctx context.Context, accountID string) error {
	_, err := s.db.ExecContext(ctx, `delete from account_ip_history where account_id = $1`, accountID)
	return err
}

// Schedule loads the office document stored by PutSchedule.
func (s *Store) Schedule(ctx context.Context, office string) (risk.OfficeSchedule, bool, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx, `select document from office_schedules where office = $1`, office).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return risk.OfficeSchedule{}, false, nil
	}
	if err != nil {
		return risk.OfficeSchedule{}, false, err
	}
	sched, err := risk.ParseOffice(office, doc)
	if err != nil {
		return risk.OfficeSchedule{}, false, err
	}
	return sched, true, nil
}

// PutSchedule validates and stores one office document.
func (s *Store) PutSchedule(ctx context.Context, office string, doc []byte) error {
	if _, err := risk.ParseOffice(office, doc); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		insert into office_schedules (office, document, updated_at)
		values ($1, $2, now())
		on conflict (office) do update set document = excluded.document, updated_at = now()
	`, office, string(doc))
	return err
}
