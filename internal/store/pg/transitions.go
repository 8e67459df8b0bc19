package pg

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/permitdesk/staffsec/internal/ids"
	"github.com/permitdesk/staffsec/internal/staff"
)

const transitionColumns = `id, account_id, kind, scheduled_for, status, created_at, resolved_at, resolved_by`

type transitions struct{ tx *sql.Tx }

func scanTransition(row scanner) (staff.ScheduledTransition, error) {
	var (
		t            staff.ScheduledTransition
		kind, status string
		resolvedAt   sql.NullTime
	)
	if err := row.Scan(&t.ID, &t.AccountID, &kind, &t.ScheduledFor, &status, &t.CreatedAt, &resolvedAt, &t.ResolvedBy); err != nil {
		return staff.ScheduledTransition{}, err
	}
	t.Kind = staff.TransitionKind(kind)
	t.Status = staff.TransitionStatus(status)
	t.ScheduledFor = t.ScheduledFor.UTC()
	t.CreatedAt = t.CreatedAt.UTC()
	t.ResolvedAt = timeOf(resolvedAt)
	return t, nil
}

// Insert relies on the partial unique index over pending (account_id, kind).
func (s transitions) Insert(ctx context.Context, t *staff.ScheduledTransition) error {
	if t.ID == "" {
		t.ID = ids.New()
	}
	if t.Status == "" {
		t.Status = staff.TransitionPending
	}
	t.CreatedAt = nowIfZero(t.CreatedAt)
	_, err := s.tx.ExecContext(ctx, `
		insert into scheduled_transitions (`+transitionColumns+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8)
	`, t.ID, t.AccountID, string(t.Kind), t.ScheduledFor.UTC(), string(t.Status), t.CreatedAt, nullTime(t.ResolvedAt), t.ResolvedBy)
	return mapErr(err, fmt.Sprintf("pending %s for account %s", t.Kind, t.AccountID))
}

func (s transitions) Get(ctx context.Context, id string) (staff.ScheduledTransition, error) {
	t, err := scanTransition(s.tx.QueryRowContext(ctx, `
		select `+transitionColumns+`
		from scheduled_transitions
		where id = $1
	`, id))
	if err != nil {
		return staff.ScheduledTransition{}, mapErr(err, "transition "+id)
	}
	return t, nil
}

func (s transitions) Pending(ctx context.Context, accountID string, kind staff.TransitionKind) (staff.ScheduledTransition, error) {
	t, err := scanTransition(s.tx.QueryRowContext(ctx, `
		select `+transitionColumns+`
		from scheduled_transitions
		where account_id = $1 and kind = $2 and status = 'pending'
		for update
	`, accountID, string(kind)))
	if err != nil {
		return staff.ScheduledTransition{}, mapErr(err, fmt.Sprintf("pending %s for account %s", kind, accountID))
	}
	return t, nil
}

// Due locks the listed rows for the rest of the listing transaction and
// skips rows another transaction holds. The locks end with that transaction;
// exactly-once application rests on Resolve. A non-positive limit lists
// every due row.
func (s transitions) Due(ctx context.Context, now time.Time, limit int) ([]staff.ScheduledTransition, error) {
	query := `
		select ` + transitionColumns + `
		from scheduled_transitions
		where status = 'pending' and scheduled_for <= $1
		order by scheduled_for asc, id asc`
	args := []any{now.UTC()}
	if limit > 0 {
		query += `
		limit $2`
		args = append(args, limit)
	}
	query += `
		for update skip locked`
	rows, err := s.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []staff.ScheduledTransition
	for rows.Next() {
		t, err := scanTransition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s transitions) Resolve(ctx context.Context, id string, status staff.TransitionStatus, at time.Time, by string) (bool, error) {
	res, err := s.tx.ExecContext(ctx, `
		update scheduled_transitions
		set status = $2, resolved_at = $3, resolved_by = $4
		where id = $1 and status = 'pending'
	`, id, string(status), at.UTC(), by)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
