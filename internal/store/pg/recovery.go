package pg

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/permitdesk/staffsec/internal/ids"
	"github.com/permitdesk/staffsec/internal/staff"
)

const recoveryColumns = `id, account_id, requested_by, status, office, role,
	reviewed_by, reviewed_at, review_notes, denial_reason, temporary_credential_id,
	ip, user_agent, outside_office_hours, suspicious_activity,
	created_at, updated_at`

type recoveries struct{ tx *sql.Tx }

func scanRecovery(row scanner) (staff.RecoveryRequest, error) {
	var (
		r                  staff.RecoveryRequest
		status, role, cred string
		reviewedAt         sql.NullTime
	)
	err := row.Scan(&r.ID, &r.AccountID, &r.RequestedBy, &status, &r.Office, &role,
		&r.ReviewedBy, &reviewedAt, &r.ReviewNotes, &r.DenialReason, &cred,
		&r.Metadata.IP, &r.Metadata.UserAgent, &r.Metadata.RequestedOutsideOfficeHours, &r.Metadata.SuspiciousActivityDetected,
		&r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return staff.RecoveryRequest{}, err
	}
	r.Status = staff.RecoveryStatus(status)
	r.Role = staff.Role(role)
	r.ReviewedAt = timeOf(reviewedAt)
	r.TemporaryCredentialID = cred
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	return r, nil
}

func recoveryArgs(r staff.RecoveryRequest) []any {
	return []any{
		r.ID, r.AccountID, r.RequestedBy, string(r.Status), r.Office, string(r.Role),
		r.ReviewedBy, nullTime(r.ReviewedAt), r.ReviewNotes, r.DenialReason, r.TemporaryCredentialID,
		r.Metadata.IP, r.Metadata.UserAgent, r.Metadata.RequestedOutsideOfficeHours, r.Metadata.SuspiciousActivityDetected,
		r.CreatedAt.UTC(), r.UpdatedAt.UTC(),
	}
}

func (s recoveries) Insert(ctx context.Context, r *staff.RecoveryRequest) error {
	if r.ID == "" {
		r.ID = ids.New()
	}
	r.CreatedAt = nowIfZero(r.CreatedAt)
	if r.UpdatedAt.IsZero() {
		r.UpdatedAt = r.CreatedAt
	}
	_, err := s.tx.ExecContext(ctx, `
		insert into recovery_requests (`+recoveryColumns+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
	`, recoveryArgs(*r)...)
	return mapErr(err, "recovery request for account "+r.AccountID)
}

func (s recoveries) Get(ctx context.Context, id string) (staff.RecoveryRequest, error) {
	r, err := scanRecovery(s.tx.QueryRowContext(ctx, `
		select `+recoveryColumns+`
		from recovery_requests
		where id = $1
		for update
	`, id))
	if err != nil {
		return staff.RecoveryRequest{}, mapErr(err, "recovery request "+id)
	}
	return r, nil
}

func (s recoveries) Update(ctx context.Context, r staff.RecoveryRequest) error {
	r.UpdatedAt = nowIfZero(r.UpdatedAt)
	res, err := s.tx.ExecContext(ctx, `
		update recovery_requests set
			status = $2, reviewed_by = $3, reviewed_at = $4, review_notes = $5,
			denial_reason = $6, temporary_credential_id = $7, updated_at = $8
		where id = $1
	`, r.ID, string(r.Status), r.ReviewedBy, nullTime(r.ReviewedAt), r.ReviewNotes,
		r.DenialReason, r.TemporaryCredentialID, r.UpdatedAt)
	return rowCount(res, err, "recovery request "+r.ID)
}

func (s recoveries) Open(ctx context.Context, accountID string) ([]staff.RecoveryRequest, error) {
	return s.query(ctx, `
		select `+recoveryColumns+`
		from recovery_requests
		where account_id = $1 and status in ('pending', 'approved')
		order by created_at asc, id asc
		for update
	`, accountID)
}

func (s recoveries) List(ctx context.Context, f staff.RecoveryFilter) ([]staff.RecoveryRequest, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.Office != "" {
		add("office = $%d", f.Office)
	}
	if f.AccountID != "" {
		add("account_id = $%d", f.AccountID)
	}
	if !f.CreatedBefore.IsZero() {
		add("created_at < $%d", f.CreatedBefore.UTC())
	}
	q := `select ` + recoveryColumns + ` from recovery_requests`
	if len(where) > 0 {
		q += ` where ` + strings.Join(where, " and ")
	}
	q += ` order by created_at asc, id asc`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(` limit $%d`, len(args))
	}
	return s.query(ctx, q, args...)
}

func (s recoveries) query(ctx context.Context, q string, args ...any) ([]staff.RecoveryRequest, error) {
	rows, err := s.tx.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []staff.RecoveryRequest
	for rows.Next() {
		r, err := scanRecovery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
