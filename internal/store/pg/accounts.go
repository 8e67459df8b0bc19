package pg

import (
	"context"
	"database/sql"
	"time"

	"github.com/permitdesk/staffsec/internal/ids"
	"github.com/permitdesk/staffsec/internal/staff"
)

const accountColumns = `id, username, role, office, is_active, token_version,
	mfa_enabled, mfa_secret, mfa_disable_pending, mfa_disable_scheduled_for,
	deletion_pending, deletion_requested_at, deletion_reason, deletion_scheduled_for,
	failure_count, locked_until, must_change_credentials, must_setup_mfa,
	created_at, updated_at`

type accounts struct{ tx *sql.Tx }

func scanAccount(row scanner) (staff.Account, error) {
	var (
		acc                                             staff.Account
		role                                            string
		mfaDisableAt, delRequestedAt, delAt, lockedTill sql.NullTime
	)
	err := row.Scan(&acc.ID, &acc.Username, &role, &acc.Office, &acc.IsActive, &acc.TokenVersion,
		&acc.MFA.Enabled, &acc.MFA.Secret, &acc.MFA.DisablePending, &mfaDisableAt,
		&acc.Deletion.Pending, &delRequestedAt, &acc.Deletion.Reason, &delAt,
		&acc.Lockout.FailureCount, &lockedTill, &acc.MustChangeCredentials, &acc.MustSetupMFA,
		&acc.CreatedAt, &acc.UpdatedAt)
	if err != nil {
		return staff.Account{}, err
	}
	acc.Role = staff.Role(role)
	acc.MFA.DisableScheduledFor = timeOf(mfaDisableAt)
	acc.Deletion.RequestedAt = timeOf(delRequestedAt)
	acc.Deletion.ScheduledFor = timeOf(delAt)
	acc.Lockout.LockedUntil = timeOf(lockedTill)
	acc.CreatedAt = acc.CreatedAt.UTC()
	acc.UpdatedAt = acc.UpdatedAt.UTC()
	return acc, nil
}

func (a accounts) Get(ctx context.Context, id string) (staff.Account, error) {
	acc, err := scanAccount(a.tx.QueryRowContext(ctx, `
		select `+accountColumns+`
		from staff_accounts
		where id = $1
		for update
	`, id))
	if err != nil {
		return staff.Account{}, mapErr(err, "account "+id)
	}
	return acc, nil
}

func (a accounts) Create(ctx context.Context, acc *staff.Account) error {
	if acc.ID == "" {
		acc.ID = ids.New()
	}
	acc.CreatedAt = nowIfZero(acc.CreatedAt)
	acc.UpdatedAt = acc.CreatedAt
	_, err := a.tx.ExecContext(ctx, `
		insert into staff_accounts (`+accountColumns+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)
	`, accountArgs(*acc)...)
	return mapErr(err, "account "+acc.Username)
}

func (a accounts) Update(ctx context.Context, acc staff.Account) error {
	acc.UpdatedAt = time.Now().UTC()
	res, err := a.tx.ExecContext(ctx, `
		update staff_accounts set
			username = $2, role = $3, office = $4, is_active = $5, token_version = $6,
			mfa_enabled = $7, mfa_secret = $8, mfa_disable_pending = $9, mfa_disable_scheduled_for = $10,
			deletion_pending = $11, deletion_requested_at = $12, deletion_reason = $13, deletion_scheduled_for = $14,
			failure_count = $15, locked_until = $16, must_change_credentials = $17, must_setup_mfa = $18,
			updated_at = $19
		where id = $1
	`, updateArgs(acc)...)
	return rowCount(res, err, "account "+acc.ID)
}

func (a accounts) Delete(ctx context.Context, id string) error {
	res, err := a.tx.ExecContext(ctx, `delete from staff_accounts where id = $1`, id)
	return rowCount(res, err, "account "+id)
}

// accountArgs lists values in accountColumns order.
func accountArgs(acc staff.Account) []any {
	return []any{
		acc.ID, acc.Username, string(acc.Role), acc.Office, acc.IsActive, acc.TokenVersion,
		acc.MFA.Enabled, acc.MFA.Secret, acc.MFA.DisablePending, nullTime(acc.MFA.DisableScheduledFor),
		acc.Deletion.Pending, nullTime(acc.Deletion.RequestedAt), acc.Deletion.Reason, nullTime(acc.Deletion.ScheduledFor),
		acc.Lockout.FailureCount, nullTime(acc.Lockout.LockedUntil), acc.MustChangeCredentials, acc.MustSetupMFA,
		acc.CreatedAt.UTC(), acc.UpdatedAt.UTC(),
	}
}

func updateArgs(acc staff.Account) []any {
	args := accountArgs(acc)
	return append(args[:18:18], args[19])
}
