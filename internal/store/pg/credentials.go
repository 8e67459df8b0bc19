package pg

import (
	"context"
	"database/sql"
	"time"

	"github.com/permitdesk/staffsec/internal/ids"
	"github.com/permitdesk/staffsec/internal/staff"
)

const credentialColumns = `id, account_id, recovery_request_id, username_hint, secret_hash,
	issued_at, expires_at, expires_after_first_login, consumed_at, revoked_at`

// usableCredential matches staff.TemporaryCredential.Usable.
const usableCredential = `revoked_at is null and (consumed_at is null or not expires_after_first_login)`

type credentials struct{ tx *sql.Tx }

func scanCredential(row scanner) (staff.TemporaryCredential, error) {
	var (
		c                   staff.TemporaryCredential
		consumed, revokedAt sql.NullTime
	)
	err := row.Scan(&c.ID, &c.AccountID, &c.RecoveryRequestID, &c.UsernameHint, &c.SecretHash,
		&c.IssuedAt, &c.ExpiresAt, &c.ExpiresAfterFirstLogin, &consumed, &revokedAt)
	if err != nil {
		return staff.TemporaryCredential{}, err
	}
	c.IssuedAt = c.IssuedAt.UTC()
	c.ExpiresAt = c.ExpiresAt.UTC()
	c.ConsumedAt = timeOf(consumed)
	c.RevokedAt = timeOf(revokedAt)
	return c, nil
}

func (s credentials) Insert(ctx context.Context, c *staff.TemporaryCredential) error {
	if c.ID == "" {
		c.ID = ids.New()
	}
	c.IssuedAt = nowIfZero(c.IssuedAt)
	_, err := s.tx.ExecContext(ctx, `
		insert into temporary_credentials (`+credentialColumns+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, c.ID, c.AccountID, c.RecoveryRequestID, c.UsernameHint, c.SecretHash,
		c.IssuedAt, c.ExpiresAt.UTC(), c.ExpiresAfterFirstLogin, nullTime(c.ConsumedAt), nullTime(c.RevokedAt))
	return mapErr(err, "temporary credential "+c.ID)
}

func (s credentials) Get(ctx context.Context, id string) (staff.TemporaryCredential, error) {
	c, err := scanCredential(s.tx.QueryRowContext(ctx, `
		select `+credentialColumns+`
		from temporary_credentials
		where id = $1
	`, id))
	if err != nil {
		return staff.TemporaryCredential{}, mapErr(err, "temporary credential "+id)
	}
	return c, nil
}

func (s credentials) LatestUsable(ctx context.Context, usernameHint string) (staff.TemporaryCredential, error) {
	c, err := scanCredential(s.tx.QueryRowContext(ctx, `
		select `+credentialColumns+`
		from temporary_credentials
		where username_hint = $1 and `+usableCredential+`
		order by issued_at desc, id desc
		limit 1
		for update
	`, usernameHint))
	if err != nil {
		return staff.TemporaryCredential{}, mapErr(err, "temporary credential")
	}
	return c, nil
}

func (s credentials) RevokeActive(ctx context.Context, accountID string, at time.Time) (int, error) {
	res, err := s.tx.ExecContext(ctx, `
		update temporary_credentials
		set revoked_at = $2
		where account_id = $1 and `+usableCredential, accountID, at.UTC())
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s credentials) MarkConsumed(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := s.tx.ExecContext(ctx, `
		update temporary_credentials
		set consumed_at = $2
		where id = $1 and consumed_at is null
	`, id, at.UTC())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
