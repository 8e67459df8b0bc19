package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/permitdesk/staffsec/internal/ids"
	"github.com/permitdesk/staffsec/internal/staff"
)

const auditColumns = `id, actor_account_id, action, entity_type, entity_id,
	previous_state, new_state, role, metadata, request_id, occurred_at`

// auditLog only ever inserts; the table rejects updates and deletes.
type auditLog struct{ tx *sql.Tx }

func (s auditLog) Append(ctx context.Context, e *staff.AuditEntry) error {
	if e.ID == "" {
		e.ID = ids.New()
	}
	e.OccurredAt = nowIfZero(e.OccurredAt)
	prev, err := encodeState(e.PreviousState)
	if err != nil {
		return fmt.Errorf("encode previous state: %w", err)
	}
	next, err := encodeState(e.NewState)
	if err != nil {
		return fmt.Errorf("encode new state: %w", err)
	}
	meta, err := encodeState(e.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	_, err = s.tx.ExecContext(ctx, `
		insert into audit_log (`+auditColumns+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`, e.ID, e.ActorAccountID, e.Action, e.EntityType, e.EntityID, prev, next, string(e.Role), meta, e.RequestID, e.OccurredAt)
	return mapErr(err, "audit entry "+e.ID)
}

func (s auditLog) Query(ctx context.Context, f staff.AuditFilter) ([]staff.AuditEntry, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.EntityID != "" {
		add("entity_id = $%d", f.EntityID)
	}
	if f.ActorAccountID != "" {
		add("actor_account_id = $%d", f.ActorAccountID)
	}
	if f.Action != "" {
		add("action = $%d", f.Action)
	}
	if !f.From.IsZero() {
		add("occurred_at >= $%d", f.From.UTC())
	}
	if !f.To.IsZero() {
		add("occurred_at < $%d", f.To.UTC())
	}
	q := `select ` + auditColumns + ` from audit_log`
	if len(where) > 0 {
		q += ` where ` + strings.Join(where, " and ")
	}
	q += ` order by occurred_at desc, id desc`
	if f.Limit > 0 {
		args = append(args, f.Limit)
		q += fmt.Sprintf(` limit $%d`, len(args))
	}

	rows, err := s.tx.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []staff.AuditEntry
	for rows.Next() {
		var (
			e                staff.AuditEntry
			role             string
			prev, next, meta []byte
		)
		if err := rows.Scan(&e.ID, &e.ActorAccountID, &e.Action, &e.EntityType, &e.EntityID,
			&prev, &next, &role, &meta, &e.RequestID, &e.OccurredAt); err != nil {
			return nil, err
		}
		e.Role = staff.Role(role)
		e.OccurredAt = e.OccurredAt.UTC()
		if e.PreviousState, err = decodeState(prev); err != nil {
			return nil, fmt.Errorf("decode previous state: %w", err)
		}
		if e.NewState, err = decodeState(next); err != nil {
			return nil, fmt.Errorf("decode new state: %w", err)
		}
		if e.Metadata, err = decodeState(meta); err != nil {
			return nil, fmt.Errorf("decode metadata: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// encodeState renders m as jsonb text; empty maps are stored as null.
func encodeState(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

func decodeState(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}
