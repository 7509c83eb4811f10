package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/limsuite/interface-engine/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type RepoPG struct {
	pool *pgxpool.Pool
}

func NewRepoPG(pool *pgxpool.Pool) *RepoPG {
	return &RepoPG{pool: pool}
}

func (r *RepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const auditCols = `id, recorded_at, action, direction, endpoint_code, job_id,
	external_uid, source_address, payload, result, result_state`

func scanEntry(row pgx.Row) (*Entry, error) {
	var e Entry
	var payload []byte
	err := row.Scan(
		&e.ID, &e.RecordedAt, &e.Action, &e.Direction, &e.EndpointCode, &e.JobID,
		&e.ExternalUID, &e.SourceAddress, &payload, &e.Result, &e.ResultState,
	)
	if err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &e.Payload); err != nil {
			return nil, fmt.Errorf("decode audit payload: %w", err)
		}
	}
	return &e, nil
}

func (r *RepoPG) Append(ctx context.Context, e *Entry) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.RecordedAt.IsZero() {
		e.RecordedAt = time.Now().UTC()
	}

	var payload []byte
	if e.Payload != nil {
		var err error
		if payload, err = json.Marshal(e.Payload); err != nil {
			return fmt.Errorf("encode audit payload: %w", err)
		}
	}

	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO integration_audit (
			id, recorded_at, action, direction, endpoint_code, job_id,
			external_uid, source_address, payload, result, result_state
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		e.ID, e.RecordedAt, e.Action, e.Direction, e.EndpointCode, e.JobID,
		e.ExternalUID, e.SourceAddress, payload, e.Result, e.ResultState,
	)
	return err
}

func (r *RepoPG) ListByJob(ctx context.Context, jobID uuid.UUID) ([]*Entry, error) {
	q := fmt.Sprintf("SELECT %s FROM integration_audit WHERE job_id = $1 ORDER BY recorded_at", auditCols)
	rows, err := r.conn(ctx).Query(ctx, q, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectEntries(rows)
}

func (r *RepoPG) List(ctx context.Context, endpointCode string, limit, offset int) ([]*Entry, int, error) {
	where := ""
	args := []interface{}{}
	idx := 1
	if endpointCode != "" {
		where = fmt.Sprintf("WHERE endpoint_code = $%d", idx)
		args = append(args, endpointCode)
		idx++
	}

	var total int
	countQ := fmt.Sprintf("SELECT COUNT(*) FROM integration_audit %s", where)
	if err := r.conn(ctx).QueryRow(ctx, countQ, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	q := fmt.Sprintf("SELECT %s FROM integration_audit %s ORDER BY recorded_at DESC LIMIT $%d OFFSET $%d",
		auditCols, where, idx, idx+1)
	args = append(args, limit, offset)

	rows, err := r.conn(ctx).Query(ctx, q, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	items, err := collectEntries(rows)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func collectEntries(rows pgx.Rows) ([]*Entry, error) {
	var items []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, e)
	}
	return items, rows.Err()
}
