package endpoint

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

func (r *RepoPG) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return db.WithTx(ctx, r.pool, fn)
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

const endpointCols = `id, code, name, system_type, direction, protocol, address, auth,
	allowed_sources, retry_strategy, retry_interval_minutes, backoff_factor,
	max_interval_minutes, retry_limit, retry_window_minutes, dead_letter_enabled,
	timeout_seconds, require_ack, ack_timeout_minutes, escalation_target,
	hl7_field_map, inbound_profile, outbound_profile, active, created_at, updated_at`

func scanEndpoint(row pgx.Row) (*Endpoint, error) {
	var e Endpoint
	var auth, fieldMap, inbound, outbound []byte
	err := row.Scan(
		&e.ID, &e.Code, &e.Name, &e.SystemType, &e.Direction, &e.Protocol, &e.Address, &auth,
		&e.AllowedSources, &e.RetryStrategy, &e.RetryIntervalMin, &e.BackoffFactor,
		&e.MaxIntervalMin, &e.RetryLimit, &e.RetryWindowMin, &e.DeadLetterEnabled,
		&e.TimeoutSeconds, &e.RequireAck, &e.AckTimeoutMin, &e.EscalationTarget,
		&fieldMap, &inbound, &outbound, &e.Active, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(auth) > 0 {
		if err := json.Unmarshal(auth, &e.Auth); err != nil {
			return nil, fmt.Errorf("decode auth config: %w", err)
		}
	}
	if len(fieldMap) > 0 {
		if err := json.Unmarshal(fieldMap, &e.HL7FieldMap); err != nil {
			return nil, fmt.Errorf("decode hl7 field map: %w", err)
		}
	}
	if len(inbound) > 0 {
		if err := json.Unmarshal(inbound, &e.InboundProfile); err != nil {
			return nil, fmt.Errorf("decode inbound profile: %w", err)
		}
	}
	if len(outbound) > 0 {
		if err := json.Unmarshal(outbound, &e.OutboundProfile); err != nil {
			return nil, fmt.Errorf("decode outbound profile: %w", err)
		}
	}
	return &e, nil
}

func (r *RepoPG) jsonCols(e *Endpoint) (auth, fieldMap, inbound, outbound []byte, err error) {
	if auth, err = json.Marshal(e.Auth); err != nil {
		return
	}
	if e.HL7FieldMap != nil {
		if fieldMap, err = json.Marshal(e.HL7FieldMap); err != nil {
			return
		}
	}
	if e.InboundProfile != nil {
		if inbound, err = json.Marshal(e.InboundProfile); err != nil {
			return
		}
	}
	if e.OutboundProfile != nil {
		if outbound, err = json.Marshal(e.OutboundProfile); err != nil {
			return
		}
	}
	return
}

func (r *RepoPG) Create(ctx context.Context, e *Endpoint) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	now := time.Now().UTC()
	e.CreatedAt = now
	e.UpdatedAt = now

	auth, fieldMap, inbound, outbound, err := r.jsonCols(e)
	if err != nil {
		return err
	}

	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO integration_endpoint (
			id, code, name, system_type, direction, protocol, address, auth,
			allowed_sources, retry_strategy, retry_interval_minutes, backoff_factor,
			max_interval_minutes, retry_limit, retry_window_minutes, dead_letter_enabled,
			timeout_seconds, require_ack, ack_timeout_minutes, escalation_target,
			hl7_field_map, inbound_profile, outbound_profile, active, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26)`,
		e.ID, e.Code, e.Name, e.SystemType, e.Direction, e.Protocol, e.Address, auth,
		e.AllowedSources, e.RetryStrategy, e.RetryIntervalMin, e.BackoffFactor,
		e.MaxIntervalMin, e.RetryLimit, e.RetryWindowMin, e.DeadLetterEnabled,
		e.TimeoutSeconds, e.RequireAck, e.AckTimeoutMin, e.EscalationTarget,
		fieldMap, inbound, outbound, e.Active, e.CreatedAt, e.UpdatedAt,
	)
	return err
}

func (r *RepoPG) Update(ctx context.Context, e *Endpoint) error {
	e.UpdatedAt = time.Now().UTC()

	auth, fieldMap, inbound, outbound, err := r.jsonCols(e)
	if err != nil {
		return err
	}

	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE integration_endpoint SET
			code=$2, name=$3, system_type=$4, direction=$5, protocol=$6, address=$7, auth=$8,
			allowed_sources=$9, retry_strategy=$10, retry_interval_minutes=$11, backoff_factor=$12,
			max_interval_minutes=$13, retry_limit=$14, retry_window_minutes=$15, dead_letter_enabled=$16,
			timeout_seconds=$17, require_ack=$18, ack_timeout_minutes=$19, escalation_target=$20,
			hl7_field_map=$21, inbound_profile=$22, outbound_profile=$23, active=$24, updated_at=$25
		WHERE id=$1`,
		e.ID, e.Code, e.Name, e.SystemType, e.Direction, e.Protocol, e.Address, auth,
		e.AllowedSources, e.RetryStrategy, e.RetryIntervalMin, e.BackoffFactor,
		e.MaxIntervalMin, e.RetryLimit, e.RetryWindowMin, e.DeadLetterEnabled,
		e.TimeoutSeconds, e.RequireAck, e.AckTimeoutMin, e.EscalationTarget,
		fieldMap, inbound, outbound, e.Active, e.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func (r *RepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Endpoint, error) {
	q := fmt.Sprintf("SELECT %s FROM integration_endpoint WHERE id = $1", endpointCols)
	return scanEndpoint(r.conn(ctx).QueryRow(ctx, q, id))
}

func (r *RepoPG) GetByCode(ctx context.Context, code string) (*Endpoint, error) {
	q := fmt.Sprintf("SELECT %s FROM integration_endpoint WHERE code = $1", endpointCols)
	return scanEndpoint(r.conn(ctx).QueryRow(ctx, q, code))
}

func (r *RepoPG) List(ctx context.Context, limit, offset int) ([]*Endpoint, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx, "SELECT COUNT(*) FROM integration_endpoint").Scan(&total); err != nil {
		return nil, 0, err
	}

	q := fmt.Sprintf("SELECT %s FROM integration_endpoint ORDER BY code LIMIT $1 OFFSET $2", endpointCols)
	rows, err := r.conn(ctx).Query(ctx, q, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var items []*Endpoint
	for rows.Next() {
		e, err := scanEndpoint(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, e)
	}
	return items, total, rows.Err()
}

func (r *RepoPG) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, "DELETE FROM integration_endpoint WHERE id = $1", id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}
