package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
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

const jobCols = `id, endpoint_id, endpoint_code, direction, message_type, state,
	payload, raw_payload, external_uid, idempotency_key, entity_ref, entity_revision,
	attempt_count, queued_at, processed_at, next_retry_at,
	ack_code, ack_received_at, ack_deadline, ack_state, escalated_at,
	error_message, dead_letter_reason, response_code, response_body,
	source_address, created_at, updated_at`

func scanJob(row pgx.Row) (*Job, error) {
	var j Job
	var payload []byte
	err := row.Scan(
		&j.ID, &j.EndpointID, &j.EndpointCode, &j.Direction, &j.MessageType, &j.State,
		&payload, &j.RawPayload, &j.ExternalUID, &j.IdempotencyKey, &j.EntityRef, &j.EntityRevision,
		&j.AttemptCount, &j.QueuedAt, &j.ProcessedAt, &j.NextRetryAt,
		&j.AckCode, &j.AckReceivedAt, &j.AckDeadline, &j.AckState, &j.EscalatedAt,
		&j.ErrorMessage, &j.DeadLetterReason, &j.ResponseCode, &j.ResponseBody,
		&j.SourceAddress, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &j.Payload); err != nil {
			return nil, fmt.Errorf("decode job payload: %w", err)
		}
	}
	return &j, nil
}

func (r *RepoPG) Create(ctx context.Context, j *Job) error {
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	now := time.Now().UTC()
	j.CreatedAt = now
	j.UpdatedAt = now
	if j.QueuedAt.IsZero() {
		j.QueuedAt = now
	}

	payload, err := marshalPayload(j)
	if err != nil {
		return err
	}

	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO integration_job (
			id, endpoint_id, endpoint_code, direction, message_type, state,
			payload, raw_payload, external_uid, idempotency_key, entity_ref, entity_revision,
			attempt_count, queued_at, processed_at, next_retry_at,
			ack_code, ack_received_at, ack_deadline, ack_state, escalated_at,
			error_message, dead_letter_reason, response_code, response_body,
			source_address, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,$24,$25,$26,$27,$28)`,
		j.ID, j.EndpointID, j.EndpointCode, j.Direction, j.MessageType, j.State,
		payload, j.RawPayload, j.ExternalUID, j.IdempotencyKey, j.EntityRef, j.EntityRevision,
		j.AttemptCount, j.QueuedAt, j.ProcessedAt, j.NextRetryAt,
		string(j.AckCode), j.AckReceivedAt, j.AckDeadline, j.AckState, j.EscalatedAt,
		j.ErrorMessage, j.DeadLetterReason, j.ResponseCode, j.ResponseBody,
		j.SourceAddress, j.CreatedAt, j.UpdatedAt,
	)
	return err
}

func (r *RepoPG) Update(ctx context.Context, j *Job) error {
	j.UpdatedAt = time.Now().UTC()

	payload, err := marshalPayload(j)
	if err != nil {
		return err
	}

	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE integration_job SET
			state=$2, payload=$3, raw_payload=$4,
			attempt_count=$5, queued_at=$6, processed_at=$7, next_retry_at=$8,
			ack_code=$9, ack_received_at=$10, ack_deadline=$11, ack_state=$12, escalated_at=$13,
			error_message=$14, dead_letter_reason=$15, response_code=$16, response_body=$17,
			updated_at=$18
		WHERE id=$1`,
		j.ID, j.State, payload, j.RawPayload,
		j.AttemptCount, j.QueuedAt, j.ProcessedAt, j.NextRetryAt,
		string(j.AckCode), j.AckReceivedAt, j.AckDeadline, j.AckState, j.EscalatedAt,
		j.ErrorMessage, j.DeadLetterReason, j.ResponseCode, j.ResponseBody,
		j.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *RepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Job, error) {
	q := fmt.Sprintf("SELECT %s FROM integration_job WHERE id = $1", jobCols)
	j, err := scanJob(r.conn(ctx).QueryRow(ctx, q, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return j, err
}

func (r *RepoPG) FindByExternalUID(ctx context.Context, endpointID uuid.UUID, direction Direction, externalUID string) (*Job, error) {
	q := fmt.Sprintf(`SELECT %s FROM integration_job
		WHERE endpoint_id = $1 AND direction = $2 AND external_uid = $3 AND state != 'cancel'
		ORDER BY created_at LIMIT 1`, jobCols)
	j, err := scanJob(r.conn(ctx).QueryRow(ctx, q, endpointID, direction, externalUID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return j, err
}

func (r *RepoPG) FindLiveByIdempotencyKey(ctx context.Context, key string) (*Job, error) {
	q := fmt.Sprintf(`SELECT %s FROM integration_job
		WHERE idempotency_key = $1 AND state IN ('queued','running','retry')
		ORDER BY created_at LIMIT 1`, jobCols)
	j, err := scanJob(r.conn(ctx).QueryRow(ctx, q, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return j, err
}

// ClaimDue is the processing lease. The inner select locks candidate rows
// with SKIP LOCKED so concurrent sweeps on other nodes divide the backlog
// instead of double-claiming it; the update flips them to running and
// counts the attempt in the same statement.
func (r *RepoPG) ClaimDue(ctx context.Context, limit int, now time.Time) ([]*Job, error) {
	q := fmt.Sprintf(`
		UPDATE integration_job SET state = 'running', attempt_count = attempt_count + 1, updated_at = $1
		WHERE id IN (
			SELECT id FROM integration_job
			WHERE state IN ('queued','retry')
			  AND (next_retry_at IS NULL OR next_retry_at <= $1)
			ORDER BY queued_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING %s`, jobCols)

	rows, err := r.conn(ctx).Query(ctx, q, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJobs(rows)
}

func (r *RepoPG) Claim(ctx context.Context, id uuid.UUID, now time.Time) (*Job, error) {
	q := fmt.Sprintf(`
		UPDATE integration_job SET state = 'running', attempt_count = attempt_count + 1, updated_at = $2
		WHERE id = $1 AND state IN ('queued','retry')
		  AND (next_retry_at IS NULL OR next_retry_at <= $2)
		RETURNING %s`, jobCols)
	j, err := scanJob(r.conn(ctx).QueryRow(ctx, q, id, now))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSuperseded
	}
	return j, err
}

func (r *RepoPG) FinishAttempt(ctx context.Context, j *Job) error {
	j.UpdatedAt = time.Now().UTC()

	payload, err := marshalPayload(j)
	if err != nil {
		return err
	}

	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE integration_job SET
			state=$2, payload=$3, raw_payload=$4,
			attempt_count=$5, processed_at=$6, next_retry_at=$7,
			ack_code=$8, ack_received_at=$9, ack_deadline=$10, ack_state=$11,
			error_message=$12, dead_letter_reason=$13, response_code=$14, response_body=$15,
			updated_at=$16
		WHERE id=$1 AND state='running'`,
		j.ID, j.State, payload, j.RawPayload,
		j.AttemptCount, j.ProcessedAt, j.NextRetryAt,
		string(j.AckCode), j.AckReceivedAt, j.AckDeadline, j.AckState,
		j.ErrorMessage, j.DeadLetterReason, j.ResponseCode, j.ResponseBody,
		j.UpdatedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrSuperseded
	}
	return nil
}

func (r *RepoPG) MarkCancel(ctx context.Context, id uuid.UUID) (*Job, error) {
	q := fmt.Sprintf(`
		UPDATE integration_job SET state = 'cancel', updated_at = $2
		WHERE id = $1 AND state IN ('queued','running','retry')
		RETURNING %s`, jobCols)
	j, err := scanJob(r.conn(ctx).QueryRow(ctx, q, id, time.Now().UTC()))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSuperseded
	}
	return j, err
}

func (r *RepoPG) FindOverdueAcks(ctx context.Context, now time.Time, limit int) ([]*Job, error) {
	q := fmt.Sprintf(`SELECT %s FROM integration_job
		WHERE state = 'done' AND direction = 'outbound'
		  AND ack_state = 'pending' AND ack_received_at IS NULL
		  AND ack_deadline IS NOT NULL AND ack_deadline < $1
		ORDER BY ack_deadline
		LIMIT $2`, jobCols)

	rows, err := r.conn(ctx).Query(ctx, q, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJobs(rows)
}

func (r *RepoPG) List(ctx context.Context, filter ListFilter, limit, offset int) ([]*Job, int, error) {
	where := []string{}
	args := []interface{}{}
	idx := 1

	if filter.EndpointCode != "" {
		where = append(where, fmt.Sprintf("endpoint_code = $%d", idx))
		args = append(args, filter.EndpointCode)
		idx++
	}
	if filter.State != "" {
		where = append(where, fmt.Sprintf("state = $%d", idx))
		args = append(args, filter.State)
		idx++
	}
	if filter.Direction != "" {
		where = append(where, fmt.Sprintf("direction = $%d", idx))
		args = append(args, filter.Direction)
		idx++
	}
	if filter.MessageType != "" {
		where = append(where, fmt.Sprintf("message_type = $%d", idx))
		args = append(args, filter.MessageType)
		idx++
	}

	whereClause := ""
	if len(where) > 0 {
		whereClause = "WHERE " + strings.Join(where, " AND ")
	}

	var total int
	countQ := fmt.Sprintf("SELECT COUNT(*) FROM integration_job %s", whereClause)
	if err := r.conn(ctx).QueryRow(ctx, countQ, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	q := fmt.Sprintf("SELECT %s FROM integration_job %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d",
		jobCols, whereClause, idx, idx+1)
	args = append(args, limit, offset)

	rows, err := r.conn(ctx).Query(ctx, q, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	items, err := collectJobs(rows)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func collectJobs(rows pgx.Rows) ([]*Job, error) {
	var items []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, j)
	}
	return items, rows.Err()
}

func marshalPayload(j *Job) ([]byte, error) {
	if j.Payload == nil {
		return nil, nil
	}
	payload, err := json.Marshal(j.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode job payload: %w", err)
	}
	return payload, nil
}
