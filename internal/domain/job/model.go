package job

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/limsuite/interface-engine/internal/platform/canonical"
	"github.com/limsuite/interface-engine/internal/platform/protocol"
)

// State is a job's lifecycle position. queued and retry are schedulable,
// running is leased by a worker, the rest are terminal.
type State string

const (
	StateQueued     State = "queued"
	StateRunning    State = "running"
	StateDone       State = "done"
	StateRetry      State = "retry"
	StateFailed     State = "failed"
	StateDeadLetter State = "dead_letter"
	StateCancel     State = "cancel"
)

// Terminal reports whether a state accepts no further scheduler-driven
// transitions. Only an explicit requeue leaves a terminal state.
func (s State) Terminal() bool {
	switch s {
	case StateDone, StateFailed, StateDeadLetter, StateCancel:
		return true
	}
	return false
}

// Schedulable reports whether the sweep may claim a job in this state.
func (s State) Schedulable() bool {
	return s == StateQueued || s == StateRetry
}

// MessageType classifies the exchange carried by a job.
type MessageType string

const (
	TypeOrder         MessageType = "order"
	TypeResult        MessageType = "result"
	TypeReport        MessageType = "report"
	TypeAck           MessageType = "ack"
	TypePatientMaster MessageType = "patient-master"
	TypeQC            MessageType = "qc"
)

func (t MessageType) Valid() bool {
	switch t {
	case TypeOrder, TypeResult, TypeReport, TypeAck, TypePatientMaster, TypeQC:
		return true
	}
	return false
}

// Direction of a single job is always concrete, never bidirectional.
type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// AckState tracks remote acknowledgement supervision on outbound jobs.
type AckState string

const (
	AckNone     AckState = ""
	AckPending  AckState = "pending"
	AckReceived AckState = "received"
	AckOverdue  AckState = "overdue"
)

// Job is one inbound or outbound message exchange, durable across restarts.
// It references domain entities (requisitions, reports) only by identifier.
type Job struct {
	ID           uuid.UUID   `db:"id" json:"id"`
	EndpointID   uuid.UUID   `db:"endpoint_id" json:"endpoint_id"`
	EndpointCode string      `db:"endpoint_code" json:"endpoint_code"`
	Direction    Direction   `db:"direction" json:"direction"`
	MessageType  MessageType `db:"message_type" json:"message_type"`
	State        State       `db:"state" json:"state"`

	// Payload is the canonical form; RawPayload keeps the original wire
	// bytes for inbound messages so decoding can be replayed on requeue.
	Payload    canonical.Payload `db:"payload" json:"payload,omitempty"`
	RawPayload []byte            `db:"raw_payload" json:"raw_payload,omitempty"`

	// ExternalUID is the remote-supplied correlation id used for inbound
	// dedup. IdempotencyKey dedups outbound job creation.
	ExternalUID    string `db:"external_uid" json:"external_uid,omitempty"`
	IdempotencyKey string `db:"idempotency_key" json:"idempotency_key,omitempty"`
	EntityRef      string `db:"entity_ref" json:"entity_ref,omitempty"`
	EntityRevision int    `db:"entity_revision" json:"entity_revision"`

	AttemptCount int        `db:"attempt_count" json:"attempt_count"`
	QueuedAt     time.Time  `db:"queued_at" json:"queued_at"`
	ProcessedAt  *time.Time `db:"processed_at" json:"processed_at,omitempty"`
	NextRetryAt  *time.Time `db:"next_retry_at" json:"next_retry_at,omitempty"`

	AckCode       protocol.AckCode `db:"ack_code" json:"ack_code,omitempty"`
	AckReceivedAt *time.Time       `db:"ack_received_at" json:"ack_received_at,omitempty"`
	AckDeadline   *time.Time       `db:"ack_deadline" json:"ack_deadline,omitempty"`
	AckState      AckState         `db:"ack_state" json:"ack_state,omitempty"`
	EscalatedAt   *time.Time       `db:"escalated_at" json:"escalated_at,omitempty"`

	ErrorMessage     string `db:"error_message" json:"error_message,omitempty"`
	DeadLetterReason string `db:"dead_letter_reason" json:"dead_letter_reason,omitempty"`
	ResponseCode     int    `db:"response_code" json:"response_code"`
	ResponseBody     string `db:"response_body" json:"response_body,omitempty"`

	SourceAddress string    `db:"source_address" json:"source_address,omitempty"`
	CreatedAt     time.Time `db:"created_at" json:"created_at"`
	UpdatedAt     time.Time `db:"updated_at" json:"updated_at"`
}

// IdempotencyKey derives the outbound dedup key. Result and report
// messages carry the entity revision so a re-released report creates a new
// job while an unchanged one reuses the live job.
func BuildIdempotencyKey(endpointCode string, messageType MessageType, entityRef string, revision int) string {
	switch messageType {
	case TypeResult, TypeReport:
		return fmt.Sprintf("%s:%s:%s:r%d", endpointCode, messageType, entityRef, revision)
	default:
		return fmt.Sprintf("%s:%s:%s", endpointCode, messageType, entityRef)
	}
}

// ResetForRequeue returns a terminal job to the queue for manual operator
// recovery: attempt count zeroed, ACK and error fields cleared.
func (j *Job) ResetForRequeue(now time.Time) error {
	if !j.State.Terminal() {
		return fmt.Errorf("job %s is %s; only terminal jobs can be requeued", j.ID, j.State)
	}
	if j.State == StateDone {
		// A done job already completed its exchange; re-dispatching would
		// duplicate delivery and can collide with a live idempotency key.
		return fmt.Errorf("job %s already completed; requeue applies to failed, dead_letter or cancel", j.ID)
	}
	j.State = StateQueued
	j.AttemptCount = 0
	j.QueuedAt = now
	j.ProcessedAt = nil
	j.NextRetryAt = nil
	j.AckCode = ""
	j.AckReceivedAt = nil
	j.AckDeadline = nil
	j.AckState = AckNone
	j.EscalatedAt = nil
	j.ErrorMessage = ""
	j.DeadLetterReason = ""
	j.ResponseCode = 0
	j.ResponseBody = ""
	return nil
}
