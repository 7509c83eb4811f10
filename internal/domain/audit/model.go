package audit

import (
	"time"

	"github.com/google/uuid"

	"github.com/limsuite/interface-engine/internal/platform/canonical"
)

// Action names the lifecycle event an entry records.
type Action string

const (
	ActionIngest     Action = "ingest"
	ActionDedup      Action = "dedup"
	ActionEnqueue    Action = "enqueue"
	ActionProcess    Action = "process"
	ActionDispatch   Action = "dispatch"
	ActionAck        Action = "ack"
	ActionRetry      Action = "retry"
	ActionFail       Action = "fail"
	ActionDeadLetter Action = "dead_letter"
	ActionRequeue    Action = "requeue"
	ActionCancel     Action = "cancel"
	ActionEscalate   Action = "escalate"
)

// Entry is one append-only audit record. Entries are written on every job
// transition and never mutated or deleted.
type Entry struct {
	ID            uuid.UUID         `db:"id" json:"id"`
	RecordedAt    time.Time         `db:"recorded_at" json:"recorded_at"`
	Action        Action            `db:"action" json:"action"`
	Direction     string            `db:"direction" json:"direction"`
	EndpointCode  string            `db:"endpoint_code" json:"endpoint_code"`
	JobID         uuid.UUID         `db:"job_id" json:"job_id"`
	ExternalUID   string            `db:"external_uid" json:"external_uid,omitempty"`
	SourceAddress string            `db:"source_address" json:"source_address,omitempty"`
	Payload       canonical.Payload `db:"payload" json:"payload,omitempty"`
	Result        string            `db:"result" json:"result,omitempty"`
	ResultState   string            `db:"result_state" json:"result_state"`
}
