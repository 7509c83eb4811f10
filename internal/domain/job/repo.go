package job

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned by lookups that matched no job.
var ErrNotFound = errors.New("job not found")

// ErrSuperseded is returned by guarded updates when the job's state changed
// underneath the caller, typically an operator cancel landing while a
// worker held the processing lease.
var ErrSuperseded = errors.New("job state changed concurrently")

// ListFilter narrows List results. Zero values mean no constraint.
type ListFilter struct {
	EndpointCode string
	State        State
	Direction    Direction
	MessageType  MessageType
}

type Repository interface {
	Create(ctx context.Context, j *Job) error
	Update(ctx context.Context, j *Job) error
	GetByID(ctx context.Context, id uuid.UUID) (*Job, error)

	// FindByExternalUID returns the non-cancelled job with the given
	// remote correlation id on an endpoint/direction, for inbound dedup.
	FindByExternalUID(ctx context.Context, endpointID uuid.UUID, direction Direction, externalUID string) (*Job, error)

	// FindLiveByIdempotencyKey returns the non-terminal job with the
	// given outbound idempotency key.
	FindLiveByIdempotencyKey(ctx context.Context, key string) (*Job, error)

	// ClaimDue atomically moves up to limit due jobs (queued/retry with
	// next_retry_at elapsed) to running with the attempt count
	// incremented, and returns the claimed rows. The claim is the
	// processing lease: a job appears in at most one claimant's batch.
	ClaimDue(ctx context.Context, limit int, now time.Time) ([]*Job, error)

	// Claim leases a single schedulable job by id, moving it to running
	// with the attempt counted. Returns ErrSuperseded when the job is not
	// claimable (already leased, terminal, or not yet due).
	Claim(ctx context.Context, id uuid.UUID, now time.Time) (*Job, error)

	// FinishAttempt persists the outcome of a processing attempt. The
	// update only applies while the job is still running; if an operator
	// cancelled the job mid-attempt the method returns ErrSuperseded and
	// the cancel stands.
	FinishAttempt(ctx context.Context, j *Job) error

	// MarkCancel moves a non-terminal job to cancel and returns the
	// updated row.
	MarkCancel(ctx context.Context, id uuid.UUID) (*Job, error)

	// FindOverdueAcks returns done outbound jobs whose pending ack
	// deadline has passed and that have not been escalated yet.
	FindOverdueAcks(ctx context.Context, now time.Time, limit int) ([]*Job, error)

	List(ctx context.Context, filter ListFilter, limit, offset int) ([]*Job, int, error)
}
