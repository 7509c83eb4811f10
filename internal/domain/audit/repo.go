package audit

import (
	"context"

	"github.com/google/uuid"
)

// Repository is append-plus-read: there is deliberately no update or
// delete operation.
type Repository interface {
	Append(ctx context.Context, e *Entry) error
	ListByJob(ctx context.Context, jobID uuid.UUID) ([]*Entry, error)
	List(ctx context.Context, endpointCode string, limit, offset int) ([]*Entry, int, error)
}
