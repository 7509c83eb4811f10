package endpoint

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	// InTx runs fn atomically; repository calls made with the context fn
	// receives join the same transaction.
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
	Create(ctx context.Context, e *Endpoint) error
	Update(ctx context.Context, e *Endpoint) error
	GetByID(ctx context.Context, id uuid.UUID) (*Endpoint, error)
	GetByCode(ctx context.Context, code string) (*Endpoint, error)
	List(ctx context.Context, limit, offset int) ([]*Endpoint, int, error)
	Delete(ctx context.Context, id uuid.UUID) error
}
