package endpoint

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// CreateEndpoint validates and stores a new endpoint configuration.
func (s *Service) CreateEndpoint(ctx context.Context, e *Endpoint) error {
	applyDefaults(e)
	if err := e.Validate(); err != nil {
		return fmt.Errorf("invalid endpoint configuration: %w", err)
	}
	return s.repo.Create(ctx, e)
}

// UpdateEndpoint replaces an endpoint configuration. The code is immutable:
// it scopes inbound dedup and prefixes outbound idempotency keys, so a
// rename would detach the endpoint from its job history.
func (s *Service) UpdateEndpoint(ctx context.Context, e *Endpoint) error {
	applyDefaults(e)
	if err := e.Validate(); err != nil {
		return fmt.Errorf("invalid endpoint configuration: %w", err)
	}
	return s.repo.InTx(ctx, func(ctx context.Context) error {
		current, err := s.repo.GetByID(ctx, e.ID)
		if err != nil {
			return err
		}
		if current.Code != e.Code {
			return fmt.Errorf("endpoint code %q is immutable", current.Code)
		}
		return s.repo.Update(ctx, e)
	})
}

// Resolve looks an endpoint up by its unique code.
func (s *Service) Resolve(ctx context.Context, code string) (*Endpoint, error) {
	return s.repo.GetByCode(ctx, code)
}

func (s *Service) GetEndpoint(ctx context.Context, id uuid.UUID) (*Endpoint, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) ListEndpoints(ctx context.Context, limit, offset int) ([]*Endpoint, int, error) {
	return s.repo.List(ctx, limit, offset)
}

func (s *Service) DeleteEndpoint(ctx context.Context, id uuid.UUID) error {
	return s.repo.Delete(ctx, id)
}

func applyDefaults(e *Endpoint) {
	if e.SystemType == "" {
		e.SystemType = SystemOther
	}
	if e.RetryStrategy == "" {
		e.RetryStrategy = RetryFixed
	}
	if e.RetryIntervalMin == 0 {
		e.RetryIntervalMin = 10
	}
	if e.BackoffFactor == 0 {
		e.BackoffFactor = 1.0
	}
	if e.TimeoutSeconds == 0 {
		e.TimeoutSeconds = 30
	}
	if e.Auth.Type == "" {
		e.Auth.Type = AuthNone
	}
	if e.RequireAck && e.AckTimeoutMin == 0 {
		e.AckTimeoutMin = 60
	}
}
