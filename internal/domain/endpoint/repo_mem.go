package endpoint

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryRepo is a map-backed Repository used in tests and in single-node
// evaluation setups without a database.
type InMemoryRepo struct {
	mu     sync.RWMutex
	byID   map[uuid.UUID]*Endpoint
	byCode map[string]uuid.UUID
}

func NewInMemoryRepo() *InMemoryRepo {
	return &InMemoryRepo{
		byID:   make(map[uuid.UUID]*Endpoint),
		byCode: make(map[string]uuid.UUID),
	}
}

// InTx runs fn directly; map operations are already serialized by the
// repository mutex.
func (r *InMemoryRepo) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func (r *InMemoryRepo) Create(_ context.Context, e *Endpoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byCode[e.Code]; exists {
		return fmt.Errorf("endpoint code %q already exists", e.Code)
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	now := time.Now().UTC()
	e.CreatedAt = now
	e.UpdatedAt = now
	cp := *e
	r.byID[e.ID] = &cp
	r.byCode[e.Code] = e.ID
	return nil
}

func (r *InMemoryRepo) Update(_ context.Context, e *Endpoint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	old, ok := r.byID[e.ID]
	if !ok {
		return fmt.Errorf("endpoint %s not found", e.ID)
	}
	if old.Code != e.Code {
		if _, exists := r.byCode[e.Code]; exists {
			return fmt.Errorf("endpoint code %q already exists", e.Code)
		}
		delete(r.byCode, old.Code)
		r.byCode[e.Code] = e.ID
	}
	e.UpdatedAt = time.Now().UTC()
	cp := *e
	r.byID[e.ID] = &cp
	return nil
}

func (r *InMemoryRepo) GetByID(_ context.Context, id uuid.UUID) (*Endpoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("endpoint %s not found", id)
	}
	cp := *e
	return &cp, nil
}

func (r *InMemoryRepo) GetByCode(_ context.Context, code string) (*Endpoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byCode[code]
	if !ok {
		return nil, fmt.Errorf("endpoint %q not found", code)
	}
	cp := *r.byID[id]
	return &cp, nil
}

func (r *InMemoryRepo) List(_ context.Context, limit, offset int) ([]*Endpoint, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	all := make([]*Endpoint, 0, len(r.byID))
	for _, e := range r.byID {
		cp := *e
		all = append(all, &cp)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Code < all[j].Code })

	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (r *InMemoryRepo) Delete(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byID[id]
	if !ok {
		return fmt.Errorf("endpoint %s not found", id)
	}
	delete(r.byCode, e.Code)
	delete(r.byID, id)
	return nil
}
