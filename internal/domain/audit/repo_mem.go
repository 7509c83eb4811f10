package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryRepo keeps entries in an append-ordered slice. Used by tests.
type InMemoryRepo struct {
	mu      sync.Mutex
	entries []*Entry
}

func NewInMemoryRepo() *InMemoryRepo {
	return &InMemoryRepo{}
}

func (r *InMemoryRepo) Append(_ context.Context, e *Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.RecordedAt.IsZero() {
		e.RecordedAt = time.Now().UTC()
	}
	cp := *e
	r.entries = append(r.entries, &cp)
	return nil
}

func (r *InMemoryRepo) ListByJob(_ context.Context, jobID uuid.UUID) ([]*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var items []*Entry
	for _, e := range r.entries {
		if e.JobID == jobID {
			cp := *e
			items = append(items, &cp)
		}
	}
	return items, nil
}

func (r *InMemoryRepo) List(_ context.Context, endpointCode string, limit, offset int) ([]*Entry, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var items []*Entry
	for i := len(r.entries) - 1; i >= 0; i-- {
		e := r.entries[i]
		if endpointCode != "" && e.EndpointCode != endpointCode {
			continue
		}
		cp := *e
		items = append(items, &cp)
	}
	total := len(items)
	if offset >= total {
		return nil, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return items[offset:end], total, nil
}
