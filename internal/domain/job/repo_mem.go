package job

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryRepo is a map-backed Repository with the same claim semantics as
// the Postgres implementation. Used by tests and single-node evaluation
// setups.
type InMemoryRepo struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*Job
}

func NewInMemoryRepo() *InMemoryRepo {
	return &InMemoryRepo{jobs: make(map[uuid.UUID]*Job)}
}

func (r *InMemoryRepo) Create(_ context.Context, j *Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	now := time.Now().UTC()
	j.CreatedAt = now
	j.UpdatedAt = now
	if j.QueuedAt.IsZero() {
		j.QueuedAt = now
	}
	cp := *j
	r.jobs[j.ID] = &cp
	return nil
}

func (r *InMemoryRepo) Update(_ context.Context, j *Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[j.ID]; !ok {
		return ErrNotFound
	}
	j.UpdatedAt = time.Now().UTC()
	cp := *j
	r.jobs[j.ID] = &cp
	return nil
}

func (r *InMemoryRepo) GetByID(_ context.Context, id uuid.UUID) (*Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (r *InMemoryRepo) FindByExternalUID(_ context.Context, endpointID uuid.UUID, direction Direction, externalUID string) (*Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var found *Job
	for _, j := range r.jobs {
		if j.EndpointID == endpointID && j.Direction == direction &&
			j.ExternalUID == externalUID && j.State != StateCancel {
			if found == nil || j.CreatedAt.Before(found.CreatedAt) {
				found = j
			}
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	cp := *found
	return &cp, nil
}

func (r *InMemoryRepo) FindLiveByIdempotencyKey(_ context.Context, key string) (*Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var found *Job
	for _, j := range r.jobs {
		if j.IdempotencyKey == key && !j.State.Terminal() {
			if found == nil || j.CreatedAt.Before(found.CreatedAt) {
				found = j
			}
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	cp := *found
	return &cp, nil
}

func (r *InMemoryRepo) ClaimDue(_ context.Context, limit int, now time.Time) ([]*Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var due []*Job
	for _, j := range r.jobs {
		if j.State.Schedulable() && (j.NextRetryAt == nil || !j.NextRetryAt.After(now)) {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(i, k int) bool { return due[i].QueuedAt.Before(due[k].QueuedAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]*Job, 0, len(due))
	for _, j := range due {
		j.State = StateRunning
		j.AttemptCount++
		j.UpdatedAt = now
		cp := *j
		claimed = append(claimed, &cp)
	}
	return claimed, nil
}

func (r *InMemoryRepo) Claim(_ context.Context, id uuid.UUID, now time.Time) (*Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if !j.State.Schedulable() || (j.NextRetryAt != nil && j.NextRetryAt.After(now)) {
		return nil, ErrSuperseded
	}
	j.State = StateRunning
	j.AttemptCount++
	j.UpdatedAt = now
	cp := *j
	return &cp, nil
}

func (r *InMemoryRepo) FinishAttempt(_ context.Context, j *Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.jobs[j.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.State != StateRunning {
		return ErrSuperseded
	}
	j.UpdatedAt = time.Now().UTC()
	cp := *j
	r.jobs[j.ID] = &cp
	return nil
}

func (r *InMemoryRepo) MarkCancel(_ context.Context, id uuid.UUID) (*Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if j.State.Terminal() {
		return nil, ErrSuperseded
	}
	j.State = StateCancel
	j.UpdatedAt = time.Now().UTC()
	cp := *j
	return &cp, nil
}

func (r *InMemoryRepo) FindOverdueAcks(_ context.Context, now time.Time, limit int) ([]*Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var overdue []*Job
	for _, j := range r.jobs {
		if j.State == StateDone && j.Direction == Outbound &&
			j.AckState == AckPending && j.AckReceivedAt == nil &&
			j.AckDeadline != nil && j.AckDeadline.Before(now) {
			cp := *j
			overdue = append(overdue, &cp)
		}
	}
	sort.Slice(overdue, func(i, k int) bool { return overdue[i].AckDeadline.Before(*overdue[k].AckDeadline) })
	if limit > 0 && len(overdue) > limit {
		overdue = overdue[:limit]
	}
	return overdue, nil
}

func (r *InMemoryRepo) List(_ context.Context, filter ListFilter, limit, offset int) ([]*Job, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var items []*Job
	for _, j := range r.jobs {
		if filter.EndpointCode != "" && j.EndpointCode != filter.EndpointCode {
			continue
		}
		if filter.State != "" && j.State != filter.State {
			continue
		}
		if filter.Direction != "" && j.Direction != filter.Direction {
			continue
		}
		if filter.MessageType != "" && j.MessageType != filter.MessageType {
			continue
		}
		cp := *j
		items = append(items, &cp)
	}
	sort.Slice(items, func(i, k int) bool { return items[i].CreatedAt.After(items[k].CreatedAt) })

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
