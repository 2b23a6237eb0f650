package store

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"docqueue/model"

	"github.com/google/uuid"
)

// Memory keeps tasks in a map guarded by a single mutex. Each operation
// touches one task, which makes every Transition a single-row CAS.
type Memory struct {
	mu    sync.RWMutex
	tasks map[string]*model.Task
	now   func() time.Time
}

type MemoryOption func(*Memory)

func WithClock(now func() time.Time) MemoryOption {
	return func(m *Memory) {
		m.now = now
	}
}

func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		tasks: make(map[string]*model.Task),
		now:   time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

var _ Store = (*Memory)(nil)

func (m *Memory) Create(_ context.Context, nt NewTask) (*model.Task, error) {
	now := m.now().UTC()
	t := &model.Task{
		ID:        uuid.NewString(),
		Status:    model.StatusPending,
		InputRef:  nt.InputRef,
		Filename:  nt.Filename,
		Mode:      nt.Mode,
		Backend:   nt.Backend,
		CreatedAt: now,
		UpdatedAt: now,
	}

	m.mu.Lock()
	m.tasks[t.ID] = t
	m.mu.Unlock()

	return t.Clone(), nil
}

func (m *Memory) Get(_ context.Context, id string) (*model.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t.Clone(), nil
}

func (m *Memory) Transition(_ context.Context, id string, tr Transition) (*model.Task, error) {
	if err := validate(tr); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	if t.Status != tr.From {
		return nil, ErrConflict
	}
	if tr.Owner != "" && (t.Lease == nil || t.Lease.Owner != tr.Owner) {
		return nil, ErrConflict
	}
	if !tr.ExpiredBefore.IsZero() && (t.Lease == nil || !t.Lease.ExpiresAt.Before(tr.ExpiredBefore)) {
		return nil, ErrConflict
	}

	t.Status = tr.To
	t.Lease = nil
	if tr.Lease != nil {
		l := *tr.Lease
		t.Lease = &l
	}
	if tr.Result != nil {
		r := *tr.Result
		t.Result = &r
	}
	if tr.Error != nil {
		e := *tr.Error
		t.Error = &e
	}
	if tr.CountAttempt {
		t.AttemptCount++
	}
	t.UpdatedAt = m.now().UTC()

	return t.Clone(), nil
}

func (m *Memory) ExtendLease(_ context.Context, id, owner string, expiresAt time.Time) (*model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	if t.Status != model.StatusRunning || t.Lease == nil || t.Lease.Owner != owner {
		return nil, ErrConflict
	}
	t.Lease.ExpiresAt = expiresAt
	t.UpdatedAt = m.now().UTC()

	return t.Clone(), nil
}

func (m *Memory) ListExpired(_ context.Context, now time.Time) ([]*model.Task, error) {
	return m.list(func(t *model.Task) bool {
		return t.Status == model.StatusRunning && t.Lease != nil && t.Lease.ExpiresAt.Before(now)
	}), nil
}

func (m *Memory) ListPending(_ context.Context, olderThan time.Time) ([]*model.Task, error) {
	return m.list(func(t *model.Task) bool {
		return t.Status == model.StatusPending && t.UpdatedAt.Before(olderThan)
	}), nil
}

func (m *Memory) List(_ context.Context, opts ListOptions) ([]*model.Task, error) {
	out := m.list(func(t *model.Task) bool {
		return opts.Status == "" || t.Status == opts.Status
	})
	slices.Reverse(out)
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (m *Memory) list(match func(*model.Task) bool) []*model.Task {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*model.Task
	for _, t := range m.tasks {
		if match(t) {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() {}
