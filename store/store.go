package store

import (
	"context"
	"errors"
	"time"

	"docqueue/model"
)

var (
	ErrNotFound = errors.New("task not found")
	// ErrConflict is returned when a compare-and-set finds the task in a
	// different state than expected.
	ErrConflict = errors.New("task state conflict")
	ErrStorage  = errors.New("task store unavailable")
)

type NewTask struct {
	InputRef string
	Filename string
	Mode     model.Mode
	Backend  string
}

// Transition describes a compare-and-set on a single task. The change is
// applied only if the task is currently in From and, when Owner is not
// empty, leased by Owner.
type Transition struct {
	From  model.Status
	To    model.Status
	Owner string
	// ExpiredBefore, when set, additionally requires the current lease to
	// expire before it. The expiry sweep uses it so a lease renewed after
	// the sweep listed it is left alone.
	ExpiredBefore time.Time

	// Lease is set when moving to running and cleared on every other edge.
	Lease        *model.Lease
	Result       *model.Result
	Error        *model.TaskError
	CountAttempt bool
}

// ListOptions filters List. An empty Status matches every task; a Limit of
// zero or less means no limit.
type ListOptions struct {
	Status model.Status
	Limit  int
}

type Store interface {
	Create(ctx context.Context, t NewTask) (*model.Task, error)
	Get(ctx context.Context, id string) (*model.Task, error)
	Transition(ctx context.Context, id string, tr Transition) (*model.Task, error)
	ExtendLease(ctx context.Context, id, owner string, expiresAt time.Time) (*model.Task, error)
	ListExpired(ctx context.Context, now time.Time) ([]*model.Task, error)
	ListPending(ctx context.Context, olderThan time.Time) ([]*model.Task, error)
	// List returns tasks newest first.
	List(ctx context.Context, opts ListOptions) ([]*model.Task, error)
	Ping(ctx context.Context) error
	Close()
}

func validate(tr Transition) error {
	if !model.CanTransition(tr.From, tr.To) {
		return errors.New("illegal transition " + string(tr.From) + " -> " + string(tr.To))
	}
	switch tr.To {
	case model.StatusCompleted:
		if tr.Result == nil || tr.Error != nil {
			return errors.New("completed transition requires a result and no error")
		}
	case model.StatusFailed:
		if tr.Error == nil || tr.Result != nil {
			return errors.New("failed transition requires an error and no result")
		}
	case model.StatusRunning:
		if tr.Lease == nil {
			return errors.New("running transition requires a lease")
		}
	default:
		if tr.Result != nil || tr.Error != nil {
			return errors.New("non-terminal transition cannot carry a result or error")
		}
	}
	return nil
}
