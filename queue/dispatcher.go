package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"docqueue/metrics"
	"docqueue/model"
	"docqueue/notify"
	"docqueue/store"

	"go.uber.org/zap"
)

// ErrLeaseExpired is returned to a worker whose lease is no longer valid.
// The worker must discard whatever it produced.
var ErrLeaseExpired = errors.New("lease expired")

type Options struct {
	LeaseTimeout  time.Duration
	MaxAttempts   int
	PollInterval  time.Duration
	SweepInterval time.Duration
	// RetryBackoff is the delay before the first retry of a failed attempt;
	// it doubles with every attempt up to MaxRetryBackoff. Zero re-queues
	// immediately.
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration
	Clock           func() time.Time
	Notifier        notify.Publisher
}

func DefaultOptions() Options {
	return Options{
		LeaseTimeout:    30 * time.Second,
		MaxAttempts:     3,
		PollInterval:    2 * time.Second,
		SweepInterval:   5 * time.Second,
		RetryBackoff:    time.Second,
		MaxRetryBackoff: time.Minute,
	}
}

// Dispatcher hands pending tasks to workers. All arbitration goes through
// the store's compare-and-set, so any number of dispatchers may share one
// store and backlog.
type Dispatcher struct {
	store   store.Store
	backlog Backlog
	opts    Options
	now     func() time.Time
	notify  notify.Publisher
	log     *zap.SugaredLogger
}

func NewDispatcher(s store.Store, b Backlog, opts Options) *Dispatcher {
	def := DefaultOptions()
	if opts.LeaseTimeout <= 0 {
		opts.LeaseTimeout = def.LeaseTimeout
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = def.MaxAttempts
	}
	if opts.PollInterval < 0 {
		opts.PollInterval = 0
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = def.SweepInterval
	}
	if opts.MaxRetryBackoff <= 0 {
		opts.MaxRetryBackoff = def.MaxRetryBackoff
	}

	d := &Dispatcher{
		store:   s,
		backlog: b,
		opts:    opts,
		now:     opts.Clock,
		notify:  opts.Notifier,
		log:     zap.S().Named("dispatcher"),
	}
	if d.now == nil {
		d.now = time.Now
	}
	if d.notify == nil {
		d.notify = notify.Discard
	}
	return d
}

func (d *Dispatcher) Options() Options { return d.opts }

// Enqueue makes a pending task available for leasing.
func (d *Dispatcher) Enqueue(ctx context.Context, task *model.Task) error {
	if err := d.backlog.Push(ctx, task.ID, task.CreatedAt); err != nil {
		return err
	}
	d.publish(ctx, task)
	return nil
}

// Lease claims the oldest pending task for workerID. It returns nil, nil
// when nothing became available within the poll interval.
func (d *Dispatcher) Lease(ctx context.Context, workerID string) (*model.Task, error) {
	until := time.Now().Add(d.opts.PollInterval)

	for {
		wait := time.Until(until)
		id, err := d.backlog.Pop(ctx, wait)
		if err != nil {
			return nil, err
		}
		if id == "" {
			return nil, nil
		}

		task, err := d.claim(ctx, id, workerID)
		if err != nil {
			if errors.Is(err, store.ErrStorage) {
				d.requeue(ctx, id, task)
			}
			return nil, err
		}
		if task != nil {
			return task, nil
		}
	}
}

// claim leases id to workerID, or returns nil, nil if the backlog entry was
// stale or the task has used up its attempts.
func (d *Dispatcher) claim(ctx context.Context, id, workerID string) (*model.Task, error) {
	task, err := d.store.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		d.log.Warnw("dropping unknown task from backlog", "task_id", id)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if task.Status != model.StatusPending {
		return nil, nil
	}

	if task.AttemptCount >= d.opts.MaxAttempts {
		_, err := d.transition(ctx, task, store.Transition{
			From:  model.StatusPending,
			To:    model.StatusFailed,
			Error: exhausted(task.AttemptCount, nil),
		})
		if err != nil && !errors.Is(err, store.ErrConflict) {
			return task, err
		}
		return nil, nil
	}

	leased, err := d.transition(ctx, task, store.Transition{
		From:         model.StatusPending,
		To:           model.StatusRunning,
		Lease:        &model.Lease{Owner: workerID, ExpiresAt: d.now().Add(d.opts.LeaseTimeout).UTC()},
		CountAttempt: true,
	})
	if errors.Is(err, store.ErrConflict) {
		metrics.IncreaseLeaseConflictsMetric()
		return nil, nil
	}
	if err != nil {
		return task, err
	}

	d.log.Debugw("task leased", "task_id", id, "worker_id", workerID, "attempt", leased.AttemptCount)
	return leased, nil
}

// Heartbeat extends the lease workerID holds on taskID.
func (d *Dispatcher) Heartbeat(ctx context.Context, taskID, workerID string) error {
	_, err := d.store.ExtendLease(ctx, taskID, workerID, d.now().Add(d.opts.LeaseTimeout).UTC())
	if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
		return ErrLeaseExpired
	}
	return err
}

// Complete records the result of the attempt workerID ran.
func (d *Dispatcher) Complete(ctx context.Context, taskID, workerID string, result model.Result) (*model.Task, error) {
	task, err := d.transition(ctx, &model.Task{ID: taskID, Status: model.StatusRunning}, store.Transition{
		From:   model.StatusRunning,
		To:     model.StatusCompleted,
		Owner:  workerID,
		Result: &result,
	})
	if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
		return nil, ErrLeaseExpired
	}
	return task, err
}

type invalid interface {
	Invalid() bool
}

// IsInvalid reports whether err is an input problem that retrying cannot fix.
func IsInvalid(err error) bool {
	var v invalid
	return errors.As(err, &v) && v.Invalid()
}

// Fail records a failed attempt. Retryable causes send the task back to the
// backlog while attempts remain; the task fails for good once they are used
// up or when the cause is permanent.
func (d *Dispatcher) Fail(ctx context.Context, taskID, workerID string, cause error) (*model.Task, error) {
	task, err := d.store.Get(ctx, taskID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrLeaseExpired
	}
	if err != nil {
		return nil, err
	}
	if task.Status != model.StatusRunning || task.Lease == nil || task.Lease.Owner != workerID {
		return nil, ErrLeaseExpired
	}

	var tr store.Transition
	switch {
	case IsInvalid(cause):
		tr = store.Transition{To: model.StatusFailed, Error: &model.TaskError{
			Code:    model.CodeValidationError,
			Message: cause.Error(),
		}}
	case task.AttemptCount >= d.opts.MaxAttempts:
		tr = store.Transition{To: model.StatusFailed, Error: exhausted(task.AttemptCount, cause)}
	default:
		tr = store.Transition{To: model.StatusPending}
	}
	tr.From = model.StatusRunning
	tr.Owner = workerID

	updated, err := d.transition(ctx, task, tr)
	if errors.Is(err, store.ErrConflict) {
		return nil, ErrLeaseExpired
	}
	if err != nil {
		return nil, err
	}

	if updated.Status == model.StatusPending {
		delay := d.backoff(updated.AttemptCount)
		d.log.Infow("retrying task", "task_id", taskID, "attempt", updated.AttemptCount, "delay", delay, "error", cause)
		d.pushAfter(updated, delay)
	} else {
		d.log.Warnw("task failed", "task_id", taskID, "attempts", updated.AttemptCount, "error", cause)
	}
	return updated, nil
}

// ExpireLeases recovers tasks whose lease deadline passed: back to the
// backlog at their original position, or to failed when no attempts are
// left. It returns the number of leases recovered.
func (d *Dispatcher) ExpireLeases(ctx context.Context) (int, error) {
	now := d.now()
	expired, err := d.store.ListExpired(ctx, now)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, task := range expired {
		tr := store.Transition{
			From:          model.StatusRunning,
			To:            model.StatusPending,
			Owner:         task.Lease.Owner,
			ExpiredBefore: now,
		}
		if task.AttemptCount >= d.opts.MaxAttempts {
			tr.To = model.StatusFailed
			tr.Error = exhausted(task.AttemptCount, errors.New("lease expired"))
		}

		updated, err := d.transition(ctx, task, tr)
		if errors.Is(err, store.ErrConflict) {
			continue
		}
		if err != nil {
			return recovered, err
		}

		recovered++
		metrics.IncreaseLeasesExpiredMetric()
		d.log.Infow("lease expired", "task_id", task.ID, "worker_id", task.Lease.Owner, "status", updated.Status)

		if updated.Status == model.StatusPending {
			if err := d.backlog.Push(ctx, updated.ID, updated.CreatedAt); err != nil {
				return recovered, err
			}
		}
	}
	return recovered, nil
}

// Recover pushes every pending task not updated since olderThan to the
// backlog. Pushes are idempotent, so this is safe to repeat.
func (d *Dispatcher) Recover(ctx context.Context, olderThan time.Time) (int, error) {
	pending, err := d.store.ListPending(ctx, olderThan)
	if err != nil {
		return 0, err
	}
	for _, task := range pending {
		if err := d.backlog.Push(ctx, task.ID, task.CreatedAt); err != nil {
			return 0, err
		}
	}
	return len(pending), nil
}

// Run sweeps expired leases and orphaned pending tasks until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	if n, err := d.Recover(ctx, d.now().Add(time.Second)); err != nil {
		d.log.Errorw("initial backlog recovery failed", "error", err)
	} else if n > 0 {
		d.log.Infow("re-queued pending tasks", "count", n)
	}

	ticker := time.NewTicker(d.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.log.Info("sweeper shutting down")
			return
		case <-ticker.C:
			if _, err := d.ExpireLeases(ctx); err != nil && ctx.Err() == nil {
				d.log.Errorw("lease sweep failed", "error", err)
			}
			orphanAge := d.opts.LeaseTimeout + d.opts.MaxRetryBackoff
			if _, err := d.Recover(ctx, d.now().Add(-orphanAge)); err != nil && ctx.Err() == nil {
				d.log.Errorw("orphan sweep failed", "error", err)
			}
		}
	}
}

func (d *Dispatcher) transition(ctx context.Context, task *model.Task, tr store.Transition) (*model.Task, error) {
	updated, err := d.store.Transition(ctx, task.ID, tr)
	if err != nil {
		return nil, err
	}
	metrics.IncreaseTransitionMetric(string(tr.From), string(tr.To))
	d.publish(ctx, updated)
	return updated, nil
}

func (d *Dispatcher) publish(ctx context.Context, task *model.Task) {
	d.notify.Publish(ctx, notify.Event{
		TaskID:  task.ID,
		Status:  task.Status,
		Attempt: task.AttemptCount,
		At:      task.UpdatedAt,
	})
}

// requeue puts id back after a storage failure interrupted its lease, so
// the task is not lost from the backlog.
func (d *Dispatcher) requeue(ctx context.Context, id string, task *model.Task) {
	at := d.now()
	if task != nil {
		at = task.CreatedAt
	}
	if err := d.backlog.Push(context.WithoutCancel(ctx), id, at); err != nil {
		d.log.Errorw("failed to re-queue task", "task_id", id, "error", err)
	}
}

func (d *Dispatcher) backoff(attempt int) time.Duration {
	if d.opts.RetryBackoff <= 0 || attempt < 1 {
		return 0
	}
	delay := d.opts.RetryBackoff
	for i := 1; i < attempt && delay < d.opts.MaxRetryBackoff; i++ {
		delay *= 2
	}
	return min(delay, d.opts.MaxRetryBackoff)
}

func (d *Dispatcher) pushAfter(task *model.Task, delay time.Duration) {
	push := func() {
		if err := d.backlog.Push(context.Background(), task.ID, task.CreatedAt); err != nil {
			d.log.Errorw("failed to re-queue task", "task_id", task.ID, "error", err)
		}
	}
	if delay <= 0 {
		push()
		return
	}
	time.AfterFunc(delay, push)
}

func exhausted(attempts int, cause error) *model.TaskError {
	msg := fmt.Sprintf("gave up after %d attempts", attempts)
	if cause != nil {
		msg += ": " + cause.Error()
	}
	return &model.TaskError{Code: model.CodeRetriesExhausted, Message: msg}
}
