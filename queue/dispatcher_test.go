package queue

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"docqueue/model"
	"docqueue/notify"
	"docqueue/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// recorder keeps every published status per task, in order.
type recorder struct {
	mu     sync.Mutex
	events map[string][]model.Status
}

func newRecorder() *recorder {
	return &recorder{events: make(map[string][]model.Status)}
}

func (r *recorder) Publish(_ context.Context, e notify.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[e.TaskID] = append(r.events[e.TaskID], e.Status)
}

func (r *recorder) statuses(id string) []model.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.Status(nil), r.events[id]...)
}

type invalidErr struct{ error }

func (invalidErr) Invalid() bool { return true }

type harness struct {
	clock *fakeClock
	store *store.Memory
	rec   *recorder
	d     *Dispatcher
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	clock := newFakeClock()
	s := store.NewMemory(store.WithClock(clock.Now))
	rec := newRecorder()
	opts.Clock = clock.Now
	opts.Notifier = rec
	return &harness{
		clock: clock,
		store: s,
		rec:   rec,
		d:     NewDispatcher(s, NewMemoryBacklog(), opts),
	}
}

func testOptions() Options {
	return Options{
		LeaseTimeout: 30 * time.Second,
		MaxAttempts:  3,
		PollInterval: 10 * time.Millisecond,
	}
}

func (h *harness) submit(t *testing.T, mode model.Mode) *model.Task {
	t.Helper()
	task, err := h.store.Create(context.Background(), store.NewTask{InputRef: "inputs/doc", Mode: mode})
	require.NoError(t, err)
	require.NoError(t, h.d.Enqueue(context.Background(), task))
	h.clock.Advance(time.Millisecond)
	return task
}

func (h *harness) get(t *testing.T, id string) *model.Task {
	t.Helper()
	task, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	return task
}

func TestLeaseIsFIFO(t *testing.T) {
	h := newHarness(t, testOptions())
	ctx := context.Background()

	first := h.submit(t, model.ModeDirectMarkdown)
	second := h.submit(t, model.ModeDirectMarkdown)
	third := h.submit(t, model.ModeDirectMarkdown)

	for _, want := range []*model.Task{first, second, third} {
		got, err := h.d.Lease(ctx, "w1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, want.ID, got.ID)
		assert.Equal(t, model.StatusRunning, got.Status)
		assert.Equal(t, 1, got.AttemptCount)
		assert.Equal(t, "w1", got.Lease.Owner)
		assert.Equal(t, h.clock.Now().Add(30*time.Second), got.Lease.ExpiresAt)
	}
}

func TestLeaseEmptyReturnsNil(t *testing.T) {
	h := newHarness(t, testOptions())

	start := time.Now()
	task, err := h.d.Lease(context.Background(), "w1")
	require.NoError(t, err)
	assert.Nil(t, task)
	assert.GreaterOrEqual(t, time.Since(start), 5*time.Millisecond)
}

func TestLeaseLongPollWakesOnEnqueue(t *testing.T) {
	opts := testOptions()
	opts.PollInterval = 5 * time.Second
	h := newHarness(t, opts)

	got := make(chan *model.Task, 1)
	go func() {
		task, _ := h.d.Lease(context.Background(), "w1")
		got <- task
	}()

	time.Sleep(20 * time.Millisecond)
	submitted := h.submit(t, model.ModeDirectMarkdown)

	select {
	case task := <-got:
		require.NotNil(t, task)
		assert.Equal(t, submitted.ID, task.ID)
	case <-time.After(2 * time.Second):
		t.Fatal("lease did not wake up on enqueue")
	}
}

func TestLeaseSkipsStaleEntries(t *testing.T) {
	h := newHarness(t, testOptions())
	ctx := context.Background()

	task := h.submit(t, model.ModeDirectMarkdown)
	leased, err := h.d.Lease(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, leased)

	// A duplicate backlog entry for a running task must not produce a second lease.
	require.NoError(t, h.d.backlog.Push(ctx, task.ID, task.CreatedAt))
	again, err := h.d.Lease(ctx, "w2")
	require.NoError(t, err)
	assert.Nil(t, again)
}

func TestDirectMarkdownSuccessSequence(t *testing.T) {
	h := newHarness(t, testOptions())
	ctx := context.Background()

	task := h.submit(t, model.ModeDirectMarkdown)
	assert.Equal(t, model.StatusPending, h.get(t, task.ID).Status)

	leased, err := h.d.Lease(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, leased)
	assert.Equal(t, model.StatusRunning, h.get(t, task.ID).Status)

	h.clock.Advance(2 * time.Second)
	require.NoError(t, h.d.Heartbeat(ctx, task.ID, "w1"))

	done, err := h.d.Complete(ctx, task.ID, "w1", model.Result{Ref: "results/" + task.ID + ".md", ContentType: "text/markdown", Size: 5})
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, done.Status)
	assert.NotNil(t, done.Result)
	assert.Nil(t, done.Error)

	assert.Equal(t, []model.Status{model.StatusPending, model.StatusRunning, model.StatusCompleted}, h.rec.statuses(task.ID))
}

func TestHeartbeatExtendsLease(t *testing.T) {
	h := newHarness(t, testOptions())
	ctx := context.Background()

	task := h.submit(t, model.ModeDirectMarkdown)
	_, err := h.d.Lease(ctx, "w1")
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		h.clock.Advance(20 * time.Second)
		require.NoError(t, h.d.Heartbeat(ctx, task.ID, "w1"))
		n, err := h.d.ExpireLeases(ctx)
		require.NoError(t, err)
		assert.Zero(t, n)
	}
	assert.Equal(t, model.StatusRunning, h.get(t, task.ID).Status)

	assert.ErrorIs(t, h.d.Heartbeat(ctx, task.ID, "w2"), ErrLeaseExpired)
	assert.ErrorIs(t, h.d.Heartbeat(ctx, "missing", "w1"), ErrLeaseExpired)
}

func TestCrashedWorkerLeaseIsRecovered(t *testing.T) {
	h := newHarness(t, testOptions())
	ctx := context.Background()

	task := h.submit(t, model.ModeDirectMarkdown)
	leased, err := h.d.Lease(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, leased)

	// w1 crashes: no heartbeat, no completion.
	h.clock.Advance(29 * time.Second)
	n, err := h.d.ExpireLeases(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	h.clock.Advance(2 * time.Second)
	n, err = h.d.ExpireLeases(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, model.StatusPending, h.get(t, task.ID).Status)

	second, err := h.d.Lease(ctx, "w2")
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, task.ID, second.ID)
	assert.Equal(t, 2, second.AttemptCount)
	assert.Equal(t, "w2", second.Lease.Owner)

	// The stale worker's late result is rejected.
	_, err = h.d.Complete(ctx, task.ID, "w1", model.Result{Ref: "stale"})
	assert.ErrorIs(t, err, ErrLeaseExpired)
	_, err = h.d.Fail(ctx, task.ID, "w1", errors.New("late"))
	assert.ErrorIs(t, err, ErrLeaseExpired)

	done, err := h.d.Complete(ctx, task.ID, "w2", model.Result{Ref: "fresh"})
	require.NoError(t, err)
	assert.Equal(t, "fresh", done.Result.Ref)
}

func TestExpiredTaskKeepsOriginalPosition(t *testing.T) {
	h := newHarness(t, testOptions())
	ctx := context.Background()

	older := h.submit(t, model.ModeDirectMarkdown)
	_, err := h.d.Lease(ctx, "w1")
	require.NoError(t, err)
	newer := h.submit(t, model.ModeDirectMarkdown)

	h.clock.Advance(time.Minute)
	_, err = h.d.ExpireLeases(ctx)
	require.NoError(t, err)

	got, err := h.d.Lease(ctx, "w2")
	require.NoError(t, err)
	assert.Equal(t, older.ID, got.ID)

	got, err = h.d.Lease(ctx, "w2")
	require.NoError(t, err)
	assert.Equal(t, newer.ID, got.ID)
}

func TestConverterAlwaysFailsExhaustsRetries(t *testing.T) {
	h := newHarness(t, testOptions())
	ctx := context.Background()

	task := h.submit(t, model.ModeViaPDF)
	for attempt := 1; attempt <= 3; attempt++ {
		leased, err := h.d.Lease(ctx, "w1")
		require.NoError(t, err)
		require.NotNil(t, leased, "attempt %d", attempt)
		assert.Equal(t, attempt, leased.AttemptCount)

		_, err = h.d.Fail(ctx, task.ID, "w1", errors.New("soffice exited with status 1"))
		require.NoError(t, err)
	}

	final := h.get(t, task.ID)
	assert.Equal(t, model.StatusFailed, final.Status)
	require.NotNil(t, final.Error)
	assert.Equal(t, model.CodeRetriesExhausted, final.Error.Code)
	assert.Contains(t, final.Error.Message, "soffice exited")
	assert.Nil(t, final.Result)
	assert.Equal(t, 3, final.AttemptCount)

	again, err := h.d.Lease(ctx, "w1")
	require.NoError(t, err)
	assert.Nil(t, again)
}

func TestInvalidInputIsNotRetried(t *testing.T) {
	h := newHarness(t, testOptions())
	ctx := context.Background()

	task := h.submit(t, model.ModeDirectMarkdown)
	_, err := h.d.Lease(ctx, "w1")
	require.NoError(t, err)

	failed, err := h.d.Fail(ctx, task.ID, "w1", invalidErr{errors.New("input blob is missing")})
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, failed.Status)
	assert.Equal(t, model.CodeValidationError, failed.Error.Code)
	assert.Equal(t, 1, failed.AttemptCount)
}

func TestExpiryOnLastAttemptFailsTask(t *testing.T) {
	opts := testOptions()
	opts.MaxAttempts = 2
	h := newHarness(t, opts)
	ctx := context.Background()

	task := h.submit(t, model.ModeDirectMarkdown)
	for i := 0; i < 2; i++ {
		leased, err := h.d.Lease(ctx, "w1")
		require.NoError(t, err)
		require.NotNil(t, leased)
		h.clock.Advance(time.Minute)
		_, err = h.d.ExpireLeases(ctx)
		require.NoError(t, err)
	}

	final := h.get(t, task.ID)
	assert.Equal(t, model.StatusFailed, final.Status)
	assert.Equal(t, model.CodeRetriesExhausted, final.Error.Code)
}

func TestLeaseFailsTaskAtAttemptLimit(t *testing.T) {
	opts := testOptions()
	opts.MaxAttempts = 1
	h := newHarness(t, opts)
	ctx := context.Background()

	task, err := h.store.Create(ctx, store.NewTask{InputRef: "in", Mode: model.ModeDirectMarkdown})
	require.NoError(t, err)
	_, err = h.store.Transition(ctx, task.ID, store.Transition{
		From: model.StatusPending, To: model.StatusRunning,
		Lease: &model.Lease{Owner: "w0", ExpiresAt: h.clock.Now()}, CountAttempt: true,
	})
	require.NoError(t, err)
	_, err = h.store.Transition(ctx, task.ID, store.Transition{From: model.StatusRunning, To: model.StatusPending, Owner: "w0"})
	require.NoError(t, err)
	require.NoError(t, h.d.Enqueue(ctx, h.get(t, task.ID)))

	leased, err := h.d.Lease(ctx, "w1")
	require.NoError(t, err)
	assert.Nil(t, leased)

	final := h.get(t, task.ID)
	assert.Equal(t, model.StatusFailed, final.Status)
	assert.Equal(t, model.CodeRetriesExhausted, final.Error.Code)
	assert.Equal(t, 1, final.AttemptCount)
}

func TestRetryBackoff(t *testing.T) {
	d := NewDispatcher(store.NewMemory(), NewMemoryBacklog(), Options{
		RetryBackoff:    time.Second,
		MaxRetryBackoff: 5 * time.Second,
	})
	assert.Equal(t, time.Second, d.backoff(1))
	assert.Equal(t, 2*time.Second, d.backoff(2))
	assert.Equal(t, 4*time.Second, d.backoff(3))
	assert.Equal(t, 5*time.Second, d.backoff(4))
	assert.Equal(t, 5*time.Second, d.backoff(40))
}

func TestRecoverRequeuesOrphans(t *testing.T) {
	h := newHarness(t, testOptions())
	ctx := context.Background()

	// Created but never pushed, as after a crash between insert and enqueue.
	task, err := h.store.Create(ctx, store.NewTask{InputRef: "in", Mode: model.ModeDirectMarkdown})
	require.NoError(t, err)

	h.clock.Advance(time.Second)
	n, err := h.d.Recover(ctx, h.clock.Now())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	leased, err := h.d.Lease(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, leased)
	assert.Equal(t, task.ID, leased.ID)
}

func TestConcurrentLeasesAreExclusive(t *testing.T) {
	h := newHarness(t, testOptions())
	ctx := context.Background()

	const tasks = 60
	for i := 0; i < tasks; i++ {
		h.submit(t, model.ModeDirectMarkdown)
	}

	var (
		mu     sync.Mutex
		leases = make(map[string][]string)
		wg     sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(worker string) {
			defer wg.Done()
			for {
				task, err := h.d.Lease(ctx, worker)
				if err != nil || task == nil {
					return
				}
				mu.Lock()
				leases[task.ID] = append(leases[task.ID], worker)
				mu.Unlock()
			}
		}(fmt.Sprintf("w%d", w))
	}
	wg.Wait()

	assert.Len(t, leases, tasks)
	for id, owners := range leases {
		assert.Len(t, owners, 1, "task %s leased by %v", id, owners)
		assert.Equal(t, owners[0], h.get(t, id).Lease.Owner)
	}
}

func TestConcurrentStaleCompletionsHaveOneWinner(t *testing.T) {
	h := newHarness(t, testOptions())
	ctx := context.Background()

	task := h.submit(t, model.ModeDirectMarkdown)
	_, err := h.d.Lease(ctx, "w1")
	require.NoError(t, err)
	h.clock.Advance(time.Minute)
	_, err = h.d.ExpireLeases(ctx)
	require.NoError(t, err)
	_, err = h.d.Lease(ctx, "w2")
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, worker := range []string{"w1", "w2"} {
		wg.Add(1)
		go func(i int, worker string) {
			defer wg.Done()
			_, errs[i] = h.d.Complete(ctx, task.ID, worker, model.Result{Ref: worker})
		}(i, worker)
	}
	wg.Wait()

	assert.ErrorIs(t, errs[0], ErrLeaseExpired)
	assert.NoError(t, errs[1])
	assert.Equal(t, "w2", h.get(t, task.ID).Result.Ref)
}

// TestRandomInterleavings drives the dispatcher with random operations and
// checks the lifecycle invariants on everything it observed.
func TestRandomInterleavings(t *testing.T) {
	for seed := int64(1); seed <= 20; seed++ {
		t.Run(fmt.Sprintf("seed-%d", seed), func(t *testing.T) {
			runInterleaving(t, rand.New(rand.NewSource(seed)))
		})
	}
}

func runInterleaving(t *testing.T, rng *rand.Rand) {
	opts := testOptions()
	opts.PollInterval = 0
	h := newHarness(t, opts)
	ctx := context.Background()

	workers := []string{"w1", "w2", "w3"}
	held := map[string]string{} // worker -> task id it believes it holds
	leaseCount := map[string]int{}
	var ids []string

	for step := 0; step < 300; step++ {
		worker := workers[rng.Intn(len(workers))]
		switch op := rng.Intn(7); op {
		case 0:
			ids = append(ids, h.submit(t, model.ModeViaPDF).ID)
		case 1:
			if _, busy := held[worker]; busy {
				continue
			}
			task, err := h.d.Lease(ctx, worker)
			require.NoError(t, err)
			if task != nil {
				held[worker] = task.ID
				leaseCount[task.ID]++
			}
		case 2:
			if id, ok := held[worker]; ok {
				if err := h.d.Heartbeat(ctx, id, worker); err != nil {
					require.ErrorIs(t, err, ErrLeaseExpired)
					delete(held, worker)
				}
			}
		case 3:
			if id, ok := held[worker]; ok {
				_, err := h.d.Complete(ctx, id, worker, model.Result{Ref: id})
				if err != nil {
					require.ErrorIs(t, err, ErrLeaseExpired)
				}
				delete(held, worker)
			}
		case 4:
			if id, ok := held[worker]; ok {
				_, err := h.d.Fail(ctx, id, worker, errors.New("boom"))
				if err != nil {
					require.ErrorIs(t, err, ErrLeaseExpired)
				}
				delete(held, worker)
			}
		case 5:
			h.clock.Advance(time.Duration(rng.Intn(20)) * time.Second)
			_, err := h.d.ExpireLeases(ctx)
			require.NoError(t, err)
		case 6:
			// Worker crash: forget the lease without telling anyone.
			delete(held, worker)
		}
	}

	// Drain: every task must eventually reach a terminal state.
	for round := 0; round < 50; round++ {
		h.clock.Advance(time.Minute)
		_, err := h.d.ExpireLeases(ctx)
		require.NoError(t, err)
		for {
			task, err := h.d.Lease(ctx, "drain")
			require.NoError(t, err)
			if task == nil {
				break
			}
			leaseCount[task.ID]++
			_, err = h.d.Complete(ctx, task.ID, "drain", model.Result{Ref: task.ID})
			require.NoError(t, err)
		}
	}

	for _, id := range ids {
		task := h.get(t, id)
		assert.True(t, task.Status.Terminal(), "task %s lost in %s", id, task.Status)
		assert.Equal(t, leaseCount[id], task.AttemptCount, "attempt count of %s", id)
		assert.LessOrEqual(t, task.AttemptCount, opts.MaxAttempts)
		assert.False(t, task.Result != nil && task.Error != nil)

		seq := h.rec.statuses(id)
		require.NotEmpty(t, seq)
		assert.Equal(t, model.StatusPending, seq[0])
		for i := 1; i < len(seq); i++ {
			assert.True(t, model.CanTransition(seq[i-1], seq[i]), "task %s: %s -> %s", id, seq[i-1], seq[i])
		}
		running := 0
		for _, s := range seq {
			if s == model.StatusRunning {
				running++
			}
		}
		assert.Equal(t, task.AttemptCount, running)
	}
}
