package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"docqueue/blob"
	"docqueue/converter"
	"docqueue/metrics"
	"docqueue/model"
	"docqueue/queue"

	"github.com/google/uuid"
	"github.com/lthibault/jitterbug/v2"
	"go.uber.org/zap"
)

const ResultContentType = "text/markdown; charset=utf-8"

type Options struct {
	HeartbeatInterval time.Duration
	ConvertTimeout    time.Duration
	// ErrorBackoff is how long a worker sleeps after the dispatcher fails
	// to hand out a lease.
	ErrorBackoff time.Duration
}

func DefaultOptions() Options {
	return Options{
		HeartbeatInterval: 10 * time.Second,
		ConvertTimeout:    5 * time.Minute,
		ErrorBackoff:      time.Second,
	}
}

// Pool runs conversion workers against a dispatcher.
type Pool struct {
	dispatcher *queue.Dispatcher
	blobs      blob.Store
	converters *converter.Registry
	registry   queue.Registry
	opts       Options
	prefix     string
	log        *zap.SugaredLogger

	mu   sync.Mutex
	live map[string]struct{}
}

func NewPool(d *queue.Dispatcher, blobs blob.Store, converters *converter.Registry, registry queue.Registry, opts Options) *Pool {
	def := DefaultOptions()
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = def.HeartbeatInterval
	}
	if opts.ConvertTimeout <= 0 {
		opts.ConvertTimeout = def.ConvertTimeout
	}
	if opts.ErrorBackoff <= 0 {
		opts.ErrorBackoff = def.ErrorBackoff
	}

	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}

	return &Pool{
		dispatcher: d,
		blobs:      blobs,
		converters: converters,
		registry:   registry,
		opts:       opts,
		prefix:     fmt.Sprintf("%s-%s", host, uuid.NewString()[:8]),
		log:        zap.S().Named("worker"),
		live:       make(map[string]struct{}),
	}
}

// Start launches workerCount workers. They stop when ctx is cancelled;
// leases held at that point are left to expire.
func (p *Pool) Start(ctx context.Context, workerCount int, wg *sync.WaitGroup) {
	for i := 0; i < workerCount; i++ {
		id := fmt.Sprintf("%s-%d", p.prefix, i+1)
		p.register(ctx, id)

		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			defer p.unregister(id)
			log := p.log.With("worker_id", id)

			for {
				select {
				case <-ctx.Done():
					log.Info("shutting down")
					return
				default:
					task, err := p.dispatcher.Lease(ctx, id)
					if err != nil {
						if ctx.Err() != nil {
							continue
						}
						log.Warnw("lease error", "error", err)
						sleep(ctx, p.opts.ErrorBackoff)
						continue
					}
					if task == nil {
						continue
					}
					p.process(ctx, id, task)
				}
			}
		}(id)
	}

	if workerCount > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.keepAlive(ctx)
		}()
	}
}

// Live returns the number of workers of this pool that are running.
func (p *Pool) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.live)
}

func (p *Pool) process(ctx context.Context, workerID string, task *model.Task) {
	log := p.log.With("worker_id", workerID, "task_id", task.ID, "attempt", task.AttemptCount)
	log.Infow("processing task", "mode", task.Mode, "backend", task.Backend)

	convCtx, cancel := context.WithTimeout(ctx, p.opts.ConvertTimeout)
	defer cancel()

	var lost atomic.Bool
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		p.heartbeat(convCtx, cancel, &lost, task.ID, workerID)
	}()

	start := time.Now()
	backend, out, err := p.convert(convCtx, task)
	cancel()
	<-hbDone

	switch {
	case lost.Load():
		metrics.ObserveConversionMetric(backend, string(task.Mode), "lost", time.Since(start).Seconds())
		log.Warn("lease lost during conversion, discarding result")
		return
	case ctx.Err() != nil:
		// shutting down; the lease expires and another worker picks it up
		return
	}

	if err != nil {
		if errors.Is(convCtx.Err(), context.DeadlineExceeded) && !queue.IsInvalid(err) {
			err = fmt.Errorf("conversion timed out after %s: %w", p.opts.ConvertTimeout, err)
		}
		metrics.ObserveConversionMetric(backend, string(task.Mode), "error", time.Since(start).Seconds())
		p.fail(ctx, log, task, workerID, err)
		return
	}
	metrics.ObserveConversionMetric(backend, string(task.Mode), "success", time.Since(start).Seconds())

	key := ResultKey(task.ID, task.AttemptCount)
	if err := p.blobs.Put(ctx, key, bytes.NewReader(out.Markdown), int64(len(out.Markdown)), ResultContentType); err != nil {
		p.fail(ctx, log, task, workerID, fmt.Errorf("failed to store result: %w", err))
		return
	}

	result := model.Result{Ref: key, ContentType: ResultContentType, Size: int64(len(out.Markdown))}
	if _, err := p.dispatcher.Complete(ctx, task.ID, workerID, result); err != nil {
		if errors.Is(err, queue.ErrLeaseExpired) {
			log.Warn("lease expired before completion, discarding result")
			_ = p.blobs.Delete(context.WithoutCancel(ctx), key)
			return
		}
		log.Errorw("failed to complete task", "error", err)
		return
	}
	log.Infow("task completed", "bytes", result.Size, "took", time.Since(start))
}

// convert loads the input and runs the backend, turning panics into errors.
func (p *Pool) convert(ctx context.Context, task *model.Task) (backend string, out *converter.Output, err error) {
	c, backend, err := p.converters.Get(task.Backend)
	if err != nil {
		return backend, nil, converter.Invalid(err)
	}

	input, err := blob.ReadAll(ctx, p.blobs, task.InputRef)
	if err != nil {
		if errors.Is(err, blob.ErrNotFound) {
			return backend, nil, converter.Invalid(fmt.Errorf("input %s is missing", task.InputRef))
		}
		return backend, nil, fmt.Errorf("failed to load input: %w", err)
	}

	defer func() {
		if r := recover(); r != nil {
			p.log.Errorf("converter panic: %v\n%s", r, debug.Stack())
			out, err = nil, fmt.Errorf("converter crashed: %v", r)
		}
	}()

	out, err = c.Convert(ctx, converter.Request{
		Filename: task.Filename,
		Input:    input,
		Mode:     task.Mode,
	})
	if err == nil && out == nil {
		err = errors.New("converter returned no output")
	}
	return backend, out, err
}

func (p *Pool) heartbeat(ctx context.Context, cancel context.CancelFunc, lost *atomic.Bool, taskID, workerID string) {
	t := jitterbug.New(p.opts.HeartbeatInterval, &jitterbug.Norm{Stdev: p.opts.HeartbeatInterval / 10})
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			err := p.dispatcher.Heartbeat(ctx, taskID, workerID)
			switch {
			case err == nil:
			case errors.Is(err, queue.ErrLeaseExpired):
				lost.Store(true)
				cancel()
				return
			case ctx.Err() == nil:
				p.log.Warnw("heartbeat failed", "task_id", taskID, "worker_id", workerID, "error", err)
			}
		}
	}
}

func (p *Pool) fail(ctx context.Context, log *zap.SugaredLogger, task *model.Task, workerID string, cause error) {
	updated, err := p.dispatcher.Fail(ctx, task.ID, workerID, cause)
	if err != nil {
		if errors.Is(err, queue.ErrLeaseExpired) {
			log.Warnw("lease expired before failure was recorded", "cause", cause)
			return
		}
		log.Errorw("failed to record failure", "cause", cause, "error", err)
		return
	}
	if updated.Status == model.StatusFailed {
		log.Warnw("task failed", "error", updated.Error)
		return
	}
	log.Infow("attempt failed, retrying", "cause", cause)
}

func (p *Pool) register(ctx context.Context, id string) {
	p.mu.Lock()
	p.live[id] = struct{}{}
	p.mu.Unlock()

	if err := p.registry.Register(ctx, id, p.registryTTL()); err != nil {
		p.log.Warnw("failed to register worker", "worker_id", id, "error", err)
	}
}

// unregister and refresh share p.mu so a refresh never resurrects a worker
// that has just exited.
func (p *Pool) unregister(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.live, id)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.registry.Unregister(ctx, id); err != nil {
		p.log.Warnw("failed to unregister worker", "worker_id", id, "error", err)
	}
}

func (p *Pool) keepAlive(ctx context.Context) {
	ticker := time.NewTicker(p.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.refresh(ctx)
		}
	}
}

func (p *Pool) refresh(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for id := range p.live {
		if err := p.registry.Register(ctx, id, p.registryTTL()); err != nil && ctx.Err() == nil {
			p.log.Warnw("failed to refresh worker registration", "worker_id", id, "error", err)
		}
	}
}

func (p *Pool) registryTTL() time.Duration {
	return 3 * p.opts.HeartbeatInterval
}

func ResultKey(taskID string, attempt int) string {
	return fmt.Sprintf("results/%s/%d.md", taskID, attempt)
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
