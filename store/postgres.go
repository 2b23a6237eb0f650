package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"docqueue/model"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const taskColumns = `id::text, status, input_ref, filename, mode, backend, result, error,
	attempt_count, lease_owner, lease_expires_at, created_at, updated_at`

// Postgres stores tasks in a single table. Transition is one conditional
// UPDATE, so concurrent dispatchers in different processes arbitrate on the
// row rather than on any lock held by this process.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Store = (*Postgres)(nil)

func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database url: %w", err)
	}
	cfg.MaxConns = 20
	cfg.MinConns = 2
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return &Postgres{pool: pool}, nil
}

// NewPostgresFromPool wraps an existing pool; the caller keeps ownership of
// its configuration.
func NewPostgresFromPool(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) Pool() *pgxpool.Pool { return p.pool }

func (p *Postgres) Create(ctx context.Context, nt NewTask) (*model.Task, error) {
	row := p.pool.QueryRow(ctx, `
		INSERT INTO tasks (id, status, input_ref, filename, mode, backend)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+taskColumns,
		uuid.NewString(), model.StatusPending, nt.InputRef, nt.Filename, nt.Mode, nt.Backend,
	)
	t, err := scanTask(row)
	if err != nil {
		return nil, fmt.Errorf("%w: insert task: %w", ErrStorage, err)
	}
	return t, nil
}

func (p *Postgres) Get(ctx context.Context, id string) (*model.Task, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}
	row := p.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: select task: %w", ErrStorage, err)
	}
	return t, nil
}

func (p *Postgres) Transition(ctx context.Context, id string, tr Transition) (*model.Task, error) {
	if err := validate(tr); err != nil {
		return nil, err
	}
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}

	var (
		leaseOwner   *string
		leaseExpires *time.Time
	)
	if tr.Lease != nil {
		leaseOwner = &tr.Lease.Owner
		leaseExpires = &tr.Lease.ExpiresAt
	}
	result, err := jsonParam(tr.Result)
	if err != nil {
		return nil, err
	}
	taskErr, err := jsonParam(tr.Error)
	if err != nil {
		return nil, err
	}
	increment := 0
	if tr.CountAttempt {
		increment = 1
	}
	var expiredBefore *time.Time
	if !tr.ExpiredBefore.IsZero() {
		expiredBefore = &tr.ExpiredBefore
	}

	row := p.pool.QueryRow(ctx, `
		UPDATE tasks SET
			status = $3,
			lease_owner = $4,
			lease_expires_at = $5,
			result = COALESCE($6::jsonb, result),
			error = COALESCE($7::jsonb, error),
			attempt_count = attempt_count + $8,
			updated_at = now()
		WHERE id = $1 AND status = $2
			AND ($9::text = '' OR lease_owner = $9::text)
			AND ($10::timestamptz IS NULL OR lease_expires_at < $10::timestamptz)
		RETURNING `+taskColumns,
		id, tr.From, tr.To, leaseOwner, leaseExpires, result, taskErr, increment, tr.Owner, expiredBefore,
	)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, p.missOrConflict(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: update task: %w", ErrStorage, err)
	}
	return t, nil
}

func (p *Postgres) ExtendLease(ctx context.Context, id, owner string, expiresAt time.Time) (*model.Task, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}
	row := p.pool.QueryRow(ctx, `
		UPDATE tasks SET lease_expires_at = $3, updated_at = now()
		WHERE id = $1 AND status = 'running' AND lease_owner = $2
		RETURNING `+taskColumns,
		id, owner, expiresAt,
	)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, p.missOrConflict(ctx, id)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: extend lease: %w", ErrStorage, err)
	}
	return t, nil
}

func (p *Postgres) ListExpired(ctx context.Context, now time.Time) ([]*model.Task, error) {
	return p.list(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = 'running' AND lease_expires_at < $1
		ORDER BY created_at`, now)
}

func (p *Postgres) ListPending(ctx context.Context, olderThan time.Time) ([]*model.Task, error) {
	return p.list(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = 'pending' AND updated_at < $1
		ORDER BY created_at`, olderThan)
}

func (p *Postgres) List(ctx context.Context, opts ListOptions) ([]*model.Task, error) {
	var limit *int
	if opts.Limit > 0 {
		limit = &opts.Limit
	}
	return p.list(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE $1 = '' OR status = $1
		ORDER BY created_at DESC
		LIMIT $2`, string(opts.Status), limit)
}

func (p *Postgres) Ping(ctx context.Context) error {
	if err := p.pool.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return nil
}

func (p *Postgres) Close() {
	p.pool.Close()
}

func (p *Postgres) list(ctx context.Context, query string, args ...any) ([]*model.Task, error) {
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	defer rows.Close()

	tasks := []*model.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: row scan: %w", ErrStorage, err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStorage, err)
	}
	return tasks, nil
}

func (p *Postgres) missOrConflict(ctx context.Context, id string) error {
	var exists bool
	err := p.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM tasks WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrStorage, err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrConflict
}

func scanTask(row pgx.Row) (*model.Task, error) {
	var (
		t            model.Task
		result       []byte
		taskErr      []byte
		leaseOwner   *string
		leaseExpires *time.Time
	)
	err := row.Scan(
		&t.ID, &t.Status, &t.InputRef, &t.Filename, &t.Mode, &t.Backend, &result, &taskErr,
		&t.AttemptCount, &leaseOwner, &leaseExpires, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(result) > 0 {
		t.Result = &model.Result{}
		if err := json.Unmarshal(result, t.Result); err != nil {
			return nil, err
		}
	}
	if len(taskErr) > 0 {
		t.Error = &model.TaskError{}
		if err := json.Unmarshal(taskErr, t.Error); err != nil {
			return nil, err
		}
	}
	if leaseOwner != nil && leaseExpires != nil {
		t.Lease = &model.Lease{Owner: *leaseOwner, ExpiresAt: leaseExpires.UTC()}
	}
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	return &t, nil
}

func jsonParam(v any) (*string, error) {
	switch x := v.(type) {
	case *model.Result:
		if x == nil {
			return nil, nil
		}
	case *model.TaskError:
		if x == nil {
			return nil, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := string(data)
	return &s, nil
}
