package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"masond/services/hub/fault"
	"masond/services/hub/identity"
)

const taskColumns = `
    id, build_id, project_id, profile_id, repository_id, package_id, arch,
    description, commit_ref, source_path, status, allocated_builder,
    log_path, error, started, updated, ended
`

// blockerIdentitySQL computes a task's blocker identity in SQL; it must
// agree with BlockerID.
const blockerIdentitySQL = `t.package_id || '_' || t.arch || '@' || p.slug || '/' || r.name`

// Store persists tasks and their blocker edges. All writes go through the
// scheduler; nothing else touches these tables.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a Store backed by the provided pool.
func NewStore(pool *pgxpool.Pool) (*Store, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	return &Store{pool: pool}, nil
}

// Create inserts a new task row in the given status.
func (s *Store) Create(ctx context.Context, q identity.Querier, p EnqueueParams, status Status) (Task, error) {
	if q == nil {
		q = s.pool
	}

	query := `
        INSERT INTO task (
            build_id, project_id, profile_id, repository_id, package_id, arch,
            description, commit_ref, source_path, status, started, updated
        )
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, now(), now())
        RETURNING ` + taskColumns + `;`

	var t Task
	err := pgxscan.Get(ctx, q, &t, query,
		uuid.New(), p.ProjectID, p.ProfileID, p.RepositoryID, p.PackageID,
		p.Arch, p.Description, p.CommitRef, p.SourcePath, string(status))
	if err != nil {
		return Task{}, fmt.Errorf("create task: %w", err)
	}
	return t, nil
}

// AddBlockers records dependency edges for a task.
func (s *Store) AddBlockers(ctx context.Context, q identity.Querier, taskID int64, blockers []string) error {
	if q == nil {
		q = s.pool
	}

	for _, blocker := range blockers {
		_, err := q.Exec(ctx, `
            INSERT INTO task_blockers (task_id, blocker)
            VALUES ($1, $2)
            ON CONFLICT DO NOTHING;`, taskID, blocker)
		if err != nil {
			return fmt.Errorf("add task blocker: %w", err)
		}
	}
	return nil
}

// Unsatisfied filters blockers down to those no completed task resolves.
func (s *Store) Unsatisfied(ctx context.Context, q identity.Querier, blockers []string) ([]string, error) {
	if q == nil {
		q = s.pool
	}
	if len(blockers) == 0 {
		return nil, nil
	}

	var remaining []string
	err := pgxscan.Select(ctx, q, &remaining, `
        SELECT b.blocker
        FROM unnest($1::text[]) AS b(blocker)
        WHERE NOT EXISTS (
            SELECT 1
            FROM task t
            JOIN project p ON p.id = t.project_id
            JOIN repository r ON r.id = t.repository_id
            WHERE t.status = 'completed'
              AND `+blockerIdentitySQL+` = b.blocker
        );`, blockers)
	if err != nil {
		return nil, fmt.Errorf("filter blockers: %w", err)
	}
	return remaining, nil
}

// GetByBuildID fetches a task by its globally unique build identifier.
func (s *Store) GetByBuildID(ctx context.Context, q identity.Querier, buildID uuid.UUID) (Task, error) {
	if q == nil {
		q = s.pool
	}

	var t Task
	err := pgxscan.Get(ctx, q, &t, `SELECT `+taskColumns+` FROM task WHERE build_id = $1;`, buildID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Task{}, fmt.Errorf("%w: build %s", fault.ErrNotFound, buildID)
		}
		return Task{}, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// List returns tasks, newest first, optionally filtered by status.
func (s *Store) List(ctx context.Context, q identity.Querier, status *Status) ([]Task, error) {
	if q == nil {
		q = s.pool
	}

	var (
		tasks []Task
		err   error
	)
	if status == nil {
		err = pgxscan.Select(ctx, q, &tasks, `SELECT `+taskColumns+` FROM task ORDER BY started DESC;`)
	} else {
		err = pgxscan.Select(ctx, q, &tasks, `SELECT `+taskColumns+` FROM task WHERE status = $1 ORDER BY started DESC;`, string(*status))
	}
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return tasks, nil
}

// NextQueued claims the oldest queued task whose arch is in arches, so
// work nobody can currently build never stalls the rest of the queue.
// SKIP LOCKED serializes concurrent allocators: two transactions can never
// claim the same row. Nothing claimable fails with fault.ErrNotFound.
func (s *Store) NextQueued(ctx context.Context, q identity.Querier, arches []string) (Task, error) {
	if q == nil {
		q = s.pool
	}

	var t Task
	err := pgxscan.Get(ctx, q, &t, `
        SELECT `+taskColumns+`
        FROM task
        WHERE status = 'queued' AND arch = ANY($1)
        ORDER BY started
        LIMIT 1
        FOR UPDATE SKIP LOCKED;`, arches)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Task{}, fmt.Errorf("%w: no queued tasks", fault.ErrNotFound)
		}
		return Task{}, fmt.Errorf("claim queued task: %w", err)
	}
	return t, nil
}

// MarkAllocated assigns a claimed task to a builder.
func (s *Store) MarkAllocated(ctx context.Context, q identity.Querier, taskID int64, builderID uuid.UUID) error {
	if q == nil {
		q = s.pool
	}

	_, err := q.Exec(ctx, `
        UPDATE task
        SET status = 'allocated', allocated_builder = $2, updated = now()
        WHERE id = $1;`, taskID, builderID)
	if err != nil {
		return fmt.Errorf("mark task allocated: %w", err)
	}
	return nil
}

// SetStatus moves a task to a new status, stamping ended and recording the
// reported failure detail on terminal ones.
func (s *Store) SetStatus(ctx context.Context, q identity.Querier, taskID int64, status Status, detail *string) error {
	if q == nil {
		q = s.pool
	}

	var err error
	if status.Terminal() {
		_, err = q.Exec(ctx, `
            UPDATE task
            SET status = $2, error = $3, updated = now(), ended = now()
            WHERE id = $1;`, taskID, string(status), detail)
	} else {
		_, err = q.Exec(ctx, `
            UPDATE task
            SET status = $2, updated = now()
            WHERE id = $1;`, taskID, string(status))
	}
	if err != nil {
		return fmt.Errorf("set task status: %w", err)
	}
	return nil
}

// SetLogPath records where a build's stashed log lives.
func (s *Store) SetLogPath(ctx context.Context, q identity.Querier, taskID int64, logPath string) error {
	if q == nil {
		q = s.pool
	}

	if _, err := q.Exec(ctx, `UPDATE task SET log_path = $2 WHERE id = $1;`, taskID, logPath); err != nil {
		return fmt.Errorf("set task log path: %w", err)
	}
	return nil
}

// Requeue returns a task to the queue with no builder attached.
func (s *Store) Requeue(ctx context.Context, q identity.Querier, taskID int64) error {
	if q == nil {
		q = s.pool
	}

	_, err := q.Exec(ctx, `
        UPDATE task
        SET status = 'queued', allocated_builder = NULL, updated = now()
        WHERE id = $1;`, taskID)
	if err != nil {
		return fmt.Errorf("requeue task: %w", err)
	}
	return nil
}

// ReleaseBuilder requeues every in-flight task held by a builder, returning
// how many were released.
func (s *Store) ReleaseBuilder(ctx context.Context, q identity.Querier, builderID uuid.UUID) (int64, error) {
	if q == nil {
		q = s.pool
	}

	tag, err := q.Exec(ctx, `
        UPDATE task
        SET status = 'queued', allocated_builder = NULL, updated = now()
        WHERE allocated_builder = $1 AND status IN ('allocated', 'building');`, builderID)
	if err != nil {
		return 0, fmt.Errorf("release builder tasks: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ActiveCounts returns the number of in-flight tasks per builder.
func (s *Store) ActiveCounts(ctx context.Context, q identity.Querier) (map[uuid.UUID]int, error) {
	if q == nil {
		q = s.pool
	}

	rows, err := q.Query(ctx, `
        SELECT allocated_builder, count(*)
        FROM task
        WHERE status IN ('allocated', 'building') AND allocated_builder IS NOT NULL
        GROUP BY allocated_builder;`)
	if err != nil {
		return nil, fmt.Errorf("count active tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[uuid.UUID]int)
	for rows.Next() {
		var (
			builder uuid.UUID
			n       int
		)
		if err := rows.Scan(&builder, &n); err != nil {
			return nil, fmt.Errorf("count active tasks: %w", err)
		}
		counts[builder] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("count active tasks: %w", err)
	}
	return counts, nil
}

// BlockerIdentity computes the blocker string a task resolves on completion.
func (s *Store) BlockerIdentity(ctx context.Context, q identity.Querier, taskID int64) (string, error) {
	if q == nil {
		q = s.pool
	}

	var blocker string
	err := q.QueryRow(ctx, `
        SELECT `+blockerIdentitySQL+`
        FROM task t
        JOIN project p ON p.id = t.project_id
        JOIN repository r ON r.id = t.repository_id
        WHERE t.id = $1;`, taskID).Scan(&blocker)
	if err != nil {
		return "", fmt.Errorf("task blocker identity: %w", err)
	}
	return blocker, nil
}

// ResolveBlocker deletes every edge matching blocker and promotes blocked
// tasks whose last edge just vanished. Returns the promoted task ids.
func (s *Store) ResolveBlocker(ctx context.Context, q identity.Querier, blocker string) ([]int64, error) {
	if q == nil {
		q = s.pool
	}

	if _, err := q.Exec(ctx, `DELETE FROM task_blockers WHERE blocker = $1;`, blocker); err != nil {
		return nil, fmt.Errorf("resolve blocker: %w", err)
	}

	var promoted []int64
	err := pgxscan.Select(ctx, q, &promoted, `
        UPDATE task
        SET status = 'queued', updated = now()
        WHERE status = 'blocked'
          AND NOT EXISTS (SELECT 1 FROM task_blockers tb WHERE tb.task_id = task.id)
        RETURNING id;`)
	if err != nil {
		return nil, fmt.Errorf("promote unblocked tasks: %w", err)
	}
	return promoted, nil
}

// Collections returns the prioritized binary collections for a profile in
// search order: lowest priority value first.
func (s *Store) Collections(ctx context.Context, q identity.Querier, profileID int64) ([]Collection, error) {
	if q == nil {
		q = s.pool
	}

	var collections []Collection
	err := pgxscan.Select(ctx, q, &collections, `
        SELECT index_uri, name, priority
        FROM profile_remote
        WHERE profile_id = $1
        ORDER BY priority;`, profileID)
	if err != nil {
		return nil, fmt.Errorf("list profile collections: %w", err)
	}
	return collections, nil
}

// RepositoryOrigin returns the source origin a task builds from.
func (s *Store) RepositoryOrigin(ctx context.Context, q identity.Querier, repositoryID int64) (string, error) {
	if q == nil {
		q = s.pool
	}

	var origin string
	err := q.QueryRow(ctx, `SELECT origin_uri FROM repository WHERE id = $1;`, repositoryID).Scan(&origin)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", fmt.Errorf("%w: repository %d", fault.ErrNotFound, repositoryID)
		}
		return "", fmt.Errorf("repository origin: %w", err)
	}
	return origin, nil
}
