package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"masond/pkg/bus"
	"masond/pkg/db"
	"masond/pkg/logstore"
	"masond/services/hub/fault"
	"masond/services/hub/identity"
	"masond/services/hub/registry"
)

// Dispatcher pushes work orders out to builders.
type Dispatcher interface {
	Build(ctx context.Context, hostAddress, bearer string, order PackageBuild) error
}

// Demoter moves an endpoint out of operational service. The registry
// provides this.
type Demoter interface {
	Demote(ctx context.Context, id uuid.UUID, to registry.Status, detail string) error
}

// RetryPolicy bounds dispatch retries so exhaustion is deterministic under
// test.
type RetryPolicy struct {
	Attempts uint64
	Base     time.Duration
}

// Scheduler owns the task queue and drives allocation.
type Scheduler struct {
	pool       *pgxpool.Pool
	tasks      *Store
	endpoints  *registry.Store
	demoter    Demoter
	dispatcher Dispatcher
	logs       *logstore.Store
	events     *bus.Bus
	log        zerolog.Logger
	capacity   int
	retry      RetryPolicy
}

// Params collects the scheduler's collaborators. Logs and Events may be nil.
type Params struct {
	Pool       *pgxpool.Pool
	Tasks      *Store
	Endpoints  *registry.Store
	Demoter    Demoter
	Dispatcher Dispatcher
	Logs       *logstore.Store
	Events     *bus.Bus
	Log        zerolog.Logger
	Capacity   int
	Retry      RetryPolicy
}

// New creates a Scheduler.
func New(p Params) (*Scheduler, error) {
	if p.Pool == nil || p.Tasks == nil || p.Endpoints == nil || p.Dispatcher == nil {
		return nil, errors.New("scheduler: missing collaborator")
	}
	if p.Capacity <= 0 {
		p.Capacity = 1
	}
	if p.Retry.Attempts == 0 {
		p.Retry.Attempts = 3
	}
	if p.Retry.Base <= 0 {
		p.Retry.Base = time.Second
	}
	return &Scheduler{
		pool:       p.Pool,
		tasks:      p.Tasks,
		endpoints:  p.Endpoints,
		demoter:    p.Demoter,
		dispatcher: p.Dispatcher,
		logs:       p.Logs,
		events:     p.Events,
		log:        p.Log,
		capacity:   p.Capacity,
		retry:      p.Retry,
	}, nil
}

// Enqueue records new buildable work. Blockers no completed task already
// resolves leave the task blocked; otherwise it goes straight to the queue.
func (s *Scheduler) Enqueue(ctx context.Context, p EnqueueParams) (Task, error) {
	if p.PackageID == "" || p.Arch == "" {
		return Task{}, fmt.Errorf("%w: package id and arch are required", fault.ErrInvalid)
	}

	var task Task
	err := db.Tx(ctx, s.pool, func(ctx context.Context, tx pgx.Tx) error {
		remaining, err := s.tasks.Unsatisfied(ctx, tx, p.Blockers)
		if err != nil {
			return err
		}

		status := StatusQueued
		if len(remaining) > 0 {
			status = StatusBlocked
		}
		task, err = s.tasks.Create(ctx, tx, p, status)
		if err != nil {
			return err
		}
		if len(remaining) > 0 {
			return s.tasks.AddBlockers(ctx, tx, task.ID, remaining)
		}
		return nil
	})
	if err != nil {
		return Task{}, err
	}

	tasksEnqueued.WithLabelValues(string(task.Status)).Inc()
	s.log.Info().
		Str("build", task.BuildID.String()).
		Str("package", task.PackageID).
		Str("status", string(task.Status)).
		Msg("task enqueued")

	if task.Status == StatusQueued {
		s.notifyQueued(ctx, task.BuildID)
	}
	return task, nil
}

// Report applies a builder's status report. Only the builder currently
// allocated to the build may report, and only along the reportable
// transitions; anything else is rejected so a stale report can never
// override newer state. Completion resolves matching blockers in the same
// transaction that records it.
func (s *Scheduler) Report(ctx context.Context, r ReportParams) error {
	switch r.Status {
	case StatusBuilding, StatusCompleted, StatusFailed:
	default:
		return fmt.Errorf("%w: %q is not a reportable status", fault.ErrInvalid, r.Status)
	}

	var (
		task     Task
		promoted []int64
	)
	err := db.Tx(ctx, s.pool, func(ctx context.Context, tx pgx.Tx) error {
		var err error
		task, err = s.tasks.GetByBuildID(ctx, tx, r.BuildID)
		if err != nil {
			return err
		}
		if task.AllocatedBuilder == nil || *task.AllocatedBuilder != r.Reporter {
			return fmt.Errorf("%w: build %s is not allocated to the reporting builder", fault.ErrConflict, r.BuildID)
		}
		if !CanReport(task.Status, r.Status) {
			return fmt.Errorf("%w: build %s is %s, cannot accept %s", fault.ErrConflict, r.BuildID, task.Status, r.Status)
		}

		var detail *string
		if r.Status == StatusFailed && r.Detail != "" {
			detail = &r.Detail
		}
		if err := s.tasks.SetStatus(ctx, tx, task.ID, r.Status, detail); err != nil {
			return err
		}
		if r.Status == StatusCompleted {
			blocker, err := s.tasks.BlockerIdentity(ctx, tx, task.ID)
			if err != nil {
				return err
			}
			promoted, err = s.tasks.ResolveBlocker(ctx, tx, blocker)
			return err
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, fault.ErrConflict) {
			s.log.Warn().
				Str("build", r.BuildID.String()).
				Str("reporter", r.Reporter.String()).
				Str("status", string(r.Status)).
				Msg("stale or foreign status report rejected")
		}
		return err
	}

	taskTransitions.WithLabelValues(string(r.Status)).Inc()
	evt := s.log.Info().
		Str("build", r.BuildID.String()).
		Str("status", string(r.Status)).
		Int("unblocked", len(promoted))
	if r.Status == StatusFailed && r.Detail != "" {
		evt = evt.Str("detail", r.Detail)
	}
	evt.Msg("status report applied")

	if r.Status.Terminal() && r.LogURI != "" {
		s.stashLog(ctx, task, r.LogURI)
	}

	switch r.Status {
	case StatusCompleted:
		s.notify(ctx, bus.SubjectBuildSucceeded, r.BuildID)
	case StatusFailed:
		s.notify(ctx, bus.SubjectBuildFailed, r.BuildID)
	}
	for range promoted {
		s.notifyQueued(ctx, r.BuildID)
	}
	return nil
}

// ReleaseBuilder requeues every in-flight task the builder holds. The
// registry calls this inside its own transaction when an endpoint leaves
// operational service.
func (s *Scheduler) ReleaseBuilder(ctx context.Context, q identity.Querier, builderID uuid.UUID) (int64, error) {
	released, err := s.tasks.ReleaseBuilder(ctx, q, builderID)
	if err == nil && released > 0 {
		tasksReleased.Add(float64(released))
	}
	return released, err
}

// Tasks exposes read access for the gateway and CLI.
func (s *Scheduler) Tasks(ctx context.Context, status *Status) ([]Task, error) {
	return s.tasks.List(ctx, nil, status)
}

// stashLog fetches, compresses, and stores a build log, recording its path.
// Failure to stash never fails the report.
func (s *Scheduler) stashLog(ctx context.Context, task Task, logURI string) {
	if s.logs == nil {
		return
	}
	path, err := s.logs.Stash(ctx, task.BuildID.String(), logURI)
	if err != nil {
		s.log.Error().Err(err).Str("build", task.BuildID.String()).Msg("failed to stash build log")
		return
	}
	if err := s.tasks.SetLogPath(ctx, nil, task.ID, path); err != nil {
		s.log.Error().Err(err).Str("build", task.BuildID.String()).Msg("failed to record log path")
	}
}

func (s *Scheduler) notifyQueued(ctx context.Context, buildID uuid.UUID) {
	s.notify(ctx, bus.SubjectTaskQueued, buildID)
}

func (s *Scheduler) notify(ctx context.Context, subject string, buildID uuid.UUID) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ctx, subject, buildID.String()); err != nil {
		s.log.Error().Err(err).Str("subject", subject).Msg("failed to publish task event")
	}
}
