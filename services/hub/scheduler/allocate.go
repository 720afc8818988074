package scheduler

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/sethvargo/go-retry"

	"masond/pkg/db"
	"masond/services/hub/fault"
	"masond/services/hub/registry"
)

// errNoEligibleBuilder aborts an allocation transaction without consuming
// the claimed task.
var errNoEligibleBuilder = errors.New("no eligible builder")

// Allocate drains the queue: it repeatedly claims the oldest queued task
// some builder can serve, picks a builder, and dispatches, until no
// claimable work remains.
func (s *Scheduler) Allocate(ctx context.Context) error {
	for {
		again, err := s.allocateOne(ctx)
		if err != nil {
			return err
		}
		if !again {
			return nil
		}
	}
}

// allocateOne moves one task from queued to allocated and pushes the work
// order. The claim and the builder selection happen in one transaction; the
// network dispatch happens after commit so the transaction never waits on a
// peer.
func (s *Scheduler) allocateOne(ctx context.Context) (bool, error) {
	var (
		task    Task
		builder registry.Endpoint
	)
	err := db.Tx(ctx, s.pool, func(ctx context.Context, tx pgx.Tx) error {
		builders, err := s.endpoints.OperationalBuilders(ctx, tx)
		if err != nil {
			return err
		}
		active, err := s.tasks.ActiveCounts(ctx, tx)
		if err != nil {
			return err
		}

		arches := eligibleArches(builders, active, s.capacity)
		if len(arches) == 0 {
			return errNoEligibleBuilder
		}
		task, err = s.tasks.NextQueued(ctx, tx, arches)
		if err != nil {
			return err
		}

		var ok bool
		builder, ok = pickBuilder(builders, active, task.Arch, s.capacity)
		if !ok {
			return errNoEligibleBuilder
		}
		return s.tasks.MarkAllocated(ctx, tx, task.ID, builder.ID)
	})
	if err != nil {
		if errors.Is(err, fault.ErrNotFound) || errors.Is(err, errNoEligibleBuilder) {
			return false, nil
		}
		return false, err
	}

	s.log.Info().
		Str("build", task.BuildID.String()).
		Str("builder", builder.ID.String()).
		Msg("task allocated")

	if err := s.dispatch(ctx, task, builder); err != nil {
		return true, nil
	}
	allocations.Inc()
	return true, nil
}

// dispatch pushes the work order with bounded retries. Exhausting them
// marks the task failed and demotes the builder to unreachable, which
// releases anything else it holds.
func (s *Scheduler) dispatch(ctx context.Context, task Task, builder registry.Endpoint) error {
	order, err := s.buildOrder(ctx, task)
	if err != nil {
		s.log.Error().Err(err).Str("build", task.BuildID.String()).Msg("failed to assemble work order")
		if rqErr := s.tasks.Requeue(ctx, nil, task.ID); rqErr != nil {
			s.log.Error().Err(rqErr).Str("build", task.BuildID.String()).Msg("failed to requeue task")
		}
		return err
	}

	bearer := ""
	switch {
	case builder.APIToken != nil:
		bearer = *builder.APIToken
	case builder.AccountToken != nil:
		bearer = *builder.AccountToken
	}

	backoff := retry.WithMaxRetries(s.retry.Attempts, retry.NewFibonacci(s.retry.Base))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := s.dispatcher.Build(ctx, builder.HostAddress, bearer, order); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err == nil {
		return nil
	}

	s.log.Error().Err(err).
		Str("build", task.BuildID.String()).
		Str("builder", builder.ID.String()).
		Msg("dispatch retries exhausted")

	detail := fmt.Sprintf("dispatch failed: %v", err)
	if stErr := s.tasks.SetStatus(ctx, nil, task.ID, StatusFailed, &detail); stErr != nil {
		s.log.Error().Err(stErr).Str("build", task.BuildID.String()).Msg("failed to mark task failed")
	}
	taskTransitions.WithLabelValues(string(StatusFailed)).Inc()

	if s.demoter != nil {
		if dmErr := s.demoter.Demote(ctx, builder.ID, registry.StatusUnreachable, detail); dmErr != nil {
			s.log.Error().Err(dmErr).Str("builder", builder.ID.String()).Msg("failed to demote builder")
		}
	}
	return err
}

// buildOrder assembles the PackageBuild payload for a task.
func (s *Scheduler) buildOrder(ctx context.Context, task Task) (PackageBuild, error) {
	origin, err := s.tasks.RepositoryOrigin(ctx, nil, task.RepositoryID)
	if err != nil {
		return PackageBuild{}, err
	}
	collections, err := s.tasks.Collections(ctx, nil, task.ProfileID)
	if err != nil {
		return PackageBuild{}, err
	}

	return PackageBuild{
		BuildID:           task.BuildID,
		URI:               origin,
		CommitRef:         task.CommitRef,
		RelativePath:      task.SourcePath,
		BuildArchitecture: task.Arch,
		Collections:       collections,
	}, nil
}

// eligibleArches returns the arches at least one builder with spare
// capacity can serve. Claims are constrained to these so a task nobody can
// currently build never blocks the rest of the queue.
func eligibleArches(builders []registry.Endpoint, active map[uuid.UUID]int, capacity int) []string {
	seen := make(map[string]bool)
	var arches []string
	for _, b := range builders {
		if b.Arch == nil || active[b.ID] >= capacity {
			continue
		}
		if !seen[*b.Arch] {
			seen[*b.Arch] = true
			arches = append(arches, *b.Arch)
		}
	}
	return arches
}

// pickBuilder selects the least-loaded operational builder compatible with
// arch, skipping builders at capacity. Ties keep the earlier builder, which
// List orders by creation time.
func pickBuilder(builders []registry.Endpoint, active map[uuid.UUID]int, arch string, capacity int) (registry.Endpoint, bool) {
	best := -1
	for i, b := range builders {
		if b.Arch == nil || *b.Arch != arch {
			continue
		}
		if active[b.ID] >= capacity {
			continue
		}
		if best == -1 || active[b.ID] < active[builders[best].ID] {
			best = i
		}
	}
	if best == -1 {
		return registry.Endpoint{}, false
	}
	return builders[best], true
}
