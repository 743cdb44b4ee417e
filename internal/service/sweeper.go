package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/raphaelgruber/codemap/internal/models"
	"github.com/raphaelgruber/codemap/internal/store"
)

// orphanedError is recorded on work items reaped by the sweeper.
const orphanedError = "interrupted: no active run"

// SweepResult counts the entities moved to failed by one sweep.
type SweepResult struct {
	Repositories int `json:"repositories"`
	Requirements int `json:"requirements"`
	WorkItems    int `json:"work_items"`
}

// Sweeper periodically fails runs left in a non-terminal state by a previous
// process: anything analyzing or processing without an active job.
type Sweeper struct {
	store    store.Store
	jobs     *JobManager
	schedule string
	cron     *cron.Cron
}

// NewSweeper validates schedule, a standard 5-field cron expression.
// An empty schedule disables periodic sweeps; Sweep can still be called.
func NewSweeper(st store.Store, jobs *JobManager, schedule string) (*Sweeper, error) {
	schedule = strings.TrimSpace(schedule)
	if schedule != "" {
		if _, err := cron.ParseStandard(schedule); err != nil {
			return nil, fmt.Errorf("parse sweep schedule %q: %w", schedule, err)
		}
	}
	return &Sweeper{store: st, jobs: jobs, schedule: schedule}, nil
}

// Start runs one sweep immediately and then on the schedule.
func (s *Sweeper) Start(ctx context.Context) error {
	if _, err := s.Sweep(ctx); err != nil {
		slog.Warn("initial sweep failed", "error", err)
	}
	if s.schedule == "" {
		slog.Info("periodic sweep disabled")
		return nil
	}

	s.cron = cron.New()
	if _, err := s.cron.AddFunc(s.schedule, func() {
		sweepCtx, cancel := context.WithTimeout(ctx, time.Minute)
		defer cancel()
		if _, err := s.Sweep(sweepCtx); err != nil {
			slog.Warn("sweep failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}
	s.cron.Start()
	slog.Info("sweeper scheduled", "cron", s.schedule)
	return nil
}

// Stop halts the schedule and waits for a running sweep or ctx.
func (s *Sweeper) Stop(ctx context.Context) {
	if s.cron == nil {
		return
	}
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
	}
}

// Sweep moves orphaned analyzing repositories, analyzing requirements and
// processing work items to failed.
//
// A listed row may be stale by the time it is reaped: its job can finish and
// deregister in between. Each candidate is re-read after the active check and
// only reaped if it is still non-terminal with no job registered.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	var (
		result SweepResult
		errs   []error
	)
	now := time.Now().UTC()

	repos, err := s.store.ListRepositories(ctx, models.RepositoryAnalyzing)
	if err != nil {
		errs = append(errs, fmt.Errorf("list analyzing repositories: %w", err))
	}
	for _, listed := range repos {
		repo, err := s.orphanedRepository(ctx, listed.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if repo == nil {
			continue
		}
		if err := s.store.UpdateRepositoryStatus(ctx, repo.ID, models.RepositoryFailed, &now); err != nil {
			errs = append(errs, fmt.Errorf("fail repository %s: %w", repo.ID, err))
			continue
		}
		slog.Warn("reaped orphaned analysis", "repository_id", repo.ID)
		result.Repositories++
	}

	reqs, err := s.store.ListRequirements(ctx, store.RequirementFilter{Status: models.RequirementAnalyzing})
	if err != nil {
		errs = append(errs, fmt.Errorf("list analyzing requirements: %w", err))
	}
	for _, listed := range reqs {
		req, err := s.orphanedRequirement(ctx, listed.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if req == nil {
			continue
		}
		analysis := "Error: " + orphanedError
		req.Status = models.RequirementFailed
		req.Analysis = &analysis
		req.AffectedComponents = req.AffectedComponents.Normalize()
		req.ResolvedAt = &now
		if err := s.store.UpdateRequirement(ctx, req); err != nil {
			errs = append(errs, fmt.Errorf("fail requirement %s: %w", req.ID, err))
			continue
		}
		slog.Warn("reaped orphaned requirement", "requirement_id", req.ID)
		result.Requirements++
	}

	items, err := s.store.ListWorkItems(ctx, store.WorkItemFilter{Status: models.WorkItemProcessing})
	if err != nil {
		errs = append(errs, fmt.Errorf("list processing work items: %w", err))
	}
	for _, listed := range items {
		item, err := s.orphanedWorkItem(ctx, listed)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if item == nil {
			continue
		}
		item.Status = models.WorkItemFailed
		item.Output = &models.WorkItemOutput{Error: orphanedError}
		item.CompletedAt = &now
		if err := s.store.UpdateWorkItem(ctx, item); err != nil {
			errs = append(errs, fmt.Errorf("fail work item %s: %w", item.ID, err))
			continue
		}
		slog.Warn("reaped orphaned work item", "work_item_id", item.ID, "requirement_id", item.RequirementID)
		result.WorkItems++
	}

	return result, errors.Join(errs...)
}

// orphanedRepository returns the current row for id if it is still analyzing
// with no active job, or nil if it must be left alone.
func (s *Sweeper) orphanedRepository(ctx context.Context, id string) (*models.Repository, error) {
	if s.jobs.Active(id) {
		return nil, nil
	}
	repo, err := s.store.GetRepository(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reload repository %s: %w", id, err)
	}
	if repo.Status != models.RepositoryAnalyzing || s.jobs.Active(id) {
		return nil, nil
	}
	return repo, nil
}

// orphanedRequirement is orphanedRepository for requirements.
func (s *Sweeper) orphanedRequirement(ctx context.Context, id string) (*models.ChangeRequirement, error) {
	if s.jobs.Active(id) {
		return nil, nil
	}
	req, err := s.store.GetRequirement(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reload requirement %s: %w", id, err)
	}
	if req.Status != models.RequirementAnalyzing || s.jobs.Active(id) {
		return nil, nil
	}
	return req, nil
}

// orphanedWorkItem reloads listed through its requirement, since work items
// run under the requirement's job.
func (s *Sweeper) orphanedWorkItem(ctx context.Context, listed models.WorkItem) (*models.WorkItem, error) {
	if s.jobs.Active(listed.RequirementID) {
		return nil, nil
	}
	current, err := s.store.ListWorkItems(ctx, store.WorkItemFilter{
		RequirementID: listed.RequirementID,
		Status:        models.WorkItemProcessing,
	})
	if err != nil {
		return nil, fmt.Errorf("reload work item %s: %w", listed.ID, err)
	}
	if s.jobs.Active(listed.RequirementID) {
		return nil, nil
	}
	for i := range current {
		if current[i].ID == listed.ID {
			return &current[i], nil
		}
	}
	return nil, nil
}
