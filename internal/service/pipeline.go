package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/raphaelgruber/codemap/internal/models"
	"github.com/raphaelgruber/codemap/internal/store"
)

// ErrInvalidInput is returned for requests that fail validation.
var ErrInvalidInput = errors.New("invalid input")

// Pipeline is the entry point used by the API: it creates entities and
// schedules their background runs on the job manager.
type Pipeline struct {
	store    store.Store
	jobs     *JobManager
	analysis *AnalysisService
	resolver *Resolver
}

// NewPipeline wires the pipeline services together.
func NewPipeline(st store.Store, jobs *JobManager, analysis *AnalysisService, resolver *Resolver) *Pipeline {
	return &Pipeline{store: st, jobs: jobs, analysis: analysis, resolver: resolver}
}

// Jobs returns the job manager backing the pipeline.
func (p *Pipeline) Jobs() *JobManager { return p.jobs }

// SubmitRepository stores a pending repository and starts its analysis.
func (p *Pipeline) SubmitRepository(ctx context.Context, name, sourceURL string) (*models.Repository, JobInfo, error) {
	name = strings.TrimSpace(name)
	sourceURL = strings.TrimSpace(sourceURL)
	if name == "" || sourceURL == "" {
		return nil, JobInfo{}, fmt.Errorf("%w: name and source_url are required", ErrInvalidInput)
	}

	repo := &models.Repository{
		ID:        uuid.New().String(),
		Name:      name,
		SourceURL: sourceURL,
		Status:    models.RepositoryPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := p.store.CreateRepository(ctx, repo); err != nil {
		return nil, JobInfo{}, fmt.Errorf("create repository: %w", err)
	}
	job, err := p.startAnalysis(repo.ID)
	if err != nil {
		return repo, JobInfo{}, err
	}
	return repo, job.Snapshot(), nil
}

// Reanalyze starts a new analysis of an existing repository. Records from
// earlier runs are kept.
func (p *Pipeline) Reanalyze(ctx context.Context, repositoryID string) (JobInfo, error) {
	if _, err := p.store.GetRepository(ctx, repositoryID); err != nil {
		return JobInfo{}, err
	}
	job, err := p.startAnalysis(repositoryID)
	if err != nil {
		return JobInfo{}, err
	}
	return job.Snapshot(), nil
}

func (p *Pipeline) startAnalysis(repositoryID string) (*Job, error) {
	return p.jobs.Submit(JobAnalysis, repositoryID, func(ctx context.Context, job *Job) (any, error) {
		return p.analysis.Run(ctx, repositoryID, job.SetProgress)
	})
}

// CancelRepository cancels the active analysis of a repository.
func (p *Pipeline) CancelRepository(ctx context.Context, repositoryID string) (JobInfo, error) {
	if _, err := p.store.GetRepository(ctx, repositoryID); err != nil {
		return JobInfo{}, err
	}
	info, ok := p.jobs.CancelSubject(repositoryID)
	if !ok {
		return JobInfo{}, fmt.Errorf("%w: no active analysis for repository %s", ErrJobNotFound, repositoryID)
	}
	return info, nil
}

// SubmitRequirement stores a pending requirement and starts its resolution.
func (p *Pipeline) SubmitRequirement(ctx context.Context, repositoryID, prompt string) (*models.ChangeRequirement, JobInfo, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return nil, JobInfo{}, fmt.Errorf("%w: prompt is required", ErrInvalidInput)
	}
	if _, err := p.store.GetRepository(ctx, repositoryID); err != nil {
		return nil, JobInfo{}, err
	}

	req := &models.ChangeRequirement{
		ID:           uuid.New().String(),
		RepositoryID: repositoryID,
		Prompt:       prompt,
		Status:       models.RequirementPending,
		CreatedAt:    time.Now().UTC(),
	}
	if err := p.store.CreateRequirement(ctx, req); err != nil {
		return nil, JobInfo{}, fmt.Errorf("create requirement: %w", err)
	}

	job, err := p.jobs.Submit(JobRequirement, req.ID, func(ctx context.Context, _ *Job) (any, error) {
		return p.resolver.ResolveRequirement(ctx, req.ID)
	})
	if err != nil {
		return req, JobInfo{}, err
	}
	return req, job.Snapshot(), nil
}

// Repository returns one repository.
func (p *Pipeline) Repository(ctx context.Context, id string) (*models.Repository, error) {
	return p.store.GetRepository(ctx, id)
}

// Repositories lists repositories, newest first. An empty status matches all.
func (p *Pipeline) Repositories(ctx context.Context, status models.RepositoryStatus) ([]models.Repository, error) {
	return p.store.ListRepositories(ctx, status)
}

// CodeMaps returns the structural records of a repository in insertion order.
func (p *Pipeline) CodeMaps(ctx context.Context, repositoryID string) ([]models.StructuralRecord, error) {
	if _, err := p.store.GetRepository(ctx, repositoryID); err != nil {
		return nil, err
	}
	return p.store.ListStructuralRecords(ctx, repositoryID, 0)
}

// CodeMapSummary aggregates the structural records of a repository.
func (p *Pipeline) CodeMapSummary(ctx context.Context, repositoryID string) (models.CodeMapSummary, error) {
	records, err := p.CodeMaps(ctx, repositoryID)
	if err != nil {
		return models.CodeMapSummary{}, err
	}
	return models.Summarize(repositoryID, records), nil
}

// Requirement returns one requirement.
func (p *Pipeline) Requirement(ctx context.Context, id string) (*models.ChangeRequirement, error) {
	return p.store.GetRequirement(ctx, id)
}

// Requirements lists the requirements of a repository, newest first.
func (p *Pipeline) Requirements(ctx context.Context, repositoryID string) ([]models.ChangeRequirement, error) {
	if _, err := p.store.GetRepository(ctx, repositoryID); err != nil {
		return nil, err
	}
	return p.store.ListRequirements(ctx, store.RequirementFilter{RepositoryID: repositoryID})
}

// WorkItems lists the work items of a requirement in creation order.
func (p *Pipeline) WorkItems(ctx context.Context, requirementID string) ([]models.WorkItem, error) {
	if _, err := p.store.GetRequirement(ctx, requirementID); err != nil {
		return nil, err
	}
	return p.store.ListWorkItems(ctx, store.WorkItemFilter{RequirementID: requirementID})
}

// Recommendations lists the recommendations produced for a requirement.
func (p *Pipeline) Recommendations(ctx context.Context, requirementID string) ([]models.Recommendation, error) {
	if _, err := p.store.GetRequirement(ctx, requirementID); err != nil {
		return nil, err
	}
	return p.store.ListRecommendations(ctx, requirementID)
}
