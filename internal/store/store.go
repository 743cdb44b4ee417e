// Package store defines the document store used by the analysis pipeline.
//
// Each entity kind has exactly one writer: repositories are mutated by the
// analysis run, requirements by the resolver, work items and recommendations
// by the orchestrator. Writes are independent; no cross-entity transactions.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/raphaelgruber/codemap/internal/models"
)

// Sentinel errors shared by every backend.
var (
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("entity not found")

	// ErrConflict indicates a duplicate id or a concurrent-write conflict.
	ErrConflict = errors.New("entity conflict")
)

// WorkItemFilter selects work items by equality. Empty fields match everything.
type WorkItemFilter struct {
	RequirementID string
	Status        models.WorkItemStatus
}

// RequirementFilter selects requirements by equality. Empty fields match everything.
type RequirementFilter struct {
	RepositoryID string
	Status       models.RequirementStatus
}

// Store persists and retrieves pipeline entities.
type Store interface {
	CreateRepository(ctx context.Context, repo *models.Repository) error
	GetRepository(ctx context.Context, id string) (*models.Repository, error)
	// ListRepositories returns repositories newest first. An empty status matches all.
	ListRepositories(ctx context.Context, status models.RepositoryStatus) ([]models.Repository, error)
	UpdateRepositoryStatus(ctx context.Context, id string, status models.RepositoryStatus, completedAt *time.Time) error

	CreateStructuralRecord(ctx context.Context, rec *models.StructuralRecord) error
	// ListStructuralRecords returns records oldest first. limit <= 0 means no limit.
	ListStructuralRecords(ctx context.Context, repositoryID string, limit int) ([]models.StructuralRecord, error)

	CreateRequirement(ctx context.Context, req *models.ChangeRequirement) error
	GetRequirement(ctx context.Context, id string) (*models.ChangeRequirement, error)
	ListRequirements(ctx context.Context, filter RequirementFilter) ([]models.ChangeRequirement, error)
	UpdateRequirement(ctx context.Context, req *models.ChangeRequirement) error

	// CreateWorkItems persists a batch of items created for one requirement.
	CreateWorkItems(ctx context.Context, items []models.WorkItem) error
	// ListWorkItems returns items oldest first.
	ListWorkItems(ctx context.Context, filter WorkItemFilter) ([]models.WorkItem, error)
	UpdateWorkItem(ctx context.Context, item *models.WorkItem) error

	CreateRecommendation(ctx context.Context, rec *models.Recommendation) error
	ListRecommendations(ctx context.Context, requirementID string) ([]models.Recommendation, error)

	Close(ctx context.Context) error
}
