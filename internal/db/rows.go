package db

import (
	"fmt"
	"time"

	"github.com/raphaelgruber/codemap/internal/models"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

// recordIDString extracts the string key from a SurrealDB record id.
func recordIDString(id surrealmodels.RecordID) (string, error) {
	s, ok := id.ID.(string)
	if !ok {
		return "", fmt.Errorf("unexpected record id type %T (expected string)", id.ID)
	}
	return s, nil
}

// datetime formats t for a <datetime> cast inside SurrealQL.
func datetime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

type repositoryRow struct {
	ID                  surrealmodels.RecordID `json:"id"`
	Name                string                 `json:"name"`
	SourceURL           string                 `json:"source_url"`
	Status              string                 `json:"status"`
	CreatedAt           time.Time              `json:"created_at"`
	AnalysisCompletedAt *time.Time             `json:"analysis_completed_at,omitempty"`
}

func (r repositoryRow) model() (models.Repository, error) {
	id, err := recordIDString(r.ID)
	if err != nil {
		return models.Repository{}, err
	}
	return models.Repository{
		ID:                  id,
		Name:                r.Name,
		SourceURL:           r.SourceURL,
		Status:              models.RepositoryStatus(r.Status),
		CreatedAt:           r.CreatedAt,
		AnalysisCompletedAt: r.AnalysisCompletedAt,
	}, nil
}

type codeMapRow struct {
	ID           surrealmodels.RecordID   `json:"id"`
	RepositoryID string                   `json:"repository_id"`
	FilePath     string                   `json:"file_path"`
	FileKind     string                   `json:"file_kind"`
	Summary      models.StructuralSummary `json:"summary"`
	Annotation   *models.Annotation       `json:"annotation,omitempty"`
	CreatedAt    time.Time                `json:"created_at"`
}

func (r codeMapRow) model() (models.StructuralRecord, error) {
	id, err := recordIDString(r.ID)
	if err != nil {
		return models.StructuralRecord{}, err
	}
	return models.StructuralRecord{
		ID:           id,
		RepositoryID: r.RepositoryID,
		FilePath:     r.FilePath,
		FileKind:     r.FileKind,
		Summary:      r.Summary,
		Annotation:   r.Annotation,
		CreatedAt:    r.CreatedAt,
	}, nil
}

type requirementRow struct {
	ID                 surrealmodels.RecordID    `json:"id"`
	RepositoryID       string                    `json:"repository_id"`
	Prompt             string                    `json:"prompt"`
	Analysis           *string                   `json:"analysis,omitempty"`
	AffectedComponents models.AffectedComponents `json:"affected_components,omitempty"`
	Dependencies       []string                  `json:"dependencies,omitempty"`
	Suggestions        []string                  `json:"suggestions,omitempty"`
	Status             string                    `json:"status"`
	CreatedAt          time.Time                 `json:"created_at"`
	ResolvedAt         *time.Time                `json:"resolved_at,omitempty"`
}

func (r requirementRow) model() (models.ChangeRequirement, error) {
	id, err := recordIDString(r.ID)
	if err != nil {
		return models.ChangeRequirement{}, err
	}
	return models.ChangeRequirement{
		ID:                 id,
		RepositoryID:       r.RepositoryID,
		Prompt:             r.Prompt,
		Analysis:           r.Analysis,
		AffectedComponents: r.AffectedComponents,
		Dependencies:       r.Dependencies,
		Suggestions:        r.Suggestions,
		Status:             models.RequirementStatus(r.Status),
		CreatedAt:          r.CreatedAt,
		ResolvedAt:         r.ResolvedAt,
	}, nil
}

type workItemRow struct {
	ID            surrealmodels.RecordID `json:"id"`
	RequirementID string                 `json:"requirement_id"`
	Tier          string                 `json:"tier"`
	Status        string                 `json:"status"`
	Input         models.WorkItemInput   `json:"input"`
	Output        *models.WorkItemOutput `json:"output,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
	CompletedAt   *time.Time             `json:"completed_at,omitempty"`
}

func (r workItemRow) model() (models.WorkItem, error) {
	id, err := recordIDString(r.ID)
	if err != nil {
		return models.WorkItem{}, err
	}
	return models.WorkItem{
		ID:            id,
		RequirementID: r.RequirementID,
		Tier:          models.Tier(r.Tier),
		Status:        models.WorkItemStatus(r.Status),
		Input:         r.Input,
		Output:        r.Output,
		CreatedAt:     r.CreatedAt,
		CompletedAt:   r.CompletedAt,
	}, nil
}

type recommendationRow struct {
	ID                 surrealmodels.RecordID `json:"id"`
	RequirementID      string                 `json:"requirement_id"`
	Tier               string                 `json:"tier"`
	FilePath           string                 `json:"file_path"`
	ChangeKind         string                 `json:"change_kind"`
	OriginalContent    *string                `json:"original_content,omitempty"`
	RecommendedContent string                 `json:"recommended_content"`
	Rationale          string                 `json:"rationale"`
	Confidence         float64                `json:"confidence"`
	CreatedAt          time.Time              `json:"created_at"`
}

func (r recommendationRow) model() (models.Recommendation, error) {
	id, err := recordIDString(r.ID)
	if err != nil {
		return models.Recommendation{}, err
	}
	return models.Recommendation{
		ID:                 id,
		RequirementID:      r.RequirementID,
		Tier:               models.Tier(r.Tier),
		FilePath:           r.FilePath,
		ChangeKind:         models.ChangeKind(r.ChangeKind),
		OriginalContent:    r.OriginalContent,
		RecommendedContent: r.RecommendedContent,
		Rationale:          r.Rationale,
		Confidence:         r.Confidence,
		CreatedAt:          r.CreatedAt,
	}, nil
}

// convertRows maps decoded rows to models, failing on the first bad id.
func convertRows[R interface{ model() (M, error) }, M any](rows []R) ([]M, error) {
	out := make([]M, 0, len(rows))
	for _, r := range rows {
		m, err := r.model()
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}
