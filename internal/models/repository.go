// Package models defines the entities persisted by the codemap pipeline.
package models

import "time"

// RepositoryStatus is the lifecycle state of a repository analysis.
type RepositoryStatus string

const (
	RepositoryPending   RepositoryStatus = "pending"
	RepositoryAnalyzing RepositoryStatus = "analyzing"
	RepositoryCompleted RepositoryStatus = "completed"
	RepositoryFailed    RepositoryStatus = "failed"
)

// Terminal reports whether no further transition is expected.
func (s RepositoryStatus) Terminal() bool {
	return s == RepositoryCompleted || s == RepositoryFailed
}

// Repository is a submitted source repository.
type Repository struct {
	ID                  string           `json:"id"`
	Name                string           `json:"name"`
	SourceURL           string           `json:"source_url"`
	Status              RepositoryStatus `json:"status"`
	CreatedAt           time.Time        `json:"created_at"`
	AnalysisCompletedAt *time.Time       `json:"analysis_completed_at,omitempty"`
}
