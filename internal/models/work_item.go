package models

import (
	"errors"
	"fmt"
	"time"
)

// WorkItemStatus is the lifecycle state of a work item.
type WorkItemStatus string

const (
	WorkItemPending    WorkItemStatus = "pending"
	WorkItemProcessing WorkItemStatus = "processing"
	WorkItemCompleted  WorkItemStatus = "completed"
	WorkItemFailed     WorkItemStatus = "failed"
)

// WorkItemInput is the tier-scoped slice of a resolved requirement.
type WorkItemInput struct {
	Components   []string           `json:"components"`
	Analysis     string             `json:"analysis"`
	Affected     AffectedComponents `json:"affected_components"`
	Dependencies []string           `json:"dependencies"`
	Suggestions  []string           `json:"suggestions"`
}

// WorkItemOutput records what an executed work item produced.
type WorkItemOutput struct {
	Recommendations int    `json:"recommendations"`
	Error           string `json:"error,omitempty"`
}

// WorkItem is one tier's unit of work for a requirement.
type WorkItem struct {
	ID            string          `json:"id"`
	RequirementID string          `json:"requirement_id"`
	Tier          Tier            `json:"tier"`
	Status        WorkItemStatus  `json:"status"`
	Input         WorkItemInput   `json:"input"`
	Output        *WorkItemOutput `json:"output,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	CompletedAt   *time.Time      `json:"completed_at,omitempty"`
}

// ChangeKind describes what a recommendation does to a file.
type ChangeKind string

const (
	ChangeAdd    ChangeKind = "add"
	ChangeModify ChangeKind = "modify"
	ChangeDelete ChangeKind = "delete"
)

// ErrInvalidRecommendation is returned by Recommendation.Validate.
var ErrInvalidRecommendation = errors.New("invalid recommendation")

// Recommendation is an immutable proposed change produced by a work item.
type Recommendation struct {
	ID                 string     `json:"id"`
	RequirementID      string     `json:"requirement_id"`
	Tier               Tier       `json:"tier"`
	FilePath           string     `json:"file_path"`
	ChangeKind         ChangeKind `json:"change_kind"`
	OriginalContent    *string    `json:"original_content,omitempty"`
	RecommendedContent string     `json:"recommended_content"`
	Rationale          string     `json:"rationale"`
	Confidence         float64    `json:"confidence"`
	CreatedAt          time.Time  `json:"created_at"`
}

// Validate checks the invariants a recommendation must satisfy before it is stored.
func (r Recommendation) Validate() error {
	if r.RequirementID == "" {
		return fmt.Errorf("%w: requirement id is required", ErrInvalidRecommendation)
	}
	if r.FilePath == "" {
		return fmt.Errorf("%w: file path is required", ErrInvalidRecommendation)
	}
	switch r.ChangeKind {
	case ChangeAdd, ChangeModify, ChangeDelete:
	default:
		return fmt.Errorf("%w: unknown change kind %q", ErrInvalidRecommendation, r.ChangeKind)
	}
	if r.Confidence < 0 || r.Confidence > 1 || r.Confidence != r.Confidence {
		return fmt.Errorf("%w: confidence %v outside [0,1]", ErrInvalidRecommendation, r.Confidence)
	}
	return nil
}

// ClampConfidence bounds c to [0,1]. NaN maps to 0.
func ClampConfidence(c float64) float64 {
	switch {
	case c != c, c < 0:
		return 0
	case c > 1:
		return 1
	}
	return c
}
