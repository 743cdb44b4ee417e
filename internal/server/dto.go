package server

import (
	"github.com/raphaelgruber/codemap/internal/models"
	"github.com/raphaelgruber/codemap/internal/service"
)

// CreateRepositoryRequest submits a repository for analysis.
type CreateRepositoryRequest struct {
	Name      string `json:"name" minLength:"1" example:"shop-backend"`
	SourceURL string `json:"source_url" minLength:"1" example:"https://github.com/acme/shop.git"`
}

// RepositoryAccepted is returned when a repository was stored and its analysis scheduled.
type RepositoryAccepted struct {
	Repository models.Repository `json:"repository"`
	Job        service.JobInfo   `json:"job"`
}

// CreateRequirementRequest submits a change requirement.
type CreateRequirementRequest struct {
	Prompt string `json:"prompt" minLength:"1" example:"add dark mode"`
}

// RequirementAccepted is returned when a requirement was stored and its resolution scheduled.
type RequirementAccepted struct {
	Requirement models.ChangeRequirement `json:"requirement"`
	Job         service.JobInfo          `json:"job"`
}

// HealthResponse reports liveness.
type HealthResponse struct {
	Status string `json:"status" example:"ok"`
	Oracle bool   `json:"oracle"`
}
