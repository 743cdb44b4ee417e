// Package server exposes the codemap pipeline over HTTP.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"github.com/raphaelgruber/codemap/internal/metrics"
	"github.com/raphaelgruber/codemap/internal/models"
	"github.com/raphaelgruber/codemap/internal/service"
	"github.com/raphaelgruber/codemap/internal/store"
)

// DefaultBasePath prefixes every route.
const DefaultBasePath = "/v1"

// Config for the HTTP API handler.
type Config struct {
	Pipeline      *service.Pipeline
	Metrics       *metrics.Collector
	OracleEnabled bool
	BasePath      string
	Logger        *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"entity not found"`
	Details map[string]any `json:"details,omitempty"`
}

// apiError is the {"error": {...}} envelope every failure is rendered as.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the codemap API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Pipeline == nil {
		return nil, errors.New("server: pipeline is required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = DefaultBasePath
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			msgs := make([]string, 0, len(errs))
			for _, e := range errs {
				msgs = append(msgs, e.Error())
			}
			details = map[string]any{"errors": msgs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(LoggingMiddleware(logger))

	hcfg := huma.DefaultConfig("Codemap API", "0.1.0")
	hcfg.OpenAPIPath = basePath + "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group, cfg)
	registerRepositories(group, cfg.Pipeline)
	registerRequirements(group, cfg.Pipeline)
	registerJobs(group, cfg.Pipeline.Jobs())
	router.Get(basePath+"/jobs/{id}/watch", watchHandler(cfg.Pipeline.Jobs()))

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, service.ErrJobNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, service.ErrRunInProgress):
		return newAPIError(http.StatusConflict, "run_in_progress", err.Error(), nil)
	case errors.Is(err, store.ErrConflict):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	case errors.Is(err, service.ErrInvalidInput):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	case errors.Is(err, context.DeadlineExceeded):
		return newAPIError(http.StatusGatewayTimeout, "timeout", err.Error(), nil)
	default:
		slog.Error("request failed", "error", err)
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerHealth(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body HealthResponse `json:"body"`
	}, error) {
		return &struct {
			Body HealthResponse `json:"body"`
		}{Body: HealthResponse{Status: "ok", Oracle: cfg.OracleEnabled}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "stats",
		Method:      http.MethodGet,
		Path:        "/stats",
		Summary:     "Runtime statistics",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body metrics.Snapshot `json:"body"`
	}, error) {
		return &struct {
			Body metrics.Snapshot `json:"body"`
		}{Body: cfg.Metrics.Snapshot()}, nil
	})
}

func registerRepositories(api huma.API, p *service.Pipeline) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-repository",
		Method:        http.MethodPost,
		Path:          "/repositories",
		Summary:       "Submit a repository and start its analysis",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateRepositoryRequest `json:"body"`
	}) (*struct {
		Body RepositoryAccepted `json:"body"`
	}, error) {
		repo, job, err := p.SubmitRepository(ctx, input.Body.Name, input.Body.SourceURL)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RepositoryAccepted `json:"body"`
		}{Body: RepositoryAccepted{Repository: *repo, Job: job}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-repositories",
		Method:      http.MethodGet,
		Path:        "/repositories",
		Summary:     "List repositories, newest first",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" doc:"Filter by status (pending, analyzing, completed, failed)"`
	}) (*struct {
		Body []models.Repository `json:"body"`
	}, error) {
		repos, err := p.Repositories(ctx, models.RepositoryStatus(input.Status))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []models.Repository `json:"body"`
		}{Body: repos}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-repository",
		Method:      http.MethodGet,
		Path:        "/repositories/{id}",
		Summary:     "Get repository",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body models.Repository `json:"body"`
	}, error) {
		repo, err := p.Repository(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body models.Repository `json:"body"`
		}{Body: *repo}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "analyze-repository",
		Method:        http.MethodPost,
		Path:          "/repositories/{id}/analyze",
		Summary:       "Re-run the analysis of a repository",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body service.JobInfo `json:"body"`
	}, error) {
		job, err := p.Reanalyze(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body service.JobInfo `json:"body"`
		}{Body: job}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-repository",
		Method:      http.MethodPost,
		Path:        "/repositories/{id}/cancel",
		Summary:     "Cancel the running analysis of a repository",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body service.JobInfo `json:"body"`
	}, error) {
		job, err := p.CancelRepository(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body service.JobInfo `json:"body"`
		}{Body: job}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-code-maps",
		Method:      http.MethodGet,
		Path:        "/repositories/{id}/code-maps",
		Summary:     "List structural records in insertion order",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []models.StructuralRecord `json:"body"`
	}, error) {
		records, err := p.CodeMaps(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []models.StructuralRecord `json:"body"`
		}{Body: records}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "code-map-summary",
		Method:      http.MethodGet,
		Path:        "/repositories/{id}/code-maps/summary",
		Summary:     "Aggregate the structural records of a repository",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body models.CodeMapSummary `json:"body"`
	}, error) {
		summary, err := p.CodeMapSummary(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body models.CodeMapSummary `json:"body"`
		}{Body: summary}, nil
	})
}

func registerRequirements(api huma.API, p *service.Pipeline) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-requirement",
		Method:        http.MethodPost,
		Path:          "/repositories/{id}/requirements",
		Summary:       "Submit a change requirement and start its resolution",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string                   `path:"id"`
		Body CreateRequirementRequest `json:"body"`
	}) (*struct {
		Body RequirementAccepted `json:"body"`
	}, error) {
		req, job, err := p.SubmitRequirement(ctx, input.ID, input.Body.Prompt)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RequirementAccepted `json:"body"`
		}{Body: RequirementAccepted{Requirement: *req, Job: job}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-requirements",
		Method:      http.MethodGet,
		Path:        "/repositories/{id}/requirements",
		Summary:     "List the requirements of a repository",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []models.ChangeRequirement `json:"body"`
	}, error) {
		reqs, err := p.Requirements(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []models.ChangeRequirement `json:"body"`
		}{Body: reqs}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-requirement",
		Method:      http.MethodGet,
		Path:        "/requirements/{id}",
		Summary:     "Get requirement",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body models.ChangeRequirement `json:"body"`
	}, error) {
		req, err := p.Requirement(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body models.ChangeRequirement `json:"body"`
		}{Body: *req}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-work-items",
		Method:      http.MethodGet,
		Path:        "/requirements/{id}/work-items",
		Summary:     "List the work items of a requirement",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []models.WorkItem `json:"body"`
	}, error) {
		items, err := p.WorkItems(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []models.WorkItem `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-recommendations",
		Method:      http.MethodGet,
		Path:        "/requirements/{id}/recommendations",
		Summary:     "List the recommendations of a requirement",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []models.Recommendation `json:"body"`
	}, error) {
		recs, err := p.Recommendations(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []models.Recommendation `json:"body"`
		}{Body: recs}, nil
	})
}

func registerJobs(api huma.API, jobs *service.JobManager) {
	huma.Register(api, huma.Operation{
		OperationID: "list-jobs",
		Method:      http.MethodGet,
		Path:        "/jobs",
		Summary:     "List jobs, most recent first",
	}, func(ctx context.Context, input *struct {
		Kind string `query:"kind" doc:"Filter by kind (analysis, requirement)"`
	}) (*struct {
		Body []service.JobInfo `json:"body"`
	}, error) {
		return &struct {
			Body []service.JobInfo `json:"body"`
		}{Body: jobs.List(service.JobKind(input.Kind))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-job",
		Method:      http.MethodGet,
		Path:        "/jobs/{id}",
		Summary:     "Get job",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body service.JobInfo `json:"body"`
	}, error) {
		job, err := jobs.Get(input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body service.JobInfo `json:"body"`
		}{Body: job.Snapshot()}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-job",
		Method:      http.MethodPost,
		Path:        "/jobs/{id}/cancel",
		Summary:     "Request cancellation of a job",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body service.JobInfo `json:"body"`
	}, error) {
		info, err := jobs.Cancel(input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body service.JobInfo `json:"body"`
		}{Body: info}, nil
	})
}
