// Package client provides a REST client for the codemap server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/raphaelgruber/codemap/internal/metrics"
	"github.com/raphaelgruber/codemap/internal/models"
)

// errStream marks a failure of the watch stream itself, as opposed to the job or the callback.
var errStream = errors.New("watch stream")

// DefaultServerURL is used when neither an explicit URL nor CODEMAP_SERVER_URL is set.
const DefaultServerURL = "http://localhost:8585/v1"

// Client talks to the codemap HTTP API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a new client.
// If baseURL is empty, uses CODEMAP_SERVER_URL or defaults to DefaultServerURL.
// Timeout can be configured via CODEMAP_CLIENT_TIMEOUT (default 30s).
func New(baseURL string) *Client {
	if baseURL == "" {
		baseURL = os.Getenv("CODEMAP_SERVER_URL")
	}
	if baseURL == "" {
		baseURL = DefaultServerURL
	}

	timeout := 30 * time.Second
	if t := os.Getenv("CODEMAP_CLIENT_TIMEOUT"); t != "" {
		if d, err := time.ParseDuration(t); err == nil {
			timeout = d
		}
	}

	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// APIError is a non-2xx response decoded from the server's error envelope.
type APIError struct {
	StatusCode int            `json:"-"`
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	Details    map[string]any `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Code, e.StatusCode, e.Message)
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusNotFound
}

// IsConflict reports whether err is a 409 from the server.
func IsConflict(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusConflict
}

// do sends a JSON request and decodes a JSON response into result.
func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var env struct {
			Error APIError `json:"error"`
		}
		if err := json.Unmarshal(data, &env); err != nil || env.Error.Code == "" {
			return &APIError{StatusCode: resp.StatusCode, Code: "http_error", Message: strings.TrimSpace(string(data))}
		}
		env.Error.StatusCode = resp.StatusCode
		return &env.Error
	}

	if result != nil && len(data) > 0 {
		if err := json.Unmarshal(data, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}

// =============================================================================
// TYPES
// =============================================================================

// Job is a background run as reported by the server.
type Job struct {
	ID          string          `json:"id"`
	Kind        string          `json:"kind"`
	SubjectID   string          `json:"subject_id"`
	Status      string          `json:"status"`
	Progress    int             `json:"progress"`
	Total       int             `json:"total"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// Terminal reports whether the job has finished.
func (j Job) Terminal() bool {
	return j.Status == "completed" || j.Status == "failed" || j.Status == "cancelled"
}

// RepositorySubmission is the response to SubmitRepository.
type RepositorySubmission struct {
	Repository models.Repository `json:"repository"`
	Job        Job               `json:"job"`
}

// RequirementSubmission is the response to SubmitRequirement.
type RequirementSubmission struct {
	Requirement models.ChangeRequirement `json:"requirement"`
	Job         Job                      `json:"job"`
}

// Health is the server health report.
type Health struct {
	Status string `json:"status"`
	Oracle bool   `json:"oracle"`
}

// =============================================================================
// OPERATIONS
// =============================================================================

// Health checks that the server is up.
func (c *Client) Health(ctx context.Context) (*Health, error) {
	var h Health
	if err := c.do(ctx, http.MethodGet, "/health", nil, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// Stats returns server runtime statistics.
func (c *Client) Stats(ctx context.Context) (*metrics.Snapshot, error) {
	var s metrics.Snapshot
	if err := c.do(ctx, http.MethodGet, "/stats", nil, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// SubmitRepository registers a repository and starts its analysis.
func (c *Client) SubmitRepository(ctx context.Context, name, sourceURL string) (*RepositorySubmission, error) {
	var out RepositorySubmission
	body := map[string]string{"name": name, "source_url": sourceURL}
	if err := c.do(ctx, http.MethodPost, "/repositories", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListRepositories lists repositories, optionally filtered by status.
func (c *Client) ListRepositories(ctx context.Context, status string) ([]models.Repository, error) {
	path := "/repositories"
	if status != "" {
		path += "?status=" + url.QueryEscape(status)
	}
	var out []models.Repository
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetRepository fetches one repository.
func (c *Client) GetRepository(ctx context.Context, id string) (*models.Repository, error) {
	var out models.Repository
	if err := c.do(ctx, http.MethodGet, "/repositories/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Reanalyze starts another analysis run.
func (c *Client) Reanalyze(ctx context.Context, id string) (*Job, error) {
	var out Job
	if err := c.do(ctx, http.MethodPost, "/repositories/"+url.PathEscape(id)+"/analyze", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CancelRepository cancels the active analysis of a repository.
func (c *Client) CancelRepository(ctx context.Context, id string) (*Job, error) {
	var out Job
	if err := c.do(ctx, http.MethodPost, "/repositories/"+url.PathEscape(id)+"/cancel", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CodeMaps lists the structural records of a repository.
func (c *Client) CodeMaps(ctx context.Context, repositoryID string) ([]models.StructuralRecord, error) {
	var out []models.StructuralRecord
	if err := c.do(ctx, http.MethodGet, "/repositories/"+url.PathEscape(repositoryID)+"/code-maps", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// CodeMapSummary aggregates the structural records of a repository.
func (c *Client) CodeMapSummary(ctx context.Context, repositoryID string) (*models.CodeMapSummary, error) {
	var out models.CodeMapSummary
	if err := c.do(ctx, http.MethodGet, "/repositories/"+url.PathEscape(repositoryID)+"/code-maps/summary", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// SubmitRequirement files a change requirement and starts its resolution.
func (c *Client) SubmitRequirement(ctx context.Context, repositoryID, prompt string) (*RequirementSubmission, error) {
	var out RequirementSubmission
	body := map[string]string{"prompt": prompt}
	if err := c.do(ctx, http.MethodPost, "/repositories/"+url.PathEscape(repositoryID)+"/requirements", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListRequirements lists the requirements of a repository.
func (c *Client) ListRequirements(ctx context.Context, repositoryID string) ([]models.ChangeRequirement, error) {
	var out []models.ChangeRequirement
	if err := c.do(ctx, http.MethodGet, "/repositories/"+url.PathEscape(repositoryID)+"/requirements", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetRequirement fetches one requirement.
func (c *Client) GetRequirement(ctx context.Context, id string) (*models.ChangeRequirement, error) {
	var out models.ChangeRequirement
	if err := c.do(ctx, http.MethodGet, "/requirements/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// WorkItems lists the work items of a requirement.
func (c *Client) WorkItems(ctx context.Context, requirementID string) ([]models.WorkItem, error) {
	var out []models.WorkItem
	if err := c.do(ctx, http.MethodGet, "/requirements/"+url.PathEscape(requirementID)+"/work-items", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Recommendations lists the recommendations of a requirement.
func (c *Client) Recommendations(ctx context.Context, requirementID string) ([]models.Recommendation, error) {
	var out []models.Recommendation
	if err := c.do(ctx, http.MethodGet, "/requirements/"+url.PathEscape(requirementID)+"/recommendations", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ListJobs lists jobs, optionally filtered by kind.
func (c *Client) ListJobs(ctx context.Context, kind string) ([]Job, error) {
	path := "/jobs"
	if kind != "" {
		path += "?kind=" + url.QueryEscape(kind)
	}
	var out []Job
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetJob fetches one job.
func (c *Client) GetJob(ctx context.Context, id string) (*Job, error) {
	var out Job
	if err := c.do(ctx, http.MethodGet, "/jobs/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CancelJob requests cancellation of a job.
func (c *Client) CancelJob(ctx context.Context, id string) (*Job, error) {
	var out Job
	if err := c.do(ctx, http.MethodPost, "/jobs/"+url.PathEscape(id)+"/cancel", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// WatchJob streams job snapshots over a websocket until the job is terminal.
// onUpdate is invoked for each snapshot; return an error from it to stop watching.
// The last snapshot received is returned.
func (c *Client) WatchJob(ctx context.Context, id string, onUpdate func(Job) error) (*Job, error) {
	wsURL := c.baseURL
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL = strings.Replace(wsURL, "https://", "wss://", 1)

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, wsURL+"/jobs/"+url.PathEscape(id)+"/watch", nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil, &APIError{StatusCode: http.StatusNotFound, Code: "not_found", Message: "job not found: " + id}
		}
		return nil, fmt.Errorf("%w: connect: %w", errStream, err)
	}

	var (
		mu     sync.Mutex
		closed bool
	)
	closeConn := func() {
		mu.Lock()
		defer mu.Unlock()
		if !closed {
			closed = true
			conn.Close()
		}
	}
	defer closeConn()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			closeConn()
		case <-done:
		}
	}()

	var last *Job
	for {
		var job Job
		if err := conn.ReadJSON(&job); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) && last != nil {
				return last, nil
			}
			if ctx.Err() != nil {
				return last, ctx.Err()
			}
			return last, fmt.Errorf("%w: read: %w", errStream, err)
		}
		last = &job
		if onUpdate != nil {
			if err := onUpdate(job); err != nil {
				return last, err
			}
		}
	}
}

// WaitJob watches a job and falls back to polling if the websocket is unavailable.
func (c *Client) WaitJob(ctx context.Context, id string, onUpdate func(Job) error) (*Job, error) {
	job, err := c.WatchJob(ctx, id, onUpdate)
	if !errors.Is(err, errStream) || ctx.Err() != nil {
		return job, err
	}
	if job != nil && job.Terminal() {
		return job, nil
	}

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		job, err := c.GetJob(ctx, id)
		if err != nil {
			return nil, err
		}
		if onUpdate != nil {
			if err := onUpdate(*job); err != nil {
				return job, err
			}
		}
		if job.Terminal() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}
