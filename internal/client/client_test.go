package client

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/codemap/internal/app"
	"github.com/raphaelgruber/codemap/internal/config"
	"github.com/raphaelgruber/codemap/internal/models"
	"github.com/raphaelgruber/codemap/internal/server"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	cfg := config.Default()
	cfg.Store = config.StoreSQLite
	cfg.SQLitePath = filepath.Join(t.TempDir(), "codemap.db")
	cfg.LLMProvider = config.ProviderNone
	cfg.SweepSchedule = ""

	a, err := app.New(context.Background(), cfg)
	require.NoError(t, err)
	handler, err := server.New(server.Config{Pipeline: a.Pipeline, Metrics: a.Metrics})
	require.NoError(t, err)

	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() {
		_ = srv.Shutdown(context.Background())
		_ = a.Close(context.Background())
	})
	return New("http://" + ln.Addr().String() + "/v1/")
}

func TestClientRoundTrip(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)

	health, err := c.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ok", health.Status)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "app.py"), []byte("def run(x):\n    return x\n"), 0o644))

	sub, err := c.SubmitRepository(ctx, "demo", dir)
	require.NoError(t, err)

	var updates int
	job, err := c.WaitJob(ctx, sub.Job.ID, func(Job) error {
		updates++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "completed", job.Status)
	assert.True(t, job.Terminal())
	assert.Positive(t, updates)

	repo, err := c.GetRepository(ctx, sub.Repository.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RepositoryCompleted, repo.Status)

	records, err := c.CodeMaps(ctx, repo.ID)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "app.py", records[0].FilePath)

	summary, err := c.CodeMapSummary(ctx, repo.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.TotalFunctions)

	reqSub, err := c.SubmitRequirement(ctx, repo.ID, "add logging")
	require.NoError(t, err)
	_, err = c.WaitJob(ctx, reqSub.Job.ID, nil)
	require.NoError(t, err)

	req, err := c.GetRequirement(ctx, reqSub.Requirement.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RequirementFailed, req.Status)

	reqs, err := c.ListRequirements(ctx, repo.ID)
	require.NoError(t, err)
	assert.Len(t, reqs, 1)

	jobs, err := c.ListJobs(ctx, "")
	require.NoError(t, err)
	assert.Len(t, jobs, 2)

	stats, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.NotNil(t, stats.Operations)
}

func TestClientErrors(t *testing.T) {
	ctx := context.Background()
	c := newTestClient(t)

	_, err := c.GetRepository(ctx, "missing")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	var ae *APIError
	require.True(t, errors.As(err, &ae))
	assert.Equal(t, "not_found", ae.Code)

	_, err = c.SubmitRepository(ctx, " ", "x")
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, http.StatusBadRequest, ae.StatusCode)

	_, err = c.WatchJob(ctx, "missing", nil)
	assert.True(t, IsNotFound(err))
	_, err = c.WaitJob(ctx, "missing", nil)
	assert.True(t, IsNotFound(err))
}

func TestClientNonEnvelopeError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer ts.Close()

	_, err := New(ts.URL).Health(context.Background())
	var ae *APIError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, http.StatusBadGateway, ae.StatusCode)
	assert.Equal(t, "http_error", ae.Code)
	assert.Equal(t, "bad gateway", ae.Message)
}

func TestNewDefaults(t *testing.T) {
	t.Setenv("CODEMAP_SERVER_URL", "")
	assert.Equal(t, "http://localhost:8585/v1", New("").baseURL)

	t.Setenv("CODEMAP_SERVER_URL", "http://codemap:9000/v1/")
	assert.Equal(t, "http://codemap:9000/v1", New("").baseURL)
}
