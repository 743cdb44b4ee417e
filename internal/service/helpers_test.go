package service

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/raphaelgruber/codemap/internal/db/sqlite"
	"github.com/raphaelgruber/codemap/internal/llm"
	"github.com/raphaelgruber/codemap/internal/metrics"
	"github.com/raphaelgruber/codemap/internal/models"
	"github.com/raphaelgruber/codemap/internal/parser"
	"github.com/raphaelgruber/codemap/internal/source"
	"github.com/raphaelgruber/codemap/internal/store"
	"github.com/stretchr/testify/require"
)

// fakeOracle replies from a script. reply, when set, wins over text/err.
type fakeOracle struct {
	mu    sync.Mutex
	text  string
	err   error
	reply func(ctx context.Context, system, user string) (string, error)
	calls []string
}

func (f *fakeOracle) Name() string { return "fake-model" }

func (f *fakeOracle) Complete(ctx context.Context, system, user string, _ float64) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, user)
	reply, text, err := f.reply, f.text, f.err
	f.mu.Unlock()
	if reply != nil {
		return reply(ctx, system, user)
	}
	return text, err
}

func (f *fakeOracle) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// dirProvider serves snapshots from directories keyed by source URL.
type dirProvider struct {
	mu        sync.Mutex
	dirs      map[string]string
	err       error
	discarded []string
}

func (p *dirProvider) Fetch(_ context.Context, url, _ string) (string, error) {
	if p.err != nil {
		return "", p.err
	}
	dir, ok := p.dirs[url]
	if !ok {
		return "", source.ErrNotFound
	}
	return dir, nil
}

func (p *dirProvider) Discard(targetID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.discarded = append(p.discarded, targetID)
	return nil
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "codemap.db"), metrics.NewCollector())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

// writeTree creates files (slash paths) under a fresh temp dir.
func writeTree(t *testing.T, files map[string]string) string {
	t.Helper()
	root := t.TempDir()
	for name, content := range files {
		path := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	return root
}

func seedRepository(t *testing.T, st store.Store, sourceURL string) *models.Repository {
	t.Helper()
	repo := &models.Repository{
		ID:        "repo-" + filepath.Base(t.Name()),
		Name:      "demo",
		SourceURL: sourceURL,
		Status:    models.RepositoryPending,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, st.CreateRepository(context.Background(), repo))
	return repo
}

func seedRequirement(t *testing.T, st store.Store, repoID, prompt string) *models.ChangeRequirement {
	t.Helper()
	req := &models.ChangeRequirement{
		ID:           "req-" + filepath.Base(t.Name()),
		RepositoryID: repoID,
		Prompt:       prompt,
		Status:       models.RequirementPending,
		CreatedAt:    time.Now().UTC(),
	}
	require.NoError(t, st.CreateRequirement(context.Background(), req))
	return req
}

func newAnalysis(st store.Store, provider source.Provider, oracle *fakeOracle, opts AnalysisOptions) *AnalysisService {
	mc := metrics.NewCollector()
	return NewAnalysisService(st, provider, parser.NewExtractor(16, mc), NewAnnotator(oracleOf(oracle), 0, mc), opts, mc)
}

// oracleOf avoids handing a typed nil to code that checks for a nil oracle.
func oracleOf(o *fakeOracle) llm.Oracle {
	if o == nil {
		return nil
	}
	return o
}

// waitJob blocks until job finishes or fails the test after a timeout.
func waitJob(t *testing.T, job *Job) JobInfo {
	t.Helper()
	select {
	case <-job.Done():
	case <-time.After(10 * time.Second):
		t.Fatalf("job %s did not finish", job.ID())
	}
	return job.Snapshot()
}
