package service

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/raphaelgruber/codemap/internal/models"
	"github.com/raphaelgruber/codemap/internal/source"
	"github.com/raphaelgruber/codemap/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectFiles(t *testing.T) {
	root := writeTree(t, map[string]string{
		"main.py":                  "print('hi')\n",
		"pkg/util.go":              "package pkg\n",
		"web/app.tsx":              "export const x = 1\n",
		"web/data.json":            "{}\n",
		"README.md":                "# readme\n",
		"node_modules/dep/i.js":    "module.exports = {}\n",
		"vendor/lib/lib.go":        "package lib\n",
		".venv/lib/site.py":        "x = 1\n",
		"__pycache__/main.py":      "x = 1\n",
		".git/hooks/pre-commit.py": "x = 1\n",
		"big.py":                   strings.Repeat("x = 1\n", 100),
	})

	files, skipped, err := CollectFiles(root, 64)
	require.NoError(t, err)
	assert.Equal(t, 1, skipped)

	got := map[string]string{}
	for _, f := range files {
		got[f.Path] = string(f.Kind)
	}
	assert.Equal(t, map[string]string{
		"main.py":       "python",
		"pkg/util.go":   "go",
		"web/app.tsx":   "typescript",
		"web/data.json": "json",
	}, got)
}

func TestCollectFilesMissingRoot(t *testing.T) {
	_, _, err := CollectFiles("/nonexistent/codemap-test", 0)
	assert.Error(t, err)
}

func TestAnalysisRunExtractsRecords(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	root := writeTree(t, map[string]string{
		"a.py":      "import os\n\ndef f(a, b):\n    return a + b\n",
		"notes.txt": "not code\n",
		"lib/b.js":  "const fs = require('fs')\nfunction g(x) { return x }\n",
	})
	provider := &dirProvider{dirs: map[string]string{"git://demo": root}}
	oracle := &fakeOracle{text: "Purpose: adds numbers."}
	repo := seedRepository(t, st, "git://demo")

	svc := newAnalysis(st, provider, oracle, AnalysisOptions{Concurrency: 2})
	var lastDone, lastTotal atomic.Int32
	result, err := svc.Run(ctx, repo.ID, func(done, total int) {
		lastDone.Store(int32(done))
		lastTotal.Store(int32(total))
	})
	require.NoError(t, err)

	assert.Equal(t, 2, result.FilesFound)
	assert.Equal(t, 2, result.FilesAnalyzed)
	assert.Equal(t, 2, result.RecordsCreated)
	assert.Empty(t, result.Errors)
	assert.Equal(t, int32(2), lastDone.Load())
	assert.Equal(t, int32(2), lastTotal.Load())
	assert.Equal(t, []string{repo.ID}, provider.discarded)

	got, err := st.GetRepository(ctx, repo.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RepositoryCompleted, got.Status)
	require.NotNil(t, got.AnalysisCompletedAt)
	assert.False(t, got.AnalysisCompletedAt.Before(got.CreatedAt))

	records, err := st.ListStructuralRecords(ctx, repo.ID, 0)
	require.NoError(t, err)
	require.Len(t, records, 2)

	byPath := map[string]models.StructuralRecord{}
	for _, r := range records {
		byPath[r.FilePath] = r
	}
	py := byPath["a.py"]
	require.Len(t, py.Summary.Functions, 1)
	assert.Equal(t, "f", py.Summary.Functions[0].Name)
	assert.Equal(t, []string{"a", "b"}, py.Summary.Functions[0].Args)
	assert.Equal(t, []string{"os"}, py.Summary.Dependencies)
	require.NotNil(t, py.Annotation)
	assert.True(t, py.Annotation.Available)
	assert.Equal(t, "Purpose: adds numbers.", py.Annotation.Text)

	js := byPath["lib/b.js"]
	assert.Equal(t, "javascript", js.FileKind)
	assert.Equal(t, []string{"fs"}, js.Summary.Dependencies)
	assert.Len(t, oracle.Calls(), 2)
}

func TestAnalysisRunFetchFailure(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"not found", source.ErrNotFound},
		{"fetch", source.ErrFetch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			st := newTestStore(t)
			repo := seedRepository(t, st, "git://broken")
			svc := newAnalysis(st, &dirProvider{err: tt.err}, nil, AnalysisOptions{})

			_, err := svc.Run(ctx, repo.ID, nil)
			require.ErrorIs(t, err, tt.err)

			got, err := st.GetRepository(ctx, repo.ID)
			require.NoError(t, err)
			assert.Equal(t, models.RepositoryFailed, got.Status)
			assert.NotNil(t, got.AnalysisCompletedAt)

			records, err := st.ListStructuralRecords(ctx, repo.ID, 0)
			require.NoError(t, err)
			assert.Empty(t, records)
		})
	}
}

// panickingProvider fails Fetch with a panic instead of an error.
type panickingProvider struct{}

func (panickingProvider) Fetch(context.Context, string, string) (string, error) {
	panic("snapshot index corrupt")
}

func (panickingProvider) Discard(string) error { return nil }

func TestAnalysisRunRecoversPanic(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	repo := seedRepository(t, st, "git://panics")
	svc := newAnalysis(st, panickingProvider{}, nil, AnalysisOptions{})

	result, err := svc.Run(ctx, repo.ID, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "internal panic: snapshot index corrupt")
	require.NotNil(t, result)

	got, err := st.GetRepository(ctx, repo.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RepositoryFailed, got.Status)
	assert.NotNil(t, got.AnalysisCompletedAt)
}

// flakyRecordStore fails CreateStructuralRecord for one file path.
type flakyRecordStore struct {
	store.Store
	failPath string
	err      error
}

func (s *flakyRecordStore) CreateStructuralRecord(ctx context.Context, rec *models.StructuralRecord) error {
	if rec.FilePath == s.failPath {
		return s.err
	}
	return s.Store.CreateStructuralRecord(ctx, rec)
}

func TestAnalysisRunPartialSuccess(t *testing.T) {
	tests := []struct {
		name        string
		concurrency int
	}{
		{"single worker", 1},
		{"parallel workers", 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			inner := newTestStore(t)
			st := &flakyRecordStore{Store: inner, failPath: "bad.py", err: errors.New("disk full")}
			root := writeTree(t, map[string]string{
				"good.py": "def f():\n    pass\n",
				"bad.py":  "def g():\n    pass\n",
				"lib.go":  "package lib\n\nfunc H() {}\n",
			})
			repo := seedRepository(t, inner, "git://partial")
			svc := newAnalysis(st, &dirProvider{dirs: map[string]string{"git://partial": root}}, nil,
				AnalysisOptions{Concurrency: tt.concurrency})

			result, err := svc.Run(ctx, repo.ID, nil)
			require.NoError(t, err)
			assert.Equal(t, 3, result.FilesFound)
			assert.Equal(t, 3, result.FilesAnalyzed)
			assert.Equal(t, 2, result.RecordsCreated)
			assert.Equal(t, []string{"bad.py: store record: disk full"}, result.Errors)

			got, err := inner.GetRepository(ctx, repo.ID)
			require.NoError(t, err)
			assert.Equal(t, models.RepositoryCompleted, got.Status)

			records, err := inner.ListStructuralRecords(ctx, repo.ID, 0)
			require.NoError(t, err)
			paths := make([]string, 0, len(records))
			for _, r := range records {
				paths = append(paths, r.FilePath)
			}
			assert.ElementsMatch(t, []string{"good.py", "lib.go"}, paths)
		})
	}
}

func TestAnalysisRunDegradesAnnotation(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	root := writeTree(t, map[string]string{"a.py": "def f():\n    pass\n"})
	repo := seedRepository(t, st, "git://demo")
	oracle := &fakeOracle{err: errors.New("connection refused")}

	svc := newAnalysis(st, &dirProvider{dirs: map[string]string{"git://demo": root}}, oracle, AnalysisOptions{})
	_, err := svc.Run(ctx, repo.ID, nil)
	require.NoError(t, err)

	records, err := st.ListStructuralRecords(ctx, repo.ID, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	require.NotNil(t, records[0].Annotation)
	assert.False(t, records[0].Annotation.Available)
	assert.Equal(t, models.AnnotationUnavailable, records[0].Annotation.Text)
	assert.Contains(t, records[0].Annotation.Error, "connection refused")
}

func TestAnalysisRunSkipsOversizedFiles(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	root := writeTree(t, map[string]string{
		"small.py": "x = 1\n",
		"large.py": strings.Repeat("y = 2\n", 50),
	})
	repo := seedRepository(t, st, "git://demo")

	svc := newAnalysis(st, &dirProvider{dirs: map[string]string{"git://demo": root}}, nil, AnalysisOptions{MaxFileSize: 100})
	result, err := svc.Run(ctx, repo.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, result.FilesFound)
	assert.Equal(t, 1, result.FilesSkipped)

	records, err := st.ListStructuralRecords(ctx, repo.ID, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "small.py", records[0].FilePath)
}

func TestAnalysisRunReanalysisAppends(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	root := writeTree(t, map[string]string{"a.py": "def f():\n    pass\n"})
	repo := seedRepository(t, st, "git://demo")
	svc := newAnalysis(st, &dirProvider{dirs: map[string]string{"git://demo": root}}, nil, AnalysisOptions{})

	for range 2 {
		_, err := svc.Run(ctx, repo.ID, nil)
		require.NoError(t, err)
	}
	records, err := st.ListStructuralRecords(ctx, repo.ID, 0)
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestAnalysisRunCancelled(t *testing.T) {
	st := newTestStore(t)
	root := writeTree(t, map[string]string{
		"a.py": "def a():\n    pass\n",
		"b.py": "def b():\n    pass\n",
		"c.py": "def c():\n    pass\n",
	})
	repo := seedRepository(t, st, "git://demo")

	ctx, cancel := context.WithCancel(context.Background())
	oracle := &fakeOracle{reply: func(ctx context.Context, _, _ string) (string, error) {
		cancel()
		<-ctx.Done()
		return "", ctx.Err()
	}}
	svc := newAnalysis(st, &dirProvider{dirs: map[string]string{"git://demo": root}}, oracle, AnalysisOptions{})

	_, err := svc.Run(ctx, repo.ID, nil)
	require.ErrorIs(t, err, context.Canceled)

	got, err := st.GetRepository(context.Background(), repo.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RepositoryFailed, got.Status)
	assert.Len(t, oracle.Calls(), 1)
}

func TestAnnotatorTruncatesContent(t *testing.T) {
	oracle := &fakeOracle{text: "ok"}
	a := NewAnnotator(oracle, 8, nil)

	ann := a.Annotate(context.Background(), []byte("héllo wörld, this is long"))
	assert.True(t, ann.Available)
	assert.Equal(t, "fake-model", ann.Model)

	calls := oracle.Calls()
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0], "héllo w")
	assert.NotContains(t, calls[0], "wörld")
}

func TestAnnotatorWithoutOracle(t *testing.T) {
	ann := NewAnnotator(nil, 0, nil).Annotate(context.Background(), []byte("x = 1"))
	assert.False(t, ann.Available)
	assert.Equal(t, models.AnnotationUnavailable, ann.Text)
}

func TestAnnotatorTimeout(t *testing.T) {
	oracle := &fakeOracle{reply: func(ctx context.Context, _, _ string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	ann := NewAnnotator(oracle, 0, nil).Annotate(ctx, []byte("x = 1"))
	assert.False(t, ann.Available)
	assert.Equal(t, models.AnnotationUnavailable, ann.Text)
	assert.Contains(t, ann.Error, "deadline exceeded")
}

func TestTruncateUTF8(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"abc", 5, "abc"},
		{"abcdef", 3, "abc"},
		{"aé", 2, "a"},
		{"aé", 3, "aé"},
		{"日本", 4, "日"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, truncateUTF8([]byte(tt.in), tt.n), "truncate %q to %d", tt.in, tt.n)
	}
}
