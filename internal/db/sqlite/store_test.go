package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/raphaelgruber/codemap/internal/metrics"
	"github.com/raphaelgruber/codemap/internal/models"
	"github.com/raphaelgruber/codemap/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), filepath.Join(t.TempDir(), "codemap.db"), metrics.NewCollector())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func seedRepository(t *testing.T, s *Store, id string) *models.Repository {
	t.Helper()
	repo := &models.Repository{
		ID:        id,
		Name:      "demo",
		SourceURL: "https://example.com/demo.git",
		Status:    models.RepositoryPending,
		CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, s.CreateRepository(context.Background(), repo))
	return repo
}

func TestRepositoryLifecycle(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	repo := seedRepository(t, s, "r1")

	got, err := s.GetRepository(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, repo.Name, got.Name)
	assert.Equal(t, models.RepositoryPending, got.Status)
	assert.Nil(t, got.AnalysisCompletedAt)

	done := time.Now().UTC()
	require.NoError(t, s.UpdateRepositoryStatus(ctx, "r1", models.RepositoryCompleted, &done))
	got, err = s.GetRepository(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, models.RepositoryCompleted, got.Status)
	require.NotNil(t, got.AnalysisCompletedAt)
	assert.True(t, got.AnalysisCompletedAt.Equal(done))

	_, err = s.GetRepository(ctx, "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, s.UpdateRepositoryStatus(ctx, "missing", models.RepositoryFailed, nil), store.ErrNotFound)
	assert.ErrorIs(t, s.CreateRepository(ctx, repo), store.ErrConflict)
}

func TestListRepositoriesByStatus(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	seedRepository(t, s, "r1")
	seedRepository(t, s, "r2")
	require.NoError(t, s.UpdateRepositoryStatus(ctx, "r2", models.RepositoryAnalyzing, nil))

	all, err := s.ListRepositories(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	analyzing, err := s.ListRepositories(ctx, models.RepositoryAnalyzing)
	require.NoError(t, err)
	require.Len(t, analyzing, 1)
	assert.Equal(t, "r2", analyzing[0].ID)
}

func TestStructuralRecordsKeepInsertionOrder(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	seedRepository(t, s, "r1")

	for i, path := range []string{"b.py", "a.py", "c.js"} {
		rec := &models.StructuralRecord{
			ID:           path,
			RepositoryID: "r1",
			FilePath:     path,
			FileKind:     "python",
			Summary: models.StructuralSummary{
				Functions:    []models.Function{{Name: "f", Args: []string{"a", "b"}, LineStart: 1, LineEnd: 2}},
				Dependencies: []string{"os"},
				LineCount:    i + 1,
				Parsed:       true,
			},
			CreatedAt: time.Now().UTC(),
		}
		if i == 0 {
			rec.Annotation = &models.Annotation{Text: "entry point", Available: true}
		}
		require.NoError(t, s.CreateStructuralRecord(ctx, rec))
	}

	recs, err := s.ListStructuralRecords(ctx, "r1", 0)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	assert.Equal(t, []string{"b.py", "a.py", "c.js"}, []string{recs[0].FilePath, recs[1].FilePath, recs[2].FilePath})
	assert.Equal(t, []string{"a", "b"}, recs[0].Summary.Functions[0].Args)
	require.NotNil(t, recs[0].Annotation)
	assert.True(t, recs[0].Annotation.Available)
	assert.Nil(t, recs[1].Annotation)

	limited, err := s.ListStructuralRecords(ctx, "r1", 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestStructuralRecordRequiresRepository(t *testing.T) {
	s := openTestStore(t)
	err := s.CreateStructuralRecord(context.Background(), &models.StructuralRecord{
		ID:           "x",
		RepositoryID: "nope",
		FilePath:     "x.py",
		FileKind:     "python",
		Summary:      models.EmptySummary(0),
		CreatedAt:    time.Now(),
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRequirementRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	seedRepository(t, s, "r1")

	req := &models.ChangeRequirement{
		ID:           "q1",
		RepositoryID: "r1",
		Prompt:       "add dark mode",
		Status:       models.RequirementPending,
		CreatedAt:    time.Now().UTC(),
	}
	require.NoError(t, s.CreateRequirement(ctx, req))

	got, err := s.GetRequirement(ctx, "q1")
	require.NoError(t, err)
	assert.Nil(t, got.Analysis)
	assert.Nil(t, got.AffectedComponents)

	analysis := "toggle in settings"
	now := time.Now().UTC()
	req.Analysis = &analysis
	req.AffectedComponents = models.AffectedComponents{
		models.TierPresentation: {"Settings screen"},
		models.TierService:      {},
		models.TierData:         {},
	}
	req.Status = models.RequirementCompleted
	req.ResolvedAt = &now
	require.NoError(t, s.UpdateRequirement(ctx, req))

	got, err = s.GetRequirement(ctx, "q1")
	require.NoError(t, err)
	assert.Equal(t, analysis, *got.Analysis)
	assert.Equal(t, req.AffectedComponents, got.AffectedComponents)
	assert.Equal(t, models.RequirementCompleted, got.Status)

	list, err := s.ListRequirements(ctx, store.RequirementFilter{RepositoryID: "r1", Status: models.RequirementCompleted})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestWorkItemsAndRecommendations(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	seedRepository(t, s, "r1")
	require.NoError(t, s.CreateRequirement(ctx, &models.ChangeRequirement{
		ID: "q1", RepositoryID: "r1", Prompt: "p", Status: models.RequirementCompleted, CreatedAt: time.Now(),
	}))

	items := []models.WorkItem{
		{ID: "w1", RequirementID: "q1", Tier: models.TierPresentation, Status: models.WorkItemPending,
			Input: models.WorkItemInput{Components: []string{"Settings screen"}}, CreatedAt: time.Now()},
		{ID: "w2", RequirementID: "q1", Tier: models.TierData, Status: models.WorkItemPending,
			Input: models.WorkItemInput{Components: []string{"users"}}, CreatedAt: time.Now()},
	}
	require.NoError(t, s.CreateWorkItems(ctx, items))

	pending, err := s.ListWorkItems(ctx, store.WorkItemFilter{RequirementID: "q1", Status: models.WorkItemPending})
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, []string{"Settings screen"}, pending[0].Input.Components)

	done := time.Now()
	pending[0].Status = models.WorkItemCompleted
	pending[0].Output = &models.WorkItemOutput{Recommendations: 1}
	pending[0].CompletedAt = &done
	require.NoError(t, s.UpdateWorkItem(ctx, &pending[0]))

	pending, err = s.ListWorkItems(ctx, store.WorkItemFilter{RequirementID: "q1", Status: models.WorkItemPending})
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	rec := &models.Recommendation{
		ID: "rec1", RequirementID: "q1", Tier: models.TierPresentation, FilePath: "example_presentation.py",
		ChangeKind: models.ChangeModify, RecommendedContent: "# New code here", Rationale: "r",
		Confidence: 0.85, CreatedAt: time.Now(),
	}
	require.NoError(t, s.CreateRecommendation(ctx, rec))
	recs, err := s.ListRecommendations(ctx, "q1")
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.InDelta(t, 0.85, recs[0].Confidence, 1e-9)
	assert.Nil(t, recs[0].OriginalContent)

	bad := *rec
	bad.ID = "rec2"
	bad.Confidence = 1.5
	assert.ErrorIs(t, s.CreateRecommendation(ctx, &bad), models.ErrInvalidRecommendation)
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "codemap.db")
	s, err := Open(context.Background(), path, nil)
	require.NoError(t, err)
	seedRepository(t, s, "r1")
	require.NoError(t, s.Close(context.Background()))

	s, err = Open(context.Background(), path, nil)
	require.NoError(t, err)
	defer s.Close(context.Background())
	_, err = s.GetRepository(context.Background(), "r1")
	require.NoError(t, err)
}
