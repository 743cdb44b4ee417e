// Package db provides integration tests for the SurrealDB store.
package db

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/raphaelgruber/codemap/internal/metrics"
	"github.com/raphaelgruber/codemap/internal/models"
	"github.com/raphaelgruber/codemap/internal/store"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var testDB *Client

// TestMain starts a SurrealDB container shared by all tests. Skipped with -short.
func TestMain(m *testing.M) {
	flag.Parse()
	if testing.Short() {
		os.Exit(m.Run())
	}
	os.Setenv("TESTCONTAINERS_RYUK_DISABLED", "true")

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "surrealdb/surrealdb:v3.0.0-beta.1",
			ExposedPorts: []string{"8000/tcp"},
			Cmd:          []string{"start", "--log", "info", "--user", "root", "--pass", "root"},
			WaitingFor:   wait.ForLog("Started web server").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		log.Fatalf("Failed to start SurrealDB container: %v", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		log.Fatalf("Failed to get container host: %v", err)
	}
	// testcontainers may return "null" as host in some environments
	if host == "" || host == "null" {
		host = "localhost"
	}
	port, err := container.MappedPort(ctx, "8000")
	if err != nil {
		log.Fatalf("Failed to get mapped port: %v", err)
	}

	testDB, err = NewClient(ctx, Config{
		URL:       fmt.Sprintf("ws://%s:%s/rpc", host, port.Port()),
		Namespace: "test",
		Database:  "test",
		Username:  "root",
		Password:  "root",
		AuthLevel: "root",
	}, nil, metrics.NewCollector())
	if err != nil {
		log.Fatalf("Failed to connect to test database: %v", err)
	}
	if err := testDB.InitSchema(ctx); err != nil {
		log.Fatalf("Failed to initialize schema: %v", err)
	}

	code := m.Run()

	_ = testDB.Close(ctx)
	_ = container.Terminate(ctx)
	os.Exit(code)
}

func requireDB(t *testing.T) {
	t.Helper()
	if testDB == nil {
		t.Skip("SurrealDB container not started (-short)")
	}
}

func newRepository(t *testing.T) *models.Repository {
	t.Helper()
	repo := &models.Repository{
		ID:        uuid.NewString(),
		Name:      "demo",
		SourceURL: "https://example.com/demo.git",
		Status:    models.RepositoryPending,
		CreatedAt: time.Now().UTC(),
	}
	if err := testDB.CreateRepository(context.Background(), repo); err != nil {
		t.Fatalf("CreateRepository failed: %v", err)
	}
	return repo
}

func newRequirement(t *testing.T, repoID string) *models.ChangeRequirement {
	t.Helper()
	req := &models.ChangeRequirement{
		ID:           uuid.NewString(),
		RepositoryID: repoID,
		Prompt:       "Add a settings page",
		Status:       models.RequirementPending,
		CreatedAt:    time.Now().UTC(),
	}
	if err := testDB.CreateRequirement(context.Background(), req); err != nil {
		t.Fatalf("CreateRequirement failed: %v", err)
	}
	return req
}

// =============================================================================
// REPOSITORY TESTS
// =============================================================================

func TestRepositoryStatusTransitions(t *testing.T) {
	requireDB(t)
	ctx := context.Background()
	repo := newRepository(t)

	got, err := testDB.GetRepository(ctx, repo.ID)
	if err != nil {
		t.Fatalf("GetRepository failed: %v", err)
	}
	if got.Status != models.RepositoryPending || got.AnalysisCompletedAt != nil {
		t.Errorf("unexpected fresh repository: %+v", got)
	}

	done := time.Now().UTC()
	if err := testDB.UpdateRepositoryStatus(ctx, repo.ID, models.RepositoryCompleted, &done); err != nil {
		t.Fatalf("UpdateRepositoryStatus failed: %v", err)
	}
	got, err = testDB.GetRepository(ctx, repo.ID)
	if err != nil {
		t.Fatalf("GetRepository failed: %v", err)
	}
	if got.Status != models.RepositoryCompleted {
		t.Errorf("Expected status completed, got %q", got.Status)
	}
	if got.AnalysisCompletedAt == nil {
		t.Error("Expected analysis_completed_at to be set")
	}

	completed, err := testDB.ListRepositories(ctx, models.RepositoryCompleted)
	if err != nil {
		t.Fatalf("ListRepositories failed: %v", err)
	}
	found := false
	for _, r := range completed {
		found = found || r.ID == repo.ID
		if r.Status != models.RepositoryCompleted {
			t.Errorf("status filter leaked %q", r.Status)
		}
	}
	if !found {
		t.Errorf("repository %s missing from completed list", repo.ID)
	}
}

func TestRepositoryErrors(t *testing.T) {
	requireDB(t)
	ctx := context.Background()
	repo := newRepository(t)

	if _, err := testDB.GetRepository(ctx, "does-not-exist"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
	if err := testDB.UpdateRepositoryStatus(ctx, "does-not-exist", models.RepositoryFailed, nil); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected ErrNotFound on update, got %v", err)
	}
	if err := testDB.CreateRepository(ctx, repo); !errors.Is(err, store.ErrConflict) {
		t.Errorf("Expected ErrConflict on duplicate id, got %v", err)
	}
}

// =============================================================================
// CODE MAP TESTS
// =============================================================================

func TestStructuralRecords(t *testing.T) {
	requireDB(t)
	ctx := context.Background()
	repo := newRepository(t)

	base := time.Now().UTC()
	for i, path := range []string{"main.py", "util.py", "data.json"} {
		rec := &models.StructuralRecord{
			ID:           uuid.NewString(),
			RepositoryID: repo.ID,
			FilePath:     path,
			FileKind:     "python",
			Summary: models.StructuralSummary{
				Functions:    []models.Function{{Name: "main", LineStart: 1, LineEnd: 3, Args: []string{}, Decorators: []string{}}},
				Types:        []models.TypeDef{},
				Imports:      []models.Import{{Module: "os", Line: 1}},
				Dependencies: []string{"os"},
				LineCount:    3,
				Parsed:       true,
			},
			CreatedAt: base.Add(time.Duration(i) * time.Millisecond),
		}
		if i == 0 {
			rec.Annotation = &models.Annotation{Text: "Entry point", Available: true, Model: "test"}
		}
		if err := testDB.CreateStructuralRecord(ctx, rec); err != nil {
			t.Fatalf("CreateStructuralRecord failed: %v", err)
		}
	}

	all, err := testDB.ListStructuralRecords(ctx, repo.ID, 0)
	if err != nil {
		t.Fatalf("ListStructuralRecords failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("Expected 3 records, got %d", len(all))
	}
	if all[0].FilePath != "main.py" || all[0].Annotation == nil || all[0].Annotation.Text != "Entry point" {
		t.Errorf("unexpected first record: %+v", all[0])
	}
	if all[1].Annotation != nil {
		t.Errorf("Expected nil annotation, got %+v", all[1].Annotation)
	}
	if got := all[0].FunctionNames(); len(got) != 1 || got[0] != "main" {
		t.Errorf("Expected function main, got %v", got)
	}

	limited, err := testDB.ListStructuralRecords(ctx, repo.ID, 2)
	if err != nil {
		t.Fatalf("ListStructuralRecords with limit failed: %v", err)
	}
	if len(limited) != 2 {
		t.Errorf("Expected 2 records, got %d", len(limited))
	}

	orphan := &models.StructuralRecord{ID: uuid.NewString(), RepositoryID: "nope", FilePath: "x.py", CreatedAt: base}
	if err := testDB.CreateStructuralRecord(ctx, orphan); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for unknown repository, got %v", err)
	}
}

// =============================================================================
// REQUIREMENT / WORK ITEM / RECOMMENDATION TESTS
// =============================================================================

func TestRequirementResolution(t *testing.T) {
	requireDB(t)
	ctx := context.Background()
	repo := newRepository(t)
	req := newRequirement(t, repo.ID)

	analysis := "Touches the settings UI"
	resolved := time.Now().UTC()
	req.Analysis = &analysis
	req.AffectedComponents = models.AffectedComponents{models.TierPresentation: {"SettingsPage"}}.Normalize()
	req.Dependencies = []string{"auth"}
	req.Suggestions = []string{}
	req.Status = models.RequirementCompleted
	req.ResolvedAt = &resolved
	if err := testDB.UpdateRequirement(ctx, req); err != nil {
		t.Fatalf("UpdateRequirement failed: %v", err)
	}

	got, err := testDB.GetRequirement(ctx, req.ID)
	if err != nil {
		t.Fatalf("GetRequirement failed: %v", err)
	}
	if got.Analysis == nil || *got.Analysis != analysis {
		t.Errorf("Expected analysis %q, got %v", analysis, got.Analysis)
	}
	if len(got.AffectedComponents[models.TierPresentation]) != 1 {
		t.Errorf("unexpected affected components: %v", got.AffectedComponents)
	}
	if got.ResolvedAt == nil || got.Status != models.RequirementCompleted {
		t.Errorf("unexpected resolution state: %+v", got)
	}

	list, err := testDB.ListRequirements(ctx, store.RequirementFilter{RepositoryID: repo.ID})
	if err != nil {
		t.Fatalf("ListRequirements failed: %v", err)
	}
	if len(list) != 1 || list[0].ID != req.ID {
		t.Errorf("Expected only %s, got %+v", req.ID, list)
	}
}

func TestWorkItemsAndRecommendations(t *testing.T) {
	requireDB(t)
	ctx := context.Background()
	repo := newRepository(t)
	req := newRequirement(t, repo.ID)

	now := time.Now().UTC()
	items := []models.WorkItem{
		{ID: uuid.NewString(), RequirementID: req.ID, Tier: models.TierPresentation, Status: models.WorkItemPending,
			Input: models.WorkItemInput{Components: []string{"SettingsPage"}}, CreatedAt: now},
		{ID: uuid.NewString(), RequirementID: req.ID, Tier: models.TierService, Status: models.WorkItemPending,
			Input: models.WorkItemInput{Components: []string{"settings api"}}, CreatedAt: now.Add(time.Millisecond)},
	}
	if err := testDB.CreateWorkItems(ctx, items); err != nil {
		t.Fatalf("CreateWorkItems failed: %v", err)
	}

	done := now.Add(time.Second)
	items[0].Status = models.WorkItemCompleted
	items[0].Output = &models.WorkItemOutput{Recommendations: 1}
	items[0].CompletedAt = &done
	if err := testDB.UpdateWorkItem(ctx, &items[0]); err != nil {
		t.Fatalf("UpdateWorkItem failed: %v", err)
	}

	pending, err := testDB.ListWorkItems(ctx, store.WorkItemFilter{RequirementID: req.ID, Status: models.WorkItemPending})
	if err != nil {
		t.Fatalf("ListWorkItems failed: %v", err)
	}
	if len(pending) != 1 || pending[0].Tier != models.TierService {
		t.Errorf("Expected one pending service item, got %+v", pending)
	}

	rec := &models.Recommendation{
		ID:                 uuid.NewString(),
		RequirementID:      req.ID,
		Tier:               models.TierPresentation,
		FilePath:           "example_presentation.py",
		ChangeKind:         models.ChangeModify,
		RecommendedContent: "# New code here",
		Rationale:          "Based on requirement analysis",
		Confidence:         0.85,
		CreatedAt:          now,
	}
	if err := testDB.CreateRecommendation(ctx, rec); err != nil {
		t.Fatalf("CreateRecommendation failed: %v", err)
	}
	bad := *rec
	bad.ID = uuid.NewString()
	bad.Confidence = 1.5
	if err := testDB.CreateRecommendation(ctx, &bad); !errors.Is(err, models.ErrInvalidRecommendation) {
		t.Errorf("Expected ErrInvalidRecommendation, got %v", err)
	}

	recs, err := testDB.ListRecommendations(ctx, req.ID)
	if err != nil {
		t.Fatalf("ListRecommendations failed: %v", err)
	}
	if len(recs) != 1 || recs[0].Confidence != 0.85 || recs[0].OriginalContent != nil {
		t.Errorf("unexpected recommendations: %+v", recs)
	}
}
