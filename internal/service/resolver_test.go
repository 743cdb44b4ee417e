package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/raphaelgruber/codemap/internal/llm"
	"github.com/raphaelgruber/codemap/internal/models"
	"github.com/raphaelgruber/codemap/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOracleOutput(t *testing.T) {
	tests := []struct {
		name string
		text string
		want Parsed
	}{
		{
			name: "prose",
			text: "You should add a toggle to the settings screen.",
			want: Unstructured{Raw: "You should add a toggle to the settings screen."},
		},
		{
			name: "json array is not an object",
			text: `["a", "b"]`,
			want: Unstructured{Raw: `["a", "b"]`},
		},
		{
			name: "full object",
			text: `{"analysis":"add a toggle","affected_components":{"presentation":["Settings screen"],"service":["ThemeService"],"data":[]},"dependencies":["ThemeService"],"recommendations":["add dark palette"]}`,
			want: Structured{
				Analysis: "add a toggle",
				Affected: models.AffectedComponents{
					models.TierPresentation: {"Settings screen"},
					models.TierService:      {"ThemeService"},
					models.TierData:         {},
				},
				Dependencies:    []string{"ThemeService"},
				Recommendations: []string{"add dark palette"},
			},
		},
		{
			name: "fenced with legacy keys and missing tiers",
			text: "```json\n{\"analysis\":\"x\",\"affected_components\":{\"frontend\":[\"Navbar\"],\"database\":null,\"mobile\":[\"App\"]}}\n```",
			want: Structured{
				Analysis: "x",
				Affected: models.AffectedComponents{
					models.TierPresentation: {"Navbar"},
					models.TierService:      {},
					models.TierData:         {},
				},
				Dependencies:    []string{},
				Recommendations: []string{},
			},
		},
		{
			name: "non-string analysis and object recommendations",
			text: `{"analysis":{"summary":"s"},"affected_components":{},"recommendations":[{"description":"do it"},"plain"]}`,
			want: Structured{
				Analysis:        `{"summary":"s"}`,
				Affected:        models.NewAffectedComponents(),
				Dependencies:    []string{},
				Recommendations: []string{"do it", "plain"},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseOracleOutput(tt.text))
		})
	}
}

func TestResolveBoundsContext(t *testing.T) {
	oracle := &fakeOracle{text: "{}"}
	r := NewResolver(nil, oracle, nil, ResolverOptions{ContextLimit: 2}, nil)

	records := make([]models.StructuralRecord, 5)
	for i := range records {
		records[i] = models.StructuralRecord{
			FilePath: fmt.Sprintf("file%d.py", i),
			FileKind: "python",
			Summary:  models.StructuralSummary{Functions: []models.Function{{Name: fmt.Sprintf("fn%d", i)}}},
		}
	}
	res := r.Resolve(context.Background(), "add dark mode", records)
	require.NoError(t, res.Err)
	assert.Equal(t, models.NewAffectedComponents(), res.Affected)

	calls := oracle.Calls()
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0], "add dark mode")
	assert.Contains(t, calls[0], `"file": "file1.py"`)
	assert.Contains(t, calls[0], `"fn1"`)
	assert.NotContains(t, calls[0], "file2.py")
}

func TestResolveTransportFailure(t *testing.T) {
	tests := []struct {
		name   string
		oracle llm.Oracle
		cause  string
	}{
		{"transport", &fakeOracle{err: fmt.Errorf("%w: dial tcp: refused", llm.ErrTransport)}, "dial tcp: refused"},
		{"no oracle", nil, "semantic oracle disabled"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewResolver(nil, tt.oracle, nil, ResolverOptions{}, nil)
			res := r.Resolve(context.Background(), "add dark mode", nil)
			require.Error(t, res.Err)
			assert.True(t, strings.HasPrefix(res.Analysis, "Error: "))
			assert.Contains(t, res.Analysis, tt.cause)
			assert.Equal(t, models.NewAffectedComponents(), res.Affected)
		})
	}
}

func TestResolveRequirementUnstructured(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	repo := seedRepository(t, st, "git://demo")
	req := seedRequirement(t, st, repo.ID, "add dark mode")
	prose := "Dark mode needs a theme switch in the UI."

	r := NewResolver(st, &fakeOracle{text: prose}, NewOrchestrator(st, nil, nil), ResolverOptions{}, nil)
	got, err := r.ResolveRequirement(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RequirementCompleted, got.Status)

	stored, err := st.GetRequirement(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RequirementCompleted, stored.Status)
	require.NotNil(t, stored.Analysis)
	assert.Equal(t, prose, *stored.Analysis)
	assert.Equal(t, models.NewAffectedComponents(), stored.AffectedComponents)
	assert.NotNil(t, stored.ResolvedAt)

	items, err := st.ListWorkItems(ctx, store.WorkItemFilter{RequirementID: req.ID})
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestResolveRequirementStructured(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	repo := seedRepository(t, st, "git://demo")
	req := seedRequirement(t, st, repo.ID, "add dark mode")
	oracle := &fakeOracle{text: `{"analysis":"toggle","affected_components":{"presentation":["Settings screen"],"service":[],"data":[]}}`}

	r := NewResolver(st, oracle, NewOrchestrator(st, nil, nil), ResolverOptions{}, nil)
	_, err := r.ResolveRequirement(ctx, req.ID)
	require.NoError(t, err)

	items, err := st.ListWorkItems(ctx, store.WorkItemFilter{RequirementID: req.ID})
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, models.TierPresentation, items[0].Tier)
	assert.Equal(t, models.WorkItemCompleted, items[0].Status)
	assert.Equal(t, []string{"Settings screen"}, items[0].Input.Components)

	recs, err := st.ListRecommendations(ctx, req.ID)
	require.NoError(t, err)
	require.NotEmpty(t, recs)
	for _, rec := range recs {
		assert.GreaterOrEqual(t, rec.Confidence, 0.0)
		assert.LessOrEqual(t, rec.Confidence, 1.0)
	}
}

func TestResolveRequirementOracleFailure(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	repo := seedRepository(t, st, "git://demo")
	req := seedRequirement(t, st, repo.ID, "add dark mode")
	oracle := &fakeOracle{err: fmt.Errorf("%w: %w", llm.ErrTransport, context.DeadlineExceeded)}

	r := NewResolver(st, oracle, NewOrchestrator(st, nil, nil), ResolverOptions{}, nil)
	got, err := r.ResolveRequirement(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RequirementFailed, got.Status)

	stored, err := st.GetRequirement(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RequirementFailed, stored.Status)
	require.NotNil(t, stored.Analysis)
	assert.True(t, strings.HasPrefix(*stored.Analysis, "Error: "))
	assert.Equal(t, models.NewAffectedComponents(), stored.AffectedComponents)

	items, err := st.ListWorkItems(ctx, store.WorkItemFilter{RequirementID: req.ID})
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestResolveRequirementEmptyReply(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	repo := seedRepository(t, st, "git://demo")
	req := seedRequirement(t, st, repo.ID, "add dark mode")
	oracle := &fakeOracle{err: fmt.Errorf("%w: %w", llm.ErrTransport, llm.ErrEmptyResponse)}

	r := NewResolver(st, oracle, NewOrchestrator(st, nil, nil), ResolverOptions{}, nil)
	got, err := r.ResolveRequirement(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RequirementCompleted, got.Status)

	stored, err := st.GetRequirement(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RequirementCompleted, stored.Status)
	require.NotNil(t, stored.Analysis)
	assert.Empty(t, *stored.Analysis)
	assert.Equal(t, models.NewAffectedComponents(), stored.AffectedComponents)

	items, err := st.ListWorkItems(ctx, store.WorkItemFilter{RequirementID: req.ID})
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestResolveRequirementRecoversPanic(t *testing.T) {
	tests := []struct {
		name  string
		reply func(ctx context.Context, system, user string) (string, error)
	}{
		{"oracle panics", func(context.Context, string, string) (string, error) {
			panic("boom")
		}},
		{"oracle panics with error", func(context.Context, string, string) (string, error) {
			panic(errors.New("boom"))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			st := newTestStore(t)
			repo := seedRepository(t, st, "git://demo")
			req := seedRequirement(t, st, repo.ID, "add dark mode")

			r := NewResolver(st, &fakeOracle{reply: tt.reply}, NewOrchestrator(st, nil, nil), ResolverOptions{}, nil)
			got, err := r.ResolveRequirement(ctx, req.ID)
			require.NoError(t, err)
			assert.Equal(t, models.RequirementFailed, got.Status)

			stored, err := st.GetRequirement(ctx, req.ID)
			require.NoError(t, err)
			assert.Equal(t, models.RequirementFailed, stored.Status)
			require.NotNil(t, stored.Analysis)
			assert.Equal(t, "Error: internal panic: boom", *stored.Analysis)
			assert.Equal(t, models.NewAffectedComponents(), stored.AffectedComponents)
			assert.NotNil(t, stored.ResolvedAt)

			items, err := st.ListWorkItems(ctx, store.WorkItemFilter{RequirementID: req.ID})
			require.NoError(t, err)
			assert.Empty(t, items)
		})
	}
}

func TestResolveRequirementMissing(t *testing.T) {
	r := NewResolver(newTestStore(t), &fakeOracle{}, nil, ResolverOptions{}, nil)
	_, err := r.ResolveRequirement(context.Background(), "missing")
	assert.True(t, errors.Is(err, store.ErrNotFound))
}
