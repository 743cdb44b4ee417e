package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/raphaelgruber/codemap/internal/metrics"
	"github.com/raphaelgruber/codemap/internal/models"
	"github.com/raphaelgruber/codemap/internal/store"
)

// Generator produces recommendations for one work item.
type Generator interface {
	Generate(ctx context.Context, item models.WorkItem) ([]models.Recommendation, error)
}

// StandInGenerator emits one fixed recommendation per work item.
type StandInGenerator struct {
	Confidence float64
}

// DefaultStandInConfidence is the confidence StandInGenerator reports.
const DefaultStandInConfidence = 0.85

// Generate implements Generator.
func (g StandInGenerator) Generate(_ context.Context, item models.WorkItem) ([]models.Recommendation, error) {
	confidence := g.Confidence
	if confidence == 0 {
		confidence = DefaultStandInConfidence
	}
	return []models.Recommendation{{
		RequirementID:      item.RequirementID,
		Tier:               item.Tier,
		FilePath:           fmt.Sprintf("example_%s.py", item.Tier),
		ChangeKind:         models.ChangeModify,
		RecommendedContent: "# New code here",
		Rationale:          "Based on requirement analysis",
		Confidence:         models.ClampConfidence(confidence),
	}}, nil
}

// RunSummary counts the outcome of one RunAll pass.
type RunSummary struct {
	Completed       int      `json:"completed"`
	Failed          int      `json:"failed"`
	Recommendations int      `json:"recommendations"`
	Errors          []string `json:"errors,omitempty"`
}

// Orchestrator fans a resolved requirement out into per-tier work items.
type Orchestrator struct {
	store     store.Store
	generator Generator
	metrics   *metrics.Collector
}

// NewOrchestrator creates an orchestrator. A nil generator uses StandInGenerator.
func NewOrchestrator(st store.Store, gen Generator, mc *metrics.Collector) *Orchestrator {
	if gen == nil {
		gen = StandInGenerator{}
	}
	return &Orchestrator{store: st, generator: gen, metrics: mc}
}

// CreateWorkItems persists one pending item per non-empty tier, in tier order,
// as a single batch.
func (o *Orchestrator) CreateWorkItems(ctx context.Context, req *models.ChangeRequirement, affected models.AffectedComponents) ([]models.WorkItem, error) {
	affected = affected.Normalize()
	analysis := ""
	if req.Analysis != nil {
		analysis = *req.Analysis
	}

	now := time.Now().UTC()
	var items []models.WorkItem
	for _, tier := range affected.NonEmptyTiers() {
		items = append(items, models.WorkItem{
			ID:            uuid.New().String(),
			RequirementID: req.ID,
			Tier:          tier,
			Status:        models.WorkItemPending,
			Input: models.WorkItemInput{
				Components:   affected[tier],
				Analysis:     analysis,
				Affected:     affected,
				Dependencies: nonNil(req.Dependencies),
				Suggestions:  nonNil(req.Suggestions),
			},
			CreatedAt: now,
		})
	}
	if len(items) == 0 {
		return nil, nil
	}
	if err := o.store.CreateWorkItems(ctx, items); err != nil {
		return nil, fmt.Errorf("create work items: %w", err)
	}
	return items, nil
}

// RunAll executes every pending item of the requirement. Items are isolated:
// a failing item is moved to failed and the rest still run.
func (o *Orchestrator) RunAll(ctx context.Context, requirementID string) RunSummary {
	var summary RunSummary
	items, err := o.store.ListWorkItems(ctx, store.WorkItemFilter{
		RequirementID: requirementID,
		Status:        models.WorkItemPending,
	})
	if err != nil {
		slog.Error("list pending work items", "requirement_id", requirementID, "error", err)
		summary.Errors = append(summary.Errors, err.Error())
		return summary
	}

	for i := range items {
		if ctx.Err() != nil {
			summary.Errors = append(summary.Errors, fmt.Sprintf("run stopped: %v", context.Cause(ctx)))
			break
		}
		n, err := o.runItem(ctx, &items[i])
		if err != nil {
			summary.Failed++
			summary.Errors = append(summary.Errors, fmt.Sprintf("%s: %v", items[i].Tier, err))
			o.fail(ctx, &items[i], err)
			continue
		}
		summary.Completed++
		summary.Recommendations += n
	}
	return summary
}

// runItem moves item to processing, generates and stores its recommendations,
// then marks it completed.
func (o *Orchestrator) runItem(ctx context.Context, item *models.WorkItem) (n int, err error) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
		o.metrics.RecordTiming(metrics.OpWorkItem, time.Since(start))
	}()

	item.Status = models.WorkItemProcessing
	if err := o.store.UpdateWorkItem(ctx, item); err != nil {
		return 0, fmt.Errorf("mark processing: %w", err)
	}

	recs, err := o.generator.Generate(ctx, *item)
	if err != nil {
		return 0, fmt.Errorf("generate: %w", err)
	}
	for i := range recs {
		rec := recs[i]
		if rec.ID == "" {
			rec.ID = uuid.New().String()
		}
		rec.RequirementID = item.RequirementID
		rec.Tier = item.Tier
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = time.Now().UTC()
		}
		if err := o.store.CreateRecommendation(ctx, &rec); err != nil {
			return i, fmt.Errorf("store recommendation: %w", err)
		}
	}

	now := time.Now().UTC()
	item.Status = models.WorkItemCompleted
	item.Output = &models.WorkItemOutput{Recommendations: len(recs)}
	item.CompletedAt = &now
	if err := o.store.UpdateWorkItem(ctx, item); err != nil {
		return len(recs), fmt.Errorf("mark completed: %w", err)
	}
	return len(recs), nil
}

func (o *Orchestrator) fail(ctx context.Context, item *models.WorkItem, cause error) {
	slog.Warn("work item failed", "work_item_id", item.ID, "tier", item.Tier, "error", cause)
	o.metrics.Inc("work_item_failed")

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	now := time.Now().UTC()
	item.Status = models.WorkItemFailed
	item.Output = &models.WorkItemOutput{Error: cause.Error()}
	item.CompletedAt = &now
	if err := o.store.UpdateWorkItem(ctx, item); err != nil && !errors.Is(err, store.ErrNotFound) {
		slog.Error("mark work item failed", "work_item_id", item.ID, "error", err)
	}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
