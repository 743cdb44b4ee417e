package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/raphaelgruber/codemap/internal/llm"
	"github.com/raphaelgruber/codemap/internal/metrics"
	"github.com/raphaelgruber/codemap/internal/models"
	"github.com/raphaelgruber/codemap/internal/store"
)

const (
	// DefaultResolverContextLimit is how many structural records go into the prompt.
	DefaultResolverContextLimit = 20
	// DefaultResolverMaxRecords caps the records loaded per requirement.
	DefaultResolverMaxRecords = 1000
)

const (
	resolveSystemPrompt = "You are a software architecture expert. Analyze requirements and map them to code components."
	resolveTemperature  = 0.3
)

const resolvePromptTemplate = `Analyze this user requirement and identify:
1. What screens/components are affected (presentation)
2. What APIs/services need changes (service)
3. What database models are impacted (data)
4. Dependencies between components

User Requirement:
%s

Code Base Structure:
%s

Provide detailed analysis in JSON format with keys:
- analysis: overall analysis
- affected_components: {"presentation": [], "service": [], "data": []}
- dependencies: []
- recommendations: []`

// errOracleDisabled is reported when no oracle is configured.
var errOracleDisabled = errors.New("semantic oracle disabled")

// Parsed is the interpreted oracle output: Structured or Unstructured.
type Parsed interface {
	isParsed()
}

// Structured is oracle output that decoded as a JSON object.
type Structured struct {
	Analysis        string
	Affected        models.AffectedComponents
	Dependencies    []string
	Recommendations []string
}

// Unstructured is oracle output that is not a JSON object, kept verbatim.
type Unstructured struct {
	Raw string
}

func (Structured) isParsed()   {}
func (Unstructured) isParsed() {}

// ParseOracleOutput interprets text as a JSON object, optionally wrapped in a
// markdown code fence. Anything else is Unstructured.
func ParseOracleOutput(text string) Parsed {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal([]byte(stripCodeFence(text)), &doc); err != nil || doc == nil {
		return Unstructured{Raw: text}
	}

	out := Structured{
		Analysis:        textValue(doc["analysis"]),
		Affected:        models.NewAffectedComponents(),
		Dependencies:    stringList(doc["dependencies"]),
		Recommendations: stringList(doc["recommendations"]),
	}

	var affected map[string]json.RawMessage
	if raw, ok := doc["affected_components"]; ok && json.Unmarshal(raw, &affected) == nil {
		for key, names := range affected {
			tier, ok := models.ParseTier(strings.ToLower(strings.TrimSpace(key)))
			if !ok {
				continue
			}
			out.Affected[tier] = append(out.Affected[tier], stringList(names)...)
		}
	}
	out.Affected = out.Affected.Normalize()
	return out
}

func stripCodeFence(text string) string {
	t := strings.TrimSpace(text)
	if !strings.HasPrefix(t, "```") {
		return t
	}
	t = strings.TrimPrefix(t, "```")
	if i := strings.IndexByte(t, '\n'); i >= 0 {
		t = t[i+1:] // drop the language tag line
	} else {
		t = ""
	}
	t = strings.TrimSpace(t)
	return strings.TrimSpace(strings.TrimSuffix(t, "```"))
}

// textValue returns a JSON string as-is and any other JSON value compacted.
func textValue(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	return string(raw)
}

// stringList decodes a JSON array into strings. Objects contribute their
// "name" (or "description") field; other scalars their JSON text.
func stringList(raw json.RawMessage) []string {
	out := []string{}
	var items []json.RawMessage
	if len(raw) == 0 || json.Unmarshal(raw, &items) != nil {
		return out
	}
	for _, item := range items {
		var obj map[string]json.RawMessage
		if json.Unmarshal(item, &obj) == nil && obj != nil {
			for _, key := range []string{"name", "component", "description", "title"} {
				if v := textValue(obj[key]); v != "" {
					out = append(out, v)
					break
				}
			}
			continue
		}
		if v := strings.TrimSpace(textValue(item)); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// Resolution is the outcome of one resolver call.
type Resolution struct {
	Analysis     string
	Affected     models.AffectedComponents
	Dependencies []string
	Suggestions  []string
	// Err is set when the oracle could not be reached; the requirement then fails.
	Err error
}

// codeContext is the per-file shape sent to the oracle.
type codeContext struct {
	File      string   `json:"file"`
	Type      string   `json:"type"`
	Functions []string `json:"functions"`
	Classes   []string `json:"classes"`
}

// ResolverOptions configures the resolver.
type ResolverOptions struct {
	ContextLimit int
	MaxRecords   int
}

// Resolver maps change requirements onto affected components.
type Resolver struct {
	store        store.Store
	oracle       llm.Oracle
	orchestrator *Orchestrator
	opts         ResolverOptions
	metrics      *metrics.Collector
}

// NewResolver creates a resolver. orchestrator may be nil to skip the hand-off.
func NewResolver(st store.Store, oracle llm.Oracle, orchestrator *Orchestrator, opts ResolverOptions, mc *metrics.Collector) *Resolver {
	if opts.ContextLimit <= 0 {
		opts.ContextLimit = DefaultResolverContextLimit
	}
	if opts.MaxRecords <= 0 {
		opts.MaxRecords = DefaultResolverMaxRecords
	}
	return &Resolver{store: st, oracle: oracle, orchestrator: orchestrator, opts: opts, metrics: mc}
}

// Resolve asks the oracle which components prompt affects. It never fails:
// unparseable output falls back to the raw text and transport errors are
// reported through Resolution.Err. Affected always holds the three tiers.
func (r *Resolver) Resolve(ctx context.Context, prompt string, records []models.StructuralRecord) Resolution {
	if len(records) > r.opts.ContextLimit {
		records = records[:r.opts.ContextLimit]
	}
	files := make([]codeContext, 0, len(records))
	for _, rec := range records {
		files = append(files, codeContext{
			File:      rec.FilePath,
			Type:      rec.FileKind,
			Functions: rec.FunctionNames(),
			Classes:   rec.TypeNames(),
		})
	}
	structure, err := json.MarshalIndent(files, "", "  ")
	if err != nil {
		return failedResolution(fmt.Errorf("encode code context: %w", err))
	}

	if r.oracle == nil {
		return failedResolution(errOracleDisabled)
	}
	text, err := r.oracle.Complete(ctx, resolveSystemPrompt, fmt.Sprintf(resolvePromptTemplate, prompt, structure), resolveTemperature)
	if errors.Is(err, llm.ErrEmptyResponse) {
		// An empty reply resolves to an empty unstructured analysis.
		text, err = "", nil
	}
	if err != nil {
		return failedResolution(err)
	}

	switch p := ParseOracleOutput(text).(type) {
	case Structured:
		return Resolution{
			Analysis:     p.Analysis,
			Affected:     p.Affected,
			Dependencies: p.Dependencies,
			Suggestions:  p.Recommendations,
		}
	case Unstructured:
		slog.Info("oracle returned unstructured resolution", "length", len(p.Raw))
		return Resolution{
			Analysis:     p.Raw,
			Affected:     models.NewAffectedComponents(),
			Dependencies: []string{},
			Suggestions:  []string{},
		}
	}
	return failedResolution(errors.New("unreachable parse result"))
}

func failedResolution(err error) Resolution {
	return Resolution{
		Analysis:     "Error: " + err.Error(),
		Affected:     models.NewAffectedComponents(),
		Dependencies: []string{},
		Suggestions:  []string{},
		Err:          err,
	}
}

// ResolveRequirement drives pending -> analyzing -> completed | failed, persists the
// resolution and, when completed, creates and runs the requirement's work items.
// A failed resolution is not an error; it is reflected in the returned status.
func (r *Resolver) ResolveRequirement(ctx context.Context, requirementID string) (*models.ChangeRequirement, error) {
	req, err := r.store.GetRequirement(ctx, requirementID)
	if err != nil {
		return nil, fmt.Errorf("load requirement: %w", err)
	}

	start := time.Now()
	req.Status = models.RequirementAnalyzing
	if err := r.store.UpdateRequirement(ctx, req); err != nil {
		return req, fmt.Errorf("mark analyzing: %w", err)
	}

	res := r.resolveRecovered(ctx, req)

	now := time.Now().UTC()
	req.Analysis = &res.Analysis
	req.AffectedComponents = res.Affected
	req.Dependencies = res.Dependencies
	req.Suggestions = res.Suggestions
	req.ResolvedAt = &now
	req.Status = models.RequirementCompleted
	if res.Err != nil {
		req.Status = models.RequirementFailed
		slog.Warn("requirement resolution failed", "requirement_id", req.ID, "error", res.Err)
	}

	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := r.store.UpdateRequirement(finishCtx, req); err != nil {
		return req, fmt.Errorf("store resolution: %w", err)
	}
	r.metrics.RecordTiming(metrics.OpResolve, time.Since(start))

	if req.Status != models.RequirementCompleted || r.orchestrator == nil {
		return req, nil
	}

	items, err := r.orchestrator.CreateWorkItems(ctx, req, req.AffectedComponents)
	if err != nil {
		return req, fmt.Errorf("create work items: %w", err)
	}
	summary := r.orchestrator.RunAll(ctx, req.ID)
	slog.Info("requirement resolved", "requirement_id", req.ID, "work_items", len(items),
		"completed", summary.Completed, "failed", summary.Failed)
	return req, nil
}

// resolveRecovered runs the resolution for req and turns a panic into a failed
// resolution, so the requirement never stays analyzing.
func (r *Resolver) resolveRecovered(ctx context.Context, req *models.ChangeRequirement) (res Resolution) {
	defer func() {
		if p := recover(); p != nil {
			slog.Error("requirement resolution panicked", "requirement_id", req.ID, "panic", p)
			res = failedResolution(fmt.Errorf("internal panic: %v", p))
		}
	}()
	records, err := r.store.ListStructuralRecords(ctx, req.RepositoryID, r.opts.MaxRecords)
	if err != nil {
		return failedResolution(fmt.Errorf("load structural records: %w", err))
	}
	return r.Resolve(ctx, req.Prompt, records)
}
