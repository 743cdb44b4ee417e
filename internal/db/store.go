package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/raphaelgruber/codemap/internal/models"
	"github.com/raphaelgruber/codemap/internal/store"
)

// setDatetime renders "field = <datetime>$var" or "field = NONE" for an
// optional timestamp and records the variable when present.
func setDatetime(field, name string, t *time.Time, vars map[string]any) string {
	if t == nil {
		return field + " = NONE"
	}
	vars[name] = datetime(*t)
	return fmt.Sprintf("%s = <datetime>$%s", field, name)
}

// whereClause joins equality conditions for non-empty values.
func whereClause(vars map[string]any, pairs ...string) string {
	var conds []string
	for i := 0; i+1 < len(pairs); i += 2 {
		field, value := pairs[i], pairs[i+1]
		if value == "" {
			continue
		}
		conds = append(conds, fmt.Sprintf("%s = $%s", field, field))
		vars[field] = value
	}
	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}

// =============================================================================
// REPOSITORIES
// =============================================================================

func (c *Client) CreateRepository(ctx context.Context, repo *models.Repository) error {
	vars := map[string]any{
		"id":         repo.ID,
		"name":       repo.Name,
		"source_url": repo.SourceURL,
		"status":     string(repo.Status),
		"created_at": datetime(repo.CreatedAt),
	}
	sql := `CREATE type::record("repository", $id) SET
		name = $name,
		source_url = $source_url,
		status = $status,
		created_at = <datetime>$created_at,
		` + setDatetime("analysis_completed_at", "completed_at", repo.AnalysisCompletedAt, vars)
	if _, err := query[[]repositoryRow](ctx, c, sql, vars); err != nil {
		return fmt.Errorf("create repository: %w", err)
	}
	return nil
}

func (c *Client) GetRepository(ctx context.Context, id string) (*models.Repository, error) {
	results, err := query[[]repositoryRow](ctx, c,
		`SELECT * FROM type::record("repository", $id)`, map[string]any{"id": id})
	if err != nil {
		return nil, fmt.Errorf("get repository: %w", err)
	}
	rows := firstResult(results)
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: repository %s", store.ErrNotFound, id)
	}
	repo, err := rows[0].model()
	if err != nil {
		return nil, err
	}
	return &repo, nil
}

func (c *Client) ListRepositories(ctx context.Context, status models.RepositoryStatus) ([]models.Repository, error) {
	vars := map[string]any{}
	sql := "SELECT * FROM repository" + whereClause(vars, "status", string(status)) + " ORDER BY created_at DESC"
	results, err := query[[]repositoryRow](ctx, c, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("list repositories: %w", err)
	}
	return convertRows[repositoryRow, models.Repository](firstResult(results))
}

func (c *Client) UpdateRepositoryStatus(ctx context.Context, id string, status models.RepositoryStatus, completedAt *time.Time) error {
	vars := map[string]any{"id": id, "status": string(status)}
	sql := `UPDATE type::record("repository", $id) SET status = $status, ` +
		setDatetime("analysis_completed_at", "completed_at", completedAt, vars) + ` RETURN AFTER`
	results, err := query[[]repositoryRow](ctx, c, sql, vars)
	if err != nil {
		return fmt.Errorf("update repository status: %w", err)
	}
	if len(firstResult(results)) == 0 {
		return fmt.Errorf("%w: repository %s", store.ErrNotFound, id)
	}
	return nil
}

// =============================================================================
// STRUCTURAL RECORDS
// =============================================================================

func (c *Client) CreateStructuralRecord(ctx context.Context, rec *models.StructuralRecord) error {
	if _, err := c.GetRepository(ctx, rec.RepositoryID); err != nil {
		return fmt.Errorf("create structural record: %w", err)
	}
	vars := map[string]any{
		"id":            rec.ID,
		"repository_id": rec.RepositoryID,
		"file_path":     rec.FilePath,
		"file_kind":     rec.FileKind,
		"summary":       rec.Summary,
		"created_at":    datetime(rec.CreatedAt),
	}
	annotation := "NONE"
	if rec.Annotation != nil {
		vars["annotation"] = *rec.Annotation
		annotation = "$annotation"
	}
	sql := `CREATE type::record("code_map", $id) SET
		repository_id = $repository_id,
		file_path = $file_path,
		file_kind = $file_kind,
		summary = $summary,
		annotation = ` + annotation + `,
		created_at = <datetime>$created_at`
	if _, err := query[[]codeMapRow](ctx, c, sql, vars); err != nil {
		return fmt.Errorf("create structural record: %w", err)
	}
	return nil
}

func (c *Client) ListStructuralRecords(ctx context.Context, repositoryID string, limit int) ([]models.StructuralRecord, error) {
	vars := map[string]any{"repository_id": repositoryID}
	sql := `SELECT * FROM code_map WHERE repository_id = $repository_id ORDER BY created_at ASC`
	if limit > 0 {
		sql += ` LIMIT $limit`
		vars["limit"] = limit
	}
	results, err := query[[]codeMapRow](ctx, c, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("list structural records: %w", err)
	}
	return convertRows[codeMapRow, models.StructuralRecord](firstResult(results))
}

// =============================================================================
// REQUIREMENTS
// =============================================================================

// requirementSet renders the mutable requirement fields shared by create and update.
func requirementSet(req *models.ChangeRequirement, vars map[string]any) string {
	vars["analysis"] = req.Analysis
	vars["affected_components"] = req.AffectedComponents
	vars["dependencies"] = req.Dependencies
	vars["suggestions"] = req.Suggestions
	vars["status"] = string(req.Status)
	return `analysis = $analysis,
		affected_components = $affected_components,
		dependencies = $dependencies,
		suggestions = $suggestions,
		status = $status,
		` + setDatetime("resolved_at", "resolved_at", req.ResolvedAt, vars)
}

func (c *Client) CreateRequirement(ctx context.Context, req *models.ChangeRequirement) error {
	if _, err := c.GetRepository(ctx, req.RepositoryID); err != nil {
		return fmt.Errorf("create requirement: %w", err)
	}
	vars := map[string]any{
		"id":            req.ID,
		"repository_id": req.RepositoryID,
		"prompt":        req.Prompt,
		"created_at":    datetime(req.CreatedAt),
	}
	sql := `CREATE type::record("requirement", $id) SET
		repository_id = $repository_id,
		prompt = $prompt,
		created_at = <datetime>$created_at,
		` + requirementSet(req, vars)
	if _, err := query[[]requirementRow](ctx, c, sql, vars); err != nil {
		return fmt.Errorf("create requirement: %w", err)
	}
	return nil
}

func (c *Client) GetRequirement(ctx context.Context, id string) (*models.ChangeRequirement, error) {
	results, err := query[[]requirementRow](ctx, c,
		`SELECT * FROM type::record("requirement", $id)`, map[string]any{"id": id})
	if err != nil {
		return nil, fmt.Errorf("get requirement: %w", err)
	}
	rows := firstResult(results)
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: requirement %s", store.ErrNotFound, id)
	}
	req, err := rows[0].model()
	if err != nil {
		return nil, err
	}
	return &req, nil
}

func (c *Client) ListRequirements(ctx context.Context, filter store.RequirementFilter) ([]models.ChangeRequirement, error) {
	vars := map[string]any{}
	sql := "SELECT * FROM requirement" +
		whereClause(vars, "repository_id", filter.RepositoryID, "status", string(filter.Status)) +
		" ORDER BY created_at DESC"
	results, err := query[[]requirementRow](ctx, c, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("list requirements: %w", err)
	}
	return convertRows[requirementRow, models.ChangeRequirement](firstResult(results))
}

func (c *Client) UpdateRequirement(ctx context.Context, req *models.ChangeRequirement) error {
	vars := map[string]any{"id": req.ID}
	sql := `UPDATE type::record("requirement", $id) SET ` + requirementSet(req, vars) + ` RETURN AFTER`
	results, err := query[[]requirementRow](ctx, c, sql, vars)
	if err != nil {
		return fmt.Errorf("update requirement: %w", err)
	}
	if len(firstResult(results)) == 0 {
		return fmt.Errorf("%w: requirement %s", store.ErrNotFound, req.ID)
	}
	return nil
}

// =============================================================================
// WORK ITEMS
// =============================================================================

// CreateWorkItems writes the batch in a single transaction.
func (c *Client) CreateWorkItems(ctx context.Context, items []models.WorkItem) error {
	if len(items) == 0 {
		return nil
	}
	seen := map[string]bool{}
	for _, item := range items {
		if seen[item.RequirementID] {
			continue
		}
		if _, err := c.GetRequirement(ctx, item.RequirementID); err != nil {
			return fmt.Errorf("create work items: %w", err)
		}
		seen[item.RequirementID] = true
	}

	vars := map[string]any{}
	var b strings.Builder
	b.WriteString("BEGIN TRANSACTION;\n")
	for i, item := range items {
		p := fmt.Sprintf("w%d_", i)
		vars[p+"id"] = item.ID
		vars[p+"requirement_id"] = item.RequirementID
		vars[p+"tier"] = string(item.Tier)
		vars[p+"status"] = string(item.Status)
		vars[p+"input"] = item.Input
		vars[p+"output"] = item.Output
		vars[p+"created_at"] = datetime(item.CreatedAt)
		fmt.Fprintf(&b, `CREATE type::record("work_item", $%[1]sid) SET
			requirement_id = $%[1]srequirement_id,
			tier = $%[1]stier,
			status = $%[1]sstatus,
			input = $%[1]sinput,
			output = $%[1]soutput,
			created_at = <datetime>$%[1]screated_at,
			%[2]s;
`, p, setDatetime("completed_at", p+"completed_at", item.CompletedAt, vars))
	}
	b.WriteString("COMMIT TRANSACTION;")

	if _, err := query[any](ctx, c, b.String(), vars); err != nil {
		return fmt.Errorf("create work items: %w", err)
	}
	return nil
}

func (c *Client) ListWorkItems(ctx context.Context, filter store.WorkItemFilter) ([]models.WorkItem, error) {
	vars := map[string]any{}
	sql := "SELECT * FROM work_item" +
		whereClause(vars, "requirement_id", filter.RequirementID, "status", string(filter.Status)) +
		" ORDER BY created_at ASC"
	results, err := query[[]workItemRow](ctx, c, sql, vars)
	if err != nil {
		return nil, fmt.Errorf("list work items: %w", err)
	}
	return convertRows[workItemRow, models.WorkItem](firstResult(results))
}

func (c *Client) UpdateWorkItem(ctx context.Context, item *models.WorkItem) error {
	vars := map[string]any{
		"id":     item.ID,
		"status": string(item.Status),
		"output": item.Output,
	}
	sql := `UPDATE type::record("work_item", $id) SET status = $status, output = $output, ` +
		setDatetime("completed_at", "completed_at", item.CompletedAt, vars) + ` RETURN AFTER`
	results, err := query[[]workItemRow](ctx, c, sql, vars)
	if err != nil {
		return fmt.Errorf("update work item: %w", err)
	}
	if len(firstResult(results)) == 0 {
		return fmt.Errorf("%w: work item %s", store.ErrNotFound, item.ID)
	}
	return nil
}

// =============================================================================
// RECOMMENDATIONS
// =============================================================================

func (c *Client) CreateRecommendation(ctx context.Context, rec *models.Recommendation) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	if _, err := c.GetRequirement(ctx, rec.RequirementID); err != nil {
		return fmt.Errorf("create recommendation: %w", err)
	}
	vars := map[string]any{
		"id":                  rec.ID,
		"requirement_id":      rec.RequirementID,
		"tier":                string(rec.Tier),
		"file_path":           rec.FilePath,
		"change_kind":         string(rec.ChangeKind),
		"original_content":    rec.OriginalContent,
		"recommended_content": rec.RecommendedContent,
		"rationale":           rec.Rationale,
		"confidence":          rec.Confidence,
		"created_at":          datetime(rec.CreatedAt),
	}
	sql := `CREATE type::record("recommendation", $id) SET
		requirement_id = $requirement_id,
		tier = $tier,
		file_path = $file_path,
		change_kind = $change_kind,
		original_content = $original_content,
		recommended_content = $recommended_content,
		rationale = $rationale,
		confidence = <float>$confidence,
		created_at = <datetime>$created_at`
	if _, err := query[[]recommendationRow](ctx, c, sql, vars); err != nil {
		return fmt.Errorf("create recommendation: %w", err)
	}
	return nil
}

func (c *Client) ListRecommendations(ctx context.Context, requirementID string) ([]models.Recommendation, error) {
	results, err := query[[]recommendationRow](ctx, c,
		`SELECT * FROM recommendation WHERE requirement_id = $requirement_id ORDER BY created_at ASC`,
		map[string]any{"requirement_id": requirementID})
	if err != nil {
		return nil, fmt.Errorf("list recommendations: %w", err)
	}
	return convertRows[recommendationRow, models.Recommendation](firstResult(results))
}
