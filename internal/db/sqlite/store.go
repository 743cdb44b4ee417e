package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/raphaelgruber/codemap/internal/models"
	"github.com/raphaelgruber/codemap/internal/store"
)

type scanner interface {
	Scan(dest ...any) error
}

func mustAffect(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s %s", store.ErrNotFound, kind, id)
	}
	return nil
}

func marshalJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func nullJSON(v any, isNil bool) (sql.NullString, error) {
	if isNil {
		return sql.NullString{}, nil
	}
	s, err := marshalJSON(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: s, Valid: true}, nil
}

// =============================================================================
// REPOSITORIES
// =============================================================================

const repositoryColumns = `id, name, source_url, status, created_at, analysis_completed_at`

func scanRepository(row scanner) (models.Repository, error) {
	var (
		r         models.Repository
		created   string
		completed sql.NullString
	)
	if err := row.Scan(&r.ID, &r.Name, &r.SourceURL, &r.Status, &created, &completed); err != nil {
		return r, err
	}
	var err error
	if r.CreatedAt, err = parseTime(created); err != nil {
		return r, err
	}
	r.AnalysisCompletedAt, err = parseTimePtr(completed)
	return r, err
}

func (s *Store) CreateRepository(ctx context.Context, repo *models.Repository) error {
	defer s.observe(time.Now())
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO repositories(`+repositoryColumns+`) VALUES (?,?,?,?,?,?)`,
		repo.ID, repo.Name, repo.SourceURL, repo.Status, formatTime(repo.CreatedAt), formatTimePtr(repo.AnalysisCompletedAt))
	if err != nil {
		return fmt.Errorf("create repository: %w", classify(err))
	}
	return nil
}

func (s *Store) GetRepository(ctx context.Context, id string) (*models.Repository, error) {
	defer s.observe(time.Now())
	r, err := scanRepository(s.db.QueryRowContext(ctx,
		`SELECT `+repositoryColumns+` FROM repositories WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: repository %s", store.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get repository: %w", err)
	}
	return &r, nil
}

func (s *Store) ListRepositories(ctx context.Context, status models.RepositoryStatus) ([]models.Repository, error) {
	defer s.observe(time.Now())
	query := `SELECT ` + repositoryColumns + ` FROM repositories`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, rowid DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list repositories: %w", err)
	}
	defer rows.Close()
	out := []models.Repository{}
	for rows.Next() {
		r, err := scanRepository(rows)
		if err != nil {
			return nil, fmt.Errorf("scan repository: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) UpdateRepositoryStatus(ctx context.Context, id string, status models.RepositoryStatus, completedAt *time.Time) error {
	defer s.observe(time.Now())
	res, err := s.db.ExecContext(ctx,
		`UPDATE repositories SET status = ?, analysis_completed_at = ? WHERE id = ?`,
		status, formatTimePtr(completedAt), id)
	if err != nil {
		return fmt.Errorf("update repository status: %w", err)
	}
	return mustAffect(res, "repository", id)
}

// =============================================================================
// STRUCTURAL RECORDS
// =============================================================================

func (s *Store) CreateStructuralRecord(ctx context.Context, rec *models.StructuralRecord) error {
	defer s.observe(time.Now())
	summary, err := marshalJSON(rec.Summary)
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	annotation, err := nullJSON(rec.Annotation, rec.Annotation == nil)
	if err != nil {
		return fmt.Errorf("encode annotation: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO structural_records(id, repository_id, file_path, file_kind, summary, annotation, created_at)
		 VALUES (?,?,?,?,?,?,?)`,
		rec.ID, rec.RepositoryID, rec.FilePath, rec.FileKind, summary, annotation, formatTime(rec.CreatedAt))
	if err != nil {
		return fmt.Errorf("create structural record: %w", classify(err))
	}
	return nil
}

func (s *Store) ListStructuralRecords(ctx context.Context, repositoryID string, limit int) ([]models.StructuralRecord, error) {
	defer s.observe(time.Now())
	query := `SELECT id, repository_id, file_path, file_kind, summary, annotation, created_at
		FROM structural_records WHERE repository_id = ? ORDER BY rowid ASC`
	args := []any{repositoryID}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list structural records: %w", err)
	}
	defer rows.Close()

	out := []models.StructuralRecord{}
	for rows.Next() {
		var (
			rec        models.StructuralRecord
			summary    string
			annotation sql.NullString
			created    string
		)
		if err := rows.Scan(&rec.ID, &rec.RepositoryID, &rec.FilePath, &rec.FileKind, &summary, &annotation, &created); err != nil {
			return nil, fmt.Errorf("scan structural record: %w", err)
		}
		if err := json.Unmarshal([]byte(summary), &rec.Summary); err != nil {
			return nil, fmt.Errorf("decode summary %s: %w", rec.ID, err)
		}
		if annotation.Valid {
			rec.Annotation = &models.Annotation{}
			if err := json.Unmarshal([]byte(annotation.String), rec.Annotation); err != nil {
				return nil, fmt.Errorf("decode annotation %s: %w", rec.ID, err)
			}
		}
		if rec.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// =============================================================================
// REQUIREMENTS
// =============================================================================

const requirementColumns = `id, repository_id, prompt, analysis, affected_components, dependencies, suggestions, status, created_at, resolved_at`

func scanRequirement(row scanner) (models.ChangeRequirement, error) {
	var (
		r                  models.ChangeRequirement
		analysis, affected sql.NullString
		deps, suggestions  sql.NullString
		created            string
		resolved           sql.NullString
	)
	if err := row.Scan(&r.ID, &r.RepositoryID, &r.Prompt, &analysis, &affected, &deps, &suggestions, &r.Status, &created, &resolved); err != nil {
		return r, err
	}
	r.Analysis = stringPtr(analysis)
	for _, f := range []struct {
		src sql.NullString
		dst any
	}{{affected, &r.AffectedComponents}, {deps, &r.Dependencies}, {suggestions, &r.Suggestions}} {
		if f.src.Valid {
			if err := json.Unmarshal([]byte(f.src.String), f.dst); err != nil {
				return r, fmt.Errorf("decode requirement %s: %w", r.ID, err)
			}
		}
	}
	var err error
	if r.CreatedAt, err = parseTime(created); err != nil {
		return r, err
	}
	r.ResolvedAt, err = parseTimePtr(resolved)
	return r, err
}

func requirementArgs(r *models.ChangeRequirement) ([]any, error) {
	affected, err := nullJSON(r.AffectedComponents, r.AffectedComponents == nil)
	if err != nil {
		return nil, err
	}
	deps, err := nullJSON(r.Dependencies, r.Dependencies == nil)
	if err != nil {
		return nil, err
	}
	suggestions, err := nullJSON(r.Suggestions, r.Suggestions == nil)
	if err != nil {
		return nil, err
	}
	return []any{nullString(r.Analysis), affected, deps, suggestions, r.Status, formatTimePtr(r.ResolvedAt)}, nil
}

func (s *Store) CreateRequirement(ctx context.Context, req *models.ChangeRequirement) error {
	defer s.observe(time.Now())
	args, err := requirementArgs(req)
	if err != nil {
		return fmt.Errorf("encode requirement: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO requirements(id, repository_id, prompt, created_at, analysis, affected_components, dependencies, suggestions, status, resolved_at)
		 VALUES (?,?,?,?,?,?,?,?,?,?)`,
		append([]any{req.ID, req.RepositoryID, req.Prompt, formatTime(req.CreatedAt)}, args...)...)
	if err != nil {
		return fmt.Errorf("create requirement: %w", classify(err))
	}
	return nil
}

func (s *Store) GetRequirement(ctx context.Context, id string) (*models.ChangeRequirement, error) {
	defer s.observe(time.Now())
	r, err := scanRequirement(s.db.QueryRowContext(ctx,
		`SELECT `+requirementColumns+` FROM requirements WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: requirement %s", store.ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get requirement: %w", err)
	}
	return &r, nil
}

func (s *Store) ListRequirements(ctx context.Context, filter store.RequirementFilter) ([]models.ChangeRequirement, error) {
	defer s.observe(time.Now())
	var (
		where []string
		args  []any
	)
	if filter.RepositoryID != "" {
		where = append(where, "repository_id = ?")
		args = append(args, filter.RepositoryID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	query := `SELECT ` + requirementColumns + ` FROM requirements`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += ` ORDER BY rowid DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list requirements: %w", err)
	}
	defer rows.Close()
	out := []models.ChangeRequirement{}
	for rows.Next() {
		r, err := scanRequirement(rows)
		if err != nil {
			return nil, fmt.Errorf("scan requirement: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) UpdateRequirement(ctx context.Context, req *models.ChangeRequirement) error {
	defer s.observe(time.Now())
	args, err := requirementArgs(req)
	if err != nil {
		return fmt.Errorf("encode requirement: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE requirements SET analysis = ?, affected_components = ?, dependencies = ?, suggestions = ?, status = ?, resolved_at = ?
		 WHERE id = ?`, append(args, req.ID)...)
	if err != nil {
		return fmt.Errorf("update requirement: %w", err)
	}
	return mustAffect(res, "requirement", req.ID)
}

// =============================================================================
// WORK ITEMS
// =============================================================================

func (s *Store) CreateWorkItems(ctx context.Context, items []models.WorkItem) error {
	if len(items) == 0 {
		return nil
	}
	defer s.observe(time.Now())
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin work item batch: %w", err)
	}
	defer tx.Rollback()

	for _, item := range items {
		input, err := marshalJSON(item.Input)
		if err != nil {
			return fmt.Errorf("encode work item input: %w", err)
		}
		output, err := nullJSON(item.Output, item.Output == nil)
		if err != nil {
			return fmt.Errorf("encode work item output: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO work_items(id, requirement_id, tier, status, input, output, created_at, completed_at)
			 VALUES (?,?,?,?,?,?,?,?)`,
			item.ID, item.RequirementID, item.Tier, item.Status, input, output,
			formatTime(item.CreatedAt), formatTimePtr(item.CompletedAt)); err != nil {
			return fmt.Errorf("create work item: %w", classify(err))
		}
	}
	return tx.Commit()
}

func (s *Store) ListWorkItems(ctx context.Context, filter store.WorkItemFilter) ([]models.WorkItem, error) {
	defer s.observe(time.Now())
	var (
		where []string
		args  []any
	)
	if filter.RequirementID != "" {
		where = append(where, "requirement_id = ?")
		args = append(args, filter.RequirementID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	query := `SELECT id, requirement_id, tier, status, input, output, created_at, completed_at FROM work_items`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += ` ORDER BY rowid ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list work items: %w", err)
	}
	defer rows.Close()
	out := []models.WorkItem{}
	for rows.Next() {
		var (
			item              models.WorkItem
			input             string
			output, completed sql.NullString
			created           string
		)
		if err := rows.Scan(&item.ID, &item.RequirementID, &item.Tier, &item.Status, &input, &output, &created, &completed); err != nil {
			return nil, fmt.Errorf("scan work item: %w", err)
		}
		if err := json.Unmarshal([]byte(input), &item.Input); err != nil {
			return nil, fmt.Errorf("decode work item input %s: %w", item.ID, err)
		}
		if output.Valid {
			item.Output = &models.WorkItemOutput{}
			if err := json.Unmarshal([]byte(output.String), item.Output); err != nil {
				return nil, fmt.Errorf("decode work item output %s: %w", item.ID, err)
			}
		}
		if item.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		if item.CompletedAt, err = parseTimePtr(completed); err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func (s *Store) UpdateWorkItem(ctx context.Context, item *models.WorkItem) error {
	defer s.observe(time.Now())
	output, err := nullJSON(item.Output, item.Output == nil)
	if err != nil {
		return fmt.Errorf("encode work item output: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE work_items SET status = ?, output = ?, completed_at = ? WHERE id = ?`,
		item.Status, output, formatTimePtr(item.CompletedAt), item.ID)
	if err != nil {
		return fmt.Errorf("update work item: %w", err)
	}
	return mustAffect(res, "work item", item.ID)
}

// =============================================================================
// RECOMMENDATIONS
// =============================================================================

func (s *Store) CreateRecommendation(ctx context.Context, rec *models.Recommendation) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	defer s.observe(time.Now())
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO recommendations(id, requirement_id, tier, file_path, change_kind, original_content, recommended_content, rationale, confidence, created_at)
		 VALUES (?,?,?,?,?,?,?,?,?,?)`,
		rec.ID, rec.RequirementID, rec.Tier, rec.FilePath, rec.ChangeKind, nullString(rec.OriginalContent),
		rec.RecommendedContent, rec.Rationale, rec.Confidence, formatTime(rec.CreatedAt))
	if err != nil {
		return fmt.Errorf("create recommendation: %w", classify(err))
	}
	return nil
}

func (s *Store) ListRecommendations(ctx context.Context, requirementID string) ([]models.Recommendation, error) {
	defer s.observe(time.Now())
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, requirement_id, tier, file_path, change_kind, original_content, recommended_content, rationale, confidence, created_at
		 FROM recommendations WHERE requirement_id = ? ORDER BY rowid ASC`, requirementID)
	if err != nil {
		return nil, fmt.Errorf("list recommendations: %w", err)
	}
	defer rows.Close()
	out := []models.Recommendation{}
	for rows.Next() {
		var (
			rec      models.Recommendation
			original sql.NullString
			created  string
		)
		if err := rows.Scan(&rec.ID, &rec.RequirementID, &rec.Tier, &rec.FilePath, &rec.ChangeKind, &original,
			&rec.RecommendedContent, &rec.Rationale, &rec.Confidence, &created); err != nil {
			return nil, fmt.Errorf("scan recommendation: %w", err)
		}
		rec.OriginalContent = stringPtr(original)
		if rec.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
