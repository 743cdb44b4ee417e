package service

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/raphaelgruber/codemap/internal/metrics"
	"github.com/raphaelgruber/codemap/internal/models"
	"github.com/raphaelgruber/codemap/internal/parser"
	"github.com/raphaelgruber/codemap/internal/source"
	"github.com/raphaelgruber/codemap/internal/store"
)

// DefaultMaxFileSize is the largest file an analysis run reads.
const DefaultMaxFileSize = 1 << 20

// skippedDirs hold VCS metadata or third-party code and are never descended into.
var skippedDirs = map[string]bool{
	".git":         true,
	".hg":          true,
	".svn":         true,
	"node_modules": true,
	"vendor":       true,
	"__pycache__":  true,
	".venv":        true,
	"venv":         true,
}

// ProgressFunc receives the number of attempted files out of total.
type ProgressFunc func(done, total int)

// AnalysisOptions configures analysis runs.
type AnalysisOptions struct {
	// MaxFileSize skips larger files. Default DefaultMaxFileSize.
	MaxFileSize int64
	// Concurrency sets the number of file workers. Default 1.
	Concurrency int
}

// AnalysisResult summarizes an analysis run.
type AnalysisResult struct {
	FilesFound     int      `json:"files_found"`
	FilesAnalyzed  int      `json:"files_analyzed"` // attempted, including failures
	FilesSkipped   int      `json:"files_skipped"`
	RecordsCreated int      `json:"records_created"`
	Errors         []string `json:"errors,omitempty"`
}

// SourceFile is an eligible file found in a snapshot.
type SourceFile struct {
	// Path is relative to the snapshot root, slash-separated.
	Path string
	Kind parser.Kind
}

// AnalysisService runs repository analyses.
type AnalysisService struct {
	store     store.Store
	provider  source.Provider
	extractor *parser.Extractor
	annotator *Annotator
	opts      AnalysisOptions
	metrics   *metrics.Collector
}

// NewAnalysisService creates a new analysis service.
func NewAnalysisService(st store.Store, provider source.Provider, extractor *parser.Extractor, annotator *Annotator, opts AnalysisOptions, mc *metrics.Collector) *AnalysisService {
	if opts.MaxFileSize <= 0 {
		opts.MaxFileSize = DefaultMaxFileSize
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	return &AnalysisService{
		store:     st,
		provider:  provider,
		extractor: extractor,
		annotator: annotator,
		opts:      opts,
		metrics:   mc,
	}
}

// CollectFiles walks root and returns eligible files in walk order.
// skipped counts eligible files over maxSize.
func CollectFiles(root string, maxSize int64) (files []SourceFile, skipped int, err error) {
	walkFn := func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != root && skippedDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		kind, ok := parser.KindForPath(path)
		if !ok {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		if maxSize > 0 && info.Size() > maxSize {
			skipped++
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		files = append(files, SourceFile{Path: filepath.ToSlash(rel), Kind: kind})
		return nil
	}

	if err := filepath.WalkDir(root, walkFn); err != nil {
		return nil, 0, fmt.Errorf("scan directory: %w", err)
	}
	return files, skipped, nil
}

// Run analyzes the repository: pending -> analyzing -> completed | failed.
// The returned error is the cause of a failed run; per-file problems are
// reported in AnalysisResult.Errors and do not fail the run.
func (s *AnalysisService) Run(ctx context.Context, repositoryID string, progress ProgressFunc) (*AnalysisResult, error) {
	repo, err := s.store.GetRepository(ctx, repositoryID)
	if err != nil {
		return nil, fmt.Errorf("load repository: %w", err)
	}

	start := time.Now()
	slog.Info("starting analysis", "repository_id", repo.ID, "source_url", repo.SourceURL)
	if err := s.store.UpdateRepositoryStatus(ctx, repo.ID, models.RepositoryAnalyzing, nil); err != nil {
		return nil, fmt.Errorf("mark analyzing: %w", err)
	}

	result, runErr := s.analyzeRecovered(ctx, repo, progress)

	status := models.RepositoryCompleted
	if runErr != nil {
		status = models.RepositoryFailed
	}
	// The run context may be cancelled; the terminal status must still be written.
	finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	completedAt := time.Now().UTC()
	if err := s.store.UpdateRepositoryStatus(finishCtx, repo.ID, status, &completedAt); err != nil {
		slog.Error("failed to record analysis status", "repository_id", repo.ID, "status", status, "error", err)
		if runErr == nil {
			runErr = fmt.Errorf("record status: %w", err)
		}
	}

	s.metrics.RecordTiming(metrics.OpAnalysisRun, time.Since(start))
	if runErr != nil {
		slog.Error("analysis failed", "repository_id", repo.ID, "error", runErr)
		return result, runErr
	}
	slog.Info("analysis complete", "repository_id", repo.ID,
		"files", result.FilesFound, "records", result.RecordsCreated, "errors", len(result.Errors))
	return result, nil
}

// analyzeRecovered turns a panic in analyze into a run error so Run still
// writes the terminal status.
func (s *AnalysisService) analyzeRecovered(ctx context.Context, repo *models.Repository, progress ProgressFunc) (result *AnalysisResult, err error) {
	defer func() {
		if p := recover(); p != nil {
			slog.Error("analysis panicked", "repository_id", repo.ID, "panic", p)
			if result == nil {
				result = &AnalysisResult{}
			}
			err = fmt.Errorf("internal panic: %v", p)
		}
	}()
	return s.analyze(ctx, repo, progress)
}

func (s *AnalysisService) analyze(ctx context.Context, repo *models.Repository, progress ProgressFunc) (*AnalysisResult, error) {
	result := &AnalysisResult{}

	dir, err := s.provider.Fetch(ctx, repo.SourceURL, repo.ID)
	if err != nil {
		return result, fmt.Errorf("fetch source: %w", err)
	}
	defer func() {
		if err := s.provider.Discard(repo.ID); err != nil {
			slog.Warn("failed to discard snapshot", "repository_id", repo.ID, "error", err)
		}
	}()

	files, skipped, err := CollectFiles(dir, s.opts.MaxFileSize)
	if err != nil {
		return result, err
	}
	result.FilesFound = len(files)
	result.FilesSkipped = skipped
	if progress != nil {
		progress(0, len(files))
	}

	runCtx, cancelRun := context.WithCancelCause(ctx)
	defer cancelRun(nil)

	var (
		attempted atomic.Int32
		created   atomic.Int32
		errorsMu  sync.Mutex
		errs      []string
	)

	fileChan := make(chan SourceFile, len(files))
	var wg sync.WaitGroup
	for i := 0; i < s.opts.Concurrency; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					slog.Error("analysis worker panicked", "repository_id", repo.ID, "worker", workerID, "panic", r)
					cancelRun(fmt.Errorf("internal panic: %v", r))
				}
			}()
			for f := range fileChan {
				if runCtx.Err() != nil {
					return
				}
				if err := s.analyzeFile(runCtx, repo.ID, dir, f); err != nil {
					errorsMu.Lock()
					errs = append(errs, fmt.Sprintf("%s: %v", f.Path, err))
					errorsMu.Unlock()
					slog.Warn("file analysis failed", "repository_id", repo.ID, "file", f.Path, "error", err)
				} else {
					created.Add(1)
				}
				done := attempted.Add(1)
				slog.Debug("analyzed file", "worker", workerID, "file", f.Path, "progress", fmt.Sprintf("%d/%d", done, len(files)))
				if progress != nil {
					progress(int(done), len(files))
				}
			}
		}(i)
	}

	for _, f := range files {
		fileChan <- f
	}
	close(fileChan)
	wg.Wait()

	result.FilesAnalyzed = int(attempted.Load())
	result.RecordsCreated = int(created.Load())
	result.Errors = errs

	if cause := context.Cause(runCtx); cause != nil {
		if errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded) {
			return result, fmt.Errorf("analysis cancelled: %w", cause)
		}
		return result, cause
	}
	return result, nil
}

// analyzeFile reads, extracts, annotates and persists one file.
func (s *AnalysisService) analyzeFile(ctx context.Context, repositoryID, root string, f SourceFile) error {
	content, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(f.Path)))
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}

	summary := s.extractor.Extract(content, f.Kind)
	annotation := s.annotator.Annotate(ctx, content)
	if ctx.Err() != nil {
		return ctx.Err()
	}

	rec := &models.StructuralRecord{
		ID:           uuid.NewString(),
		RepositoryID: repositoryID,
		FilePath:     f.Path,
		FileKind:     string(f.Kind),
		Summary:      summary,
		Annotation:   &annotation,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.store.CreateStructuralRecord(ctx, rec); err != nil {
		return fmt.Errorf("store record: %w", err)
	}
	s.metrics.Inc("files_analyzed")
	return nil
}
