// Package service implements the analysis pipeline: repository analysis runs,
// requirement resolution and work-item orchestration, each run as a tracked job.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrRunInProgress is returned when a subject already has an active job.
	ErrRunInProgress = errors.New("run already in progress")

	// ErrJobNotFound is returned for unknown job ids.
	ErrJobNotFound = errors.New("job not found")
)

// JobKind identifies what a job runs.
type JobKind string

const (
	JobAnalysis    JobKind = "analysis"
	JobRequirement JobKind = "requirement"
)

// JobStatus represents the state of a background job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether the job has finished.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// JobFunc is the body of a job. The returned value becomes the job result.
type JobFunc func(ctx context.Context, job *Job) (any, error)

// Job is a handle on a background run.
type Job struct {
	id        string
	kind      JobKind
	subjectID string
	startedAt time.Time

	mu          sync.RWMutex
	status      JobStatus
	progress    int
	total       int
	result      any
	err         string
	completedAt *time.Time

	cancel  context.CancelFunc
	done    chan struct{}
	manager *JobManager
}

// JobInfo is a point-in-time copy of a job, safe to serialize.
type JobInfo struct {
	ID          string     `json:"id"`
	Kind        JobKind    `json:"kind"`
	SubjectID   string     `json:"subject_id"`
	Status      JobStatus  `json:"status"`
	Progress    int        `json:"progress"`
	Total       int        `json:"total"`
	Result      any        `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// ID returns the job id.
func (j *Job) ID() string { return j.id }

// Done is closed once the job reaches a terminal status.
func (j *Job) Done() <-chan struct{} { return j.done }

// Snapshot returns a thread-safe copy of job state.
func (j *Job) Snapshot() JobInfo {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return JobInfo{
		ID:          j.id,
		Kind:        j.kind,
		SubjectID:   j.subjectID,
		Status:      j.status,
		Progress:    j.progress,
		Total:       j.total,
		Result:      j.result,
		Error:       j.err,
		StartedAt:   j.startedAt,
		CompletedAt: j.completedAt,
	}
}

// SetProgress records progress and notifies watchers.
func (j *Job) SetProgress(current, total int) {
	j.mu.Lock()
	j.progress = current
	j.total = total
	j.mu.Unlock()
	j.manager.notify(j)
}

func (j *Job) setStatus(status JobStatus, result any, err error) {
	j.mu.Lock()
	j.status = status
	j.result = result
	if err != nil {
		j.err = err.Error()
	}
	if status.Terminal() {
		now := time.Now().UTC()
		j.completedAt = &now
	}
	j.mu.Unlock()
}

// JobManager tracks and manages background jobs.
type JobManager struct {
	mu       sync.RWMutex
	jobs     map[string]*Job
	active   map[string]*Job
	watchers map[string][]chan JobInfo
	wg       sync.WaitGroup
	baseCtx  context.Context
	stop     context.CancelFunc
}

// NewJobManager creates a new job manager.
func NewJobManager() *JobManager {
	ctx, stop := context.WithCancel(context.Background())
	return &JobManager{
		jobs:     make(map[string]*Job),
		active:   make(map[string]*Job),
		watchers: make(map[string][]chan JobInfo),
		baseCtx:  ctx,
		stop:     stop,
	}
}

// Submit starts fn in its own goroutine and returns its handle immediately.
// Only one job per subject may be active; a second one fails with ErrRunInProgress.
func (m *JobManager) Submit(kind JobKind, subjectID string, fn JobFunc) (*Job, error) {
	ctx, cancel := context.WithCancel(m.baseCtx)
	job := &Job{
		id:        uuid.NewString(),
		kind:      kind,
		subjectID: subjectID,
		startedAt: time.Now().UTC(),
		status:    JobStatusPending,
		cancel:    cancel,
		done:      make(chan struct{}),
		manager:   m,
	}

	m.mu.Lock()
	if running, ok := m.active[subjectID]; ok {
		m.mu.Unlock()
		cancel()
		return nil, fmt.Errorf("%w: %s %s (job %s)", ErrRunInProgress, kind, subjectID, running.id)
	}
	m.jobs[job.id] = job
	m.active[subjectID] = job
	m.wg.Add(1)
	m.mu.Unlock()

	slog.Info("job created", "job_id", job.id, "kind", kind, "subject_id", subjectID)
	go m.run(ctx, job, fn)
	return job, nil
}

func (m *JobManager) run(ctx context.Context, job *Job, fn JobFunc) {
	defer m.wg.Done()
	defer job.cancel()

	var (
		result any
		err    error
	)
	func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("job goroutine panicked", "job_id", job.id, "panic", r)
				err = fmt.Errorf("internal panic: %v", r)
			}
		}()
		job.setStatus(JobStatusRunning, nil, nil)
		m.notify(job)
		result, err = fn(ctx, job)
	}()

	switch {
	case err != nil && ctx.Err() != nil && errors.Is(err, context.Canceled):
		job.setStatus(JobStatusCancelled, result, err)
		slog.Info("job cancelled", "job_id", job.id, "kind", job.kind)
	case err != nil:
		job.setStatus(JobStatusFailed, result, err)
		slog.Error("job failed", "job_id", job.id, "kind", job.kind, "error", err)
	default:
		job.setStatus(JobStatusCompleted, result, nil)
		slog.Info("job completed", "job_id", job.id, "kind", job.kind)
	}

	m.mu.Lock()
	if m.active[job.subjectID] == job {
		delete(m.active, job.subjectID)
	}
	m.mu.Unlock()

	m.notify(job)
	m.closeWatchers(job.id)
	close(job.done)
}

// Get returns the job with id.
func (m *JobManager) Get(id string) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	return job, nil
}

// List returns snapshots of all jobs, most recent first. An empty kind matches all.
func (m *JobManager) List(kind JobKind) []JobInfo {
	m.mu.RLock()
	jobs := make([]*Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		if kind == "" || job.kind == kind {
			jobs = append(jobs, job)
		}
	}
	m.mu.RUnlock()

	slices.SortFunc(jobs, func(a, b *Job) int {
		return b.startedAt.Compare(a.startedAt)
	})
	out := make([]JobInfo, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, job.Snapshot())
	}
	return out
}

// Active reports whether subjectID has a running job.
func (m *JobManager) Active(subjectID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.active[subjectID]
	return ok
}

// Cancel requests cancellation of a job. Finished jobs are left untouched.
func (m *JobManager) Cancel(id string) (JobInfo, error) {
	job, err := m.Get(id)
	if err != nil {
		return JobInfo{}, err
	}
	job.cancel()
	slog.Info("job cancellation requested", "job_id", id)
	return job.Snapshot(), nil
}

// CancelSubject cancels the active job for subjectID, reporting whether one existed.
func (m *JobManager) CancelSubject(subjectID string) (JobInfo, bool) {
	m.mu.RLock()
	job, ok := m.active[subjectID]
	m.mu.RUnlock()
	if !ok {
		return JobInfo{}, false
	}
	job.cancel()
	slog.Info("job cancellation requested", "job_id", job.id, "subject_id", subjectID)
	return job.Snapshot(), true
}

// Watch returns a channel of snapshots for the job: the current state first,
// then every change. The channel is closed after the terminal snapshot.
// The returned stop function releases the subscription early.
func (m *JobManager) Watch(id string) (<-chan JobInfo, func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}

	ch := make(chan JobInfo, 16)
	snap := job.Snapshot()
	ch <- snap
	if snap.Status.Terminal() {
		close(ch)
		return ch, func() {}, nil
	}
	m.watchers[id] = append(m.watchers[id], ch)

	stop := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		list := m.watchers[id]
		for i, c := range list {
			if c == ch {
				m.watchers[id] = slices.Delete(list, i, i+1)
				close(ch)
				return
			}
		}
	}
	return ch, stop, nil
}

// notify pushes the job's snapshot to its watchers. A slow watcher loses
// intermediate snapshots, never the latest one.
func (m *JobManager) notify(job *Job) {
	snap := job.Snapshot()
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.watchers[job.id] {
		select {
		case ch <- snap:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- snap
		}
	}
}

func (m *JobManager) closeWatchers(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range m.watchers[id] {
		close(ch)
	}
	delete(m.watchers, id)
}

// Shutdown cancels every running job and waits for them to finish or for ctx to expire.
func (m *JobManager) Shutdown(ctx context.Context) error {
	m.stop()
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
