// Package testutil provides in-memory implementations of domain interfaces
// for use in tests across the codebase. This follows the Go convention of a
// shared test utility package (like net/http/httptest).
package testutil

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"pipeflow/internal/domain"
)

// Compile-time checks.
var (
	_ domain.JobStore           = (*MemoryStore)(nil)
	_ domain.JobStatusRecorder  = (*MemoryStore)(nil)
	_ domain.PipelineRepository = (*MemoryStore)(nil)
)

// StoreHooks intercept MemoryStore calls. A hook returning an error makes
// the call fail with it. Hooks run without the store lock held, so they may
// call back into the store to simulate concurrent writers.
type StoreHooks struct {
	// LoadJobs runs before a snapshot is taken.
	LoadJobs func(pipelineID int64) error
	// AfterLoadJobs runs after a snapshot is taken.
	AfterLoadJobs func(pipelineID int64)
	// UpdateJobStatus runs before an engine status write is applied.
	UpdateJobStatus func(id int64, status domain.Status, expectedVersion int64) error
	// MarkProcessed runs before processed flags are written.
	MarkProcessed func(refs []domain.JobRef) error
	// UpdatePipelineStatus runs before a pipeline status is written.
	UpdatePipelineStatus func(pipelineID int64, status domain.Status) error
}

// StatusWrite is one successful engine status write.
type StatusWrite struct {
	JobID   int64
	Status  domain.Status
	Version int64
}

// MemoryStore is a versioned, mutex-guarded in-memory pipeline store with
// the same optimistic locking rules as the SQLite repository.
type MemoryStore struct {
	Hooks StoreHooks

	mu        sync.Mutex
	nextID    int64
	pipelines map[int64]*domain.Pipeline
	stages    map[int64]*domain.Stage
	jobs      map[int64]*domain.Job
	writes    []StatusWrite
	conflicts int
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		pipelines: make(map[int64]*domain.Pipeline),
		stages:    make(map[int64]*domain.Stage),
		jobs:      make(map[int64]*domain.Job),
	}
}

func (s *MemoryStore) id() int64 {
	s.nextID++
	return s.nextID
}

// CreatePipeline implements domain.PipelineRepository.
func (s *MemoryStore) CreatePipeline(ctx context.Context, req domain.CreatePipelineRequest) (*domain.PipelineView, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	now := time.Now()
	p := &domain.Pipeline{ID: s.id(), Name: req.Name, Status: domain.StatusCreated, CreatedBy: req.CreatedBy, CreatedAt: now, UpdatedAt: now}
	s.pipelines[p.ID] = p

	for pos, st := range req.Stages {
		stage := &domain.Stage{ID: s.id(), PipelineID: p.ID, Name: st.Name, Position: pos, Status: domain.StatusCreated}
		s.stages[stage.ID] = stage

		for _, jr := range st.Jobs {
			job := &domain.Job{
				ID:             s.id(),
				PipelineID:     p.ID,
				StageID:        stage.ID,
				StagePosition:  pos,
				Name:           jr.Name,
				Status:         cmp.Or(jr.Status, domain.StatusCreated),
				SchedulingType: jr.SchedulingType(),
				When:           cmp.Or(jr.When, domain.WhenOnSuccess),
				AllowFailure:   jr.AllowFailure,
				Actor:          cmp.Or(jr.Actor, req.CreatedBy),
				Environment:    jr.Environment,
				UpdatedAt:      now,
			}
			if job.IsDAG() {
				job.Needs = slices.Clone(jr.Needs)
				if job.Needs == nil {
					job.Needs = []string{}
				}
			}
			s.jobs[job.ID] = job
		}
	}
	s.mu.Unlock()

	return s.GetPipelineView(ctx, p.ID)
}

// MustCreate creates a pipeline and fails the test on error.
func (s *MemoryStore) MustCreate(t testing.TB, req domain.CreatePipelineRequest) *domain.PipelineView {
	t.Helper()
	view, err := s.CreatePipeline(context.Background(), req)
	if err != nil {
		t.Fatalf("create pipeline: %v", err)
	}
	return view
}

// GetPipelineView implements domain.PipelineRepository.
func (s *MemoryStore) GetPipelineView(_ context.Context, id int64) (*domain.PipelineView, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pipelines[id]
	if !ok {
		return nil, domain.ErrNotFound("pipeline %d not found", id)
	}
	view := &domain.PipelineView{Pipeline: *p, Stages: s.stagesOf(id)}
	for _, j := range s.jobs {
		if j.PipelineID == id {
			view.Jobs = append(view.Jobs, cloneJob(j))
		}
	}
	slices.SortFunc(view.Jobs, func(a, b domain.Job) int {
		if c := cmp.Compare(a.StagePosition, b.StagePosition); c != 0 {
			return c
		}
		return cmp.Compare(a.Name, b.Name)
	})
	return view, nil
}

// ListPipelinesNeedingProcessing implements domain.PipelineRepository.
func (s *MemoryStore) ListPipelinesNeedingProcessing(_ context.Context, limit int) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[int64]bool)
	var ids []int64
	for _, j := range s.jobs {
		if !j.Processed && !seen[j.PipelineID] {
			seen[j.PipelineID] = true
			ids = append(ids, j.PipelineID)
		}
	}
	slices.Sort(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

// LoadJobs implements domain.JobStore.
func (s *MemoryStore) LoadJobs(_ context.Context, pipelineID int64) ([]domain.JobSnapshot, error) {
	if h := s.Hooks.LoadJobs; h != nil {
		if err := h(pipelineID); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	var out []domain.JobSnapshot
	for _, j := range s.sortedJobs() {
		if j.PipelineID != pipelineID {
			continue
		}
		out = append(out, domain.JobSnapshot{
			ID:            j.ID,
			Name:          j.Name,
			Status:        j.Status,
			Version:       j.Version,
			StagePosition: j.StagePosition,
			AllowFailure:  j.AllowFailure,
			Processed:     j.Processed,
		})
	}
	s.mu.Unlock()

	if h := s.Hooks.AfterLoadJobs; h != nil {
		h(pipelineID)
	}
	return out, nil
}

// ListJobs implements domain.JobStore.
func (s *MemoryStore) ListJobs(_ context.Context, f domain.JobFilter) ([]domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Job
	for _, j := range s.sortedJobs() {
		if !matches(j, f) {
			continue
		}
		out = append(out, cloneJob(j))
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func matches(j *domain.Job, f domain.JobFilter) bool {
	switch {
	case f.PipelineID != 0 && j.PipelineID != f.PipelineID:
		return false
	case len(f.IDs) > 0 && !slices.Contains(f.IDs, j.ID):
		return false
	case len(f.Names) > 0 && !slices.Contains(f.Names, j.Name):
		return false
	case len(f.Statuses) > 0 && !slices.Contains(f.Statuses, j.Status):
		return false
	case f.SchedulingType != "" && j.SchedulingType != f.SchedulingType:
		return false
	case f.StagePosition != nil && j.StagePosition != *f.StagePosition:
		return false
	case f.BeforeStage != nil && j.StagePosition >= *f.BeforeStage:
		return false
	case f.AfterID != 0 && j.ID <= f.AfterID:
		return false
	}
	return true
}

// GetJob implements domain.JobStore.
func (s *MemoryStore) GetJob(_ context.Context, id int64) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound("job %d not found", id)
	}
	out := cloneJob(j)
	return &out, nil
}

// UpdateJobStatus implements domain.JobStore.
func (s *MemoryStore) UpdateJobStatus(_ context.Context, id int64, status domain.Status, expectedVersion int64) (int64, error) {
	if h := s.Hooks.UpdateJobStatus; h != nil {
		if err := h(id, status, expectedVersion); err != nil {
			return 0, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	v, err := s.write(id, status, expectedVersion)
	if err == nil {
		s.writes = append(s.writes, StatusWrite{JobID: id, Status: status, Version: v})
	}
	return v, err
}

// RecordJobStatus implements domain.JobStatusRecorder.
func (s *MemoryStore) RecordJobStatus(_ context.Context, id int64, status domain.Status, expectedVersion int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(id, status, expectedVersion)
}

func (s *MemoryStore) write(id int64, status domain.Status, expectedVersion int64) (int64, error) {
	if !status.Valid() {
		return 0, domain.ErrValidation("unknown status %q", status)
	}
	j, ok := s.jobs[id]
	if !ok {
		return 0, domain.ErrNotFound("job %d not found", id)
	}
	if j.Version != expectedVersion {
		s.conflicts++
		return 0, &domain.VersionConflictError{JobID: id, ExpectedVersion: expectedVersion}
	}
	j.Status = status
	j.Version++
	j.UpdatedAt = time.Now()
	j.Processed = false
	return j.Version, nil
}

// ListStages implements domain.JobStore.
func (s *MemoryStore) ListStages(_ context.Context, pipelineID int64) ([]domain.Stage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stagesOf(pipelineID), nil
}

// UpdateStageStatus implements domain.JobStore.
func (s *MemoryStore) UpdateStageStatus(_ context.Context, stageID int64, status domain.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.stages[stageID]
	if !ok {
		return domain.ErrNotFound("stage %d not found", stageID)
	}
	st.Status = status
	return nil
}

// UpdatePipelineStatus implements domain.JobStore.
func (s *MemoryStore) UpdatePipelineStatus(_ context.Context, pipelineID int64, status domain.Status) error {
	if h := s.Hooks.UpdatePipelineStatus; h != nil {
		if err := h(pipelineID, status); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pipelines[pipelineID]
	if !ok {
		return domain.ErrNotFound("pipeline %d not found", pipelineID)
	}
	p.Status = status
	p.UpdatedAt = time.Now()
	return nil
}

// MarkProcessed implements domain.JobStore.
func (s *MemoryStore) MarkProcessed(_ context.Context, refs []domain.JobRef) error {
	if h := s.Hooks.MarkProcessed; h != nil {
		if err := h(refs); err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ref := range refs {
		if j, ok := s.jobs[ref.ID]; ok && j.Version == ref.Version {
			j.Processed = true
		}
	}
	return nil
}

// NeedsProcessing implements domain.JobStore.
func (s *MemoryStore) NeedsProcessing(_ context.Context, pipelineID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.PipelineID == pipelineID && !j.Processed {
			return true, nil
		}
	}
	return false, nil
}

// === Test helpers ===

// Job returns the current state of the named job.
func (s *MemoryStore) Job(t testing.TB, pipelineID int64, name string) domain.Job {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jobs {
		if j.PipelineID == pipelineID && j.Name == name {
			return cloneJob(j)
		}
	}
	t.Fatalf("job %s not found in pipeline %d", name, pipelineID)
	return domain.Job{}
}

// Finish records an external status change for the named job, as a runner
// would, and returns the updated job.
func (s *MemoryStore) Finish(t testing.TB, pipelineID int64, name string, status domain.Status) domain.Job {
	t.Helper()
	j := s.Job(t, pipelineID, name)
	if _, err := s.RecordJobStatus(context.Background(), j.ID, status, j.Version); err != nil {
		t.Fatalf("record %s %s: %v", name, status, err)
	}
	return s.Job(t, pipelineID, name)
}

// Snapshot returns copies of a pipeline's jobs ordered by ID.
func (s *MemoryStore) Snapshot(pipelineID int64) []domain.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Job
	for _, j := range s.sortedJobs() {
		if j.PipelineID == pipelineID {
			out = append(out, cloneJob(j))
		}
	}
	return out
}

// Statuses returns job name to status for a pipeline.
func (s *MemoryStore) Statuses(pipelineID int64) map[string]domain.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]domain.Status)
	for _, j := range s.jobs {
		if j.PipelineID == pipelineID {
			out[j.Name] = j.Status
		}
	}
	return out
}

// StageStatuses returns the stage statuses of a pipeline by position.
func (s *MemoryStore) StageStatuses(pipelineID int64) []domain.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Status
	for _, st := range s.stagesOf(pipelineID) {
		out = append(out, st.Status)
	}
	return out
}

// PipelineStatus returns the stored aggregate status of a pipeline.
func (s *MemoryStore) PipelineStatus(pipelineID int64) domain.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.pipelines[pipelineID]; ok {
		return p.Status
	}
	return domain.StatusNone
}

// Writes returns the successful engine status writes in order.
func (s *MemoryStore) Writes() []StatusWrite {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.writes)
}

// Conflicts returns how many writes were rejected for a stale version.
func (s *MemoryStore) Conflicts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conflicts
}

func (s *MemoryStore) sortedJobs() []*domain.Job {
	jobs := make([]*domain.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	slices.SortFunc(jobs, func(a, b *domain.Job) int { return cmp.Compare(a.ID, b.ID) })
	return jobs
}

func (s *MemoryStore) stagesOf(pipelineID int64) []domain.Stage {
	var out []domain.Stage
	for _, st := range s.stages {
		if st.PipelineID == pipelineID {
			out = append(out, *st)
		}
	}
	slices.SortFunc(out, func(a, b domain.Stage) int { return cmp.Compare(a.Position, b.Position) })
	return out
}

func cloneJob(j *domain.Job) domain.Job {
	out := *j
	if j.Needs != nil {
		out.Needs = slices.Clone(j.Needs)
	}
	return out
}
