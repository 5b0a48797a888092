package pipeline

import (
	"context"
	"fmt"
	"iter"
	"slices"

	"pipeflow/internal/domain"
)

// DefaultBatchSize bounds the jobs read or written in one round trip.
const DefaultBatchSize = 20

// StatusCollection is the in-memory snapshot of a pipeline's jobs for one
// processing pass. Entries live in one slice indexed by ID, name and stage
// position; stage and pipeline composites are kept up to date as statuses
// are set, so aggregate queries never touch storage.
//
// A StatusCollection is not safe for concurrent use and must not outlive
// the pass that loaded it.
type StatusCollection struct {
	pipelineID int64
	entries    []domain.JobSnapshot
	byID       map[int64]int
	byName     map[string]int
	byStage    map[int][]int
	positions  []int
	stages     map[int]*domain.Composite
	all        domain.Composite
	stopped    []string
	written    map[int64]bool
}

// LoadStatusCollection loads every job of the pipeline from store.
func LoadStatusCollection(ctx context.Context, store domain.JobStore, pipelineID int64) (*StatusCollection, error) {
	snaps, err := store.LoadJobs(ctx, pipelineID)
	if err != nil {
		return nil, fmt.Errorf("load jobs: %w", err)
	}
	return NewStatusCollection(pipelineID, snaps), nil
}

// NewStatusCollection builds a collection over snaps. The names of stopped
// jobs are captured here, once.
func NewStatusCollection(pipelineID int64, snaps []domain.JobSnapshot) *StatusCollection {
	c := &StatusCollection{
		pipelineID: pipelineID,
		entries:    slices.Clone(snaps),
		byID:       make(map[int64]int, len(snaps)),
		byName:     make(map[string]int, len(snaps)),
		byStage:    make(map[int][]int),
		stages:     make(map[int]*domain.Composite),
		written:    make(map[int64]bool),
	}

	for i, e := range c.entries {
		c.byID[e.ID] = i
		c.byName[e.Name] = i

		if _, ok := c.byStage[e.StagePosition]; !ok {
			c.positions = append(c.positions, e.StagePosition)
			comp := domain.NewComposite(false)
			c.stages[e.StagePosition] = &comp
		}
		c.byStage[e.StagePosition] = append(c.byStage[e.StagePosition], i)
		c.stages[e.StagePosition].Add(e.Status, e.AllowFailure)
		c.all.Add(e.Status, e.AllowFailure)

		if e.Status.IsStopped() {
			c.stopped = append(c.stopped, e.Name)
		}
	}
	slices.Sort(c.positions)
	slices.Sort(c.stopped)
	return c
}

// PipelineID returns the pipeline the snapshot belongs to.
func (c *StatusCollection) PipelineID() int64 { return c.pipelineID }

// Len returns the number of jobs in the snapshot.
func (c *StatusCollection) Len() int { return len(c.entries) }

// StagePositions returns the positions that hold at least one job, ascending.
func (c *StatusCollection) StagePositions() []int { return slices.Clone(c.positions) }

// HasStage reports whether any job sits at position.
func (c *StatusCollection) HasStage(position int) bool {
	_, ok := c.stages[position]
	return ok
}

// HasJob reports whether a job named name is part of the snapshot.
func (c *StatusCollection) HasJob(name string) bool {
	_, ok := c.byName[name]
	return ok
}

// Job returns the snapshot entry for id.
func (c *StatusCollection) Job(id int64) (domain.JobSnapshot, bool) {
	i, ok := c.byID[id]
	if !ok {
		return domain.JobSnapshot{}, false
	}
	return c.entries[i], true
}

// StatusOfStage folds the jobs at position.
func (c *StatusCollection) StatusOfStage(position int) domain.Status {
	comp, ok := c.stages[position]
	if !ok {
		return domain.StatusSuccess
	}
	return orSuccess(comp.Status())
}

// StatusOfAll folds every job of the pipeline.
func (c *StatusCollection) StatusOfAll() domain.Status {
	return orSuccess(c.all.Status())
}

// StatusOfJobsPriorToStage folds every job in a stage strictly before
// position. With no earlier jobs the result is success.
func (c *StatusCollection) StatusOfJobsPriorToStage(position int) domain.Status {
	comp := domain.NewComposite(false)
	for _, p := range c.positions {
		if p >= position {
			break
		}
		comp.Merge(*c.stages[p])
	}
	return orSuccess(comp.Status())
}

// StatusOfJobs folds the named jobs in dag mode, where a skipped or ignored
// need makes the whole set skipped. An empty set is success. A name missing
// from the snapshot is a dangling need.
func (c *StatusCollection) StatusOfJobs(names []string) (domain.Status, error) {
	comp := domain.NewComposite(true)
	for _, name := range names {
		i, ok := c.byName[name]
		if !ok {
			return domain.StatusNone, graphError(c.pipelineID, "need %s does not exist", name)
		}
		comp.Add(c.entries[i].Status, c.entries[i].AllowFailure)
	}
	return orSuccess(comp.Status()), nil
}

// CreatedJobIDsInStage yields the IDs of created jobs at position in
// ascending batches of at most size. The set is fixed when called.
func (c *StatusCollection) CreatedJobIDsInStage(position, size int) iter.Seq[[]int64] {
	if size <= 0 {
		size = DefaultBatchSize
	}
	var ids []int64
	for _, i := range c.byStage[position] {
		if c.entries[i].Status == domain.StatusCreated {
			ids = append(ids, c.entries[i].ID)
		}
	}
	slices.Sort(ids)
	return slices.Chunk(ids, size)
}

// SetJobStatus records a status that has been persisted at version. The
// store cleared the job's processed flag with that write. Unknown IDs are
// ignored.
func (c *StatusCollection) SetJobStatus(id int64, status domain.Status, version int64) {
	i, ok := c.byID[id]
	if !ok {
		return
	}
	e := &c.entries[i]
	comp := c.stages[e.StagePosition]
	comp.Remove(e.Status, e.AllowFailure)
	c.all.Remove(e.Status, e.AllowFailure)

	e.Status = status
	e.Version = version
	e.Processed = false
	c.written[id] = true

	comp.Add(e.Status, e.AllowFailure)
	c.all.Add(e.Status, e.AllowFailure)
}

// StoppedJobNames returns the names of jobs that were stopped when the
// snapshot was loaded, sorted.
func (c *StatusCollection) StoppedJobNames() []string { return slices.Clone(c.stopped) }

// UnprocessedRefs returns the jobs loaded as unprocessed that the pass did
// not write. A written job stays unprocessed so its dependents are evaluated
// again by the next pass.
func (c *StatusCollection) UnprocessedRefs() []domain.JobRef {
	var refs []domain.JobRef
	for _, e := range c.entries {
		if !e.Processed && !c.written[e.ID] {
			refs = append(refs, domain.JobRef{ID: e.ID, Version: e.Version})
		}
	}
	return refs
}

func orSuccess(s domain.Status) domain.Status {
	if s == domain.StatusNone {
		return domain.StatusSuccess
	}
	return s
}
