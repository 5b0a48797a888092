// Package pipeline implements status propagation for CI pipelines: the job
// transition rule, needs ordering, the per-pass status snapshot, the atomic
// and legacy processing engines, and the work queue that drives them.
package pipeline

import (
	"cmp"
	"fmt"
	"slices"
	"strings"

	"pipeflow/internal/domain"
)

// OrderJobs returns jobs in a topological order of their needs, breaking
// ties by name so the output does not depend on input order. Needs that
// point outside jobs are not edges, but must satisfy known; a need that is
// neither in jobs nor known, or a cycle, yields a *domain.GraphIntegrityError.
// A nil known accepts every outside need.
func OrderJobs(pipelineID int64, jobs []domain.Job, known func(name string) bool) ([]domain.Job, error) {
	if len(jobs) == 0 {
		return nil, nil
	}

	byName := make(map[string]int, len(jobs))
	for i := range jobs {
		byName[jobs[i].Name] = i
	}

	inDegree := make([]int, len(jobs))
	dependents := make([][]int, len(jobs))
	for i := range jobs {
		for _, need := range jobs[i].Needs {
			dep, ok := byName[need]
			if !ok {
				if known != nil && !known(need) {
					return nil, graphError(pipelineID, "job %s needs unknown job %s", jobs[i].Name, need)
				}
				continue
			}
			dependents[dep] = append(dependents[dep], i)
			inDegree[i]++
		}
	}

	less := func(a, b int) int {
		if c := cmp.Compare(jobs[a].Name, jobs[b].Name); c != 0 {
			return c
		}
		return cmp.Compare(jobs[a].ID, jobs[b].ID)
	}
	push := func(ready []int, i int) []int {
		pos, _ := slices.BinarySearchFunc(ready, i, less)
		return slices.Insert(ready, pos, i)
	}

	var ready []int
	for i, deg := range inDegree {
		if deg == 0 {
			ready = push(ready, i)
		}
	}

	ordered := make([]domain.Job, 0, len(jobs))
	for len(ready) > 0 {
		i := ready[0]
		ready = ready[1:]
		ordered = append(ordered, jobs[i])
		for _, d := range dependents[i] {
			inDegree[d]--
			if inDegree[d] == 0 {
				ready = push(ready, d)
			}
		}
	}

	if len(ordered) != len(jobs) {
		var stuck []string
		for i, deg := range inDegree {
			if deg > 0 {
				stuck = append(stuck, jobs[i].Name)
			}
		}
		slices.Sort(stuck)
		return nil, graphError(pipelineID, "cycle detected among jobs %s", strings.Join(stuck, ", "))
	}
	return ordered, nil
}

func graphError(pipelineID int64, format string, args ...any) *domain.GraphIntegrityError {
	return &domain.GraphIntegrityError{PipelineID: pipelineID, Message: fmt.Sprintf(format, args...)}
}
