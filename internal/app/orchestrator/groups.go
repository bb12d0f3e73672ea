package orchestrator

import (
	svcerrors "github.com/deskpilot/deskpilot/infrastructure/errors"
)

// BuildParallelGroups partitions tasks into dependency layers: each group
// contains every task whose dependencies are all satisfied by earlier
// groups. A round that grows no group means the graph has a cycle (or an
// unknown dependency id), which fails fast.
func BuildParallelGroups(tasks []TaskItem) ([][]string, error) {
	known := make(map[string]TaskItem, len(tasks))
	for _, t := range tasks {
		known[t.ID] = t
	}

	grouped := make(map[string]struct{}, len(tasks))
	var groups [][]string

	for len(grouped) < len(tasks) {
		var group []string
		for _, t := range tasks {
			if _, done := grouped[t.ID]; done {
				continue
			}
			ready := true
			for _, dep := range t.Dependencies {
				if _, ok := known[dep]; !ok {
					ready = false
					break
				}
				if _, ok := grouped[dep]; !ok {
					ready = false
					break
				}
			}
			if ready {
				group = append(group, t.ID)
			}
		}
		if len(group) == 0 {
			var stuck []string
			for _, t := range tasks {
				if _, done := grouped[t.ID]; !done {
					stuck = append(stuck, t.ID)
				}
			}
			return nil, svcerrors.DependencyCycle(stuck)
		}
		for _, id := range group {
			grouped[id] = struct{}{}
		}
		groups = append(groups, group)
	}
	return groups, nil
}
