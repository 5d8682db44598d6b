package crew

import "fmt"

// ErrCycle is returned when a Task's declared dependencies form a cycle
// (spec §4.4 "a cycle detector refuses delegation cycles").
type ErrCycle struct {
	Cycle []string
}

func (e *ErrCycle) Error() string {
	return fmt.Sprintf("crew: dependency cycle detected: %v", e.Cycle)
}

// layers groups tasks into topological levels: layer 0 has no dependencies,
// layer N depends only on tasks in layers < N. Tasks within the same layer
// have no dependency relationship and may run concurrently under the
// Coordinated policy.
func layers(tasks []Task) ([][]Task, error) {
	byID := make(map[string]Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}
	for _, t := range tasks {
		for _, dep := range t.DependencyTaskIDs {
			if _, ok := byID[dep]; !ok {
				return nil, fmt.Errorf("crew: task %q declares unknown dependency %q", t.ID, dep)
			}
		}
	}

	if cyc := findCycle(tasks); cyc != nil {
		return nil, &ErrCycle{Cycle: cyc}
	}

	depth := make(map[string]int, len(tasks))
	var resolve func(id string) int
	resolve = func(id string) int {
		if d, ok := depth[id]; ok {
			return d
		}
		t := byID[id]
		max := -1
		for _, dep := range t.DependencyTaskIDs {
			if d := resolve(dep); d > max {
				max = d
			}
		}
		depth[id] = max + 1
		return depth[id]
	}

	maxDepth := 0
	for _, t := range tasks {
		if d := resolve(t.ID); d > maxDepth {
			maxDepth = d
		}
	}

	out := make([][]Task, maxDepth+1)
	for _, t := range tasks {
		d := depth[t.ID]
		out[d] = append(out[d], t)
	}
	return out, nil
}

// findCycle runs DFS with a recursion-stack marker and returns the cycle's
// task ids if one exists, or nil.
func findCycle(tasks []Task) []string {
	byID := make(map[string]Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[string]int, len(tasks))
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		switch state[id] {
		case done:
			return false
		case visiting:
			// found a cycle: slice the stack from id's first occurrence.
			for i, s := range stack {
				if s == id {
					cycle = append(append([]string{}, stack[i:]...), id)
					return true
				}
			}
			cycle = []string{id}
			return true
		}
		state[id] = visiting
		stack = append(stack, id)
		for _, dep := range byID[id].DependencyTaskIDs {
			if visit(dep) {
				return true
			}
		}
		stack = stack[:len(stack)-1]
		state[id] = done
		return false
	}

	for _, t := range tasks {
		if state[t.ID] == unvisited {
			if visit(t.ID) {
				return cycle
			}
		}
	}
	return nil
}
