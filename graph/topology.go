package graph

import (
	"github.com/taskvine/taskvine/core"
)

// checkAcyclic verifies via Kahn's algorithm that the dependency graph over
// tasks has a topological order. Dependencies must already be normalized to
// task ids. Returns a *CycleError naming one concrete cycle otherwise.
func checkAcyclic(tasks []*core.Task) error {
	byID := make(map[string]*core.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	// indegree counts how many dependencies of a task are still unresolved;
	// dependents is the reverse adjacency.
	indegree := make(map[string]int, len(tasks))
	dependents := make(map[string][]string, len(tasks))
	for _, t := range tasks {
		indegree[t.ID] += 0
		for _, d := range t.Dependencies {
			if _, ok := byID[d.TaskID]; !ok {
				// Dangling references are caught during normalization; here
				// they would only hide a cycle, so skip them.
				continue
			}
			indegree[t.ID]++
			dependents[d.TaskID] = append(dependents[d.TaskID], t.ID)
		}
	}

	queue := make([]string, 0, len(tasks))
	for id, deg := range indegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}

	visited := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		visited++

		for _, dep := range dependents[id] {
			indegree[dep]--
			if indegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if visited == len(tasks) {
		return nil
	}

	return &CycleError{Cycle: findCycle(byID, indegree)}
}

// findCycle extracts one concrete cycle from the residual nodes left by Kahn's
// algorithm. All residual nodes sit on or lead into a cycle, so following
// residual dependency edges from any of them must revisit a node.
func findCycle(byID map[string]*core.Task, indegree map[string]int) []string {
	residual := func(id string) bool {
		deg, ok := indegree[id]
		return ok && deg > 0
	}

	var start string
	for id := range indegree {
		if residual(id) {
			start = id
			break
		}
	}

	seen := map[string]int{}
	var path []string
	cur := start
	for {
		if pos, ok := seen[cur]; ok {
			cycle := append([]string{}, path[pos:]...)
			names := make([]string, 0, len(cycle)+1)
			for _, cid := range cycle {
				names = append(names, byID[cid].Name)
			}
			names = append(names, byID[cycle[0]].Name)
			return names
		}
		seen[cur] = len(path)
		path = append(path, cur)

		next := ""
		for _, d := range byID[cur].Dependencies {
			if residual(d.TaskID) {
				next = d.TaskID
				break
			}
		}
		if next == "" {
			// Should not happen for residual nodes; avoid looping forever.
			return []string{byID[cur].Name}
		}
		cur = next
	}
}
