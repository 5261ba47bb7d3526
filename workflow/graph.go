package workflow

import (
	"fmt"
	"sort"
	"sync"
)

// DependencyGraph tracks unmet dependencies and determines dispatch order.
// All methods are safe for concurrent use.
type DependencyGraph struct {
	mu         sync.Mutex
	tasks      map[string]*Task
	inDegree   map[string]int      // number of unmet dependencies
	dependents map[string][]string // tasks that depend on this task
}

// NewDependencyGraph builds a dependency graph from a task list. It rejects
// unknown dependency references and cycles.
func NewDependencyGraph(tasks []Task) (*DependencyGraph, error) {
	g := &DependencyGraph{
		tasks:      make(map[string]*Task),
		inDegree:   make(map[string]int),
		dependents: make(map[string][]string),
	}

	for i := range tasks {
		t := &tasks[i]
		g.tasks[t.ID] = t
		g.inDegree[t.ID] = 0
		g.dependents[t.ID] = nil
	}

	for _, t := range tasks {
		for _, depID := range t.Deps {
			if _, exists := g.tasks[depID]; !exists {
				return nil, fmt.Errorf("task %s depends on non-existent task %s", t.ID, depID)
			}
			g.inDegree[t.ID]++
			g.dependents[depID] = append(g.dependents[depID], t.ID)
		}
	}

	if err := g.detectCycles(); err != nil {
		return nil, err
	}

	return g, nil
}

// detectCycles runs Kahn's algorithm; leftover tasks mean a cycle.
func (g *DependencyGraph) detectCycles() error {
	tempDegree := make(map[string]int, len(g.inDegree))
	for id, deg := range g.inDegree {
		tempDegree[id] = deg
	}

	var queue []string
	for id, deg := range tempDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}

	processed := 0
	for len(queue) > 0 {
		taskID := queue[0]
		queue = queue[1:]
		processed++

		for _, depID := range g.dependents[taskID] {
			tempDegree[depID]--
			if tempDegree[depID] == 0 {
				queue = append(queue, depID)
			}
		}
	}

	if processed != len(g.tasks) {
		return fmt.Errorf("circular dependency detected: %d tasks could not be ordered", len(g.tasks)-processed)
	}

	return nil
}

// sortReady orders ready siblings by priority ascending, ties broken by ID.
func sortReady(tasks []*Task) {
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].Priority != tasks[j].Priority {
			return tasks[i].Priority < tasks[j].Priority
		}
		return tasks[i].ID < tasks[j].ID
	})
}

// ReadyTasks returns all tasks with no unmet dependencies, ordered by
// priority then ID.
func (g *DependencyGraph) ReadyTasks() []*Task {
	g.mu.Lock()
	defer g.mu.Unlock()

	var ready []*Task
	for id, deg := range g.inDegree {
		if deg == 0 {
			ready = append(ready, g.tasks[id])
		}
	}
	sortReady(ready)
	return ready
}

// MarkDone removes a finished task and returns the tasks it unblocked,
// ordered by priority then ID. The caller decides whether "finished" means
// completed, failed, or blocked; the graph only tracks edges.
func (g *DependencyGraph) MarkDone(taskID string) []*Task {
	g.mu.Lock()
	defer g.mu.Unlock()

	var newlyReady []*Task
	for _, depID := range g.dependents[taskID] {
		g.inDegree[depID]--
		if g.inDegree[depID] == 0 {
			newlyReady = append(newlyReady, g.tasks[depID])
		}
	}

	delete(g.inDegree, taskID)
	sortReady(newlyReady)
	return newlyReady
}

// AddTask inserts a task into a live graph. Used for branch tasks synthesized
// during execution; the task must not depend on anything unfinished.
func (g *DependencyGraph) AddTask(t *Task) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tasks[t.ID] = t
	g.inDegree[t.ID] = 0
	g.dependents[t.ID] = nil
}

// Dependents returns the IDs of tasks that directly depend on taskID and are
// still unfinished.
func (g *DependencyGraph) Dependents(taskID string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	var out []string
	for _, depID := range g.dependents[taskID] {
		if _, pending := g.inDegree[depID]; pending {
			out = append(out, depID)
		}
	}
	return out
}

// IsEmpty reports whether every task has been processed.
func (g *DependencyGraph) IsEmpty() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.inDegree) == 0
}

// RemainingCount returns the number of unfinished tasks.
func (g *DependencyGraph) RemainingCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.inDegree)
}
