// Package scheduler owns the pool of runnable tasks for one raid: it
// builds a dependency graph over pending tasks, selects the largest
// compatible set to run concurrently, launches a Worker per task inside
// an isolated worktree, and recovers crashed task assignments on
// restart.
package scheduler

import "sort"

// TaskSpec is the scheduler's view of one task: just enough to build the
// dependency graph and score candidate parallel sets. The Worker owns
// everything else about a task's execution.
type TaskSpec struct {
	ID              string
	Priority        int
	RiskScore       float64
	DependsOn       []string
	Conflicts       []string
	TouchedFiles    []string
	PackageScope    []string
}

// edgeKind distinguishes a hard (blocking) edge from a soft (warning,
// non-blocking) one in the dependency graph.
type edgeKind int

const (
	edgeBlocking edgeKind = iota
	edgeWarning
)

// Graph is the dependency graph over a set of pending tasks: symmetric
// blocking edges (dependsOn, conflicts, file overlap) and symmetric
// warning edges (package overlap), keyed by task id.
type Graph struct {
	tasks   map[string]TaskSpec
	blocked map[string]map[string]bool
	warned  map[string]map[string]bool
}

// BuildGraph constructs the dependency graph over tasks:
// explicit dependsOn/conflicts become hard edges; any two tasks sharing
// an estimated-touched file become a hard edge; any two tasks sharing a
// package scope become a soft (warning) edge.
func BuildGraph(tasks []TaskSpec) *Graph {
	g := &Graph{
		tasks:   map[string]TaskSpec{},
		blocked: map[string]map[string]bool{},
		warned:  map[string]map[string]bool{},
	}
	for _, t := range tasks {
		g.tasks[t.ID] = t
		g.blocked[t.ID] = map[string]bool{}
		g.warned[t.ID] = map[string]bool{}
	}

	for _, t := range tasks {
		for _, dep := range t.DependsOn {
			g.addBlocking(t.ID, dep)
		}
		for _, c := range t.Conflicts {
			g.addBlocking(t.ID, c)
		}
	}

	for i := 0; i < len(tasks); i++ {
		for j := i + 1; j < len(tasks); j++ {
			a, b := tasks[i], tasks[j]
			if sharesAny(a.TouchedFiles, b.TouchedFiles) {
				g.addBlocking(a.ID, b.ID)
			} else if sharesAny(a.PackageScope, b.PackageScope) {
				g.addWarning(a.ID, b.ID)
			}
		}
	}
	return g
}

func (g *Graph) addBlocking(a, b string) {
	if a == b {
		return
	}
	if _, ok := g.blocked[a]; !ok {
		g.blocked[a] = map[string]bool{}
	}
	if _, ok := g.blocked[b]; !ok {
		g.blocked[b] = map[string]bool{}
	}
	g.blocked[a][b] = true
	g.blocked[b][a] = true
}

func (g *Graph) addWarning(a, b string) {
	g.warned[a][b] = true
	g.warned[b][a] = true
}

func sharesAny(a, b []string) bool {
	set := make(map[string]bool, len(a))
	for _, x := range a {
		set[x] = true
	}
	for _, y := range b {
		if set[y] {
			return true
		}
	}
	return false
}

// blockingConflict reports whether a and b cannot run in the same
// parallel set: either a direct blocking edge, or a has an unmet
// dependsOn that points at b (dependency ordering, not just conflict).
func (g *Graph) blockingConflict(a, b string) bool {
	return g.blocked[a][b]
}

// ready returns the ids of tasks whose explicit dependsOn are all
// satisfied (present in done).
func (g *Graph) ready(done map[string]bool, pending []string) []string {
	var out []string
	for _, id := range pending {
		t := g.tasks[id]
		ok := true
		for _, dep := range t.DependsOn {
			if !done[dep] {
				ok = false
				break
			}
		}
		if ok {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
