package scheduler

import "sort"

// ParallelSet is one candidate (or chosen) batch of tasks to run
// concurrently, along with the score it was ranked by.
type ParallelSet struct {
	TaskIDs  []string
	Score    float64
	Priority int
}

// SelectParallelSet builds the dependency graph over pending (tasks not
// yet done) and returns the highest-scoring parallelizable set of size
// <= maxConcurrency: a maximal antichain in the blocking subgraph,
// restricted to tasks whose dependsOn are already satisfied.
//
// Enumerating every maximal independent set is exponential in the
// general case, so candidates are generated greedily: each ready task in
// turn seeds a candidate set built by scanning the remaining ready tasks
// in priority order and adding any that don't blockingConflict with
// anything already in the set. The seed guarantees every ready task
// appears in at least one candidate, so the true best greedy set for
// this priority ordering is always considered.
func SelectParallelSet(tasks []TaskSpec, done map[string]bool, maxConcurrency int) ParallelSet {
	g := BuildGraph(tasks)

	var pendingIDs []string
	for _, t := range tasks {
		if !done[t.ID] {
			pendingIDs = append(pendingIDs, t.ID)
		}
	}
	ready := g.ready(done, pendingIDs)
	if len(ready) == 0 {
		return ParallelSet{}
	}

	byPriority := append([]string(nil), ready...)
	sort.SliceStable(byPriority, func(i, j int) bool {
		return g.tasks[byPriority[i]].Priority > g.tasks[byPriority[j]].Priority
	})

	var best ParallelSet
	bestScored := false

	for _, seed := range ready {
		set := buildGreedySet(g, byPriority, seed, maxConcurrency)
		score, priority := scoreSet(g, set)
		candidate := ParallelSet{TaskIDs: set, Score: score, Priority: priority}
		if !bestScored || better(candidate, best) {
			best = candidate
			bestScored = true
		}
	}
	return best
}

func better(a, b ParallelSet) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	return a.Priority > b.Priority
}

// buildGreedySet starts from seed and adds tasks from ordered (already
// priority-sorted) that don't blockingConflict with any member already
// chosen, stopping at maxConcurrency.
func buildGreedySet(g *Graph, ordered []string, seed string, maxConcurrency int) []string {
	set := []string{seed}
	for _, id := range ordered {
		if len(set) >= maxConcurrency {
			break
		}
		if id == seed {
			continue
		}
		if compatibleWithAll(g, id, set) {
			set = append(set, id)
		}
	}
	sort.Strings(set)
	return set
}

func compatibleWithAll(g *Graph, candidate string, set []string) bool {
	for _, member := range set {
		if g.blockingConflict(candidate, member) {
			return false
		}
	}
	return true
}

// scoreSet scores a candidate parallel set: a parallelism score that
// rewards size and penalizes package-overlap warning edges between its
// members, minus the aggregate per-task risk. Priority is the sum of
// member priorities, used only as a tie-breaker.
func scoreSet(g *Graph, ids []string) (score float64, priority int) {
	n := len(ids)
	parallelism := float64(n)

	var warnings int
	var risk float64
	for i, a := range ids {
		risk += g.tasks[a].RiskScore
		priority += g.tasks[a].Priority
		for j := i + 1; j < n; j++ {
			if g.warned[a][ids[j]] {
				warnings++
			}
		}
	}

	overlapPenalty := float64(warnings) * 0.5
	return parallelism - overlapPenalty - risk, priority
}
