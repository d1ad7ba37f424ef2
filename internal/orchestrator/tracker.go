package orchestrator

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// trackedStates is the render order for snapshots. Page processors
// report exactly these states.
var trackedStates = []string{"started", "finished", "errored", "cancelled"}

// Tracker aggregates page lifecycle counts per worker. The page
// processors feed it from their goroutines, so every method locks.
type Tracker struct {
	mu      sync.Mutex
	workers map[int]map[string]int
}

func NewTracker() *Tracker {
	return &Tracker{workers: make(map[int]map[string]int)}
}

// Track records one page event for a worker. The unit name is carried
// by the event for log correlation elsewhere; the tracker only counts.
func (t *Tracker) Track(workerID int, _ string, state string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	w, ok := t.workers[workerID]
	if !ok {
		w = make(map[string]int)
		t.workers[workerID] = w
	}
	w[state]++
}

// Totals sums counts across workers.
func (t *Tracker) Totals() map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	totals := make(map[string]int)
	for _, w := range t.workers {
		for state, n := range w {
			totals[state] += n
		}
	}
	return totals
}

// Snapshot renders one line per worker in worker order, for the
// periodic progress report.
func (t *Tracker) Snapshot() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids := make([]int, 0, len(t.workers))
	for id := range t.workers {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	var sb strings.Builder
	for i, id := range ids {
		if i > 0 {
			sb.WriteString(" | ")
		}
		fmt.Fprintf(&sb, "worker %d:", id)
		for _, state := range trackedStates {
			if n := t.workers[id][state]; n > 0 {
				fmt.Fprintf(&sb, " %s=%d", state, n)
			}
		}
	}
	return sb.String()
}
