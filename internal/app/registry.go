package app

import (
	"sort"
	"sync"
	"time"

	"github.com/jaakkos/buildfarm/internal/proc"
)

// Worker is one build worker process in a group's pool.
type Worker struct {
	Num       int
	GroupID   int
	StartedAt time.Time
	proc      proc.Managed
}

// NewWorker wraps a managed process as worker num of groupID.
func NewWorker(groupID, num int, p proc.Managed) *Worker {
	return &Worker{Num: num, GroupID: groupID, proc: p}
}

// IsAlive reports whether the worker's process is running.
func (w *Worker) IsAlive() bool {
	return w.proc.IsAlive()
}

// PID returns the worker's process id.
func (w *Worker) PID() int {
	return w.proc.PID()
}

// WorkerRegistry tracks live workers per build group and the highest worker
// number handed out per group. It is the only place pool membership lives.
type WorkerRegistry struct {
	mu      sync.RWMutex
	workers map[int][]*Worker // groupID → workers in spin-up order
	maxNum  map[int]int       // groupID → last assigned worker number
}

// NewWorkerRegistry creates an empty registry.
func NewWorkerRegistry() *WorkerRegistry {
	return &WorkerRegistry{
		workers: make(map[int][]*Worker),
		maxNum:  make(map[int]int),
	}
}

// Count returns the number of tracked workers in a group.
func (r *WorkerRegistry) Count(groupID int) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.workers[groupID])
}

// Append adds a worker to the end of its group's pool.
func (r *WorkerRegistry) Append(groupID int, w *Worker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workers[groupID] = append(r.workers[groupID], w)
}

// Replace sets a group's pool. The worker counter is untouched.
func (r *WorkerRegistry) Replace(groupID int, workers []*Worker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workers[groupID] = append([]*Worker(nil), workers...)
}

// NextWorkerNum increments and returns the group's worker counter. Numbers
// are never reused within one registry.
func (r *WorkerRegistry) NextWorkerNum(groupID int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.maxNum[groupID]++
	return r.maxNum[groupID]
}

// LastWorkerNum returns the last number handed out for a group.
func (r *WorkerRegistry) LastWorkerNum(groupID int) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.maxNum[groupID]
}

// Workers returns a copy of a group's pool.
func (r *WorkerRegistry) Workers(groupID int) []*Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Worker(nil), r.workers[groupID]...)
}

// GroupIDs returns every group that has, or had, workers, sorted.
func (r *WorkerRegistry) GroupIDs() []int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[int]struct{}, len(r.workers)+len(r.maxNum))
	for id := range r.workers {
		seen[id] = struct{}{}
	}
	for id := range r.maxNum {
		seen[id] = struct{}{}
	}
	ids := make([]int, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// TakeAll removes and returns every tracked worker, grouped by group id.
func (r *WorkerRegistry) TakeAll() map[int][]*Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := r.workers
	r.workers = make(map[int][]*Worker)
	return out
}
