package app

import (
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/jaakkos/buildfarm/internal/config"
	"github.com/jaakkos/buildfarm/internal/domain"
	"github.com/jaakkos/buildfarm/internal/lock"
)

const defaultStartDelay = 300 * time.Millisecond

// WorkerSupervisor grows each group's pool to its configured size and drops
// workers whose process died. It never shrinks a pool: lowering
// max_workers only takes effect as workers die.
type WorkerSupervisor struct {
	registry   *WorkerRegistry
	factory    ProcessFactory
	lock       *lock.Lock
	logger     *log.Logger
	startDelay time.Duration
}

// NewWorkerSupervisor creates a supervisor over registry. startDelay
// separates successive worker starts within one pass.
func NewWorkerSupervisor(registry *WorkerRegistry, factory ProcessFactory, lk *lock.Lock, startDelay time.Duration, logger *log.Logger) *WorkerSupervisor {
	return &WorkerSupervisor{
		registry:   registry,
		factory:    factory,
		lock:       lk,
		logger:     logger,
		startDelay: startDelay,
	}
}

// Reconcile starts workers until the group has MaxWorkers tracked workers.
// A worker that fails to start is logged and not tracked; the next pass
// retries the shortfall with a fresh number. Returns how many started.
func (s *WorkerSupervisor) Reconcile(cfg *config.Config, group domain.BuildGroup) int {
	missing := group.MaxWorkers - s.registry.Count(group.ID)
	if missing <= 0 {
		return 0
	}
	s.logger.Printf("WorkerSupervisor: spinning up %d worker(s) for group %d", missing, group.ID)

	started := 0
	for i := 0; i < missing; i++ {
		if i > 0 && s.startDelay > 0 {
			time.Sleep(s.startDelay)
		}
		num := s.registry.NextWorkerNum(group.ID)
		p, err := s.factory.NewWorker(cfg, group.ID, num, s.lock)
		if err != nil {
			s.logger.Printf("WorkerSupervisor: failed to create worker %d for group %d: %v", num, group.ID, err)
			continue
		}
		if err := p.Start(); err != nil {
			s.logger.Printf("WorkerSupervisor: failed to start worker %d for group %d: %v", num, group.ID, err)
			if err := p.Terminate(); err != nil {
				s.logger.Printf("WorkerSupervisor: terminate worker %d of group %d: %v", num, group.ID, err)
			}
			p.Join()
			continue
		}
		s.registry.Append(group.ID, &Worker{Num: num, GroupID: group.ID, StartedAt: time.Now(), proc: p})
		started++
		s.logger.Printf("WorkerSupervisor: started worker %d for group %d (pid %d)", num, group.ID, p.PID())
	}
	s.logger.Printf("WorkerSupervisor: finished starting workers for group %d (%d/%d)", group.ID, started, missing)
	return started
}

// Prune checks every tracked worker of a group and returns the live ones
// in their original order. Dead workers are terminated to reap them. With
// exitOnWorker, any dead worker also yields an error wrapping
// ErrWorkerDied; survivors are still returned.
func (s *WorkerSupervisor) Prune(groupID int, exitOnWorker bool) ([]*Worker, error) {
	var (
		survivors []*Worker
		dead      []int
	)
	for _, w := range s.registry.Workers(groupID) {
		if w.IsAlive() {
			survivors = append(survivors, w)
			continue
		}
		s.logger.Printf("WorkerSupervisor: worker %d of group %d died unexpectedly (%s)", w.Num, groupID, exitStatus(w.proc.ExitErr()))
		if err := w.proc.Terminate(); err != nil {
			s.logger.Printf("WorkerSupervisor: terminate worker %d of group %d: %v", w.Num, groupID, err)
		}
		w.proc.Join()
		dead = append(dead, w.Num)
	}
	if exitOnWorker && len(dead) > 0 {
		return survivors, fmt.Errorf("group %d, worker(s) %v: %w", groupID, dead, ErrWorkerDied)
	}
	return survivors, nil
}

func exitStatus(err error) string {
	if err == nil {
		return "exit 0"
	}
	return err.Error()
}

// TerminateAll stops every tracked worker in every group without checking
// liveness and empties the registry. Returns how many were stopped.
func (s *WorkerSupervisor) TerminateAll() int {
	taken := s.registry.TakeAll()
	groupIDs := make([]int, 0, len(taken))
	for id := range taken {
		groupIDs = append(groupIDs, id)
	}
	sort.Ints(groupIDs)

	var wg sync.WaitGroup
	n := 0
	for _, id := range groupIDs {
		for _, w := range taken[id] {
			n++
			wg.Add(1)
			go func(w *Worker) {
				defer wg.Done()
				if err := w.proc.Terminate(); err != nil {
					s.logger.Printf("WorkerSupervisor: terminate worker %d of group %d: %v", w.Num, w.GroupID, err)
				}
				w.proc.Join()
			}(w)
		}
	}
	wg.Wait()
	if n > 0 {
		s.logger.Printf("WorkerSupervisor: terminated %d worker(s)", n)
	}
	return n
}
