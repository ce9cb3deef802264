package app

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/jaakkos/buildfarm/internal/config"
	"github.com/jaakkos/buildfarm/internal/domain"
	"github.com/jaakkos/buildfarm/internal/lock"
)

const defaultGrabberWarmup = time.Second

// ConfigReader returns a fresh configuration snapshot on every call.
type ConfigReader interface {
	Read() (*config.Config, error)
}

// Rescheduler asks the frontend to re-dispatch every running build.
type Rescheduler interface {
	RescheduleAllRunning(ctx context.Context) error
}

// TaskQueues is the per-group queue set owned by the backend.
type TaskQueues interface {
	Init(ctx context.Context, groupIDs []int) error
	DrainAll(ctx context.Context) (int, error)
	Close() error
}

// Backend is the control loop. It keeps one job-grabber and a pool of
// workers per build group alive, and cleans up on shutdown.
type Backend struct {
	reader   ConfigReader
	queues   TaskQueues
	frontend Rescheduler
	lock     *lock.Lock
	logger   *log.Logger

	registry *WorkerRegistry
	workers  *WorkerSupervisor
	grabber  *JobGrabberSupervisor

	startDelay    time.Duration
	grabberWarmup time.Duration
	changes       <-chan struct{}

	mu         sync.RWMutex
	cfg        *config.Config
	state      domain.State
	running    bool
	iterations int64

	stopCh        chan struct{}
	stopOnce      sync.Once
	terminateOnce sync.Once
	terminateErr  error
}

// BackendOption configures the backend.
type BackendOption func(*Backend)

// WithStartDelay sets the pause between successive worker starts.
func WithStartDelay(d time.Duration) BackendOption {
	return func(b *Backend) { b.startDelay = d }
}

// WithGrabberWarmup sets how long startup waits after launching the
// job-grabber.
func WithGrabberWarmup(d time.Duration) BackendOption {
	return func(b *Backend) { b.grabberWarmup = d }
}

// WithConfigChanges wakes the loop early whenever ch delivers.
func WithConfigChanges(ch <-chan struct{}) BackendOption {
	return func(b *Backend) { b.changes = ch }
}

// NewBackend wires a backend. lk is the lock shared with every spawned
// process; the backend closes it on Terminate.
func NewBackend(reader ConfigReader, queues TaskQueues, frontend Rescheduler, factory ProcessFactory, lk *lock.Lock, logger *log.Logger, opts ...BackendOption) *Backend {
	b := &Backend{
		reader:        reader,
		queues:        queues,
		frontend:      frontend,
		lock:          lk,
		logger:        logger,
		registry:      NewWorkerRegistry(),
		startDelay:    defaultStartDelay,
		grabberWarmup: defaultGrabberWarmup,
		state:         domain.StateStopped,
		stopCh:        make(chan struct{}),
	}
	for _, o := range opts {
		o(b)
	}
	b.workers = NewWorkerSupervisor(b.registry, factory, lk, b.startDelay, logger)
	b.grabber = NewJobGrabberSupervisor(factory, lk, logger)
	return b
}

// Registry exposes the worker registry.
func (b *Backend) Registry() *WorkerRegistry {
	return b.registry
}

// Run starts the backend and supervises it until a stop is requested, ctx
// is cancelled or a fatal error occurs. It returns nil when stopped on
// request. The caller must call Terminate afterwards in every case.
func (b *Backend) Run(ctx context.Context) error {
	b.setState(domain.StateInitializing)

	cfg, err := b.reader.Read()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	b.setConfig(cfg)

	if err := b.queues.Init(ctx, cfg.GroupIDs()); err != nil {
		return err
	}
	if err := b.grabber.Start(cfg); err != nil {
		return err
	}
	if !b.sleep(ctx, b.grabberWarmup, false) {
		return nil
	}

	b.logger.Printf("Backend: initial config: %s", describeConfig(cfg))
	b.logger.Printf("Backend: sub processes started")

	b.logger.Printf("Backend: rescheduling old unfinished builds")
	if err := b.frontend.RescheduleAllRunning(ctx); err != nil {
		b.logger.Printf("Backend: reschedule failed: %v", err)
		return fmt.Errorf("%w: reschedule unfinished builds: %w", ErrStartupAborted, err)
	}

	b.mu.Lock()
	if b.stopRequested() {
		b.mu.Unlock()
		return nil
	}
	b.running = true
	b.state = domain.StateRunning
	b.mu.Unlock()
	b.logger.Printf("Backend: running")

	for b.isRunning(ctx) {
		if err := b.iterate(); err != nil {
			return err
		}
		if !b.sleep(ctx, b.config().Interval(), true) {
			break
		}
	}
	return nil
}

// iterate is one pass of the control loop.
func (b *Backend) iterate() error {
	b.mu.Lock()
	b.iterations++
	b.mu.Unlock()

	cfg, err := b.reader.Read()
	if err != nil {
		cfg = b.config()
		b.logger.Printf("Backend: config reload failed, keeping previous config: %v", err)
	} else {
		b.setConfig(cfg)
	}

	b.grabber.EnsureAlive(cfg)

	for _, group := range cfg.BuildGroups {
		b.workers.Reconcile(cfg, group)
		survivors, err := b.workers.Prune(group.ID, cfg.ExitOnWorker)
		b.registry.Replace(group.ID, survivors)
		if err != nil {
			return err
		}
	}
	return nil
}

// sleep waits for d. It returns false if a stop was requested or ctx was
// cancelled first. With wakeOnChange, a config change ends the wait early.
func (b *Backend) sleep(ctx context.Context, d time.Duration, wakeOnChange bool) bool {
	if d <= 0 {
		return !b.stopRequested() && ctx.Err() == nil
	}
	var changes <-chan struct{}
	if wakeOnChange {
		changes = b.changes
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-b.stopCh:
		return false
	case <-ctx.Done():
		return false
	case <-changes:
		b.logger.Printf("Backend: config file changed, reloading early")
		return true
	case <-timer.C:
		return true
	}
}

// RequestStop asks the loop to stop. Safe to call from any goroutine and
// more than once.
func (b *Backend) RequestStop() {
	b.stopOnce.Do(func() {
		b.mu.Lock()
		b.running = false
		b.mu.Unlock()
		close(b.stopCh)
		b.logger.Printf("Backend: stop requested")
	})
}

func (b *Backend) stopRequested() bool {
	select {
	case <-b.stopCh:
		return true
	default:
		return false
	}
}

func (b *Backend) isRunning(ctx context.Context) bool {
	if b.stopRequested() || ctx.Err() != nil {
		return false
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.running
}

// Terminate shuts everything down: workers in every group, the
// job-grabber, then the queues are drained and the frontend is asked to
// reschedule whatever was left mid-build. A failing frontend call is
// logged and ignored. Only the first call does anything; later calls
// return the first result. The returned error is the drain failure, if
// any.
func (b *Backend) Terminate(ctx context.Context) error {
	b.terminateOnce.Do(func() {
		b.setState(domain.StateStopping)
		b.RequestStop()

		b.workers.TerminateAll()
		b.grabber.Stop()

		if _, err := b.queues.DrainAll(ctx); err != nil {
			b.logger.Printf("Backend: drain task queues: %v", err)
			b.terminateErr = err
		}

		b.logger.Printf("Backend: rescheduling unfinished builds before stop")
		if err := b.frontend.RescheduleAllRunning(ctx); err != nil {
			b.logger.Printf("Backend: reschedule before stop failed: %v", err)
		}

		if err := b.queues.Close(); err != nil {
			b.logger.Printf("Backend: close task queues: %v", err)
		}
		if b.lock != nil {
			if err := b.lock.Close(); err != nil {
				b.logger.Printf("Backend: close lock: %v", err)
			}
		}
		b.setState(domain.StateStopped)
		b.logger.Printf("Backend: stopped")
	})
	return b.terminateErr
}

func (b *Backend) setState(s domain.State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = s
}

func (b *Backend) setConfig(cfg *config.Config) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cfg = cfg
}

func (b *Backend) config() *config.Config {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cfg
}

// Status returns a snapshot for the status endpoint. Groups are listed in
// configuration order, followed by any group that still has workers but
// was removed from the configuration.
func (b *Backend) Status() domain.BackendStatus {
	b.mu.RLock()
	st := domain.BackendStatus{State: b.state, Iterations: b.iterations}
	cfg := b.cfg
	b.mu.RUnlock()

	seen := make(map[int]bool)
	if cfg != nil {
		for _, g := range cfg.BuildGroups {
			st.Groups = append(st.Groups, b.groupStatus(g))
			seen[g.ID] = true
		}
	}
	for _, id := range b.registry.GroupIDs() {
		if !seen[id] && b.registry.Count(id) > 0 {
			st.Groups = append(st.Groups, b.groupStatus(domain.BuildGroup{ID: id}))
		}
	}

	st.JobGrabber = domain.JobGrabberStatus{
		PID:      b.grabber.PID(),
		Alive:    b.grabber.Alive(),
		Restarts: b.grabber.Restarts(),
	}
	return st
}

func (b *Backend) groupStatus(g domain.BuildGroup) domain.GroupStatus {
	gs := domain.GroupStatus{
		ID:            g.ID,
		Name:          g.Name,
		MaxWorkers:    g.MaxWorkers,
		LastWorkerNum: b.registry.LastWorkerNum(g.ID),
	}
	for _, w := range b.registry.Workers(g.ID) {
		gs.Workers = append(gs.Workers, domain.WorkerStatus{
			Num:       w.Num,
			GroupID:   w.GroupID,
			PID:       w.PID(),
			Alive:     w.IsAlive(),
			StartedAt: w.StartedAt,
		})
	}
	return gs
}

func describeConfig(cfg *config.Config) string {
	groups := make([]string, 0, len(cfg.BuildGroups))
	for _, g := range cfg.BuildGroups {
		groups = append(groups, fmt.Sprintf("%d(%s)x%d", g.ID, g.Name, g.MaxWorkers))
	}
	return fmt.Sprintf("groups=[%s] sleeptime=%ds exit_on_worker=%v frontend=%s queue_db=%s",
		strings.Join(groups, " "), cfg.SleepTime, cfg.ExitOnWorker, cfg.FrontendBaseURL, cfg.QueueDBPath())
}
