package app

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"

	"github.com/jaakkos/buildfarm/internal/config"
	"github.com/jaakkos/buildfarm/internal/domain"
	"github.com/jaakkos/buildfarm/internal/lock"
	"github.com/jaakkos/buildfarm/internal/proc"
)

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// fakeProc is an in-memory proc.Managed.
type fakeProc struct {
	mu         sync.Mutex
	name       string
	pid        int
	alive      bool
	started    bool
	startErr   error
	dieOnStart bool
	terminated int
	joined     int
	exitErr    error
	termErr    error
}

func (p *fakeProc) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.startErr != nil {
		return p.startErr
	}
	p.started = true
	p.alive = !p.dieOnStart
	return nil
}

func (p *fakeProc) IsAlive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.alive
}

func (p *fakeProc) Terminate() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.terminated++
	p.alive = false
	return p.termErr
}

func (p *fakeProc) Join() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.joined++
}

func (p *fakeProc) PID() int {
	return p.pid
}

func (p *fakeProc) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

func (p *fakeProc) kill() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.alive = false
	p.exitErr = errors.New("signal: killed")
}

func (p *fakeProc) terminateCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminated
}

type workerKey struct{ group, num int }

// fakeFactory records every process it builds.
type fakeFactory struct {
	mu         sync.Mutex
	nextPID    int
	workers    map[workerKey]*fakeProc
	order      []workerKey
	grabbers   []*fakeProc
	failStart  map[workerKey]bool
	failCreate map[workerKey]bool
	dieOnStart map[workerKey]bool
	grabberErr error
	termErr    error
	lastLock   *lock.Lock
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{
		nextPID:    1000,
		workers:    make(map[workerKey]*fakeProc),
		failStart:  make(map[workerKey]bool),
		failCreate: make(map[workerKey]bool),
		dieOnStart: make(map[workerKey]bool),
	}
}

func (f *fakeFactory) NewWorker(cfg *config.Config, groupID, workerNum int, lk *lock.Lock) (proc.Managed, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := workerKey{groupID, workerNum}
	f.lastLock = lk
	if f.failCreate[key] {
		return nil, errors.New("create failed")
	}
	f.nextPID++
	p := &fakeProc{pid: f.nextPID, dieOnStart: f.dieOnStart[key], termErr: f.termErr}
	if f.failStart[key] {
		p.startErr = errors.New("exec failed")
	}
	f.workers[key] = p
	f.order = append(f.order, key)
	return p, nil
}

func (f *fakeFactory) NewJobGrabber(cfg *config.Config, lk *lock.Lock) (proc.Managed, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextPID++
	p := &fakeProc{name: "jobgrab", pid: f.nextPID, startErr: f.grabberErr, termErr: f.termErr}
	f.grabbers = append(f.grabbers, p)
	return p, nil
}

func (f *fakeFactory) worker(group, num int) *fakeProc {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.workers[workerKey{group, num}]
}

func (f *fakeFactory) createdWorkers() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.order)
}

func (f *fakeFactory) grabber(i int) *fakeProc {
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.grabbers) {
		return nil
	}
	return f.grabbers[i]
}

func (f *fakeFactory) grabberCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.grabbers)
}

// fakeQueues records calls made against the task queues.
type fakeQueues struct {
	mu       sync.Mutex
	initErr  error
	drainErr error
	initIDs  []int
	drains   int
	closed   int
}

func (q *fakeQueues) Init(ctx context.Context, groupIDs []int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.initIDs = append([]int(nil), groupIDs...)
	if q.initErr != nil {
		return q.initErr
	}
	q.drains++
	return nil
}

func (q *fakeQueues) DrainAll(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.drains++
	return 0, q.drainErr
}

func (q *fakeQueues) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed++
	return nil
}

func (q *fakeQueues) counts() (drains, closed int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.drains, q.closed
}

// fakeFrontend counts reschedule calls and fails with errs in order.
type fakeFrontend struct {
	mu    sync.Mutex
	calls int
	errs  []error
}

func (f *fakeFrontend) RescheduleAllRunning(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		return err
	}
	return nil
}

func (f *fakeFrontend) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeReader serves a config snapshot the test can swap.
type fakeReader struct {
	mu  sync.Mutex
	cfg *config.Config
	err error
}

func (r *fakeReader) Read() (*config.Config, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	c := *r.cfg
	c.BuildGroups = append([]domain.BuildGroup(nil), r.cfg.BuildGroups...)
	return &c, nil
}

func (r *fakeReader) set(cfg *config.Config, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cfg != nil {
		r.cfg = cfg
	}
	r.err = err
}

func testConfig(groups ...domain.BuildGroup) *config.Config {
	cfg := config.DefaultConfig()
	cfg.FrontendBaseURL = "http://frontend.test"
	cfg.WorkerCommand = []string{"worker"}
	cfg.JobGrabCommand = []string{"jobgrab"}
	cfg.SleepTime = 1
	cfg.BuildGroups = groups
	return cfg
}
