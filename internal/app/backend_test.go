package app

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jaakkos/buildfarm/internal/config"
	"github.com/jaakkos/buildfarm/internal/domain"
	"github.com/jaakkos/buildfarm/internal/lock"
)

type backendHarness struct {
	backend  *Backend
	factory  *fakeFactory
	queues   *fakeQueues
	frontend *fakeFrontend
	reader   *fakeReader
	changes  chan struct{}
}

func newHarness(t *testing.T, cfg *config.Config) *backendHarness {
	t.Helper()
	h := &backendHarness{
		factory:  newFakeFactory(),
		queues:   &fakeQueues{},
		frontend: &fakeFrontend{},
		reader:   &fakeReader{cfg: cfg},
		changes:  make(chan struct{}, 1),
	}
	h.backend = NewBackend(h.reader, h.queues, h.frontend, h.factory, nil, testLogger(),
		WithStartDelay(0),
		WithGrabberWarmup(0),
		WithConfigChanges(h.changes),
	)
	return h
}

// run starts Run in the background and returns its result channel.
func (h *backendHarness) run(ctx context.Context) <-chan error {
	errCh := make(chan error, 1)
	go func() { errCh <- h.backend.Run(ctx) }()
	return errCh
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 3*time.Second, 5*time.Millisecond, msg)
}

func waitResult(t *testing.T, errCh <-chan error) error {
	t.Helper()
	select {
	case err := <-errCh:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return")
		return nil
	}
}

func TestBackend_StartupAndStop(t *testing.T) {
	h := newHarness(t, testConfig(
		domain.BuildGroup{ID: 0, Name: "PC", MaxWorkers: 3},
		domain.BuildGroup{ID: 1, Name: "ARM", MaxWorkers: 1},
	))
	errCh := h.run(context.Background())

	eventually(t, func() bool {
		return h.backend.Registry().Count(0) == 3 && h.backend.Registry().Count(1) == 1
	}, "pools filled")
	assert.Equal(t, domain.StateRunning, h.backend.Status().State)
	assert.Equal(t, []int{0, 1}, h.queues.initIDs, "one queue per configured group")
	assert.Equal(t, 1, h.frontend.callCount(), "startup reschedule")
	assert.Equal(t, 1, h.factory.grabberCount())

	h.backend.RequestStop()
	require.NoError(t, waitResult(t, errCh))

	require.NoError(t, h.backend.Terminate(context.Background()))
	for _, key := range []workerKey{{0, 1}, {0, 2}, {0, 3}, {1, 1}} {
		assert.Equal(t, 1, h.factory.worker(key.group, key.num).terminateCount(), "worker %v", key)
	}
	assert.Equal(t, 1, h.factory.grabber(0).terminateCount())
	drains, closed := h.queues.counts()
	assert.Equal(t, 2, drains, "drained at startup and at shutdown")
	assert.Equal(t, 1, closed)
	assert.Equal(t, 2, h.frontend.callCount(), "shutdown reschedule")
	assert.Equal(t, domain.StateStopped, h.backend.Status().State)
	assert.Zero(t, h.backend.Registry().Count(0))
}

func TestBackend_StartupRescheduleFailureAborts(t *testing.T) {
	h := newHarness(t, testConfig(domain.BuildGroup{ID: 0, MaxWorkers: 3}))
	feErr := errors.New("connection refused")
	h.frontend.errs = []error{feErr}

	err := h.backend.Run(context.Background())
	assert.True(t, errors.Is(err, ErrStartupAborted), "got %v", err)
	assert.True(t, errors.Is(err, feErr), "frontend error is kept, got %v", err)
	assert.NotEqual(t, domain.StateRunning, h.backend.Status().State)
	assert.Zero(t, h.factory.createdWorkers(), "no worker is started")

	// Emergency shutdown still reschedules and stops the job-grabber.
	require.NoError(t, h.backend.Terminate(context.Background()))
	assert.Equal(t, 2, h.frontend.callCount())
	assert.Equal(t, 1, h.factory.grabber(0).terminateCount())
}

func TestBackend_QueueInitFailureIsFatal(t *testing.T) {
	h := newHarness(t, testConfig(domain.BuildGroup{ID: 0, MaxWorkers: 1}))
	h.queues.initErr = errors.New("queue service unavailable")

	err := h.backend.Run(context.Background())
	assert.ErrorIs(t, err, h.queues.initErr)
	assert.Zero(t, h.factory.grabberCount(), "nothing started")
	assert.Zero(t, h.frontend.callCount())
}

func TestBackend_ConfigFailureAtStartupIsFatal(t *testing.T) {
	h := newHarness(t, testConfig())
	h.reader.set(nil, errors.New("parse config: bad yaml"))

	err := h.backend.Run(context.Background())
	assert.Error(t, err)
	assert.Zero(t, h.factory.grabberCount())
}

func TestBackend_GrabberStartFailureIsFatal(t *testing.T) {
	h := newHarness(t, testConfig())
	h.factory.grabberErr = errors.New("exec failed")

	err := h.backend.Run(context.Background())
	assert.Error(t, err)
	assert.Zero(t, h.frontend.callCount())
}

func TestBackend_ExitOnWorkerStopsLoop(t *testing.T) {
	cfg := testConfig(domain.BuildGroup{ID: 0, MaxWorkers: 2}, domain.BuildGroup{ID: 1, MaxWorkers: 1})
	cfg.ExitOnWorker = true
	h := newHarness(t, cfg)
	h.factory.dieOnStart[workerKey{0, 1}] = true

	err := waitResult(t, h.run(context.Background()))
	assert.True(t, errors.Is(err, ErrWorkerDied), "got %v", err)
	assert.Equal(t, []int{2}, workerNums(h.backend.Registry().Workers(0)), "survivors stored before returning")
	assert.Zero(t, h.backend.Registry().Count(1), "later groups are not reached")
}

func TestBackend_DeadWorkerReplacedWithoutExitOnWorker(t *testing.T) {
	cfg := testConfig(domain.BuildGroup{ID: 0, MaxWorkers: 2})
	h := newHarness(t, cfg)
	h.factory.dieOnStart[workerKey{0, 1}] = true
	errCh := h.run(context.Background())
	defer h.backend.Terminate(context.Background())

	// Worker 1 dies at once: pruned on the first pass, replaced by 3 on
	// the next one (woken early by a change nudge).
	eventually(t, func() bool { return h.factory.createdWorkers() >= 2 }, "first pass")
	h.changes <- struct{}{}
	eventually(t, func() bool {
		nums := workerNums(h.backend.Registry().Workers(0))
		return len(nums) == 2 && nums[0] == 2 && nums[1] == 3
	}, "worker 1 replaced by worker 3")

	h.backend.RequestStop()
	require.NoError(t, waitResult(t, errCh))
}

func TestBackend_DeadJobGrabberRestartedOnce(t *testing.T) {
	h := newHarness(t, testConfig())
	errCh := h.run(context.Background())
	defer h.backend.Terminate(context.Background())

	eventually(t, func() bool { return h.backend.Status().State == domain.StateRunning }, "running")
	h.factory.grabber(0).kill()
	h.changes <- struct{}{}

	eventually(t, func() bool { return h.factory.grabberCount() == 2 }, "grabber restarted")
	assert.Equal(t, 1, h.factory.grabber(0).terminateCount(), "dead grabber reaped")
	assert.Equal(t, 1, h.backend.Status().JobGrabber.Restarts)

	h.changes <- struct{}{}
	eventually(t, func() bool { return h.backend.Status().Iterations >= 3 }, "another pass")
	assert.Equal(t, 2, h.factory.grabberCount(), "live grabber not restarted again")

	h.backend.RequestStop()
	require.NoError(t, waitResult(t, errCh))
}

func TestBackend_ConfigChangesApplyLive(t *testing.T) {
	cfg := testConfig(domain.BuildGroup{ID: 0, MaxWorkers: 1})
	cfg.SleepTime = 3600
	h := newHarness(t, cfg)
	errCh := h.run(context.Background())
	defer h.backend.Terminate(context.Background())

	eventually(t, func() bool { return h.backend.Registry().Count(0) == 1 }, "initial pool")

	grown := testConfig(domain.BuildGroup{ID: 0, MaxWorkers: 3}, domain.BuildGroup{ID: 5, MaxWorkers: 1})
	grown.SleepTime = 3600
	h.reader.set(grown, nil)
	h.changes <- struct{}{}

	eventually(t, func() bool {
		return h.backend.Registry().Count(0) == 3 && h.backend.Registry().Count(5) == 1
	}, "pool grown after nudge")

	h.backend.RequestStop()
	require.NoError(t, waitResult(t, errCh))
}

func TestBackend_ConfigReloadFailureKeepsPrevious(t *testing.T) {
	h := newHarness(t, testConfig(domain.BuildGroup{ID: 0, MaxWorkers: 2}))
	errCh := h.run(context.Background())
	defer h.backend.Terminate(context.Background())

	eventually(t, func() bool { return h.backend.Registry().Count(0) == 2 }, "initial pool")
	h.reader.set(nil, errors.New("parse config: broken"))
	h.changes <- struct{}{}
	eventually(t, func() bool { return h.backend.Status().Iterations >= 2 }, "second pass")

	assert.Equal(t, domain.StateRunning, h.backend.Status().State)
	assert.Equal(t, 2, h.backend.Registry().Count(0))

	h.backend.RequestStop()
	require.NoError(t, waitResult(t, errCh))
}

func TestBackend_ContextCancelStopsLoop(t *testing.T) {
	h := newHarness(t, testConfig(domain.BuildGroup{ID: 0, MaxWorkers: 1}))
	ctx, cancel := context.WithCancel(context.Background())
	errCh := h.run(ctx)
	defer h.backend.Terminate(context.Background())

	eventually(t, func() bool { return h.backend.Registry().Count(0) == 1 }, "running")
	cancel()
	require.NoError(t, waitResult(t, errCh))
}

func TestBackend_StopDuringWarmup(t *testing.T) {
	h := newHarness(t, testConfig(domain.BuildGroup{ID: 0, MaxWorkers: 1}))
	h.backend.grabberWarmup = time.Hour
	errCh := h.run(context.Background())

	eventually(t, func() bool { return h.factory.grabberCount() == 1 }, "grabber started")
	h.backend.RequestStop()
	require.NoError(t, waitResult(t, errCh))
	assert.Zero(t, h.frontend.callCount())
	assert.Zero(t, h.factory.createdWorkers())
}

func TestBackend_TerminateSwallowsRescheduleFailure(t *testing.T) {
	h := newHarness(t, testConfig(domain.BuildGroup{ID: 0, MaxWorkers: 1}))
	errCh := h.run(context.Background())
	eventually(t, func() bool { return h.backend.Registry().Count(0) == 1 }, "running")
	h.backend.RequestStop()
	require.NoError(t, waitResult(t, errCh))

	h.frontend.mu.Lock()
	h.frontend.errs = []error{errors.New("frontend down")}
	h.frontend.mu.Unlock()

	require.NoError(t, h.backend.Terminate(context.Background()))
	assert.Equal(t, domain.StateStopped, h.backend.Status().State)
	_, closed := h.queues.counts()
	assert.Equal(t, 1, closed)
}

func TestBackend_TerminateOnce(t *testing.T) {
	h := newHarness(t, testConfig())
	h.queues.drainErr = errors.New("drain failed")

	err := h.backend.Terminate(context.Background())
	assert.Error(t, err)
	assert.Equal(t, err, h.backend.Terminate(context.Background()))
	assert.Equal(t, 1, h.frontend.callCount(), "second Terminate is a no-op")
	_, closed := h.queues.counts()
	assert.Equal(t, 1, closed)
}

func TestBackend_TerminateClosesLock(t *testing.T) {
	lk, err := lock.New(filepath.Join(t.TempDir(), "backend.lock"))
	require.NoError(t, err)
	h := newHarness(t, testConfig())
	h.backend = NewBackend(h.reader, h.queues, h.frontend, h.factory, lk, testLogger(), WithGrabberWarmup(0))

	require.NoError(t, h.backend.Terminate(context.Background()))
	assert.ErrorIs(t, lk.Close(), lock.ErrClosed, "Terminate already closed the lock")
}

func TestBackend_LockThreadedIntoSpawns(t *testing.T) {
	lk, err := lock.New(filepath.Join(t.TempDir(), "backend.lock"))
	require.NoError(t, err)
	h := newHarness(t, testConfig(domain.BuildGroup{ID: 0, MaxWorkers: 1}))
	h.backend = NewBackend(h.reader, h.queues, h.frontend, h.factory, lk, testLogger(),
		WithStartDelay(0), WithGrabberWarmup(0))
	errCh := h.run(context.Background())
	defer h.backend.Terminate(context.Background())

	eventually(t, func() bool { return h.factory.createdWorkers() == 1 }, "worker started")
	h.factory.mu.Lock()
	assert.Same(t, lk, h.factory.lastLock)
	h.factory.mu.Unlock()

	h.backend.RequestStop()
	require.NoError(t, waitResult(t, errCh))
}

func TestBackend_Status(t *testing.T) {
	h := newHarness(t, testConfig(domain.BuildGroup{ID: 3, Name: "ppc", MaxWorkers: 2}))
	errCh := h.run(context.Background())
	defer h.backend.Terminate(context.Background())
	eventually(t, func() bool { return h.backend.Registry().Count(3) == 2 }, "running")

	st := h.backend.Status()
	require.Len(t, st.Groups, 1)
	g := st.Groups[0]
	assert.Equal(t, 3, g.ID)
	assert.Equal(t, "ppc", g.Name)
	assert.Equal(t, 2, g.MaxWorkers)
	assert.Equal(t, 2, g.LastWorkerNum)
	require.Len(t, g.Workers, 2)
	assert.Equal(t, 1, g.Workers[0].Num)
	assert.True(t, g.Workers[0].Alive)
	assert.NotZero(t, g.Workers[0].PID)
	assert.True(t, st.JobGrabber.Alive)
	assert.GreaterOrEqual(t, st.Iterations, int64(1))

	h.backend.RequestStop()
	require.NoError(t, waitResult(t, errCh))
}
