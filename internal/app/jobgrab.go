package app

import (
	"fmt"
	"log"
	"sync"

	"github.com/jaakkos/buildfarm/internal/config"
	"github.com/jaakkos/buildfarm/internal/lock"
	"github.com/jaakkos/buildfarm/internal/proc"
)

// JobGrabberSupervisor keeps the single job-grabber process running. The
// job-grabber is not per group; it feeds every group's queue.
type JobGrabberSupervisor struct {
	factory ProcessFactory
	lock    *lock.Lock
	logger  *log.Logger

	mu       sync.Mutex
	proc     proc.Managed
	restarts int
}

// NewJobGrabberSupervisor creates a supervisor with no process yet.
func NewJobGrabberSupervisor(factory ProcessFactory, lk *lock.Lock, logger *log.Logger) *JobGrabberSupervisor {
	return &JobGrabberSupervisor{factory: factory, lock: lk, logger: logger}
}

// Start builds and launches the job-grabber.
func (j *JobGrabberSupervisor) Start(cfg *config.Config) error {
	p, err := j.factory.NewJobGrabber(cfg, j.lock)
	if err != nil {
		return fmt.Errorf("create job grabber: %w", err)
	}
	if err := p.Start(); err != nil {
		if terr := p.Terminate(); terr != nil {
			j.logger.Printf("JobGrabber: terminate: %v", terr)
		}
		p.Join()
		return fmt.Errorf("start job grabber: %w", err)
	}
	j.mu.Lock()
	j.proc = p
	j.mu.Unlock()
	j.logger.Printf("JobGrabber: started (pid %d)", p.PID())
	return nil
}

// EnsureAlive restarts the job-grabber if its process is gone. A failed
// restart is logged; the next call tries again. Reports whether a restart
// was attempted.
func (j *JobGrabberSupervisor) EnsureAlive(cfg *config.Config) bool {
	j.mu.Lock()
	p := j.proc
	j.mu.Unlock()
	if p != nil && p.IsAlive() {
		return false
	}

	if p == nil {
		j.logger.Printf("JobGrabber: no process running, restarting")
	} else {
		j.logger.Printf("JobGrabber: process died unexpectedly (%s), restarting", exitStatus(p.ExitErr()))
		if err := p.Terminate(); err != nil {
			j.logger.Printf("JobGrabber: terminate: %v", err)
		}
		p.Join()
	}
	j.mu.Lock()
	j.proc = nil
	j.restarts++
	j.mu.Unlock()

	if err := j.Start(cfg); err != nil {
		j.logger.Printf("JobGrabber: restart failed: %v", err)
	}
	return true
}

// Stop terminates the job-grabber and waits for it to exit.
func (j *JobGrabberSupervisor) Stop() {
	j.mu.Lock()
	p := j.proc
	j.proc = nil
	j.mu.Unlock()
	if p == nil {
		return
	}
	if err := p.Terminate(); err != nil {
		j.logger.Printf("JobGrabber: terminate: %v", err)
	}
	p.Join()
	j.logger.Printf("JobGrabber: stopped")
}

// Alive reports whether the job-grabber is running.
func (j *JobGrabberSupervisor) Alive() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.proc != nil && j.proc.IsAlive()
}

// PID returns the job-grabber's process id, or 0.
func (j *JobGrabberSupervisor) PID() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.proc == nil {
		return 0
	}
	return j.proc.PID()
}

// Restarts returns how many times the job-grabber was restarted.
func (j *JobGrabberSupervisor) Restarts() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.restarts
}
