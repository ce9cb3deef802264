// Package proc supervises child processes. Workers and the job-grabber are
// both Managed processes, so the backend can supervise them uniformly.
package proc

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"
)

const defaultGrace = 5 * time.Second

// Managed is a process the backend starts, polls and stops.
type Managed interface {
	Start() error
	IsAlive() bool
	// Terminate stops the process unconditionally.
	Terminate() error
	// Join waits until the process has exited. It returns immediately if the
	// process was never started.
	Join()
	PID() int
	// ExitErr is the exit error once the process has exited, else nil.
	ExitErr() error
}

// ErrAlreadyStarted is returned by Start on a second call.
var ErrAlreadyStarted = errors.New("process already started")

// Spec describes how to launch a process.
type Spec struct {
	Name    string
	Args    []string
	Env     []string
	Dir     string
	LogPath string
	// Grace is how long Terminate waits after SIGTERM before SIGKILL.
	Grace time.Duration
}

// Process runs a Spec in its own process group. Output goes to an
// append-only log file, or to stderr if the file cannot be opened.
type Process struct {
	spec Spec

	mu      sync.Mutex
	cmd     *exec.Cmd
	done    chan struct{}
	exitErr error
}

// New returns an unstarted process.
func New(spec Spec) *Process {
	if spec.Grace <= 0 {
		spec.Grace = defaultGrace
	}
	return &Process{spec: spec}
}

// Start launches the process.
func (p *Process) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd != nil {
		return ErrAlreadyStarted
	}
	if len(p.spec.Args) == 0 {
		return fmt.Errorf("%s: empty command", p.spec.Name)
	}

	cmd := exec.Command(p.spec.Args[0], p.spec.Args[1:]...)
	cmd.Dir = p.spec.Dir
	cmd.Env = p.spec.Env
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	logFile := p.openLog()
	if logFile == nil {
		cmd.Stdout = os.Stderr
		cmd.Stderr = os.Stderr
	} else {
		fmt.Fprintf(logFile, "\n=== %s started at %s ===\n", p.spec.Name, time.Now().Format(time.RFC3339))
		fmt.Fprintf(logFile, "Command: %v\n", p.spec.Args)
		cmd.Stdout = logFile
		cmd.Stderr = logFile
	}

	if err := cmd.Start(); err != nil {
		if logFile != nil {
			logFile.Close()
		}
		return fmt.Errorf("start %s: %w", p.spec.Name, err)
	}

	p.cmd = cmd
	p.done = make(chan struct{})
	go func(done chan struct{}) {
		err := cmd.Wait()
		if logFile != nil {
			fmt.Fprintf(logFile, "=== %s exited at %s: %v ===\n", p.spec.Name, time.Now().Format(time.RFC3339), exitStatus(err))
			logFile.Close()
		}
		p.mu.Lock()
		p.exitErr = err
		p.mu.Unlock()
		close(done)
	}(p.done)
	return nil
}

func (p *Process) openLog() *os.File {
	if p.spec.LogPath == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(p.spec.LogPath), 0755); err != nil {
		return nil
	}
	f, err := os.OpenFile(p.spec.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil
	}
	return f
}

func exitStatus(err error) string {
	if err == nil {
		return "ok"
	}
	return err.Error()
}

// IsAlive reports whether the process was started and has not exited.
func (p *Process) IsAlive() bool {
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()
	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
		return true
	}
}

// Terminate sends SIGTERM to the process group and SIGKILL if the leader is
// still running after the grace period. Once the leader is gone the group
// is swept with SIGKILL, so children it left behind do not outlive it. It
// is a no-op for a process that never started.
func (p *Process) Terminate() error {
	p.mu.Lock()
	cmd, done := p.cmd, p.done
	p.mu.Unlock()
	if cmd == nil {
		return nil
	}
	pgid := cmd.Process.Pid

	select {
	case <-done:
		return p.killGroup(pgid)
	default:
	}

	if err := syscall.Kill(-pgid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("terminate %s: %w", p.spec.Name, err)
	}

	timer := time.NewTimer(p.spec.Grace)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
	}
	return p.killGroup(pgid)
}

// killGroup sends SIGKILL to whatever is left in the group. An empty group
// is not an error.
func (p *Process) killGroup(pgid int) error {
	if err := syscall.Kill(-pgid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("kill %s: %w", p.spec.Name, err)
	}
	return nil
}

// Join waits for the process to exit.
func (p *Process) Join() {
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()
	if done != nil {
		<-done
	}
}

// PID returns the process id, or 0 before Start.
func (p *Process) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// ExitErr returns the error from Wait once the process has exited.
func (p *Process) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}
