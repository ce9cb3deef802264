package main

import (
	"bytes"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/jaakkos/buildfarm/internal/domain"
	"github.com/jaakkos/buildfarm/internal/status"
)

func TestParseFlags(t *testing.T) {
	t.Setenv("BUILDFARM_CONFIG", "")

	opts, err := parseFlags([]string{"--config", "/etc/buildfarm/backend.yaml", "--pidfile", "/run/b.pid", "--log-file", "none"})
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}
	if opts.configPath != "/etc/buildfarm/backend.yaml" || opts.pidFile != "/run/b.pid" || opts.logFile != "none" {
		t.Errorf("opts = %+v", opts)
	}

	if _, err := parseFlags(nil); err == nil {
		t.Error("expected error without a config path")
	}
	if _, err := parseFlags([]string{"-c", "x.yaml", "extra"}); err == nil {
		t.Error("expected error for a positional argument")
	}
}

func TestParseFlags_EnvFallback(t *testing.T) {
	t.Setenv("BUILDFARM_CONFIG", "/srv/backend.yaml")

	opts, err := parseFlags(nil)
	if err != nil {
		t.Fatalf("parseFlags: %v", err)
	}
	if opts.configPath != "/srv/backend.yaml" {
		t.Errorf("configPath = %q, want env value", opts.configPath)
	}
	if !strings.HasSuffix(opts.pidFile, "backend.pid") {
		t.Errorf("pidFile = %q, want default backend.pid", opts.pidFile)
	}
}

func TestPIDFile_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run", "backend.pid")
	if err := acquirePIDFile(path); err != nil {
		t.Fatalf("acquirePIDFile: %v", err)
	}
	pid, err := readPIDFile(path)
	if err != nil {
		t.Fatalf("readPIDFile: %v", err)
	}
	if pid != os.Getpid() {
		t.Errorf("pid = %d, want %d", pid, os.Getpid())
	}
	// Our own pid file does not block us.
	if err := acquirePIDFile(path); err != nil {
		t.Errorf("re-acquire own pid file: %v", err)
	}
	removePIDFile(path)
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("pid file should be removed")
	}
}

func TestPIDFile_LiveOwnerBlocks(t *testing.T) {
	cmd := exec.Command("sleep", "30")
	if err := cmd.Start(); err != nil {
		t.Skipf("cannot start helper process: %v", err)
	}
	defer func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	}()

	path := filepath.Join(t.TempDir(), "backend.pid")
	if err := os.WriteFile(path, []byte(strconv.Itoa(cmd.Process.Pid)), 0644); err != nil {
		t.Fatal(err)
	}
	err := acquirePIDFile(path)
	if err == nil || !strings.Contains(err.Error(), "already running") {
		t.Errorf("expected already running error, got %v", err)
	}
}

func TestPIDFile_StaleReplaced(t *testing.T) {
	cmd := exec.Command("true")
	if err := cmd.Run(); err != nil {
		t.Skipf("cannot run helper process: %v", err)
	}
	path := filepath.Join(t.TempDir(), "backend.pid")
	if err := os.WriteFile(path, []byte(strconv.Itoa(cmd.Process.Pid)), 0644); err != nil {
		t.Fatal(err)
	}
	if err := acquirePIDFile(path); err != nil {
		t.Fatalf("stale pid file should be replaced: %v", err)
	}
	if pid, _ := readPIDFile(path); pid != os.Getpid() {
		t.Errorf("pid = %d, want %d", pid, os.Getpid())
	}
}

func TestPIDFile_WaitsForStartingOwner(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backend.pid")
	// Another backend has created the file but not written its pid yet.
	if err := os.WriteFile(path, nil, 0644); err != nil {
		t.Fatal(err)
	}
	cmd := exec.Command("sh", "-c", "sleep 0.05; echo $$ > "+path+"; exec sleep 30")
	if err := cmd.Start(); err != nil {
		t.Skipf("cannot start helper process: %v", err)
	}
	defer func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	}()

	err := acquirePIDFile(path)
	if err == nil || !strings.Contains(err.Error(), "already running") {
		t.Fatalf("expected already running error, got %v", err)
	}
	if pid, _ := readPIDFile(path); pid != cmd.Process.Pid {
		t.Errorf("pid file = %d, want owner %d left in place", pid, cmd.Process.Pid)
	}
}

func TestIsPIDAlive(t *testing.T) {
	if !isPIDAlive(os.Getpid()) {
		t.Error("own pid should be alive")
	}
	if isPIDAlive(0) || isPIDAlive(-1) {
		t.Error("non-positive pids are never alive")
	}
}

func TestPrintStatus(t *testing.T) {
	snap := &status.Snapshot{
		State:      domain.StateRunning,
		Iterations: 4,
		Groups: []status.GroupSnapshot{{
			ID: 0, Name: "PC", MaxWorkers: 2, Workers: 1, LastWorkerNum: 3,
			WorkerList: []status.WorkerSnapshot{{Num: 3, PID: 42, Alive: true, Started: "5s ago"}},
		}},
		JobGrabber: status.JobGrabberSnapshot{PID: 41, Alive: true},
	}
	var buf bytes.Buffer
	printStatus(&buf, snap)
	out := buf.String()
	for _, want := range []string{"state=running", "group 0 PC workers=1/2", "worker 3 pid=42", "jobgrab pid=41 alive=true"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestSetupLogger_WritesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "log", "backend.log")
	logger := setupLogger(path)
	logger.Printf("Backend: hello")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), "[buildfarm] ") || !strings.Contains(string(data), "Backend: hello") {
		t.Errorf("log = %q", data)
	}
}
