package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// acquirePIDFile creates path exclusively and writes our pid to it. If the
// file exists, its owner is checked: a live backend wins, a pid file left
// behind by a dead process is removed and creation is retried once.
func acquirePIDFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create pid dir: %w", err)
	}
	for attempt := 0; ; attempt++ {
		err := createPIDFile(path)
		if err == nil {
			return nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("create pid file: %w", err)
		}

		pid, err := readOwnerPID(path)
		switch {
		case err == nil && pid == os.Getpid():
			return nil
		case err == nil && isPIDAlive(pid):
			return fmt.Errorf("backend already running (pid %d, pid file %s)", pid, path)
		case attempt > 0:
			return fmt.Errorf("pid file %s is held by another starting backend", path)
		}
		removePIDFile(path)
	}
}

func createPIDFile(path string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(f, "%d", os.Getpid()); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("write pid file: %w", err)
	}
	return f.Close()
}

// readOwnerPID reads the pid in path, giving a backend that has just
// created the file a moment to write it.
func readOwnerPID(path string) (int, error) {
	var (
		pid int
		err error
	)
	for i := 0; i < 10; i++ {
		if pid, err = readPIDFile(path); err == nil {
			return pid, nil
		}
		if errors.Is(err, fs.ErrNotExist) {
			return 0, err
		}
		time.Sleep(20 * time.Millisecond)
	}
	return 0, err
}

func removePIDFile(path string) {
	os.Remove(path)
}

func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func isPIDAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
