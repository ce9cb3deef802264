package app

import "errors"

var (
	// ErrWorkerDied is returned when a worker died and exit_on_worker is set.
	ErrWorkerDied = errors.New("worker died unexpectedly, exiting")
	// ErrStartupAborted is returned when the backend gave up before RUNNING.
	ErrStartupAborted = errors.New("backend startup aborted")
)
