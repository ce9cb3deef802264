// Package domain holds build-farm entities and status snapshots.
// It has no dependencies on other packages.
package domain

import "time"

// BuildGroup is a pool of workers sized independently, usually one per
// class of build hardware or architecture.
type BuildGroup struct {
	ID         int    `json:"id" yaml:"id"`
	Name       string `json:"name,omitempty" yaml:"name"`
	MaxWorkers int    `json:"max_workers" yaml:"max_workers"`
}

// State is the lifecycle state of the backend controller.
type State string

const (
	StateStopped      State = "stopped"
	StateInitializing State = "initializing"
	StateRunning      State = "running"
	StateStopping     State = "stopping"
)

// WorkerStatus is a point-in-time view of one tracked worker.
type WorkerStatus struct {
	Num       int       `json:"worker_num"`
	GroupID   int       `json:"group_id"`
	PID       int       `json:"pid,omitempty"`
	Alive     bool      `json:"alive"`
	StartedAt time.Time `json:"started_at"`
}

// GroupStatus describes one build group's pool.
type GroupStatus struct {
	ID            int            `json:"id"`
	Name          string         `json:"name,omitempty"`
	MaxWorkers    int            `json:"max_workers"`
	LastWorkerNum int            `json:"last_worker_num"`
	Workers       []WorkerStatus `json:"workers"`
}

// JobGrabberStatus describes the single job-grabber process.
type JobGrabberStatus struct {
	PID      int  `json:"pid,omitempty"`
	Alive    bool `json:"alive"`
	Restarts int  `json:"restarts"`
}

// BackendStatus is a snapshot of the whole supervisor.
type BackendStatus struct {
	State      State            `json:"state"`
	Groups     []GroupStatus    `json:"groups"`
	JobGrabber JobGrabberStatus `json:"job_grabber"`
	Iterations int64            `json:"iterations"`
}
