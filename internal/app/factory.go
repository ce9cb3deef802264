package app

import (
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/jaakkos/buildfarm/internal/config"
	"github.com/jaakkos/buildfarm/internal/lock"
	"github.com/jaakkos/buildfarm/internal/proc"
	"github.com/jaakkos/buildfarm/internal/taskqueue"
)

// Environment variables handed to every spawned process.
const (
	EnvGroupID      = "BUILDFARM_GROUP_ID"
	EnvWorkerNum    = "BUILDFARM_WORKER_NUM"
	EnvQueueDB      = "BUILDFARM_QUEUE_DB"
	EnvQueueName    = "BUILDFARM_QUEUE_NAME"
	EnvConfig       = "BUILDFARM_CONFIG"
	EnvFrontendURL  = "BUILDFARM_FRONTEND_URL"
	EnvFrontendAuth = "BUILDFARM_FRONTEND_AUTH"
)

// ProcessFactory builds the processes the backend supervises. Every process
// gets the same shared lock.
type ProcessFactory interface {
	NewWorker(cfg *config.Config, groupID, workerNum int, lk *lock.Lock) (proc.Managed, error)
	NewJobGrabber(cfg *config.Config, lk *lock.Lock) (proc.Managed, error)
}

// ExecFactory builds os/exec processes from the configured commands.
type ExecFactory struct{}

// NewWorker builds worker workerNum of groupID from worker_command.
func (ExecFactory) NewWorker(cfg *config.Config, groupID, workerNum int, lk *lock.Lock) (proc.Managed, error) {
	if len(cfg.WorkerCommand) == 0 {
		return nil, fmt.Errorf("worker_command is empty")
	}
	queue := taskqueue.QueueName(groupID)
	vars := templateVars(cfg, lk)
	vars["group_id"] = strconv.Itoa(groupID)
	vars["worker_num"] = strconv.Itoa(workerNum)
	vars["queue"] = queue

	fixed := baseEnv(cfg, lk)
	fixed = append(fixed,
		EnvGroupID+"="+strconv.Itoa(groupID),
		EnvWorkerNum+"="+strconv.Itoa(workerNum),
		EnvQueueName+"="+queue,
	)

	name := fmt.Sprintf("worker-%d-%d", groupID, workerNum)
	return proc.New(proc.Spec{
		Name:    name,
		Args:    proc.ExpandArgs(cfg.WorkerCommand, vars),
		Env:     proc.BuildEnv(proc.EnvOptions{Inherit: cfg.InheritEnv, Extra: cfg.WorkerEnv, Fixed: fixed}),
		LogPath: filepath.Join(cfg.LogDirPath(), name+".log"),
		Grace:   cfg.TerminateGrace(),
	}), nil
}

// NewJobGrabber builds the job-grabber from jobgrab_command. It also gets
// the frontend settings so it can talk to the frontend on its own.
func (ExecFactory) NewJobGrabber(cfg *config.Config, lk *lock.Lock) (proc.Managed, error) {
	if len(cfg.JobGrabCommand) == 0 {
		return nil, fmt.Errorf("jobgrab_command is empty")
	}
	fixed := baseEnv(cfg, lk)
	fixed = append(fixed,
		EnvFrontendURL+"="+cfg.FrontendBaseURL,
		EnvFrontendAuth+"="+cfg.FrontendAuth,
	)
	return proc.New(proc.Spec{
		Name:    "jobgrab",
		Args:    proc.ExpandArgs(cfg.JobGrabCommand, templateVars(cfg, lk)),
		Env:     proc.BuildEnv(proc.EnvOptions{Inherit: cfg.InheritEnv, Extra: cfg.WorkerEnv, Fixed: fixed}),
		LogPath: filepath.Join(cfg.LogDirPath(), "jobgrab.log"),
		Grace:   cfg.TerminateGrace(),
	}), nil
}

func templateVars(cfg *config.Config, lk *lock.Lock) map[string]string {
	vars := map[string]string{
		"config": cfg.Path,
		"lock":   "",
	}
	if lk != nil {
		vars["lock"] = lk.Path()
	}
	return vars
}

func baseEnv(cfg *config.Config, lk *lock.Lock) []string {
	env := []string{
		EnvQueueDB + "=" + cfg.QueueDBPath(),
		EnvConfig + "=" + cfg.Path,
	}
	if lk != nil {
		env = append(env, lk.Env())
	}
	return env
}
