// Package config loads the backend configuration. The file is re-read on
// every control-loop iteration, so everything here must be cheap to load.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jaakkos/buildfarm/internal/domain"
)

const (
	defaultSleepTime        = 10
	defaultFrontendTimeout  = 30
	defaultTerminateGrace   = 5
	defaultFrontendAuthUser = "user"
)

// GlobalStateDir returns the default state directory (/var/lib/buildfarm,
// or ~/.local/share/buildfarm when not running as root).
func GlobalStateDir() string {
	if os.Geteuid() == 0 {
		return "/var/lib/buildfarm"
	}
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return filepath.Join(home, ".local", "share", "buildfarm")
}

// Config holds the backend configuration.
type Config struct {
	// BuildGroups are the worker pools, in the order they are reconciled.
	BuildGroups []domain.BuildGroup `yaml:"build_groups"`
	// SleepTime is the pause between control-loop iterations, in seconds.
	SleepTime int `yaml:"sleeptime"`
	// ExitOnWorker makes a single dead worker fatal for the whole backend.
	ExitOnWorker bool `yaml:"exit_on_worker"`

	FrontendBaseURL        string `yaml:"frontend_base_url"`
	FrontendAuth           string `yaml:"frontend_auth"`
	FrontendTimeoutSeconds int    `yaml:"frontend_timeout_seconds"`

	QueueDB  string `yaml:"queue_db"`
	LockFile string `yaml:"lock_file"`
	LogDir   string `yaml:"log_dir"`

	// WorkerCommand and JobGrabCommand accept {group_id}, {worker_num},
	// {queue}, {lock} and {config} placeholders.
	WorkerCommand  []string `yaml:"worker_command"`
	JobGrabCommand []string `yaml:"jobgrab_command"`
	// WorkerEnv sets additional environment variables for spawned processes.
	// Values can reference parent env vars with ${VAR} syntax.
	WorkerEnv map[string]string `yaml:"worker_env"`
	// InheritEnv is a list of glob patterns for parent env var names passed
	// to spawned processes. Empty inherits everything; ["none"] inherits nothing.
	InheritEnv []string `yaml:"inherit_env"`

	TerminateGraceSeconds int `yaml:"terminate_grace_seconds"`

	// StatusAddr enables the read-only status endpoint (e.g. "127.0.0.1:5051").
	StatusAddr string `yaml:"status_addr"`

	// Path is the file this config was loaded from. Not read from YAML.
	Path string `yaml:"-"`
}

// DefaultConfig returns defaults. It has no build groups.
func DefaultConfig() *Config {
	return &Config{
		SleepTime:              defaultSleepTime,
		FrontendTimeoutSeconds: defaultFrontendTimeout,
		TerminateGraceSeconds:  defaultTerminateGrace,
	}
}

// LoadConfig loads configuration from a YAML file on top of DefaultConfig
// and validates it.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.Path = path

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the settings the control loop depends on.
func (c *Config) Validate() error {
	if c.SleepTime <= 0 {
		return fmt.Errorf("sleeptime must be positive, got %d", c.SleepTime)
	}
	if c.FrontendBaseURL == "" {
		return fmt.Errorf("frontend_base_url is required")
	}
	if len(c.WorkerCommand) == 0 {
		return fmt.Errorf("worker_command is required")
	}
	if len(c.JobGrabCommand) == 0 {
		return fmt.Errorf("jobgrab_command is required")
	}
	seen := make(map[int]struct{}, len(c.BuildGroups))
	for _, g := range c.BuildGroups {
		if g.MaxWorkers < 0 {
			return fmt.Errorf("build group %d: max_workers must not be negative", g.ID)
		}
		if _, dup := seen[g.ID]; dup {
			return fmt.Errorf("build group %d is defined twice", g.ID)
		}
		seen[g.ID] = struct{}{}
	}
	return nil
}

// GroupIDs returns the configured build group ids in configuration order.
func (c *Config) GroupIDs() []int {
	ids := make([]int, 0, len(c.BuildGroups))
	for _, g := range c.BuildGroups {
		ids = append(ids, g.ID)
	}
	return ids
}

// Interval returns the control-loop sleep as a duration.
func (c *Config) Interval() time.Duration {
	return time.Duration(c.SleepTime) * time.Second
}

// FrontendTimeout returns the bound on a single frontend request.
func (c *Config) FrontendTimeout() time.Duration {
	if c.FrontendTimeoutSeconds <= 0 {
		return defaultFrontendTimeout * time.Second
	}
	return time.Duration(c.FrontendTimeoutSeconds) * time.Second
}

// FrontendAuthUser is the basic-auth user name the frontend expects.
func (c *Config) FrontendAuthUser() string {
	return defaultFrontendAuthUser
}

// TerminateGrace is how long a terminated process gets before SIGKILL.
func (c *Config) TerminateGrace() time.Duration {
	if c.TerminateGraceSeconds <= 0 {
		return defaultTerminateGrace * time.Second
	}
	return time.Duration(c.TerminateGraceSeconds) * time.Second
}

// QueueDBPath returns the task queue database path.
// If unset, defaults to <state dir>/queues.sqlite.
func (c *Config) QueueDBPath() string {
	if c.QueueDB == "" {
		return filepath.Join(GlobalStateDir(), "queues.sqlite")
	}
	return c.QueueDB
}

// LockFilePath returns the path of the lock shared with all spawned processes.
func (c *Config) LockFilePath() string {
	if c.LockFile == "" {
		return filepath.Join(GlobalStateDir(), "backend.lock")
	}
	return c.LockFile
}

// LogDirPath returns the directory holding the backend and per-process logs.
func (c *Config) LogDirPath() string {
	if c.LogDir == "" {
		return filepath.Join(GlobalStateDir(), "log")
	}
	return c.LogDir
}
