// Build farm backend
// Keeps the job-grabber and a pool of build workers per build group alive.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/jaakkos/buildfarm/internal/app"
	"github.com/jaakkos/buildfarm/internal/config"
	"github.com/jaakkos/buildfarm/internal/frontend"
	"github.com/jaakkos/buildfarm/internal/lock"
	"github.com/jaakkos/buildfarm/internal/status"
	"github.com/jaakkos/buildfarm/internal/taskqueue"
)

// Version is set by -ldflags at build time.
var Version = "dev"

const logPrefix = "[buildfarm] "

type options struct {
	configPath string
	pidFile    string
	logFile    string
}

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "status":
			os.Exit(runStatusCommand(os.Args[2:]))
		case "--version", "-v", "version":
			fmt.Println("buildfarm-backend " + Version)
			return
		}
	}

	opts, err := parseFlags(os.Args[1:])
	if err == pflag.ErrHelp {
		return
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}

	tmpLogger := log.New(os.Stderr, logPrefix, log.LstdFlags|log.Lshortfile)
	cfg, err := config.LoadConfig(opts.configPath)
	if err != nil {
		tmpLogger.Fatalf("Failed to load config: %v", err)
	}

	logFile := opts.logFile
	if logFile == "" {
		logFile = filepath.Join(cfg.LogDirPath(), "backend.log")
	}
	logger := setupLogger(logFile)
	logger.Printf("Starting buildfarm backend %s", Version)
	logger.Printf("Config: %s", cfg.Path)
	logger.Printf("Log file: %s", logFile)

	os.Exit(run(opts, cfg, logger))
}

func parseFlags(args []string) (options, error) {
	var opts options
	flagSet := pflag.NewFlagSet("buildfarm-backend", pflag.ContinueOnError)
	flagSet.StringVarP(&opts.configPath, "config", "c", os.Getenv(app.EnvConfig), "path to the backend config file (env BUILDFARM_CONFIG)")
	flagSet.StringVar(&opts.pidFile, "pidfile", "", "path to the pid file (default: <state dir>/backend.pid, \"none\" to disable)")
	flagSet.StringVar(&opts.logFile, "log-file", "", "path to the backend log file (default: <log_dir>/backend.log, \"none\" for stderr only)")
	flagSet.SetOutput(os.Stderr)

	if err := flagSet.Parse(args); err != nil {
		return opts, err
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return opts, fmt.Errorf("unexpected argument: %s", rest[0])
	}
	if opts.configPath == "" {
		return opts, fmt.Errorf("--config or BUILDFARM_CONFIG is required")
	}
	if opts.pidFile == "" {
		opts.pidFile = filepath.Join(config.GlobalStateDir(), "backend.pid")
	}
	return opts, nil
}

// run wires the backend, supervises it until it stops, and returns the
// process exit code.
func run(opts options, cfg *config.Config, logger *log.Logger) int {
	if pidFile := opts.pidFile; strings.ToLower(pidFile) != "none" {
		if err := acquirePIDFile(pidFile); err != nil {
			logger.Printf("Error: %v", err)
			return 1
		}
		defer removePIDFile(pidFile)
	}

	lk, err := lock.New(cfg.LockFilePath())
	if err != nil {
		logger.Printf("Error: shared lock: %v", err)
		return 1
	}

	queues := taskqueue.NewManager(cfg.QueueDBPath(), logger)
	fe := frontend.NewClient(cfg.FrontendBaseURL, cfg.FrontendAuthUser(), cfg.FrontendAuth, cfg.FrontendTimeout())
	logger.Printf("Task queues: %s", queues.Path())
	logger.Printf("Frontend: %s", fe.BaseURL())
	logger.Printf("Shared lock: %s", lk.Path())
	watcher := config.NewWatcher(cfg.Path, logger)

	backend := app.NewBackend(config.NewReader(cfg.Path), queues, fe, app.ExecFactory{}, lk, logger,
		app.WithConfigChanges(watcher.Changes()),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go watcher.Start(ctx)
	defer watcher.Stop()

	if cfg.StatusAddr != "" {
		_, stopStatus, err := status.Serve(cfg.StatusAddr, backend, Version, logger)
		if err != nil {
			logger.Printf("Warning: status endpoint disabled: %v", err)
		} else {
			defer stopStatus()
		}
	}

	// SIGHUP stops the backend too; there is no reload-only mode.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			logger.Printf("Received signal %v, shutting down...", sig)
			backend.RequestStop()
		case <-ctx.Done():
		}
	}()

	code := 0
	if err := backend.Run(ctx); err != nil {
		logger.Printf("Error: %v", err)
		logger.Printf("Killing/Dying")
		code = 1
	}
	if err := backend.Terminate(context.Background()); err != nil {
		logger.Printf("Error during shutdown: %v", err)
		code = 1
	}
	return code
}

func setupLogger(logFilePath string) *log.Logger {
	var writers []io.Writer

	// Only include stderr when it's an interactive terminal (not redirected).
	stderrIsTerminal := false
	if info, err := os.Stderr.Stat(); err == nil {
		stderrIsTerminal = (info.Mode() & os.ModeCharDevice) != 0
	}

	hasLogFile := false
	lower := strings.ToLower(logFilePath)
	if lower != "none" && lower != "off" && logFilePath != "" {
		if err := os.MkdirAll(filepath.Dir(logFilePath), 0o755); err == nil {
			f, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err == nil {
				writers = append(writers, f)
				hasLogFile = true
			} else {
				fmt.Fprintf(os.Stderr, "%sWarning: cannot open log file %s: %v\n", logPrefix, logFilePath, err)
			}
		} else {
			fmt.Fprintf(os.Stderr, "%sWarning: cannot create log dir %s: %v\n", logPrefix, filepath.Dir(logFilePath), err)
		}
	}

	// Always need at least one output.
	if stderrIsTerminal || !hasLogFile {
		writers = append(writers, os.Stderr)
	}

	return log.New(io.MultiWriter(writers...), logPrefix, log.LstdFlags|log.Lshortfile)
}
