package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/pflag"

	"github.com/jaakkos/buildfarm/internal/app"
	"github.com/jaakkos/buildfarm/internal/config"
	"github.com/jaakkos/buildfarm/internal/status"
)

// runStatusCommand prints a summary of a running backend, read from its
// status endpoint.
func runStatusCommand(args []string) int {
	var configPath, addr string
	flagSet := pflag.NewFlagSet("buildfarm-backend status", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", os.Getenv(app.EnvConfig), "path to the backend config file")
	flagSet.StringVar(&addr, "addr", "", "status address (default: status_addr from the config)")
	if err := flagSet.Parse(args); err != nil {
		if err == pflag.ErrHelp {
			return 0
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 2
	}

	if addr == "" {
		if configPath == "" {
			fmt.Fprintln(os.Stderr, "error: --addr or --config is required")
			return 2
		}
		cfg, err := config.LoadConfig(configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			return 1
		}
		if cfg.StatusAddr == "" {
			fmt.Fprintln(os.Stderr, "error: status_addr is not set in the config")
			return 1
		}
		addr = cfg.StatusAddr
	}

	snap, err := fetchStatus("http://" + addr + "/api/status")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	printStatus(os.Stdout, snap)
	return 0
}

func fetchStatus(url string) (*status.Snapshot, error) {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		return nil, fmt.Errorf("backend not reachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status endpoint returned %d", resp.StatusCode)
	}
	var snap status.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	return &snap, nil
}

func printStatus(w io.Writer, snap *status.Snapshot) {
	fmt.Fprintf(w, "state=%s iterations=%d\n", snap.State, snap.Iterations)
	fmt.Fprintf(w, "jobgrab pid=%d alive=%v restarts=%d\n", snap.JobGrabber.PID, snap.JobGrabber.Alive, snap.JobGrabber.Restarts)
	for _, g := range snap.Groups {
		fmt.Fprintf(w, "group %d %s workers=%d/%d last_worker_num=%d\n", g.ID, g.Name, g.Workers, g.MaxWorkers, g.LastWorkerNum)
		for _, wk := range g.WorkerList {
			fmt.Fprintf(w, "  worker %d pid=%d alive=%v started %s\n", wk.Num, wk.PID, wk.Alive, wk.Started)
		}
	}
}
