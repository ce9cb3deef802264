// Package status exposes a read-only view of the running backend: a JSON
// API, a health probe and an MCP tool server over streamable HTTP.
package status

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/jaakkos/buildfarm/internal/domain"
)

// Provider returns the current backend snapshot.
type Provider interface {
	Status() domain.BackendStatus
}

// Snapshot is the JSON response from /api/status.
type Snapshot struct {
	Timestamp  string             `json:"timestamp"`
	Version    string             `json:"version,omitempty"`
	State      domain.State       `json:"state"`
	Iterations int64              `json:"iterations"`
	Groups     []GroupSnapshot    `json:"groups"`
	JobGrabber JobGrabberSnapshot `json:"jobgrab"`
}

// GroupSnapshot is a per-build-group summary.
type GroupSnapshot struct {
	ID            int              `json:"id"`
	Name          string           `json:"name,omitempty"`
	MaxWorkers    int              `json:"max_workers"`
	Workers       int              `json:"workers"`
	LastWorkerNum int              `json:"last_worker_num"`
	WorkerList    []WorkerSnapshot `json:"worker_list,omitempty"`
}

// WorkerSnapshot is a per-worker summary.
type WorkerSnapshot struct {
	Num     int    `json:"worker_num"`
	PID     int    `json:"pid"`
	Alive   bool   `json:"alive"`
	Started string `json:"started"`
}

// JobGrabberSnapshot summarizes the job-grabber.
type JobGrabberSnapshot struct {
	PID      int  `json:"pid"`
	Alive    bool `json:"alive"`
	Restarts int  `json:"restarts"`
}

// BuildSnapshot converts a backend status into its JSON form.
func BuildSnapshot(st domain.BackendStatus, version string, now time.Time) Snapshot {
	snap := Snapshot{
		Timestamp:  now.Format(time.RFC3339),
		Version:    version,
		State:      st.State,
		Iterations: st.Iterations,
		Groups:     make([]GroupSnapshot, 0, len(st.Groups)),
		JobGrabber: JobGrabberSnapshot{
			PID:      st.JobGrabber.PID,
			Alive:    st.JobGrabber.Alive,
			Restarts: st.JobGrabber.Restarts,
		},
	}
	for _, g := range st.Groups {
		gs := GroupSnapshot{
			ID:            g.ID,
			Name:          g.Name,
			MaxWorkers:    g.MaxWorkers,
			Workers:       len(g.Workers),
			LastWorkerNum: g.LastWorkerNum,
		}
		for _, w := range g.Workers {
			gs.WorkerList = append(gs.WorkerList, WorkerSnapshot{
				Num:     w.Num,
				PID:     w.PID,
				Alive:   w.Alive,
				Started: relTime(w.StartedAt, now),
			})
		}
		snap.Groups = append(snap.Groups, gs)
	}
	return snap
}

// Handler serves the JSON endpoints.
type Handler struct {
	provider Provider
	version  string
}

// NewHandler creates a handler reading from provider.
func NewHandler(provider Provider, version string) *Handler {
	return &Handler{provider: provider, version: version}
}

// RegisterRoutes adds /health and /api/status to mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/api/status", h.handleAPIStatus)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := h.provider.Status()
	workers := 0
	for _, g := range st.Groups {
		workers += len(g.Workers)
	}
	w.Header().Set("Content-Type", "application/json")
	if st.State != domain.StateRunning {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  string(st.State),
		"workers": workers,
		"jobgrab": st.JobGrabber.Alive,
	})
}

func (h *Handler) handleAPIStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": "method not allowed"})
		return
	}
	snap := BuildSnapshot(h.provider.Status(), h.version, time.Now())
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(snap)
}

func relTime(t time.Time, now time.Time) string {
	if t.IsZero() {
		return "never"
	}
	d := now.Sub(t)
	switch {
	case d < time.Second:
		return "just now"
	case d < time.Minute:
		return strconv.Itoa(int(d.Seconds())) + "s ago"
	case d < time.Hour:
		return strconv.Itoa(int(d.Minutes())) + "m ago"
	case d < 24*time.Hour:
		return strconv.Itoa(int(d.Hours())) + "h ago"
	default:
		return t.Format("Jan 2 15:04")
	}
}
