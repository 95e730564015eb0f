// Package health serves the /healthz liveness endpoint of long-running
// gpurun processes (the in-VM executor).
package health

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/terrpan/gpurun/internal/buildinfo"
)

// Snapshot is the live state a component reports on /healthz.
type Snapshot struct {
	RunID      string
	Phase      string
	PhaseSince time.Time
}

// Build identifies the binary.
type Build struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildTime string `json:"build_time"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`
}

// Run is the current run as seen by the component.
type Run struct {
	ID    string `json:"id,omitempty"`
	Phase string `json:"phase"`

	// PhaseSeconds is how long the component has been in Phase.  An
	// operator attaching to a VM uses it to tell a slow image pull from a
	// stuck one.
	PhaseSeconds int64 `json:"phase_seconds"`
}

// Response is the /healthz body.
type Response struct {
	Status    string    `json:"status"`
	Component string    `json:"component"`
	Build     Build     `json:"build"`
	Run       *Run      `json:"run,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Handler always answers 200: a process that can serve the request is
// alive whatever phase it is in.  snapshot may be nil.
func Handler(component string, snapshot func() Snapshot) http.HandlerFunc {
	build := Build{
		Version:   buildinfo.Version,
		Commit:    buildinfo.Commit,
		BuildTime: buildinfo.BuildTime,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}

	return func(w http.ResponseWriter, r *http.Request) {
		now := time.Now().UTC()
		resp := Response{
			Status:    "healthy",
			Component: component,
			Build:     build,
			Timestamp: now,
		}
		if snapshot != nil {
			s := snapshot()
			run := &Run{ID: s.RunID, Phase: s.Phase}
			if !s.PhaseSince.IsZero() {
				run.PhaseSeconds = int64(now.Sub(s.PhaseSince) / time.Second)
			}
			resp.Run = run
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(resp)
	}
}
