// Package health provides HTTP handlers for health checks.
package health

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/terrpan/nodesource/internal/buildinfo"
)

// Source reports the state of the node source being served.
type Source interface {
	BackendType() string
	InfrastructureID() string
	TrackedInstances() int
}

// Response represents the health check response body.
type Response struct {
	Status           string    `json:"status"`
	ServiceName      string    `json:"service_name"`
	Version          string    `json:"version"`
	Commit           string    `json:"commit"`
	BuildTime        string    `json:"build_time"`
	GoVersion        string    `json:"go_version"`
	OS               string    `json:"os"`
	Architecture     string    `json:"architecture"`
	Backend          string    `json:"backend"`
	InfrastructureID string    `json:"infrastructure_id"`
	TrackedInstances int       `json:"tracked_instances"`
	Timestamp        time.Time `json:"timestamp"`
}

// Handler responds to health check requests. It reports build info, the
// backend type and how many instances the node source tracks. The status
// is always "healthy" (200 OK) since this is a liveness check; connector
// reachability is probed on acquisition, not here.
func Handler(src Source) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)

		response := Response{
			Status:           "healthy",
			ServiceName:      "nodesource",
			Version:          buildinfo.Version,
			Commit:           buildinfo.Commit,
			BuildTime:        buildinfo.BuildTime,
			GoVersion:        runtime.Version(),
			OS:               runtime.GOOS,
			Architecture:     runtime.GOARCH,
			Backend:          src.BackendType(),
			InfrastructureID: src.InfrastructureID(),
			TrackedInstances: src.TrackedInstances(),
			Timestamp:        time.Now().UTC(),
		}

		_ = json.NewEncoder(w).Encode(response)
	}
}
