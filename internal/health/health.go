// Package health provides the HTTP status handler served while a
// deployment is alive.
package health

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/terrpan/embervm/internal/buildinfo"
)

// Response represents the status response body.
type Response struct {
	Status       string    `json:"status"`
	ServiceName  string    `json:"service_name"`
	Version      string    `json:"version"`
	Commit       string    `json:"commit"`
	BuildTime    string    `json:"build_time"`
	GoVersion    string    `json:"go_version"`
	OS           string    `json:"os"`
	Architecture string    `json:"architecture"`
	Engine       string    `json:"engine"`
	Provider     string    `json:"provider"`
	Region       string    `json:"region"`
	Lifecycle    string    `json:"lifecycle"`
	Timestamp    time.Time `json:"timestamp"`
}

// Handler responds to status requests.  It reports build info, the
// selected engine/provider/region, and the live lifecycle state via the
// state callback.  The HTTP status is always 200: this is a liveness
// check, the lifecycle field carries the interesting part.
func Handler(engine, provider, region string, state func() string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)

		response := Response{
			Status:       "healthy",
			ServiceName:  "embervm",
			Version:      buildinfo.Version,
			Commit:       buildinfo.Commit,
			BuildTime:    buildinfo.BuildTime,
			GoVersion:    runtime.Version(),
			OS:           runtime.GOOS,
			Architecture: runtime.GOARCH,
			Engine:       engine,
			Provider:     provider,
			Region:       region,
			Lifecycle:    state(),
			Timestamp:    time.Now().UTC(),
		}

		_ = json.NewEncoder(w).Encode(response)
	}
}
