// Package httpserver exposes the detection engine's admin surface:
// liveness, Prometheus metrics, and a baseline status snapshot. It never
// touches the baseline or cursor directly, only through the controller's
// read-only Status accessor.
package httpserver

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/uninett/sipade/internal/controller"
)

// StatusProvider is the narrow read-only view the /status endpoint needs.
type StatusProvider interface {
	Status() controller.Status
}

// NewRouter builds the admin chi router.
func NewRouter(sp StatusProvider) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID, chimw.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		if IsDraining() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"status":"draining"}` + "\n"))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}` + "\n"))
	})

	r.Handle("/metrics", promhttp.Handler())

	r.Get("/status", func(w http.ResponseWriter, _ *http.Request) {
		s := sp.Status()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(statusView{
			Institution: s.Institution,
			Cursor:      s.Cursor.Format(time.RFC3339),
			DistEWMA:    s.DistEWMA,
			MDevEWMA:    s.MDevEWMA,
			Threshold:   s.Threshold,
			Restored:    s.Restored,
		})
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"not_found"}`))
	})

	return r
}

type statusView struct {
	Institution string  `json:"institution"`
	Cursor      string  `json:"cursor"`
	DistEWMA    float64 `json:"dist_ewma"`
	MDevEWMA    float64 `json:"mdev_ewma"`
	Threshold   float64 `json:"threshold"`
	Restored    bool    `json:"restored"`
}
