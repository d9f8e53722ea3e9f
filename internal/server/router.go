package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter wires the HTTP surface:
//
//	/healthz, /readyz   probes
//	/metrics            Prometheus
//	/v1/events/ws       persisted event stream
//	/v1/*               JSON API (grpc-gateway mux)
func NewRouter(deps *ServerDeps) (http.Handler, error) {
	gw, err := NewGatewayMux(deps)
	if err != nil {
		return nil, err
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	if deps.HealthChecker != nil {
		r.Get("/healthz", deps.HealthChecker.LivenessHandler)
		r.Get("/readyz", deps.HealthChecker.ReadinessHandler)
	} else {
		r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})
	}
	r.Handle("/metrics", promhttp.Handler())

	// long-lived; kept out of the timeout group
	if deps.Hub != nil {
		r.Get("/v1/events/ws", deps.Hub.HandleWS)
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.Logger)
		r.Use(middleware.Timeout(30 * time.Second))
		r.Mount("/v1", gw)
	})

	return r, nil
}
