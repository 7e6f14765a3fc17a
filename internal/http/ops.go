package httpapi

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Cypherspark/sms-crm/api"
	"github.com/Cypherspark/sms-crm/internal/metrics"
)

const readyTimeout = time.Second

// mountOps serves liveness, readiness, metrics and the API reference. None
// of these need a user.
func (s *Server) mountOps(r chi.Router) {
	metrics.MustRegister()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", s.readiness)
	r.Method(http.MethodGet, "/metrics", promhttp.InstrumentMetricHandler(
		prometheus.DefaultRegisterer,
		promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{}),
	))

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/yaml")
		http.ServeFileFS(w, r, api.FS, "openapi.yaml")
	})
	r.Get("/docs", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(docsPage))
	})
}

// readiness pings Postgres and every extra dependency in Checks. Any failure
// answers 503 and names the dependency that failed.
func (s *Server) readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()

	checks := map[string]Pinger{"db": s.DB}
	for name, p := range s.Checks {
		checks[name] = p
	}
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status, code := "ready", http.StatusOK
	results := make(map[string]string, len(checks))
	for _, name := range names {
		p := checks[name]
		switch {
		case p == nil:
			results[name] = "not configured"
		case p.Ping(ctx) != nil:
			results[name] = "unreachable"
		default:
			results[name] = "ok"
			continue
		}
		status, code = "not_ready", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{"status": status, "checks": results})
}

const docsPage = `<!doctype html>
<html>
  <head>
    <title>SMS dispatch API</title>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1">
    <script src="https://cdn.redoc.ly/redoc/latest/bundles/redoc.standalone.js"></script>
  </head>
  <body>
    <redoc spec-url="/openapi.yaml"></redoc>
  </body>
</html>`
