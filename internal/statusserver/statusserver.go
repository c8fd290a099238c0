// Package statusserver serves the status HTTP surface:
// a human-readable stats page, a health-check endpoint an orchestrator
// can poll, and a Prometheus scrape endpoint.
package statusserver

import (
	"context"
	"encoding/json"
	"fmt"
	"html/template"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/portfan/portfan/internal/buildinfo"
	"github.com/portfan/portfan/internal/telemetry/metrics"
	"github.com/portfan/portfan/internal/upstream"
)

var statsTemplate = template.Must(template.New("stats").Parse(`<!DOCTYPE html>
<html>
<head><meta http-equiv="refresh" content="5"><title>portfan status</title></head>
<body>
<h1>portfan</h1>
<p>version {{.Version}} — {{.HealthyCount}}/{{.TotalCount}} upstreams healthy</p>
<table border="1" cellpadding="4">
<tr><th>upstream</th><th>healthy</th><th>opened</th><th>closed</th><th>failed</th><th>bytes/s</th></tr>
{{range .Rows}}<tr><td>{{.Endpoint}}</td><td>{{.Healthy}}</td><td>{{.Opened}}</td><td>{{.Closed}}</td><td>{{.Failed}}</td><td>{{.BytesPerSec}}</td></tr>
{{end}}</table>
</body>
</html>
`))

type statsRow struct {
	Endpoint    string
	Healthy     bool
	Opened      uint64
	Closed      uint64
	Failed      uint64
	BytesPerSec uint64
}

type statsView struct {
	Version      string
	HealthyCount int
	TotalCount   int
	Rows         []statsRow
}

// Server serves GET /stats, GET /admin, and GET /metrics on its own
// listener, independent of the proxy's client-facing listener.
type Server struct {
	upstreams []*upstream.Upstream
	metrics   *metrics.Registry
	logger    zerolog.Logger
	http      *http.Server
}

// New builds a Server over upstreams, reporting the given metrics
// registry on /metrics.
func New(addr string, upstreams []*upstream.Upstream, reg *metrics.Registry, logger zerolog.Logger) *Server {
	s := &Server{
		upstreams: upstreams,
		metrics:   reg,
		logger:    logger.With().Str("component", "statusserver").Logger(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/admin", s.handleAdmin)
	mux.Handle("/metrics", promhttp.HandlerFor(reg.Gatherer(), promhttp.HandlerOpts{}))

	s.http = &http.Server{Addr: addr, Handler: mux}
	return s
}

// Run serves until ctx is cancelled, then shuts down within a bounded
// grace period.
func (s *Server) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.http.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.http.Addr).Msg("status server listening")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	view := statsView{Version: buildinfo.String()}
	for _, up := range s.upstreams {
		healthy := up.IsHealthy()
		if healthy {
			view.HealthyCount++
		}
		view.TotalCount++
		view.Rows = append(view.Rows, statsRow{
			Endpoint:    up.Endpoint.String(),
			Healthy:     healthy,
			Opened:      up.Opened.TotalCount(),
			Closed:      up.Closed.TotalCount(),
			Failed:      up.Failed.TotalCount(),
			BytesPerSec: up.ByteRate.LastSecondCount(),
		})
	}

	w.Header().Set("Content-Type", "text/html")
	if err := statsTemplate.Execute(w, view); err != nil {
		s.logger.Warn().Err(err).Msg("rendering stats page")
	}
}

// handleAdmin reports 200 while at least one upstream is healthy, 500
// otherwise. The body is JSON, but the Content-Type is text/html
// regardless, matching the documented contract exactly.
func (s *Server) handleAdmin(w http.ResponseWriter, r *http.Request) {
	healthy := 0
	for _, up := range s.upstreams {
		if up.IsHealthy() {
			healthy++
		}
	}

	w.Header().Set("Content-Type", "text/html")
	if healthy == 0 {
		w.WriteHeader(http.StatusInternalServerError)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	body, _ := json.Marshal(map[string]string{"version": buildinfo.String()})
	fmt.Fprint(w, string(body))
}
