package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/itsneelabh/loopwatch/core"
	"github.com/itsneelabh/loopwatch/loopdetect"
	"github.com/itsneelabh/loopwatch/memory"
	"github.com/itsneelabh/loopwatch/patternsync"
	"github.com/itsneelabh/loopwatch/telemetry"
)

// maxRequestBody bounds POST /search payloads.
const maxRequestBody = 1 << 20

func newServeCmd(root *rootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve searches, detector statistics, health and metrics over HTTP",
		Long: `serve exposes the memory service and the loop detector:

  POST /search    run a search under loop detection
  GET  /stats     detector statistics, or one trace with ?trace_id=
  GET  /health    service, telemetry and pattern sync health
  GET  /metrics   Prometheus metrics

Pattern sync starts when pattern_sync.enabled is set and Redis answers.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var extra []core.Option
			if addr != "" {
				extra = append(extra, core.WithHTTPAddress(addr))
			}
			cfg, err := root.config(extra...)
			if err != nil {
				return err
			}
			a, err := newApp(cfg, nil)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return a.serve(ctx)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides http.address)")
	return cmd
}

// serve runs the HTTP server until ctx is done, then shuts down within
// HTTP.ShutdownTimeout.
func (a *app) serve(ctx context.Context) error {
	server := &http.Server{
		Addr:              a.cfg.HTTP.Address,
		Handler:           a.handler(),
		ReadTimeout:       a.cfg.HTTP.ReadTimeout,
		ReadHeaderTimeout: a.cfg.HTTP.ReadTimeout,
	}

	bg, cancel := context.WithCancel(ctx)
	defer cancel()
	if a.syncer != nil {
		go func() {
			if err := a.syncer.Run(bg); err != nil {
				a.logger.Warn("Final pattern flush failed", map[string]interface{}{"error": err.Error()})
			}
		}()
	}
	go a.janitor(bg)

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("HTTP server listening", map[string]interface{}{
			"address":      server.Addr,
			"pattern_sync": a.syncer != nil,
			"telemetry":    a.provider != nil,
		})
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			_ = a.Close(context.Background())
			return err
		}
	case <-ctx.Done():
	}

	a.logger.Info("HTTP server shutting down", nil)
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), a.cfg.HTTP.ShutdownTimeout)
	defer cancelShutdown()
	cancel()
	return errors.Join(server.Shutdown(shutdownCtx), a.Close(shutdownCtx))
}

// janitor expires idle traces so /stats stays accurate without traffic.
func (a *app) janitor(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.LoopDetection.TimeWindow)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := a.detector.Cleanup(); n > 0 {
				a.logger.Debug("Expired idle traces", map[string]interface{}{"count": n})
			}
		}
	}
}

func (a *app) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/search", a.handleSearch)
	mux.HandleFunc("/stats", a.handleStats)
	mux.HandleFunc("/health", a.handleHealth)
	mux.Handle("/metrics", a.metricsHandler())

	return telemetry.TracingMiddlewareWithConfig(a.cfg.Name, &telemetry.TracingMiddlewareConfig{
		ExcludedPaths: []string{"/health", "/metrics"},
	})(mux)
}

// metricsHandler serves the OpenTelemetry Prometheus exporter when it is
// configured, and the default Prometheus registry otherwise.
func (a *app) metricsHandler() http.Handler {
	if a.provider != nil {
		if h := a.provider.MetricsHandler(); h != nil {
			return h
		}
	}
	return promhttp.Handler()
}

type searchRequest struct {
	TraceID   string `json:"trace_id"`
	Operation string `json:"operation"`
	Query     string `json:"query"`
	Depth     int    `json:"depth"`
}

type searchResponse struct {
	*memory.Outcome
	LoopDetected bool                `json:"loop_detected"`
	LoopType     loopdetect.Category `json:"loop_type,omitempty"`
	Reason       string              `json:"reason,omitempty"`
}

func (a *app) handleSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req searchRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	if req.Operation == "" {
		req.Operation = memory.OpSearch
	}

	out, err := a.service.Search(r.Context(), req.TraceID, memory.Request{
		Operation: req.Operation,
		Query:     req.Query,
		Depth:     req.Depth,
	})
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case core.IsInvalidInput(err):
			status = http.StatusBadRequest
		case errors.Is(err, core.ErrQueueFull):
			status = http.StatusUnprocessableEntity
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			status = http.StatusServiceUnavailable
		}
		a.logger.Warn("Search failed", telemetry.LogFields(r.Context(), map[string]interface{}{
			"error":  err.Error(),
			"status": status,
		}))
		writeError(w, status, err.Error())
		return
	}

	resp := searchResponse{Outcome: out, LoopDetected: out.LoopDetected()}
	if out.LoopDetected() {
		resp.LoopType = out.Category()
		resp.Reason = out.Terminal.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *app) handleStats(w http.ResponseWriter, r *http.Request) {
	if traceID := r.URL.Query().Get("trace_id"); traceID != "" {
		snap, ok := a.detector.Inspect(traceID)
		if !ok {
			writeError(w, http.StatusNotFound, "no state for trace "+traceID)
			return
		}
		writeJSON(w, http.StatusOK, snap)
		return
	}
	writeJSON(w, http.StatusOK, a.detector.Stats())
}

type healthResponse struct {
	Status      string             `json:"status"`
	Service     string             `json:"service"`
	Detector    loopdetect.Stats   `json:"detector"`
	Telemetry   telemetry.Health   `json:"telemetry"`
	PatternSync *patternsync.Stats `json:"pattern_sync,omitempty"`
	Redis       string             `json:"redis,omitempty"`
}

// handleHealth reports 200 while the detector runs. Telemetry and Redis
// problems degrade the status text only, since both fail open.
func (a *app) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:    "healthy",
		Service:   a.cfg.Name,
		Detector:  a.detector.Stats(),
		Telemetry: telemetry.GetHealth(),
	}
	if a.provider != nil && resp.Telemetry.Status() != http.StatusOK {
		resp.Status = "degraded"
	}
	if a.syncer != nil {
		stats := a.syncer.Stats()
		resp.PatternSync = &stats
		ctx, cancel := context.WithTimeout(r.Context(), time.Second)
		defer cancel()
		if err := a.redis.HealthCheck(ctx); err != nil {
			resp.Status = "degraded"
			resp.Redis = err.Error()
		} else {
			resp.Redis = "ok"
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
