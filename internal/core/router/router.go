// Package router is the HTTP surface of the collector: it binds the
// ingest and query endpoints, owns all parameter parsing, and is the
// only place error kinds become status codes.
package router

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mohammed-shakir/decoynet-collector/internal/collector"
	"github.com/mohammed-shakir/decoynet-collector/internal/core/errkind"
	"github.com/mohammed-shakir/decoynet-collector/internal/core/model"
	"github.com/mohammed-shakir/decoynet-collector/internal/core/observability"
)

const (
	// maxLimit caps every limit parameter; larger values are clamped,
	// not rejected.
	maxLimit = 10_000

	defaultAlertThreshold = 0.5

	// maxIngestBody bounds the whole request envelope. The payload
	// field has its own tighter bound in the canonicalizer.
	maxIngestBody = 256 * 1024

	heartbeatEvery = 15 * time.Second
)

type Handlers struct {
	logger *slog.Logger
	c      *collector.Collector
}

func New(logger *slog.Logger, c *collector.Collector) *Handlers {
	return &Handlers{logger: logger, c: c}
}

// Routes mounts every endpoint except the SSE feed, which the server
// mounts outside the request-deadline middleware.
func (h *Handlers) Routes(r chi.Router) {
	r.Post("/ingest", instrument("/ingest", h.ingest))
	r.Post("/log", instrument("/log", h.ingest))
	r.Get("/events", instrument("/events", h.events))
	r.Get("/stats", instrument("/stats", h.stats))
	r.Get("/analytics", instrument("/analytics", h.analytics))
	r.Get("/map", instrument("/map", h.mapData))
	r.Get("/ml-insights", instrument("/ml-insights", h.mlInsights))
	r.Get("/alerts", instrument("/alerts", h.alerts))
	r.Get("/investigate/{source}", instrument("/investigate/{source}", h.investigate))
	r.Get("/health", instrument("/health", h.health))
}

func (h *Handlers) ingest(w http.ResponseWriter, r *http.Request) {
	var raw model.RawEvent
	body := http.MaxBytesReader(w, r.Body, maxIngestBody)
	if err := json.NewDecoder(body).Decode(&raw); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			h.writeError(w, r, errkind.Newf(errkind.PayloadTooLarge,
				"request body exceeds %d bytes", maxIngestBody))
			return
		}
		h.writeError(w, r, errkind.Newf(errkind.SchemaError, "body is not valid JSON: %v", err))
		return
	}

	ack, err := h.c.Ingest(r.Context(), raw)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ack)
}

func (h *Handlers) events(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	minScore, err := parseFloatParam(r, "min_score", 0)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	source := strings.TrimSpace(r.URL.Query().Get("source"))

	events, err := h.c.Events(r.Context(), limit, source, minScore)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"count":  len(events),
	})
}

func (h *Handlers) stats(w http.ResponseWriter, r *http.Request) {
	st, err := h.c.Stats(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *Handlers) analytics(w http.ResponseWriter, r *http.Request) {
	an, err := h.c.Analytics(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, an)
}

func (h *Handlers) mapData(w http.ResponseWriter, r *http.Request) {
	res, err := parseRes(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	data, err := h.c.MapData(r.Context(), res)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, data)
}

func (h *Handlers) mlInsights(w http.ResponseWriter, r *http.Request) {
	ins, err := h.c.Insights(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ins)
}

func (h *Handlers) alerts(w http.ResponseWriter, r *http.Request) {
	threshold, err := parseFloatParam(r, "threshold", defaultAlertThreshold)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	limit, err := parseLimit(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	alerts, err := h.c.Alerts(r.Context(), threshold, limit)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"alerts":    alerts,
		"count":     len(alerts),
		"threshold": threshold,
	})
}

func (h *Handlers) investigate(w http.ResponseWriter, r *http.Request) {
	source := strings.TrimSpace(chi.URLParam(r, "source"))
	if source == "" {
		h.writeError(w, r, errkind.Newf(errkind.QueryParamError, "source path segment is required"))
		return
	}
	inv, err := h.c.Investigate(r.Context(), source)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

func (h *Handlers) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.c.Health(r.Context()))
}

// Stream serves the SSE live feed. Long-lived by design, so it is not
// instrumented into the request histogram and carries no deadline.
func (h *Handlers) Stream(w http.ResponseWriter, r *http.Request) {
	fl, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	id, ch := h.c.Hub().Subscribe()
	defer h.c.Hub().Unsubscribe(id)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fl.Flush()

	heartbeat := time.NewTicker(heartbeatEvery)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case msg, open := <-ch:
			if !open {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", msg)
			fl.Flush()
		case <-heartbeat.C:
			fmt.Fprint(w, ": keepalive\n\n")
			fl.Flush()
		}
	}
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func instrument(route string, fn http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		fn(sw, r)
		observability.ObserveHTTP(r.Method, route, sw.code, time.Since(start).Seconds())
	}
}

type errBody struct {
	Error  string `json:"error"`
	Detail string `json:"detail"`
}

func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := errkind.Of(err)
	observability.IncErrorKind(string(kind))

	code := statusOf(kind)
	if code >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			"method", r.Method, "path", r.URL.Path, "kind", string(kind), "err", err)
	}
	if kind == errkind.BackpressureExhausted {
		w.Header().Set("Retry-After", "1")
	}

	name := string(kind)
	if name == "" {
		name = "internal"
	}
	writeJSON(w, code, errBody{Error: name, Detail: err.Error()})
}

func statusOf(kind errkind.Kind) int {
	switch kind {
	case errkind.SchemaError, errkind.QueryParamError:
		return http.StatusBadRequest
	case errkind.PayloadTooLarge:
		return http.StatusRequestEntityTooLarge
	case errkind.NotFound:
		return http.StatusNotFound
	case errkind.BackpressureExhausted, errkind.StoreTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func parseLimit(r *http.Request) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errkind.Newf(errkind.QueryParamError, "limit %q is not a non-negative integer", raw)
	}
	if n > maxLimit {
		n = maxLimit
	}
	return n, nil
}

func parseFloatParam(r *http.Request, name string, def float64) (float64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, errkind.Newf(errkind.QueryParamError, "%s %q is not a number", name, raw)
	}
	return f, nil
}

// parseRes reads the optional H3 resolution override. Absent means the
// configured default; range checking happens at the hexbin layer.
func parseRes(r *http.Request) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("res"))
	if raw == "" {
		return -1, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errkind.Newf(errkind.QueryParamError, "res %q is not a non-negative integer", raw)
	}
	return n, nil
}
