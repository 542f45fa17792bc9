// Package health serves the process-level liveness and readiness
// probes. The full component breakdown is a collector endpoint.
package health

import (
	"context"
	"encoding/json"
	"net/http"
)

func Liveness() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}
}

// ReadinessReporter answers whether the process can take traffic.
// Not ready means the event store is unreachable.
type ReadinessReporter interface {
	Ready(ctx context.Context) (ok bool, detail string)
}

func Readiness(rr ReadinessReporter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		type resp struct {
			Status string `json:"status"`
			Detail string `json:"detail,omitempty"`
		}
		ok, detail := rr.Ready(r.Context())
		out := resp{Status: "ready"}
		if !ok {
			out.Status = "not_ready"
			out.Detail = detail
		}
		w.Header().Set("Content-Type", "application/json")
		if !ok {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(out)
	}
}
