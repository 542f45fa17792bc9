package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func TestMetricsHandler_Smoke(t *testing.T) {
	ExposeBuildInfo("test")
	ObserveHTTP("POST", "/ingest", 200, 0.001)
	IncIngest("inserted")
	IncGeoLookup("private")
	ObserveScore(0.83)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	promhttp.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d want 200", rr.Code)
	}
	body := rr.Body.String()
	for _, name := range []string{"app_build_info", "http_requests_total", "ingest_events_total", "geo_lookups_total"} {
		if !strings.Contains(body, name) {
			t.Fatalf("metrics payload missing %s; got:\n%s", name, body)
		}
	}
}

func TestErrorKindCounts_Snapshot(t *testing.T) {
	IncErrorKind("schema_error")
	IncErrorKind("schema_error")
	IncErrorKind("store_transient")
	IncErrorKind("")

	counts := ErrorKindCounts()
	if counts["schema_error"] < 2 {
		t.Fatalf("schema_error=%d want >=2", counts["schema_error"])
	}
	if counts["store_transient"] < 1 {
		t.Fatalf("store_transient=%d want >=1", counts["store_transient"])
	}
	if _, ok := counts[""]; ok {
		t.Fatal("empty kind must not be counted")
	}
}
