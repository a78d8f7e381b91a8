package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordIngest(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordIngest(3, 2, 1)
	c.RecordIngest(1, 0, 0)

	tests := []struct {
		outcome string
		want    float64
	}{
		{"created", 4},
		{"existing", 2},
		{"rejected", 1},
	}
	for _, tt := range tests {
		if got := testutil.ToFloat64(c.offers.WithLabelValues(tt.outcome)); got != tt.want {
			t.Errorf("offers{outcome=%q} = %v, want %v", tt.outcome, got, tt.want)
		}
	}
}

func TestRecordNotificationAndFetch(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)

	c.RecordNotification(true)
	c.RecordNotification(false)
	c.RecordNotification(true)
	c.RecordFetch(false)

	if got := testutil.ToFloat64(c.notifications.WithLabelValues("success")); got != 2 {
		t.Errorf("notifications success = %v, want 2", got)
	}
	if got := testutil.ToFloat64(c.notifications.WithLabelValues("failure")); got != 1 {
		t.Errorf("notifications failure = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.fetches.WithLabelValues("failure")); got != 1 {
		t.Errorf("fetch failure = %v, want 1", got)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewCollector(reg)
	c.RecordHTTPRequest(http.MethodGet, "/healthz", http.StatusOK, 5*time.Millisecond)

	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}

	for _, want := range []string{
		`offerwatch_http_requests_total{method="GET",route="/healthz",status_code="200"} 1`,
		"offerwatch_http_request_duration_seconds_count",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
