// Package metrics exposes Prometheus counters for ingestion, notification
// delivery, feed polling and the HTTP API.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder is what the rest of the application reports to.
type Recorder interface {
	RecordIngest(created, existing, rejected int)
	RecordNotification(delivered bool)
	RecordFetch(ok bool)
	RecordHTTPRequest(method, route string, status int, elapsed time.Duration)
}

// Nop discards everything.
type Nop struct{}

func (Nop) RecordIngest(int, int, int)                            {}
func (Nop) RecordNotification(bool)                               {}
func (Nop) RecordFetch(bool)                                      {}
func (Nop) RecordHTTPRequest(string, string, int, time.Duration) {}

// Collector implements Recorder with Prometheus metrics.
type Collector struct {
	offers        *prometheus.CounterVec
	notifications *prometheus.CounterVec
	fetches       *prometheus.CounterVec
	httpRequests  *prometheus.CounterVec
	httpLatency   *prometheus.HistogramVec
}

// NewCollector creates a Collector and registers its metrics with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		offers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "offerwatch_offers_total",
			Help: "Offers seen by batch ingestion, by outcome.",
		}, []string{"outcome"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "offerwatch_notifications_total",
			Help: "Notification batches handed to the sender, by result.",
		}, []string{"result"}),
		fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "offerwatch_feed_fetches_total",
			Help: "Feed polls, by result.",
		}, []string{"result"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "offerwatch_http_requests_total",
			Help: "HTTP requests by method, route and status code.",
		}, []string{"method", "route", "status_code"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "offerwatch_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}

	reg.MustRegister(c.offers, c.notifications, c.fetches, c.httpRequests, c.httpLatency)
	return c
}

// RecordIngest counts the outcome of one ingested batch.
func (c *Collector) RecordIngest(created, existing, rejected int) {
	c.offers.WithLabelValues("created").Add(float64(created))
	c.offers.WithLabelValues("existing").Add(float64(existing))
	c.offers.WithLabelValues("rejected").Add(float64(rejected))
}

// RecordNotification counts one send attempt.
func (c *Collector) RecordNotification(delivered bool) {
	c.notifications.WithLabelValues(result(delivered)).Inc()
}

// RecordFetch counts one feed poll.
func (c *Collector) RecordFetch(ok bool) {
	c.fetches.WithLabelValues(result(ok)).Inc()
}

// RecordHTTPRequest counts one served request.
func (c *Collector) RecordHTTPRequest(method, route string, status int, elapsed time.Duration) {
	c.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.httpLatency.WithLabelValues(route).Observe(elapsed.Seconds())
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

// Handler returns the scrape endpoint for gatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
