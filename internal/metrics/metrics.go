// Package metrics collects and exposes Prometheus metrics for the login flow.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder is the metrics surface used by the backend client and the HTTP API.
type Recorder interface {
	RecordBackendCall(op string, result string, d time.Duration)
	RecordOTPRequest(result string)
	RecordOTPVerify(result string)
	RecordLogout()
	SetWorkspaces(n int)
}

// Collector is the Prometheus-backed Recorder.
type Collector struct {
	backendCalls   *prometheus.CounterVec
	backendLatency *prometheus.HistogramVec
	otpRequests    *prometheus.CounterVec
	otpVerify      *prometheus.CounterVec
	logouts        prometheus.Counter
	workspaces     prometheus.Gauge
}

var _ Recorder = (*Collector)(nil)

// NewCollector creates a Collector and registers it with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		backendCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nobat_backend_calls_total",
			Help: "Backend API calls by operation and result.",
		}, []string{"op", "result"}),
		backendLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "nobat_backend_call_seconds",
			Help:    "Backend API call latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		otpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nobat_otp_requests_total",
			Help: "OTP send and resend attempts by result.",
		}, []string{"result"}),
		otpVerify: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "nobat_otp_verifications_total",
			Help: "OTP verification attempts by result.",
		}, []string{"result"}),
		logouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "nobat_logouts_total",
			Help: "Sessions cleared by logout.",
		}),
		workspaces: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "nobat_device_workspaces",
			Help: "Device workspaces currently held in memory.",
		}),
	}

	reg.MustRegister(
		c.backendCalls,
		c.backendLatency,
		c.otpRequests,
		c.otpVerify,
		c.logouts,
		c.workspaces,
	)
	return c
}

func (c *Collector) RecordBackendCall(op string, result string, d time.Duration) {
	c.backendCalls.WithLabelValues(op, result).Inc()
	c.backendLatency.WithLabelValues(op).Observe(d.Seconds())
}

func (c *Collector) RecordOTPRequest(result string) {
	c.otpRequests.WithLabelValues(result).Inc()
}

func (c *Collector) RecordOTPVerify(result string) {
	c.otpVerify.WithLabelValues(result).Inc()
}

func (c *Collector) RecordLogout() {
	c.logouts.Inc()
}

func (c *Collector) SetWorkspaces(n int) {
	c.workspaces.Set(float64(n))
}

// Handler returns the scrape handler for gatherer.
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// Nop discards everything.
type Nop struct{}

var _ Recorder = Nop{}

func (Nop) RecordBackendCall(string, string, time.Duration) {}
func (Nop) RecordOTPRequest(string)                         {}
func (Nop) RecordOTPVerify(string)                          {}
func (Nop) RecordLogout()                                   {}
func (Nop) SetWorkspaces(int)                               {}
