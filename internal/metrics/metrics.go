// Registers:
//
//	#tradeflow_requests_total
//	#tradeflow_rate_limited_total
//	#tradeflow_emergency_mode
//	#tradeflow_rate_limit_queue_depth
//	#tradeflow_authentications_total
//	#tradeflow_stream_reconnects_total
//	#tradeflow_ticks_total
//	#tradeflow_validator_corrections_total
//	#go_* and process_* system metrics
//
// main serves them through Handler.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	requests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradeflow_requests_total",
			Help: "Broker REST requests by route and outcome",
		},
		[]string{"route", "status"},
	)

	rateLimited = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradeflow_rate_limited_total",
			Help: "Number of 429 responses per credential",
		},
		[]string{"credential"},
	)

	emergencyMode = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tradeflow_emergency_mode",
			Help: "1 while a credential's rate limiter is in emergency mode",
		},
		[]string{"credential"},
	)

	queueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tradeflow_rate_limit_queue_depth",
			Help: "Operations waiting in a credential's rate limiter queue",
		},
		[]string{"credential"},
	)

	authentications = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradeflow_authentications_total",
			Help: "Session creation attempts by result",
		},
		[]string{"result"},
	)

	streamReconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradeflow_stream_reconnects_total",
			Help: "Market data stream reconnect attempts",
		},
		[]string{"credential"},
	)

	ticks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradeflow_ticks_total",
			Help: "Ticks delivered to or dropped by subscribers",
		},
		[]string{"result"},
	)

	corrections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tradeflow_validator_corrections_total",
			Help: "Order level corrections applied before submission",
		},
		[]string{"kind"},
	)
)

// Init registers all collectors with the default registry. Safe to call more
// than once.
func Init() {
	once.Do(func() {
		_ = prometheus.Register(requests)
		_ = prometheus.Register(rateLimited)
		_ = prometheus.Register(emergencyMode)
		_ = prometheus.Register(queueDepth)
		_ = prometheus.Register(authentications)
		_ = prometheus.Register(streamReconnects)
		_ = prometheus.Register(ticks)
		_ = prometheus.Register(corrections)
		_ = prometheus.Register(collectors.NewGoCollector())
		_ = prometheus.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

func IncRequest(route, status string) {
	requests.WithLabelValues(route, status).Inc()
}

func IncAuthentication(result string) {
	authentications.WithLabelValues(result).Inc()
}

func IncStreamReconnect(credential string) {
	streamReconnects.WithLabelValues(credential).Inc()
}

func IncTick(sent bool) {
	if sent {
		ticks.WithLabelValues("sent").Inc()
		return
	}
	ticks.WithLabelValues("dropped").Inc()
}

func IncCorrection(kind string) {
	corrections.WithLabelValues(kind).Inc()
}

func SetQueueDepth(credential string, depth int) {
	queueDepth.WithLabelValues(credential).Set(float64(depth))
}

// Forget drops every per-credential series once a credential is cleaned up.
func Forget(credential string) {
	rateLimited.DeleteLabelValues(credential)
	emergencyMode.DeleteLabelValues(credential)
	queueDepth.DeleteLabelValues(credential)
	streamReconnects.DeleteLabelValues(credential)
}
