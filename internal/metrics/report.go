package metrics

import "tradeflow/logger"

const rateLimiterComponent = "rate_limiter"

// ReportRateLimited increments the 429 counter for credential and emits the
// metric to CloudWatch. The route that was throttled is attached to the log
// entry.
func ReportRateLimited(log *logger.Log, credential, route string, backoffMs int64) {
	rateLimited.WithLabelValues(credential).Inc()

	l := log.WithComponent(rateLimiterComponent)
	fields := logger.Fields{
		"credential": credential,
		"route":      route,
		"backoff_ms": backoffMs,
	}
	l.LogMetric(rateLimiterComponent, "rate_limited", int64(1), "counter", fields)
	l.WithFields(fields).Warn("rate limit exceeded")
}

// ReportEmergencyMode records entering or leaving emergency mode.
func ReportEmergencyMode(log *logger.Log, credential string, active bool) {
	l := log.WithComponent(rateLimiterComponent)
	fields := logger.Fields{"credential": credential}
	if active {
		emergencyMode.WithLabelValues(credential).Set(1)
		l.LogMetric(rateLimiterComponent, "emergency_mode", int64(1), "gauge", fields)
		l.WithFields(fields).Error("entering emergency rate limit mode")
		return
	}
	emergencyMode.WithLabelValues(credential).Set(0)
	l.LogMetric(rateLimiterComponent, "emergency_mode", int64(0), "gauge", fields)
	l.WithFields(fields).Info("emergency rate limit mode cleared")
}

// EmitDropMetric logs a dropped tick for epic.
func EmitDropMetric(log *logger.Log, credential, epic string) {
	IncTick(false)
	fields := logger.Fields{"credential": credential}
	if epic != "" {
		fields["epic"] = epic
	}
	log.LogMetric("market_stream", "ticks_dropped", int64(1), "counter", fields)
}
