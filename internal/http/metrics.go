package httpx

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var histogramBuckets = []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10}

func (rt *Router) initMetrics() {
	rt.metricsOnce.Do(func() {
		rt.requestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "modhost",
			Subsystem: "orchestrator",
			Name:      "http_requests_total",
			Help:      "Count of processed HTTP requests",
		}, []string{"method", "route", "status"})

		rt.requestLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "modhost",
			Subsystem: "orchestrator",
			Name:      "http_request_duration_seconds",
			Help:      "Latency distribution of HTTP handlers",
			Buckets:   histogramBuckets,
		}, []string{"method", "route", "status"})

		rt.rateLimitHits = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "modhost",
			Subsystem: "orchestrator",
			Name:      "rate_limit_hits_total",
			Help:      "Number of rate-limited responses",
		}, []string{"route", "key"})

		rt.lifecycleTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "modhost",
			Subsystem: "orchestrator",
			Name:      "module_operations_total",
			Help:      "Module lifecycle operations by outcome",
		}, []string{"operation", "outcome"})

		collectors := []prometheus.Collector{rt.requestTotal, rt.requestLatency, rt.rateLimitHits, rt.lifecycleTotal}
		for _, collector := range collectors {
			if err := prometheus.Register(collector); err != nil {
				if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
					switch v := are.ExistingCollector.(type) {
					case *prometheus.CounterVec:
						if collector == rt.requestTotal {
							rt.requestTotal = v
						} else if collector == rt.rateLimitHits {
							rt.rateLimitHits = v
						} else if collector == rt.lifecycleTotal {
							rt.lifecycleTotal = v
						}
					case *prometheus.HistogramVec:
						rt.requestLatency = v
					}
				}
			}
		}
		rt.metricsInitialized = true
	})
}

func (rt *Router) recordRequestMetrics(method, route string, status int, duration time.Duration) {
	if !rt.metricsInitialized {
		return
	}
	labels := prometheus.Labels{
		"method": method,
		"route":  route,
		"status": strconv.Itoa(status),
	}
	rt.requestTotal.With(labels).Inc()
	rt.requestLatency.With(labels).Observe(duration.Seconds())
}

func (rt *Router) recordRateLimitHit(route, key string) {
	if !rt.metricsInitialized {
		return
	}
	rt.rateLimitHits.With(prometheus.Labels{"route": route, "key": key}).Inc()
}

func (rt *Router) recordLifecycle(operation string, err error) {
	if !rt.metricsInitialized {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	rt.lifecycleTotal.With(prometheus.Labels{"operation": operation, "outcome": outcome}).Inc()
}
