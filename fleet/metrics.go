package fleet

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	queueLengthGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "imgen",
		Subsystem: "fleet",
		Name:      "queue_length",
		Help:      "Current queue depth per worker node.",
	}, []string{"worker"})

	healthyGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "imgen",
		Subsystem: "fleet",
		Name:      "healthy",
		Help:      "Whether the worker node passed its last health probe.",
	}, []string{"worker"})

	probeLatencyGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "imgen",
		Subsystem: "fleet",
		Name:      "probe_latency_ms",
		Help:      "Latency of the last successful health probe.",
	}, []string{"worker"})
)
