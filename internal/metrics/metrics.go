package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// FetchTiles 成功获取的瓦片，source 为 cache 或 network
	FetchTiles = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tilestitch",
		Subsystem: "fetch",
		Name:      "tiles_total",
		Help:      "Total tiles obtained, by provider and source",
	}, []string{"provider", "source"})

	FetchFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tilestitch",
		Subsystem: "fetch",
		Name:      "failures_total",
		Help:      "Total tile fetch failures, by provider and error category",
	}, []string{"provider", "reason"})

	FetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "tilestitch",
		Subsystem: "fetch",
		Name:      "duration_seconds",
		Help:      "Duration of a network tile fetch including retries",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"provider"})

	CacheErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tilestitch",
		Subsystem: "cache",
		Name:      "errors_total",
		Help:      "Total tile cache errors, by operation",
	}, []string{"op"})

	StitchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "tilestitch",
		Subsystem: "stitch",
		Name:      "duration_seconds",
		Help:      "Duration of compositing and resizing one canvas",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	})

	BatchTiles = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "tilestitch",
		Subsystem: "batch",
		Name:      "tiles",
		Help:      "Number of tiles requested per batch",
		Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
	}, []string{"provider"})
)

// ObserveSince 记录自 start 以来的耗时
func ObserveSince(o prometheus.Observer, start time.Time) {
	o.Observe(time.Since(start).Seconds())
}

// Handler 返回 /metrics 处理器
func Handler() http.Handler {
	return promhttp.Handler()
}
