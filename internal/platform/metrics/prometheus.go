package metrics

import (
	"net/http"

	"github.com/vendorhub/review-engine/internal/platform/logger"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// MetricsManager holds the engine's Prometheus metrics.
type MetricsManager struct {
	Registry *prometheus.Registry

	SyncCyclesTotal   *prometheus.CounterVec // result: completed | coalesced | backoff_exhausted | unauthorized | cancelled
	SyncPagesTotal    prometheus.Counter
	SyncCycleDuration prometheus.Histogram
	PushesTotal       *prometheus.CounterVec // outcome: accepted | conflict | rejected | error
	PendingMutations  prometheus.Gauge
	WatchSubscribers  prometheus.Gauge
	RecomputeDuration prometheus.Histogram
	UpsertsTotal      *prometheus.CounterVec // changed: true | false
	NoticesTotal      *prometheus.CounterVec // kind
}

// NewMetricsManager initializes and registers the engine metrics on a
// dedicated registry.
func NewMetricsManager(serviceName string) *MetricsManager {
	registry := prometheus.NewRegistry()

	syncCyclesTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: serviceName,
		Name:      "sync_cycles_total",
		Help:      "Total number of sync cycles by result.",
	}, []string{"result"})
	syncPagesTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: serviceName,
		Name:      "sync_pages_fetched_total",
		Help:      "Total number of remote change pages fetched.",
	})
	syncCycleDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: serviceName,
		Name:      "sync_cycle_duration_seconds",
		Help:      "Duration of completed sync cycles.",
		Buckets:   prometheus.DefBuckets,
	})
	pushesTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: serviceName,
		Name:      "mutation_pushes_total",
		Help:      "Total number of mutation pushes by outcome.",
	}, []string{"outcome"})
	pendingMutations := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: serviceName,
		Name:      "pending_mutations",
		Help:      "Number of mutations queued or in flight.",
	})
	watchSubscribers := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: serviceName,
		Name:      "watch_subscribers",
		Help:      "Number of active watch subscriptions.",
	})
	recomputeDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: serviceName,
		Name:      "aggregate_recompute_duration_seconds",
		Help:      "Duration of vendor aggregate recomputes.",
		Buckets:   prometheus.DefBuckets,
	})
	upsertsTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: serviceName,
		Name:      "review_upserts_total",
		Help:      "Total number of review upserts by whether the row changed.",
	}, []string{"changed"})
	noticesTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: serviceName,
		Name:      "notices_total",
		Help:      "Total number of caller-visible notices by kind.",
	}, []string{"kind"})

	registry.MustRegister(
		syncCyclesTotal,
		syncPagesTotal,
		syncCycleDuration,
		pushesTotal,
		pendingMutations,
		watchSubscribers,
		recomputeDuration,
		upsertsTotal,
		noticesTotal,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return &MetricsManager{
		Registry:          registry,
		SyncCyclesTotal:   syncCyclesTotal,
		SyncPagesTotal:    syncPagesTotal,
		SyncCycleDuration: syncCycleDuration,
		PushesTotal:       pushesTotal,
		PendingMutations:  pendingMutations,
		WatchSubscribers:  watchSubscribers,
		RecomputeDuration: recomputeDuration,
		UpsertsTotal:      upsertsTotal,
		NoticesTotal:      noticesTotal,
	}
}

// StartMetricsServer starts an HTTP server exposing the registry.
func StartMetricsServer(port string, appLogger *logger.Logger, registry *prometheus.Registry) error {
	if port == "" {
		appLogger.Info("Prometheus metrics server port not configured, server will not start.")
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	appLogger.Info("Prometheus metrics server starting", zap.String("port", port), zap.String("path", "/metrics"))

	server := &http.Server{
		Addr:    ":" + port,
		Handler: mux,
	}

	return server.ListenAndServe()
}
