package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	DeltasAppliedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "book_deltas_applied_total", Help: "Incremental deltas applied by exchange and side"}, []string{"exchange", "side"})
	SnapshotsTotal     = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "book_snapshots_total", Help: "Full snapshots by exchange and outcome (reset, applied, stale)"}, []string{"exchange", "outcome"})
	BookLevels         = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "book_levels", Help: "Live levels per book side"}, []string{"exchange", "symbol", "side"})
	BookStalenessMs    = prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: "book_staleness_ms", Help: "Time since the last applied message in ms by exchange"}, []string{"exchange"})
	BookRebuildsTotal  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "book_rebuilds_total", Help: "Books dropped for rebuild by exchange and reason"}, []string{"exchange", "reason"})
	ApplyLatencyMs     = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "book_apply_latency_ms", Help: "Time to apply one feed message", Buckets: prometheus.ExponentialBuckets(0.001, 4, 10)})

	FeedMessagesTotal      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "feed_messages_total", Help: "Decoded feed messages by exchange"}, []string{"exchange"})
	FeedDecodeErrorsTotal  = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "feed_decode_errors_total", Help: "Frames that failed to decode by exchange"}, []string{"exchange"})
	WSReconnectsTotal      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "ws_reconnects_total", Help: "WS reconnects by exchange and reason"}, []string{"exchange", "reason"})
	SnapshotFetchLatencyMs = prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: "snapshot_fetch_latency_ms", Help: "REST snapshot fetch latency", Buckets: prometheus.LinearBuckets(10, 50, 20)}, []string{"exchange"})

	CheckpointLatencyMs   = prometheus.NewHistogram(prometheus.HistogramOpts{Name: "checkpoint_latency_ms", Help: "Time to checkpoint all books", Buckets: prometheus.LinearBuckets(1, 10, 20)})
	CheckpointErrorsTotal = prometheus.NewCounter(prometheus.CounterOpts{Name: "checkpoint_errors_total", Help: "Failed book checkpoints or cache writes"})
)

func Init(logger zerolog.Logger) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	toRegister := []prometheus.Collector{
		DeltasAppliedTotal, SnapshotsTotal, BookLevels, BookStalenessMs, BookRebuildsTotal, ApplyLatencyMs,
		FeedMessagesTotal, FeedDecodeErrorsTotal, WSReconnectsTotal, SnapshotFetchLatencyMs,
		CheckpointLatencyMs, CheckpointErrorsTotal,
		collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	}
	for _, c := range toRegister {
		_ = reg.Register(c)
	}
	logger.Info().Msg("Prometheus metrics initialized")
	return reg
}

func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
