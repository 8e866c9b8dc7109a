package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for PegLedger.
type Metrics struct {
	// --- Core processing ---
	CoreBlocksApplied  prometheus.Counter
	CoreBlocksRejected *prometheus.CounterVec
	CoreOperations     *prometheus.CounterVec
	CoreBlockDuration  prometheus.Histogram
	CoreJournals       *prometheus.CounterVec
	CoreStateHashDur   prometheus.Histogram
	CoreHeadHeight     prometheus.Gauge
	CoreBlocksPopped   prometheus.Counter

	// --- Market ---
	MarketFills          *prometheus.CounterVec
	MarketMarginCalls    *prometheus.CounterVec
	MarketBlackSwans     *prometheus.CounterVec
	MarketRevivals       *prometheus.CounterVec
	MarketFeedsCapped    *prometheus.CounterVec
	MarketSettleVolume   *prometheus.CounterVec
	MarketOrdersCanceled *prometheus.CounterVec

	// --- Latency ---
	IngestToApply       prometheus.Histogram
	NATSPullLatency     *prometheus.HistogramVec
	PersistBatchDur     prometheus.Histogram
	ProjectionUpdateDur *prometheus.HistogramVec

	// --- Channel & backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	ChannelUtilization  *prometheus.GaugeVec
	ProjectionDrops     *prometheus.CounterVec
	PublishDrops        prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Idempotency & ordering ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupLRUEvictions     prometheus.Counter
	DedupTier2Duration    prometheus.Histogram
	HeightGaps            prometheus.Counter
	HeightOutOfOrder      prometheus.Counter

	// --- Persistence ---
	PersistBlocksWritten   prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistBatchSize       prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistRetry           prometheus.Counter
	PersistLastHeight      prometheus.Gauge

	// --- Snapshot ---
	SnapshotTaken      *prometheus.CounterVec
	SnapshotDuration   prometheus.Histogram
	SnapshotSizeBytes  prometheus.Gauge
	SnapshotLastHeight prometheus.Gauge
	ReplayBlocksTotal  prometheus.Counter
	ReplayDuration     prometheus.Gauge

	// --- Query API ---
	QueryRequests  *prometheus.CounterVec
	QueryDuration  *prometheus.HistogramVec
	QueryErrors    *prometheus.CounterVec
	QueryCacheHits *prometheus.CounterVec
}

// NewMetrics creates all metrics on the default registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith registers all metrics on reg, so tests can use a
// private registry.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.00001, 0.000025, 0.00005, 0.0001, 0.00025,
		0.0005, 0.001, 0.002, 0.005, 0.01, 0.025, 0.05,
	}

	return &Metrics{
		// Core processing
		CoreBlocksApplied: f.NewCounter(prometheus.CounterOpts{
			Name: "peg_core_blocks_applied_total",
			Help: "Blocks applied by the core",
		}),

		CoreBlocksRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "peg_core_blocks_rejected_total",
			Help: "Blocks rejected (height, time, internal)",
		}, []string{"reason"}),

		CoreOperations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "peg_core_operations_total",
			Help: "Operations processed by type and result",
		}, []string{"op_type", "result"}),

		CoreBlockDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "peg_core_block_apply_duration_seconds",
			Help:    "Time to apply one block including maintenance",
			Buckets: latencyBuckets,
		}),

		CoreJournals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "peg_core_journals_generated_total",
			Help: "Journal entries generated",
		}, []string{"journal_type"}),

		CoreStateHashDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "peg_core_state_hash_duration_seconds",
			Help:    "Time to compute the state hash",
			Buckets: latencyBuckets,
		}),

		CoreHeadHeight: f.NewGauge(prometheus.GaugeOpts{
			Name: "peg_core_head_height",
			Help: "Height of the last applied block",
		}),

		CoreBlocksPopped: f.NewCounter(prometheus.CounterOpts{
			Name: "peg_core_blocks_popped_total",
			Help: "Blocks reverted with PopBlock",
		}),

		// Market
		MarketFills: f.NewCounterVec(prometheus.CounterOpts{
			Name: "peg_market_fills_total",
			Help: "Fill virtual operations by order kind",
		}, []string{"order_kind"}),

		MarketMarginCalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "peg_market_margin_calls_total",
			Help: "Call order fills",
		}, []string{"asset"}),

		MarketBlackSwans: f.NewCounterVec(prometheus.CounterOpts{
			Name: "peg_market_black_swans_total",
			Help: "Black swan events",
		}, []string{"asset"}),

		MarketRevivals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "peg_market_revivals_total",
			Help: "Globally settled assets revived",
		}, []string{"asset"}),

		MarketFeedsCapped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "peg_market_feeds_capped_total",
			Help: "Current feed cap changes under no-settlement",
		}, []string{"asset"}),

		MarketSettleVolume: f.NewCounterVec(prometheus.CounterOpts{
			Name: "peg_market_force_settled_volume_total",
			Help: "Force settled amount in base units",
		}, []string{"asset"}),

		MarketOrdersCanceled: f.NewCounterVec(prometheus.CounterOpts{
			Name: "peg_market_orders_cancelled_total",
			Help: "Limit orders and settle requests cancelled",
		}, []string{"reason"}),

		// Latency
		IngestToApply: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "peg_ingest_to_apply_seconds",
			Help:    "NATS receive to core apply complete",
			Buckets: latencyBuckets,
		}),

		NATSPullLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "peg_nats_pull_latency_seconds",
			Help:    "NATS pull request latency",
			Buckets: latencyBuckets,
		}, []string{"subject"}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "peg_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		ProjectionUpdateDur: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "peg_projection_update_duration_seconds",
			Help:    "Projection table update duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1},
		}, []string{"projection"}),

		// Channel & backpressure
		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "peg_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "peg_channel_capacity",
			Help: "Channel capacity",
		}, []string{"name"}),

		ChannelUtilization: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "peg_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		ProjectionDrops: f.NewCounterVec(prometheus.CounterOpts{
			Name: "peg_projection_drops_total",
			Help: "Outputs dropped due to a full projection channel",
		}, []string{"projection"}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "peg_publish_drops_total",
			Help: "Outputs dropped due to a full publish channel",
		}),

		PersistBackpressure: f.NewCounter(prometheus.CounterOpts{
			Name: "peg_persist_backpressure_total",
			Help: "Times the core blocked on the persist channel",
		}),

		// Idempotency & ordering
		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "peg_idempotency_duplicates_total",
			Help: "Duplicate operations caught (block/lru/postgres)",
		}, []string{"op_type", "tier"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "peg_dedup_lru_size",
			Help: "Current LRU occupancy",
		}),

		DedupLRUEvictions: f.NewCounter(prometheus.CounterOpts{
			Name: "peg_dedup_lru_evictions_total",
			Help: "LRU evictions",
		}),

		DedupTier2Duration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "peg_dedup_tier2_duration_seconds",
			Help:    "Postgres dedup lookup latency",
			Buckets: latencyBuckets,
		}),

		HeightGaps: f.NewCounter(prometheus.CounterOpts{
			Name: "peg_block_height_gaps_total",
			Help: "Blocks arriving ahead of the expected height",
		}),

		HeightOutOfOrder: f.NewCounter(prometheus.CounterOpts{
			Name: "peg_block_height_stale_total",
			Help: "Blocks arriving at or below the head height",
		}),

		// Persistence
		PersistBlocksWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "peg_persist_blocks_written_total",
			Help: "Blocks written to Postgres",
		}),

		PersistJournalsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "peg_persist_journals_written_total",
			Help: "Journal entries written to Postgres",
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "peg_persist_batch_size",
			Help:    "Blocks per batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "peg_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "peg_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastHeight: f.NewGauge(prometheus.GaugeOpts{
			Name: "peg_persist_last_height",
			Help: "Last persisted block height",
		}),

		// Snapshot
		SnapshotTaken: f.NewCounterVec(prometheus.CounterOpts{
			Name: "peg_snapshot_taken_total",
			Help: "Snapshots created",
		}, []string{"backend"}),

		SnapshotDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "peg_snapshot_duration_seconds",
			Help:    "Snapshot creation time",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1.0, 5.0, 10.0},
		}),

		SnapshotSizeBytes: f.NewGauge(prometheus.GaugeOpts{
			Name: "peg_snapshot_size_bytes",
			Help: "Last snapshot size",
		}),

		SnapshotLastHeight: f.NewGauge(prometheus.GaugeOpts{
			Name: "peg_snapshot_last_height",
			Help: "Height of the last snapshot",
		}),

		ReplayBlocksTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "peg_replay_blocks_total",
			Help: "Blocks replayed on startup",
		}),

		ReplayDuration: f.NewGauge(prometheus.GaugeOpts{
			Name: "peg_replay_duration_seconds",
			Help: "Total replay time",
		}),

		// Query API
		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "peg_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "peg_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),

		QueryErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "peg_query_errors_total",
			Help: "Query errors",
		}, []string{"endpoint", "code"}),

		QueryCacheHits: f.NewCounterVec(prometheus.CounterOpts{
			Name: "peg_query_cache_total",
			Help: "Redis cache lookups by result",
		}, []string{"result"}),
	}
}

// SetChannelMetrics updates channel utilization metrics.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
	if capacity > 0 {
		m.ChannelUtilization.WithLabelValues(name).Set(float64(size) / float64(capacity))
	}
}
