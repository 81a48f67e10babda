package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the engine.
type Metrics struct {
	// --- Core processing ---
	CoreEventsApplied  *prometheus.CounterVec
	CoreEventsRejected *prometheus.CounterVec
	CoreEventDuration  *prometheus.HistogramVec
	CoreJournals       *prometheus.CounterVec
	CoreSequence       prometheus.Gauge
	CoreHalted         prometheus.Gauge

	// --- Sequencing ---
	EventDuplicates  prometheus.Counter
	EventSequenceGap prometheus.Counter
	GapRecoveryLoads *prometheus.CounterVec
	ReplayedEvents   prometheus.Counter

	// --- Matching ---
	Fills         *prometheus.CounterVec
	FilledVolume  prometheus.Counter
	MarketPrice   prometheus.Gauge
	RestingOrders *prometheus.GaugeVec

	// --- Channels ---
	ChannelSize        *prometheus.GaugeVec
	ChannelCapacity    *prometheus.GaugeVec
	ChannelUtilization *prometheus.GaugeVec
	PublishDrops       prometheus.Counter

	// --- Ingestion / publishing ---
	IngestParseErrors  *prometheus.CounterVec
	IngestAppendErrors prometheus.Counter
	PublishErrors      prometheus.Counter

	// --- Persistence ---
	PersistEventsWritten prometheus.Counter
	PersistFillsWritten  prometheus.Counter
	PersistBatchDur      prometheus.Histogram
	PersistBatchSize     prometheus.Histogram
	PersistErrors        *prometheus.CounterVec
	PersistLastSequence  prometheus.Gauge

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
}

// NewMetrics creates the metrics and registers them with reg. Pass
// prometheus.DefaultRegisterer in the binary and a fresh registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		// Core processing
		CoreEventsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "spot_core_events_applied_total",
			Help: "Events applied by the sequencer, by outcome",
		}, []string{"event_type", "outcome"}),

		CoreEventsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "spot_core_events_rejected_total",
			Help: "Events refused for a business reason",
		}, []string{"event_type", "reason"}),

		CoreEventDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "spot_core_event_apply_duration_seconds",
			Help:    "Time to apply a single event",
			Buckets: latencyBuckets,
		}, []string{"event_type"}),

		CoreJournals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "spot_core_journals_total",
			Help: "Ledger transfers recorded",
		}, []string{"transfer_type"}),

		CoreSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "spot_core_sequence",
			Help: "Last applied sequence id",
		}),

		CoreHalted: f.NewGauge(prometheus.GaugeOpts{
			Name: "spot_core_halted",
			Help: "1 once the sequencer has entered the fatal state",
		}),

		// Sequencing
		EventDuplicates: f.NewCounter(prometheus.CounterOpts{
			Name: "spot_event_duplicates_total",
			Help: "Events ignored because their sequence id was already applied",
		}),

		EventSequenceGap: f.NewCounter(prometheus.CounterOpts{
			Name: "spot_event_sequence_gap_total",
			Help: "Events whose previous id was ahead of the last applied sequence",
		}),

		GapRecoveryLoads: f.NewCounterVec(prometheus.CounterOpts{
			Name: "spot_gap_recovery_loads_total",
			Help: "Event log loads triggered by a gap, by result",
		}, []string{"result"}),

		ReplayedEvents: f.NewCounter(prometheus.CounterOpts{
			Name: "spot_replayed_events_total",
			Help: "Events loaded from the event log and re-applied",
		}),

		// Matching
		Fills: f.NewCounterVec(prometheus.CounterOpts{
			Name: "spot_fills_total",
			Help: "Trades executed, by taker direction",
		}, []string{"taker_direction"}),

		FilledVolume: f.NewCounter(prometheus.CounterOpts{
			Name: "spot_filled_base_volume_total",
			Help: "Base asset quantity traded",
		}),

		MarketPrice: f.NewGauge(prometheus.GaugeOpts{
			Name: "spot_market_price",
			Help: "Price of the last trade",
		}),

		RestingOrders: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "spot_resting_orders",
			Help: "Orders resting in the book",
		}, []string{"direction"}),

		// Channels
		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "spot_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "spot_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		ChannelUtilization: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "spot_channel_utilization",
			Help: "Channel size / capacity (0.0-1.0)",
		}, []string{"name"}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "spot_publish_drops_total",
			Help: "Outputs dropped due to full publish channel",
		}),

		// Ingestion / publishing
		IngestParseErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "spot_ingest_parse_errors_total",
			Help: "Inbound messages that failed to parse or validate",
		}, []string{"subject"}),

		IngestAppendErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "spot_ingest_append_errors_total",
			Help: "Failed attempts to append an inbound event to the event log",
		}),

		PublishErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "spot_publish_errors_total",
			Help: "Outbound result publishes that failed",
		}),

		// Persistence
		PersistEventsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "spot_persist_events_written_total",
			Help: "Applied events written to Postgres",
		}),

		PersistFillsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "spot_persist_fills_written_total",
			Help: "Fills written to Postgres",
		}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "spot_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "spot_persist_batch_size",
			Help:    "Events per persistence batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "spot_persist_errors_total",
			Help: "Persistence failures by stage",
		}, []string{"stage"}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "spot_persist_last_sequence",
			Help: "Highest sequence committed to Postgres",
		}),

		// Query API
		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "spot_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "spot_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),
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
