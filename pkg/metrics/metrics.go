package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// TicksIngested counts ticks accepted from venues, per venue and instrument.
var TicksIngested = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "marketpipe_ticks_ingested_total",
		Help: "Total ticks accepted from venue connectors",
	},
	[]string{"venue", "instrument"},
)

// TicksDropped counts ticks discarded before aggregation, by reason
// (malformed, out_of_order, duplicate).
var TicksDropped = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "marketpipe_ticks_dropped_total",
		Help: "Total ticks dropped before window aggregation",
	},
	[]string{"venue", "reason"},
)

// Venue connection health
var (
	VenueReconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketpipe_venue_reconnects_total",
			Help: "Reconnection attempts per venue",
		},
		[]string{"venue"},
	)

	VenueConnected = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "marketpipe_venue_connected",
			Help: "1 when the venue session is streaming, 0 otherwise",
		},
		[]string{"venue"},
	)
)

// Publisher queue and backpressure
var (
	PublishQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "marketpipe_publish_queue_depth",
			Help: "Ticks buffered in the publisher awaiting log append",
		},
	)

	PublishBackpressure = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "marketpipe_publish_backpressure_total",
			Help: "Times the publish gate closed on a full queue",
		},
	)

	PublishRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "marketpipe_publish_retries_total",
			Help: "Event log append retries after broker errors",
		},
	)
)

// IndicatorsComputed counts indicator publications per kind.
var IndicatorsComputed = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "marketpipe_indicators_computed_total",
		Help: "Indicator values computed and published",
	},
	[]string{"kind"},
)

// Result cache effectiveness
var (
	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marketpipe_cache_hits_total",
			Help: "Result cache hits by tier (l1, l2)",
		},
		[]string{"tier"},
	)

	CacheMisses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "marketpipe_cache_misses_total",
			Help: "Result cache misses across both tiers",
		},
	)

	CacheStale = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "marketpipe_cache_stale_total",
			Help: "Cache reads that returned a value past its TTL",
		},
	)
)

// IngestGap gauges the latest observed gap between consecutive ticks of
// an instrument, in seconds. Windows never interpolate across gaps; this
// is the operator's visibility into them.
var IngestGap = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "marketpipe_ingest_gap_seconds",
		Help: "Latest inter-tick gap exceeding the configured log interval",
	},
	[]string{"instrument"},
)

// QueryLatency records facade request latency distribution.
var QueryLatency = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "marketpipe_query_latency_seconds",
		Help:    "Latency in seconds to answer indicator queries",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"kind", "outcome"},
)

// PushClients gauges connected websocket subscribers.
var PushClients = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "marketpipe_push_clients",
		Help: "Currently connected push channel clients",
	},
)

func init() {
	prometheus.MustRegister(TicksIngested, TicksDropped)
	prometheus.MustRegister(VenueReconnects, VenueConnected)
	prometheus.MustRegister(PublishQueueDepth, PublishBackpressure, PublishRetries)
	prometheus.MustRegister(IndicatorsComputed, IngestGap)
	prometheus.MustRegister(CacheHits, CacheMisses, CacheStale)
	prometheus.MustRegister(QueryLatency, PushClients)
}
