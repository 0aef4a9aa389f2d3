package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/maxpert/servicebus-go/interfaces"
	"github.com/maxpert/servicebus-go/model"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "servicebus"

var _ interfaces.Recorder = (*Collector)(nil)

// Collector holds all Prometheus metrics for the broker and implements
// interfaces.Recorder. Each collector owns its registry, so several can
// live in one process.
type Collector struct {
	registry *prometheus.Registry

	// Message metrics
	MessagesSent         *prometheus.CounterVec
	MessagesReceived     *prometheus.CounterVec
	MessagesSettled      *prometheus.CounterVec
	MessagesDeadLettered *prometheus.CounterVec
	MessagesExpired      *prometheus.CounterVec

	// Entity metrics
	Entities       *prometheus.GaugeVec
	EntityMessages *prometheus.GaugeVec
	EntityBytes    *prometheus.GaugeVec

	// Persistence metrics
	JournalAppends        *prometheus.CounterVec
	JournalAppendDuration *prometheus.HistogramVec
	Snapshots             *prometheus.CounterVec
	SnapshotDuration      prometheus.Histogram

	// Server metrics
	ServerUptime prometheus.Gauge
}

// NewCollector creates a collector with its own registry. Go runtime and
// process collectors are registered alongside the broker metrics.
func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,

		MessagesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Messages admitted per entity",
		}, []string{"entity"}),
		MessagesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Messages handed to receivers per entity and receive mode",
		}, []string{"entity", "mode"}),
		MessagesSettled: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_settled_total",
			Help:      "Lock settlements per entity and outcome",
		}, []string{"entity", "outcome"}),
		MessagesDeadLettered: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_deadlettered_total",
			Help:      "Messages moved to a dead-letter queue per entity and reason",
		}, []string{"entity", "reason"}),
		MessagesExpired: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_expired_total",
			Help:      "Messages whose time to live elapsed per entity",
		}, []string{"entity"}),

		Entities: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "entities",
			Help:      "Current number of entities per kind",
		}, []string{"kind"}),
		EntityMessages: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "entity_messages",
			Help:      "Messages held per entity and state, as of the last sweep",
		}, []string{"entity", "state"}),
		EntityBytes: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "entity_size_bytes",
			Help:      "Estimated bytes held per entity, as of the last sweep",
		}, []string{"entity"}),

		JournalAppends: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "journal_appends_total",
			Help:      "Journal appends per operation and result",
		}, []string{"op", "result"}),
		JournalAppendDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "journal_append_duration_seconds",
			Help:      "Latency of journal appends",
			Buckets:   prometheus.ExponentialBuckets(0.00005, 4, 10),
		}, []string{"op"}),
		Snapshots: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_total",
			Help:      "Snapshots written per result",
		}, []string{"result"}),
		SnapshotDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "snapshot_duration_seconds",
			Help:      "Time taken to capture and write a snapshot",
			Buckets:   prometheus.DefBuckets,
		}),

		ServerUptime: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "server_uptime_seconds",
			Help:      "Server uptime in seconds",
		}),
	}
}

// Registry returns the registry the collector registered with.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// RecordSent counts admitted messages.
func (c *Collector) RecordSent(path string, count int) {
	c.MessagesSent.WithLabelValues(path).Add(float64(count))
}

// RecordReceived counts delivered messages.
func (c *Collector) RecordReceived(path string, mode model.ReceiveMode, count int) {
	c.MessagesReceived.WithLabelValues(path, mode.String()).Add(float64(count))
}

// RecordSettled counts one settlement.
func (c *Collector) RecordSettled(path, outcome string) {
	c.MessagesSettled.WithLabelValues(path, outcome).Inc()
}

// RecordDeadLettered counts dead-lettered messages.
func (c *Collector) RecordDeadLettered(path, reason string, count int) {
	c.MessagesDeadLettered.WithLabelValues(path, reason).Add(float64(count))
}

// RecordExpired counts messages removed by TTL.
func (c *Collector) RecordExpired(path string, count int) {
	c.MessagesExpired.WithLabelValues(path).Add(float64(count))
}

// RecordJournalAppend observes one append.
func (c *Collector) RecordJournalAppend(op model.OpKind, duration time.Duration, err error) {
	c.JournalAppends.WithLabelValues(op.String(), result(err)).Inc()
	if err == nil {
		c.JournalAppendDuration.WithLabelValues(op.String()).Observe(duration.Seconds())
	}
}

// RecordSnapshot observes one snapshot attempt.
func (c *Collector) RecordSnapshot(duration time.Duration, err error) {
	c.Snapshots.WithLabelValues(result(err)).Inc()
	if err == nil {
		c.SnapshotDuration.Observe(duration.Seconds())
	}
}

// SetEntityCount sets the gauge of one entity kind.
func (c *Collector) SetEntityCount(kind model.EntityKind, count int) {
	c.Entities.WithLabelValues(kind.String()).Set(float64(count))
}

// SetMessageCounts updates the per-state gauges of an entity.
func (c *Collector) SetMessageCounts(path string, counts model.EntityCounts) {
	c.EntityMessages.WithLabelValues(path, "active").Set(float64(counts.Active))
	c.EntityMessages.WithLabelValues(path, "scheduled").Set(float64(counts.Scheduled))
	c.EntityMessages.WithLabelValues(path, "deferred").Set(float64(counts.Deferred))
	c.EntityMessages.WithLabelValues(path, "locked").Set(float64(counts.Locked))
	c.EntityMessages.WithLabelValues(path, "deadletter").Set(float64(counts.DeadLetter))
	c.EntityBytes.WithLabelValues(path).Set(float64(counts.SizeBytes))
}

// ForgetEntity removes every series labelled with a deleted entity.
func (c *Collector) ForgetEntity(path string) {
	labels := prometheus.Labels{"entity": path}
	c.MessagesSent.DeletePartialMatch(labels)
	c.MessagesReceived.DeletePartialMatch(labels)
	c.MessagesSettled.DeletePartialMatch(labels)
	c.MessagesDeadLettered.DeletePartialMatch(labels)
	c.MessagesExpired.DeletePartialMatch(labels)
	c.EntityMessages.DeletePartialMatch(labels)
	c.EntityBytes.DeletePartialMatch(labels)
}

// UpdateServerUptime updates the server uptime metric
func (c *Collector) UpdateServerUptime(seconds float64) {
	c.ServerUptime.Set(seconds)
}
