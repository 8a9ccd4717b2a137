// Package metrics exposes Prometheus counters for the record cache, the
// transaction coordinator and the change listener. Every method is safe on
// a nil *Collector, which records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const Namespace = "notion"

// Collector holds the client's metrics on its own registry so several
// clients in one process do not collide.
type Collector struct {
	registry *prometheus.Registry

	CacheHits          prometheus.Counter
	CacheMisses        prometheus.Counter
	Fetches            *prometheus.CounterVec
	RecordsIngested    *prometheus.CounterVec
	CallbacksFired     prometheus.Counter
	CallbackPanics     prometheus.Counter
	Transactions       *prometheus.CounterVec
	OperationsSent     prometheus.Counter
	Notifications      *prometheus.CounterVec
	ListenerReconnects prometheus.Counter
	RequestDuration    *prometheus.HistogramVec
}

func NewCollector(namespace string) *Collector {
	if namespace == "" {
		namespace = Namespace
	}
	registry := prometheus.NewRegistry()

	c := &Collector{
		registry: registry,
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Record reads served from the local cache",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_misses_total",
			Help:      "Record reads that required a fetch",
		}),
		Fetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetches_total",
			Help:      "Refresh round trips issued by the record store",
		}, []string{"endpoint"}),
		RecordsIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_ingested_total",
			Help:      "Record snapshots written into the cache",
		}, []string{"table"}),
		CallbacksFired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "callbacks_fired_total",
			Help:      "Change callbacks dispatched",
		}),
		CallbackPanics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "callback_panics_total",
			Help:      "Change callbacks that panicked",
		}),
		Transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_total",
			Help:      "Transactions by outcome",
		}, []string{"outcome"}),
		OperationsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_submitted_total",
			Help:      "Operations sent to submitTransaction",
		}),
		Notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Push notifications by result",
		}, []string{"result"}),
		ListenerReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "listener_reconnects_total",
			Help:      "Listener reconnect cycles",
		}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "API request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"endpoint"}),
	}

	registry.MustRegister(
		c.CacheHits,
		c.CacheMisses,
		c.Fetches,
		c.RecordsIngested,
		c.CallbacksFired,
		c.CallbackPanics,
		c.Transactions,
		c.OperationsSent,
		c.Notifications,
		c.ListenerReconnects,
		c.RequestDuration,
	)
	return c
}

// Registry returns the registry for exposition.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

func (c *Collector) CacheHit() {
	if c == nil {
		return
	}
	c.CacheHits.Inc()
}

func (c *Collector) CacheMiss() {
	if c == nil {
		return
	}
	c.CacheMisses.Inc()
}

func (c *Collector) Fetch(endpoint string) {
	if c == nil {
		return
	}
	c.Fetches.WithLabelValues(endpoint).Inc()
}

func (c *Collector) Ingested(table string) {
	if c == nil {
		return
	}
	c.RecordsIngested.WithLabelValues(table).Inc()
}

func (c *Collector) CallbackFired() {
	if c == nil {
		return
	}
	c.CallbacksFired.Inc()
}

func (c *Collector) CallbackPanicked() {
	if c == nil {
		return
	}
	c.CallbackPanics.Inc()
}

// Transaction outcomes.
const (
	OutcomeCommitted = "committed"
	OutcomeAborted   = "aborted"
	OutcomeFailed    = "failed"
)

func (c *Collector) Transaction(outcome string, ops int) {
	if c == nil {
		return
	}
	c.Transactions.WithLabelValues(outcome).Inc()
	if outcome == OutcomeCommitted {
		c.OperationsSent.Add(float64(ops))
	}
}

// Notification results.
const (
	NotificationRefresh   = "refresh"
	NotificationStale     = "stale"
	NotificationMalformed = "malformed"
)

func (c *Collector) Notification(result string) {
	if c == nil {
		return
	}
	c.Notifications.WithLabelValues(result).Inc()
}

func (c *Collector) Reconnect() {
	if c == nil {
		return
	}
	c.ListenerReconnects.Inc()
}

func (c *Collector) ObserveRequest(endpoint string, d time.Duration) {
	if c == nil {
		return
	}
	c.RequestDuration.WithLabelValues(endpoint).Observe(d.Seconds())
}
