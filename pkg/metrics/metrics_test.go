package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	require.NotPanics(t, func() {
		c.CacheHit()
		c.CacheMiss()
		c.Fetch("loadPageChunk")
		c.Ingested("block")
		c.CallbackFired()
		c.CallbackPanicked()
		c.Transaction(OutcomeCommitted, 3)
		c.Notification(NotificationStale)
		c.Reconnect()
		c.ObserveRequest("search", time.Second)
	})
	assert.Nil(t, c.Registry())
}

func TestCounters(t *testing.T) {
	c := NewCollector("")

	c.CacheHit()
	c.CacheHit()
	c.CacheMiss()
	c.Fetch("getRecordValues")
	c.Transaction(OutcomeCommitted, 3)
	c.Transaction(OutcomeAborted, 5)
	c.Notification(NotificationRefresh)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.CacheHits))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.CacheMisses))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Fetches.WithLabelValues("getRecordValues")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Transactions.WithLabelValues(OutcomeCommitted)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Transactions.WithLabelValues(OutcomeAborted)))
	assert.Equal(t, 3.0, testutil.ToFloat64(c.OperationsSent))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.Notifications.WithLabelValues(NotificationRefresh)))
}

func TestSeparateRegistries(t *testing.T) {
	a := NewCollector("a")
	b := NewCollector("a")
	a.CacheHit()

	assert.Equal(t, 1.0, testutil.ToFloat64(a.CacheHits))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.CacheHits))

	n, err := testutil.GatherAndCount(a.Registry(), "a_cache_hits_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
