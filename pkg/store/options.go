package store

import (
	"github.com/jamalex/notion-py/pkg/logger"
	"github.com/jamalex/notion-py/pkg/metrics"
)

const DefaultPageChunkLimit = 100

type Option func(*Store)

func WithLogger(l logger.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithMetrics(m *metrics.Collector) Option {
	return func(s *Store) {
		s.metrics = m
	}
}

// WithPersister enables the on-disk snapshot cache. The snapshot is loaded
// when the store is built.
func WithPersister(p Persister) Option {
	return func(s *Store) {
		s.persister = p
	}
}

// WithVolatileFields replaces the keys ignored when diffing snapshots.
func WithVolatileFields(fields []string) Option {
	return func(s *Store) {
		s.ignore = make(map[string]struct{}, len(fields))
		for _, f := range fields {
			s.ignore[f] = struct{}{}
		}
	}
}

func WithPageChunkLimit(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.pageChunkLimit = n
		}
	}
}

// WithDeferrer routes refreshes requested during an open transaction to d.
func WithDeferrer(d Deferrer) Option {
	return func(s *Store) {
		s.deferrer = d
	}
}

type fetchConfig struct {
	force bool
}

// FetchOption tunes a refresh call.
type FetchOption func(*fetchConfig)

// Force ingests fetched snapshots even when their version is not newer
// than the cached one.
func Force() FetchOption {
	return func(c *fetchConfig) {
		c.force = true
	}
}

func newFetchConfig(opts []FetchOption) fetchConfig {
	var c fetchConfig
	for _, o := range opts {
		o(&c)
	}
	return c
}
