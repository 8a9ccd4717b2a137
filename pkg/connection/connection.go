package connection

import (
	"context"
	"net/http"
	"time"

	"github.com/jamalex/notion-py/internal/codec"
	"github.com/jamalex/notion-py/pkg/logger"
	"github.com/jamalex/notion-py/pkg/metrics"
)

// Connection posts a payload to a named API endpoint and returns the raw
// response body. Implementations report 4xx, 5xx and network failures as
// *ClientError, *ServerError and *TransportError.
type Connection interface {
	Post(ctx context.Context, endpoint string, payload any) ([]byte, error)
	GetUnmarshaler() codec.Unmarshaler
	Close() error
}

type NewConnectionParams struct {
	BaseURL     string
	Marshaler   codec.Marshaler
	Unmarshaler codec.Unmarshaler
	Logger      logger.Logger
	Metrics     *metrics.Collector

	TokenV2    string
	ActiveUser string
	Timeout    time.Duration

	// Retryer defaults to NewExponentialBackoffRetryer.
	Retryer Retryer
	// Breaker is nil to disable the circuit breaker.
	Breaker *BreakerConfig

	HTTPClient *http.Client
}
