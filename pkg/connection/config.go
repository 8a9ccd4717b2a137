package connection

import (
	"github.com/jamalex/notion-py/internal/codec"
	"github.com/jamalex/notion-py/pkg/logger"
)

// NewConfig returns connection parameters for baseURL with the JSON codec,
// the default retry policy and the default circuit breaker.
func NewConfig(baseURL, tokenV2 string) NewConnectionParams {
	c := codec.JSON{}
	breaker := DefaultBreakerConfig()
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return NewConnectionParams{
		BaseURL:     baseURL,
		Marshaler:   c,
		Unmarshaler: c,
		Logger:      logger.Nop(),
		TokenV2:     tokenV2,
		Timeout:     DefaultTimeout,
		Retryer:     NewExponentialBackoffRetryer(),
		Breaker:     &breaker,
	}
}
