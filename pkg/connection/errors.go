package connection

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/buger/jsonparser"
	"github.com/sony/gobreaker"
)

// ClientError is a 4xx response. It is never retried.
type ClientError struct {
	Endpoint   string
	StatusCode int
	// Message is the server supplied explanation, when the body carried one.
	Message string
	Body    []byte
}

func (e *ClientError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %d %s: %s", e.Endpoint, e.StatusCode, http.StatusText(e.StatusCode), e.Message)
	}
	return fmt.Sprintf("%s: %d %s", e.Endpoint, e.StatusCode, http.StatusText(e.StatusCode))
}

// ServerError is a 5xx response.
type ServerError struct {
	Endpoint   string
	StatusCode int
	Message    string
}

func (e *ServerError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %d %s: %s", e.Endpoint, e.StatusCode, http.StatusText(e.StatusCode), e.Message)
	}
	return fmt.Sprintf("%s: %d %s", e.Endpoint, e.StatusCode, http.StatusText(e.StatusCode))
}

// TransportError is a failure below HTTP: connection errors, timeouts,
// cancellation, or an open circuit breaker.
type TransportError struct {
	Endpoint string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Endpoint, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Timeout reports whether the request ran out of time.
func (e *TransportError) Timeout() bool {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(e.Err, &ne) && ne.Timeout()
}

// BreakerOpen reports whether the request was refused by the circuit
// breaker without reaching the server.
func (e *TransportError) BreakerOpen() bool {
	return errors.Is(e.Err, gobreaker.ErrOpenState) || errors.Is(e.Err, gobreaker.ErrTooManyRequests)
}

func IsClientError(err error) bool {
	var ce *ClientError
	return errors.As(err, &ce)
}

func IsServerError(err error) bool {
	var se *ServerError
	return errors.As(err, &se)
}

func IsTransportError(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsRetryable reports whether err is worth another attempt: gateway errors
// and network failures, but not cancellation or an open breaker.
func IsRetryable(err error) bool {
	var se *ServerError
	if errors.As(err, &se) {
		switch se.StatusCode {
		case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		}
		return false
	}
	var te *TransportError
	if errors.As(err, &te) {
		if te.BreakerOpen() || errors.Is(te.Err, context.Canceled) || errors.Is(te.Err, context.DeadlineExceeded) {
			return false
		}
		return true
	}
	return false
}

// errorMessage pulls a human readable message out of an error body without
// decoding the whole document.
func errorMessage(body []byte) string {
	for _, key := range []string{"message", "name", "errorId"} {
		if msg, err := jsonparser.GetString(body, key); err == nil && msg != "" {
			return msg
		}
	}
	return ""
}
