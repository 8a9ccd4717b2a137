package connection

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jamalex/notion-py/internal/codec"
	"github.com/jamalex/notion-py/pkg/constants"
	"github.com/jamalex/notion-py/pkg/logger"
	"github.com/jamalex/notion-py/pkg/metrics"
	"github.com/sony/gobreaker"
)

type HTTPConnection struct {
	baseURL     string
	marshaler   codec.Marshaler
	unmarshaler codec.Unmarshaler
	logger      logger.Logger
	metrics     *metrics.Collector

	httpClient *http.Client
	retryer    Retryer
	breaker    *gobreaker.CircuitBreaker
	variables  sync.Map
}

var _ Connection = (*HTTPConnection)(nil)

func NewHTTPConnection(p NewConnectionParams) *HTTPConnection {
	con := HTTPConnection{
		baseURL:     strings.TrimRight(p.BaseURL, "/"),
		marshaler:   p.Marshaler,
		unmarshaler: p.Unmarshaler,
		logger:      p.Logger,
		metrics:     p.Metrics,
		httpClient:  p.HTTPClient,
		retryer:     p.Retryer,
	}
	if con.marshaler == nil {
		con.marshaler = codec.JSON{}
	}
	if con.unmarshaler == nil {
		con.unmarshaler = codec.JSON{}
	}
	if con.logger == nil {
		con.logger = logger.Nop()
	}
	if con.retryer == nil {
		con.retryer = NewExponentialBackoffRetryer()
	}
	if con.httpClient == nil {
		timeout := p.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		con.httpClient = &http.Client{Timeout: timeout}
	}
	if p.Breaker != nil {
		con.breaker = newBreaker(*p.Breaker, con.logger)
	}
	if p.TokenV2 != "" {
		con.variables.Store(tokenKey, p.TokenV2)
	}
	if p.ActiveUser != "" {
		con.variables.Store(activeUserKey, p.ActiveUser)
	}
	return &con
}

func (h *HTTPConnection) SetTimeout(timeout time.Duration) *HTTPConnection {
	h.httpClient.Timeout = timeout
	return h
}

func (h *HTTPConnection) SetHTTPClient(client *http.Client) *HTTPConnection {
	h.httpClient = client
	return h
}

// SetActiveUser selects which of the token's users requests act as.
func (h *HTTPConnection) SetActiveUser(userID string) {
	if userID == "" {
		h.variables.Delete(activeUserKey)
		return
	}
	h.variables.Store(activeUserKey, userID)
}

func (h *HTTPConnection) ActiveUser() string {
	if v, ok := h.variables.Load(activeUserKey); ok {
		return v.(string)
	}
	return ""
}

func (h *HTTPConnection) GetUnmarshaler() codec.Unmarshaler {
	return h.unmarshaler
}

func (h *HTTPConnection) Close() error {
	h.httpClient.CloseIdleConnections()
	return nil
}

// Post sends payload to endpoint, retrying gateway errors and network
// failures according to the Retryer. Client errors return at once.
func (h *HTTPConnection) Post(ctx context.Context, endpoint string, payload any) ([]byte, error) {
	if h.baseURL == "" {
		return nil, constants.ErrNoBaseURL
	}

	body, err := h.marshaler.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%s: encode request: %w", endpoint, err)
	}

	for attempt := 0; ; attempt++ {
		data, err := h.execute(ctx, endpoint, body)
		if err == nil {
			h.retryer.Reset()
			return data, nil
		}
		if !IsRetryable(err) {
			return nil, err
		}
		delay, ok := h.retryer.NextDelay(attempt, err)
		if !ok {
			return nil, err
		}
		h.logger.Warn("retrying request", "endpoint", endpoint, "attempt", attempt+1, "delay", delay.String(), "error", err)
		if serr := Sleep(ctx, delay); serr != nil {
			return nil, &TransportError{Endpoint: endpoint, Err: serr}
		}
	}
}

func (h *HTTPConnection) execute(ctx context.Context, endpoint string, body []byte) ([]byte, error) {
	if h.breaker == nil {
		return h.MakeRequest(ctx, endpoint, body)
	}
	res, err := h.breaker.Execute(func() (any, error) {
		return h.MakeRequest(ctx, endpoint, body)
	})
	if err != nil {
		if IsClientError(err) || IsServerError(err) || IsTransportError(err) {
			return nil, err
		}
		return nil, &TransportError{Endpoint: endpoint, Err: err}
	}
	return res.([]byte), nil
}

// MakeRequest performs one POST without retries.
func (h *HTTPConnection) MakeRequest(ctx context.Context, endpoint string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.baseURL+APIPath+endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &TransportError{Endpoint: endpoint, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if token, ok := h.variables.Load(tokenKey); ok {
		req.AddCookie(&http.Cookie{Name: TokenCookie, Value: token.(string)})
	}
	if user, ok := h.variables.Load(activeUserKey); ok {
		req.Header.Set(ActiveUserHeader, user.(string))
	}

	start := time.Now()
	resp, err := h.httpClient.Do(req)
	h.metrics.ObserveRequest(endpoint, time.Since(start))
	if err != nil {
		return nil, &TransportError{Endpoint: endpoint, Err: err}
	}
	defer resp.Body.Close()

	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Endpoint: endpoint, Err: err}
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return respBytes, nil
	case resp.StatusCode >= 500:
		return nil, &ServerError{Endpoint: endpoint, StatusCode: resp.StatusCode, Message: errorMessage(respBytes)}
	default:
		ce := &ClientError{Endpoint: endpoint, StatusCode: resp.StatusCode, Message: errorMessage(respBytes), Body: respBytes}
		h.logger.Error("request rejected", "endpoint", endpoint, "status", resp.StatusCode, "message", ce.Message)
		return nil, ce
	}
}
