package connection

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
)

type RoundTripFunc func(req *http.Request) *http.Response

func (f RoundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req), nil
}

// NewTestClient returns *http.Client with Transport replaced to avoid making real calls
func NewTestClient(fn RoundTripFunc) *http.Client {
	return &http.Client{
		Transport: fn,
	}
}

type failingTransport struct {
	calls atomic.Int32
}

func (f *failingTransport) RoundTrip(*http.Request) (*http.Response, error) {
	f.calls.Add(1)
	return nil, errors.New("connection refused")
}

func response(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(bytes.NewReader([]byte(body))),
		// Must be set to non-nil value or it panics
		Header: make(http.Header),
	}
}

type HTTPTestSuite struct {
	suite.Suite
	ctx context.Context
}

func TestHttpTestSuite(t *testing.T) {
	suite.Run(t, new(HTTPTestSuite))
}

func (s *HTTPTestSuite) SetupTest() {
	s.ctx = context.Background()
}

func (s *HTTPTestSuite) newConnection(client *http.Client, retryer Retryer) *HTTPConnection {
	p := NewConfig("http://test.notion/", "secret-token")
	p.Retryer = retryer
	p.ActiveUser = "user-1"
	return NewHTTPConnection(p).SetHTTPClient(client)
}

func (s *HTTPTestSuite) TestPostSendsAuthAndReturnsBody() {
	client := NewTestClient(func(req *http.Request) *http.Response {
		s.Equal("http://test.notion/api/v3/loadUserContent", req.URL.String())
		s.Equal(http.MethodPost, req.Method)

		cookie, err := req.Cookie(TokenCookie)
		s.Require().NoError(err)
		s.Equal("secret-token", cookie.Value)
		s.Equal("user-1", req.Header.Get(ActiveUserHeader))

		body, _ := io.ReadAll(req.Body)
		s.JSONEq(`{"a":1}`, string(body))
		return response(http.StatusOK, `{"recordMap":{}}`)
	})

	data, err := s.newConnection(client, NoRetry{}).Post(s.ctx, "loadUserContent", map[string]int{"a": 1})
	s.Require().NoError(err)
	s.JSONEq(`{"recordMap":{}}`, string(data))
}

func (s *HTTPTestSuite) TestClientErrorCarriesMessageAndIsNotRetried() {
	var calls int
	client := NewTestClient(func(req *http.Request) *http.Response {
		calls++
		return response(http.StatusBadRequest, `{"errorId":"x","name":"ValidationError","message":"Invalid input."}`)
	})

	_, err := s.newConnection(client, NewFixedDelayRetryer(time.Millisecond, 3)).Post(s.ctx, "submitTransaction", struct{}{})
	s.Require().Error(err)

	var ce *ClientError
	s.Require().ErrorAs(err, &ce)
	s.Equal(http.StatusBadRequest, ce.StatusCode)
	s.Equal("Invalid input.", ce.Message)
	s.Contains(err.Error(), "Invalid input.")
	s.Equal(1, calls)
	s.False(IsRetryable(err))
}

func (s *HTTPTestSuite) TestGatewayErrorsAreRetried() {
	var calls int
	client := NewTestClient(func(req *http.Request) *http.Response {
		calls++
		if calls < 3 {
			return response(http.StatusBadGateway, ``)
		}
		return response(http.StatusOK, `{}`)
	})

	_, err := s.newConnection(client, NewFixedDelayRetryer(time.Millisecond, 5)).Post(s.ctx, "getRecordValues", struct{}{})
	s.Require().NoError(err)
	s.Equal(3, calls)
}

func (s *HTTPTestSuite) TestInternalServerErrorIsNotRetried() {
	var calls int
	client := NewTestClient(func(req *http.Request) *http.Response {
		calls++
		return response(http.StatusInternalServerError, `{"message":"oops"}`)
	})

	_, err := s.newConnection(client, NewFixedDelayRetryer(time.Millisecond, 5)).Post(s.ctx, "getRecordValues", struct{}{})
	s.True(IsServerError(err))
	s.Equal(1, calls)
}

func (s *HTTPTestSuite) TestRetriesExhausted() {
	transport := &failingTransport{}
	conn := s.newConnection(&http.Client{Transport: transport}, NewFixedDelayRetryer(time.Millisecond, 2))

	_, err := conn.Post(s.ctx, "loadPageChunk", struct{}{})
	s.True(IsTransportError(err))
	s.Equal(int32(3), transport.calls.Load())
}

func (s *HTTPTestSuite) TestCancelledContextStopsRetrying() {
	transport := &failingTransport{}
	conn := s.newConnection(&http.Client{Transport: transport}, NewFixedDelayRetryer(time.Hour, 0))

	ctx, cancel := context.WithTimeout(s.ctx, 20*time.Millisecond)
	defer cancel()
	_, err := conn.Post(ctx, "loadPageChunk", struct{}{})

	var te *TransportError
	s.Require().ErrorAs(err, &te)
	s.True(te.Timeout())
}

func (s *HTTPTestSuite) TestBreakerOpensAfterFailures() {
	transport := &failingTransport{}
	p := NewConfig("http://test.notion", "")
	p.Retryer = NoRetry{}
	p.Breaker = &BreakerConfig{Name: "test", MaxRequests: 1, Interval: time.Minute, Timeout: time.Minute, FailureThreshold: 0.5, MinRequests: 2}
	conn := NewHTTPConnection(p).SetHTTPClient(&http.Client{Transport: transport})

	for i := 0; i < 2; i++ {
		_, err := conn.Post(s.ctx, "search", struct{}{})
		s.Error(err)
	}
	_, err := conn.Post(s.ctx, "search", struct{}{})

	var te *TransportError
	s.Require().ErrorAs(err, &te)
	s.True(te.BreakerOpen())
	s.Equal(int32(2), transport.calls.Load())
}

func (s *HTTPTestSuite) TestClientErrorsDoNotTripBreaker() {
	var calls int
	client := NewTestClient(func(req *http.Request) *http.Response {
		calls++
		return response(http.StatusNotFound, `{}`)
	})
	p := NewConfig("http://test.notion", "")
	p.Retryer = NoRetry{}
	p.Breaker = &BreakerConfig{Name: "test", MaxRequests: 1, Interval: time.Minute, Timeout: time.Minute, FailureThreshold: 0.5, MinRequests: 2}
	conn := NewHTTPConnection(p).SetHTTPClient(client)

	for i := 0; i < 5; i++ {
		_, err := conn.Post(s.ctx, "search", struct{}{})
		s.True(IsClientError(err))
	}
	s.Equal(5, calls)
}

func (s *HTTPTestSuite) TestSendDecodes() {
	client := NewTestClient(func(req *http.Request) *http.Response {
		return response(http.StatusOK, `{"results":[{"role":"editor"}]}`)
	})

	type result struct {
		Results []struct {
			Role string `json:"role"`
		} `json:"results"`
	}
	res, err := Send[result](s.ctx, s.newConnection(client, NoRetry{}), "getRecordValues", struct{}{})
	s.Require().NoError(err)
	s.Equal("editor", res.Results[0].Role)
}

func (s *HTTPTestSuite) TestSetActiveUser() {
	conn := s.newConnection(NewTestClient(func(req *http.Request) *http.Response {
		s.Empty(req.Header.Get(ActiveUserHeader))
		return response(http.StatusOK, `{}`)
	}), NoRetry{})
	s.Equal("user-1", conn.ActiveUser())

	conn.SetActiveUser("")
	_, err := conn.Post(s.ctx, "search", struct{}{})
	s.NoError(err)
}
