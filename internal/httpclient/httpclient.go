package httpclient

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gustycube/netenrich/internal/circuitbreaker"
)

// Default returns a pooled client for a single API backend. Per-call
// deadlines come from the request context; Timeout is only a backstop.
func Default() *http.Client {
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          256,
		MaxConnsPerHost:       64,
		MaxIdleConnsPerHost:   64,
		ResponseHeaderTimeout: 10 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{
		Transport: tr,
		Timeout:   30 * time.Second,
	}
}

// ResilientClient wraps http.Client with circuit breaker functionality
type ResilientClient struct {
	client  *http.Client
	breaker *circuitbreaker.CircuitBreaker
}

// NewResilientClient creates a client guarded by breaker. A nil breaker
// gets the default configuration with 5xx and transport errors as failures.
func NewResilientClient(client *http.Client, breaker *circuitbreaker.CircuitBreaker) *ResilientClient {
	if client == nil {
		client = Default()
	}
	if breaker == nil {
		cfg := circuitbreaker.DefaultConfig()
		cfg.IsFailure = IsServerFailure
		breaker = circuitbreaker.New(cfg)
	}
	return &ResilientClient{client: client, breaker: breaker}
}

// Do executes an HTTP request with circuit breaker protection. A 5xx
// response is drained, closed and returned as *HTTPError; 4xx responses
// are handed back to the caller untouched.
func (c *ResilientClient) Do(req *http.Request) (*http.Response, error) {
	var resp *http.Response
	err := c.breaker.Execute(func() error {
		var err error
		resp, err = c.client.Do(req)
		if err != nil {
			return err
		}
		if resp.StatusCode >= 500 {
			io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
			resp.Body.Close()
			herr := &HTTPError{StatusCode: resp.StatusCode, Status: resp.Status}
			resp = nil
			return herr
		}
		return nil
	})
	return resp, err
}

// GetWithContext performs a GET request with context and circuit breaker
func (c *ResilientClient) GetWithContext(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return c.Do(req)
}

// State reports the breaker state.
func (c *ResilientClient) State() circuitbreaker.State {
	return c.breaker.State()
}

// HTTPError represents an HTTP error response
type HTTPError struct {
	StatusCode int
	Status     string
}

func (e *HTTPError) Error() string {
	return e.Status
}

// GetHTTPStatusCode returns the HTTP status code from an HTTPError
func GetHTTPStatusCode(err error) int {
	var herr *HTTPError
	if errors.As(err, &herr) {
		return herr.StatusCode
	}
	return 0
}

// IsServerFailure counts transport errors and 5xx responses against the
// breaker. Client errors and caller cancellation do not.
func IsServerFailure(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if code := GetHTTPStatusCode(err); code != 0 {
		return code >= 500
	}
	return true
}
