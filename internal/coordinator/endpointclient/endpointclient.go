// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package endpointclient makes the outbound HTTP calls to user
// endpoints described in §6: preprocess and execute requests. It
// adapts pkg/httpclient (retry/logging transport, TLS defaults) and
// adds a per-endpoint-URL circuit breaker so a dead endpoint does not
// burn chunk after chunk, plus response-shape timeout classification
// (§4.C's "a response is a timeout").
package endpointclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/tombee/conductor/pkg/httpclient"
)

// ErrEndpointTimeout names the timeout classification (gateway timeout,
// 408, aborted stream). Call does not return it: it reports a timeout as
// a Response with Timeout set and a nil error.
var ErrEndpointTimeout = errors.New("endpointclient: endpoint call timed out")

// Response is the raw result of one endpoint HTTP call, before any
// response-body schema validation performed by the caller.
type Response struct {
	StatusCode int
	Body       []byte
	Headers    http.Header
	DurationMs int64
	// Timeout reports whether this response should be treated as a
	// timeout variant regardless of StatusCode (§4.C).
	Timeout bool
}

// Client performs calls against user endpoints.
type Client struct {
	httpClient *http.Client

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// Config configures the endpoint client's underlying transport.
type Config struct {
	UserAgent string
}

// New builds a Client. RetryAttempts is intentionally 0: retrying a
// POST to user code at the transport layer would risk double-running
// side effects the coordinator's own redelivery path already accounts
// for (§7's "transport errors are retried" is a queue-level retry, not
// an HTTP-client-level one).
func New(cfg Config) (*Client, error) {
	base := httpclient.DefaultConfig()
	base.UserAgent = cfg.UserAgent
	base.RetryAttempts = 0

	hc, err := httpclient.New(base)
	if err != nil {
		return nil, fmt.Errorf("endpointclient: build http client: %w", err)
	}

	return &Client{
		httpClient: hc,
		breakers:   make(map[string]*gobreaker.CircuitBreaker),
	}, nil
}

func (c *Client) breakerFor(url string) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()

	if b, ok := c.breakers[url]; ok {
		return b
	}

	b := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        url,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	c.breakers[url] = b
	return b
}

// Call POSTs body to url with apiKey as a Bearer token, classifying
// the result's timeout-ness per §4.C. A circuit-breaker trip surfaces
// as a transport error (no response at all, §7).
func (c *Client) Call(ctx context.Context, url, apiKey string, body any) (*Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("endpointclient: marshal body: %w", err)
	}

	breaker := c.breakerFor(url)
	start := time.Now()

	result, err := breaker.Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		if apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+apiKey)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}

		return &Response{
			StatusCode: resp.StatusCode,
			Body:       respBody,
			Headers:    resp.Header,
			Timeout:    isTimeoutResponse(resp.StatusCode, err),
		}, nil
	})

	duration := time.Since(start).Milliseconds()

	if err != nil {
		if isTimeoutError(err) {
			return &Response{Timeout: true, DurationMs: duration}, nil
		}
		return nil, fmt.Errorf("endpointclient: call %s: %w", url, err)
	}

	resp := result.(*Response)
	resp.DurationMs = duration
	return resp, nil
}

func isTimeoutResponse(statusCode int, err error) bool {
	if statusCode == http.StatusRequestTimeout || statusCode == http.StatusGatewayTimeout {
		return true
	}
	return isTimeoutError(err)
}

func isTimeoutError(err error) bool {
	if err == nil {
		return false
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return errors.Is(err, context.DeadlineExceeded)
}
