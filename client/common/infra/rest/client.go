package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	cmnenv "crm_realtime/client/common/env"
)

const (
	defaultHTTPTimeout      = 10 * time.Second
	defaultFailThreshold    = 3
	defaultEndpointCooldown = 10 * time.Second
)

var ErrNoEndpoint = errors.New("rest endpoint is not configured")

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code     int
	Endpoint string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("rest status %d endpoint=%s", e.Code, e.Endpoint)
}

// Client calls the CRM REST backend across one or more base URLs. Endpoints
// that fail repeatedly are skipped for a cooldown window.
type Client struct {
	endpoints []string
	http      *http.Client
	next      uint32

	failThreshold    int
	endpointCooldown time.Duration

	mu         sync.Mutex
	failureCnt map[string]int
	cooldownTo map[string]time.Time
}

func NewClient(endpoints ...string) *Client {
	normalized := normalizeEndpoints(endpoints)
	return &Client{
		endpoints:        normalized,
		http:             &http.Client{Timeout: cmnenv.DurationMillis("CRM_API_HTTP_TIMEOUT_MS", defaultHTTPTimeout)},
		failThreshold:    cmnenv.Int("CRM_API_FAIL_THRESHOLD", defaultFailThreshold),
		endpointCooldown: cmnenv.DurationMillis("CRM_API_COOLDOWN_MS", defaultEndpointCooldown),
		failureCnt:       make(map[string]int, len(normalized)),
		cooldownTo:       make(map[string]time.Time, len(normalized)),
	}
}

func (c *Client) Get(ctx context.Context, path string, query url.Values, token string, out any) error {
	return c.Do(ctx, http.MethodGet, path, query, token, nil, out)
}

func (c *Client) Put(ctx context.Context, path string, token string, payload any, out any) error {
	return c.Do(ctx, http.MethodPut, path, nil, token, payload, out)
}

// Do sends one request, moving to the next endpoint on transport errors and
// 5xx responses. 4xx responses are returned immediately.
func (c *Client) Do(ctx context.Context, method, path string, query url.Values, token string, payload any, out any) error {
	if len(c.endpoints) == 0 {
		return ErrNoEndpoint
	}
	var body []byte
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = encoded
	}
	normalizedPath := path
	if !strings.HasPrefix(normalizedPath, "/") {
		normalizedPath = "/" + normalizedPath
	}
	if len(query) > 0 {
		normalizedPath += "?" + query.Encode()
	}

	start := int(atomic.AddUint32(&c.next, 1)-1) % len(c.endpoints)
	var lastErr error
	for offset := 0; offset < len(c.endpoints); offset++ {
		endpoint := c.endpoints[(start+offset)%len(c.endpoints)]
		if c.isCoolingDown(endpoint, time.Now()) {
			continue
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint+normalizedPath, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if token = strings.TrimSpace(token); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = fmt.Errorf("rest request failed endpoint=%s: %w", endpoint, err)
			c.onFailure(endpoint, time.Now())
			continue
		}
		if resp.StatusCode >= 500 {
			_ = resp.Body.Close()
			lastErr = &StatusError{Code: resp.StatusCode, Endpoint: endpoint}
			c.onFailure(endpoint, time.Now())
			continue
		}
		if resp.StatusCode >= 300 {
			_ = resp.Body.Close()
			return &StatusError{Code: resp.StatusCode, Endpoint: endpoint}
		}

		err = decodeBody(resp.Body, out)
		_ = resp.Body.Close()
		c.onSuccess(endpoint)
		return err
	}

	if lastErr == nil {
		return fmt.Errorf("rest request failed: all endpoints cooling down")
	}
	return lastErr
}

func decodeBody(r io.Reader, out any) error {
	if out == nil {
		_, _ = io.Copy(io.Discard, r)
		return nil
	}
	if err := json.NewDecoder(r).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func normalizeEndpoints(endpoints []string) []string {
	result := make([]string, 0, len(endpoints))
	seen := map[string]struct{}{}
	for _, endpoint := range endpoints {
		normalized := strings.TrimRight(strings.TrimSpace(endpoint), "/")
		if normalized == "" {
			continue
		}
		if _, ok := seen[normalized]; ok {
			continue
		}
		seen[normalized] = struct{}{}
		result = append(result, normalized)
	}
	return result
}

func (c *Client) isCoolingDown(endpoint string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	until, ok := c.cooldownTo[endpoint]
	if !ok {
		return false
	}
	if now.After(until) {
		delete(c.cooldownTo, endpoint)
		return false
	}
	return true
}

func (c *Client) onFailure(endpoint string, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	count := c.failureCnt[endpoint] + 1
	c.failureCnt[endpoint] = count
	if count >= c.failThreshold {
		c.cooldownTo[endpoint] = now.Add(c.endpointCooldown)
		c.failureCnt[endpoint] = 0
	}
}

func (c *Client) onSuccess(endpoint string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failureCnt[endpoint] = 0
	delete(c.cooldownTo, endpoint)
}
