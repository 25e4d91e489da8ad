// Package client provides breaker-protected HTTP access to downstream
// services resolved through service discovery.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/insider-one/notification-gateway/internal/breaker"
	"github.com/insider-one/notification-gateway/internal/config"
	"github.com/insider-one/notification-gateway/internal/domain"
)

// Document is a decoded JSON response body.
type Document = map[string]any

// ServiceClient issues HTTP requests to one logical downstream service.
// Each client owns its own circuit breaker; breakers are never shared
// across dependencies.
type ServiceClient struct {
	name     string
	resolver domain.Resolver
	breaker  *breaker.Breaker
	client   *http.Client
	logger   *slog.Logger
}

// decodeError marks a malformed body on an otherwise successful response.
// It must not count against the circuit breaker.
type decodeError struct {
	err error
}

func (e decodeError) Error() string {
	return "failed to decode response: " + e.err.Error()
}

func (e decodeError) Unwrap() error {
	return e.err
}

// New creates a client for the named downstream service.
func New(cfg config.ServiceConfig, resolver domain.Resolver, logger *slog.Logger) *ServiceClient {
	b := breaker.New(cfg.Name, breaker.Config{
		FailureThreshold: cfg.FailureThreshold,
		RecoveryTimeout:  cfg.RecoveryTimeout,
		IsFailure: func(err error) bool {
			var de decodeError
			return !errors.As(err, &de)
		},
	}, logger)

	return &ServiceClient{
		name:     cfg.Name,
		resolver: resolver,
		breaker:  b,
		client:   &http.Client{Timeout: cfg.RequestTimeout},
		logger:   logger,
	}
}

// Name returns the logical service name.
func (c *ServiceClient) Name() string {
	return c.name
}

// Breaker exposes the client's circuit breaker for the health surface.
func (c *ServiceClient) Breaker() *breaker.Breaker {
	return c.breaker
}

// Request resolves the service, issues the HTTP call through the circuit
// breaker, and decodes the JSON response. Error classification:
//   - discovery miss: domain.ErrServiceUnresolved
//   - open circuit: domain.ErrServiceUnavailable
//   - non-2xx: domain.DownstreamError (breaker-counted)
//   - connection/timeout: breaker-counted transport error
//   - malformed 2xx body: plain error, not breaker-counted
func (c *ServiceClient) Request(ctx context.Context, method, path string, body any) (Document, error) {
	instance, err := c.resolver.Resolve(ctx, c.name)
	if err != nil {
		if errors.Is(err, domain.ErrServiceUnresolved) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s discovery lookup failed: %v", domain.ErrServiceUnresolved, c.name, err)
	}

	var result Document
	err = c.breaker.Do(ctx, func(ctx context.Context) error {
		doc, callErr := c.do(ctx, method, instance.BaseURL()+path, body)
		if callErr != nil {
			return callErr
		}
		result = doc
		return nil
	})
	if err != nil {
		if errors.Is(err, breaker.ErrOpen) {
			c.logger.Warn("circuit breaker open, failing fast",
				"service", c.name,
				"method", method,
				"path", path,
			)
			return nil, fmt.Errorf("%w: %s", domain.ErrServiceUnavailable, c.name)
		}
		return nil, err
	}
	return result, nil
}

func (c *ServiceClient) do(ctx context.Context, method, url string, body any) (Document, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", c.name, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response from %s: %w", c.name, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, domain.NewDownstreamError(c.name, resp.StatusCode, string(respBody))
	}

	var doc Document
	if len(respBody) > 0 {
		if err := json.Unmarshal(respBody, &doc); err != nil {
			return nil, decodeError{err: err}
		}
	}
	return doc, nil
}

// Get issues a GET request.
func (c *ServiceClient) Get(ctx context.Context, path string) (Document, error) {
	return c.Request(ctx, http.MethodGet, path, nil)
}

// Post issues a POST request with a JSON body.
func (c *ServiceClient) Post(ctx context.Context, path string, body any) (Document, error) {
	return c.Request(ctx, http.MethodPost, path, body)
}

// Put issues a PUT request with a JSON body.
func (c *ServiceClient) Put(ctx context.Context, path string, body any) (Document, error) {
	return c.Request(ctx, http.MethodPut, path, body)
}

// Delete issues a DELETE request.
func (c *ServiceClient) Delete(ctx context.Context, path string) (Document, error) {
	return c.Request(ctx, http.MethodDelete, path, nil)
}
