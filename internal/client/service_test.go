package client

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/insider-one/notification-gateway/internal/config"
	"github.com/insider-one/notification-gateway/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// staticResolver resolves every service to a fixed instance.
type staticResolver struct {
	instance domain.Instance
	err      error
}

func (r staticResolver) Resolve(ctx context.Context, serviceName string) (domain.Instance, error) {
	return r.instance, r.err
}

func resolverFor(t *testing.T, server *httptest.Server) staticResolver {
	t.Helper()
	u, err := url.Parse(server.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return staticResolver{instance: domain.Instance{Address: u.Hostname(), Port: port}}
}

func testConfig(name string) config.ServiceConfig {
	return config.ServiceConfig{
		Name:             name,
		RequestTimeout:   time.Second,
		FailureThreshold: 3,
		RecoveryTimeout:  time.Minute,
	}
}

func TestServiceClient_Get(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/users/u1", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":{"email":"u1@example.com"}}`))
	}))
	defer server.Close()

	c := New(testConfig("user-service"), resolverFor(t, server), testLogger())

	doc, err := c.Get(context.Background(), "/users/u1")
	require.NoError(t, err)

	data, ok := doc["data"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "u1@example.com", data["email"])
}

func TestServiceClient_ResolverMiss(t *testing.T) {
	c := New(testConfig("user-service"), staticResolver{err: domain.ErrServiceUnresolved}, testLogger())

	_, err := c.Get(context.Background(), "/users/u1")
	assert.ErrorIs(t, err, domain.ErrServiceUnresolved)
}

func TestServiceClient_Non2xxIsDownstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	c := New(testConfig("template-service"), resolverFor(t, server), testLogger())

	_, err := c.Get(context.Background(), "/templates/welcome")
	require.Error(t, err)

	var de domain.DownstreamError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, http.StatusInternalServerError, de.StatusCode)
	assert.Equal(t, "template-service", de.Service)
}

func TestServiceClient_CircuitOpensAndSurfacesUnavailable(t *testing.T) {
	calls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer server.Close()

	c := New(testConfig("user-service"), resolverFor(t, server), testLogger())

	for i := 0; i < 3; i++ {
		_, err := c.Get(context.Background(), "/users/u1")
		assert.Error(t, err)
	}
	assert.Equal(t, 3, calls)

	// Circuit is open: no network call, distinct unavailable error.
	_, err := c.Get(context.Background(), "/users/u1")
	assert.ErrorIs(t, err, domain.ErrServiceUnavailable)
	assert.Equal(t, 3, calls)
}

func TestServiceClient_MalformedBodyDoesNotTripBreaker(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer server.Close()

	cfg := testConfig("user-service")
	cfg.FailureThreshold = 1
	c := New(cfg, resolverFor(t, server), testLogger())

	_, err := c.Get(context.Background(), "/users/u1")
	assert.Error(t, err)

	// A malformed 2xx response is not a dependency failure; the next call
	// must still be attempted.
	_, err = c.Get(context.Background(), "/users/u1")
	assert.NotErrorIs(t, err, domain.ErrServiceUnavailable)
}

func TestServiceClient_PostForwardsBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.Write([]byte(`{"success":true}`))
	}))
	defer server.Close()

	c := New(testConfig("user-service"), resolverFor(t, server), testLogger())

	doc, err := c.Post(context.Background(), "/auth/register", map[string]string{"email": "u1@example.com"})
	require.NoError(t, err)
	assert.Equal(t, true, doc["success"])
}
