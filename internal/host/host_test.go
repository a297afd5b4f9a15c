// ABOUTME: Tests for host lifecycle and its HTTP surface.
// ABOUTME: Uses loopback listeners and httptest recorders.

package host

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/relay-gateway/internal/config"
	"github.com/2389/relay-gateway/internal/fault"
)

func TestNew_InvalidConfig(t *testing.T) {
	_, err := New(&config.Config{}, testLogger())
	assert.Error(t, err)
}

func TestHost_Lifecycle(t *testing.T) {
	ctx := context.Background()

	t.Run("start is idempotent and stop is final", func(t *testing.T) {
		h := newTestHost(t)
		assert.Nil(t, h.Addr())

		require.NoError(t, h.Start(ctx))
		addr := h.Addr()
		require.NotNil(t, addr)

		require.NoError(t, h.Start(ctx))
		assert.Equal(t, addr, h.Addr())

		require.NoError(t, h.Stop(ctx))
		require.NoError(t, h.Stop(ctx))
		assert.ErrorIs(t, h.Start(ctx), fault.ErrHostStopped)
	})

	t.Run("address in use", func(t *testing.T) {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		defer ln.Close()

		h, err := New(&config.Config{Server: config.ServerConfig{GRPCAddr: ln.Addr().String()}}, testLogger())
		require.NoError(t, err)

		err = h.Start(ctx)
		assert.ErrorIs(t, err, fault.ErrAlreadyRunning)
	})

	t.Run("http listener", func(t *testing.T) {
		h, err := New(&config.Config{Server: config.ServerConfig{
			GRPCAddr: "127.0.0.1:0",
			HTTPAddr: "127.0.0.1:0",
		}}, testLogger())
		require.NoError(t, err)
		require.NoError(t, h.Start(ctx))
		defer h.Stop(ctx)

		require.NotNil(t, h.HTTPAddr())
		resp, err := http.Get("http://" + h.HTTPAddr().String() + "/health")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})

	t.Run("run stops on context cancel", func(t *testing.T) {
		h := newTestHost(t)
		runCtx, cancel := context.WithCancel(ctx)

		errCh := make(chan error, 1)
		go func() { errCh <- h.Run(runCtx) }()

		require.Eventually(t, func() bool { return h.Addr() != nil }, 2*time.Second, 10*time.Millisecond)
		cancel()

		select {
		case err := <-errCh:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("Run did not return")
		}
		assert.True(t, h.stopped())
	})
}

func TestHTTPHandlers(t *testing.T) {
	h, err := New(&config.Config{
		Server:  config.ServerConfig{GRPCAddr: "127.0.0.1:0"},
		Metrics: config.MetricsConfig{Enabled: true, Path: "/metrics"},
	}, testLogger())
	require.NoError(t, err)
	mux := h.routes()

	get := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	t.Run("health", func(t *testing.T) {
		rec := get("/health")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "OK", rec.Body.String())
	})

	t.Run("not ready without workers", func(t *testing.T) {
		rec := get("/health/ready")
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})

	conn := NewConnection("w1", testLogger())
	h.mu.Lock()
	h.conns[conn] = struct{}{}
	h.mu.Unlock()
	_, err = h.Register("research", conn)
	require.NoError(t, err)

	t.Run("ready with a worker", func(t *testing.T) {
		rec := get("/health/ready")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "1 workers, 1 agent types")
	})

	t.Run("directory", func(t *testing.T) {
		rec := get("/api/directory")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

		var body directoryResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
		assert.Equal(t, h.ID(), body.HostID)
		require.Len(t, body.Entries, 1)
		assert.Equal(t, Entry{AgentType: "research", WorkerID: "w1", ConnectionID: conn.ID}, body.Entries[0])
	})

	t.Run("directory rejects writes", func(t *testing.T) {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/directory", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})

	t.Run("metrics", func(t *testing.T) {
		rec := get("/metrics")
		require.Equal(t, http.StatusOK, rec.Code)
		body := rec.Body.String()
		assert.Contains(t, body, "relay_host_registrations_total")
		assert.Contains(t, body, "go_goroutines")
	})
}

func TestHostIDFormat(t *testing.T) {
	id := generateHostID()
	assert.True(t, strings.HasPrefix(id, "relay-host-"))
	assert.Len(t, id, len("relay-host-")+8)
}
