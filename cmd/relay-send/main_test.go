// ABOUTME: Tests relay-send against a real host with one worker serving a prefix agent.
// ABOUTME: Covers JSON and raw payloads, stdin input, and error kinds.

package main

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/relay-gateway/internal/config"
	"github.com/2389/relay-gateway/internal/fault"
	"github.com/2389/relay-gateway/internal/host"
	"github.com/2389/relay-gateway/internal/pipeline"
	"github.com/2389/relay-gateway/internal/worker"
)

func TestRun(t *testing.T) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	h, err := host.New(&config.Config{Server: config.ServerConfig{GRPCAddr: "127.0.0.1:0"}}, logger)
	require.NoError(t, err)
	require.NoError(t, h.Start(ctx))
	t.Cleanup(func() { _ = h.Stop(context.Background()) })
	addr := h.Addr().String()

	rt := worker.New(worker.Options{HostAddr: addr, WorkerID: "w-agents", Logger: logger})
	require.NoError(t, rt.Register(ctx, "research", pipeline.Prefixer("research")))
	require.NoError(t, rt.Register(ctx, "echo", pipeline.Echo()))
	require.NoError(t, rt.Start(ctx))
	t.Cleanup(func() { _ = rt.Stop(context.Background()) })

	t.Run("message", func(t *testing.T) {
		got, err := run(ctx, logger, addr, "research", "topic", time.Second, false, nil)
		require.NoError(t, err)
		assert.Equal(t, "research:topic", got)
	})

	t.Run("stdin", func(t *testing.T) {
		got, err := run(ctx, logger, addr, "research/k2", "-", time.Second, false, strings.NewReader("from stdin\n"))
		require.NoError(t, err)
		assert.Equal(t, "research:from stdin", got)
	})

	t.Run("raw", func(t *testing.T) {
		got, err := run(ctx, logger, addr, "echo", "not json", time.Second, true, nil)
		require.NoError(t, err)
		assert.Equal(t, "not json", got)
	})

	t.Run("unknown agent", func(t *testing.T) {
		_, err := run(ctx, logger, addr, "ghost", "hi", time.Second, false, nil)
		assert.ErrorIs(t, err, fault.ErrAgentNotFound)
	})

	t.Run("invalid agent id", func(t *testing.T) {
		_, err := run(ctx, logger, addr, "", "hi", time.Second, false, nil)
		assert.Error(t, err)
	})
}
