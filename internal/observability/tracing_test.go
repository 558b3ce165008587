package observability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foodhub/gateway/internal/config"
)

func TestInitTracing(t *testing.T) {
	t.Run("returns a no-op shutdown when disabled", func(t *testing.T) {
		shutdown, err := InitTracing(context.Background(), config.TracingConfig{}, "test")
		require.NoError(t, err)
		assert.NoError(t, shutdown(context.Background()))
	})

	t.Run("tracer is usable without a provider", func(t *testing.T) {
		_, span := Tracer().Start(context.Background(), "noop")
		span.End()
		assert.False(t, span.SpanContext().IsSampled())
	})

	t.Run("enabled tracing connects lazily", func(t *testing.T) {
		shutdown, err := InitTracing(context.Background(), config.TracingConfig{
			Enabled:    true,
			Endpoint:   "http://127.0.0.1:4318",
			SampleRate: 0,
		}, "v0.0.0")
		require.NoError(t, err)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_ = shutdown(ctx)
	})
}
