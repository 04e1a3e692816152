package telemetry_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/cropwatch/device-auth/internal/config"
	"github.com/cropwatch/device-auth/internal/telemetry"
)

func TestProviderWithoutEndpoint(t *testing.T) {
	cfg := config.Default()
	provider, err := telemetry.New(context.Background(), cfg, zap.NewNop())
	require.NoError(t, err)

	_, span := otel.Tracer("test").Start(context.Background(), "span")
	require.True(t, span.SpanContext().IsValid())
	span.End()

	require.NoError(t, provider.Shutdown(context.Background()))
	require.NoError(t, (*telemetry.Provider)(nil).Shutdown(context.Background()))
}
