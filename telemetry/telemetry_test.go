package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

func TestSetup_NoEndpointIsNoop(t *testing.T) {
	before := otel.GetTracerProvider()

	shutdown, err := Setup(context.Background(), Config{ServiceName: "loyalty-engine"})
	require.NoError(t, err)

	assert.NoError(t, shutdown(context.Background()))
	assert.Equal(t, before, otel.GetTracerProvider(), "global provider untouched")
}

// collector accepts OTLP/HTTP exports and records the paths it saw.
type collector struct {
	mu    sync.Mutex
	paths map[string]int
}

func (c *collector) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c.mu.Lock()
	c.paths[r.URL.Path]++
	c.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

func (c *collector) count(path string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.paths[path]
}

func TestSetup_WithEndpoint_InstallsProvidersAndFlushesOnShutdown(t *testing.T) {
	// GIVEN: A local OTLP/HTTP collector
	// WHEN: Setup points at it and a span is recorded
	// THEN: SDK providers are global, and Shutdown exports the span cleanly

	c := &collector{paths: map[string]int{}}
	srv := httptest.NewServer(c)
	defer srv.Close()
	t.Cleanup(func() {
		otel.SetTracerProvider(tracenoop.NewTracerProvider())
		otel.SetMeterProvider(metricnoop.NewMeterProvider())
	})

	ctx := context.Background()
	shutdown, err := Setup(ctx, Config{
		Endpoint:    strings.TrimPrefix(srv.URL, "http://"),
		ServiceName: "loyalty-engine",
		Insecure:    true,
	})
	require.NoError(t, err)

	assert.IsType(t, &sdktrace.TracerProvider{}, otel.GetTracerProvider())
	assert.IsType(t, &sdkmetric.MeterProvider{}, otel.GetMeterProvider())

	_, span := otel.Tracer("telemetry-test").Start(ctx, "redeem")
	span.End()

	require.NoError(t, shutdown(ctx))
	assert.Equal(t, 1, c.count("/v1/traces"))
}
