package observability

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func collectSums(t *testing.T, reader *sdkmetric.ManualReader) map[string]int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				out[m.Name] += dp.Value
			}
		}
	}
	return out
}

func TestTrackRecordsOperationsAndErrors(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	m, err := NewMetrics(mp.Meter("test"), tp.Tracer("test"))
	require.NoError(t, err)

	_, done := m.Track(context.Background(), "coordinator.submit_activation")
	done(nil)
	_, done = m.Track(context.Background(), "coordinator.submit_activation")
	done(errors.New("boom"))

	m.RecordTransition(context.Background(), "pending", "active")
	m.RecordGrantIssued(context.Background())
	m.RecordGrantIssued(context.Background())

	sums := collectSums(t, reader)
	require.Equal(t, int64(2), sums["guardian.operations.total"])
	require.Equal(t, int64(1), sums["guardian.operation.errors.total"])
	require.Equal(t, int64(1), sums["guardian.protocol.transitions.total"])
	require.Equal(t, int64(2), sums["guardian.grants.issued.total"])

	spans := recorder.Ended()
	require.Len(t, spans, 2)
	require.Equal(t, "coordinator.submit_activation", spans[0].Name())
}

func TestNewDisabledProviderShutsDownCleanly(t *testing.T) {
	p, err := New(context.Background(), Config{ServiceName: "guardian-activation", Enabled: false})
	require.NoError(t, err)
	require.NoError(t, p.Shutdown(context.Background()))
}
