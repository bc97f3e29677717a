package client

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/nimburion/kvbridge/pkg/kv"
	"github.com/nimburion/kvbridge/pkg/observability/metrics"
	"github.com/nimburion/kvbridge/pkg/observability/tracing"
)

func newMetrics(t *testing.T) (*prometheus.Registry, *metrics.Operations) {
	t.Helper()
	reg := prometheus.NewRegistry()
	return reg, metrics.NewOperations(reg)
}

// counterValue sums the series of family name whose labels include labels.
func counterValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)

	var total float64
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, m := range family.GetMetric() {
			if hasLabels(m, labels) {
				total += m.GetCounter().GetValue()
			}
		}
	}
	return total
}

func hasLabels(m *dto.Metric, want map[string]string) bool {
	matched := 0
	for _, pair := range m.GetLabel() {
		if v, ok := want[pair.GetName()]; ok {
			if v != pair.GetValue() {
				return false
			}
			matched++
		}
	}
	return matched == len(want)
}

func assertCounter(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string, want float64) {
	t.Helper()
	assert.Equal(t, want, counterValue(t, reg, name, labels), "%s%v", name, labels)
}

func spanAttrs(span sdktrace.ReadOnlySpan) map[attribute.Key]attribute.Value {
	out := make(map[attribute.Key]attribute.Value)
	for _, a := range span.Attributes() {
		out[a.Key] = a.Value
	}
	return out
}

func TestClient_RecordsMetricsAndSpans(t *testing.T) {
	caller := newLoop(t, "caller")
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	reg, ops := newMetrics(t)
	c := newMemoryClient(t,
		WithMetrics(ops),
		WithTracer(provider.Tracer("test")),
		WithSystem("memory"),
	)
	ctx := context.Background()
	key := mustKey(t, "dave")

	_, err := await(t, c.Put(ctx, caller, nil, key, kv.NewBin("n", 1)))
	require.NoError(t, err)
	_, err = await(t, c.Touch(ctx, caller, nil, mustKey(t, "nobody")))
	require.ErrorIs(t, err, kv.ErrKeyNotFound)

	assertCounter(t, reg, "kvbridge_operations_total", map[string]string{"op": "put", "status": metrics.StatusSuccess}, 1)
	assertCounter(t, reg, "kvbridge_operations_total", map[string]string{"op": "touch", "status": metrics.StatusError}, 1)

	spans := recorder.Ended()
	require.Len(t, spans, 2)

	put := spans[0]
	assert.Equal(t, "kv.put", put.Name())
	assert.Equal(t, codes.Ok, put.Status().Code)
	attrs := spanAttrs(put)
	assert.Equal(t, "test", attrs[tracing.AttrNamespace].AsString())
	assert.Equal(t, "users", attrs[tracing.AttrSet].AsString())
	assert.Equal(t, "dave", attrs[tracing.AttrKey].AsString())
	assert.Equal(t, "caller", attrs[tracing.AttrContextID].AsString())
	assert.Equal(t, "memory", attrs[tracing.AttrSystem].AsString())

	touch := spans[1]
	assert.Equal(t, "kv.touch", touch.Name())
	assert.Equal(t, codes.Error, touch.Status().Code)
}

func TestClient_BatchSpanCarriesSize(t *testing.T) {
	caller := newLoop(t, "caller")
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	store := newGroup(t, "store", 2)
	c := newMemoryClient(t, WithTracer(provider.Tracer("test")), WithEventLoopSelector(NextSelector(store)))

	keys := []*kv.Key{mustKey(t, 1), mustKey(t, 2), mustKey(t, 3)}
	_, err := await(t, c.ExistsBatch(context.Background(), caller, nil, keys))
	require.NoError(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	attrs := spanAttrs(spans[0])
	assert.Equal(t, int64(3), attrs[tracing.AttrBatchSize].AsInt64())
	assert.NotEmpty(t, attrs[tracing.AttrLoop].AsString())
}

func TestClient_InflightReturnsToZero(t *testing.T) {
	caller := newLoop(t, "caller")
	reg, ops := newMetrics(t)
	c := newMemoryClient(t, WithMetrics(ops))

	futures := make([]func() error, 0, 10)
	for i := 0; i < 10; i++ {
		f := c.Put(context.Background(), caller, nil, mustKey(t, i), kv.NewBin("i", i))
		futures = append(futures, func() error { _, err := await(t, f); return err })
	}
	for _, wait := range futures {
		require.NoError(t, wait())
	}

	families, err := reg.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() != "kvbridge_operations_inflight" {
			continue
		}
		for _, m := range family.GetMetric() {
			assert.Zero(t, m.GetGauge().GetValue())
		}
	}
	assertCounter(t, reg, "kvbridge_operations_total", map[string]string{"op": "put"}, 10)
}
