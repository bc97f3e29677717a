package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewRegistry(t *testing.T) {
	registry := NewRegistry()

	if registry == nil {
		t.Fatal("NewRegistry returned nil")
	}
	if registry.registry == nil {
		t.Fatal("registry.registry is nil")
	}
	if registry.Operations() == nil {
		t.Fatal("Operations returned nil")
	}
}

func TestRegistry_Handler(t *testing.T) {
	registry := NewRegistry()
	done := registry.Operations().Start("get")
	done(nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	registry.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}

	body := rec.Body.String()
	for _, metric := range []string{
		"kvbridge_operations_total",
		"kvbridge_operation_duration_seconds",
		"kvbridge_operations_inflight",
		"go_goroutines",
	} {
		if !strings.Contains(body, metric) {
			t.Errorf("expected metric %q in output", metric)
		}
	}
}

func TestRegistry_RegisterCustomCollector(t *testing.T) {
	registry := NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "test_custom_counter",
		Help: "custom",
	})

	if err := registry.Register(counter); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := registry.Register(counter); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
	if !registry.Unregister(counter) {
		t.Fatal("expected unregister to succeed")
	}
}

func TestOperations_Start(t *testing.T) {
	ops := NewOperations(prometheus.NewRegistry())

	done := ops.Start("put")
	if got := testutil.ToFloat64(ops.inflight.WithLabelValues("put")); got != 1 {
		t.Fatalf("expected 1 in flight, got %v", got)
	}
	done(errors.New("boom"))

	if got := testutil.ToFloat64(ops.inflight.WithLabelValues("put")); got != 0 {
		t.Fatalf("expected 0 in flight, got %v", got)
	}
	if got := testutil.ToFloat64(ops.total.WithLabelValues("put", StatusError)); got != 1 {
		t.Fatalf("expected 1 error, got %v", got)
	}
	if got := testutil.ToFloat64(ops.total.WithLabelValues("put", StatusSuccess)); got != 0 {
		t.Fatalf("expected 0 successes, got %v", got)
	}
}

func TestOperations_BridgeCounters(t *testing.T) {
	ops := NewOperations(prometheus.NewRegistry())

	ops.RedispatchFailed("get")
	ops.CompletionDefect("get")
	ops.CompletionDefect("get")

	if got := testutil.ToFloat64(ops.redispatchFailures.WithLabelValues("get")); got != 1 {
		t.Fatalf("expected 1 redispatch failure, got %v", got)
	}
	if got := testutil.ToFloat64(ops.completionDefects.WithLabelValues("get")); got != 2 {
		t.Fatalf("expected 2 defects, got %v", got)
	}
}

func TestOperations_NilIsNoop(t *testing.T) {
	var ops *Operations
	ops.Start("get")(nil)
	ops.RedispatchFailed("get")
	ops.CompletionDefect("get")
}
