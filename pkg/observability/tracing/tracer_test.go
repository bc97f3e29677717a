package tracing

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestNewTracerProvider_Disabled(t *testing.T) {
	ctx := context.Background()

	provider, err := NewTracerProvider(ctx, TracerConfig{ServiceName: "kvbridge"})
	if err != nil {
		t.Fatalf("expected no error for disabled tracing, got: %v", err)
	}

	_, span := provider.Tracer("test").Start(ctx, "test-span")
	span.End()

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := provider.ForceFlush(shutdownCtx); err != nil {
		t.Errorf("force flush: %v", err)
	}
	if err := provider.Shutdown(shutdownCtx); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}

func TestTracerConfig_Validate(t *testing.T) {
	tests := []struct {
		name        string
		config      TracerConfig
		expectedErr string
	}{
		{
			name:   "disabled skips validation",
			config: TracerConfig{},
		},
		{
			name:        "missing service name",
			config:      TracerConfig{Enabled: true, Endpoint: "localhost:4317"},
			expectedErr: "service name is required",
		},
		{
			name:        "missing endpoint",
			config:      TracerConfig{Enabled: true, ServiceName: "kvbridge"},
			expectedErr: "OTLP endpoint is required",
		},
		{
			name:        "sample rate above one",
			config:      TracerConfig{Enabled: true, ServiceName: "kvbridge", Endpoint: "localhost:4317", SampleRate: 1.5},
			expectedErr: "sample rate must be between 0 and 1",
		},
		{
			name:   "valid",
			config: TracerConfig{Enabled: true, ServiceName: "kvbridge", Endpoint: "localhost:4317", SampleRate: 0.25},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if tt.expectedErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.expectedErr) {
				t.Fatalf("expected error containing %q, got %v", tt.expectedErr, err)
			}
		})
	}
}

func TestNewTracerProvider_RejectsInvalidConfig(t *testing.T) {
	_, err := NewTracerProvider(context.Background(), TracerConfig{Enabled: true})
	if err == nil {
		t.Fatal("expected error for missing service name")
	}
}
