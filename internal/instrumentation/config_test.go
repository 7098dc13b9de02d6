package instrumentation

import (
	"testing"
)

func TestDefaultConfig(t *testing.T) {
	// Guard against ambient environment leaking into the defaults.
	for _, key := range []string{
		"OTEL_SERVICE_NAME",
		"INSTRUMENTATION_ENABLED",
		"METRICS_EXPORTER",
		"TRACING_EXPORTER",
		"OTEL_EXPORTER_OTLP_ENDPOINT",
		"OTEL_TRACES_SAMPLER_ARG",
		"METRICS_DETAILED_LABELS",
	} {
		t.Setenv(key, "")
	}

	config := DefaultConfig()

	if config.ServiceName != "kubedeck" {
		t.Errorf("expected ServiceName to be 'kubedeck', got %s", config.ServiceName)
	}

	if config.Enabled {
		t.Error("expected Enabled to be false by default for zero overhead")
	}

	if config.MetricsExporter != "prometheus" {
		t.Errorf("expected MetricsExporter to be 'prometheus', got %s", config.MetricsExporter)
	}

	if config.TracingExporter != "none" {
		t.Errorf("expected TracingExporter to be 'none', got %s", config.TracingExporter)
	}

	if config.TraceSamplingRate != 0.1 {
		t.Errorf("expected TraceSamplingRate to be 0.1, got %f", config.TraceSamplingRate)
	}

	if config.DetailedLabels {
		t.Error("expected DetailedLabels to be false by default")
	}
}

func TestDefaultConfigWithEnv(t *testing.T) {
	t.Setenv("OTEL_SERVICE_NAME", "test-service")
	t.Setenv("INSTRUMENTATION_ENABLED", "true")
	t.Setenv("METRICS_EXPORTER", "stdout")
	t.Setenv("TRACING_EXPORTER", "otlp")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "http://localhost:4318")
	t.Setenv("OTEL_TRACES_SAMPLER_ARG", "0.5")
	t.Setenv("METRICS_DETAILED_LABELS", "true")

	config := DefaultConfig()

	if config.ServiceName != "test-service" {
		t.Errorf("expected ServiceName to be 'test-service', got %s", config.ServiceName)
	}

	if !config.Enabled {
		t.Error("expected Enabled to be true")
	}

	if config.MetricsExporter != "stdout" {
		t.Errorf("expected MetricsExporter to be 'stdout', got %s", config.MetricsExporter)
	}

	if config.TracingExporter != "otlp" {
		t.Errorf("expected TracingExporter to be 'otlp', got %s", config.TracingExporter)
	}

	if config.OTLPEndpoint != "http://localhost:4318" {
		t.Errorf("expected OTLPEndpoint to be 'http://localhost:4318', got %s", config.OTLPEndpoint)
	}

	if config.TraceSamplingRate != 0.5 {
		t.Errorf("expected TraceSamplingRate to be 0.5, got %f", config.TraceSamplingRate)
	}

	if !config.DetailedLabels {
		t.Error("expected DetailedLabels to be true")
	}
}

func TestGetEnvOrDefault(t *testing.T) {
	// No env var set.
	result := getEnvOrDefault("KUBEDECK_TEST_VAR", "default")
	if result != "default" {
		t.Errorf("expected 'default', got %s", result)
	}

	t.Setenv("KUBEDECK_TEST_VAR", "custom")

	result = getEnvOrDefault("KUBEDECK_TEST_VAR", "default")
	if result != "custom" {
		t.Errorf("expected 'custom', got %s", result)
	}
}

func TestGetEnvBoolOrDefault(t *testing.T) {
	// No env var set.
	result := getEnvBoolOrDefault("KUBEDECK_TEST_BOOL", true)
	if !result {
		t.Error("expected true")
	}

	t.Setenv("KUBEDECK_TEST_BOOL", "false")

	result = getEnvBoolOrDefault("KUBEDECK_TEST_BOOL", true)
	if result {
		t.Error("expected false")
	}

	// Invalid values fall back to the default.
	t.Setenv("KUBEDECK_TEST_BOOL", "invalid")
	result = getEnvBoolOrDefault("KUBEDECK_TEST_BOOL", true)
	if !result {
		t.Error("expected default true for invalid value")
	}
}

func TestGetEnvFloatOrDefault(t *testing.T) {
	// No env var set.
	result := getEnvFloatOrDefault("KUBEDECK_TEST_FLOAT", 0.5)
	if result != 0.5 {
		t.Errorf("expected 0.5, got %f", result)
	}

	t.Setenv("KUBEDECK_TEST_FLOAT", "0.8")

	result = getEnvFloatOrDefault("KUBEDECK_TEST_FLOAT", 0.5)
	if result != 0.8 {
		t.Errorf("expected 0.8, got %f", result)
	}

	// Invalid values fall back to the default.
	t.Setenv("KUBEDECK_TEST_FLOAT", "invalid")
	result = getEnvFloatOrDefault("KUBEDECK_TEST_FLOAT", 0.5)
	if result != 0.5 {
		t.Errorf("expected default 0.5 for invalid value, got %f", result)
	}
}
