package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("SEQUENCE_BACKEND", "")
	t.Setenv("SEQUENCE_MAX_ATTEMPTS", "")
	t.Setenv("DEFAULT_PAGE_SIZE", "")
	t.Setenv("MAX_PAGE_SIZE", "")

	cfg := Load()
	if cfg.SequenceBackend != SequenceBackendPostgres {
		t.Fatalf("expected postgres backend, got %q", cfg.SequenceBackend)
	}
	if cfg.SequenceMaxAttempts != 5 {
		t.Fatalf("expected 5 attempts, got %d", cfg.SequenceMaxAttempts)
	}
	if cfg.DefaultPageSize != 20 || cfg.MaxPageSize != 100 {
		t.Fatalf("unexpected paging defaults: %d/%d", cfg.DefaultPageSize, cfg.MaxPageSize)
	}
}

func TestLoadNormalizesInvalidValues(t *testing.T) {
	t.Setenv("SEQUENCE_BACKEND", "Redis")
	t.Setenv("SEQUENCE_MAX_ATTEMPTS", "0")
	t.Setenv("DEFAULT_PAGE_SIZE", "500")
	t.Setenv("MAX_PAGE_SIZE", "50")

	cfg := Load()
	if cfg.SequenceBackend != SequenceBackendRedis {
		t.Fatalf("expected redis backend, got %q", cfg.SequenceBackend)
	}
	if cfg.SequenceMaxAttempts != 1 {
		t.Fatalf("expected attempts clamped to 1, got %d", cfg.SequenceMaxAttempts)
	}
	if cfg.DefaultPageSize != 50 {
		t.Fatalf("expected default page size clamped to 50, got %d", cfg.DefaultPageSize)
	}
}

func TestGetenvIntFallsBackOnGarbage(t *testing.T) {
	t.Setenv("SOME_INT", "not-a-number")
	if got := getenvInt("SOME_INT", 7); got != 7 {
		t.Fatalf("expected fallback 7, got %d", got)
	}
}

func TestLoadTelemetry(t *testing.T) {
	t.Setenv("OTEL_EXPORTER", "")
	t.Setenv("OTEL_METRIC_INTERVAL_SECONDS", "")
	cfg := Load()
	if cfg.OTelExporter != "none" || cfg.OTelMetricInterval != 60*time.Second {
		t.Fatalf("unexpected telemetry defaults: %q %s", cfg.OTelExporter, cfg.OTelMetricInterval)
	}

	t.Setenv("OTEL_EXPORTER", "STDOUT")
	t.Setenv("OTEL_METRIC_INTERVAL_SECONDS", "-3")
	cfg = Load()
	if cfg.OTelExporter != "stdout" || cfg.OTelMetricInterval != 60*time.Second {
		t.Fatalf("unexpected telemetry settings: %q %s", cfg.OTelExporter, cfg.OTelMetricInterval)
	}
}
