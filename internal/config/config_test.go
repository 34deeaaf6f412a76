package config

import (
	"strings"
	"testing"
	"time"
)

func TestEnvIntValid(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	v, err := envInt("TEST_INT", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 42 {
		t.Fatalf("expected 42, got %d", v)
	}
}

func TestEnvIntFallback(t *testing.T) {
	// TEST_INT_MISSING is not set.
	v, err := envInt("TEST_INT_MISSING", 99)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 99 {
		t.Fatalf("expected fallback 99, got %d", v)
	}
}

func TestEnvIntInvalid(t *testing.T) {
	t.Setenv("TEST_INT_BAD", "abc")
	_, err := envInt("TEST_INT_BAD", 0)
	if err == nil {
		t.Fatal("expected error for non-integer value, got nil")
	}
	if got := err.Error(); got != `TEST_INT_BAD="abc" is not a valid integer` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvBoolValid(t *testing.T) {
	t.Setenv("TEST_BOOL", "true")
	v, err := envBool("TEST_BOOL", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !v {
		t.Fatal("expected true")
	}
}

func TestEnvBoolInvalid(t *testing.T) {
	t.Setenv("TEST_BOOL_BAD", "maybe")
	_, err := envBool("TEST_BOOL_BAD", false)
	if err == nil {
		t.Fatal("expected error for non-boolean value, got nil")
	}
	if got := err.Error(); got != `TEST_BOOL_BAD="maybe" is not a valid boolean` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestEnvFloat(t *testing.T) {
	t.Setenv("TEST_FLOAT", "2.5")
	v, err := envFloat("TEST_FLOAT", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 2.5 {
		t.Fatalf("expected 2.5, got %v", v)
	}

	t.Setenv("TEST_FLOAT", "fast")
	if _, err := envFloat("TEST_FLOAT", 0); err == nil {
		t.Fatal("expected error for non-numeric value, got nil")
	}
}

func TestEnvDurationValid(t *testing.T) {
	t.Setenv("TEST_DUR", "5s")
	v, err := envDuration("TEST_DUR", 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v.Seconds() != 5 {
		t.Fatalf("expected 5s, got %s", v)
	}
}

func TestEnvDurationInvalid(t *testing.T) {
	t.Setenv("TEST_DUR_BAD", "five-seconds")
	_, err := envDuration("TEST_DUR_BAD", 0)
	if err == nil {
		t.Fatal("expected error for invalid duration, got nil")
	}
	if got := err.Error(); got != `TEST_DUR_BAD="five-seconds" is not a valid duration` {
		t.Fatalf("unexpected error message: %s", got)
	}
}

func TestLoadFailsOnInvalidPort(t *testing.T) {
	t.Setenv("HIBIKI_PORT", "abc")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to fail with invalid HIBIKI_PORT")
	}
	// Error should mention the variable name and value.
	if got := err.Error(); !strings.Contains(got, "HIBIKI_PORT") || !strings.Contains(got, "abc") {
		t.Fatalf("error should mention HIBIKI_PORT and value 'abc', got: %s", got)
	}
}

func TestLoadFailsOnMultipleInvalid(t *testing.T) {
	t.Setenv("HIBIKI_PORT", "abc")
	t.Setenv("HIBIKI_WEBHOOK_TIMEOUT", "soon")
	_, err := Load()
	if err == nil {
		t.Fatal("expected Load() to fail with multiple invalid vars")
	}
	got := err.Error()
	if !strings.Contains(got, "HIBIKI_PORT") {
		t.Fatalf("error should mention HIBIKI_PORT, got: %s", got)
	}
	if !strings.Contains(got, "HIBIKI_WEBHOOK_TIMEOUT") {
		t.Fatalf("error should mention HIBIKI_WEBHOOK_TIMEOUT, got: %s", got)
	}
}

func TestLoadSucceedsWithDefaults(t *testing.T) {
	// With no env vars set, Load should succeed using all defaults.
	cfg, err := Load()
	if err != nil {
		t.Fatalf("expected Load() to succeed with defaults, got: %v", err)
	}
	if cfg.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Port)
	}
	if cfg.Storage != StoragePostgres {
		t.Fatalf("expected postgres storage by default, got %q", cfg.Storage)
	}
	if cfg.RunCeilingWindow != time.Hour {
		t.Fatalf("expected 1h ceiling window, got %s", cfg.RunCeilingWindow)
	}
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{
			Port: 8080, Storage: StorageMemory, Workers: 1, QueueSize: 1, RunStallTimeout: time.Minute,
			DefaultMaxSteps: 1, DeliveryBatchSize: 1, MaxRequestBodyBytes: 1, OTELSampleRatio: 1,
		}
	}
	if err := base().Validate(); err != nil {
		t.Fatalf("expected valid config, got: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown storage", func(c *Config) { c.Storage = "sqlite" }, "HIBIKI_STORAGE"},
		{"postgres without url", func(c *Config) { c.Storage = StoragePostgres }, "DATABASE_URL"},
		{"no workers", func(c *Config) { c.Workers = 0 }, "HIBIKI_WORKERS"},
		{"no stall timeout", func(c *Config) { c.RunStallTimeout = 0 }, "HIBIKI_RUN_STALL_TIMEOUT"},
		{"ceiling without window", func(c *Config) { c.RunCeiling = 5 }, "HIBIKI_RUN_CEILING_WINDOW"},
		{"short jwt secret", func(c *Config) { c.JWTSecret = "short" }, "HIBIKI_JWT_SECRET"},
		{"sample ratio above one", func(c *Config) { c.OTELSampleRatio = 1.5 }, "HIBIKI_OTEL_SAMPLE_RATIO"},
		{"limiter without rate", func(c *Config) { c.RateLimitEnabled = true }, "HIBIKI_RATE_LIMIT_RPS"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(&c)
			err := c.Validate()
			if err == nil {
				t.Fatal("expected validation error, got nil")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error should mention %s, got: %s", tt.want, err)
			}
		})
	}
}
