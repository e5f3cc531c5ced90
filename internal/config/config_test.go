package config

import (
	"testing"
	"time"
)

func TestDefaultsAreValid(t *testing.T) {
	t.Parallel()
	if err := Defaults().Validate(); err != nil {
		t.Fatalf("Defaults() produced an invalid config: %v", err)
	}
}

func TestLoadFromEnvAppliesDefaultsWhenUnset(t *testing.T) {
	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}
	want := Defaults()
	if cfg != want {
		t.Fatalf("LoadFromEnv() = %+v, want defaults %+v", cfg, want)
	}
}

func TestLoadFromEnvOverridesPort(t *testing.T) {
	t.Setenv("MACOSUSE_PORT", "9100")
	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}
	if cfg.Port != 9100 {
		t.Errorf("Port = %d, want 9100", cfg.Port)
	}
}

func TestLoadFromEnvOverridesDurationsInSeconds(t *testing.T) {
	t.Setenv("MACOSUSE_ELEMENT_TTL_SECONDS", "45")
	t.Setenv("MACOSUSE_OPERATION_RETENTION_SECONDS", "120")
	t.Setenv("MACOSUSE_OBSERVATION_POLL_INTERVAL_SECONDS", "1")

	cfg, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("LoadFromEnv() error = %v", err)
	}
	if cfg.ElementTTL != 45*time.Second {
		t.Errorf("ElementTTL = %s, want 45s", cfg.ElementTTL)
	}
	if cfg.OperationRetention != 120*time.Second {
		t.Errorf("OperationRetention = %s, want 120s", cfg.OperationRetention)
	}
	if cfg.ObservationPollInterval != time.Second {
		t.Errorf("ObservationPollInterval = %s, want 1s", cfg.ObservationPollInterval)
	}
}

func TestLoadFromEnvRejectsMismatchedTLSPair(t *testing.T) {
	t.Setenv("MACOSUSE_TLS_CERT_PATH", "/tmp/cert.pem")
	if _, err := LoadFromEnv(); err == nil {
		t.Fatal("expected error when tls_cert_path is set without tls_key_path")
	}
}

func TestLoadFromEnvRejectsInvalidPort(t *testing.T) {
	t.Setenv("MACOSUSE_PORT", "0")
	if _, err := LoadFromEnv(); err == nil {
		t.Fatal("expected error for port 0")
	}
}

func TestValidateRejectsNonPositiveBuffer(t *testing.T) {
	t.Parallel()
	cfg := Defaults()
	cfg.CompletedInputBuffer = 0
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for zero completed_input_buffer")
	}
}
