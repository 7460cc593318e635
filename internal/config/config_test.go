package config

import (
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "test-secret")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if cfg.HTTPAddress != "0.0.0.0:8080" {
		t.Fatalf("unexpected http address %q", cfg.HTTPAddress)
	}
	if cfg.StoreMode != "sqlite" || cfg.DatabasePath != "rosterhub.db" {
		t.Fatalf("unexpected store defaults %+v", cfg)
	}
	if cfg.BatchSize != 25 || cfg.FlushInterval != 100*time.Millisecond {
		t.Fatalf("unexpected batch defaults %+v", cfg)
	}
	if cfg.WorkerCount != 8 || cfg.QueueCapacity != 256 {
		t.Fatalf("unexpected worker defaults %+v", cfg)
	}
	if cfg.Strategy != "heuristic" || cfg.ConfidenceThreshold != 0.75 {
		t.Fatalf("unexpected conflict defaults %+v", cfg)
	}
	if cfg.RateLimitPerSecond != 20 || cfg.RateLimitBurst != 40 {
		t.Fatalf("unexpected rate limit defaults %+v", cfg)
	}
}

func TestLoadRequiresSigningSecret(t *testing.T) {
	if _, err := Load(NewViper()); err == nil {
		t.Fatalf("expected error without signing secret")
	}
}

func TestLoadValidatesRemoteStoreSettings(t *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "test-secret")
	configViper.Set("store.mode", "remote")

	if _, err := Load(configViper); err == nil {
		t.Fatalf("expected error without remote base url")
	}

	configViper.Set("store.base_url", "https://state.example.com")
	if _, err := Load(configViper); err == nil {
		t.Fatalf("expected error without remote token")
	}

	configViper.Set("store.token", "remote-token")
	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if cfg.StoreBaseURL != "https://state.example.com" {
		t.Fatalf("unexpected base url %q", cfg.StoreBaseURL)
	}
}

func TestLoadRejectsUnknownStoreMode(t *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "test-secret")
	configViper.Set("store.mode", "cassette")

	if _, err := Load(configViper); err == nil {
		t.Fatalf("expected error for unknown store mode")
	}
}

func TestLoadRejectsUnknownStrategy(t *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "test-secret")
	configViper.Set("conflict.strategy", "coin_flip")

	if _, err := Load(configViper); err == nil {
		t.Fatalf("expected error for unknown strategy")
	}
}

func TestLoadRejectsOutOfRangeThreshold(t *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "test-secret")
	configViper.Set("conflict.confidence_threshold", 1.5)

	if _, err := Load(configViper); err == nil {
		t.Fatalf("expected error for threshold above 1")
	}
}

func TestLoadRejectsNonPositiveKnobs(t *testing.T) {
	cases := map[string]any{
		"batch.size":             0,
		"batch.flush_interval":   "0s",
		"workers.count":          -1,
		"workers.queue_capacity": 0,
		"ratelimit.per_second":   0.0,
		"ratelimit.burst":        0,
		"pool.capacity":          0,
	}
	for key, value := range cases {
		configViper := NewViper()
		configViper.Set("auth.signing_secret", "test-secret")
		configViper.Set(key, value)
		if _, err := Load(configViper); err == nil {
			t.Fatalf("expected error for non-positive %s", key)
		}
	}
}
