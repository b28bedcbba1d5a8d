package dispatcher

import (
	"testing"
	"time"
)

func TestMemoryConfig_WithDefaults(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   MemoryConfig
	}{
		{"zero values", MemoryConfig{}},
		{"negative values", MemoryConfig{BufferSize: -1, Workers: -1, HTTPTimeout: -1, BreakerThreshold: -1, BreakerCooldown: -1, MaxRequeues: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := tt.in.withDefaults()
			if cfg.BufferSize != 1000 {
				t.Errorf("Expected BufferSize 1000, got %d", cfg.BufferSize)
			}
			if cfg.Workers != 4 {
				t.Errorf("Expected Workers 4, got %d", cfg.Workers)
			}
			if cfg.HTTPTimeout != 10*time.Second {
				t.Errorf("Expected HTTPTimeout 10s, got %v", cfg.HTTPTimeout)
			}
			if cfg.BreakerThreshold != 5 || cfg.BreakerCooldown != 30*time.Second {
				t.Errorf("Unexpected breaker defaults: %d, %v", cfg.BreakerThreshold, cfg.BreakerCooldown)
			}
			if cfg.MaxRequeues != 10 {
				t.Errorf("Expected MaxRequeues 10, got %d", cfg.MaxRequeues)
			}
		})
	}
}

func TestMemoryConfig_WithDefaults_PreservesValues(t *testing.T) {
	t.Parallel()
	cfg := MemoryConfig{
		BufferSize:       50,
		Workers:          3,
		HTTPTimeout:      2 * time.Second,
		MaxRetries:       0,
		BreakerThreshold: 2,
		BreakerCooldown:  time.Second,
		MaxRequeues:      1,
	}.withDefaults()

	if cfg.BufferSize != 50 || cfg.Workers != 3 || cfg.HTTPTimeout != 2*time.Second {
		t.Errorf("Expected configured values preserved, got %+v", cfg)
	}
	if cfg.MaxRetries != 0 {
		t.Errorf("Expected zero retries preserved, got %d", cfg.MaxRetries)
	}
	if cfg.BreakerThreshold != 2 || cfg.BreakerCooldown != time.Second || cfg.MaxRequeues != 1 {
		t.Errorf("Expected breaker values preserved, got %+v", cfg)
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("DISPATCHER_WORKERS", "7")
	t.Setenv("DISPATCHER_BREAKER_COOLDOWN", "5s")

	cfg := LoadConfigFromEnv()
	if cfg.Workers != 7 {
		t.Errorf("Expected Workers 7, got %d", cfg.Workers)
	}
	if cfg.BreakerCooldown != 5*time.Second {
		t.Errorf("Expected cooldown 5s, got %v", cfg.BreakerCooldown)
	}
	if cfg.MaxRetries != 3 {
		t.Errorf("Expected MaxRetries 3, got %d", cfg.MaxRetries)
	}
}
