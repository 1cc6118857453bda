package dispatcher

import (
	"testing"
	"time"
)

func TestConfig_WithDefaults(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   Config
		want Config
	}{
		{
			name: "zero values",
			in:   Config{},
			want: Config{Lanes: 8, LaneBuffer: 1000, HTTPTimeout: 10 * time.Second, DeliveryTimeout: 30 * time.Second, BreakerThreshold: 5, BreakerCooldown: 30 * time.Second},
		},
		{
			name: "negative values",
			in:   Config{Lanes: -1, LaneBuffer: -1, HTTPTimeout: -1, MaxRetries: -1},
			want: Config{Lanes: 8, LaneBuffer: 1000, HTTPTimeout: 10 * time.Second, DeliveryTimeout: 30 * time.Second, MaxRetries: 3, BreakerThreshold: 5, BreakerCooldown: 30 * time.Second},
		},
		{
			name: "valid values kept",
			in:   Config{Lanes: 2, LaneBuffer: 50, HTTPTimeout: time.Second, DeliveryTimeout: 5 * time.Second, MaxRetries: 1, BreakerThreshold: 2, BreakerCooldown: time.Minute},
			want: Config{Lanes: 2, LaneBuffer: 50, HTTPTimeout: time.Second, DeliveryTimeout: 5 * time.Second, MaxRetries: 1, BreakerThreshold: 2, BreakerCooldown: time.Minute},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.in.withDefaults(); got != tt.want {
				t.Errorf("withDefaults() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestLoadConfigFromEnv(t *testing.T) {
	t.Setenv("NOTIFY_LANES", "4")
	t.Setenv("NOTIFY_MAX_RETRIES", "1")
	t.Setenv("NOTIFY_BREAKER_COOLDOWN", "5s")

	cfg := LoadConfigFromEnv()
	if cfg.Lanes != 4 || cfg.MaxRetries != 1 || cfg.BreakerCooldown != 5*time.Second {
		t.Errorf("Unexpected config: %+v", cfg)
	}
	if cfg.LaneBuffer != 1000 {
		t.Errorf("Expected default LaneBuffer, got %d", cfg.LaneBuffer)
	}
}
