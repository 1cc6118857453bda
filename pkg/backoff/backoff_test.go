package backoff

import (
	"testing"
	"time"
)

func TestDelay_Defaults(t *testing.T) {
	t.Parallel()

	tests := []struct {
		retry int
		want  time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{6, 3200 * time.Millisecond},
		{7, 5 * time.Second},
		{500, 5 * time.Second},
	}

	for _, tt := range tests {
		if got := (Config{}).Delay(tt.retry); got != tt.want {
			t.Errorf("Config{}.Delay(%d) = %v, want %v", tt.retry, got, tt.want)
		}
	}
}

func TestConfigDelay(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		cfg   Config
		retry int
		want  time.Duration
	}{
		{"custom initial", Config{Initial: 50 * time.Millisecond, Max: time.Second}, 3, 200 * time.Millisecond},
		{"capped", Config{Initial: 50 * time.Millisecond, Max: 500 * time.Millisecond}, 5, 500 * time.Millisecond},
		{"multiplier", Config{Initial: time.Second, Max: time.Hour, Multiplier: 3}, 3, 9 * time.Second},
		{"multiplier below one uses default", Config{Initial: time.Second, Max: time.Hour, Multiplier: 0.5}, 2, 2 * time.Second},
		{"initial above max", Config{Initial: time.Minute, Max: time.Second}, 1, time.Second},
		{"huge retry does not overflow", Config{Initial: time.Second, Max: time.Hour}, 100000, time.Hour},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.cfg.Delay(tt.retry); got != tt.want {
				t.Errorf("Delay(%d) = %v, want %v", tt.retry, got, tt.want)
			}
		})
	}
}

func TestDelayIsMonotonic(t *testing.T) {
	t.Parallel()
	cfg := Config{Initial: 10 * time.Millisecond, Max: 10 * time.Second}
	prev := time.Duration(0)
	for retry := 1; retry < 40; retry++ {
		d := cfg.Delay(retry)
		if d < prev {
			t.Fatalf("Delay(%d) = %v decreased from %v", retry, d, prev)
		}
		prev = d
	}
}
