package dispatcher

import (
	"controlplane/internal/config"
	"controlplane/pkg/backoff"
	"time"
)

// Config holds configuration for notification delivery.
type Config struct {
	Lanes            int            // delivery goroutines; a job always uses the same one (default: 8)
	LaneBuffer       int            // notifications waiting per lane (default: 1000)
	HTTPTimeout      time.Duration  // per-request timeout (default: 10s)
	DeliveryTimeout  time.Duration  // budget for one notification including retries (default: 30s)
	MaxRetries       int            // retries after the first request (default: 3)
	Backoff          backoff.Config // between retries
	BreakerThreshold int            // consecutive failures that open a host's circuit (default: 5)
	BreakerCooldown  time.Duration  // how long an open circuit drops notifications (default: 30s)
}

// LoadConfigFromEnv loads notification configuration from environment variables.
func LoadConfigFromEnv() Config {
	cfg := Config{
		Lanes:            config.GetIntEnv("NOTIFY_LANES", 8),
		LaneBuffer:       config.GetIntEnv("NOTIFY_LANE_BUFFER", 1000),
		HTTPTimeout:      config.GetDurationEnv("NOTIFY_HTTP_TIMEOUT", 10*time.Second),
		DeliveryTimeout:  config.GetDurationEnv("NOTIFY_DELIVERY_TIMEOUT", 30*time.Second),
		MaxRetries:       config.GetIntEnv("NOTIFY_MAX_RETRIES", 3),
		BreakerThreshold: config.GetIntEnv("NOTIFY_BREAKER_THRESHOLD", 5),
		BreakerCooldown:  config.GetDurationEnv("NOTIFY_BREAKER_COOLDOWN", 30*time.Second),
	}
	return cfg.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.Lanes <= 0 {
		c.Lanes = 8
	}
	if c.LaneBuffer <= 0 {
		c.LaneBuffer = 1000
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = 10 * time.Second
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = 30 * time.Second
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 3
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = 5
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 30 * time.Second
	}
	return c
}
