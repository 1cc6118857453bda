package launcher

import (
	"controlplane/internal/config"
	"controlplane/pkg/circuitbreaker"
	"time"
)

// Config configures a Launcher.
type Config struct {
	Workers     int           // concurrent backend calls (default: 8)
	QueueSize   int           // calls waiting for a worker (default: 64)
	CallTimeout time.Duration // per backend call (default: 30s)
	RateLimit   float64       // backend calls per second, 0 = unlimited
	RateBurst   int           // default: 1
	Breaker     circuitbreaker.Config
}

// LoadConfigFromEnv loads launcher configuration from environment variables.
func LoadConfigFromEnv() Config {
	return Config{
		Workers:     config.GetIntEnv("LAUNCHER_WORKERS", 8),
		QueueSize:   config.GetIntEnv("LAUNCHER_QUEUE_SIZE", 64),
		CallTimeout: config.GetDurationEnv("LAUNCHER_CALL_TIMEOUT", 30*time.Second),
		RateLimit:   float64(config.GetIntEnv("LAUNCHER_RATE_LIMIT", 0)),
		RateBurst:   config.GetIntEnv("LAUNCHER_RATE_BURST", 5),
		Breaker: circuitbreaker.Config{
			Threshold: config.GetIntEnv("LAUNCHER_BREAKER_THRESHOLD", 5),
			Cooldown:  config.GetDurationEnv("LAUNCHER_BREAKER_COOLDOWN", 30*time.Second),
		},
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
	if c.RateBurst <= 0 {
		c.RateBurst = 1
	}
	return c
}
