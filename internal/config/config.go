// Package config provides configuration loading from environment variables
// and the optional per-kind policy file.
package config

import (
	"time"
)

// ServiceConfig holds configuration for the control plane process.
type ServiceConfig struct {
	Port              string
	MetricsPort       string
	APIKey            string
	WorkloadToken     string        // bearer token sidecars present on workload endpoints
	ShutdownDrainWait time.Duration // time to wait for load balancer to drain (0 to skip)
	StoreDSN          string        // empty selects the in-memory store
	PolicyFile        string        // optional YAML overrides for per-kind policies
	PublicURL         string        // address workloads use to reach the control plane
	SidecarImage      string
	SweepInterval     time.Duration
	PayloadRoot       string // file:// payload references must resolve below this directory
	S3Enabled         bool
	S3Region          string
	S3Endpoint        string
	S3ForcePathStyle  bool
}

// LoadServiceConfig loads service configuration from environment variables.
func LoadServiceConfig() *ServiceConfig {
	return &ServiceConfig{
		Port:              GetEnv("PORT", "8080"),
		MetricsPort:       GetEnv("METRICS_PORT", "9090"),
		APIKey:            GetSecretFile(GetEnv("API_KEY_FILE", "")),
		WorkloadToken:     GetSecretFile(GetEnv("WORKLOAD_TOKEN_FILE", "")),
		ShutdownDrainWait: GetDurationEnv("SHUTDOWN_DRAIN_WAIT", 5*time.Second),
		StoreDSN:          GetEnv("STORE_DSN", ""),
		PolicyFile:        GetEnv("POLICY_FILE", ""),
		PublicURL:         GetEnv("PUBLIC_URL", "http://host.docker.internal:8080"),
		SidecarImage:      GetEnv("SIDECAR_IMAGE", "workload-sidecar:latest"),
		SweepInterval:     GetDurationEnv("HEARTBEAT_SWEEP_INTERVAL", 5*time.Second),
		PayloadRoot:       GetEnv("PAYLOAD_ROOT", ""),
		S3Enabled:         GetBoolEnv("S3_ENABLED", false),
		S3Region:          GetEnv("S3_REGION", ""),
		S3Endpoint:        GetEnv("S3_ENDPOINT", ""),
		S3ForcePathStyle:  GetBoolEnv("S3_FORCE_PATH_STYLE", false),
	}
}
