package docker

import (
	"controlplane/internal/config"
	"os"
	"time"
)

// Config holds configuration for the Docker backend.
type Config struct {
	SidecarImage      string
	SidecarBinary     string        // path of the sidecar binary inside its image, used by the health check
	ControlPlaneURL   string        // address sidecars report to (e.g., http://host.docker.internal:8080)
	Token             string        // bearer token sidecars present on report and heartbeat calls
	Workspace         string        // mount path of the shared volume in both containers
	Network           string        // optional docker network for both containers
	ExtraHosts        []string      // extra /etc/hosts entries (e.g., ["minio.test:host-gateway"])
	HeartbeatInterval time.Duration // sidecar heartbeat period
	HydrationTimeout  time.Duration // health check start period for the sidecar
	PullTimeout       time.Duration
	StopTimeout       int      // seconds
	SidecarEnv        []string // KEY=VALUE pairs forwarded to every sidecar (S3 settings)
}

// LoadConfigFromEnv loads backend configuration from environment variables.
// Sidecar image, control plane URL and token come from the service config.
func LoadConfigFromEnv() Config {
	var forwarded []string
	for _, key := range config.GetListEnv("SIDECAR_ENV_PASSTHROUGH") {
		if v, ok := os.LookupEnv(key); ok {
			forwarded = append(forwarded, key+"="+v)
		}
	}

	return Config{
		SidecarBinary:     config.GetEnv("SIDECAR_BINARY", "/ko-app/workload-sidecar"),
		Workspace:         config.GetEnv("WORKSPACE_PATH", "/workspace"),
		Network:           config.GetEnv("DOCKER_NETWORK", ""),
		ExtraHosts:        config.GetListEnv("EXTRA_HOSTS"),
		HeartbeatInterval: config.GetDurationEnv("SIDECAR_HEARTBEAT_INTERVAL", 10*time.Second),
		HydrationTimeout:  config.GetDurationEnv("HYDRATION_TIMEOUT", 2*time.Minute),
		PullTimeout:       config.GetDurationEnv("IMAGE_PULL_TIMEOUT", 10*time.Minute),
		StopTimeout:       config.GetIntEnv("CONTAINER_STOP_TIMEOUT", 10),
		SidecarEnv:        forwarded,
	}
}

func (c Config) withDefaults() Config {
	if c.SidecarBinary == "" {
		c.SidecarBinary = "/ko-app/workload-sidecar"
	}
	if c.Workspace == "" {
		c.Workspace = "/workspace"
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.HydrationTimeout <= 0 {
		c.HydrationTimeout = 2 * time.Minute
	}
	if c.PullTimeout <= 0 {
		c.PullTimeout = 10 * time.Minute
	}
	if c.StopTimeout <= 0 {
		c.StopTimeout = 10
	}
	return c
}
