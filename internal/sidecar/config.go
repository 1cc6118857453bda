package sidecar

import (
	"controlplane/internal/config"
	"controlplane/internal/storage"
	"time"
)

// Config holds configuration for the workload sidecar.
type Config struct {
	WorkloadRef       string
	Descriptor        string // launch descriptor JSON
	ControlPlaneURL   string
	Token             string
	SharedVolumePath  string
	HeartbeatInterval time.Duration
	ReportTimeout     time.Duration
	ReportRetries     int
	RunTimeout        time.Duration
	PayloadRefPrefix  string // e.g. docker://<sidecar container>; used when no bucket is set
	OutputBucket      string
	OutputPrefix      string
	S3                storage.S3Config
}

// LoadConfigFromEnv loads sidecar configuration from environment variables.
func LoadConfigFromEnv() *Config {
	secretKey := config.GetSecretFile(config.GetEnv("S3_SECRET_ACCESS_KEY_FILE", ""))
	if secretKey == "" {
		secretKey = config.GetEnv("S3_SECRET_ACCESS_KEY", "")
	}

	return &Config{
		WorkloadRef:       config.GetEnv("WORKLOAD_REF", ""),
		Descriptor:        config.GetEnv("WORKLOAD_DESCRIPTOR", ""),
		ControlPlaneURL:   config.GetEnv("CONTROLPLANE_URL", "http://host.docker.internal:8080"),
		Token:             config.GetEnv("CONTROLPLANE_TOKEN", ""),
		SharedVolumePath:  config.GetEnv("SHARED_VOLUME_PATH", "/workspace"),
		HeartbeatInterval: config.GetDurationEnv("HEARTBEAT_INTERVAL", 10*time.Second),
		ReportTimeout:     config.GetDurationEnv("REPORT_TIMEOUT", 30*time.Second),
		ReportRetries:     config.GetIntEnv("REPORT_RETRIES", 5),
		RunTimeout:        config.GetDurationEnv("RUN_TIMEOUT", 24*time.Hour),
		PayloadRefPrefix:  config.GetEnv("PAYLOAD_REF_PREFIX", ""),
		OutputBucket:      config.GetEnv("OUTPUT_BUCKET", ""),
		OutputPrefix:      config.GetEnv("OUTPUT_PREFIX", "payloads"),
		S3: storage.S3Config{
			Region:          config.GetEnv("S3_REGION", ""),
			Endpoint:        config.GetEnv("S3_ENDPOINT", ""),
			AccessKeyID:     config.GetEnv("S3_ACCESS_KEY_ID", ""),
			SecretAccessKey: secretKey,
			ForcePathStyle:  config.GetBoolEnv("S3_FORCE_PATH_STYLE", false),
		},
	}
}
