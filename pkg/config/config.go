// Package config loads service configuration from the environment.
// Every tunable has a default matching the documented behavior; the .env
// file is loaded by the CLI layer before this package reads anything.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config aggregates all component configuration.
type Config struct {
	Dispatcher    DispatcherConfig
	Worker        WorkerConfig
	Webhook       WebhookConfig
	Storage       StorageConfig
	Transcription TranscriptionConfig
	Credits       CreditsConfig
	API           APIConfig
}

// DispatcherConfig tunes the scheduler loop and the heartbeat janitor.
type DispatcherConfig struct {
	TickInterval       time.Duration
	PreRoll            time.Duration
	HeartbeatTimeout   time.Duration
	LaunchRetryBackoff time.Duration
	LaunchRetryMax     time.Duration
	ShardCount         int
	LauncherKind       string // "process" or "container"
	WorkerBinary       string // path to the attend binary for process launches
	ContainerImage     string
	ContainerRuntime   string // "docker" or "podman"
}

// WorkerConfig tunes the per-bot controller.
type WorkerConfig struct {
	HeartbeatInterval time.Duration
	ShutdownTimeout   time.Duration
	FlushTimeout      time.Duration
	TempDir           string
}

// WebhookConfig tunes the delivery engine.
type WebhookConfig struct {
	WorkerCount    int
	ClaimBatchSize int
	ConnectTimeout time.Duration
	TotalTimeout   time.Duration
	PollInterval   time.Duration
}

// StorageConfig selects and configures the blob store backend.
type StorageConfig struct {
	Backend string // "s3", "swift", or "local"

	// S3-compatible settings (AWS, MinIO).
	S3Bucket       string
	S3Region       string
	S3Endpoint     string
	S3AccessKeyID  string
	S3SecretKey    string
	S3UsePathStyle bool

	// OpenStack Swift application-credential settings.
	SwiftAuthURL      string
	SwiftContainer    string
	SwiftCredentialID string
	SwiftSecret       string
	SwiftTempURLKey   string

	// Local filesystem root (tests and development).
	LocalRoot string
}

// TranscriptionConfig tunes the transcription coordinator.
type TranscriptionConfig struct {
	IdleTimeout time.Duration
	QueueFrames int
	DeepgramURL string
	SampleRate  int
}

// CreditsConfig tunes the accounting gate.
type CreditsConfig struct {
	// EncryptionKey is the 32-byte AES key (hex) for the credential table.
	EncryptionKey string
}

// APIConfig tunes the HTTP surface.
type APIConfig struct {
	Port            string
	ShutdownTimeout time.Duration
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{
		Dispatcher: DispatcherConfig{
			TickInterval:       durationEnv("DISPATCHER_TICK_INTERVAL", 5*time.Second),
			PreRoll:            durationEnv("DISPATCHER_PRE_ROLL", 60*time.Second),
			HeartbeatTimeout:   durationEnv("DISPATCHER_HEARTBEAT_TIMEOUT", 120*time.Second),
			LaunchRetryBackoff: durationEnv("DISPATCHER_LAUNCH_RETRY_BACKOFF", 15*time.Second),
			LaunchRetryMax:     durationEnv("DISPATCHER_LAUNCH_RETRY_MAX", 10*time.Minute),
			ShardCount:         intEnv("DISPATCHER_SHARD_COUNT", 16),
			LauncherKind:       getEnvOrDefault("LAUNCHER_KIND", "process"),
			WorkerBinary:       getEnvOrDefault("WORKER_BINARY", os.Args[0]),
			ContainerImage:     os.Getenv("WORKER_CONTAINER_IMAGE"),
			ContainerRuntime:   getEnvOrDefault("CONTAINER_RUNTIME", "docker"),
		},
		Worker: WorkerConfig{
			HeartbeatInterval: durationEnv("WORKER_HEARTBEAT_INTERVAL", 15*time.Second),
			ShutdownTimeout:   durationEnv("WORKER_SHUTDOWN_TIMEOUT", 120*time.Second),
			FlushTimeout:      durationEnv("WORKER_FLUSH_TIMEOUT", 30*time.Second),
			TempDir:           getEnvOrDefault("WORKER_TEMP_DIR", os.TempDir()),
		},
		Webhook: WebhookConfig{
			WorkerCount:    intEnv("WEBHOOK_WORKER_COUNT", 4),
			ClaimBatchSize: intEnv("WEBHOOK_CLAIM_BATCH_SIZE", 20),
			ConnectTimeout: durationEnv("WEBHOOK_CONNECT_TIMEOUT", 10*time.Second),
			TotalTimeout:   durationEnv("WEBHOOK_TOTAL_TIMEOUT", 30*time.Second),
			PollInterval:   durationEnv("WEBHOOK_POLL_INTERVAL", 2*time.Second),
		},
		Storage: StorageConfig{
			Backend:           getEnvOrDefault("STORAGE_BACKEND", "s3"),
			S3Bucket:          os.Getenv("STORAGE_S3_BUCKET"),
			S3Region:          getEnvOrDefault("STORAGE_S3_REGION", "us-east-1"),
			S3Endpoint:        os.Getenv("STORAGE_S3_ENDPOINT"),
			S3AccessKeyID:     os.Getenv("STORAGE_S3_ACCESS_KEY_ID"),
			S3SecretKey:       os.Getenv("STORAGE_S3_SECRET_ACCESS_KEY"),
			S3UsePathStyle:    boolEnv("STORAGE_S3_USE_PATH_STYLE", false),
			SwiftAuthURL:      os.Getenv("STORAGE_SWIFT_AUTH_URL"),
			SwiftContainer:    os.Getenv("STORAGE_SWIFT_CONTAINER"),
			SwiftCredentialID: os.Getenv("STORAGE_SWIFT_APP_CREDENTIAL_ID"),
			SwiftSecret:       os.Getenv("STORAGE_SWIFT_APP_CREDENTIAL_SECRET"),
			SwiftTempURLKey:   os.Getenv("STORAGE_SWIFT_TEMP_URL_KEY"),
			LocalRoot:         getEnvOrDefault("STORAGE_LOCAL_ROOT", "./data"),
		},
		Transcription: TranscriptionConfig{
			IdleTimeout: durationEnv("TRANSCRIPTION_IDLE_TIMEOUT", 10*time.Second),
			QueueFrames: intEnv("TRANSCRIPTION_QUEUE_FRAMES", 200),
			DeepgramURL: getEnvOrDefault("DEEPGRAM_URL", "wss://api.deepgram.com/v1/listen"),
			SampleRate:  intEnv("TRANSCRIPTION_SAMPLE_RATE", 48000),
		},
		Credits: CreditsConfig{
			EncryptionKey: os.Getenv("CREDENTIALS_ENCRYPTION_KEY"),
		},
		API: APIConfig{
			Port:            getEnvOrDefault("HTTP_PORT", "8080"),
			ShutdownTimeout: durationEnv("HTTP_SHUTDOWN_TIMEOUT", 5*time.Second),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Dispatcher.LauncherKind {
	case "process", "container":
	default:
		return fmt.Errorf("invalid LAUNCHER_KIND %q", c.Dispatcher.LauncherKind)
	}
	switch c.Storage.Backend {
	case "s3", "swift", "local":
	default:
		return fmt.Errorf("invalid STORAGE_BACKEND %q", c.Storage.Backend)
	}
	if c.Dispatcher.ShardCount <= 0 {
		return fmt.Errorf("DISPATCHER_SHARD_COUNT must be positive")
	}
	return nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func durationEnv(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return defaultVal
	}
	return d
}

func intEnv(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}
	return n
}

func boolEnv(key string, defaultVal bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return defaultVal
	}
	return b
}
