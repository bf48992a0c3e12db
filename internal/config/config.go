package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Environment   string
	LogLevel      string
	AWS           AWSConfig
	Storage       StorageConfig
	API           APIConfig
	Worker        WorkerConfig
	Pipeline      PipelineConfig
	Observability ObservabilityConfig
	CORS          CORSConfig
}

// AWSConfig holds AWS-specific configuration.
type AWSConfig struct {
	Region        string
	MediaBucket   string
	SQSQueueURL   string
	DynamoDBTable string
	CDNDomain     string
}

// StorageConfig selects the record, file and queue backends.
type StorageConfig struct {
	StoreBackend   string
	DatabaseDriver string
	DatabaseDSN    string
	FileBackend    string
	LocalMediaDir  string
	PublicBaseURL  string
	QueueBackend   string
}

// APIConfig holds API server configuration.
type APIConfig struct {
	Port          string
	Username      string
	Password      string
	JWTSecret     string
	ViewRateLimit int
}

// WorkerConfig holds worker-specific configuration.
type WorkerConfig struct {
	MaxConcurrentJobs int
	MetricsPort       int
	// LeaseExtendInterval is how often a running job renews its SQS message.
	LeaseExtendInterval time.Duration
}

// PipelineConfig holds transcoding pipeline configuration.
type PipelineConfig struct {
	MaxConcurrentEncodes int
	ProbeTimeout         time.Duration
	EncodeTimeout        time.Duration
	FrameTimeout         time.Duration
	WorkDir              string
	FFmpegPath           string
	FFprobePath          string
	QualityProfiles      []string
	ZeroRenditionPolicy  string
}

// ObservabilityConfig holds observability configuration.
type ObservabilityConfig struct {
	OTLPEndpoint string
}

// CORSConfig holds CORS configuration.
type CORSConfig struct {
	AllowedOrigins []string
}

// Backend names
const (
	BackendMemory   = "memory"
	BackendDynamoDB = "dynamodb"
	BackendSQL      = "sql"
	BackendLocal    = "local"
	BackendS3       = "s3"
	BackendSQS      = "sqs"
)

// Zero-rendition policies
const (
	PolicyReady  = "ready"
	PolicyFailed = "failed"
)

// sqsVisibilityWindow matches the worker's SQS receive visibility timeout.
const sqsVisibilityWindow = 15 * time.Minute

// Default values
const (
	DefaultPort                 = "8080"
	DefaultMetricsPort          = 2112
	DefaultMaxConcurrentJobs    = 2
	DefaultLeaseExtendInterval  = 5 * time.Minute
	DefaultMaxConcurrentEncodes = 4
	DefaultProbeTimeout         = 30 * time.Second
	DefaultEncodeTimeout        = 30 * time.Minute
	DefaultFrameTimeout         = 30 * time.Second
	DefaultWorkDir              = "/tmp/media-pipeline"
	DefaultLocalMediaDir        = "./data/media"
	DefaultOTLPEndpoint         = "localhost:4317"
	DefaultRegion               = "us-west-2"
	DefaultViewRateLimit        = 120
)

// Load reads configuration from environment variables and returns a Config.
func Load() (*Config, error) {
	cfg := &Config{
		Environment: getEnv("ENV", "dev"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		AWS: AWSConfig{
			Region:        getEnv("AWS_REGION", DefaultRegion),
			MediaBucket:   os.Getenv("MEDIA_BUCKET"),
			SQSQueueURL:   os.Getenv("SQS_QUEUE_URL"),
			DynamoDBTable: os.Getenv("DYNAMODB_TABLE"),
			CDNDomain:     os.Getenv("CDN_DOMAIN"),
		},
		Storage: StorageConfig{
			StoreBackend:   strings.ToLower(getEnv("STORE_BACKEND", BackendMemory)),
			DatabaseDriver: strings.ToLower(getEnv("DATABASE_DRIVER", "postgres")),
			DatabaseDSN:    os.Getenv("DATABASE_DSN"),
			FileBackend:    strings.ToLower(getEnv("FILE_BACKEND", BackendLocal)),
			LocalMediaDir:  getEnv("LOCAL_MEDIA_DIR", DefaultLocalMediaDir),
			PublicBaseURL:  getEnv("PUBLIC_BASE_URL", "http://localhost:"+getEnv("PORT", DefaultPort)+"/media"),
			QueueBackend:   strings.ToLower(getEnv("QUEUE_BACKEND", BackendLocal)),
		},
		API: APIConfig{
			Port:          getEnv("PORT", DefaultPort),
			Username:      os.Getenv("API_USERNAME"),
			Password:      os.Getenv("API_PASSWORD"),
			JWTSecret:     os.Getenv("JWT_SECRET"),
			ViewRateLimit: getEnvInt("VIEW_RATE_LIMIT", DefaultViewRateLimit),
		},
		Worker: WorkerConfig{
			MaxConcurrentJobs: getEnvInt("MAX_CONCURRENT_JOBS", DefaultMaxConcurrentJobs),
			MetricsPort:         getEnvInt("METRICS_PORT", DefaultMetricsPort),
			LeaseExtendInterval: getEnvDuration("LEASE_EXTEND_INTERVAL", DefaultLeaseExtendInterval),
		},
		Pipeline: PipelineConfig{
			MaxConcurrentEncodes: getEnvInt("MAX_CONCURRENT_ENCODES", DefaultMaxConcurrentEncodes),
			ProbeTimeout:         getEnvDuration("PROBE_TIMEOUT", DefaultProbeTimeout),
			EncodeTimeout:        getEnvDuration("ENCODE_TIMEOUT", DefaultEncodeTimeout),
			FrameTimeout:         getEnvDuration("FRAME_TIMEOUT", DefaultFrameTimeout),
			WorkDir:              getEnv("WORK_DIR", DefaultWorkDir),
			FFmpegPath:           getEnv("FFMPEG_PATH", "ffmpeg"),
			FFprobePath:          getEnv("FFPROBE_PATH", "ffprobe"),
			QualityProfiles:      getEnvSlice("QUALITY_PROFILES", nil),
			ZeroRenditionPolicy:  strings.ToLower(getEnv("ZERO_RENDITION_POLICY", PolicyReady)),
		},
		Observability: ObservabilityConfig{
			OTLPEndpoint: getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", DefaultOTLPEndpoint),
		},
		CORS: CORSConfig{
			AllowedOrigins: getEnvSlice("CORS_ALLOWED_ORIGINS", []string{
				"http://localhost:3000",
			}),
		},
	}

	return cfg, nil
}

// LoadAPI loads configuration required for the API service.
func LoadAPI() (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}

	if err := cfg.ValidateAPI(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadWorker loads configuration required for the Worker service.
func LoadWorker() (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}

	if err := cfg.ValidateWorker(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ValidateAPI validates configuration required for the API service.
func (c *Config) ValidateAPI() error {
	errs := c.validateBackends()

	// In production, require explicit credentials
	if c.IsProduction() {
		if c.API.Username == "" {
			errs = append(errs, "API_USERNAME is required in production")
		}
		if c.API.Password == "" {
			errs = append(errs, "API_PASSWORD is required in production")
		}
		if len(c.API.JWTSecret) < 32 {
			errs = append(errs, "JWT_SECRET must be at least 32 characters in production")
		}
		if c.Storage.StoreBackend == BackendMemory {
			errs = append(errs, "STORE_BACKEND=memory is not allowed in production")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// ValidateWorker validates configuration required for the Worker service.
// A standalone worker only makes sense with shared backends.
func (c *Config) ValidateWorker() error {
	errs := c.validateBackends()

	if c.Storage.QueueBackend != BackendSQS {
		errs = append(errs, "QUEUE_BACKEND must be sqs for a standalone worker")
	}
	if c.Storage.StoreBackend == BackendMemory {
		errs = append(errs, "STORE_BACKEND must not be memory for a standalone worker")
	}
	if c.Worker.LeaseExtendInterval >= sqsVisibilityWindow {
		errs = append(errs, fmt.Sprintf("LEASE_EXTEND_INTERVAL must be shorter than the %s queue visibility timeout", sqsVisibilityWindow))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

func (c *Config) validateBackends() []string {
	var errs []string

	switch c.Storage.StoreBackend {
	case BackendMemory:
	case BackendDynamoDB:
		if c.AWS.DynamoDBTable == "" {
			errs = append(errs, "DYNAMODB_TABLE is required")
		}
	case BackendSQL:
		if c.Storage.DatabaseDSN == "" {
			errs = append(errs, "DATABASE_DSN is required")
		}
		if c.Storage.DatabaseDriver != "postgres" && c.Storage.DatabaseDriver != "sqlite" {
			errs = append(errs, "DATABASE_DRIVER must be postgres or sqlite")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown STORE_BACKEND %q", c.Storage.StoreBackend))
	}

	switch c.Storage.FileBackend {
	case BackendLocal:
		if c.Storage.LocalMediaDir == "" {
			errs = append(errs, "LOCAL_MEDIA_DIR is required")
		}
	case BackendS3:
		if c.AWS.MediaBucket == "" {
			errs = append(errs, "MEDIA_BUCKET is required")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown FILE_BACKEND %q", c.Storage.FileBackend))
	}

	switch c.Storage.QueueBackend {
	case BackendLocal:
	case BackendSQS:
		if c.AWS.SQSQueueURL == "" {
			errs = append(errs, "SQS_QUEUE_URL is required")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown QUEUE_BACKEND %q", c.Storage.QueueBackend))
	}

	if c.Pipeline.ZeroRenditionPolicy != PolicyReady && c.Pipeline.ZeroRenditionPolicy != PolicyFailed {
		errs = append(errs, "ZERO_RENDITION_POLICY must be ready or failed")
	}

	return errs
}

// IsProduction returns true if running in production environment.
func (c *Config) IsProduction() bool {
	env := strings.ToLower(c.Environment)
	return env == "prod" || env == "production"
}

// UsesAWS reports whether any configured backend needs AWS clients.
func (c *Config) UsesAWS() bool {
	return c.Storage.StoreBackend == BackendDynamoDB ||
		c.Storage.FileBackend == BackendS3 ||
		c.Storage.QueueBackend == BackendSQS
}

// SlogLevel maps LOG_LEVEL to a slog level.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// GetAPICredentials returns API credentials with fallback for development.
func (c *Config) GetAPICredentials() (username, password string, err error) {
	username = c.API.Username
	password = c.API.Password

	if username == "" || password == "" {
		if c.IsProduction() {
			return "", "", errors.New("API credentials not configured")
		}
		// Development fallback
		return "admin", "secret", nil
	}

	return username, password, nil
}

// GetJWTSecret returns the JWT secret.
func (c *Config) GetJWTSecret() ([]byte, error) {
	secret := c.API.JWTSecret

	if secret == "" {
		return nil, errors.New("JWT_SECRET is required (set it even for development)")
	}

	if len(secret) < 32 && c.IsProduction() {
		return nil, errors.New("JWT_SECRET must be at least 32 characters")
	}

	return []byte(secret), nil
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil && intVal > 0 {
			return intVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil && d > 0 {
			return d
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		parts := strings.Split(value, ",")
		result := make([]string, 0, len(parts))
		for _, p := range parts {
			if trimmed := strings.TrimSpace(p); trimmed != "" {
				result = append(result, trimmed)
			}
		}
		if len(result) > 0 {
			return result
		}
	}
	return defaultValue
}
