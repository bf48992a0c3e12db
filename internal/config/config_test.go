package config

import (
	"log/slog"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	t.Setenv("MEDIA_BUCKET", "test-bucket")
	t.Setenv("SQS_QUEUE_URL", "https://sqs.test")
	t.Setenv("DYNAMODB_TABLE", "test-table")
	t.Setenv("STORE_BACKEND", "DynamoDB")
	t.Setenv("ENCODE_TIMEOUT", "90s")
	t.Setenv("QUALITY_PROFILES", "360p, 720p")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.AWS.MediaBucket != "test-bucket" {
		t.Errorf("MediaBucket = %v, want %v", cfg.AWS.MediaBucket, "test-bucket")
	}
	if cfg.Storage.StoreBackend != BackendDynamoDB {
		t.Errorf("StoreBackend = %v, want %v", cfg.Storage.StoreBackend, BackendDynamoDB)
	}
	if cfg.Pipeline.EncodeTimeout != 90*time.Second {
		t.Errorf("EncodeTimeout = %v, want 90s", cfg.Pipeline.EncodeTimeout)
	}
	if len(cfg.Pipeline.QualityProfiles) != 2 || cfg.Pipeline.QualityProfiles[1] != "720p" {
		t.Errorf("QualityProfiles = %v, want [360p 720p]", cfg.Pipeline.QualityProfiles)
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Storage.StoreBackend != BackendMemory {
		t.Errorf("StoreBackend = %v, want memory", cfg.Storage.StoreBackend)
	}
	if cfg.Pipeline.ZeroRenditionPolicy != PolicyReady {
		t.Errorf("ZeroRenditionPolicy = %v, want ready", cfg.Pipeline.ZeroRenditionPolicy)
	}
	if cfg.Pipeline.ProbeTimeout != DefaultProbeTimeout {
		t.Errorf("ProbeTimeout = %v, want %v", cfg.Pipeline.ProbeTimeout, DefaultProbeTimeout)
	}
	if err := cfg.ValidateAPI(); err != nil {
		t.Errorf("ValidateAPI() unexpected error = %v", err)
	}
}

func TestValidateAPI_MissingRequired(t *testing.T) {
	tests := []struct {
		name    string
		storage StorageConfig
	}{
		{"dynamodb without table", StorageConfig{StoreBackend: BackendDynamoDB, FileBackend: BackendLocal, LocalMediaDir: "x", QueueBackend: BackendLocal}},
		{"sql without dsn", StorageConfig{StoreBackend: BackendSQL, DatabaseDriver: "postgres", FileBackend: BackendLocal, LocalMediaDir: "x", QueueBackend: BackendLocal}},
		{"s3 without bucket", StorageConfig{StoreBackend: BackendMemory, FileBackend: BackendS3, QueueBackend: BackendLocal}},
		{"sqs without url", StorageConfig{StoreBackend: BackendMemory, FileBackend: BackendLocal, LocalMediaDir: "x", QueueBackend: BackendSQS}},
		{"unknown store", StorageConfig{StoreBackend: "mongo", FileBackend: BackendLocal, LocalMediaDir: "x", QueueBackend: BackendLocal}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{
				Environment: "dev",
				Storage:     tt.storage,
				Pipeline:    PipelineConfig{ZeroRenditionPolicy: PolicyReady},
			}
			if err := cfg.ValidateAPI(); err == nil {
				t.Error("ValidateAPI() expected error")
			}
		})
	}
}

func TestValidateAPI_ProductionRequiresCredentials(t *testing.T) {
	cfg := &Config{
		Environment: "production",
		AWS: AWSConfig{
			MediaBucket:   "bucket",
			SQSQueueURL:   "url",
			DynamoDBTable: "table",
		},
		Storage: StorageConfig{
			StoreBackend: BackendDynamoDB,
			FileBackend:  BackendS3,
			QueueBackend: BackendSQS,
		},
		Pipeline: PipelineConfig{ZeroRenditionPolicy: PolicyReady},
		API:      APIConfig{}, // Missing credentials
	}

	err := cfg.ValidateAPI()
	if err == nil {
		t.Error("ValidateAPI() expected error for missing credentials in production")
	}
}

func TestValidateWorker(t *testing.T) {
	cfg := &Config{
		Environment: "dev",
		AWS: AWSConfig{
			MediaBucket:   "media",
			SQSQueueURL:   "url",
			DynamoDBTable: "table",
		},
		Storage: StorageConfig{
			StoreBackend: BackendDynamoDB,
			FileBackend:  BackendS3,
			QueueBackend: BackendSQS,
		},
		Pipeline: PipelineConfig{ZeroRenditionPolicy: PolicyFailed},
	}

	if err := cfg.ValidateWorker(); err != nil {
		t.Errorf("ValidateWorker() unexpected error = %v", err)
	}

	cfg.Worker.LeaseExtendInterval = 20 * time.Minute
	if err := cfg.ValidateWorker(); err == nil {
		t.Error("ValidateWorker() expected error for a lease interval past the visibility timeout")
	}
	cfg.Worker.LeaseExtendInterval = DefaultLeaseExtendInterval

	cfg.Storage.QueueBackend = BackendLocal
	if err := cfg.ValidateWorker(); err == nil {
		t.Error("ValidateWorker() expected error for local queue")
	}
}

func TestValidate_ZeroRenditionPolicy(t *testing.T) {
	cfg := &Config{
		Storage: StorageConfig{
			StoreBackend:  BackendMemory,
			FileBackend:   BackendLocal,
			LocalMediaDir: "media",
			QueueBackend:  BackendLocal,
		},
		Pipeline: PipelineConfig{ZeroRenditionPolicy: "sometimes"},
	}

	if err := cfg.ValidateAPI(); err == nil {
		t.Error("ValidateAPI() expected error for unknown policy")
	}
}

func TestIsProduction(t *testing.T) {
	tests := []struct {
		env  string
		want bool
	}{
		{"prod", true},
		{"production", true},
		{"PROD", true},
		{"PRODUCTION", true},
		{"dev", false},
		{"staging", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.env, func(t *testing.T) {
			cfg := &Config{Environment: tt.env}
			if got := cfg.IsProduction(); got != tt.want {
				t.Errorf("IsProduction() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSlogLevel(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"WARN", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			cfg := &Config{LogLevel: tt.level}
			if got := cfg.SlogLevel(); got != tt.want {
				t.Errorf("SlogLevel() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetAPICredentials_Development(t *testing.T) {
	cfg := &Config{
		Environment: "dev",
		API:         APIConfig{},
	}

	user, pass, err := cfg.GetAPICredentials()
	if err != nil {
		t.Fatalf("GetAPICredentials() error = %v", err)
	}
	if user != "admin" || pass != "secret" {
		t.Errorf("GetAPICredentials() = (%v, %v), want (admin, secret)", user, pass)
	}
}

func TestGetAPICredentials_Production(t *testing.T) {
	cfg := &Config{
		Environment: "production",
		API:         APIConfig{},
	}

	_, _, err := cfg.GetAPICredentials()
	if err == nil {
		t.Error("GetAPICredentials() expected error in production without credentials")
	}
}

func TestGetEnvSlice(t *testing.T) {
	t.Setenv("TEST_SLICE", "a, b, c")

	result := getEnvSlice("TEST_SLICE", nil)
	if len(result) != 3 {
		t.Errorf("getEnvSlice() len = %d, want 3", len(result))
	}
	if result[0] != "a" || result[1] != "b" || result[2] != "c" {
		t.Errorf("getEnvSlice() = %v, want [a b c]", result)
	}
}

func TestGetEnvDuration(t *testing.T) {
	t.Setenv("TEST_DURATION", "2m")
	t.Setenv("TEST_BAD_DURATION", "soon")

	if got := getEnvDuration("TEST_DURATION", time.Second); got != 2*time.Minute {
		t.Errorf("getEnvDuration() = %v, want 2m", got)
	}
	if got := getEnvDuration("TEST_BAD_DURATION", time.Second); got != time.Second {
		t.Errorf("getEnvDuration() = %v, want default 1s", got)
	}
}

func TestGetEnvInt(t *testing.T) {
	t.Setenv("TEST_INT", "42")

	result := getEnvInt("TEST_INT", 10)
	if result != 42 {
		t.Errorf("getEnvInt() = %d, want 42", result)
	}

	// Test default
	result = getEnvInt("NONEXISTENT", 10)
	if result != 10 {
		t.Errorf("getEnvInt() = %d, want 10", result)
	}
}
