package config

import (
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// LoggingConfig holds logging-related configuration.
type LoggingConfig struct {
	Level      string
	Pretty     bool
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// AxiomConfig holds Axiom logging configuration.
type AxiomConfig struct {
	Send          bool
	APIKey        string
	OrgID         string
	Dataset       string
	FlushInterval time.Duration
}

// WorkspaceConfig describes where queue state and results live. The path
// may be a remote object reference or a local directory; the queue backend
// is selected from its scheme. ResultsPath overrides where the results
// tree is written, which a redis:// workspace requires since Redis holds
// only queue state.
type WorkspaceConfig struct {
	Path            string
	ResultsPath     string
	SourceGlob      string
	PagesPerBatch   int
	MarkdownMirror  bool
	ResultsPassword string
}

// StorageConfig carries endpoint/credential knobs for the non-default
// object backends. The s3 scheme uses the standard AWS credential chain.
type StorageConfig struct {
	WekaEndpoint  string
	WekaAccessKey string
	WekaSecretKey string
	SyncWorkers   int
	RetryAttempts int
	RetryBase     time.Duration
}

// InferenceConfig describes the model-serving backend and the per-page
// request shape.
type InferenceConfig struct {
	BaseURL          string
	Model            string
	MaxTokens        int
	MaxContext       int
	GuidedDecoding   bool
	TargetLongestDim int
	AnchorTextLen    int
}

// ServerConfig controls the optionally managed local model server.
// WeightsSource names a remote prefix to mirror into WeightsDir before
// the server starts, so the serving command can load weights locally.
type ServerConfig struct {
	Command       string
	WeightsSource string
	WeightsDir    string
	ReadyTimeout  time.Duration
	CheckInterval time.Duration
	MaxRestarts   int
	StopGrace     time.Duration
}

// WorkerConfig defines worker behavior and limits.
type WorkerConfig struct {
	Count            int
	MaxPageRetries   int
	RetrySleepBase   time.Duration
	MaxPageErrorRate float64
	FilterEnabled    bool
	ExtractWorkers   int
	ReportInterval   time.Duration
}

// HTTPConfig defines the health/metrics listener.
type HTTPConfig struct {
	Port string
}

// Config is the top-level configuration.
type Config struct {
	Logging   LoggingConfig
	Axiom     AxiomConfig
	Workspace WorkspaceConfig
	Storage   StorageConfig
	Inference InferenceConfig
	Server    ServerConfig
	Worker    WorkerConfig
	HTTP      HTTPConfig
}

// FromEnv loads configuration from environment with sensible defaults.
func FromEnv() Config {
	cfg := Config{}

	cfg.Logging = LoggingConfig{
		Level:      getEnv("LOG_LEVEL", "info"),
		Pretty:     parseBool(getEnv("LOG_PRETTY", devDefaultPretty())),
		File:       getEnv("LOG_FILE", "logs/ocrpipeline.log"),
		MaxSizeMB:  parseInt(getEnv("LOG_MAX_SIZE_MB", "100"), 100),
		MaxBackups: parseInt(getEnv("LOG_MAX_BACKUPS", "10"), 10),
		MaxAgeDays: parseInt(getEnv("LOG_MAX_AGE_DAYS", "30"), 30),
		Compress:   parseBool(getEnv("LOG_COMPRESS", "true")),
	}

	baseDataset := getEnv("AXIOM_DATASET", "dev")
	cfg.Axiom = AxiomConfig{
		Send:          parseBool(getEnv("SEND_LOGS_TO_AXIOM", "0")),
		APIKey:        getEnv("AXIOM_API_KEY", ""),
		OrgID:         getEnv("AXIOM_ORG_ID", ""),
		Dataset:       baseDataset + "_ocrpipeline",
		FlushInterval: parseDuration(getEnv("AXIOM_FLUSH_INTERVAL", "10s"), 10*time.Second),
	}

	cfg.Workspace = WorkspaceConfig{
		Path:            getEnv("WORKSPACE", ""),
		ResultsPath:     getEnv("RESULTS_PATH", ""),
		SourceGlob:      getEnv("SOURCE_GLOB", ""),
		PagesPerBatch:   parseInt(getEnv("PAGES_PER_BATCH", "500"), 500),
		MarkdownMirror:  parseBool(getEnv("MARKDOWN_MIRROR", "0")),
		ResultsPassword: getEnv("RESULTS_PASSWORD", ""),
	}

	cfg.Storage = StorageConfig{
		WekaEndpoint:  getEnv("WEKA_ENDPOINT_URL", ""),
		WekaAccessKey: getEnv("WEKA_ACCESS_KEY_ID", ""),
		WekaSecretKey: getEnv("WEKA_SECRET_ACCESS_KEY", ""),
		SyncWorkers:   parseInt(getEnv("SYNC_WORKERS", "8"), 8),
		RetryAttempts: parseInt(getEnv("STORAGE_RETRY_ATTEMPTS", "8"), 8),
		RetryBase:     parseDuration(getEnv("STORAGE_RETRY_BASE", "1s"), time.Second),
	}

	cfg.Inference = InferenceConfig{
		BaseURL:          getEnv("INFERENCE_URL", "http://localhost:30024"),
		Model:            getEnv("INFERENCE_MODEL", "document-ocr"),
		MaxTokens:        parseInt(getEnv("INFERENCE_MAX_TOKENS", "4500"), 4500),
		MaxContext:       parseInt(getEnv("INFERENCE_MAX_CONTEXT", "8192"), 8192),
		GuidedDecoding:   parseBool(getEnv("INFERENCE_GUIDED_DECODING", "0")),
		TargetLongestDim: parseInt(getEnv("TARGET_LONGEST_DIM", "1288"), 1288),
		AnchorTextLen:    parseInt(getEnv("ANCHOR_TEXT_LEN", "6000"), 6000),
	}

	cfg.Server = ServerConfig{
		Command:       getEnv("SERVER_CMD", ""),
		WeightsSource: getEnv("SERVER_WEIGHTS_SRC", ""),
		WeightsDir:    getEnv("SERVER_WEIGHTS_DIR", "/tmp/ocrpipeline/model"),
		ReadyTimeout:  parseDuration(getEnv("SERVER_READY_TIMEOUT", "300s"), 300*time.Second),
		CheckInterval: parseDuration(getEnv("SERVER_CHECK_INTERVAL", "10s"), 10*time.Second),
		MaxRestarts:   parseInt(getEnv("SERVER_MAX_RESTARTS", "10"), 10),
		StopGrace:     parseDuration(getEnv("SERVER_STOP_GRACE", "10s"), 10*time.Second),
	}

	cfg.Worker = WorkerConfig{
		Count:            parseInt(getEnv("WORKERS", "8"), 8),
		MaxPageRetries:   parseInt(getEnv("MAX_PAGE_RETRIES", "8"), 8),
		RetrySleepBase:   parseDuration(getEnv("RETRY_SLEEP_BASE", "10s"), 10*time.Second),
		MaxPageErrorRate: parseFloat(getEnv("MAX_PAGE_ERROR_RATE", "0.004"), 0.004),
		FilterEnabled:    parseBool(getEnv("FILTER_ENABLED", "0")),
		ExtractWorkers:   parseInt(getEnv("EXTRACT_WORKERS", ""), defaultExtractWorkers()),
		ReportInterval:   parseDuration(getEnv("REPORT_INTERVAL", "10s"), 10*time.Second),
	}

	cfg.HTTP = HTTPConfig{
		Port: getEnv("PORT", "8080"),
	}

	return cfg
}

// defaultExtractWorkers sizes the extraction pool the same way the
// rasterizer is provisioned: half the cores plus one, capped at 32.
func defaultExtractWorkers() int {
	n := runtime.NumCPU()/2 + 1
	if n > 32 {
		n = 32
	}
	return n
}

// Helpers
func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseInt(s string, def int) int {
	if s == "" {
		return def
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

func parseFloat(s string, def float64) float64 {
	if s == "" {
		return def
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return def
}

func parseBool(s string) bool {
	v := strings.ToLower(strings.TrimSpace(s))
	return v == "1" || v == "true" || v == "yes" || v == "on"
}

func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}
	return def
}

func devDefaultPretty() string {
	env := strings.ToLower(os.Getenv("ENVIRONMENT"))
	if env == "dev" || env == "development" || env == "local" {
		return "true"
	}
	return "false"
}
