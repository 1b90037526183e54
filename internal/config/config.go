package config

import (
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultListenAddr        = ":8080"
	defaultRoot              = "flowcache-data"
	defaultSourceDir         = "objects"
	defaultMaxWorkers        = 4
	defaultMaxDiskMB         = 1024
	defaultWriteTimeout      = time.Second
	defaultHeartbeatInterval = 5 * time.Second
	defaultCallTimeout       = 30 * time.Second

	envListenAddr        = "FLOWCACHE_LISTEN_ADDR"
	envLogLevel          = "FLOWCACHE_LOG_LEVEL"
	envRoot              = "FLOWCACHE_ROOT"
	envMaxWorkers        = "FLOWCACHE_MAX_WORKERS"
	envMaxDiskMB         = "FLOWCACHE_MAX_DISK_MB"
	envWorkerTimeout     = "FLOWCACHE_WORKER_TIMEOUT"
	envSchedulerBin      = "FLOWCACHE_SCHEDULER_BIN"
	envWriteTimeout      = "FLOWCACHE_WRITE_TIMEOUT"
	envHeartbeatInterval = "FLOWCACHE_HEARTBEAT_INTERVAL"
	envCallTimeout       = "FLOWCACHE_CALL_TIMEOUT"
	envSourceDir         = "FLOWCACHE_SOURCE_DIR"
	envS3Endpoint        = "FLOWCACHE_S3_ENDPOINT"
	envS3Region          = "FLOWCACHE_S3_REGION"
	envS3AccessKey       = "FLOWCACHE_S3_ACCESS_KEY"
	envS3SecretKey       = "FLOWCACHE_S3_SECRET_KEY"
	envS3Bucket          = "FLOWCACHE_S3_BUCKET"
	envS3UseSSL          = "FLOWCACHE_S3_USE_SSL"
)

// S3 holds the object source settings. An empty Endpoint means objects are
// read from SourceDir instead.
type S3 struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Config holds application configuration loaded from environment variables.
type Config struct {
	ListenAddr string
	LogLevel   slog.Level

	Root          string
	MaxWorkers    int
	MaxDiskMB     int
	WorkerTimeout time.Duration
	// SchedulerBin is the scheduler executable. Empty runs the scheduler
	// in-process.
	SchedulerBin string

	WriteTimeout      time.Duration
	HeartbeatInterval time.Duration
	CallTimeout       time.Duration

	SourceDir string
	S3        S3
}

// LoadDotEnv seeds the environment from .env files. Missing files are
// ignored and variables already set in the environment win.
func LoadDotEnv(files ...string) error {
	err := godotenv.Load(files...)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// Load reads configuration from environment variables with sensible defaults.
// Malformed numeric and duration values fall back to their defaults.
func Load() Config {
	cfg := Config{
		ListenAddr:        defaultListenAddr,
		LogLevel:          slog.LevelInfo,
		Root:              defaultRoot,
		MaxWorkers:        defaultMaxWorkers,
		MaxDiskMB:         defaultMaxDiskMB,
		WriteTimeout:      defaultWriteTimeout,
		HeartbeatInterval: defaultHeartbeatInterval,
		CallTimeout:       defaultCallTimeout,
		SourceDir:         defaultSourceDir,
		S3:                S3{Region: "us-east-1"},
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv(envRoot); v != "" {
		cfg.Root = v
	}
	cfg.MaxWorkers = intEnv(envMaxWorkers, cfg.MaxWorkers)
	cfg.MaxDiskMB = intEnv(envMaxDiskMB, cfg.MaxDiskMB)
	cfg.WorkerTimeout = durationEnv(envWorkerTimeout, cfg.WorkerTimeout)
	cfg.SchedulerBin = strings.TrimSpace(os.Getenv(envSchedulerBin))
	cfg.WriteTimeout = durationEnv(envWriteTimeout, cfg.WriteTimeout)
	cfg.HeartbeatInterval = durationEnv(envHeartbeatInterval, cfg.HeartbeatInterval)
	cfg.CallTimeout = durationEnv(envCallTimeout, cfg.CallTimeout)
	if v := os.Getenv(envSourceDir); v != "" {
		cfg.SourceDir = v
	}

	cfg.S3.Endpoint = strings.TrimSpace(os.Getenv(envS3Endpoint))
	if v := strings.TrimSpace(os.Getenv(envS3Region)); v != "" {
		cfg.S3.Region = v
	}
	cfg.S3.AccessKey = strings.TrimSpace(os.Getenv(envS3AccessKey))
	cfg.S3.SecretKey = strings.TrimSpace(os.Getenv(envS3SecretKey))
	cfg.S3.Bucket = strings.TrimSpace(os.Getenv(envS3Bucket))
	if v, err := strconv.ParseBool(strings.TrimSpace(os.Getenv(envS3UseSSL))); err == nil {
		cfg.S3.UseSSL = v
	}

	return cfg
}

func intEnv(name string, def int) int {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

func durationEnv(name string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return def
	}
	return d
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
