package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Config holds all settings for the CLI and the agent.
type Config struct {
	APIURL         string
	RunsAPIURL     string
	DBPath         string
	InboxDir       string
	OutboxDir      string
	HTTPPort       string
	WorkerCount    int
	JobQueueSize   int
	JobTimeoutSec  int
	HTTPTimeoutSec int
	EnableWatcher  bool
	BackfillLimit  int
	DefaultPatient string
	DefaultSite    string
	NotifyWebhook  string
	StrictContract bool
	StrictConfig   bool
	ThumbWidth     int
	ConfigPath     string
}

type fileConfig struct {
	APIURL         string `json:"api_url" yaml:"api_url"`
	RunsAPIURL     string `json:"runs_api_url" yaml:"runs_api_url"`
	DBPath         string `json:"db_path" yaml:"db_path"`
	InboxDir       string `json:"inbox_dir" yaml:"inbox_dir"`
	OutboxDir      string `json:"outbox_dir" yaml:"outbox_dir"`
	HTTPPort       string `json:"http_port" yaml:"http_port"`
	WorkerCount    *int   `json:"worker_count" yaml:"worker_count"`
	JobQueueSize   *int   `json:"job_queue_size" yaml:"job_queue_size"`
	DefaultPatient string `json:"default_patient_id" yaml:"default_patient_id"`
	DefaultSite    string `json:"default_site" yaml:"default_site"`
	NotifyWebhook  string `json:"notify_webhook_url" yaml:"notify_webhook_url"`
	StrictContract *bool  `json:"strict_contract" yaml:"strict_contract"`
}

const (
	defaultAPIURL         = "http://localhost:8000"
	defaultPort           = ":8090"
	defaultInboxDir       = "runtime/inbox"
	defaultOutboxDir      = "runtime/outbox"
	defaultDBFile         = "murmur.db"
	defaultConfigFile     = "murmur.yaml"
	defaultPatient        = "anonymous"
	defaultSite           = "Unknown"
	minQueueSize          = 1
	defaultQueueSize      = 64
	maxQueueSize          = 1024
	defaultWorkerCount    = 2
	maxWorkerCount        = 32
	defaultJobTimeoutSec  = 120
	defaultHTTPTimeoutSec = 60
	defaultBackfillLimit  = 25
	defaultThumbWidth     = 320
)

// MaxBackfillLimit caps how many recordings one backfill pass may enqueue.
const MaxBackfillLimit = 500

// Load reads .env, the optional config file, and environment overrides, in that order of precedence
// (environment wins).
func Load(log *zap.Logger) (Config, error) {
	if log == nil {
		log = zap.NewNop()
	}
	_ = godotenv.Load()

	cfg := Config{
		JobQueueSize:   defaultQueueSize,
		WorkerCount:    defaultWorkerCount,
		JobTimeoutSec:  defaultJobTimeoutSec,
		HTTPTimeoutSec: defaultHTTPTimeoutSec,
		BackfillLimit:  defaultBackfillLimit,
		ThumbWidth:     defaultThumbWidth,
		EnableWatcher:  parseBoolEnvDefault("ENABLE_WATCHER", true),
		StrictConfig:   parseBoolEnv("STRICT_CONFIG"),
	}

	cfg.ConfigPath = getEnv("CONFIG_PATH", defaultConfigFile)
	fileCfg, fileErr := loadFileConfig(cfg.ConfigPath)
	if fileErr != nil && !errors.Is(fileErr, os.ErrNotExist) {
		if cfg.StrictConfig {
			return cfg, fmt.Errorf("config load failed (%s): %w", cfg.ConfigPath, fileErr)
		}
		log.Warn("config file ignored", zap.String("path", cfg.ConfigPath), zap.Error(fileErr))
	}

	cfg.APIURL = strings.TrimRight(firstNonEmpty(os.Getenv("API_URL"), fileCfg.APIURL, defaultAPIURL), "/")
	cfg.RunsAPIURL = strings.TrimRight(firstNonEmpty(os.Getenv("RUNS_API_URL"), fileCfg.RunsAPIURL, cfg.APIURL), "/")
	cfg.InboxDir = firstNonEmpty(os.Getenv("INBOX_DIR"), fileCfg.InboxDir, defaultInboxDir)
	cfg.OutboxDir = firstNonEmpty(os.Getenv("OUTBOX_DIR"), fileCfg.OutboxDir, defaultOutboxDir)
	cfg.DBPath = firstNonEmpty(os.Getenv("DB_PATH"), fileCfg.DBPath, filepath.Join(cfg.OutboxDir, defaultDBFile))
	cfg.DefaultPatient = firstNonEmpty(os.Getenv("DEFAULT_PATIENT_ID"), fileCfg.DefaultPatient, defaultPatient)
	cfg.DefaultSite = firstNonEmpty(os.Getenv("DEFAULT_SITE"), fileCfg.DefaultSite, defaultSite)
	cfg.NotifyWebhook = strings.TrimSpace(firstNonEmpty(os.Getenv("NOTIFY_WEBHOOK_URL"), fileCfg.NotifyWebhook))

	cfg.HTTPPort = firstNonEmpty(os.Getenv("HTTP_PORT"), fileCfg.HTTPPort, defaultPort)
	if !strings.HasPrefix(cfg.HTTPPort, ":") {
		cfg.HTTPPort = ":" + cfg.HTTPPort
	}

	if fileCfg.WorkerCount != nil && *fileCfg.WorkerCount > 0 {
		cfg.WorkerCount = *fileCfg.WorkerCount
	}
	if fileCfg.JobQueueSize != nil && *fileCfg.JobQueueSize > 0 {
		cfg.JobQueueSize = *fileCfg.JobQueueSize
	}
	if fileCfg.StrictContract != nil {
		cfg.StrictContract = *fileCfg.StrictContract
	}
	if v := os.Getenv("STRICT_CONTRACT"); strings.TrimSpace(v) != "" {
		cfg.StrictContract = parseBoolEnv("STRICT_CONTRACT")
	}

	if v, ok, err := parseIntEnv("WORKER_COUNT"); err != nil {
		log.Warn("invalid WORKER_COUNT, using default", zap.Int("default", defaultWorkerCount), zap.Error(err))
	} else if ok {
		if v <= 0 {
			log.Warn("WORKER_COUNT must be positive, using default", zap.Int("default", defaultWorkerCount))
			v = defaultWorkerCount
		}
		cfg.WorkerCount = v
	}
	cfg.WorkerCount = clampInt(cfg.WorkerCount, 1, maxWorkerCount)

	if v, ok, err := parseIntEnv("JOB_QUEUE_SIZE"); err != nil {
		log.Warn("invalid JOB_QUEUE_SIZE, using default", zap.Int("default", defaultQueueSize), zap.Error(err))
	} else if ok {
		cfg.JobQueueSize = v
	}
	cfg.JobQueueSize = clampInt(cfg.JobQueueSize, minQueueSize, maxQueueSize)
	if cfg.JobQueueSize < cfg.WorkerCount {
		log.Warn("JOB_QUEUE_SIZE must be >= WORKER_COUNT, raising", zap.Int("workers", cfg.WorkerCount))
		cfg.JobQueueSize = cfg.WorkerCount
	}

	if v, ok, err := parseIntEnv("JOB_TIMEOUT_SEC"); err != nil {
		return cfg, fmt.Errorf("invalid JOB_TIMEOUT_SEC: %w", err)
	} else if ok {
		if v <= 0 {
			return cfg, fmt.Errorf("JOB_TIMEOUT_SEC must be positive")
		}
		cfg.JobTimeoutSec = v
	}
	if v, ok, err := parseIntEnv("HTTP_TIMEOUT_SEC"); err != nil {
		return cfg, fmt.Errorf("invalid HTTP_TIMEOUT_SEC: %w", err)
	} else if ok {
		if v <= 0 {
			return cfg, fmt.Errorf("HTTP_TIMEOUT_SEC must be positive")
		}
		cfg.HTTPTimeoutSec = v
	}
	if v, ok, err := parseIntEnv("BACKFILL_LIMIT"); err != nil {
		log.Warn("invalid BACKFILL_LIMIT, using default", zap.Error(err))
	} else if ok && v >= 0 {
		cfg.BackfillLimit = v
	}
	cfg.BackfillLimit = clampInt(cfg.BackfillLimit, 0, MaxBackfillLimit)
	if v, ok, err := parseIntEnv("THUMB_WIDTH"); err != nil {
		log.Warn("invalid THUMB_WIDTH, using default", zap.Error(err))
	} else if ok && v > 0 {
		cfg.ThumbWidth = v
	}

	if err := validateConfig(cfg); err != nil {
		if cfg.StrictConfig {
			return cfg, err
		}
		log.Warn("config validation failed (continuing)", zap.Error(err))
	}

	log.Debug("config loaded",
		zap.String("api_url", cfg.APIURL),
		zap.String("runs_api_url", cfg.RunsAPIURL),
		zap.String("db", cfg.DBPath),
		zap.String("inbox", cfg.InboxDir))
	return cfg, nil
}

// JobTimeout returns the per-job deadline.
func (c Config) JobTimeout() time.Duration {
	return time.Duration(c.JobTimeoutSec) * time.Second
}

// HTTPTimeout returns the backend request deadline.
func (c Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTPTimeoutSec) * time.Second
}

func loadFileConfig(path string) (fileConfig, error) {
	var cfg fileConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if len(data) == 0 {
		return cfg, errors.New("empty config file")
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, err
		}
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, err
		}
	}
	return cfg, nil
}

func validateConfig(cfg Config) error {
	if !strings.HasPrefix(cfg.APIURL, "http://") && !strings.HasPrefix(cfg.APIURL, "https://") {
		return fmt.Errorf("API_URL must be an http(s) URL (got %q)", cfg.APIURL)
	}
	if !strings.HasPrefix(cfg.RunsAPIURL, "http://") && !strings.HasPrefix(cfg.RunsAPIURL, "https://") {
		return fmt.Errorf("RUNS_API_URL must be an http(s) URL (got %q)", cfg.RunsAPIURL)
	}
	if strings.TrimSpace(cfg.InboxDir) == "" {
		return errors.New("INBOX_DIR is required")
	}
	if strings.TrimSpace(cfg.DefaultPatient) == "" {
		return errors.New("DEFAULT_PATIENT_ID is required")
	}
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, val := range values {
		if strings.TrimSpace(val) != "" {
			return val
		}
	}
	return ""
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseBoolEnv(key string) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	return v == "1" || v == "true" || v == "yes" || v == "on"
}

func parseBoolEnvDefault(key string, defaultVal bool) bool {
	if strings.TrimSpace(os.Getenv(key)) == "" {
		return defaultVal
	}
	return parseBoolEnv(key)
}

func parseIntEnv(key string) (int, bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return 0, false, nil
	}
	val, err := strconv.Atoi(raw)
	return val, true, err
}

func clampInt(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// Now returns utc time helper for deterministic timestamps.
func Now() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}
