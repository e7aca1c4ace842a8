package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the application configuration.
type Config struct {
	DataDir             string `yaml:"data_dir"`
	EventsFile          string `yaml:"events_file"`
	VideosDir           string `yaml:"videos_dir"`
	VideoExtension      string `yaml:"video_extension"`
	MatchToleranceMs    int    `yaml:"match_tolerance_ms"`
	FallbackToleranceMs int    `yaml:"fallback_tolerance_ms"`
	VideoLookbackDays   int    `yaml:"video_lookback_days"`
	RetentionDays       int    `yaml:"retention_days"`
	SweepHour           int    `yaml:"sweep_hour"`
	LateResponseMinutes int    `yaml:"late_response_minutes"`
	MatchTimeoutSec     int    `yaml:"match_timeout_sec"`
	SweepTimeoutSec     int    `yaml:"sweep_timeout_sec"`
	ScanWorkers         int    `yaml:"scan_workers"`
	WorkerPollSec       int    `yaml:"worker_poll_sec"`
	WebhookURL          string `yaml:"webhook_url"`
	AppKey              string `yaml:"app_key"`
	AdminPassword       string `yaml:"admin_password"`
	ListenAddr          string `yaml:"listen_addr"`
	LogLevel            string `yaml:"log_level"`
	LogFormat           string `yaml:"log_format"`
}

// AppConfig is the global application configuration.
var AppConfig Config

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		DataDir:             "data",
		EventsFile:          "events.json",
		VideosDir:           "videos",
		VideoExtension:      "mp4",
		MatchToleranceMs:    120000,
		FallbackToleranceMs: 120000,
		VideoLookbackDays:   7,
		RetentionDays:       30,
		SweepHour:           3,
		LateResponseMinutes: 10,
		MatchTimeoutSec:     30,
		SweepTimeoutSec:     600,
		ScanWorkers:         4,
		WorkerPollSec:       10,
		ListenAddr:          ":8080",
		LogLevel:            "info",
		LogFormat:           "console",
	}
}

// EventsPath returns the absolute location of the event document.
func (c *Config) EventsPath() string {
	if filepath.IsAbs(c.EventsFile) {
		return c.EventsFile
	}
	return filepath.Join(c.DataDir, c.EventsFile)
}

// MatchTolerance returns the day-scoped tolerance window.
func (c *Config) MatchTolerance() time.Duration {
	return time.Duration(c.MatchToleranceMs) * time.Millisecond
}

// FallbackTolerance returns the tolerance used by the unscoped search.
func (c *Config) FallbackTolerance() time.Duration {
	return time.Duration(c.FallbackToleranceMs) * time.Millisecond
}

func (c *Config) MatchTimeout() time.Duration {
	return time.Duration(c.MatchTimeoutSec) * time.Second
}

func (c *Config) SweepTimeout() time.Duration {
	return time.Duration(c.SweepTimeoutSec) * time.Second
}

// Validate checks the values that the correlation and retention code depend on.
func (c *Config) Validate() error {
	if c.AppKey == "" {
		return fmt.Errorf("APP_KEY environment variable must be set")
	}
	if _, err := base64.StdEncoding.DecodeString(c.AppKey); err != nil {
		return fmt.Errorf("APP_KEY is not a valid base64 encoded string: %w", err)
	}
	if c.MatchToleranceMs <= 0 || c.FallbackToleranceMs <= 0 {
		return fmt.Errorf("match tolerances must be positive (got %d and %d)", c.MatchToleranceMs, c.FallbackToleranceMs)
	}
	if strings.TrimSpace(c.VideoExtension) == "" {
		return fmt.Errorf("VIDEO_EXTENSION must not be empty")
	}
	if c.RetentionDays <= 0 {
		return fmt.Errorf("RETENTION_DAYS must be positive (got %d)", c.RetentionDays)
	}
	if c.SweepHour < 0 || c.SweepHour > 23 {
		return fmt.Errorf("SWEEP_HOUR must be between 0 and 23 (got %d)", c.SweepHour)
	}
	return nil
}

// LoadConfig loads the configuration from an optional YAML file and environment variables.
// Environment variables win over the file.
func LoadConfig() error {
	cfg := Default()

	if path := getEnv("CONFIG_FILE", ""); path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	cfg.DataDir = getEnv("DATA_DIR", cfg.DataDir)
	cfg.EventsFile = getEnv("EVENTS_FILE", cfg.EventsFile)
	cfg.VideosDir = getEnv("VIDEOS_DIR", cfg.VideosDir)
	cfg.VideoExtension = strings.TrimPrefix(getEnv("VIDEO_EXTENSION", cfg.VideoExtension), ".")
	cfg.MatchToleranceMs = getEnvAsInt("MATCH_TOLERANCE_MS", cfg.MatchToleranceMs)
	cfg.FallbackToleranceMs = getEnvAsInt("FALLBACK_TOLERANCE_MS", cfg.FallbackToleranceMs)
	cfg.VideoLookbackDays = getEnvAsInt("VIDEO_LOOKBACK_DAYS", cfg.VideoLookbackDays)
	cfg.RetentionDays = getEnvAsInt("RETENTION_DAYS", cfg.RetentionDays)
	cfg.SweepHour = getEnvAsInt("SWEEP_HOUR", cfg.SweepHour)
	cfg.LateResponseMinutes = getEnvAsInt("LATE_RESPONSE_MINUTES", cfg.LateResponseMinutes)
	cfg.MatchTimeoutSec = getEnvAsInt("MATCH_TIMEOUT_SEC", cfg.MatchTimeoutSec)
	cfg.SweepTimeoutSec = getEnvAsInt("SWEEP_TIMEOUT_SEC", cfg.SweepTimeoutSec)
	cfg.ScanWorkers = getEnvAsInt("SCAN_WORKERS", cfg.ScanWorkers)
	cfg.WorkerPollSec = getEnvAsInt("WORKER_POLL_SEC", cfg.WorkerPollSec)
	cfg.WebhookURL = getEnv("WEBHOOK_URL", cfg.WebhookURL)
	cfg.AppKey = getEnv("APP_KEY", cfg.AppKey)
	cfg.AdminPassword = getEnv("ADMIN_PASSWORD", cfg.AdminPassword)
	cfg.ListenAddr = getEnv("LISTEN_ADDR", cfg.ListenAddr)
	cfg.LogLevel = getEnv("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = getEnv("LOG_FORMAT", cfg.LogFormat)

	if err := cfg.Validate(); err != nil {
		return err
	}

	AppConfig = cfg
	return nil
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}
