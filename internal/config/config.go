package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"golang.org/x/text/language"
)

// Config holds all application configuration
// Supports environment variables with sensible defaults
//
// Environment Variables:
// TTS Configuration:
// - TTS_API_URL: Speech-synthesis API endpoint URL (required)
// - TTS_API_KEY: API key for the synthesis provider (optional)
// - TTS_VOICE: Voice name to use (default: en-US-Standard-C)
// - TTS_SAMPLE_RATE: Output sample rate in Hz (default: 24000)
// - TTS_TIMEOUT: Request timeout in seconds (default: 60)
// - TTS_LANGUAGE: Default language tag; empty means detect per text (default: empty)
//
// Storage Configuration:
// - DB_PATH: SQLite database file (default: data/tasks.db)
// - OUTPUT_DIR: Directory for rendered audio files (default: data/audio)
//
// Maintenance Configuration:
// - MAINTENANCE_CRON_EXPR: Cleanup schedule (default: 0 0 3 * * *)
// - FAILED_RETENTION_DAYS: Age before failed tasks are removed (default: 7)
// - ORPHAN_RETENTION_HOURS: Age before unowned completed tasks are removed (default: 24)
//
// System Configuration:
// - LOG_LEVEL: debug, info, warn, error or fatal (default: info)
// - LOG_FILE: log to this file instead of stdout (default: stdout)
// - TZ: Timezone (default: UTC)

type Config struct {
	// TTS Configuration
	TTS TTSConfig `json:"tts"`

	// Storage Configuration
	Storage StorageConfig `json:"storage"`

	// Maintenance Configuration
	Maintenance MaintenanceConfig `json:"maintenance"`

	// System Configuration
	System SystemConfig `json:"system"`
}

// TTSConfig holds the configuration for the synthesis client
type TTSConfig struct {
	APIURL     string       `json:"api_url"`
	APIKey     string       `json:"api_key"`
	Voice      string       `json:"voice"`
	SampleRate int          `json:"sample_rate"`
	Timeout    int          `json:"timeout"`
	Language   language.Tag `json:"language"`
}

// StorageConfig holds the database and audio output locations
type StorageConfig struct {
	DBPath    string `json:"db_path"`
	OutputDir string `json:"output_dir"`
}

// MaintenanceConfig holds the cleanup schedule and retention windows
type MaintenanceConfig struct {
	CronExpr        string        `json:"cron_expr"`
	FailedRetention time.Duration `json:"failed_retention"`
	OrphanRetention time.Duration `json:"orphan_retention"`
}

// SystemConfig holds the system configuration
type SystemConfig struct {
	LogLevel string `json:"log_level"`
	LogFile  string `json:"log_file"`
	TZ       string `json:"tz"`
}

// LanguageCode returns the configured ISO 639-1 code, or empty when the
// language should be detected per submission.
func (c TTSConfig) LanguageCode() string {
	if c.Language == language.Und {
		return ""
	}
	base, _ := c.Language.Base()
	return base.String()
}

// Option is a function type for configuring Config
type Option func(*Config)

// NewFromEnv creates a new Config instance with values from environment variables and options
func NewFromEnv(opts ...Option) (*Config, error) {
	config := &Config{
		TTS: TTSConfig{
			APIURL:     getEnvString("TTS_API_URL", ""),
			APIKey:     getEnvString("TTS_API_KEY", ""),
			Voice:      getEnvString("TTS_VOICE", "en-US-Standard-C"),
			SampleRate: getEnvInt("TTS_SAMPLE_RATE", 24000),
			Timeout:    getEnvInt("TTS_TIMEOUT", 60),
			Language:   getEnvLanguage("TTS_LANGUAGE"),
		},
		Storage: StorageConfig{
			DBPath:    getEnvString("DB_PATH", "data/tasks.db"),
			OutputDir: getEnvString("OUTPUT_DIR", "data/audio"),
		},
		Maintenance: MaintenanceConfig{
			CronExpr:        getEnvString("MAINTENANCE_CRON_EXPR", "0 0 3 * * *"),
			FailedRetention: time.Duration(getEnvInt("FAILED_RETENTION_DAYS", 7)) * 24 * time.Hour,
			OrphanRetention: time.Duration(getEnvInt("ORPHAN_RETENTION_HOURS", 24)) * time.Hour,
		},
		System: SystemConfig{
			LogLevel: getEnvString("LOG_LEVEL", "info"),
			LogFile:  getEnvString("LOG_FILE", ""),
			TZ:       getEnvString("TZ", "UTC"),
		},
	}

	// Apply custom options
	for _, opt := range opts {
		opt(config)
	}

	// Validate required configuration
	if err := config.validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// validate checks if all required configuration is properly set
func (c *Config) validate() error {
	if c.TTS.APIURL == "" {
		return fmt.Errorf("TTS_API_URL is required")
	}
	if c.Maintenance.FailedRetention <= 0 {
		return fmt.Errorf("FAILED_RETENTION_DAYS must be positive")
	}
	if c.Maintenance.OrphanRetention <= 0 {
		return fmt.Errorf("ORPHAN_RETENTION_HOURS must be positive")
	}
	return nil
}

// getEnvString gets a string value from environment variables with default
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets an integer value from environment variables with default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvLanguage parses a BCP 47 tag from the environment. Unset or
// unparseable values fall back to the undetermined tag.
func getEnvLanguage(key string) language.Tag {
	value := os.Getenv(key)
	if value == "" {
		return language.Und
	}
	tag, err := language.Parse(value)
	if err != nil {
		return language.Und
	}
	return tag
}
