// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"github.com/tradecore/engine/internal/domain"
)

// Config holds application configuration.
type Config struct {
	DataDir      string // Base directory for the database and backups, always absolute
	DatabasePath string
	LogLevel     string
	Port         int
	Account      string

	// Scanner
	Assets      []string
	Timeframes  []domain.Timeframe
	ScannerMode string // ECO, STANDARD or AGGRESSIVE
	CPULimitPct float64

	// Paper broker
	PaperBalance float64

	// Data provider credentials, seeded into the provider registry at boot
	TwelveDataAPIKey   string
	AlphaVantageAPIKey string
	CCXTBridgeURL      string
	MT5BridgeURL       string

	Backup BackupConfig
}

// BackupConfig holds backup and retention settings.
type BackupConfig struct {
	Dir           string
	RetentionDays int
	Schedule      string // cron spec, empty uses the daily default

	// S3-compatible upload, disabled unless fully configured
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string
	S3Bucket    string
}

// Load reads configuration from environment variables. A .env file in
// the working directory is honored when present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	dataDir := getEnv("ENGINE_DATA_DIR", "./data")
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:      absDataDir,
		DatabasePath: filepath.Join(absDataDir, "engine.db"),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
		Port:         getEnvAsInt("ENGINE_PORT", 8080),
		Account:      getEnv("ENGINE_ACCOUNT", ""),

		Assets:      splitList(getEnv("ENGINE_ASSETS", "EURUSD,GBPUSD,USDJPY")),
		Timeframes:  parseTimeframes(getEnv("ENGINE_TIMEFRAMES", "M5,H1")),
		ScannerMode: strings.ToUpper(getEnv("ENGINE_SCANNER_MODE", "STANDARD")),
		CPULimitPct: getEnvAsFloat("ENGINE_CPU_LIMIT_PCT", 80),

		PaperBalance: getEnvAsFloat("ENGINE_PAPER_BALANCE", 10000),

		TwelveDataAPIKey:   getEnv("TWELVEDATA_API_KEY", ""),
		AlphaVantageAPIKey: getEnv("ALPHAVANTAGE_API_KEY", ""),
		CCXTBridgeURL:      getEnv("CCXT_BRIDGE_URL", ""),
		MT5BridgeURL:       getEnv("MT5_BRIDGE_URL", ""),

		Backup: BackupConfig{
			Dir:           getEnv("ENGINE_BACKUP_DIR", filepath.Join(absDataDir, "backups")),
			RetentionDays: getEnvAsInt("ENGINE_BACKUP_RETENTION_DAYS", 15),
			Schedule:      getEnv("ENGINE_BACKUP_SCHEDULE", ""),
			S3Endpoint:    getEnv("ENGINE_S3_ENDPOINT", ""),
			S3AccessKey:   getEnv("ENGINE_S3_ACCESS_KEY", ""),
			S3SecretKey:   getEnv("ENGINE_S3_SECRET_KEY", ""),
			S3Bucket:      getEnv("ENGINE_S3_BUCKET", ""),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks if required configuration is present.
func (c *Config) Validate() error {
	if len(c.Assets) == 0 {
		return fmt.Errorf("at least one asset is required (ENGINE_ASSETS)")
	}
	if len(c.Timeframes) == 0 {
		return fmt.Errorf("at least one valid timeframe is required (ENGINE_TIMEFRAMES)")
	}
	switch c.ScannerMode {
	case "ECO", "STANDARD", "AGGRESSIVE":
	default:
		return fmt.Errorf("invalid scanner mode %q", c.ScannerMode)
	}
	return nil
}

// S3Enabled reports whether the remote upload target is fully configured.
func (c *BackupConfig) S3Enabled() bool {
	return c.S3Endpoint != "" && c.S3AccessKey != "" && c.S3SecretKey != "" && c.S3Bucket != ""
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, strings.ToUpper(trimmed))
		}
	}
	return out
}

func parseTimeframes(raw string) []domain.Timeframe {
	out := make([]domain.Timeframe, 0)
	for _, p := range splitList(raw) {
		tf := domain.Timeframe(p)
		if tf.Valid() {
			out = append(out, tf)
		}
	}
	return out
}
