package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
)

type Config struct {
	AnalysisConfig AnalysisConfig `json:"analysis"`
	RedisConfig    RedisConfig    `json:"redis"`
	ServerConfig   ServerConfig   `json:"server"`
	LoggingConfig  LoggingConfig  `json:"logging"`
	IngestConfig   IngestConfig   `json:"ingest"`
}

// AnalysisConfig holds the signal engine tunables
type AnalysisConfig struct {
	IntervalSeconds       int     `json:"analysis_interval_seconds"` // Tick period
	MaxHistory            int     `json:"max_history"`               // Rolling window cap
	SnapshotLimit         int     `json:"snapshot_limit"`            // Samples per tick snapshot
	StalenessMaxSeconds   int     `json:"staleness_max_seconds"`     // Fibonacci blob regeneration threshold
	TimeframesMinutes     []int   `json:"timeframes_minutes"`        // Trend lookback windows
	MinSwingRange         float64 `json:"min_swing_range"`           // Minimum H-L for a valid swing
	AlignmentTolerancePct float64 `json:"alignment_tolerance_pct"`   // Max distance to a level in %
	TrapMinConfidence     float64 `json:"trap_min_confidence"`       // Minimum confidence to emit a trap
	SwingMode             string  `json:"swing_mode"`                // "windowed" or "session_widening"
	MaxCacheAttempts      int     `json:"max_cache_attempts"`        // Retry budget per cache call
}

// RedisConfig holds Redis configuration for the shared cache
type RedisConfig struct {
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
	MockMode bool   `json:"mock_mode"` // Use the in-memory gateway instead of Redis
}

// ServerConfig holds the operational HTTP server configuration
type ServerConfig struct {
	Enabled        bool   `json:"enabled"`
	Port           int    `json:"port"`
	Host           string `json:"host"`
	AllowedOrigins string `json:"allowed_origins"` // CORS allowed origins
}

type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Pretty bool   `json:"pretty"` // Console writer instead of JSON
}

// IngestConfig holds the feed ingester configuration (cmd/ingester only)
type IngestConfig struct {
	StreamURL string `json:"stream_url"` // Exchange trade stream websocket URL
	Symbol    string `json:"symbol"`
}

func Load() (*Config, error) {
	// First try to load base config from file
	cfg, err := loadFromFile("config.json")
	if err != nil {
		// If no config file, start with empty config
		cfg = &Config{}
	}

	// Apply environment variable overrides (these take precedence)
	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the config
func applyEnvOverrides(cfg *Config) {
	// Analysis config
	cfg.AnalysisConfig.IntervalSeconds = getEnvIntOrDefault("ANALYSIS_INTERVAL_SECONDS", defaultInt(cfg.AnalysisConfig.IntervalSeconds, 5))
	cfg.AnalysisConfig.MaxHistory = getEnvIntOrDefault("MAX_HISTORY", defaultInt(cfg.AnalysisConfig.MaxHistory, 1000))
	cfg.AnalysisConfig.SnapshotLimit = getEnvIntOrDefault("SNAPSHOT_LIMIT", defaultInt(cfg.AnalysisConfig.SnapshotLimit, 100))
	cfg.AnalysisConfig.StalenessMaxSeconds = getEnvIntOrDefault("STALENESS_MAX_SECONDS", defaultInt(cfg.AnalysisConfig.StalenessMaxSeconds, 21600))
	cfg.AnalysisConfig.MinSwingRange = getEnvFloatOrDefault("MIN_SWING_RANGE", defaultFloat(cfg.AnalysisConfig.MinSwingRange, 100))
	cfg.AnalysisConfig.AlignmentTolerancePct = getEnvFloatOrDefault("ALIGNMENT_TOLERANCE_PCT", defaultFloat(cfg.AnalysisConfig.AlignmentTolerancePct, 0.5))
	cfg.AnalysisConfig.TrapMinConfidence = getEnvFloatOrDefault("TRAP_MIN_CONFIDENCE", defaultFloat(cfg.AnalysisConfig.TrapMinConfidence, 0.3))
	cfg.AnalysisConfig.SwingMode = getEnvOrDefault("SWING_MODE", defaultStr(cfg.AnalysisConfig.SwingMode, "windowed"))
	cfg.AnalysisConfig.MaxCacheAttempts = getEnvIntOrDefault("MAX_CACHE_ATTEMPTS", defaultInt(cfg.AnalysisConfig.MaxCacheAttempts, 3))
	if len(cfg.AnalysisConfig.TimeframesMinutes) == 0 {
		cfg.AnalysisConfig.TimeframesMinutes = []int{1, 5, 15, 30, 60, 240, 720, 1444}
	}

	// Redis config
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", defaultStr(cfg.RedisConfig.Address, "localhost:6379"))
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", cfg.RedisConfig.DB)
	cfg.RedisConfig.PoolSize = getEnvIntOrDefault("REDIS_POOL_SIZE", defaultInt(cfg.RedisConfig.PoolSize, 10))
	cfg.RedisConfig.MockMode = getEnvOrDefault("MOCK_MODE", boolStr(cfg.RedisConfig.MockMode)) == "true"

	// Server config
	cfg.ServerConfig.Enabled = getEnvOrDefault("API_ENABLED", boolStr(cfg.ServerConfig.Enabled)) == "true"
	cfg.ServerConfig.Port = getEnvIntOrDefault("API_PORT", defaultInt(cfg.ServerConfig.Port, 8080))
	cfg.ServerConfig.Host = getEnvOrDefault("API_HOST", defaultStr(cfg.ServerConfig.Host, "0.0.0.0"))
	cfg.ServerConfig.AllowedOrigins = getEnvOrDefault("API_ALLOWED_ORIGINS", defaultStr(cfg.ServerConfig.AllowedOrigins, "*"))

	// Logging config
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", defaultStr(cfg.LoggingConfig.Level, "info"))
	cfg.LoggingConfig.Pretty = getEnvOrDefault("LOG_PRETTY", boolStr(cfg.LoggingConfig.Pretty)) == "true"

	// Ingest config
	cfg.IngestConfig.StreamURL = getEnvOrDefault("INGEST_STREAM_URL", defaultStr(cfg.IngestConfig.StreamURL, "wss://stream.binance.com:9443/ws/btcusdt@trade"))
	cfg.IngestConfig.Symbol = getEnvOrDefault("INGEST_SYMBOL", defaultStr(cfg.IngestConfig.Symbol, "BTCUSDT"))
}

func (c *Config) validate() error {
	if c.AnalysisConfig.IntervalSeconds <= 0 {
		return fmt.Errorf("analysis_interval_seconds must be positive, got %d", c.AnalysisConfig.IntervalSeconds)
	}
	if c.AnalysisConfig.MaxHistory <= 0 {
		return fmt.Errorf("max_history must be positive, got %d", c.AnalysisConfig.MaxHistory)
	}
	if c.AnalysisConfig.AlignmentTolerancePct <= 0 {
		return fmt.Errorf("alignment_tolerance_pct must be positive, got %v", c.AnalysisConfig.AlignmentTolerancePct)
	}
	switch c.AnalysisConfig.SwingMode {
	case "windowed", "session_widening":
	default:
		return fmt.Errorf("swing_mode must be \"windowed\" or \"session_widening\", got %q", c.AnalysisConfig.SwingMode)
	}
	return nil
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return &config, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func defaultInt(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

func defaultFloat(v, def float64) float64 {
	if v == 0 {
		return def
	}
	return v
}

func defaultStr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func boolStr(v bool) string {
	if v {
		return "true"
	}
	return "false"
}
