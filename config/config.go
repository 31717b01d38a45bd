package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the full service configuration. Values load from config.json
// when present; environment variables take precedence.
type Config struct {
	BinanceConfig   BinanceConfig   `json:"binance"`
	AnalyticsConfig AnalyticsConfig `json:"analytics"`
	BroadcastConfig BroadcastConfig `json:"broadcast"`
	ServerConfig    ServerConfig    `json:"server"`
	RedisConfig     RedisConfig     `json:"redis"`
	PostgresConfig  PostgresConfig  `json:"postgres"`
	VaultConfig     VaultConfig     `json:"vault"`
	AuthConfig      AuthConfig      `json:"auth"`
	LoggingConfig   LoggingConfig   `json:"logging"`
}

// BinanceConfig holds the upstream stream connection settings.
type BinanceConfig struct {
	WSBaseURL             string        `json:"ws_base_url"`
	Symbols               []string      `json:"symbols"` // lowercase base symbols, e.g. ["btc","eth"]
	Exchange              string        `json:"exchange"`
	ReconnectInitialDelay time.Duration `json:"reconnect_initial_delay"`
	ReconnectMaxDelay     time.Duration `json:"reconnect_max_delay"`
	InsecureSkipVerify    bool          `json:"insecure_skip_verify"` // never enable outside local testing
}

// AnalyticsConfig holds the analyzer cadence and model parameters.
type AnalyticsConfig struct {
	Symbols               []string      `json:"symbols"` // uppercase canonical symbols
	SnapshotInterval      time.Duration `json:"snapshot_interval"`
	MinWindowSize         int           `json:"min_window_size"`
	MaxWindowSize         int           `json:"max_window_size"`
	MonteCarloSimulations int           `json:"monte_carlo_simulations"`
	MonteCarloHorizonDays int           `json:"monte_carlo_horizon_days"`
	ArimaHorizonPeriods   int           `json:"arima_horizon_periods"`
}

// BroadcastConfig holds the subscriber push cadence.
type BroadcastConfig struct {
	Symbols  []string      `json:"symbols"`
	Interval time.Duration `json:"interval"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            int    `json:"port"`
	Host            string `json:"host"`
	AllowedOrigins  string `json:"allowed_origins"` // CORS allowed origins, comma separated
	ReadTimeout     int    `json:"read_timeout"`    // Seconds
	WriteTimeout    int    `json:"write_timeout"`   // Seconds
	ShutdownTimeout int    `json:"shutdown_timeout"`
	ProductionMode  bool   `json:"production_mode"`
}

// RedisConfig holds the bus and snapshot store backend settings.
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// PostgresConfig holds the optional snapshot history archive settings.
type PostgresConfig struct {
	Enabled      bool   `json:"enabled"`
	Host         string `json:"host"`
	Port         int    `json:"port"`
	User         string `json:"user"`
	Password     string `json:"password"`
	Database     string `json:"database"`
	SSLMode       string `json:"ssl_mode"`
	HistoryLimit  int    `json:"history_limit"`  // max rows served per history request
	RetentionDays int    `json:"retention_days"` // prune rows older than this; 0 keeps everything
}

// VaultConfig holds the optional HashiCorp Vault secret source.
type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`
	SecretPath string `json:"secret_path"`
	TLSEnabled bool   `json:"tls_enabled"`
	CACert     string `json:"ca_cert"`
}

// AuthConfig holds the operator API settings. The market WebSocket stays
// unauthenticated; this guards /api/admin only.
type AuthConfig struct {
	Enabled              bool          `json:"enabled"`
	JWTSecret            string        `json:"jwt_secret"`
	OperatorPasswordHash string        `json:"operator_password_hash"` // bcrypt
	TokenDuration        time.Duration `json:"token_duration"`
}

// LoggingConfig selects the structured logger destination and level.
type LoggingConfig struct {
	Level  string `json:"level"`
	Output string `json:"output"`
}

// Load reads config.json when present and applies environment overrides.
func Load() (*Config, error) {
	cfg, err := loadFromFile("config.json")
	if err != nil {
		cfg = &Config{}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
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

// applyEnvOverrides applies environment variable overrides to the config.
// Environment always wins over file values.
func applyEnvOverrides(cfg *Config) {
	// Binance stream
	cfg.BinanceConfig.WSBaseURL = getEnvOrDefault("BINANCE_WS_BASE_URL", cfg.BinanceConfig.WSBaseURL)
	if cfg.BinanceConfig.WSBaseURL == "" {
		cfg.BinanceConfig.WSBaseURL = "wss://stream.binance.com:9443"
	}
	if raw := os.Getenv("BINANCE_SYMBOLS"); raw != "" {
		cfg.BinanceConfig.Symbols = ParseSymbolList(raw)
	}
	if len(cfg.BinanceConfig.Symbols) == 0 {
		cfg.BinanceConfig.Symbols = ParseSymbolList("btc,eth,bnb,sol,xrp")
	}
	cfg.BinanceConfig.Exchange = getEnvOrDefault("BINANCE_EXCHANGE_NAME", "BINANCE")
	cfg.BinanceConfig.ReconnectInitialDelay = getEnvDurationOrDefault("BINANCE_RECONNECT_INITIAL_DELAY", 1*time.Second)
	cfg.BinanceConfig.ReconnectMaxDelay = getEnvDurationOrDefault("BINANCE_RECONNECT_MAX_DELAY", 30*time.Second)
	cfg.BinanceConfig.InsecureSkipVerify = getEnvOrDefault("BINANCE_INSECURE_SKIP_VERIFY", "false") == "true"

	// Analytics
	if raw := os.Getenv("ANALYTICS_SYMBOLS"); raw != "" {
		cfg.AnalyticsConfig.Symbols = ParseSymbolList(raw)
	}
	if len(cfg.AnalyticsConfig.Symbols) == 0 {
		cfg.AnalyticsConfig.Symbols = cfg.BinanceConfig.Symbols
	}
	cfg.AnalyticsConfig.Symbols = upperAll(cfg.AnalyticsConfig.Symbols)
	cfg.AnalyticsConfig.SnapshotInterval = getEnvDurationOrDefault("ANALYTICS_SNAPSHOT_INTERVAL", nonZeroDuration(cfg.AnalyticsConfig.SnapshotInterval, 5*time.Second))
	cfg.AnalyticsConfig.MinWindowSize = getEnvIntOrDefault("ANALYTICS_MIN_WINDOW_SIZE", nonZeroInt(cfg.AnalyticsConfig.MinWindowSize, 30))
	cfg.AnalyticsConfig.MaxWindowSize = getEnvIntOrDefault("ANALYTICS_MAX_WINDOW_SIZE", nonZeroInt(cfg.AnalyticsConfig.MaxWindowSize, 500))
	cfg.AnalyticsConfig.MonteCarloSimulations = getEnvIntOrDefault("MONTE_CARLO_SIMULATIONS", nonZeroInt(cfg.AnalyticsConfig.MonteCarloSimulations, 10000))
	cfg.AnalyticsConfig.MonteCarloHorizonDays = getEnvIntOrDefault("MONTE_CARLO_HORIZON_DAYS", nonZeroInt(cfg.AnalyticsConfig.MonteCarloHorizonDays, 7))
	cfg.AnalyticsConfig.ArimaHorizonPeriods = getEnvIntOrDefault("ARIMA_HORIZON_PERIODS", nonZeroInt(cfg.AnalyticsConfig.ArimaHorizonPeriods, 7))

	// Broadcast
	if raw := os.Getenv("BROADCAST_SYMBOLS"); raw != "" {
		cfg.BroadcastConfig.Symbols = ParseSymbolList(raw)
	}
	if len(cfg.BroadcastConfig.Symbols) == 0 {
		cfg.BroadcastConfig.Symbols = cfg.AnalyticsConfig.Symbols
	}
	cfg.BroadcastConfig.Symbols = upperAll(cfg.BroadcastConfig.Symbols)
	cfg.BroadcastConfig.Interval = getEnvDurationOrDefault("BROADCAST_INTERVAL", nonZeroDuration(cfg.BroadcastConfig.Interval, 1*time.Second))

	// Server
	cfg.ServerConfig.Port = getEnvIntOrDefault("WEB_PORT", nonZeroInt(cfg.ServerConfig.Port, 8080))
	cfg.ServerConfig.Host = getEnvOrDefault("WEB_HOST", defaultString(cfg.ServerConfig.Host, "0.0.0.0"))
	cfg.ServerConfig.AllowedOrigins = getEnvOrDefault("SERVER_ALLOWED_ORIGINS", defaultString(cfg.ServerConfig.AllowedOrigins, "*"))
	cfg.ServerConfig.ReadTimeout = getEnvIntOrDefault("SERVER_READ_TIMEOUT", nonZeroInt(cfg.ServerConfig.ReadTimeout, 30))
	cfg.ServerConfig.WriteTimeout = getEnvIntOrDefault("SERVER_WRITE_TIMEOUT", nonZeroInt(cfg.ServerConfig.WriteTimeout, 30))
	cfg.ServerConfig.ShutdownTimeout = getEnvIntOrDefault("SERVER_SHUTDOWN_TIMEOUT", nonZeroInt(cfg.ServerConfig.ShutdownTimeout, 30))
	cfg.ServerConfig.ProductionMode = getEnvOrDefault("SERVER_PRODUCTION_MODE", "false") == "true"

	// Redis
	if v := os.Getenv("REDIS_ENABLED"); v != "" {
		cfg.RedisConfig.Enabled = v == "true"
	}
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", defaultString(cfg.RedisConfig.Address, "localhost:6379"))
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", cfg.RedisConfig.DB)
	cfg.RedisConfig.PoolSize = getEnvIntOrDefault("REDIS_POOL_SIZE", nonZeroInt(cfg.RedisConfig.PoolSize, 10))

	// Postgres history archive
	if v := os.Getenv("POSTGRES_ENABLED"); v != "" {
		cfg.PostgresConfig.Enabled = v == "true"
	}
	cfg.PostgresConfig.Host = getEnvOrDefault("POSTGRES_HOST", defaultString(cfg.PostgresConfig.Host, "localhost"))
	cfg.PostgresConfig.Port = getEnvIntOrDefault("POSTGRES_PORT", nonZeroInt(cfg.PostgresConfig.Port, 5432))
	cfg.PostgresConfig.User = getEnvOrDefault("POSTGRES_USER", defaultString(cfg.PostgresConfig.User, "postgres"))
	cfg.PostgresConfig.Password = getEnvOrDefault("POSTGRES_PASSWORD", cfg.PostgresConfig.Password)
	cfg.PostgresConfig.Database = getEnvOrDefault("POSTGRES_DATABASE", defaultString(cfg.PostgresConfig.Database, "market_analytics"))
	cfg.PostgresConfig.SSLMode = getEnvOrDefault("POSTGRES_SSL_MODE", defaultString(cfg.PostgresConfig.SSLMode, "disable"))
	cfg.PostgresConfig.HistoryLimit = getEnvIntOrDefault("POSTGRES_HISTORY_LIMIT", nonZeroInt(cfg.PostgresConfig.HistoryLimit, 100))
	cfg.PostgresConfig.RetentionDays = getEnvIntOrDefault("POSTGRES_RETENTION_DAYS", cfg.PostgresConfig.RetentionDays)

	// Vault
	if v := os.Getenv("VAULT_ENABLED"); v != "" {
		cfg.VaultConfig.Enabled = v == "true"
	}
	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", defaultString(cfg.VaultConfig.Address, "http://localhost:8200"))
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", cfg.VaultConfig.Token)
	cfg.VaultConfig.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", defaultString(cfg.VaultConfig.MountPath, "secret"))
	cfg.VaultConfig.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", defaultString(cfg.VaultConfig.SecretPath, "market-analytics"))
	cfg.VaultConfig.TLSEnabled = getEnvOrDefault("VAULT_TLS_ENABLED", "false") == "true"
	cfg.VaultConfig.CACert = getEnvOrDefault("VAULT_CA_CERT", cfg.VaultConfig.CACert)

	// Operator auth
	if v := os.Getenv("AUTH_ENABLED"); v != "" {
		cfg.AuthConfig.Enabled = v == "true"
	}
	cfg.AuthConfig.JWTSecret = getEnvOrDefault("AUTH_JWT_SECRET", cfg.AuthConfig.JWTSecret)
	cfg.AuthConfig.OperatorPasswordHash = getEnvOrDefault("AUTH_OPERATOR_PASSWORD_HASH", cfg.AuthConfig.OperatorPasswordHash)
	cfg.AuthConfig.TokenDuration = getEnvDurationOrDefault("AUTH_TOKEN_DURATION", nonZeroDuration(cfg.AuthConfig.TokenDuration, 15*time.Minute))

	// Logging
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", defaultString(cfg.LoggingConfig.Level, "INFO"))
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", defaultString(cfg.LoggingConfig.Output, "stdout"))
}

// Validate rejects configurations the pipeline cannot start with.
func (c *Config) Validate() error {
	if c.ServerConfig.Port < 1 || c.ServerConfig.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.ServerConfig.Port)
	}
	if len(c.BinanceConfig.Symbols) == 0 {
		return fmt.Errorf("no symbols configured")
	}
	if c.AnalyticsConfig.SnapshotInterval <= 0 {
		return fmt.Errorf("analytics snapshot interval must be positive, got %s", c.AnalyticsConfig.SnapshotInterval)
	}
	if c.BroadcastConfig.Interval <= 0 {
		return fmt.Errorf("broadcast interval must be positive, got %s", c.BroadcastConfig.Interval)
	}
	if c.AnalyticsConfig.MonteCarloSimulations < 1 {
		return fmt.Errorf("monte carlo simulations must be at least 1, got %d", c.AnalyticsConfig.MonteCarloSimulations)
	}
	if c.AnalyticsConfig.MonteCarloHorizonDays < 1 {
		return fmt.Errorf("monte carlo horizon must be at least 1 day, got %d", c.AnalyticsConfig.MonteCarloHorizonDays)
	}
	if c.AnalyticsConfig.MaxWindowSize < c.AnalyticsConfig.MinWindowSize {
		return fmt.Errorf("max window size %d below min window size %d",
			c.AnalyticsConfig.MaxWindowSize, c.AnalyticsConfig.MinWindowSize)
	}
	if c.AuthConfig.Enabled && c.AuthConfig.JWTSecret == "" {
		return fmt.Errorf("auth enabled but AUTH_JWT_SECRET is empty")
	}
	return nil
}

// ParseSymbolList splits a comma-separated symbol list, trimming blanks.
func ParseSymbolList(raw string) []string {
	parts := strings.Split(raw, ",")
	symbols := make([]string, 0, len(parts))
	for _, p := range parts {
		s := strings.ToLower(strings.TrimSpace(p))
		if s != "" {
			symbols = append(symbols, s)
		}
	}
	return symbols
}

// ParseOriginList splits the comma-separated CORS origin list. A "*"
// entry (or an empty list) means all origins are allowed and yields nil.
func ParseOriginList(raw string) []string {
	parts := strings.Split(raw, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		o := strings.TrimSpace(p)
		if o == "" {
			continue
		}
		if o == "*" {
			return nil
		}
		origins = append(origins, o)
	}
	return origins
}

func upperAll(symbols []string) []string {
	out := make([]string, len(symbols))
	for i, s := range symbols {
		out[i] = strings.ToUpper(s)
	}
	return out
}

func defaultString(value, fallback string) string {
	if value != "" {
		return value
	}
	return fallback
}

func nonZeroInt(value, fallback int) int {
	if value != 0 {
		return value
	}
	return fallback
}

func nonZeroDuration(value, fallback time.Duration) time.Duration {
	if value != 0 {
		return value
	}
	return fallback
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

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// GenerateSampleConfig writes a starter config.json to filename.
func GenerateSampleConfig(filename string) error {
	config := Config{
		BinanceConfig: BinanceConfig{
			WSBaseURL:             "wss://stream.binance.com:9443",
			Symbols:               []string{"btc", "eth", "bnb", "sol", "xrp"},
			Exchange:              "BINANCE",
			ReconnectInitialDelay: 1 * time.Second,
			ReconnectMaxDelay:     30 * time.Second,
		},
		AnalyticsConfig: AnalyticsConfig{
			Symbols:               []string{"BTC", "ETH", "BNB", "SOL", "XRP"},
			SnapshotInterval:      5 * time.Second,
			MinWindowSize:         30,
			MaxWindowSize:         500,
			MonteCarloSimulations: 10000,
			MonteCarloHorizonDays: 7,
			ArimaHorizonPeriods:   7,
		},
		BroadcastConfig: BroadcastConfig{
			Symbols:  []string{"BTC", "ETH", "BNB", "SOL", "XRP"},
			Interval: 1 * time.Second,
		},
		ServerConfig: ServerConfig{
			Port:            8080,
			Host:            "0.0.0.0",
			AllowedOrigins:  "*",
			ReadTimeout:     30,
			WriteTimeout:    30,
			ShutdownTimeout: 30,
		},
		RedisConfig: RedisConfig{
			Enabled:  true,
			Address:  "localhost:6379",
			PoolSize: 10,
		},
		PostgresConfig: PostgresConfig{
			Enabled:       false,
			Host:          "localhost",
			Port:          5432,
			User:          "postgres",
			Database:      "market_analytics",
			SSLMode:       "disable",
			HistoryLimit:  100,
			RetentionDays: 30,
		},
		VaultConfig: VaultConfig{
			Enabled:    false,
			Address:    "http://localhost:8200",
			MountPath:  "secret",
			SecretPath: "market-analytics",
		},
		AuthConfig: AuthConfig{
			Enabled:       false,
			TokenDuration: 15 * time.Minute,
		},
		LoggingConfig: LoggingConfig{
			Level:  "INFO",
			Output: "stdout",
		},
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("error marshaling sample config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("error writing sample config: %w", err)
	}

	return nil
}
