package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// global config instance
var global *Config

// Config process-wide settings loaded from the environment (.env supported).
// Per-grid and per-portfolio settings live in the database.
type Config struct {
	// server
	APIServerPort       int
	JWTSecret           string
	JWTTTL              time.Duration
	RegistrationEnabled bool
	DataEncryptionKey   string
	APIRateLimit        float64 // requests per second per client, 0 disables
	APIRateBurst        int

	// database
	DBType     string
	DBPath     string
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// market data
	RedisURL            string
	QuoteCacheTTL       time.Duration
	BinanceAPIKey       string
	BinanceSecretKey    string
	LongportAppKey      string
	LongportAppSecret   string
	LongportAccessToken string
	MarketRateLimit     float64
	MarketRateBurst     int
	BinanceStream       bool // live crypto prices over websocket

	// notifications
	TelegramBotToken string

	// scheduler
	PriceRefreshInterval time.Duration
	GridCheckInterval    time.Duration
	AlertCheckInterval   time.Duration
	SnapshotInterval     time.Duration

	LogLevel  string
	LogFormat string
}

// Default returns the configuration used when no environment is set
func Default() *Config {
	return &Config{
		APIServerPort:        8080,
		JWTSecret:            "default-jwt-secret-change-in-production",
		JWTTTL:               24 * time.Hour,
		RegistrationEnabled:  true,
		APIRateLimit:         20,
		APIRateBurst:         40,
		DBType:               "sqlite",
		DBPath:               "data/gridtrader.db",
		DBHost:               "localhost",
		DBPort:               5432,
		DBUser:               "postgres",
		DBName:               "gridtrader",
		DBSSLMode:            "disable",
		QuoteCacheTTL:        60 * time.Second,
		MarketRateLimit:      5,
		MarketRateBurst:      10,
		BinanceStream:        true,
		PriceRefreshInterval: 60 * time.Second,
		GridCheckInterval:    30 * time.Second,
		AlertCheckInterval:   60 * time.Second,
		SnapshotInterval:     time.Hour,
		LogLevel:             "info",
		LogFormat:            "text",
	}
}

// Init loads the global config from environment variables
func Init() {
	global = Load()
}

// Load builds a Config from environment variables on top of Default()
func Load() *Config {
	cfg := Default()

	if v := env("JWT_SECRET"); v != "" {
		cfg.JWTSecret = v
	}
	if v := env("JWT_TTL_HOURS"); v != "" {
		if h, err := strconv.Atoi(v); err == nil && h > 0 {
			cfg.JWTTTL = time.Duration(h) * time.Hour
		}
	}
	if v := env("REGISTRATION_ENABLED"); v != "" {
		cfg.RegistrationEnabled = strings.ToLower(v) == "true"
	}
	cfg.APIServerPort = envInt("API_SERVER_PORT", cfg.APIServerPort)
	cfg.DataEncryptionKey = envString("DATA_ENCRYPTION_KEY", "")
	if v := env("API_RATE_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			cfg.APIRateLimit = f
		}
	}
	cfg.APIRateBurst = envInt("API_RATE_BURST", cfg.APIRateBurst)

	if v := env("DB_TYPE"); v != "" {
		cfg.DBType = strings.ToLower(v)
	}
	cfg.DBPath = envString("DB_PATH", cfg.DBPath)
	cfg.DBHost = envString("DB_HOST", cfg.DBHost)
	cfg.DBPort = envInt("DB_PORT", cfg.DBPort)
	cfg.DBUser = envString("DB_USER", cfg.DBUser)
	cfg.DBPassword = envString("DB_PASSWORD", cfg.DBPassword)
	cfg.DBName = envString("DB_NAME", cfg.DBName)
	cfg.DBSSLMode = envString("DB_SSLMODE", cfg.DBSSLMode)

	cfg.RedisURL = envString("REDIS_URL", cfg.RedisURL)
	cfg.QuoteCacheTTL = envDuration("QUOTE_CACHE_TTL", cfg.QuoteCacheTTL)
	cfg.BinanceAPIKey = envString("BINANCE_API_KEY", "")
	cfg.BinanceSecretKey = envString("BINANCE_SECRET_KEY", "")
	cfg.LongportAppKey = envString("LONGPORT_APP_KEY", "")
	cfg.LongportAppSecret = envString("LONGPORT_APP_SECRET", "")
	cfg.LongportAccessToken = envString("LONGPORT_ACCESS_TOKEN", "")
	if v := env("MARKET_RATE_LIMIT"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			cfg.MarketRateLimit = f
		}
	}
	cfg.MarketRateBurst = envInt("MARKET_RATE_BURST", cfg.MarketRateBurst)
	if v := env("BINANCE_STREAM"); v != "" {
		cfg.BinanceStream = strings.ToLower(v) == "true"
	}

	cfg.TelegramBotToken = envString("TELEGRAM_BOT_TOKEN", "")

	cfg.PriceRefreshInterval = envDuration("PRICE_REFRESH_INTERVAL", cfg.PriceRefreshInterval)
	cfg.GridCheckInterval = envDuration("GRID_CHECK_INTERVAL", cfg.GridCheckInterval)
	cfg.AlertCheckInterval = envDuration("ALERT_CHECK_INTERVAL", cfg.AlertCheckInterval)
	cfg.SnapshotInterval = envDuration("SNAPSHOT_INTERVAL", cfg.SnapshotInterval)

	cfg.LogLevel = envString("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = strings.ToLower(envString("LOG_FORMAT", cfg.LogFormat))
	return cfg
}

// Get returns the global config, initializing it on first use
func Get() *Config {
	if global == nil {
		Init()
	}
	return global
}

// LongportEnabled reports whether HK/CN quotes can be routed to Longport
func (c *Config) LongportEnabled() bool {
	return c.LongportAppKey != "" && c.LongportAppSecret != "" && c.LongportAccessToken != ""
}

func env(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func envString(key, def string) string {
	if v := env(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := env(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

// envDuration accepts Go duration strings ("90s", "5m") or a plain number of seconds
func envDuration(key string, def time.Duration) time.Duration {
	v := env(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil && n > 0 {
		return time.Duration(n) * time.Second
	}
	return def
}
