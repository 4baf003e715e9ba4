package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string
	LogLevel    string

	OtelEnabled          bool
	OtelExporterEndpoint string
	OtelExporterProtocol string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	Ledger    LedgerConfig
	Revenue   RevenueConfig
	Payout    PayoutConfig
	Sacco     SaccoConfig
	RateLimit RateLimitConfig
}

// LedgerConfig carries wallet ledger policy knobs.
type LedgerConfig struct {
	Currency        string
	BalanceCacheTTL int // seconds; 0 disables the redis cache
}

// RevenueConfig carries stream accrual policy knobs.
type RevenueConfig struct {
	// A play qualifies when it reaches MinListenSeconds or MinListenRatio
	// of the track duration, whichever comes first.
	MinListenSeconds int
	MinListenRatio   decimal.Decimal

	PlatformFeePercent decimal.Decimal

	// Per-play gross rates by listener tier. Country overrides are keyed
	// by uppercase ISO country code and take precedence.
	PremiumStreamRate decimal.Decimal
	FreeStreamRate    decimal.Decimal
	CountryRates      map[string]decimal.Decimal

	DownloadRate decimal.Decimal
}

// PayoutConfig carries payout sweep policy knobs.
type PayoutConfig struct {
	DefaultMinimumAmount decimal.Decimal
}

// SaccoConfig carries SACCO ledger policy knobs.
type SaccoConfig struct {
	DailyLateFeeRate decimal.Decimal
}

// RateLimitConfig throttles play ingestion. Requires redis.
type RateLimitConfig struct {
	Enabled           bool
	PlayListenerRate  float64
	PlayListenerBurst int
	PlayGlobalRate    float64
	PlayGlobalBurst   int
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	return Config{
		AppName:     getenv("APP_SERVICE", "ledgercore"),
		AppVersion:  getenv("APP_VERSION", "0.1.0"),
		Environment: getenv("ENVIRONMENT", "development"),
		HTTPAddr:    getenv("HTTP_ADDR", ":8080"),
		LogLevel:    getenv("LOG_LEVEL", "info"),

		OtelEnabled:          getenvBool("OTEL_ENABLED", false),
		OtelExporterEndpoint: getenv("OTEL_EXPORTER_ENDPOINT", "localhost:4317"),
		OtelExporterProtocol: strings.ToLower(getenv("OTEL_EXPORTER_PROTOCOL", "grpc")),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "ledgercore"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 25),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 1800),

		RedisAddr:     getenv("REDIS_ADDR", ""),
		RedisPassword: getenv("REDIS_PASSWORD", ""),
		RedisDB:       getenvInt("REDIS_DB", 0),

		Ledger: LedgerConfig{
			Currency:        strings.ToUpper(getenv("LEDGER_CURRENCY", "UGX")),
			BalanceCacheTTL: getenvInt("LEDGER_BALANCE_CACHE_TTL", 300),
		},
		Revenue: RevenueConfig{
			MinListenSeconds:   getenvInt("REVENUE_MIN_LISTEN_SECONDS", 30),
			MinListenRatio:     getenvDecimal("REVENUE_MIN_LISTEN_RATIO", "0.8"),
			PlatformFeePercent: getenvDecimal("REVENUE_PLATFORM_FEE_PERCENT", "30"),
			PremiumStreamRate:  getenvDecimal("REVENUE_PREMIUM_STREAM_RATE", "7.5"),
			FreeStreamRate:     getenvDecimal("REVENUE_FREE_STREAM_RATE", "2.5"),
			CountryRates:       parseCountryRates(getenv("REVENUE_COUNTRY_RATES", "")),
			DownloadRate:       getenvDecimal("REVENUE_DOWNLOAD_RATE", "50"),
		},
		Payout: PayoutConfig{
			DefaultMinimumAmount: getenvDecimal("PAYOUT_DEFAULT_MINIMUM", "5000"),
		},
		Sacco: SaccoConfig{
			DailyLateFeeRate: getenvDecimal("SACCO_DAILY_LATE_FEE_RATE", "0.005"),
		},
		RateLimit: RateLimitConfig{
			Enabled:           getenvBool("RATE_LIMIT_ENABLED", false),
			PlayListenerRate:  getenvFloat("RATE_LIMIT_PLAY_LISTENER_RATE", 1),
			PlayListenerBurst: getenvInt("RATE_LIMIT_PLAY_LISTENER_BURST", 5),
			PlayGlobalRate:    getenvFloat("RATE_LIMIT_PLAY_GLOBAL_RATE", 2000),
			PlayGlobalBurst:   getenvInt("RATE_LIMIT_PLAY_GLOBAL_BURST", 4000),
		},
	}
}

var Module = fx.Module("config",
	fx.Provide(Load),
)

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDecimal(key, def string) decimal.Decimal {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		value = def
	}
	parsed, err := decimal.NewFromString(value)
	if err != nil {
		parsed, _ = decimal.NewFromString(def)
	}
	return parsed
}

// parseCountryRates parses "KE=6.0,TZ=5.5" into a rate override map.
func parseCountryRates(raw string) map[string]decimal.Decimal {
	out := map[string]decimal.Decimal{}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			continue
		}
		code := strings.ToUpper(strings.TrimSpace(parts[0]))
		rate, err := decimal.NewFromString(strings.TrimSpace(parts[1]))
		if err != nil || code == "" {
			continue
		}
		out[code] = rate
	}
	return out
}
