package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

var Module = fx.Module("config",
	fx.Provide(Load),
	fx.Provide(NewProgramConfigHolder),
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	OTLPEndpoint string

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
	DBConnMaxIdleTime int

	Redis     RedisConfig
	RateLimit RateLimitConfig

	Attribution AttributionConfig

	SiteURL string

	AffiliateJWTSecret  string
	AffiliateSessionTTL time.Duration

	CheckoutWebhookSecret string
	CheckoutWebhookSkew   time.Duration

	// OperatorTokens maps bearer tokens to operator IDs.
	OperatorTokens map[string]string
	// OperatorRoles maps operator IDs to casbin roles.
	OperatorRoles map[string]string

	Scheduler SchedulerConfig
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

func (c RedisConfig) Enabled() bool {
	return strings.TrimSpace(c.Addr) != ""
}

// RateLimitConfig only takes effect when Redis is configured.
type RateLimitConfig struct {
	LoginRate     float64
	LoginBurst    int
	PayoutLockTTL time.Duration
}

type AttributionConfig struct {
	Backend       string
	Policy        string
	QueryParam    string
	VisitorCookie string
	CookieMaxAge  time.Duration
	CookieSecure  bool
}

type SchedulerConfig struct {
	Enabled     bool
	RunInterval time.Duration
	BatchSize   int
	AutoRepair  bool
}

const (
	AttributionBackendDatabase = "database"
	AttributionBackendRedis    = "redis"
)

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	environment := getenv("ENVIRONMENT", "development")

	cfg := Config{
		AppName:      getenv("APP_SERVICE", "affiliate"),
		AppVersion:   getenv("APP_VERSION", "0.1.0"),
		Environment:  environment,
		HTTPAddr:     getenv("HTTP_ADDR", ":8080"),
		OTLPEndpoint: getenv("OTLP_ENDPOINT", "localhost:4317"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "affiliate"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", "postgres"),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 50),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),

		Redis: RedisConfig{
			Addr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
			Password: strings.TrimSpace(getenv("REDIS_PASSWORD", "")),
			DB:       getenvInt("REDIS_DB", 0),
		},

		RateLimit: RateLimitConfig{
			LoginRate:     getenvFloat("RATE_LIMIT_LOGIN_RATE", 0.1),
			LoginBurst:    getenvInt("RATE_LIMIT_LOGIN_BURST", 5),
			PayoutLockTTL: getenvDuration("PAYOUT_LOCK_TTL", 30*time.Second),
		},

		Attribution: AttributionConfig{
			Backend:       strings.ToLower(getenv("ATTRIBUTION_BACKEND", AttributionBackendDatabase)),
			Policy:        strings.ToLower(getenv("ATTRIBUTION_POLICY", "first_touch")),
			QueryParam:    getenv("REF_QUERY_PARAM", "ref"),
			VisitorCookie: getenv("VISITOR_COOKIE", "aff_vid"),
			CookieMaxAge:  getenvDuration("VISITOR_COOKIE_MAX_AGE", 365*24*time.Hour),
			CookieSecure:  environment == "production" || getenvBool("VISITOR_COOKIE_SECURE", false),
		},

		SiteURL: strings.TrimRight(getenv("SITE_URL", "http://localhost:3000"), "/"),

		AffiliateJWTSecret:  strings.TrimSpace(getenv("AFFILIATE_JWT_SECRET", "")),
		AffiliateSessionTTL: getenvDuration("AFFILIATE_SESSION_TTL", 12*time.Hour),

		CheckoutWebhookSecret: strings.TrimSpace(getenv("CHECKOUT_WEBHOOK_SECRET", "")),
		CheckoutWebhookSkew:   getenvDuration("CHECKOUT_WEBHOOK_SKEW", 5*time.Minute),

		OperatorTokens: parseOperatorTokens(getenv("OPERATOR_TOKENS", "")),
		OperatorRoles:  parsePairs(getenv("OPERATOR_ROLES", ""), "="),

		Scheduler: SchedulerConfig{
			Enabled:     getenvBool("SCHEDULER_ENABLED", true),
			RunInterval: getenvDuration("SCHEDULER_RUN_INTERVAL", 5*time.Minute),
			BatchSize:   getenvInt("SCHEDULER_BATCH_SIZE", 100),
			AutoRepair:  getenvBool("SCHEDULER_AUTO_REPAIR", false),
		},
	}

	if cfg.AffiliateJWTSecret == "" {
		log.Printf("[config] AFFILIATE_JWT_SECRET is empty; affiliate sessions are disabled")
	}

	return cfg
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

// parseOperatorTokens reads "operator:token,operator:token" into token -> operator.
func parseOperatorTokens(raw string) map[string]string {
	pairs := parsePairs(raw, ":")
	out := make(map[string]string, len(pairs))
	for operator, token := range pairs {
		out[token] = operator
	}
	return out
}

func parsePairs(raw, sep string) map[string]string {
	out := map[string]string{}
	for _, item := range strings.Split(raw, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(item), sep)
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if key == "" || value == "" {
			continue
		}
		out[key] = value
	}
	return out
}

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

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}
