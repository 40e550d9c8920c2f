package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName       string
	AppVersion    string
	Environment   string
	HTTPAddr      string
	SiteURL       string
	SnowflakeNode int64

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

	Payment     PaymentConfig
	Order       OrderConfig
	Points      PointsConfig
	Idempotency IdempotencyConfig
	Redis       RedisConfig
	Report      ReportConfig
	Kafka       KafkaConfig
	Email       EmailConfig
	Scheduler   SchedulerConfig
	RateLimit   RateLimitConfig
	Observe     ObservabilityConfig
}

type PaymentConfig struct {
	Provider      string
	DevMode       bool
	SkipPayment   bool
	KakaoSecret   string
	KakaoCID      string
	KakaoBaseURL  string
	Timeout       time.Duration
	MinAmount     int64
	MaxAmount     int64
	WebhookSecret string
}

type OrderConfig struct {
	PendingTTL         time.Duration
	DefaultProductName string
	DefaultAmount      int64
	DefaultFortuneCost int64
}

type PointsConfig struct {
	DefaultExpiresDays int
}

type IdempotencyConfig struct {
	Backend string
	TTL     time.Duration
	Bucket  time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type ReportConfig struct {
	Dispatcher string
	Workers    int
	QueueSize  int
	OutputDir  string
	StuckAfter time.Duration
}

type KafkaConfig struct {
	Brokers     []string
	ReportTopic string
	GroupID     string
}

type EmailConfig struct {
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
}

type SchedulerConfig struct {
	Interval    time.Duration
	BatchSize   int
	EnabledJobs []string
	// LockTTL bounds the cross-replica run lock. Zero disables locking.
	LockTTL time.Duration
}

// RateLimitConfig throttles checkout per account and webhook ingest per
// provider. Buckets live in the Redis instance from RedisConfig.
type RateLimitConfig struct {
	Enabled      bool
	OrderRate    float64
	OrderBurst   int
	WebhookRate  float64
	WebhookBurst int
}

// ObservabilityConfig drives logging, tracing and OTLP metric export.
type ObservabilityConfig struct {
	DeploymentEnv string
	LogLevel      string
	LogFormat     string
	// LogSampleInitial and LogSampleThereafter feed zap's per-second sampler.
	LogSampleInitial    int
	LogSampleThereafter int
	SlowQuery           time.Duration

	OtelEnabled       bool
	OtelEndpoint      string
	OtelProtocol      string
	OtelSamplingRatio float64
}

const (
	IdempotencyBackendMemory   = "memory"
	IdempotencyBackendRedis    = "redis"
	IdempotencyBackendDatabase = "database"

	ReportDispatcherPool  = "pool"
	ReportDispatcherKafka = "kafka"
)

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	devMode := getenvBool("DEV_MODE", false)
	cfg := Config{
		AppName:       getenv("APP_SERVICE", "fortunepay"),
		AppVersion:    getenv("APP_VERSION", "0.1.0"),
		Environment:   getenv("ENVIRONMENT", "development"),
		HTTPAddr:      getenv("HTTP_ADDR", ":8080"),
		SiteURL:       strings.TrimRight(getenv("SITE_URL", "http://localhost:8080"), "/"),
		SnowflakeNode: getenvInt64("SNOWFLAKE_NODE", 1),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "fortunepay"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 10),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 50),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),

		Payment: PaymentConfig{
			Provider:      strings.ToLower(getenv("PAYMENT_PROVIDER", "kakaopay")),
			DevMode:       devMode,
			SkipPayment:   getenvBool("SKIP_PAYMENT", false),
			KakaoSecret:   strings.TrimSpace(getenv("KAKAOPAY_SECRET_KEY", "")),
			KakaoCID:      getenv("KAKAOPAY_CID", "TC0ONETIME"),
			KakaoBaseURL:  strings.TrimRight(getenv("KAKAOPAY_BASE_URL", "https://open-api.kakaopay.com"), "/"),
			Timeout:       getenvDuration("KAKAOPAY_TIMEOUT", 10*time.Second),
			MinAmount:     getenvInt64("PAYMENT_MIN_AMOUNT", 100),
			MaxAmount:     getenvInt64("PAYMENT_MAX_AMOUNT", 1_000_000),
			WebhookSecret: strings.TrimSpace(getenv("KAKAOPAY_WEBHOOK_SECRET", "")),
		},
		Order: OrderConfig{
			PendingTTL:         getenvDuration("ORDER_PENDING_TTL", 30*time.Minute),
			DefaultProductName: getenv("ORDER_DEFAULT_PRODUCT_NAME", "AI 사주 심층 리포트"),
			DefaultAmount:      getenvInt64("ORDER_DEFAULT_AMOUNT", 1900),
			DefaultFortuneCost: getenvInt64("ORDER_DEFAULT_FORTUNE_COST", 10),
		},
		Points: PointsConfig{
			DefaultExpiresDays: getenvInt("POINTS_DEFAULT_EXPIRES_DAYS", 365),
		},
		Idempotency: IdempotencyConfig{
			Backend: strings.ToLower(getenv("IDEMPOTENCY_BACKEND", IdempotencyBackendMemory)),
			TTL:     getenvDuration("IDEMPOTENCY_TTL", 5*time.Minute),
			Bucket:  getenvDuration("IDEMPOTENCY_BUCKET", time.Minute),
		},
		Redis: RedisConfig{
			Addr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
			Password: getenv("REDIS_PASSWORD", ""),
			DB:       getenvInt("REDIS_DB", 0),
		},
		Report: ReportConfig{
			Dispatcher: strings.ToLower(getenv("REPORT_DISPATCHER", ReportDispatcherPool)),
			Workers:    getenvInt("REPORT_WORKERS", 4),
			QueueSize:  getenvInt("REPORT_QUEUE_SIZE", 64),
			OutputDir:  getenv("REPORT_OUTPUT_DIR", "static/uploads/reports"),
			StuckAfter: getenvDuration("REPORT_STUCK_AFTER", 30*time.Minute),
		},
		Kafka: KafkaConfig{
			Brokers:     splitList(getenv("KAFKA_BROKERS", "")),
			ReportTopic: getenv("KAFKA_REPORT_TOPIC", "fortune.report.jobs"),
			GroupID:     getenv("KAFKA_GROUP_ID", "fortunepay-report"),
		},
		Email: EmailConfig{
			SMTPHost:     strings.TrimSpace(getenv("SMTP_HOST", "")),
			SMTPPort:     getenvInt("SMTP_PORT", 587),
			SMTPUsername: getenv("SMTP_USERNAME", ""),
			SMTPPassword: getenv("SMTP_PASSWORD", ""),
			SMTPFrom:     getenv("SMTP_FROM", "no-reply@fortunepay.local"),
		},
		Scheduler: SchedulerConfig{
			Interval:    getenvDuration("SCHEDULER_INTERVAL", time.Minute),
			BatchSize:   getenvInt("SCHEDULER_BATCH_SIZE", 50),
			EnabledJobs: splitList(getenv("SCHEDULER_JOBS", "")),
			LockTTL:     getenvDuration("SCHEDULER_LOCK_TTL", 0),
		},
		RateLimit: RateLimitConfig{
			Enabled:      getenvBool("RATE_LIMIT_ENABLED", false),
			OrderRate:    getenvFloat("RATE_LIMIT_ORDER_RATE", 0.2),
			OrderBurst:   getenvInt("RATE_LIMIT_ORDER_BURST", 5),
			WebhookRate:  getenvFloat("RATE_LIMIT_WEBHOOK_RATE", 20),
			WebhookBurst: getenvInt("RATE_LIMIT_WEBHOOK_BURST", 100),
		},
		Observe: ObservabilityConfig{
			DeploymentEnv:       strings.TrimSpace(getenv("DEPLOYMENT_ENV", "")),
			LogLevel:            strings.ToLower(strings.TrimSpace(getenv("LOG_LEVEL", "info"))),
			LogFormat:           strings.ToLower(strings.TrimSpace(getenv("LOG_FORMAT", "json"))),
			LogSampleInitial:    getenvInt("LOG_SAMPLE_INITIAL", 100),
			LogSampleThereafter: getenvInt("LOG_SAMPLE_THEREAFTER", 100),
			SlowQuery:           getenvDuration("DATABASE_SLOW_QUERY", 200*time.Millisecond),
			OtelEnabled:         getenvBool("OTEL_ENABLED", false),
			OtelEndpoint:        strings.TrimSpace(getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317")),
			OtelProtocol:        otlpProtocol(),
			OtelSamplingRatio:   getenvFloat("OTEL_SAMPLING_RATIO", 0.1),
		},
	}

	return cfg
}

// PaymentBypassed reports whether checkout should use the auto-approving dev gateway.
func (c Config) PaymentBypassed() bool {
	return c.Payment.DevMode && c.Payment.SkipPayment
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

// otlpProtocol prefers the traces-specific override when both are set.
func otlpProtocol() string {
	protocol := getenv("OTEL_EXPORTER_OTLP_TRACES_PROTOCOL", getenv("OTEL_EXPORTER_OTLP_PROTOCOL", "grpc"))
	return strings.ToLower(strings.TrimSpace(protocol))
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

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvInt(key string, def int) int {
	return int(getenvInt64(key, int64(def)))
}

// getenvDuration accepts Go duration strings ("30m") or bare seconds ("1800").
func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	if parsed, err := time.ParseDuration(value); err == nil {
		return parsed
	}
	if seconds, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(seconds) * time.Second
	}
	return def
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
