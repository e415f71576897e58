package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config aggregates runtime configuration for both binaries.
type Config struct {
	App          AppConfig
	Postgres     PostgresConfig
	Redis        RedisConfig
	Logger       LoggerConfig
	Auth         AuthConfig
	Webhook      WebhookConfig
	Gateway      GatewayConfig
	Channel      ChannelConfig
	Conversation ConversationConfig
	Outbound     OutboundConfig
	Notification NotificationConfig
	Media        MediaConfig
}

// AppConfig controls server level behavior.
type AppConfig struct {
	Name                  string
	Env                   string
	Host                  string
	Port                  string
	Version               string
	RequestTimeoutSeconds int
}

// PostgresConfig holds DB connection values.
type PostgresConfig struct {
	DSN            string
	MaxConns       int32
	MinConns       int32
	RunMigrations  bool
	MigrationsDir  string
	ConnMaxIdleSec int32
	ConnMaxLifeSec int32
}

// RedisConfig holds Redis connection values.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// LoggerConfig configures logging behavior.
type LoggerConfig struct {
	Level string
}

// AuthConfig defines authentication parameters.
type AuthConfig struct {
	JWTSecret             string
	AccessTokenTTLMinutes int
	BcryptCost            int
}

// WebhookConfig covers both ends of the signed webhook hop.
type WebhookConfig struct {
	URL               string
	Secret            string
	TimeoutMS         int
	RetryMax          int
	RetryBaseMS       int
	RetryMaxDelayMS   int
	CircuitFailures   int
	CircuitCooldownMS int
	MaxBytes          int
	RateLimit         int
}

// GatewayConfig configures the channel-facing HTTP surface.
type GatewayConfig struct {
	Host                      string
	Port                      string
	Token                     string
	SendMaxBytes              int
	SendRateLimitRPM          int
	IdempotencyTTLSeconds     int
	IdempotencyMemoryFallback bool
}

// ChannelConfig configures the channel session and the normalizer caches.
type ChannelConfig struct {
	StoreDialect         string
	StoreDSN             string
	AuthDir              string
	ReconnectBaseMS      int
	ReconnectMaxMS       int
	ReconnectMaxAttempts int
	ReconnectCooldownMS  int
	GroupSubjectCacheMS  int
	IdentityTTLHours     int
	PrintQR              bool
}

// ConversationConfig tunes the conversation state engine.
type ConversationConfig struct {
	LockTTLSeconds      int
	ReopenWindowMinutes int
	ReopenInclusive     bool
}

// OutboundConfig configures the backend to gateway send path.
type OutboundConfig struct {
	GatewaySendURL    string
	GatewayRevokeURL  string
	GatewayBaseURL    string
	GatewayToken      string
	TimeoutSeconds    int
	WorkerConcurrency int
	MaxAttempts       int
}

// NotificationConfig configures realtime broadcasting.
type NotificationConfig struct {
	AMQPURL          string
	Exchange         string
	BroadcastDelayMS int
}

// MediaConfig configures the S3 compatible media store.
type MediaConfig struct {
	Bucket            string
	Region            string
	Endpoint          string
	AccessKey         string
	SecretKey         string
	PathStyle         bool
	PublicBaseURL     string
	PresignTTLSeconds int
}

// Load reads configuration from environment variables, applying defaults where possible.
func Load() (*Config, error) {
	_ = godotenv.Load()

	redisDB, err := strconv.Atoi(getEnv("REDIS_DB", "0"))
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
	}

	maxConns := int32(getEnvAsInt("POSTGRES_MAX_CONNS", 10))
	minConns := int32(getEnvAsInt("POSTGRES_MIN_CONNS", 2))
	runMigrations := getEnvAsBool("POSTGRES_RUN_MIGRATIONS", true)
	connMaxIdle := int32(getEnvAsInt("POSTGRES_CONN_MAX_IDLE_SECONDS", 30))
	connMaxLife := int32(getEnvAsInt("POSTGRES_CONN_MAX_LIFE_SECONDS", 300))

	gatewayToken := os.Getenv("WA_GATEWAY_TOKEN")
	sendURL := getEnv("WA_GATEWAY_URL", "http://127.0.0.1:3001/send")

	cfg := &Config{
		App: AppConfig{
			Name:                  getEnv("APP_NAME", "wa-relay"),
			Env:                   getEnv("APP_ENV", "development"),
			Host:                  getEnv("APP_HOST", "0.0.0.0"),
			Port:                  getEnv("APP_PORT", "8080"),
			Version:               getEnv("APP_VERSION", "dev"),
			RequestTimeoutSeconds: getEnvAsInt("HTTP_REQUEST_TIMEOUT_SECONDS", 30),
		},
		Postgres: PostgresConfig{
			DSN:            os.Getenv("POSTGRES_DSN"),
			MaxConns:       maxConns,
			MinConns:       minConns,
			RunMigrations:  runMigrations,
			MigrationsDir:  getEnv("POSTGRES_MIGRATIONS_DIR", "migrations"),
			ConnMaxIdleSec: connMaxIdle,
			ConnMaxLifeSec: connMaxLife,
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "127.0.0.1:6379"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       redisDB,
		},
		Logger: LoggerConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Auth: AuthConfig{
			JWTSecret:             getEnv("AUTH_JWT_SECRET", "dev-secret"),
			AccessTokenTTLMinutes: getEnvAsInt("AUTH_ACCESS_TOKEN_TTL_MINUTES", 60),
			BcryptCost:            getEnvAsInt("AUTH_BCRYPT_COST", 12),
		},
		Webhook: WebhookConfig{
			URL:               os.Getenv("WEBHOOK_URL"),
			Secret:            os.Getenv("WEBHOOK_SECRET"),
			TimeoutMS:         getEnvAsInt("WEBHOOK_TIMEOUT_MS", 5000),
			RetryMax:          getEnvAsInt("WEBHOOK_RETRY_MAX", 5),
			RetryBaseMS:       getEnvAsInt("WEBHOOK_RETRY_BASE_MS", 500),
			RetryMaxDelayMS:   getEnvAsInt("WEBHOOK_RETRY_MAX_DELAY_MS", 30000),
			CircuitFailures:   getEnvAsInt("WEBHOOK_CIRCUIT_FAILURES", 10),
			CircuitCooldownMS: getEnvAsInt("WEBHOOK_CIRCUIT_COOLDOWN_MS", 60000),
			MaxBytes:          getEnvAsInt("WEBHOOK_MAX_BYTES", 0),
			RateLimit:         getEnvAsInt("WEBHOOK_RATE_LIMIT", 120),
		},
		Gateway: GatewayConfig{
			Host:                      getEnv("GATEWAY_HOST", "0.0.0.0"),
			Port:                      getEnv("GATEWAY_PORT", "3001"),
			Token:                     gatewayToken,
			SendMaxBytes:              getEnvAsInt("SEND_MAX_BYTES", 1000000),
			SendRateLimitRPM:          getEnvAsInt("SEND_RATE_LIMIT_RPM", 120),
			IdempotencyTTLSeconds:     getEnvAsInt("OUTBOUND_IDEMPOTENCY_TTL_SECONDS", 86400),
			IdempotencyMemoryFallback: getEnvAsBool("OUTBOUND_IDEMPOTENCY_MEMORY_FALLBACK", true),
		},
		Channel: ChannelConfig{
			StoreDialect:         getEnv("WA_STORE_DIALECT", "sqlite"),
			StoreDSN:             getEnv("WA_STORE_DSN", "file:./storage/wa-auth/device.db?_pragma=foreign_keys(1)"),
			AuthDir:              getEnv("WA_AUTH_DIR", "./storage/wa-auth"),
			ReconnectBaseMS:      getEnvAsInt("RECONNECT_BASE_MS", 1000),
			ReconnectMaxMS:       getEnvAsInt("RECONNECT_MAX_MS", 30000),
			ReconnectMaxAttempts: getEnvAsInt("RECONNECT_MAX_ATTEMPTS", 10),
			ReconnectCooldownMS:  getEnvAsInt("RECONNECT_COOLDOWN_MS", 60000),
			GroupSubjectCacheMS:  getEnvAsInt("GROUP_SUBJECT_CACHE_MS", 300000),
			IdentityTTLHours:     getEnvAsInt("IDENTITY_CACHE_TTL_HOURS", 720),
			PrintQR:              getEnvAsBool("WA_PRINT_QR", true),
		},
		Conversation: ConversationConfig{
			LockTTLSeconds:      getEnvAsInt("CONVERSATION_LOCK_TTL_SECONDS", 120),
			ReopenWindowMinutes: getEnvAsInt("CONVERSATION_REOPEN_WINDOW_MINUTES", 120),
			ReopenInclusive:     getEnvAsBool("CONVERSATION_REOPEN_INCLUSIVE", true),
		},
		Outbound: OutboundConfig{
			GatewaySendURL:    sendURL,
			GatewayRevokeURL:  os.Getenv("WA_GATEWAY_REVOKE_URL"),
			GatewayBaseURL:    getEnv("WA_GATEWAY_BASE_URL", deriveBaseURL(sendURL)),
			GatewayToken:      gatewayToken,
			TimeoutSeconds:    getEnvAsInt("WA_GATEWAY_TIMEOUT", 5),
			WorkerConcurrency: getEnvAsInt("SEND_WORKER_CONCURRENCY", 4),
			MaxAttempts:       getEnvAsInt("SEND_WORKER_MAX_ATTEMPTS", 5),
		},
		Notification: NotificationConfig{
			AMQPURL:          os.Getenv("NOTIFY_AMQP_URL"),
			Exchange:         getEnv("NOTIFY_EXCHANGE", "wa-relay.events"),
			BroadcastDelayMS: getEnvAsInt("NOTIFY_BROADCAST_DELAY_MS", 150),
		},
		Media: MediaConfig{
			Bucket:            os.Getenv("MEDIA_S3_BUCKET"),
			Region:            getEnv("MEDIA_S3_REGION", "us-east-1"),
			Endpoint:          os.Getenv("MEDIA_S3_ENDPOINT"),
			AccessKey:         os.Getenv("MEDIA_S3_ACCESS_KEY"),
			SecretKey:         os.Getenv("MEDIA_S3_SECRET_KEY"),
			PathStyle:         getEnvAsBool("MEDIA_S3_PATH_STYLE", true),
			PublicBaseURL:     os.Getenv("MEDIA_PUBLIC_BASE_URL"),
			PresignTTLSeconds: getEnvAsInt("MEDIA_PRESIGN_TTL_SECONDS", 900),
		},
	}

	return cfg, nil
}

// Addr returns the HTTP bind address.
func (a AppConfig) Addr() string {
	return fmt.Sprintf("%s:%s", a.Host, a.Port)
}

// RequestTimeout returns the configured request timeout duration.
func (a AppConfig) RequestTimeout() time.Duration {
	if a.RequestTimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(a.RequestTimeoutSeconds) * time.Second
}

// Addr returns the gateway bind address.
func (g GatewayConfig) Addr() string {
	return fmt.Sprintf("%s:%s", g.Host, g.Port)
}

// IdempotencyTTL returns how long send results are remembered.
func (g GatewayConfig) IdempotencyTTL() time.Duration {
	return time.Duration(g.IdempotencyTTLSeconds) * time.Second
}

// LockTTL returns the conversation lock lifetime.
func (c ConversationConfig) LockTTL() time.Duration {
	return time.Duration(c.LockTTLSeconds) * time.Second
}

// ReopenWindow returns how long after closing an inbound message reopens a conversation.
func (c ConversationConfig) ReopenWindow() time.Duration {
	return time.Duration(c.ReopenWindowMinutes) * time.Minute
}

// RevokeURL returns the explicit revoke endpoint or one derived from the send URL.
func (o OutboundConfig) RevokeURL() string {
	if o.GatewayRevokeURL != "" {
		return o.GatewayRevokeURL
	}
	if o.GatewaySendURL == "" {
		return ""
	}
	if strings.HasSuffix(o.GatewaySendURL, "/send") {
		return strings.TrimSuffix(o.GatewaySendURL, "/send") + "/revoke"
	}
	return strings.TrimRight(o.GatewaySendURL, "/") + "/revoke"
}

// Timeout returns the per request timeout for gateway calls.
func (o OutboundConfig) Timeout() time.Duration {
	if o.TimeoutSeconds <= 0 {
		return 5 * time.Second
	}
	return time.Duration(o.TimeoutSeconds) * time.Second
}

// BroadcastDelay returns the delay applied before broadcasting echo-prone notifications.
func (n NotificationConfig) BroadcastDelay() time.Duration {
	return time.Duration(n.BroadcastDelayMS) * time.Millisecond
}

// Enabled reports whether a bucket has been configured.
func (m MediaConfig) Enabled() bool {
	return m.Bucket != ""
}

func deriveBaseURL(sendURL string) string {
	if strings.HasSuffix(sendURL, "/send") {
		return strings.TrimSuffix(sendURL, "/send")
	}
	return strings.TrimRight(sendURL, "/")
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(val)
	if err != nil {
		return fallback
	}
	return parsed
}

func getEnvAsBool(key string, fallback bool) bool {
	val := os.Getenv(key)
	if val == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(val)
	if err != nil {
		return fallback
	}
	return parsed
}
