package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	App          AppConfig
	Service      ServiceConfig
	DB           DBConfig
	Redis        RedisConfig
	Auth         AuthConfig
	FeatureFlags FeatureFlagsConfig
	Eventing     EventingConfig
	Replicate    ReplicateConfig
	PayPal       PayPalConfig
	GCP          GCPConfig
	GCS          GCSConfig
	Generation   GenerationConfig
	Reconcile    ReconcileConfig
	PubSub       PubSubConfig
	BigQuery     BigQueryConfig
	Outbox       OutboxConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	if err := cfg.PayPal.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env           string   `envconfig:"GENSTUDIO_APP_ENV" required:"true"`
	Port          string   `envconfig:"GENSTUDIO_APP_PORT" required:"true"`
	LogLevel      string   `envconfig:"GENSTUDIO_LOG_LEVEL" default:"info"`
	LogWarnStack  bool     `envconfig:"GENSTUDIO_LOG_WARN_STACK" default:"false"`
	PublicBaseURL string   `envconfig:"GENSTUDIO_PUBLIC_BASE_URL" required:"true"`
	FrontendURL   string   `envconfig:"GENSTUDIO_FRONTEND_URL" required:"true"`
	CORSOrigins   []string `envconfig:"GENSTUDIO_CORS_ORIGINS" default:"*"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type ServiceConfig struct {
	Kind string `envconfig:"GENSTUDIO_SERVICE_KIND" default:"api"`
}

type DBConfig struct {
	DSN string `envconfig:"GENSTUDIO_DB_DSN"`

	LegacyHost     string `envconfig:"GENSTUDIO_DB_HOST"`
	LegacyPort     int    `envconfig:"GENSTUDIO_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"GENSTUDIO_DB_USER"`
	LegacyPassword string `envconfig:"GENSTUDIO_DB_PASSWORD"`
	LegacyName     string `envconfig:"GENSTUDIO_DB_NAME"`
	LegacySSLMode  string `envconfig:"GENSTUDIO_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"GENSTUDIO_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"GENSTUDIO_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"GENSTUDIO_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"GENSTUDIO_DB_CONN_MAX_IDLE_TIME" default:"10m"`
	SlowQuery       time.Duration `envconfig:"GENSTUDIO_DB_SLOW_QUERY" default:"500ms"`
}

type RedisConfig struct {
	URL          string        `envconfig:"GENSTUDIO_REDIS_URL" required:"true"`
	Address      string        `envconfig:"GENSTUDIO_REDIS_ADDR"`
	Password     string        `envconfig:"GENSTUDIO_REDIS_PASSWORD"`
	DB           int           `envconfig:"GENSTUDIO_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"GENSTUDIO_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"GENSTUDIO_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"GENSTUDIO_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"GENSTUDIO_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"GENSTUDIO_REDIS_WRITE_TIMEOUT" default:"5s"`
}

// AuthConfig controls how the caller identity is resolved. Tokens are issued
// by the external auth collaborator; this service only verifies them.
type AuthConfig struct {
	JWTSecret         string `envconfig:"GENSTUDIO_JWT_SECRET"`
	JWTIssuer         string `envconfig:"GENSTUDIO_JWT_ISSUER"`
	AllowUserIDHeader bool   `envconfig:"GENSTUDIO_AUTH_ALLOW_USER_ID_HEADER" default:"true"`
}

type FeatureFlagsConfig struct {
	AutoMigrate       bool `envconfig:"GENSTUDIO_AUTO_MIGRATE" default:"false"`
	BackgroundPolling bool `envconfig:"GENSTUDIO_BACKGROUND_POLLING" default:"true"`
	RehostOutputs     bool `envconfig:"GENSTUDIO_REHOST_OUTPUTS" default:"true"`
}

type EventingConfig struct {
	OutboxIdempotencyTTL time.Duration `envconfig:"GENSTUDIO_EVENTING_IDEMPOTENCY_TTL" default:"720h"`
}

type ReplicateConfig struct {
	APIToken   string        `envconfig:"GENSTUDIO_REPLICATE_API_TOKEN" required:"true"`
	BaseURL    string        `envconfig:"GENSTUDIO_REPLICATE_BASE_URL" default:"https://api.replicate.com"`
	Timeout    time.Duration `envconfig:"GENSTUDIO_REPLICATE_TIMEOUT" default:"30s"`
	MaxRetries int           `envconfig:"GENSTUDIO_REPLICATE_MAX_RETRIES" default:"3"`
}

type PayPalConfig struct {
	ClientID string        `envconfig:"GENSTUDIO_PAYPAL_CLIENT_ID" required:"true"`
	Secret   string        `envconfig:"GENSTUDIO_PAYPAL_SECRET" required:"true"`
	Mode     string        `envconfig:"GENSTUDIO_PAYPAL_MODE" default:"sandbox"`
	Currency string        `envconfig:"GENSTUDIO_PAYPAL_CURRENCY" default:"USD"`
	Timeout  time.Duration `envconfig:"GENSTUDIO_PAYPAL_TIMEOUT" default:"20s"`
}

// Environment returns the normalized PayPal mode (sandbox/live).
func (p PayPalConfig) Environment() string {
	mode := strings.TrimSpace(strings.ToLower(p.Mode))
	if mode == "" {
		return PayPalModeSandbox
	}
	return mode
}

func (p PayPalConfig) validate() error {
	switch p.Environment() {
	case PayPalModeSandbox, PayPalModeLive:
		return nil
	default:
		return fmt.Errorf("%s must be %q or %q, got %q", EnvPayPalMode, PayPalModeSandbox, PayPalModeLive, p.Mode)
	}
}

type GCPConfig struct {
	ProjectID              string `envconfig:"GENSTUDIO_GCP_PROJECT_ID" required:"true"`
	CredentialsJSON        string `envconfig:"GENSTUDIO_GCP_CREDENTIALS_JSON"`
	ApplicationCredentials string `envconfig:"GENSTUDIO_GOOGLE_APPLICATION_CREDENTIALS"`
}

type GCSConfig struct {
	BucketName    string `envconfig:"GENSTUDIO_GCS_BUCKET_NAME" required:"true"`
	PublicBaseURL string `envconfig:"GENSTUDIO_GCS_PUBLIC_BASE_URL" default:"https://storage.googleapis.com"`
}

type GenerationConfig struct {
	PollInterval         time.Duration `envconfig:"GENSTUDIO_POLL_INTERVAL" default:"5s"`
	MaxPollErrors        int           `envconfig:"GENSTUDIO_MAX_POLL_ERRORS" default:"5"`
	WatchTimeout         time.Duration `envconfig:"GENSTUDIO_WATCH_TIMEOUT" default:"30m"`
	MaxConcurrentWatches int           `envconfig:"GENSTUDIO_MAX_CONCURRENT_WATCHES" default:"32"`
	CreateJobAttempts    int           `envconfig:"GENSTUDIO_CREATE_JOB_ATTEMPTS" default:"3"`
	RateLimitWindow      time.Duration `envconfig:"GENSTUDIO_GENERATE_RATE_LIMIT_WINDOW" default:"1m"`
	RateLimitPerUser     int           `envconfig:"GENSTUDIO_GENERATE_RATE_LIMIT_PER_USER" default:"20"`
}

type ReconcileConfig struct {
	SweepInterval  time.Duration `envconfig:"GENSTUDIO_RECONCILE_SWEEP_INTERVAL" default:"1m"`
	SweepBatchSize int           `envconfig:"GENSTUDIO_RECONCILE_SWEEP_BATCH_SIZE" default:"100"`
	SweepWorkers   int           `envconfig:"GENSTUDIO_RECONCILE_SWEEP_WORKERS" default:"4"`
	// RetireMissingAfter is how old an active job must be before an upstream
	// 404 fails and refunds it.
	RetireMissingAfter time.Duration `envconfig:"GENSTUDIO_RECONCILE_RETIRE_MISSING_AFTER" default:"1h"`
}

type PubSubConfig struct {
	UsageTopic        string `envconfig:"GENSTUDIO_PUBSUB_USAGE_TOPIC" default:"gs-usage-events"`
	UsageSubscription string `envconfig:"GENSTUDIO_PUBSUB_USAGE_SUBSCRIPTION"`
}

type BigQueryConfig struct {
	Dataset    string `envconfig:"GENSTUDIO_BIGQUERY_DATASET" default:"genstudio"`
	UsageTable string `envconfig:"GENSTUDIO_BIGQUERY_USAGE_TABLE" default:"generation_usage"`
}

type OutboxConfig struct {
	BatchSize      int           `envconfig:"GENSTUDIO_OUTBOX_PUBLISH_BATCH_SIZE" default:"50"`
	PollIntervalMS int           `envconfig:"GENSTUDIO_OUTBOX_PUBLISH_POLL_MS" default:"500"`
	MaxAttempts    int           `envconfig:"GENSTUDIO_OUTBOX_MAX_ATTEMPTS" default:"10"`
	Retention      time.Duration `envconfig:"GENSTUDIO_OUTBOX_RETENTION" default:"720h"`
	RetentionEvery time.Duration `envconfig:"GENSTUDIO_OUTBOX_RETENTION_EVERY" default:"1h"`
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}

	missing := []string{}
	legacyValues := map[string]string{
		EnvDBHost: db.LegacyHost,
		EnvDBUser: db.LegacyUser,
		EnvDBName: db.LegacyName,
	}
	for _, env := range legacyDBEnvVars {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either %s or %s are required", EnvDBDSN, strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}

	if db.LegacySSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.LegacySSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
