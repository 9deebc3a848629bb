package config

// EnvPrefix is handed to envconfig; every field also carries its full name.
const EnvPrefix = "GENSTUDIO"

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	PayPalModeSandbox = "sandbox"
	PayPalModeLive    = "live"
)

const (
	EnvAppEnv        = "GENSTUDIO_APP_ENV"
	EnvPort          = "GENSTUDIO_APP_PORT"
	EnvPublicBaseURL = "GENSTUDIO_PUBLIC_BASE_URL"
	EnvFrontendURL   = "GENSTUDIO_FRONTEND_URL"
	EnvCORSOrigins   = "GENSTUDIO_CORS_ORIGINS"

	EnvDBDSN  = "GENSTUDIO_DB_DSN"
	EnvDBHost = "GENSTUDIO_DB_HOST"
	EnvDBUser = "GENSTUDIO_DB_USER"
	EnvDBName = "GENSTUDIO_DB_NAME"

	EnvRedisURL = "GENSTUDIO_REDIS_URL"

	EnvJWTSecret         = "GENSTUDIO_JWT_SECRET"
	EnvAllowUserIDHeader = "GENSTUDIO_AUTH_ALLOW_USER_ID_HEADER"

	EnvBackgroundPolling = "GENSTUDIO_BACKGROUND_POLLING"

	EnvReplicateToken   = "GENSTUDIO_REPLICATE_API_TOKEN"
	EnvReplicateBaseURL = "GENSTUDIO_REPLICATE_BASE_URL"

	EnvPayPalClientID = "GENSTUDIO_PAYPAL_CLIENT_ID"
	EnvPayPalSecret   = "GENSTUDIO_PAYPAL_SECRET"
	EnvPayPalMode     = "GENSTUDIO_PAYPAL_MODE"

	EnvGCPProjectID = "GENSTUDIO_GCP_PROJECT_ID"
	EnvGCSBucket    = "GENSTUDIO_GCS_BUCKET_NAME"

	EnvPollInterval = "GENSTUDIO_POLL_INTERVAL"

	EnvPubSubUsageTopic = "GENSTUDIO_PUBSUB_USAGE_TOPIC"
	EnvPubSubUsageSub   = "GENSTUDIO_PUBSUB_USAGE_SUBSCRIPTION"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
