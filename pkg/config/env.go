package config

const (
	EnvPrefix = "PHOTOPROC"

	AppEnvDev  = "dev"
	AppEnvProd = "prod"

	DBDriverPostgres = "postgres"
	DBDriverSQLite   = "sqlite"

	EnvAppEnv      = "PHOTOPROC_APP_ENV"
	EnvPort        = "PHOTOPROC_APP_PORT"
	EnvLogLevel    = "PHOTOPROC_LOG_LEVEL"
	EnvMetricsPort = "PHOTOPROC_METRICS_PORT"

	EnvDBDSN  = "PHOTOPROC_DB_DSN"
	EnvDBHost = "PHOTOPROC_DB_HOST"
	EnvDBUser = "PHOTOPROC_DB_USER"
	EnvDBName = "PHOTOPROC_DB_NAME"

	EnvRedisURL = "PHOTOPROC_REDIS_URL"

	EnvGCPProjectID      = "PHOTOPROC_GCP_PROJECT_ID"
	EnvGCSBucket         = "PHOTOPROC_GCS_BUCKET_NAME"
	EnvGCSThumbBucket    = "PHOTOPROC_GCS_THUMB_BUCKET_NAME"
	EnvGCSThumbPrefix    = "PHOTOPROC_GCS_THUMB_PREFIX"
	EnvPubSubPhotoSub    = "PHOTOPROC_PUBSUB_PHOTO_SUBSCRIPTION"
	EnvPubSubPhotoTopic  = "PHOTOPROC_PUBSUB_PHOTO_TOPIC"
	EnvMaxAttempts       = "PHOTOPROC_PROCESSING_MAX_ATTEMPTS"
	EnvThumbMaxWidth     = "PHOTOPROC_PROCESSING_THUMB_MAX_WIDTH"
	EnvThumbMaxHeight    = "PHOTOPROC_PROCESSING_THUMB_MAX_HEIGHT"
	EnvThumbQuality      = "PHOTOPROC_PROCESSING_THUMB_QUALITY"
	EnvUseSQLite         = "PHOTOPROC_USE_SQLITE"
	EnvReconcileStaleAge = "PHOTOPROC_RECONCILE_STALE_AFTER"
)

var legacyDBEnvVars = []string{EnvDBHost, EnvDBUser, EnvDBName}
