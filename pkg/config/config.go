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
	DB           DBConfig
	Redis        RedisConfig
	GCP          GCPConfig
	GCS          GCSConfig
	PubSub       PubSubConfig
	Processing   ProcessingConfig
	Push         PushConfig
	Reconcile    ReconcileConfig
	FeatureFlags FeatureFlagsConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if cfg.FeatureFlags.UseSQLite {
		cfg.DB.Driver = DBDriverSQLite
	}
	if err := cfg.DB.ensureDSN(cfg.FeatureFlags.UseSQLite); err != nil {
		return nil, err
	}
	if err := cfg.Processing.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"PHOTOPROC_APP_ENV" required:"true"`
	Port         string `envconfig:"PHOTOPROC_APP_PORT" default:"8080"`
	MetricsPort  string `envconfig:"PHOTOPROC_METRICS_PORT" default:"9090"`
	LogLevel     string `envconfig:"PHOTOPROC_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"PHOTOPROC_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type DBConfig struct {
	DSN    string `envconfig:"PHOTOPROC_DB_DSN"`
	Driver string `envconfig:"PHOTOPROC_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"PHOTOPROC_DB_HOST"`
	LegacyPort     int    `envconfig:"PHOTOPROC_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"PHOTOPROC_DB_USER"`
	LegacyPassword string `envconfig:"PHOTOPROC_DB_PASSWORD"`
	LegacyName     string `envconfig:"PHOTOPROC_DB_NAME"`
	LegacySSLMode  string `envconfig:"PHOTOPROC_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"PHOTOPROC_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"PHOTOPROC_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"PHOTOPROC_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"PHOTOPROC_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"PHOTOPROC_REDIS_URL"`
	Address      string        `envconfig:"PHOTOPROC_REDIS_ADDR"`
	Password     string        `envconfig:"PHOTOPROC_REDIS_PASSWORD"`
	DB           int           `envconfig:"PHOTOPROC_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"PHOTOPROC_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"PHOTOPROC_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"PHOTOPROC_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"PHOTOPROC_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"PHOTOPROC_REDIS_WRITE_TIMEOUT" default:"5s"`
}

// Enabled reports whether a redis endpoint was configured.
func (r RedisConfig) Enabled() bool {
	return r.URL != "" || r.Address != ""
}

type GCPConfig struct {
	ProjectID              string `envconfig:"PHOTOPROC_GCP_PROJECT_ID" required:"true"`
	CredentialsJSON        string `envconfig:"PHOTOPROC_GCP_CREDENTIALS_JSON"`
	ApplicationCredentials string `envconfig:"PHOTOPROC_GOOGLE_APPLICATION_CREDENTIALS"`
}

type GCSConfig struct {
	BucketName      string `envconfig:"PHOTOPROC_GCS_BUCKET_NAME" required:"true"`
	ThumbBucketName string `envconfig:"PHOTOPROC_GCS_THUMB_BUCKET_NAME"`
	ThumbPrefix     string `envconfig:"PHOTOPROC_GCS_THUMB_PREFIX" default:"thumbnails"`
	BaseURL         string `envconfig:"PHOTOPROC_GCS_BASE_URL"`
	MaxObjectMB     int    `envconfig:"PHOTOPROC_GCS_MAX_OBJECT_MB" default:"50"`
}

// ThumbBucket returns the bucket thumbnails are written to.
func (g GCSConfig) ThumbBucket() string {
	if strings.TrimSpace(g.ThumbBucketName) != "" {
		return g.ThumbBucketName
	}
	return g.BucketName
}

type PubSubConfig struct {
	PhotoTopic             string `envconfig:"PHOTOPROC_PUBSUB_PHOTO_TOPIC" default:"photo-process"`
	PhotoSubscription      string `envconfig:"PHOTOPROC_PUBSUB_PHOTO_SUBSCRIPTION" required:"true"`
	MaxOutstandingMessages int    `envconfig:"PHOTOPROC_PUBSUB_MAX_OUTSTANDING" default:"10"`
}

type ProcessingConfig struct {
	MaxAttempts    int           `envconfig:"PHOTOPROC_PROCESSING_MAX_ATTEMPTS" default:"5"`
	ThumbMaxWidth  int           `envconfig:"PHOTOPROC_PROCESSING_THUMB_MAX_WIDTH" default:"512"`
	ThumbMaxHeight int           `envconfig:"PHOTOPROC_PROCESSING_THUMB_MAX_HEIGHT" default:"512"`
	ThumbQuality   int           `envconfig:"PHOTOPROC_PROCESSING_THUMB_QUALITY" default:"82"`
	DedupeTTL      time.Duration `envconfig:"PHOTOPROC_PROCESSING_DEDUPE_TTL" default:"24h"`
}

func (p ProcessingConfig) validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("%s must be >= 1, got %d", EnvMaxAttempts, p.MaxAttempts)
	}
	if p.ThumbMaxWidth < 1 || p.ThumbMaxHeight < 1 {
		return fmt.Errorf("thumbnail bounds must be positive, got %dx%d", p.ThumbMaxWidth, p.ThumbMaxHeight)
	}
	if p.ThumbQuality < 1 || p.ThumbQuality > 100 {
		return fmt.Errorf("%s must be within 1..100, got %d", EnvThumbQuality, p.ThumbQuality)
	}
	return nil
}

type PushConfig struct {
	Port        string        `envconfig:"PHOTOPROC_PUSH_PORT" default:"8080"`
	MaxBodyKB   int           `envconfig:"PHOTOPROC_PUSH_MAX_BODY_KB" default:"256"`
	ReadTimeout time.Duration `envconfig:"PHOTOPROC_PUSH_READ_TIMEOUT" default:"15s"`
}

// MaxBodyBytes converts the configured body limit, falling back to 256KB.
func (c PushConfig) MaxBodyBytes() int64 {
	if c.MaxBodyKB <= 0 {
		return 256 << 10
	}
	return int64(c.MaxBodyKB) << 10
}

type ReconcileConfig struct {
	StaleAfter time.Duration `envconfig:"PHOTOPROC_RECONCILE_STALE_AFTER" default:"30m"`
	BatchSize  int           `envconfig:"PHOTOPROC_RECONCILE_BATCH_SIZE" default:"100"`
	Interval   time.Duration `envconfig:"PHOTOPROC_RECONCILE_INTERVAL" default:"5m"`
	LockTTL    time.Duration `envconfig:"PHOTOPROC_RECONCILE_LOCK_TTL" default:"2m"`
}

type FeatureFlagsConfig struct {
	UseSQLite   bool `envconfig:"PHOTOPROC_USE_SQLITE" default:"false"`
	AutoMigrate bool `envconfig:"PHOTOPROC_AUTO_MIGRATE" default:"false"`
}

func (db *DBConfig) ensureDSN(sqlite bool) error {
	if db.DSN != "" {
		return nil
	}
	if sqlite {
		db.DSN = "file:photoproc?mode=memory&cache=shared"
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
