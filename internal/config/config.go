// Package config loads ledgerd settings from the environment. Variables carry
// the LEDGER_ prefix; a .env file in the working directory is read first when
// present and never overrides variables already set.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"exportcore/internal/blob"
	"exportcore/internal/core"
	"exportcore/internal/idempotency"
	"exportcore/internal/notify"
)

// Prefix namespaces every environment variable.
const Prefix = "LEDGER"

// Config is the full process configuration. Nested sections read variables
// prefixed with their field name, for example LEDGER_STORE_DRIVER.
type Config struct {
	HTTPAddr      string        `envconfig:"HTTP_ADDR" default:":8080"`
	ShutdownGrace time.Duration `envconfig:"SHUTDOWN_GRACE" default:"15s"`
	LogLevel      string        `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat     string        `envconfig:"LOG_FORMAT" default:"json"`

	Store       StoreConfig
	Idempotency IdempotencyConfig
	Kafka       KafkaConfig
	Blob        BlobConfig
}

// StoreConfig selects the relational backend.
type StoreConfig struct {
	Driver          string        `envconfig:"DRIVER" default:"sqlite"`
	SQLitePath      string        `envconfig:"SQLITE_PATH" default:"exportcore.db"`
	PostgresDSN     string        `envconfig:"POSTGRES_DSN"`
	MaxOpenConns    int           `envconfig:"MAX_OPEN_CONNS" default:"10"`
	MaxIdleConns    int           `envconfig:"MAX_IDLE_CONNS" default:"5"`
	ConnMaxLifetime time.Duration `envconfig:"CONN_MAX_LIFETIME" default:"30m"`
	AutoMigrate     bool          `envconfig:"AUTO_MIGRATE" default:"true"`
}

// IdempotencyConfig tunes the request deduplication layer.
type IdempotencyConfig struct {
	TTL           time.Duration `envconfig:"TTL" default:"24h"`
	RequireKey    bool          `envconfig:"REQUIRE_KEY" default:"true"`
	SweepInterval time.Duration `envconfig:"SWEEP_INTERVAL" default:"1h"`
}

// KafkaConfig addresses the event topic. No brokers means events are logged.
type KafkaConfig struct {
	Brokers      []string      `envconfig:"BROKERS"`
	Topic        string        `envconfig:"TOPIC" default:"exportcore.ledger-events"`
	WriteTimeout time.Duration `envconfig:"WRITE_TIMEOUT" default:"5s"`
	BatchTimeout time.Duration `envconfig:"BATCH_TIMEOUT" default:"10ms"`
}

// BlobConfig selects the traceability archive. An empty driver disables it.
type BlobConfig struct {
	Driver            string `envconfig:"DRIVER"`
	FSRoot            string `envconfig:"FS_ROOT" default:"traceability"`
	S3Bucket          string `envconfig:"S3_BUCKET"`
	S3Region          string `envconfig:"S3_REGION"`
	S3Endpoint        string `envconfig:"S3_ENDPOINT"`
	S3PathStyle       bool   `envconfig:"S3_PATH_STYLE"`
	S3AccessKeyID     string `envconfig:"S3_ACCESS_KEY_ID"`
	S3SecretAccessKey string `envconfig:"S3_SECRET_ACCESS_KEY"`
}

// Load reads an optional dotenv file then the environment.
func Load(envFiles ...string) (Config, error) {
	if err := loadDotenv(envFiles); err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return Config{}, errors.Wrap(err, "read environment")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadDotenv(files []string) error {
	if len(files) == 0 {
		if _, err := os.Stat(".env"); err != nil {
			return nil
		}
		files = []string{".env"}
	}
	return errors.Wrap(godotenv.Load(files...), "load dotenv")
}

// Validate checks cross-field constraints envconfig cannot express.
func (c Config) Validate() error {
	switch core.StorageDriver(c.Store.Driver) {
	case core.StorageMemory, core.StorageSQLite:
	case core.StoragePostgres:
		if strings.TrimSpace(c.Store.PostgresDSN) == "" {
			return errors.New("LEDGER_STORE_POSTGRES_DSN is required for the postgres driver")
		}
	default:
		return errors.Errorf("unknown LEDGER_STORE_DRIVER %q", c.Store.Driver)
	}
	switch blob.Driver(c.Blob.Driver) {
	case "", blob.DriverMemory, blob.DriverFilesystem:
	case blob.DriverS3:
		if c.Blob.S3Bucket == "" {
			return errors.New("LEDGER_BLOB_S3_BUCKET is required for the s3 blob driver")
		}
	default:
		return errors.Errorf("unknown LEDGER_BLOB_DRIVER %q", c.Blob.Driver)
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return errors.Wrap(err, "LEDGER_LOG_LEVEL")
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		return errors.Errorf("LEDGER_LOG_FORMAT must be json or text, got %q", c.LogFormat)
	}
	if c.Idempotency.TTL <= 0 {
		return errors.New("LEDGER_IDEMPOTENCY_TTL must be positive")
	}
	return nil
}

// StorageConfig returns the store selection for core.OpenStorage.
func (c Config) StorageConfig() core.StorageConfig {
	return core.StorageConfig{
		Driver:          core.StorageDriver(c.Store.Driver),
		SQLitePath:      c.Store.SQLitePath,
		PostgresDSN:     c.Store.PostgresDSN,
		MaxOpenConns:    c.Store.MaxOpenConns,
		MaxIdleConns:    c.Store.MaxIdleConns,
		ConnMaxLifetime: c.Store.ConnMaxLifetime,
		AutoMigrate:     c.Store.AutoMigrate,
	}
}

// BlobConfig returns the archive selection for blob.Open.
func (c Config) BlobConfig() blob.Config {
	return blob.Config{
		Driver: blob.Driver(c.Blob.Driver),
		FSRoot: c.Blob.FSRoot,
		S3: blob.S3Config{
			Bucket:          c.Blob.S3Bucket,
			Region:          c.Blob.S3Region,
			Endpoint:        c.Blob.S3Endpoint,
			PathStyle:       c.Blob.S3PathStyle,
			AccessKeyID:     c.Blob.S3AccessKeyID,
			SecretAccessKey: c.Blob.S3SecretAccessKey,
		},
	}
}

// IdempotencyConfig returns the middleware settings.
func (c Config) IdempotencyConfig() idempotency.Config {
	cfg := idempotency.DefaultConfig()
	cfg.TTL = c.Idempotency.TTL
	cfg.RequireKey = c.Idempotency.RequireKey
	return cfg
}

// KafkaConfig returns the notifier target, or false when no broker is set.
func (c Config) KafkaConfig() (notify.KafkaConfig, bool) {
	if len(c.Kafka.Brokers) == 0 {
		return notify.KafkaConfig{}, false
	}
	return notify.KafkaConfig{
		Brokers:      c.Kafka.Brokers,
		Topic:        c.Kafka.Topic,
		WriteTimeout: c.Kafka.WriteTimeout,
		BatchTimeout: c.Kafka.BatchTimeout,
	}, true
}

// NewLogger builds the process logger.
func (c Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	if level, err := logrus.ParseLevel(c.LogLevel); err == nil {
		logger.SetLevel(level)
	}
	if c.LogFormat == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return logger
}
