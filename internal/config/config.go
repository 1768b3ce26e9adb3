package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"edustorage/internal/course"
	"edustorage/internal/domain"
	"edustorage/internal/events"
	"edustorage/internal/service/s3"
	"edustorage/internal/validation"
)

const (
	BackendLocal = "local"
	BackendS3    = "s3"

	CatalogPostgres = "postgres"
	CatalogMemory   = "memory"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"Server"`
	Database  DatabaseConfig  `mapstructure:"Database"`
	Storage   StorageConfig   `mapstructure:"Storage"`
	Quota     QuotaConfig     `mapstructure:"Quota"`
	Catalog   CatalogConfig   `mapstructure:"Catalog"`
	Course    course.Config   `mapstructure:"Course"`
	Reconcile ReconcileConfig `mapstructure:"Reconcile"`
	Events    events.Config   `mapstructure:"Events"`
}

type ServerConfig struct {
	Port            string        `mapstructure:"Port"`
	GRPCPort        string        `mapstructure:"GRPCPort"`
	Env             string        `mapstructure:"Env"`
	BaseURL         string        `mapstructure:"BaseURL"`
	AllowedOrigins  []string      `mapstructure:"AllowedOrigins"`
	AdminToken      string        `mapstructure:"AdminToken"`
	RequestTimeout  time.Duration `mapstructure:"RequestTimeout"`
	ShutdownTimeout time.Duration `mapstructure:"ShutdownTimeout"`
	MaxUploadBytes  int64         `mapstructure:"MaxUploadBytes"`
}

type DatabaseConfig struct {
	Host         string `mapstructure:"Host"`
	Port         string `mapstructure:"Port"`
	User         string `mapstructure:"User"`
	Password     string `mapstructure:"Password"`
	Name         string `mapstructure:"Name"`
	SSLMode      string `mapstructure:"SSLMode"`
	MaxOpenConns int    `mapstructure:"MaxOpenConns"`
}

type StorageConfig struct {
	Backend       string        `mapstructure:"Backend"`
	PresignTTL    time.Duration `mapstructure:"PresignTTL"`
	RetryAttempts int           `mapstructure:"RetryAttempts"`
	RetryBackoff  time.Duration `mapstructure:"RetryBackoff"`
	LocalDir      string        `mapstructure:"LocalDir"`
	SigningKey    string        `mapstructure:"SigningKey"`
	S3            s3.Config     `mapstructure:"S3"`
}

// QuotaConfig — лимит по умолчанию и потолки размера по категориям.
type QuotaConfig struct {
	DefaultLimit   int64         `mapstructure:"DefaultLimit"`
	ReservationTTL time.Duration `mapstructure:"ReservationTTL"`
	MaxImage       int64         `mapstructure:"MaxImage"`
	MaxDocument    int64         `mapstructure:"MaxDocument"`
	MaxVideo       int64         `mapstructure:"MaxVideo"`
	MaxAudio       int64         `mapstructure:"MaxAudio"`
	MaxOther       int64         `mapstructure:"MaxOther"`
}

type CatalogConfig struct {
	Driver string `mapstructure:"Driver"`
}

type ReconcileConfig struct {
	Enabled  bool   `mapstructure:"Enabled"`
	Schedule string `mapstructure:"Schedule"`
}

func setDefaults(v *viper.Viper) {
	limits := validation.DefaultLimits()

	v.SetDefault("Server.Port", "2525")
	v.SetDefault("Server.GRPCPort", "50051")
	v.SetDefault("Server.Env", "development")
	v.SetDefault("Server.BaseURL", "http://localhost:2525")
	v.SetDefault("Server.AllowedOrigins", []string{"*"})
	v.SetDefault("Server.AdminToken", "")
	v.SetDefault("Server.RequestTimeout", 30*time.Minute)
	v.SetDefault("Server.ShutdownTimeout", 30*time.Second)
	v.SetDefault("Server.MaxUploadBytes", limits.Video+(1<<20))

	v.SetDefault("Database.Host", "")
	v.SetDefault("Database.Port", "5432")
	v.SetDefault("Database.User", "")
	v.SetDefault("Database.Password", "")
	v.SetDefault("Database.Name", "edustorage")
	v.SetDefault("Database.SSLMode", "disable")
	v.SetDefault("Database.MaxOpenConns", 25)

	v.SetDefault("Storage.Backend", BackendLocal)
	v.SetDefault("Storage.PresignTTL", 15*time.Minute)
	v.SetDefault("Storage.RetryAttempts", 3)
	v.SetDefault("Storage.RetryBackoff", 200*time.Millisecond)
	v.SetDefault("Storage.LocalDir", "/var/lib/edustorage")
	v.SetDefault("Storage.SigningKey", "")
	v.SetDefault("Storage.S3.Endpoint", "")
	v.SetDefault("Storage.S3.Region", "")
	v.SetDefault("Storage.S3.AccessKeyID", "")
	v.SetDefault("Storage.S3.SecretAccessKey", "")
	v.SetDefault("Storage.S3.Bucket", "")
	v.SetDefault("Storage.S3.UsePathStyle", true)

	v.SetDefault("Quota.DefaultLimit", domain.DefaultQuotaBytes)
	v.SetDefault("Quota.ReservationTTL", 5*time.Minute)
	v.SetDefault("Quota.MaxImage", limits.Image)
	v.SetDefault("Quota.MaxDocument", limits.Document)
	v.SetDefault("Quota.MaxVideo", limits.Video)
	v.SetDefault("Quota.MaxAudio", limits.Audio)
	v.SetDefault("Quota.MaxOther", limits.Other)

	v.SetDefault("Catalog.Driver", CatalogPostgres)

	v.SetDefault("Course.BaseURL", "")
	v.SetDefault("Course.Timeout", 5*time.Second)
	v.SetDefault("Course.CacheSize", 1024)
	v.SetDefault("Course.CacheTTL", 5*time.Minute)

	v.SetDefault("Reconcile.Enabled", true)
	v.SetDefault("Reconcile.Schedule", "@every 1m")

	v.SetDefault("Events.URL", "")
	v.SetDefault("Events.Exchange", "storage.events")
}

// NewConfig читает YAML файл (если он есть) и переменные окружения.
// Переменная окружения перекрывает файл: Storage.S3.Bucket ← STORAGE_S3_BUCKET.
func NewConfig(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Исторические имена переменных
	_ = v.BindEnv("Server.Port", "SERVER_PORT", "HTTP_PORT")
	_ = v.BindEnv("Server.GRPCPort", "SERVER_GRPCPORT", "GRPC_PORT")
	_ = v.BindEnv("Database.SSLMode", "DATABASE_SSLMODE")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate проверяет только то, что нужно выбранным драйверу и бэкенду.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port == "" {
		errs = append(errs, errors.New("Server.Port is required"))
	}

	switch c.Catalog.Driver {
	case CatalogPostgres:
		if c.Database.Host == "" || c.Database.Port == "" || c.Database.User == "" || c.Database.Name == "" {
			errs = append(errs, fmt.Errorf("database configuration is incomplete: host=%s, port=%s, user=%s, name=%s",
				c.Database.Host, c.Database.Port, c.Database.User, c.Database.Name))
		}
	case CatalogMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown Catalog.Driver %q", c.Catalog.Driver))
	}

	switch c.Storage.Backend {
	case BackendLocal:
		if c.Storage.LocalDir == "" {
			errs = append(errs, errors.New("Storage.LocalDir is required for local backend"))
		}
		if c.Storage.SigningKey == "" {
			errs = append(errs, errors.New("Storage.SigningKey is required for local backend"))
		}
	case BackendS3:
		if err := c.Storage.S3.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("Storage.S3: %w", err))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown Storage.Backend %q", c.Storage.Backend))
	}

	if c.Quota.DefaultLimit <= 0 {
		errs = append(errs, errors.New("Quota.DefaultLimit must be positive"))
	}
	if c.Reconcile.Enabled && c.Reconcile.Schedule == "" {
		errs = append(errs, errors.New("Reconcile.Schedule is required when reconciliation is enabled"))
	}

	return errors.Join(errs...)
}

func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}

func (q QuotaConfig) Limits() validation.Limits {
	return validation.Limits{
		Image:    q.MaxImage,
		Document: q.MaxDocument,
		Video:    q.MaxVideo,
		Audio:    q.MaxAudio,
		Other:    q.MaxOther,
	}
}

func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host,
		c.Port,
		c.User,
		c.Password,
		c.Name,
		c.SSLMode,
	)
}

// URL — строка подключения в формате, который понимает golang-migrate.
func (c *DatabaseConfig) URL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     c.Host + ":" + c.Port,
		Path:     "/" + c.Name,
		RawQuery: "sslmode=" + url.QueryEscape(c.SSLMode),
	}
	return u.String()
}
