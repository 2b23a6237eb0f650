package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	QueueMemory   = "memory"
	QueueRedis    = "redis"
	BlobMemory    = "memory"
	BlobMinio     = "minio"

	AuthNone  = "none"
	AuthLocal = "local"
)

type Config struct {
	ServerAddr  string `envconfig:"SERVER_ADDR" default:":8080" validate:"required"`
	WorkerCount int    `envconfig:"WORKER_COUNT" default:"5" validate:"gte=0"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`

	UploadMaxSize int64    `envconfig:"UPLOAD_MAX_SIZE" default:"104857600" validate:"gt=0"`
	CORSOrigins   []string `envconfig:"CORS_ORIGINS" default:"*" validate:"min=1,dive,required"`

	StoreType   string `envconfig:"STORE_TYPE" default:"memory" validate:"oneof=memory postgres"`
	DatabaseURL string `envconfig:"DATABASE_URL" validate:"required_if=StoreType postgres"`

	QueueType     string `envconfig:"QUEUE_TYPE" default:"memory" validate:"oneof=memory redis"`
	RedisAddr     string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword string `envconfig:"REDIS_PASSWORD"`
	RedisDB       int    `envconfig:"REDIS_DB" default:"0" validate:"gte=0"`

	BlobType string `envconfig:"BLOB_TYPE" default:"memory" validate:"oneof=memory minio"`
	Minio    Minio

	Queue     Queue
	Converter Converter
	Auth      Auth
}

type Minio struct {
	Endpoint  string `envconfig:"MINIO_ENDPOINT" default:"localhost:9000"`
	Bucket    string `envconfig:"MINIO_BUCKET" default:"docqueue" validate:"required"`
	AccessKey string `envconfig:"MINIO_ACCESS_KEY"`
	SecretKey string `envconfig:"MINIO_SECRET_KEY"`
	UseSSL    bool   `envconfig:"MINIO_USE_SSL" default:"false"`
}

type Queue struct {
	LeaseTimeout      time.Duration `envconfig:"LEASE_TIMEOUT" default:"30s" validate:"gt=0"`
	MaxAttempts       int           `envconfig:"MAX_ATTEMPTS" default:"3" validate:"gte=1"`
	PollInterval      time.Duration `envconfig:"POLL_INTERVAL" default:"2s" validate:"gt=0"`
	HeartbeatInterval time.Duration `envconfig:"HEARTBEAT_INTERVAL" default:"10s" validate:"gt=0,ltfield=LeaseTimeout"`
	SweepInterval     time.Duration `envconfig:"SWEEP_INTERVAL" default:"5s" validate:"gt=0"`
	RetryBackoff      time.Duration `envconfig:"RETRY_BACKOFF" default:"1s" validate:"gte=0"`
	ConvertTimeout    time.Duration `envconfig:"CONVERT_TIMEOUT" default:"5m" validate:"gt=0"`
}

type Converter struct {
	Default       string        `envconfig:"CONVERTER_DEFAULT" default:"libreoffice" validate:"required"`
	SofficePath   string        `envconfig:"CONVERTER_SOFFICE_PATH" default:"soffice"`
	PdfToTextPath string        `envconfig:"CONVERTER_PDFTOTEXT_PATH" default:"pdftotext"`
	WorkDir       string        `envconfig:"CONVERTER_WORK_DIR"`
	RemoteURL     string        `envconfig:"CONVERTER_REMOTE_URL" validate:"omitempty,url"`
	RemoteTimeout time.Duration `envconfig:"CONVERTER_REMOTE_TIMEOUT" default:"5m" validate:"gt=0"`
}

type Auth struct {
	Type      string        `envconfig:"AUTH_TYPE" default:"local" validate:"oneof=none local"`
	JWTSecret string        `envconfig:"AUTH_JWT_SECRET" validate:"required_if=Type local"`
	TokenTTL  time.Duration `envconfig:"AUTH_TOKEN_TTL" default:"1h" validate:"gt=0"`
	// Users holds "name:bcrypt-hash" pairs separated by commas.
	Users map[string]string `envconfig:"AUTH_USERS" validate:"required_if=Type local"`
}

// New reads the configuration from the environment and validates it.
func New() (*Config, error) {
	cfg := new(Config)
	if err := envconfig.Process("", cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	err := validator.New().Struct(c)
	if err == nil {
		return nil
	}

	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, ", "))
}
