package config

import (
	"log"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// AppConfig описывает конфигурацию сервисов.
type AppConfig struct {
	AppEnv string `envconfig:"APP_ENV" default:"dev"`
	TZ     string `envconfig:"TZ" default:"UTC"`
	Port   int    `envconfig:"PORT" default:"8080"`

	PGDSN string `envconfig:"PG_DSN"`

	RedisAddr string `envconfig:"REDIS_ADDR"`

	Queues struct {
		Backend       string `envconfig:"DISPATCH_QUEUE_BACKEND" default:"redis"`
		Key           string `envconfig:"DISPATCH_QUEUE_KEY" default:"dispatch_jobs"`
		AMQPURL       string `envconfig:"AMQP_URL"`
		ManagementURL string `envconfig:"AMQP_MANAGEMENT_URL"`
	} `envconfig:""`

	Scheduler struct {
		GraceWindow       time.Duration `envconfig:"SCHEDULE_GRACE_WINDOW" default:"60s"`
		RecurrenceHorizon time.Duration `envconfig:"RECURRENCE_HORIZON" default:"720h"`
		RetentionWindow   time.Duration `envconfig:"TERMINAL_RETENTION_WINDOW" default:"2160h"`
		MaterializeSpec   string        `envconfig:"MATERIALIZE_CRON" default:"@every 6h"`
		RetentionSpec     string        `envconfig:"RETENTION_CRON" default:"@daily"`
	} `envconfig:""`

	Dispatch struct {
		PollInterval     time.Duration `envconfig:"DISPATCH_POLL_INTERVAL" default:"60s"`
		BatchLimit       int           `envconfig:"DISPATCH_BATCH_LIMIT" default:"100"`
		Lease            time.Duration `envconfig:"DISPATCH_LEASE" default:"5m"`
		ConnectorTimeout time.Duration `envconfig:"CONNECTOR_TIMEOUT" default:"30s"`
		RetryBase        time.Duration `envconfig:"DISPATCH_RETRY_BASE" default:"30s"`
		RetryFactor      int           `envconfig:"DISPATCH_RETRY_FACTOR" default:"2"`
		RetryCap         time.Duration `envconfig:"DISPATCH_RETRY_CAP" default:"30m"`
		MaxAttempts      int           `envconfig:"DISPATCH_MAX_ATTEMPTS" default:"5"`
		Workers          int           `envconfig:"DISPATCH_WORKERS" default:"4"`
	} `envconfig:""`

	Telegram struct {
		Token string `envconfig:"TG_BOT_TOKEN"`
		Stub  bool   `envconfig:"TG_CONNECTOR_STUB" default:"false"`
	} `envconfig:""`
}

// Load загружает конфиг из окружения.
func Load() AppConfig {
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("не удалось загрузить конфиг: %v", err)
	}
	return cfg
}
