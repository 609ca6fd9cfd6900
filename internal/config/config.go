/**
 * @description
 * Configuration for the ledger-service binaries. Values come from the process
 * environment, optionally seeded by a .env file in the given directory, and are
 * normalised after unmarshalling so the rest of the service can rely on sane
 * bounds.
 *
 * @dependencies
 * - github.com/spf13/viper: environment and .env loading.
 */

package config

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every setting the API and scheduler binaries read.
type Config struct {
	ServerPort string `mapstructure:"SERVER_PORT"`
	AppEnv     string `mapstructure:"APP_ENV"`
	LogLevel   string `mapstructure:"LOG_LEVEL"`

	DatabaseURL      string `mapstructure:"DATABASE_URL"`
	DatabaseMaxConns int32  `mapstructure:"DATABASE_MAX_CONNS"`
	DatabaseMinConns int32  `mapstructure:"DATABASE_MIN_CONNS"`
	RunMigrations    bool   `mapstructure:"RUN_MIGRATIONS"`

	RedisURL       string `mapstructure:"REDIS_URL"`
	RedisKeyPrefix string `mapstructure:"REDIS_KEY_PREFIX"`

	RabbitMQURL          string `mapstructure:"RABBITMQ_URL"`
	NotificationExchange string `mapstructure:"NOTIFICATION_EXCHANGE"`
	NotifyTimeoutMS      int    `mapstructure:"NOTIFY_TIMEOUT_MS"`

	JWTSigningKey      string `mapstructure:"JWT_SIGNING_KEY"`
	JWTIssuer          string `mapstructure:"JWT_ISSUER"`
	JWTAudience        string `mapstructure:"JWT_AUDIENCE"`
	InternalAPIKey     string `mapstructure:"INTERNAL_API_KEY"`
	CORSAllowedOrigins string `mapstructure:"CORS_ALLOWED_ORIGINS"`

	QRShareBaseURL              string `mapstructure:"QR_SHARE_BASE_URL"`
	QRTokenTTLMinutes           int    `mapstructure:"QR_TOKEN_TTL_MINUTES"`
	QRRedeemRateLimitPerMinute  int    `mapstructure:"QR_REDEEM_RATE_LIMIT_PER_MINUTE"`
	IdempotencyWaitTimeoutMS    int    `mapstructure:"IDEMPOTENCY_WAIT_TIMEOUT_MS"`
	IdempotencyStaleAfterSecond int    `mapstructure:"IDEMPOTENCY_STALE_AFTER_SECONDS"`

	SchedulerTickSchedule       string `mapstructure:"SCHEDULER_TICK_SCHEDULE"`
	SchedulerTickTimeoutSeconds int    `mapstructure:"SCHEDULER_TICK_TIMEOUT_SECONDS"`
	SchedulerBatchSize          int    `mapstructure:"SCHEDULER_BATCH_SIZE"`
}

var ErrMissingDatabaseURL = errors.New("DATABASE_URL is required")

// LoadConfig reads configuration from the environment and an optional .env
// file under path.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("APP_ENV", "production")
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("DATABASE_MAX_CONNS", 20)
	viper.SetDefault("DATABASE_MIN_CONNS", 2)
	viper.SetDefault("RUN_MIGRATIONS", true)
	viper.SetDefault("REDIS_KEY_PREFIX", "ledger")
	viper.SetDefault("NOTIFICATION_EXCHANGE", "ledger.notifications")
	viper.SetDefault("NOTIFY_TIMEOUT_MS", 2000)
	viper.SetDefault("QR_SHARE_BASE_URL", "https://TryTransfa.com")
	viper.SetDefault("QR_TOKEN_TTL_MINUTES", 15)
	viper.SetDefault("QR_REDEEM_RATE_LIMIT_PER_MINUTE", 30)
	viper.SetDefault("IDEMPOTENCY_WAIT_TIMEOUT_MS", 2000)
	viper.SetDefault("IDEMPOTENCY_STALE_AFTER_SECONDS", 0)
	viper.SetDefault("SCHEDULER_TICK_SCHEDULE", "@every 1m")
	viper.SetDefault("SCHEDULER_TICK_TIMEOUT_SECONDS", 50)
	viper.SetDefault("SCHEDULER_BATCH_SIZE", 500)

	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("APP_ENV", "APP_ENV", "ENVIRONMENT")
	_ = viper.BindEnv("LOG_LEVEL")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("DATABASE_MAX_CONNS")
	_ = viper.BindEnv("DATABASE_MIN_CONNS")
	_ = viper.BindEnv("RUN_MIGRATIONS")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "LEDGER_REDIS_URL")
	_ = viper.BindEnv("REDIS_KEY_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("NOTIFICATION_EXCHANGE")
	_ = viper.BindEnv("NOTIFY_TIMEOUT_MS")
	_ = viper.BindEnv("JWT_SIGNING_KEY")
	_ = viper.BindEnv("JWT_ISSUER")
	_ = viper.BindEnv("JWT_AUDIENCE")
	_ = viper.BindEnv("INTERNAL_API_KEY", "INTERNAL_API_KEY", "LEDGER_SERVICE_INTERNAL_API_KEY")
	_ = viper.BindEnv("CORS_ALLOWED_ORIGINS")
	_ = viper.BindEnv("QR_SHARE_BASE_URL")
	_ = viper.BindEnv("QR_TOKEN_TTL_MINUTES")
	_ = viper.BindEnv("QR_REDEEM_RATE_LIMIT_PER_MINUTE")
	_ = viper.BindEnv("IDEMPOTENCY_WAIT_TIMEOUT_MS")
	_ = viper.BindEnv("IDEMPOTENCY_STALE_AFTER_SECONDS")
	_ = viper.BindEnv("SCHEDULER_TICK_SCHEDULE")
	_ = viper.BindEnv("SCHEDULER_TICK_TIMEOUT_SECONDS")
	_ = viper.BindEnv("SCHEDULER_BATCH_SIZE")

	// A missing .env file is fine; anything else is reported.
	if err = viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return config, err
		}
		err = nil
	}

	if err = viper.Unmarshal(&config); err != nil {
		return
	}

	config.normalize()
	return
}

func (c *Config) normalize() {
	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		c.ServerPort = port
	}
	if strings.TrimSpace(c.InternalAPIKey) == "" {
		c.InternalAPIKey = strings.TrimSpace(os.Getenv("LEDGER_SERVICE_INTERNAL_API_KEY"))
	}
	c.InternalAPIKey = strings.TrimSpace(c.InternalAPIKey)
	c.AppEnv = strings.ToLower(strings.TrimSpace(c.AppEnv))
	c.DatabaseURL = strings.TrimSpace(c.DatabaseURL)
	c.RedisURL = strings.TrimSpace(c.RedisURL)
	c.RabbitMQURL = strings.TrimSpace(c.RabbitMQURL)
	c.RedisKeyPrefix = strings.Trim(strings.TrimSpace(c.RedisKeyPrefix), ":")
	if c.RedisKeyPrefix == "" {
		c.RedisKeyPrefix = "ledger"
	}
	c.QRShareBaseURL = strings.TrimRight(strings.TrimSpace(c.QRShareBaseURL), "/")
	if strings.TrimSpace(c.NotificationExchange) == "" {
		c.NotificationExchange = "ledger.notifications"
	}
	if strings.TrimSpace(c.SchedulerTickSchedule) == "" {
		c.SchedulerTickSchedule = "@every 1m"
	}

	if c.DatabaseMaxConns <= 0 {
		c.DatabaseMaxConns = 20
	}
	if c.DatabaseMinConns < 0 || c.DatabaseMinConns > c.DatabaseMaxConns {
		c.DatabaseMinConns = 0
	}
	if c.NotifyTimeoutMS <= 0 {
		c.NotifyTimeoutMS = 2000
	}
	if c.QRTokenTTLMinutes <= 0 {
		c.QRTokenTTLMinutes = 15
	}
	if c.QRRedeemRateLimitPerMinute <= 0 {
		c.QRRedeemRateLimitPerMinute = 30
	}
	if c.IdempotencyWaitTimeoutMS < 0 {
		c.IdempotencyWaitTimeoutMS = 2000
	}
	if c.IdempotencyStaleAfterSecond < 0 {
		c.IdempotencyStaleAfterSecond = 0
	}
	if c.SchedulerTickTimeoutSeconds <= 0 {
		c.SchedulerTickTimeoutSeconds = 50
	}
	if c.SchedulerBatchSize <= 0 {
		c.SchedulerBatchSize = 500
	}
}

// Validate reports settings a binary cannot start without.
func (c Config) Validate() error {
	if c.DatabaseURL == "" {
		return ErrMissingDatabaseURL
	}
	return nil
}

// AllowedOrigins splits CORS_ALLOWED_ORIGINS. Empty means allow all.
func (c Config) AllowedOrigins() []string {
	var origins []string
	for _, origin := range strings.Split(c.CORSAllowedOrigins, ",") {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}

func (c Config) QRTokenTTL() time.Duration {
	return time.Duration(c.QRTokenTTLMinutes) * time.Minute
}

func (c Config) NotifyTimeout() time.Duration {
	return time.Duration(c.NotifyTimeoutMS) * time.Millisecond
}

func (c Config) IdempotencyWaitTimeout() time.Duration {
	return time.Duration(c.IdempotencyWaitTimeoutMS) * time.Millisecond
}

func (c Config) IdempotencyStaleAfter() time.Duration {
	return time.Duration(c.IdempotencyStaleAfterSecond) * time.Second
}

func (c Config) SchedulerTickTimeout() time.Duration {
	return time.Duration(c.SchedulerTickTimeoutSeconds) * time.Second
}
