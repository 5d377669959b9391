package config

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration required by the API process.
// Values come from the environment, optionally seeded by a local .env file.
// No business logic should depend on raw environment variables.
type Config struct {
	App       AppConfig
	DB        DBConfig
	Redis     RedisConfig
	Auth      AuthConfig
	Twilio    TwilioConfig
	Stripe    StripeConfig
	Tasks     TasksConfig
	Notify    NotifyConfig
	Retention RetentionConfig
}

type AppConfig struct {
	Env  string
	Port int

	// PublicBaseURL is the externally reachable origin used in provider
	// callbacks and webhook signature checks, e.g. https://api.example.com.
	PublicBaseURL string
	// MetricsNamespace prefixes every Prometheus metric.
	MetricsNamespace string
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string

	// Pool sizing; zero keeps the pool defaults.
	MaxOpenConns int
	MaxIdleConns int
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	TLS      bool
}

type AuthConfig struct {
	JWTSecret       string
	JWTIssuer       string
	JWTAudience     string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	FromNumber string

	// SkipSignature disables X-Twilio-Signature checks. Rejected in production.
	SkipSignature bool

	BreakerInterval         time.Duration
	BreakerConsecutiveFails uint32
}

type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	Currency      string

	BreakerInterval         time.Duration
	BreakerConsecutiveFails uint32
}

type TasksConfig struct {
	// Secret is sent and checked in the X-Task-Auth header.
	Secret       string
	CallbackURL  string
	DefaultDelay time.Duration
	PollInterval time.Duration
	// DispatchPoolSize bounds concurrent callback deliveries.
	DispatchPoolSize int
	// SagaPoolSize bounds concurrently running call sagas.
	SagaPoolSize int
	// MaxAttempts failed deliveries cancel the session.
	MaxAttempts  int
	RetryBackoff time.Duration
}

type NotifyConfig struct {
	URL     string
	APIKey  string
	Timeout time.Duration
}

type RetentionConfig struct {
	FailedAfter    time.Duration
	CompletedAfter time.Duration
	Interval       time.Duration
}

// Load reads the process environment (and ./.env when present).
func Load() (Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	v.AllowEmptyEnv(true)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	setDefaults(v)

	v.SetConfigName(".env")
	v.SetConfigType("env")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, err
		}
	}
	return FromViper(v)
}

// FromViper builds and validates a Config from an already populated viper
// instance.
func FromViper(v *viper.Viper) (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = str(v, "APP_ENV")
	c.App.Port, parseErrs = intKey(v, "APP_PORT", parseErrs)
	c.App.PublicBaseURL = strings.TrimRight(str(v, "APP_PUBLIC_BASE_URL"), "/")
	c.App.MetricsNamespace = str(v, "METRICS_NAMESPACE")

	c.DB.Host = str(v, "DB_HOST")
	c.DB.Port, parseErrs = intKey(v, "DB_PORT", parseErrs)
	c.DB.User = str(v, "DB_USER")
	c.DB.Password = v.GetString("DB_PASSWORD")
	c.DB.Name = str(v, "DB_NAME")
	c.DB.SSLMode = str(v, "DB_SSLMODE")
	c.DB.MaxOpenConns = v.GetInt("DB_MAX_OPEN_CONNS")
	c.DB.MaxIdleConns = v.GetInt("DB_MAX_IDLE_CONNS")

	c.Redis.Host = str(v, "REDIS_HOST")
	c.Redis.Port, parseErrs = intKey(v, "REDIS_PORT", parseErrs)
	c.Redis.Password = v.GetString("REDIS_PASSWORD")
	c.Redis.TLS = v.GetBool("REDIS_TLS")

	c.Auth.JWTSecret = v.GetString("JWT_SECRET")
	c.Auth.JWTIssuer = str(v, "JWT_ISSUER")
	c.Auth.JWTAudience = str(v, "JWT_AUDIENCE")
	// Duration env vars are optional; defaults applied in Validate() based on env.
	c.Auth.AccessTokenTTL = duration(v, "JWT_ACCESS_TTL")
	c.Auth.RefreshTokenTTL = duration(v, "JWT_REFRESH_TTL")

	c.Twilio.AccountSID = str(v, "TWILIO_ACCOUNT_SID")
	c.Twilio.AuthToken = v.GetString("TWILIO_AUTH_TOKEN")
	c.Twilio.FromNumber = str(v, "TWILIO_FROM_NUMBER")
	c.Twilio.SkipSignature = v.GetBool("TWILIO_SKIP_SIGNATURE")
	c.Twilio.BreakerInterval = duration(v, "TWILIO_BREAKER_INTERVAL")
	c.Twilio.BreakerConsecutiveFails = v.GetUint32("TWILIO_BREAKER_CONSECUTIVE_FAILS")

	c.Stripe.SecretKey = v.GetString("STRIPE_SECRET_KEY")
	c.Stripe.WebhookSecret = v.GetString("STRIPE_WEBHOOK_SECRET")
	c.Stripe.Currency = strings.ToLower(str(v, "STRIPE_CURRENCY"))
	c.Stripe.BreakerInterval = duration(v, "STRIPE_BREAKER_INTERVAL")
	c.Stripe.BreakerConsecutiveFails = v.GetUint32("STRIPE_BREAKER_CONSECUTIVE_FAILS")

	c.Tasks.Secret = v.GetString("TASKS_SECRET")
	c.Tasks.CallbackURL = str(v, "TASKS_CALLBACK_URL")
	c.Tasks.DefaultDelay = duration(v, "TASKS_DEFAULT_DELAY")
	c.Tasks.PollInterval = duration(v, "TASKS_POLL_INTERVAL")
	c.Tasks.DispatchPoolSize = v.GetInt("TASKS_DISPATCH_POOL_SIZE")
	c.Tasks.SagaPoolSize = v.GetInt("TASKS_SAGA_POOL_SIZE")
	c.Tasks.MaxAttempts = v.GetInt("TASKS_MAX_ATTEMPTS")
	c.Tasks.RetryBackoff = duration(v, "TASKS_RETRY_BACKOFF")

	c.Notify.URL = str(v, "NOTIFY_URL")
	c.Notify.APIKey = v.GetString("NOTIFY_API_KEY")
	c.Notify.Timeout = duration(v, "NOTIFY_TIMEOUT")

	c.Retention.FailedAfter = duration(v, "RETENTION_FAILED_AFTER")
	c.Retention.CompletedAfter = duration(v, "RETENTION_COMPLETED_AFTER")
	c.Retention.Interval = duration(v, "RETENTION_INTERVAL")

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	c.applyDefaults()
	return c, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("METRICS_NAMESPACE", "consultline")
	v.SetDefault("STRIPE_CURRENCY", "eur")
	v.SetDefault("TWILIO_BREAKER_INTERVAL", "30s")
	v.SetDefault("TWILIO_BREAKER_CONSECUTIVE_FAILS", 5)
	v.SetDefault("STRIPE_BREAKER_INTERVAL", "30s")
	v.SetDefault("STRIPE_BREAKER_CONSECUTIVE_FAILS", 5)
	v.SetDefault("TASKS_DEFAULT_DELAY", "5m")
	v.SetDefault("TASKS_POLL_INTERVAL", "1s")
	v.SetDefault("TASKS_DISPATCH_POOL_SIZE", 8)
	v.SetDefault("TASKS_SAGA_POOL_SIZE", 64)
	v.SetDefault("TASKS_MAX_ATTEMPTS", 5)
	v.SetDefault("TASKS_RETRY_BACKOFF", "30s")
	v.SetDefault("NOTIFY_TIMEOUT", "10s")
	v.SetDefault("RETENTION_FAILED_AFTER", "720h")
	v.SetDefault("RETENTION_COMPLETED_AFTER", "2160h")
	v.SetDefault("RETENTION_INTERVAL", "1h")
}

func (c Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}
	if c.App.PublicBaseURL == "" {
		errs = append(errs, errors.New("APP_PUBLIC_BASE_URL is required"))
	} else if u, err := url.Parse(c.App.PublicBaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("APP_PUBLIC_BASE_URL must be an absolute URL, got %q", c.App.PublicBaseURL))
	}

	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if c.DB.SSLMode == "" && c.IsProduction() {
		errs = append(errs, errors.New("DB_SSLMODE is required in production"))
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}

	if c.Redis.Host == "" {
		errs = append(errs, errors.New("REDIS_HOST is required"))
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
	}
	if c.Auth.AccessTokenTTL > 0 && c.Auth.RefreshTokenTTL > 0 && c.Auth.RefreshTokenTTL <= c.Auth.AccessTokenTTL {
		errs = append(errs, errors.New("JWT_REFRESH_TTL must be greater than JWT_ACCESS_TTL"))
	}

	if c.Twilio.AccountSID == "" {
		errs = append(errs, errors.New("TWILIO_ACCOUNT_SID is required"))
	}
	if c.Twilio.AuthToken == "" {
		errs = append(errs, errors.New("TWILIO_AUTH_TOKEN is required"))
	}
	if c.Twilio.FromNumber == "" {
		errs = append(errs, errors.New("TWILIO_FROM_NUMBER is required"))
	}
	if c.Twilio.SkipSignature && c.IsProduction() {
		errs = append(errs, errors.New("TWILIO_SKIP_SIGNATURE is not allowed in production"))
	}

	if c.Stripe.SecretKey == "" {
		errs = append(errs, errors.New("STRIPE_SECRET_KEY is required"))
	}
	if c.Stripe.WebhookSecret == "" {
		errs = append(errs, errors.New("STRIPE_WEBHOOK_SECRET is required"))
	}

	if len(c.Tasks.Secret) < 16 {
		errs = append(errs, errors.New("TASKS_SECRET must be at least 16 characters"))
	}
	if c.Tasks.CallbackURL == "" {
		errs = append(errs, errors.New("TASKS_CALLBACK_URL is required"))
	}

	return joinErrors(errs)
}

// applyDefaults fills optional values that depend on the environment.
func (c *Config) applyDefaults() {
	if c.DB.SSLMode == "" {
		// Local-friendly default; production must be explicit (enforced in Validate).
		c.DB.SSLMode = "disable"
	}
	if c.Auth.AccessTokenTTL <= 0 {
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}
	if c.Auth.RefreshTokenTTL <= 0 {
		c.Auth.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if c.Tasks.DefaultDelay <= 0 {
		c.Tasks.DefaultDelay = 5 * time.Minute
	}
	if c.Stripe.Currency == "" {
		c.Stripe.Currency = "eur"
	}
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

// PostgresURL is the URL form required by the migration tool.
func (c Config) PostgresURL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.DB.User, c.DB.Password),
		Host:     fmt.Sprintf("%s:%d", c.DB.Host, c.DB.Port),
		Path:     "/" + c.DB.Name,
		RawQuery: "sslmode=" + url.QueryEscape(c.DB.SSLMode),
	}
	return u.String()
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// CallbackURL joins a path onto the public base URL.
func (c Config) CallbackURL(path string) string {
	return c.App.PublicBaseURL + "/" + strings.TrimLeft(path, "/")
}

func str(v *viper.Viper, key string) string {
	return strings.TrimSpace(v.GetString(key))
}

func intKey(v *viper.Viper, key string, errs []error) (int, []error) {
	raw := str(v, key)
	if raw == "" {
		return 0, append(errs, fmt.Errorf("%s is required", key))
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, append(errs, fmt.Errorf("%s must be an integer, got %q", key, raw))
	}
	return n, errs
}

func duration(v *viper.Viper, key string) time.Duration {
	raw := str(v, key)
	if raw == "" {
		return 0
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0
	}
	return d
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
