package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration required by the API process.
// All values must come from env (or an env file loaded before Load runs).
// No business logic should depend on raw environment variables.
type Config struct {
	App    AppConfig
	DB     DBConfig
	Redis  RedisConfig
	Twilio TwilioConfig
	Engine EngineConfig
	Recap  RecapConfig
}

type AppConfig struct {
	Env  string
	Port int

	// PublicBaseURL is where Twilio reaches our webhooks.
	PublicBaseURL string
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// SSLMode accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

type RedisConfig struct {
	Host string
	Port int
}

type TwilioConfig struct {
	AccountSID string
	AuthToken  string

	// FromNumber is the caller id for outbound calls (E.164).
	FromNumber string
}

// EngineConfig tunes the consistency engine and the dialogue silence policy.
// The thresholds were fixed in early prototypes; making them env-tunable lets
// a deployment trade recovery latency for read volume.
type EngineConfig struct {
	ReconcileInterval time.Duration
	StaleAfter        time.Duration
	AnsweredTooLong   time.Duration

	SilenceTimeout time.Duration
}

type RecapConfig struct {
	// GeneratorURL is the recap worker's job-submission endpoint.
	GeneratorURL string
}

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}
	c.App.PublicBaseURL = strings.TrimRight(strings.TrimSpace(os.Getenv("APP_PUBLIC_BASE_URL")), "/")

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	{
		n, err := mustInt("DB_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.DB.Port = n
	}
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	{
		n, err := mustInt("REDIS_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.Port = n
	}

	c.Twilio.AccountSID = strings.TrimSpace(os.Getenv("TWILIO_ACCOUNT_SID"))
	c.Twilio.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	c.Twilio.FromNumber = strings.TrimSpace(os.Getenv("TWILIO_FROM_NUMBER"))

	// Duration env vars are optional; defaults applied in Validate().
	c.Engine.ReconcileInterval = mustDuration("ENGINE_RECONCILE_INTERVAL")
	c.Engine.StaleAfter = mustDuration("ENGINE_STALE_AFTER")
	c.Engine.AnsweredTooLong = mustDuration("ENGINE_ANSWERED_TOO_LONG")
	c.Engine.SilenceTimeout = mustDuration("ENGINE_SILENCE_TIMEOUT")

	c.Recap.GeneratorURL = strings.TrimSpace(os.Getenv("RECAP_GENERATOR_URL"))

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT out of range: %d", c.App.Port))
	}
	if c.DB.Host == "" || c.DB.User == "" || c.DB.Name == "" {
		errs = append(errs, errors.New("DB_HOST, DB_USER and DB_NAME are required"))
	}
	if c.DB.SSLMode == "" {
		c.DB.SSLMode = "disable"
	}
	if c.Redis.Host == "" {
		errs = append(errs, errors.New("REDIS_HOST is required"))
	}
	if c.Recap.GeneratorURL == "" {
		errs = append(errs, errors.New("RECAP_GENERATOR_URL is required"))
	}

	if c.IsProduction() {
		if c.Twilio.AccountSID == "" || c.Twilio.AuthToken == "" {
			errs = append(errs, errors.New("twilio credentials are required in production"))
		}
		if c.Twilio.FromNumber == "" {
			errs = append(errs, errors.New("TWILIO_FROM_NUMBER is required in production"))
		}
		if c.App.PublicBaseURL == "" {
			errs = append(errs, errors.New("APP_PUBLIC_BASE_URL is required in production"))
		}
	}

	if c.Engine.ReconcileInterval <= 0 {
		c.Engine.ReconcileInterval = 10 * time.Second
	}
	if c.Engine.StaleAfter <= 0 {
		c.Engine.StaleAfter = 30 * time.Second
	}
	if c.Engine.AnsweredTooLong <= 0 {
		c.Engine.AnsweredTooLong = 120 * time.Second
	}
	if c.Engine.SilenceTimeout <= 0 {
		c.Engine.SilenceTimeout = 8 * time.Second
	}
	if c.Engine.StaleAfter < c.Engine.ReconcileInterval {
		errs = append(errs, errors.New("ENGINE_STALE_AFTER must be >= ENGINE_RECONCILE_INTERVAL"))
	}

	return joinErrors(errs)
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

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

func mustInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func mustDuration(key string) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
}

func appendParseErr(errs []error, n int, err error) (int, []error) {
	if err != nil {
		return 0, append(errs, err)
	}
	return n, errs
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	msgs := make([]string, 0, len(errs))
	for _, e := range errs {
		msgs = append(msgs, e.Error())
	}
	return errors.New(strings.Join(msgs, "; "))
}
