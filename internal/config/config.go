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
// All values must come from env (or env-file loaded by the process runner).
// No business logic should depend on raw environment variables.
type Config struct {
	App   AppConfig
	DB    DBConfig
	Redis RedisConfig
	Auth  AuthConfig
	RTC   RTCConfig
}

type AppConfig struct {
	Env  string
	Port int
}

type DBConfig struct {
	// Driver is "pgx" (Postgres) or "sqlite".
	Driver string

	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// SSLMode is kept explicit for AWS-ready posture.
	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string

	// Path is the SQLite database file when Driver is sqlite.
	Path string
}

// RedisConfig is optional outside production. Without it presence last-seen
// stays in memory and call rooms are only guarded within one process.
type RedisConfig struct {
	Host string
	Port int
}

type AuthConfig struct {
	JWTSecret       string
	JWTIssuer       string
	JWTAudience     string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

// RTCConfig tunes the real-time core.
type RTCConfig struct {
	CallRingTimeout         time.Duration
	PresenceOfflineDebounce time.Duration
	TypingMinInterval       time.Duration

	// Empty means either participant may request or approve.
	ExtensionRequesterRole string
	ExtensionResponderRole string

	WSSendQueue      int
	WSInboundQueue   int
	// Empty allows any origin; the upgrade is still token-gated.
	WSAllowedOrigins []string

	PersistMaxRetries int
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

	c.DB.Driver = strings.TrimSpace(os.Getenv("DB_DRIVER"))
	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	{
		n, err := optInt("DB_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.DB.Port = n
	}
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))
	c.DB.Path = strings.TrimSpace(os.Getenv("DB_PATH"))

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	{
		n, err := optInt("REDIS_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.Port = n
	}

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	// Duration env vars are optional; defaults applied in Validate() based on env.
	c.Auth.AccessTokenTTL = mustDuration("JWT_ACCESS_TTL")
	c.Auth.RefreshTokenTTL = mustDuration("JWT_REFRESH_TTL")

	for _, d := range []struct {
		key string
		dst *time.Duration
	}{
		{"CALL_RING_TIMEOUT", &c.RTC.CallRingTimeout},
		{"PRESENCE_OFFLINE_DEBOUNCE", &c.RTC.PresenceOfflineDebounce},
		{"TYPING_MIN_INTERVAL", &c.RTC.TypingMinInterval},
	} {
		v, err := optDuration(d.key)
		if err != nil {
			parseErrs = append(parseErrs, err)
		}
		*d.dst = v
	}
	c.RTC.ExtensionRequesterRole = strings.TrimSpace(os.Getenv("EXTENSION_REQUESTER_ROLE"))
	c.RTC.ExtensionResponderRole = strings.TrimSpace(os.Getenv("EXTENSION_RESPONDER_ROLE"))
	for _, o := range strings.Split(os.Getenv("WS_ALLOWED_ORIGINS"), ",") {
		if o = strings.TrimSpace(o); o != "" {
			c.RTC.WSAllowedOrigins = append(c.RTC.WSAllowedOrigins, o)
		}
	}
	for _, n := range []struct {
		key string
		dst *int
	}{
		{"WS_SEND_QUEUE", &c.RTC.WSSendQueue},
		{"WS_INBOUND_QUEUE", &c.RTC.WSInboundQueue},
		{"PERSIST_MAX_RETRIES", &c.RTC.PersistMaxRetries},
	} {
		v, err := optInt(n.key)
		v, parseErrs = appendParseErr(parseErrs, v, err)
		*n.dst = v
	}

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate reports every problem at once and fills defaults. It has a
// pointer receiver because defaults are written back.
func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	errs = append(errs, c.validateDB()...)

	if c.Redis.Host == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("REDIS_HOST is required in production"))
		}
	} else {
		if c.Redis.Port == 0 {
			c.Redis.Port = 6379
		}
		if c.Redis.Port < 0 || c.Redis.Port > 65535 {
			errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
		}
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

	if c.Auth.AccessTokenTTL <= 0 {
		// Default: short-lived access tokens.
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}
	if c.Auth.RefreshTokenTTL <= 0 {
		// Default: longer-lived refresh tokens.
		c.Auth.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if c.Auth.RefreshTokenTTL <= c.Auth.AccessTokenTTL {
		errs = append(errs, errors.New("JWT_REFRESH_TTL must be greater than JWT_ACCESS_TTL"))
	}

	errs = append(errs, c.RTC.applyDefaults()...)

	return joinErrors(errs)
}

func (c *Config) validateDB() []error {
	var errs []error
	if c.DB.Driver == "" {
		c.DB.Driver = "pgx"
	}
	switch c.DB.Driver {
	case "sqlite":
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_DRIVER sqlite is not allowed in production"))
		}
		if c.DB.Path == "" {
			c.DB.Path = "telehealth.db"
		}
		return errs
	case "pgx":
	default:
		return append(errs, fmt.Errorf("DB_DRIVER must be one of pgx, sqlite, got %q", c.DB.Driver))
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
	if strings.TrimSpace(c.DB.SSLMode) == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			// Local-friendly default; production must be explicit.
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}
	return errs
}

func (r *RTCConfig) applyDefaults() []error {
	var errs []error
	if r.CallRingTimeout <= 0 {
		r.CallRingTimeout = 30 * time.Second
	}
	if r.PresenceOfflineDebounce < 0 {
		errs = append(errs, errors.New("PRESENCE_OFFLINE_DEBOUNCE must not be negative"))
	} else if r.PresenceOfflineDebounce == 0 {
		r.PresenceOfflineDebounce = 5 * time.Second
	}
	if r.TypingMinInterval <= 0 {
		r.TypingMinInterval = 2 * time.Second
	}
	if r.WSSendQueue <= 0 {
		r.WSSendQueue = 256
	}
	if r.WSInboundQueue <= 0 {
		r.WSInboundQueue = 64
	}
	if r.PersistMaxRetries < 0 {
		errs = append(errs, errors.New("PERSIST_MAX_RETRIES must not be negative"))
	} else if r.PersistMaxRetries == 0 {
		r.PersistMaxRetries = 3
	}
	if r.ExtensionRequesterRole != "" && r.ExtensionRequesterRole == r.ExtensionResponderRole {
		errs = append(errs, errors.New("EXTENSION_REQUESTER_ROLE and EXTENSION_RESPONDER_ROLE must differ"))
	}
	return errs
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

// DSN returns the data source name for DB.Driver. Avoid logging it; it
// contains secrets.
func (c Config) DSN() string {
	if c.DB.Driver == "sqlite" {
		return "file:" + c.DB.Path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	return c.PostgresDSN()
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

func (c Config) RedisEnabled() bool { return c.Redis.Host != "" }

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

// optInt returns 0 for unset keys; Validate applies the default.
func optInt(key string) (int, error) {
	if strings.TrimSpace(os.Getenv(key)) == "" {
		return 0, nil
	}
	return mustInt(key)
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

func optDuration(key string) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration, got %q", key, v)
	}
	return d, nil
}

func appendParseErr(errs []error, n int, err error) (int, []error) {
	if err != nil {
		errs = append(errs, err)
	}
	return n, errs
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
