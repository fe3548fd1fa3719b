package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config holds all configuration required by the API process.
// All values must come from env (or env-file loaded by the process runner).
// No business logic should depend on raw environment variables.
type Config struct {
	App        AppConfig
	DB         DBConfig
	Redis      RedisConfig
	Auth       AuthConfig
	Gateway    GatewayConfig
	Razorpay   RazorpayConfig
	Kafka      KafkaConfig
	Events     EventsConfig
	Ledger     LedgerConfig
	Risk       RiskConfig
	Settlement SettlementConfig
	VTU        VTUConfig
}

type AppConfig struct {
	Env  string
	Port int
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// SSLMode is kept explicit for AWS-ready posture.
	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// AuthConfig verifies tokens minted by the identity service. AccessTokenTTL
// only matters for tokens this process issues itself (tests, local tooling).
type AuthConfig struct {
	JWTSecret      string
	JWTIssuer      string
	JWTAudience    string
	AccessTokenTTL time.Duration
}

// GatewayConfig selects and configures the payment gateway used for funding.
type GatewayConfig struct {
	// Provider is flutterwave or razorpay.
	Provider      string
	SecretKey     string
	WebhookSecret string
	BaseURL       string
	RedirectURL   string
	Currency      string
	Timeout       time.Duration
}

type RazorpayConfig struct {
	KeyID         string
	KeySecret     string
	WebhookSecret string
}

// KafkaConfig is optional; an empty broker list disables the Kafka sink.
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

type EventsConfig struct {
	RedisChannel string
}

type LedgerConfig struct {
	MaxRetries            int
	RejectCreditsToFrozen bool
}

type RiskConfig struct {
	FailOpen            bool
	DefaultDailyLimit   decimal.Decimal
	DefaultMonthlyLimit decimal.Decimal
}

type SettlementConfig struct {
	PollerEnabled bool
	PollInterval  time.Duration
	PollBatch     int
	StaleAfter    time.Duration
	MarkerTTL     time.Duration

	// AbandonAfter is how long a checkout the gateway has never seen stays open.
	AbandonAfter time.Duration
}

// VTUConfig is optional; an empty base URL disables purchases.
type VTUConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
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
	c.Redis.Password = os.Getenv("REDIS_PASSWORD")
	c.Redis.DB, parseErrs = optionalInt(parseErrs, "REDIS_DB", 0)

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	// Duration env vars are optional; defaults applied in Validate() based on env.
	c.Auth.AccessTokenTTL = mustDuration("JWT_ACCESS_TTL")

	c.Gateway.Provider = strings.ToLower(strings.TrimSpace(os.Getenv("GATEWAY_PROVIDER")))
	c.Gateway.SecretKey = os.Getenv("GATEWAY_SECRET_KEY")
	c.Gateway.WebhookSecret = os.Getenv("GATEWAY_WEBHOOK_SECRET")
	c.Gateway.BaseURL = strings.TrimSpace(os.Getenv("GATEWAY_BASE_URL"))
	c.Gateway.RedirectURL = strings.TrimSpace(os.Getenv("GATEWAY_REDIRECT_URL"))
	c.Gateway.Currency = strings.ToUpper(strings.TrimSpace(os.Getenv("GATEWAY_CURRENCY")))
	c.Gateway.Timeout, parseErrs = optionalDuration(parseErrs, "GATEWAY_TIMEOUT", 15*time.Second)

	c.Razorpay.KeyID = strings.TrimSpace(os.Getenv("RAZORPAY_KEY_ID"))
	c.Razorpay.KeySecret = os.Getenv("RAZORPAY_KEY_SECRET")
	c.Razorpay.WebhookSecret = os.Getenv("RAZORPAY_WEBHOOK_SECRET")

	c.Kafka.Brokers = csv(os.Getenv("KAFKA_BROKERS"))
	c.Kafka.Topic = strings.TrimSpace(os.Getenv("KAFKA_TOPIC"))
	c.Events.RedisChannel = strings.TrimSpace(os.Getenv("EVENTS_REDIS_CHANNEL"))

	c.Ledger.MaxRetries, parseErrs = optionalInt(parseErrs, "LEDGER_MAX_RETRIES", 3)
	c.Ledger.RejectCreditsToFrozen, parseErrs = optionalBool(parseErrs, "LEDGER_REJECT_CREDITS_TO_FROZEN", true)

	c.Risk.FailOpen, parseErrs = optionalBool(parseErrs, "RISK_FAIL_OPEN", true)
	c.Risk.DefaultDailyLimit, parseErrs = optionalDecimal(parseErrs, "RISK_DEFAULT_DAILY_LIMIT")
	c.Risk.DefaultMonthlyLimit, parseErrs = optionalDecimal(parseErrs, "RISK_DEFAULT_MONTHLY_LIMIT")

	c.Settlement.PollerEnabled, parseErrs = optionalBool(parseErrs, "SETTLEMENT_POLLER_ENABLED", true)
	c.Settlement.PollInterval, parseErrs = optionalDuration(parseErrs, "SETTLEMENT_POLL_INTERVAL", time.Minute)
	c.Settlement.PollBatch, parseErrs = optionalInt(parseErrs, "SETTLEMENT_POLL_BATCH", 50)
	c.Settlement.StaleAfter, parseErrs = optionalDuration(parseErrs, "SETTLEMENT_STALE_AFTER", 5*time.Minute)
	c.Settlement.MarkerTTL, parseErrs = optionalDuration(parseErrs, "SETTLEMENT_MARKER_TTL", 24*time.Hour)
	c.Settlement.AbandonAfter, parseErrs = optionalDuration(parseErrs, "SETTLEMENT_ABANDON_AFTER", 24*time.Hour)

	c.VTU.BaseURL = strings.TrimSpace(os.Getenv("VTU_BASE_URL"))
	c.VTU.APIKey = os.Getenv("VTU_API_KEY")
	c.VTU.Timeout, parseErrs = optionalDuration(parseErrs, "VTU_TIMEOUT", 30*time.Second)

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks required values and fills defaults in place.
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
			// Allowed values are enforced below.
			c.DB.SSLMode = "disable"
		}
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

	if c.Auth.AccessTokenTTL <= 0 {
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}

	errs = append(errs, c.validateGateway()...)

	if c.Events.RedisChannel == "" {
		c.Events.RedisChannel = "wallet:events"
	}
	if len(c.Kafka.Brokers) > 0 && c.Kafka.Topic == "" {
		c.Kafka.Topic = "wallet-events"
	}

	if c.Ledger.MaxRetries < 0 || c.Ledger.MaxRetries > 10 {
		errs = append(errs, fmt.Errorf("LEDGER_MAX_RETRIES must be between 0 and 10, got %d", c.Ledger.MaxRetries))
	}
	if c.Risk.DefaultDailyLimit.IsNegative() || c.Risk.DefaultMonthlyLimit.IsNegative() {
		errs = append(errs, errors.New("RISK_DEFAULT_*_LIMIT must not be negative"))
	}
	if c.Settlement.PollInterval <= 0 {
		c.Settlement.PollInterval = time.Minute
	}
	if c.Settlement.PollBatch <= 0 {
		c.Settlement.PollBatch = 50
	}
	if c.Settlement.StaleAfter <= 0 {
		c.Settlement.StaleAfter = 5 * time.Minute
	}
	if c.Settlement.MarkerTTL <= 0 {
		c.Settlement.MarkerTTL = 24 * time.Hour
	}
	if c.Settlement.AbandonAfter <= 0 {
		c.Settlement.AbandonAfter = 24 * time.Hour
	}
	if c.VTU.Timeout <= 0 {
		c.VTU.Timeout = 30 * time.Second
	}

	return joinErrors(errs)
}

func (c *Config) validateGateway() []error {
	var errs []error
	if c.Gateway.Provider == "" {
		c.Gateway.Provider = "flutterwave"
	}
	if c.Gateway.Currency == "" {
		c.Gateway.Currency = "NGN"
	}
	if c.Gateway.Timeout <= 0 {
		c.Gateway.Timeout = 15 * time.Second
	}
	switch c.Gateway.Provider {
	case "flutterwave":
		if c.Gateway.BaseURL == "" {
			c.Gateway.BaseURL = "https://api.flutterwave.com"
		}
		if c.Gateway.SecretKey == "" {
			errs = append(errs, errors.New("GATEWAY_SECRET_KEY is required"))
		}
		if c.Gateway.WebhookSecret == "" {
			errs = append(errs, errors.New("GATEWAY_WEBHOOK_SECRET is required"))
		}
	case "razorpay":
		if c.Razorpay.KeyID == "" || c.Razorpay.KeySecret == "" {
			errs = append(errs, errors.New("RAZORPAY_KEY_ID and RAZORPAY_KEY_SECRET are required"))
		}
		if c.Razorpay.WebhookSecret == "" {
			errs = append(errs, errors.New("RAZORPAY_WEBHOOK_SECRET is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("GATEWAY_PROVIDER must be one of flutterwave, razorpay, got %q", c.Gateway.Provider))
	}
	if c.IsProduction() && c.Gateway.RedirectURL == "" {
		errs = append(errs, errors.New("GATEWAY_REDIRECT_URL is required in production"))
	}
	return errs
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

func optionalInt(errs []error, key string, def int) (int, []error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, errs
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def, append(errs, fmt.Errorf("%s must be an integer, got %q", key, v))
	}
	return n, errs
}

func optionalBool(errs []error, key string, def bool) (bool, []error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, errs
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, append(errs, fmt.Errorf("%s must be a boolean, got %q", key, v))
	}
	return b, errs
}

func optionalDuration(errs []error, key string, def time.Duration) (time.Duration, []error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, errs
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def, append(errs, fmt.Errorf("%s must be a duration, got %q", key, v))
	}
	return d, errs
}

// optionalDecimal returns zero when unset; zero means "no cap" for limits.
func optionalDecimal(errs []error, key string) (decimal.Decimal, []error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return decimal.Zero, errs
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, append(errs, fmt.Errorf("%s must be a decimal, got %q", key, v))
	}
	return d, errs
}

func csv(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
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
