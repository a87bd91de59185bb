package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration required by the engine processes.
// It is built once by Load and passed explicitly into constructors; no
// component reads the environment on its own.
type Config struct {
	App      AppConfig
	DB       DBConfig
	Redis    RedisConfig
	Auth     AuthConfig
	AI       AIConfig
	WhatsApp WhatsAppConfig
	Twilio   TwilioConfig
	Broker   BrokerConfig
	Outbox   OutboxConfig
	Engine   EngineConfig
	Executor ExecutorConfig
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

	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

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

type AIConfig struct {
	GeminiAPIKey    string
	Model           string
	Temperature     float64
	MaxOutputTokens int
	Timeout         time.Duration
	HistoryLimit    int
}

type WhatsAppConfig struct {
	VerifyToken  string
	AppSecret    string
	GraphBaseURL string
	GraphVersion string
}

// TwilioConfig configures the Twilio webhook and, when AccountSID is set,
// out-of-band replies through the REST API.
type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	// PublicBaseURL is the externally visible origin Twilio signs requests against.
	PublicBaseURL string
	APIBaseURL    string
	// WhatsAppNumbers are sender numbers that reply over WhatsApp, not SMS.
	WhatsAppNumbers []string
}

// SendsViaREST reports whether Twilio replies go through the REST API
// instead of inline TwiML.
func (t TwilioConfig) SendsViaREST() bool {
	return t.AccountSID != "" && t.AuthToken != ""
}

// BrokerConfig configures the task queue. An empty URL runs task
// execution in-process.
type BrokerConfig struct {
	URL         string
	Exchange    string
	Queue       string
	RoutingKey  string
	Prefetch    int
	RetryTTL    time.Duration
	MaxAttempts int
}

type OutboxConfig struct {
	SweepSpec    string
	ReaperSpec   string
	BatchSize    int
	StaleTimeout time.Duration
}

type EngineConfig struct {
	SenderLockTTL  time.Duration
	SenderLockWait time.Duration
	DedupeTTL      time.Duration
}

type ExecutorConfig struct {
	URL     string
	Timeout time.Duration
}

// Load reads .env files (never overriding real environment) and then the
// environment itself.
func Load() (Config, error) {
	for _, f := range []string{".env.local", ".env"} {
		_ = godotenv.Load(f)
	}

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

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	// Duration env vars are optional; defaults applied in Validate().
	c.Auth.AccessTokenTTL = mustDuration("JWT_ACCESS_TTL")
	c.Auth.RefreshTokenTTL = mustDuration("JWT_REFRESH_TTL")

	c.AI.GeminiAPIKey = os.Getenv("GEMINI_API_KEY")
	c.AI.Model = strings.TrimSpace(os.Getenv("AI_MODEL"))
	c.AI.Timeout = mustDuration("AI_MODEL_TIMEOUT")
	{
		f, err := optionalFloat("AI_TEMPERATURE")
		if err != nil {
			parseErrs = append(parseErrs, err)
		}
		c.AI.Temperature = f
	}
	{
		n, err := optionalInt("AI_MAX_OUTPUT_TOKENS")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.AI.MaxOutputTokens = n
	}
	{
		n, err := optionalInt("AI_HISTORY_LIMIT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.AI.HistoryLimit = n
	}

	c.WhatsApp.VerifyToken = os.Getenv("WHATSAPP_VERIFY_TOKEN")
	c.WhatsApp.AppSecret = os.Getenv("WHATSAPP_APP_SECRET")
	c.WhatsApp.GraphBaseURL = strings.TrimSpace(os.Getenv("WHATSAPP_GRAPH_BASE_URL"))
	c.WhatsApp.GraphVersion = strings.TrimSpace(os.Getenv("WHATSAPP_GRAPH_VERSION"))

	c.Twilio.AccountSID = strings.TrimSpace(os.Getenv("TWILIO_ACCOUNT_SID"))
	c.Twilio.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	c.Twilio.APIBaseURL = strings.TrimSpace(os.Getenv("TWILIO_API_BASE_URL"))
	for _, n := range strings.Split(os.Getenv("TWILIO_WHATSAPP_NUMBERS"), ",") {
		if n = strings.TrimSpace(n); n != "" {
			c.Twilio.WhatsAppNumbers = append(c.Twilio.WhatsAppNumbers, n)
		}
	}
	c.Twilio.PublicBaseURL = strings.TrimSpace(os.Getenv("TWILIO_PUBLIC_BASE_URL"))

	c.Broker.URL = strings.TrimSpace(os.Getenv("BROKER_URL"))
	c.Broker.Exchange = strings.TrimSpace(os.Getenv("BROKER_EXCHANGE"))
	c.Broker.Queue = strings.TrimSpace(os.Getenv("BROKER_QUEUE"))
	c.Broker.RoutingKey = strings.TrimSpace(os.Getenv("BROKER_ROUTING_KEY"))
	c.Broker.RetryTTL = mustDuration("BROKER_RETRY_TTL")
	{
		n, err := optionalInt("BROKER_PREFETCH")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Broker.Prefetch = n
	}
	{
		n, err := optionalInt("BROKER_MAX_ATTEMPTS")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Broker.MaxAttempts = n
	}

	c.Outbox.SweepSpec = strings.TrimSpace(os.Getenv("OUTBOX_SWEEP_SPEC"))
	c.Outbox.ReaperSpec = strings.TrimSpace(os.Getenv("OUTBOX_REAPER_SPEC"))
	c.Outbox.StaleTimeout = mustDuration("OUTBOX_STALE_TIMEOUT")
	{
		n, err := optionalInt("OUTBOX_BATCH_SIZE")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Outbox.BatchSize = n
	}

	c.Engine.SenderLockTTL = mustDuration("ENGINE_SENDER_LOCK_TTL")
	c.Engine.SenderLockWait = mustDuration("ENGINE_SENDER_LOCK_WAIT")
	c.Engine.DedupeTTL = mustDuration("ENGINE_DEDUPE_TTL")

	c.Executor.URL = strings.TrimSpace(os.Getenv("EXECUTOR_URL"))
	c.Executor.Timeout = mustDuration("EXECUTOR_TIMEOUT")

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate reports every problem at once and fills defaults in place.
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
		if c.WhatsApp.AppSecret == "" {
			errs = append(errs, errors.New("WHATSAPP_APP_SECRET is required in production"))
		}
	}
	if c.Auth.AccessTokenTTL <= 0 {
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}
	if c.Auth.RefreshTokenTTL <= 0 {
		c.Auth.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if c.Auth.RefreshTokenTTL <= c.Auth.AccessTokenTTL {
		errs = append(errs, errors.New("JWT_REFRESH_TTL must be greater than JWT_ACCESS_TTL"))
	}

	if c.AI.GeminiAPIKey == "" {
		errs = append(errs, errors.New("GEMINI_API_KEY is required"))
	}
	if c.AI.Model == "" {
		c.AI.Model = "gemini-2.0-flash"
	}
	if c.AI.Temperature < 0 || c.AI.Temperature > 2 {
		errs = append(errs, fmt.Errorf("AI_TEMPERATURE must be within [0, 2], got %v", c.AI.Temperature))
	}
	if c.AI.Temperature == 0 {
		c.AI.Temperature = 0.1
	}
	if c.AI.MaxOutputTokens <= 0 {
		c.AI.MaxOutputTokens = 2048
	}
	if c.AI.Timeout <= 0 {
		c.AI.Timeout = 20 * time.Second
	}
	if c.AI.HistoryLimit <= 0 {
		c.AI.HistoryLimit = 20
	}

	if c.WhatsApp.GraphBaseURL == "" {
		c.WhatsApp.GraphBaseURL = "https://graph.facebook.com"
	}
	if c.WhatsApp.GraphVersion == "" {
		c.WhatsApp.GraphVersion = "v20.0"
	}
	if c.Twilio.APIBaseURL == "" {
		c.Twilio.APIBaseURL = "https://api.twilio.com"
	}

	if c.Broker.Exchange == "" {
		c.Broker.Exchange = "convo.tasks"
	}
	if c.Broker.Queue == "" {
		c.Broker.Queue = "convo.tasks.execute"
	}
	if c.Broker.RoutingKey == "" {
		c.Broker.RoutingKey = "task.execute"
	}
	if c.Broker.Prefetch <= 0 {
		c.Broker.Prefetch = 16
	}
	if c.Broker.RetryTTL <= 0 {
		c.Broker.RetryTTL = 10 * time.Second
	}
	if c.Broker.MaxAttempts <= 0 {
		c.Broker.MaxAttempts = 5
	}

	if c.Outbox.SweepSpec == "" {
		c.Outbox.SweepSpec = "@every 5s"
	}
	if c.Outbox.ReaperSpec == "" {
		c.Outbox.ReaperSpec = "@every 1m"
	}
	if c.Outbox.BatchSize <= 0 {
		c.Outbox.BatchSize = 50
	}
	if c.Outbox.StaleTimeout <= 0 {
		c.Outbox.StaleTimeout = 15 * time.Minute
	}

	if c.Engine.SenderLockTTL <= 0 {
		c.Engine.SenderLockTTL = c.AI.Timeout + 10*time.Second
	}
	if c.Engine.SenderLockWait <= 0 {
		c.Engine.SenderLockWait = 5 * time.Second
	}
	// Zero disables provider message-id dedupe.
	if c.Engine.DedupeTTL < 0 {
		errs = append(errs, errors.New("ENGINE_DEDUPE_TTL must not be negative"))
	}

	if c.Executor.Timeout <= 0 {
		c.Executor.Timeout = 30 * time.Second
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

// InProcessTasks reports whether task envelopes bypass the broker.
func (c Config) InProcessTasks() bool {
	return c.Broker.URL == ""
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

func optionalInt(key string) (int, error) {
	if strings.TrimSpace(os.Getenv(key)) == "" {
		return 0, nil
	}
	return mustInt(key)
}

func optionalFloat(key string) (float64, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be a number, got %q", key, v)
	}
	return f, nil
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
