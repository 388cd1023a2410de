package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Exit codes shared by every binary. Ops scripts depend on these values.
const (
	ExitOK          = 0
	ExitConfigError = 2
	ExitDatabase    = 3
	ExitMissingEnv  = 4
)

// Config holds process-level configuration. Anything that varies per tenant
// (provider choice, from-number pools, scheduling policy) lives in the
// tenant registry instead.
type Config struct {
	Port          string
	Env           string
	PublicBaseURL string
	LogLevel      string

	DatabaseURL      string
	AuditDatabaseURL string
	RedisAddr        string
	RedisPassword    string
	RedisTLS         bool

	PhoneEncKey   string
	DefaultTenant string

	TwilioAccountSID string
	TwilioAuthToken  string
	TelnyxAPIKey     string
	TelnyxPublicKey  string

	// Dev-only escape hatch; logged loudly at startup when set.
	SkipWebhookSignatureVerify bool
	OrderWebhookToken          string

	UseMemoryQueue bool
	WorkerCount    int
	IntakeQueueURL string
	IntakeJobsTable string

	AWSRegion           string
	AWSAccessKeyID      string
	AWSSecretAccessKey  string
	AWSEndpointOverride string

	SlotSourceURL     string
	SlotSourceToken   string
	SlotSourceTimeout time.Duration

	RISBaseURL string
	RISToken   string
	RISTimeout time.Duration

	BedrockModelID  string
	GeminiAPIKey    string
	GeminiModel     string
	AnalyzerTimeout time.Duration
	PromptCacheTTL  time.Duration

	SESFromEmail      string
	SendGridAPIKey    string
	SendGridFromEmail string
	SendGridFromName  string

	ArchiveBucket   string
	ArchiveInterval time.Duration

	SweepInterval time.Duration
}

// Load reads configuration from environment variables. A .env file is
// loaded first when present so local runs match deployed behavior.
func Load() *Config {
	_ = godotenv.Load()

	return &Config{
		Port:          getEnv("PORT", "8080"),
		Env:           getEnv("ENV", "development"),
		PublicBaseURL: getEnv("PUBLIC_BASE_URL", ""),
		LogLevel:      getEnv("LOG_LEVEL", "info"),

		DatabaseURL:      getEnv("DATABASE_URL", ""),
		AuditDatabaseURL: getEnv("AUDIT_DATABASE_URL", ""),
		RedisAddr:        getEnv("REDIS_ADDR", ""),
		RedisPassword:    getEnv("REDIS_PASSWORD", ""),
		RedisTLS:         getEnvAsBool("REDIS_TLS", false),

		PhoneEncKey:   getEnv("PHONE_ENC_KEY", ""),
		DefaultTenant: getEnv("DEFAULT_TENANT", ""),

		TwilioAccountSID: getEnv("TWILIO_ACCOUNT_SID", ""),
		TwilioAuthToken:  getEnv("TWILIO_AUTH_TOKEN", ""),
		TelnyxAPIKey:     getEnv("TELNYX_API_KEY", ""),
		TelnyxPublicKey:  getEnv("TELNYX_PUBLIC_KEY", ""),

		SkipWebhookSignatureVerify: getEnvAsBool("SKIP_WEBHOOK_SIGNATURE_VERIFY", false),
		OrderWebhookToken:          getEnv("ORDER_WEBHOOK_TOKEN", ""),

		UseMemoryQueue:  getEnvAsBool("USE_MEMORY_QUEUE", false),
		WorkerCount:     getEnvAsInt("WORKER_COUNT", 2),
		IntakeQueueURL:  getEnv("INTAKE_QUEUE_URL", ""),
		IntakeJobsTable: getEnv("INTAKE_JOBS_TABLE", "intake_jobs"),

		AWSRegion:           getEnv("AWS_REGION", "us-east-1"),
		AWSAccessKeyID:      getEnv("AWS_ACCESS_KEY_ID", ""),
		AWSSecretAccessKey:  getEnv("AWS_SECRET_ACCESS_KEY", ""),
		AWSEndpointOverride: getEnv("AWS_ENDPOINT_OVERRIDE", ""),

		SlotSourceURL:     getEnv("SLOT_SOURCE_URL", ""),
		SlotSourceToken:   getEnv("SLOT_SOURCE_TOKEN", ""),
		SlotSourceTimeout: getEnvAsDuration("SLOT_SOURCE_TIMEOUT", 10*time.Second),

		RISBaseURL: getEnv("RIS_BASE_URL", ""),
		RISToken:   getEnv("RIS_TOKEN", ""),
		RISTimeout: getEnvAsDuration("RIS_TIMEOUT", 10*time.Second),

		BedrockModelID:  getEnv("BEDROCK_MODEL_ID", ""),
		GeminiAPIKey:    getEnv("GEMINI_API_KEY", ""),
		GeminiModel:     getEnv("GEMINI_MODEL", "gemini-1.5-flash"),
		AnalyzerTimeout: getEnvAsDuration("ANALYZER_TIMEOUT", 20*time.Second),
		PromptCacheTTL:  getEnvAsDuration("PROMPT_CACHE_TTL", 5*time.Minute),

		SESFromEmail:      getEnv("SES_FROM_EMAIL", ""),
		SendGridAPIKey:    getEnv("SENDGRID_API_KEY", ""),
		SendGridFromEmail: getEnv("SENDGRID_FROM_EMAIL", ""),
		SendGridFromName:  getEnv("SENDGRID_FROM_NAME", "RadSched"),

		ArchiveBucket:   getEnv("ARCHIVE_BUCKET", ""),
		ArchiveInterval: getEnvAsDuration("ARCHIVE_INTERVAL", time.Hour),

		SweepInterval: getEnvAsDuration("SWEEP_INTERVAL", 15*time.Second),
	}
}

// ConfigError reports configuration problems found by Validate. Missing
// entries map to exit code 4, invalid entries to exit code 2.
type ConfigError struct {
	Missing []string
	Invalid []string
}

func (e *ConfigError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing required env: "+strings.Join(e.Missing, ", "))
	}
	if len(e.Invalid) > 0 {
		parts = append(parts, "invalid config: "+strings.Join(e.Invalid, "; "))
	}
	if len(parts) == 0 {
		return "config: invalid configuration"
	}
	return "config: " + strings.Join(parts, "; ")
}

// ExitCode maps the error onto the CLI exit-code contract.
func (e *ConfigError) ExitCode() int {
	if len(e.Missing) > 0 {
		return ExitMissingEnv
	}
	return ExitConfigError
}

// Validate checks the invariants every binary depends on. Binaries verify
// their own additional requirements (queue URL for workers, provider creds
// for senders) on top of this.
func (c *Config) Validate() error {
	var ce ConfigError

	if strings.TrimSpace(c.DatabaseURL) == "" {
		ce.Missing = append(ce.Missing, "DATABASE_URL")
	}
	if strings.TrimSpace(c.PhoneEncKey) == "" {
		ce.Missing = append(ce.Missing, "PHONE_ENC_KEY")
	} else if len(c.PhoneEncKey) < 32 {
		ce.Invalid = append(ce.Invalid, fmt.Sprintf("PHONE_ENC_KEY must be at least 32 characters, got %d", len(c.PhoneEncKey)))
	}
	if c.SweepInterval <= 0 || c.SweepInterval > 30*time.Second {
		ce.Invalid = append(ce.Invalid, "SWEEP_INTERVAL must be in (0s, 30s]")
	}
	if c.WorkerCount < 1 {
		ce.Invalid = append(ce.Invalid, "WORKER_COUNT must be >= 1")
	}
	if c.SkipWebhookSignatureVerify && c.Env == "production" {
		ce.Invalid = append(ce.Invalid, "SKIP_WEBHOOK_SIGNATURE_VERIFY cannot be set in production")
	}

	if len(ce.Missing) > 0 || len(ce.Invalid) > 0 {
		return &ce
	}
	return nil
}

// getEnv retrieves an environment variable or returns a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt retrieves an environment variable as an integer or returns a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultValue
}

// getEnvAsBool retrieves an environment variable as a boolean or returns a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseBool(valueStr); err == nil {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}
	if value, err := time.ParseDuration(valueStr); err == nil {
		return value
	}
	return defaultValue
}
