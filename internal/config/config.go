package config

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// Config holds runtime settings loaded from env vars.
type Config struct {
	HTTPAddr    string
	Environment string
	LogLevel    string
	LogFile     string

	DatabaseURL string
	RedisURL    string
	QueueURL    string

	JWTSigningKey string

	// BusSigningSecret verifies HMAC signatures on consumed bus messages.
	// Empty disables bus signature checks.
	BusSigningSecret string

	// UnsubscribeSecret signs tenant-scoped unsubscribe tokens.
	UnsubscribeSecret string

	// WebhookSinkURL receives signed outbound status webhooks. Empty
	// disables customer webhook delivery.
	WebhookSinkURL string

	// WebhookSinkSecret signs outbound status webhooks.
	WebhookSinkSecret string

	EnabledChannels  []string
	ChannelProviders map[string][]string
	TenantOverrides  map[string]map[string][]string
	Providers        map[string]ProviderConfig

	RateLimit RateLimitConfig
	Retry     RetryConfig
	Breaker   BreakerConfig
	Workers   WorkerConfig
	Ingress   IngressConfig

	// QuietHoursStart/End bound SMS sends in the recipient's local time.
	QuietHoursStart int
	QuietHoursEnd   int

	ProbeInterval   time.Duration
	ShutdownTimeout time.Duration
}

// ProviderConfig holds one provider's credentials and endpoint.
type ProviderConfig struct {
	Name          string
	Channel       string
	APIKey        string
	WebhookSecret string
	BaseURL       string
}

// RateLimitConfig holds the token bucket defaults per scope, from the
// most specific bucket to the broadest.
type RateLimitConfig struct {
	RecipientPerHour int
	UserPerHour      int
	TenantChannelRPS int
	IPPerMinute      int
}

// RetryConfig holds the backoff policy knobs.
type RetryConfig struct {
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	JitterPct     float64
	MaxAttempts   map[string]int // keyed by notification type
}

// BreakerConfig holds circuit breaker thresholds shared by all dependency
// breakers. HalfOpenProbes is both the number of trial calls admitted in
// HALF_OPEN and the consecutive successes required to close.
type BreakerConfig struct {
	FailureThreshold uint32
	MonitoringWindow time.Duration
	Cooldown         time.Duration
	HalfOpenProbes   uint32
}

// WorkerConfig holds pool sizes and poll cadence.
type WorkerConfig struct {
	DispatchConcurrency int
	WebhookConcurrency  int
	Prefetch            int
	DelayedPollInterval time.Duration
	LockTTL             time.Duration
	CleanupInterval     time.Duration
	DLQRetentionDays    int
}

// IngressConfig holds the bus consumer settings.
type IngressConfig struct {
	Exchange      string
	Queue         string
	Prefetch      int
	DedupeTTL     time.Duration
	EnrichTimeout time.Duration
	ContactsURL   string
}

var validChannels = map[string]bool{"email": true, "sms": true, "push": true}

// Load reads configuration from the environment and fails fast on missing
// or unsafe values. It never logs secret material.
func Load() (*Config, error) {
	cfg := &Config{
		HTTPAddr:    envOr("HTTP_ADDR", ":8080"),
		Environment: envOr("ENVIRONMENT", "development"),
		LogLevel:    envOr("LOG_LEVEL", "info"),
		LogFile:     os.Getenv("LOG_FILE"),

		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    envOr("REDIS_URL", "redis://localhost:6379/0"),
		QueueURL:    os.Getenv("QUEUE_URL"),

		JWTSigningKey:     os.Getenv("JWT_SIGNING_KEY"),
		BusSigningSecret:  os.Getenv("BUS_SIGNING_SECRET"),
		UnsubscribeSecret: os.Getenv("UNSUBSCRIBE_SIGNING_SECRET"),

		WebhookSinkURL:    os.Getenv("WEBHOOK_SINK_URL"),
		WebhookSinkSecret: os.Getenv("WEBHOOK_SINK_SECRET"),

		EnabledChannels: splitList(envOr("ENABLED_CHANNELS", "email,sms,push")),
		ChannelProviders: map[string][]string{
			"email": splitList(envOr("EMAIL_PROVIDERS", "sendgrid,mailgun")),
			"sms":   splitList(envOr("SMS_PROVIDERS", "twilio,vonage")),
			"push":  splitList(envOr("PUSH_PROVIDERS", "fcm,onesignal")),
		},

		RateLimit: RateLimitConfig{
			RecipientPerHour: envInt("RATE_LIMIT_RECIPIENT_PER_HOUR", 10),
			UserPerHour:      envInt("RATE_LIMIT_USER_PER_HOUR", 20),
			TenantChannelRPS: envInt("RATE_LIMIT_TENANT_CHANNEL_RPS", 50),
			IPPerMinute:      envInt("RATE_LIMIT_IP_PER_MINUTE", 100),
		},

		Retry: RetryConfig{
			BaseDelay: envDuration("RETRY_BASE_DELAY", time.Second),
			MaxDelay:  envDuration("RETRY_MAX_DELAY", 300*time.Second),
			JitterPct: envFloat("RETRY_JITTER_PCT", 0.25),
			MaxAttempts: map[string]int{
				"transactional": envInt("RETRY_MAX_ATTEMPTS_TRANSACTIONAL", 5),
				"marketing":     envInt("RETRY_MAX_ATTEMPTS_MARKETING", 3),
				"operational":   envInt("RETRY_MAX_ATTEMPTS_OPERATIONAL", 3),
				"critical":      envInt("RETRY_MAX_ATTEMPTS_CRITICAL", 8),
			},
		},

		Breaker: BreakerConfig{
			FailureThreshold: uint32(envInt("BREAKER_FAILURE_THRESHOLD", 5)),
			MonitoringWindow: envDuration("BREAKER_MONITORING_WINDOW", 120*time.Second),
			Cooldown:         envDuration("BREAKER_COOLDOWN", 60*time.Second),
			HalfOpenProbes:   uint32(envInt("BREAKER_HALF_OPEN_PROBES", 2)),
		},

		Workers: WorkerConfig{
			DispatchConcurrency: envInt("DISPATCH_WORKERS", runtime.NumCPU()*4),
			WebhookConcurrency:  envInt("WEBHOOK_WORKERS", 4),
			Prefetch:            clampInt(envInt("DISPATCH_PREFETCH", 25), 10, 50),
			DelayedPollInterval: envDuration("DELAYED_POLL_INTERVAL", time.Second),
			LockTTL:             envDuration("WORKER_LOCK_TTL", 30*time.Second),
			CleanupInterval:     envDuration("CLEANUP_INTERVAL", time.Hour),
			DLQRetentionDays:    envInt("DLQ_RETENTION_DAYS", 30),
		},

		Ingress: IngressConfig{
			Exchange:      envOr("BUS_EXCHANGE", "venuetix.events"),
			Queue:         envOr("BUS_QUEUE", "notification-service.events"),
			Prefetch:      envInt("BUS_PREFETCH", 25),
			DedupeTTL:     envDuration("BUS_DEDUPE_TTL", 24*time.Hour),
			EnrichTimeout: envDuration("ENRICH_TIMEOUT", 5*time.Second),
			ContactsURL:   envOr("CONTACTS_SERVICE_URL", "http://contacts:8080"),
		},

		QuietHoursStart: envInt("QUIET_HOURS_START", 8),
		QuietHoursEnd:   envInt("QUIET_HOURS_END", 21),

		ProbeInterval:   envDuration("PROVIDER_PROBE_INTERVAL", 30*time.Second),
		ShutdownTimeout: envDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
	}

	if raw := os.Getenv("TENANT_PROVIDER_OVERRIDES"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &cfg.TenantOverrides); err != nil {
			return nil, fmt.Errorf("TENANT_PROVIDER_OVERRIDES is not valid JSON: %w", err)
		}
	}

	cfg.Providers = loadProviders()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadProviders() map[string]ProviderConfig {
	load := func(name, channel, defaultBase string) ProviderConfig {
		prefix := strings.ToUpper(name)
		return ProviderConfig{
			Name:          name,
			Channel:       channel,
			APIKey:        os.Getenv(prefix + "_API_KEY"),
			WebhookSecret: os.Getenv(prefix + "_WEBHOOK_SECRET"),
			BaseURL:       envOr(prefix+"_BASE_URL", defaultBase),
		}
	}
	return map[string]ProviderConfig{
		"sendgrid":  load("sendgrid", "email", "https://api.sendgrid.com"),
		"mailgun":   load("mailgun", "email", "https://api.mailgun.net"),
		"twilio":    load("twilio", "sms", "https://api.twilio.com"),
		"vonage":    load("vonage", "sms", "https://rest.nexmo.com"),
		"fcm":       load("fcm", "push", "https://fcm.googleapis.com"),
		"onesignal": load("onesignal", "push", "https://onesignal.com"),
	}
}

// Validate checks that all required configuration is present and safe.
// The error lists every problem so operators fix them in one pass; secret
// values themselves never appear in the message.
func (c *Config) Validate() error {
	var problems []string

	if c.DatabaseURL == "" {
		problems = append(problems, "DATABASE_URL is required")
	}
	if c.QueueURL == "" {
		problems = append(problems, "QUEUE_URL is required")
	}
	if len(c.JWTSigningKey) < 32 {
		problems = append(problems, "JWT_SIGNING_KEY must be at least 32 characters")
	}

	if c.IsProduction() {
		if strings.Contains(c.DatabaseURL, "sslmode=disable") {
			problems = append(problems, "DATABASE_URL must require TLS in production")
		}
		if c.QueueURL != "" && !strings.HasPrefix(c.QueueURL, "amqps://") {
			problems = append(problems, "QUEUE_URL must use amqps:// in production")
		}
	}

	for _, ch := range c.EnabledChannels {
		if !validChannels[ch] {
			problems = append(problems, fmt.Sprintf("unknown channel %q in ENABLED_CHANNELS", ch))
			continue
		}
		for _, name := range c.ChannelProviders[ch] {
			p, ok := c.Providers[name]
			if !ok {
				problems = append(problems, fmt.Sprintf("unknown provider %q configured for channel %s", name, ch))
				continue
			}
			if p.APIKey == "" {
				problems = append(problems, fmt.Sprintf("%s_API_KEY is required for enabled channel %s", strings.ToUpper(name), ch))
			}
			if p.WebhookSecret == "" {
				problems = append(problems, fmt.Sprintf("%s_WEBHOOK_SECRET is required for enabled channel %s", strings.ToUpper(name), ch))
			}
		}
	}

	if c.QuietHoursStart < 0 || c.QuietHoursStart > 23 || c.QuietHoursEnd < 0 || c.QuietHoursEnd > 23 {
		problems = append(problems, "quiet hours must be within 0-23")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration:\n  - %s", strings.Join(problems, "\n  - "))
	}
	return nil
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Environment == "production" || c.Environment == "prod"
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development" || c.Environment == "dev"
}

// ChannelEnabled reports whether the channel is in ENABLED_CHANNELS.
func (c *Config) ChannelEnabled(channel string) bool {
	for _, ch := range c.EnabledChannels {
		if ch == channel {
			return true
		}
	}
	return false
}

// ProvidersFor returns the ordered provider candidates for a tenant and
// channel, applying tenant overrides before the channel default list.
func (c *Config) ProvidersFor(tenantID, channel string) []string {
	if overrides, ok := c.TenantOverrides[tenantID]; ok {
		if list, ok := overrides[channel]; ok && len(list) > 0 {
			return list
		}
	}
	return c.ChannelProviders[channel]
}

func envOr(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 {
			return f
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return fallback
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
