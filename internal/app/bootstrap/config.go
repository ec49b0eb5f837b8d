package bootstrap

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	httpadapter "github.com/viralforge/guardian-activation/internal/adapters/http"
	"github.com/viralforge/guardian-activation/internal/domain"
)

const (
	StorageMemory   = "memory"
	StoragePostgres = "postgres"
)

// Config is the resolved runtime configuration for the guardian activation service.
type Config struct {
	ServiceID   string
	Environment string

	HTTPPort int
	GRPCPort int

	Storage           string
	DatabaseURL       string
	RedisURL          string
	MaxDBConns        int32
	DBConnMaxIdleTime time.Duration
	DBConnMaxLifetime time.Duration

	KafkaBrokers      []string
	NotificationTopic string
	EventTopics       map[string]string

	JWTSecret       string
	JWTPublicKeyPEM string
	JWTIssuer       string
	JWTAudience     string
	BcryptCost      int

	QuorumWindow     time.Duration
	RequestTokenTTL  time.Duration
	GrantTTL         time.Duration
	SubmissionLimit  int
	SubmissionWindow time.Duration
	CycleLockTTL     time.Duration

	HTTPRateLimitPerSecond float64
	HTTPRateLimitBurst     int
	HTTPTrustedProxies     []string

	EvaluationInterval time.Duration
	OutboxPollInterval time.Duration
	OutboxBatchSize    int
	OutboxClaimTTL     time.Duration
	OutboxMaxRetries   int

	TelemetryEnabled bool
	OTLPEndpoint     string
	OTLPInsecure     bool
	TraceSampleRate  float64
	MetricsInterval  time.Duration
	ServiceVersion   string

	// Guardians seeds the in-process directory when Storage is memory.
	Guardians []domain.Guardian
}

type configFile struct {
	Service struct {
		ID          string `yaml:"id"`
		Environment string `yaml:"environment"`
		Version     string `yaml:"version"`
		HTTPPort    int    `yaml:"http_port"`
		GRPCPort    int    `yaml:"grpc_port"`
	} `yaml:"service"`
	Dependencies struct {
		Storage      string   `yaml:"storage"`
		PostgresURL  string   `yaml:"postgres_url"`
		RedisURL     string   `yaml:"redis_url"`
		KafkaBrokers []string `yaml:"kafka_brokers"`
	} `yaml:"dependencies"`
	Auth struct {
		Issuer   string `yaml:"issuer"`
		Audience string `yaml:"audience"`
	} `yaml:"auth"`
	Protocol struct {
		QuorumWindow     string `yaml:"quorum_window"`
		RequestTokenTTL  string `yaml:"request_token_ttl"`
		GrantTTL         string `yaml:"grant_ttl"`
		SubmissionLimit  int    `yaml:"submission_limit"`
		SubmissionWindow string `yaml:"submission_window"`
	} `yaml:"protocol"`
	Worker struct {
		EvaluationInterval string `yaml:"evaluation_interval"`
		OutboxPollInterval string `yaml:"outbox_poll_interval"`
		OutboxBatchSize    int    `yaml:"outbox_batch_size"`
	} `yaml:"worker"`
	Events struct {
		NotificationTopic string            `yaml:"notification_topic"`
		Topics            map[string]string `yaml:"topics"`
	} `yaml:"events"`
	Telemetry struct {
		Enabled    bool    `yaml:"enabled"`
		Endpoint   string  `yaml:"otlp_endpoint"`
		Insecure   bool    `yaml:"insecure"`
		SampleRate float64 `yaml:"sample_rate"`
	} `yaml:"telemetry"`
	Guardians []guardianSeed `yaml:"guardians"`
}

type guardianSeed struct {
	ID                  string `yaml:"id"`
	SubjectID           string `yaml:"subject_id"`
	Name                string `yaml:"name"`
	Email               string `yaml:"email"`
	Phone               string `yaml:"phone"`
	Active              *bool  `yaml:"is_active"`
	CanTriggerEmergency bool   `yaml:"can_trigger_emergency"`
	Priority            int    `yaml:"priority"`
	Permissions         struct {
		AccessHealthDocs    bool `yaml:"access_health_docs"`
		AccessFinancialDocs bool `yaml:"access_financial_docs"`
		IsChildGuardian     bool `yaml:"is_child_guardian"`
		IsWillExecutor      bool `yaml:"is_will_executor"`
	} `yaml:"permissions"`
}

// LoadConfig resolves configuration in priority order: defaults, file, .env, env.
func LoadConfig(path string) (Config, error) {
	cfg := Config{
		ServiceID:              "guardian-activation-service",
		Environment:            "local",
		ServiceVersion:         "dev",
		HTTPPort:               8080,
		GRPCPort:               9090,
		Storage:                StorageMemory,
		MaxDBConns:             20,
		DBConnMaxIdleTime:      5 * time.Minute,
		DBConnMaxLifetime:      time.Hour,
		NotificationTopic:      "guardian.notifications",
		EventTopics:            map[string]string{},
		BcryptCost:             12,
		QuorumWindow:           24 * time.Hour,
		RequestTokenTTL:        7 * 24 * time.Hour,
		GrantTTL:               30 * 24 * time.Hour,
		SubmissionLimit:        10,
		SubmissionWindow:       time.Hour,
		CycleLockTTL:           10 * time.Minute,
		HTTPRateLimitPerSecond: 20,
		HTTPRateLimitBurst:     40,
		EvaluationInterval:     time.Hour,
		OutboxPollInterval:     2 * time.Second,
		OutboxBatchSize:        100,
		OutboxClaimTTL:         30 * time.Second,
		OutboxMaxRetries:       5,
		OTLPEndpoint:           "localhost:4317",
		TraceSampleRate:        0.1,
		MetricsInterval:        15 * time.Second,
	}

	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := cfg.applyFile(raw); err != nil {
			return Config{}, err
		}
	case !errors.Is(err, fs.ErrNotExist):
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) applyFile(raw []byte) error {
	var f configFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	if f.Service.ID != "" {
		cfg.ServiceID = f.Service.ID
	}
	if f.Service.Environment != "" {
		cfg.Environment = f.Service.Environment
	}
	if f.Service.Version != "" {
		cfg.ServiceVersion = f.Service.Version
	}
	if f.Service.HTTPPort > 0 {
		cfg.HTTPPort = f.Service.HTTPPort
	}
	if f.Service.GRPCPort > 0 {
		cfg.GRPCPort = f.Service.GRPCPort
	}
	if f.Dependencies.Storage != "" {
		cfg.Storage = f.Dependencies.Storage
	}
	if f.Dependencies.PostgresURL != "" {
		cfg.DatabaseURL = f.Dependencies.PostgresURL
	}
	if f.Dependencies.RedisURL != "" {
		cfg.RedisURL = f.Dependencies.RedisURL
	}
	if len(f.Dependencies.KafkaBrokers) > 0 {
		cfg.KafkaBrokers = f.Dependencies.KafkaBrokers
	}
	if f.Auth.Issuer != "" {
		cfg.JWTIssuer = f.Auth.Issuer
	}
	if f.Auth.Audience != "" {
		cfg.JWTAudience = f.Auth.Audience
	}
	if f.Protocol.SubmissionLimit > 0 {
		cfg.SubmissionLimit = f.Protocol.SubmissionLimit
	}
	if f.Worker.OutboxBatchSize > 0 {
		cfg.OutboxBatchSize = f.Worker.OutboxBatchSize
	}
	durations := []struct {
		raw string
		dst *time.Duration
		key string
	}{
		{f.Protocol.QuorumWindow, &cfg.QuorumWindow, "protocol.quorum_window"},
		{f.Protocol.RequestTokenTTL, &cfg.RequestTokenTTL, "protocol.request_token_ttl"},
		{f.Protocol.GrantTTL, &cfg.GrantTTL, "protocol.grant_ttl"},
		{f.Protocol.SubmissionWindow, &cfg.SubmissionWindow, "protocol.submission_window"},
		{f.Worker.EvaluationInterval, &cfg.EvaluationInterval, "worker.evaluation_interval"},
		{f.Worker.OutboxPollInterval, &cfg.OutboxPollInterval, "worker.outbox_poll_interval"},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil || parsed <= 0 {
			return fmt.Errorf("parse config file: %s: invalid duration %q", d.key, d.raw)
		}
		*d.dst = parsed
	}
	if f.Events.NotificationTopic != "" {
		cfg.NotificationTopic = f.Events.NotificationTopic
	}
	for event, topic := range f.Events.Topics {
		cfg.EventTopics[event] = topic
	}
	cfg.TelemetryEnabled = f.Telemetry.Enabled
	cfg.OTLPInsecure = f.Telemetry.Insecure
	if f.Telemetry.Endpoint != "" {
		cfg.OTLPEndpoint = f.Telemetry.Endpoint
	}
	if f.Telemetry.SampleRate > 0 {
		cfg.TraceSampleRate = f.Telemetry.SampleRate
	}

	for i, seed := range f.Guardians {
		g, err := seed.toDomain()
		if err != nil {
			return fmt.Errorf("parse config file: guardians[%d]: %w", i, err)
		}
		cfg.Guardians = append(cfg.Guardians, g)
	}
	return nil
}

func (cfg *Config) applyEnv() {
	cfg.ServiceID = envOrDefault("SERVICE_ID", cfg.ServiceID)
	cfg.Environment = envOrDefault("ENVIRONMENT", cfg.Environment)
	cfg.Storage = strings.ToLower(envOrDefault("STORAGE", cfg.Storage))
	cfg.DatabaseURL = envOrDefault("DB_URL", envOrDefault("POSTGRES_URL", cfg.DatabaseURL))
	cfg.RedisURL = envOrDefault("REDIS_URL", cfg.RedisURL)
	cfg.KafkaBrokers = envCSV("KAFKA_BROKERS", cfg.KafkaBrokers)
	cfg.NotificationTopic = envOrDefault("NOTIFICATION_TOPIC", cfg.NotificationTopic)

	cfg.JWTSecret = envOrDefault("JWT_SECRET", cfg.JWTSecret)
	cfg.JWTPublicKeyPEM = envOrDefault("JWT_PUBLIC_KEY_PEM", cfg.JWTPublicKeyPEM)
	cfg.JWTIssuer = envOrDefault("JWT_ISSUER", cfg.JWTIssuer)
	cfg.JWTAudience = envOrDefault("JWT_AUDIENCE", cfg.JWTAudience)

	cfg.HTTPPort = envInt("HTTP_PORT", cfg.HTTPPort)
	cfg.GRPCPort = envInt("GRPC_PORT", cfg.GRPCPort)
	cfg.BcryptCost = envInt("BCRYPT_ROUNDS", cfg.BcryptCost)
	cfg.MaxDBConns = int32(envInt("DB_MAX_CONNS", int(cfg.MaxDBConns)))
	cfg.SubmissionLimit = envInt("SUBMISSION_LIMIT", cfg.SubmissionLimit)
	cfg.HTTPRateLimitBurst = envInt("HTTP_RATE_LIMIT_BURST", cfg.HTTPRateLimitBurst)
	cfg.HTTPRateLimitPerSecond = envFloat("HTTP_RATE_LIMIT_PER_SECOND", cfg.HTTPRateLimitPerSecond)
	cfg.HTTPTrustedProxies = envCSV("HTTP_TRUSTED_PROXIES", cfg.HTTPTrustedProxies)
	cfg.OutboxBatchSize = envInt("OUTBOX_BATCH_SIZE", cfg.OutboxBatchSize)
	cfg.OutboxMaxRetries = envInt("OUTBOX_MAX_RETRIES", cfg.OutboxMaxRetries)

	cfg.QuorumWindow = envDuration("QUORUM_WINDOW", cfg.QuorumWindow)
	cfg.RequestTokenTTL = envDuration("REQUEST_TOKEN_TTL", cfg.RequestTokenTTL)
	cfg.GrantTTL = envDuration("GRANT_TTL", cfg.GrantTTL)
	cfg.SubmissionWindow = envDuration("SUBMISSION_WINDOW", cfg.SubmissionWindow)
	cfg.CycleLockTTL = envDuration("CYCLE_LOCK_TTL", cfg.CycleLockTTL)
	cfg.EvaluationInterval = envDuration("EVALUATION_INTERVAL", cfg.EvaluationInterval)
	cfg.OutboxPollInterval = envDuration("OUTBOX_POLL_INTERVAL", cfg.OutboxPollInterval)
	cfg.OutboxClaimTTL = envDuration("OUTBOX_CLAIM_TTL", cfg.OutboxClaimTTL)
	cfg.DBConnMaxIdleTime = envDuration("DB_CONN_MAX_IDLE_TIME", cfg.DBConnMaxIdleTime)
	cfg.DBConnMaxLifetime = envDuration("DB_CONN_MAX_LIFETIME", cfg.DBConnMaxLifetime)

	cfg.TelemetryEnabled = envBool("OTEL_ENABLED", cfg.TelemetryEnabled)
	cfg.OTLPEndpoint = envOrDefault("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.OTLPEndpoint)
	cfg.OTLPInsecure = envBool("OTEL_EXPORTER_OTLP_INSECURE", cfg.OTLPInsecure)
	cfg.TraceSampleRate = envFloat("OTEL_TRACES_SAMPLER_ARG", cfg.TraceSampleRate)
}

func (cfg Config) validate() error {
	switch cfg.Storage {
	case StorageMemory:
	case StoragePostgres:
		if cfg.DatabaseURL == "" {
			return fmt.Errorf("missing DB_URL/POSTGRES_URL for postgres storage")
		}
	default:
		return fmt.Errorf("unknown storage %q", cfg.Storage)
	}
	if cfg.JWTSecret == "" && cfg.JWTPublicKeyPEM == "" {
		return fmt.Errorf("missing JWT_SECRET or JWT_PUBLIC_KEY_PEM")
	}
	if cfg.QuorumWindow >= cfg.RequestTokenTTL {
		return fmt.Errorf("quorum window %s must be shorter than request token ttl %s", cfg.QuorumWindow, cfg.RequestTokenTTL)
	}
	if _, err := httpadapter.ParseTrustedProxies(cfg.HTTPTrustedProxies); err != nil {
		return fmt.Errorf("invalid HTTP_TRUSTED_PROXIES: %w", err)
	}
	return nil
}

func (s guardianSeed) toDomain() (domain.Guardian, error) {
	id, err := uuid.Parse(s.ID)
	if err != nil {
		return domain.Guardian{}, fmt.Errorf("invalid id %q", s.ID)
	}
	subjectID, err := uuid.Parse(s.SubjectID)
	if err != nil {
		return domain.Guardian{}, fmt.Errorf("invalid subject_id %q", s.SubjectID)
	}
	active := true
	if s.Active != nil {
		active = *s.Active
	}
	return domain.Guardian{
		ID:                  id,
		SubjectID:           subjectID,
		Name:                s.Name,
		Email:               s.Email,
		Phone:               s.Phone,
		IsActive:            active,
		CanTriggerEmergency: s.CanTriggerEmergency,
		Priority:            s.Priority,
		Permissions: domain.Permissions{
			AccessHealthDocs:    s.Permissions.AccessHealthDocs,
			AccessFinancialDocs: s.Permissions.AccessFinancialDocs,
			IsChildGuardian:     s.Permissions.IsChildGuardian,
			IsWillExecutor:      s.Permissions.IsWillExecutor,
		},
	}, nil
}

func envOrDefault(name, fallback string) string {
	if value := os.Getenv(name); value != "" {
		return value
	}
	return fallback
}

// envInt parses integer env vars with safe fallback on empty/invalid values.
func envInt(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func envFloat(name string, fallback float64) float64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fallback
	}
	return v
}

// envDuration accepts Go duration strings such as "90s" or "24h".
func envDuration(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	v, err := time.ParseDuration(raw)
	if err != nil || v <= 0 {
		return fallback
	}
	return v
}

func envBool(name string, fallback bool) bool {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	switch raw {
	case "1", "true", "TRUE", "yes", "YES":
		return true
	case "0", "false", "FALSE", "no", "NO":
		return false
	default:
		return fallback
	}
}

// envCSV parses comma-separated env vars and removes empty segments.
func envCSV(name string, fallback []string) []string {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	parts := make([]string, 0)
	for _, part := range strings.Split(raw, ",") {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		parts = append(parts, trimmed)
	}
	if len(parts) == 0 {
		return fallback
	}
	return parts
}
