package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
)

const (
	ProviderGemini = "gemini"
	ProviderArk    = "ark"

	StoreMemory = "memory"
	StoreSQLite = "sqlite"
	StoreRedis  = "redis"

	DefaultGeminiModel = "gemini-2.5-flash"
)

// ErrMissingAPIKey is returned by Load when the selected provider has no credential.
var ErrMissingAPIKey = errors.New("provider credential is not configured")

// Config aggregates every setting of the service.
type Config struct {
	Server    ServerConfig
	AI        AIConfig
	Session   SessionConfig
	Store     StoreConfig
	Log       LogConfig
	Telemetry TelemetryConfig
}

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	server, err := loadServerConfig()
	if err != nil {
		return nil, err
	}

	ai, err := loadAIConfig()
	if err != nil {
		return nil, err
	}

	session, err := loadSessionConfig()
	if err != nil {
		return nil, err
	}

	store, err := loadStoreConfig()
	if err != nil {
		return nil, err
	}

	logCfg := loadLogConfig()

	telemetry, err := loadTelemetryConfig()
	if err != nil {
		return nil, err
	}

	return &Config{
		Server:    server,
		AI:        ai,
		Session:   session,
		Store:     store,
		Log:       logCfg,
		Telemetry: telemetry,
	}, nil
}

// ServerConfig describes the HTTP listener.
type ServerConfig struct {
	Addr           string
	AllowedOrigins []string
	MaxBodyBytes   int64
}

func loadServerConfig() (ServerConfig, error) {
	addr, err := ParseAddr(os.Getenv("PORT"))
	if err != nil {
		return ServerConfig{}, err
	}

	maxBody, err := parseOptionalIntEnv("MAX_BODY_BYTES")
	if err != nil {
		return ServerConfig{}, err
	}
	maxBodyBytes := int64(1 << 20)
	if maxBody != nil && *maxBody > 0 {
		maxBodyBytes = int64(*maxBody)
	}

	return ServerConfig{
		Addr:           addr,
		AllowedOrigins: splitList(getEnvOrDefault("CORS_ALLOWED_ORIGINS", "*")),
		MaxBodyBytes:   maxBodyBytes,
	}, nil
}

// ParseAddr turns a PORT value into a listen address.
// Both "3000" and ":3000" / "127.0.0.1:3000" are accepted.
func ParseAddr(port string) (string, error) {
	port = strings.TrimSpace(port)
	if port == "" {
		port = "3000"
	}

	if strings.Contains(port, ":") {
		return port, nil
	}

	if _, err := strconv.Atoi(port); err != nil {
		return "", fmt.Errorf("invalid PORT value: %q", port)
	}

	return ":" + port, nil
}

// AIConfig describes the model provider.
type AIConfig struct {
	Provider          string
	APIKey            string
	AccessKey         string
	SecretKey         string
	Model             string
	BaseURL           string
	Region            string
	Temperature       *float64
	TopP              *float64
	MaxTokens         *int
	SystemInstruction string
	Timeout           time.Duration
	// SanitizeErrors replaces provider error messages with their error class.
	SanitizeErrors bool
}

// Enabled reports whether the credentials required by the provider are present.
func (c AIConfig) Enabled() bool {
	switch c.Provider {
	case ProviderArk:
		return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
	default:
		return c.APIKey != ""
	}
}

// MaskedKey returns the first characters of the API key for startup diagnostics.
func (c AIConfig) MaskedKey() string {
	if len(c.APIKey) <= 5 {
		return "***"
	}
	return c.APIKey[:5] + "..."
}

// NewArkChatModel builds an Ark chat model from the configuration.
func (c AIConfig) NewArkChatModel(ctx context.Context) (model.ChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("ark: %w (need ARK_API_KEY or ARK_ACCESS_KEY/ARK_SECRET_KEY, and ARK_MODEL)", ErrMissingAPIKey)
	}

	var temperature *float32
	if c.Temperature != nil {
		val := float32(*c.Temperature)
		temperature = &val
	}

	var topP *float32
	if c.TopP != nil {
		val := float32(*c.TopP)
		topP = &val
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		MaxTokens:   c.MaxTokens,
		Temperature: temperature,
		TopP:        topP,
	}

	return ark.NewChatModel(ctx, cfg)
}

func loadAIConfig() (AIConfig, error) {
	provider := strings.ToLower(getEnvOrDefault("AI_PROVIDER", ProviderGemini))
	if provider != ProviderGemini && provider != ProviderArk {
		return AIConfig{}, fmt.Errorf("invalid AI_PROVIDER value %q", provider)
	}

	temperature, err := parseOptionalFloatEnv("AI_TEMPERATURE")
	if err != nil {
		return AIConfig{}, err
	}

	topP, err := parseOptionalFloatEnv("AI_TOP_P")
	if err != nil {
		return AIConfig{}, err
	}

	maxTokens, err := parseOptionalIntEnv("AI_MAX_TOKENS")
	if err != nil {
		return AIConfig{}, err
	}

	timeout, err := parseDurationEnv("PROVIDER_TIMEOUT", 60*time.Second)
	if err != nil {
		return AIConfig{}, err
	}

	sanitize, err := parseBoolEnv("SANITIZE_PROVIDER_ERRORS", false)
	if err != nil {
		return AIConfig{}, err
	}

	cfg := AIConfig{
		Provider:          provider,
		Temperature:       temperature,
		TopP:              topP,
		MaxTokens:         maxTokens,
		SystemInstruction: strings.TrimSpace(os.Getenv("AI_SYSTEM_INSTRUCTION")),
		Timeout:           timeout,
		SanitizeErrors:    sanitize,
	}

	switch provider {
	case ProviderArk:
		cfg.APIKey = strings.TrimSpace(os.Getenv("ARK_API_KEY"))
		cfg.AccessKey = strings.TrimSpace(os.Getenv("ARK_ACCESS_KEY"))
		cfg.SecretKey = strings.TrimSpace(os.Getenv("ARK_SECRET_KEY"))
		cfg.Model = strings.TrimSpace(os.Getenv("ARK_MODEL"))
		cfg.BaseURL = getEnvOrDefault("ARK_BASE_URL", "https://ark.cn-beijing.volces.com/api/v3")
		cfg.Region = getEnvOrDefault("ARK_REGION", "cn-beijing")
	default:
		cfg.APIKey = strings.TrimSpace(os.Getenv("GEMINI_API_KEY"))
		cfg.Model = getEnvOrDefault("GEMINI_MODEL", DefaultGeminiModel)
	}

	if !cfg.Enabled() {
		if provider == ProviderArk {
			return AIConfig{}, fmt.Errorf("ark: %w", ErrMissingAPIKey)
		}
		return AIConfig{}, fmt.Errorf("GEMINI_API_KEY: %w", ErrMissingAPIKey)
	}

	return cfg, nil
}

// SessionConfig controls the session registry.
type SessionConfig struct {
	TTL           time.Duration
	SweepInterval time.Duration
	MaxSessions   int
}

func loadSessionConfig() (SessionConfig, error) {
	ttl, err := parseDurationEnv("SESSION_TTL", 30*time.Minute)
	if err != nil {
		return SessionConfig{}, err
	}

	sweep, err := parseDurationEnv("SESSION_SWEEP_INTERVAL", time.Minute)
	if err != nil {
		return SessionConfig{}, err
	}

	maxSessions := 1000
	if override, err := parseOptionalIntEnv("MAX_SESSIONS"); err != nil {
		return SessionConfig{}, err
	} else if override != nil {
		if *override < 1 {
			maxSessions = 1
		} else {
			maxSessions = *override
		}
	}

	return SessionConfig{TTL: ttl, SweepInterval: sweep, MaxSessions: maxSessions}, nil
}

// StoreConfig selects the transcript store.
type StoreConfig struct {
	Backend       string
	SQLitePath    string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
}

func loadStoreConfig() (StoreConfig, error) {
	backend := strings.ToLower(getEnvOrDefault("STORE_BACKEND", StoreMemory))
	switch backend {
	case StoreMemory, StoreSQLite, StoreRedis:
	default:
		return StoreConfig{}, fmt.Errorf("invalid STORE_BACKEND value %q", backend)
	}

	redisDB := 0
	if db, err := parseOptionalIntEnv("REDIS_DB"); err != nil {
		return StoreConfig{}, err
	} else if db != nil {
		redisDB = *db
	}

	return StoreConfig{
		Backend:       backend,
		SQLitePath:    getEnvOrDefault("SQLITE_PATH", "chat-relay.db"),
		RedisAddr:     getEnvOrDefault("REDIS_ADDR", "localhost:6379"),
		RedisPassword: os.Getenv("REDIS_PASSWORD"),
		RedisDB:       redisDB,
		RedisPrefix:   getEnvOrDefault("REDIS_PREFIX", "chat-relay"),
	}, nil
}

// LogConfig controls zerolog output.
type LogConfig struct {
	Level  string
	Format string
	File   string
}

func loadLogConfig() LogConfig {
	return LogConfig{
		Level:  strings.ToLower(getEnvOrDefault("LOG_LEVEL", "info")),
		Format: strings.ToLower(getEnvOrDefault("LOG_FORMAT", "console")),
		File:   strings.TrimSpace(os.Getenv("LOG_FILE")),
	}
}

// TelemetryConfig controls OpenTelemetry export.
type TelemetryConfig struct {
	Enabled   bool
	OutputDir string
}

func loadTelemetryConfig() (TelemetryConfig, error) {
	enabled, err := parseBoolEnv("OTEL_ENABLED", false)
	if err != nil {
		return TelemetryConfig{}, err
	}
	return TelemetryConfig{
		Enabled:   enabled,
		OutputDir: getEnvOrDefault("OTEL_OUTPUT_DIR", "logs"),
	}, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseBoolEnv(key string, defaultValue bool) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	val, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	return val, nil
}

// parseDurationEnv accepts Go durations ("45s") and bare seconds ("45").
func parseDurationEnv(key string, defaultValue time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return defaultValue, nil
	}

	if secs, err := strconv.Atoi(raw); err == nil {
		if secs < 0 {
			return 0, fmt.Errorf("invalid %s value %q: negative", key, raw)
		}
		return time.Duration(secs) * time.Second, nil
	}

	val, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s value %q: %w", key, raw, err)
	}
	if val < 0 {
		return 0, fmt.Errorf("invalid %s value %q: negative", key, raw)
	}
	return val, nil
}

func parseOptionalFloatEnv(key string) (*float64, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}

func parseOptionalIntEnv(key string) (*int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return nil, nil
	}

	value := strings.TrimSpace(raw)
	if value == "" {
		return nil, nil
	}

	val, err := strconv.Atoi(value)
	if err != nil {
		return nil, fmt.Errorf("invalid %s value %q: %w", key, value, err)
	}
	return &val, nil
}
