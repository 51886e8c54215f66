package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config is the root configuration for rulebot.
type Config struct {
	General    GeneralConfig             `json:"general"`
	Providers  map[string]ProviderConfig `json:"providers"`
	Documents  DocumentsConfig           `json:"documents"`
	Index      IndexConfig               `json:"index"`
	Embedding  EmbeddingConfig           `json:"embedding"`
	Retrieval  RetrievalConfig           `json:"retrieval"`
	Completion CompletionConfig          `json:"completion"`
	History    HistoryConfig             `json:"history"`
	ChatLog    ChatLogConfig             `json:"chatLog"`
	Server     ServerConfig              `json:"server"`
	Channels   ChannelsConfig            `json:"channels"`
	Metrics    MetricsConfig             `json:"metrics"`
}

type GeneralConfig struct {
	LogLevel string `json:"logLevel" validate:"oneof=debug info warn error"`
	LogFile  string `json:"logFile,omitempty"`
	// PromptFile optionally points at a YAML prompt template overriding the built-in one.
	PromptFile string `json:"promptFile,omitempty"`
}

type ProviderConfig struct {
	Enabled      bool   `json:"enabled"`
	APIBase      string `json:"apiBase,omitempty"`
	APIKey       string `json:"apiKey,omitempty"`
	DefaultModel string `json:"defaultModel,omitempty"`
}

type DocumentsConfig struct {
	Dir          string   `json:"dir" validate:"required"`
	Extensions   []string `json:"extensions" validate:"min=1"`
	ChunkSize    int      `json:"chunkSize" validate:"gt=0"`
	ChunkOverlap int      `json:"chunkOverlap" validate:"gt=0,ltfield=ChunkSize"`
	PDFToText    string   `json:"pdfToText"`
}

type IndexConfig struct {
	Dir        string  `json:"dir" validate:"required"`
	Collection string  `json:"collection" validate:"required"`
	BatchSize  int     `json:"batchSize" validate:"gt=0"`
	RatePerSec float64 `json:"ratePerSecond" validate:"gte=0"` // 0 = unlimited
}

type EmbeddingConfig struct {
	Provider string `json:"provider" validate:"oneof=openai ollama gemini"`
	Model    string `json:"model" validate:"required"`
}

type RetrievalConfig struct {
	K int `json:"k" validate:"gt=0"`
}

type CompletionConfig struct {
	Provider       string   `json:"provider" validate:"required"`
	Model          string   `json:"model,omitempty"`
	Temperature    float64  `json:"temperature" validate:"gte=0,lte=2"`
	MaxTokens      int      `json:"maxTokens,omitempty" validate:"gte=0"`
	TimeoutSeconds int      `json:"timeoutSeconds" validate:"gt=0"`
	MaxRetries     int      `json:"maxRetries" validate:"gte=0,lte=10"`
	FailoverChain  []string `json:"failoverChain,omitempty"`
}

type HistoryConfig struct {
	Backend        string `json:"backend" validate:"oneof=memory sqlite redis"`
	Window         int    `json:"window" validate:"gt=0"`
	MaxStoredTurns int    `json:"maxStoredTurns" validate:"gte=0"` // 0 = unbounded
	RecordFailures bool   `json:"recordFailures"`
	RedisURL       string `json:"redisUrl,omitempty"`
	TTLHours       int    `json:"ttlHours,omitempty" validate:"gte=0"`
}

type ChatLogConfig struct {
	Driver      string `json:"driver" validate:"oneof=none sqlite postgres"`
	DBPath      string `json:"dbPath,omitempty"`
	DatabaseURL string `json:"databaseUrl,omitempty"`
	QueueSize   int    `json:"queueSize" validate:"gt=0"`
}

type ServerConfig struct {
	Host           string   `json:"host"`
	Port           int      `json:"port" validate:"gte=0,lte=65535"`
	AllowedOrigins []string `json:"allowedOrigins,omitempty"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	Webhook  WebhookConfig  `json:"webhook"`
	API      APIConfig      `json:"api"`
}

type TelegramConfig struct {
	Enabled       bool   `json:"enabled"`
	Token         string `json:"token"`
	WebhookSecret string `json:"webhookSecret"`
	PublicURL     string `json:"publicUrl,omitempty"`
	Path          string `json:"path"`
}

type WebhookConfig struct {
	Enabled bool   `json:"enabled"`
	Secret  string `json:"secret,omitempty"`
	Path    string `json:"path"`
}

// APIConfig configures the OpenAI-compatible /v1 endpoint.
type APIConfig struct {
	Enabled bool   `json:"enabled"`
	APIKey  string `json:"apiKey,omitempty"`
}

// MetricsConfig configures the Prometheus text endpoint.
type MetricsConfig struct {
	Enabled  bool   `json:"enabled"`
	Endpoint string `json:"endpoint"`
}

// DefaultConfigDir returns the default config directory (~/.rulebot).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".rulebot"
	}
	return filepath.Join(home, ".rulebot")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

// Load builds the effective configuration: defaults, then the JSON file at path
// (skipped when path is empty), then environment overrides. A .env file in the
// working directory is loaded first and never overrides variables already set.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Defaults()
	if path != "" {
		path = ExpandPath(path)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
		}

		// Substitute environment variables: ${VAR} and ${VAR:-default}
		data = []byte(ExpandEnvVars(string(data)))

		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	cfg.Documents.Dir = ExpandPath(cfg.Documents.Dir)
	cfg.Index.Dir = ExpandPath(cfg.Index.Dir)
	cfg.ChatLog.DBPath = ExpandPath(cfg.ChatLog.DBPath)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.General.PromptFile = ExpandPath(cfg.General.PromptFile)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		hasDefault := len(groups) >= 3 && groups[2] != ""

		val, exists := os.LookupEnv(groups[1])
		if !exists || val == "" {
			if hasDefault {
				return groups[2]
			}
			return match
		}
		return val
	})
}

// applyEnv overlays the documented environment variables. Unset or empty
// variables leave the current value alone.
func applyEnv(cfg *Config) error {
	var errs []string

	setString := func(name string, dst *string) {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}
	setInt := func(name string, dst *int) {
		if v := os.Getenv(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: not an integer: %q", name, v))
				return
			}
			*dst = n
		}
	}
	setFloat := func(name string, dst *float64) {
		if v := os.Getenv(name); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Sprintf("%s: not a number: %q", name, v))
				return
			}
			*dst = f
		}
	}
	setKey := func(name, provider string) {
		if v := os.Getenv(name); v != "" {
			pc := cfg.Providers[provider]
			pc.APIKey = v
			pc.Enabled = true
			cfg.Providers[provider] = pc
		}
	}

	if cfg.Providers == nil {
		cfg.Providers = map[string]ProviderConfig{}
	}
	setKey("OPENAI_API_KEY", "openai")
	setKey("GEMINI_API_KEY", "gemini")
	setKey("ANTHROPIC_API_KEY", "claude")
	if v := os.Getenv("OLLAMA_HOST"); v != "" {
		pc := cfg.Providers["ollama"]
		pc.APIBase = v
		cfg.Providers["ollama"] = pc
	}

	setString("PDF_DIR", &cfg.Documents.Dir)
	setString("INDEX_DIR", &cfg.Index.Dir)
	setInt("CHUNK_SIZE", &cfg.Documents.ChunkSize)
	setInt("CHUNK_OVERLAP", &cfg.Documents.ChunkOverlap)
	setInt("RETRIEVAL_K", &cfg.Retrieval.K)
	setFloat("TEMPERATURE", &cfg.Completion.Temperature)
	setString("COMPLETION_PROVIDER", &cfg.Completion.Provider)
	setString("COMPLETION_MODEL", &cfg.Completion.Model)
	setString("EMBEDDING_PROVIDER", &cfg.Embedding.Provider)
	setString("EMBEDDING_MODEL", &cfg.Embedding.Model)
	setInt("PORT", &cfg.Server.Port)
	setString("TELEGRAM_BOT_TOKEN", &cfg.Channels.Telegram.Token)
	setString("TELEGRAM_WEBHOOK_SECRET", &cfg.Channels.Telegram.WebhookSecret)
	setString("TELEGRAM_PUBLIC_URL", &cfg.Channels.Telegram.PublicURL)
	if os.Getenv("TELEGRAM_BOT_TOKEN") != "" {
		cfg.Channels.Telegram.Enabled = true
	}
	setString("WEBHOOK_SECRET", &cfg.Channels.Webhook.Secret)
	setString("RULEBOT_API_KEY", &cfg.Channels.API.APIKey)
	if os.Getenv("RULEBOT_API_KEY") != "" {
		cfg.Channels.API.Enabled = true
	}
	if v := os.Getenv("ALLOWED_ORIGINS"); v != "" {
		cfg.Server.AllowedOrigins = strings.Split(v, ",")
	}
	setString("CHATLOG_DRIVER", &cfg.ChatLog.Driver)
	setString("DATABASE_URL", &cfg.ChatLog.DatabaseURL)
	setString("HISTORY_BACKEND", &cfg.History.Backend)
	setString("REDIS_URL", &cfg.History.RedisURL)
	setString("LOG_LEVEL", &cfg.General.LogLevel)

	if len(errs) > 0 {
		return fmt.Errorf("environment overrides:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o644)
}

var validate = validator.New()

// Validate checks that the config has valid values. Struct tags cover the
// per-field ranges; the cross-section rules are checked by hand.
func Validate(cfg *Config) error {
	var errs []string

	if err := validate.Struct(cfg); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		for _, fe := range verrs {
			errs = append(errs, describeFieldError(fe))
		}
	}

	if !knownProvider(cfg.Completion.Provider) {
		errs = append(errs, fmt.Sprintf("completion.provider: unknown provider %q", cfg.Completion.Provider))
	}
	for _, name := range cfg.Completion.FailoverChain {
		if !knownProvider(name) {
			errs = append(errs, fmt.Sprintf("completion.failoverChain references unknown provider: %s", name))
		}
	}
	if cfg.ChatLog.Driver == "postgres" && cfg.ChatLog.DatabaseURL == "" {
		errs = append(errs, "chatLog.databaseUrl is required for the postgres driver")
	}
	if cfg.ChatLog.Driver == "sqlite" && cfg.ChatLog.DBPath == "" {
		errs = append(errs, "chatLog.dbPath is required for the sqlite driver")
	}
	if cfg.History.Backend == "sqlite" && cfg.ChatLog.DBPath == "" {
		errs = append(errs, "history.backend sqlite shares chatLog.dbPath, which is empty")
	}
	if cfg.History.Backend == "redis" && cfg.History.RedisURL == "" {
		errs = append(errs, "history.redisUrl is required for the redis backend")
	}
	if cfg.Channels.Telegram.Enabled {
		if cfg.Channels.Telegram.Token == "" {
			errs = append(errs, "channels.telegram.token is required when telegram is enabled")
		}
		if cfg.Channels.Telegram.WebhookSecret == "" {
			errs = append(errs, "channels.telegram.webhookSecret is required when telegram is enabled")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ProviderNames lists the completion providers the factory can build.
var ProviderNames = []string{"openai", "ollama", "claude", "gemini"}

func knownProvider(name string) bool {
	for _, p := range ProviderNames {
		if p == name {
			return true
		}
	}
	return false
}

func describeFieldError(fe validator.FieldError) string {
	field := fe.Namespace()
	if i := strings.IndexByte(field, '.'); i >= 0 {
		field = field[i+1:]
	}
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, fe.Param())
	case "ltfield":
		return fmt.Sprintf("%s must be less than %s", field, fe.Param())
	case "gt":
		return fmt.Sprintf("%s must be greater than %s", field, fe.Param())
	case "gte":
		return fmt.Sprintf("%s must be >= %s", field, fe.Param())
	case "lte":
		return fmt.Sprintf("%s must be <= %s", field, fe.Param())
	case "min":
		return fmt.Sprintf("%s must have at least %s entries", field, fe.Param())
	default:
		return fmt.Sprintf("%s failed the %q check", field, fe.Tag())
	}
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
