package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"

	"github.com/zhouzirui/haven/backend/internal/llm"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server ServerConfig
	Log    LogConfig
	AI     AIConfig
	Store  StoreConfig
	Auth   AuthConfig
	Chat   ChatConfig
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	addr, err := normalizeAddr(os.Getenv("PORT"))
	if err != nil {
		return nil, err
	}
	cfg.Server.Addr = addr

	if err := cfg.AI.loadSampling(); err != nil {
		return nil, err
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Store.Driver {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("invalid STORE_DRIVER value: %q", c.Store.Driver)
	}
	switch c.AI.Provider {
	case ProviderArk, ProviderGemini, ProviderOpenAI:
	default:
		return fmt.Errorf("invalid AI_PROVIDER value: %q", c.AI.Provider)
	}
	if strings.TrimSpace(c.Auth.JWTSecret) == "" {
		return fmt.Errorf("AUTH_JWT_SECRET is required")
	}
	if c.Chat.HistoryLimit < 1 || c.Chat.IssueLimit < 1 || c.Chat.AnalysisWindow < 1 {
		return fmt.Errorf("chat limits must be positive")
	}
	return nil
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Addr            string
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"10s"`
	AllowedOrigins  []string      `env:"SERVER_ALLOWED_ORIGINS" envSeparator:"," envDefault:"*"`
}

// normalizeAddr 解析服务器监听地址。
func normalizeAddr(port string) (string, error) {
	port = strings.TrimSpace(port)
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return port, nil
	}

	if strings.Contains(port, " ") {
		return "", fmt.Errorf("invalid PORT value: %q", port)
	}

	return ":" + port, nil
}

// LogConfig controls the zap logger.
type LogConfig struct {
	Level       string `env:"LOG_LEVEL" envDefault:"info"`
	Development bool   `env:"LOG_DEVELOPMENT" envDefault:"false"`
}

// Provider names the backing LLM API.
type Provider string

const (
	ProviderArk    Provider = "ark"
	ProviderGemini Provider = "gemini"
	ProviderOpenAI Provider = "openai"
)

// AIConfig 描述大模型相关配置。
type AIConfig struct {
	Provider      Provider `env:"AI_PROVIDER" envDefault:"ark"`
	Model         string   `env:"AI_MODEL"`
	AnalysisModel string   `env:"AI_ANALYSIS_MODEL"`

	APIKey    string `env:"ARK_API_KEY"`
	AccessKey string `env:"ARK_ACCESS_KEY"`
	SecretKey string `env:"ARK_SECRET_KEY"`
	BaseURL   string `env:"ARK_BASE_URL" envDefault:"https://ark.cn-beijing.volces.com/api/v3"`
	Region    string `env:"ARK_REGION" envDefault:"cn-beijing"`

	GeminiAPIKey  string `env:"GEMINI_API_KEY"`
	OpenAIAPIKey  string `env:"OPENAI_API_KEY"`
	OpenAIBaseURL string `env:"OPENAI_BASE_URL"`

	GenerationTimeout time.Duration `env:"AI_GENERATION_TIMEOUT" envDefault:"45s"`
	AnalysisTimeout   time.Duration `env:"AI_ANALYSIS_TIMEOUT" envDefault:"60s"`
	StreamResponse    bool          `env:"AI_STREAM" envDefault:"true"`

	Temperature         *float64
	TopP                *float64
	MaxTokens           *int
	AnalysisTemperature float64 `env:"AI_ANALYSIS_TEMPERATURE" envDefault:"0.3"`
}

func (c *AIConfig) loadSampling() error {
	var err error
	if c.Temperature, err = parseOptionalFloatEnv("AI_TEMPERATURE"); err != nil {
		return err
	}
	if c.TopP, err = parseOptionalFloatEnv("AI_TOP_P"); err != nil {
		return err
	}
	if c.MaxTokens, err = parseOptionalIntEnv("AI_MAX_TOKENS"); err != nil {
		return err
	}
	return nil
}

// Enabled 表示是否提供了必需的密钥。
func (c AIConfig) Enabled() bool {
	switch c.Provider {
	case ProviderGemini:
		return c.GeminiAPIKey != ""
	case ProviderOpenAI:
		return c.OpenAIAPIKey != ""
	default:
		return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
	}
}

// NewChatModel 使用配置创建回复生成所用的模型实例。
func (c AIConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	return c.newModel(ctx, c.Model, toFloat32(c.Temperature), false)
}

// NewAnalysisModel creates the model used for structured issue analysis:
// low temperature, JSON output where the provider supports it.
func (c AIConfig) NewAnalysisModel(ctx context.Context) (model.ChatModel, error) {
	name := c.AnalysisModel
	if name == "" {
		name = c.Model
	}
	temperature := float32(c.AnalysisTemperature)
	return c.newModel(ctx, name, &temperature, true)
}

func (c AIConfig) newModel(ctx context.Context, modelName string, temperature *float32, jsonOutput bool) (model.ChatModel, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("%s 凭证或模型配置缺失", c.Provider)
	}

	switch c.Provider {
	case ProviderGemini:
		gemini, err := llm.NewGemini(ctx, llm.GeminiConfig{
			APIKey:      c.GeminiAPIKey,
			Model:       modelName,
			Temperature: temperature,
			JSONOutput:  jsonOutput,
		})
		if err != nil {
			return nil, err
		}
		return gemini, nil
	case ProviderOpenAI:
		oa, err := llm.NewOpenAI(llm.OpenAIConfig{
			APIKey:      c.OpenAIAPIKey,
			BaseURL:     c.OpenAIBaseURL,
			Model:       modelName,
			Temperature: temperature,
			MaxTokens:   c.MaxTokens,
			JSONOutput:  jsonOutput,
		})
		if err != nil {
			return nil, err
		}
		return oa, nil
	}

	var maxTokens *int
	if c.MaxTokens != nil {
		val := *c.MaxTokens
		maxTokens = &val
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       modelName,
		MaxTokens:   maxTokens,
		Temperature: temperature,
		TopP:        toFloat32(c.TopP),
	}

	chatModel, err := ark.NewChatModel(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return chatModel, nil
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Driver string `env:"STORE_DRIVER" envDefault:"sqlite"`
	Path   string `env:"STORE_PATH" envDefault:"data/haven.db"`
}

// AuthConfig 描述鉴权相关配置。
type AuthConfig struct {
	JWTSecret string        `env:"AUTH_JWT_SECRET"`
	Issuer    string        `env:"AUTH_ISSUER" envDefault:"haven"`
	TokenTTL  time.Duration `env:"AUTH_TOKEN_TTL" envDefault:"3h"`
	// PurgeSchedule is a cron spec for dropping expired revocations.
	PurgeSchedule string `env:"AUTH_REVOCATION_PURGE" envDefault:"@every 10m"`
}

// ChatConfig tunes the chat pipeline.
type ChatConfig struct {
	HistoryLimit    int           `env:"CHAT_HISTORY_LIMIT" envDefault:"12"`
	IssueLimit      int           `env:"CHAT_ISSUE_LIMIT" envDefault:"5"`
	AnalysisWindow  int           `env:"CHAT_ANALYSIS_WINDOW" envDefault:"12"`
	MessageRate     float64       `env:"CHAT_MESSAGE_RATE" envDefault:"1"`
	MessageBurst    int           `env:"CHAT_MESSAGE_BURST" envDefault:"5"`
	TeardownTimeout time.Duration `env:"CHAT_TEARDOWN_TIMEOUT" envDefault:"90s"`
}

func toFloat32(v *float64) *float32 {
	if v == nil {
		return nil
	}
	val := float32(*v)
	return &val
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
