package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

// 画風提案のプロバイダー
const (
	ProviderGemini = "gemini"
	ProviderOpenAI = "openai"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	AI      AIConfig      `yaml:"ai"`
	Session SessionConfig `yaml:"session"`
	Logging LoggingConfig `yaml:"logging"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
}

type AIConfig struct {
	SuggestProvider  string        `yaml:"suggest_provider"`
	SuggestTimeout   time.Duration `yaml:"suggest_timeout"`
	SynthesisTimeout time.Duration `yaml:"synthesis_timeout"`
	SuggestCacheTTL  time.Duration `yaml:"suggest_cache_ttl"`
	Gemini           GeminiConfig  `yaml:"gemini"`
	OpenAI           OpenAIConfig  `yaml:"openai"`
}

type GeminiConfig struct {
	APIKey       string  `yaml:"api_key"`
	SuggestModel string  `yaml:"suggest_model"`
	ImageModel   string  `yaml:"image_model"`
	Temperature  float32 `yaml:"temperature"`
}

type OpenAIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

type SessionConfig struct {
	TTL             time.Duration `yaml:"ttl"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default は設定ファイルがない場合にも使える既定値を返します。
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    3 * time.Minute,
			ShutdownTimeout: 30 * time.Second,
			AllowedOrigins:  []string{"*"},
		},
		AI: AIConfig{
			SuggestProvider:  ProviderGemini,
			SuggestTimeout:   60 * time.Second,
			SynthesisTimeout: 2 * time.Minute,
			SuggestCacheTTL:  30 * time.Minute,
			Gemini: GeminiConfig{
				SuggestModel: "gemini-2.5-flash",
				ImageModel:   "gemini-2.5-flash-image",
				Temperature:  0.4,
			},
			OpenAI: OpenAIConfig{
				Model: "gpt-4o-mini",
			},
		},
		Session: SessionConfig{
			TTL:             time.Hour,
			CleanupInterval: 10 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load は既定値の上に YAML ファイルの設定を読み込みます。
// ファイルが無くてもエラーにはせず、環境変数による上書きは常に適用します。
func Load(path string) (*Config, error) {
	// .env があれば読み込む（既存の環境変数は上書きしない）
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv は環境変数で設定を上書きします。
func (c *Config) applyEnv() error {
	if apiKey := firstEnv("GEMINI_API_KEY", "GOOGLE_API_KEY"); apiKey != "" {
		c.AI.Gemini.APIKey = apiKey
	}
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		c.AI.OpenAI.APIKey = apiKey
	}
	if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
		c.AI.OpenAI.BaseURL = baseURL
	}
	if provider := os.Getenv("TOONIFY_SUGGEST_PROVIDER"); provider != "" {
		c.AI.SuggestProvider = provider
	}
	if level := os.Getenv("TOONIFY_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("invalid PORT %q: %w", port, err)
		}
		c.Server.Port = p
	}
	return nil
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

// Validate は起動に必要な設定が揃っているかを確認します。
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be in 1..65535: %d", c.Server.Port))
	}
	if c.AI.Gemini.APIKey == "" {
		errs = append(errs, errors.New("ai.gemini.api_key (or GEMINI_API_KEY) is required"))
	}
	if c.AI.Gemini.ImageModel == "" {
		errs = append(errs, errors.New("ai.gemini.image_model is required"))
	}
	switch strings.ToLower(c.AI.SuggestProvider) {
	case ProviderGemini:
		if c.AI.Gemini.SuggestModel == "" {
			errs = append(errs, errors.New("ai.gemini.suggest_model is required"))
		}
	case ProviderOpenAI:
		if c.AI.OpenAI.APIKey == "" {
			errs = append(errs, errors.New("ai.openai.api_key (or OPENAI_API_KEY) is required when suggest_provider is openai"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown ai.suggest_provider: %q", c.AI.SuggestProvider))
	}
	if c.Session.TTL <= 0 {
		errs = append(errs, errors.New("session.ttl must be positive"))
	}
	return errors.Join(errs...)
}

// Addr は待ち受けアドレスを返します。
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
