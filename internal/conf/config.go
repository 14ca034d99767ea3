package conf

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Log       LogConfig                 `mapstructure:"log"`
	Catalog   CatalogConfig             `mapstructure:"catalog"`
	Providers map[string]ProviderConfig `mapstructure:"providers"`
	Embedding EmbeddingConfig           `mapstructure:"embedding"`
}

type LogConfig struct {
	Level            string        `mapstructure:"level"`
	Format           string        `mapstructure:"format"`
	Output           string        `mapstructure:"output"`
	File             FileLogConfig `mapstructure:"file"`
	EnableCaller     bool          `mapstructure:"enablecaller"`
	EnableStacktrace bool          `mapstructure:"enablestacktrace"`
}

type FileLogConfig struct {
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"maxsize"`
	MaxAge     int    `mapstructure:"maxage"`
	MaxBackups int    `mapstructure:"maxbackups"`
	Compress   bool   `mapstructure:"compress"`
}

type CatalogConfig struct {
	ModelsDevURL string        `mapstructure:"models_dev_url"`
	ManifestTTL  time.Duration `mapstructure:"manifest_ttl"`
	ModelsTTL    time.Duration `mapstructure:"models_ttl"`
}

// ProviderConfig 单个厂商的接入配置。
// Type 取值：anthropic、claude-cli、openai-compatible、dynamic。
type ProviderConfig struct {
	Type        string            `mapstructure:"type"`
	APIKey      string            `mapstructure:"api_key"`
	BaseURL     string            `mapstructure:"base_url"`
	Model       string            `mapstructure:"model"`
	ManifestURL string            `mapstructure:"manifest_url"`
	Timeout     time.Duration     `mapstructure:"timeout"`
	MaxTokens   int               `mapstructure:"max_tokens"`
	Temperature *float64          `mapstructure:"temperature"`
	Headers     map[string]string `mapstructure:"headers"`
	Aliases     []string          `mapstructure:"aliases"`
}

type EmbeddingConfig struct {
	APIKey      string `mapstructure:"api_key"`
	BaseURL     string `mapstructure:"base_url"`
	Model       string `mapstructure:"model"`
	Dimension   int    `mapstructure:"dimension"`
	QueryPrefix string `mapstructure:"query_prefix"`
}

func LoadConfig(path string) (*Config, error) {
	viper.SetConfigFile(path)
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &config, nil
}
