package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/anyfileflow/flow-assistant/internal/handlers"
	"github.com/anyfileflow/flow-assistant/internal/services"
	"gopkg.in/yaml.v3"
)

const (
	defaultPort        = "8080"
	defaultLogLevel    = "info"
	defaultIdleTimeout = 30 * time.Second
	defaultOllamaHost  = "http://localhost:11434"
	configDirName      = "anyfileflow"
)

type llmConfig interface {
	llm(systemPrompt string, logger *slog.Logger) (handlers.LLM, error)
}

// BaseLLMConfig contains the common fields for all LLM configurations.
type BaseLLMConfig struct {
	Provider string `yaml:"provider"`
}

type config struct {
	Port         string    `yaml:"port"`
	LogLevel     string    `yaml:"logLevel"`
	LogJSON      bool      `yaml:"logJSON"`
	SystemPrompt string    `yaml:"systemPrompt"`
	FeedbackDB   string    `yaml:"feedbackDB"`
	LLM          llmConfig `yaml:"llm"`
}

// functionConfig points at the hosted assistant function that answers with an OpenAI style event stream.
type functionConfig struct {
	BaseLLMConfig `yaml:",inline"`
	Endpoint      string `yaml:"endpoint"`
	APIKey        string `yaml:"apiKey"`

	services.FunctionParameters `yaml:",inline"`
}

type openAIConfig struct {
	BaseLLMConfig `yaml:",inline"`
	Model         string `yaml:"model"`
	APIKey        string `yaml:"apiKey"`
	BaseURL       string `yaml:"baseURL"`

	Parameters services.LLMParameters `yaml:"parameters"`
}

type ollamaConfig struct {
	BaseLLMConfig `yaml:",inline"`
	Model         string `yaml:"model"`
	Host          string `yaml:"host"`
}

func (c *config) UnmarshalYAML(value *yaml.Node) error {
	var rawConfig struct {
		Port         string         `yaml:"port"`
		LogLevel     string         `yaml:"logLevel"`
		LogJSON      bool           `yaml:"logJSON"`
		SystemPrompt string         `yaml:"systemPrompt"`
		FeedbackDB   string         `yaml:"feedbackDB"`
		LLM          map[string]any `yaml:"llm"`
	}

	if err := value.Decode(&rawConfig); err != nil {
		return err
	}

	c.Port = rawConfig.Port
	c.LogLevel = rawConfig.LogLevel
	c.LogJSON = rawConfig.LogJSON
	c.SystemPrompt = rawConfig.SystemPrompt
	c.FeedbackDB = rawConfig.FeedbackDB

	llmProvider, ok := rawConfig.LLM["provider"].(string)
	if !ok {
		return fmt.Errorf("llm provider is required")
	}

	llmRawYAML, err := yaml.Marshal(rawConfig.LLM)
	if err != nil {
		return err
	}

	var llm llmConfig
	switch llmProvider {
	case "function":
		llm = &functionConfig{}
	case "openai":
		llm = &openAIConfig{}
	case "ollama":
		llm = &ollamaConfig{}
	default:
		return fmt.Errorf("unknown llm provider: %s", llmProvider)
	}

	if err := yaml.Unmarshal(llmRawYAML, llm); err != nil {
		return fmt.Errorf("error decoding %s llm config: %w", llmProvider, err)
	}

	c.LLM = llm
	return nil
}

// defaultConfigPath returns the config file under the user config directory.
func defaultConfigPath() (string, error) {
	cfgDir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("error getting user config dir: %w", err)
	}
	return filepath.Join(cfgDir, configDirName, "config.yaml"), nil
}

// loadConfig reads the config file at path, expanding environment variables before decoding.
func loadConfig(path string) (config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return config{}, fmt.Errorf("error reading config file: %w", err)
	}

	var cfg config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &cfg); err != nil {
		return config{}, fmt.Errorf("error decoding config file: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))
	return cfg, nil
}

func (c *config) applyDefaults(dir string) {
	if c.Port == "" {
		c.Port = defaultPort
	}
	if c.LogLevel == "" {
		c.LogLevel = defaultLogLevel
	}
	if c.FeedbackDB == "" {
		c.FeedbackDB = filepath.Join(dir, "feedback.db")
	}
	if f, ok := c.LLM.(*functionConfig); ok && f.IdleTimeout == 0 {
		f.IdleTimeout = defaultIdleTimeout
	}
}

// newLogger builds the process logger from the configured level and format.
func newLogger(level string, json bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	var handler slog.Handler
	if json {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func (f functionConfig) llm(_ string, logger *slog.Logger) (handlers.LLM, error) {
	if f.Endpoint == "" {
		return nil, fmt.Errorf("endpoint is required")
	}

	apiKey := f.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("ASSISTANT_API_KEY")
	}
	return services.NewFunctionClient(f.Endpoint, apiKey, f.FunctionParameters, logger), nil
}

func (o openAIConfig) llm(systemPrompt string, logger *slog.Logger) (handlers.LLM, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	apiKey := o.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("apiKey is required")
	}
	return services.NewOpenAI(apiKey, o.BaseURL, o.Model, systemPrompt, o.Parameters, logger), nil
}

func (o ollamaConfig) llm(systemPrompt string, _ *slog.Logger) (handlers.LLM, error) {
	if o.Model == "" {
		return nil, fmt.Errorf("model is required")
	}

	host := o.Host
	if host == "" {
		host = os.Getenv("OLLAMA_HOST")
	}
	if host == "" {
		host = defaultOllamaHost
	}
	ollama, err := services.NewOllama(host, o.Model, systemPrompt)
	if err != nil {
		return nil, err
	}
	return ollama, nil
}
