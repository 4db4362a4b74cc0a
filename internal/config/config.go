package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	DefaultAPIBase              = "https://www.moltbook.com/api/v1"
	DefaultSubmolt              = "introductions"
	DefaultMaxResponsesPerCycle = 3
	DefaultPollIntervalSeconds  = 300
	DefaultRequestTimeout       = 30
	DefaultMaxRetries           = 3
	DefaultRetryInitialMs       = 10000
	DefaultPauseBetweenPostsMs  = 5000
	DefaultProtocolFile         = "MAIP.md"

	DefaultGeneratorType    = GeneratorAgentSDK
	DefaultModel            = "claude-sonnet-4-5-20250929"
	DefaultMaxTokens        = 4096
	DefaultGeneratorTimeout = 180
	DefaultCLICommand       = "claude"

	DefaultMetricsAddr = "127.0.0.1:9464"
	DefaultLogLevel    = "info"
)

// Generator backends.
const (
	GeneratorAgentSDK = "agentsdk"
	GeneratorOpenAI   = "openai"
	GeneratorCLI      = "cli"
)

type Config struct {
	Platform  PlatformConfig  `json:"platform"`
	Daemon    DaemonConfig    `json:"daemon"`
	Generator GeneratorConfig `json:"generator"`
	Storage   StorageConfig   `json:"storage"`
	Notify    NotifyConfig    `json:"notify"`
	Metrics   MetricsConfig   `json:"metrics"`
	Log       LogConfig       `json:"log"`
}

type PlatformConfig struct {
	APIBase   string `json:"apiBase"`
	APIKey    string `json:"apiKey"`
	AgentName string `json:"agentName"`
	Submolt   string `json:"submolt"`
}

type DaemonConfig struct {
	MaxResponsesPerCycle int    `json:"maxResponsesPerCycle"`
	PollIntervalSeconds  int    `json:"pollIntervalSeconds"`
	RequestTimeout       int    `json:"requestTimeout"`
	MaxRetries           int    `json:"maxRetries"`
	RetryInitialMs       int    `json:"retryInitialMs"`
	PauseBetweenPostsMs  int    `json:"pauseBetweenPostsMs"`
	ProtocolFooter       string `json:"protocolFooter,omitempty"`
	ProtocolFile         string `json:"protocolFile,omitempty"`
}

type GeneratorConfig struct {
	Type           string `json:"type"` // "agentsdk" (default), "openai" or "cli"
	Provider       string `json:"provider,omitempty"`
	Model          string `json:"model"`
	APIKey         string `json:"apiKey,omitempty"`
	BaseURL        string `json:"baseUrl,omitempty"`
	MaxTokens      int    `json:"maxTokens"`
	TimeoutSeconds int    `json:"timeoutSeconds"`
	Command        string `json:"command,omitempty"`
	WorkDir        string `json:"workDir,omitempty"`
}

type StorageConfig struct {
	DBPath string `json:"dbPath,omitempty"`
}

type NotifyConfig struct {
	Console  bool           `json:"console"`
	Telegram TelegramConfig `json:"telegram"`
}

type TelegramConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"`
	ChatID  int64  `json:"chatId"`
	Proxy   string `json:"proxy,omitempty"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
}

type LogConfig struct {
	Level string `json:"level"`
	File  string `json:"file,omitempty"`
}

func DefaultConfig() *Config {
	return &Config{
		Platform: PlatformConfig{
			APIBase: DefaultAPIBase,
			Submolt: DefaultSubmolt,
		},
		Daemon: DaemonConfig{
			MaxResponsesPerCycle: DefaultMaxResponsesPerCycle,
			PollIntervalSeconds:  DefaultPollIntervalSeconds,
			RequestTimeout:       DefaultRequestTimeout,
			MaxRetries:           DefaultMaxRetries,
			RetryInitialMs:       DefaultRetryInitialMs,
			PauseBetweenPostsMs:  DefaultPauseBetweenPostsMs,
			ProtocolFile:         DefaultProtocolFile,
		},
		Generator: GeneratorConfig{
			Type:           DefaultGeneratorType,
			Model:          DefaultModel,
			MaxTokens:      DefaultMaxTokens,
			TimeoutSeconds: DefaultGeneratorTimeout,
			Command:        DefaultCLICommand,
		},
		Notify: NotifyConfig{
			Console: true,
		},
		Metrics: MetricsConfig{
			Addr: DefaultMetricsAddr,
		},
		Log: LogConfig{
			Level: DefaultLogLevel,
		},
	}
}

// ConfigDir is ~/.moltclaw unless MOLTCLAW_HOME points elsewhere.
func ConfigDir() string {
	if dir := os.Getenv("MOLTCLAW_HOME"); dir != "" {
		return dir
	}
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".moltclaw")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

func DataDir() string {
	return filepath.Join(ConfigDir(), "data")
}

func LoadConfig() (*Config, error) {
	_ = godotenv.Load()

	cfg := DefaultConfig()

	data, err := os.ReadFile(ConfigPath())
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnv(cfg)
	cfg.fillDefaults()
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if key := os.Getenv("MOLTCLAW_API_KEY"); key != "" {
		cfg.Platform.APIKey = key
	}
	if base := os.Getenv("MOLTCLAW_API_BASE"); base != "" {
		cfg.Platform.APIBase = base
	}
	if name := os.Getenv("MOLTCLAW_AGENT_NAME"); name != "" {
		cfg.Platform.AgentName = name
	}
	if submolt := os.Getenv("MOLTCLAW_SUBMOLT"); submolt != "" {
		cfg.Platform.Submolt = submolt
	}

	if typ := os.Getenv("MOLTCLAW_GENERATOR"); typ != "" {
		cfg.Generator.Type = typ
	}
	if model := os.Getenv("MOLTCLAW_MODEL"); model != "" {
		cfg.Generator.Model = model
	}
	if key := os.Getenv("MOLTCLAW_GENERATOR_API_KEY"); key != "" {
		cfg.Generator.APIKey = key
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" && cfg.Generator.APIKey == "" {
		cfg.Generator.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.Generator.APIKey == "" {
		cfg.Generator.APIKey = key
		if cfg.Generator.Provider == "" {
			cfg.Generator.Provider = "openai"
		}
	}
	if url := os.Getenv("MOLTCLAW_GENERATOR_BASE_URL"); url != "" {
		cfg.Generator.BaseURL = url
	}

	if token := os.Getenv("MOLTCLAW_TELEGRAM_TOKEN"); token != "" {
		cfg.Notify.Telegram.Token = token
	}
	if chatID := os.Getenv("MOLTCLAW_TELEGRAM_CHAT_ID"); chatID != "" {
		if parsed, err := strconv.ParseInt(chatID, 10, 64); err == nil {
			cfg.Notify.Telegram.ChatID = parsed
		}
	}

	if dbPath := os.Getenv("MOLTCLAW_DB_PATH"); dbPath != "" {
		cfg.Storage.DBPath = dbPath
	}
	if level := os.Getenv("MOLTCLAW_LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}

	envInt("MOLTCLAW_MAX_RESPONSES", &cfg.Daemon.MaxResponsesPerCycle)
	envInt("MOLTCLAW_POLL_INTERVAL", &cfg.Daemon.PollIntervalSeconds)
	envInt("MOLTCLAW_REQUEST_TIMEOUT", &cfg.Daemon.RequestTimeout)
	envInt("MOLTCLAW_MAX_RETRIES", &cfg.Daemon.MaxRetries)
}

func envInt(key string, dst *int) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if parsed, err := strconv.Atoi(v); err == nil {
		*dst = parsed
	}
}

func (c *Config) fillDefaults() {
	if c.Platform.APIBase == "" {
		c.Platform.APIBase = DefaultAPIBase
	}
	c.Platform.APIBase = strings.TrimRight(c.Platform.APIBase, "/")
	if c.Daemon.MaxResponsesPerCycle <= 0 {
		c.Daemon.MaxResponsesPerCycle = DefaultMaxResponsesPerCycle
	}
	if c.Daemon.PollIntervalSeconds <= 0 {
		c.Daemon.PollIntervalSeconds = DefaultPollIntervalSeconds
	}
	if c.Daemon.RequestTimeout <= 0 {
		c.Daemon.RequestTimeout = DefaultRequestTimeout
	}
	if c.Daemon.MaxRetries <= 0 {
		c.Daemon.MaxRetries = DefaultMaxRetries
	}
	if c.Daemon.RetryInitialMs <= 0 {
		c.Daemon.RetryInitialMs = DefaultRetryInitialMs
	}
	if c.Daemon.PauseBetweenPostsMs < 0 {
		c.Daemon.PauseBetweenPostsMs = 0
	}
	if c.Generator.Type == "" {
		c.Generator.Type = DefaultGeneratorType
	}
	if c.Generator.Model == "" {
		c.Generator.Model = DefaultModel
	}
	if c.Generator.MaxTokens <= 0 {
		c.Generator.MaxTokens = DefaultMaxTokens
	}
	if c.Generator.TimeoutSeconds <= 0 {
		c.Generator.TimeoutSeconds = DefaultGeneratorTimeout
	}
	if c.Generator.Command == "" {
		c.Generator.Command = DefaultCLICommand
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = DefaultMetricsAddr
	}
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
}

// Validate reports every missing required setting at once.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Platform.APIKey) == "" {
		errs = append(errs, errors.New("platform.apiKey is required (or set MOLTCLAW_API_KEY)"))
	}
	if strings.TrimSpace(c.Platform.AgentName) == "" {
		errs = append(errs, errors.New("platform.agentName is required (or set MOLTCLAW_AGENT_NAME)"))
	}
	if strings.TrimSpace(c.Platform.Submolt) == "" {
		errs = append(errs, errors.New("platform.submolt is required"))
	}
	switch c.Generator.Type {
	case GeneratorAgentSDK, GeneratorOpenAI:
		if strings.TrimSpace(c.Generator.APIKey) == "" {
			errs = append(errs, fmt.Errorf("generator.apiKey is required for generator type %q", c.Generator.Type))
		}
	case GeneratorCLI:
	default:
		errs = append(errs, fmt.Errorf("unknown generator type %q", c.Generator.Type))
	}
	if c.Notify.Telegram.Enabled {
		if c.Notify.Telegram.Token == "" {
			errs = append(errs, errors.New("notify.telegram.token is required when telegram is enabled"))
		}
		if c.Notify.Telegram.ChatID == 0 {
			errs = append(errs, errors.New("notify.telegram.chatId is required when telegram is enabled"))
		}
	}
	return errors.Join(errs...)
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Daemon.PollIntervalSeconds) * time.Second
}

func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Daemon.RequestTimeout) * time.Second
}

func (c *Config) RetryInitial() time.Duration {
	return time.Duration(c.Daemon.RetryInitialMs) * time.Millisecond
}

func (c *Config) PauseBetweenPosts() time.Duration {
	return time.Duration(c.Daemon.PauseBetweenPostsMs) * time.Millisecond
}

func (c *Config) GeneratorTimeout() time.Duration {
	return time.Duration(c.Generator.TimeoutSeconds) * time.Second
}

// DBPath falls back to data/moltclaw.db under the config dir.
func (c *Config) DBPath() string {
	if p := strings.TrimSpace(c.Storage.DBPath); p != "" {
		return p
	}
	return filepath.Join(DataDir(), "moltclaw.db")
}

// LogFile falls back to data/daemon.log under the config dir.
func (c *Config) LogFile() string {
	if p := strings.TrimSpace(c.Log.File); p != "" {
		return p
	}
	return filepath.Join(DataDir(), "daemon.log")
}

// ProtocolPath resolves relative protocol files against the config dir.
func (c *Config) ProtocolPath() string {
	p := strings.TrimSpace(c.Daemon.ProtocolFile)
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(ConfigDir(), p)
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(ConfigPath(), data, 0600)
}
