// Package config loads the daemon configuration from a JSON or YAML file,
// .env and VOX_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"

	"voxmind/internal/safety"
)

const (
	DefaultPath = "configs/config.json"
	EnvPrefix   = "VOX"
)

var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	General    GeneralConfig    `mapstructure:"general"`
	Audio      AudioConfig      `mapstructure:"audio"`
	Memory     MemoryConfig     `mapstructure:"memory"`
	LLM        LLMConfig        `mapstructure:"llm"`
	Safety     SafetyConfig     `mapstructure:"safety"`
	Visualizer VisualizerConfig `mapstructure:"visualizer"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	IPC        IPCConfig        `mapstructure:"ipc"`
}

type GeneralConfig struct {
	Name     string `mapstructure:"name"`
	LogLevel string `mapstructure:"log_level"`
	// Input is "mic", "stdin" or a comma separated list of audio files.
	Input string `mapstructure:"input"`
	// Proxy is a SOCKS5 address for the model endpoints; empty dials directly.
	Proxy string `mapstructure:"proxy"`
}

type AudioConfig struct {
	WakeWord            string        `mapstructure:"wake_word"`
	ConversationTimeout time.Duration `mapstructure:"conversation_timeout"`
	Language            string        `mapstructure:"language"`
	WhisperModel        string        `mapstructure:"whisper_model"`
	BeepFile            string        `mapstructure:"beep_file"`
	Voice               string        `mapstructure:"voice"`
	SpeechRate          int           `mapstructure:"speech_rate"`
	SilenceThreshold    float64       `mapstructure:"silence_threshold"`
	Hangover            time.Duration `mapstructure:"hangover"`
	MaxUtterance        time.Duration `mapstructure:"max_utterance"`
	Duck                bool          `mapstructure:"duck"`
	DuckFactor          float64       `mapstructure:"duck_factor"`
	DuckFloor           int           `mapstructure:"duck_floor"`
}

type MemoryConfig struct {
	DatabasePath        string  `mapstructure:"database_path"`
	SimilarityThreshold float64 `mapstructure:"similarity_threshold"`
	MaxMemories         int     `mapstructure:"max_memories"`
	// Embedding is "hash" (offline) or "openai" (the llm endpoint).
	Embedding       string `mapstructure:"embedding"`
	EmbeddingModel  string `mapstructure:"embedding_model"`
	EmbeddingDims   int    `mapstructure:"embedding_dims"`
	CleanupSchedule string `mapstructure:"cleanup_schedule"`
	CleanupDays     int    `mapstructure:"cleanup_days"`
}

type LLMConfig struct {
	BaseURL       string        `mapstructure:"base_url"`
	APIKey        string        `mapstructure:"api_key"`
	Model         string        `mapstructure:"model"`
	Temperature   float64       `mapstructure:"temperature"`
	MaxTokens     int           `mapstructure:"max_tokens"`
	ContextWindow int           `mapstructure:"context_window"`
	Timeout       time.Duration `mapstructure:"timeout"`
	Retries       int           `mapstructure:"retries"`
	SystemPrompt  string        `mapstructure:"system_prompt"`
	// Required makes an unreachable backend a startup error.
	Required bool `mapstructure:"required"`
}

type SafetyConfig struct {
	Level               string `mapstructure:"level"`
	RequireConfirmation bool   `mapstructure:"require_confirmation"`
	LogActions          bool   `mapstructure:"log_actions"`
	AuditFile           string `mapstructure:"audit_file"`
	// SafeDirs maps spoken locations ("documents") to listable directories.
	SafeDirs map[string]string `mapstructure:"safe_dirs"`
	Rules    safety.Rules      `mapstructure:"rules"`
}

type VisualizerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

type IPCConfig struct {
	Socket string `mapstructure:"socket"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("general.name", "Assistant")
	v.SetDefault("general.log_level", "info")
	v.SetDefault("general.input", "mic")
	v.SetDefault("general.proxy", "")

	v.SetDefault("audio.wake_word", "assistant")
	v.SetDefault("audio.conversation_timeout", 30*time.Second)
	v.SetDefault("audio.language", "en")
	v.SetDefault("audio.whisper_model", "models/ggml-base.en.bin")
	v.SetDefault("audio.beep_file", "")
	v.SetDefault("audio.voice", "en")
	v.SetDefault("audio.speech_rate", 0)
	v.SetDefault("audio.silence_threshold", 0.015)
	v.SetDefault("audio.hangover", 600*time.Millisecond)
	v.SetDefault("audio.max_utterance", 10*time.Second)
	v.SetDefault("audio.duck", false)
	v.SetDefault("audio.duck_factor", 0.3)
	v.SetDefault("audio.duck_floor", 10)

	v.SetDefault("memory.database_path", "data/memory.db")
	v.SetDefault("memory.similarity_threshold", 0.7)
	v.SetDefault("memory.max_memories", 5)
	v.SetDefault("memory.embedding", "hash")
	v.SetDefault("memory.embedding_model", "all-minilm")
	v.SetDefault("memory.embedding_dims", 384)
	v.SetDefault("memory.cleanup_schedule", "0 3 * * *")
	v.SetDefault("memory.cleanup_days", 30)

	v.SetDefault("llm.base_url", "http://localhost:11434/v1/")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.model", "llama3.2")
	v.SetDefault("llm.temperature", 0.7)
	v.SetDefault("llm.max_tokens", 512)
	v.SetDefault("llm.context_window", 4096)
	v.SetDefault("llm.timeout", 30*time.Second)
	v.SetDefault("llm.retries", 2)
	v.SetDefault("llm.system_prompt", "")
	v.SetDefault("llm.required", false)

	v.SetDefault("safety.level", "safer")
	v.SetDefault("safety.require_confirmation", false)
	v.SetDefault("safety.log_actions", true)
	v.SetDefault("safety.audit_file", "")

	v.SetDefault("visualizer.enabled", true)
	v.SetDefault("visualizer.addr", "127.0.0.1:8765")

	v.SetDefault("metrics.addr", "")

	v.SetDefault("ipc.socket", "/tmp/vox.sock")
}

// Load reads path (JSON or YAML by extension), then envFile, then the
// environment. A missing file at DefaultPath is not an error; defaults are
// used instead.
func Load(path, envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("llm.api_key", EnvPrefix+"_LLM_API_KEY", "OPENAI_API_KEY"); err != nil {
		return nil, err
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			_, statErr := os.Stat(path)
			if !(path == DefaultPath && errors.Is(statErr, fs.ErrNotExist)) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Safety.Rules = cfg.Safety.Rules.Merge(safety.DefaultRules())

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Tier parses the configured safety level.
func (c *Config) Tier() (safety.Tier, error) {
	return safety.ParseTier(c.Safety.Level)
}

// Inputs splits General.Input when it lists audio files.
func (c *Config) Inputs() []string {
	var out []string
	for _, p := range strings.Split(c.General.Input, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	a := c.Audio
	check(strings.TrimSpace(a.WakeWord) != "", "audio.wake_word is empty")
	check(a.ConversationTimeout > 0, "audio.conversation_timeout must be positive, got %s", a.ConversationTimeout)
	check(a.DuckFactor >= 0 && a.DuckFactor <= 1, "audio.duck_factor must be in [0, 1], got %v", a.DuckFactor)

	m := c.Memory
	check(m.DatabasePath != "", "memory.database_path is empty")
	check(m.SimilarityThreshold >= 0 && m.SimilarityThreshold <= 1,
		"memory.similarity_threshold must be in [0, 1], got %v", m.SimilarityThreshold)
	check(m.MaxMemories > 0, "memory.max_memories must be positive, got %d", m.MaxMemories)
	check(m.Embedding == "hash" || m.Embedding == "openai",
		"memory.embedding must be hash or openai, got %q", m.Embedding)
	check(m.EmbeddingDims > 0, "memory.embedding_dims must be positive, got %d", m.EmbeddingDims)
	if m.CleanupSchedule != "" {
		_, err := cron.ParseStandard(m.CleanupSchedule)
		check(err == nil, "memory.cleanup_schedule %q: %v", m.CleanupSchedule, err)
		check(m.CleanupDays > 0, "memory.cleanup_days must be positive, got %d", m.CleanupDays)
	}

	l := c.LLM
	check(l.BaseURL != "", "llm.base_url is empty")
	check(l.Model != "", "llm.model is empty")
	check(l.Temperature >= 0 && l.Temperature <= 2, "llm.temperature must be in [0, 2], got %v", l.Temperature)
	check(l.MaxTokens > 0, "llm.max_tokens must be positive, got %d", l.MaxTokens)
	check(l.ContextWindow > l.MaxTokens,
		"llm.context_window (%d) must exceed llm.max_tokens (%d)", l.ContextWindow, l.MaxTokens)
	check(l.Timeout > 0, "llm.timeout must be positive, got %s", l.Timeout)
	check(l.Retries >= 0, "llm.retries must not be negative, got %d", l.Retries)

	_, err := c.Tier()
	check(err == nil, "safety.level: %v", err)
	for name := range c.Safety.Rules.Tiers {
		t, err := safety.ParseTier(name)
		check(err == nil && t.String() == name, "safety.rules.tiers: unknown level %q", name)
	}

	check(c.IPC.Socket != "", "ipc.socket is empty")

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}
