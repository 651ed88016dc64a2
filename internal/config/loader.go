package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// Environment variables that override file values.
const (
	EnvDiscordToken = "DISCORD_BOT_TOKEN"
	EnvOpenAIKey    = "OPENAI_API_KEY"
	EnvOwnerID      = "BOT_OWNER_ID"
)

// LookupFunc reads one environment variable. [os.LookupEnv] satisfies it.
type LookupFunc func(key string) (string, bool)

// LoadOption configures [LoadFromReader].
type LoadOption func(*loadOptions)

type loadOptions struct {
	lookup LookupFunc
}

// WithEnv applies environment overrides read through lookup.
func WithEnv(lookup LookupFunc) LoadOption {
	return func(o *loadOptions) { o.lookup = lookup }
}

// Load reads the YAML configuration file at path, applies defaults and
// process environment overrides and returns a validated [Config].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f, WithEnv(os.LookupEnv))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// FromEnv builds a validated [Config] from defaults and the process
// environment only.
func FromEnv() (*Config, error) {
	return LoadFromReader(strings.NewReader(""), WithEnv(os.LookupEnv))
}

// LoadFromReader decodes a YAML config from r, applies defaults and optional
// environment overrides, and validates the result. An empty document is a
// valid all-defaults config.
func LoadFromReader(r io.Reader, opts ...LoadOption) (*Config, error) {
	var o loadOptions
	for _, opt := range opts {
		opt(&o)
	}

	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if o.lookup != nil {
		ApplyEnv(cfg, o.lookup)
	}
	if cfg.Chat.APIKey == "" {
		cfg.Chat.APIKey = cfg.Realtime.APIKey
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills every unset field with its default.
func ApplyDefaults(cfg *Config) {
	setDefault(&cfg.Server.ListenAddr, DefaultListenAddr)
	setDefault(&cfg.Server.LogLevel, LogInfo)

	setDefault(&cfg.Realtime.Provider, DefaultProvider)
	setDefault(&cfg.Realtime.BaseURL, DefaultRealtimeURL)
	setDefault(&cfg.Realtime.Model, DefaultRealtimeModel)
	setDefault(&cfg.Realtime.Voice, DefaultVoice)
	setDefault(&cfg.Realtime.Instructions, DefaultInstructions)
	setDefault(&cfg.Realtime.ConnectTimeoutMS, DefaultSessionTimeoutMS)

	setDefault(&cfg.Chat.Provider, DefaultProvider)
	setDefault(&cfg.Chat.Model, DefaultChatModel)
	setDefault(&cfg.Chat.History, DefaultChatHistory)
	setDefault(&cfg.Chat.Temperature, DefaultChatTemperature)
	setDefault(&cfg.Chat.MaxTokens, DefaultChatMaxTokens)

	setDefault(&cfg.Audio.Resampler, ResamplerFFmpeg)
	setDefault(&cfg.Audio.FFmpegPath, DefaultFFmpegPath)
	setDefault(&cfg.Audio.SilenceMS, DefaultSilenceMS)
	setDefault(&cfg.Audio.MinUtteranceMS, DefaultMinUtteranceMS)
}

func setDefault[T comparable](field *T, def T) {
	var zero T
	if *field == zero {
		*field = def
	}
}

// ApplyEnv overrides secrets and the owner ID from the environment. Empty
// variables are ignored.
func ApplyEnv(cfg *Config, lookup LookupFunc) {
	override := func(field *string, key string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*field = strings.TrimSpace(v)
		}
	}
	override(&cfg.Discord.Token, EnvDiscordToken)
	override(&cfg.Realtime.APIKey, EnvOpenAIKey)
	override(&cfg.Discord.OwnerID, EnvOwnerID)
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.TraceSampleRatio < 0 || cfg.Server.TraceSampleRatio > 1 {
		errs = append(errs, fmt.Errorf("server.trace_sample_ratio %.2f is out of range [0, 1]", cfg.Server.TraceSampleRatio))
	}

	// Discord
	if cfg.Discord.Token == "" {
		errs = append(errs, fmt.Errorf("discord.token is required (or set %s)", EnvDiscordToken))
	}
	if cfg.Discord.OwnerID == "" {
		slog.Warn("config: discord.owner_id is empty; /experiments will be unavailable")
	}

	// Realtime
	if cfg.Realtime.APIKey == "" {
		errs = append(errs, fmt.Errorf("realtime.api_key is required (or set %s)", EnvOpenAIKey))
	}
	if !strings.HasPrefix(cfg.Realtime.BaseURL, "ws://") && !strings.HasPrefix(cfg.Realtime.BaseURL, "wss://") {
		errs = append(errs, fmt.Errorf("realtime.base_url %q must use ws:// or wss://", cfg.Realtime.BaseURL))
	}
	if cfg.Realtime.ConnectTimeoutMS < 0 {
		errs = append(errs, fmt.Errorf("realtime.connect_timeout_ms %d must not be negative", cfg.Realtime.ConnectTimeoutMS))
	}
	validateProviderName("realtime", cfg.Realtime.Provider)

	// Chat
	if cfg.Chat.History < 1 {
		errs = append(errs, fmt.Errorf("chat.history %d must be at least 1", cfg.Chat.History))
	}
	if cfg.Chat.Temperature < 0 || cfg.Chat.Temperature > 2 {
		errs = append(errs, fmt.Errorf("chat.temperature %.2f is out of range [0, 2]", cfg.Chat.Temperature))
	}
	if cfg.Chat.MaxTokens < 1 {
		errs = append(errs, fmt.Errorf("chat.max_tokens %d must be at least 1", cfg.Chat.MaxTokens))
	}
	validateProviderName("chat", cfg.Chat.Provider)

	// Audio
	if !cfg.Audio.Resampler.IsValid() {
		errs = append(errs, fmt.Errorf("audio.resampler %q is invalid; valid values: ffmpeg, linear", cfg.Audio.Resampler))
	}
	if cfg.Audio.SilenceMS < 0 {
		errs = append(errs, fmt.Errorf("audio.silence_ms %d must not be negative", cfg.Audio.SilenceMS))
	}
	if cfg.Audio.MinUtteranceMS < 0 {
		errs = append(errs, fmt.Errorf("audio.min_utterance_ms %d must not be negative", cfg.Audio.MinUtteranceMS))
	}

	return errors.Join(errs...)
}

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"realtime": {"openai"},
	"chat":     {"openai"},
}

// validateProviderName logs a warning if name is not in the
// [ValidProviderNames] list for kind.
func validateProviderName(kind, name string) {
	known, ok := ValidProviderNames[kind]
	if !ok || slices.Contains(known, name) {
		return
	}
	slog.Warn("config: unknown provider name, it must be registered before use",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
