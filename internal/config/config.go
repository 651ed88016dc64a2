// Package config provides the configuration schema, loader, hot-reload watcher
// and provider registry for xenobot.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Resampler selects the audio converter used by the relay.
type Resampler string

const (
	// ResamplerFFmpeg runs one ffmpeg process per stream.
	ResamplerFFmpeg Resampler = "ffmpeg"

	// ResamplerLinear converts in process with linear interpolation.
	ResamplerLinear Resampler = "linear"
)

// IsValid reports whether r is a recognised resampler.
func (r Resampler) IsValid() bool {
	return r == ResamplerFFmpeg || r == ResamplerLinear
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr       = ":8080"
	DefaultProvider         = "openai"
	DefaultRealtimeURL      = "wss://api.openai.com/v1/realtime"
	DefaultRealtimeModel    = "gpt-4o-realtime-preview-2024-10-01"
	DefaultVoice            = "echo"
	DefaultInstructions     = "You are a helpful AI. Respond as instructed."
	DefaultChatModel        = "gpt-4o-mini"
	DefaultChatHistory      = 3
	DefaultChatTemperature  = 0.7
	DefaultChatMaxTokens    = 2000
	DefaultFFmpegPath       = "ffmpeg"
	DefaultSilenceMS        = 500
	DefaultMinUtteranceMS   = 100
	DefaultSessionTimeoutMS = 10000
)

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Discord  DiscordConfig  `yaml:"discord"`
	Realtime RealtimeConfig `yaml:"realtime"`
	Chat     ChatConfig     `yaml:"chat"`
	Audio    AudioConfig    `yaml:"audio"`
}

// ServerConfig holds logging and the health/metrics listener.
type ServerConfig struct {
	// ListenAddr is the TCP address of the health and metrics server.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`

	// TraceSampleRatio is the fraction of new traces recorded. Zero records
	// all of them.
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`
}

// DiscordConfig configures the bot session.
type DiscordConfig struct {
	// Token is the bot token. Overridden by DISCORD_BOT_TOKEN.
	Token string `yaml:"token"`

	// GuildID scopes slash commands to one guild. Empty registers them
	// globally.
	GuildID string `yaml:"guild_id"`

	// OwnerID is the Discord user ID of the bot owner. Overridden by
	// BOT_OWNER_ID.
	OwnerID string `yaml:"owner_id"`

	// VoiceMode is the initial state of the voice experiment toggle.
	// Hot-reloadable.
	VoiceMode bool `yaml:"voice_mode"`
}

// RealtimeConfig configures the speech-to-speech session.
type RealtimeConfig struct {
	// Provider selects the registered realtime provider.
	Provider string `yaml:"provider"`

	// APIKey authenticates the realtime session. Overridden by OPENAI_API_KEY.
	APIKey string `yaml:"api_key"`

	// BaseURL is the realtime WebSocket endpoint.
	BaseURL string `yaml:"base_url"`

	// Model is the realtime model name, sent as a query parameter.
	Model string `yaml:"model"`

	// Voice is the synthesised voice identity.
	Voice string `yaml:"voice"`

	// Instructions is the default persona. Hot-reloadable.
	Instructions string `yaml:"instructions"`

	// ConnectTimeoutMS bounds joining the voice channel and dialling the
	// realtime service.
	ConnectTimeoutMS int `yaml:"connect_timeout_ms"`
}

// ConnectTimeout returns ConnectTimeoutMS as a duration.
func (c RealtimeConfig) ConnectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutMS) * time.Millisecond
}

// ChatConfig configures text replies to mentions.
type ChatConfig struct {
	// Provider selects the registered chat provider.
	Provider string `yaml:"provider"`

	// APIKey defaults to the realtime key.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default endpoint.
	BaseURL string `yaml:"base_url"`

	Model string `yaml:"model"`

	// History is how many of a user's recent messages are sent.
	History int `yaml:"history"`

	// Temperature of 0 selects the default.
	Temperature float64 `yaml:"temperature"`

	MaxTokens int `yaml:"max_tokens"`
}

// AudioConfig configures conversion and utterance detection.
type AudioConfig struct {
	Resampler Resampler `yaml:"resampler"`

	// FFmpegPath is the ffmpeg executable used by [ResamplerFFmpeg].
	FFmpegPath string `yaml:"ffmpeg_path"`

	// SilenceMS is how long a participant must be silent before the
	// utterance ends.
	SilenceMS int `yaml:"silence_ms"`

	// MinUtteranceMS is the shortest utterance sent to the realtime service.
	MinUtteranceMS int `yaml:"min_utterance_ms"`
}

// Silence returns SilenceMS as a duration.
func (a AudioConfig) Silence() time.Duration {
	return time.Duration(a.SilenceMS) * time.Millisecond
}

// MinUtterance returns MinUtteranceMS as a duration.
func (a AudioConfig) MinUtterance() time.Duration {
	return time.Duration(a.MinUtteranceMS) * time.Millisecond
}
