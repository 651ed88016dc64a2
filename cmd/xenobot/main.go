// Command xenobot is a Discord bot that relays voice channel audio to the
// OpenAI Realtime API and plays the spoken replies back into the channel.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/MrWong99/xenobot/internal/app"
	"github.com/MrWong99/xenobot/internal/config"
	discordbot "github.com/MrWong99/xenobot/internal/discord"
	"github.com/MrWong99/xenobot/internal/discord/commands"
	"github.com/MrWong99/xenobot/internal/health"
	"github.com/MrWong99/xenobot/internal/observe"
	"github.com/MrWong99/xenobot/internal/resilience"
	"github.com/MrWong99/xenobot/pkg/audio/transcode"
	"github.com/MrWong99/xenobot/pkg/provider/llm"
	oaichat "github.com/MrWong99/xenobot/pkg/provider/llm/openai"
	"github.com/MrWong99/xenobot/pkg/provider/s2s"
	oais2s "github.com/MrWong99/xenobot/pkg/provider/s2s/openai"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// shutdownTimeout bounds the graceful shutdown after a signal.
const shutdownTimeout = 15 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file (optional)")
	flag.Parse()

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	// ── Load configuration ────────────────────────────────────────────────────
	// The application is assigned below; the watcher only calls back from Run.
	var application *app.App
	cfg, watcher, err := loadConfig(*configPath, func(old, new *config.Config) {
		application.ApplyConfig(old, new)
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "xenobot: %v\n", err)
		return 1
	}
	level.Set(app.LogLevel(cfg.Server.LogLevel))

	slog.Info("xenobot starting",
		"version", version,
		"config", *configPath,
		"hot_reload", watcher != nil,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "xenobot",
		ServiceVersion: version,
		Registerer:     prometheus.DefaultRegisterer,
		SampleRatio:    cfg.Server.TraceSampleRatio,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	metrics, err := observe.NewMetrics(telemetry.MeterProvider)
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	realtime, err := reg.CreateRealtime(cfg.Realtime)
	if err != nil {
		slog.Error("failed to create realtime provider", "err", err)
		return 1
	}
	chatProvider, err := reg.CreateChat(cfg.Chat)
	if err != nil {
		slog.Error("failed to create chat provider", "err", err)
		return 1
	}
	realtime = resilience.NewRealtime(realtime, resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "realtime"}))
	chatProvider = resilience.NewChat(chatProvider, resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "chat"}))

	transcoder, err := reg.CreateTranscoder(cfg.Audio)
	if err != nil {
		slog.Error("failed to create transcoder", "err", err)
		return 1
	}

	// ── Discord bot ───────────────────────────────────────────────────────────
	// The chat reads the persona from the session manager, which needs the
	// bot's platform. Messages arriving before it exists use the configured
	// persona.
	var live atomic.Pointer[app.SessionManager]
	chat := discordbot.NewChat(discordbot.ChatConfig{
		Provider: chatProvider,
		Persona: func() string {
			if sm := live.Load(); sm != nil {
				return sm.Instructions()
			}
			return cfg.Realtime.Instructions
		},
		History:     cfg.Chat.History,
		Temperature: cfg.Chat.Temperature,
		MaxTokens:   cfg.Chat.MaxTokens,
		Metrics:     metrics,
	})

	bot, err := discordbot.New(discordbot.Config{
		Token:          cfg.Discord.Token,
		GuildID:        cfg.Discord.GuildID,
		OwnerID:        cfg.Discord.OwnerID,
		SilenceTimeout: cfg.Audio.Silence(),
		Chat:           chat,
		Metrics:        metrics,
	})
	if err != nil {
		slog.Error("failed to create Discord bot", "err", err)
		return 1
	}

	sessions := app.NewSessionManager(app.SessionManagerConfig{
		Platform:       bot.Platform(),
		Provider:       realtime,
		Transcoder:     transcoder,
		Instructions:   cfg.Realtime.Instructions,
		Voice:          cfg.Realtime.Voice,
		VoiceMode:      cfg.Discord.VoiceMode,
		MinUtterance:   cfg.Audio.MinUtterance(),
		ConnectTimeout: cfg.Realtime.ConnectTimeout(),
		Metrics:        metrics,
	})
	live.Store(sessions)
	commands.NewVoiceCommands(bot, sessions)

	// ── Application ───────────────────────────────────────────────────────────
	opts := []app.Option{
		app.WithLogLevel(level),
		app.WithMetrics(metrics),
		app.WithReadyCheck(health.Checker{Name: "discord", Check: bot.Ready}),
		app.WithService(app.Service{Name: "discord", Run: bot.Run}),
		app.WithCloser(bot.Close),
		app.WithCloser(func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return telemetry.Shutdown(ctx)
		}),
	}
	if watcher != nil {
		opts = append(opts, app.WithWatcher(watcher), app.WithCloser(func() error {
			watcher.Stop()
			return nil
		}))
	}
	application = app.New(cfg, sessions, opts...)

	printStartupSummary(cfg, watcher != nil)
	slog.Info("server ready, press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	slog.Info("stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// loadConfig loads the config file and watches it for changes. Without a
// file the config comes from the environment alone and is not watched.
func loadConfig(path string, onChange func(old, new *config.Config)) (*config.Config, *config.Watcher, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		cfg, err := config.FromEnv()
		if err != nil {
			return nil, nil, fmt.Errorf("config file %q not found and environment is incomplete: %w", path, err)
		}
		return cfg, nil, nil
	}
	w, err := config.NewWatcher(path, onChange)
	if err != nil {
		return nil, nil, err
	}
	return w.Current(), w, nil
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires the built-in provider and transcoder
// factories into reg.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterRealtime("openai", func(c config.RealtimeConfig) (s2s.Provider, error) {
		opts := []oais2s.Option{oais2s.WithModel(c.Model)}
		if c.BaseURL != "" {
			opts = append(opts, oais2s.WithBaseURL(c.BaseURL))
		}
		return oais2s.New(c.APIKey, opts...), nil
	})

	reg.RegisterChat("openai", func(c config.ChatConfig) (llm.Provider, error) {
		var opts []oaichat.Option
		if c.BaseURL != "" {
			opts = append(opts, oaichat.WithBaseURL(c.BaseURL))
		}
		return oaichat.New(c.APIKey, c.Model, opts...)
	})

	reg.RegisterTranscoder(config.ResamplerFFmpeg, func(c config.AudioConfig) (transcode.Transcoder, error) {
		return transcode.NewProcess(transcode.WithCommand(c.FFmpegPath)), nil
	})
	reg.RegisterTranscoder(config.ResamplerLinear, func(config.AudioConfig) (transcode.Transcoder, error) {
		return transcode.Linear{}, nil
	})
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config, hotReload bool) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         xenobot: startup summary      ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Realtime", cfg.Realtime.Provider+" / "+cfg.Realtime.Model)
	printRow("Voice", cfg.Realtime.Voice)
	printRow("Chat", cfg.Chat.Provider+" / "+cfg.Chat.Model)
	printRow("Resampler", string(cfg.Audio.Resampler))
	printRow("Voice mode", onOff(cfg.Discord.VoiceMode))
	if cfg.Discord.GuildID != "" {
		printRow("Guild", cfg.Discord.GuildID)
	} else {
		printRow("Guild", "(all guilds)")
	}
	printRow("Hot reload", onOff(hotReload))
	printRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printRow(label, value string) {
	if len(value) > 22 {
		value = value[:19] + "..."
	}
	fmt.Printf("║  %-11s : %-22s ║\n", label, value)
}

func onOff(b bool) string {
	if b {
		return "enabled"
	}
	return "disabled"
}
