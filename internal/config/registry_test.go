package config_test

import (
	"errors"
	"testing"

	"github.com/MrWong99/xenobot/internal/config"
	"github.com/MrWong99/xenobot/pkg/audio/transcode"
	"github.com/MrWong99/xenobot/pkg/provider/llm"
	llmmock "github.com/MrWong99/xenobot/pkg/provider/llm/mock"
	"github.com/MrWong99/xenobot/pkg/provider/s2s"
	s2smock "github.com/MrWong99/xenobot/pkg/provider/s2s/mock"
)

func TestRegistry_CreateRegistered(t *testing.T) {
	t.Parallel()
	r := config.NewRegistry()

	var gotRealtime config.RealtimeConfig
	r.RegisterRealtime("openai", func(c config.RealtimeConfig) (s2s.Provider, error) {
		gotRealtime = c
		return &s2smock.Provider{}, nil
	})
	r.RegisterChat("openai", func(config.ChatConfig) (llm.Provider, error) {
		return &llmmock.Provider{}, nil
	})
	r.RegisterTranscoder(config.ResamplerLinear, func(config.AudioConfig) (transcode.Transcoder, error) {
		return transcode.Linear{}, nil
	})

	if _, err := r.CreateRealtime(config.RealtimeConfig{Provider: "openai", Voice: "echo"}); err != nil {
		t.Fatalf("CreateRealtime: %v", err)
	}
	if gotRealtime.Voice != "echo" {
		t.Errorf("factory received %+v", gotRealtime)
	}
	if _, err := r.CreateChat(config.ChatConfig{Provider: "openai"}); err != nil {
		t.Fatalf("CreateChat: %v", err)
	}
	if _, err := r.CreateTranscoder(config.AudioConfig{Resampler: config.ResamplerLinear}); err != nil {
		t.Fatalf("CreateTranscoder: %v", err)
	}
}

func TestRegistry_NotRegistered(t *testing.T) {
	t.Parallel()
	r := config.NewRegistry()

	if _, err := r.CreateRealtime(config.RealtimeConfig{Provider: "gemini"}); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateRealtime = %v, want ErrProviderNotRegistered", err)
	}
	if _, err := r.CreateChat(config.ChatConfig{Provider: "x"}); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateChat = %v, want ErrProviderNotRegistered", err)
	}
	if _, err := r.CreateTranscoder(config.AudioConfig{Resampler: config.ResamplerFFmpeg}); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("CreateTranscoder = %v, want ErrProviderNotRegistered", err)
	}
}

func TestRegistry_FactoryError(t *testing.T) {
	t.Parallel()
	r := config.NewRegistry()
	boom := errors.New("boom")
	r.RegisterChat("openai", func(config.ChatConfig) (llm.Provider, error) { return nil, boom })

	if _, err := r.CreateChat(config.ChatConfig{Provider: "openai"}); !errors.Is(err, boom) {
		t.Errorf("CreateChat = %v, want factory error", err)
	}
}
