package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/xenobot/pkg/audio/transcode"
	"github.com/MrWong99/xenobot/pkg/provider/llm"
	"github.com/MrWong99/xenobot/pkg/provider/s2s"
)

// ErrProviderNotRegistered is returned by Create* methods when no factory has
// been registered under the requested name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to their constructor functions for each
// provider kind. It is safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	realtime   map[string]func(RealtimeConfig) (s2s.Provider, error)
	chat       map[string]func(ChatConfig) (llm.Provider, error)
	transcoder map[Resampler]func(AudioConfig) (transcode.Transcoder, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		realtime:   make(map[string]func(RealtimeConfig) (s2s.Provider, error)),
		chat:       make(map[string]func(ChatConfig) (llm.Provider, error)),
		transcoder: make(map[Resampler]func(AudioConfig) (transcode.Transcoder, error)),
	}
}

// RegisterRealtime registers a realtime provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterRealtime(name string, factory func(RealtimeConfig) (s2s.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.realtime[name] = factory
}

// RegisterChat registers a chat provider factory under name.
func (r *Registry) RegisterChat(name string, factory func(ChatConfig) (llm.Provider, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chat[name] = factory
}

// RegisterTranscoder registers a transcoder factory for a resampler kind.
func (r *Registry) RegisterTranscoder(kind Resampler, factory func(AudioConfig) (transcode.Transcoder, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transcoder[kind] = factory
}

// CreateRealtime instantiates the provider registered under cfg.Provider.
// Returns [ErrProviderNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateRealtime(cfg RealtimeConfig) (s2s.Provider, error) {
	r.mu.RLock()
	factory, ok := r.realtime[cfg.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: realtime/%q", ErrProviderNotRegistered, cfg.Provider)
	}
	return factory(cfg)
}

// CreateChat instantiates the provider registered under cfg.Provider.
func (r *Registry) CreateChat(cfg ChatConfig) (llm.Provider, error) {
	r.mu.RLock()
	factory, ok := r.chat[cfg.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: chat/%q", ErrProviderNotRegistered, cfg.Provider)
	}
	return factory(cfg)
}

// CreateTranscoder instantiates the transcoder registered for cfg.Resampler.
func (r *Registry) CreateTranscoder(cfg AudioConfig) (transcode.Transcoder, error) {
	r.mu.RLock()
	factory, ok := r.transcoder[cfg.Resampler]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: transcoder/%q", ErrProviderNotRegistered, cfg.Resampler)
	}
	return factory(cfg)
}
