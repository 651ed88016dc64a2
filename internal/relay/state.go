package relay

import (
	"errors"
	"fmt"
	"sync"

	"github.com/MrWong99/xenobot/pkg/audio"
	"github.com/MrWong99/xenobot/pkg/provider/s2s"
)

// State is the handle set of one relay session: the voice connection, the
// realtime session and the playback controller feeding the connection's sink.
//
// The session manager owns the State; the [Engine] only borrows the handles
// while it runs. Teardown releases every handle that is still set.
type State struct {
	mu sync.Mutex

	Conn     audio.Connection
	Session  s2s.SessionHandle
	Playback *Playback
}

// Teardown stops playback, closes the realtime session and leaves the voice
// channel. Handles are cleared as they are released, so calling Teardown
// again is a no-op.
func (s *State) Teardown() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	if s.Playback != nil {
		s.Playback.Close()
		s.Playback = nil
	}
	if s.Session != nil {
		if err := s.Session.Close(); err != nil {
			errs = append(errs, fmt.Errorf("relay: close realtime session: %w", err))
		}
		s.Session = nil
	}
	if s.Conn != nil {
		if err := s.Conn.Disconnect(); err != nil {
			errs = append(errs, fmt.Errorf("relay: disconnect voice: %w", err))
		}
		s.Conn = nil
	}
	return errors.Join(errs...)
}

// Released reports whether every handle has been torn down.
func (s *State) Released() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Conn == nil && s.Session == nil && s.Playback == nil
}
