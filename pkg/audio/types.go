package audio

import (
	"fmt"
	"time"
)

// AudioFrame is one chunk of 16-bit little-endian PCM moving through the relay.
type AudioFrame struct {
	// Data holds interleaved int16 samples.
	Data []byte

	// SampleRate in Hz (48000 for the voice channel, 24000 for the realtime API).
	SampleRate int

	// Channels: 1 for mono, 2 for stereo.
	Channels int

	// Timestamp marks when this frame was captured, relative to utterance start.
	Timestamp time.Duration
}

// Format returns the frame's PCM format.
func (f AudioFrame) Format() Format {
	return Format{SampleRate: f.SampleRate, Channels: f.Channels}
}

// Format describes the sample rate and channel count of a 16-bit PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

// Common formats on both sides of the relay.
var (
	// DiscordFormat is what the Opus codec on the voice channel produces and consumes.
	DiscordFormat = Format{SampleRate: 48000, Channels: 2}

	// RealtimeFormat is the pcm16 format expected by the realtime speech API.
	RealtimeFormat = Format{SampleRate: 24000, Channels: 1}
)

// FrameBytes returns the size in bytes of one sample frame (all channels).
func (f Format) FrameBytes() int {
	return 2 * f.Channels
}

// BytesPerSecond returns the byte rate of the format.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.FrameBytes()
}

// Duration returns the playback duration of n bytes in this format.
func (f Format) Duration(n int) time.Duration {
	bps := f.BytesPerSecond()
	if bps == 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(bps))
}

// BytesFor returns the number of bytes covering d, rounded down to a whole frame.
func (f Format) BytesFor(d time.Duration) int {
	frames := int64(d) * int64(f.SampleRate) / int64(time.Second)
	return int(frames) * f.FrameBytes()
}

// Valid reports whether the format can be handled by the converters in this package.
func (f Format) Valid() bool {
	return f.SampleRate > 0 && (f.Channels == 1 || f.Channels == 2)
}

// String returns e.g. "48000Hz stereo".
func (f Format) String() string {
	ch := "mono"
	if f.Channels == 2 {
		ch = "stereo"
	} else if f.Channels > 2 {
		ch = fmt.Sprintf("%dch", f.Channels)
	}
	return fmt.Sprintf("%dHz %s", f.SampleRate, ch)
}
