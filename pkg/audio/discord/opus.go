package discord

import (
	"bytes"
	"fmt"
	"time"

	"github.com/MrWong99/xenobot/pkg/audio"
	"layeh.com/gopus"
)

// Voice packets carry 20 ms Opus frames of [audio.DiscordFormat].
const (
	frameDuration = 20 * time.Millisecond
	frameSamples  = 960  // per channel
	frameBytes    = 3840 // frameSamples × 2 channels × 2 bytes

	// sendBitrate matches what the Discord client uses for voice.
	sendBitrate = 64000
)

// silenceFrame is what clients send for a few packets after they stop
// talking.
var silenceFrame = []byte{0xF8, 0xFF, 0xFE}

func isSilence(packet []byte) bool { return bytes.Equal(packet, silenceFrame) }

// decoders holds one Opus decoder per SSRC. Decoder state must follow a
// single stream, so decoders are never shared between senders. Only the
// receive loop uses it.
type decoders map[uint32]*gopus.Decoder

// decode converts one packet from ssrc into little-endian PCM in
// [audio.DiscordFormat].
func (d decoders) decode(ssrc uint32, packet []byte) ([]byte, error) {
	dec, ok := d[ssrc]
	if !ok {
		var err error
		dec, err = gopus.NewDecoder(audio.DiscordFormat.SampleRate, audio.DiscordFormat.Channels)
		if err != nil {
			return nil, fmt.Errorf("discord: opus decoder for ssrc %d: %w", ssrc, err)
		}
		d[ssrc] = dec
	}
	pcm, err := dec.Decode(packet, frameSamples, false)
	if err != nil {
		return nil, fmt.Errorf("discord: opus decode: %w", err)
	}
	return audio.Int16sToBytes(pcm), nil
}

// frameEncoder turns frameBytes of PCM into one Opus packet.
type frameEncoder struct {
	enc *gopus.Encoder
}

func newFrameEncoder() (*frameEncoder, error) {
	enc, err := gopus.NewEncoder(audio.DiscordFormat.SampleRate, audio.DiscordFormat.Channels, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("discord: opus encoder: %w", err)
	}
	enc.SetBitrate(sendBitrate)
	return &frameEncoder{enc: enc}, nil
}

// encode expects exactly frameBytes; shorter input must be padded first.
func (e *frameEncoder) encode(pcm []byte) ([]byte, error) {
	if len(pcm) != frameBytes {
		return nil, fmt.Errorf("discord: opus encode: got %d bytes, want %d", len(pcm), frameBytes)
	}
	packet, err := e.enc.Encode(audio.BytesToInt16s(pcm), frameSamples, frameBytes)
	if err != nil {
		return nil, fmt.Errorf("discord: opus encode: %w", err)
	}
	return packet, nil
}
