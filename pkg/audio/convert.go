package audio

import (
	"encoding/binary"
	"fmt"
)

// Resampler converts a continuous 16-bit PCM stream between two formats using
// linear interpolation and channel up/down-mixing.
//
// It is stateful: interpolation phase carries across calls, and a trailing
// partial sample frame is buffered until the next call, so arbitrary chunk
// boundaries produce the same output as one large chunk. Create one per
// stream; a Resampler is not safe for concurrent use.
type Resampler struct {
	from, to Format
	step     float64

	rem      []byte  // partial source frame from the previous call
	last     []int16 // last source frame (target channel layout)
	havePrev bool
	pos      float64 // next output position, in source frames relative to last
}

// NewResampler returns a Resampler converting from → to.
func NewResampler(from, to Format) (*Resampler, error) {
	if !from.Valid() || !to.Valid() {
		return nil, fmt.Errorf("audio: unsupported conversion %s -> %s", from, to)
	}
	return &Resampler{
		from: from,
		to:   to,
		step: float64(from.SampleRate) / float64(to.SampleRate),
		last: make([]int16, to.Channels),
	}, nil
}

// Process converts the next chunk of the stream. The result may be empty when
// pcm does not yet complete an output frame.
func (r *Resampler) Process(pcm []byte) []byte {
	if len(r.rem) > 0 {
		pcm = append(r.rem, pcm...)
		r.rem = nil
	}
	fb := r.from.FrameBytes()
	whole := len(pcm) - len(pcm)%fb
	if whole < len(pcm) {
		r.rem = append([]byte(nil), pcm[whole:]...)
	}
	src := remix(BytesToInt16s(pcm[:whole]), r.from.Channels, r.to.Channels)
	if len(src) == 0 {
		return nil
	}
	if r.from.SampleRate == r.to.SampleRate {
		copy(r.last, src[len(src)-r.to.Channels:])
		r.havePrev = true
		return Int16sToBytes(src)
	}
	return Int16sToBytes(r.interpolate(src))
}

// Flush ends the stream, emitting output positions that fall on the final
// source frame and discarding any partial frame.
func (r *Resampler) Flush() []byte {
	r.rem = nil
	if !r.havePrev || r.from.SampleRate == r.to.SampleRate {
		return nil
	}
	ch := r.to.Channels
	var out []int16
	for r.pos < 1 {
		out = append(out, r.last...)
		r.pos += r.step
	}
	r.havePrev = false
	r.pos = 0
	return Int16sToBytes(out[:len(out)-len(out)%ch])
}

// interpolate resamples src (interleaved, target channel count) continuing
// from the previous call.
func (r *Resampler) interpolate(src []int16) []int16 {
	ch := r.to.Channels
	n := len(src) / ch

	// Sequence positions: index 0 is r.last when havePrev, then src frames.
	offset := 0
	if r.havePrev {
		offset = 1
	}
	total := n + offset
	at := func(i, c int) float64 {
		if offset == 1 {
			if i == 0 {
				return float64(r.last[c])
			}
			return float64(src[(i-1)*ch+c])
		}
		return float64(src[i*ch+c])
	}

	out := make([]int16, 0, int(float64(n)/r.step+2)*ch)
	for r.pos+1 < float64(total) {
		i := int(r.pos)
		frac := r.pos - float64(i)
		for c := range ch {
			v := at(i, c)*(1-frac) + at(i+1, c)*frac
			out = append(out, clamp16(v))
		}
		r.pos += r.step
	}

	copy(r.last, src[(n-1)*ch:n*ch])
	r.pos -= float64(total - 1)
	r.havePrev = true
	return out
}

// Convert resamples a complete buffer in one shot.
func Convert(pcm []byte, from, to Format) ([]byte, error) {
	r, err := NewResampler(from, to)
	if err != nil {
		return nil, err
	}
	out := r.Process(pcm)
	return append(out, r.Flush()...), nil
}

// remix converts interleaved samples between mono and stereo.
func remix(s []int16, from, to int) []int16 {
	switch {
	case from == to:
		return s
	case from == 2 && to == 1:
		out := make([]int16, len(s)/2)
		for i := range out {
			out[i] = int16((int32(s[2*i]) + int32(s[2*i+1])) / 2)
		}
		return out
	default:
		out := make([]int16, len(s)*2)
		for i, v := range s {
			out[2*i] = v
			out[2*i+1] = v
		}
		return out
	}
}

func clamp16(v float64) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}

// MonoToStereo duplicates each int16 mono sample into a stereo L+R pair.
func MonoToStereo(pcm []byte) []byte {
	return Int16sToBytes(remix(BytesToInt16s(pcm), 1, 2))
}

// StereoToMono averages L+R per stereo frame.
func StereoToMono(pcm []byte) []byte {
	return Int16sToBytes(remix(BytesToInt16s(pcm[:len(pcm)-len(pcm)%4]), 2, 1))
}

// BytesToInt16s decodes little-endian int16 PCM. A trailing odd byte is ignored.
func BytesToInt16s(b []byte) []int16 {
	s := make([]int16, len(b)/2)
	for i := range s {
		s[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return s
}

// Int16sToBytes encodes int16 samples as little-endian PCM.
func Int16sToBytes(s []int16) []byte {
	b := make([]byte, len(s)*2)
	for i, v := range s {
		binary.LittleEndian.PutUint16(b[i*2:], uint16(v))
	}
	return b
}
