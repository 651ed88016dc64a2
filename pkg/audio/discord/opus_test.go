package discord

import "testing"

func TestFrameEncoder_RejectsPartialFrames(t *testing.T) {
	enc, err := newFrameEncoder()
	if err != nil {
		t.Fatalf("newFrameEncoder: %v", err)
	}
	if _, err := enc.encode(make([]byte, frameBytes-4)); err == nil {
		t.Error("encode accepted a partial frame")
	}
}

func TestDecoders_OnePerSSRC(t *testing.T) {
	decs := make(decoders)
	pkt := tonePacket(t)

	for _, ssrc := range []uint32{1, 2, 1} {
		pcm, err := decs.decode(ssrc, pkt)
		if err != nil {
			t.Fatalf("decode(ssrc %d): %v", ssrc, err)
		}
		if len(pcm) != frameBytes {
			t.Errorf("decoded %d bytes, want %d", len(pcm), frameBytes)
		}
	}
	if len(decs) != 2 {
		t.Errorf("decoders = %d, want 2", len(decs))
	}
	if !isSilence(silenceFrame) || isSilence(pkt) {
		t.Error("isSilence misclassified a packet")
	}
}
