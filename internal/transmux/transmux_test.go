package transmux

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestUnwrapperTracksPlainDeltas(t *testing.T) {
	var u unwrapper
	if got := u.push(100); got != 100 {
		t.Fatalf("first push = %d, want 100", got)
	}
	if got := u.push(150); got != 150 {
		t.Fatalf("second push = %d, want 150", got)
	}
	if got := u.push(140); got != 140 {
		t.Fatalf("out-of-order-by-10 push = %d, want 140", got)
	}
}

func TestUnwrapperHandlesWraparound(t *testing.T) {
	var u unwrapper
	u.push(0xFFFFFFF0) // near the u32 ceiling
	got := u.push(10)  // wrapped past 0xFFFFFFFF back to 10
	want := int64(0xFFFFFFF0) + 0x1A // 16 steps up to 0, then 10 more
	if got != want {
		t.Fatalf("after wraparound = %d, want %d", got, want)
	}
}

func TestMaybeEmitInitWaitsForAudioConfigWhenAudioSeen(t *testing.T) {
	var outputs []Output
	m := New(func(o Output) { outputs = append(outputs, o) })

	// A raw (non-sequence-header) audio frame arrives first, marking the
	// stream as carrying audio, before the video sequence header does.
	if err := m.HandleAudio(0, []byte{0xAF, 0x01, 0, 0}); err != nil {
		t.Fatalf("HandleAudio(raw, no config yet): %v", err)
	}
	sps := validAVCSequenceHeader()
	if err := m.HandleVideo(0, append([]byte{0x17, 0x00, 0, 0, 0}, sps...)); err != nil {
		t.Fatalf("HandleVideo(seq header): %v", err)
	}
	// A keyframe NALU clears the keyframe gate, so only the missing audio
	// config holds the init segment back.
	if err := m.HandleVideo(33, []byte{0x17, 0x01, 0, 0, 0, 0xAA}); err != nil {
		t.Fatalf("HandleVideo(keyframe): %v", err)
	}
	if m.State() != AwaitingHeaders {
		t.Fatalf("state = %v, want AwaitingHeaders (no init without audio config)", m.State())
	}
	if len(outputs) != 0 {
		t.Fatalf("got %d outputs before both configs arrived, want 0", len(outputs))
	}
}

func TestMaybeEmitInitWaitsForKeyframeAfterBothHeaders(t *testing.T) {
	var outputs []Output
	m := New(func(o Output) { outputs = append(outputs, o) })

	sps := validAVCSequenceHeader()
	if err := m.HandleVideo(0, append([]byte{0x17, 0x00, 0, 0, 0}, sps...)); err != nil {
		t.Fatalf("HandleVideo(seq header): %v", err)
	}
	if m.State() != AwaitingHeaders || len(outputs) != 0 {
		t.Fatalf("expected no init before any keyframe NALU, got state=%v outputs=%d", m.State(), len(outputs))
	}

	// A non-keyframe NALU still must not trigger the init segment.
	if err := m.HandleVideo(33, []byte{0x27, 0x01, 0, 0, 0, 0xAA}); err != nil {
		t.Fatalf("HandleVideo(inter frame): %v", err)
	}
	if m.State() != AwaitingHeaders || len(outputs) != 0 {
		t.Fatalf("expected no init before a keyframe NALU, got state=%v outputs=%d", m.State(), len(outputs))
	}

	if err := m.HandleVideo(66, []byte{0x17, 0x01, 0, 0, 0, 0xBB}); err != nil {
		t.Fatalf("HandleVideo(keyframe): %v", err)
	}
	if m.State() != Streaming {
		t.Fatalf("state = %v, want Streaming once a keyframe NALU arrives", m.State())
	}
	if len(outputs) != 1 || outputs[0].Init == nil {
		t.Fatalf("expected exactly one init output on the first keyframe, got %d outputs", len(outputs))
	}
}

func TestMaybeEmitInitFallsBackToHintsForMissingGeometry(t *testing.T) {
	var outputs []Output
	m := New(func(o Output) { outputs = append(outputs, o) })
	m.SetHints(Hints{Width: 1280, Height: 720})

	sps := validAVCSequenceHeader() // this fixture decodes to Width/Height == 0
	if err := m.HandleVideo(0, append([]byte{0x17, 0x00, 0, 0, 0}, sps...)); err != nil {
		t.Fatalf("HandleVideo(seq header): %v", err)
	}
	if err := m.HandleVideo(33, []byte{0x17, 0x01, 0, 0, 0, 0xAA}); err != nil {
		t.Fatalf("HandleVideo(keyframe): %v", err)
	}
	if len(outputs) != 1 || outputs[0].Init == nil {
		t.Fatalf("expected one init output, got %d", len(outputs))
	}
	if m.videoConf.Width != 0 {
		t.Fatalf("fixture precondition violated: decoded width = %d, want 0", m.videoConf.Width)
	}
	seg := outputs[0].Init
	i := bytes.Index(seg, []byte("avc1"))
	if i < 0 || len(seg) < i+32 || binary.BigEndian.Uint16(seg[i+28:]) != 1280 || binary.BigEndian.Uint16(seg[i+30:]) != 720 {
		t.Fatalf("expected the init segment's avc1 entry to carry the 1280x720 hint geometry")
	}
}

// validAVCSequenceHeader returns a minimal syntactically-valid AVCDecoderConfigurationRecord
// body (the codec package's own parser tests exercise the SPS/PPS contents in depth; this
// only needs to be well-formed enough not to error here).
func validAVCSequenceHeader() []byte {
	return []byte{
		0x01,       // configurationVersion
		0x42, 0x00, 0x1e, // profile/compat/level
		0xFF,       // reserved + lengthSizeMinusOne
		0xE1,       // reserved + numOfSequenceParameterSets = 1
		0x00, 0x00, // SPS length = 0 (empty, parser tolerates this for this test's purposes)
		0x00, // numOfPictureParameterSets = 0
	}
}
