package codec

import "testing"

// buildASC hand-assembles a plain (non-SBR) AudioSpecificConfig: 5 bits
// object type, 4 bits sampling frequency index, 4 bits channel config,
// then 3 padding bits to fill the byte.
func buildASC(objectType, samplingIndex, channelConfig byte) []byte {
	bits := uint16(objectType)<<11 | uint16(samplingIndex)<<7 | uint16(channelConfig)<<3
	return []byte{byte(bits >> 8), byte(bits)}
}

func TestParseAACConfigPlainLC(t *testing.T) {
	// objectType=2 (AAC LC), samplingIndex=4 (44100Hz), channelConfig=2 (stereo)
	asc := buildASC(2, 4, 2)
	cfg := ParseAACConfig(asc)

	if cfg.ObjectType != 2 {
		t.Fatalf("ObjectType = %d, want 2", cfg.ObjectType)
	}
	if cfg.SampleRate != 44100 {
		t.Fatalf("SampleRate = %d, want 44100", cfg.SampleRate)
	}
	if cfg.Channels != 2 {
		t.Fatalf("Channels = %d, want 2", cfg.Channels)
	}
	if cfg.ProfileName() != "LC" {
		t.Fatalf("ProfileName = %q, want LC", cfg.ProfileName())
	}
}

func TestParseAACConfigMain(t *testing.T) {
	asc := buildASC(1, 3, 1) // Main profile, 48000Hz, mono
	cfg := ParseAACConfig(asc)
	if cfg.SampleRate != 48000 {
		t.Fatalf("SampleRate = %d, want 48000", cfg.SampleRate)
	}
	if cfg.Channels != 1 {
		t.Fatalf("Channels = %d, want 1", cfg.Channels)
	}
	if cfg.ProfileName() != "Main" {
		t.Fatalf("ProfileName = %q, want Main", cfg.ProfileName())
	}
}
