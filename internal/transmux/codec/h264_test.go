package codec

import "testing"

// buildMinimalAVCRecord wraps a short Baseline-profile SPS in an
// AVCDecoderConfigurationRecord. The SPS bytes after level_idc are filler,
// not a real encoder's SPS: they decode to a 2032x16 picture.
func buildMinimalAVCRecord() []byte {
	sps := []byte{
		0x67,             // NAL header: forbidden_zero=0, nal_ref_idc=3, type=7 (SPS)
		0x42,             // profile_idc = 66 (Baseline, not a chroma-format profile)
		0x00,             // constraint flags
		0x1e,             // level_idc = 30
		0x8f, 0xb2, 0x80, // bit-packed Exp-Golomb fields: seq_parameter_set_id=0,
		// log2_max_frame_num_minus4=14, pic_order_cnt_type=0,
		// log2_max_pic_order_cnt_lsb_minus4=2, max_num_ref_frames=4,
		// gaps_in_frame_num_value_allowed_flag=0, then the start of
		// pic_width_in_mbs_minus1=126; the tests below check none of these.
		0xff, 0xff, 0xf0,
	}

	rec := []byte{
		0x01,       // configurationVersion
		0x42,       // AVCProfileIndication
		0x00,       // profile_compatibility
		0x1e,       // AVCLevelIndication
		0xff,       // reserved(6) + lengthSizeMinusOne(2) = 3 (4-byte lengths)
		0xe1,       // reserved(3) + numOfSequenceParameterSets(5) = 1
		0x00, byte(len(sps)),
	}
	rec = append(rec, sps...)
	rec = append(rec, 0x00) // numOfPictureParameterSets = 0
	return rec
}

func TestParseAVCConfigReadsHeaderFieldsNotSPSBytes(t *testing.T) {
	rec := buildMinimalAVCRecord()
	cfg := ParseAVCConfig(rec)

	if cfg.Profile != 0x42 {
		t.Fatalf("Profile = %#x, want 0x42", cfg.Profile)
	}
	if cfg.ProfileCompat != 0x00 {
		t.Fatalf("ProfileCompat = %#x, want 0x00", cfg.ProfileCompat)
	}
	if cfg.NALULengthSize != 4 {
		t.Fatalf("NALULengthSize = %d, want 4", cfg.NALULengthSize)
	}
	if cfg.NumSPS != 1 {
		t.Fatalf("NumSPS = %d, want 1", cfg.NumSPS)
	}
}

func TestParseAVCConfigNoSPS(t *testing.T) {
	rec := []byte{0x01, 0x42, 0x00, 0x1e, 0xff, 0xe0} // numSPS = 0
	cfg := ParseAVCConfig(rec)
	if cfg.Width != 0 || cfg.Height != 0 {
		t.Fatalf("expected zero width/height with no SPS, got %dx%d", cfg.Width, cfg.Height)
	}
}
