package codec

// AVCConfig is the subset of an AVCDecoderConfigurationRecord (plus its
// embedded SPS) that ParseAVCConfig decodes. The transmuxer uses only the
// picture geometry, for the fMP4 track header; samples are passed through
// unchanged.
type AVCConfig struct {
	Width         uint32
	Height        uint32
	Profile       byte
	ProfileCompat byte
	Level         float32
	NALULengthSize byte
	NumSPS        byte
	RefFrames     uint32
}

var avcChromaProfiles = map[uint32]bool{
	100: true, 110: true, 122: true, 244: true,
	44: true, 83: true, 86: true, 118: true,
}

// ParseAVCConfig decodes an AVCDecoderConfigurationRecord, including the
// first SPS NAL unit it carries. seqHeader is a video tag's Body past the
// CodecID/AVCPacketType/CompositionTime bytes message.ParseVideoTag already
// stripped, so it starts directly at configurationVersion.
func ParseAVCConfig(seqHeader []byte) AVCConfig {
	var res AVCConfig
	b := newBitReader(seqHeader)

	b.Read(8) // configurationVersion

	res.Profile = byte(b.Read(8))
	res.ProfileCompat = byte(b.Read(8))
	res.Level = float32(b.Read(8))

	res.NALULengthSize = (byte(b.Read(8)) & 0x03) + 1
	res.NumSPS = byte(b.Read(8)) & 0x1F

	if res.NumSPS == 0 {
		return res
	}

	b.Read(16) // SPS NAL unit length
	nalHeader := b.Read(8)
	if nalHeader != 0x67 {
		return res
	}

	profileIDC := b.Read(8)
	b.Read(8)          // constraint flags
	b.Read(8)          // level_idc
	b.ReadGolomb()      // seq_parameter_set_id

	if avcChromaProfiles[profileIDC] {
		chromaFormatIDC := b.ReadGolomb()
		if chromaFormatIDC == 3 {
			b.Read(1) // separate_colour_plane_flag
		}
		b.ReadGolomb() // bit_depth_luma_minus8
		b.ReadGolomb() // bit_depth_chroma_minus8
		b.Read(1)      // qpprime_y_zero_transform_bypass_flag
		if b.Read(1) != 0 {
			if chromaFormatIDC == 3 {
				b.Read(12)
			} else {
				b.Read(8)
			}
		}
	}

	b.ReadGolomb() // log2_max_frame_num_minus4

	switch picOrderCntType := b.ReadGolomb(); picOrderCntType {
	case 0:
		b.ReadGolomb() // log2_max_pic_order_cnt_lsb_minus4
	case 1:
		b.Read(1)      // delta_pic_order_always_zero_flag
		b.ReadGolomb() // offset_for_non_ref_pic
		b.ReadGolomb() // offset_for_top_to_bottom_field
		numRefFrames := b.ReadGolomb()
		for i := uint32(0); i < numRefFrames; i++ {
			b.ReadGolomb()
		}
	}

	res.RefFrames = b.ReadGolomb() // max_num_ref_frames
	b.Read(1)                      // gaps_in_frame_num_value_allowed_flag

	width := b.ReadGolomb()
	height := b.ReadGolomb()
	frameMbsOnly := b.Read(1)
	if frameMbsOnly == 0 {
		b.Read(1) // mb_adaptive_frame_field_flag
	}
	b.Read(1) // direct_8x8_inference_flag

	var cropLeft, cropRight, cropTop, cropBottom uint32
	if b.Read(1) != 0 {
		cropLeft = b.ReadGolomb()
		cropRight = b.ReadGolomb()
		cropTop = b.ReadGolomb()
		cropBottom = b.ReadGolomb()
	}

	res.Level = res.Level / 10.0
	res.Width = (width+1)*16 - (cropLeft+cropRight)*2
	res.Height = (2-frameMbsOnly)*(height+1)*16 - (cropTop+cropBottom)*2

	return res
}

// ProfileName returns the informal H.264 profile name for the numeric
// profile_idc, used in stream metadata and logs.
func (c AVCConfig) ProfileName() string {
	switch c.Profile {
	case 66:
		return "Baseline"
	case 77:
		return "Main"
	case 88:
		return "Extended"
	case 100:
		return "High"
	case 110:
		return "High10"
	case 122:
		return "High422"
	case 244:
		return "High444"
	default:
		return ""
	}
}
