package mp4

// SampleFlags mirrors the ISO-BMFF sample_flags bitfield packed into a
// trun/tfhd entry: is_leading (2 bits), sample_depends_on (2),
// sample_is_depended_on (2), sample_has_redundancy (2),
// sample_padding_value (3), sample_is_non_sync_sample (1), and a 16-bit
// degradation priority. Only the fields this core sets are named; the rest
// default to zero as they do for every fragmented-MP4 writer in practice.
type SampleFlags struct {
	SampleIsNonSync bool // true for a non-keyframe sample
}

func (f SampleFlags) encode() uint32 {
	var v uint32
	if f.SampleIsNonSync {
		v |= 1 << 16
		v |= 1 << 24 // sample_depends_on = 1 (not I-frame)
	} else {
		v |= 2 << 24 // sample_depends_on = 2 (none, i.e. a sync sample)
	}
	return v
}

// Sample is one encoded access unit going into a track run.
type Sample struct {
	Duration              uint32
	Size                  uint32
	Flags                 SampleFlags
	CompositionTimeOffset int32
}

// Segment is one fragment's worth of samples for a single track: the
// decode-time offset since the init segment, the samples' flags/durations,
// and the concatenated sample bytes that go in the mdat.
type Segment struct {
	TrackID          uint32
	SequenceNumber   uint32
	BaseMediaDecodeTime uint64
	Samples          []Sample
	Data             []byte // concatenated sample payloads, same order as Samples
}

// MediaSegment builds one moof+mdat pair for a single-track fragment. Each
// GOP boundary in the transmuxer produces exactly one such segment per
// track, per spec: fMP4 media segments are cut on keyframe boundaries, never
// split mid-GOP.
func MediaSegment(seg Segment) []byte {
	moof := moofBox(seg)
	// mdat's data_offset in trun is relative to the start of the moof box;
	// recomputed below once moof's own length is known.
	dataOffset := int32(len(moof) + 8)
	moof = patchTrunDataOffset(moof, dataOffset)
	mdat := box("mdat", seg.Data)
	return concat(moof, mdat)
}

func moofBox(seg Segment) []byte {
	mfhd := fullBox("mfhd", 0, 0, u32(seg.SequenceNumber))
	traf := trafBox(seg)
	return box("moof", concat(mfhd, traf))
}

func trafBox(seg Segment) []byte {
	tfhd := tfhdBox(seg.TrackID)
	tfdt := fullBox("tfdt", 1, 0, u64(seg.BaseMediaDecodeTime))
	trun := trunBox(seg)
	return box("traf", concat(tfhd, tfdt, trun))
}

// tfhdBox flags: default-base-is-moof (0x020000); per-sample duration/size/
// flags are always carried in the trun entries instead of defaulted here,
// since GOPs mix a leading keyframe with trailing inter frames.
func tfhdBox(trackID uint32) []byte {
	return fullBox("tfhd", 0, 0x020000, u32(trackID))
}

const (
	trunFlagDataOffset          = 0x000001
	trunFlagSampleDuration      = 0x000100
	trunFlagSampleSize          = 0x000200
	trunFlagSampleFlags         = 0x000400
	trunFlagSampleCompositionOffset = 0x000800
)

func trunBox(seg Segment) []byte {
	flags := uint32(trunFlagDataOffset | trunFlagSampleDuration | trunFlagSampleSize | trunFlagSampleFlags | trunFlagSampleCompositionOffset)

	body := make([]byte, 0, 8+len(seg.Samples)*16)
	body = append(body, u32(uint32(len(seg.Samples)))...)
	body = append(body, u32(0)...) // data_offset placeholder, patched after moof length is known

	for _, s := range seg.Samples {
		body = append(body, u32(s.Duration)...)
		body = append(body, u32(s.Size)...)
		body = append(body, u32(s.Flags.encode())...)
		body = append(body, u32(uint32(s.CompositionTimeOffset))...)
	}

	return fullBox("trun", 0, flags, body)
}

// patchTrunDataOffset rewrites the data_offset placeholder inside the
// already-serialized moof box. trun's data_offset field sits at a fixed
// position (box header 8 + fullbox header 4 + sample_count 4 bytes in)
// since this core always emits the same trun flag set.
func patchTrunDataOffset(moof []byte, dataOffset int32) []byte {
	off := findTrunDataOffsetPos(moof)
	if off < 0 {
		return moof
	}
	out := make([]byte, len(moof))
	copy(out, moof)
	v := uint32(dataOffset)
	out[off] = byte(v >> 24)
	out[off+1] = byte(v >> 16)
	out[off+2] = byte(v >> 8)
	out[off+3] = byte(v)
	return out
}

func findTrunDataOffsetPos(moof []byte) int {
	idx := indexOfFourcc(moof, "trun")
	if idx < 0 {
		return -1
	}
	// idx points at the fourcc; box layout from there: fourcc(4) +
	// version/flags(4) + sample_count(4) + data_offset(4).
	return idx + 4 + 4 + 4
}

func indexOfFourcc(buf []byte, fourcc string) int {
	needle := []byte(fourcc)
	for i := 0; i+4 <= len(buf); i++ {
		if buf[i] == needle[0] && string(buf[i:i+4]) == fourcc {
			return i
		}
	}
	return -1
}
