package mp4

// TrackKind distinguishes the two sample entry shapes this core ever needs.
type TrackKind int

const (
	TrackVideo TrackKind = iota
	TrackAudio
)

// VideoParams describes the AVC track being initialized.
type VideoParams struct {
	Width, Height  uint16
	AVCConfigRecord []byte // the raw AVCDecoderConfigurationRecord bytes, copied verbatim into avcC
}

// AudioParams describes the AAC track being initialized.
type AudioParams struct {
	Channels   uint16
	SampleRate uint32
	ASCRecord  []byte // the raw AudioSpecificConfig bytes, copied verbatim into esds
}

// Track is one track's init-segment parameters; exactly one of Video/Audio
// is non-nil depending on Kind.
type Track struct {
	ID        uint32
	Kind      TrackKind
	Timescale uint32
	Video     *VideoParams
	Audio     *AudioParams
}

// InitSegment builds the ftyp+moov init segment for the given tracks. It is
// sent once per transmuxing session, before any media segment.
func InitSegment(tracks []Track) []byte {
	ftyp := buildFtyp()

	var traks []byte
	for _, t := range tracks {
		traks = append(traks, trakBox(t)...)
	}

	mvhd := mvhdBox(nextTrackID(tracks))
	mvex := mvexBox(tracks)

	moov := box("moov", concat(mvhd, traks, mvex))

	return concat(ftyp, moov)
}

func buildFtyp() []byte {
	body := make([]byte, 0, 24)
	body = append(body, []byte("isom")...) // major_brand
	body = append(body, u32(512)...)       // minor_version
	for _, b := range []string{"isom", "iso5", "dash", "mp42"} {
		body = append(body, []byte(b)...)
	}
	return box("ftyp", body)
}

func nextTrackID(tracks []Track) uint32 {
	max := uint32(0)
	for _, t := range tracks {
		if t.ID > max {
			max = t.ID
		}
	}
	return max + 1
}

func mvhdBox(nextID uint32) []byte {
	body := make([]byte, 0, 96)
	body = append(body, u32(0)...)        // creation_time
	body = append(body, u32(0)...)        // modification_time
	body = append(body, u32(1000)...)     // timescale (movie-level; tracks carry their own)
	body = append(body, u32(0)...)        // duration (unknown, fragmented)
	body = append(body, u32(0x00010000)...) // rate 1.0
	body = append(body, u16(0x0100)...)   // volume 1.0
	body = append(body, make([]byte, 2)...) // reserved
	body = append(body, make([]byte, 8)...) // reserved
	body = append(body, identityMatrix()...)
	body = append(body, make([]byte, 24)...) // pre_defined
	body = append(body, u32(nextID)...)
	return fullBox("mvhd", 0, 0, body)
}

func identityMatrix() []byte {
	vals := []uint32{0x00010000, 0, 0, 0, 0x00010000, 0, 0, 0, 0x40000000}
	out := make([]byte, 0, 36)
	for _, v := range vals {
		out = append(out, u32(v)...)
	}
	return out
}

func trakBox(t Track) []byte {
	tkhd := tkhdBox(t)
	mdia := mdiaBox(t)
	return box("trak", concat(tkhd, mdia))
}

func tkhdBox(t Track) []byte {
	body := make([]byte, 0, 80)
	body = append(body, u32(0)...) // creation_time
	body = append(body, u32(0)...) // modification_time
	body = append(body, u32(t.ID)...)
	body = append(body, u32(0)...) // reserved
	body = append(body, u32(0)...) // duration
	body = append(body, make([]byte, 8)...) // reserved
	body = append(body, u16(0)...)          // layer
	body = append(body, u16(0)...)          // alternate_group
	if t.Kind == TrackAudio {
		body = append(body, u16(0x0100)...) // volume 1.0
	} else {
		body = append(body, u16(0)...)
	}
	body = append(body, u16(0)...) // reserved
	body = append(body, identityMatrix()...)
	var w, h uint16
	if t.Video != nil {
		w, h = t.Video.Width, t.Video.Height
	}
	body = append(body, u32(uint32(w)<<16)...)
	body = append(body, u32(uint32(h)<<16)...)
	return fullBox("tkhd", 0, 0x000007, body) // flags: enabled|in_movie|in_preview
}

func mdiaBox(t Track) []byte {
	mdhd := fullBox("mdhd", 0, 0, concat(
		u32(0), u32(0), u32(t.Timescale), u32(0), u16(0x55c4), u16(0),
	))

	var handlerType, handlerName string
	if t.Kind == TrackVideo {
		handlerType, handlerName = "vide", "VideoHandler"
	} else {
		handlerType, handlerName = "soun", "SoundHandler"
	}
	hdlrBody := concat(u32(0), []byte(handlerType), make([]byte, 12), []byte(handlerName), []byte{0})
	hdlr := fullBox("hdlr", 0, 0, hdlrBody)

	minf := minfBox(t)

	return box("mdia", concat(mdhd, hdlr, minf))
}

func minfBox(t Track) []byte {
	var mediaHeader []byte
	if t.Kind == TrackVideo {
		mediaHeader = fullBox("vmhd", 0, 1, make([]byte, 8))
	} else {
		mediaHeader = fullBox("smhd", 0, 0, make([]byte, 4))
	}

	dref := fullBox("dref", 0, 0, concat(u32(1), fullBox("url ", 0, 1, nil)))
	dinf := box("dinf", dref)

	stbl := stblBox(t)

	return box("minf", concat(mediaHeader, dinf, stbl))
}

func stblBox(t Track) []byte {
	stsd := stsdBox(t)
	empty32 := fullBox("stts", 0, 0, u32(0))
	emptyStsc := fullBox("stsc", 0, 0, u32(0))
	emptyStsz := fullBox("stsz", 0, 0, concat(u32(0), u32(0)))
	emptyStco := fullBox("stco", 0, 0, u32(0))
	return box("stbl", concat(stsd, empty32, emptyStsc, emptyStsz, emptyStco))
}

func stsdBox(t Track) []byte {
	var entry []byte
	if t.Kind == TrackVideo {
		entry = avc1Box(t.Video)
	} else {
		entry = mp4aBox(t.Audio)
	}
	return fullBox("stsd", 0, 0, concat(u32(1), entry))
}

func avc1Box(v *VideoParams) []byte {
	body := make([]byte, 0, 78)
	body = append(body, make([]byte, 6)...) // reserved
	body = append(body, u16(1)...)          // data_reference_index
	body = append(body, make([]byte, 16)...) // pre_defined + reserved
	body = append(body, u16(v.Width)...)
	body = append(body, u16(v.Height)...)
	body = append(body, u32(0x00480000)...) // horizresolution 72dpi
	body = append(body, u32(0x00480000)...) // vertresolution 72dpi
	body = append(body, u32(0)...)          // reserved
	body = append(body, u16(1)...)          // frame_count
	body = append(body, make([]byte, 32)...) // compressorname
	body = append(body, u16(0x0018)...)     // depth
	body = append(body, i16(-1)...)         // pre_defined

	avcC := box("avcC", v.AVCConfigRecord)
	body = append(body, avcC...)

	return box("avc1", body)
}

func mp4aBox(a *AudioParams) []byte {
	body := make([]byte, 0, 28)
	body = append(body, make([]byte, 6)...) // reserved
	body = append(body, u16(1)...)          // data_reference_index
	body = append(body, make([]byte, 8)...) // reserved
	body = append(body, u16(a.Channels)...)
	body = append(body, u16(16)...) // samplesize
	body = append(body, make([]byte, 4)...) // pre_defined + reserved
	body = append(body, u32(a.SampleRate<<16)...)

	esds := esdsBox(a.ASCRecord)
	body = append(body, esds...)

	return box("mp4a", body)
}

// esdsBox wraps a raw AudioSpecificConfig in the minimal MPEG-4 ES
// descriptor nesting players expect (ES_Descriptor > DecoderConfigDescriptor
// > DecoderSpecificInfo > the AudioSpecificConfig bytes).
func esdsBox(asc []byte) []byte {
	decSpecific := descriptor(0x05, asc)
	decConfig := descriptor(0x04, concat(
		[]byte{0x40, 0x15}, make([]byte, 3), u32(0), u32(0), decSpecific,
	))
	slConfig := descriptor(0x06, []byte{0x02})
	esDescriptor := descriptor(0x03, concat(u16(0), []byte{0x00}, decConfig, slConfig))
	return fullBox("esds", 0, 0, esDescriptor)
}

func descriptor(tag byte, body []byte) []byte {
	out := []byte{tag}
	n := len(body)
	// base-128 length encoding, MSB continuation bit, as MPEG-4 descriptors use.
	var lenBytes []byte
	for {
		b := byte(n & 0x7f)
		n >>= 7
		if len(lenBytes) > 0 {
			b |= 0x80
		}
		lenBytes = append([]byte{b}, lenBytes...)
		if n == 0 {
			break
		}
	}
	out = append(out, lenBytes...)
	out = append(out, body...)
	return out
}

func mvexBox(tracks []Track) []byte {
	var trexes []byte
	for _, t := range tracks {
		trexes = append(trexes, trexBox(t.ID)...)
	}
	return box("mvex", trexes)
}

func trexBox(trackID uint32) []byte {
	body := concat(
		u32(trackID),
		u32(1), // default_sample_description_index
		u32(0), // default_sample_duration
		u32(0), // default_sample_size
		u32(0), // default_sample_flags
	)
	return fullBox("trex", 0, 0, body)
}

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
