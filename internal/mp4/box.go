// Package mp4 writes the minimal fragmented-MP4/CMAF box set the
// transmuxer needs: one init segment (ftyp+moov) describing all tracks at
// stream start, then one media segment (moof+mdat) per GOP per track. Box names and nesting are
// grounded on the movie-fragment box definitions retained from the original
// Rust implementation's isobmff crate (MovieExtendsBox, TrackExtendsBox,
// MovieFragmentBox, MovieFragmentHeaderBox, TrackFragmentBox,
// TrackFragmentHeaderBox, TrackRunBox, SampleFlags) — this core writes the
// Go equivalent of those same boxes rather than mirroring that crate's API.
package mp4

import "encoding/binary"

// box wraps payload in a 4-byte-size + 4-byte-fourcc ISO-BMFF box. It does
// not support 64-bit "largesize" boxes: no single box this core emits (one
// GOP's worth of samples) approaches the 32-bit size limit.
func box(fourcc string, payload []byte) []byte {
	out := make([]byte, 8+len(payload))
	binary.BigEndian.PutUint32(out[0:4], uint32(8+len(payload)))
	copy(out[4:8], fourcc)
	copy(out[8:], payload)
	return out
}

// fullBox is a box whose payload begins with the ISO-BMFF version+flags
// prefix used by most of the boxes fragmented MP4 actually transmits.
func fullBox(fourcc string, version byte, flags uint32, body []byte) []byte {
	payload := make([]byte, 4+len(body))
	payload[0] = version
	payload[1] = byte(flags >> 16)
	payload[2] = byte(flags >> 8)
	payload[3] = byte(flags)
	copy(payload[4:], body)
	return box(fourcc, payload)
}

func u16(v uint16) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, v)
	return b
}

func u32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

func u64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func i16(v int16) []byte { return u16(uint16(v)) }
