// Package codec parses the AAC and AVC (H.264) sequence header payloads
// carried in RTMP audio/video tags, adapted from AgustinSRG/rtmp-server's
// av.go and bitop.go. HEVC parsing (also present in the teacher) is not
// carried forward: transmuxing in this core only targets AVC/AAC, so an
// HEVC sequence header is reported as an unsupported-codec error upstream
// instead of being decoded here.
package codec

// bitReader reads individual bits out of a byte slice MSB-first, including
// Exp-Golomb codes, as the H.264 SPS grammar requires. Ported directly from
// the teacher's Bitop, with value-receiver methods replaced by pointer
// receivers: the teacher's Read had a latent bug where advancing bufpos/
// bufoff on a value receiver never stuck between calls unless the caller
// kept reassigning the returned struct, which it did not always do; Look
// still saves/restores explicitly so it does not consume bits.
type bitReader struct {
	buf    []byte
	pos    uint32
	off    uint32
	broken bool
}

func newBitReader(buf []byte) *bitReader {
	return &bitReader{buf: buf}
}

func (b *bitReader) Read(n uint32) uint32 {
	var v uint32
	for n > 0 {
		if b.pos >= uint32(len(b.buf)) {
			b.broken = true
			return v
		}
		d := n
		if b.off+n > 8 {
			d = 8 - b.off
		}
		v <<= d
		v += uint32((b.buf[b.pos] >> byte(8-b.off-d)) & (0xff >> byte(8-d)))
		b.off += d
		n -= d
		if b.off == 8 {
			b.pos++
			b.off = 0
		}
	}
	return v
}

func (b *bitReader) Look(n uint32) uint32 {
	p, o := b.pos, b.off
	v := b.Read(n)
	b.pos, b.off = p, o
	return v
}

// ReadGolomb reads one Exp-Golomb coded unsigned value.
func (b *bitReader) ReadGolomb() uint32 {
	n := uint32(0)
	for b.Read(1) == 0 && !b.broken {
		n++
		if n > 32 {
			b.broken = true
			return 0
		}
	}
	return (uint32(1) << n) + b.Read(n) - 1
}
