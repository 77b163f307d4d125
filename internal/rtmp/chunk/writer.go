package chunk

import "encoding/binary"

// OutMessage is a message the writer should split into chunks.
type OutMessage struct {
	ChunkStreamID   uint32
	Timestamp       uint32
	MessageTypeID   uint8
	MessageStreamID uint32
	Payload         []byte
}

// sentHeader is the writer's memory of the last header it emitted for a
// given chunk_stream_id, mirroring the Reader's header table so the two
// sides of CreateChunks / ReadMessage round-trip to the identity on
// messages (differing only in chosen chunk boundaries/header formats, as
// the round-trip law in spec.md §8 allows).
type sentHeader struct {
	timestamp       uint32
	messageLength   uint32
	messageTypeID   uint8
	messageStreamID uint32
	set             bool
}

// Writer serializes outgoing RTMP messages into chunks, picking the
// smallest header format that preserves semantics against its own
// per-chunk_stream_id history. Dual to Reader.
type Writer struct {
	chunkSize uint32
	last      map[uint32]*sentHeader
}

func NewWriter(chunkSize uint32) *Writer {
	if chunkSize == 0 {
		chunkSize = DefaultChunkSize
	}
	return &Writer{
		chunkSize: chunkSize,
		last:      make(map[uint32]*sentHeader),
	}
}

func (w *Writer) SetChunkSize(size uint32) {
	w.chunkSize = size
}

// pickFormat chooses the header format for msg against the writer's
// per-cs_id history, per the rule table in spec.md §4.2.
func (w *Writer) pickFormat(msg *OutMessage) (fmtBits uint32, prev *sentHeader) {
	prev = w.last[msg.ChunkStreamID]
	if prev == nil || !prev.set {
		return FmtType0, prev
	}
	if prev.messageStreamID != msg.MessageStreamID {
		return FmtType0, prev
	}
	if prev.messageLength != uint32(len(msg.Payload)) || prev.messageTypeID != msg.MessageTypeID {
		return FmtType1, prev
	}
	if prev.timestamp != msg.Timestamp {
		return FmtType2, prev
	}
	return FmtType3, prev
}

func basicHeader(fmtBits uint32, cid uint32) []byte {
	switch {
	case cid >= 64+255:
		return []byte{byte(fmtBits<<6) | 1, byte((cid - 64) & 0xff), byte((cid - 64) >> 8 & 0xff)}
	case cid >= 64:
		return []byte{byte(fmtBits << 6), byte((cid - 64) & 0xff)}
	default:
		return []byte{byte(fmtBits<<6) | byte(cid)}
	}
}

// headerTimestampField returns the value the 3/4-byte timestamp field of a
// type 0/1/2 header should carry: the absolute timestamp for type 0, or the
// delta since the chunk stream's last header (wrapping mod 2^32, matching
// Reader's accumulation) for type 1/2 — never the absolute value, which
// would desync the reader's running timestamp on every later type 1/2/3
// chunk on the same chunk_stream_id.
func headerTimestampField(fmtBits uint32, msg *OutMessage, prev *sentHeader) uint32 {
	if fmtBits == FmtType0 || prev == nil {
		return msg.Timestamp
	}
	return msg.Timestamp - prev.timestamp
}

func messageHeader(fmtBits uint32, msg *OutMessage, prev *sentHeader) []byte {
	out := make([]byte, 0, 11)

	if fmtBits <= FmtType2 {
		ts := headerTimestampField(fmtBits, msg, prev)
		if ts >= 0xFFFFFF {
			out = append(out, 0xFF, 0xFF, 0xFF)
		} else {
			b := make([]byte, 4)
			binary.BigEndian.PutUint32(b, ts)
			out = append(out, b[1:]...)
		}
	}

	if fmtBits <= FmtType1 {
		b := make([]byte, 4)
		binary.BigEndian.PutUint32(b, uint32(len(msg.Payload)))
		out = append(out, b[1:]...)
		out = append(out, msg.MessageTypeID)
	}

	if fmtBits == FmtType0 {
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, msg.MessageStreamID)
		out = append(out, b...)
	}

	return out
}

// CreateChunks serializes msg into the wire bytes for one or more chunks.
func (w *Writer) CreateChunks(msg *OutMessage) []byte {
	fmtBits, prev := w.pickFormat(msg)

	basic := basicHeader(fmtBits, msg.ChunkStreamID)
	basic3 := basicHeader(FmtType3, msg.ChunkStreamID)
	msgHeader := messageHeader(fmtBits, msg, prev)

	tsField := headerTimestampField(fmtBits, msg, prev)
	extended := fmtBits <= FmtType2 && tsField >= 0xFFFFFF

	out := make([]byte, 0, len(basic)+len(msgHeader)+len(msg.Payload)+8)
	out = append(out, basic...)
	out = append(out, msgHeader...)
	if extended {
		b := make([]byte, 4)
		binary.BigEndian.PutUint32(b, tsField)
		out = append(out, b...)
	}

	payload := msg.Payload
	for len(payload) > 0 {
		n := len(payload)
		if n > int(w.chunkSize) {
			n = int(w.chunkSize)
		}
		out = append(out, payload[:n]...)
		payload = payload[n:]
		if len(payload) > 0 {
			out = append(out, basic3...)
			if extended {
				b := make([]byte, 4)
				binary.BigEndian.PutUint32(b, tsField)
				out = append(out, b...)
			}
		}
	}

	w.last[msg.ChunkStreamID] = &sentHeader{
		timestamp:       msg.Timestamp,
		messageLength:   uint32(len(msg.Payload)),
		messageTypeID:   msg.MessageTypeID,
		messageStreamID: msg.MessageStreamID,
		set:             true,
	}

	return out
}
