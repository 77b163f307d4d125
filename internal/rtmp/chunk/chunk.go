// Package chunk implements the RTMP chunk-stream framing layer: splitting
// the interleaved byte stream into complete messages (the reader) and the
// dual operation of splitting messages back into chunks (the writer).
//
// The header-inheritance rules and the fatal-error conditions mirror
// AgustinSRG/rtmp-server's rtmp_packet.go and the relevant parts of its
// rtmp_session.go chunk loop, generalized so the reader can be fed from any
// io.Reader in arbitrary-sized pushes instead of only a buffered TCP socket.
package chunk

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// Chunk header format identifiers (the top 2 bits of the first chunk byte).
const (
	FmtType0 = 0 // 11-byte header: timestamp, length, type, stream id (LE)
	FmtType1 = 1 // 7-byte header: delta, length, type
	FmtType2 = 2 // 3-byte header: delta only
	FmtType3 = 3 // no header: inherits everything
)

const (
	DefaultChunkSize = 128
	MinChunkSize     = 128
	MaxChunkSize     = (1 << 24) - 1

	MaxStoredHeaders    = 100
	MaxConcurrentPartials = 4
	MaxMessageLength    = 10 * 1024 * 1024 // 10 MiB
)

// Message type identifiers (RTMP message_type_id values carried in the
// message header, not to be confused with the chunk fmt above).
const (
	TypeSetChunkSize       = 1
	TypeAbort              = 2
	TypeAcknowledgement    = 3
	TypeUserControl        = 4
	TypeWindowAckSize      = 5
	TypeSetPeerBandwidth   = 6
	TypeAudio              = 8
	TypeVideo              = 9
	TypeAMF3Data           = 15
	TypeAMF3SharedObject   = 16
	TypeAMF3Command        = 17
	TypeAMF0Data           = 18
	TypeAMF0SharedObject   = 19
	TypeAMF0Command        = 20
	TypeAggregate          = 22
)

// ErrNeedMore reports that src hit EOF before a complete field was read.
// ReadMessage blocks on src for more bytes and returns ErrNeedMore only at
// EOF.
var ErrNeedMore = errors.New("chunk: need more bytes")

// ProtocolError is a fatal parse error; the caller must close the
// connection on receiving one.
type ProtocolError struct {
	Reason string
}

func (e *ProtocolError) Error() string { return "chunk: protocol error: " + e.Reason }

func protoErr(reason string) error { return &ProtocolError{Reason: reason} }

// header is the last fully-decoded header for one chunk_stream_id, used to
// satisfy the inheritance rules for format types 1/2/3.
type header struct {
	timestamp     uint32 // absolute timestamp, wraps at 2^32
	hasExtended   bool   // true if the 24-bit field was 0xFFFFFF on this header
	messageLength uint32
	messageTypeID uint8
	messageStreamID uint32
}

// partial accumulates payload bytes for one in-flight message, keyed by
// (chunkStreamID, messageStreamID).
type partial struct {
	hdr      header
	buf      []byte
	streamID uint32 // chunk stream id this partial is being fed from
}

type partialKey struct {
	chunkStreamID   uint32
	messageStreamID uint32
}

// Message is one fully reassembled RTMP message.
type Message struct {
	ChunkStreamID   uint32
	Timestamp       uint32
	MessageTypeID   uint8
	MessageStreamID uint32
	Payload         []byte
}

// Reader reconstructs messages from an interleaved RTMP chunk stream read
// off src. Because every read goes through io.ReadFull at a fixed logical
// byte offset, it does not matter how src's writer split the underlying
// bytes into writes/packets — the same message sequence comes out either
// way.
type Reader struct {
	src io.Reader

	maxChunkSize uint32

	headers  map[uint32]*header
	partials map[partialKey]*partial
}

func NewReader(src io.Reader) *Reader {
	return &Reader{
		src:          src,
		maxChunkSize: DefaultChunkSize,
		headers:      make(map[uint32]*header),
		partials:     make(map[partialKey]*partial),
	}
}

// SetChunkSize updates the size used to slice subsequent message payloads.
// Called by the message decoder when it observes a "set chunk size" control
// message. Out-of-range values are a protocol error.
func (r *Reader) SetChunkSize(size uint32) error {
	if size < MinChunkSize || size > MaxChunkSize {
		return protoErr("chunk size out of range")
	}
	r.maxChunkSize = size
	return nil
}

func readFull(src io.Reader, n int) ([]byte, error) {
	buf := make([]byte, n)
	_, err := io.ReadFull(src, buf)
	if err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, ErrNeedMore
		}
		return nil, err
	}
	return buf, nil
}

// ReadMessage blocks on r.src until one complete message is available, or a
// fatal ProtocolError / resource-exhaustion error occurs, or the underlying
// reader returns a non-EOF error.
func (r *Reader) ReadMessage() (*Message, error) {
	for {
		msg, err := r.readOneChunk()
		if err != nil {
			return nil, err
		}
		if msg != nil {
			return msg, nil
		}
	}
}

// readOneChunk reads exactly one chunk (basic header + message header +
// payload slice) off r.src, folding it into the relevant partial. It
// returns a non-nil Message only once that partial's payload is complete.
func (r *Reader) readOneChunk() (*Message, error) {
	first, err := readFull(r.src, 1)
	if err != nil {
		return nil, err
	}

	fmtBits := uint32(first[0] >> 6)
	basic := first[0] & 0x3f

	var cid uint32
	switch basic {
	case 0:
		b, err := readFull(r.src, 1)
		if err != nil {
			return nil, err
		}
		cid = 64 + uint32(b[0])
	case 1:
		b, err := readFull(r.src, 2)
		if err != nil {
			return nil, err
		}
		cid = 64 + uint32(b[0]) + 256*uint32(b[1])
	default:
		cid = basic
	}

	prev := r.headers[cid]
	if prev == nil && fmtBits != FmtType0 {
		return nil, protoErr("chunk type 1/2/3 received without a prior type 0 header")
	}

	h := header{}
	if prev != nil {
		h = *prev
	}

	switch fmtBits {
	case FmtType0:
		ts, err := readFull(r.src, 3)
		if err != nil {
			return nil, err
		}
		length, err := readFull(r.src, 3)
		if err != nil {
			return nil, err
		}
		typeByte, err := readFull(r.src, 1)
		if err != nil {
			return nil, err
		}
		streamID, err := readFull(r.src, 4)
		if err != nil {
			return nil, err
		}
		raw := be24(ts)
		h.messageLength = be24(length)
		h.messageTypeID = typeByte[0]
		h.messageStreamID = binary.LittleEndian.Uint32(streamID)
		extTS, hasExt, err := r.maybeReadExtended(raw)
		if err != nil {
			return nil, err
		}
		h.timestamp = extTS
		h.hasExtended = hasExt
	case FmtType1:
		delta, err := readFull(r.src, 3)
		if err != nil {
			return nil, err
		}
		length, err := readFull(r.src, 3)
		if err != nil {
			return nil, err
		}
		typeByte, err := readFull(r.src, 1)
		if err != nil {
			return nil, err
		}
		raw := be24(delta)
		h.messageLength = be24(length)
		h.messageTypeID = typeByte[0]
		extDelta, hasExt, err := r.maybeReadExtended(raw)
		if err != nil {
			return nil, err
		}
		h.timestamp = h.timestamp + extDelta
		h.hasExtended = hasExt
	case FmtType2:
		delta, err := readFull(r.src, 3)
		if err != nil {
			return nil, err
		}
		raw := be24(delta)
		extDelta, hasExt, err := r.maybeReadExtended(raw)
		if err != nil {
			return nil, err
		}
		h.timestamp = h.timestamp + extDelta
		h.hasExtended = hasExt
	case FmtType3:
		// Inherits everything; if the previous header on this cs_id was
		// extended, an (ignored) extended timestamp field is still present.
		if prev != nil && prev.hasExtended {
			if _, err := readFull(r.src, 4); err != nil {
				return nil, err
			}
		}
	}

	if h.messageLength > MaxMessageLength {
		return nil, protoErr("message length exceeds limit")
	}

	key := partialKey{chunkStreamID: cid, messageStreamID: h.messageStreamID}
	p := r.partials[key]
	if p == nil {
		if len(r.partials) >= MaxConcurrentPartials {
			return nil, protoErr("too many concurrent partial messages")
		}
		p = &partial{hdr: h, buf: make([]byte, 0, h.messageLength)}
		r.partials[key] = p
	} else {
		p.hdr = h
	}

	remaining := h.messageLength - uint32(len(p.buf))
	toRead := remaining
	if toRead > r.maxChunkSize {
		toRead = r.maxChunkSize
	}

	if toRead > 0 {
		payload, err := readFull(r.src, int(toRead))
		if err != nil {
			return nil, err
		}
		p.buf = append(p.buf, payload...)
		if uint32(len(p.buf)) > MaxMessageLength {
			return nil, protoErr("partial accumulator exceeds limit")
		}
	}

	// Store the header for inheritance regardless of completion.
	if len(r.headers) >= MaxStoredHeaders && r.headers[cid] == nil {
		return nil, protoErr("too many stored chunk stream headers")
	}
	storedHeader := h
	r.headers[cid] = &storedHeader

	if uint32(len(p.buf)) >= h.messageLength {
		msg := &Message{
			ChunkStreamID:   cid,
			Timestamp:       h.timestamp,
			MessageTypeID:   h.messageTypeID,
			MessageStreamID: h.messageStreamID,
			Payload:         p.buf,
		}
		delete(r.partials, key)
		return msg, nil
	}

	return nil, nil
}

// maybeReadExtended reads the 32-bit extended timestamp field when raw is
// the sentinel 0xFFFFFF, reporting whether it did so.
func (r *Reader) maybeReadExtended(raw uint32) (uint32, bool, error) {
	if raw != 0xFFFFFF {
		return raw, false, nil
	}
	b, err := readFull(r.src, 4)
	if err != nil {
		return 0, false, err
	}
	return binary.BigEndian.Uint32(b), true, nil
}

func be24(b []byte) uint32 {
	return uint32(b[2]) | uint32(b[1])<<8 | uint32(b[0])<<16
}
