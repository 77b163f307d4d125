package chunk

import (
	"bytes"
	"testing"
)

func TestReaderWriterRoundTrip(t *testing.T) {
	w := NewWriter(DefaultChunkSize)
	out := w.CreateChunks(&OutMessage{
		ChunkStreamID:   3,
		Timestamp:       12345,
		MessageTypeID:   TypeVideo,
		MessageStreamID: 1,
		Payload:         bytes.Repeat([]byte{0xAB}, 500),
	})

	r := NewReader(bytes.NewReader(out))
	msg, err := r.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if msg.MessageTypeID != TypeVideo {
		t.Fatalf("type = %d, want %d", msg.MessageTypeID, TypeVideo)
	}
	if msg.Timestamp != 12345 {
		t.Fatalf("timestamp = %d, want 12345", msg.Timestamp)
	}
	if len(msg.Payload) != 500 {
		t.Fatalf("payload len = %d, want 500", len(msg.Payload))
	}
}

func TestReaderWriterRoundTripDeltaTimestamps(t *testing.T) {
	// Consecutive messages on the same chunk_stream_id make the writer drop
	// to FmtType1/FmtType2 headers, whose timestamp field is a delta rather
	// than an absolute value; a writer that forgot this would desync the
	// reader's running timestamp from the second message on.
	w := NewWriter(DefaultChunkSize)
	var wire bytes.Buffer

	wire.Write(w.CreateChunks(&OutMessage{
		ChunkStreamID: 4, Timestamp: 1000, MessageTypeID: TypeVideo,
		MessageStreamID: 1, Payload: []byte{1, 2, 3},
	}))
	wire.Write(w.CreateChunks(&OutMessage{
		ChunkStreamID: 4, Timestamp: 1040, MessageTypeID: TypeVideo,
		MessageStreamID: 1, Payload: []byte{4, 5, 6},
	}))
	wire.Write(w.CreateChunks(&OutMessage{
		ChunkStreamID: 4, Timestamp: 1080, MessageTypeID: TypeVideo,
		MessageStreamID: 1, Payload: []byte{7, 8, 9},
	}))

	r := NewReader(bytes.NewReader(wire.Bytes()))
	wantTimestamps := []uint32{1000, 1040, 1080}
	for i, want := range wantTimestamps {
		msg, err := r.ReadMessage()
		if err != nil {
			t.Fatalf("message %d: ReadMessage: %v", i, err)
		}
		if msg.Timestamp != want {
			t.Fatalf("message %d: timestamp = %d, want %d", i, msg.Timestamp, want)
		}
	}
}

func TestReaderRejectsChunkSizeBelowMinimum(t *testing.T) {
	r := NewReader(bytes.NewReader(nil))
	if err := r.SetChunkSize(64); err == nil {
		t.Fatal("expected error for chunk size below MinChunkSize")
	}
}

func TestReaderRejectsChunkSizeAboveMaximum(t *testing.T) {
	r := NewReader(bytes.NewReader(nil))
	if err := r.SetChunkSize(MaxChunkSize + 1); err == nil {
		t.Fatal("expected error for chunk size above MaxChunkSize")
	}
}

func TestReaderEnforcesMaxMessageLength(t *testing.T) {
	w := NewWriter(DefaultChunkSize)
	// A single FmtType0 header declaring a length above MaxMessageLength
	// must be rejected before the reader ever tries to buffer it.
	out := w.CreateChunks(&OutMessage{
		ChunkStreamID:   3,
		MessageTypeID:   TypeVideo,
		MessageStreamID: 1,
		Payload:         make([]byte, 16),
	})
	// Corrupt the encoded message length field (bytes 4-6 of the 11-byte
	// FMT0 header, after the 1-byte basic header) to exceed the limit.
	out[4] = 0xFF
	out[5] = 0xFF
	out[6] = 0xFF

	r := NewReader(bytes.NewReader(out))
	if _, err := r.ReadMessage(); err == nil {
		t.Fatal("expected a fatal protocol error for an oversized message")
	}
}
