// Package message interprets RTMP message payloads above the chunk-framing
// layer: protocol control messages, AMF command/data messages, and the
// first bytes of audio/video tags that select a codec. Adapted from
// AgustinSRG-rtmp-server's rtmp_session_utils.go (control message senders)
// and rtmp_session.go's HandlePacket/HandleAudioPacket/HandleVideoPacket
// switch, generalized away from the teacher's direct-socket-write style so
// it can be exercised without a live connection.
package message

import "encoding/binary"

// Protocol control message type ids (RTMP message_type_id values).
const (
	TypeSetChunkSize     = 1
	TypeAbort            = 2
	TypeAcknowledgement  = 3
	TypeUserControl      = 4
	TypeWindowAckSize    = 5
	TypeSetPeerBandwidth = 6
	TypeAudio            = 8
	TypeVideo            = 9
	TypeAMF3Data         = 15
	TypeAMF3SharedObject = 16
	TypeAMF3Command      = 17
	TypeAMF0Data         = 18
	TypeAMF0SharedObject = 19
	TypeAMF0Command      = 20
	TypeAggregate        = 22
)

// User control event ids (carried in the first 2 bytes of a TypeUserControl
// message payload).
const (
	UserControlStreamBegin = 0
	UserControlStreamEOF   = 1
	UserControlStreamDry   = 2
	UserControlPingRequest = 6
	UserControlPingResponse = 7
)

const (
	PeerBandwidthDynamic = 2
)

func EncodeSetChunkSize(size uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, size)
	return b
}

func EncodeWindowAckSize(size uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, size)
	return b
}

func EncodeAcknowledgement(seq uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, seq)
	return b
}

func EncodeSetPeerBandwidth(size uint32, limitType byte) []byte {
	b := make([]byte, 5)
	binary.BigEndian.PutUint32(b[0:4], size)
	b[4] = limitType
	return b
}

func EncodeStreamBegin(streamID uint32) []byte {
	return encodeUserControl(UserControlStreamBegin, streamID)
}

func EncodePingRequest(timestamp uint32) []byte {
	return encodeUserControl(UserControlPingRequest, timestamp)
}

func EncodePingResponse(timestamp uint32) []byte {
	return encodeUserControl(UserControlPingResponse, timestamp)
}

func encodeUserControl(event uint16, value uint32) []byte {
	b := make([]byte, 6)
	binary.BigEndian.PutUint16(b[0:2], event)
	binary.BigEndian.PutUint32(b[2:6], value)
	return b
}

// DecodePingResponse reports whether a user control payload is a ping
// response (the reply to a ping request this core sent).
func DecodePingResponse(payload []byte) (timestamp uint32, ok bool) {
	if len(payload) < 6 {
		return 0, false
	}
	event := binary.BigEndian.Uint16(payload[0:2])
	if event != UserControlPingResponse {
		return 0, false
	}
	return binary.BigEndian.Uint32(payload[2:6]), true
}

// DecodePingRequest reports whether a user control payload is a ping
// request (the broadcaster's client probing for liveness), which this core
// must answer with a PingResponse carrying the same timestamp, per
// spec.md §4.3.
func DecodePingRequest(payload []byte) (timestamp uint32, ok bool) {
	if len(payload) < 6 {
		return 0, false
	}
	event := binary.BigEndian.Uint16(payload[0:2])
	if event != UserControlPingRequest {
		return 0, false
	}
	return binary.BigEndian.Uint32(payload[2:6]), true
}
