package message

import (
	"github.com/AgustinSRG/live-ingest-core/internal/rtmp/amf0"
)

// DecodeCommand decodes an AMF0 or AMF3 command message payload.
//
// RTMP's "AMF3 command" message type (17) is, in every encoder actually
// observed in the wild, AMF0 with a single leading 0x00 byte indicating
// "AMF0 encoding follows" — true native AMF3 command encoding does not
// appear in the teacher or any pack example, so isAMF3 only strips that
// marker byte; this module has no AMF3 value decoder.
func DecodeCommand(payload []byte, isAMF3 bool) *amf0.Command {
	if isAMF3 && len(payload) > 0 {
		payload = payload[1:]
	}
	return amf0.DecodeCommand(payload)
}

// DecodeData decodes an AMF0 or AMF3 data message payload (onMetaData,
// @setDataFrame). Same AMF3-marker handling as DecodeCommand.
func DecodeData(payload []byte, isAMF3 bool) *amf0.DataMessage {
	if isAMF3 && len(payload) > 0 {
		payload = payload[1:]
	}
	return amf0.DecodeData(payload)
}

// EncodeCommand serializes a command message as AMF0 (this core never
// replies using AMF3 encoding regardless of how the client asked).
func EncodeCommand(c *amf0.Command) []byte {
	return amf0.EncodeCommand(c)
}

func EncodeData(d *amf0.DataMessage) []byte {
	return amf0.EncodeData(d)
}
