package codec

var aacSampleRates = []uint32{
	96000, 88200, 64000, 48000,
	44100, 32000, 24000, 22050,
	16000, 12000, 11025, 8000,
	7350, 0, 0, 0,
}

var aacChannels = []uint32{0, 1, 2, 3, 4, 5, 6, 8}

// AACConfig is the decoded AudioSpecificConfig carried in an AAC sequence
// header audio tag (RTMP AACPacketType 0).
type AACConfig struct {
	ObjectType    uint32
	SampleRate    uint32
	SamplingIndex byte
	ChannelConfig uint32
	Channels      uint32
	SBR           bool
	PS            bool
	ExtObjectType uint32
}

func readAudioObjectType(b *bitReader) uint32 {
	r := b.Read(5)
	if r == 31 {
		r = b.Read(6) + 32
	}
	return r
}

func readAudioSampleRate(b *bitReader, samplingIndex byte) uint32 {
	if samplingIndex == 0x0f {
		return b.Read(24)
	}
	if int(samplingIndex) < len(aacSampleRates) {
		return aacSampleRates[samplingIndex]
	}
	return 0
}

// ParseAACConfig decodes an AudioSpecificConfig. seqHeader is an audio tag's
// Body past the SoundFormat/AACPacketType bytes message.ParseAudioTag
// already stripped, so it starts directly at the AudioSpecificConfig.
func ParseAACConfig(seqHeader []byte) AACConfig {
	var res AACConfig
	b := newBitReader(seqHeader)

	res.ObjectType = readAudioObjectType(b)
	res.SamplingIndex = byte(b.Read(4))
	res.SampleRate = readAudioSampleRate(b, res.SamplingIndex)
	res.ChannelConfig = b.Read(4)

	if int(res.ChannelConfig) < len(aacChannels) {
		res.Channels = aacChannels[res.ChannelConfig]
	}

	if res.ObjectType == 5 || res.ObjectType == 29 {
		res.PS = res.ObjectType == 29
		res.ExtObjectType = 5
		res.SBR = true
		res.SamplingIndex = byte(b.Read(4))
		res.SampleRate = readAudioSampleRate(b, res.SamplingIndex)
		res.ObjectType = readAudioObjectType(b)
	}

	return res
}

// ProfileName returns the informal AAC profile name (LC, HE, HEv2...) used
// in stream metadata and logs.
func (c AACConfig) ProfileName() string {
	switch c.ObjectType {
	case 1:
		return "Main"
	case 2:
		if c.PS {
			return "HEv2"
		}
		if c.SBR {
			return "HE"
		}
		return "LC"
	case 3:
		return "SSR"
	case 4:
		return "LTP"
	case 5:
		return "SBR"
	default:
		return ""
	}
}
