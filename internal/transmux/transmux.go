// Package transmux turns a live stream's RTMP audio/video tags into
// fragmented-MP4 init and media segments. It owns no network I/O; it is fed
// tags by the session and emits segments through a callback, so it can be
// exercised with recorded tag sequences.
package transmux

import (
	"github.com/pkg/errors"

	"github.com/AgustinSRG/live-ingest-core/internal/mp4"
	"github.com/AgustinSRG/live-ingest-core/internal/rtmp/message"
	"github.com/AgustinSRG/live-ingest-core/internal/transmux/codec"
)

// State is the transmuxer's own small state machine, distinct from (but
// driven alongside) the session state machine: it tracks whether enough
// codec information has arrived to emit an init segment.
type State int

const (
	AwaitingHeaders State = iota
	Streaming
	Closed
)

const (
	videoTrackID = 1
	audioTrackID = 2
	timescale    = 1000 // RTMP timestamps are already in milliseconds
)

var (
	ErrUnsupportedVideoCodec = errors.New("transmux: unsupported video codec (only AVC/H.264 is supported)")
	ErrUnsupportedAudioCodec = errors.New("transmux: unsupported audio codec (only AAC is supported)")
	ErrClosed                = errors.New("transmux: session already closed")
)

// Output is either an init segment (Init != nil, sent once) or a media
// segment (Media != nil, sent once per GOP per track). Video and audio each
// produce their own single-track fragment per GOP boundary (a common CMAF
// layout choice, distinct from interleaving both tracks' samples into one
// moof+mdat — see DESIGN.md); the session only needs the video segment's
// Keyframe/FirstDTS to drive the transcoder-swap boundary logic.
type Output struct {
	Init     []byte
	Media    []byte
	Video    bool  // true if Media is the video track's segment, false for audio
	Keyframe bool  // true for Init, and for every video Media segment (each GOP starts on an IDR by construction)
	FirstDTS int64 // unwrapped (non-wrapping) decode timestamp of the segment's first sample, media timescale
}

// unwrapper turns RTMP's wrapping u32 millisecond timestamps into a
// monotonic i64 timeline, per spec.md §9: "must never subtract two
// timestamps without first checking the wrap predicate". Consecutive raw
// values are assumed never to be more than 2^31 ms apart (about 24 days),
// so casting the wraparound-safe uint32 delta to int32 recovers the correct
// signed step even across a wrap.
type unwrapper struct {
	have bool
	last uint32
	ext  int64
}

func (u *unwrapper) push(raw uint32) int64 {
	if !u.have {
		u.have = true
		u.last = raw
		u.ext = int64(raw)
		return u.ext
	}
	delta := int32(raw - u.last)
	u.ext += int64(delta)
	u.last = raw
	return u.ext
}

type pendingSample struct {
	timestamp int64 // unwrapped
	cto       int32
	keyframe  bool
	data      []byte
}

// Muxer accumulates one stream's audio/video tags and emits fMP4 output via
// Emit whenever a segment boundary is crossed.
type Muxer struct {
	state State
	Emit  func(Output)

	haveVideoConfig bool
	haveAudioConfig bool
	haveKeyframe    bool
	sawAnyAudio     bool
	videoConf       codec.AVCConfig
	videoConfRecord []byte
	audioConf       codec.AACConfig
	audioConfRecord []byte

	gopSamplesVideo []pendingSample
	gopSamplesAudio []pendingSample
	gopBaseVideo    int64
	gopBaseAudio    int64
	haveGopBaseVideo bool
	haveGopBaseAudio bool

	videoClock unwrapper
	audioClock unwrapper

	seqNumber uint32

	hints Hints
}

// Hints carries onMetaData/@setDataFrame publisher-declared values, used
// only as fallback defaults for fields the decoded SPS/PPS or
// AudioSpecificConfig didn't supply, per spec.md §4.3: decoded parameter
// sets always take precedence.
type Hints struct {
	Width           uint32
	Height          uint32
	AudioSampleRate uint32
	AudioChannels   uint32
}

func New(emit func(Output)) *Muxer {
	return &Muxer{state: AwaitingHeaders, Emit: emit}
}

func (m *Muxer) State() State { return m.state }

// SetHints records onMetaData/@setDataFrame fallback values. Safe to call
// at any point in the stream's lifetime; a later call simply updates what
// the next maybeEmitInit (if still pending) falls back to.
func (m *Muxer) SetHints(h Hints) { m.hints = h }

// HandleVideo feeds one decoded video message into the transmuxer.
func (m *Muxer) HandleVideo(timestamp uint32, payload []byte) error {
	if m.state == Closed {
		return ErrClosed
	}
	tag, ok := message.ParseVideoTag(payload)
	if !ok {
		return nil
	}
	if tag.Kind == message.VideoOtherCodec {
		return ErrUnsupportedVideoCodec
	}

	switch tag.Kind {
	case message.VideoAVCSequenceHeader:
		m.videoConf = codec.ParseAVCConfig(tag.Body)
		m.videoConfRecord = append([]byte(nil), tag.Body...)
		m.haveVideoConfig = true
		m.maybeEmitInit()
	case message.VideoAVCNALU:
		ts := m.videoClock.push(timestamp)
		if !tag.IsKeyframe && !m.haveGopBaseVideo {
			// No GOP is open and an inter frame cannot start one: drop it
			// until the next keyframe.
			return nil
		}
		if tag.IsKeyframe && len(m.gopSamplesVideo) > 0 {
			m.flushGOP()
		}
		if tag.IsKeyframe {
			// The transmuxer only transitions AwaitingHeaders -> Streaming
			// (and emits its init segment) on the first NAL-unit frame after
			// both sequence headers are cached, per spec.md §4.3 — not as
			// soon as the headers themselves arrive.
			m.haveKeyframe = true
			m.maybeEmitInit()
		}
		if tag.IsKeyframe && !m.haveGopBaseVideo {
			m.gopBaseVideo = ts
			m.haveGopBaseVideo = true
		}
		m.gopSamplesVideo = append(m.gopSamplesVideo, pendingSample{
			timestamp: ts,
			cto:       tag.CompositionTimeOffset,
			keyframe:  tag.IsKeyframe,
			data:      tag.Body,
		})
	case message.VideoAVCEndOfSequence:
		m.flushGOP()
	}
	return nil
}

// HandleAudio feeds one decoded audio message into the transmuxer.
func (m *Muxer) HandleAudio(timestamp uint32, payload []byte) error {
	if m.state == Closed {
		return ErrClosed
	}
	m.sawAnyAudio = true
	tag, ok := message.ParseAudioTag(payload)
	if !ok {
		return nil
	}
	if tag.Kind == message.AudioOtherCodec {
		return ErrUnsupportedAudioCodec
	}

	switch tag.Kind {
	case message.AudioAACSequenceHeader:
		m.audioConf = codec.ParseAACConfig(tag.Body)
		m.audioConfRecord = append([]byte(nil), tag.Body...)
		m.haveAudioConfig = true
		m.maybeEmitInit()
	case message.AudioAACRaw:
		ts := m.audioClock.push(timestamp)
		if !m.haveGopBaseAudio {
			m.gopBaseAudio = ts
			m.haveGopBaseAudio = true
		}
		m.gopSamplesAudio = append(m.gopSamplesAudio, pendingSample{
			timestamp: ts,
			data:      tag.Body,
		})
		// Before any video sequence header this calls flushGOP every
		// audioOnlySegmentSamples samples, but flushGOP emits nothing until
		// the muxer is Streaming, which needs a video sequence header and a
		// keyframe. A stream without video produces no segments, and its
		// audio samples stay buffered.
		if !m.haveVideoConfig && len(m.gopSamplesAudio) >= audioOnlySegmentSamples {
			m.flushGOP()
		}
	}
	return nil
}

const audioOnlySegmentSamples = 50

func (m *Muxer) maybeEmitInit() {
	if m.state != AwaitingHeaders {
		return
	}
	if !m.haveVideoConfig || !m.haveKeyframe {
		return
	}
	if m.sawAnyAudio && !m.haveAudioConfig {
		return
	}

	width := uint32(m.videoConf.Width)
	if width == 0 {
		width = m.hints.Width
	}
	height := uint32(m.videoConf.Height)
	if height == 0 {
		height = m.hints.Height
	}

	tracks := []mp4.Track{{
		ID: videoTrackID, Kind: mp4.TrackVideo, Timescale: timescale,
		Video: &mp4.VideoParams{
			Width: uint16(width), Height: uint16(height),
			AVCConfigRecord: m.videoConfRecord,
		},
	}}
	if m.haveAudioConfig {
		sampleRate := m.audioConf.SampleRate
		if sampleRate == 0 {
			sampleRate = m.hints.AudioSampleRate
		}
		channels := uint32(m.audioConf.Channels)
		if channels == 0 {
			channels = m.hints.AudioChannels
		}
		tracks = append(tracks, mp4.Track{
			ID: audioTrackID, Kind: mp4.TrackAudio, Timescale: timescale,
			Audio: &mp4.AudioParams{
				Channels: uint16(channels), SampleRate: sampleRate,
				ASCRecord: m.audioConfRecord,
			},
		})
	}

	m.state = Streaming
	m.Emit(Output{Init: mp4.InitSegment(tracks), Keyframe: true})
}

// flushGOP finalizes the currently accumulating GOP, emitting one media
// segment per track with samples. Video is emitted before audio so a
// transcoder that only looks at the first segment after a swap always sees
// the video (IDR-starting) one first, matching the §4.4 swap seam
// guarantee.
func (m *Muxer) flushGOP() {
	if m.state != Streaming {
		return
	}
	if len(m.gopSamplesVideo) > 0 {
		m.Emit(Output{
			Media:    buildSegment(videoTrackID, m.seqNumber, uint64(m.gopBaseVideo), m.gopSamplesVideo, true),
			Video:    true,
			Keyframe: true, // every video GOP starts on the keyframe that triggered it
			FirstDTS: m.gopBaseVideo,
		})
		m.gopSamplesVideo = nil
		m.haveGopBaseVideo = false
	}
	if len(m.gopSamplesAudio) > 0 {
		m.Emit(Output{
			Media:    buildSegment(audioTrackID, m.seqNumber, uint64(m.gopBaseAudio), m.gopSamplesAudio, false),
			Video:    false,
			FirstDTS: m.gopBaseAudio,
		})
		m.gopSamplesAudio = nil
		m.haveGopBaseAudio = false
	}
	m.seqNumber++
}

func buildSegment(trackID uint32, seq uint32, base uint64, samples []pendingSample, video bool) []byte {
	out := make([]byte, 0)
	mp4Samples := make([]mp4.Sample, len(samples))
	for i, s := range samples {
		var duration uint32
		if i+1 < len(samples) {
			duration = uint32(samples[i+1].timestamp - s.timestamp)
		} else if i > 0 {
			duration = uint32(s.timestamp - samples[i-1].timestamp)
		} else {
			duration = 0
		}
		mp4Samples[i] = mp4.Sample{
			Duration:              duration,
			Size:                  uint32(len(s.data)),
			Flags:                 mp4.SampleFlags{SampleIsNonSync: video && !s.keyframe},
			CompositionTimeOffset: s.cto,
		}
		out = append(out, s.data...)
	}
	return mp4.MediaSegment(mp4.Segment{
		TrackID:             trackID,
		SequenceNumber:      seq,
		BaseMediaDecodeTime: base,
		Samples:             mp4Samples,
		Data:                out,
	})
}

// Close flushes any buffered GOP and marks the muxer closed; further
// HandleAudio/HandleVideo calls return ErrClosed.
func (m *Muxer) Close() {
	if m.state == Closed {
		return
	}
	m.flushGOP()
	m.state = Closed
}
