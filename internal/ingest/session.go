// Package ingest implements the per-connection session state machine
// (spec.md §4.4, component C6) and the TCP/TLS listener that spawns one
// session per accepted connection (component C10).
//
// Adapted from AgustinSRG/rtmp-server's RTMPSession (rtmp_session.go,
// rtmp_session_utils.go): the handshake-then-read-loop shape, the
// mutex-free single-goroutine-owns-the-socket design, and the
// connect/publish command dispatch are kept; the teacher's "accept any
// stream key and immediately start relaying to players" design is replaced
// with the explicit Handshaking -> ... -> Closed machine spec.md §4.4
// describes, the control-plane authentication round trip the teacher has no
// equivalent for (it never calls out to an external authority), and the
// transcoder attachment/swap logic the teacher's GOP-cache player relay
// doesn't need at all.
package ingest

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/AgustinSRG/live-ingest-core/internal/broker"
	"github.com/AgustinSRG/live-ingest-core/internal/config"
	"github.com/AgustinSRG/live-ingest-core/internal/connmanager"
	"github.com/AgustinSRG/live-ingest-core/internal/controlplane"
	"github.com/AgustinSRG/live-ingest-core/internal/ingestlog"
	"github.com/AgustinSRG/live-ingest-core/internal/rtmp/amf0"
	"github.com/AgustinSRG/live-ingest-core/internal/rtmp/chunk"
	"github.com/AgustinSRG/live-ingest-core/internal/rtmp/handshake"
	"github.com/AgustinSRG/live-ingest-core/internal/rtmp/message"
	"github.com/AgustinSRG/live-ingest-core/internal/transmux"
)

// State is the session's own lifecycle state machine, spec.md §4.4.
type State int

const (
	StateHandshaking State = iota
	StateAwaitingConnect
	StateAwaitingPublish
	StateAuthenticating
	StatePublishing
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "Handshaking"
	case StateAwaitingConnect:
		return "AwaitingConnect"
	case StateAwaitingPublish:
		return "AwaitingPublish"
	case StateAuthenticating:
		return "Authenticating"
	case StatePublishing:
		return "Publishing"
	case StateClosing:
		return "Closing"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// maxBufferedSegmentsOnGap bounds how many media segments are held while the
// session is in the "requesting transcoder" posture after an ungraceful
// active-attachment loss (spec.md §4.4 item 5): newer segments displace
// older ones rather than growing without bound.
const maxBufferedSegmentsOnGap = 4

// Deps bundles the process-wide collaborators a Session needs. All of them
// outlive any one session; the session only ever borrows them.
type Deps struct {
	Config  *config.Config
	Control *controlplane.Client
	Manager *connmanager.Manager
	Broker  *broker.Publisher
}

type readResult struct {
	msg *chunk.Message
	err error
}

// Session is one broadcaster TCP connection and everything downstream of
// it: chunk framing, AMF/tag decoding, transmuxing, and transcoder fan-out.
type Session struct {
	deps Deps

	conn rwCloser
	ip   string
	id   string // connection_id, ingress-generated

	state State

	reader *chunk.Reader
	writer *chunk.Writer

	appName   string
	streamKey string
	streamID  string

	record    bool
	transcode bool
	variants  []controlplane.Variant

	muxer       *transmux.Muxer
	sawAnyAudio bool

	active               *attachment
	pending              *attachment
	requestingTranscoder bool
	bufferedSegments     []connmanager.ToTranscoder
	cachedInit           connmanager.ToTranscoder
	haveCachedInit       bool

	videoSeqHeaderSent bool
	audioSeqHeaderSent bool
	firstFrameDeadline time.Time
	sawFirstFrame      bool
	publishDeadline    time.Time

	bytesReceived     uint64
	lastAckBytes      uint64
	peerWindowAckSize uint32

	requestCh  chan connmanager.Request
	shutdownCh chan struct{}

	registered bool
}

// rwCloser is the subset of net.Conn a Session needs; tests can substitute
// an in-memory pipe without standing up real sockets.
type rwCloser interface {
	Read(b []byte) (int, error)
	Write(b []byte) (int, error)
	Close() error
	SetDeadline(t time.Time) error
}

type attachment struct {
	requestID string
	mailbox   connmanager.Mailbox
	up        bool // true once Started received
}

// NewSession constructs a session over an already-accepted connection,
// identified by remoteIP for logging and per-IP connection limiting. Run
// must be called to drive it.
func NewSession(conn rwCloser, remoteIP string, deps Deps) *Session {
	return &Session{
		deps:              deps,
		conn:              conn,
		ip:                remoteIP,
		id:                uuid.NewString(),
		state:             StateHandshaking,
		peerWindowAckSize: defaultAckWindowSize,
		requestCh:         make(chan connmanager.Request, 32),
		shutdownCh:        make(chan struct{}),
	}
}

// defaultAckWindowSize is used to pace outgoing Acknowledgement messages
// (spec.md §4.3) when the broadcaster never sends its own WindowAckSize
// request — the common case for RTMP encoders, which only ever expect to
// receive one, not send one. It matches the window size this core grants the
// peer in onConnect.
const defaultAckWindowSize = 2500000

// SubmitRequest implements connmanager.SessionMailbox: invoked from a
// transcoder RPC goroutine, never from the session's own loop.
func (s *Session) SubmitRequest(req connmanager.Request) bool {
	select {
	case s.requestCh <- req:
		return true
	default:
		return false
	}
}

// Run performs the handshake and then drives the session to completion. It
// blocks until the session reaches Closed or shutdown fires.
func (s *Session) Run(shutdown <-chan struct{}) {
	defer s.conn.Close() //nolint:errcheck

	if err := s.conn.SetDeadline(time.Now().Add(s.deps.Config.HandshakeTimeout)); err != nil {
		return
	}
	if err := handshake.Server(s.conn); err != nil {
		ingestlog.DebugSession(s.id, s.ip, "handshake failed: "+err.Error())
		return
	}
	if err := s.conn.SetDeadline(time.Time{}); err != nil {
		return
	}

	s.reader = chunk.NewReader(s.conn)
	s.writer = chunk.NewWriter(chunk.DefaultChunkSize)
	s.state = StateAwaitingConnect
	ingestlog.Request(s.id, s.ip, "connected")

	msgCh := make(chan readResult, 8)
	go s.readLoop(msgCh)

	go func() {
		select {
		case <-shutdown:
			close(s.shutdownCh)
		case <-s.shutdownCh:
		}
	}()

	s.mainLoop(msgCh)
}

func (s *Session) readLoop(out chan<- readResult) {
	for {
		msg, err := s.reader.ReadMessage()
		select {
		case out <- readResult{msg: msg, err: err}:
		case <-s.shutdownCh:
			return
		}
		if err != nil {
			return
		}
	}
}

func (s *Session) mainLoop(msgCh <-chan readResult) {
	// A broadcaster that stalls after publish (no frames at all, or frames
	// but no sequence headers) would otherwise never wake this select, since
	// nothing else arrives on msgCh/requestCh/shutdownCh to re-check the
	// deadlines below against. deadlineTick guarantees periodic re-checks
	// independent of traffic.
	deadlineTick := time.NewTicker(time.Second)
	defer deadlineTick.Stop()

	for s.state != StateClosed {
		select {
		case <-s.shutdownCh:
			s.beginClosing(controlplane.StateStopped, nil)
			s.finishClosing()
			return
		case <-deadlineTick.C:
		case req := <-s.requestCh:
			s.handleTranscoderRequest(req)
		case rr, ok := <-msgCh:
			if !ok {
				s.beginClosing(controlplane.StateStoppedResumable, errClosedPipe)
				s.finishClosing()
				return
			}
			if rr.err != nil {
				s.onReadError(rr.err)
				s.finishClosing()
				return
			}
			if err := s.handleMessage(rr.msg); err != nil {
				s.onFatal(err)
				s.finishClosing()
				return
			}
		}

		if s.state == StateClosed {
			return
		}
		if s.sawFirstFrame && !s.haveAllSequenceHeaders() && time.Now().After(s.firstFrameDeadline) {
			s.onFatal(errors.New("sequence headers not received within grace period"))
			s.finishClosing()
			return
		}
		if s.state == StatePublishing && !s.sawFirstFrame && time.Now().After(s.publishDeadline) {
			s.onFatal(errors.New("no video frame received within grace period after publish"))
			s.finishClosing()
			return
		}
	}
}

var errClosedPipe = errors.New("ingest: connection closed")

func (s *Session) haveAllSequenceHeaders() bool {
	if !s.videoSeqHeaderSent {
		return false
	}
	if s.sawAnyAudio && !s.audioSeqHeaderSent {
		return false
	}
	return true
}

func (s *Session) onReadError(err error) {
	switch s.state {
	case StatePublishing:
		// TCP loss without a prior deleteStream: resumable, per spec.md §4.4.
		s.beginClosing(controlplane.StateStoppedResumable, err)
	default:
		s.beginClosing(controlplane.StateFailed, err)
	}
}

func (s *Session) onFatal(err error) {
	ingestlog.ErrorMessage("session " + s.id + ": " + err.Error())
	s.beginClosing(controlplane.StateFailed, err)
}

// beginClosing transitions towards Closing, tearing down transcoder
// attachments, unregistering from the connection manager, and reporting the
// terminal state to the control plane.
func (s *Session) beginClosing(state controlplane.LiveStreamState, cause error) {
	if s.state == StateClosing || s.state == StateClosed {
		return
	}
	s.state = StateClosing

	if s.muxer != nil {
		s.muxer.Close()
	}

	if s.active != nil {
		s.active.mailbox.Send(connmanager.ToTranscoder{Kind: connmanager.SendShuttingDown, Graceful: cause == nil})
		s.active.mailbox.Close()
		s.active = nil
	}
	if s.pending != nil {
		s.pending.mailbox.Close()
		s.pending = nil
	}

	if s.registered && s.streamID != "" {
		s.deps.Manager.Unregister(s.streamID, s)
		s.registered = false
	}

	if s.streamID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), s.deps.Config.ControlPlaneTimeout)
		defer cancel()
		_ = s.deps.Control.UpdateLiveStream(ctx, s.streamID, s.id, []controlplane.Update{
			controlplane.StateUpdate(state),
		})
	}

	ingestlog.Request(s.id, s.ip, "closing: "+string(state))
}

func (s *Session) finishClosing() {
	s.state = StateClosed
}

// handleMessage dispatches one fully-reassembled RTMP message, spec.md §4.3.
func (s *Session) handleMessage(msg *chunk.Message) error {
	s.noteAcknowledgement(len(msg.Payload))

	switch msg.MessageTypeID {
	case message.TypeSetChunkSize:
		if len(msg.Payload) < 4 {
			return errors.New("short set-chunk-size message")
		}
		return s.reader.SetChunkSize(be32(msg.Payload))
	case message.TypeWindowAckSize:
		return s.handleWindowAckSize(msg.Payload)
	case message.TypeSetPeerBandwidth:
		return s.handleSetPeerBandwidth(msg.Payload)
	case message.TypeAcknowledgement:
		return nil // the peer acking bytes we sent; nothing to track
	case message.TypeUserControl:
		if ts, ok := message.DecodePingRequest(msg.Payload); ok {
			s.send(message.TypeUserControl, 0, message.EncodePingResponse(ts))
		}
		return nil
	case message.TypeAudio:
		return s.handleAudio(msg)
	case message.TypeVideo:
		return s.handleVideo(msg)
	case message.TypeAMF0Command, message.TypeAMF3Command:
		cmd := message.DecodeCommand(msg.Payload, msg.MessageTypeID == message.TypeAMF3Command)
		return s.handleCommand(cmd)
	case message.TypeAMF0Data, message.TypeAMF3Data:
		return s.handleDataMessage(msg.Payload, msg.MessageTypeID == message.TypeAMF3Data)
	default:
		return nil
	}
}

// noteAcknowledgement tracks bytes received against the window size the
// peer (or the default, if the peer never sent one) requested, sending an
// Acknowledgement once the window is exceeded, per spec.md §4.3.
func (s *Session) noteAcknowledgement(n int) {
	s.bytesReceived += uint64(n)
	if s.peerWindowAckSize == 0 {
		return
	}
	if s.bytesReceived-s.lastAckBytes < uint64(s.peerWindowAckSize) {
		return
	}
	s.lastAckBytes = s.bytesReceived
	s.send(message.TypeAcknowledgement, 0, message.EncodeAcknowledgement(uint32(s.bytesReceived)))
}

func (s *Session) handleWindowAckSize(payload []byte) error {
	if len(payload) < 4 {
		return errors.New("short window-ack-size message")
	}
	s.peerWindowAckSize = be32(payload)
	return nil
}

// handleSetPeerBandwidth echoes the peer's declared bandwidth back as our
// own window acknowledgement size, per spec.md §4.3's "window
// acknowledgement size and set peer bandwidth are echoed".
func (s *Session) handleSetPeerBandwidth(payload []byte) error {
	if len(payload) < 4 {
		return errors.New("short set-peer-bandwidth message")
	}
	size := be32(payload)
	s.send(message.TypeWindowAckSize, 0, message.EncodeWindowAckSize(size))
	return nil
}

// handleDataMessage forwards onMetaData/@setDataFrame hints to the
// transmuxer as fallback defaults, per spec.md §4.3: decoded SPS/PPS and
// AudioSpecificConfig values always take precedence over these.
func (s *Session) handleDataMessage(payload []byte, isAMF3 bool) error {
	if s.muxer == nil {
		return nil
	}
	data := message.DecodeData(payload, isAMF3)
	if data.Tag != "onMetaData" && data.Tag != "@setDataFrame" {
		return nil
	}
	meta := metadataObject(data)
	if meta == nil {
		return nil
	}
	s.muxer.SetHints(transmux.Hints{
		Width:           uint32(meta.GetProperty("width").GetInteger()),
		Height:          uint32(meta.GetProperty("height").GetInteger()),
		AudioSampleRate: uint32(meta.GetProperty("audiosamplerate").GetInteger()),
		AudioChannels:   metadataAudioChannels(meta),
	})
	return nil
}

// metadataObject finds the command-object argument among a data message's
// positional args: onMetaData carries it as Arg(0), while @setDataFrame
// wraps it as Arg(1) behind a leading "onMetaData" string tag.
func metadataObject(data *amf0.DataMessage) *amf0.Value {
	for _, a := range data.Args {
		if a != nil && a.Obj != nil {
			return a
		}
	}
	return nil
}

func metadataAudioChannels(meta *amf0.Value) uint32 {
	if stereo := meta.GetProperty("stereo"); !stereo.IsUndefined() {
		if stereo.GetBool() {
			return 2
		}
		return 1
	}
	if ch := meta.GetProperty("audiochannels"); !ch.IsUndefined() {
		return uint32(ch.GetInteger())
	}
	return 0
}

func be32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func (s *Session) handleCommand(cmd *amf0.Command) error {
	switch cmd.Name {
	case "connect":
		return s.onConnect(cmd)
	case "releaseStream", "FCPublish", "FCUnpublish":
		return nil // compatibility no-ops some encoders send unconditionally
	case "createStream":
		return s.onCreateStream(cmd)
	case "publish":
		return s.onPublish(cmd)
	case "deleteStream", "closeStream":
		return s.onDeleteStream()
	default:
		return nil
	}
}

func (s *Session) onConnect(cmd *amf0.Command) error {
	if s.state != StateAwaitingConnect {
		return nil
	}
	obj := cmd.Arg(0)
	if obj != nil && obj.Obj != nil {
		if app, ok := obj.Obj["app"]; ok {
			s.appName = app.GetString()
		}
	}

	s.send(message.TypeWindowAckSize, 0, message.EncodeWindowAckSize(2500000))
	s.send(message.TypeSetPeerBandwidth, 0, message.EncodeSetPeerBandwidth(2500000, message.PeerBandwidthDynamic))
	s.send(message.TypeSetChunkSize, 0, message.EncodeSetChunkSize(chunk.DefaultChunkSize))

	reply := &amf0.Command{
		Name:    "_result",
		TransID: cmd.TransID,
		Args: []*amf0.Value{
			amf0.Object(map[string]*amf0.Value{
				"fmsVer":       amf0.String("FMS/3,0,1,123"),
				"capabilities": amf0.Number(31),
			}),
			amf0.Object(map[string]*amf0.Value{
				"level":          amf0.String("status"),
				"code":           amf0.String("NetConnection.Connect.Success"),
				"description":    amf0.String("Connection succeeded."),
				"objectEncoding": amf0.Number(0),
			}),
		},
	}
	s.send(message.TypeAMF0Command, 0, message.EncodeCommand(reply))
	s.state = StateAwaitingPublish
	return nil
}

func (s *Session) onCreateStream(cmd *amf0.Command) error {
	reply := &amf0.Command{
		Name:    "_result",
		TransID: cmd.TransID,
		Args:    []*amf0.Value{amf0.Null(), amf0.Number(1)},
	}
	s.send(message.TypeAMF0Command, 0, message.EncodeCommand(reply))
	s.send(message.TypeUserControl, 0, message.EncodeStreamBegin(1))
	return nil
}

func (s *Session) onPublish(cmd *amf0.Command) error {
	if s.state != StateAwaitingPublish {
		return nil
	}
	s.streamKey = cmd.Arg(0).GetString()
	s.state = StateAuthenticating

	ctx, cancel := context.WithTimeout(context.Background(), s.deps.Config.ControlPlaneTimeout)
	defer cancel()

	auth, err := s.deps.Control.AuthenticateLiveStream(ctx, controlplane.AuthRequest{
		StreamKey:     s.streamKey,
		AppName:       s.appName,
		IPAddress:     s.ip,
		IngestAddress: s.deps.Config.RTMPBindAddress,
		ConnectionID:  s.id,
	})
	if err != nil {
		s.rejectPublish(cmd, "Unauthorized.")
		return errors.Wrap(err, "authenticate live stream")
	}

	streamID := auth.StreamID
	if auth.TryResume && s.deps.Manager.Owns(streamID) {
		// Collision: a previous connection under the same id is still
		// live. Mint a fresh id rather than contending for the slot,
		// per spec.md §4.4's try_resume collision rule.
		newID, err := s.deps.Control.NewLiveStream(ctx, streamID, auth.Variants)
		if err != nil {
			s.rejectPublish(cmd, "Stream already active.")
			return errors.Wrap(err, "new live stream")
		}
		streamID = newID
	}

	s.streamID = streamID
	s.record = auth.Record
	s.transcode = auth.Transcode
	s.variants = auth.Variants

	s.deps.Manager.Register(s.streamID, s)
	s.registered = true

	s.muxer = transmux.New(s.onSegment)
	s.state = StatePublishing
	s.publishDeadline = time.Now().Add(s.deps.Config.FirstFrameGrace)

	if s.transcode {
		s.requestingTranscoder = true
		_ = s.deps.Broker.PublishNewStream(ctx, uuid.NewString(), uuid.NewString(), s.streamID, s.variants)
	}

	_ = s.deps.Control.UpdateLiveStream(ctx, s.streamID, s.id, []controlplane.Update{
		controlplane.StateUpdate(controlplane.StateNotReady),
	})

	reply := &amf0.Command{
		Name:    "onStatus",
		TransID: cmd.TransID,
		Args: []*amf0.Value{
			amf0.Null(),
			amf0.Object(map[string]*amf0.Value{
				"level":       amf0.String("status"),
				"code":        amf0.String("NetStream.Publish.Start"),
				"description": amf0.String("Publish started."),
			}),
		},
	}
	s.send(message.TypeAMF0Command, 1, message.EncodeCommand(reply))
	ingestlog.Request(s.id, s.ip, "publishing stream_id="+s.streamID)
	return nil
}

func (s *Session) rejectPublish(cmd *amf0.Command, reason string) {
	reply := &amf0.Command{
		Name:    "onStatus",
		TransID: cmd.TransID,
		Args: []*amf0.Value{
			amf0.Null(),
			amf0.Object(map[string]*amf0.Value{
				"level":       amf0.String("error"),
				"code":        amf0.String("NetStream.Publish.BadName"),
				"description": amf0.String(reason),
			}),
		},
	}
	s.send(message.TypeAMF0Command, 1, message.EncodeCommand(reply))
	s.state = StateClosing
}

func (s *Session) onDeleteStream() error {
	if s.state == StatePublishing {
		s.beginClosing(controlplane.StateStopped, nil)
	}
	s.finishClosing()
	return nil
}

func (s *Session) handleAudio(msg *chunk.Message) error {
	if s.muxer == nil {
		return nil
	}
	s.sawAnyAudio = true
	s.noteFirstFrame()
	if err := s.muxer.HandleAudio(msg.Timestamp, msg.Payload); err != nil {
		return err
	}
	if tag, ok := message.ParseAudioTag(msg.Payload); ok && tag.Kind == message.AudioAACSequenceHeader {
		s.audioSeqHeaderSent = true
	}
	return nil
}

func (s *Session) handleVideo(msg *chunk.Message) error {
	if s.muxer == nil {
		return nil
	}
	s.noteFirstFrame()
	if err := s.muxer.HandleVideo(msg.Timestamp, msg.Payload); err != nil {
		return err
	}
	if tag, ok := message.ParseVideoTag(msg.Payload); ok && tag.Kind == message.VideoAVCSequenceHeader {
		s.videoSeqHeaderSent = true
	}
	return nil
}

func (s *Session) noteFirstFrame() {
	if s.sawFirstFrame {
		return
	}
	s.sawFirstFrame = true
	s.firstFrameDeadline = time.Now().Add(s.deps.Config.SequenceHeaderGrace)
}

// onSegment is transmux.Muxer's Emit callback: it fans one produced segment
// out to the active transcoder attachment (or buffers it, bounded, while one
// is still being requested), performs a keyframe-boundary swap when a
// pending attachment has come up, and publishes the segment on the broker
// subject.
func (s *Session) onSegment(out transmux.Output) {
	msg := connmanager.ToTranscoder{
		Keyframe: out.Keyframe,
		FirstDTS: out.FirstDTS,
	}
	if out.Init != nil {
		msg.Kind = connmanager.SendInit
		msg.Data = out.Init
		s.cachedInit = msg
		s.haveCachedInit = true
	} else {
		msg.Kind = connmanager.SendMedia
		msg.Data = out.Media
	}

	// A video GOP always starts on an IDR (transmux cuts segments only on
	// keyframes), so the start of any video media segment is exactly the
	// "next keyframe boundary" spec.md §4.4 item 4 swaps on. Perform the
	// swap here, before routing this segment, so the outgoing attachment
	// never sees it and the incoming one sees it as its first media
	// segment (preceded by a fresh init), per the no-overlap invariant. The
	// audio clause covers an audio segment seen before any video sequence
	// header; the transmuxer emits no media segment before it has one, so
	// in practice swaps happen at video keyframes.
	isBoundary := (out.Video && out.Keyframe) || (!out.Video && out.Media != nil && !s.videoSeqHeaderSent)
	if isBoundary && s.pending != nil && s.pending.up {
		s.swapToPending()
	}

	if s.active != nil {
		switch s.active.mailbox.Send(msg) {
		case connmanager.SendOK:
		case connmanager.SendFull:
			// A full *active* mailbox is backpressure, not liveness loss,
			// per spec.md §5: keep retrying this one send (blocking the
			// single mainLoop goroutine) rather than dropping the
			// attachment. Because mainLoop also stops pulling from msgCh
			// while blocked here, readLoop's buffered channel fills and the
			// broadcaster's TCP read is throttled naturally.
			s.sendActiveBlocking(msg)
		case connmanager.SendClosed:
			s.active.mailbox.Close()
			s.active = nil
			s.requestReplacement(controlplane.EventWarning, "Transcoder Disconnected", "the active transcoder's mailbox closed unexpectedly")
			if out.Init == nil {
				s.bufferSegment(msg)
			}
		}
	} else if s.requestingTranscoder && out.Init == nil {
		// Init is never buffered: cachedInit already covers it and is
		// always resent first on attach/promotion, so buffering it too
		// would deliver it twice to the next attachment.
		s.bufferSegment(msg)
	}

	if s.streamID != "" {
		segment := out.Media
		if out.Init != nil {
			segment = out.Init
		}
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.deps.Broker.PublishSegment(ctx, uuid.NewString(), s.streamID, out.Init != nil, out.Keyframe, out.FirstDTS, segment)
	}
}

// sendActiveBlocking retries delivering msg to the active attachment until
// it is accepted, the mailbox closes, or shutdown fires. A close while
// blocked here is still a genuine liveness failure and is handled exactly
// like onSegment's SendClosed case.
func (s *Session) sendActiveBlocking(msg connmanager.ToTranscoder) {
	att := s.active
	for {
		select {
		case <-s.shutdownCh:
			return
		case <-time.After(10 * time.Millisecond):
		}
		switch att.mailbox.Send(msg) {
		case connmanager.SendOK:
			return
		case connmanager.SendFull:
			continue
		case connmanager.SendClosed:
			att.mailbox.Close()
			if s.active == att {
				s.active = nil
			}
			s.requestReplacement(controlplane.EventWarning, "Transcoder Disconnected", "the active transcoder's mailbox closed unexpectedly")
			return
		}
	}
}

// swapToPending finalizes the outgoing active attachment (if any) with a
// session-initiated graceful ShuttingDown, promotes pending to active, and
// primes the new active with the cached init segment plus anything
// buffered during the gap, per spec.md §4.4 item 4.
func (s *Session) swapToPending() {
	if s.active != nil {
		s.active.mailbox.Send(connmanager.ToTranscoder{Kind: connmanager.SendShuttingDown, Graceful: true})
		s.active.mailbox.Close()
		s.active = nil
	}
	s.promoteToActive(s.pending)
}

// promoteToActive makes att the active attachment, priming it with the
// cached init segment and anything buffered during the gap. A full or
// closed mailbox at promotion time is treated as a liveness failure (the
// same policy spec.md §5 gives a pending attachment generally) since the
// attachment is not yet a proven-healthy active one.
func (s *Session) promoteToActive(att *attachment) {
	s.pending = nil
	s.requestingTranscoder = false

	ok := true
	if s.haveCachedInit {
		ok = att.mailbox.Send(s.cachedInit) == connmanager.SendOK
	}
	for _, buffered := range s.bufferedSegments {
		if !ok {
			break
		}
		ok = att.mailbox.Send(buffered) == connmanager.SendOK
	}
	s.bufferedSegments = nil

	if !ok {
		att.mailbox.Close()
		s.requestReplacement(controlplane.EventWarning, "Transcoder Disconnected", "the replacement transcoder's mailbox rejected the handoff")
		return
	}
	s.active = att
}

// requestReplacement marks the session as needing a new transcoder
// attachment and asks the control plane for one over the broker subject,
// optionally logging an event first (spec.md §4.4 item 3, §7). An empty
// title sends no event, matching a session-initiated swap that needs no
// explanation to the control plane.
func (s *Session) requestReplacement(level controlplane.EventLevel, title, message string) {
	s.requestingTranscoder = true
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if title != "" {
		_ = s.deps.Control.UpdateLiveStream(ctx, s.streamID, s.id, []controlplane.Update{
			controlplane.EventUpdate(level, title, message),
		})
	}
	_ = s.deps.Broker.PublishNewStream(ctx, uuid.NewString(), uuid.NewString(), s.streamID, s.variants)
}

func (s *Session) bufferSegment(msg connmanager.ToTranscoder) {
	s.bufferedSegments = append(s.bufferedSegments, msg)
	if len(s.bufferedSegments) > maxBufferedSegmentsOnGap {
		// Drop-oldest: a transcoder that reattaches only ever needs a
		// fresh init segment plus whatever trails it, not full history.
		s.bufferedSegments = s.bufferedSegments[len(s.bufferedSegments)-maxBufferedSegmentsOnGap:]
	}
}

// handleTranscoderRequest applies one of the four transcoder-originated RPCs
// (spec.md §4.4) to this session's attachment state, or an admin-plane
// AdminKill to the session itself.
func (s *Session) handleTranscoderRequest(req connmanager.Request) {
	switch req.Kind {
	case connmanager.WatchStream:
		s.onWatchStream(req)
	case connmanager.Started:
		s.onStarted(req)
	case connmanager.ShuttingDown:
		s.onTranscoderShuttingDown(req)
	case connmanager.TranscoderError:
		if s.onTranscoderError(req) {
			s.finishClosing()
		}
	case connmanager.AdminKill:
		s.onFatal(errors.New("killed by admin command: " + req.Message))
		s.finishClosing()
	}
}

func (s *Session) onWatchStream(req connmanager.Request) {
	att := &attachment{requestID: req.RequestID, mailbox: req.Mailbox}
	if s.active == nil {
		// Nothing live yet (or the previous active was lost): promote
		// directly, including the "transcoder probe" case where a
		// transcoder attaches before any broadcaster frame has arrived
		// at all — it simply waits for onSegment to start delivering.
		// There is no outgoing attachment to protect, so there is no
		// keyframe boundary to wait for.
		s.promoteToActive(att)
		return
	}
	// An attachment is already active: hold the new one pending until it
	// reports Started, then swap at the next keyframe boundary (onSegment)
	// so the handoff never splits a GOP (spec.md §4.4 items 2-4).
	if s.pending != nil {
		s.pending.mailbox.Close()
	}
	s.pending = att
}

// onStarted marks the attachment fully up and reports Ready, both to the
// transcoder (a SendReady mailbox message) and to the control plane (a
// StateReady/ready_state update), per spec.md §4.4 item 2.
func (s *Session) onStarted(req connmanager.Request) {
	switch {
	case s.pending != nil && s.pending.requestID == req.RequestID:
		s.pending.up = true
		s.reportReady(s.pending)
	case s.active != nil && s.active.requestID == req.RequestID:
		s.active.up = true
		s.reportReady(s.active)
	}
}

func (s *Session) reportReady(att *attachment) {
	att.mailbox.Send(connmanager.ToTranscoder{Kind: connmanager.SendReady})
	if s.streamID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = s.deps.Control.UpdateLiveStream(ctx, s.streamID, s.id, []controlplane.Update{
		controlplane.StateUpdate(controlplane.StateReady),
		controlplane.ReadyStateUpdate(true),
	})
}

// onTranscoderShuttingDown handles a transcoder-initiated ShuttingDown.
// The outgoing active attachment is not torn down here: per spec.md §4.4
// item 4 it keeps receiving segments until the next keyframe boundary,
// where onSegment performs the actual swap once a replacement is up. If no
// replacement is pending yet, one is requested now.
func (s *Session) onTranscoderShuttingDown(req connmanager.Request) {
	switch {
	case s.active != nil && s.active.requestID == req.RequestID:
		if s.pending == nil {
			s.requestReplacement("", "", "")
		}
	case s.pending != nil && s.pending.requestID == req.RequestID:
		s.pending.mailbox.Close()
		s.pending = nil
	}
}

// onTranscoderError handles a transcoder-reported error (spec.md §7). A
// fatal one means the stream itself is unrecoverable: the session fails and
// closes immediately, same as AdminKill. A non-fatal one is an ungraceful
// attachment loss — the attachment is assumed unreliable and is torn down
// right away rather than waiting for a keyframe boundary, but the session
// itself keeps running, promoting an already-ready pending attachment or
// requesting a replacement. Reports whether the caller should finishClosing.
func (s *Session) onTranscoderError(req connmanager.Request) bool {
	switch {
	case s.active != nil && s.active.requestID == req.RequestID:
		s.active.mailbox.Close()
		s.active = nil
		if req.Fatal {
			s.onFatal(errors.New("transcoder reported fatal error: " + req.Message))
			return true
		}
		if s.pending != nil && s.pending.up {
			s.promoteToActive(s.pending)
		} else {
			s.requestReplacement(controlplane.EventError, "Transcoder Error", req.Message)
		}
	case s.pending != nil && s.pending.requestID == req.RequestID:
		s.pending.mailbox.Close()
		s.pending = nil
	}
	return false
}

func (s *Session) send(typeID uint8, streamID uint32, payload []byte) {
	out := s.writer.CreateChunks(&chunk.OutMessage{
		ChunkStreamID:   3,
		MessageTypeID:   typeID,
		MessageStreamID: streamID,
		Payload:         payload,
	})
	_, _ = s.conn.Write(out)
}
