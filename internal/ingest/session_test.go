package ingest

import (
	"testing"
	"time"

	"github.com/AgustinSRG/live-ingest-core/internal/broker"
	"github.com/AgustinSRG/live-ingest-core/internal/config"
	"github.com/AgustinSRG/live-ingest-core/internal/connmanager"
	"github.com/AgustinSRG/live-ingest-core/internal/controlplane"
	"github.com/AgustinSRG/live-ingest-core/internal/transmux"
)

// fakeMailbox records everything sent to it. Send always succeeds unless
// closed or full, to exercise the two distinct failure paths onSegment
// falls back on: a closed mailbox is a liveness failure, a full one (while
// active) is backpressure.
type fakeMailbox struct {
	sent   []connmanager.ToTranscoder
	closed bool
	full   bool
}

func (f *fakeMailbox) Send(msg connmanager.ToTranscoder) connmanager.SendResult {
	if f.closed {
		return connmanager.SendClosed
	}
	if f.full {
		return connmanager.SendFull
	}
	f.sent = append(f.sent, msg)
	return connmanager.SendOK
}

func (f *fakeMailbox) Close() { f.closed = true }

func newTestSession() *Session {
	return &Session{
		deps: Deps{
			Config:  &config.Config{ControlPlaneTimeout: 200 * time.Millisecond},
			Control: controlplane.New(controlplane.Options{Timeout: 200 * time.Millisecond}), // stand-alone: ErrDisabled, no network
			Broker:  broker.New(broker.Options{Host: "127.0.0.1", Port: "1", Subject: "test"}),
			Manager: connmanager.New(),
		},
		state: StatePublishing,
	}
}

func videoInit() transmux.Output  { return transmux.Output{Init: []byte("init"), Keyframe: true} }
func videoGOP(dts int64, n byte) transmux.Output {
	return transmux.Output{Media: []byte{n}, Video: true, Keyframe: true, FirstDTS: dts}
}

func TestOnWatchStreamColdAttachGetsCachedInitAndBuffer(t *testing.T) {
	s := newTestSession()

	// Segments produced before any transcoder attaches: buffered because
	// requestingTranscoder is set, matching the initial-publish flow.
	s.requestingTranscoder = true
	s.onSegment(videoInit())
	s.onSegment(videoGOP(10, 1))
	s.onSegment(videoGOP(20, 2))

	mbox := &fakeMailbox{}
	s.onWatchStream(connmanager.Request{Kind: connmanager.WatchStream, RequestID: "r1", Mailbox: mbox})

	if s.active == nil || s.active.requestID != "r1" {
		t.Fatal("expected the watching transcoder to become active immediately (no prior active)")
	}
	if len(mbox.sent) != 3 {
		t.Fatalf("got %d messages, want 3 (cached init + 2 buffered media)", len(mbox.sent))
	}
	if mbox.sent[0].Kind != connmanager.SendInit {
		t.Fatal("expected the first message delivered to be the init segment")
	}
	if mbox.sent[1].Data[0] != 1 || mbox.sent[2].Data[0] != 2 {
		t.Fatal("expected buffered media segments delivered in order after init")
	}
}

func TestOnWatchStreamLateAttachStillGetsCachedInit(t *testing.T) {
	// A transcoder attaching long after the init segment was produced (no
	// longer in the buffer) must still see it: this is the bug a prior
	// draft had, where only a literal first attach ever got an init.
	s := newTestSession()
	s.onSegment(videoInit())
	first := &fakeMailbox{}
	s.onWatchStream(connmanager.Request{Kind: connmanager.WatchStream, RequestID: "first", Mailbox: first})

	// Simulate the first attachment vanishing ungracefully well after init.
	s.onSegment(videoGOP(10, 1))
	s.active.mailbox.Close() // force the next Send to fail
	s.onSegment(videoGOP(20, 2))
	if s.active != nil {
		t.Fatal("expected the active attachment to be dropped after a failed send")
	}
	if !s.requestingTranscoder {
		t.Fatal("expected the session to be requesting a replacement")
	}

	second := &fakeMailbox{}
	s.onWatchStream(connmanager.Request{Kind: connmanager.WatchStream, RequestID: "second", Mailbox: second})

	if len(second.sent) == 0 || second.sent[0].Kind != connmanager.SendInit {
		t.Fatal("expected the late-attaching transcoder to receive the cached init segment first")
	}
}

func TestGracefulSwapWaitsForKeyframeBoundary(t *testing.T) {
	s := newTestSession()
	s.onSegment(videoInit())

	active := &fakeMailbox{}
	s.onWatchStream(connmanager.Request{Kind: connmanager.WatchStream, RequestID: "active", Mailbox: active})
	s.onSegment(videoGOP(10, 1))

	// A replacement attaches while the active is still healthy: it becomes
	// pending, not active, per spec.md §4.4 item 2.
	pending := &fakeMailbox{}
	s.onWatchStream(connmanager.Request{Kind: connmanager.WatchStream, RequestID: "pending", Mailbox: pending})
	if s.pending == nil || s.active.requestID != "active" {
		t.Fatal("expected the second attachment to be held pending, active unchanged")
	}

	// The active transcoder reports it is shutting down: per the fix, it is
	// NOT torn down immediately — it must keep receiving until the swap.
	s.onTranscoderShuttingDown(connmanager.Request{Kind: connmanager.ShuttingDown, RequestID: "active", Graceful: true})
	if s.active == nil || active.closed {
		t.Fatal("expected the outgoing active attachment to remain open until the keyframe boundary")
	}

	// Pending isn't up yet: a segment produced now must still go to active.
	s.onSegment(videoGOP(20, 2))
	if len(active.sent) != 3 {
		t.Fatalf("active got %d messages, want 3 (init plus 2 media; no swap before pending reports Started)", len(active.sent))
	}

	// Pending reports Started: the swap happens at the NEXT keyframe
	// boundary, not immediately.
	s.onStarted(connmanager.Request{Kind: connmanager.Started, RequestID: "pending"})
	if s.active.requestID != "active" {
		t.Fatal("swap must not happen before the next segment boundary")
	}

	s.onSegment(videoGOP(30, 3))

	if !active.closed {
		t.Fatal("expected the outgoing attachment's mailbox to be closed at the swap")
	}
	lastOfActive := active.sent[len(active.sent)-1]
	if lastOfActive.Kind != connmanager.SendShuttingDown || !lastOfActive.Graceful {
		t.Fatal("expected the outgoing attachment to receive a graceful ShuttingDown as its last message")
	}
	if active.sent[1].Data[0] != 1 || active.sent[2].Data[0] != 2 {
		t.Fatal("expected the outgoing attachment to have received exactly the pre-swap segments")
	}

	if s.active == nil || s.active.requestID != "pending" {
		t.Fatal("expected pending to be promoted to active")
	}
	if s.pending != nil {
		t.Fatal("expected pending to be cleared after promotion")
	}
	if len(pending.sent) != 3 {
		t.Fatalf("new active got %d messages, want 3 (Ready, init, then the seam segment)", len(pending.sent))
	}
	if pending.sent[0].Kind != connmanager.SendReady {
		t.Fatal("expected onStarted to report Ready to the transcoder immediately")
	}
	if pending.sent[1].Kind != connmanager.SendInit {
		t.Fatal("expected the new active to receive init before any media, per the no-overlap invariant")
	}
	if pending.sent[2].FirstDTS != 30 {
		t.Fatal("expected the new active's first media segment to be the seam (post-swap) segment")
	}
}

func TestUngracefulActiveLossPromotesReadyPendingImmediately(t *testing.T) {
	s := newTestSession()
	s.onSegment(videoInit())

	active := &fakeMailbox{}
	s.onWatchStream(connmanager.Request{Kind: connmanager.WatchStream, RequestID: "active", Mailbox: active})

	pending := &fakeMailbox{}
	s.onWatchStream(connmanager.Request{Kind: connmanager.WatchStream, RequestID: "pending", Mailbox: pending})
	s.onStarted(connmanager.Request{Kind: connmanager.Started, RequestID: "pending"})

	// Active reports a non-fatal error (an ungraceful attachment loss, not a
	// stream-ending failure) rather than a graceful shutdown: torn down
	// immediately, and since pending is already up it is promoted right away
	// rather than waiting on a keyframe boundary.
	closeSession := s.onTranscoderError(connmanager.Request{Kind: connmanager.TranscoderError, RequestID: "active", Message: "boom", Fatal: false})

	if closeSession {
		t.Fatal("a non-fatal transcoder error must not close the session")
	}
	if !active.closed {
		t.Fatal("expected the erroring attachment to be closed immediately")
	}
	if s.active == nil || s.active.requestID != "pending" {
		t.Fatal("expected the ready pending attachment to be promoted immediately on a non-fatal error")
	}
	if s.state == StateClosed {
		t.Fatal("expected the session to remain open after a non-fatal transcoder error")
	}
	if len(pending.sent) != 2 || pending.sent[0].Kind != connmanager.SendReady || pending.sent[1].Kind != connmanager.SendInit {
		t.Fatal("expected the promoted attachment to have received Ready then the cached init segment")
	}
}

func TestTranscoderErrorFatalClosesSession(t *testing.T) {
	s := newTestSession()
	s.onSegment(videoInit())

	active := &fakeMailbox{}
	s.onWatchStream(connmanager.Request{Kind: connmanager.WatchStream, RequestID: "active", Mailbox: active})

	pending := &fakeMailbox{}
	s.onWatchStream(connmanager.Request{Kind: connmanager.WatchStream, RequestID: "pending", Mailbox: pending})
	s.onStarted(connmanager.Request{Kind: connmanager.Started, RequestID: "pending"})

	closeSession := s.onTranscoderError(connmanager.Request{Kind: connmanager.TranscoderError, RequestID: "active", Message: "boom", Fatal: true})

	if !closeSession {
		t.Fatal("expected a fatal transcoder error to ask the caller to finish closing the session")
	}
	if !active.closed {
		t.Fatal("expected the erroring attachment to be closed")
	}
	if s.active != nil {
		t.Fatal("expected no attachment to be promoted on a fatal error, even with a ready pending one")
	}
	if s.state != StateClosing {
		t.Fatalf("state = %v, want Closing (caller finishes the Closed transition)", s.state)
	}
}

func TestMainLoopClosesOnMissingFirstFrame(t *testing.T) {
	s := newTestSession()
	s.deps.Config.FirstFrameGrace = 10 * time.Millisecond
	s.requestCh = make(chan connmanager.Request, 1)
	s.shutdownCh = make(chan struct{})
	s.publishDeadline = time.Now().Add(s.deps.Config.FirstFrameGrace)

	done := make(chan struct{})
	msgCh := make(chan readResult)
	go func() {
		s.mainLoop(msgCh)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("expected mainLoop to close the session after the first-frame grace period elapsed")
	}
	if s.state != StateClosed {
		t.Fatalf("state = %v, want Closed", s.state)
	}
}

func TestSegmentOrderingAcrossSwapNeverGoesBackwards(t *testing.T) {
	s := newTestSession()
	s.onSegment(videoInit())

	active := &fakeMailbox{}
	s.onWatchStream(connmanager.Request{Kind: connmanager.WatchStream, RequestID: "active", Mailbox: active})
	s.onSegment(videoGOP(100, 1))
	s.onSegment(videoGOP(200, 2))

	pending := &fakeMailbox{}
	s.onWatchStream(connmanager.Request{Kind: connmanager.WatchStream, RequestID: "pending", Mailbox: pending})
	s.onStarted(connmanager.Request{Kind: connmanager.Started, RequestID: "pending"})

	s.onSegment(videoGOP(300, 3)) // triggers the swap

	var lastActiveDTS int64 = -1
	for _, m := range active.sent {
		if m.Kind != connmanager.SendMedia {
			continue
		}
		if m.FirstDTS <= lastActiveDTS {
			t.Fatal("expected strictly increasing DTS on the outgoing attachment")
		}
		lastActiveDTS = m.FirstDTS
	}

	var seamDTS int64 = -1
	for _, m := range pending.sent {
		if m.Kind == connmanager.SendMedia {
			seamDTS = m.FirstDTS
			break
		}
	}
	if seamDTS <= lastActiveDTS {
		t.Fatal("expected the seam DTS on the replacement to exceed the last DTS delivered to the outgoing transcoder")
	}
}
