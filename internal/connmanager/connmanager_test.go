package connmanager

import "testing"

type fakeMailbox struct {
	requests []Request
}

func (f *fakeMailbox) SubmitRequest(req Request) bool {
	f.requests = append(f.requests, req)
	return true
}

func TestRegisterAndSubmitRequest(t *testing.T) {
	mgr := New()
	mbox := &fakeMailbox{}
	mgr.Register("stream-1", mbox)

	if !mgr.Owns("stream-1") {
		t.Fatal("expected manager to own stream-1 after Register")
	}
	if ok := mgr.SubmitRequest("stream-1", Request{Kind: Started}); !ok {
		t.Fatal("expected SubmitRequest to succeed for a registered stream")
	}
	if len(mbox.requests) != 1 {
		t.Fatalf("mailbox received %d requests, want 1", len(mbox.requests))
	}
}

func TestSubmitRequestUnknownStream(t *testing.T) {
	mgr := New()
	if ok := mgr.SubmitRequest("does-not-exist", Request{Kind: WatchStream}); ok {
		t.Fatal("expected SubmitRequest to fail for an unregistered stream")
	}
}

func TestUnregisterIgnoresStaleMailbox(t *testing.T) {
	mgr := New()
	oldMbox := &fakeMailbox{}
	newMbox := &fakeMailbox{}

	mgr.Register("stream-1", oldMbox)
	mgr.Register("stream-1", newMbox) // simulates a resumed session taking over

	// The old session unregistering after the fact must not evict the new
	// session's registration.
	mgr.Unregister("stream-1", oldMbox)

	if !mgr.Owns("stream-1") {
		t.Fatal("expected stream-1 to still be owned after a stale unregister")
	}
	mgr.SubmitRequest("stream-1", Request{Kind: Started})
	if len(newMbox.requests) != 1 {
		t.Fatal("expected the request to reach the current (new) mailbox")
	}
	if len(oldMbox.requests) != 0 {
		t.Fatal("expected the stale mailbox to receive nothing")
	}
}

func TestUnregisterRemovesCurrentMailbox(t *testing.T) {
	mgr := New()
	mbox := &fakeMailbox{}
	mgr.Register("stream-1", mbox)
	mgr.Unregister("stream-1", mbox)

	if mgr.Owns("stream-1") {
		t.Fatal("expected stream-1 to be unregistered")
	}
}
