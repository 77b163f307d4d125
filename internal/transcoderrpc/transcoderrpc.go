// Package transcoderrpc is the inbound RPC surface transcoders attach to
// (spec.md §6.3): a websocket listener that turns each connection into a
// connmanager.Mailbox and forwards the transcoder's WatchStream/Started/
// ShuttingDown/Error messages into the connection manager.
//
// Wire shape is the same go-simple-rpc-message-over-gorilla/websocket
// envelope the teacher uses for its coordinator link (control_connection.go)
// and SPEC_FULL.md's DOMAIN STACK entry calls out reusing for this purpose too;
// this file is the inbound mirror of that file's outbound dialer.
package transcoderrpc

import (
	"encoding/base64"
	"net/http"
	"strconv"
	"sync"
	"time"

	rpcmsg "github.com/AgustinSRG/go-simple-rpc-message"
	"github.com/gorilla/websocket"

	"github.com/AgustinSRG/live-ingest-core/internal/connmanager"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Listener accepts transcoder RPC connections and routes their requests
// into mgr.
type Listener struct {
	addr        string
	mgr         *connmanager.Manager
	mailboxSize int

	server *http.Server
}

func New(addr string, mgr *connmanager.Manager, mailboxSize int) *Listener {
	if mailboxSize <= 0 {
		mailboxSize = 128
	}
	return &Listener{addr: addr, mgr: mgr, mailboxSize: mailboxSize}
}

// ListenAndServe blocks serving transcoder RPC connections until the
// process shuts down or the listener fails to bind.
func (l *Listener) ListenAndServe() error {
	mux := http.NewServeMux()
	mux.HandleFunc("/rpc/transcoder", l.handleUpgrade)
	l.server = &http.Server{Addr: l.addr, Handler: mux}
	return l.server.ListenAndServe()
}

// Close closes the HTTP server at once, without draining. Connections that
// were already upgraded to websockets are not closed by it.
func (l *Listener) Close() error {
	if l.server == nil {
		return nil
	}
	return l.server.Close()
}

func (l *Listener) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	tc := &transcoderConn{
		conn:   conn,
		mgr:    l.mgr,
		outbox: make(chan connmanager.ToTranscoder, l.mailboxSize),
		done:   make(chan struct{}),
	}
	go tc.writeLoop()
	tc.readLoop()
}

// transcoderConn is one transcoder's live websocket connection. It
// implements connmanager.Mailbox so a session can address it directly once
// the manager hands it a WatchStream request.
type transcoderConn struct {
	conn   *websocket.Conn
	mgr    *connmanager.Manager
	outbox chan connmanager.ToTranscoder

	closeOnce sync.Once
	done      chan struct{}

	streamID string
}

func (t *transcoderConn) Send(msg connmanager.ToTranscoder) connmanager.SendResult {
	select {
	case <-t.done:
		return connmanager.SendClosed
	default:
	}
	select {
	case t.outbox <- msg:
		return connmanager.SendOK
	default:
		return connmanager.SendFull // caller applies its own drop-or-backpressure policy
	}
}

func (t *transcoderConn) Close() {
	t.closeOnce.Do(func() {
		close(t.done)
		t.conn.Close() //nolint:errcheck
	})
}

func (t *transcoderConn) writeLoop() {
	for {
		select {
		case <-t.done:
			return
		case msg := <-t.outbox:
			if err := t.send(msg); err != nil {
				t.Close()
				return
			}
		}
	}
}

func (t *transcoderConn) send(msg connmanager.ToTranscoder) error {
	params := map[string]string{}
	method := ""
	switch msg.Kind {
	case connmanager.SendInit:
		method = "SEGMENT-INIT"
		params["Data"] = base64.StdEncoding.EncodeToString(msg.Data)
	case connmanager.SendMedia:
		method = "SEGMENT-MEDIA"
		params["Data"] = base64.StdEncoding.EncodeToString(msg.Data)
		if msg.Keyframe {
			params["Keyframe"] = "true"
		}
		params["First-DTS"] = strconv.FormatInt(msg.FirstDTS, 10)
	case connmanager.SendShuttingDown:
		method = "SHUTTING-DOWN"
		if msg.Graceful {
			params["Graceful"] = "true"
		}
	case connmanager.SendReady:
		method = "READY"
	}

	out := rpcmsg.RPCMessage{Method: method, Params: params}
	return t.conn.WriteMessage(websocket.TextMessage, []byte(out.Serialize()))
}

func (t *transcoderConn) readLoop() {
	defer t.Close()
	for {
		if err := t.conn.SetReadDeadline(time.Now().Add(90 * time.Second)); err != nil {
			return
		}
		_, raw, err := t.conn.ReadMessage()
		if err != nil {
			return
		}
		msg := rpcmsg.ParseRPCMessage(string(raw))
		t.handle(msg)
	}
}

func (t *transcoderConn) handle(msg rpcmsg.RPCMessage) {
	streamID := msg.GetParam("Stream-ID")
	requestID := msg.GetParam("Request-ID")

	switch msg.Method {
	case "WATCH-STREAM":
		t.streamID = streamID
		t.mgr.SubmitRequest(streamID, connmanager.Request{
			Kind:      connmanager.WatchStream,
			RequestID: requestID,
			Mailbox:   t,
		})
	case "STARTED":
		t.mgr.SubmitRequest(streamID, connmanager.Request{
			Kind:      connmanager.Started,
			RequestID: requestID,
		})
	case "SHUTTING-DOWN":
		t.mgr.SubmitRequest(streamID, connmanager.Request{
			Kind:      connmanager.ShuttingDown,
			RequestID: requestID,
			Graceful:  msg.GetParam("Graceful") == "true",
		})
	case "ERROR":
		t.mgr.SubmitRequest(streamID, connmanager.Request{
			Kind:      connmanager.TranscoderError,
			RequestID: requestID,
			Message:   msg.GetParam("Message"),
			Fatal:     msg.GetParam("Fatal") == "true",
		})
	}
}
