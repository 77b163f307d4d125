// Package controlplane is the outbound RPC client to the external
// authenticate/update/new-stream control plane (spec.md §6.2, component C8).
// Adapted from AgustinSRG/rtmp-server's control_connection.go: the same
// websocket + go-simple-rpc-message request/response-over-one-socket
// design, the same JWT auth header minted by control_auth.go, the same
// reconnect-with-backoff and heartbeat loops — generalized from the
// teacher's single PUBLISH-REQUEST/PUBLISH-ACCEPT/PUBLISH-DENY exchange to
// the three typed RPCs spec.md names (AuthenticateLiveStream, NewLiveStream,
// UpdateLiveStream) plus structured (JSON-encoded-in-param) payloads where
// the teacher's exchange only ever needed bare strings.
package controlplane

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	messages "github.com/AgustinSRG/go-simple-rpc-message"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/AgustinSRG/live-ingest-core/internal/ingestlog"
)

// Client maintains one websocket connection to the control plane and
// dispatches request/reply RPCs over it. Calls from different sessions are
// independent: each blocks on its own waiter channel keyed by request id, so
// concurrent callers never see each other's replies (§5 "pooled connection
// with its own ordering").
type Client struct {
	addresses       []string
	secret          string
	timeout         time.Duration
	tlsConfig       *tls.Config
	resolveInterval time.Duration

	mu        sync.Mutex
	conn      *websocket.Conn
	enabled   bool
	addrIndex int

	nextRequestID uint64
	pending       map[string]chan messages.RPCMessage

	closed chan struct{}
}

// Options configures New. TLSConfig is nil for a plain websocket dial,
// matching spec.md §6.5's `api.tls` being optional. ResolveInterval governs
// how often the client rotates to the next configured address, the same
// cadence spec.md §6.5 calls `api.resolve_interval`: each reconnect attempt
// tries the next address in the pool, and the client sticks with whichever
// one last succeeded until it drops.
type Options struct {
	Addresses       []string
	Secret          string
	Timeout         time.Duration
	TLSConfig       *tls.Config
	ResolveInterval time.Duration
}

// New builds a Client. If addresses is empty the client runs in stand-alone
// mode: every RPC call returns ErrDisabled immediately, matching the
// teacher's "CONTROL_BASE_URL not provided" behavior.
func New(opts Options) *Client {
	resolveInterval := opts.ResolveInterval
	if resolveInterval <= 0 {
		resolveInterval = 10 * time.Second
	}
	c := &Client{
		addresses:       opts.Addresses,
		secret:          opts.Secret,
		timeout:         opts.Timeout,
		tlsConfig:       opts.TLSConfig,
		resolveInterval: resolveInterval,
		pending:         make(map[string]chan messages.RPCMessage),
		closed:          make(chan struct{}),
	}
	if len(opts.Addresses) == 0 {
		ingestlog.Warning("No control-plane addresses configured; running in stand-alone mode.")
		return c
	}
	c.enabled = true
	go c.connectLoop()
	go c.heartbeatLoop()
	return c
}

func (c *Client) authToken() string {
	if c.secret == "" {
		return ""
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "ingest-core"})
	signed, err := token.SignedString([]byte(c.secret))
	if err != nil {
		ingestlog.Error(err)
		return ""
	}
	return signed
}

func (c *Client) connectLoop() {
	for {
		select {
		case <-c.closed:
			return
		default:
		}
		if err := c.connectOnce(); err != nil {
			ingestlog.ErrorMessage("[control-plane] connect error: " + err.Error())
		} else {
			// Connected: readLoop's disconnect handling starts a new
			// connectLoop when this connection drops.
			return
		}
		select {
		case <-c.closed:
			return
		case <-time.After(c.resolveInterval):
		}
	}
}

// nextAddress rotates through the configured address pool, per spec.md
// §6.5's `api.resolve_interval`: a failed or dropped connection moves on to
// the next candidate rather than hammering the same one.
func (c *Client) nextAddress() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	addr := c.addresses[c.addrIndex%len(c.addresses)]
	c.addrIndex++
	return addr
}

func (c *Client) connectOnce() error {
	addr := c.nextAddress()
	u, err := url.Parse(addr)
	if err != nil {
		return err
	}

	headers := http.Header{}
	if tok := c.authToken(); tok != "" {
		headers.Set("x-control-auth-token", tok)
	}

	dialer := websocket.DefaultDialer
	if c.tlsConfig != nil {
		d := *websocket.DefaultDialer
		d.TLSClientConfig = c.tlsConfig
		dialer = &d
	}

	conn, _, err := dialer.Dial(u.String(), headers)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	ingestlog.Info("[control-plane] connected to " + addr)
	go c.readLoop(conn)
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		if err := conn.SetReadDeadline(time.Now().Add(90 * time.Second)); err != nil {
			c.onDisconnect(conn, err)
			return
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			c.onDisconnect(conn, err)
			return
		}
		msg := messages.ParseRPCMessage(string(raw))
		c.dispatch(msg)
	}
}

func (c *Client) onDisconnect(conn *websocket.Conn, err error) {
	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	c.mu.Unlock()
	conn.Close() //nolint:errcheck
	ingestlog.Warning("[control-plane] disconnected: " + err.Error())
	select {
	case <-c.closed:
	default:
		go c.connectLoop()
	}
}

func (c *Client) dispatch(msg messages.RPCMessage) {
	reqID := msg.GetParam("Request-ID")
	if reqID == "" {
		return
	}
	c.mu.Lock()
	ch := c.pending[reqID]
	c.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- msg:
	default:
	}
}

func (c *Client) heartbeatLoop() {
	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			c.send(messages.RPCMessage{Method: "HEARTBEAT"})
		}
	}
}

func (c *Client) send(msg messages.RPCMessage) bool {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return false
	}
	return conn.WriteMessage(websocket.TextMessage, []byte(msg.Serialize())) == nil
}

func (c *Client) nextID() string {
	return fmt.Sprint(atomic.AddUint64(&c.nextRequestID, 1))
}

// call sends one RPC and blocks for its reply or timeout/cancellation.
func (c *Client) call(ctx context.Context, method string, params map[string]string) (messages.RPCMessage, error) {
	if !c.enabled {
		return messages.RPCMessage{}, ErrDisabled
	}

	reqID := c.nextID()
	params["Request-ID"] = reqID

	ch := make(chan messages.RPCMessage, 1)
	c.mu.Lock()
	c.pending[reqID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, reqID)
		c.mu.Unlock()
	}()

	if !c.send(messages.RPCMessage{Method: method, Params: params}) {
		return messages.RPCMessage{}, ErrNotConnected
	}

	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	select {
	case reply := <-ch:
		return reply, nil
	case <-callCtx.Done():
		return messages.RPCMessage{}, ErrTimeout
	}
}

// Close tears down the connection and stops reconnecting.
func (c *Client) Close() {
	select {
	case <-c.closed:
		return
	default:
		close(c.closed)
	}
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		conn.Close() //nolint:errcheck
	}
}

// AuthenticateLiveStream implements spec.md §6.2's first RPC.
func (c *Client) AuthenticateLiveStream(ctx context.Context, req AuthRequest) (AuthResponse, error) {
	reply, err := c.call(ctx, "AUTHENTICATE", map[string]string{
		"Stream-Key":     req.StreamKey,
		"App-Name":       req.AppName,
		"IP-Address":     req.IPAddress,
		"Ingest-Address": req.IngestAddress,
		"Connection-ID":  req.ConnectionID,
	})
	if err != nil {
		return AuthResponse{}, err
	}

	switch reply.Method {
	case "INVALID-ARGUMENT":
		return AuthResponse{}, errors.Wrap(ErrInvalidArgument, reply.GetParam("Message"))
	case "PERMISSION-DENIED":
		return AuthResponse{}, errors.Wrap(ErrPermissionDenied, reply.GetParam("Message"))
	}

	var variants []Variant
	if raw := reply.GetParam("Variants"); raw != "" {
		_ = json.Unmarshal([]byte(raw), &variants)
	}

	return AuthResponse{
		StreamID:  reply.GetParam("Stream-ID"),
		Record:    reply.GetParam("Record") == "true",
		Transcode: reply.GetParam("Transcode") == "true",
		TryResume: reply.GetParam("Try-Resume") == "true",
		Variants:  variants,
	}, nil
}

// NewLiveStream implements spec.md §6.2's second RPC, invoked when
// try_resume collides on the connection manager's side.
func (c *Client) NewLiveStream(ctx context.Context, oldStreamID string, variants []Variant) (string, error) {
	variantsJSON, _ := json.Marshal(variants)
	reply, err := c.call(ctx, "NEW-STREAM", map[string]string{
		"Old-Stream-ID": oldStreamID,
		"Variants":      string(variantsJSON),
	})
	if err != nil {
		return "", err
	}
	return reply.GetParam("Stream-ID"), nil
}

// UpdateLiveStream implements spec.md §6.2's third RPC. Each update is
// stamped with the current UNIX-seconds timestamp, per spec.
func (c *Client) UpdateLiveStream(ctx context.Context, streamID, connectionID string, updates []Update) error {
	now := time.Now().Unix()

	type wireUpdate struct {
		Timestamp  int64            `json:"timestamp"`
		State      *LiveStreamState `json:"state,omitempty"`
		Event      *EventPayload    `json:"event,omitempty"`
		Bitrate    *BitratePayload  `json:"bitrate,omitempty"`
		Variants   []Variant        `json:"variants,omitempty"`
		ReadyState *bool            `json:"ready_state,omitempty"`
	}

	wire := make([]wireUpdate, 0, len(updates))
	for _, u := range updates {
		wire = append(wire, wireUpdate{
			Timestamp:  now,
			State:      u.State,
			Event:      u.Event,
			Bitrate:    u.Bitrate,
			Variants:   u.Variants,
			ReadyState: u.ReadyState,
		})
	}
	payload, err := json.Marshal(wire)
	if err != nil {
		return err
	}

	_, err = c.call(ctx, "UPDATE-STREAM", map[string]string{
		"Stream-ID":     streamID,
		"Connection-ID": connectionID,
		"Updates":       string(payload),
	})
	return err
}
