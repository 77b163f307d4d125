// Package broker publishes segment-ready and transcoder-assignment
// envelopes to the pub/sub bus (spec.md §4.5, §6.4, component C9). Adapted
// from the teacher's redis_cmds.go, which only ever subscribes; this adds
// the publish side go-redis/v9 also supports, reusing the same client
// construction (host/port/password/optional TLS) for the opposite
// direction of traffic.
package broker

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/AgustinSRG/live-ingest-core/internal/controlplane"
)

// Envelope is the envelope spec.md §4.5/§6.3 describes: {timestamp, id,
// data}, where data is a oneof tagged by Kind. It is published JSON-encoded;
// go-redis handles message framing.
type Envelope struct {
	Timestamp int64  `json:"timestamp"`
	ID        string `json:"id"`
	Kind      string `json:"kind"` // "new_stream" | "segment"
	Data      []byte `json:"data"` // json-encoded payload matching Kind
}

// NewStreamData requests a transcoder be assigned to a stream, per §6.3's
// TranscoderMessage{data: NewStream{request_id, stream_id, variants[]}}.
type NewStreamData struct {
	RequestID string                  `json:"request_id"`
	StreamID  string                  `json:"stream_id"`
	Variants  []controlplane.Variant  `json:"variants"`
}

// SegmentData carries one produced segment's bytes for consumers that watch
// the subject directly instead of attaching over the transcoder RPC (kept
// general so the subject is a faithful mirror of what sessions deliver
// point-to-point; the RPC path is still the one the connection manager
// fans out over per §4.4).
type SegmentData struct {
	StreamID string `json:"stream_id"`
	Init     bool   `json:"init"`
	Keyframe bool   `json:"keyframe"`
	FirstDTS int64  `json:"first_dts"`
	Data     []byte `json:"data"`
}

// Publisher is the process-wide, thread-safe, backpressure-aware publish
// client spec.md §5 requires shared across sessions. go-redis's *redis.Client
// is already safe for concurrent use and its Publish call suspends on
// backpressure exactly as required; this wraps it only to fix the subject
// name and the envelope shape.
type Publisher struct {
	rdb     *redis.Client
	subject string
}

type Options struct {
	Host     string
	Port     string
	Password string
	UseTLS   bool
	Subject  string
}

func New(opts Options) *Publisher {
	redisOpts := &redis.Options{
		Addr:     opts.Host + ":" + opts.Port,
		Password: opts.Password,
	}
	if opts.UseTLS {
		redisOpts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return &Publisher{rdb: redis.NewClient(redisOpts), subject: opts.Subject}
}

func (p *Publisher) publish(ctx context.Context, env Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return p.rdb.Publish(ctx, p.subject, payload).Err()
}

// PublishNewStream requests a transcoder be assigned for streamID.
func (p *Publisher) PublishNewStream(ctx context.Context, envelopeID, requestID, streamID string, variants []controlplane.Variant) error {
	data, err := json.Marshal(NewStreamData{RequestID: requestID, StreamID: streamID, Variants: variants})
	if err != nil {
		return err
	}
	return p.publish(ctx, Envelope{
		Timestamp: time.Now().Unix(),
		ID:        envelopeID,
		Kind:      "new_stream",
		Data:      data,
	})
}

// PublishSegment fans a produced segment out onto the subject, in addition
// to (not instead of) point-to-point delivery through the connection
// manager's transcoder RPC fan-out.
func (p *Publisher) PublishSegment(ctx context.Context, envelopeID, streamID string, init, keyframe bool, firstDTS int64, segment []byte) error {
	data, err := json.Marshal(SegmentData{
		StreamID: streamID,
		Init:     init,
		Keyframe: keyframe,
		FirstDTS: firstDTS,
		Data:     segment,
	})
	if err != nil {
		return err
	}
	return p.publish(ctx, Envelope{
		Timestamp: time.Now().Unix(),
		ID:        envelopeID,
		Kind:      "segment",
		Data:      data,
	})
}

// EncodeSegmentBase64 returns the standard base64 form of b, which is how
// encoding/json renders SegmentData.Data on the wire.
func EncodeSegmentBase64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// Close releases the underlying redis connection pool.
func (p *Publisher) Close() error {
	return p.rdb.Close()
}
