// Package adminplane is an operator-facing side channel for force-closing a
// live stream out of band from the control plane (e.g. a moderation action),
// kept and generalized from the teacher's redis_cmds.go: the same
// subscribe-to-a-channel, parse-a-">"-and-"|"-delimited-command design,
// moved from the teacher's channel/publisher addressing to the stream_id
// addressing this core's connection manager uses.
package adminplane

import (
	"context"
	"crypto/tls"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/AgustinSRG/live-ingest-core/internal/connmanager"
	"github.com/AgustinSRG/live-ingest-core/internal/ingestlog"
)

// Options configures the admin command subscriber. Empty Channel disables it
// entirely, matching the teacher's REDIS_USE opt-in behavior.
type Options struct {
	Host     string
	Port     string
	Password string
	UseTLS   bool
	Channel  string
}

// Receiver subscribes to Options.Channel and forwards parsed commands into a
// connmanager.Manager.
type Receiver struct {
	opts Options
	mgr  *connmanager.Manager
}

func New(opts Options, mgr *connmanager.Manager) *Receiver {
	return &Receiver{opts: opts, mgr: mgr}
}

// Run subscribes and processes commands until ctx is canceled, reconnecting
// on error after a short backoff exactly as the teacher's receiver does.
func (r *Receiver) Run(ctx context.Context) {
	if r.opts.Channel == "" {
		return
	}

	redisOpts := &redis.Options{
		Addr:     r.opts.Host + ":" + r.opts.Port,
		Password: r.opts.Password,
	}
	if r.opts.UseTLS {
		redisOpts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	client := redis.NewClient(redisOpts)
	defer client.Close() //nolint:errcheck

	sub := client.Subscribe(ctx, r.opts.Channel)
	defer sub.Close() //nolint:errcheck

	ingestlog.Info("[admin-plane] listening for commands on channel '" + r.opts.Channel + "'")

	for {
		msg, err := sub.ReceiveMessage(ctx)
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			ingestlog.Warning("[admin-plane] receive error: " + err.Error())
			time.Sleep(10 * time.Second)
			continue
		}
		r.handle(msg.Payload)
	}
}

func (r *Receiver) handle(cmd string) {
	parts := strings.SplitN(cmd, ">", 2)
	if len(parts) != 2 {
		ingestlog.Warning("[admin-plane] invalid command: " + cmd)
		return
	}

	name := parts[0]
	args := strings.Split(parts[1], "|")

	switch name {
	case "kill-session":
		if len(args) < 1 {
			ingestlog.Warning("[admin-plane] invalid command: " + cmd)
			return
		}
		r.mgr.SubmitRequest(args[0], connmanager.Request{
			Kind:    connmanager.AdminKill,
			Message: "kill-session",
		})
	case "close-stream":
		if len(args) < 1 {
			ingestlog.Warning("[admin-plane] invalid command: " + cmd)
			return
		}
		r.mgr.SubmitRequest(args[0], connmanager.Request{
			Kind:    connmanager.AdminKill,
			Message: "close-stream",
		})
	default:
		ingestlog.Warning("[admin-plane] unknown command: " + cmd)
	}
}
