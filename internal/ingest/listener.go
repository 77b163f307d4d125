package ingest

import (
	"crypto/tls"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/netdata/go.d.plugin/pkg/iprange"

	"github.com/AgustinSRG/live-ingest-core/internal/certloader"
	"github.com/AgustinSRG/live-ingest-core/internal/config"
	"github.com/AgustinSRG/live-ingest-core/internal/ingestlog"
)

// Listener accepts broadcaster RTMP(S) connections and spawns one Session
// per accepted connection (spec.md §6.1, component C10). Adapted from the
// teacher's RTMPServer (rtmp_server.go): the same plain-then-optional-TLS
// dual listener and the same per-IP concurrent-connection cap (AddIP/
// RemoveIP/isIPExempted) are kept, generalized to use the reloading
// certloader.Loader instead of a load-once tls.Certificate, and to spawn the
// new Session type instead of RTMPSession.
type Listener struct {
	cfg  *config.Config
	deps Deps

	plainListener net.Listener
	tlsListener   net.Listener
	certs         *certloader.Loader

	ipMu      sync.Mutex
	ipCounts  map[string]uint32
	whitelist []iprange.Range

	shutdown chan struct{}
	wg       sync.WaitGroup
}

// NewListener binds the plain RTMP listener (and, if cfg.RTMPTLS is
// configured, the TLS one) but does not start accepting yet; call Serve.
func NewListener(cfg *config.Config, deps Deps) (*Listener, error) {
	l := &Listener{
		cfg:      cfg,
		deps:     deps,
		ipCounts: make(map[string]uint32),
		shutdown: make(chan struct{}),
	}

	l.whitelist = parseWhitelist(os.Getenv("CONCURRENT_LIMIT_WHITELIST"))

	plain, err := net.Listen("tcp", cfg.RTMPBindAddress)
	if err != nil {
		return nil, err
	}
	l.plainListener = plain
	ingestlog.Info("[RTMP] Listening on " + cfg.RTMPBindAddress)

	if cfg.RTMPTLS.Enabled() {
		loader, err := certloader.New(cfg.RTMPTLS.Cert, cfg.RTMPTLS.Key, 30*time.Second)
		if err != nil {
			plain.Close() //nolint:errcheck
			return nil, err
		}
		l.certs = loader
		go loader.Run()

		tlsCfg, err := loader.ServerTLSConfig(cfg.RTMPTLS.CACert)
		if err != nil {
			plain.Close() //nolint:errcheck
			loader.Close()
			return nil, err
		}
		tlsLn, err := net.Listen("tcp", cfg.RTMPTLS.Domain)
		if err != nil {
			plain.Close() //nolint:errcheck
			loader.Close()
			return nil, err
		}
		l.tlsListener = tls.NewListener(tlsLn, tlsCfg)
		ingestlog.Info("[RTMPS] Listening on " + cfg.RTMPTLS.Domain)
	}

	return l, nil
}

func parseWhitelist(raw string) []iprange.Range {
	if raw == "" {
		return nil
	}
	var out []iprange.Range
	for _, part := range strings.Split(raw, ",") {
		r, err := iprange.ParseRange(part)
		if err != nil {
			ingestlog.Error(err)
			continue
		}
		out = append(out, r)
	}
	return out
}

func (l *Listener) isExempted(ipStr string) bool {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, r := range l.whitelist {
		if r.Contains(ip) {
			return true
		}
	}
	return false
}

func (l *Listener) addIP(ip string) bool {
	if l.cfg.MaxIPConns <= 0 || l.isExempted(ip) {
		return true
	}
	l.ipMu.Lock()
	defer l.ipMu.Unlock()
	if l.ipCounts[ip] >= uint32(l.cfg.MaxIPConns) {
		return false
	}
	l.ipCounts[ip]++
	return true
}

func (l *Listener) removeIP(ip string) {
	if l.cfg.MaxIPConns <= 0 || l.isExempted(ip) {
		return
	}
	l.ipMu.Lock()
	defer l.ipMu.Unlock()
	if l.ipCounts[ip] <= 1 {
		delete(l.ipCounts, ip)
	} else {
		l.ipCounts[ip]--
	}
}

// Serve accepts connections on both listeners until Close is called. It
// runs the plain and (if configured) TLS accept loops itself and blocks
// until both return.
func (l *Listener) Serve() {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		l.acceptLoop(l.plainListener)
	}()
	if l.tlsListener != nil {
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.acceptLoop(l.tlsListener)
		}()
	}
	l.wg.Wait()
}

func (l *Listener) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-l.shutdown:
				return
			default:
				ingestlog.Error(err)
				return
			}
		}
		go l.handleConn(conn)
	}
}

func (l *Listener) handleConn(conn net.Conn) {
	ip, _, _ := net.SplitHostPort(conn.RemoteAddr().String())
	if !l.addIP(ip) {
		ingestlog.Request("-", ip, "rejected: too many concurrent connections")
		conn.Close() //nolint:errcheck
		return
	}
	defer l.removeIP(ip)

	sess := NewSession(conn, ip, l.deps)
	sess.Run(l.shutdown)
}

// Close stops accepting new connections and closes the shutdown channel
// that every running session watches. It does not wait for in-flight
// sessions to finish closing.
func (l *Listener) Close() error {
	close(l.shutdown)
	if l.certs != nil {
		l.certs.Close()
	}
	if err := l.plainListener.Close(); err != nil {
		return err
	}
	if l.tlsListener != nil {
		return l.tlsListener.Close()
	}
	return nil
}
