// Package certloader hand-rolls a reloading TLS certificate loader, kept
// from the teacher's rtmp_ssl.go almost verbatim (stat-poll the cert/key
// files, swap the in-memory certificate under a mutex) and generalized to
// also build the mutual-TLS ClientCAs pool spec.md §6.1 requires. The RTMP
// listener uses the reloading Loader; the control-plane client's API TLS
// config comes from ClientTLSConfig, which reads its files once and does not
// use Loader. The teacher's go.mod also lists
// github.com/AgustinSRG/go-tls-certificate-loader but no teacher file
// imports it (see DESIGN.md); this hand-rolled loader is what is actually
// exercised, so it is what gets adapted rather than swapped for that
// library.
package certloader

import (
	"crypto/tls"
	"crypto/x509"
	"os"
	"sync"
	"time"

	"github.com/AgustinSRG/live-ingest-core/internal/ingestlog"
)

// Loader reloads a certificate/key pair from disk whenever either file's
// mtime changes, checked on a fixed poll interval.
type Loader struct {
	certPath string
	keyPath  string

	mu   sync.Mutex
	cert *tls.Certificate

	certModTime time.Time
	keyModTime  time.Time

	pollInterval time.Duration

	stop chan struct{}
}

// New loads the certificate for the first time and returns a Loader ready
// to serve it; call Run to start the background poll-and-reload goroutine.
func New(certPath, keyPath string, pollInterval time.Duration) (*Loader, error) {
	if pollInterval <= 0 {
		pollInterval = 30 * time.Second
	}

	statCert, err := os.Stat(certPath)
	if err != nil {
		return nil, err
	}
	statKey, err := os.Stat(keyPath)
	if err != nil {
		return nil, err
	}

	cer, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, err
	}

	return &Loader{
		certPath:     certPath,
		keyPath:      keyPath,
		cert:         &cer,
		certModTime:  statCert.ModTime(),
		keyModTime:   statKey.ModTime(),
		pollInterval: pollInterval,
		stop:         make(chan struct{}),
	}, nil
}

// Run polls for certificate changes until Close is called. Intended to be
// started in its own goroutine.
func (l *Loader) Run() {
	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.maybeReload()
		}
	}
}

func (l *Loader) maybeReload() {
	statCert, err := os.Stat(l.certPath)
	if err != nil {
		ingestlog.Error(err)
		return
	}
	statKey, err := os.Stat(l.keyPath)
	if err != nil {
		ingestlog.Error(err)
		return
	}

	if statCert.ModTime().Equal(l.certModTime) && statKey.ModTime().Equal(l.keyModTime) {
		return
	}

	cer, err := tls.LoadX509KeyPair(l.certPath, l.keyPath)
	if err != nil {
		ingestlog.Error(err)
		return
	}

	l.mu.Lock()
	l.cert = &cer
	l.certModTime = statCert.ModTime()
	l.keyModTime = statKey.ModTime()
	l.mu.Unlock()

	ingestlog.Info("Reloaded TLS certificate " + l.certPath)
}

// Close stops the reload goroutine.
func (l *Loader) Close() { close(l.stop) }

// GetCertificateFunc is the tls.Config.GetCertificate hook.
func (l *Loader) GetCertificateFunc() func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
		l.mu.Lock()
		defer l.mu.Unlock()
		return l.cert, nil
	}
}

// ServerTLSConfig builds a *tls.Config for the RTMP listener. When caCertPath
// is non-empty, a client certificate is optional, but one that is presented
// must verify against it (mutual TLS, §6.1) — either an RSA or an EC client certificate validates
// uniformly under crypto/tls's standard ClientCAs pool, no codec-specific
// handling needed.
func (l *Loader) ServerTLSConfig(caCertPath string) (*tls.Config, error) {
	cfg := &tls.Config{
		GetCertificate: l.GetCertificateFunc(),
		MinVersion:     tls.VersionTLS12,
	}

	if caCertPath == "" {
		return cfg, nil
	}

	caBytes, err := os.ReadFile(caCertPath)
	if err != nil {
		return nil, err
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caBytes) {
		return nil, errInvalidCA
	}
	cfg.ClientCAs = pool
	cfg.ClientAuth = tls.VerifyClientCertIfGiven

	return cfg, nil
}

// ClientTLSConfig builds a *tls.Config for an outbound mTLS client
// connection (spec.md §6.5's `api.tls`): certPath/keyPath present the
// client's own certificate when the peer requests one, caCertPath (if set)
// pins the trusted server CA instead of the system pool. Unlike
// ServerTLSConfig this is not hot-reloaded: the files are read once, when
// ClientTLSConfig is called, and every later redial presents that same
// certificate.
func ClientTLSConfig(certPath, keyPath, caCertPath string) (*tls.Config, error) {
	cfg := &tls.Config{MinVersion: tls.VersionTLS12}

	if certPath != "" && keyPath != "" {
		cer, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return nil, err
		}
		cfg.Certificates = []tls.Certificate{cer}
	}

	if caCertPath != "" {
		caBytes, err := os.ReadFile(caCertPath)
		if err != nil {
			return nil, err
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caBytes) {
			return nil, errInvalidCA
		}
		cfg.RootCAs = pool
	}

	return cfg, nil
}

var errInvalidCA = &invalidCAError{}

type invalidCAError struct{}

func (*invalidCAError) Error() string { return "certloader: invalid CA certificate PEM" }
