// Command ingest is the live-video ingest core process entry point: it wires
// together configuration, the control-plane client, the connection manager,
// the inbound transcoder RPC listener, the segment broker, and the RTMP
// listener, then waits for SIGINT/SIGTERM to drain.
//
// Adapted from the teacher's main.go, which does the same kind of
// read-config-then-wire-subsystems-then-block-on-signal sequencing for its
// simpler (no control plane, no transcoder fan-out) subsystem set.
package main

import (
	"context"
	"crypto/tls"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AgustinSRG/live-ingest-core/internal/adminplane"
	"github.com/AgustinSRG/live-ingest-core/internal/broker"
	"github.com/AgustinSRG/live-ingest-core/internal/certloader"
	"github.com/AgustinSRG/live-ingest-core/internal/config"
	"github.com/AgustinSRG/live-ingest-core/internal/connmanager"
	"github.com/AgustinSRG/live-ingest-core/internal/controlplane"
	"github.com/AgustinSRG/live-ingest-core/internal/ingest"
	"github.com/AgustinSRG/live-ingest-core/internal/ingestlog"
	"github.com/AgustinSRG/live-ingest-core/internal/transcoderrpc"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		ingestlog.Error(err)
		os.Exit(1)
	}

	var apiTLSConfig *tls.Config
	if cfg.APITLS.Cert != "" || cfg.APITLS.CACert != "" {
		var err error
		apiTLSConfig, err = certloader.ClientTLSConfig(cfg.APITLS.Cert, cfg.APITLS.Key, cfg.APITLS.CACert)
		if err != nil {
			ingestlog.Error(err)
			os.Exit(1)
		}
	}
	control := controlplane.New(controlplane.Options{
		Addresses:       cfg.APIAddresses,
		Secret:          cfg.ControlSecret,
		Timeout:         cfg.ControlPlaneTimeout,
		TLSConfig:       apiTLSConfig,
		ResolveInterval: cfg.APIResolveInterval,
	})
	defer control.Close()

	mgr := connmanager.New()

	segments := broker.New(broker.Options{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		UseTLS:   cfg.RedisUseTLS,
		Subject:  cfg.TranscoderEventsSubject,
	})
	defer segments.Close() //nolint:errcheck

	rpcListener := transcoderrpc.New(cfg.GRPCBindAddress, mgr, cfg.TranscoderMailboxSize)
	go func() {
		if err := rpcListener.ListenAndServe(); err != nil {
			ingestlog.ErrorMessage("[transcoder-rpc] " + err.Error())
		}
	}()
	defer rpcListener.Close() //nolint:errcheck

	adminCtx, cancelAdmin := context.WithCancel(context.Background())
	defer cancelAdmin()
	admin := adminplane.New(adminplane.Options{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		UseTLS:   cfg.RedisUseTLS,
		Channel:  cfg.AdminCommandChannel,
	}, mgr)
	go admin.Run(adminCtx)

	deps := ingest.Deps{
		Config:  cfg,
		Control: control,
		Manager: mgr,
		Broker:  segments,
	}

	rtmpListener, err := ingest.NewListener(cfg, deps)
	if err != nil {
		ingestlog.Error(err)
		os.Exit(1)
	}

	go rtmpListener.Serve()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	ingestlog.Info("shutting down")
	shutdownDrain(rtmpListener, cfg.ShutdownDrainDeadline)
}

// shutdownDrain stops accepting new connections and signals in-flight
// sessions to close, waiting at most deadline for Listener.Close to return.
// Listener.Close does not wait for sessions, so the process can exit before
// in-flight sessions have reported a terminal state.
func shutdownDrain(l *ingest.Listener, deadline time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), deadline)
	defer cancel()

	done := make(chan struct{})
	go func() {
		_ = l.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		ingestlog.Warning("shutdown drain deadline exceeded")
	}
}
