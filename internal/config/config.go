// Package config centralizes the env-var-driven configuration the teacher
// scatters across rtmp_server.go, control_connection.go and redis_cmds.go
// as individual os.Getenv calls. One Load() reads the same kind of flat
// environment once at process start, matching spec.md §6.5's configuration
// table instead of re-reading os.Getenv throughout the codebase.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// TLSConfig describes one optional TLS termination: a plain listener if Cert
// is empty, otherwise a TLS (and optionally mutual-TLS, if CACert is set)
// one, matching §6.1.
type TLSConfig struct {
	Cert   string
	Key    string
	CACert string // when set, peer certificates that are presented are verified against it
	Domain string
}

func (t TLSConfig) Enabled() bool { return t.Cert != "" && t.Key != "" }

// Config is every value the ingest core reads from the environment.
type Config struct {
	RTMPBindAddress string
	RTMPTLS         TLSConfig
	MaxIPConns      int // rtmp.max_ip_connections

	APIAddresses      []string
	APIResolveInterval time.Duration
	APITLS            TLSConfig
	ControlSecret     string

	TranscoderEventsSubject string
	RedisHost               string
	RedisPort               string
	RedisPassword           string
	RedisUseTLS             bool
	AdminCommandChannel     string // empty disables the admin-plane receiver

	GRPCBindAddress string // grpc.bind_address: inbound transcoder RPC socket

	HandshakeTimeout      time.Duration
	ControlPlaneTimeout   time.Duration
	FirstFrameGrace       time.Duration
	SequenceHeaderGrace   time.Duration
	ResumableRetention    time.Duration
	ShutdownDrainDeadline time.Duration

	MaxStoredHeaders     int
	MaxConcurrentPartial int
	MaxMessageLength     int

	TranscoderMailboxSize int

	LogDebug    bool
	LogRequests bool
}

func getenvDefault(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvDurationSeconds(key string, defSeconds int) time.Duration {
	return time.Duration(getenvInt(key, defSeconds)) * time.Second
}

func splitAddresses(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(v); i++ {
		if i == len(v) || v[i] == ',' {
			if i > start {
				out = append(out, v[start:i])
			}
			start = i + 1
		}
	}
	return out
}

// Load reads the .env file (if present, same as the teacher's deployment
// convention) and then the process environment, returning the fully
// populated Config. It never blocks on I/O beyond the .env read.
func Load() (*Config, error) {
	_ = godotenv.Load() // optional; absence is not an error, matching teacher deployments without one

	cfg := &Config{
		RTMPBindAddress: getenvDefault("RTMP_BIND_ADDRESS", ":1935"),
		RTMPTLS: TLSConfig{
			Cert:   os.Getenv("RTMP_SSL_CERT"),
			Key:    os.Getenv("RTMP_SSL_KEY"),
			CACert: os.Getenv("RTMP_SSL_CA_CERT"),
			Domain: os.Getenv("RTMP_SSL_DOMAIN"),
		},
		MaxIPConns: getenvInt("RTMP_MAX_IP_CONNECTIONS", 0), // 0 = unlimited

		APIAddresses:       splitAddresses(os.Getenv("API_ADDRESSES")),
		APIResolveInterval: getenvDurationSeconds("API_RESOLVE_INTERVAL_SECONDS", 30),
		APITLS: TLSConfig{
			Cert:   os.Getenv("API_SSL_CERT"),
			Key:    os.Getenv("API_SSL_KEY"),
			CACert: os.Getenv("API_SSL_CA_CERT"),
		},
		ControlSecret: os.Getenv("CONTROL_SECRET"),

		TranscoderEventsSubject: getenvDefault("TRANSCODER_EVENTS_SUBJECT", "transcoder.events_subject"),
		RedisHost:               getenvDefault("REDIS_HOST", "localhost"),
		RedisPort:               getenvDefault("REDIS_PORT", "6379"),
		RedisPassword:           os.Getenv("REDIS_PASSWORD"),
		RedisUseTLS:             os.Getenv("REDIS_TLS") == "YES",
		AdminCommandChannel:     os.Getenv("ADMIN_COMMAND_CHANNEL"),

		GRPCBindAddress: getenvDefault("GRPC_BIND_ADDRESS", ":9000"),

		HandshakeTimeout:      getenvDurationSeconds("RTMP_HANDSHAKE_TIMEOUT_SECONDS", 5),
		ControlPlaneTimeout:   getenvDurationSeconds("CONTROL_PLANE_TIMEOUT_SECONDS", 5),
		FirstFrameGrace:       getenvDurationSeconds("FIRST_FRAME_GRACE_SECONDS", 10),
		SequenceHeaderGrace:   getenvDurationSeconds("SEQUENCE_HEADER_GRACE_SECONDS", 10),
		ResumableRetention:    getenvDurationSeconds("RESUMABLE_RETENTION_SECONDS", 300),
		ShutdownDrainDeadline: getenvDurationSeconds("SHUTDOWN_DRAIN_SECONDS", 30),

		MaxStoredHeaders:     getenvInt("RTMP_MAX_STORED_HEADERS", 100),
		MaxConcurrentPartial: getenvInt("RTMP_MAX_CONCURRENT_PARTIALS", 4),
		MaxMessageLength:     getenvInt("RTMP_MAX_MESSAGE_LENGTH", 10*1024*1024),

		TranscoderMailboxSize: getenvInt("TRANSCODER_MAILBOX_SIZE", 128),

		LogDebug:    os.Getenv("LOG_DEBUG") == "YES",
		LogRequests: os.Getenv("LOG_REQUESTS") != "NO",
	}

	return cfg, nil
}
