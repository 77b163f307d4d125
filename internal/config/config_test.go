package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	t.Setenv("RTMP_BIND_ADDRESS", "")
	t.Setenv("REDIS_HOST", "")
	t.Setenv("RTMP_MAX_STORED_HEADERS", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RTMPBindAddress != ":1935" {
		t.Fatalf("RTMPBindAddress = %q, want %q", cfg.RTMPBindAddress, ":1935")
	}
	if cfg.RedisHost != "localhost" {
		t.Fatalf("RedisHost = %q, want %q", cfg.RedisHost, "localhost")
	}
	if cfg.MaxStoredHeaders != 100 {
		t.Fatalf("MaxStoredHeaders = %d, want 100", cfg.MaxStoredHeaders)
	}
	if cfg.RTMPTLS.Enabled() {
		t.Fatal("expected RTMPTLS disabled with no cert/key set")
	}
}

func TestLoadOverridesAndSplitsAddresses(t *testing.T) {
	t.Setenv("API_ADDRESSES", "api-1:8080,api-2:8080,")
	t.Setenv("RTMP_MAX_STORED_HEADERS", "42")
	t.Setenv("REDIS_TLS", "YES")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := []string{"api-1:8080", "api-2:8080"}
	if len(cfg.APIAddresses) != len(want) {
		t.Fatalf("APIAddresses = %v, want %v", cfg.APIAddresses, want)
	}
	for i := range want {
		if cfg.APIAddresses[i] != want[i] {
			t.Fatalf("APIAddresses[%d] = %q, want %q", i, cfg.APIAddresses[i], want[i])
		}
	}
	if cfg.MaxStoredHeaders != 42 {
		t.Fatalf("MaxStoredHeaders = %d, want 42", cfg.MaxStoredHeaders)
	}
	if !cfg.RedisUseTLS {
		t.Fatal("expected RedisUseTLS true when REDIS_TLS=YES")
	}
}
