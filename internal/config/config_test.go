package config

import (
	"os"
	"strings"
	"testing"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"PROBER_ADDR", "PROBER_GRPC_ADDR", "PROBER_ALLOWED_ORIGINS", "PROBER_MAX_PAYLOAD_BYTES",
		"PROBER_PING_INTERVAL", "PROBER_TLS_CERT", "PROBER_TLS_KEY", "PROBER_ADMIN_TOKEN",
		"PROBER_RELOAD_WINDOW", "PROBER_RELOAD_BURST", "PROBER_SESSION_SECRET",
		"PROBER_SESSION_RATE_WINDOW", "PROBER_SESSION_RATE_LIMIT", "PROBER_GRPC_AUTH_MODE",
		"PROBER_GRPC_SHARED_SECRET", "PROBER_GRPC_TLS_CERT", "PROBER_GRPC_TLS_KEY", "PROBER_GRPC_CLIENT_CA",
		"PROBER_SCENE_PATH", "PROBER_JOURNAL_DIR", "PROBER_MAX_CHECK_HEIGHT", "PROBER_RAY_LENGTH",
		"PROBER_MAX_ITERATIONS", "PROBER_STRICT_CAPABILITY", "PROBER_SAMPLE_DENSITY",
		"PROBER_DETECTOR_RADIUS", "PROBER_DETECTOR_MATERIALS", "PROBER_LOG_LEVEL", "PROBER_LOG_PATH",
		"PROBER_LOG_MAX_SIZE_MB", "PROBER_LOG_MAX_BACKUPS", "PROBER_LOG_MAX_AGE_DAYS", "PROBER_LOG_COMPRESS",
		"PROBER_JOURNAL_MAX_BUNDLES", "PROBER_JOURNAL_MAX_AGE", "PROBER_JOURNAL_SWEEP_INTERVAL",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Address != DefaultAddr {
		t.Fatalf("expected default addr %q, got %q", DefaultAddr, cfg.Address)
	}
	if cfg.GRPCAddress != DefaultGRPCAddr {
		t.Fatalf("expected default grpc addr %q, got %q", DefaultGRPCAddr, cfg.GRPCAddress)
	}
	if cfg.AllowedOrigins != nil {
		t.Fatalf("expected no allowed origins, got %#v", cfg.AllowedOrigins)
	}
	if cfg.MaxPayloadBytes != DefaultMaxPayloadBytes {
		t.Fatalf("expected default max payload %d, got %d", DefaultMaxPayloadBytes, cfg.MaxPayloadBytes)
	}
	if cfg.PingInterval != DefaultPingInterval {
		t.Fatalf("expected default ping interval %v, got %v", DefaultPingInterval, cfg.PingInterval)
	}
	if cfg.GRPCAuthMode != GRPCAuthModeNone {
		t.Fatalf("expected grpc auth mode none, got %q", cfg.GRPCAuthMode)
	}
	if cfg.Probe.MaxCheckHeight != DefaultMaxCheckHeight || cfg.Probe.RayLength != DefaultRayLength {
		t.Fatalf("unexpected probe defaults %+v", cfg.Probe)
	}
	if cfg.Probe.MaxIterations != DefaultMaxIterations || cfg.Probe.Strict {
		t.Fatalf("unexpected probe defaults %+v", cfg.Probe)
	}
	if cfg.Detector.SampleDensity != DefaultSampleDensity || cfg.Detector.Radius != DefaultDetectorRadius {
		t.Fatalf("unexpected detector defaults %+v", cfg.Detector)
	}
	if cfg.Logging.Level != DefaultLogLevel || cfg.Logging.Path != DefaultLogPath || !cfg.Logging.Compress {
		t.Fatalf("unexpected logging defaults %+v", cfg.Logging)
	}
	if cfg.JournalMaxBundles != DefaultJournalMaxBundles || cfg.JournalMaxAge != DefaultJournalMaxAge {
		t.Fatalf("unexpected journal retention defaults %d/%v", cfg.JournalMaxBundles, cfg.JournalMaxAge)
	}
	if cfg.TLSCertPath != "" || cfg.TLSKeyPath != "" {
		t.Fatalf("expected TLS paths to be empty, got cert=%q key=%q", cfg.TLSCertPath, cfg.TLSKeyPath)
	}
}

func TestLoadOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PROBER_ADDR", "127.0.0.1:9000")
	t.Setenv("PROBER_ALLOWED_ORIGINS", "https://example.com, https://demo.local")
	t.Setenv("PROBER_MAX_PAYLOAD_BYTES", "2048")
	t.Setenv("PROBER_PING_INTERVAL", "45s")
	t.Setenv("PROBER_MAX_CHECK_HEIGHT", "250.5")
	t.Setenv("PROBER_RAY_LENGTH", "900")
	t.Setenv("PROBER_MAX_ITERATIONS", "12")
	t.Setenv("PROBER_STRICT_CAPABILITY", "true")
	t.Setenv("PROBER_SAMPLE_DENSITY", "9")
	t.Setenv("PROBER_DETECTOR_RADIUS", "42")
	t.Setenv("PROBER_DETECTOR_MATERIALS", "sand, grass")
	t.Setenv("PROBER_SCENE_PATH", "/srv/maps/beach.yaml")
	t.Setenv("PROBER_GRPC_AUTH_MODE", "SHARED_SECRET")
	t.Setenv("PROBER_GRPC_SHARED_SECRET", "hunter2")
	t.Setenv("PROBER_JOURNAL_MAX_BUNDLES", "3")
	t.Setenv("PROBER_JOURNAL_MAX_AGE", "2h")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if cfg.Address != "127.0.0.1:9000" {
		t.Fatalf("unexpected address: %q", cfg.Address)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[0] != "https://example.com" || cfg.AllowedOrigins[1] != "https://demo.local" {
		t.Fatalf("unexpected allowed origins: %#v", cfg.AllowedOrigins)
	}
	if cfg.MaxPayloadBytes != 2048 {
		t.Fatalf("expected overridden max payload, got %d", cfg.MaxPayloadBytes)
	}
	if cfg.PingInterval.String() != "45s" {
		t.Fatalf("expected ping interval 45s, got %v", cfg.PingInterval)
	}
	if cfg.Probe.MaxCheckHeight != 250.5 || cfg.Probe.RayLength != 900 || cfg.Probe.MaxIterations != 12 || !cfg.Probe.Strict {
		t.Fatalf("unexpected probe overrides %+v", cfg.Probe)
	}
	if cfg.Detector.SampleDensity != 9 || cfg.Detector.Radius != 42 {
		t.Fatalf("unexpected detector overrides %+v", cfg.Detector)
	}
	if len(cfg.Detector.Materials) != 2 || cfg.Detector.Materials[1] != "grass" {
		t.Fatalf("unexpected detector materials %#v", cfg.Detector.Materials)
	}
	if cfg.ScenePath != "/srv/maps/beach.yaml" {
		t.Fatalf("unexpected scene path %q", cfg.ScenePath)
	}
	if cfg.GRPCAuthMode != GRPCAuthModeSharedSecret || cfg.GRPCSharedSecret != "hunter2" {
		t.Fatalf("unexpected grpc auth %q/%q", cfg.GRPCAuthMode, cfg.GRPCSharedSecret)
	}
	if cfg.JournalMaxBundles != 3 || cfg.JournalMaxAge.String() != "2h0m0s" {
		t.Fatalf("unexpected journal retention %d/%v", cfg.JournalMaxBundles, cfg.JournalMaxAge)
	}
}

func TestLoadReturnsValidationErrors(t *testing.T) {
	clearEnv(t)
	t.Setenv("PROBER_MAX_PAYLOAD_BYTES", "-5")
	t.Setenv("PROBER_PING_INTERVAL", "abc")
	t.Setenv("PROBER_TLS_CERT", "/tmp/cert.pem")
	t.Setenv("PROBER_SAMPLE_DENSITY", "0")
	t.Setenv("PROBER_RAY_LENGTH", "0")
	t.Setenv("PROBER_DETECTOR_RADIUS", "NaN")
	t.Setenv("PROBER_STRICT_CAPABILITY", "maybe")

	_, err := Load()
	if err == nil {
		t.Fatal("expected error from invalid configuration, got nil")
	}

	for _, want := range []string{
		"PROBER_MAX_PAYLOAD_BYTES",
		"PROBER_PING_INTERVAL",
		"PROBER_TLS_CERT",
		"PROBER_SAMPLE_DENSITY",
		"PROBER_RAY_LENGTH",
		"PROBER_DETECTOR_RADIUS",
		"PROBER_STRICT_CAPABILITY",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected error to mention %s, got %q", want, err.Error())
		}
	}
}

func TestLoadValidatesGRPCAuthMode(t *testing.T) {
	cases := map[string]map[string]string{
		"unknown mode":     {"PROBER_GRPC_AUTH_MODE": "kerberos"},
		"missing secret":   {"PROBER_GRPC_AUTH_MODE": "shared_secret"},
		"missing mtls pem": {"PROBER_GRPC_AUTH_MODE": "mtls", "PROBER_GRPC_TLS_CERT": "/tmp/cert.pem"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			clearEnv(t)
			for key, value := range env {
				t.Setenv(key, value)
			}
			if _, err := Load(); err == nil || !strings.Contains(err.Error(), "PROBER_GRPC") {
				t.Fatalf("expected grpc auth error, got %v", err)
			}
		})
	}
}

func TestLoadIgnoresEmptyAllowedOrigins(t *testing.T) {
	clearEnv(t)
	t.Setenv("PROBER_ALLOWED_ORIGINS", " , ,https://ok.example, ")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}

	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != "https://ok.example" {
		t.Fatalf("expected single cleaned origin, got %#v", cfg.AllowedOrigins)
	}
}

func TestLoadAllowsZeroCheckHeightAndUnlimitedSessions(t *testing.T) {
	clearEnv(t)
	t.Setenv("PROBER_MAX_CHECK_HEIGHT", "0")
	t.Setenv("PROBER_SESSION_RATE_LIMIT", "0")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.Probe.MaxCheckHeight != 0 {
		t.Fatalf("expected zero check height, got %f", cfg.Probe.MaxCheckHeight)
	}
	if cfg.SessionRateLimit != 0 {
		t.Fatalf("expected zero to disable session limit, got %d", cfg.SessionRateLimit)
	}
}

func TestLoadWithCustomTLSPair(t *testing.T) {
	clearEnv(t)
	certFile := createTempFile(t)
	keyFile := createTempFile(t)

	t.Setenv("PROBER_TLS_CERT", certFile)
	t.Setenv("PROBER_TLS_KEY", keyFile)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() returned error: %v", err)
	}
	if cfg.TLSCertPath != certFile || cfg.TLSKeyPath != keyFile {
		t.Fatalf("unexpected TLS pair cert=%q key=%q", cfg.TLSCertPath, cfg.TLSKeyPath)
	}
}

func createTempFile(t *testing.T) string {
	t.Helper()
	f, err := os.CreateTemp("", "prober-config-test-*")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	name := f.Name()
	f.Close()
	t.Cleanup(func() { _ = os.Remove(name) })
	return name
}
