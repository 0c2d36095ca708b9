package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultAddr is the default TCP address for HTTP and WebSocket traffic.
	DefaultAddr = ":43127"
	// DefaultGRPCAddr is the default TCP address for the gRPC probe service.
	DefaultGRPCAddr = ":43128"
	// DefaultPingInterval controls the keepalive cadence for WebSocket sessions.
	DefaultPingInterval = 30 * time.Second
	// DefaultMaxPayloadBytes limits inbound WebSocket frame and HTTP body size.
	DefaultMaxPayloadBytes int64 = 1 << 20

	// DefaultReloadWindow bounds how frequently scene reloads may be requested.
	DefaultReloadWindow = time.Minute
	// DefaultReloadBurst sets how many scene reloads may be made per window.
	DefaultReloadBurst = 2

	// DefaultSessionRateWindow is the sliding window for per-session query limits.
	DefaultSessionRateWindow = time.Second
	// DefaultSessionRateLimit caps queries per session per window. Zero disables the limit.
	DefaultSessionRateLimit = 30

	// DefaultJournalMaxBundles caps how many journal bundles are kept on disk.
	DefaultJournalMaxBundles = 20
	// DefaultJournalMaxAge expires journal bundles older than this.
	DefaultJournalMaxAge = 7 * 24 * time.Hour
	// DefaultJournalSweepInterval controls how often journal retention runs.
	DefaultJournalSweepInterval = 10 * time.Minute

	// DefaultMaxCheckHeight is how far above a position the ground probe starts.
	DefaultMaxCheckHeight = 1000.0
	// DefaultRayLength is the length of each downward probe cast.
	DefaultRayLength = 5000.0
	// DefaultMaxIterations bounds the casts issued by one ground probe.
	DefaultMaxIterations = 256
	// DefaultSampleDensity is the grid resolution used by the treasure sampler.
	DefaultSampleDensity = 5
	// DefaultDetectorRadius is the treasure search radius when requests omit one.
	DefaultDetectorRadius = 20.0

	// DefaultLogLevel controls verbosity for service logs.
	DefaultLogLevel = "info"
	// DefaultLogPath is where structured logs are written.
	DefaultLogPath = "prober.log"
	// DefaultLogMaxSizeMB caps the size of a single log file before rotation.
	DefaultLogMaxSizeMB = 100
	// DefaultLogMaxBackups limits retained rotated log files.
	DefaultLogMaxBackups = 10
	// DefaultLogMaxAgeDays controls how long rotated log files are kept on disk.
	DefaultLogMaxAgeDays = 7
	// DefaultLogCompress toggles gzip compression for rotated log files.
	DefaultLogCompress = true
)

// GRPCAuthMode selects how gRPC callers authenticate.
type GRPCAuthMode string

const (
	// GRPCAuthModeNone accepts every caller.
	GRPCAuthModeNone GRPCAuthMode = "none"
	// GRPCAuthModeSharedSecret requires a shared secret in request metadata.
	GRPCAuthModeSharedSecret GRPCAuthMode = "shared_secret"
	// GRPCAuthModeMTLS requires client certificates signed by the configured CA.
	GRPCAuthModeMTLS GRPCAuthMode = "mtls"
)

// Config captures all runtime tunables for the prober service.
type Config struct {
	Address           string
	GRPCAddress       string
	AllowedOrigins    []string
	MaxPayloadBytes   int64
	PingInterval      time.Duration
	TLSCertPath       string
	TLSKeyPath        string
	AdminToken        string
	ReloadWindow      time.Duration
	ReloadBurst       int
	SessionSecret     string
	SessionRateWindow time.Duration
	SessionRateLimit  int

	GRPCAuthMode       GRPCAuthMode
	GRPCSharedSecret   string
	GRPCServerCertPath string
	GRPCServerKeyPath  string
	GRPCClientCAPath   string

	ScenePath            string
	JournalDir           string
	JournalMaxBundles    int
	JournalMaxAge        time.Duration
	JournalSweepInterval time.Duration

	Probe    ProbeConfig
	Detector DetectorConfig
	Logging  LoggingConfig
}

// ProbeConfig tunes the ground probe.
type ProbeConfig struct {
	MaxCheckHeight float64
	RayLength      float64
	MaxIterations  int
	Strict         bool
}

// DetectorConfig tunes the treasure sampler.
type DetectorConfig struct {
	SampleDensity int
	Radius        float64
	Materials     []string
}

// LoggingConfig captures structured logging configuration options.
type LoggingConfig struct {
	Level      string
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Load reads the prober configuration from environment variables, applying defaults
// and returning one error that lists every invalid override.
func Load() (*Config, error) {
	cfg := &Config{
		Address:           getString("PROBER_ADDR", DefaultAddr),
		GRPCAddress:       getString("PROBER_GRPC_ADDR", DefaultGRPCAddr),
		AllowedOrigins:    parseList(os.Getenv("PROBER_ALLOWED_ORIGINS")),
		MaxPayloadBytes:   DefaultMaxPayloadBytes,
		PingInterval:      DefaultPingInterval,
		TLSCertPath:       strings.TrimSpace(os.Getenv("PROBER_TLS_CERT")),
		TLSKeyPath:        strings.TrimSpace(os.Getenv("PROBER_TLS_KEY")),
		AdminToken:        strings.TrimSpace(os.Getenv("PROBER_ADMIN_TOKEN")),
		ReloadWindow:      DefaultReloadWindow,
		ReloadBurst:       DefaultReloadBurst,
		SessionSecret:     strings.TrimSpace(os.Getenv("PROBER_SESSION_SECRET")),
		SessionRateWindow: DefaultSessionRateWindow,
		SessionRateLimit:  DefaultSessionRateLimit,

		GRPCAuthMode:       GRPCAuthMode(strings.ToLower(getString("PROBER_GRPC_AUTH_MODE", string(GRPCAuthModeNone)))),
		GRPCSharedSecret:   strings.TrimSpace(os.Getenv("PROBER_GRPC_SHARED_SECRET")),
		GRPCServerCertPath: strings.TrimSpace(os.Getenv("PROBER_GRPC_TLS_CERT")),
		GRPCServerKeyPath:  strings.TrimSpace(os.Getenv("PROBER_GRPC_TLS_KEY")),
		GRPCClientCAPath:   strings.TrimSpace(os.Getenv("PROBER_GRPC_CLIENT_CA")),

		ScenePath:            strings.TrimSpace(os.Getenv("PROBER_SCENE_PATH")),
		JournalDir:           strings.TrimSpace(os.Getenv("PROBER_JOURNAL_DIR")),
		JournalMaxBundles:    DefaultJournalMaxBundles,
		JournalMaxAge:        DefaultJournalMaxAge,
		JournalSweepInterval: DefaultJournalSweepInterval,

		Probe: ProbeConfig{
			MaxCheckHeight: DefaultMaxCheckHeight,
			RayLength:      DefaultRayLength,
			MaxIterations:  DefaultMaxIterations,
		},
		Detector: DetectorConfig{
			SampleDensity: DefaultSampleDensity,
			Radius:        DefaultDetectorRadius,
			Materials:     parseList(os.Getenv("PROBER_DETECTOR_MATERIALS")),
		},
		Logging: LoggingConfig{
			Level:      strings.TrimSpace(getString("PROBER_LOG_LEVEL", DefaultLogLevel)),
			Path:       strings.TrimSpace(getString("PROBER_LOG_PATH", DefaultLogPath)),
			MaxSizeMB:  DefaultLogMaxSizeMB,
			MaxBackups: DefaultLogMaxBackups,
			MaxAgeDays: DefaultLogMaxAgeDays,
			Compress:   DefaultLogCompress,
		},
	}

	var problems []string

	if raw := strings.TrimSpace(os.Getenv("PROBER_MAX_PAYLOAD_BYTES")); raw != "" {
		value, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || value <= 0 {
			problems = append(problems, fmt.Sprintf("PROBER_MAX_PAYLOAD_BYTES must be a positive integer, got %q", raw))
		} else {
			cfg.MaxPayloadBytes = value
		}
	}

	parsePositiveDuration(&problems, "PROBER_PING_INTERVAL", &cfg.PingInterval)
	parsePositiveDuration(&problems, "PROBER_RELOAD_WINDOW", &cfg.ReloadWindow)
	parsePositiveDuration(&problems, "PROBER_SESSION_RATE_WINDOW", &cfg.SessionRateWindow)
	parsePositiveDuration(&problems, "PROBER_JOURNAL_MAX_AGE", &cfg.JournalMaxAge)
	parsePositiveDuration(&problems, "PROBER_JOURNAL_SWEEP_INTERVAL", &cfg.JournalSweepInterval)

	parseInt(&problems, "PROBER_RELOAD_BURST", 1, &cfg.ReloadBurst)
	parseInt(&problems, "PROBER_SESSION_RATE_LIMIT", 0, &cfg.SessionRateLimit)
	parseInt(&problems, "PROBER_JOURNAL_MAX_BUNDLES", 0, &cfg.JournalMaxBundles)
	parseInt(&problems, "PROBER_MAX_ITERATIONS", 1, &cfg.Probe.MaxIterations)
	parseInt(&problems, "PROBER_SAMPLE_DENSITY", 1, &cfg.Detector.SampleDensity)

	parseFloat(&problems, "PROBER_MAX_CHECK_HEIGHT", false, &cfg.Probe.MaxCheckHeight)
	parseFloat(&problems, "PROBER_RAY_LENGTH", true, &cfg.Probe.RayLength)
	parseFloat(&problems, "PROBER_DETECTOR_RADIUS", false, &cfg.Detector.Radius)

	parseBool(&problems, "PROBER_STRICT_CAPABILITY", &cfg.Probe.Strict)

	parseInt(&problems, "PROBER_LOG_MAX_SIZE_MB", 1, &cfg.Logging.MaxSizeMB)
	parseInt(&problems, "PROBER_LOG_MAX_BACKUPS", 0, &cfg.Logging.MaxBackups)
	parseInt(&problems, "PROBER_LOG_MAX_AGE_DAYS", 0, &cfg.Logging.MaxAgeDays)
	parseBool(&problems, "PROBER_LOG_COMPRESS", &cfg.Logging.Compress)

	if (cfg.TLSCertPath == "") != (cfg.TLSKeyPath == "") {
		problems = append(problems, "PROBER_TLS_CERT and PROBER_TLS_KEY must be provided together")
	}

	switch cfg.GRPCAuthMode {
	case GRPCAuthModeNone:
	case GRPCAuthModeSharedSecret:
		if cfg.GRPCSharedSecret == "" {
			problems = append(problems, "PROBER_GRPC_SHARED_SECRET is required when PROBER_GRPC_AUTH_MODE=shared_secret")
		}
	case GRPCAuthModeMTLS:
		if cfg.GRPCServerCertPath == "" || cfg.GRPCServerKeyPath == "" || cfg.GRPCClientCAPath == "" {
			problems = append(problems, "PROBER_GRPC_TLS_CERT, PROBER_GRPC_TLS_KEY and PROBER_GRPC_CLIENT_CA are required when PROBER_GRPC_AUTH_MODE=mtls")
		}
	default:
		problems = append(problems, fmt.Sprintf("PROBER_GRPC_AUTH_MODE must be one of none, shared_secret, mtls, got %q", cfg.GRPCAuthMode))
	}

	if len(problems) > 0 {
		return nil, fmt.Errorf("%s", strings.Join(problems, "; "))
	}

	return cfg, nil
}

func parsePositiveDuration(problems *[]string, key string, dst *time.Duration) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	duration, err := time.ParseDuration(raw)
	if err != nil || duration <= 0 {
		*problems = append(*problems, fmt.Sprintf("%s must be a positive duration, got %q", key, raw))
		return
	}
	*dst = duration
}

func parseInt(problems *[]string, key string, minimum int, dst *int) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < minimum {
		*problems = append(*problems, fmt.Sprintf("%s must be an integer >= %d, got %q", key, minimum, raw))
		return
	}
	*dst = value
}

func parseFloat(problems *[]string, key string, strictlyPositive bool, dst *float64) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	value, err := strconv.ParseFloat(raw, 64)
	invalid := err != nil || math.IsNaN(value) || math.IsInf(value, 0) || value < 0 || (strictlyPositive && value == 0)
	if invalid {
		qualifier := "non-negative"
		if strictlyPositive {
			qualifier = "positive"
		}
		*problems = append(*problems, fmt.Sprintf("%s must be a finite %s number, got %q", key, qualifier, raw))
		return
	}
	*dst = value
}

func parseBool(problems *[]string, key string, dst *bool) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		*problems = append(*problems, fmt.Sprintf("%s must be a boolean value, got %q", key, raw))
		return
	}
	*dst = value
}

func getString(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func parseList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	values := make([]string, 0, len(parts))
	for _, part := range parts {
		if item := strings.TrimSpace(part); item != "" {
			values = append(values, item)
		}
	}
	return values
}
