package grpc

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"treasuredig/prober/internal/config"
	"treasuredig/prober/internal/logging"
)

// SharedSecretMetadataKey carries the shared secret on incoming calls.
const SharedSecretMetadataKey = "x-prober-shared-secret"

// TraceMetadataKey carries the caller's trace identifier.
const TraceMetadataKey = "x-trace-id"

// ServerOptions builds the grpc.Server options for the configured authentication mode.
func ServerOptions(cfg *config.Config, logger *logging.Logger) ([]grpc.ServerOption, error) {
	if cfg == nil {
		return nil, fmt.Errorf("grpc config required")
	}
	if logger == nil {
		logger = logging.L()
	}
	interceptors := []grpc.UnaryServerInterceptor{NewTraceInterceptor(logger)}
	var opts []grpc.ServerOption

	switch cfg.GRPCAuthMode {
	case config.GRPCAuthModeNone, "":
		logger.Warn("gRPC authentication disabled")
	case config.GRPCAuthModeMTLS:
		creds, err := LoadMTLSCredentials(cfg.GRPCServerCertPath, cfg.GRPCServerKeyPath, cfg.GRPCClientCAPath)
		if err != nil {
			return nil, err
		}
		opts = append(opts, grpc.Creds(creds))
		logger.Info("gRPC mTLS enabled")
	case config.GRPCAuthModeSharedSecret:
		interceptors = append(interceptors, NewSharedSecretInterceptor(cfg.GRPCSharedSecret))
		logger.Info("gRPC shared-secret authentication enabled")
	default:
		return nil, fmt.Errorf("unsupported grpc auth mode %q", cfg.GRPCAuthMode)
	}

	opts = append(opts, grpc.ChainUnaryInterceptor(interceptors...))
	return opts, nil
}

// NewSharedSecretInterceptor rejects calls whose metadata lacks the configured secret.
func NewSharedSecretInterceptor(secret string) grpc.UnaryServerInterceptor {
	normalized := strings.TrimSpace(secret)
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if normalized == "" {
			return nil, status.Error(codes.Unauthenticated, "shared secret not configured")
		}
		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return nil, status.Error(codes.Unauthenticated, "missing metadata")
		}
		candidate := extractSharedSecret(md)
		if candidate == "" {
			return nil, status.Error(codes.Unauthenticated, "missing shared secret")
		}
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(normalized)) != 1 {
			return nil, status.Error(codes.Unauthenticated, "invalid shared secret")
		}
		return handler(ctx, req)
	}
}

func extractSharedSecret(md metadata.MD) string {
	if md == nil {
		return ""
	}
	for _, value := range md.Get(SharedSecretMetadataKey) {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	for _, value := range md.Get("authorization") {
		if len(value) > 7 && strings.EqualFold(value[:7], "bearer ") {
			if token := strings.TrimSpace(value[7:]); token != "" {
				return token
			}
		}
	}
	return ""
}

// NewTraceInterceptor attaches a trace-scoped logger to each call and echoes the trace ID in the response header.
func NewTraceInterceptor(base *logging.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		incoming := ""
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if values := md.Get(TraceMetadataKey); len(values) > 0 {
				incoming = values[0]
			}
		}
		ctx, logger, traceID := logging.WithTrace(ctx, base, incoming)
		_ = grpc.SetHeader(ctx, metadata.Pairs(TraceMetadataKey, traceID))

		started := time.Now()
		resp, err := handler(ctx, req)
		logger.Debug("grpc call completed",
			logging.String("method", info.FullMethod),
			logging.String("code", status.Code(err).String()),
			logging.Duration("elapsed", time.Since(started)),
		)
		return resp, err
	}
}

// LoadMTLSCredentials builds server credentials that require client certificates signed by caPath.
func LoadMTLSCredentials(certPath, keyPath, caPath string) (credentials.TransportCredentials, error) {
	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("load server keypair: %w", err)
	}
	caBytes, err := os.ReadFile(caPath)
	if err != nil {
		return nil, fmt.Errorf("read client ca: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caBytes) {
		return nil, fmt.Errorf("failed to parse client ca bundle")
	}
	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.RequireAndVerifyClientCert,
		ClientCAs:    pool,
		MinVersion:   tls.VersionTLS12,
	}
	return credentials.NewTLS(tlsConfig), nil
}

// SharedSecretCredentials attaches the shared secret to every outgoing call.
type SharedSecretCredentials struct {
	Secret string
	// Secure demands a protected transport before the secret is sent.
	Secure bool
}

// GetRequestMetadata implements credentials.PerRPCCredentials.
func (c SharedSecretCredentials) GetRequestMetadata(context.Context, ...string) (map[string]string, error) {
	return map[string]string{SharedSecretMetadataKey: c.Secret}, nil
}

// RequireTransportSecurity implements credentials.PerRPCCredentials.
func (c SharedSecretCredentials) RequireTransportSecurity() bool { return c.Secure }
