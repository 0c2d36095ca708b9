package grpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"treasuredig/prober/internal/detector"
	"treasuredig/prober/internal/logging"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "prober.v1.ProbeService"

// Detector answers the three query kinds exposed over gRPC.
type Detector interface {
	Probe(ctx context.Context, req detector.ProbeRequest) (detector.ProbeResponse, error)
	Furthest(ctx context.Context, req detector.FurthestRequest) (detector.FurthestResponse, error)
	Scan(ctx context.Context, req detector.ScanRequest) (detector.ScanResponse, error)
}

// ProbeServiceServer is the server contract registered under ServiceName.
// Messages are google.protobuf.Struct documents carrying the JSON query shapes.
type ProbeServiceServer interface {
	Probe(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Furthest(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Scan(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// Option customises the behaviour of the gRPC probe service.
type Option func(*Service)

// WithLogger overrides the logger used for request failures.
func WithLogger(logger *logging.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Service implements ProbeServiceServer on top of a Detector.
type Service struct {
	detector Detector
	logger   *logging.Logger
}

var _ ProbeServiceServer = (*Service)(nil)

// NewService wires the gRPC service to the detector and optional settings.
func NewService(d Detector, opts ...Option) *Service {
	service := &Service{detector: d, logger: logging.L()}
	for _, opt := range opts {
		if opt != nil {
			opt(service)
		}
	}
	return service
}

// Probe answers a ground probe.
func (s *Service) Probe(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if s == nil || s.detector == nil {
		return nil, status.Error(codes.FailedPrecondition, "detector unavailable")
	}
	var wire detector.ProbeWire
	if err := decodeStruct(in, &wire); err != nil {
		return nil, s.statusFor(ctx, "Probe", err)
	}
	req, err := wire.Request()
	if err != nil {
		return nil, s.statusFor(ctx, "Probe", err)
	}
	resp, err := s.detector.Probe(ctx, req)
	if err != nil {
		return nil, s.statusFor(ctx, "Probe", err)
	}
	return encodeStruct(resp)
}

// Furthest answers a treasure search around a start point.
func (s *Service) Furthest(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if s == nil || s.detector == nil {
		return nil, status.Error(codes.FailedPrecondition, "detector unavailable")
	}
	var wire detector.FurthestWire
	if err := decodeStruct(in, &wire); err != nil {
		return nil, s.statusFor(ctx, "Furthest", err)
	}
	req, err := wire.Request()
	if err != nil {
		return nil, s.statusFor(ctx, "Furthest", err)
	}
	resp, err := s.detector.Furthest(ctx, req)
	if err != nil {
		return nil, s.statusFor(ctx, "Furthest", err)
	}
	return encodeStruct(resp)
}

// Scan answers a combined ground probe and treasure search.
func (s *Service) Scan(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	if s == nil || s.detector == nil {
		return nil, status.Error(codes.FailedPrecondition, "detector unavailable")
	}
	var wire detector.ScanWire
	if err := decodeStruct(in, &wire); err != nil {
		return nil, s.statusFor(ctx, "Scan", err)
	}
	req, err := wire.Request()
	if err != nil {
		return nil, s.statusFor(ctx, "Scan", err)
	}
	resp, err := s.detector.Scan(ctx, req)
	if err != nil {
		return nil, s.statusFor(ctx, "Scan", err)
	}
	return encodeStruct(resp)
}

func (s *Service) statusFor(ctx context.Context, method string, err error) error {
	st := StatusFor(err)
	if st.Code() == codes.Internal {
		logger := s.logger
		if logging.TraceIDFromContext(ctx) != "" {
			logger = logging.LoggerFromContext(ctx)
		}
		logger.Error("grpc query failed", logging.String("method", method), logging.Error(err))
	}
	return st.Err()
}

// StatusFor maps detector errors onto gRPC status codes.
func StatusFor(err error) *status.Status {
	switch {
	case err == nil:
		return status.New(codes.OK, "")
	case detector.IsInvalidArgument(err):
		return status.New(codes.InvalidArgument, err.Error())
	case detector.IsCapabilityFailure(err):
		return status.New(codes.Unavailable, err.Error())
	case errors.Is(err, detector.ErrSceneUnavailable):
		return status.New(codes.FailedPrecondition, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return status.New(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.New(codes.Canceled, err.Error())
	default:
		return status.New(codes.Internal, "internal error")
	}
}

//1.- The Struct travels as its canonical JSON form so the wire shapes match the HTTP API.
func decodeStruct(in *structpb.Struct, dst any) error {
	if in == nil {
		in = &structpb.Struct{}
	}
	raw, err := in.MarshalJSON()
	if err != nil {
		return fmt.Errorf("encode struct: %w", err)
	}
	return detector.DecodeJSON(bytes.NewReader(raw), dst)
}

func encodeStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	out := &structpb.Struct{}
	if err := out.UnmarshalJSON(raw); err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

// ServiceDesc describes prober.v1.ProbeService for grpc.Server registration.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ProbeServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Probe", Handler: unaryHandler("Probe", ProbeServiceServer.Probe)},
		{MethodName: "Furthest", Handler: unaryHandler("Furthest", ProbeServiceServer.Furthest)},
		{MethodName: "Scan", Handler: unaryHandler("Scan", ProbeServiceServer.Scan)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "prober/v1/probe.proto",
}

// Register attaches srv to the registrar under ServiceName.
func Register(registrar grpc.ServiceRegistrar, srv ProbeServiceServer) {
	registrar.RegisterService(&ServiceDesc, srv)
}

type unaryMethod func(ProbeServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(method string, call unaryMethod) grpc.MethodHandler {
	fullMethod := "/" + ServiceName + "/" + method
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(ProbeServiceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(ProbeServiceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}
