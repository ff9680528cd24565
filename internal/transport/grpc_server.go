package transport

import (
	"context"
	"fmt"
	"math/big"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/zde37/chordring/internal/chord"
	"github.com/zde37/chordring/pkg"
)

const (
	// ServiceName is the gRPC service every ring member exposes.
	ServiceName    = "chordring.Ring"
	dispatchMethod = "/" + ServiceName + "/Dispatch"

	maxMessageSize = 4 * 1024 * 1024
)

// ringService is the handler type of ringServiceDesc.
type ringService interface {
	dispatch(ctx context.Context, req *wireRequest) (*wireResponse, error)
}

func dispatchHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wireRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ringService).dispatch(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: dispatchMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ringService).dispatch(ctx, req.(*wireRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// ringServiceDesc declares the single-method ring service. Every protocol
// request travels through Dispatch and is told apart by its type field.
var ringServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ringService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Dispatch", Handler: dispatchHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "chordring/ring.proto",
}

// GRPCServer exposes a chord.RequestHandler on the network.
type GRPCServer struct {
	handler   chord.RequestHandler
	keyspace  *big.Int
	server    *grpc.Server
	health    *health.Server
	logger    *pkg.Logger
	authToken string

	address  string
	listener net.Listener
	mu       sync.Mutex
}

// NewGRPCServer creates a server for handler. Ids on the wire are decoded in keyspace.
func NewGRPCServer(handler chord.RequestHandler, keyspace *big.Int, address string, authToken string, logger *pkg.Logger) (*GRPCServer, error) {
	if handler == nil {
		return nil, fmt.Errorf("handler cannot be nil")
	}
	if keyspace == nil || keyspace.Sign() <= 0 {
		return nil, fmt.Errorf("keyspace must be positive")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	return &GRPCServer{
		handler:   handler,
		keyspace:  keyspace,
		address:   address,
		authToken: authToken,
		health:    health.NewServer(),
		logger:    logger.WithFields(pkg.Fields{"component": "grpc_server"}),
	}, nil
}

// Start listens on the configured address and serves in the background.
func (s *GRPCServer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return fmt.Errorf("server already started")
	}

	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.listener = listener

	s.server = grpc.NewServer(
		grpc.MaxRecvMsgSize(maxMessageSize),
		grpc.MaxSendMsgSize(maxMessageSize),
		grpc.ChainUnaryInterceptor(
			RequestIDInterceptor(s.logger),
			AuthInterceptor(s.authToken),
		),
	)
	s.server.RegisterService(&ringServiceDesc, s)
	healthpb.RegisterHealthServer(s.server, s.health)
	reflection.Register(s.server)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)

	s.logger.Info().
		Str("address", listener.Addr().String()).
		Msg("Starting gRPC server")

	server := s.server
	go func() {
		if err := server.Serve(listener); err != nil {
			s.logger.Error().Err(err).Msg("gRPC server error")
		}
	}()

	return nil
}

// Addr returns the bound listener address, or nil before Start.
func (s *GRPCServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// SetServing flips the status reported by the standard health service.
func (s *GRPCServer) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_SERVING
	if !serving {
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus(ServiceName, st)
}

// Stop gracefully stops the server.
func (s *GRPCServer) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.logger.Info().Msg("Stopping gRPC server")

	s.health.Shutdown()
	if s.server != nil {
		s.server.GracefulStop()
		s.server = nil
	}
	s.listener = nil
	return nil
}

func (s *GRPCServer) dispatch(ctx context.Context, in *wireRequest) (*wireResponse, error) {
	req := requestFromWire(in, s.keyspace)

	resp, err := s.handler.HandleRequest(ctx, req)
	if err != nil {
		s.logger.WithContext(ctx).Debug().
			Err(err).
			Str("type", req.Type.String()).
			Msg("request failed")
		return nil, toStatus(err)
	}
	return responseToWire(resp), nil
}
