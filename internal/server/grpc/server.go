package grpc

import (
	"context"
	"maps"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/dmitrijs2005/gophauth/internal/logging"
	"github.com/dmitrijs2005/gophauth/internal/server/guard"
)

// ServiceName is the health-check name the server reports.
const ServiceName = "gophauth.Auth"

type GRPCServer struct {
	address      string
	logger       logging.Logger
	decoder      guard.Decoder
	levels       map[string]guard.Level
	defaultLevel guard.Level
	health       *health.Server
	register     []func(*grpc.Server)
}

type Option func(*GRPCServer)

// WithMethodLevel sets the access level of one full method name.
func WithMethodLevel(method string, level guard.Level) Option {
	return func(s *GRPCServer) { s.levels[method] = level }
}

// WithDefaultLevel sets the level of methods missing from the table.
func WithDefaultLevel(level guard.Level) Option {
	return func(s *GRPCServer) { s.defaultLevel = level }
}

// WithService registers an additional service on the server.
func WithService(fn func(*grpc.Server)) Option {
	return func(s *GRPCServer) { s.register = append(s.register, fn) }
}

func NewGRPCServer(a string, l logging.Logger, d guard.Decoder, opts ...Option) *GRPCServer {
	s := &GRPCServer{
		address:      a,
		logger:       l.With("module", "grpc_server"),
		decoder:      d,
		levels:       maps.Clone(DefaultMethodLevels),
		defaultLevel: guard.LevelAuthenticated,
		health:       health.NewServer(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// SetServing flips the reported health of the auth service.
func (s *GRPCServer) SetServing(serving bool) {
	st := grpc_health_v1.HealthCheckResponse_NOT_SERVING
	if serving {
		st = grpc_health_v1.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
}

func (s *GRPCServer) Run(ctx context.Context) error {

	// announces address
	listen, err := net.Listen("tcp", s.address)
	if err != nil {
		return err
	}

	srv := grpc.NewServer(
		grpc.ChainUnaryInterceptor(s.guardUnaryInterceptor),
		grpc.ChainStreamInterceptor(s.guardStreamInterceptor),
	)

	grpc_health_v1.RegisterHealthServer(srv, s.health)
	for _, fn := range s.register {
		fn(srv)
	}
	s.SetServing(true)

	go func() {
		<-ctx.Done()
		s.logger.Info(ctx, "Stopping gRPC server...")
		s.health.Shutdown()
		srv.GracefulStop()
	}()

	s.logger.Info(ctx, "Starting gRPC server", "address", s.address)

	// starts accepting incoming connections
	if err := srv.Serve(listen); err != nil {
		return err
	}

	return nil
}
