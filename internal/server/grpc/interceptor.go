package grpc

import (
	"context"
	"errors"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/dmitrijs2005/gophauth/internal/common"
	"github.com/dmitrijs2005/gophauth/internal/server/guard"
)

// DefaultMethodLevels lists the access level of every method the server
// registers. Methods missing from the table fall back to the server's
// default level.
var DefaultMethodLevels = map[string]guard.Level{
	grpc_health_v1.Health_Check_FullMethodName: guard.LevelPublic,
	grpc_health_v1.Health_Watch_FullMethodName: guard.LevelPublic,
}

func tokenFromMetadata(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if v := md.Get(common.AccessTokenHeaderName); len(v) > 0 {
		return v[0]
	}
	if v := md.Get("authorization"); len(v) > 0 {
		scheme, tok, ok := strings.Cut(v[0], " ")
		if ok && strings.EqualFold(scheme, "bearer") {
			return strings.TrimSpace(tok)
		}
	}
	return ""
}

func (s *GRPCServer) levelFor(method string) guard.Level {
	if l, ok := s.levels[method]; ok {
		return l
	}
	return s.defaultLevel
}

// authorize runs the guard for one call and returns the context handed to
// the handler.
func (s *GRPCServer) authorize(ctx context.Context, method string) (context.Context, error) {
	level := s.levelFor(method)
	if level == guard.LevelPublic {
		return ctx, nil
	}

	var sess *guard.Session
	if tok := tokenFromMetadata(ctx); tok != "" {
		decoded, err := s.decoder.Decode(tok)
		if err != nil {
			s.logger.Debug(ctx, "session token rejected", "method", method, "error", err)
		} else {
			sess = decoded
			ctx = guard.WithSession(ctx, sess)
		}
	}

	p, err := level.Check(sess)
	if err != nil {
		switch {
		case errors.Is(err, common.ErrorUnauthenticated):
			return nil, status.Error(codes.Unauthenticated, "authentication required")
		case errors.Is(err, common.ErrorForbidden):
			return nil, status.Error(codes.PermissionDenied, "insufficient role")
		default:
			return nil, status.Error(codes.Internal, "internal error")
		}
	}
	return guard.WithPrincipal(ctx, p), nil
}

func (s *GRPCServer) guardUnaryInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	ctx, err := s.authorize(ctx, info.FullMethod)
	if err != nil {
		return nil, err
	}
	return handler(ctx, req)
}

type guardedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (g *guardedStream) Context() context.Context { return g.ctx }

func (s *GRPCServer) guardStreamInterceptor(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
	ctx, err := s.authorize(ss.Context(), info.FullMethod)
	if err != nil {
		return err
	}
	return handler(srv, &guardedStream{ServerStream: ss, ctx: ctx})
}
