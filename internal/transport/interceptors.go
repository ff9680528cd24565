package transport

import (
	"context"
	"crypto/subtle"
	"time"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/zde37/chordring/pkg"
)

const (
	// AuthTokenHeader carries the shared ring secret.
	AuthTokenHeader = "x-auth-token"
	// RequestIDHeader carries the id of the lookup or handshake a call belongs to.
	RequestIDHeader = "x-request-id"
)

// AuthInterceptor rejects calls whose token does not match expectedToken.
// An empty expectedToken lets every peer in.
func AuthInterceptor(expectedToken string) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if expectedToken == "" {
			return handler(ctx, req)
		}

		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return nil, status.Error(codes.Unauthenticated, "missing metadata")
		}
		tokens := md.Get(AuthTokenHeader)
		if len(tokens) == 0 {
			return nil, status.Error(codes.Unauthenticated, "missing auth token")
		}
		if subtle.ConstantTimeCompare([]byte(tokens[0]), []byte(expectedToken)) != 1 {
			return nil, status.Error(codes.Unauthenticated, "invalid auth token")
		}
		return handler(ctx, req)
	}
}

// RequestIDInterceptor puts the caller's request id (or a fresh one) on the
// context and logs the call at debug level.
func RequestIDInterceptor(logger *pkg.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		id := ""
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if ids := md.Get(RequestIDHeader); len(ids) > 0 {
				id = ids[0]
			}
		}
		if id == "" {
			id = uuid.NewString()
		}
		ctx = pkg.ContextWithRequestID(ctx, id)

		start := time.Now()
		resp, err := handler(ctx, req)

		event := logger.WithContext(ctx).Debug()
		if err != nil {
			event = event.Err(err)
		}
		event.Str("method", info.FullMethod).
			Dur("duration", time.Since(start)).
			Msg("handled call")
		return resp, err
	}
}

// outgoingContext attaches the auth token and request id to an outgoing call.
// A request id already on ctx is forwarded so every hop of a lookup shares it.
func outgoingContext(ctx context.Context, authToken string) context.Context {
	id := pkg.RequestID(ctx)
	if id == "" {
		id = uuid.NewString()
	}
	pairs := []string{RequestIDHeader, id}
	if authToken != "" {
		pairs = append(pairs, AuthTokenHeader, authToken)
	}
	return metadata.AppendToOutgoingContext(ctx, pairs...)
}
