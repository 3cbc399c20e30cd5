package auth

import (
	"context"

	"google.golang.org/grpc"
)

// NonAuthenticator accepts every request. It is used when security is disabled.
type NonAuthenticator struct{}

var _ Authenticator = (*NonAuthenticator)(nil)

func NewNonAuthenticator() Authenticator {
	return &NonAuthenticator{}
}

func (a *NonAuthenticator) Authenticate(ctx context.Context) (context.Context, error) {
	return ctx, nil
}

func (a *NonAuthenticator) UnaryInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	return handler(ctx, req)
}
