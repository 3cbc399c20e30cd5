// Package auth authenticates peer clusters on the replication transport.
// A peer presents its cluster id and shared secret as Basic credentials;
// the receiving cluster checks the secret against a bcrypt hash.
package auth

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"golang.org/x/crypto/bcrypt"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// Peer is an authenticated remote cluster.
type Peer struct {
	ClusterID string
}

// contextKey is a private type to avoid context key collisions.
type contextKey string

// PeerContextKey is the key used to store the Peer in the context.
const PeerContextKey = contextKey("peer")

// PeerFromContext returns the peer authenticated for the request, if any.
func PeerFromContext(ctx context.Context) (Peer, bool) {
	p, ok := ctx.Value(PeerContextKey).(Peer)
	return p, ok
}

// Authenticator verifies the credentials of incoming requests.
type Authenticator interface {
	Authenticate(ctx context.Context) (context.Context, error)
	UnaryInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error)
}

// PeerAuthenticator checks peer secrets against bcrypt hashes keyed by
// cluster id.
type PeerAuthenticator struct {
	hashesByCluster map[string]string
	logger          *slog.Logger
}

var _ Authenticator = (*PeerAuthenticator)(nil)

// NewPeerAuthenticator creates an authenticator from cluster id -> bcrypt hash.
func NewPeerAuthenticator(peers map[string]string, logger *slog.Logger) (*PeerAuthenticator, error) {
	hashes := make(map[string]string, len(peers))
	for id, hash := range peers {
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return nil, fmt.Errorf("peer %q: invalid bcrypt hash: %w", id, err)
		}
		hashes[id] = hash
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &PeerAuthenticator{
		hashesByCluster: hashes,
		logger:          logger.With("component", "PeerAuthenticator"),
	}, nil
}

func (a *PeerAuthenticator) checkAuthentication(clusterID, secret string) (Peer, error) {
	hash, ok := a.hashesByCluster[clusterID]
	if !ok {
		a.logger.Warn("Authentication failed: unknown peer cluster.", "cluster_id", clusterID)
		return Peer{}, status.Error(codes.Unauthenticated, "invalid peer credentials")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)); err != nil {
		a.logger.Warn("Authentication failed: secret mismatch.", "cluster_id", clusterID)
		return Peer{}, status.Error(codes.Unauthenticated, "invalid peer credentials")
	}
	return Peer{ClusterID: clusterID}, nil
}

// Authenticate extracts Basic credentials from the gRPC context, validates
// them, and returns a new context carrying the authenticated Peer.
func (a *PeerAuthenticator) Authenticate(ctx context.Context) (context.Context, error) {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "missing credentials")
	}

	values := md.Get("authorization")
	if len(values) == 0 {
		return nil, status.Error(codes.Unauthenticated, "missing credentials")
	}
	authHeader := values[0]

	if !strings.HasPrefix(authHeader, "Basic ") {
		return nil, status.Error(codes.Unauthenticated, "invalid authorization header format")
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(authHeader, "Basic "))
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, "invalid base64 in authorization header")
	}

	parts := strings.SplitN(string(decoded), ":", 2)
	if len(parts) != 2 {
		return nil, status.Error(codes.Unauthenticated, "invalid basic auth format")
	}

	peer, err := a.checkAuthentication(parts[0], parts[1])
	if err != nil {
		return nil, err
	}
	return context.WithValue(ctx, PeerContextKey, peer), nil
}

// UnaryInterceptor is a gRPC unary server interceptor for authentication.
// Health checks are not authenticated.
func (a *PeerAuthenticator) UnaryInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	if strings.HasPrefix(info.FullMethod, "/grpc.health.v1.Health/") {
		return handler(ctx, req)
	}
	newCtx, err := a.Authenticate(ctx)
	if err != nil {
		a.logger.Warn("Unary authentication failed", "method", info.FullMethod, "error", err)
		return nil, err
	}
	return handler(newCtx, req)
}

// HashSecret returns the bcrypt hash stored in security.peers for secret.
func HashSecret(secret string) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("secret cannot be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash secret: %w", err)
	}
	return string(hash), nil
}

// BasicCredentials implements credentials.PerRPCCredentials to send the local
// cluster id and secret with every call.
type BasicCredentials struct {
	ClusterID string
	Secret    string
	// RequireTLS refuses to send the secret over insecure connections.
	RequireTLS bool
}

func (c BasicCredentials) GetRequestMetadata(ctx context.Context, uri ...string) (map[string]string, error) {
	enc := base64.StdEncoding.EncodeToString([]byte(c.ClusterID + ":" + c.Secret))
	return map[string]string{"authorization": "Basic " + enc}, nil
}

func (c BasicCredentials) RequireTransportSecurity() bool {
	return c.RequireTLS
}
