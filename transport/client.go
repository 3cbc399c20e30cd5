package transport

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/INLOpen/nexusrepl/auth"
	"github.com/INLOpen/nexusrepl/compressors"
	"github.com/INLOpen/nexusrepl/config"
	"github.com/INLOpen/nexusrepl/core"
	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

// ClientConfig configures the connections to remote clusters.
type ClientConfig struct {
	LocalClusterID string
	// Secret is presented to peers as Basic credentials. Empty disables them.
	Secret      string
	TLS         config.TLSConfig
	Compression core.CompressionType
	// CallTimeout bounds each Replicate call.
	CallTimeout time.Duration
	// DialOptions are appended to the defaults, e.g. a bufconn dialer in tests.
	DialOptions []grpc.DialOption
}

// Client is the connection to one remote cluster.
type Client struct {
	clusterID  string
	endpoint   string
	conn       *grpc.ClientConn
	compressor core.Compressor
	timeout    time.Duration
	logger     *slog.Logger
}

func dialOptions(cfg ClientConfig) ([]grpc.DialOption, error) {
	opts := []grpc.DialOption{
		grpc.WithConnectParams(grpc.ConnectParams{
			Backoff: backoff.Config{
				BaseDelay:  1.0 * time.Second,
				Multiplier: 1.6,
				Jitter:     0.2,
				MaxDelay:   120 * time.Second,
			},
			MinConnectTimeout: 20 * time.Second,
		}),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	}
	if cfg.TLS.Enabled {
		tlsConfig := &tls.Config{}
		if cfg.TLS.CAFile != "" {
			pool, err := loadCertPool(cfg.TLS.CAFile)
			if err != nil {
				return nil, err
			}
			tlsConfig.RootCAs = pool
		}
		if cfg.TLS.CertFile != "" && cfg.TLS.KeyFile != "" {
			cert, err := tls.LoadX509KeyPair(cfg.TLS.CertFile, cfg.TLS.KeyFile)
			if err != nil {
				return nil, fmt.Errorf("could not load client certificate: %w", err)
			}
			tlsConfig.Certificates = []tls.Certificate{cert}
		}
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(tlsConfig)))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	if cfg.Secret != "" {
		opts = append(opts, grpc.WithPerRPCCredentials(auth.BasicCredentials{
			ClusterID:  cfg.LocalClusterID,
			Secret:     cfg.Secret,
			RequireTLS: cfg.TLS.Enabled,
		}))
	}
	return append(opts, cfg.DialOptions...), nil
}

// NewClient creates the connection to a remote cluster. The connection is
// established lazily on the first call.
func NewClient(clusterID, endpoint string, cfg ClientConfig, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	compressor, err := compressors.ForType(cfg.Compression)
	if err != nil {
		return nil, err
	}
	opts, err := dialOptions(cfg)
	if err != nil {
		return nil, err
	}
	conn, err := grpc.NewClient(endpoint, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for cluster %s at %s: %w", clusterID, endpoint, err)
	}
	return &Client{
		clusterID:  clusterID,
		endpoint:   endpoint,
		conn:       conn,
		compressor: compressor,
		timeout:    cfg.CallTimeout,
		logger:     logger.With("component", "TransportClient", "remote_cluster", clusterID),
	}, nil
}

// Send delivers msg to the sink of session and returns its ack.
func (c *Client) Send(ctx context.Context, session core.Session, msg *core.Message) (*core.Message, error) {
	req := &ReplicateRequest{
		Session:     session,
		Compression: core.CompressionNone,
		Message:     core.Message{Metadata: msg.Metadata, Payload: msg.Payload},
	}
	if len(msg.Payload) > 0 && c.compressor.Type() != core.CompressionNone {
		compressed, err := c.compressor.Compress(msg.Payload)
		if err != nil {
			return nil, fmt.Errorf("compress payload: %w", err)
		}
		req.Compression = c.compressor.Type()
		req.Message.Payload = compressed
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	resp := new(ReplicateResponse)
	if err := c.conn.Invoke(ctx, ReplicateFullMethod, req, resp); err != nil {
		return nil, fromStatus(err)
	}
	return resp.Ack, nil
}

// QueryLeadership asks the remote node whether it is its cluster's leader.
func (c *Client) QueryLeadership(ctx context.Context, localClusterID string) (*LeadershipResponse, error) {
	resp := new(LeadershipResponse)
	if err := c.conn.Invoke(ctx, QueryLeadershipFullMethod, &LeadershipQuery{ClusterID: localClusterID}, resp); err != nil {
		return nil, fromStatus(err)
	}
	return resp, nil
}

func (c *Client) Endpoint() string {
	return c.endpoint
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// ClientSet holds one Client per remote sink cluster and routes outgoing
// messages by session. It implements replication.Transport.
type ClientSet struct {
	cfg    ClientConfig
	logger *slog.Logger

	mu      sync.RWMutex
	clients map[string]*Client
}

// NewClientSet creates an empty set.
func NewClientSet(cfg ClientConfig, logger *slog.Logger) *ClientSet {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &ClientSet{
		cfg:     cfg,
		logger:  logger,
		clients: make(map[string]*Client),
	}
}

// Connect makes sure a client to cluster exists, replacing it when its
// endpoint changed.
func (s *ClientSet) Connect(cluster core.ClusterDescriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.clients[cluster.ID]; ok {
		if c.Endpoint() == cluster.Endpoint {
			return nil
		}
		if err := c.Close(); err != nil {
			s.logger.Warn("Failed to close stale client", "remote_cluster", cluster.ID, "error", err)
		}
		delete(s.clients, cluster.ID)
	}
	c, err := NewClient(cluster.ID, cluster.Endpoint, s.cfg, s.logger)
	if err != nil {
		return err
	}
	s.clients[cluster.ID] = c
	return nil
}

// Remove closes and forgets the client to clusterID.
func (s *ClientSet) Remove(clusterID string) {
	s.mu.Lock()
	c, ok := s.clients[clusterID]
	delete(s.clients, clusterID)
	s.mu.Unlock()
	if ok {
		if err := c.Close(); err != nil {
			s.logger.Warn("Failed to close client", "remote_cluster", clusterID, "error", err)
		}
	}
}

// Client returns the client to clusterID.
func (s *ClientSet) Client(clusterID string) (*Client, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clients[clusterID]
	return c, ok
}

func (s *ClientSet) Send(ctx context.Context, session core.Session, msg *core.Message) (*core.Message, error) {
	c, ok := s.Client(session.SinkClusterID)
	if !ok {
		return nil, fmt.Errorf("no connection to cluster %s: %w", session.SinkClusterID, core.ErrSessionNotFound)
	}
	return c.Send(ctx, session, msg)
}

// Close closes every client.
func (s *ClientSet) Close() error {
	s.mu.Lock()
	clients := s.clients
	s.clients = make(map[string]*Client)
	s.mu.Unlock()
	var firstErr error
	for _, c := range clients {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
