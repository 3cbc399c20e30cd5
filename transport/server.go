package transport

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/INLOpen/nexusrepl/auth"
	"github.com/INLOpen/nexusrepl/config"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

// Server exposes a Router over gRPC.
type Server struct {
	router      *Router
	server      *grpc.Server
	healthSrv   *health.Server
	stopTimeout time.Duration
	logger      *slog.Logger
}

// NewServer creates and configures the replication gRPC server. It handles
// TLS, peer authentication and service registration.
func NewServer(router *Router, cfg *config.ServerConfig, authenticator auth.Authenticator, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		router:      router,
		healthSrv:   health.NewServer(),
		logger:      logger.With("component", "TransportServer"),
		stopTimeout: config.ParseDuration(cfg.GracefulStopTimeout, 30*time.Second, logger),
	}

	var opts []grpc.ServerOption
	if cfg.TLS.Enabled {
		creds, err := loadServerTLS(&cfg.TLS)
		if err != nil {
			return nil, fmt.Errorf("could not load TLS credentials: %w", err)
		}
		opts = append(opts, grpc.Creds(creds))
		s.logger.Info("Transport server initialized with TLS.")
	} else {
		s.logger.Info("Transport server initialized without TLS (insecure).")
	}
	if authenticator == nil {
		authenticator = auth.NewNonAuthenticator()
	}
	opts = append(opts, grpc.ChainUnaryInterceptor(authenticator.UnaryInterceptor))

	s.server = grpc.NewServer(opts...)
	RegisterLogReplicationServer(s.server, router)
	grpc_health_v1.RegisterHealthServer(s.server, s.healthSrv)
	s.updateHealth()
	return s, nil
}

func loadServerTLS(cfg *config.TLSConfig) (credentials.TransportCredentials, error) {
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, err
	}
	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		ClientAuth:   tls.NoClientCert,
	}
	if cfg.CAFile != "" {
		pool, err := loadCertPool(cfg.CAFile)
		if err != nil {
			return nil, err
		}
		tlsConfig.ClientCAs = pool
		tlsConfig.ClientAuth = tls.VerifyClientCertIfGiven
	}
	return credentials.NewTLS(tlsConfig), nil
}

func loadCertPool(path string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("failed to append CA certs from %s", path)
	}
	return pool, nil
}

// SetLeader switches the router and the health status together. Health
// reports SERVING only while the local node is leader.
func (s *Server) SetLeader(leader bool) bool {
	changed := s.router.SetLeader(leader)
	if changed {
		s.updateHealth()
	}
	return changed
}

func (s *Server) updateHealth() {
	st := grpc_health_v1.HealthCheckResponse_NOT_SERVING
	if s.router.IsLeader() {
		st = grpc_health_v1.HealthCheckResponse_SERVING
	}
	s.healthSrv.SetServingStatus("", st)
	s.healthSrv.SetServingStatus(ServiceName, st)
}

// Start begins listening for replication requests. It blocks until Stop.
func (s *Server) Start(lis net.Listener) error {
	s.logger.Info("Transport server listening", "address", lis.Addr().String())
	return s.server.Serve(lis)
}

// Stop gracefully stops the server, forcing it down after the configured
// graceful stop timeout.
func (s *Server) Stop() {
	s.logger.Info("Stopping transport server...")
	s.healthSrv.Shutdown()

	done := make(chan struct{})
	go func() {
		s.server.GracefulStop()
		close(done)
	}()
	timer := time.NewTimer(s.stopTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		s.logger.Warn("Graceful stop timed out, forcing stop", "timeout", s.stopTimeout)
		s.server.Stop()
		<-done
	}
	s.logger.Info("Transport server stopped.")
}
