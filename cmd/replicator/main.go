// Command replicator runs the changelog replication engine of one cluster
// node: it serves incoming sessions over gRPC and ships the local changelog
// to the sink clusters of the configured topology.
package main

import (
	"context"
	"errors"
	"expvar"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/INLOpen/nexusrepl/auth"
	"github.com/INLOpen/nexusrepl/changelog"
	"github.com/INLOpen/nexusrepl/config"
	"github.com/INLOpen/nexusrepl/core"
	"github.com/INLOpen/nexusrepl/hooks"
	"github.com/INLOpen/nexusrepl/hooks/listeners"
	"github.com/INLOpen/nexusrepl/metadata"
	"github.com/INLOpen/nexusrepl/replication"
	"github.com/INLOpen/nexusrepl/retry"
	"github.com/INLOpen/nexusrepl/server"
	"github.com/INLOpen/nexusrepl/session"
	"github.com/INLOpen/nexusrepl/transport"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to the configuration file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		slog.Error("Failed to load configuration", "path", *configPath, "error", err)
		os.Exit(1)
	}

	logger, logCloser, err := createLogger(cfg.Logging)
	if err != nil {
		slog.Error("Failed to create logger", "error", err)
		os.Exit(1)
	}
	if logCloser != nil {
		defer logCloser.Close()
	}

	if err := run(*configPath, cfg, logger); err != nil {
		logger.Error("Replicator exited with an error", "error", err)
		os.Exit(1)
	}
	logger.Info("Replicator exited gracefully.")
}

func run(configPath string, cfg *config.Config, logger *slog.Logger) error {
	local := cfg.Cluster.LocalClusterID
	if local == "" {
		return errors.New("cluster.local_cluster_id must be specified")
	}
	if cfg.Cluster.DataDir == "" {
		return errors.New("cluster.data_dir must be specified")
	}
	logger = logger.With("local_cluster", local)
	logger.Info("Using data directory", "path", cfg.Cluster.DataDir)

	tp, tracerCleanup, err := initTracerProvider(cfg.Tracing, logger)
	if err != nil {
		return err
	}
	defer tracerCleanup()
	tracer := tp.Tracer("github.com/INLOpen/nexusrepl")

	compression, err := core.ParseCompressionType(cfg.Replication.Compression)
	if err != nil {
		return err
	}

	changeLog, err := changelog.Open(changelog.Options{
		Dir:            filepath.Join(cfg.Cluster.DataDir, "changelog"),
		MaxSegmentSize: cfg.Changelog.MaxSegmentSizeBytes,
		SyncOnAppend:   cfg.Changelog.SyncOnAppend,
		Logger:         logger,
		BytesWritten:   expvar.NewInt("changelog_bytes_written_total"),
		EntriesWritten: expvar.NewInt("changelog_entries_written_total"),
	})
	if err != nil {
		return fmt.Errorf("open changelog: %w", err)
	}
	defer changeLog.Close()

	store, err := metadata.Open(filepath.Join(cfg.Cluster.DataDir, "metadata"), logger)
	if err != nil {
		return fmt.Errorf("open metadata store: %w", err)
	}

	hookManager := hooks.NewHookManager(logger)
	defer hookManager.Stop()
	metricsListener, err := listeners.NewReplicationMetricsListener(logger)
	if err != nil {
		return err
	}
	metricsListener.RegisterAll(hookManager)
	hookManager.Register(hooks.EventPostSyncStatusChange, listeners.NewBacklogAlerterListener(logger, int64(cfg.Replication.MaxCacheSize)*100))

	pool := replication.NewWorkerPool(cfg.Replication.WorkerPoolSize, cfg.Replication.MaxCacheSize, logger)
	pool.Start()
	defer pool.Stop()
	poller := replication.NewStatusPoller(config.ParseDuration(cfg.Replication.StatusPollInterval, 15*time.Second, logger), logger)

	var authenticator auth.Authenticator
	secret := ""
	if cfg.Security.Enabled {
		peerAuth, err := auth.NewPeerAuthenticator(cfg.Security.Peers, logger)
		if err != nil {
			return err
		}
		authenticator = peerAuth
		secret = cfg.Security.ClusterSecret
	}

	router := transport.NewRouter(local, nil, logger)
	router.SetMaxPayloadSize(cfg.Replication.MaxDataMessageSize)
	grpcServer, err := transport.NewServer(router, &cfg.Server, authenticator, logger)
	if err != nil {
		return err
	}
	clients := transport.NewClientSet(transport.ClientConfig{
		LocalClusterID: local,
		Secret:         secret,
		TLS:            cfg.Server.TLS,
		Compression:    compression,
		CallTimeout:    config.ParseDuration(cfg.Replication.MsgTimeout, 5*time.Second, logger),
	}, logger)
	defer clients.Close()

	topology, err := config.NewStaticTopology(cfg).Topology()
	if err != nil {
		return err
	}
	manager, err := session.NewManager(topology, session.Options{
		Log:       changeLog,
		Streams:   core.NewStreamSet(cfg.Replication.Streams...),
		Registry:  core.StaticRegistry(cfg.Replication.Streams),
		Store:     store,
		Transport: clients,
		Connector: clients,
		Routes:    router,
		Listener:  grpcServer,
		Pool:      pool,
		Poller:    poller,
		Hooks:     hookManager,
		Tracer:    tracer,
		Logger:    logger,
		Retry:     retry.FromConfig(cfg.Replication.Retry, logger),
		Params:    session.ParamsFromConfig(cfg.Replication, logger),
		Leader:    cfg.Cluster.Leader,
	})
	if err != nil {
		return err
	}
	router.SetFactory(manager.SinkFactory())

	var metricSrv *server.MetricsServer
	var systemCollector *server.SystemCollector
	if cfg.Debug.Enabled {
		metricSrv = server.NewMetricsServer(&cfg.Debug, manager, logger)
		go func() {
			if err := metricSrv.Start(); err != nil {
				logger.Error("Failed to start metrics server", "error", err)
			}
		}()
		defer metricSrv.Stop()
		systemCollector = server.NewSystemCollector(cfg.Cluster.DataDir, config.ParseDuration(cfg.Debug.SystemMetricsInterval, 5*time.Second, logger), logger)
		systemCollector.Start()
		defer systemCollector.Stop()
	}

	lis, err := net.Listen("tcp", cfg.Server.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", cfg.Server.ListenAddress, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return grpcServer.Start(lis)
	})
	poller.Start(gctx)
	g.Go(func() error {
		if err := manager.Connect(gctx); err != nil {
			return fmt.Errorf("connect sessions: %w", err)
		}
		logger.Info("Replicator running", "sessions", len(manager.Sessions()), "leader", manager.IsLeader())
		return handleSignals(gctx, configPath, local, manager, logger)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutdown signal received. Stopping replicator...")
		manager.StopReplication()
		poller.Stop()
		grpcServer.Stop()
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// handleSignals reloads the topology on SIGHUP. On unix SIGUSR1 and SIGUSR2
// let an operator hand leadership to or take it from this node.
func handleSignals(ctx context.Context, configPath, local string, manager *session.Manager, logger *slog.Logger) error {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, append([]os.Signal{syscall.SIGHUP}, leadershipSignals...)...)
	defer signal.Stop(sigs)

	provider := fileTopologyProvider{path: configPath, localClusterID: local}
	for {
		select {
		case <-ctx.Done():
			return nil
		case sig := <-sigs:
			if sig == syscall.SIGHUP {
				if err := manager.Reload(ctx, provider); err != nil {
					logger.Error("Failed to reload topology", "error", err)
				}
				continue
			}
			if leader, ok := leadershipSignal(sig); ok {
				logger.Info("Leadership override", "signal", sig.String(), "leader", leader)
				if leader {
					manager.OnLeadershipAcquired(ctx)
				} else {
					manager.OnLeadershipLost(ctx)
				}
			}
		}
	}
}
