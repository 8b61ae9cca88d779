// Package main provides the Grain Search server binary.
// Each node runs a root coordinator (client-facing HTTP API) and a leaf
// executor (split-level gRPC service) in one process.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/grainsearch/grain-search/internal/bus"
	"github.com/grainsearch/grain-search/internal/cluster"
	"github.com/grainsearch/grain-search/internal/config"
	"github.com/grainsearch/grain-search/internal/engine"
	"github.com/grainsearch/grain-search/internal/leaf"
	"github.com/grainsearch/grain-search/internal/metastore"
	"github.com/grainsearch/grain-search/internal/metrics"
	"github.com/grainsearch/grain-search/internal/observability"
	"github.com/grainsearch/grain-search/internal/pkg/logger"
	"github.com/grainsearch/grain-search/internal/root"
	"github.com/grainsearch/grain-search/internal/server"
	"github.com/grainsearch/grain-search/internal/splitcache"
	"github.com/grainsearch/grain-search/internal/storage"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "grain-search-server",
		Short: "Grain Search node - distributed split search",
		Long: `Grain Search node serves queries over time-sliced index splits.

The node exposes:
  - HTTP API on :8080 (configurable) for client search requests
  - gRPC leaf service on :7280 (configurable) for split execution

Examples:
  grain-search-server                          # Start with defaults
  grain-search-server --config grain.yaml      # Load a config file
  grain-search-server --http-port 9090         # Custom HTTP port`,
		RunE:         runServer,
		SilenceUsage: true,
	}

	rootCmd.Flags().StringP("config", "c", "", "config file path")
	rootCmd.Flags().BoolP("verbose", "v", false, "verbose logging")
	rootCmd.Flags().Int("http-port", 0, "HTTP server port")
	rootCmd.Flags().String("host", "", "HTTP server host")
	rootCmd.Flags().String("grpc-addr", "", "leaf gRPC listen address")
	rootCmd.Flags().String("node-id", "", "node identifier")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("grain-search-server %s\n", version)
			fmt.Printf("  commit: %s\n", commit)
			fmt.Printf("  built:  %s\n", date)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServer(cmd *cobra.Command, _ []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	verbose, _ := cmd.Flags().GetBool("verbose")

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if v, _ := cmd.Flags().GetInt("http-port"); cmd.Flags().Changed("http-port") {
		cfg.Port = v
	}
	if v, _ := cmd.Flags().GetString("host"); v != "" {
		cfg.Host = v
	}
	if v, _ := cmd.Flags().GetString("grpc-addr"); v != "" {
		cfg.Node.GRPCAddr = v
	}
	if v, _ := cmd.Flags().GetString("node-id"); v != "" {
		cfg.Node.ID = v
	}
	if cfg.Node.ID == "" {
		host, _ := os.Hostname()
		cfg.Node.ID = host
	}

	logLevel := cfg.Log.Level
	if verbose {
		logLevel = "debug"
	}
	log := logger.New(logLevel, cfg.Log.Format)

	log.Info("starting grain-search node",
		"version", version,
		"node_id", cfg.Node.ID,
		"http_port", cfg.Port,
		"grpc_addr", cfg.Node.GRPCAddr,
	)

	if cfg.Metrics.Enabled {
		metrics.Register()
		metrics.RegisterHTTP()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Split storage
	store, err := newStorage(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	log.Info("initialized split storage", "type", cfg.Storage.Type)

	// Split cache over the engine
	eng := engine.NewMemEngine()
	opener := func(ctx context.Context, split metastore.SplitMetadata) (engine.SplitSearcher, error) {
		footer, err := store.FetchFooter(ctx, split.SplitID, split.FooterStart, split.FooterEnd)
		if err != nil {
			return nil, err
		}
		return eng.OpenSplit(ctx, split, footer, storage.FetcherFor(store, split.SplitID))
	}
	cache := splitcache.New(splitcache.Config{
		MaxBytes:   cfg.Cache.MaxBytes,
		MaxEntries: cfg.Cache.MaxEntries,
	}, opener, log)
	defer func() { _ = cache.Close() }()
	if cfg.Metrics.Enabled {
		cache.SetMetrics(metrics.CacheRecorder{})
	}

	// Leaf service over gRPC
	executor := leaf.NewExecutor(cache, log)
	coordinator := leaf.NewCoordinator(executor, cfg.Node.MaxConcurrentSplits, log)
	leafSvc := leaf.NewService(coordinator, log)

	grpcCfg := cluster.DefaultServerConfig()
	grpcCfg.Addr = cfg.Node.GRPCAddr
	grpcSrv := cluster.NewServer(grpcCfg, leafSvc, log)
	if err := grpcSrv.Start(); err != nil {
		return fmt.Errorf("failed to start leaf gRPC server: %w", err)
	}
	defer grpcSrv.Stop()
	log.Info("leaf gRPC server listening", "addr", grpcSrv.Addr())

	// Cluster membership
	advertiseAddr := cfg.Node.AdvertiseURL
	if advertiseAddr == "" {
		advertiseAddr = grpcSrv.Addr()
	}
	members, err := newMembership(ctx, cfg.Cluster, cluster.Node{ID: cfg.Node.ID, Addr: advertiseAddr}, cache.Contents, log)
	if err != nil {
		return fmt.Errorf("failed to initialize cluster membership: %w", err)
	}
	defer func() { _ = members.Close() }()
	log.Info("initialized cluster membership", "type", cfg.Cluster.Type)

	// Event bus
	innerBus, err := bus.NewBus(cfg.Bus, log)
	if err != nil {
		return fmt.Errorf("failed to initialize event bus: %w", err)
	}
	defer func() { _ = innerBus.Close() }()
	var eventBus bus.Bus = innerBus
	if cfg.Metrics.Enabled {
		eventBus = bus.NewInstrumentedBus(innerBus, metrics.BusRecorder{})
	}
	log.Info("initialized event bus", "type", cfg.Bus.Type)

	// Metastore collaborator
	meta, err := newMetastore(cfg.Metastore)
	if err != nil {
		return fmt.Errorf("failed to initialize metastore: %w", err)
	}
	log.Info("initialized metastore", "type", cfg.Metastore.Type)

	// Root coordinator with the leaf connection pool
	pool := cluster.NewPool(grpcCfg.MaxRecvMsgSize)
	defer func() { _ = pool.Close() }()
	rootCoord := root.New(meta, members, pool, eventBus, root.Config{
		NodeID: cfg.Node.ID,
		Search: cfg.Search,
		Retry:  cfg.Retry,
	}, log)

	queryLog := observability.NewService(log)
	rootCoord.SetQueryLog(queryLog)

	// Client-facing HTTP API
	srvCfg := server.DefaultConfig()
	srvCfg.Host = cfg.Host
	srvCfg.Port = cfg.Port
	srvCfg.Version = version
	srvCfg.RateLimit = cfg.Search.RateLimit
	srvCfg.MetricsEnabled = cfg.Metrics.Enabled
	httpSrv := server.New(srvCfg, rootCoord, log)
	httpSrv.SetQueryLog(queryLog)

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpSrv.Start()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("HTTP server error: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpSrv.Stop(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", "error", err)
	}

	log.Info("grain-search node stopped")
	return nil
}

func newStorage(ctx context.Context, cfg config.StorageConfig) (storage.Storage, error) {
	switch cfg.Type {
	case "s3":
		return storage.NewS3Storage(ctx, storage.S3Config{
			Bucket:   cfg.S3Bucket,
			Region:   cfg.S3Region,
			Endpoint: cfg.S3Endpoint,
			Prefix:   cfg.S3Prefix,
		})
	default:
		return storage.NewLocalStorage(cfg.LocalDir), nil
	}
}

func newMembership(ctx context.Context, cfg config.ClusterConfig, self cluster.Node, contents func() []string, log *logger.Logger) (cluster.Membership, error) {
	switch cfg.Type {
	case "redis":
		redisCfg := cluster.DefaultRedisConfig()
		redisCfg.URL = cfg.RedisURL
		if cfg.HeartbeatInterval > 0 {
			redisCfg.HeartbeatInterval = cfg.HeartbeatInterval
		}
		if cfg.HeartbeatTTL > 0 {
			redisCfg.HeartbeatTTL = cfg.HeartbeatTTL
		}
		if cfg.AdvertiseInterval > 0 {
			redisCfg.AdvertiseInterval = cfg.AdvertiseInterval
		}
		members, err := cluster.NewRedisMembership(ctx, redisCfg, self, contents, log)
		if err != nil {
			return nil, err
		}
		if err := members.Start(ctx); err != nil {
			return nil, err
		}
		return members, nil
	default:
		return cluster.NewStaticMembership(cfg.StaticNodes)
	}
}

func newMetastore(cfg config.MetastoreConfig) (metastore.Metastore, error) {
	switch cfg.Type {
	case "memory":
		return metastore.NewInMemory(), nil
	default:
		clientCfg := metastore.DefaultClientConfig()
		clientCfg.BaseURL = cfg.URL
		if cfg.Timeout > 0 {
			clientCfg.Timeout = cfg.Timeout
		}
		return metastore.NewClient(clientCfg), nil
	}
}
