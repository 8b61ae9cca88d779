package cluster

import (
	"fmt"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/keepalive"

	"github.com/grainsearch/grain-search/internal/pkg/logger"
)

// ServerConfig holds the leaf gRPC server configuration.
type ServerConfig struct {
	// Addr is the TCP address to listen on (e.g., ":7281").
	Addr string

	// MaxRecvMsgSize is the maximum message size in bytes (default: 16MB).
	MaxRecvMsgSize int

	// MaxSendMsgSize is the maximum message size in bytes (default: 16MB).
	MaxSendMsgSize int
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:           ":7281",
		MaxRecvMsgSize: 16 * 1024 * 1024,
		MaxSendMsgSize: 16 * 1024 * 1024,
	}
}

// Server exposes a node's leaf service to its peers.
type Server struct {
	cfg ServerConfig
	log *logger.Logger
	svc LeafService

	grpcServer *grpc.Server
	listener   net.Listener
}

// NewServer creates a leaf server around the given service.
func NewServer(cfg ServerConfig, svc LeafService, log *logger.Logger) *Server {
	if cfg.Addr == "" {
		cfg = DefaultServerConfig()
	}
	if cfg.MaxRecvMsgSize == 0 {
		cfg.MaxRecvMsgSize = DefaultServerConfig().MaxRecvMsgSize
	}
	if cfg.MaxSendMsgSize == 0 {
		cfg.MaxSendMsgSize = DefaultServerConfig().MaxSendMsgSize
	}
	if log == nil {
		log = logger.Default()
	}
	return &Server{cfg: cfg, svc: svc, log: log}
}

// Start begins serving and returns once the listener is bound.
func (s *Server) Start() error {
	opts := []grpc.ServerOption{
		grpc.MaxRecvMsgSize(s.cfg.MaxRecvMsgSize),
		grpc.MaxSendMsgSize(s.cfg.MaxSendMsgSize),
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle: 5 * time.Minute,
			Time:              10 * time.Second,
			Timeout:           3 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	}

	s.grpcServer = grpc.NewServer(opts...)
	s.grpcServer.RegisterService(&leafServiceDesc, s.svc)

	lis, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}
	s.listener = lis
	s.log.Info("leaf server listening", "addr", lis.Addr().String())

	go func() {
		if err := s.grpcServer.Serve(lis); err != nil {
			s.log.Error("leaf server error", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound listen address, useful when Addr was ":0".
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.cfg.Addr
	}
	return s.listener.Addr().String()
}

// Stop drains in-flight streams, forcing shutdown after a grace period.
func (s *Server) Stop() {
	if s.grpcServer == nil {
		return
	}
	done := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		s.grpcServer.Stop()
	}
}
