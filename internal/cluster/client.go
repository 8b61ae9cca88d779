package cluster

import (
	"context"
	"errors"
	"io"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"

	apperrors "github.com/grainsearch/grain-search/internal/pkg/errors"
	"github.com/grainsearch/grain-search/internal/search"
)

// Pool maintains one lazily dialed connection per peer address. Connections
// are reused across queries and reconnect transparently.
type Pool struct {
	maxMsgSize int

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

// NewPool creates an empty connection pool.
func NewPool(maxMsgSize int) *Pool {
	if maxMsgSize <= 0 {
		maxMsgSize = DefaultServerConfig().MaxSendMsgSize
	}
	return &Pool{
		maxMsgSize: maxMsgSize,
		conns:      make(map[string]*grpc.ClientConn),
	}
}

func (p *Pool) conn(addr string) (*grpc.ClientConn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if conn, ok := p.conns[addr]; ok {
		return conn, nil
	}
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.CallContentSubtype(codecName),
			grpc.MaxCallRecvMsgSize(p.maxMsgSize),
			grpc.MaxCallSendMsgSize(p.maxMsgSize),
		),
	)
	if err != nil {
		return nil, err
	}
	p.conns[addr] = conn
	return conn, nil
}

// Search streams the request to a node and hands each per-split result to
// emit. Transport-level failures come back as NODE_UNREACHABLE so the caller
// can reschedule the node's splits elsewhere.
func (p *Pool) Search(ctx context.Context, node Node, req *LeafRequest, emit func(search.LeafResult)) error {
	conn, err := p.conn(node.Addr)
	if err != nil {
		return apperrors.NodeUnreachableError(node.ID, err)
	}

	stream, err := conn.NewStream(ctx, &leafServiceDesc.Streams[0], leafSearchMethod)
	if err != nil {
		return classifyRPCErr(node.ID, err)
	}
	if err := stream.SendMsg(req); err != nil {
		return classifyRPCErr(node.ID, err)
	}
	if err := stream.CloseSend(); err != nil {
		return classifyRPCErr(node.ID, err)
	}

	for {
		var res search.LeafResult
		err := stream.RecvMsg(&res)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return classifyRPCErr(node.ID, err)
		}
		emit(res)
	}
}

func classifyRPCErr(nodeID string, err error) error {
	switch status.Code(err) {
	case codes.DeadlineExceeded:
		return apperrors.DeadlineExceededError("leaf search on " + nodeID)
	case codes.Canceled:
		// The caller gave up; not the node's fault.
		return err
	default:
		return apperrors.NodeUnreachableError(nodeID, err)
	}
}

// Close closes every pooled connection.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for addr, conn := range p.conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(p.conns, addr)
	}
	return firstErr
}
