package cluster

import (
	"context"
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"

	"github.com/grainsearch/grain-search/internal/engine"
	"github.com/grainsearch/grain-search/internal/metastore"
	"github.com/grainsearch/grain-search/internal/search"
)

// codecName is the content-subtype both sides of the leaf stream agree on.
const codecName = "grain-json"

// jsonCodec carries leaf requests and results as JSON frames over gRPC. The
// message types are plain structs with json tags, so no generated code is
// involved.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// LeafRequest asks a node to search a set of splits and stream back one
// result per split.
type LeafRequest struct {
	// QueryID correlates the leaf's work with the originating query.
	QueryID string `json:"query_id"`

	// IndexID names the searched index.
	IndexID string `json:"index_id"`

	// Splits carries full metadata so the leaf can open splits without a
	// metastore round trip.
	Splits []metastore.SplitMetadata `json:"splits"`

	// Plan is the validated query plan.
	Plan *engine.Plan `json:"plan"`

	// DeadlineUnixMs is the root's absolute deadline, so every leaf races
	// the same clock. Zero means the stream context's deadline applies.
	DeadlineUnixMs int64 `json:"deadline_unix_ms,omitempty"`
}

// LeafService is the node-side contract of the leaf stream: execute the
// request and push one LeafResult per split through send.
type LeafService interface {
	Search(ctx context.Context, req *LeafRequest, send func(*search.LeafResult) error) error
}

const leafSearchMethod = "/grain.LeafSearch/Search"

// leafServiceDesc is the hand-written service descriptor for the leaf
// stream: one server-streaming method.
var leafServiceDesc = grpc.ServiceDesc{
	ServiceName: "grain.LeafSearch",
	HandlerType: (*LeafService)(nil),
	Streams: []grpc.StreamDesc{{
		StreamName:    "Search",
		Handler:       leafSearchHandler,
		ServerStreams: true,
	}},
}

func leafSearchHandler(srv any, stream grpc.ServerStream) error {
	req := new(LeafRequest)
	if err := stream.RecvMsg(req); err != nil {
		return err
	}
	return srv.(LeafService).Search(stream.Context(), req, func(res *search.LeafResult) error {
		return stream.SendMsg(res)
	})
}
