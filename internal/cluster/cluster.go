// Package cluster provides the search node's view of its peers: who is
// alive, what each node has cached, and how to reach a node over the wire.
package cluster

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/grainsearch/grain-search/internal/assign"
)

// Node is one reachable search node.
type Node struct {
	// ID uniquely identifies the node in the cluster.
	ID string `json:"id"`

	// Addr is the node's gRPC address, host:port.
	Addr string `json:"addr"`
}

// Membership is the root's view of live search nodes.
type Membership interface {
	// Nodes returns the live nodes, sorted by ID.
	Nodes(ctx context.Context) ([]Node, error)

	// Affinity reports which splits each listed node advertises as
	// cached. Nodes with no advertisement are simply absent.
	Affinity(ctx context.Context, nodeIDs []string) (assign.Affinity, error)

	// Close releases membership resources.
	Close() error
}

// StaticMembership is a fixed node list, for single-node deployments and
// tests.
type StaticMembership struct {
	nodes []Node
}

// NewStaticMembership parses "id=host:port" entries into a fixed membership.
func NewStaticMembership(entries []string) (*StaticMembership, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("static membership requires at least one node")
	}
	nodes := make([]Node, 0, len(entries))
	for _, entry := range entries {
		id, addr, ok := strings.Cut(entry, "=")
		if !ok || id == "" || addr == "" {
			return nil, fmt.Errorf("invalid static node %q, want id=host:port", entry)
		}
		nodes = append(nodes, Node{ID: id, Addr: addr})
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].ID < nodes[j].ID })
	return &StaticMembership{nodes: nodes}, nil
}

// Nodes returns the configured nodes.
func (m *StaticMembership) Nodes(ctx context.Context) ([]Node, error) {
	out := make([]Node, len(m.nodes))
	copy(out, m.nodes)
	return out, nil
}

// Affinity always reports nothing cached; static clusters rely on rendezvous
// placement alone.
func (m *StaticMembership) Affinity(ctx context.Context, nodeIDs []string) (assign.Affinity, error) {
	return assign.Affinity{}, nil
}

// Close is a no-op.
func (m *StaticMembership) Close() error { return nil }
