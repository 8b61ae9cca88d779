// Package assign places splits onto search nodes. Placement prefers nodes
// that already hold a split in their cache, falls back to rendezvous hashing
// for cold splits, and finishes with a balancing pass so no node carries more
// than its share. The whole computation is a pure function of its inputs:
// every root arrives at the same plan for the same cluster view.
package assign

import (
	"sort"

	"github.com/grainsearch/grain-search/internal/metastore"
	apperrors "github.com/grainsearch/grain-search/internal/pkg/errors"
	"github.com/grainsearch/grain-search/internal/pkg/hash"
)

// Assignment maps each node ID to the splits it should search. Split lists
// are sorted; nodes with nothing assigned are absent.
type Assignment map[string][]string

// Affinity maps node IDs to the split IDs each node advertises as locally
// cached.
type Affinity map[string][]string

// Plan assigns every split to exactly one node. It returns
// NO_AVAILABLE_NODES when the node list is empty.
func Plan(splits []metastore.SplitMetadata, nodeIDs []string, affinity Affinity) (Assignment, error) {
	if len(nodeIDs) == 0 {
		return nil, apperrors.NoAvailableNodesError()
	}

	nodes := append([]string(nil), nodeIDs...)
	sort.Strings(nodes)

	cached := make(map[string]map[string]bool, len(affinity))
	for node, splitIDs := range affinity {
		set := make(map[string]bool, len(splitIDs))
		for _, id := range splitIDs {
			set[id] = true
		}
		cached[node] = set
	}

	splitIDs := make([]string, 0, len(splits))
	for _, s := range splits {
		splitIDs = append(splitIDs, s.SplitID)
	}
	sort.Strings(splitIDs)

	assignment := make(Assignment, len(nodes))
	for _, id := range splitIDs {
		var warm []string
		for _, node := range nodes {
			if cached[node][id] {
				warm = append(warm, node)
			}
		}
		pool := warm
		if len(pool) == 0 {
			pool = nodes
		}
		owner := preferred(id, pool)
		assignment[owner] = append(assignment[owner], id)
	}

	rebalance(assignment, nodes, cached, len(splitIDs))

	for node, ids := range assignment {
		if len(ids) == 0 {
			delete(assignment, node)
			continue
		}
		sort.Strings(ids)
	}
	return assignment, nil
}

// preferred returns the highest-random-weight node for a split among the
// pool, with node ID as the tie-break.
func preferred(splitID string, pool []string) string {
	best := pool[0]
	bestScore := hash.Rendezvous(splitID, best)
	for _, node := range pool[1:] {
		score := hash.Rendezvous(splitID, node)
		if score > bestScore || (score == bestScore && node < best) {
			best = node
			bestScore = score
		}
	}
	return best
}

// rebalance moves splits off nodes carrying more than the ceiling load.
// Splits without cache affinity on their donor move first, so the pass
// sacrifices as little cache locality as possible. Donors, receivers, and
// moved splits are all chosen in sorted order.
func rebalance(assignment Assignment, nodes []string, cached map[string]map[string]bool, total int) {
	maxLoad := (total + len(nodes) - 1) / len(nodes)

	for {
		donor := ""
		for _, node := range nodes {
			if len(assignment[node]) > maxLoad && (donor == "" || len(assignment[node]) > len(assignment[donor])) {
				donor = node
			}
		}
		if donor == "" {
			return
		}

		receiver := nodes[0]
		for _, node := range nodes[1:] {
			if len(assignment[node]) < len(assignment[receiver]) {
				receiver = node
			}
		}

		moved := pickVictim(assignment[donor], cached[donor])
		assignment[donor] = remove(assignment[donor], moved)
		assignment[receiver] = append(assignment[receiver], moved)
	}
}

// pickVictim selects the split to move off an overloaded node: the last
// sorted split the node has no affinity for, else the last sorted split.
func pickVictim(ids []string, cached map[string]bool) string {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	for i := len(sorted) - 1; i >= 0; i-- {
		if !cached[sorted[i]] {
			return sorted[i]
		}
	}
	return sorted[len(sorted)-1]
}

func remove(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
