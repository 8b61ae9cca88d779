// Package merge combines partial leaf results into a single globally correct
// ranked result. The merge is pure and order-insensitive: feeding the same
// leaf results in any arrival order yields the same output.
package merge

import (
	"container/heap"
	"sort"

	"github.com/grainsearch/grain-search/internal/search"
)

// Merger incrementally merges LeafResult values for one query. It keeps a
// bounded priority structure of size offset+limit, so memory stays
// proportional to the requested window regardless of leaf count.
//
// Merger is not safe for concurrent use; the coordinator feeds it from a
// single goroutine.
type Merger struct {
	order  search.SortOrder
	offset int
	limit  int

	heap     hitHeap
	aggs     map[string]search.AggPartial
	specs    map[string]search.AggSpec
	total    uint64
	failures []search.SplitFailure
	stats    []search.SplitStats
}

// New creates a merger for the given window, order, and aggregation specs.
func New(order search.SortOrder, offset, limit int, specs map[string]search.AggSpec) *Merger {
	return &Merger{
		order:  order,
		offset: offset,
		limit:  limit,
		heap:   hitHeap{order: order, capacity: offset + limit},
		aggs:   make(map[string]search.AggPartial),
		specs:  specs,
	}
}

// Push merges one leaf result. Hits worse than the current window floor are
// discarded immediately.
func (m *Merger) Push(res search.LeafResult) {
	for i := range res.Hits {
		m.heap.offer(res.Hits[i])
	}

	for name, partial := range res.Aggs {
		existing, ok := m.aggs[name]
		if !ok {
			m.aggs[name] = clonePartial(partial)
			continue
		}
		m.aggs[name] = CombinePartials(existing, partial)
	}

	m.total += res.NumMatches
	m.failures = append(m.failures, res.Failures...)
	m.stats = append(m.stats, res.Stats...)
}

// Result is the finalized merge output.
type Result struct {
	// Hits is the globally sorted window, offset applied.
	Hits []search.Hit

	// Aggs holds finalized aggregations.
	Aggs map[string]search.AggResult

	// TotalMatches sums every leaf's exact match count.
	TotalMatches uint64

	// CountExact is false exactly when any split failed.
	CountExact bool

	// Failures lists all failed splits across leaves.
	Failures []search.SplitFailure

	// Stats collects per-split statistics across leaves.
	Stats []search.SplitStats
}

// Finish materializes the merged result. The merger must not be pushed to
// afterwards.
func (m *Merger) Finish() *Result {
	ranked := m.heap.drain()

	if m.offset < len(ranked) {
		ranked = ranked[m.offset:]
	} else {
		ranked = nil
	}
	if len(ranked) > m.limit {
		ranked = ranked[:m.limit]
	}

	hits := make([]search.Hit, len(ranked))
	for i, ph := range ranked {
		hits[i] = search.Hit{
			SortValue: ph.SortValue,
			SplitID:   ph.SplitID,
			DocID:     ph.DocID,
			Fields:    ph.Fields,
		}
	}

	var aggs map[string]search.AggResult
	if len(m.aggs) > 0 {
		aggs = make(map[string]search.AggResult, len(m.aggs))
		for name, partial := range m.aggs {
			aggs[name] = Finalize(partial, m.specs[name])
		}
	}

	// Deterministic failure order for reproducible responses.
	sort.Slice(m.failures, func(i, j int) bool {
		return m.failures[i].SplitID < m.failures[j].SplitID
	})

	return &Result{
		Hits:         hits,
		Aggs:         aggs,
		TotalMatches: m.total,
		CountExact:   len(m.failures) == 0,
		Failures:     m.failures,
		Stats:        m.stats,
	}
}

// CombinePartials combines two aggregation partials of the same kind. The
// operation is associative and commutative for every kind, so combination
// order never affects the result.
func CombinePartials(a, b search.AggPartial) search.AggPartial {
	out := search.AggPartial{Kind: a.Kind}

	switch a.Kind {
	case "count":
		out.Count = a.Count + b.Count
	case "sum":
		out.Value = a.Value + b.Value
		out.Count = a.Count + b.Count
	case "min":
		out.Count = a.Count + b.Count
		switch {
		case a.Count == 0:
			out.Value = b.Value
		case b.Count == 0:
			out.Value = a.Value
		case b.Value < a.Value:
			out.Value = b.Value
		default:
			out.Value = a.Value
		}
	case "max":
		out.Count = a.Count + b.Count
		switch {
		case a.Count == 0:
			out.Value = b.Value
		case b.Count == 0:
			out.Value = a.Value
		case b.Value > a.Value:
			out.Value = b.Value
		default:
			out.Value = a.Value
		}
	case "topn":
		out.Buckets = make(map[string]uint64, len(a.Buckets)+len(b.Buckets))
		for k, v := range a.Buckets {
			out.Buckets[k] += v
		}
		for k, v := range b.Buckets {
			out.Buckets[k] += v
		}
	}

	return out
}

// Finalize converts a combined partial into its client-facing form. Top-N
// truncation happens only here, after all partials are combined, which is
// what keeps the combine step commutative.
func Finalize(partial search.AggPartial, spec search.AggSpec) search.AggResult {
	result := search.AggResult{
		Kind:  partial.Kind,
		Value: partial.Value,
		Count: partial.Count,
	}

	if partial.Kind != "topn" {
		return result
	}

	buckets := make([]search.BucketCount, 0, len(partial.Buckets))
	for key, count := range partial.Buckets {
		buckets = append(buckets, search.BucketCount{Key: key, Count: count})
	}
	sort.Slice(buckets, func(i, j int) bool {
		if buckets[i].Count != buckets[j].Count {
			return buckets[i].Count > buckets[j].Count
		}
		return buckets[i].Key < buckets[j].Key
	})

	n := spec.N
	if n <= 0 {
		n = 10
	}
	if len(buckets) > n {
		buckets = buckets[:n]
	}
	result.Buckets = buckets

	return result
}

func clonePartial(p search.AggPartial) search.AggPartial {
	if p.Buckets == nil {
		return p
	}
	cp := p
	cp.Buckets = make(map[string]uint64, len(p.Buckets))
	for k, v := range p.Buckets {
		cp.Buckets[k] = v
	}
	return cp
}

// hitHeap is a bounded priority structure holding the best `capacity` hits
// seen so far. The root is the worst retained hit, so a new candidate either
// replaces the root or is discarded in O(log n).
type hitHeap struct {
	order    search.SortOrder
	capacity int
	hits     []search.PartialHit
}

func (h *hitHeap) Len() int { return len(h.hits) }

// Less puts the worst retained hit at the root.
func (h *hitHeap) Less(i, j int) bool {
	return h.hits[j].Less(&h.hits[i], h.order)
}

func (h *hitHeap) Swap(i, j int) { h.hits[i], h.hits[j] = h.hits[j], h.hits[i] }

func (h *hitHeap) Push(x any) { h.hits = append(h.hits, x.(search.PartialHit)) }

func (h *hitHeap) Pop() any {
	last := h.hits[len(h.hits)-1]
	h.hits = h.hits[:len(h.hits)-1]
	return last
}

// offer admits a hit if the structure has room or the hit beats the current
// floor.
func (h *hitHeap) offer(hit search.PartialHit) {
	if h.capacity <= 0 {
		return
	}
	if len(h.hits) < h.capacity {
		heap.Push(h, hit)
		return
	}
	if hit.Less(&h.hits[0], h.order) {
		h.hits[0] = hit
		heap.Fix(h, 0)
	}
}

// drain removes and returns all hits, best first.
func (h *hitHeap) drain() []search.PartialHit {
	out := make([]search.PartialHit, len(h.hits))
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(h).(search.PartialHit)
	}
	return out
}
