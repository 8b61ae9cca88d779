// Package search defines the data model shared between the root coordinator,
// leaf execution, and the result merger.
package search

// SortOrder is the requested sort direction.
type SortOrder string

const (
	// SortDesc sorts highest value first. This is the default: relevance
	// score descending.
	SortDesc SortOrder = "desc"

	// SortAsc sorts lowest value first.
	SortAsc SortOrder = "asc"
)

// Request is a client-facing search request.
type Request struct {
	// Query is the free-text query expression.
	Query string `json:"query"`

	// Filters are exact-match field filters, all of which must hold.
	Filters map[string]string `json:"filters,omitempty"`

	// StartTime and EndTime bound the query time range (inclusive, Unix
	// seconds). Zero values leave the range unbounded on that side.
	StartTime int64 `json:"start_time,omitempty"`
	EndTime   int64 `json:"end_time,omitempty"`

	// Tags coarsely restrict which splits are searched.
	Tags []string `json:"tags,omitempty"`

	// SortField selects the sort key; empty means relevance score.
	SortField string `json:"sort_field,omitempty"`

	// Order is the sort direction; defaults to descending.
	Order SortOrder `json:"order,omitempty"`

	// Offset and Limit define the result window.
	Offset int `json:"offset,omitempty"`
	Limit  int `json:"limit,omitempty"`

	// Aggs maps aggregation names to their specifications.
	Aggs map[string]AggSpec `json:"aggs,omitempty"`

	// TimeoutMs overrides the server's default deadline when positive.
	TimeoutMs int64 `json:"timeout_ms,omitempty"`
}

// AggSpec declares one aggregation over matching documents.
type AggSpec struct {
	// Kind is one of "sum", "count", "min", "max", "topn".
	Kind string `json:"kind"`

	// Field is the aggregated field (unused for count).
	Field string `json:"field,omitempty"`

	// N bounds the bucket count for topn.
	N int `json:"n,omitempty"`
}

// PartialHit is one scored match produced by a single split's local search,
// prior to global merge.
type PartialHit struct {
	// SortValue is the score or sort-key value.
	SortValue float64 `json:"sort_value"`

	// SplitID identifies the producing split.
	SplitID string `json:"split_id"`

	// DocID is the document's address local to its split.
	DocID uint32 `json:"doc_id"`

	// Seq is the hit's position in its leaf's sorted output, a
	// deterministic last-resort tie-break.
	Seq uint32 `json:"seq"`

	// Fields is the document payload.
	Fields map[string]any `json:"fields,omitempty"`
}

// Less reports whether h ranks strictly before other for the given
// direction. Ties on the sort value break by (split ID, doc ID) so merge
// output is reproducible regardless of which node executed which split.
func (h *PartialHit) Less(other *PartialHit, order SortOrder) bool {
	if h.SortValue != other.SortValue {
		if order == SortAsc {
			return h.SortValue < other.SortValue
		}
		return h.SortValue > other.SortValue
	}
	if h.SplitID != other.SplitID {
		return h.SplitID < other.SplitID
	}
	return h.DocID < other.DocID
}

// SplitFailure records one split that could not be searched.
type SplitFailure struct {
	SplitID string `json:"split_id"`
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// SplitStats carries per-split execution statistics.
type SplitStats struct {
	SplitID    string `json:"split_id"`
	NumDocs    uint64 `json:"num_docs"`
	NumMatches uint64 `json:"num_matches"`
	ElapsedMs  int64  `json:"elapsed_ms"`
}

// AggPartial is a combinable aggregation partial for one aggregation. All
// kinds combine associatively and commutatively; top-N truncation happens
// only when the final result is materialized.
type AggPartial struct {
	Kind    string            `json:"kind"`
	Value   float64           `json:"value,omitempty"`
	Count   uint64            `json:"count,omitempty"`
	Buckets map[string]uint64 `json:"buckets,omitempty"`
}

// BucketCount is one bucket of a finalized top-N aggregation.
type BucketCount struct {
	Key   string `json:"key"`
	Count uint64 `json:"count"`
}

// AggResult is a finalized aggregation.
type AggResult struct {
	Kind    string        `json:"kind"`
	Value   float64       `json:"value,omitempty"`
	Count   uint64        `json:"count,omitempty"`
	Buckets []BucketCount `json:"buckets,omitempty"`
}

// LeafResult is the outcome of searching one or more splits on one node.
// Hits are locally sorted and bounded to the query window; every element is
// independently mergeable with any other LeafResult of the same query.
type LeafResult struct {
	// Hits are the locally top-ranked partial hits, at most offset+limit.
	Hits []PartialHit `json:"hits"`

	// Aggs maps aggregation names to their partials.
	Aggs map[string]AggPartial `json:"aggs,omitempty"`

	// Failures lists splits that failed within this leaf.
	Failures []SplitFailure `json:"failures,omitempty"`

	// Stats carries per-split statistics.
	Stats []SplitStats `json:"stats,omitempty"`

	// NumMatches is the exact number of matching documents across the
	// splits this result covers.
	NumMatches uint64 `json:"num_matches"`
}

// Hit is one globally ranked result with its document payload.
type Hit struct {
	SortValue float64        `json:"sort_value"`
	SplitID   string         `json:"split_id"`
	DocID     uint32         `json:"doc_id"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// Response is the final search response.
type Response struct {
	// Hits is the globally sorted, windowed result list.
	Hits []Hit `json:"hits"`

	// Aggs holds the merged aggregations.
	Aggs map[string]AggResult `json:"aggs,omitempty"`

	// TotalMatches is the total matching document count. It is exact when
	// CountExact is true and a lower bound otherwise.
	TotalMatches uint64 `json:"total_matches"`

	// CountExact is false exactly when at least one split failed.
	CountExact bool `json:"count_exact"`

	// FailedSplits lists splits that could not be searched.
	FailedSplits []SplitFailure `json:"failed_splits,omitempty"`

	// Stats carries per-split execution statistics.
	Stats []SplitStats `json:"stats,omitempty"`

	// ElapsedMs is the end-to-end query duration.
	ElapsedMs int64 `json:"elapsed_ms"`
}
