// Package metastore provides read access to the external metastore that owns
// index configuration and split lifecycle.
package metastore

import "context"

// TimeRange is an inclusive range of Unix timestamps in seconds.
type TimeRange struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// Overlaps reports whether two ranges intersect. A nil range is unbounded and
// overlaps everything. Bounds are inclusive on both ends, so [0,10] and
// [10,20] overlap at t=10.
func (r *TimeRange) Overlaps(other *TimeRange) bool {
	if r == nil || other == nil {
		return true
	}
	return r.Start <= other.End && other.Start <= r.End
}

// SplitMetadata describes one immutable, independently searchable segment of
// an index. It is owned by the metastore and never mutated here.
type SplitMetadata struct {
	// SplitID uniquely identifies the split.
	SplitID string `json:"split_id"`

	// IndexID is the owning index.
	IndexID string `json:"index_id"`

	// TimeRange covers the documents in the split. Nil when the index has
	// no timestamp field.
	TimeRange *TimeRange `json:"time_range,omitempty"`

	// Tags coarsely describe the split's contents for pruning.
	Tags []string `json:"tags,omitempty"`

	// FooterStart and FooterEnd are the byte offsets of the split footer,
	// opaque to this core and passed through to storage.
	FooterStart uint64 `json:"footer_start"`
	FooterEnd   uint64 `json:"footer_end"`

	// SizeBytes is the total split size in storage.
	SizeBytes uint64 `json:"size_bytes"`

	// NumDocs is the document count in the split.
	NumDocs uint64 `json:"num_docs"`
}

// MatchesTags reports whether the split can contain documents matching the
// requested tags. Tag pruning is conservative: a split with no tags cannot be
// excluded, and a tagged split is kept only if it carries every requested
// tag.
func (s *SplitMetadata) MatchesTags(tags []string) bool {
	if len(tags) == 0 || len(s.Tags) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(s.Tags))
	for _, t := range s.Tags {
		set[t] = struct{}{}
	}
	for _, t := range tags {
		if _, ok := set[t]; !ok {
			return false
		}
	}
	return true
}

// IndexMetadata holds the index configuration needed to validate a query.
type IndexMetadata struct {
	// IndexID uniquely identifies the index.
	IndexID string `json:"index_id"`

	// TimestampField is the field time-range queries apply to.
	TimestampField string `json:"timestamp_field,omitempty"`

	// DefaultSortField applies when a query requests no sort; empty means
	// relevance score.
	DefaultSortField string `json:"default_sort_field,omitempty"`

	// FieldTypes maps field names to their type ("text", "i64", "f64").
	FieldTypes map[string]string `json:"field_types,omitempty"`
}

// Metastore is the read-only view of the metastore collaborator consumed by
// query execution. Split lifecycle mutation lives elsewhere.
type Metastore interface {
	// ListSplits returns the published splits of an index overlapping the
	// given time range and matching the given tags. Both filters are
	// optional and exact in the never-false-negative sense.
	ListSplits(ctx context.Context, indexID string, timeRange *TimeRange, tags []string) ([]SplitMetadata, error)

	// IndexMetadata returns the configuration of an index.
	IndexMetadata(ctx context.Context, indexID string) (*IndexMetadata, error)
}

// PruneSplits filters splits down to those that may contain matches for the
// given time range and tags. It never drops a split whose range overlaps the
// query range, and never keeps a split with no overlap.
func PruneSplits(splits []SplitMetadata, timeRange *TimeRange, tags []string) []SplitMetadata {
	pruned := make([]SplitMetadata, 0, len(splits))
	for _, s := range splits {
		if !s.TimeRange.Overlaps(timeRange) {
			continue
		}
		if !s.MatchesTags(tags) {
			continue
		}
		pruned = append(pruned, s)
	}
	return pruned
}
