// Package engine defines the capability interface of the single-split search
// engine and the query plan it executes. The engine is a black box to the
// coordination layer: given an opened split and a plan it returns scored
// matches and aggregation partials.
package engine

import (
	"context"

	"github.com/grainsearch/grain-search/internal/metastore"
	"github.com/grainsearch/grain-search/internal/search"
	"github.com/grainsearch/grain-search/internal/storage"
)

// SplitResult is the raw output of searching one split.
type SplitResult struct {
	// Hits are locally sorted per the plan, at most offset+limit entries.
	Hits []search.PartialHit

	// Aggs maps aggregation names to partials for this split.
	Aggs map[string]search.AggPartial

	// NumMatches is the exact matching document count in this split.
	NumMatches uint64

	// NumDocs is the split's total document count.
	NumDocs uint64
}

// SplitSearcher is an opened, ready-to-query split.
type SplitSearcher interface {
	// Search executes the plan against this split. Same split and plan
	// always yield the same result.
	Search(ctx context.Context, plan *Plan) (*SplitResult, error)

	// NumBytes reports the searcher's resident size for cache accounting.
	NumBytes() uint64

	// Close releases the searcher's resources.
	Close() error
}

// Engine opens splits for searching. Implementations fetch whatever byte
// ranges they need through the provided fetcher.
type Engine interface {
	OpenSplit(ctx context.Context, split metastore.SplitMetadata, footer []byte, fetch storage.RangeFetcher) (SplitSearcher, error)
}
