// Package storage provides byte-range access to split files in object
// storage. It is the fetch side of the cache-miss path; split layout and
// format are opaque here.
package storage

import "context"

// Storage fetches split bytes. Ranges are half-open [start, end).
type Storage interface {
	// FetchFooter fetches the split footer given its byte offsets from
	// the split metadata.
	FetchFooter(ctx context.Context, splitID string, footerStart, footerEnd uint64) ([]byte, error)

	// FetchRange fetches an arbitrary byte range of a split.
	FetchRange(ctx context.Context, splitID string, start, end uint64) ([]byte, error)
}

// RangeFetcher is the single-split view of Storage handed to the engine when
// opening a split, so the engine can page in whatever it needs without
// knowing which split it belongs to.
type RangeFetcher func(ctx context.Context, start, end uint64) ([]byte, error)

// FetcherFor binds a Storage to one split.
func FetcherFor(s Storage, splitID string) RangeFetcher {
	return func(ctx context.Context, start, end uint64) ([]byte, error) {
		return s.FetchRange(ctx, splitID, start, end)
	}
}
