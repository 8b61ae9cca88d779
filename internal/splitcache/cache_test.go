package splitcache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/grainsearch/grain-search/internal/engine"
	"github.com/grainsearch/grain-search/internal/metastore"
	apperrors "github.com/grainsearch/grain-search/internal/pkg/errors"
	"github.com/grainsearch/grain-search/internal/pkg/logger"
)

type fakeSearcher struct {
	bytes  uint64
	closed atomic.Bool
}

func (f *fakeSearcher) Search(ctx context.Context, plan *engine.Plan) (*engine.SplitResult, error) {
	return &engine.SplitResult{}, nil
}

func (f *fakeSearcher) NumBytes() uint64 { return f.bytes }

func (f *fakeSearcher) Close() error {
	f.closed.Store(true)
	return nil
}

func split(id string) metastore.SplitMetadata {
	return metastore.SplitMetadata{SplitID: id}
}

func countingOpener(opens *atomic.Int64, bytes uint64) Opener {
	return func(ctx context.Context, s metastore.SplitMetadata) (engine.SplitSearcher, error) {
		opens.Add(1)
		return &fakeSearcher{bytes: bytes}, nil
	}
}

func TestCache_HitAfterMiss(t *testing.T) {
	var opens atomic.Int64
	c := New(Config{MaxBytes: 1000, MaxEntries: 10}, countingOpener(&opens, 10), logger.Default())

	h1, err := c.Acquire(context.Background(), split("s1"))
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}
	h1.Release()

	h2, err := c.Acquire(context.Background(), split("s1"))
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}
	h2.Release()

	if got := opens.Load(); got != 1 {
		t.Errorf("opens = %d, want 1", got)
	}
}

func TestCache_SingleFlight(t *testing.T) {
	var opens atomic.Int64
	gate := make(chan struct{})
	open := func(ctx context.Context, s metastore.SplitMetadata) (engine.SplitSearcher, error) {
		opens.Add(1)
		<-gate
		return &fakeSearcher{bytes: 1}, nil
	}
	c := New(Config{MaxBytes: 1000, MaxEntries: 10}, open, logger.Default())

	const callers = 16
	var wg sync.WaitGroup
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := c.Acquire(context.Background(), split("s1"))
			errs[i] = err
			if err == nil {
				h.Release()
			}
		}(i)
	}

	close(gate)
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("caller %d: %v", i, err)
		}
	}
	if got := opens.Load(); got != 1 {
		t.Errorf("concurrent acquires caused %d opens, want 1", got)
	}
}

func TestCache_FetchFailureSharedAndNotCached(t *testing.T) {
	var opens atomic.Int64
	open := func(ctx context.Context, s metastore.SplitMetadata) (engine.SplitSearcher, error) {
		opens.Add(1)
		if opens.Load() == 1 {
			return nil, errors.New("storage down")
		}
		return &fakeSearcher{bytes: 1}, nil
	}
	c := New(Config{MaxBytes: 1000, MaxEntries: 10}, open, logger.Default())

	_, err := c.Acquire(context.Background(), split("s1"))
	if !apperrors.IsSplitUnavailable(err) {
		t.Fatalf("expected SPLIT_UNAVAILABLE, got %v", err)
	}
	if c.Len() != 0 {
		t.Error("failed open must not be cached")
	}

	// A later acquire retries the open.
	h, err := c.Acquire(context.Background(), split("s1"))
	if err != nil {
		t.Fatalf("retry Acquire() error: %v", err)
	}
	h.Release()
}

func TestCache_PinnedNeverEvicted(t *testing.T) {
	var opens atomic.Int64
	c := New(Config{MaxBytes: 25, MaxEntries: 10}, countingOpener(&opens, 10), logger.Default())

	// Pin s1 and s2, then overflow the byte bound.
	h1, err := c.Acquire(context.Background(), split("s1"))
	if err != nil {
		t.Fatal(err)
	}
	h2, err := c.Acquire(context.Background(), split("s2"))
	if err != nil {
		t.Fatal(err)
	}

	h3, err := c.Acquire(context.Background(), split("s3"))
	if err != nil {
		t.Fatalf("admission must proceed even with nothing evictable: %v", err)
	}

	// All three pinned: cache temporarily exceeds its bound.
	if c.Len() != 3 {
		t.Errorf("Len() = %d, want 3", c.Len())
	}

	s1 := h1.Searcher().(*fakeSearcher)
	s2 := h2.Searcher().(*fakeSearcher)
	if s1.closed.Load() || s2.closed.Load() {
		t.Error("pinned searcher was closed")
	}

	// Releasing brings the cache back within bounds by evicting LRU
	// unpinned entries.
	h1.Release()
	h2.Release()
	h3.Release()

	if got := c.Bytes(); got > 25 {
		t.Errorf("Bytes() = %d after releases, want <= 25", got)
	}
}

func TestCache_EvictsLRU(t *testing.T) {
	var opens atomic.Int64
	c := New(Config{MaxBytes: 1000, MaxEntries: 2}, countingOpener(&opens, 1), logger.Default())

	for _, id := range []string{"s1", "s2"} {
		h, err := c.Acquire(context.Background(), split(id))
		if err != nil {
			t.Fatal(err)
		}
		h.Release()
	}

	// Touch s1 so s2 becomes the LRU victim.
	h, err := c.Acquire(context.Background(), split("s1"))
	if err != nil {
		t.Fatal(err)
	}
	h.Release()

	h, err = c.Acquire(context.Background(), split("s3"))
	if err != nil {
		t.Fatal(err)
	}
	h.Release()

	contents := map[string]bool{}
	for _, id := range c.Contents() {
		contents[id] = true
	}
	if !contents["s1"] || !contents["s3"] || contents["s2"] {
		t.Errorf("Contents() = %v, want s1 and s3", c.Contents())
	}
}

func TestCache_ReleaseIdempotent(t *testing.T) {
	var opens atomic.Int64
	c := New(Config{MaxBytes: 1000, MaxEntries: 10}, countingOpener(&opens, 1), logger.Default())

	h, err := c.Acquire(context.Background(), split("s1"))
	if err != nil {
		t.Fatal(err)
	}
	h.Release()
	h.Release() // must not double-decrement

	h2, err := c.Acquire(context.Background(), split("s1"))
	if err != nil {
		t.Fatal(err)
	}
	h2.Release()
}

func TestCache_ManySplitsUnderPressure(t *testing.T) {
	var opens atomic.Int64
	c := New(Config{MaxBytes: 50, MaxEntries: 5}, countingOpener(&opens, 10), logger.Default())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h, err := c.Acquire(context.Background(), split(fmt.Sprintf("s%d", i%10)))
			if err != nil {
				t.Errorf("Acquire: %v", err)
				return
			}
			h.Release()
		}(i)
	}
	wg.Wait()

	if c.Len() > 5 {
		t.Errorf("Len() = %d after all releases, want <= 5", c.Len())
	}
}


func TestCache_AdmitSkipsAlreadyCachedSplit(t *testing.T) {
	var opens atomic.Int64
	c := New(Config{MaxBytes: 1000, MaxEntries: 10}, countingOpener(&opens, 10), logger.Default())

	h, err := c.Acquire(context.Background(), split("s1"))
	if err != nil {
		t.Fatalf("Acquire() error: %v", err)
	}

	// A caller that missed pin just before the insert landed runs its own
	// flight after the first one's key was forgotten. It must observe the
	// cached entry instead of opening a duplicate.
	if err := c.admit(context.Background(), split("s1")); err != nil {
		t.Fatalf("admit() error: %v", err)
	}

	if got := opens.Load(); got != 1 {
		t.Errorf("opens = %d, want 1", got)
	}
	if got := c.Len(); got != 1 {
		t.Errorf("Len() = %d, want 1", got)
	}
	if got := c.Bytes(); got != 10 {
		t.Errorf("Bytes() = %d, want 10", got)
	}
	h.Release()

	// The surviving entry must still be evictable through the LRU list.
	for i := 0; i < 10; i++ {
		h2, err := c.Acquire(context.Background(), split(fmt.Sprintf("f%d", i)))
		if err != nil {
			t.Fatalf("Acquire() error: %v", err)
		}
		h2.Release()
	}
	if got := c.Len(); got > 10 {
		t.Errorf("Len() = %d, want <= 10 after evictions", got)
	}
	if got, want := c.Bytes(), int64(c.Len())*10; got != want {
		t.Errorf("Bytes() = %d, want %d (bookkeeping drifted from entries)", got, want)
	}
}
