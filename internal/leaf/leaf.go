// Package leaf executes query plans against locally assigned splits. The
// executor turns every per-split problem into data (a recorded failure on the
// leaf result) rather than an error, so one bad split never takes down its
// siblings.
package leaf

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/grainsearch/grain-search/internal/engine"
	"github.com/grainsearch/grain-search/internal/metastore"
	apperrors "github.com/grainsearch/grain-search/internal/pkg/errors"
	"github.com/grainsearch/grain-search/internal/pkg/logger"
	"github.com/grainsearch/grain-search/internal/search"
	"github.com/grainsearch/grain-search/internal/splitcache"
)

// DefaultMaxConcurrentSplits bounds per-node split concurrency when the
// configured value is missing or invalid.
const DefaultMaxConcurrentSplits = 4

// Executor runs a plan against a single split through the node's split cache.
type Executor struct {
	cache *splitcache.Cache
	log   *logger.Logger
}

// NewExecutor creates an executor backed by the given split cache.
func NewExecutor(cache *splitcache.Cache, log *logger.Logger) *Executor {
	if log == nil {
		log = logger.Default()
	}
	return &Executor{cache: cache, log: log}
}

// Execute searches one split and always returns a usable result. A split that
// cannot be opened or searched comes back as a zero-hit result carrying a
// recorded failure; the caller never sees an error.
func (e *Executor) Execute(ctx context.Context, split metastore.SplitMetadata, plan *engine.Plan) search.LeafResult {
	start := time.Now()
	log := e.log.WithContext(ctx).WithSplit(split.SplitID)

	handle, err := e.cache.Acquire(ctx, split)
	if err != nil {
		code := apperrors.CodeSplitUnavailable
		if ctx.Err() != nil {
			code = apperrors.CodeDeadlineExceeded
		}
		log.WithError(err).Warn("split unavailable")
		return failureResult(split.SplitID, code, err.Error())
	}
	defer handle.Release()

	res, err := handle.Searcher().Search(ctx, plan)
	if err != nil {
		code := apperrors.CodeEngineExecution
		if ctx.Err() != nil {
			code = apperrors.CodeDeadlineExceeded
		}
		log.WithError(err).Warn("split search failed")
		return failureResult(split.SplitID, code, err.Error())
	}

	elapsed := time.Since(start).Milliseconds()
	log.Debug("split searched",
		"num_matches", res.NumMatches,
		"elapsed_ms", elapsed,
	)
	return search.LeafResult{
		Hits:       res.Hits,
		Aggs:       res.Aggs,
		NumMatches: res.NumMatches,
		Stats: []search.SplitStats{{
			SplitID:    split.SplitID,
			NumDocs:    res.NumDocs,
			NumMatches: res.NumMatches,
			ElapsedMs:  elapsed,
		}},
	}
}

// Coordinator fans a plan out over a node's assigned splits with a bounded
// number of splits in flight.
type Coordinator struct {
	exec          *Executor
	maxConcurrent int64
	log           *logger.Logger
}

// NewCoordinator creates a leaf coordinator. maxConcurrent bounds the number
// of splits searched at once on this node.
func NewCoordinator(exec *Executor, maxConcurrent int, log *logger.Logger) *Coordinator {
	if maxConcurrent <= 0 {
		maxConcurrent = DefaultMaxConcurrentSplits
	}
	if log == nil {
		log = logger.Default()
	}
	return &Coordinator{exec: exec, maxConcurrent: int64(maxConcurrent), log: log}
}

// Search executes the plan against every split, calling emit once per split
// as each completes. Calls to emit are serialized. Per-split failures are
// delivered through the emitted results; Search itself returns only when
// every split has been accounted for. When the context expires, splits that
// have not started are reported as deadline failures instead of being
// silently dropped.
func (c *Coordinator) Search(ctx context.Context, splits []metastore.SplitMetadata, plan *engine.Plan, emit func(search.LeafResult)) {
	sem := semaphore.NewWeighted(c.maxConcurrent)

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)
	send := func(res search.LeafResult) {
		mu.Lock()
		emit(res)
		mu.Unlock()
	}

	for _, split := range splits {
		if err := sem.Acquire(ctx, 1); err != nil {
			send(failureResult(split.SplitID, apperrors.CodeDeadlineExceeded, err.Error()))
			continue
		}
		wg.Add(1)
		go func(split metastore.SplitMetadata) {
			defer wg.Done()
			defer sem.Release(1)
			send(c.exec.Execute(ctx, split, plan))
		}(split)
	}
	wg.Wait()
}

func failureResult(splitID, code, message string) search.LeafResult {
	return search.LeafResult{
		Failures: []search.SplitFailure{{
			SplitID: splitID,
			Code:    code,
			Message: message,
		}},
	}
}
