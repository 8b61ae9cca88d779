// Package root coordinates distributed query execution: it prunes the split
// set, assigns splits to nodes, streams leaf results into the merger, and
// retries failed splits on other nodes until attempts run out.
package root

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/grainsearch/grain-search/internal/assign"
	"github.com/grainsearch/grain-search/internal/bus"
	"github.com/grainsearch/grain-search/internal/cluster"
	"github.com/grainsearch/grain-search/internal/config"
	"github.com/grainsearch/grain-search/internal/engine"
	"github.com/grainsearch/grain-search/internal/metastore"
	"github.com/grainsearch/grain-search/internal/metrics"
	"github.com/grainsearch/grain-search/internal/observability"
	apperrors "github.com/grainsearch/grain-search/internal/pkg/errors"
	"github.com/grainsearch/grain-search/internal/pkg/logger"
	"github.com/grainsearch/grain-search/internal/pkg/security"
	"github.com/grainsearch/grain-search/internal/search"
	"github.com/grainsearch/grain-search/internal/search/merge"
)

// Dispatcher sends a leaf request to a node and delivers each streamed
// result. cluster.Pool is the production implementation.
type Dispatcher interface {
	Search(ctx context.Context, node cluster.Node, req *cluster.LeafRequest, emit func(search.LeafResult)) error
}

// Config carries the root coordinator's settings.
type Config struct {
	// NodeID identifies this root in published events.
	NodeID string

	Search config.SearchConfig
	Retry  config.RetryConfig
}

// Coordinator executes client queries against the cluster.
type Coordinator struct {
	meta     metastore.Metastore
	members  cluster.Membership
	dispatch Dispatcher
	events   bus.Bus
	queries  *observability.Service
	cfg      Config
	log      *logger.Logger
}

// SetQueryLog wires a query log service. Queries are recorded after each
// Search call.
func (c *Coordinator) SetQueryLog(queries *observability.Service) {
	c.queries = queries
}

// New creates a root coordinator. events may be nil to disable lifecycle
// publishing.
func New(meta metastore.Metastore, members cluster.Membership, dispatch Dispatcher, events bus.Bus, cfg Config, log *logger.Logger) *Coordinator {
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry.MaxAttempts = 3
	}
	if log == nil {
		log = logger.Default()
	}
	return &Coordinator{
		meta:     meta,
		members:  members,
		dispatch: dispatch,
		events:   events,
		cfg:      cfg,
		log:      log,
	}
}

// Search runs one query end to end and returns the merged response. Partial
// results with recorded failures come back as a successful response as long
// as the failed fraction stays within tolerance.
func (c *Coordinator) Search(ctx context.Context, indexID string, req *search.Request) (*search.Response, error) {
	start := time.Now()
	queryID := uuid.NewString()
	ctx = logger.ContextWithQueryID(ctx, queryID)

	timeout := c.cfg.Search.DefaultTimeout
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	resp, err := c.run(ctx, queryID, indexID, req, start)

	status := "ok"
	if err != nil {
		status = apperrors.Code(err)
	}
	metrics.QueriesTotal.WithLabelValues(indexID, status).Inc()
	metrics.QueryDuration.WithLabelValues(indexID).Observe(time.Since(start).Seconds())
	if c.queries != nil {
		entry := observability.QueryLogEntry{
			QueryID:   queryID,
			IndexID:   indexID,
			Query:     security.SanitizeForLog(req.Query),
			Status:    status,
			LatencyMs: time.Since(start).Milliseconds(),
		}
		if resp != nil {
			entry.FailedSplits = len(resp.FailedSplits)
			entry.TotalMatches = resp.TotalMatches
			entry.CountExact = resp.CountExact
		}
		c.queries.Record(entry)
	}
	c.publish(bus.TopicQueryFinished, queryID, map[string]any{
		"index":      indexID,
		"status":     status,
		"elapsed_ms": time.Since(start).Milliseconds(),
	})
	return resp, err
}

func (c *Coordinator) run(ctx context.Context, queryID, indexID string, req *search.Request, start time.Time) (*search.Response, error) {
	log := c.log.WithContext(ctx).WithIndex(indexID)

	indexMeta, err := c.meta.IndexMetadata(ctx, indexID)
	if err != nil {
		return nil, err
	}
	plan, err := engine.BuildPlan(req, indexMeta, engine.PlanDefaults{
		DefaultLimit: c.cfg.Search.DefaultLimit,
		MaxWindow:    c.cfg.Search.MaxWindow,
	})
	if err != nil {
		return nil, err
	}

	splits, err := c.meta.ListSplits(ctx, indexID, plan.TimeRange, plan.Tags)
	if err != nil {
		return nil, err
	}
	splits = metastore.PruneSplits(splits, plan.TimeRange, plan.Tags)

	c.publish(bus.TopicQueryStarted, queryID, map[string]any{
		"index":  indexID,
		"splits": len(splits),
	})
	log.Info("query started", "splits", len(splits), "offset", plan.Offset, "limit", plan.Limit)
	metrics.SplitsSearchedTotal.Add(float64(len(splits)))

	merger := merge.New(plan.Order, plan.Offset, plan.Limit, plan.Aggs)

	permanent, err := c.runRounds(ctx, queryID, plan, splits, merger, log)
	if err != nil {
		return nil, err
	}

	if total := len(splits); total > 0 {
		ratio := float64(len(permanent)) / float64(total)
		if ratio > c.cfg.Search.MaxFailedSplitRatio {
			if ctx.Err() != nil {
				return nil, apperrors.DeadlineExceededError("query " + queryID)
			}
			return nil, apperrors.TooManySplitFailuresError(len(permanent), total)
		}
	}
	for _, f := range permanent {
		metrics.SplitFailuresTotal.WithLabelValues(f.Code).Inc()
		c.publish(bus.TopicSplitFailed, queryID, f)
	}
	if len(permanent) > 0 {
		merger.Push(search.LeafResult{Failures: permanent})
	}

	merged := merger.Finish()
	resp := &search.Response{
		Hits:         merged.Hits,
		Aggs:         merged.Aggs,
		TotalMatches: merged.TotalMatches,
		CountExact:   merged.CountExact,
		FailedSplits: merged.Failures,
		Stats:        merged.Stats,
		ElapsedMs:    time.Since(start).Milliseconds(),
	}
	log.Info("query finished",
		"hits", len(resp.Hits),
		"total_matches", resp.TotalMatches,
		"failed_splits", len(resp.FailedSplits),
		"elapsed_ms", resp.ElapsedMs,
	)
	return resp, nil
}

// runRounds drives the job state machine: every pending split is dispatched
// each round, failures reschedule onto nodes that have not failed this
// query, and splits that exhaust their attempts become permanent failures.
func (c *Coordinator) runRounds(ctx context.Context, queryID string, plan *engine.Plan, splits []metastore.SplitMetadata, merger *merge.Merger, log *logger.Logger) ([]search.SplitFailure, error) {
	bySplit := make(map[string]metastore.SplitMetadata, len(splits))
	for _, s := range splits {
		bySplit[s.SplitID] = s
	}

	deadlineMs := int64(0)
	if dl, ok := ctx.Deadline(); ok {
		deadlineMs = dl.UnixMilli()
	}

	attempts := make(map[string]int, len(splits))
	excluded := make(map[string]bool)
	var permanent []search.SplitFailure

	pending := splits
	for len(pending) > 0 {
		if ctx.Err() != nil {
			for _, s := range pending {
				permanent = append(permanent, search.SplitFailure{
					SplitID: s.SplitID,
					Code:    apperrors.CodeDeadlineExceeded,
					Message: ctx.Err().Error(),
				})
			}
			return permanent, nil
		}

		nodes, err := c.members.Nodes(ctx)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.CodeUnavailable, "cluster membership lookup failed", err)
		}
		byID := make(map[string]cluster.Node)
		var nodeIDs []string
		for _, n := range nodes {
			if excluded[n.ID] {
				continue
			}
			byID[n.ID] = n
			nodeIDs = append(nodeIDs, n.ID)
		}
		if len(nodeIDs) == 0 {
			return nil, apperrors.NoAvailableNodesError()
		}

		affinity, err := c.members.Affinity(ctx, nodeIDs)
		if err != nil {
			log.WithError(err).Warn("affinity lookup failed, assigning cold")
			affinity = nil
		}

		assignment, err := assign.Plan(pending, nodeIDs, affinity)
		if err != nil {
			return nil, err
		}

		var (
			mu        sync.Mutex
			succeeded = make(map[string]bool)
			failed    = make(map[string]search.SplitFailure)
			nodeErrs  = make(map[string]error)
		)

		var g errgroup.Group
		for nodeID, splitIDs := range assignment {
			node := byID[nodeID]
			jobSplits := make([]metastore.SplitMetadata, len(splitIDs))
			for i, id := range splitIDs {
				jobSplits[i] = bySplit[id]
			}
			g.Go(func() error {
				req := &cluster.LeafRequest{
					QueryID:        queryID,
					IndexID:        plan.IndexID,
					Splits:         jobSplits,
					Plan:           plan,
					DeadlineUnixMs: deadlineMs,
				}
				err := c.dispatch.Search(ctx, node, req, func(res search.LeafResult) {
					mu.Lock()
					defer mu.Unlock()
					for _, st := range res.Stats {
						succeeded[st.SplitID] = true
					}
					for _, f := range res.Failures {
						failed[f.SplitID] = f
					}
					// Failures are rescheduled, not merged; only the
					// exhausted ones reach the response.
					res.Failures = nil
					merger.Push(res)
				})
				if err != nil {
					mu.Lock()
					nodeErrs[node.ID] = err
					mu.Unlock()
					log.WithError(err).WithNode(node.ID).Warn("leaf dispatch failed")
				}
				return nil
			})
		}
		g.Wait()

		for id := range nodeErrs {
			excluded[id] = true
		}

		var next []metastore.SplitMetadata
		for nodeID, splitIDs := range assignment {
			for _, id := range splitIDs {
				if succeeded[id] {
					continue
				}
				failure, ok := failed[id]
				if !ok {
					// The node never reported this split: connection
					// refused, stream cut mid-flight, or the query
					// deadline expired before it answered.
					code := apperrors.CodeNodeUnreachable
					if ctx.Err() != nil {
						code = apperrors.CodeDeadlineExceeded
					}
					msg := "split result missing"
					if err := nodeErrs[nodeID]; err != nil {
						msg = err.Error()
					}
					failure = search.SplitFailure{
						SplitID: id,
						Code:    code,
						Message: msg,
					}
				}

				attempts[id]++
				if attempts[id] >= c.cfg.Retry.MaxAttempts {
					permanent = append(permanent, failure)
					continue
				}
				next = append(next, bySplit[id])
				metrics.JobRetriesTotal.Inc()
				c.publish(bus.TopicJobRetry, queryID, map[string]any{
					"split":   id,
					"node":    nodeID,
					"code":    failure.Code,
					"attempt": attempts[id],
				})
				log.WithSplit(id).Warn("rescheduling split",
					"code", failure.Code,
					"attempt", attempts[id],
					"max_attempts", c.cfg.Retry.MaxAttempts,
				)
			}
		}

		if len(next) > 0 && c.cfg.Retry.Backoff > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(c.cfg.Retry.Backoff):
			}
		}
		pending = next
	}
	return permanent, nil
}

func (c *Coordinator) publish(topic, queryID string, payload any) {
	if c.events == nil {
		return
	}
	event := bus.NewEvent(topic, c.cfg.NodeID, queryID, payload)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.events.Publish(ctx, topic, event); err != nil {
			c.log.Warn("event publish failed", "topic", topic, "error", err.Error())
		}
	}()
}
