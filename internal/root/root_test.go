package root

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/grainsearch/grain-search/internal/assign"
	"github.com/grainsearch/grain-search/internal/bus"
	"github.com/grainsearch/grain-search/internal/cluster"
	"github.com/grainsearch/grain-search/internal/config"
	"github.com/grainsearch/grain-search/internal/metastore"
	"github.com/grainsearch/grain-search/internal/observability"
	apperrors "github.com/grainsearch/grain-search/internal/pkg/errors"
	"github.com/grainsearch/grain-search/internal/pkg/logger"
	"github.com/grainsearch/grain-search/internal/search"
)

type fakeMembership struct {
	mu       sync.Mutex
	nodes    []cluster.Node
	affinity assign.Affinity
}

func (m *fakeMembership) Nodes(ctx context.Context) ([]cluster.Node, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]cluster.Node, len(m.nodes))
	copy(out, m.nodes)
	return out, nil
}

func (m *fakeMembership) Affinity(ctx context.Context, nodeIDs []string) (assign.Affinity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.affinity, nil
}

func (m *fakeMembership) Close() error { return nil }

type dispatchCall struct {
	node   string
	splits []string
}

// fakeDispatcher simulates leaves in-process: down nodes refuse the whole
// stream, stall nodes hang until the request context expires, failSplits
// report per-split failures a limited number of times, everything else
// succeeds with one hit per split.
type fakeDispatcher struct {
	mu         sync.Mutex
	calls      []dispatchCall
	downNodes  map[string]bool
	stallNodes map[string]bool
	failSplits map[string]int
}

func (d *fakeDispatcher) Search(ctx context.Context, node cluster.Node, req *cluster.LeafRequest, emit func(search.LeafResult)) error {
	d.mu.Lock()
	ids := make([]string, len(req.Splits))
	for i, s := range req.Splits {
		ids[i] = s.SplitID
	}
	d.calls = append(d.calls, dispatchCall{node: node.ID, splits: ids})
	down := d.downNodes[node.ID]
	stall := d.stallNodes[node.ID]
	d.mu.Unlock()

	if down {
		return apperrors.NodeUnreachableError(node.ID, errors.New("connection refused"))
	}
	if stall {
		<-ctx.Done()
		return apperrors.DeadlineExceededError("leaf search on " + node.ID)
	}

	for _, s := range req.Splits {
		d.mu.Lock()
		remaining := d.failSplits[s.SplitID]
		if remaining > 0 {
			d.failSplits[s.SplitID] = remaining - 1
		}
		d.mu.Unlock()

		if remaining > 0 {
			emit(search.LeafResult{Failures: []search.SplitFailure{{
				SplitID: s.SplitID,
				Code:    apperrors.CodeEngineExecution,
				Message: "injected failure",
			}}})
			continue
		}
		emit(search.LeafResult{
			Hits:       []search.PartialHit{{SortValue: 1.0, SplitID: s.SplitID, DocID: 1}},
			NumMatches: 10,
			Stats:      []search.SplitStats{{SplitID: s.SplitID, NumDocs: 20, NumMatches: 10}},
		})
	}
	return nil
}

func (d *fakeDispatcher) callsFor(nodeID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.calls {
		if c.node == nodeID {
			n++
		}
	}
	return n
}

func (d *fakeDispatcher) attemptsFor(splitID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.calls {
		for _, id := range c.splits {
			if id == splitID {
				n++
			}
		}
	}
	return n
}

func testConfig() Config {
	return Config{
		NodeID: "root-1",
		Search: config.SearchConfig{
			DefaultLimit:        10,
			MaxWindow:           1000,
			DefaultTimeout:      5 * time.Second,
			MaxFailedSplitRatio: 0.5,
		},
		Retry: config.RetryConfig{MaxAttempts: 3},
	}
}

func testMetastore(t *testing.T, numSplits int) *metastore.InMemory {
	t.Helper()
	meta := metastore.NewInMemory()
	meta.AddIndex(metastore.IndexMetadata{
		IndexID:        "logs",
		TimestampField: "ts",
		FieldTypes:     map[string]string{"level": "text", "latency": "f64", "ts": "i64"},
	})
	for i := 0; i < numSplits; i++ {
		meta.AddSplits("logs", metastore.SplitMetadata{
			SplitID: fmt.Sprintf("s%d", i+1),
			IndexID: "logs",
			NumDocs: 20,
		})
	}
	return meta
}

func nodes(ids ...string) []cluster.Node {
	out := make([]cluster.Node, len(ids))
	for i, id := range ids {
		out[i] = cluster.Node{ID: id, Addr: id + ":7281"}
	}
	return out
}

func TestSearchHappyPath(t *testing.T) {
	d := &fakeDispatcher{}
	c := New(testMetastore(t, 4), &fakeMembership{nodes: nodes("n1", "n2")}, d, nil, testConfig(), logger.Default())

	resp, err := c.Search(context.Background(), "logs", &search.Request{})
	if err != nil {
		t.Fatal(err)
	}

	if !resp.CountExact {
		t.Error("CountExact = false with no failures")
	}
	if resp.TotalMatches != 40 {
		t.Errorf("TotalMatches = %d, want 40", resp.TotalMatches)
	}
	if len(resp.Hits) != 4 {
		t.Errorf("len(Hits) = %d, want 4", len(resp.Hits))
	}
	if len(resp.FailedSplits) != 0 {
		t.Errorf("FailedSplits = %+v, want none", resp.FailedSplits)
	}
}

func TestSearchRetriesOnDownNode(t *testing.T) {
	d := &fakeDispatcher{downNodes: map[string]bool{"n1": true}}
	c := New(testMetastore(t, 5), &fakeMembership{nodes: nodes("n1", "n2", "n3")}, d, nil, testConfig(), logger.Default())

	resp, err := c.Search(context.Background(), "logs", &search.Request{})
	if err != nil {
		t.Fatal(err)
	}

	if !resp.CountExact || len(resp.FailedSplits) != 0 {
		t.Errorf("retry on healthy nodes should fully recover: exact=%v failures=%+v",
			resp.CountExact, resp.FailedSplits)
	}
	if resp.TotalMatches != 50 {
		t.Errorf("TotalMatches = %d, want 50", resp.TotalMatches)
	}
	if got := d.callsFor("n1"); got > 1 {
		t.Errorf("dead node dispatched %d times, want at most 1", got)
	}
}

func TestSearchAllNodesDown(t *testing.T) {
	d := &fakeDispatcher{downNodes: map[string]bool{"n1": true, "n2": true}}
	c := New(testMetastore(t, 3), &fakeMembership{nodes: nodes("n1", "n2")}, d, nil, testConfig(), logger.Default())

	_, err := c.Search(context.Background(), "logs", &search.Request{})
	if apperrors.Code(err) != apperrors.CodeNoAvailableNodes {
		t.Errorf("code = %s, want %s", apperrors.Code(err), apperrors.CodeNoAvailableNodes)
	}
}

func TestSearchEmptyCluster(t *testing.T) {
	c := New(testMetastore(t, 3), &fakeMembership{}, &fakeDispatcher{}, nil, testConfig(), logger.Default())

	_, err := c.Search(context.Background(), "logs", &search.Request{})
	if apperrors.Code(err) != apperrors.CodeNoAvailableNodes {
		t.Errorf("code = %s, want %s", apperrors.Code(err), apperrors.CodeNoAvailableNodes)
	}
}

func TestSearchNoSplits(t *testing.T) {
	// An index with no overlapping splits answers without touching any node.
	c := New(testMetastore(t, 0), &fakeMembership{}, &fakeDispatcher{}, nil, testConfig(), logger.Default())

	resp, err := c.Search(context.Background(), "logs", &search.Request{})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Hits) != 0 || resp.TotalMatches != 0 || !resp.CountExact {
		t.Errorf("resp = %+v, want empty exact response", resp)
	}
}

func TestSearchTransientFailureRecovers(t *testing.T) {
	d := &fakeDispatcher{failSplits: map[string]int{"s1": 1}}
	c := New(testMetastore(t, 4), &fakeMembership{nodes: nodes("n1", "n2")}, d, nil, testConfig(), logger.Default())

	resp, err := c.Search(context.Background(), "logs", &search.Request{})
	if err != nil {
		t.Fatal(err)
	}

	if !resp.CountExact || len(resp.FailedSplits) != 0 {
		t.Errorf("transient failure should recover: exact=%v failures=%+v", resp.CountExact, resp.FailedSplits)
	}
	if resp.TotalMatches != 40 {
		t.Errorf("TotalMatches = %d, want 40", resp.TotalMatches)
	}
	seen := 0
	for _, h := range resp.Hits {
		if h.SplitID == "s1" {
			seen++
		}
	}
	if seen != 1 {
		t.Errorf("split s1 contributed %d hits, want exactly 1 (no double-merge)", seen)
	}
	if got := d.attemptsFor("s1"); got != 2 {
		t.Errorf("split s1 dispatched %d times, want 2", got)
	}
}

func TestSearchExhaustsAttempts(t *testing.T) {
	d := &fakeDispatcher{failSplits: map[string]int{"s1": 100}}
	c := New(testMetastore(t, 4), &fakeMembership{nodes: nodes("n1", "n2")}, d, nil, testConfig(), logger.Default())

	resp, err := c.Search(context.Background(), "logs", &search.Request{})
	if err != nil {
		t.Fatal(err)
	}

	if resp.CountExact {
		t.Error("CountExact = true despite a permanent failure")
	}
	if len(resp.FailedSplits) != 1 || resp.FailedSplits[0].SplitID != "s1" {
		t.Fatalf("FailedSplits = %+v, want exactly s1", resp.FailedSplits)
	}
	if resp.FailedSplits[0].Code != apperrors.CodeEngineExecution {
		t.Errorf("failure code = %s, want %s", resp.FailedSplits[0].Code, apperrors.CodeEngineExecution)
	}
	if resp.TotalMatches != 30 {
		t.Errorf("TotalMatches = %d, want 30 (lower bound from healthy splits)", resp.TotalMatches)
	}
	if got := d.attemptsFor("s1"); got != 3 {
		t.Errorf("split s1 dispatched %d times, want MaxAttempts = 3", got)
	}
}

func TestSearchTooManyFailures(t *testing.T) {
	d := &fakeDispatcher{failSplits: map[string]int{"s1": 100, "s2": 100, "s3": 100}}
	c := New(testMetastore(t, 4), &fakeMembership{nodes: nodes("n1", "n2")}, d, nil, testConfig(), logger.Default())

	_, err := c.Search(context.Background(), "logs", &search.Request{})
	if apperrors.Code(err) != apperrors.CodeTooManySplitFailures {
		t.Errorf("code = %s, want %s", apperrors.Code(err), apperrors.CodeTooManySplitFailures)
	}
}

func TestSearchFailureRatioBoundary(t *testing.T) {
	// Exactly half failed is tolerated; the threshold is strict.
	d := &fakeDispatcher{failSplits: map[string]int{"s1": 100, "s2": 100}}
	c := New(testMetastore(t, 4), &fakeMembership{nodes: nodes("n1", "n2")}, d, nil, testConfig(), logger.Default())

	resp, err := c.Search(context.Background(), "logs", &search.Request{})
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.FailedSplits) != 2 || resp.CountExact {
		t.Errorf("resp = %+v, want 2 failed splits and inexact count", resp)
	}
}

func TestSearchInvalidQuery(t *testing.T) {
	c := New(testMetastore(t, 2), &fakeMembership{nodes: nodes("n1")}, &fakeDispatcher{}, nil, testConfig(), logger.Default())

	_, err := c.Search(context.Background(), "logs", &search.Request{Offset: -1})
	if apperrors.Code(err) != apperrors.CodeInvalidQuery {
		t.Errorf("code = %s, want %s", apperrors.Code(err), apperrors.CodeInvalidQuery)
	}
}

func TestSearchUnknownIndex(t *testing.T) {
	c := New(testMetastore(t, 2), &fakeMembership{nodes: nodes("n1")}, &fakeDispatcher{}, nil, testConfig(), logger.Default())

	_, err := c.Search(context.Background(), "missing", &search.Request{})
	if apperrors.Code(err) != apperrors.CodeNotFound {
		t.Errorf("code = %s, want %s", apperrors.Code(err), apperrors.CodeNotFound)
	}
}

func TestSearchPublishesLifecycleEvents(t *testing.T) {
	events := bus.NewMemoryBus(logger.Default())
	defer events.Close()

	started := make(chan bus.Event, 1)
	finished := make(chan bus.Event, 1)
	events.Subscribe(context.Background(), bus.TopicQueryStarted, func(ctx context.Context, e bus.Event) error {
		started <- e
		return nil
	})
	events.Subscribe(context.Background(), bus.TopicQueryFinished, func(ctx context.Context, e bus.Event) error {
		finished <- e
		return nil
	})

	c := New(testMetastore(t, 2), &fakeMembership{nodes: nodes("n1")}, &fakeDispatcher{}, events, testConfig(), logger.Default())
	if _, err := c.Search(context.Background(), "logs", &search.Request{}); err != nil {
		t.Fatal(err)
	}

	select {
	case e := <-started:
		if e.QueryID == "" || e.Source != "root-1" {
			t.Errorf("started event = %+v", e)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("query.started never published")
	}
	select {
	case e := <-finished:
		if e.QueryID == "" {
			t.Errorf("finished event = %+v", e)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("query.finished never published")
	}
}

func TestSearchRecordsQueryLog(t *testing.T) {
	c := New(testMetastore(t, 2), &fakeMembership{nodes: nodes("n1")}, &fakeDispatcher{}, nil, testConfig(), logger.Default())
	queries := observability.NewService(nil)
	c.SetQueryLog(queries)

	if _, err := c.Search(context.Background(), "logs", &search.Request{Query: "error\nlevel"}); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Search(context.Background(), "missing", &search.Request{}); err == nil {
		t.Fatal("expected unknown index error")
	}

	recent := queries.Recent(0)
	if len(recent) != 2 {
		t.Fatalf("recorded %d entries, want 2", len(recent))
	}
	failed, ok := recent[0], recent[1]
	if failed.Status != apperrors.CodeNotFound {
		t.Errorf("failed query status = %q, want %q", failed.Status, apperrors.CodeNotFound)
	}
	if ok.Status != "ok" || ok.TotalMatches != 20 || !ok.CountExact {
		t.Errorf("ok entry = %+v", ok)
	}
	if ok.Query != "error\\nlevel" {
		t.Errorf("query not sanitized for log: %q", ok.Query)
	}
}

func TestSearchDeadlineKeepsMergedPartials(t *testing.T) {
	d := &fakeDispatcher{stallNodes: map[string]bool{"n2": true}}
	m := &fakeMembership{
		nodes:    nodes("n1", "n2"),
		affinity: assign.Affinity{"n1": {"s1", "s2"}, "n2": {"s3", "s4"}},
	}
	c := New(testMetastore(t, 4), m, d, nil, testConfig(), logger.Default())

	resp, err := c.Search(context.Background(), "logs", &search.Request{TimeoutMs: 150})
	if err != nil {
		t.Fatal(err)
	}

	if resp.CountExact {
		t.Error("CountExact = true after deadline losses")
	}
	if resp.TotalMatches != 20 {
		t.Errorf("TotalMatches = %d, want 20 from the splits that finished", resp.TotalMatches)
	}
	if len(resp.Hits) != 2 {
		t.Errorf("len(Hits) = %d, want 2 merged partials", len(resp.Hits))
	}
	if len(resp.FailedSplits) != 2 {
		t.Fatalf("FailedSplits = %+v, want 2", resp.FailedSplits)
	}
	for _, f := range resp.FailedSplits {
		if f.Code != apperrors.CodeDeadlineExceeded {
			t.Errorf("split %s code = %s, want %s", f.SplitID, f.Code, apperrors.CodeDeadlineExceeded)
		}
	}
}

func TestSearchDeadlineOverTolerance(t *testing.T) {
	d := &fakeDispatcher{stallNodes: map[string]bool{"n1": true, "n2": true}}
	c := New(testMetastore(t, 4), &fakeMembership{nodes: nodes("n1", "n2")}, d, nil, testConfig(), logger.Default())

	_, err := c.Search(context.Background(), "logs", &search.Request{TimeoutMs: 150})
	if apperrors.Code(err) != apperrors.CodeDeadlineExceeded {
		t.Errorf("code = %s, want %s when the deadline caused the losses", apperrors.Code(err), apperrors.CodeDeadlineExceeded)
	}
}

func TestSearchDeadlineExhaustedSplitCode(t *testing.T) {
	d := &fakeDispatcher{stallNodes: map[string]bool{"n2": true}}
	m := &fakeMembership{
		nodes:    nodes("n1", "n2"),
		affinity: assign.Affinity{"n1": {"s1", "s2"}, "n2": {"s3", "s4"}},
	}
	cfg := testConfig()
	cfg.Retry.MaxAttempts = 1
	c := New(testMetastore(t, 4), m, d, nil, cfg, logger.Default())

	resp, err := c.Search(context.Background(), "logs", &search.Request{TimeoutMs: 150})
	if err != nil {
		t.Fatal(err)
	}

	// Splits that exhausted their attempts while the deadline was expired
	// surface the deadline, not a node fault.
	if len(resp.FailedSplits) != 2 {
		t.Fatalf("FailedSplits = %+v, want 2", resp.FailedSplits)
	}
	for _, f := range resp.FailedSplits {
		if f.Code != apperrors.CodeDeadlineExceeded {
			t.Errorf("split %s code = %s, want %s", f.SplitID, f.Code, apperrors.CodeDeadlineExceeded)
		}
	}
}
