package merge

import (
	"fmt"
	"math/rand"
	"reflect"
	"sort"
	"testing"

	"github.com/grainsearch/grain-search/internal/search"
)

// referenceMerge is the obviously-correct oracle: concatenate every partial
// hit, fully sort, apply the window.
func referenceMerge(results []search.LeafResult, order search.SortOrder, offset, limit int) []search.PartialHit {
	var all []search.PartialHit
	for _, r := range results {
		all = append(all, r.Hits...)
	}
	sort.Slice(all, func(i, j int) bool {
		return all[i].Less(&all[j], order)
	})
	if offset < len(all) {
		all = all[offset:]
	} else {
		all = nil
	}
	if len(all) > limit {
		all = all[:limit]
	}
	return all
}

func randomLeafResults(rng *rand.Rand, numLeaves, hitsPerLeaf int, order search.SortOrder, window int) []search.LeafResult {
	results := make([]search.LeafResult, numLeaves)
	for l := 0; l < numLeaves; l++ {
		hits := make([]search.PartialHit, hitsPerLeaf)
		for i := range hits {
			hits[i] = search.PartialHit{
				// Coarse values force ties, exercising the tie-break.
				SortValue: float64(rng.Intn(10)),
				SplitID:   fmt.Sprintf("split-%d", l),
				DocID:     uint32(i),
			}
		}
		// Leaves deliver locally sorted, window-bounded hits.
		sort.Slice(hits, func(i, j int) bool {
			return hits[i].Less(&hits[j], order)
		})
		if len(hits) > window {
			hits = hits[:window]
		}
		results[l] = search.LeafResult{Hits: hits, NumMatches: uint64(hitsPerLeaf)}
	}
	return results
}

func mergeAll(results []search.LeafResult, order search.SortOrder, offset, limit int) *Result {
	m := New(order, offset, limit, nil)
	for _, r := range results {
		m.Push(r)
	}
	return m.Finish()
}

func TestMerger_MatchesReference(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	for trial := 0; trial < 200; trial++ {
		order := search.SortDesc
		if trial%2 == 1 {
			order = search.SortAsc
		}
		offset := rng.Intn(8)
		limit := 1 + rng.Intn(8)
		numLeaves := 1 + rng.Intn(5)
		hitsPerLeaf := rng.Intn(20)

		results := randomLeafResults(rng, numLeaves, hitsPerLeaf, order, offset+limit)

		got := mergeAll(results, order, offset, limit)
		want := referenceMerge(results, order, offset, limit)

		if len(got.Hits) != len(want) {
			t.Fatalf("trial %d: got %d hits, reference %d", trial, len(got.Hits), len(want))
		}
		for i := range want {
			w := want[i]
			g := got.Hits[i]
			if g.SortValue != w.SortValue || g.SplitID != w.SplitID || g.DocID != w.DocID {
				t.Fatalf("trial %d: hit %d mismatch: got %+v, want %+v", trial, i, g, w)
			}
		}
	}
}

func TestMerger_ArrivalOrderInsensitive(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	results := randomLeafResults(rng, 4, 15, search.SortDesc, 10)

	baseline := mergeAll(results, search.SortDesc, 2, 8)

	for trial := 0; trial < 20; trial++ {
		shuffled := make([]search.LeafResult, len(results))
		copy(shuffled, results)
		rng.Shuffle(len(shuffled), func(i, j int) {
			shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
		})

		got := mergeAll(shuffled, search.SortDesc, 2, 8)
		if !reflect.DeepEqual(got.Hits, baseline.Hits) {
			t.Fatalf("trial %d: merge depends on arrival order", trial)
		}
		if got.TotalMatches != baseline.TotalMatches {
			t.Fatalf("trial %d: total depends on arrival order", trial)
		}
	}
}

// Scenario from the design: window offset=10 limit=5 across 4 leaves each
// returning 12 locally sorted hits must produce exactly the 11th-15th
// globally ranked hits.
func TestMerger_WindowScenario(t *testing.T) {
	var all []search.PartialHit
	results := make([]search.LeafResult, 4)
	for l := 0; l < 4; l++ {
		hits := make([]search.PartialHit, 12)
		for i := range hits {
			hits[i] = search.PartialHit{
				SortValue: float64(1000 - (l*12 + i)),
				SplitID:   fmt.Sprintf("split-%d", l),
				DocID:     uint32(i),
			}
		}
		sort.Slice(hits, func(i, j int) bool { return hits[i].Less(&hits[j], search.SortDesc) })
		results[l] = search.LeafResult{Hits: hits}
		all = append(all, hits...)
	}

	got := mergeAll(results, search.SortDesc, 10, 5)

	if len(got.Hits) != 5 {
		t.Fatalf("expected exactly 5 hits, got %d", len(got.Hits))
	}

	sort.Slice(all, func(i, j int) bool { return all[i].Less(&all[j], search.SortDesc) })
	for i := 0; i < 5; i++ {
		want := all[10+i]
		if got.Hits[i].SortValue != want.SortValue {
			t.Errorf("hit %d: sort value %v, want %v (global rank %d)", i, got.Hits[i].SortValue, want.SortValue, 11+i)
		}
	}
}

func TestMerger_TotalAndExactness(t *testing.T) {
	m := New(search.SortDesc, 0, 10, nil)
	m.Push(search.LeafResult{NumMatches: 40})
	m.Push(search.LeafResult{NumMatches: 2})
	res := m.Finish()

	if res.TotalMatches != 42 {
		t.Errorf("TotalMatches = %d, want 42", res.TotalMatches)
	}
	if !res.CountExact {
		t.Error("CountExact should be true without failures")
	}

	m = New(search.SortDesc, 0, 10, nil)
	m.Push(search.LeafResult{NumMatches: 40})
	m.Push(search.LeafResult{
		NumMatches: 5,
		Failures:   []search.SplitFailure{{SplitID: "s9", Code: "SPLIT_UNAVAILABLE"}},
	})
	res = m.Finish()

	if res.CountExact {
		t.Error("CountExact should be false when a split failed")
	}
	if len(res.Failures) != 1 || res.Failures[0].SplitID != "s9" {
		t.Errorf("Failures = %v", res.Failures)
	}
}

func TestCombinePartials_PermutationInvariant(t *testing.T) {
	rng := rand.New(rand.NewSource(3))

	kinds := []string{"sum", "count", "min", "max", "topn"}
	for _, kind := range kinds {
		t.Run(kind, func(t *testing.T) {
			partials := make([]search.AggPartial, 6)
			for i := range partials {
				p := search.AggPartial{Kind: kind}
				switch kind {
				case "topn":
					p.Buckets = map[string]uint64{}
					for b := 0; b < 3; b++ {
						p.Buckets[fmt.Sprintf("key-%d", rng.Intn(5))] += uint64(rng.Intn(10))
					}
				default:
					if rng.Intn(4) > 0 { // leave some partials empty
						p.Value = float64(rng.Intn(100))
						p.Count = uint64(1 + rng.Intn(10))
					}
				}
				partials[i] = p
			}

			combine := func(order []int) search.AggPartial {
				acc := partials[order[0]]
				for _, idx := range order[1:] {
					acc = CombinePartials(acc, partials[idx])
				}
				return acc
			}

			base := combine([]int{0, 1, 2, 3, 4, 5})
			for trial := 0; trial < 20; trial++ {
				order := rng.Perm(len(partials))
				got := combine(order)
				if !reflect.DeepEqual(Finalize(got, search.AggSpec{Kind: kind, N: 5}),
					Finalize(base, search.AggSpec{Kind: kind, N: 5})) {
					t.Fatalf("combine order %v changed the result", order)
				}
			}
		})
	}
}

func TestFinalize_TopNTruncation(t *testing.T) {
	partial := search.AggPartial{
		Kind: "topn",
		Buckets: map[string]uint64{
			"a": 5, "b": 9, "c": 2, "d": 9, "e": 1,
		},
	}

	result := Finalize(partial, search.AggSpec{Kind: "topn", N: 3})

	want := []search.BucketCount{{Key: "b", Count: 9}, {Key: "d", Count: 9}, {Key: "a", Count: 5}}
	if !reflect.DeepEqual(result.Buckets, want) {
		t.Errorf("Buckets = %v, want %v", result.Buckets, want)
	}
}

func TestMerger_OffsetBeyondResults(t *testing.T) {
	m := New(search.SortDesc, 100, 10, nil)
	m.Push(search.LeafResult{Hits: []search.PartialHit{{SortValue: 1, SplitID: "s", DocID: 0}}, NumMatches: 1})
	res := m.Finish()

	if len(res.Hits) != 0 {
		t.Errorf("expected no hits past the result set, got %d", len(res.Hits))
	}
	if res.TotalMatches != 1 {
		t.Errorf("TotalMatches = %d, want 1", res.TotalMatches)
	}
}
