package assign

import (
	"fmt"
	"math/rand"
	"reflect"
	"sort"
	"testing"

	"github.com/grainsearch/grain-search/internal/metastore"
	apperrors "github.com/grainsearch/grain-search/internal/pkg/errors"
)

func makeSplits(n int) []metastore.SplitMetadata {
	splits := make([]metastore.SplitMetadata, n)
	for i := range splits {
		splits[i] = metastore.SplitMetadata{SplitID: fmt.Sprintf("split-%03d", i), IndexID: "logs"}
	}
	return splits
}

func assignedSplits(t *testing.T, a Assignment) []string {
	t.Helper()
	var all []string
	for _, ids := range a {
		all = append(all, ids...)
	}
	sort.Strings(all)
	for i := 1; i < len(all); i++ {
		if all[i] == all[i-1] {
			t.Fatalf("split %s assigned more than once", all[i])
		}
	}
	return all
}

func TestPlanNoNodes(t *testing.T) {
	_, err := Plan(makeSplits(3), nil, nil)
	if err == nil {
		t.Fatal("expected error for empty node list")
	}
	if apperrors.Code(err) != apperrors.CodeNoAvailableNodes {
		t.Errorf("code = %s, want %s", apperrors.Code(err), apperrors.CodeNoAvailableNodes)
	}
}

func TestPlanCoversEverySplit(t *testing.T) {
	splits := makeSplits(17)
	a, err := Plan(splits, []string{"n1", "n2", "n3"}, nil)
	if err != nil {
		t.Fatal(err)
	}

	all := assignedSplits(t, a)
	if len(all) != len(splits) {
		t.Fatalf("assigned %d splits, want %d", len(all), len(splits))
	}
}

func TestPlanSingleNode(t *testing.T) {
	a, err := Plan(makeSplits(5), []string{"solo"}, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(a) != 1 || len(a["solo"]) != 5 {
		t.Errorf("assignment = %+v, want all 5 splits on solo", a)
	}
}

func TestPlanDeterministic(t *testing.T) {
	splits := makeSplits(30)
	nodes := []string{"n1", "n2", "n3", "n4"}
	affinity := Affinity{
		"n2": {"split-001", "split-005"},
		"n4": {"split-010"},
	}

	want, err := Plan(splits, nodes, affinity)
	if err != nil {
		t.Fatal(err)
	}

	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 20; trial++ {
		shuffledSplits := append([]metastore.SplitMetadata(nil), splits...)
		rng.Shuffle(len(shuffledSplits), func(i, j int) {
			shuffledSplits[i], shuffledSplits[j] = shuffledSplits[j], shuffledSplits[i]
		})
		shuffledNodes := append([]string(nil), nodes...)
		rng.Shuffle(len(shuffledNodes), func(i, j int) {
			shuffledNodes[i], shuffledNodes[j] = shuffledNodes[j], shuffledNodes[i]
		})

		got, err := Plan(shuffledSplits, shuffledNodes, affinity)
		if err != nil {
			t.Fatal(err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Fatalf("trial %d: plan differs under input reordering:\ngot  %+v\nwant %+v", trial, got, want)
		}
	}
}

func TestPlanPrefersAffinity(t *testing.T) {
	splits := makeSplits(3)
	nodes := []string{"n1", "n2", "n3"}
	affinity := Affinity{"n2": {"split-000", "split-001", "split-002"}}

	a, err := Plan(splits, nodes, affinity)
	if err != nil {
		t.Fatal(err)
	}

	// Three splits over three nodes gives a per-node ceiling of one, so
	// only one of the advertised splits can stay on n2; the point is that
	// at least its share lands there.
	if len(a["n2"]) == 0 {
		t.Errorf("n2 advertises every split but got none: %+v", a)
	}

	// With room to spare, all advertised splits stay put.
	a, err = Plan(splits[:1], nodes, affinity)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(a["n2"], []string{"split-000"}) {
		t.Errorf("assignment = %+v, want split-000 on n2", a)
	}
}

func TestPlanBalanced(t *testing.T) {
	tests := []struct {
		name     string
		splits   int
		nodes    []string
		affinity Affinity
	}{
		{"even", 12, []string{"n1", "n2", "n3"}, nil},
		{"uneven", 10, []string{"n1", "n2", "n3"}, nil},
		{"hot node", 10, []string{"n1", "n2"}, Affinity{"n1": sortedIDs(10)}},
		{"more nodes than splits", 2, []string{"n1", "n2", "n3", "n4", "n5"}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			splits := makeSplits(tt.splits)
			a, err := Plan(splits, tt.nodes, tt.affinity)
			if err != nil {
				t.Fatal(err)
			}
			if got := len(assignedSplits(t, a)); got != tt.splits {
				t.Fatalf("assigned %d splits, want %d", got, tt.splits)
			}

			maxLoad := (tt.splits + len(tt.nodes) - 1) / len(tt.nodes)
			for node, ids := range a {
				if len(ids) > maxLoad {
					t.Errorf("node %s carries %d splits, ceiling is %d", node, len(ids), maxLoad)
				}
			}
		})
	}
}

func sortedIDs(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("split-%03d", i)
	}
	return ids
}
