package engine

import (
	"reflect"
	"testing"

	"github.com/grainsearch/grain-search/internal/metastore"
	apperrors "github.com/grainsearch/grain-search/internal/pkg/errors"
	"github.com/grainsearch/grain-search/internal/search"
)

func testIndexMeta() *metastore.IndexMetadata {
	return &metastore.IndexMetadata{
		IndexID:        "logs",
		TimestampField: "ts",
		FieldTypes: map[string]string{
			"ts":       "i64",
			"severity": "text",
			"latency":  "f64",
			"message":  "text",
		},
	}
}

func TestBuildPlan_Valid(t *testing.T) {
	req := &search.Request{
		Query:     "Connection REFUSED",
		StartTime: 100,
		EndTime:   200,
		SortField: "latency",
		Order:     search.SortAsc,
		Offset:    10,
		Limit:     5,
		Aggs: map[string]search.AggSpec{
			"errors":    {Kind: "count"},
			"by_sev":    {Kind: "topn", Field: "severity"},
			"total_lat": {Kind: "sum", Field: "latency"},
		},
	}

	plan, err := BuildPlan(req, testIndexMeta(), PlanDefaults{DefaultLimit: 20, MaxWindow: 1000})
	if err != nil {
		t.Fatalf("BuildPlan() error: %v", err)
	}

	if !reflect.DeepEqual(plan.Terms, []string{"connection", "refused"}) {
		t.Errorf("Terms = %v", plan.Terms)
	}
	if plan.Window() != 15 {
		t.Errorf("Window() = %d, want 15", plan.Window())
	}
	if plan.TimeRange == nil || plan.TimeRange.Start != 100 || plan.TimeRange.End != 200 {
		t.Errorf("TimeRange = %+v", plan.TimeRange)
	}
	if plan.Aggs["by_sev"].N != 10 {
		t.Errorf("topn default N = %d, want 10", plan.Aggs["by_sev"].N)
	}
	if plan.TimestampField != "ts" {
		t.Errorf("TimestampField = %q", plan.TimestampField)
	}
}

func TestBuildPlan_Invalid(t *testing.T) {
	tests := []struct {
		name string
		req  *search.Request
	}{
		{"unknown sort field", &search.Request{SortField: "nope"}},
		{"text sort field", &search.Request{SortField: "message"}},
		{"negative offset", &search.Request{Offset: -1}},
		{"negative limit", &search.Request{Limit: -5}},
		{"window too large", &search.Request{Offset: 999, Limit: 5}},
		{"bad order", &search.Request{Order: "sideways"}},
		{"unknown filter field", &search.Request{Filters: map[string]string{"nope": "x"}}},
		{"inverted time range", &search.Request{StartTime: 200, EndTime: 100}},
		{"agg without field", &search.Request{Aggs: map[string]search.AggSpec{"a": {Kind: "sum"}}}},
		{"agg unknown kind", &search.Request{Aggs: map[string]search.AggSpec{"a": {Kind: "median", Field: "latency"}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := BuildPlan(tt.req, testIndexMeta(), PlanDefaults{DefaultLimit: 20, MaxWindow: 1000})
			if !apperrors.IsInvalidQuery(err) {
				t.Errorf("expected INVALID_QUERY, got %v", err)
			}
		})
	}
}

func TestBuildPlan_Defaults(t *testing.T) {
	plan, err := BuildPlan(&search.Request{Query: "x"}, testIndexMeta(), PlanDefaults{DefaultLimit: 20, MaxWindow: 1000})
	if err != nil {
		t.Fatalf("BuildPlan() error: %v", err)
	}
	if plan.Limit != 20 {
		t.Errorf("default limit = %d, want 20", plan.Limit)
	}
	if plan.Order != search.SortDesc {
		t.Errorf("default order = %q, want desc", plan.Order)
	}
	if plan.TimeRange != nil {
		t.Errorf("expected unbounded time range, got %+v", plan.TimeRange)
	}
}

func TestTokenize(t *testing.T) {
	tests := []struct {
		input string
		want  []string
	}{
		{"Hello, World!", []string{"hello", "world"}},
		{"err-42 timeout", []string{"err", "42", "timeout"}},
		{"", nil},
		{"   ", nil},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := Tokenize(tt.input); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Tokenize(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}
