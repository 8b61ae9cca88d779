package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/grainsearch/grain-search/internal/metastore"
	"github.com/grainsearch/grain-search/internal/search"
	"github.com/grainsearch/grain-search/internal/storage"
)

// SplitFooter is the footer of the reference split format: a JSON document
// at the footer offsets pointing at the document body.
type SplitFooter struct {
	NumDocs   uint64 `json:"num_docs"`
	BodyStart uint64 `json:"body_start"`
	BodyEnd   uint64 `json:"body_end"`
}

// MemEngine is the built-in reference engine. Splits are JSON-lines document
// sets materialized wholly in memory; scoring is term frequency. It serves
// single-node deployments and tests; production setups plug in a real engine
// behind the same interface.
type MemEngine struct{}

// NewMemEngine creates the reference engine.
func NewMemEngine() *MemEngine {
	return &MemEngine{}
}

// OpenSplit implements Engine.
func (e *MemEngine) OpenSplit(ctx context.Context, split metastore.SplitMetadata, footer []byte, fetch storage.RangeFetcher) (SplitSearcher, error) {
	var f SplitFooter
	if err := json.Unmarshal(bytes.TrimRight(footer, "\x00"), &f); err != nil {
		return nil, fmt.Errorf("parsing footer of split %s: %w", split.SplitID, err)
	}
	if f.BodyEnd <= f.BodyStart {
		return nil, fmt.Errorf("split %s footer has invalid body range [%d, %d)", split.SplitID, f.BodyStart, f.BodyEnd)
	}

	body, err := fetch(ctx, f.BodyStart, f.BodyEnd)
	if err != nil {
		return nil, fmt.Errorf("fetching body of split %s: %w", split.SplitID, err)
	}

	var docs []map[string]any
	for _, line := range bytes.Split(body, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		var doc map[string]any
		if err := json.Unmarshal(line, &doc); err != nil {
			return nil, fmt.Errorf("parsing document %d of split %s: %w", len(docs), split.SplitID, err)
		}
		docs = append(docs, doc)
	}

	return &memSearcher{
		splitID: split.SplitID,
		docs:    docs,
		bytes:   uint64(len(body)),
	}, nil
}

type memSearcher struct {
	splitID string
	docs    []map[string]any
	bytes   uint64
}

// Search implements SplitSearcher. Document order is fixed at open time, so
// repeated execution of the same plan is deterministic.
func (s *memSearcher) Search(ctx context.Context, plan *Plan) (*SplitResult, error) {
	result := &SplitResult{
		NumDocs: uint64(len(s.docs)),
	}
	if len(plan.Aggs) > 0 {
		result.Aggs = make(map[string]search.AggPartial, len(plan.Aggs))
		for name, spec := range plan.Aggs {
			partial := search.AggPartial{Kind: spec.Kind}
			if spec.Kind == AggTopN {
				partial.Buckets = make(map[string]uint64)
			}
			result.Aggs[name] = partial
		}
	}

	var hits []search.PartialHit
	for docID, doc := range s.docs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		score, match := s.matches(doc, plan)
		if !match {
			continue
		}
		result.NumMatches++

		sortValue := score
		if plan.SortField != "" {
			v, ok := numericField(doc, plan.SortField)
			if !ok {
				// Documents missing the sort field rank last. Finite
				// sentinels, infinities would not survive JSON transport.
				v = -math.MaxFloat64
				if plan.Order == search.SortAsc {
					v = math.MaxFloat64
				}
			}
			sortValue = v
		}

		hits = append(hits, search.PartialHit{
			SortValue: sortValue,
			SplitID:   s.splitID,
			DocID:     uint32(docID),
			Fields:    doc,
		})

		for name, spec := range plan.Aggs {
			partial := result.Aggs[name]
			accumulate(&partial, spec, doc)
			result.Aggs[name] = partial
		}
	}

	sort.Slice(hits, func(i, j int) bool {
		return hits[i].Less(&hits[j], plan.Order)
	})
	if window := plan.Window(); len(hits) > window {
		hits = hits[:window]
	}
	for i := range hits {
		hits[i].Seq = uint32(i)
	}
	result.Hits = hits

	return result, nil
}

// NumBytes implements SplitSearcher.
func (s *memSearcher) NumBytes() uint64 {
	return s.bytes
}

// Close implements SplitSearcher.
func (s *memSearcher) Close() error {
	return nil
}

// matches applies filters, the time range, and term scoring. A zero score
// with a non-empty term list is a non-match.
func (s *memSearcher) matches(doc map[string]any, plan *Plan) (float64, bool) {
	for field, want := range plan.Filters {
		got, ok := doc[field]
		if !ok {
			return 0, false
		}
		if fmt.Sprintf("%v", got) != want {
			return 0, false
		}
	}

	if plan.TimeRange != nil && plan.TimestampField != "" {
		ts, ok := numericField(doc, plan.TimestampField)
		if !ok {
			return 0, false
		}
		t := int64(ts)
		if t < plan.TimeRange.Start || t > plan.TimeRange.End {
			return 0, false
		}
	}

	if len(plan.Terms) == 0 {
		return 0, true
	}

	tf := make(map[string]int)
	for _, v := range doc {
		str, ok := v.(string)
		if !ok {
			continue
		}
		for _, term := range Tokenize(str) {
			tf[term]++
		}
	}

	var score float64
	for _, term := range plan.Terms {
		score += float64(tf[term])
	}
	return score, score > 0
}

func accumulate(partial *search.AggPartial, spec search.AggSpec, doc map[string]any) {
	switch spec.Kind {
	case AggCount:
		partial.Count++
	case AggSum:
		if v, ok := numericField(doc, spec.Field); ok {
			partial.Value += v
			partial.Count++
		}
	case AggMin:
		if v, ok := numericField(doc, spec.Field); ok {
			// Count==0 means no value seen yet; infinities would not
			// survive JSON transport.
			if partial.Count == 0 || v < partial.Value {
				partial.Value = v
			}
			partial.Count++
		}
	case AggMax:
		if v, ok := numericField(doc, spec.Field); ok {
			if partial.Count == 0 || v > partial.Value {
				partial.Value = v
			}
			partial.Count++
		}
	case AggTopN:
		if v, ok := doc[spec.Field]; ok {
			key := strings.TrimSpace(fmt.Sprintf("%v", v))
			if key != "" {
				partial.Buckets[key]++
			}
		}
	}
}

func numericField(doc map[string]any, field string) (float64, bool) {
	switch v := doc[field].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// EncodeSplit serializes documents into the reference split format and
// returns the file bytes plus the metadata offsets a metastore entry needs.
// Dev tooling and tests use it to materialize splits.
func EncodeSplit(docs []map[string]any) (data []byte, footer SplitFooter, err error) {
	var body bytes.Buffer
	for _, doc := range docs {
		line, err := json.Marshal(doc)
		if err != nil {
			return nil, SplitFooter{}, err
		}
		body.Write(line)
		body.WriteByte('\n')
	}

	footer = SplitFooter{
		NumDocs:   uint64(len(docs)),
		BodyStart: 0,
		BodyEnd:   uint64(body.Len()),
	}
	footerBytes, err := json.Marshal(footer)
	if err != nil {
		return nil, SplitFooter{}, err
	}

	data = append(body.Bytes(), footerBytes...)
	return data, footer, nil
}
