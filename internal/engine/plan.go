package engine

import (
	"fmt"
	"math"
	"strings"
	"unicode"

	"github.com/grainsearch/grain-search/internal/metastore"
	apperrors "github.com/grainsearch/grain-search/internal/pkg/errors"
	"github.com/grainsearch/grain-search/internal/search"
)

// Aggregation kinds.
const (
	AggSum   = "sum"
	AggCount = "count"
	AggMin   = "min"
	AggMax   = "max"
	AggTopN  = "topn"
)

// Plan is a validated, immutable query plan. It is built once by the root
// coordinator and shipped unchanged to every leaf.
type Plan struct {
	// IndexID is the target index.
	IndexID string `json:"index_id"`

	// Terms are the normalized free-text query terms. Empty means
	// match-all.
	Terms []string `json:"terms,omitempty"`

	// Filters are exact-match field filters.
	Filters map[string]string `json:"filters,omitempty"`

	// TimeRange bounds matching documents by the index timestamp field.
	TimeRange *metastore.TimeRange `json:"time_range,omitempty"`

	// TimestampField is the index's timestamp field name.
	TimestampField string `json:"timestamp_field,omitempty"`

	// Tags restrict which splits are searched.
	Tags []string `json:"tags,omitempty"`

	// SortField is the sort key field; empty means relevance score.
	SortField string `json:"sort_field,omitempty"`

	// Order is the sort direction.
	Order search.SortOrder `json:"order"`

	// Offset and Limit define the requested result window.
	Offset int `json:"offset"`
	Limit  int `json:"limit"`

	// Aggs maps aggregation names to specifications.
	Aggs map[string]search.AggSpec `json:"aggs,omitempty"`
}

// Window returns the number of hits each leaf must retain: the requested
// window measured from rank zero.
func (p *Plan) Window() int {
	return p.Offset + p.Limit
}

// PlanDefaults carries the server-side bounds applied while building a plan.
type PlanDefaults struct {
	DefaultLimit int
	MaxWindow    int
}

// BuildPlan validates a request against the index metadata and produces an
// immutable plan. All validation failures are INVALID_QUERY and happen
// before any dispatch.
func BuildPlan(req *search.Request, meta *metastore.IndexMetadata, defaults PlanDefaults) (*Plan, error) {
	limit := req.Limit
	if limit == 0 {
		limit = defaults.DefaultLimit
	}
	if limit < 0 {
		return nil, apperrors.InvalidQueryError("limit must not be negative")
	}
	if req.Offset < 0 {
		return nil, apperrors.InvalidQueryError("offset must not be negative")
	}
	if defaults.MaxWindow > 0 && req.Offset+limit > defaults.MaxWindow {
		return nil, apperrors.InvalidQueryError(
			fmt.Sprintf("result window %d exceeds maximum %d", req.Offset+limit, defaults.MaxWindow))
	}

	order := req.Order
	switch order {
	case "":
		order = search.SortDesc
	case search.SortAsc, search.SortDesc:
	default:
		return nil, apperrors.InvalidQueryError(fmt.Sprintf("invalid sort order %q", req.Order))
	}

	sortField := req.SortField
	if sortField == "" {
		sortField = meta.DefaultSortField
	}
	if sortField != "" {
		fieldType, ok := meta.FieldTypes[sortField]
		if !ok {
			return nil, apperrors.InvalidQueryError(fmt.Sprintf("unknown sort field %q", sortField))
		}
		if fieldType != "i64" && fieldType != "f64" {
			return nil, apperrors.InvalidQueryError(
				fmt.Sprintf("sort field %q has non-sortable type %q", sortField, fieldType))
		}
	}

	if len(meta.FieldTypes) > 0 {
		for field := range req.Filters {
			if _, ok := meta.FieldTypes[field]; !ok {
				return nil, apperrors.InvalidQueryError(fmt.Sprintf("unknown filter field %q", field))
			}
		}
	}

	aggs := make(map[string]search.AggSpec, len(req.Aggs))
	for name, spec := range req.Aggs {
		switch spec.Kind {
		case AggCount:
		case AggSum, AggMin, AggMax, AggTopN:
			if spec.Field == "" {
				return nil, apperrors.InvalidQueryError(
					fmt.Sprintf("aggregation %q of kind %q requires a field", name, spec.Kind))
			}
		default:
			return nil, apperrors.InvalidQueryError(
				fmt.Sprintf("aggregation %q has unknown kind %q", name, spec.Kind))
		}
		if spec.Kind == AggTopN && spec.N <= 0 {
			spec.N = 10
		}
		aggs[name] = spec
	}
	if len(aggs) == 0 {
		aggs = nil
	}

	var timeRange *metastore.TimeRange
	if req.StartTime != 0 || req.EndTime != 0 {
		start := req.StartTime
		end := req.EndTime
		if end == 0 {
			end = math.MaxInt64
		}
		if end < start {
			return nil, apperrors.InvalidQueryError("end_time precedes start_time")
		}
		timeRange = &metastore.TimeRange{Start: start, End: end}
	}

	return &Plan{
		IndexID:        meta.IndexID,
		Terms:          Tokenize(req.Query),
		Filters:        req.Filters,
		TimeRange:      timeRange,
		TimestampField: meta.TimestampField,
		Tags:           req.Tags,
		SortField:      sortField,
		Order:          order,
		Offset:         req.Offset,
		Limit:          limit,
		Aggs:           aggs,
	}, nil
}

// Tokenize normalizes free text into lowercase terms, splitting on anything
// that is not a letter or digit.
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	if len(fields) == 0 {
		return nil
	}
	return fields
}
