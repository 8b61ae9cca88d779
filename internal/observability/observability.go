// Package observability keeps a bounded in-memory log of recent queries
// for inspection through the HTTP API.
package observability

import (
	"sync"
	"time"

	"github.com/grainsearch/grain-search/internal/pkg/logger"
)

// QueryLogEntry records one executed query.
type QueryLogEntry struct {
	Timestamp    time.Time `json:"timestamp"`
	QueryID      string    `json:"query_id"`
	IndexID      string    `json:"index_id"`
	Query        string    `json:"query"`
	Status       string    `json:"status"`
	FailedSplits int       `json:"failed_splits"`
	TotalMatches uint64    `json:"total_matches"`
	CountExact   bool      `json:"count_exact"`
	LatencyMs    int64     `json:"latency_ms"`
}

// Summary aggregates the retained query log.
type Summary struct {
	Total        uint64  `json:"total"`
	Failed       uint64  `json:"failed"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
}

// Service retains the most recent queries.
type Service struct {
	mu       sync.RWMutex
	queryLog []QueryLogEntry
	maxLogs  int
	log      *logger.Logger

	total        uint64
	failed       uint64
	totalLatency int64
}

// NewService creates a query log service.
func NewService(log *logger.Logger) *Service {
	if log == nil {
		log = logger.Default()
	}
	return &Service{
		queryLog: make([]QueryLogEntry, 0, 1024),
		maxLogs:  10000,
		log:      log,
	}
}

// Record appends a query to the log.
func (s *Service) Record(entry QueryLogEntry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.queryLog = append(s.queryLog, entry)
	if len(s.queryLog) > s.maxLogs {
		// Drop the oldest 10% to amortize resize cost.
		removeCount := s.maxLogs / 10
		s.queryLog = s.queryLog[removeCount:]
	}

	s.total++
	if entry.Status != "ok" {
		s.failed++
	}
	s.totalLatency += entry.LatencyMs
}

// Recent returns up to n entries, newest first.
func (s *Service) Recent(n int) []QueryLogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if n <= 0 || n > len(s.queryLog) {
		n = len(s.queryLog)
	}

	out := make([]QueryLogEntry, n)
	for i := 0; i < n; i++ {
		out[i] = s.queryLog[len(s.queryLog)-1-i]
	}
	return out
}

// Summary returns aggregate statistics over all recorded queries, including
// ones that have since rotated out of the retained log.
func (s *Service) Summary() Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sum := Summary{Total: s.total, Failed: s.failed}
	if s.total > 0 {
		sum.AvgLatencyMs = float64(s.totalLatency) / float64(s.total)
	}
	return sum
}
