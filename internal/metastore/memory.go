package metastore

import (
	"context"
	"sync"

	apperrors "github.com/grainsearch/grain-search/internal/pkg/errors"
)

// InMemory is an in-process metastore used in single-node mode and tests.
type InMemory struct {
	mu      sync.RWMutex
	indexes map[string]*IndexMetadata
	splits  map[string][]SplitMetadata
}

// NewInMemory creates an empty in-memory metastore.
func NewInMemory() *InMemory {
	return &InMemory{
		indexes: make(map[string]*IndexMetadata),
		splits:  make(map[string][]SplitMetadata),
	}
}

// AddIndex registers an index.
func (m *InMemory) AddIndex(meta IndexMetadata) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.indexes[meta.IndexID] = &meta
}

// AddSplits publishes splits for an index.
func (m *InMemory) AddSplits(indexID string, splits ...SplitMetadata) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.splits[indexID] = append(m.splits[indexID], splits...)
}

// ListSplits implements Metastore.
func (m *InMemory) ListSplits(ctx context.Context, indexID string, timeRange *TimeRange, tags []string) ([]SplitMetadata, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.indexes[indexID]; !ok {
		return nil, apperrors.NotFoundError("index")
	}
	return PruneSplits(m.splits[indexID], timeRange, tags), nil
}

// IndexMetadata implements Metastore.
func (m *InMemory) IndexMetadata(ctx context.Context, indexID string) (*IndexMetadata, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	meta, ok := m.indexes[indexID]
	if !ok {
		return nil, apperrors.NotFoundError("index")
	}
	cp := *meta
	return &cp, nil
}
