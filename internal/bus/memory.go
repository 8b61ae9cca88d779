package bus

import (
	"context"
	"sync"
	"time"

	"github.com/grainsearch/grain-search/internal/pkg/errors"
	"github.com/grainsearch/grain-search/internal/pkg/logger"
)

// MemoryBus is an in-process event bus using goroutine fan-out. It is the
// default for single-node deployments and tests.
type MemoryBus struct {
	log *logger.Logger

	mu       sync.RWMutex
	handlers map[string][]Handler
	closed   bool

	// Tracks in-flight handlers for graceful shutdown.
	inflightWg sync.WaitGroup
}

// NewMemoryBus creates a new in-memory event bus.
func NewMemoryBus(log *logger.Logger) *MemoryBus {
	if log == nil {
		log = logger.Default()
	}
	return &MemoryBus{
		log:      log,
		handlers: make(map[string][]Handler),
	}
}

// Publish delivers the event to every subscriber of the topic. Handlers run
// on their own goroutines; a failing handler never fails the publish.
func (b *MemoryBus) Publish(ctx context.Context, topic string, event Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return errors.New(errors.CodeUnavailable, "bus is closed")
	}

	for _, handler := range b.handlers[topic] {
		b.inflightWg.Add(1)
		go func(h Handler) {
			defer b.inflightWg.Done()
			if err := h(ctx, event); err != nil {
				b.log.Warn("bus handler error", "topic", topic, "error", err.Error())
			}
		}(handler)
	}
	return nil
}

// Subscribe registers a handler for events on a topic.
func (b *MemoryBus) Subscribe(ctx context.Context, topic string, handler Handler) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return errors.New(errors.CodeUnavailable, "bus is closed")
	}
	b.handlers[topic] = append(b.handlers[topic], handler)
	return nil
}

// Close closes the bus, waiting briefly for in-flight handlers.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.inflightWg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		b.log.Warn("bus drain timeout reached, some handlers may not have completed")
	}

	b.mu.Lock()
	b.handlers = nil
	b.mu.Unlock()
	return nil
}

// DrainTimeout waits for in-flight handlers to complete with a custom
// timeout, reporting whether everything drained.
func (b *MemoryBus) DrainTimeout(timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		b.inflightWg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
