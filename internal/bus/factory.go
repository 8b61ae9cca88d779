package bus

import (
	"context"
	"fmt"
	"strings"

	"github.com/grainsearch/grain-search/internal/config"
	"github.com/grainsearch/grain-search/internal/pkg/errors"
	"github.com/grainsearch/grain-search/internal/pkg/logger"
)

// NewBus creates a Bus instance based on the configuration.
func NewBus(cfg config.BusConfig, log *logger.Logger) (Bus, error) {
	switch strings.ToLower(cfg.Type) {
	case "memory", "":
		return NewMemoryBus(log), nil

	case "kafka":
		brokers := ParseKafkaBrokers(cfg.KafkaBrokers)
		if len(brokers) == 0 {
			return nil, errors.New(errors.CodeValidation, "kafka brokers not configured")
		}
		return NewKafkaBus(KafkaConfig{Brokers: brokers}, log)

	case "none":
		return NopBus{}, nil

	default:
		return nil, errors.New(errors.CodeValidation, fmt.Sprintf("unknown bus type: %s", cfg.Type))
	}
}

// NopBus discards every event. Used when eventing is disabled.
type NopBus struct{}

// Publish drops the event.
func (NopBus) Publish(ctx context.Context, topic string, event Event) error { return nil }

// Subscribe registers nothing; no events will ever arrive.
func (NopBus) Subscribe(ctx context.Context, topic string, handler Handler) error { return nil }

// Close is a no-op.
func (NopBus) Close() error { return nil }
