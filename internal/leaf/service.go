package leaf

import (
	"context"
	"time"

	"github.com/grainsearch/grain-search/internal/cluster"
	apperrors "github.com/grainsearch/grain-search/internal/pkg/errors"
	"github.com/grainsearch/grain-search/internal/pkg/logger"
	"github.com/grainsearch/grain-search/internal/search"
)

// Service adapts the coordinator to the node-to-node stream contract: one
// request in, one result per split out.
type Service struct {
	coord *Coordinator
	log   *logger.Logger
}

// NewService wraps a coordinator for serving peers.
func NewService(coord *Coordinator, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Default()
	}
	return &Service{coord: coord, log: log}
}

// Search executes the request and streams each split's result as it
// completes. The root's absolute deadline, when present, caps the stream
// context so every node races the same clock.
func (s *Service) Search(ctx context.Context, req *cluster.LeafRequest, send func(*search.LeafResult) error) error {
	if req.Plan == nil {
		return apperrors.ValidationError("leaf request has no plan")
	}
	ctx = logger.ContextWithQueryID(ctx, req.QueryID)
	if req.DeadlineUnixMs > 0 {
		deadline := time.UnixMilli(req.DeadlineUnixMs)
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	}

	log := s.log.WithContext(ctx).WithIndex(req.IndexID)
	log.Debug("leaf search started", "splits", len(req.Splits))

	// A broken stream cancels the remaining splits; their results would
	// have nowhere to go.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var sendErr error
	s.coord.Search(ctx, req.Splits, req.Plan, func(res search.LeafResult) {
		if sendErr != nil {
			return
		}
		if err := send(&res); err != nil {
			sendErr = err
			cancel()
		}
	})

	if sendErr != nil {
		log.WithError(sendErr).Warn("leaf stream broken")
		return sendErr
	}
	log.Debug("leaf search finished")
	return nil
}
