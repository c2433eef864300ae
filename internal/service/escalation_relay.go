package service

import (
	"context"
	"fmt"

	"github.com/kursadbilgin/delivery-guard/internal/notify"
	"github.com/kursadbilgin/delivery-guard/internal/queue"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// EscalationForwarder delivers one escalation and reports failure so the
// broker can redeliver it.
type EscalationForwarder interface {
	Post(ctx context.Context, event notify.Event) error
}

// EscalationRelay drains the escalation queue into the operator channel.
type EscalationRelay struct {
	consumer    queue.Consumer
	forwarder   EscalationForwarder
	concurrency int
	logger      *zap.Logger
}

func NewEscalationRelay(
	consumer queue.Consumer,
	forwarder EscalationForwarder,
	concurrency int,
	logger *zap.Logger,
) (*EscalationRelay, error) {
	if consumer == nil {
		return nil, fmt.Errorf("consumer is required")
	}
	if forwarder == nil {
		return nil, fmt.Errorf("escalation forwarder is required")
	}
	if concurrency < 1 {
		concurrency = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &EscalationRelay{
		consumer:    consumer,
		forwarder:   forwarder,
		concurrency: concurrency,
		logger:      logger,
	}, nil
}

// Start consumes escalations until ctx is cancelled.
func (r *EscalationRelay) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	g, groupCtx := errgroup.WithContext(ctx)
	for i := 0; i < r.concurrency; i++ {
		workerID := i + 1
		g.Go(func() error {
			r.logger.Info("escalation relay worker started", zap.Int("workerId", workerID))
			err := r.consumer.Consume(groupCtx, queue.EscalationQueue, r.handle)
			if err != nil {
				r.logger.Error("escalation relay worker stopped with error",
					zap.Int("workerId", workerID),
					zap.Error(err),
				)
				return err
			}
			r.logger.Info("escalation relay worker stopped", zap.Int("workerId", workerID))
			return nil
		})
	}

	return g.Wait()
}

func (r *EscalationRelay) handle(ctx context.Context, msg queue.EscalationMessage) error {
	if err := r.forwarder.Post(ctx, notify.FromMessage(msg)); err != nil {
		return fmt.Errorf("failed to forward escalation %s: %w", msg.ID, err)
	}
	r.logger.Debug("escalation forwarded",
		zap.String("escalationId", msg.ID),
		zap.String("kind", msg.Kind),
	)
	return nil
}
