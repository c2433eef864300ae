package notify

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultAsyncWorkers = 4
	defaultAsyncTimeout = 15 * time.Second
)

var _ Sink = (*AsyncSink)(nil)

// AsyncSink runs escalations on a bounded set of goroutines. When every slot
// is busy the event skips next and is written synchronously to the error log,
// so the caller never blocks and the operator record is never lost.
type AsyncSink struct {
	next     Sink
	overflow Sink
	slots    chan struct{}
	timeout  time.Duration
	logger   *zap.Logger
	wg       sync.WaitGroup
}

func NewAsyncSink(next Sink, workers int, timeout time.Duration, logger *zap.Logger) *AsyncSink {
	if next == nil {
		next = Nop()
	}
	if workers <= 0 {
		workers = defaultAsyncWorkers
	}
	if timeout <= 0 {
		timeout = defaultAsyncTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AsyncSink{
		next:     next,
		overflow: NewLogSink(logger, nil),
		slots:    make(chan struct{}, workers),
		timeout:  timeout,
		logger:   logger,
	}
}

func (s *AsyncSink) Escalate(ctx context.Context, event Event) {
	event = event.withDefaults()

	select {
	case s.slots <- struct{}{}:
	default:
		s.logger.Warn("escalation workers busy, writing event to log only",
			zap.String("escalationId", event.ID),
			zap.String("kind", string(event.Kind)),
		)
		s.overflow.Escalate(ctx, event)
		return
	}

	// Detach from the caller so a finished request does not cancel delivery.
	detached := context.WithoutCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { <-s.slots }()
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("escalation sink panicked", zap.Any("panic", r))
			}
		}()

		callCtx, cancel := context.WithTimeout(detached, s.timeout)
		defer cancel()
		s.next.Escalate(callCtx, event)
	}()
}

// Wait blocks until in-flight escalations finish.
func (s *AsyncSink) Wait() {
	s.wg.Wait()
}
