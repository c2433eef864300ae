// Package scheduler keeps a clock-driven queue of timed tasks keyed by id.
package scheduler

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kursadbilgin/delivery-guard/internal/clock"
	"go.uber.org/zap"
)

const defaultTickInterval = time.Second

// Handler runs one due task.
type Handler func(ctx context.Context, id string)

type task struct {
	id     string
	fireAt time.Time
	seq    uint64
	index  int
}

type taskHeap []*task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].fireAt.Equal(h[j].fireAt) {
		return h[i].seq < h[j].seq
	}
	return h[i].fireAt.Before(h[j].fireAt)
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	t := x.(*task)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// Queue holds at most one pending task per id. Tasks with equal fire times run
// in scheduling order.
type Queue struct {
	clock   clock.Clock
	handler Handler
	logger  *zap.Logger

	mu    sync.Mutex
	tasks taskHeap
	byID  map[string]*task
	seq   uint64
}

func New(c clock.Clock, handler Handler, logger *zap.Logger) (*Queue, error) {
	if handler == nil {
		return nil, fmt.Errorf("task handler is required")
	}
	if c == nil {
		c = clock.Real()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Queue{
		clock:   c,
		handler: handler,
		logger:  logger,
		byID:    make(map[string]*task),
	}, nil
}

// Schedule arms id to fire at fireAt, replacing any pending entry for id.
func (q *Queue) Schedule(id string, fireAt time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.seq++
	if existing, ok := q.byID[id]; ok {
		existing.fireAt = fireAt
		existing.seq = q.seq
		heap.Fix(&q.tasks, existing.index)
		return
	}

	t := &task{id: id, fireAt: fireAt, seq: q.seq}
	heap.Push(&q.tasks, t)
	q.byID[id] = t
}

// Cancel drops the pending entry for id and reports whether one existed.
func (q *Queue) Cancel(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.byID[id]
	if !ok {
		return false
	}
	heap.Remove(&q.tasks, t.index)
	delete(q.byID, id)
	return true
}

// FireAt returns the pending fire time for id.
func (q *Queue) FireAt(id string) (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.byID[id]
	if !ok {
		return time.Time{}, false
	}
	return t.fireAt, true
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// popDue removes every task due at now, in firing order.
func (q *Queue) popDue(now time.Time) []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	var due []string
	for len(q.tasks) > 0 && !q.tasks[0].fireAt.After(now) {
		t := heap.Pop(&q.tasks).(*task)
		delete(q.byID, t.id)
		due = append(due, t.id)
	}
	return due
}

// RunDue executes every task whose fire time has passed and returns how many
// ran. Handlers run sequentially, outside the queue lock, so they may
// reschedule themselves.
func (q *Queue) RunDue(ctx context.Context) int {
	due := q.popDue(q.clock.Now())
	for i, id := range due {
		if ctx.Err() != nil {
			// put the rest back so nothing is lost on shutdown
			for _, rest := range due[i:] {
				q.Schedule(rest, q.clock.Now())
			}
			return i
		}
		q.handler(ctx, id)
	}
	return len(due)
}

// Run executes due tasks on every tick until ctx is cancelled.
func (q *Queue) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = defaultTickInterval
	}

	q.RunDue(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := q.RunDue(ctx); n > 0 {
				q.logger.Debug("scheduler ran due tasks", zap.Int("count", n))
			}
		}
	}
}
