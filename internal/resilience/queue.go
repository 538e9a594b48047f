package resilience

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tmorrow/bookweaver/pkg/models"
)

const (
	// DefaultRateLimitDelay is the initial pause between dequeued requests
	DefaultRateLimitDelay = 1 * time.Second
	// MinRateLimitDelay floors the adaptive delay
	MinRateLimitDelay = 500 * time.Millisecond
	// MaxRateLimitDelay caps the adaptive delay
	MaxRateLimitDelay = 10 * time.Second

	delayGrowthFactor = 1.5
	delayDecayFactor  = 0.8

	// successStreakForDecay is how many consecutive successes count as
	// sustained success before the delay decays.
	successStreakForDecay = 3
)

// Outcome resolves a queued request
type Outcome struct {
	Result string
	Err    error
}

// QueuedRequest is one admission-control entry awaiting execution
type QueuedRequest struct {
	ID         string
	Priority   models.Priority
	EnqueuedAt time.Time

	seq  uint64
	op   Operation
	done chan Outcome
}

// RequestQueue provides priority-ordered admission control in front of the
// service. Requests execute one at a time; after each one the loop pauses
// for an adaptive delay that grows under overload and shrinks after
// sustained success.
type RequestQueue struct {
	mu            sync.Mutex
	pending       requestHeap
	seq           uint64
	delay         time.Duration
	successStreak int
	closed        bool

	wake   chan struct{}
	logger *slog.Logger

	// Injection point for tests
	sleep func(ctx context.Context, d time.Duration) error
}

// NewRequestQueue creates a stopped queue; call Run to start processing
func NewRequestQueue(logger *slog.Logger, rateLimitDelay time.Duration) *RequestQueue {
	if rateLimitDelay <= 0 {
		rateLimitDelay = DefaultRateLimitDelay
	}
	return &RequestQueue{
		delay:  rateLimitDelay,
		wake:   make(chan struct{}, 1),
		logger: logger,
		sleep:  sleepCtx,
	}
}

// Enqueue admits op at the given priority and returns a channel resolved
// when the call eventually executes.
func (q *RequestQueue) Enqueue(op Operation, priority models.Priority) <-chan Outcome {
	req := &QueuedRequest{
		ID:         uuid.New().String(),
		Priority:   priority,
		EnqueuedAt: time.Now(),
		op:         op,
		done:       make(chan Outcome, 1),
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		req.done <- Outcome{Err: context.Canceled}
		return req.done
	}
	q.seq++
	req.seq = q.seq
	heap.Push(&q.pending, req)
	depth := q.pending.Len()
	q.mu.Unlock()

	q.logger.Debug("Request enqueued",
		"request_id", req.ID,
		"priority", priority,
		"queue_depth", depth)

	select {
	case q.wake <- struct{}{}:
	default:
	}

	return req.done
}

// Run processes requests until ctx is cancelled. One request executes at a
// time; its outcome is forwarded to the caller's channel before the loop
// waits out the current rate-limit delay.
func (q *RequestQueue) Run(ctx context.Context) {
	for {
		req := q.pop()
		if req == nil {
			select {
			case <-ctx.Done():
				q.drain(ctx.Err())
				return
			case <-q.wake:
				continue
			}
		}

		result, err := req.op(ctx)
		req.done <- Outcome{Result: result, Err: err}
		q.adapt(err)

		if err := q.sleep(ctx, q.currentDelay()); err != nil {
			q.drain(err)
			return
		}
	}
}

// SignalOverload grows the delay in response to an external load signal
func (q *RequestQueue) SignalOverload() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.growLocked()
}

// Depth returns the number of pending requests
func (q *RequestQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.Len()
}

func (q *RequestQueue) pop() *QueuedRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.pending.Len() == 0 {
		return nil
	}
	return heap.Pop(&q.pending).(*QueuedRequest)
}

// adapt adjusts the inter-request delay from the latest outcome
func (q *RequestQueue) adapt(err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err != nil {
		q.successStreak = 0
		class := Classify(err)
		if class == ClassOverload || class == ClassRateLimit {
			q.growLocked()
		}
		return
	}

	q.successStreak++
	if q.successStreak >= successStreakForDecay {
		q.successStreak = 0
		decayed := time.Duration(float64(q.delay) * delayDecayFactor)
		if decayed < MinRateLimitDelay {
			decayed = MinRateLimitDelay
		}
		q.delay = decayed
	}
}

func (q *RequestQueue) growLocked() {
	grown := time.Duration(float64(q.delay) * delayGrowthFactor)
	if grown > MaxRateLimitDelay {
		grown = MaxRateLimitDelay
	}
	q.delay = grown
	q.successStreak = 0
}

func (q *RequestQueue) currentDelay() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.delay
}

// drain fails all pending requests during shutdown
func (q *RequestQueue) drain(err error) {
	q.mu.Lock()
	q.closed = true
	pending := make([]*QueuedRequest, 0, q.pending.Len())
	for q.pending.Len() > 0 {
		pending = append(pending, heap.Pop(&q.pending).(*QueuedRequest))
	}
	q.mu.Unlock()

	for _, req := range pending {
		req.done <- Outcome{Err: err}
	}
}

// requestHeap orders by priority rank, then FIFO by enqueue sequence
type requestHeap []*QueuedRequest

func (h requestHeap) Len() int { return len(h) }

func (h requestHeap) Less(i, j int) bool {
	if h[i].Priority.Rank() != h[j].Priority.Rank() {
		return h[i].Priority.Rank() < h[j].Priority.Rank()
	}
	return h[i].seq < h[j].seq
}

func (h requestHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *requestHeap) Push(x any) {
	*h = append(*h, x.(*QueuedRequest))
}

func (h *requestHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
