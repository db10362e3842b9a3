package queue

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"

	"github.com/bbelbuken/elontweetbot/internal/logger"
	"github.com/bbelbuken/elontweetbot/internal/types"
)

// ErrQueueFull is returned when a bounded queue cannot accept another job.
// Producers drop and rely on the periodic sweeps to pick the work up again.
var ErrQueueFull = errors.New("queue full")

type JobKind int

const (
	KindScore JobKind = iota
	KindAdmit
	KindExecute
	KindMonitor
)

func (k JobKind) String() string {
	switch k {
	case KindScore:
		return "score"
	case KindAdmit:
		return "admit"
	case KindExecute:
		return "execute"
	case KindMonitor:
		return "monitor"
	default:
		return "unknown"
	}
}

// Job is the tagged union flowing through the pipeline. Only the fields of
// the active kind are set.
type Job struct {
	Kind   JobKind
	Post   types.Post   // KindScore
	Signal types.Signal // KindAdmit, KindExecute
	Token  string       // KindAdmit: manual approval token, may be empty
	Symbol string       // KindExecute: shard routing key
}

// Handler processes dequeued jobs.
type Handler interface {
	HandleScore(ctx context.Context, post types.Post) error
	HandleAdmit(ctx context.Context, sig types.Signal, token string) error
	HandleExecute(ctx context.Context, sig types.Signal) error
	HandleMonitor(ctx context.Context) error
}

// Queue is the bounded in-process job queue. Score, admit and monitor jobs
// share a worker pool; execute jobs are routed to a shard by symbol hash so
// orders for one symbol never run concurrently.
type Queue struct {
	handler Handler
	general chan Job
	shards  []chan Job
	workers int
	wg      sync.WaitGroup

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
}

func New(h Handler, capacity, workers, shards int) *Queue {
	if capacity <= 0 {
		capacity = 256
	}
	if workers <= 0 {
		workers = 4
	}
	if shards <= 0 {
		shards = 1
	}
	q := &Queue{
		handler: h,
		general: make(chan Job, capacity),
		shards:  make([]chan Job, shards),
		workers: workers,
	}
	for i := range q.shards {
		q.shards[i] = make(chan Job, capacity)
	}
	return q
}

// Start launches the worker pool. Workers run until Close or context
// cancellation.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return
	}
	q.started = true

	ctx, q.cancel = context.WithCancel(ctx)

	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, q.general)
	}
	// One worker per shard is what serializes same-symbol execution.
	for _, ch := range q.shards {
		q.wg.Add(1)
		go q.worker(ctx, ch)
	}
}

// Close stops the workers and waits for in-flight jobs to finish.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.cancel != nil {
		q.cancel()
	}
	q.mu.Unlock()
	q.wg.Wait()
}

// Enqueue offers a job without blocking.
func (q *Queue) Enqueue(j Job) error {
	ch := q.general
	if j.Kind == KindExecute {
		ch = q.shards[q.shardFor(j.Symbol)]
	}
	select {
	case ch <- j:
		return nil
	default:
		return ErrQueueFull
	}
}

func (q *Queue) shardFor(symbol string) int {
	h := fnv.New32a()
	h.Write([]byte(symbol))
	return int(h.Sum32() % uint32(len(q.shards)))
}

func (q *Queue) worker(ctx context.Context, ch <-chan Job) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-ch:
			q.dispatch(ctx, j)
		}
	}
}

func (q *Queue) dispatch(ctx context.Context, j Job) {
	var err error
	switch j.Kind {
	case KindScore:
		err = q.handler.HandleScore(ctx, j.Post)
	case KindAdmit:
		err = q.handler.HandleAdmit(ctx, j.Signal, j.Token)
	case KindExecute:
		err = q.handler.HandleExecute(ctx, j.Signal)
	case KindMonitor:
		err = q.handler.HandleMonitor(ctx)
	default:
		logger.Warn(ctx, "Unknown job kind dropped", "kind", int(j.Kind))
		return
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.ErrorWithErr(ctx, "Job failed", err, "kind", j.Kind.String())
	}
}
