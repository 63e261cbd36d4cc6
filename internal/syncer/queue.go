package syncer

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultMaxAttempts = 5
	defaultBaseDelay   = 200 * time.Millisecond
	defaultMaxDelay    = 30 * time.Second
	failedHistoryLimit = 32
)

// QueueConfig tunes the remote write queue.
type QueueConfig struct {
	// MaxAttempts bounds the tries per write, including the first one.
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Limiter throttles remote writes when set.
	Limiter *rate.Limiter
	Logger  *zap.Logger
}

// WriteTask is one remote write. Tasks sharing a Key address the same
// remote entity.
type WriteTask struct {
	Key       string
	Operation string
	Run       func(ctx context.Context) error
	// Done, when set, receives the final outcome before the task stops
	// counting as pending. A nil error means the write landed.
	Done func(err error)
}

// QueueStats summarizes the queue.
type QueueStats struct {
	Pending   int
	Completed int
	Failed    int
	Retries   int
}

// FailedWrite records a write that exhausted its attempts.
type FailedWrite struct {
	Key       string
	Operation string
	Attempts  int
	Err       error
	FailedAt  time.Time
}

// WriteQueue runs remote writes one at a time in the order they were
// enqueued, retrying failures with exponential backoff.
type WriteQueue struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	limiter     *rate.Limiter
	logger      *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wake   chan struct{}
	done   chan struct{}

	mu        sync.Mutex
	tasks     []WriteTask
	pending   map[string]int
	drained   chan struct{}
	closed    bool
	completed int
	retries   int
	failed    []FailedWrite
	failures  int
}

// NewWriteQueue starts a queue with its worker goroutine.
func NewWriteQueue(cfg QueueConfig) *WriteQueue {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	baseDelay := cfg.BaseDelay
	if baseDelay <= 0 {
		baseDelay = defaultBaseDelay
	}
	maxDelay := cfg.MaxDelay
	if maxDelay <= 0 {
		maxDelay = defaultMaxDelay
	}
	if maxDelay < baseDelay {
		maxDelay = baseDelay
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	ctx, cancel := context.WithCancel(context.Background())
	drained := make(chan struct{})
	close(drained)
	queue := &WriteQueue{
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		maxDelay:    maxDelay,
		limiter:     cfg.Limiter,
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
		wake:        make(chan struct{}, 1),
		done:        make(chan struct{}),
		pending:     make(map[string]int),
		drained:     drained,
	}
	go queue.work()
	return queue
}

// Enqueue appends a task. Tasks run in enqueue order.
func (q *WriteQueue) Enqueue(task WriteTask) error {
	if task.Run == nil {
		return errors.New("write task requires a run function")
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	if q.idleLocked() {
		q.drained = make(chan struct{})
	}
	q.tasks = append(q.tasks, task)
	q.pending[task.Key]++
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// Pending returns the number of queued or running writes for a key.
func (q *WriteQueue) Pending(key string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending[key]
}

// Stats returns a snapshot of the queue counters.
func (q *WriteQueue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	total := 0
	for _, count := range q.pending {
		total += count
	}
	return QueueStats{
		Pending:   total,
		Completed: q.completed,
		Failed:    q.failures,
		Retries:   q.retries,
	}
}

// Failed returns the most recent writes that exhausted their attempts.
func (q *WriteQueue) Failed() []FailedWrite {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]FailedWrite(nil), q.failed...)
}

// Flush blocks until every enqueued write finished or ctx is done.
func (q *WriteQueue) Flush(ctx context.Context) error {
	q.mu.Lock()
	drained := q.drained
	q.mu.Unlock()

	select {
	case <-drained:
		return nil
	case <-q.done:
		return ErrQueueClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops the worker. Writes still queued are dropped.
func (q *WriteQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.done
		return
	}
	q.closed = true
	q.mu.Unlock()

	q.cancel()
	<-q.done

	q.mu.Lock()
	dropped := len(q.tasks)
	q.tasks = nil
	q.pending = make(map[string]int)
	select {
	case <-q.drained:
	default:
		close(q.drained)
	}
	q.mu.Unlock()
	if dropped > 0 {
		q.logger.Warn("write queue closed with pending writes", zap.Int("dropped", dropped))
	}
}

func (q *WriteQueue) idleLocked() bool {
	for _, count := range q.pending {
		if count > 0 {
			return false
		}
	}
	return true
}

func (q *WriteQueue) work() {
	defer close(q.done)
	for {
		task, ok := q.next()
		if !ok {
			return
		}
		err := q.run(task)
		if task.Done != nil {
			task.Done(err)
		}
		q.finish(task)
	}
}

func (q *WriteQueue) next() (WriteTask, bool) {
	for {
		q.mu.Lock()
		if len(q.tasks) > 0 {
			task := q.tasks[0]
			q.tasks[0] = WriteTask{}
			q.tasks = q.tasks[1:]
			q.mu.Unlock()
			return task, true
		}
		q.mu.Unlock()

		select {
		case <-q.wake:
		case <-q.ctx.Done():
			return WriteTask{}, false
		}
	}
}

func (q *WriteQueue) run(task WriteTask) error {
	for attempt := 1; ; attempt++ {
		if q.limiter != nil {
			if err := q.limiter.Wait(q.ctx); err != nil {
				q.recordFailure(task, attempt, err)
				return err
			}
		}
		err := task.Run(q.ctx)
		if err == nil {
			q.mu.Lock()
			q.completed++
			q.mu.Unlock()
			return nil
		}
		if attempt >= q.maxAttempts || q.ctx.Err() != nil {
			q.recordFailure(task, attempt, err)
			return err
		}

		delay := q.backoff(attempt)
		q.mu.Lock()
		q.retries++
		q.mu.Unlock()
		q.logger.Warn("remote write failed, retrying",
			zap.String("key", task.Key),
			zap.String("operation", task.Operation),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-q.ctx.Done():
			timer.Stop()
			q.recordFailure(task, attempt, q.ctx.Err())
			return q.ctx.Err()
		}
	}
}

func (q *WriteQueue) backoff(attempt int) time.Duration {
	delay := q.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= q.maxDelay {
			return q.maxDelay
		}
	}
	return delay
}

func (q *WriteQueue) recordFailure(task WriteTask, attempts int, err error) {
	logError(q.logger, opQueueRun, "write_failed", err,
		zap.String("key", task.Key),
		zap.String("operation", task.Operation),
		zap.Int("attempts", attempts))

	q.mu.Lock()
	defer q.mu.Unlock()
	q.failures++
	q.failed = append(q.failed, FailedWrite{
		Key:       task.Key,
		Operation: task.Operation,
		Attempts:  attempts,
		Err:       err,
		FailedAt:  time.Now().UTC(),
	})
	if len(q.failed) > failedHistoryLimit {
		q.failed = q.failed[len(q.failed)-failedHistoryLimit:]
	}
}

func (q *WriteQueue) finish(task WriteTask) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending[task.Key]--
	if q.pending[task.Key] <= 0 {
		delete(q.pending, task.Key)
	}
	if q.idleLocked() {
		select {
		case <-q.drained:
		default:
			close(q.drained)
		}
	}
}
