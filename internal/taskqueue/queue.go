package taskqueue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
)

var (
	ErrAlreadyEnqueued = errors.New("task is already enqueued")
	ErrQueueClosed     = errors.New("task queue is closed")
)

// Metrics receives queue depth and task outcome observations.
type Metrics interface {
	SetQueueDepth(n int)
	ObserveTaskEvent(event string)
}

type Option func(*Queue)

func WithLogger(logger *log.Logger) Option {
	return func(q *Queue) {
		if logger != nil {
			q.logger = logger
		}
	}
}

func WithMetrics(metrics Metrics) Option {
	return func(q *Queue) {
		q.metrics = metrics
	}
}

// Queue runs one Task at a time in FIFO order. Enqueuing a task cancels
// every queued task with the same key, so only the latest request for a
// resource is ever run to completion.
type Queue struct {
	mu     sync.Mutex
	tasks  []*Task
	busy   bool
	closed bool
	idle   chan struct{}

	logger  *log.Logger
	metrics Metrics
}

func New(opts ...Option) *Queue {
	q := &Queue{logger: log.Default()}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Len counts tasks still held by the queue, including canceled tasks the
// processing loop has not reached yet.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

func (q *Queue) Enqueue(task *Task) error {
	if task == nil {
		return errors.New("task is nil")
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	if !task.claim() {
		q.mu.Unlock()
		return fmt.Errorf("%w (key: %s)", ErrAlreadyEnqueued, task.Key())
	}
	superseded := q.cancelLocked(task.Key())
	q.tasks = append(q.tasks, task)
	depth := len(q.tasks)
	start := q.startLocked()
	q.mu.Unlock()

	for _, finish := range superseded {
		finish()
		q.observeEvent("superseded")
	}
	q.observeDepth(depth)
	if start {
		go q.process()
	}
	return nil
}

// Cancel cancels every queued task with the given key and reports how many
// were affected. Terminal tasks are left alone.
func (q *Queue) Cancel(key string) int {
	q.mu.Lock()
	finishers := q.cancelLocked(key)
	q.mu.Unlock()

	for _, finish := range finishers {
		finish()
		q.observeEvent("canceled")
	}
	return len(finishers)
}

// Idle returns a channel that is closed once the processing loop has
// drained the queue.
func (q *Queue) Idle() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.busy {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return q.idle
}

// Close cancels every queued task, rejects further enqueues and waits for
// the processing loop to exit or ctx to end.
func (q *Queue) Close(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	var finishers []func()
	for _, task := range q.tasks {
		if finish, ok := task.beginCancel(); ok {
			finishers = append(finishers, finish)
		}
	}
	busy := q.busy
	idle := q.idle
	q.mu.Unlock()

	for _, finish := range finishers {
		finish()
		q.observeEvent("canceled")
	}
	if !busy {
		return nil
	}
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) cancelLocked(key string) []func() {
	var finishers []func()
	for _, task := range q.tasks {
		if task.Key() != key {
			continue
		}
		if finish, ok := task.beginCancel(); ok {
			finishers = append(finishers, finish)
		}
	}
	return finishers
}

func (q *Queue) startLocked() bool {
	if q.busy {
		return false
	}
	q.busy = true
	q.idle = make(chan struct{})
	return true
}

// process is the only place tasks leave the queue. The head is removed
// after it resolves, so removal order always matches enqueue order.
func (q *Queue) process() {
	for {
		q.mu.Lock()
		if len(q.tasks) == 0 {
			q.busy = false
			close(q.idle)
			q.mu.Unlock()
			return
		}
		head := q.tasks[0]
		q.mu.Unlock()

		q.runHead(head)

		q.mu.Lock()
		q.tasks[0] = nil
		q.tasks = q.tasks[1:]
		depth := len(q.tasks)
		q.mu.Unlock()
		q.observeDepth(depth)
	}
}

func (q *Queue) runHead(task *Task) {
	if task.Canceled() {
		_ = task.Run()
		q.observeEvent("skipped")
		return
	}

	q.observeEvent("started")
	if err := task.Run(); err != nil {
		q.logger.Printf("taskqueue: task failed (key: %s): %v", task.Key(), err)
		q.observeEvent("failed")
		return
	}
	if task.State() == StateFinished {
		q.observeEvent("finished")
	}
}

func (q *Queue) observeDepth(n int) {
	if q.metrics != nil {
		q.metrics.SetQueueDepth(n)
	}
}

func (q *Queue) observeEvent(event string) {
	if q.metrics != nil {
		q.metrics.ObserveTaskEvent(event)
	}
}
