package taskqueue

import (
	"errors"
	"fmt"
	"sync"
)

type State string

const (
	StatePending  State = "pending"
	StateRunning  State = "running"
	StateFinished State = "finished"
	StateCanceled State = "canceled"
)

func (s State) Terminal() bool {
	return s == StateFinished || s == StateCanceled
}

// ErrBodyPanic wraps a panic recovered from a task body.
var ErrBodyPanic = errors.New("task body panicked")

// Token is handed to a task body. Canceled reports the live cancellation
// state; Finished must be called once the asynchronous work is done.
type Token interface {
	Canceled() bool
	Finished()
}

// CancelFunc tears down the work started by a task body, e.g. by killing
// the spawned process.
type CancelFunc func()

// Body starts the work of a task and returns how to tear it down. It must
// not block until the work is done; completion is reported through
// Token.Finished.
type Body func(token Token) (CancelFunc, error)

// Task is a single-shot, cancelable unit of asynchronous work bound to a
// resource key. A Task may be enqueued into a Queue only once.
type Task struct {
	key  string
	body Body

	mu       sync.Mutex
	state    State
	enqueued bool
	started  bool
	onCancel CancelFunc

	done     chan struct{}
	doneOnce sync.Once
}

func NewTask(key string, body Body) *Task {
	return &Task{
		key:   key,
		body:  body,
		state: StatePending,
		done:  make(chan struct{}),
	}
}

func (t *Task) Key() string {
	return t.key
}

func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Task) Canceled() bool {
	return t.State() == StateCanceled
}

// Enqueued reports whether a queue has accepted this task.
func (t *Task) Enqueued() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enqueued
}

// Done is closed once the task finished or was canceled.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Run starts the body and blocks until Token.Finished or Cancel is called,
// whichever comes first. A task canceled before Run returns immediately
// without invoking the body. An error or panic from the body is returned
// and the task counts as finished.
func (t *Task) Run() error {
	t.mu.Lock()
	if t.state == StateCanceled {
		t.mu.Unlock()
		t.resolve()
		return nil
	}
	if t.started {
		t.mu.Unlock()
		<-t.done
		return nil
	}
	t.started = true
	t.state = StateRunning
	t.mu.Unlock()

	onCancel, err := t.invoke()

	t.mu.Lock()
	canceled := t.state == StateCanceled
	if !canceled {
		if err != nil {
			t.state = StateFinished
		} else {
			t.onCancel = onCancel
		}
	}
	t.mu.Unlock()

	// Cancel arrived while the body was still starting; it could not see
	// the callback yet.
	if canceled && err == nil && onCancel != nil {
		onCancel()
	}
	if err != nil {
		t.resolve()
		return err
	}
	<-t.done
	return nil
}

// Cancel marks the task canceled, tears down any started work and resolves
// a pending Run. Cancelling a terminal task is a no-op.
func (t *Task) Cancel() {
	if finish, ok := t.beginCancel(); ok {
		finish()
	}
}

// beginCancel flips the state under the task lock and returns the part of
// cancellation that runs user code, so a queue can cancel while holding
// its own lock and run callbacks after releasing it.
func (t *Task) beginCancel() (func(), bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.Terminal() {
		return nil, false
	}
	t.state = StateCanceled
	onCancel := t.onCancel
	t.onCancel = nil
	return func() {
		if onCancel != nil {
			onCancel()
		}
		t.resolve()
	}, true
}

func (t *Task) claim() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.enqueued {
		return false
	}
	t.enqueued = true
	return true
}

func (t *Task) finished() {
	t.mu.Lock()
	if t.state == StateRunning {
		t.state = StateFinished
	}
	t.mu.Unlock()
	t.resolve()
}

func (t *Task) resolve() {
	t.doneOnce.Do(func() { close(t.done) })
}

func (t *Task) invoke() (onCancel CancelFunc, err error) {
	defer func() {
		if r := recover(); r != nil {
			onCancel = nil
			err = fmt.Errorf("%w: %v", ErrBodyPanic, r)
		}
	}()
	if t.body == nil {
		return nil, errors.New("task body is nil")
	}
	return t.body(token{task: t})
}

type token struct {
	task *Task
}

func (tk token) Canceled() bool {
	return tk.task.Canceled()
}

func (tk token) Finished() {
	tk.task.finished()
}
