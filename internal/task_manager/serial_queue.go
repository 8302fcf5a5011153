package task_manager

import (
	"sync"
)

// SerialQueue runs posted functions one at a time in posting order on the
// workers of an Executor. Every IKE session owns one, so its handlers never
// run concurrently while different sessions share the worker pool.
type SerialQueue struct {
	exec Executor

	mu      sync.Mutex
	pending []func()
	running bool
	closed  bool
	status  int
}

func NewSerialQueue(exec Executor) *SerialQueue {
	if exec == nil {
		exec = Inline{}
	}
	return &SerialQueue{exec: exec}
}

// Post appends fn to the queue. It's safe to call from any goroutine,
// including from a function running on the queue.
func (q *SerialQueue) Post(fn func()) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.pending = append(q.pending, fn)
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true
	q.mu.Unlock()
	q.exec.NewTask(q)
}

// Close drops the pending functions and refuses new ones.
func (q *SerialQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.pending = nil
	q.mu.Unlock()
}

// Run drains the queue, implementing Task.
func (q *SerialQueue) Run() int {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.running = false
			q.mu.Unlock()
			return Success
		}
		fn := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.mu.Unlock()
		fn()
	}
}

func (q *SerialQueue) SetStatus(status int) {
	q.mu.Lock()
	q.status = status
	q.mu.Unlock()
}

func (q *SerialQueue) GetStatus() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.status
}
