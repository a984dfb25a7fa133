package async

import (
	"fmt"
	"sync"

	"github.com/opencode-ai/inlinechat/internal/logging"
)

// Task is a unit of work run by a Queue.
type Task func() error

// Queue runs tasks one at a time in the order they were enqueued.
// A task never starts before the previous one has returned.
type Queue struct {
	mu      sync.Mutex
	pending []Task
	running bool
	idle    chan struct{}
	err     error
}

// NewQueue creates an idle queue.
func NewQueue() *Queue {
	idle := make(chan struct{})
	close(idle)
	return &Queue{idle: idle}
}

// Enqueue appends a task.
func (q *Queue) Enqueue(task Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, task)
	if !q.running {
		q.running = true
		q.idle = make(chan struct{})
		go q.drain()
	}
}

func (q *Queue) drain() {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.running = false
			close(q.idle)
			q.mu.Unlock()
			return
		}
		task := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.mu.Unlock()

		if err := q.run(task); err != nil {
			q.mu.Lock()
			if q.err == nil {
				q.err = err
			}
			q.mu.Unlock()
		}
	}
}

func (q *Queue) run(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error().Interface("panic", r).Msg("queued task panicked")
			err = fmt.Errorf("queued task panicked: %v", r)
		}
	}()
	return task()
}

// WhenIdle returns a channel closed once every enqueued task has finished.
func (q *Queue) WhenIdle() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.idle
}

// Size returns the number of tasks not yet started.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Err returns the first error returned by a task.
func (q *Queue) Err() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.err
}
