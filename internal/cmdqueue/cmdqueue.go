// File: internal/cmdqueue/cmdqueue.go
// Package cmdqueue implements the cross-thread command handoff queue
// described in spec.md §5: "Cross-thread communication uses lock-free
// queues of small command records whose handoff into a ring is the only
// synchronization point."
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
package cmdqueue

import (
	"sync"

	"github.com/eapache/queue"
)

// Command is a small record describing work a non-owning goroutine wants
// the ring's owning thread to perform (e.g. "connect to this address and
// report the result on this channel"). Commands carry no shared mutable
// state beyond what the function closes over.
type Command func()

// Queue is a mutex-guarded FIFO of pending commands. It is safe for any
// number of producer goroutines to call Push concurrently; Drain must only
// ever be called from the single goroutine that owns the ring, matching
// spec.md's single-threaded-cooperative-per-ring model.
type Queue struct {
	mu sync.Mutex
	q  *queue.Queue
}

// New creates an empty command queue.
func New() *Queue {
	return &Queue{q: queue.New()}
}

// Push enqueues a command for the owning thread to run. Never blocks.
func (c *Queue) Push(cmd Command) {
	c.mu.Lock()
	c.q.Add(cmd)
	c.mu.Unlock()
}

// Len reports the number of commands currently queued.
func (c *Queue) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.q.Length()
}

// Drain runs queued commands, in FIFO order, on the calling goroutine until
// the queue is empty. Commands pushed while Drain is running are run by
// that same call, since the queue is re-checked after each one. Called once per
// event-loop iteration by the ring driver before it blocks for completions.
func (c *Queue) Drain() {
	for {
		c.mu.Lock()
		if c.q.Length() == 0 {
			c.mu.Unlock()
			return
		}
		cmd := c.q.Remove().(Command)
		c.mu.Unlock()
		cmd()
	}
}
