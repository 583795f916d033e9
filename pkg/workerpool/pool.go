// Package workerpool provides a bounded goroutine pool. The broadcast
// router uses it to run hook callbacks off the ingestion path without
// letting a burst of events spawn an unbounded number of goroutines.
package workerpool

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// Pool manages a fixed pool of worker goroutines.
// Workers are started lazily as tasks are submitted.
type Pool struct {
	workers int32
	tasks   chan func()
	running int32
	closed  int32
	wg      sync.WaitGroup
}

// New creates a pool with the specified number of workers.
// Non-positive sizes default to GOMAXPROCS.
func New(workers int) *Pool {
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}
	return &Pool{
		workers: int32(workers),
		tasks:   make(chan func(), workers*16),
	}
}

// Submit queues a task for execution by an available worker.
// It blocks only when the task queue is full. Returns false if the
// pool is closed.
func (p *Pool) Submit(task func()) bool {
	if atomic.LoadInt32(&p.closed) == 1 {
		return false
	}

	for {
		running := atomic.LoadInt32(&p.running)
		if running >= p.workers {
			break
		}
		if atomic.CompareAndSwapInt32(&p.running, running, running+1) {
			p.wg.Add(1)
			go p.worker()
			break
		}
	}

	p.tasks <- task
	return true
}

func (p *Pool) worker() {
	defer func() {
		// A panicking task must not shrink the pool.
		if r := recover(); r != nil {
			if atomic.LoadInt32(&p.closed) == 0 {
				go p.worker()
				return
			}
		}
		atomic.AddInt32(&p.running, -1)
		p.wg.Done()
	}()

	for task := range p.tasks {
		if task != nil {
			task()
		}
	}
}

// Running returns the current number of worker goroutines.
func (p *Pool) Running() int {
	return int(atomic.LoadInt32(&p.running))
}

// Waiting returns the number of queued tasks.
func (p *Pool) Waiting() int {
	return len(p.tasks)
}

// Close drains the queue and stops all workers.
func (p *Pool) Close() {
	if !atomic.CompareAndSwapInt32(&p.closed, 0, 1) {
		return
	}
	close(p.tasks)
	p.wg.Wait()
}
