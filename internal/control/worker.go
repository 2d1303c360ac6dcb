package control

import (
	"context"
	"sync"
)

// job is one unit of dispatched work: decode already happened on the
// reactor goroutine, so job only carries the parsed Action through to a
// handler running off that goroutine (spec.md §4.5: "heavy work never
// runs on the network reactor").
type job struct {
	action Action
	conn   *Conn
}

// workerPool is a small fixed-size pool of goroutines draining a bounded
// job queue, the same shape as the teacher's per-client send channel but
// generalized to a shared pool since dispatch work (config I/O, PWM
// writes) is heavier than a single client's outbound frame queue.
type workerPool struct {
	jobs    chan job
	handle  func(job)
	wg      sync.WaitGroup
	closeMu sync.Mutex
	closed  bool
}

func newWorkerPool(n int, queueDepth int, handle func(job)) *workerPool {
	p := &workerPool{
		jobs:   make(chan job, queueDepth),
		handle: handle,
	}
	p.wg.Add(n)
	for i := 0; i < n; i++ {
		go p.loop()
	}
	return p
}

func (p *workerPool) loop() {
	defer p.wg.Done()
	for j := range p.jobs {
		p.handle(j)
	}
}

// Submit enqueues j, blocking if the pool is saturated, or returning
// immediately if ctx is cancelled first.
func (p *workerPool) Submit(ctx context.Context, j job) bool {
	select {
	case p.jobs <- j:
		return true
	case <-ctx.Done():
		return false
	}
}

func (p *workerPool) Close() {
	p.closeMu.Lock()
	if p.closed {
		p.closeMu.Unlock()
		return
	}
	p.closed = true
	p.closeMu.Unlock()
	close(p.jobs)
	p.wg.Wait()
}
