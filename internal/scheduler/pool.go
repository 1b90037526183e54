package scheduler

import (
	"sync"
	"sync/atomic"
)

// pool runs tasks on a fixed number of slot goroutines. A slot retires after
// maxTasks tasks and is replaced by a fresh one.
type pool struct {
	tasks    chan func()
	size     int
	maxTasks int
	busy     atomic.Int32
	wg       sync.WaitGroup
}

func newPool(size, maxTasks int) *pool {
	p := &pool{
		tasks:    make(chan func(), size),
		size:     size,
		maxTasks: maxTasks,
	}
	for i := 0; i < size; i++ {
		p.spawn()
	}
	return p
}

func (p *pool) spawn() {
	p.wg.Add(1)
	go p.slot()
}

func (p *pool) slot() {
	defer p.wg.Done()
	completed := 0
	for task := range p.tasks {
		task()
		p.busy.Add(-1)
		completed++
		if p.maxTasks > 0 && completed >= p.maxTasks {
			poolRecyclesTotal.Inc()
			p.spawn()
			return
		}
	}
}

// hasFree reports whether a submitted task would start without waiting.
func (p *pool) hasFree() bool {
	return int(p.busy.Load()) < p.size
}

// submit queues task. Callers must check hasFree first.
func (p *pool) submit(task func()) {
	p.busy.Add(1)
	p.tasks <- task
}

// close stops accepting tasks and waits for running ones to finish.
func (p *pool) close() {
	close(p.tasks)
	p.wg.Wait()
}
