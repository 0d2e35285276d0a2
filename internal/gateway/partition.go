package gateway

import (
	"runtime/debug"
	"sync"

	. "github.com/roelfdiedericks/relaygate/internal/logging"
)

// partitioned runs tasks serially per key and concurrently across keys.
// A key's worker exits once its queue drains, so idle partners cost nothing.
type partitioned struct {
	mu     sync.Mutex
	queues map[string][]func()
	wg     sync.WaitGroup
}

func newPartitioned() *partitioned {
	return &partitioned{queues: make(map[string][]func())}
}

// Submit queues task behind any pending work for key.
func (p *partitioned) Submit(key string, task func()) {
	p.mu.Lock()
	pending, active := p.queues[key]
	p.queues[key] = append(pending, task)
	if !active {
		p.wg.Add(1)
		go p.drain(key)
	}
	p.mu.Unlock()
}

func (p *partitioned) drain(key string) {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		queue := p.queues[key]
		if len(queue) == 0 {
			delete(p.queues, key)
			p.mu.Unlock()
			return
		}
		task := queue[0]
		p.queues[key] = queue[1:]
		p.mu.Unlock()

		p.runTask(key, task)
	}
}

func (p *partitioned) runTask(key string, task func()) {
	defer func() {
		if r := recover(); r != nil {
			L_error("gateway: message handler panicked", "partner", key, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	task()
}

// Active returns the number of keys with queued or running work.
func (p *partitioned) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queues)
}

// Wait blocks until every submitted task has run.
func (p *partitioned) Wait() {
	p.wg.Wait()
}
