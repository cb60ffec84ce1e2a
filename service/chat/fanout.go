package chat

import (
	"sync"

	"PPRealtime/tools/safe"
)

// Fanout 后台任务池：在线状态广播、事件投递等不占用读协程
type Fanout struct {
	mu      sync.RWMutex
	closed  bool
	jobs    chan func()
	wg      sync.WaitGroup
	metrics *Metrics
}

func NewFanout(workers, queue int, metrics *Metrics) *Fanout {
	if workers <= 0 {
		workers = 4
	}
	if queue <= 0 {
		queue = 1024
	}
	f := &Fanout{jobs: make(chan func(), queue), metrics: metrics}
	for i := 0; i < workers; i++ {
		f.wg.Add(1)
		go func() {
			defer f.wg.Done()
			for job := range f.jobs {
				safe.Run("fanout", job)
			}
		}()
	}
	return f
}

// Submit 非阻塞提交；队列满返回 false
func (f *Fanout) Submit(job func()) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return false
	}
	select {
	case f.jobs <- job:
		return true
	default:
		f.metrics.queueFull()
		return false
	}
}

// Close 停止接收并等待已排队任务执行完
func (f *Fanout) Close() {
	f.mu.Lock()
	if !f.closed {
		f.closed = true
		close(f.jobs)
	}
	f.mu.Unlock()
	f.wg.Wait()
}
