package cdp

import "sync"

// workerPool 固定数量的处理协程加有界等待队列
type workerPool struct {
	tasks chan func()
	wg    sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// newWorkerPool workers 个协程，最多排队 capacity 个任务
func newWorkerPool(workers, capacity int) *workerPool {
	if workers <= 0 {
		workers = 1
	}
	if capacity < 0 {
		capacity = 0
	}
	p := &workerPool{tasks: make(chan func(), capacity)}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

func (p *workerPool) worker() {
	defer p.wg.Done()
	for fn := range p.tasks {
		fn()
	}
}

// submit 非阻塞提交，队列已满或已停止时返回 false
func (p *workerPool) submit(fn func()) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	select {
	case p.tasks <- fn:
		return true
	default:
		return false
	}
}

// stop 停止接收新任务并等待已排队任务完成
func (p *workerPool) stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()
	p.wg.Wait()
}
