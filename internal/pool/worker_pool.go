package pool

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"

	"go.uber.org/zap"
)

// ErrPoolStopped 协程池已停止
var ErrPoolStopped = errors.New("worker pool stopped")

// WorkerPool 限制同时运行的长任务数量。
// 每个任务独占一个协程，达到上限时 TrySubmit 立即拒绝而不是排队。
type WorkerPool struct {
	maxWorkers int
	log        *zap.Logger

	mu      sync.Mutex
	active  int
	stopped bool
	wg      sync.WaitGroup
}

// NewWorkerPool 创建协程池
//
// 参数:
//   - maxWorkers: 最大并发任务数
//   - log: 任务 panic 时使用的日志
func NewWorkerPool(maxWorkers int, log *zap.Logger) *WorkerPool {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &WorkerPool{maxWorkers: maxWorkers, log: log.Named("pool")}
}

// TrySubmit 尝试启动任务
//
// 池已满或已停止时返回 false
func (p *WorkerPool) TrySubmit(task func()) bool {
	p.mu.Lock()
	if p.stopped || p.active >= p.maxWorkers {
		p.mu.Unlock()
		return false
	}
	p.active++
	p.wg.Add(1)
	p.mu.Unlock()

	go p.run(task)
	return true
}

// Active 返回正在运行的任务数
func (p *WorkerPool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// Capacity 返回并发上限
func (p *WorkerPool) Capacity() int {
	return p.maxWorkers
}

// Stop 停止接收新任务并等待运行中的任务结束，ctx 到期时提前返回
func (p *WorkerPool) Stop(ctx context.Context) error {
	p.mu.Lock()
	p.stopped = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *WorkerPool) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("task panicked", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
		}
		p.mu.Lock()
		p.active--
		p.mu.Unlock()
		p.wg.Done()
	}()
	task()
}
