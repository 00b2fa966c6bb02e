package scan

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"brokerdesk/backend/internal/pool"
)

// Registry 进程内的扫描任务表。任务运行在有界协程池上，
// 生命周期绑定到 Registry 的基础上下文而不是发起请求的上下文。
type Registry struct {
	mu   sync.Mutex
	jobs map[string]*Controller
	pool *pool.WorkerPool
	base context.Context
	stop context.CancelFunc
	log  *zap.Logger
}

// NewRegistry 创建任务表，maxConcurrent 为同时运行的任务上限
func NewRegistry(maxConcurrent int, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	base, stop := context.WithCancel(context.Background())
	return &Registry{
		jobs: make(map[string]*Controller),
		pool: pool.NewWorkerPool(maxConcurrent, log),
		base: base,
		stop: stop,
		log:  log.Named("scan_registry"),
	}
}

// Register 登记控制器，同 ID 的旧控制器会被替换。工作协程退出后控制器自动注销。
func (r *Registry) Register(c *Controller) {
	c.launch = func(task func()) bool {
		return r.pool.TrySubmit(func() {
			defer r.release(c)
			task()
		})
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[c.JobID()] = c
}

// release 注销已退出的控制器，表中已是其他控制器时不动
func (r *Registry) release(c *Controller) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.jobs[c.JobID()] == c {
		delete(r.jobs, c.JobID())
	}
}

// Start 登记并启动控制器。协程池已满时撤销登记并返回 ErrTooManyJobs。
func (r *Registry) Start(c *Controller) error {
	r.Register(c)
	if err := c.Start(r.base); err != nil {
		r.Remove(c.JobID())
		return err
	}
	r.log.Info("scan job registered", zap.String("job_id", c.JobID()), zap.Int("active", r.pool.Active()))
	return nil
}

// Get 按任务 ID 查找控制器
func (r *Registry) Get(jobID string) (*Controller, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.jobs[jobID]
	return c, ok
}

// Remove 移除控制器
func (r *Registry) Remove(jobID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.jobs, jobID)
}

// Live 返回仍在运行（工作协程未退出）的控制器
func (r *Registry) Live() []*Controller {
	return r.filter(func(c *Controller) bool { return true })
}

// LiveForOwner 返回某用户仍在运行的控制器
func (r *Registry) LiveForOwner(ownerID string) []*Controller {
	return r.filter(func(c *Controller) bool { return c.OwnerID() == ownerID })
}

// HasCapacity 协程池是否还能接收新任务
func (r *Registry) HasCapacity() bool {
	return r.pool.Active() < r.pool.Capacity()
}

func (r *Registry) filter(keep func(*Controller) bool) []*Controller {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*Controller
	for _, c := range r.jobs {
		select {
		case <-c.Done():
			continue
		default:
		}
		if c.Status().Status.IsLive() && keep(c) {
			out = append(out, c)
		}
	}
	return out
}

// Shutdown 取消全部运行中的任务并等待工作协程退出，ctx 到期时提前返回
func (r *Registry) Shutdown(ctx context.Context) error {
	live := r.Live()
	for _, c := range live {
		c.Cancel()
	}
	r.stop()
	if len(live) > 0 {
		r.log.Info("cancelling scan jobs", zap.Int("count", len(live)))
	}
	return r.pool.Stop(ctx)
}
