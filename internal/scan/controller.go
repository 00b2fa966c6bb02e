// Package scan 实现多账户 PDF 附件扫描任务：状态机、暂停闸门、运行循环与任务注册表。
package scan

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"brokerdesk/backend/internal/domain"
	"brokerdesk/backend/internal/mailbox"
	"brokerdesk/backend/internal/storage"
)

var (
	// ErrAlreadyStarted 控制器只能启动一次
	ErrAlreadyStarted = errors.New("scan job already started")
	// ErrTooManyJobs 并发扫描任务已达上限
	ErrTooManyJobs = errors.New("too many concurrent scan jobs")

	errCancelled = errors.New("scan cancelled")
)

// FileStore 附件落盘接口
type FileStore interface {
	SaveFile(dir, name string, content []byte) (finalName, relPath string, err error)
}

// EventSink 接收任务事件（例如 WebSocket Hub）
type EventSink interface {
	Publish(ev domain.JobEvent)
}

// Recorder 扫描指标
type Recorder interface {
	MessageProcessed(outcome Outcome)
	AttachmentSaved(size int64)
	DuplicateAttachment()
	JobFinished(status domain.ScanStatus, elapsed time.Duration)
}

// Deps 控制器依赖
type Deps struct {
	Jobs        storage.ScanJobRepository
	Ledger      storage.LedgerRepository
	Attachments storage.AttachmentRepository
	Accounts    storage.AccountRepository
	Files       FileStore
	Dialer      mailbox.Dialer
	Companies   *CompanyResolver // 可选
	Events      EventSink        // 可选
	Metrics     Recorder         // 可选
	Logger      *zap.Logger
	Now         func() time.Time
}

// Options 运行参数
type Options struct {
	CheckpointEvery int           // 每处理多少封邮件写一次进度
	WatermarkSlack  time.Duration // 水位推导 SINCE 时向前放宽的时间
	LogTail         int           // 快照保留的日志条数
}

// LogEntry 任务日志
type LogEntry struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
}

// Snapshot 任务的实时状态
type Snapshot struct {
	JobID            string            `json:"jobId"`
	Status           domain.ScanStatus `json:"status"`
	Paused           bool              `json:"paused"`
	Cancelling       bool              `json:"cancelling"`
	MessagesScanned  int64             `json:"messagesScanned"`
	AttachmentsSaved int64             `json:"attachmentsSaved"`
	Duplicates       int64             `json:"duplicates"`
	Skipped          int64             `json:"skipped"`
	Filtered         int64             `json:"filtered"`
	Failed           int64             `json:"failed"`
	CurrentAccount   string            `json:"currentAccount,omitempty"`
	AccountIndex     int               `json:"accountIndex"`
	AccountTotal     int               `json:"accountTotal"`
	Folder           string            `json:"folder,omitempty"`
	FolderPosition   int               `json:"folderPosition"`
	FolderSize       int               `json:"folderSize"`
	Logs             []LogEntry        `json:"logs"`
	Error            string            `json:"error,omitempty"`
}

// Controller 驱动单个扫描任务。控制操作只修改标志位、取消上下文和恢复通道，
// 计数器只由工作协程写入。
type Controller struct {
	job      domain.ScanJob
	accounts []domain.MailAccount
	deps     Deps
	opts     Options
	log      *zap.Logger

	// launch 启动工作协程，返回 false 表示被拒绝
	launch func(task func()) bool

	mu         sync.Mutex
	status     domain.ScanStatus
	cancelled  bool
	resumeCh   chan struct{}
	started    bool
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
	errMessage string

	account      string
	accountIndex int
	folder       string
	position     int
	folderSize   int
	logs         []LogEntry

	scanned    atomic.Int64
	saved      atomic.Int64
	duplicates atomic.Int64
	skipped    atomic.Int64
	filtered   atomic.Int64
	failed     atomic.Int64

	// 仅工作协程访问
	seenHashes map[string]struct{}
	startedAt  time.Time
}

// NewController 创建处于 pending 状态的控制器。accounts 的顺序即扫描顺序。
func NewController(job domain.ScanJob, accounts []domain.MailAccount, deps Deps, opts Options) *Controller {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Metrics == nil {
		deps.Metrics = nopRecorder{}
	}
	if opts.CheckpointEvery <= 0 {
		opts.CheckpointEvery = 10
	}
	if opts.LogTail <= 0 {
		opts.LogTail = 20
	}
	if len(job.Folders) == 0 {
		job.Folders = []string{"INBOX"}
	}

	return &Controller{
		job:        job,
		accounts:   accounts,
		deps:       deps,
		opts:       opts,
		log:        deps.Logger.Named("scan").With(zap.String("job_id", job.ID)),
		launch:     func(task func()) bool { go task(); return true },
		status:     domain.ScanStatusPending,
		resumeCh:   make(chan struct{}),
		done:       make(chan struct{}),
		seenHashes: make(map[string]struct{}),
	}
}

// JobID 返回任务 ID
func (c *Controller) JobID() string { return c.job.ID }

// OwnerID 返回任务所属用户
func (c *Controller) OwnerID() string { return c.job.OwnerID }

// Start 启动工作协程并立即返回
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrAlreadyStarted
	}
	c.started = true
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.status = domain.ScanStatusRunning
	c.mu.Unlock()

	if !c.launch(c.run) {
		c.mu.Lock()
		c.started = false
		c.status = domain.ScanStatusPending
		c.cancel()
		c.mu.Unlock()
		return ErrTooManyJobs
	}
	return nil
}

// Pause 只在 running 状态下有效，工作协程在下一个安全点阻塞
func (c *Controller) Pause() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != domain.ScanStatusRunning || c.cancelled {
		return false
	}
	c.status = domain.ScanStatusPaused
	c.appendLogLocked("info", "pause requested")
	return true
}

// Resume 只在 paused 状态下有效
func (c *Controller) Resume() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.status != domain.ScanStatusPaused || c.cancelled {
		return false
	}
	c.status = domain.ScanStatusRunning
	close(c.resumeCh)
	c.resumeCh = make(chan struct{})
	c.appendLogLocked("info", "resumed")
	return true
}

// Cancel 在任何活动状态下有效且不可撤销；暂停中的工作协程会被唤醒以便退出
func (c *Controller) Cancel() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.status.IsLive() || c.cancelled {
		return false
	}
	c.cancelled = true
	if c.status == domain.ScanStatusPaused {
		c.status = domain.ScanStatusRunning
		close(c.resumeCh)
		c.resumeCh = make(chan struct{})
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.appendLogLocked("info", "cancel requested")
	return true
}

// Done 在工作协程退出后关闭
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Status 返回实时快照
func (c *Controller) Status() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	logs := make([]LogEntry, len(c.logs))
	copy(logs, c.logs)

	return Snapshot{
		JobID:            c.job.ID,
		Status:           c.status,
		Paused:           c.status == domain.ScanStatusPaused,
		Cancelling:       c.cancelled && c.status.IsLive(),
		MessagesScanned:  c.scanned.Load(),
		AttachmentsSaved: c.saved.Load(),
		Duplicates:       c.duplicates.Load(),
		Skipped:          c.skipped.Load(),
		Filtered:         c.filtered.Load(),
		Failed:           c.failed.Load(),
		CurrentAccount:   c.account,
		AccountIndex:     c.accountIndex,
		AccountTotal:     len(c.accounts),
		Folder:           c.folder,
		FolderPosition:   c.position,
		FolderSize:       c.folderSize,
		Logs:             logs,
		Error:            c.errMessage,
	}
}

// gate 安全点：已取消时返回 errCancelled；暂停时阻塞直到恢复或取消
func (c *Controller) gate() error {
	c.mu.Lock()
	if c.cancelled || c.ctx.Err() != nil {
		c.mu.Unlock()
		return errCancelled
	}
	if c.status != domain.ScanStatusPaused {
		c.mu.Unlock()
		return nil
	}
	resume := c.resumeCh
	c.mu.Unlock()

	c.persistStatus(domain.ScanStatusPaused)
	c.log.Info("worker paused")

	select {
	case <-resume:
	case <-c.ctx.Done():
	}

	c.mu.Lock()
	cancelled := c.cancelled || c.ctx.Err() != nil
	c.mu.Unlock()
	if cancelled {
		return errCancelled
	}
	c.persistStatus(domain.ScanStatusRunning)
	c.log.Info("worker resumed")
	return nil
}

func (c *Controller) isCancelled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancelled || c.ctx.Err() != nil
}

// storeCtx 持久化使用的上下文，不随任务取消而失效
func (c *Controller) storeCtx() context.Context {
	return context.WithoutCancel(c.ctx)
}

func (c *Controller) persistStatus(status domain.ScanStatus) {
	err := c.deps.Jobs.UpdateScanStatus(c.storeCtx(), c.job.ID, status, c.deps.Now())
	if err != nil {
		c.log.Warn("failed to persist status", zap.String("status", string(status)), zap.Error(err))
	}
	c.publish(domain.JobEventState, status, nil)
}

func (c *Controller) checkpoint() {
	c.mu.Lock()
	account := c.account
	c.mu.Unlock()

	p := domain.ScanProgress{
		MessagesScanned:  int(c.scanned.Load()),
		AttachmentsSaved: int(c.saved.Load()),
		CurrentAccount:   account,
	}
	if err := c.deps.Jobs.SaveScanProgress(c.storeCtx(), c.job.ID, p); err != nil {
		c.log.Warn("checkpoint failed", zap.Error(err))
	}
	c.publish(domain.JobEventProgress, "", p)
}

// finish 写入终态，只调用一次
func (c *Controller) finish(status domain.ScanStatus, errMsg string) {
	c.mu.Lock()
	c.status = status
	c.errMessage = errMsg
	c.appendLogLocked("info", fmt.Sprintf("job finished: %s", status))
	c.mu.Unlock()

	result := domain.ScanResult{
		Status:           status,
		MessagesScanned:  int(c.scanned.Load()),
		AttachmentsSaved: int(c.saved.Load()),
		ErrorMessage:     errMsg,
		EndedAt:          c.deps.Now(),
	}
	if err := c.deps.Jobs.FinishScanJob(c.storeCtx(), c.job.ID, result); err != nil {
		c.log.Error("failed to persist final status", zap.String("status", string(status)), zap.Error(err))
	}
	c.deps.Metrics.JobFinished(status, c.elapsed())
	c.publish(domain.JobEventState, status, nil)

	fields := []zap.Field{
		zap.String("status", string(status)),
		zap.Int("messages", result.MessagesScanned),
		zap.Int("attachments", result.AttachmentsSaved),
		zap.Duration("elapsed", c.elapsed()),
	}
	if errMsg != "" {
		fields = append(fields, zap.String("error", errMsg))
	}
	c.log.Info("scan job finished", fields...)
}

func (c *Controller) publish(t domain.JobEventType, status domain.ScanStatus, data any) {
	if c.deps.Events == nil {
		return
	}
	c.deps.Events.Publish(domain.JobEvent{
		Type:      t,
		JobID:     c.job.ID,
		OwnerID:   c.job.OwnerID,
		Status:    status,
		Data:      data,
		Timestamp: c.deps.Now().UTC(),
	})
}

func (c *Controller) logf(level, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	c.mu.Lock()
	c.appendLogLocked(level, msg)
	c.mu.Unlock()

	switch level {
	case "error":
		c.log.Error(msg)
	case "warn":
		c.log.Warn(msg)
	default:
		c.log.Debug(msg)
	}
}

func (c *Controller) appendLogLocked(level, msg string) {
	c.logs = append(c.logs, LogEntry{Time: c.deps.Now().UTC(), Level: level, Message: msg})
	if over := len(c.logs) - c.opts.LogTail; over > 0 {
		c.logs = append(c.logs[:0:0], c.logs[over:]...)
	}
}

type nopRecorder struct{}

func (nopRecorder) MessageProcessed(Outcome)                     {}
func (nopRecorder) AttachmentSaved(int64)                        {}
func (nopRecorder) DuplicateAttachment()                         {}
func (nopRecorder) JobFinished(domain.ScanStatus, time.Duration) {}
