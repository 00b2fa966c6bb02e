package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"brokerdesk/backend/internal/config"
	"brokerdesk/backend/internal/domain"
	"brokerdesk/backend/internal/mailbox"
	"brokerdesk/backend/internal/scan"
	"brokerdesk/backend/internal/storage"
)

var (
	// ErrScanInProgress 该用户已有进行中的扫描任务
	ErrScanInProgress = errors.New("a scan job is already in progress")
	// ErrNoAccounts 未选择账户
	ErrNoAccounts = errors.New("at least one account is required")
	// ErrTooManyAccounts 账户数超过单任务上限
	ErrTooManyAccounts = errors.New("too many accounts for one scan job")
	// ErrAccountNotFound 账户不存在或不属于当前用户
	ErrAccountNotFound = errors.New("account not found")
	// ErrAccountInactive 账户已停用
	ErrAccountInactive = errors.New("account is inactive")
	// ErrInvalidDateRange since 不早于 before
	ErrInvalidDateRange = errors.New("since must be before before")
	// ErrJobNotFound 任务不存在或不属于当前用户
	ErrJobNotFound = errors.New("scan job not found")
)

// orphanMessage 记录在被收回的孤儿任务上
const orphanMessage = "job was interrupted before it finished"

// ScanStore 扫描服务需要的存储能力
type ScanStore interface {
	storage.ScanJobRepository
	storage.LedgerRepository
	storage.AttachmentRepository
	storage.AccountRepository
}

// ScanService 扫描任务的控制面：校验、启动、查询、暂停/恢复/取消。
type ScanService struct {
	store    ScanStore
	registry *scan.Registry
	deps     scan.Deps
	opts     scan.Options
	cfg      config.ScanConfig
	log      *zap.Logger
	now      func() time.Time

	// startMu 串行化任务的创建与孤儿收回：StartScan 在持锁期间写入记录并登记控制器，
	// 收回路径持锁后重新确认控制器是否存在
	startMu sync.Mutex
}

// NewScanService 创建扫描服务。deps 是每个任务控制器共享的依赖。
func NewScanService(cfg config.ScanConfig, store ScanStore, registry *scan.Registry, deps scan.Deps) *ScanService {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &ScanService{
		store:    store,
		registry: registry,
		deps:     deps,
		opts: scan.Options{
			CheckpointEvery: cfg.CheckpointEvery,
			WatermarkSlack:  cfg.WatermarkSlack,
			LogTail:         cfg.LogTail,
		},
		cfg: cfg,
		log: log.Named("scan_service"),
		now: now,
	}
}

// StartScanInput 启动扫描的参数
type StartScanInput struct {
	OwnerID     string
	AccountIDs  []string
	Keywords    []string
	Folders     []string
	Since       *time.Time
	Before      *time.Time
	ForceRescan bool
}

// JobStatus 持久化记录与实时快照
type JobStatus struct {
	Job  domain.ScanJob `json:"job"`
	Live *scan.Snapshot `json:"live,omitempty"`
}

// StartScan 校验参数、持久化 pending 任务并启动工作协程
func (s *ScanService) StartScan(ctx context.Context, input StartScanInput) (*domain.ScanJob, error) {
	accountIDs := dedupe(input.AccountIDs)
	switch {
	case len(accountIDs) == 0:
		return nil, ErrNoAccounts
	case s.cfg.MaxAccountsPerJob > 0 && len(accountIDs) > s.cfg.MaxAccountsPerJob:
		return nil, ErrTooManyAccounts
	}
	if input.Since != nil && input.Before != nil && !input.Before.After(*input.Since) {
		return nil, ErrInvalidDateRange
	}

	accounts := make([]domain.MailAccount, 0, len(accountIDs))
	for _, id := range accountIDs {
		account, err := s.ownedAccount(ctx, input.OwnerID, id)
		if err != nil {
			return nil, err
		}
		if !account.Active {
			return nil, fmt.Errorf("%w: %s", ErrAccountInactive, account.Address)
		}
		accounts = append(accounts, *account)
	}

	folders := dedupe(input.Folders)
	if len(folders) == 0 {
		folders = append([]string(nil), s.cfg.DefaultFolders...)
	}
	if len(folders) == 0 {
		folders = []string{"INBOX"}
	}

	s.startMu.Lock()
	defer s.startMu.Unlock()

	if err := s.reconcileOrphansLocked(ctx, input.OwnerID); err != nil {
		return nil, err
	}
	live, err := s.store.ListLiveScanJobs(ctx, input.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("list live jobs: %w", err)
	}
	if len(live) > 0 {
		return nil, ErrScanInProgress
	}

	job := &domain.ScanJob{
		ID:          uuid.NewString(),
		OwnerID:     input.OwnerID,
		AccountIDs:  accountIDs,
		Keywords:    dedupe(input.Keywords),
		Folders:     folders,
		Since:       input.Since,
		Before:      input.Before,
		ForceRescan: input.ForceRescan,
		Status:      domain.ScanStatusPending,
		CreatedAt:   s.now().UTC(),
	}
	if err := s.store.CreateScanJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create scan job: %w", err)
	}

	ctrl := scan.NewController(*job, accounts, s.deps, s.opts)
	if err := s.registry.Start(ctrl); err != nil {
		s.finishRow(ctx, job, domain.ScanStatusError, err.Error())
		return nil, err
	}

	s.log.Info("scan job started",
		zap.String("job_id", job.ID),
		zap.String("owner_id", job.OwnerID),
		zap.Int("accounts", len(accounts)),
		zap.Strings("folders", folders))
	return s.store.GetScanJob(ctx, job.ID)
}

// Status 返回任务状态。没有控制器的活动记录会被收回为 cancelled；
// 已结束的控制器在读到最终状态后从注册表移除。
func (s *ScanService) Status(ctx context.Context, ownerID, jobID string) (*JobStatus, error) {
	job, err := s.ownedJob(ctx, ownerID, jobID)
	if err != nil {
		return nil, err
	}

	ctrl, ok := s.registry.Get(jobID)
	if !ok {
		if !job.Status.IsLive() {
			return &JobStatus{Job: *job}, nil
		}
		if ctrl, ok = s.reclaimOrphan(ctx, job); !ok {
			return s.reload(ctx, jobID, nil)
		}
	}

	snap := ctrl.Status()
	if !snap.Status.IsTerminal() {
		return &JobStatus{Job: *job, Live: &snap}, nil
	}

	select {
	case <-ctrl.Done():
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	s.registry.Remove(jobID)
	snap = ctrl.Status()
	return s.reload(ctx, jobID, &snap)
}

// Pause 暂停任务，false 表示当前状态不适用
func (s *ScanService) Pause(ctx context.Context, ownerID, jobID string) (bool, error) {
	ctrl, err := s.controller(ctx, ownerID, jobID)
	if err != nil || ctrl == nil {
		return false, err
	}
	return ctrl.Pause(), nil
}

// Resume 恢复任务，false 表示当前状态不适用
func (s *ScanService) Resume(ctx context.Context, ownerID, jobID string) (bool, error) {
	ctrl, err := s.controller(ctx, ownerID, jobID)
	if err != nil || ctrl == nil {
		return false, err
	}
	return ctrl.Resume(), nil
}

// Cancel 取消任务。没有控制器的活动记录直接收回为 cancelled。
func (s *ScanService) Cancel(ctx context.Context, ownerID, jobID string) (bool, error) {
	job, err := s.ownedJob(ctx, ownerID, jobID)
	if err != nil {
		return false, err
	}
	if ctrl, ok := s.registry.Get(jobID); ok {
		return ctrl.Cancel(), nil
	}
	if !job.Status.IsLive() {
		return false, nil
	}

	s.startMu.Lock()
	defer s.startMu.Unlock()
	if ctrl, ok := s.registry.Get(jobID); ok {
		return ctrl.Cancel(), nil
	}
	return s.finishRow(ctx, job, domain.ScanStatusCancelled, ""), nil
}

// TestConnection 登录并立即登出，验证账户凭据
func (s *ScanService) TestConnection(ctx context.Context, ownerID, accountID string) error {
	account, err := s.ownedAccount(ctx, ownerID, accountID)
	if err != nil {
		return err
	}
	return mailbox.TestConnection(ctx, s.deps.Dialer, account)
}

// ListJobs 返回用户最近的任务记录
func (s *ScanService) ListJobs(ctx context.Context, ownerID string, limit int) ([]domain.ScanJob, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if err := s.reconcileOrphans(ctx, ownerID); err != nil {
		return nil, err
	}
	return s.store.ListScanJobsByOwner(ctx, ownerID, limit)
}

// Attachments 返回任务保存的附件
func (s *ScanService) Attachments(ctx context.Context, ownerID, jobID string) ([]domain.DownloadedAttachment, error) {
	if _, err := s.ownedJob(ctx, ownerID, jobID); err != nil {
		return nil, err
	}
	return s.store.ListAttachmentsByJob(ctx, jobID)
}

// Watermarks 返回账户各文件夹的水位
func (s *ScanService) Watermarks(ctx context.Context, ownerID, accountID string) ([]domain.FolderWatermark, error) {
	if _, err := s.ownedAccount(ctx, ownerID, accountID); err != nil {
		return nil, err
	}
	return s.store.ListWatermarks(ctx, accountID)
}

// controller 返回活动控制器；任务存在但没有控制器时返回 (nil, nil)
func (s *ScanService) controller(ctx context.Context, ownerID, jobID string) (*scan.Controller, error) {
	if _, err := s.ownedJob(ctx, ownerID, jobID); err != nil {
		return nil, err
	}
	ctrl, ok := s.registry.Get(jobID)
	if !ok {
		return nil, nil
	}
	return ctrl, nil
}

// reconcileOrphans 将没有运行中工作协程的活动记录收回为 cancelled
func (s *ScanService) reconcileOrphans(ctx context.Context, ownerID string) error {
	s.startMu.Lock()
	defer s.startMu.Unlock()
	return s.reconcileOrphansLocked(ctx, ownerID)
}

// reconcileOrphansLocked 调用方须持有 startMu
func (s *ScanService) reconcileOrphansLocked(ctx context.Context, ownerID string) error {
	live, err := s.store.ListLiveScanJobs(ctx, ownerID)
	if err != nil {
		return fmt.Errorf("list live jobs: %w", err)
	}
	for i := range live {
		if ctrl, ok := s.registry.Get(live[i].ID); ok {
			select {
			case <-ctrl.Done():
			default:
				continue
			}
		}
		s.finishRow(ctx, &live[i], domain.ScanStatusCancelled, orphanMessage)
	}
	return nil
}

// reclaimOrphan 持锁后重新查找控制器：找到则返回它，否则把记录收回为 cancelled
func (s *ScanService) reclaimOrphan(ctx context.Context, job *domain.ScanJob) (*scan.Controller, bool) {
	s.startMu.Lock()
	defer s.startMu.Unlock()
	if ctrl, ok := s.registry.Get(job.ID); ok {
		return ctrl, true
	}
	s.finishRow(ctx, job, domain.ScanStatusCancelled, orphanMessage)
	return nil, false
}

// finishRow 写入终态并保留已有的进度计数，返回是否由本次调用写入
func (s *ScanService) finishRow(ctx context.Context, job *domain.ScanJob, status domain.ScanStatus, msg string) bool {
	err := s.store.FinishScanJob(ctx, job.ID, domain.ScanResult{
		Status:           status,
		MessagesScanned:  job.MessagesScanned,
		AttachmentsSaved: job.AttachmentsSaved,
		ErrorMessage:     msg,
		EndedAt:          s.now(),
	})
	switch {
	case err == nil:
		s.log.Info("scan job reconciled", zap.String("job_id", job.ID), zap.String("status", string(status)))
		return true
	case errors.Is(err, storage.ErrStateConflict):
		return false
	default:
		s.log.Error("failed to finish scan job", zap.String("job_id", job.ID), zap.Error(err))
		return false
	}
}

func (s *ScanService) reload(ctx context.Context, jobID string, snap *scan.Snapshot) (*JobStatus, error) {
	job, err := s.store.GetScanJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return &JobStatus{Job: *job, Live: snap}, nil
}

func (s *ScanService) ownedJob(ctx context.Context, ownerID, jobID string) (*domain.ScanJob, error) {
	job, err := s.store.GetScanJob(ctx, jobID)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && job.OwnerID != ownerID) {
		return nil, ErrJobNotFound
	}
	return job, err
}

func (s *ScanService) ownedAccount(ctx context.Context, ownerID, accountID string) (*domain.MailAccount, error) {
	account, err := s.store.GetAccount(ctx, accountID)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && account.OwnerID != ownerID) {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
	}
	return account, err
}

// dedupe 去除空白项与重复项，保持原有顺序
func dedupe(items []string) []string {
	seen := make(map[string]struct{}, len(items))
	out := make([]string, 0, len(items))
	for _, item := range items {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		if _, ok := seen[item]; ok {
			continue
		}
		seen[item] = struct{}{}
		out = append(out, item)
	}
	return out
}
