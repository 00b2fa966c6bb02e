package storage

import (
	"context"
	"errors"
	"time"

	"brokerdesk/backend/internal/domain"
)

var (
	// ErrNotFound 记录不存在
	ErrNotFound = errors.New("record not found")
	// ErrStateConflict 记录当前状态不允许该迁移（例如已处于终态）
	ErrStateConflict = errors.New("record state conflict")
)

// ScanJobRepository 定义扫描任务的存取操作。
type ScanJobRepository interface {
	CreateScanJob(ctx context.Context, job *domain.ScanJob) error
	GetScanJob(ctx context.Context, id string) (*domain.ScanJob, error)
	ListScanJobsByOwner(ctx context.Context, ownerID string, limit int) ([]domain.ScanJob, error)
	ListLiveScanJobs(ctx context.Context, ownerID string) ([]domain.ScanJob, error)
	// UpdateScanStatus 只在任务未结束时切换活动状态（pending/running/paused）。
	UpdateScanStatus(ctx context.Context, id string, status domain.ScanStatus, at time.Time) error
	SaveScanProgress(ctx context.Context, id string, progress domain.ScanProgress) error
	// FinishScanJob 写入终态，仅生效一次；任务已结束时返回 ErrStateConflict。
	FinishScanJob(ctx context.Context, id string, result domain.ScanResult) error
}

// LedgerRepository 定义去重账本与文件夹水位的存取操作。
type LedgerRepository interface {
	IsProcessed(ctx context.Context, accountID, messageID, folder string) (bool, error)
	RecordProcessed(ctx context.Context, entries ...domain.ProcessedMessage) error
	GetWatermark(ctx context.Context, accountID, folder string) (*domain.FolderWatermark, error)
	UpdateWatermark(ctx context.Context, summary domain.FolderScanSummary) error
	ListWatermarks(ctx context.Context, accountID string) ([]domain.FolderWatermark, error)
}

// AttachmentRepository 定义已下载附件的存取操作。
type AttachmentRepository interface {
	SaveAttachment(ctx context.Context, attachment *domain.DownloadedAttachment) error
	GetAttachment(ctx context.Context, id string) (*domain.DownloadedAttachment, error)
	ListAttachmentsByJob(ctx context.Context, jobID string) ([]domain.DownloadedAttachment, error)
}

// AccountRepository 定义邮箱账户的存取操作。
type AccountRepository interface {
	SaveAccount(ctx context.Context, account *domain.MailAccount) error
	GetAccount(ctx context.Context, id string) (*domain.MailAccount, error)
	ListAccountsByOwner(ctx context.Context, ownerID string) ([]domain.MailAccount, error)
	MarkAccountScanned(ctx context.Context, id string, at time.Time) error
}

// CompanyRepository 定义来源公司的存取操作。
type CompanyRepository interface {
	FindOrCreateCompany(ctx context.Context, company *domain.Company) (*domain.Company, error)
	RecordCompanyDocument(ctx context.Context, id string, at time.Time) error
}

// ContactRepository 定义联系人的存取操作。
type ContactRepository interface {
	SaveContact(ctx context.Context, contact *domain.Contact) error
	GetContact(ctx context.Context, id string) (*domain.Contact, error)
	MarkContactSent(ctx context.Context, id string, at time.Time) error
}

// OutboundRepository 定义外发队列的存取操作。
// 状态迁移只从 pending 出发，sent 与 error 为终态。
type OutboundRepository interface {
	EnqueueOutbound(ctx context.Context, msg *domain.OutboundMessage) error
	GetOutbound(ctx context.Context, id string) (*domain.OutboundMessage, error)
	// ListDueOutbound 返回到期的 pending 消息，按创建时间升序。
	ListDueOutbound(ctx context.Context, now time.Time, maxAttempts, limit int) ([]domain.OutboundMessage, error)
	MarkOutboundSent(ctx context.Context, id, providerMessageID string, at time.Time) error
	// RecordOutboundFailure 尝试次数加一并记录错误；达到上限时转为 error，
	// 否则保持 pending 并按 retryAt 重新调度。返回迁移后的状态。
	RecordOutboundFailure(ctx context.Context, id, errMsg string, maxAttempts int, retryAt *time.Time) (domain.OutboundStatus, error)
}

// Store 定义完整的存储接口。
type Store interface {
	ScanJobRepository
	LedgerRepository
	AttachmentRepository
	AccountRepository
	CompanyRepository
	ContactRepository
	OutboundRepository

	Close() error
	Health() error
}
