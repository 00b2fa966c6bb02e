package sql

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"brokerdesk/backend/internal/domain"
	"brokerdesk/backend/internal/storage"
)

// Store 基于 GORM 的关系型存储实现，支持 PostgreSQL 与 MySQL。
type Store struct {
	db *gorm.DB
}

var _ storage.Store = (*Store)(nil)

// PoolOptions 连接池参数
type PoolOptions struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewStore 创建 PostgreSQL 存储实例
func NewStore(dsn string, opts PoolOptions) (*Store, error) {
	return NewStoreWithDialector(postgres.Open(dsn), opts)
}

// NewMySQLStore 创建 MySQL 存储实例
func NewMySQLStore(dsn string, opts PoolOptions) (*Store, error) {
	return NewStoreWithDialector(mysql.Open(dsn), opts)
}

// NewStoreWithDialector 使用指定的GORM dialector创建存储实例
func NewStoreWithDialector(dialector gorm.Dialector, opts PoolOptions) (*Store, error) {
	config := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	db, err := gorm.Open(dialector, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	if opts.MaxOpenConns <= 0 {
		opts.MaxOpenConns = 25
	}
	if opts.MaxIdleConns <= 0 {
		opts.MaxIdleConns = 5
	}
	if opts.ConnMaxLifetime <= 0 {
		opts.ConnMaxLifetime = 5 * time.Minute
	}
	sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
	sqlDB.SetMaxIdleConns(opts.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(opts.ConnMaxLifetime)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// migrate 自动迁移数据库表结构
func (s *Store) migrate() error {
	return s.db.AutoMigrate(
		&domain.ScanJob{},
		&domain.ProcessedMessage{},
		&domain.FolderWatermark{},
		&domain.DownloadedAttachment{},
		&domain.MailAccount{},
		&domain.Company{},
		&domain.Contact{},
		&domain.OutboundMessage{},
	)
}

// Close 关闭数据库连接
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Health 检查数据库连接
func (s *Store) Health() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return sqlDB.PingContext(ctx)
}

// notFound 将 gorm 的未找到错误转换为存储层错误
func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return storage.ErrNotFound
	}
	return err
}

// ========== Account Repository ==========

// SaveAccount 保存邮箱账户
func (s *Store) SaveAccount(ctx context.Context, account *domain.MailAccount) error {
	return s.db.WithContext(ctx).Save(account).Error
}

// GetAccount 根据 ID 获取邮箱账户
func (s *Store) GetAccount(ctx context.Context, id string) (*domain.MailAccount, error) {
	var account domain.MailAccount
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&account).Error; err != nil {
		return nil, notFound(err)
	}
	return &account, nil
}

// ListAccountsByOwner 列出用户的全部邮箱账户
func (s *Store) ListAccountsByOwner(ctx context.Context, ownerID string) ([]domain.MailAccount, error) {
	var accounts []domain.MailAccount
	err := s.db.WithContext(ctx).Where("owner_id = ?", ownerID).Order("address ASC").Find(&accounts).Error
	return accounts, err
}

// MarkAccountScanned 记录账户最近一次扫描时间
func (s *Store) MarkAccountScanned(ctx context.Context, id string, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&domain.MailAccount{}).Where("id = ?", id).Update("last_scanned_at", at.UTC())
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ========== Company Repository ==========

// FindOrCreateCompany 按邮箱域名查找公司，不存在时创建
func (s *Store) FindOrCreateCompany(ctx context.Context, company *domain.Company) (*domain.Company, error) {
	var out domain.Company
	err := s.db.WithContext(ctx).
		Where("email_domain = ?", company.EmailDomain).
		Attrs(company).
		FirstOrCreate(&out).Error
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// RecordCompanyDocument 公司文档计数加一
func (s *Store) RecordCompanyDocument(ctx context.Context, id string, at time.Time) error {
	at = at.UTC()
	res := s.db.WithContext(ctx).Model(&domain.Company{}).Where("id = ?", id).Updates(map[string]any{
		"document_count":    gorm.Expr("document_count + 1"),
		"first_document_at": gorm.Expr("COALESCE(first_document_at, ?)", at),
		"last_document_at":  at,
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ========== Contact Repository ==========

// SaveContact 保存联系人
func (s *Store) SaveContact(ctx context.Context, contact *domain.Contact) error {
	return s.db.WithContext(ctx).Save(contact).Error
}

// GetContact 根据 ID 获取联系人
func (s *Store) GetContact(ctx context.Context, id string) (*domain.Contact, error) {
	var contact domain.Contact
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&contact).Error; err != nil {
		return nil, notFound(err)
	}
	return &contact, nil
}

// MarkContactSent 记录联系人最近一次发送时间
func (s *Store) MarkContactSent(ctx context.Context, id string, at time.Time) error {
	return s.db.WithContext(ctx).Model(&domain.Contact{}).Where("id = ?", id).Update("last_sent_at", at.UTC()).Error
}

// ========== Attachment Repository ==========

// SaveAttachment 保存附件记录
func (s *Store) SaveAttachment(ctx context.Context, a *domain.DownloadedAttachment) error {
	return s.db.WithContext(ctx).Create(a).Error
}

// GetAttachment 根据 ID 获取附件记录
func (s *Store) GetAttachment(ctx context.Context, id string) (*domain.DownloadedAttachment, error) {
	var a domain.DownloadedAttachment
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&a).Error; err != nil {
		return nil, notFound(err)
	}
	return &a, nil
}

// ListAttachmentsByJob 列出任务保存的附件
func (s *Store) ListAttachmentsByJob(ctx context.Context, jobID string) ([]domain.DownloadedAttachment, error) {
	var list []domain.DownloadedAttachment
	err := s.db.WithContext(ctx).Where("job_id = ?", jobID).Order("downloaded_at ASC").Find(&list).Error
	return list, err
}
