package sql

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"brokerdesk/backend/internal/domain"
	"brokerdesk/backend/internal/storage"
)

// IsProcessed 检查邮件是否已记入去重账本
func (s *Store) IsProcessed(ctx context.Context, accountID, messageID, folder string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&domain.ProcessedMessage{}).
		Where("account_id = ? AND message_id = ? AND folder = ?", accountID, messageID, folder).
		Count(&count).Error
	return count > 0, err
}

// RecordProcessed 批量写入账本条目，唯一键冲突时覆盖
func (s *Store) RecordProcessed(ctx context.Context, entries ...domain.ProcessedMessage) error {
	if len(entries) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "account_id"}, {Name: "message_id"}, {Name: "folder"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"has_attachments", "attachment_count", "processed_at", "job_id",
			}),
		}).
		CreateInBatches(entries, 100).Error
}

// GetWatermark 获取文件夹水位
func (s *Store) GetWatermark(ctx context.Context, accountID, folder string) (*domain.FolderWatermark, error) {
	var w domain.FolderWatermark
	err := s.db.WithContext(ctx).Where("account_id = ? AND folder = ?", accountID, folder).First(&w).Error
	if err != nil {
		return nil, notFound(err)
	}
	return &w, nil
}

// UpdateWatermark 在事务中合并文件夹扫描汇总
func (s *Store) UpdateWatermark(ctx context.Context, summary domain.FolderScanSummary) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var w domain.FolderWatermark
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("account_id = ? AND folder = ?", summary.AccountID, summary.Folder).
			First(&w).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		w.Apply(summary)
		return tx.Save(&w).Error
	})
}

// ListWatermarks 列出账户的全部文件夹水位
func (s *Store) ListWatermarks(ctx context.Context, accountID string) ([]domain.FolderWatermark, error) {
	var list []domain.FolderWatermark
	err := s.db.WithContext(ctx).Where("account_id = ?", accountID).Order("folder ASC").Find(&list).Error
	return list, err
}

var _ storage.LedgerRepository = (*Store)(nil)
