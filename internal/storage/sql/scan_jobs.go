package sql

import (
	"context"
	"time"

	"gorm.io/gorm"

	"brokerdesk/backend/internal/domain"
	"brokerdesk/backend/internal/storage"
)

var liveStatuses = []domain.ScanStatus{
	domain.ScanStatusPending,
	domain.ScanStatusRunning,
	domain.ScanStatusPaused,
}

// CreateScanJob 创建扫描任务
func (s *Store) CreateScanJob(ctx context.Context, job *domain.ScanJob) error {
	return s.db.WithContext(ctx).Create(job).Error
}

// GetScanJob 根据 ID 获取扫描任务
func (s *Store) GetScanJob(ctx context.Context, id string) (*domain.ScanJob, error) {
	var job domain.ScanJob
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&job).Error; err != nil {
		return nil, notFound(err)
	}
	return &job, nil
}

// ListScanJobsByOwner 按创建时间倒序列出用户的扫描任务
func (s *Store) ListScanJobsByOwner(ctx context.Context, ownerID string, limit int) ([]domain.ScanJob, error) {
	var jobs []domain.ScanJob
	q := s.db.WithContext(ctx).Where("owner_id = ?", ownerID).Order("created_at DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	return jobs, q.Find(&jobs).Error
}

// ListLiveScanJobs 列出仍处于活动状态的任务，ownerID 为空时返回全部
func (s *Store) ListLiveScanJobs(ctx context.Context, ownerID string) ([]domain.ScanJob, error) {
	var jobs []domain.ScanJob
	q := s.db.WithContext(ctx).Where("status IN ?", liveStatuses)
	if ownerID != "" {
		q = q.Where("owner_id = ?", ownerID)
	}
	return jobs, q.Find(&jobs).Error
}

// UpdateScanStatus 切换活动状态，已结束的任务不受影响
func (s *Store) UpdateScanStatus(ctx context.Context, id string, status domain.ScanStatus, at time.Time) error {
	updates := map[string]any{"status": status}
	if status == domain.ScanStatusRunning {
		updates["started_at"] = gorm.Expr("COALESCE(started_at, ?)", at.UTC())
	}
	q := s.db.WithContext(ctx).Model(&domain.ScanJob{}).Where("id = ? AND status IN ?", id, liveStatuses)
	res := q.Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return s.missingOrConflict(ctx, id)
	}
	return nil
}

// SaveScanProgress 写入进度检查点
func (s *Store) SaveScanProgress(ctx context.Context, id string, p domain.ScanProgress) error {
	res := s.db.WithContext(ctx).Model(&domain.ScanJob{}).Where("id = ?", id).Updates(map[string]any{
		"messages_scanned":  p.MessagesScanned,
		"attachments_saved": p.AttachmentsSaved,
		"current_account":   p.CurrentAccount,
	})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// FinishScanJob 写入终态，仅对活动任务生效
func (s *Store) FinishScanJob(ctx context.Context, id string, r domain.ScanResult) error {
	res := s.db.WithContext(ctx).Model(&domain.ScanJob{}).
		Where("id = ? AND status IN ?", id, liveStatuses).
		Updates(map[string]any{
			"status":            r.Status,
			"messages_scanned":  r.MessagesScanned,
			"attachments_saved": r.AttachmentsSaved,
			"error_message":     r.ErrorMessage,
			"ended_at":          r.EndedAt.UTC(),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return s.missingOrConflict(ctx, id)
	}
	return nil
}

func (s *Store) missingOrConflict(ctx context.Context, id string) error {
	var count int64
	if err := s.db.WithContext(ctx).Model(&domain.ScanJob{}).Where("id = ?", id).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return storage.ErrNotFound
	}
	return storage.ErrStateConflict
}
