package sql

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"brokerdesk/backend/internal/domain"
	"brokerdesk/backend/internal/storage"
)

// EnqueueOutbound 写入一条待发送消息
func (s *Store) EnqueueOutbound(ctx context.Context, msg *domain.OutboundMessage) error {
	if msg.Status == "" {
		msg.Status = domain.OutboundStatusPending
	}
	return s.db.WithContext(ctx).Create(msg).Error
}

// GetOutbound 根据 ID 获取外发消息
func (s *Store) GetOutbound(ctx context.Context, id string) (*domain.OutboundMessage, error) {
	var m domain.OutboundMessage
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&m).Error; err != nil {
		return nil, notFound(err)
	}
	return &m, nil
}

// ListDueOutbound 按入队顺序返回到期的待发送消息
func (s *Store) ListDueOutbound(ctx context.Context, now time.Time, maxAttempts, limit int) ([]domain.OutboundMessage, error) {
	var list []domain.OutboundMessage
	err := s.db.WithContext(ctx).
		Where("status = ? AND attempts < ?", domain.OutboundStatusPending, maxAttempts).
		Where("scheduled_at IS NULL OR scheduled_at <= ?", now.UTC()).
		Order("created_at ASC, id ASC").
		Limit(limit).
		Find(&list).Error
	return list, err
}

// MarkOutboundSent 将待发送消息标记为已发送
func (s *Store) MarkOutboundSent(ctx context.Context, id, providerMessageID string, at time.Time) error {
	res := s.db.WithContext(ctx).Model(&domain.OutboundMessage{}).
		Where("id = ? AND status = ?", id, domain.OutboundStatusPending).
		Updates(map[string]any{
			"status":              domain.OutboundStatusSent,
			"sent_at":             at.UTC(),
			"provider_message_id": providerMessageID,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := s.GetOutbound(ctx, id); err != nil {
			return err
		}
		return storage.ErrStateConflict
	}
	return nil
}

// RecordOutboundFailure 记录一次发送失败
func (s *Store) RecordOutboundFailure(ctx context.Context, id, errMsg string, maxAttempts int, retryAt *time.Time) (domain.OutboundStatus, error) {
	var status domain.OutboundStatus
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var m domain.OutboundMessage
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).First(&m).Error; err != nil {
			return notFound(err)
		}
		status = m.Status
		if m.Status != domain.OutboundStatusPending {
			return storage.ErrStateConflict
		}

		updates := map[string]any{
			"attempts":   m.Attempts + 1,
			"last_error": errMsg,
		}
		status = domain.OutboundStatusPending
		if m.Attempts+1 >= maxAttempts {
			status = domain.OutboundStatusError
			updates["status"] = status
		} else if retryAt != nil {
			updates["scheduled_at"] = retryAt.UTC()
		}
		return tx.Model(&domain.OutboundMessage{}).Where("id = ?", id).Updates(updates).Error
	})
	return status, err
}
