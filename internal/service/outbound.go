package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"brokerdesk/backend/internal/domain"
	"brokerdesk/backend/internal/outbound"
	"brokerdesk/backend/internal/storage"
)

var (
	// ErrContactNotFound 联系人不存在或不属于当前用户
	ErrContactNotFound = errors.New("contact not found")
	// ErrAttachmentNotFound 附件不存在或不属于当前用户
	ErrAttachmentNotFound = errors.New("attachment not found")
	// ErrOutboundNotFound 外发消息不存在或不属于当前用户
	ErrOutboundNotFound = errors.New("outbound message not found")
	// ErrEmptyMessage 渲染后的消息为空
	ErrEmptyMessage = errors.New("message body is empty")
)

// DefaultMessageTemplate 未指定模板时使用
const DefaultMessageTemplate = "Estimado/a {first_name},\n\nLe adjunto su póliza.\n\nSaludos cordiales."

// OutboundStore 外发服务需要的存储能力
type OutboundStore interface {
	storage.OutboundRepository
	storage.ContactRepository
	storage.AttachmentRepository
}

// ModeReporter 报告调度器实际生效的发送模式
type ModeReporter interface {
	Mode() string
}

// OutboundService 外发消息入队与查询
type OutboundService struct {
	store OutboundStore
	mode  ModeReporter
	log   *zap.Logger
	now   func() time.Time
}

// NewOutboundService 创建外发服务
func NewOutboundService(store OutboundStore, mode ModeReporter, log *zap.Logger) *OutboundService {
	if log == nil {
		log = zap.NewNop()
	}
	return &OutboundService{store: store, mode: mode, log: log.Named("outbound_service"), now: time.Now}
}

// EnqueueInput 入队参数
type EnqueueInput struct {
	OwnerID      string
	ContactID    string
	AttachmentID *string
	Template     string // 为空时使用 DefaultMessageTemplate
	Policy       *domain.PolicyInfo
	ScheduledAt  *time.Time
}

// EnqueueResult 入队结果，手动模式下附带 wa.me 链接
type EnqueueResult struct {
	Message    *domain.OutboundMessage `json:"message"`
	ManualLink string                  `json:"manualLink,omitempty"`
}

// Enqueue 校验联系人电话、渲染消息并写入 pending 条目
func (s *OutboundService) Enqueue(ctx context.Context, input EnqueueInput) (*EnqueueResult, error) {
	contact, err := s.store.GetContact(ctx, input.ContactID)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && contact.OwnerID != input.OwnerID) {
		return nil, ErrContactNotFound
	}
	if err != nil {
		return nil, err
	}

	phone, err := outbound.ValidatePhone(contact.Phone)
	if err != nil {
		return nil, err
	}

	if input.AttachmentID != nil {
		att, err := s.store.GetAttachment(ctx, *input.AttachmentID)
		if errors.Is(err, storage.ErrNotFound) || (err == nil && att.OwnerID != input.OwnerID) {
			return nil, ErrAttachmentNotFound
		}
		if err != nil {
			return nil, err
		}
	}

	tpl := input.Template
	if tpl == "" {
		tpl = DefaultMessageTemplate
	}
	body := outbound.RenderTemplate(tpl, contact, input.Policy)
	if body == "" {
		return nil, ErrEmptyMessage
	}

	now := s.now().UTC()
	msg := &domain.OutboundMessage{
		ID:           uuid.NewString(),
		OwnerID:      input.OwnerID,
		ContactID:    contact.ID,
		AttachmentID: input.AttachmentID,
		Body:         body,
		Status:       domain.OutboundStatusPending,
		ScheduledAt:  input.ScheduledAt,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	result := &EnqueueResult{Message: msg}
	if s.mode == nil || s.mode.Mode() == outbound.ModeManual {
		msg.ManualLink = outbound.ManualLink(phone, body)
		result.ManualLink = msg.ManualLink
	}

	if err := s.store.EnqueueOutbound(ctx, msg); err != nil {
		return nil, fmt.Errorf("enqueue outbound: %w", err)
	}
	s.log.Info("outbound message queued",
		zap.String("message_id", msg.ID),
		zap.String("contact_id", contact.ID),
		zap.Bool("document", input.AttachmentID != nil))
	return result, nil
}

// Get 返回消息当前状态、尝试次数与最近错误
func (s *OutboundService) Get(ctx context.Context, ownerID, id string) (*domain.OutboundMessage, error) {
	msg, err := s.store.GetOutbound(ctx, id)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && msg.OwnerID != ownerID) {
		return nil, ErrOutboundNotFound
	}
	return msg, err
}
