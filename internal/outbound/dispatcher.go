// Package outbound 实现外发消息队列：轮询待发送条目，经 WhatsApp API 或手动链接发送，
// 失败重试并在发送之间限速。
package outbound

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"brokerdesk/backend/internal/config"
	"brokerdesk/backend/internal/domain"
	"brokerdesk/backend/internal/storage"
)

const (
	// ModeAPI 通过 WhatsApp API 自动发送
	ModeAPI = "api"
	// ModeManual 仅生成 wa.me 链接，由用户手动发送
	ModeManual = "manual"

	maxRetryDelay = time.Hour
)

// Recorder 队列指标
type Recorder interface {
	OutboundResult(status domain.OutboundStatus)
}

// Deps 调度器依赖
type Deps struct {
	Messages    storage.OutboundRepository
	Contacts    storage.ContactRepository
	Attachments storage.AttachmentRepository
	Transport   Transport // api 模式使用
	Metrics     Recorder  // 可选
	Logger      *zap.Logger
	Now         func() time.Time
}

// Dispatcher 进程内唯一的外发队列消费者
type Dispatcher struct {
	deps    Deps
	cfg     config.OutboundConfig
	limiter *rate.Limiter
	log     *zap.Logger
	jitter  func(max time.Duration) time.Duration

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewDispatcher 创建调度器
func NewDispatcher(cfg config.OutboundConfig, deps Deps) *Dispatcher {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}

	limit := rate.Inf
	if cfg.SendInterval > 0 {
		limit = rate.Every(cfg.SendInterval)
	}

	d := &Dispatcher{
		deps:    deps,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, 1),
		log:     deps.Logger.Named("outbound"),
		jitter: func(max time.Duration) time.Duration {
			if max <= 0 {
				return 0
			}
			return rand.N(max)
		},
	}
	if cfg.Mode == ModeAPI && d.Mode() == ModeManual {
		d.log.Warn("whatsapp api is not configured, falling back to manual mode")
	}
	return d
}

// Mode 返回实际生效的发送模式。api 模式需要通道存在且凭据齐全。
func (d *Dispatcher) Mode() string {
	if d.cfg.Mode != ModeAPI || d.deps.Transport == nil {
		return ModeManual
	}
	if t, ok := d.deps.Transport.(configurable); ok && !t.Configured() {
		return ModeManual
	}
	return ModeAPI
}

// Start 启动轮询协程。已在运行时返回 false。
func (d *Dispatcher) Start(ctx context.Context) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return false
	}

	ctx, cancel := context.WithCancel(ctx)
	d.running = true
	d.cancel = cancel
	d.done = make(chan struct{})
	go d.loop(ctx, d.done)

	d.log.Info("outbound dispatcher started",
		zap.String("mode", d.Mode()),
		zap.Duration("poll_interval", d.cfg.PollInterval),
		zap.Int("batch_size", d.cfg.BatchSize),
		zap.Int("max_retries", d.cfg.MaxRetries))
	return true
}

// Stop 停止轮询并等待协程退出
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	cancel, done := d.cancel, d.done
	d.mu.Unlock()

	cancel()
	<-done

	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
	d.log.Info("outbound dispatcher stopped")
}

// Running 调度器是否在运行
func (d *Dispatcher) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

func (d *Dispatcher) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := d.RunOnce(ctx); err != nil && ctx.Err() == nil {
			d.log.Error("outbound batch failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce 处理一批到期消息，返回处理条数
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	due, err := d.deps.Messages.ListDueOutbound(ctx, d.deps.Now(), d.cfg.MaxRetries, d.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("list due messages: %w", err)
	}

	handled := 0
	for i := range due {
		if err := d.limiter.Wait(ctx); err != nil {
			return handled, nil
		}
		d.handle(ctx, &due[i])
		handled++
	}
	return handled, nil
}

func (d *Dispatcher) handle(ctx context.Context, msg *domain.OutboundMessage) {
	log := d.log.With(zap.String("message_id", msg.ID), zap.Int("attempts", msg.Attempts))

	providerID, contact, err := d.deliver(ctx, msg)
	// 已经发出的消息即使调度器正在停止也要落库
	storeCtx := context.WithoutCancel(ctx)

	if err != nil {
		d.fail(storeCtx, log, msg, err)
		return
	}

	now := d.deps.Now()
	if err := d.deps.Messages.MarkOutboundSent(storeCtx, msg.ID, providerID, now); err != nil {
		log.Warn("failed to mark message sent", zap.Error(err))
		return
	}
	if err := d.deps.Contacts.MarkContactSent(storeCtx, contact.ID, now); err != nil {
		log.Warn("failed to stamp contact", zap.String("contact_id", contact.ID), zap.Error(err))
	}
	d.record(domain.OutboundStatusSent)
	log.Info("message sent", zap.String("contact", contact.FullName()), zap.String("provider_id", providerID))
}

// deliver 发送单条消息；panic 只影响当前条目
func (d *Dispatcher) deliver(ctx context.Context, msg *domain.OutboundMessage) (providerID string, contact *domain.Contact, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("panic while sending", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	contact, err = d.deps.Contacts.GetContact(ctx, msg.ContactID)
	if err != nil {
		return "", nil, fmt.Errorf("load contact: %w", err)
	}
	if d.Mode() == ModeManual {
		return "", contact, nil
	}

	req := SendRequest{Phone: contact.Phone, Body: msg.Body}
	if msg.AttachmentID != nil {
		att, err := d.deps.Attachments.GetAttachment(ctx, *msg.AttachmentID)
		if err != nil {
			return "", contact, fmt.Errorf("load attachment: %w", err)
		}
		req.Document = &Document{FileName: att.FileName, Caption: msg.Body}
	}

	providerID, err = d.deps.Transport.Send(ctx, req)
	return providerID, contact, err
}

func (d *Dispatcher) fail(ctx context.Context, log *zap.Logger, msg *domain.OutboundMessage, cause error) {
	var retryAt *time.Time
	if delay := d.retryDelay(msg.Attempts); delay > 0 {
		t := d.deps.Now().Add(delay)
		retryAt = &t
	}

	status, err := d.deps.Messages.RecordOutboundFailure(ctx, msg.ID, cause.Error(), d.cfg.MaxRetries, retryAt)
	if err != nil {
		log.Error("failed to record send failure", zap.NamedError("cause", cause), zap.Error(err))
		return
	}
	d.record(status)

	fields := []zap.Field{zap.Error(cause), zap.String("status", string(status))}
	if retryAt != nil && status == domain.OutboundStatusPending {
		fields = append(fields, zap.Time("retry_at", *retryAt))
	}
	if errors.Is(cause, ErrNotConfigured) {
		log.Warn("transport not configured", fields...)
		return
	}
	log.Warn("message send failed", fields...)
}

// retryDelay 指数退避加抖动：base * 2^attempts + [0, 一半)
func (d *Dispatcher) retryDelay(attempts int) time.Duration {
	base := d.cfg.RetryBackoff
	if base <= 0 {
		return 0
	}
	delay := base
	for i := 0; i < attempts && delay < maxRetryDelay; i++ {
		delay *= 2
	}
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	return delay + d.jitter(delay/2)
}

func (d *Dispatcher) record(status domain.OutboundStatus) {
	if d.deps.Metrics != nil {
		d.deps.Metrics.OutboundResult(status)
	}
}
