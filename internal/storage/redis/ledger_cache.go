package redis

import (
	"context"
	"time"

	"go.uber.org/zap"

	"brokerdesk/backend/internal/domain"
	"brokerdesk/backend/internal/storage"
)

const ledgerKeyPrefix = "brokerdesk:ledger:"

// LedgerCache 在关系型账本之前加一层 Redis 集合缓存。
// 只缓存“已处理”的肯定结果；Redis 出错时直接回落到底层账本。
type LedgerCache struct {
	next   storage.LedgerRepository
	client *Client
	ttl    time.Duration
}

var _ storage.LedgerRepository = (*LedgerCache)(nil)

// NewLedgerCache 创建账本缓存
func NewLedgerCache(next storage.LedgerRepository, client *Client, ttl time.Duration) *LedgerCache {
	return &LedgerCache{next: next, client: client, ttl: ttl}
}

func ledgerKey(accountID, folder string) string {
	return ledgerKeyPrefix + accountID + ":" + folder
}

// IsProcessed 先查 Redis，未命中再查底层账本并回填
func (c *LedgerCache) IsProcessed(ctx context.Context, accountID, messageID, folder string) (bool, error) {
	key := ledgerKey(accountID, folder)
	hit, err := c.client.rdb.SIsMember(ctx, key, messageID).Result()
	if err != nil {
		c.client.log.Warn("ledger cache lookup failed", zap.String("key", key), zap.Error(err))
	} else if hit {
		return true, nil
	}

	ok, err := c.next.IsProcessed(ctx, accountID, messageID, folder)
	if err != nil || !ok {
		return ok, err
	}
	c.remember(ctx, key, messageID)
	return true, nil
}

// RecordProcessed 写入底层账本成功后再更新缓存
func (c *LedgerCache) RecordProcessed(ctx context.Context, entries ...domain.ProcessedMessage) error {
	if err := c.next.RecordProcessed(ctx, entries...); err != nil {
		return err
	}
	grouped := make(map[string][]any)
	for _, e := range entries {
		key := ledgerKey(e.AccountID, e.Folder)
		grouped[key] = append(grouped[key], e.MessageID)
	}
	for key, members := range grouped {
		c.remember(ctx, key, members...)
	}
	return nil
}

func (c *LedgerCache) remember(ctx context.Context, key string, members ...any) {
	pipe := c.client.rdb.TxPipeline()
	pipe.SAdd(ctx, key, members...)
	if c.ttl > 0 {
		pipe.Expire(ctx, key, c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		c.client.log.Warn("ledger cache update failed", zap.String("key", key), zap.Error(err))
	}
}

// GetWatermark 直接读取底层账本
func (c *LedgerCache) GetWatermark(ctx context.Context, accountID, folder string) (*domain.FolderWatermark, error) {
	return c.next.GetWatermark(ctx, accountID, folder)
}

// UpdateWatermark 直接写入底层账本
func (c *LedgerCache) UpdateWatermark(ctx context.Context, summary domain.FolderScanSummary) error {
	return c.next.UpdateWatermark(ctx, summary)
}

// ListWatermarks 直接读取底层账本
func (c *LedgerCache) ListWatermarks(ctx context.Context, accountID string) ([]domain.FolderWatermark, error) {
	return c.next.ListWatermarks(ctx, accountID)
}
