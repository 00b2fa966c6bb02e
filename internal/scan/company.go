package scan

import (
	"context"
	"time"

	"github.com/google/uuid"

	"brokerdesk/backend/internal/cache"
	"brokerdesk/backend/internal/domain"
	"brokerdesk/backend/internal/storage"
)

// CompanyResolver 按发件人域名识别来源公司，结果在进程内缓存。
type CompanyResolver struct {
	repo  storage.CompanyRepository
	cache *cache.LocalCache[*domain.Company]
}

// NewCompanyResolver 创建公司识别器
func NewCompanyResolver(repo storage.CompanyRepository, ttl time.Duration) *CompanyResolver {
	return &CompanyResolver{
		repo:  repo,
		cache: cache.NewLocalCache[*domain.Company](1024, ttl),
	}
}

// Resolve 返回发件人对应的公司，无法识别时返回 nil
func (r *CompanyResolver) Resolve(ctx context.Context, sender string) (*domain.Company, error) {
	emailDomain := SenderDomain(sender)
	if emailDomain == "" {
		return nil, nil
	}
	if c, ok := r.cache.Get(emailDomain); ok {
		return c, nil
	}

	c, err := r.repo.FindOrCreateCompany(ctx, &domain.Company{
		ID:          uuid.NewString(),
		Name:        CompanyNameFromDomain(emailDomain),
		EmailDomain: emailDomain,
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}
	r.cache.Set(emailDomain, c, 0)
	return c, nil
}

// RecordDocument 公司文档计数加一
func (r *CompanyResolver) RecordDocument(ctx context.Context, companyID string, at time.Time) error {
	return r.repo.RecordCompanyDocument(ctx, companyID, at)
}

// Close 停止缓存清理协程
func (r *CompanyResolver) Close() {
	r.cache.Stop()
}
