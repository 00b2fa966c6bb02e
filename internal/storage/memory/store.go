package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"brokerdesk/backend/internal/domain"
	"brokerdesk/backend/internal/storage"
)

// Store 使用内存保存任务、账本与队列数据，主要用于开发验证和测试。
type Store struct {
	mu          sync.RWMutex
	jobs        map[string]*domain.ScanJob
	ledger      map[ledgerKey]domain.ProcessedMessage
	watermarks  map[watermarkKey]*domain.FolderWatermark
	attachments map[string]*domain.DownloadedAttachment
	accounts    map[string]*domain.MailAccount
	companies   map[string]*domain.Company // companyID -> company
	byDomain    map[string]string          // emailDomain -> companyID
	contacts    map[string]*domain.Contact
	outbound    map[string]*domain.OutboundMessage

	now func() time.Time
}

type ledgerKey struct {
	accountID, messageID, folder string
}

type watermarkKey struct {
	accountID, folder string
}

var _ storage.Store = (*Store)(nil)

// NewStore 创建一个内存存储实例。
func NewStore() *Store {
	return &Store{
		jobs:        make(map[string]*domain.ScanJob),
		ledger:      make(map[ledgerKey]domain.ProcessedMessage),
		watermarks:  make(map[watermarkKey]*domain.FolderWatermark),
		attachments: make(map[string]*domain.DownloadedAttachment),
		accounts:    make(map[string]*domain.MailAccount),
		companies:   make(map[string]*domain.Company),
		byDomain:    make(map[string]string),
		contacts:    make(map[string]*domain.Contact),
		outbound:    make(map[string]*domain.OutboundMessage),
		now:         time.Now,
	}
}

// Close 内存存储无需释放资源。
func (s *Store) Close() error { return nil }

// Health 内存存储始终可用。
func (s *Store) Health() error { return nil }

// ---- 扫描任务 ----

func (s *Store) CreateScanJob(_ context.Context, job *domain.ScanJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

func (s *Store) GetScanJob(_ context.Context, id string) (*domain.ScanJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *job
	return &cp, nil
}

func (s *Store) ListScanJobsByOwner(_ context.Context, ownerID string, limit int) ([]domain.ScanJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.ScanJob, 0)
	for _, job := range s.jobs {
		if job.OwnerID == ownerID {
			result = append(result, *job)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) ListLiveScanJobs(_ context.Context, ownerID string) ([]domain.ScanJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.ScanJob, 0)
	for _, job := range s.jobs {
		if job.Status.IsLive() && (ownerID == "" || job.OwnerID == ownerID) {
			result = append(result, *job)
		}
	}
	return result, nil
}

func (s *Store) UpdateScanStatus(_ context.Context, id string, status domain.ScanStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return storage.ErrNotFound
	}
	if !job.Status.IsLive() {
		return storage.ErrStateConflict
	}
	job.Status = status
	if status == domain.ScanStatusRunning && job.StartedAt == nil {
		t := at.UTC()
		job.StartedAt = &t
	}
	job.UpdatedAt = s.now().UTC()
	return nil
}

func (s *Store) SaveScanProgress(_ context.Context, id string, p domain.ScanProgress) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return storage.ErrNotFound
	}
	job.MessagesScanned = p.MessagesScanned
	job.AttachmentsSaved = p.AttachmentsSaved
	job.CurrentAccount = p.CurrentAccount
	job.UpdatedAt = s.now().UTC()
	return nil
}

func (s *Store) FinishScanJob(_ context.Context, id string, r domain.ScanResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return storage.ErrNotFound
	}
	if !job.Status.IsLive() {
		return storage.ErrStateConflict
	}
	ended := r.EndedAt.UTC()
	job.Status = r.Status
	job.MessagesScanned = r.MessagesScanned
	job.AttachmentsSaved = r.AttachmentsSaved
	job.ErrorMessage = r.ErrorMessage
	job.EndedAt = &ended
	job.UpdatedAt = s.now().UTC()
	return nil
}

// ---- 去重账本 ----

func (s *Store) IsProcessed(_ context.Context, accountID, messageID, folder string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, ok := s.ledger[ledgerKey{accountID, messageID, folder}]
	return ok, nil
}

func (s *Store) RecordProcessed(_ context.Context, entries ...domain.ProcessedMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range entries {
		s.ledger[ledgerKey{e.AccountID, e.MessageID, e.Folder}] = e
	}
	return nil
}

func (s *Store) GetWatermark(_ context.Context, accountID, folder string) (*domain.FolderWatermark, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.watermarks[watermarkKey{accountID, folder}]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *w
	return &cp, nil
}

func (s *Store) UpdateWatermark(_ context.Context, summary domain.FolderScanSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := watermarkKey{summary.AccountID, summary.Folder}
	w, ok := s.watermarks[key]
	if !ok {
		w = &domain.FolderWatermark{}
		s.watermarks[key] = w
	}
	w.Apply(summary)
	return nil
}

func (s *Store) ListWatermarks(_ context.Context, accountID string) ([]domain.FolderWatermark, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.FolderWatermark, 0)
	for key, w := range s.watermarks {
		if key.accountID == accountID {
			result = append(result, *w)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Folder < result[j].Folder })
	return result, nil
}

// ---- 附件 ----

func (s *Store) SaveAttachment(_ context.Context, a *domain.DownloadedAttachment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *a
	s.attachments[a.ID] = &cp
	return nil
}

func (s *Store) GetAttachment(_ context.Context, id string) (*domain.DownloadedAttachment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.attachments[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *Store) ListAttachmentsByJob(_ context.Context, jobID string) ([]domain.DownloadedAttachment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.DownloadedAttachment, 0)
	for _, a := range s.attachments {
		if a.JobID == jobID {
			result = append(result, *a)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].DownloadedAt.Before(result[j].DownloadedAt) })
	return result, nil
}

// ---- 账户 ----

func (s *Store) SaveAccount(_ context.Context, account *domain.MailAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	if account.CreatedAt.IsZero() {
		account.CreatedAt = now
	}
	account.UpdatedAt = now
	cp := *account
	s.accounts[account.ID] = &cp
	return nil
}

func (s *Store) GetAccount(_ context.Context, id string) (*domain.MailAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

func (s *Store) ListAccountsByOwner(_ context.Context, ownerID string) ([]domain.MailAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.MailAccount, 0)
	for _, a := range s.accounts {
		if a.OwnerID == ownerID {
			result = append(result, *a)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Address < result[j].Address })
	return result, nil
}

func (s *Store) MarkAccountScanned(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.accounts[id]
	if !ok {
		return storage.ErrNotFound
	}
	t := at.UTC()
	a.LastScannedAt = &t
	return nil
}

// ---- 公司 ----

func (s *Store) FindOrCreateCompany(_ context.Context, company *domain.Company) (*domain.Company, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byDomain[company.EmailDomain]; ok {
		cp := *s.companies[id]
		return &cp, nil
	}
	if company.CreatedAt.IsZero() {
		company.CreatedAt = s.now().UTC()
	}
	cp := *company
	s.companies[company.ID] = &cp
	s.byDomain[company.EmailDomain] = company.ID
	out := cp
	return &out, nil
}

func (s *Store) RecordCompanyDocument(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.companies[id]
	if !ok {
		return storage.ErrNotFound
	}
	t := at.UTC()
	c.DocumentCount++
	if c.FirstDocumentAt == nil {
		c.FirstDocumentAt = &t
	}
	c.LastDocumentAt = &t
	return nil
}

// CompanyByDomain 按邮箱域名查询公司，测试辅助。
func (s *Store) CompanyByDomain(emailDomain string) (*domain.Company, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byDomain[emailDomain]
	if !ok {
		return nil, false
	}
	cp := *s.companies[id]
	return &cp, true
}

// ---- 联系人 ----

func (s *Store) SaveContact(_ context.Context, contact *domain.Contact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if contact.CreatedAt.IsZero() {
		contact.CreatedAt = s.now().UTC()
	}
	cp := *contact
	s.contacts[contact.ID] = &cp
	return nil
}

func (s *Store) GetContact(_ context.Context, id string) (*domain.Contact, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.contacts[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *Store) MarkContactSent(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.contacts[id]
	if !ok {
		return storage.ErrNotFound
	}
	t := at.UTC()
	c.LastSentAt = &t
	return nil
}

// ---- 外发队列 ----

func (s *Store) EnqueueOutbound(_ context.Context, msg *domain.OutboundMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	msg.UpdatedAt = now
	if msg.Status == "" {
		msg.Status = domain.OutboundStatusPending
	}
	cp := *msg
	s.outbound[msg.ID] = &cp
	return nil
}

func (s *Store) GetOutbound(_ context.Context, id string) (*domain.OutboundMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.outbound[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *Store) ListDueOutbound(_ context.Context, now time.Time, maxAttempts, limit int) ([]domain.OutboundMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.OutboundMessage, 0)
	for _, m := range s.outbound {
		if m.Status != domain.OutboundStatusPending || m.Attempts >= maxAttempts {
			continue
		}
		if m.ScheduledAt != nil && m.ScheduledAt.After(now) {
			continue
		}
		result = append(result, *m)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *Store) MarkOutboundSent(_ context.Context, id, providerMessageID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.outbound[id]
	if !ok {
		return storage.ErrNotFound
	}
	if m.Status != domain.OutboundStatusPending {
		return storage.ErrStateConflict
	}
	t := at.UTC()
	m.Status = domain.OutboundStatusSent
	m.SentAt = &t
	m.ProviderMessageID = providerMessageID
	m.UpdatedAt = s.now().UTC()
	return nil
}

func (s *Store) RecordOutboundFailure(_ context.Context, id, errMsg string, maxAttempts int, retryAt *time.Time) (domain.OutboundStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.outbound[id]
	if !ok {
		return "", storage.ErrNotFound
	}
	if m.Status != domain.OutboundStatusPending {
		return m.Status, storage.ErrStateConflict
	}
	m.Attempts++
	m.LastError = errMsg
	if m.Attempts >= maxAttempts {
		m.Status = domain.OutboundStatusError
	} else if retryAt != nil {
		t := retryAt.UTC()
		m.ScheduledAt = &t
	}
	m.UpdatedAt = s.now().UTC()
	return m.Status, nil
}
