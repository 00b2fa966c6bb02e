package scan

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"brokerdesk/backend/internal/domain"
	"brokerdesk/backend/internal/mailbox"
	"brokerdesk/backend/internal/storage"
)

// Outcome 单封邮件的处理结果
type Outcome string

const (
	OutcomeProcessed Outcome = "processed" // 已处理并写入账本
	OutcomeSkipped   Outcome = "skipped"   // 账本中已存在
	OutcomeFiltered  Outcome = "filtered"  // 未命中关键字，以零附件写入账本
	OutcomeFailed    Outcome = "failed"    // 获取或解析失败，下次运行会重试
)

// folderRun 一个文件夹扫描过程中的累计状态，文件夹结束时统一落库
type folderRun struct {
	accountID string
	folder    string
	entries   []domain.ProcessedMessage
	pending   map[string]struct{}
	summary   domain.FolderScanSummary
}

func (c *Controller) run() {
	defer close(c.done)
	c.startedAt = c.deps.Now()

	defer func() {
		if r := recover(); r != nil {
			c.log.Error("scan worker panicked",
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			c.checkpoint()
			c.finish(domain.ScanStatusError, fmt.Sprintf("panic: %v", r))
		}
	}()

	c.persistStatus(domain.ScanStatusRunning)
	c.log.Info("scan job started",
		zap.Int("accounts", len(c.accounts)),
		zap.Strings("folders", c.job.Folders),
		zap.Bool("force_rescan", c.job.ForceRescan))

	err := c.scanAccounts()
	c.checkpoint()

	switch {
	case errors.Is(err, errCancelled) || (err == nil && c.isCancelled()):
		c.finish(domain.ScanStatusCancelled, "")
	case err != nil:
		c.finish(domain.ScanStatusError, err.Error())
	default:
		c.finish(domain.ScanStatusCompleted, "")
	}
}

func (c *Controller) scanAccounts() error {
	last := len(c.accounts) - 1
	for i := range c.accounts {
		account := &c.accounts[i]
		if err := c.gate(); err != nil {
			return err
		}

		c.mu.Lock()
		c.account = account.Address
		c.accountIndex = i + 1
		c.mu.Unlock()
		c.logf("info", "scanning account %s (%d/%d)", account.Address, i+1, len(c.accounts))

		err := c.scanAccount(account)
		if errors.Is(err, errCancelled) {
			return err
		}
		if err != nil {
			c.logf("error", "account %s: %v", account.Address, err)
			if i == last {
				return fmt.Errorf("account %s: %w", account.Address, err)
			}
			continue
		}

		if err := c.deps.Accounts.MarkAccountScanned(c.storeCtx(), account.ID, c.deps.Now()); err != nil {
			c.log.Warn("failed to mark account scanned", zap.String("account", account.Address), zap.Error(err))
		}
		c.checkpoint()
	}
	return nil
}

func (c *Controller) scanAccount(account *domain.MailAccount) error {
	sess, err := c.deps.Dialer.Dial(c.ctx, account)
	if err != nil {
		if c.isCancelled() {
			return errCancelled
		}
		return fmt.Errorf("connect: %w", err)
	}
	defer func() {
		if err := sess.Close(); err != nil {
			c.log.Debug("logout failed", zap.String("account", account.Address), zap.Error(err))
		}
	}()

	for _, folder := range c.job.Folders {
		if err := c.gate(); err != nil {
			return err
		}
		err := c.scanFolder(sess, account, folder)
		if errors.Is(err, errCancelled) {
			return err
		}
		if err != nil {
			c.logf("warn", "folder %s on %s: %v", folder, account.Address, err)
		}
	}
	return nil
}

func (c *Controller) scanFolder(sess mailbox.Session, account *domain.MailAccount, folder string) error {
	if _, err := sess.Select(c.ctx, folder); err != nil {
		if c.isCancelled() {
			return errCancelled
		}
		return fmt.Errorf("select: %w", err)
	}

	criteria := c.searchCriteria(account.ID, folder)
	seqs, err := sess.Search(c.ctx, criteria)
	if err != nil {
		if c.isCancelled() {
			return errCancelled
		}
		return fmt.Errorf("search: %w", err)
	}

	c.mu.Lock()
	c.folder = folder
	c.position = 0
	c.folderSize = len(seqs)
	c.mu.Unlock()
	c.logf("info", "%s/%s: %d messages to inspect", account.Address, folder, len(seqs))

	fr := &folderRun{
		accountID: account.ID,
		folder:    folder,
		pending:   make(map[string]struct{}),
		summary:   domain.FolderScanSummary{AccountID: account.ID, Folder: folder},
	}
	defer c.flushFolder(fr)

	for i, seq := range seqs {
		if err := c.gate(); err != nil {
			return err
		}
		c.mu.Lock()
		c.position = i + 1
		c.mu.Unlock()

		outcome := c.processMessage(sess, account, fr, seq)
		c.deps.Metrics.MessageProcessed(outcome)
		switch outcome {
		case OutcomeSkipped:
			c.skipped.Add(1)
			fr.summary.Skipped++
		case OutcomeFiltered:
			c.filtered.Add(1)
		case OutcomeFailed:
			c.failed.Add(1)
		}

		if n := c.scanned.Add(1); n%int64(c.opts.CheckpointEvery) == 0 {
			c.checkpoint()
		}
	}
	return nil
}

// searchCriteria 没有显式日期条件且未要求全量重扫时，用水位推导 SINCE
func (c *Controller) searchCriteria(accountID, folder string) mailbox.SearchCriteria {
	var criteria mailbox.SearchCriteria
	if c.job.Since != nil {
		criteria.Since = *c.job.Since
	}
	if c.job.Before != nil {
		criteria.Before = *c.job.Before
	}
	if c.job.Since != nil || c.job.Before != nil || c.job.ForceRescan {
		return criteria
	}

	wm, err := c.deps.Ledger.GetWatermark(c.ctx, accountID, folder)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		c.log.Warn("failed to read watermark", zap.String("folder", folder), zap.Error(err))
	case wm.LastMessageAt != nil:
		criteria.Since = wm.LastMessageAt.Add(-c.opts.WatermarkSlack)
	}
	return criteria
}

func (c *Controller) processMessage(sess mailbox.Session, account *domain.MailAccount, fr *folderRun, seq uint32) Outcome {
	raw, err := sess.Fetch(c.ctx, seq)
	if err != nil {
		c.logf("warn", "%s/%s #%d: fetch failed: %v", account.Address, fr.folder, seq, err)
		return OutcomeFailed
	}
	msg, err := mailbox.ParseMessage(raw)
	if err != nil {
		c.logf("warn", "%s/%s #%d: %v", account.Address, fr.folder, seq, err)
		return OutcomeFailed
	}

	if _, ok := fr.pending[msg.MessageID]; ok {
		return OutcomeSkipped
	}
	if !c.job.ForceRescan {
		done, err := c.deps.Ledger.IsProcessed(c.ctx, account.ID, msg.MessageID, fr.folder)
		if err != nil {
			c.logf("warn", "%s/%s #%d: ledger lookup failed: %v", account.Address, fr.folder, seq, err)
			return OutcomeFailed
		}
		if done {
			return OutcomeSkipped
		}
	}

	fr.noteMessage(msg)

	if !MatchesKeywords(c.job.Keywords, msg.Subject, msg.From) {
		fr.record(c.ledgerEntry(account, fr.folder, msg, 0))
		return OutcomeFiltered
	}

	if msg.PartErr != nil {
		c.logf("warn", "%s/%s #%d: mime walk stopped early: %v", account.Address, fr.folder, seq, msg.PartErr)
	}

	saved := 0
	for i := range msg.Parts {
		part := &msg.Parts[i]
		if !IsPDFPart(part.ContentType, part.Filename) {
			continue
		}
		ok, err := c.savePart(account, msg, part)
		if err != nil {
			c.logf("warn", "%s: attachment %q: %v", account.Address, part.Filename, err)
			continue
		}
		if ok {
			saved++
		}
	}

	fr.record(c.ledgerEntry(account, fr.folder, msg, saved))
	if saved > 0 {
		fr.summary.WithAttachments++
		fr.summary.AttachmentsSaved += saved
	}
	return OutcomeProcessed
}

// savePart 保存一个 PDF 部件；同一次运行中内容重复时返回 false
func (c *Controller) savePart(account *domain.MailAccount, msg *mailbox.ParsedMessage, part *mailbox.Part) (bool, error) {
	sum := sha256.Sum256(part.Content)
	hash := hex.EncodeToString(sum[:])
	if _, dup := c.seenHashes[hash]; dup {
		c.duplicates.Add(1)
		c.deps.Metrics.DuplicateAttachment()
		return false, nil
	}

	date := msg.Date
	if date.IsZero() {
		date = c.deps.Now()
	}
	fileName, relPath, err := c.deps.Files.SaveFile(c.job.OwnerID, AttachmentFileName(msg.From, msg.Subject, date), part.Content)
	if err != nil {
		return false, fmt.Errorf("write file: %w", err)
	}

	now := c.deps.Now()
	att := &domain.DownloadedAttachment{
		ID:            uuid.NewString(),
		JobID:         c.job.ID,
		OwnerID:       c.job.OwnerID,
		FileName:      fileName,
		OriginalName:  part.Filename,
		StoragePath:   relPath,
		Size:          int64(len(part.Content)),
		ContentHash:   hash,
		Sender:        msg.FromAddress,
		SenderName:    msg.From,
		Subject:       msg.Subject,
		MessageDate:   date,
		SourceAccount: account.Address,
		DownloadedAt:  now,
	}

	var company *domain.Company
	if c.deps.Companies != nil {
		sender := msg.FromAddress
		if sender == "" {
			sender = msg.From
		}
		company, err = c.deps.Companies.Resolve(c.ctx, sender)
		if err != nil {
			c.log.Warn("company lookup failed", zap.String("sender", sender), zap.Error(err))
		}
		if company != nil {
			att.CompanyID = &company.ID
		}
	}

	if err := c.deps.Attachments.SaveAttachment(c.storeCtx(), att); err != nil {
		return false, fmt.Errorf("record attachment: %w", err)
	}
	c.seenHashes[hash] = struct{}{}
	c.saved.Add(1)
	c.deps.Metrics.AttachmentSaved(att.Size)

	if company != nil {
		if err := c.deps.Companies.RecordDocument(c.storeCtx(), company.ID, date); err != nil {
			c.log.Warn("failed to count company document", zap.String("company", company.ID), zap.Error(err))
		}
	}

	c.logf("info", "saved %s (%d bytes)", fileName, att.Size)
	c.publish(domain.JobEventAttachment, "", att)
	return true, nil
}

func (c *Controller) ledgerEntry(account *domain.MailAccount, folder string, msg *mailbox.ParsedMessage, attachments int) domain.ProcessedMessage {
	return domain.ProcessedMessage{
		AccountID:       account.ID,
		MessageID:       msg.MessageID,
		Folder:          folder,
		Subject:         truncateRunes(msg.Subject, 500),
		Sender:          truncateRunes(msg.From, 255),
		MessageDate:     msg.Date,
		HasAttachments:  attachments > 0,
		AttachmentCount: attachments,
		ProcessedAt:     c.deps.Now(),
		JobID:           c.job.ID,
	}
}

// flushFolder 文件夹结束（正常完成或被取消）时写入账本与水位
func (c *Controller) flushFolder(fr *folderRun) {
	ctx := c.storeCtx()
	if len(fr.entries) > 0 {
		if err := c.deps.Ledger.RecordProcessed(ctx, fr.entries...); err != nil {
			c.logf("error", "%s: failed to record %d ledger entries: %v", fr.folder, len(fr.entries), err)
			return
		}
	}

	fr.summary.New = len(fr.entries)
	fr.summary.ScannedAt = c.deps.Now()
	if err := c.deps.Ledger.UpdateWatermark(ctx, fr.summary); err != nil {
		c.log.Warn("failed to update watermark", zap.String("folder", fr.folder), zap.Error(err))
	}
}

func (fr *folderRun) record(entry domain.ProcessedMessage) {
	fr.entries = append(fr.entries, entry)
	fr.pending[entry.MessageID] = struct{}{}
}

func (fr *folderRun) noteMessage(msg *mailbox.ParsedMessage) {
	if msg.Date.IsZero() {
		return
	}
	if fr.summary.NewestMessageAt == nil || msg.Date.After(*fr.summary.NewestMessageAt) {
		t := msg.Date
		fr.summary.NewestMessageAt = &t
		fr.summary.NewestMessageID = msg.MessageID
	}
}

func (c *Controller) elapsed() time.Duration {
	return c.deps.Now().Sub(c.startedAt)
}
