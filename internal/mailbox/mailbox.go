// Package mailbox 封装对外部邮箱的 IMAP 会话以及原始邮件的 MIME 解析。
package mailbox

import (
	"context"
	"errors"
	"time"

	"brokerdesk/backend/internal/domain"
)

var (
	// ErrSessionClosed 会话已关闭
	ErrSessionClosed = errors.New("mailbox session closed")
	// ErrMessageNotFound 指定序号的邮件不存在
	ErrMessageNotFound = errors.New("message not found in folder")
)

// SearchCriteria 服务端搜索条件，零值表示 ALL。
// Since 与 Before 同时设置时为 AND 关系，只比较日期部分。
type SearchCriteria struct {
	Since  time.Time
	Before time.Time
}

// Session 一个已认证的有状态 IMAP 会话，不可并发使用。
type Session interface {
	// Select 打开文件夹，返回其中的邮件数量。文件夹名称原样传递。
	Select(ctx context.Context, folder string) (uint32, error)
	// Search 返回匹配的邮件序号，保持服务端顺序。
	Search(ctx context.Context, criteria SearchCriteria) ([]uint32, error)
	// Fetch 以 PEEK 方式获取完整的 RFC822 邮件，不改变已读标记。
	Fetch(ctx context.Context, seq uint32) ([]byte, error)
	// Close 登出并关闭连接。
	Close() error
}

// Dialer 为账户建立已认证的会话。
type Dialer interface {
	Dial(ctx context.Context, account *domain.MailAccount) (Session, error)
}

// TestConnection 建立会话后立即登出，用于校验账户凭据。
func TestConnection(ctx context.Context, dialer Dialer, account *domain.MailAccount) error {
	sess, err := dialer.Dial(ctx, account)
	if err != nil {
		return err
	}
	return sess.Close()
}
