package mailbox

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"go.uber.org/zap"

	"brokerdesk/backend/internal/domain"
)

// IMAPDialer 基于 go-imap v2 客户端的 Dialer 实现。
type IMAPDialer struct {
	DefaultHost string
	DefaultPort int
	Logger      *zap.Logger
}

// NewIMAPDialer 创建 IMAP 拨号器
func NewIMAPDialer(defaultHost string, defaultPort int, log *zap.Logger) *IMAPDialer {
	if log == nil {
		log = zap.NewNop()
	}
	return &IMAPDialer{DefaultHost: defaultHost, DefaultPort: defaultPort, Logger: log.Named("imap")}
}

// Address 返回账户的服务器地址，未配置时使用默认值。
func (d *IMAPDialer) Address(account *domain.MailAccount) string {
	host := account.Host
	if host == "" {
		host = d.DefaultHost
	}
	port := account.Port
	if port == 0 {
		port = d.DefaultPort
	}
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// Dial 连接并登录。
func (d *IMAPDialer) Dial(ctx context.Context, account *domain.MailAccount) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	addr := d.Address(account)
	var (
		c   *imapclient.Client
		err error
	)
	if account.Insecure {
		c, err = imapclient.DialInsecure(addr, nil)
	} else {
		c, err = imapclient.DialTLS(addr, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	if err := c.Login(account.Login(), account.AppPassword).Wait(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("login %s: %w", account.Address, err)
	}

	d.Logger.Debug("imap session opened", zap.String("account", account.Address), zap.String("addr", addr))
	return &imapSession{client: c, log: d.Logger.With(zap.String("account", account.Address))}, nil
}

type imapSession struct {
	client *imapclient.Client
	log    *zap.Logger
	closed bool
}

func (s *imapSession) Select(ctx context.Context, folder string) (uint32, error) {
	if err := s.check(ctx); err != nil {
		return 0, err
	}
	data, err := s.client.Select(folder, &imap.SelectOptions{ReadOnly: true}).Wait()
	if err != nil {
		return 0, fmt.Errorf("select %q: %w", folder, err)
	}
	return data.NumMessages, nil
}

func (s *imapSession) Search(ctx context.Context, criteria SearchCriteria) ([]uint32, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	data, err := s.client.Search(&imap.SearchCriteria{
		Since:  criteria.Since,
		Before: criteria.Before,
	}, nil).Wait()
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}
	return data.AllSeqNums(), nil
}

func (s *imapSession) Fetch(ctx context.Context, seq uint32) ([]byte, error) {
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	section := &imap.FetchItemBodySection{Peek: true}
	msgs, err := s.client.Fetch(imap.SeqSetNum(seq), &imap.FetchOptions{
		BodySection: []*imap.FetchItemBodySection{section},
	}).Collect()
	if err != nil {
		return nil, fmt.Errorf("fetch %d: %w", seq, err)
	}
	if len(msgs) == 0 {
		return nil, ErrMessageNotFound
	}
	raw := msgs[0].FindBodySection(section)
	if raw == nil {
		return nil, ErrMessageNotFound
	}
	return raw, nil
}

func (s *imapSession) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	if err := s.client.Logout().Wait(); err != nil {
		s.log.Debug("imap logout failed", zap.Error(err))
	}
	return s.client.Close()
}

func (s *imapSession) check(ctx context.Context) error {
	if s.closed {
		return ErrSessionClosed
	}
	return ctx.Err()
}
