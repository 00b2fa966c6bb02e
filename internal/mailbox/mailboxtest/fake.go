// Package mailboxtest 提供内存版的 mailbox.Dialer，供扫描相关测试使用。
package mailboxtest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"brokerdesk/backend/internal/domain"
	"brokerdesk/backend/internal/mailbox"
)

// Message 测试邮箱中的一封邮件，Received 用于模拟 SINCE/BEFORE 的内部日期。
type Message struct {
	Raw      []byte
	Received time.Time
}

// Dialer 以账户地址为键的内存邮箱集合。
type Dialer struct {
	mu       sync.Mutex
	folders  map[string]map[string][]Message // address -> folder -> messages
	dialErrs map[string]error
	fetchErr map[string]error // "address/folder/seq" -> error

	// BeforeFetch 在每次 Fetch 前调用，可用于阻塞工作协程。
	BeforeFetch func(address, folder string, seq uint32)

	dials    int
	fetches  int
	searches []mailbox.SearchCriteria
}

// NewDialer 创建空的测试拨号器
func NewDialer() *Dialer {
	return &Dialer{
		folders:  make(map[string]map[string][]Message),
		dialErrs: make(map[string]error),
		fetchErr: make(map[string]error),
	}
}

// AddMessage 向账户文件夹追加一封邮件
func (d *Dialer) AddMessage(address, folder string, raw []byte, received time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.folders[address] == nil {
		d.folders[address] = make(map[string][]Message)
	}
	d.folders[address][folder] = append(d.folders[address][folder], Message{Raw: raw, Received: received})
}

// AddFolder 创建空文件夹
func (d *Dialer) AddFolder(address, folder string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.folders[address] == nil {
		d.folders[address] = make(map[string][]Message)
	}
	if _, ok := d.folders[address][folder]; !ok {
		d.folders[address][folder] = nil
	}
}

// FailDial 让该账户的连接失败
func (d *Dialer) FailDial(address string, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dialErrs[address] = err
}

// FailFetch 让指定邮件的获取失败
func (d *Dialer) FailFetch(address, folder string, seq uint32, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fetchErr[fetchKey(address, folder, seq)] = err
}

// Dials 返回累计连接次数
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// Fetches 返回累计获取邮件次数
func (d *Dialer) Fetches() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fetches
}

// Searches 返回收到的全部搜索条件
func (d *Dialer) Searches() []mailbox.SearchCriteria {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]mailbox.SearchCriteria(nil), d.searches...)
}

// Dial 实现 mailbox.Dialer
func (d *Dialer) Dial(ctx context.Context, account *domain.MailAccount) (mailbox.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if err := d.dialErrs[account.Address]; err != nil {
		return nil, err
	}
	if _, ok := d.folders[account.Address]; !ok {
		return nil, fmt.Errorf("unknown account %s", account.Address)
	}
	return &session{d: d, address: account.Address}, nil
}

type session struct {
	d       *Dialer
	address string
	folder  string
	closed  bool
}

func (s *session) Select(ctx context.Context, folder string) (uint32, error) {
	if s.closed {
		return 0, mailbox.ErrSessionClosed
	}
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	msgs, ok := s.d.folders[s.address][folder]
	if !ok {
		return 0, fmt.Errorf("select %q: no such folder", folder)
	}
	s.folder = folder
	return uint32(len(msgs)), nil
}

func (s *session) Search(ctx context.Context, c mailbox.SearchCriteria) ([]uint32, error) {
	if s.closed {
		return nil, mailbox.ErrSessionClosed
	}
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	s.d.searches = append(s.d.searches, c)

	var out []uint32
	for i, m := range s.d.folders[s.address][s.folder] {
		day := truncateDay(m.Received)
		if !c.Since.IsZero() && day.Before(truncateDay(c.Since)) {
			continue
		}
		if !c.Before.IsZero() && !day.Before(truncateDay(c.Before)) {
			continue
		}
		out = append(out, uint32(i+1))
	}
	return out, nil
}

func (s *session) Fetch(ctx context.Context, seq uint32) ([]byte, error) {
	if s.closed {
		return nil, mailbox.ErrSessionClosed
	}
	if hook := s.d.BeforeFetch; hook != nil {
		hook(s.address, s.folder, seq)
	}
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	s.d.fetches++
	if err := s.d.fetchErr[fetchKey(s.address, s.folder, seq)]; err != nil {
		return nil, err
	}
	msgs := s.d.folders[s.address][s.folder]
	if seq == 0 || int(seq) > len(msgs) {
		return nil, mailbox.ErrMessageNotFound
	}
	return msgs[seq-1].Raw, nil
}

func (s *session) Close() error {
	s.closed = true
	return nil
}

func fetchKey(address, folder string, seq uint32) string {
	return fmt.Sprintf("%s/%s/%d", address, folder, seq)
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
