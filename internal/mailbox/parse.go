package mailbox

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"strings"
	"time"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
)

// syntheticIDPrefixLen 无 Message-ID 时参与哈希的原始字节数
const syntheticIDPrefixLen = 1000

var wordDecoder = &mime.WordDecoder{CharsetReader: charset.Reader}

// ParsedMessage 解码后的邮件头与叶子部件。
type ParsedMessage struct {
	MessageID   string
	Synthetic   bool // MessageID 由内容哈希生成
	Subject     string
	From        string // 解码后的 From 头
	FromAddress string // 发件人邮箱地址，无法解析时为空
	Date        time.Time
	Parts       []Part
	// PartErr 遍历 MIME 结构时遇到的第一个错误，之前解析出的部件仍然有效
	PartErr error
}

// Part 一个 MIME 叶子部件。只有带文件名的部件才会读取内容。
type Part struct {
	ContentType string
	Filename    string
	Content     []byte
}

// ParseMessage 解析 RFC822 原始邮件。
func ParseMessage(raw []byte) (*ParsedMessage, error) {
	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("parse message: %w", err)
	}
	defer mr.Close()

	pm := &ParsedMessage{}
	pm.Subject, _ = mr.Header.Subject()
	if pm.Subject == "" {
		pm.Subject = mr.Header.Get("Subject")
	}
	pm.From, err = mr.Header.Text("From")
	if err != nil || pm.From == "" {
		pm.From = mr.Header.Get("From")
	}
	if addrs, err := mr.Header.AddressList("From"); err == nil && len(addrs) > 0 {
		pm.FromAddress = strings.ToLower(addrs[0].Address)
	}
	if d, err := mr.Header.Date(); err == nil {
		pm.Date = d
	}

	pm.MessageID = strings.TrimSpace(mr.Header.Get("Message-Id"))
	if pm.MessageID == "" {
		pm.MessageID = SyntheticMessageID(raw)
		pm.Synthetic = true
	}

	for {
		p, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil && !isRecoverable(err) {
			pm.PartErr = err
			break
		}
		if p == nil {
			continue
		}
		part, err := readPart(p)
		if err != nil {
			pm.PartErr = err
			break
		}
		pm.Parts = append(pm.Parts, part)
	}
	return pm, nil
}

// SyntheticMessageID 用原始邮件前 1000 字节的哈希作为替代标识。
func SyntheticMessageID(raw []byte) string {
	n := len(raw)
	if n > syntheticIDPrefixLen {
		n = syntheticIDPrefixLen
	}
	sum := sha256.Sum256(raw[:n])
	return "sha256:" + hex.EncodeToString(sum[:])
}

func readPart(p *mail.Part) (Part, error) {
	var part Part
	switch h := p.Header.(type) {
	case *mail.AttachmentHeader:
		part.ContentType, _, _ = h.ContentType()
		part.Filename, _ = h.Filename()
		if part.Filename == "" {
			_, params, _ := h.ContentType()
			part.Filename = decodeWord(params["name"])
		}
	case *mail.InlineHeader:
		var params map[string]string
		part.ContentType, params, _ = h.ContentType()
		if _, dparams, err := h.ContentDisposition(); err == nil && dparams["filename"] != "" {
			part.Filename = decodeWord(dparams["filename"])
		} else {
			part.Filename = decodeWord(params["name"])
		}
	}
	part.ContentType = strings.ToLower(part.ContentType)
	if part.Filename == "" {
		return part, nil
	}
	body, err := io.ReadAll(p.Body)
	if err != nil {
		return part, fmt.Errorf("read part %q: %w", part.Filename, err)
	}
	part.Content = body
	return part, nil
}

func decodeWord(s string) string {
	if s == "" {
		return ""
	}
	out, err := wordDecoder.DecodeHeader(s)
	if err != nil {
		return s
	}
	return out
}

func isRecoverable(err error) bool {
	return message.IsUnknownCharset(err) || message.IsUnknownEncoding(err)
}
