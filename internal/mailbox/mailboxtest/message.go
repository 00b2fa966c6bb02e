package mailboxtest

import (
	"encoding/base64"
	"fmt"
	"strings"
	"time"
)

// Attachment 构造邮件时使用的附件
type Attachment struct {
	Filename    string
	ContentType string // 默认 application/pdf
	Content     []byte
}

// BuildMessage 构造一封 multipart/mixed 邮件。messageID 为空时不写 Message-ID 头。
func BuildMessage(messageID, from, subject string, date time.Time, attachments ...Attachment) []byte {
	var b strings.Builder
	if messageID != "" {
		fmt.Fprintf(&b, "Message-ID: %s\r\n", messageID)
	}
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: broker@example.com\r\n")
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	fmt.Fprintf(&b, "Date: %s\r\n", date.Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: multipart/mixed; boundary=\"XBOUNDARYX\"\r\n\r\n")

	b.WriteString("--XBOUNDARYX\r\nContent-Type: text/plain; charset=utf-8\r\n\r\nbody\r\n")
	for _, a := range attachments {
		ct := a.ContentType
		if ct == "" {
			ct = "application/pdf"
		}
		b.WriteString("--XBOUNDARYX\r\n")
		fmt.Fprintf(&b, "Content-Type: %s\r\n", ct)
		fmt.Fprintf(&b, "Content-Disposition: attachment; filename=%q\r\n", a.Filename)
		b.WriteString("Content-Transfer-Encoding: base64\r\n\r\n")
		b.WriteString(base64.StdEncoding.EncodeToString(a.Content))
		b.WriteString("\r\n")
	}
	b.WriteString("--XBOUNDARYX--\r\n")
	return []byte(b.String())
}
