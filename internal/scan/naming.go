package scan

import (
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"brokerdesk/backend/internal/storage/filesystem"
)

const (
	senderPrefixLen  = 30
	subjectPrefixLen = 40
	pdfContentType   = "application/pdf"
)

// AttachmentFileName 生成 {发件人}_{主题}_{YYYYMMDD}.pdf 形式的文件名。
// 发件人取 '<' 之前的显示名，缺失时用邮箱地址。
func AttachmentFileName(from, subject string, date time.Time) string {
	sender := from
	if i := strings.Index(sender, "<"); i >= 0 {
		sender = sender[:i]
	}
	sender = strings.Trim(strings.TrimSpace(sender), `"'`)
	if sender == "" {
		sender = strings.Trim(from, "<> ")
	}
	if date.IsZero() {
		date = time.Now()
	}

	name := fmt.Sprintf("%s_%s_%s.pdf",
		truncateRunes(sender, senderPrefixLen),
		truncateRunes(strings.TrimSpace(subject), subjectPrefixLen),
		date.Format("20060102"))
	return filesystem.SanitizeFilename(name)
}

// MatchesKeywords 关键字过滤：主题与发件人拼接后做不区分大小写的子串匹配，
// 关键字列表为空时全部匹配。
func MatchesKeywords(keywords []string, subject, from string) bool {
	if len(keywords) == 0 {
		return true
	}
	haystack := strings.ToLower(subject + " " + from)
	for _, kw := range keywords {
		kw = strings.TrimSpace(kw)
		if kw != "" && strings.Contains(haystack, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}

// IsPDFPart 判断部件是否为需要保存的 PDF 附件
func IsPDFPart(contentType, filename string) bool {
	return contentType == pdfContentType &&
		filename != "" &&
		strings.HasSuffix(strings.ToLower(filename), ".pdf")
}

var senderDomainRe = regexp.MustCompile(`@([a-zA-Z0-9.-]+)`)

// genericSuffixes 推导公司名时忽略的顶级域标签
var genericSuffixes = map[string]bool{
	"com": true, "es": true, "net": true, "org": true,
	"ar": true, "mx": true, "co": true, "cl": true, "uy": true,
}

// SenderDomain 从发件人中提取小写域名
func SenderDomain(sender string) string {
	m := senderDomainRe.FindStringSubmatch(sender)
	if m == nil {
		return ""
	}
	return strings.Trim(strings.ToLower(m[1]), ".")
}

// CompanyNameFromDomain "seguros.mapfre.com" -> "Mapfre"
func CompanyNameFromDomain(domain string) string {
	labels := strings.Split(domain, ".")
	for len(labels) > 1 && genericSuffixes[labels[len(labels)-1]] {
		labels = labels[:len(labels)-1]
	}
	name := labels[len(labels)-1]
	if name == "" {
		return domain
	}
	r, size := utf8.DecodeRuneInString(name)
	return string(unicode.ToUpper(r)) + name[size:]
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
