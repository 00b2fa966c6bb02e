package outbound

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

const (
	minPhoneDigits = 8
	maxPhoneDigits = 15
)

// ErrInvalidPhone 电话号码格式错误
var ErrInvalidPhone = errors.New("invalid phone number")

// ValidatePhone 校验并规范化电话号码，返回 "+数字" 形式。
// 允许空格、'-'、括号以及开头的 '+'。
func ValidatePhone(raw string) (string, error) {
	phone := strings.NewReplacer(" ", "", "-", "", "(", "", ")", "").Replace(strings.TrimSpace(raw))
	digits := strings.TrimPrefix(phone, "+")

	if digits == "" {
		return "", ErrInvalidPhone
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return "", fmt.Errorf("%w: only digits are allowed", ErrInvalidPhone)
		}
	}
	switch {
	case len(digits) < minPhoneDigits:
		return "", fmt.Errorf("%w: too short", ErrInvalidPhone)
	case len(digits) > maxPhoneDigits:
		return "", fmt.Errorf("%w: too long", ErrInvalidPhone)
	}
	return "+" + digits, nil
}

// Digits 只保留数字，用作 API 收件人与 wa.me 链接
func Digits(phone string) string {
	return strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, phone)
}

// ManualLink 生成 https://wa.me/<digits>?text=<消息> 手动发送链接，空格编码为 %20
func ManualLink(phone, text string) string {
	escaped := strings.ReplaceAll(url.QueryEscape(text), "+", "%20")
	return "https://wa.me/" + Digits(phone) + "?text=" + escaped
}
