package filesystem

import (
	"fmt"
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// MaxFilenameLength 文件名最大长度（按字符计，包含扩展名）
const MaxFilenameLength = 100

// invalidChars 在任何平台上都替换为下划线的字符
const invalidChars = `<>:"/\|?*`

// SanitizeFilename 清理文件名，确保跨平台兼容：
// NFC 规范化、替换非法字符、移除控制字符、限制长度并保留扩展名。
func SanitizeFilename(filename string) string {
	filename = norm.NFC.String(filename)

	filename = strings.Map(func(r rune) rune {
		if strings.ContainsRune(invalidChars, r) {
			return '_'
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, filename)

	filename = limitLength(filename, MaxFilenameLength)
	filename = strings.Trim(filename, " .")
	if filename == "" {
		filename = "unnamed"
	}
	return filename
}

// limitLength 按字符截断，保留扩展名
func limitLength(s string, maxLen int) string {
	if utf8.RuneCountInString(s) <= maxLen {
		return s
	}

	ext := filepath.Ext(s)
	if utf8.RuneCountInString(ext) >= maxLen {
		ext = ""
	}
	stem := []rune(strings.TrimSuffix(s, ext))
	keep := maxLen - utf8.RuneCountInString(ext)
	return string(stem[:keep]) + ext
}

// validatePath 拒绝路径遍历和超长路径
func validatePath(path string) error {
	if len(path) > 2000 {
		return fmt.Errorf("path too long: %d characters", len(path))
	}
	for _, part := range strings.Split(filepath.ToSlash(path), "/") {
		if part == ".." {
			return fmt.Errorf("path traversal detected: %s", path)
		}
	}
	return nil
}
