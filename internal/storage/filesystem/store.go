package filesystem

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// maxCollisionSuffix 同名文件编号上限
const maxCollisionSuffix = 10000

// ErrInvalidPath 路径不合法
var ErrInvalidPath = errors.New("invalid storage path")

// Store 将附件写入本地目录，返回相对根目录的路径。
type Store struct {
	basePath string
}

// NewStore 创建文件系统存储实例
func NewStore(basePath string) (*Store, error) {
	if err := validatePath(basePath); err != nil {
		return nil, fmt.Errorf("invalid base path: %w", err)
	}
	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("resolve base path: %w", err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	return &Store{basePath: filepath.Clean(abs)}, nil
}

// BasePath 返回存储根目录
func (s *Store) BasePath() string {
	return s.basePath
}

// SaveFile 在 dir 子目录下保存文件。name 会先被清理；
// 同名文件已存在时依次尝试 name_1、name_2……，返回最终文件名与相对路径。
func (s *Store) SaveFile(dir, name string, content []byte) (finalName, relPath string, err error) {
	if err := validatePath(dir); err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}
	target := filepath.Join(s.basePath, dir)
	if err := os.MkdirAll(target, 0755); err != nil {
		return "", "", fmt.Errorf("failed to create directory: %w", err)
	}

	name = SanitizeFilename(name)
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)

	for i := 0; i < maxCollisionSuffix; i++ {
		candidate := name
		if i > 0 {
			candidate = stem + "_" + strconv.Itoa(i) + ext
		}
		full := filepath.Join(target, candidate)

		// O_EXCL 保证并发写入时不会覆盖已有文件
		f, err := os.OpenFile(full, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return "", "", fmt.Errorf("failed to create file: %w", err)
		}
		if _, err := f.Write(content); err != nil {
			f.Close()
			os.Remove(full)
			return "", "", fmt.Errorf("failed to write file: %w", err)
		}
		if err := f.Close(); err != nil {
			os.Remove(full)
			return "", "", fmt.Errorf("failed to close file: %w", err)
		}

		rel, err := filepath.Rel(s.basePath, full)
		if err != nil {
			rel = full
		}
		return candidate, filepath.ToSlash(rel), nil
	}
	return "", "", fmt.Errorf("no free file name for %q", name)
}

// ReadFile 读取相对路径对应的文件
func (s *Store) ReadFile(relPath string) ([]byte, error) {
	if err := validatePath(relPath); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}
	content, err := os.ReadFile(filepath.Join(s.basePath, filepath.FromSlash(relPath)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("file not found: %s", relPath)
		}
		return nil, err
	}
	return content, nil
}

// Remove 删除文件，文件不存在时忽略
func (s *Store) Remove(relPath string) error {
	if err := validatePath(relPath); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPath, err)
	}
	err := os.Remove(filepath.Join(s.basePath, filepath.FromSlash(relPath)))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
