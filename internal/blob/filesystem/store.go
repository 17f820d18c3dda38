package filesystem

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"mailsink/backend/internal/blob"
)

// Store 文件系统存储实现，路径直接映射为根目录下的相对文件
type Store struct {
	basePath string
}

// NewStore 创建文件系统存储实例
func NewStore(basePath string) (*Store, error) {
	if strings.Contains(basePath, "..") {
		return nil, fmt.Errorf("invalid base path: path traversal detected: %s", basePath)
	}

	absPath, err := filepath.Abs(basePath)
	if err != nil {
		return nil, fmt.Errorf("invalid base path: %w", err)
	}
	absPath = filepath.Clean(absPath)

	// 确保基础目录存在
	if err := os.MkdirAll(absPath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	return &Store{basePath: absPath}, nil
}

// Put 写入附件内容，先写临时文件再重命名，避免读到半截文件
func (s *Store) Put(ctx context.Context, path string, data []byte, _ string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	file, err := s.resolve(path)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(file), 0o755); err != nil {
		return fmt.Errorf("failed to create attachment directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(file), ".upload-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write attachment: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close attachment: %w", err)
	}
	if err := os.Rename(tmpName, file); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to move attachment into place: %w", err)
	}
	return nil
}

// Get 读取附件内容
func (s *Store) Get(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	file, err := s.resolve(path)
	if err != nil {
		return nil, err
	}

	content, err := os.ReadFile(file)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, blob.ErrNotFound
		}
		return nil, fmt.Errorf("failed to read attachment: %w", err)
	}
	return content, nil
}

// Delete 删除附件文件，并清理变空的上级目录
func (s *Store) Delete(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	file, err := s.resolve(path)
	if err != nil {
		return err
	}

	if err := os.Remove(file); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return blob.ErrNotFound
		}
		return fmt.Errorf("failed to delete attachment: %w", err)
	}

	// 如果目录为空，删除它，直到根目录为止
	for dir := filepath.Dir(file); dir != s.basePath && strings.HasPrefix(dir, s.basePath); dir = filepath.Dir(dir) {
		if entries, err := os.ReadDir(dir); err != nil || len(entries) > 0 {
			break
		}
		if err := os.Remove(dir); err != nil {
			break
		}
	}
	return nil
}

// Ping 确认根目录存在且可写，供就绪检查使用
func (s *Store) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	info, err := os.Stat(s.basePath)
	if err != nil {
		return fmt.Errorf("blob base path unavailable: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("blob base path is not a directory: %s", s.basePath)
	}

	tmp, err := os.CreateTemp(s.basePath, ".upload-ping-*")
	if err != nil {
		return fmt.Errorf("blob base path not writable: %w", err)
	}
	name := tmp.Name()
	tmp.Close()
	return os.Remove(name)
}

func (s *Store) resolve(path string) (string, error) {
	if err := blob.ValidatePath(path); err != nil {
		return "", err
	}
	return filepath.Join(s.basePath, filepath.FromSlash(path)), nil
}

var _ blob.Store = (*Store)(nil)
