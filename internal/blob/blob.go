// Package blob 定义附件二进制内容的存储契约。
//
// 存储路径是不透明字符串，由附件服务生成，格式为
// {ownerId}/{inboxId}/{emailId}/{unixMillis}_{filename}。
package blob

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound 指定路径不存在
	ErrNotFound = errors.New("blob not found")
	// ErrInvalidPath 路径为空、是绝对路径或包含路径遍历
	ErrInvalidPath = errors.New("invalid blob path")
)

// Store 是附件内容的存储后端
type Store interface {
	Put(ctx context.Context, path string, data []byte, contentType string) error
	Get(ctx context.Context, path string) ([]byte, error)
	// Delete 删除指定路径，路径不存在时返回 ErrNotFound
	Delete(ctx context.Context, path string) error
}

// ValidatePath 校验存储路径是否安全
func ValidatePath(path string) error {
	if path == "" || len(path) > 1024 {
		return fmt.Errorf("%w: length %d", ErrInvalidPath, len(path))
	}
	if strings.HasPrefix(path, "/") || strings.Contains(path, "\\") || strings.ContainsRune(path, 0) {
		return fmt.Errorf("%w: %q", ErrInvalidPath, path)
	}
	for _, segment := range strings.Split(path, "/") {
		if segment == "" || segment == "." || segment == ".." {
			return fmt.Errorf("%w: %q", ErrInvalidPath, path)
		}
	}
	return nil
}
