package security

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashContent 返回内容的 SHA-256 十六进制摘要。
//
// 仅用于审计和后续去重，不能作为存储路径。
func HashContent(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
