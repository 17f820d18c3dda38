package jwt

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken 无效的令牌
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken 令牌已过期
	ErrExpiredToken = errors.New("token expired")
)

// downloadAudience 下载令牌的受众，防止其他用途的令牌被拿来下载附件
const downloadAudience = "attachment-download"

// DownloadClaims 附件下载令牌声明，Subject 为附件 ID
type DownloadClaims struct {
	AttachmentID string `json:"attachment_id"`
	InboxID      string `json:"inbox_id"`
	jwt.RegisteredClaims
}

// Manager 附件下载令牌管理器
type Manager struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewManager 创建下载令牌管理器
func NewManager(secret, issuer string, ttl time.Duration) *Manager {
	return &Manager{
		secret: []byte(secret),
		issuer: issuer,
		ttl:    ttl,
		now:    time.Now,
	}
}

// TTL 返回令牌有效期
func (m *Manager) TTL() time.Duration {
	return m.ttl
}

// IssueDownloadToken 为附件签发下载令牌，返回令牌和过期时间
func (m *Manager) IssueDownloadToken(attachmentID, inboxID string) (string, time.Time, error) {
	if attachmentID == "" {
		return "", time.Time{}, ErrInvalidToken
	}

	now := m.now()
	expiresAt := now.Add(m.ttl)
	claims := DownloadClaims{
		AttachmentID: attachmentID,
		InboxID:      inboxID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.issuer,
			Subject:   attachmentID,
			Audience:  jwt.ClaimStrings{downloadAudience},
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("failed to sign download token: %w", err)
	}
	return signed, expiresAt, nil
}

// ValidateDownloadToken 验证令牌并返回声明
func (m *Manager) ValidateDownloadToken(tokenString string) (*DownloadClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &DownloadClaims{}, func(token *jwt.Token) (interface{}, error) {
		// 验证签名算法
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	},
		jwt.WithIssuer(m.issuer),
		jwt.WithAudience(downloadAudience),
		jwt.WithTimeFunc(m.now),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*DownloadClaims)
	if !ok || !token.Valid || claims.AttachmentID == "" || claims.Subject != claims.AttachmentID {
		return nil, ErrInvalidToken
	}

	return claims, nil
}

// ValidateFor 验证令牌且要求其绑定到指定附件
func (m *Manager) ValidateFor(tokenString, attachmentID string) (*DownloadClaims, error) {
	claims, err := m.ValidateDownloadToken(tokenString)
	if err != nil {
		return nil, err
	}
	if claims.AttachmentID != attachmentID {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
