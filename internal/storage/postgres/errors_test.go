package postgres

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"
)

func TestIsUniqueViolation(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"gorm 翻译后的重复键", gorm.ErrDuplicatedKey, true},
		{"包装后的 23505", fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"}), true},
		{"外键冲突", &pgconn.PgError{Code: "23503"}, false},
		{"普通错误", errors.New("connection reset"), false},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isUniqueViolation(tt.err))
		})
	}
}
