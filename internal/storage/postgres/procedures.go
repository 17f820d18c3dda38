package postgres

import (
	"context"
	"fmt"
	"time"

	"mailsink/backend/internal/storage"
)

// CheckInboxRateLimit 调用存储过程 check_inbox_rate_limit，true 表示放行
func (c *Client) CheckInboxRateLimit(ctx context.Context, ip string, maxCount int, window time.Duration) (bool, error) {
	var allowed bool
	err := c.pool.QueryRow(ctx,
		`SELECT check_inbox_rate_limit($1, $2, make_interval(secs => $3))`,
		ip, maxCount, window.Seconds(),
	).Scan(&allowed)
	if err != nil {
		return false, fmt.Errorf("check_inbox_rate_limit: %w", err)
	}
	return allowed, nil
}

// ScheduledAttachmentCleanup 调用存储过程 scheduled_attachment_cleanup
func (c *Client) ScheduledAttachmentCleanup(ctx context.Context) (*storage.CleanupResult, error) {
	var (
		deleted int32
		errs    []string
	)
	err := c.pool.QueryRow(ctx,
		`SELECT deleted_count, errors FROM scheduled_attachment_cleanup()`,
	).Scan(&deleted, &errs)
	if err != nil {
		return nil, fmt.Errorf("scheduled_attachment_cleanup: %w", err)
	}
	return &storage.CleanupResult{DeletedCount: int(deleted), Errors: errs}, nil
}
