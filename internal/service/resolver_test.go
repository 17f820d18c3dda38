package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"mailsink/backend/internal/domain"
	"mailsink/backend/internal/storage"
	"mailsink/backend/internal/storage/memory"
)

// MockInboxRepository 模拟收件箱仓储
type MockInboxRepository struct {
	mock.Mock
	storage.InboxRepository
}

func (m *MockInboxRepository) FindDeliverableInbox(ctx context.Context, address string, now time.Time) (*domain.Inbox, error) {
	args := m.Called(ctx, address, now)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Inbox), args.Error(1)
}

func TestInboxResolver_Resolve(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	now := time.Now().UTC()

	active := seedInbox(t, store, "box@temp.mail", 10, now.Add(time.Hour))
	full := seedInbox(t, store, "full@temp.mail", 1, now.Add(time.Hour))
	require.NoError(t, store.CreateEmail(ctx, &domain.Email{ID: "e-1", InboxID: full.ID, MessageID: "<m1>"}))

	seedInbox(t, store, "old@temp.mail", 10, now.Add(-time.Minute))

	resolver := NewInboxResolver(store)

	t.Run("显示名和大小写被规范化", func(t *testing.T) {
		inbox, err := resolver.Resolve(ctx, "  Someone <BOX@Temp.Mail> ")
		require.NoError(t, err)
		assert.Equal(t, active.ID, inbox.ID)
	})

	t.Run("未知收件人", func(t *testing.T) {
		_, err := resolver.Resolve(ctx, "ghost@nonexistent")
		assert.ErrorIs(t, err, domain.ErrInboxNotFound)
	})

	t.Run("过期收件箱即使仍为活跃也找不到", func(t *testing.T) {
		_, err := resolver.Resolve(ctx, "old@temp.mail")
		assert.ErrorIs(t, err, domain.ErrInboxNotFound)
	})

	t.Run("配额已满", func(t *testing.T) {
		_, err := resolver.Resolve(ctx, "full@temp.mail")
		assert.ErrorIs(t, err, domain.ErrQuotaExceeded)
	})

	t.Run("地址格式错误", func(t *testing.T) {
		_, err := resolver.Resolve(ctx, "not-an-address")
		assert.ErrorIs(t, err, domain.ErrInboxNotFound)
	})
}

func TestInboxResolver_InactiveInbox(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	seedInbox(t, store, "gone@temp.mail", 10, time.Now().Add(-time.Hour))

	_, err := store.DeactivateExpiredInboxes(ctx, time.Now())
	require.NoError(t, err)

	_, err = NewInboxResolver(store).Resolve(ctx, "gone@temp.mail")
	assert.ErrorIs(t, err, domain.ErrInboxNotFound)
}

func TestInboxResolver_RepositoryError(t *testing.T) {
	repo := new(MockInboxRepository)
	repo.On("FindDeliverableInbox", mock.Anything, "box@temp.mail", mock.Anything).
		Return(nil, errInjected)

	_, err := NewInboxResolver(repo).Resolve(context.Background(), "box@temp.mail")
	assert.ErrorIs(t, err, domain.ErrPersistence)
	assert.NotErrorIs(t, err, domain.ErrInboxNotFound)
	repo.AssertExpectations(t)
}
