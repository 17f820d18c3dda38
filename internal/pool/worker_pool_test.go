package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestWorkerPool_RunsTasks(t *testing.T) {
	p := NewWorkerPool("test", 3, 10, zap.NewNop())
	p.Start(context.Background())

	var count atomic.Int32
	for i := 0; i < 10; i++ {
		assert.True(t, p.TrySubmit(func(context.Context) { count.Add(1) }))
	}
	p.Stop()

	assert.Equal(t, int32(10), count.Load(), "queued tasks are drained on stop")
}

func TestWorkerPool_TrySubmitWhenFull(t *testing.T) {
	p := NewWorkerPool("test", 1, 1, nil)

	// 未启动时没有消费者，第二个任务无法入队
	assert.True(t, p.TrySubmit(func(context.Context) {}))
	assert.False(t, p.TrySubmit(func(context.Context) {}))
	assert.Equal(t, 1, p.Pending())

	p.Start(context.Background())
	p.Stop()
	assert.False(t, p.TrySubmit(func(context.Context) {}), "stopped pool rejects tasks")

	p.Stop()
}

func TestWorkerPool_RecoversPanics(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	p := NewWorkerPool("events", 1, 4, zap.New(core))
	p.Start(context.Background())

	var wg sync.WaitGroup
	wg.Add(1)
	p.TrySubmit(func(context.Context) { panic("boom") })
	p.TrySubmit(func(context.Context) { wg.Done() })
	wg.Wait()
	p.Stop()

	entries := logs.FilterMessage("worker task panicked").All()
	if assert.Len(t, entries, 1) {
		assert.Equal(t, "events", entries[0].ContextMap()["pool"])
	}
}
