package pool

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWorkerPool(t *testing.T) {
	t.Run("停止前执行完所有排队任务", func(t *testing.T) {
		p := NewWorkerPool(2, 100, nil)
		p.Start()

		var done atomic.Int32
		for i := 0; i < 50; i++ {
			assert.True(t, p.TrySubmit(func() { done.Add(1) }))
		}
		p.Stop()
		assert.Equal(t, int32(50), done.Load())
	})

	t.Run("未启动或已停止时拒绝任务", func(t *testing.T) {
		p := NewWorkerPool(1, 1, nil)
		assert.False(t, p.TrySubmit(func() {}))

		p.Start()
		p.Stop()
		assert.False(t, p.TrySubmit(func() {}))
		p.Stop()
	})

	t.Run("队列满时返回 false", func(t *testing.T) {
		p := NewWorkerPool(1, 1, nil)
		p.Start()
		defer p.Stop()

		block := make(chan struct{})
		started := make(chan struct{})
		assert.True(t, p.TrySubmit(func() { close(started); <-block }))
		<-started
		assert.True(t, p.TrySubmit(func() {}))
		assert.False(t, p.TrySubmit(func() {}))
		close(block)
	})

	t.Run("任务 panic 不影响后续任务", func(t *testing.T) {
		p := NewWorkerPool(1, 10, nil)
		p.Start()

		var done atomic.Bool
		p.TrySubmit(func() { panic("boom") })
		p.TrySubmit(func() { done.Store(true) })
		p.Stop()
		assert.True(t, done.Load())
	})
}
