package pipeline

import (
	"context"
	"sync"
)

// Completion 是一次性结算的异步结果：Done 关闭后 Err 可读且不再变化。
type Completion struct {
	done chan struct{}
	once sync.Once
	err  error
}

func newCompletion() *Completion { return &Completion{done: make(chan struct{})} }

// settled 返回已结算的 Completion。
func settled(err error) *Completion {
	c := newCompletion()
	c.settle(err)
	return c
}

func (c *Completion) settle(err error) {
	c.once.Do(func() {
		c.err = err
		close(c.done)
	})
}

// Done 在结算后关闭。
func (c *Completion) Done() <-chan struct{} { return c.done }

// Err 返回结算结果；未结算时返回 nil。
func (c *Completion) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Wait 阻塞至结算或 ctx 结束。ctx 结束只停止等待，不取消底层工作。
func (c *Completion) Wait(ctx context.Context) error {
	select {
	case <-c.done:
		return c.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// then 追加一个依赖 prev 的步骤：prev 失败时原样传播错误且不执行 fn。
func then(prev *Completion, fn func() error) *Completion {
	next := newCompletion()
	go func() {
		<-prev.done
		if prev.err != nil {
			next.settle(prev.err)
			return
		}
		next.settle(fn())
	}()
	return next
}
