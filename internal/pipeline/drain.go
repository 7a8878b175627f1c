package pipeline

import (
	"context"
	"iter"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Drain 以至多 limit 个并发等待者排空序列。
// 等待者满额时暂停拉取，下一条记录的处理随之推迟，从而限制在途变换数。
// 返回序列中位置最靠前的错误；不取消在途工作，ctx 结束仅停止等待。
func Drain(ctx context.Context, seq iter.Seq[*Completion], limit int) error {
	if limit < 1 {
		limit = 1
	}
	var (
		g     errgroup.Group
		mu    sync.Mutex
		first = -1
		ferr  error
	)
	g.SetLimit(limit)
	i := 0
	for c := range seq {
		slot := i
		i++
		g.Go(func() error {
			err := c.Wait(ctx)
			if err == nil {
				return nil
			}
			mu.Lock()
			if first < 0 || slot < first {
				first, ferr = slot, err
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return ferr
}
