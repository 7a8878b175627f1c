package pipeline

import (
	"context"
	"time"

	"xmlsplice/pkg/contract"
)

// retryBackoff 为第 n 次重试前的等待基数（线性退避）。
var retryBackoff = 200 * time.Millisecond

// Retrying 以有限次重试包装变换。每次尝试前克隆输入，失败的尝试不会污染下一次。
// retryable 为 nil 时任何错误都重试；attempts<=1 时原样返回 f。
func Retrying(f contract.Transform, attempts int, retryable func(error) bool) contract.Transform {
	if f == nil || attempts <= 1 {
		return f
	}
	return func(ctx context.Context, in *contract.Element) (*contract.Element, error) {
		var lastErr error
		for attempt := 0; attempt < attempts; attempt++ {
			if attempt > 0 {
				if err := sleepWithCtx(ctx, time.Duration(attempt)*retryBackoff); err != nil {
					return nil, err
				}
			}
			out, err := f(ctx, in.Clone())
			if err == nil {
				return out, nil
			}
			lastErr = err
			if retryable != nil && !retryable(err) {
				break
			}
		}
		return nil, lastErr
	}
}

// sleepWithCtx: 可取消的 sleep。
func sleepWithCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
