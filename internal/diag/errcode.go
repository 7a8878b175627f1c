package diag

import (
	"context"
	"errors"
	"net"
	"os"
	"time"

	"xmlsplice/pkg/contract"
)

// Code 是最小错误分类代码。
// 用于日志/指标汇总与 CLI 退出码映射。
type Code string

const (
	CodeUnknown   Code = "unknown"
	CodeScan      Code = "scan"
	CodeTransform Code = "transform"
	CodeEncode    Code = "encode"
	CodeNetwork   Code = "network"
	CodeProtocol  Code = "protocol"
	CodeInvariant Code = "invariant"
	CodeBudget    Code = "budget"
	CodeCancel    Code = "cancel"
	CodeIO        Code = "io"
)

// Classify 将错误归为最小分类。
// 仅依赖哨兵错误与标准库错误类型，不做字符串匹配。
// 优先级：取消 > 扫描 > 上游/预算/网络 > IO > 不变量 > 变换/编码。
func Classify(err error) Code {
	if err == nil {
		return CodeUnknown
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return CodeCancel
	}
	if errors.Is(err, contract.ErrScan) {
		return CodeScan
	}
	if st, ok := contract.UpstreamStatusOf(err); ok {
		switch {
		case st == 429:
			return CodeBudget
		case st >= 500:
			return CodeNetwork
		default:
			return CodeProtocol
		}
	}
	if errors.Is(err, contract.ErrBudgetExceeded) || errors.Is(err, contract.ErrRateLimited) {
		return CodeBudget
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return CodeNetwork
	}
	var perr *os.PathError
	if errors.As(err, &perr) || errors.Is(err, contract.ErrIO) {
		return CodeIO
	}
	if errors.Is(err, contract.ErrInvariantViolation) ||
		errors.Is(err, contract.ErrInvalidInput) ||
		errors.Is(err, contract.ErrSequenceReused) {
		return CodeInvariant
	}
	if errors.Is(err, contract.ErrEncode) {
		return CodeEncode
	}
	if errors.Is(err, contract.ErrTransform) {
		return CodeTransform
	}
	return CodeUnknown
}

// Retryable 判定变换错误是否值得重试：网络、限流与上游 5xx。
func Retryable(err error) bool {
	switch Classify(err) {
	case CodeNetwork, CodeBudget:
		return true
	default:
		return false
	}
}

// NowUTC 返回 RFC3339 UTC 时间字符串（用于结构化日志字段 ts）。
func NowUTC() string { return time.Now().UTC().Format(time.RFC3339) }
