package contract

import (
	"errors"
	"fmt"
)

// 最小错误分类（哨兵）。调用方通过 errors.Is 判定。
var (
	// ErrScan: 输入 XML 无法完成扫描。
	ErrScan = errors.New("scan failed")
	// ErrIO: 打开、读取或写入文件失败。
	ErrIO = errors.New("io failed")
	// ErrTransform: 解码或用户变换失败。
	ErrTransform = errors.New("transform failed")
	// ErrEncode: 记录编码失败。
	ErrEncode = errors.New("encode failed")
	// ErrSequenceReused: 完成序列只能遍历一次。
	ErrSequenceReused = errors.New("sequence reused")
	// ErrInvalidInput: 入参不合法（空标签、负区间等）。
	ErrInvalidInput = errors.New("invalid input")
	// ErrRateLimited: 上游限流。
	ErrRateLimited = errors.New("rate limited")
	// ErrBudgetExceeded: 预算或配额不足（如单条记录超过字节上限）。
	ErrBudgetExceeded = errors.New("budget exceeded")
	// ErrInvariantViolation: 领域不变量违例（通用哨兵）。
	ErrInvariantViolation = errors.New("invariant violation")
)

// ScanError 携带解析器报告的位置信息。
type ScanError struct {
	Msg    string
	Line   int
	Column int
	Offset int64
	Err    error
}

func (e *ScanError) Error() string {
	return fmt.Sprintf("Failed to scan input XML: %s\nLine: %d\nColumn: %d\nOffset: %d", e.Msg, e.Line, e.Column, e.Offset)
}

// Unwrap 同时暴露 ErrScan 与底层原因。
func (e *ScanError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrScan}
	}
	return []error{ErrScan, e.Err}
}

// Stage: 单条记录处理阶段。
type Stage string

const (
	StageRead      Stage = "read"
	StageDecode    Stage = "decode"
	StageTransform Stage = "transform"
	StageEncode    Stage = "encode"
	StageWrite     Stage = "write"
)

// RecordError 标注失败记录的序号、区间与阶段。
type RecordError struct {
	Index  Index
	Offset Offset
	Stage  Stage
	Err    error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("record %d [%d,%d) %s: %v", e.Index, e.Offset.Start, e.Offset.End, e.Stage, e.Err)
}

// Unwrap 暴露阶段哨兵与底层原因。
func (e *RecordError) Unwrap() []error {
	var s error
	switch e.Stage {
	case StageRead, StageWrite:
		s = ErrIO
	case StageDecode, StageTransform:
		s = ErrTransform
	case StageEncode:
		s = ErrEncode
	}
	if s == nil {
		return []error{e.Err}
	}
	return []error{s, e.Err}
}
