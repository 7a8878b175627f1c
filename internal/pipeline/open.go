package pipeline

import (
	"context"
	"fmt"
	"iter"

	"xmlsplice/internal/diag"
	"xmlsplice/internal/iobundle"
	"xmlsplice/internal/scan"
	"xmlsplice/pkg/contract"
	"xmlsplice/plugins/codec/xmltree"
)

// OpenOptions 聚合打开作业所需的各层选项；零值可用。
type OpenOptions struct {
	Codec     contract.Codec // nil 使用 xmltree 默认编码
	Bundle    iobundle.Options
	Scan      scan.Options
	Sequencer Options
}

// Job 为一次已扫描、待排空的作业。调用方负责 Release。
type Job struct {
	bundle *iobundle.Bundle
	scan   contract.Scan
	seq    iter.Seq[*Completion]
}

// Open 获取 IO、扫描输入并绑定惰性完成序列。
// 扫描失败时先释放 IO 再返回 *contract.ScanError。
func Open(ctx context.Context, f contract.Transform, tag, input, output string, opts *OpenOptions) (*Job, error) {
	if opts == nil {
		opts = &OpenOptions{}
	}
	if f == nil {
		return nil, fmt.Errorf("pipeline: nil transform: %w", contract.ErrInvalidInput)
	}
	codec := opts.Codec
	if codec == nil {
		codec = xmltree.New(nil)
	}
	logger := opts.Sequencer.Logger
	fileID := string(contract.NormalizeFileID(input))
	if opts.Sequencer.FileID == "" {
		opts.Sequencer.FileID = fileID
	}

	var btimer *diag.Timer
	if logger != nil {
		btimer = logger.StartWith("bundle", "acquire", fileID, "")
	}
	b, err := iobundle.Acquire(input, output, &opts.Bundle)
	if err != nil {
		stageError(logger, "bundle", err, btimer, fileID)
		return nil, fmt.Errorf("bundle acquire: %w", err)
	}
	if btimer != nil {
		btimer.Finish("acquire", 0)
	}
	diag.IncOp("bundle", "finish", "success")

	var stimer *diag.Timer
	if logger != nil {
		stimer = logger.StartWith("scanner", "scan", fileID, "")
	}
	s, err := scan.Scan(ctx, b.ScanStream(), tag, &opts.Scan)
	if err != nil {
		stageError(logger, "scanner", err, stimer, fileID)
		_ = b.Release()
		return nil, err
	}
	if stimer != nil {
		stimer.Finish("scan", int64(len(s.Offsets)))
	}
	diag.IncOp("scanner", "finish", "success")

	codec, err = forDocument(codec, contract.Document{Charset: s.Charset, Lenient: opts.Scan.Lenient})
	if err != nil {
		stageError(logger, "codec", err, nil, fileID)
		_ = b.Release()
		return nil, err
	}

	return &Job{bundle: b, scan: s, seq: Sequence(ctx, f, codec, b, s, &opts.Sequencer)}, nil
}

// Completions 返回绑定的惰性序列（仅可遍历一次）。
func (j *Job) Completions() iter.Seq[*Completion] { return j.seq }

// Scan 返回扫描结果。
func (j *Job) Scan() contract.Scan { return j.scan }

// Bundle 返回底层 IO（读取区间、统计写出字节）。
func (j *Job) Bundle() *iobundle.Bundle { return j.bundle }

// Release 关闭全部句柄；可重复调用。
func (j *Job) Release() error { return j.bundle.Release() }

// forDocument 按文档属性派生 codec；不支持派生的 codec 只能处理 UTF-8 文档。
func forDocument(c contract.Codec, doc contract.Document) (contract.Codec, error) {
	if dc, ok := c.(contract.DocumentCodec); ok {
		out, err := dc.ForDocument(doc)
		if err != nil {
			return nil, fmt.Errorf("codec: %w", err)
		}
		return out, nil
	}
	if doc.Charset != "" {
		return nil, fmt.Errorf("codec: charset %q not supported by %T: %w", doc.Charset, c, contract.ErrInvalidInput)
	}
	return c, nil
}

func stageError(logger *diag.Logger, comp string, err error, t *diag.Timer, fileID string) {
	code := diag.Classify(err)
	diag.IncOp(comp, "error", "error")
	if code != diag.CodeUnknown {
		diag.IncError(comp, string(code))
	}
	if logger != nil {
		logger.ErrorWith(comp, string(code), err.Error(), t.Since(), fileID, "")
	}
}
