package pipeline

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"xmlsplice/internal/diag"
	"xmlsplice/internal/rate"
	"xmlsplice/pkg/contract"
)

// - 写头：单链写步骤，每步等待前一步，任意时刻至多一个写步骤在执行。
// - 记录：读取、解码、变换在独立 goroutine 中运行，不受写头约束。
// - 毒化：任一步骤失败后，其后所有写步骤以同一错误结算且不写出；已写内容保留。

// Sink 为序列器所需的最小 IO 能力（*iobundle.Bundle 满足）。
type Sink interface {
	ReadSpan(ctx context.Context, from, to int64) ([]byte, error)
	CopySpan(ctx context.Context, from, to int64) (int64, error)
	Write(p []byte) (int, error)
	MarkComplete()
}

// Options 序列器选项。
type Options struct {
	// PreserveUnchanged: 变换结果与解码结果相等时原样写回区间字节。
	PreserveUnchanged bool
	// Gate: 可选限流闸门，在每次变换前放行。
	Gate    rate.Gate
	GateKey rate.LimitKey
	// Logger 与 FileID 用于结构化日志；Logger 可为 nil。
	Logger *diag.Logger
	FileID string
	// OnRecord: 每条记录结算后回调（进度展示），off 为其源区间；可为 nil。
	OnRecord func(index contract.Index, off contract.Offset, err error)
}

type sequencer struct {
	ctx   context.Context
	f     contract.Transform
	codec contract.Codec
	sink  Sink
	scan  contract.Scan
	opts  Options

	used atomic.Bool
	mu   sync.Mutex
	head *Completion
}

// Sequence 返回惰性完成序列：每个目标区间一项，外加一项尾部写出，共 len(Offsets)+1 项。
// 记录项在变换完成时结算；尾部项在全部写出完成时结算。
// 序列只能遍历一次，再次遍历产出一个以 ErrSequenceReused 结算的项；提前 break 停止后续调度。
func Sequence(ctx context.Context, f contract.Transform, codec contract.Codec, sink Sink, s contract.Scan, opts *Options) iter.Seq[*Completion] {
	sq := &sequencer{ctx: ctx, f: f, codec: codec, sink: sink, scan: s}
	if opts != nil {
		sq.opts = *opts
	}
	return sq.all
}

func (s *sequencer) all(yield func(*Completion) bool) {
	if !s.used.CompareAndSwap(false, true) {
		yield(settled(fmt.Errorf("pipeline: %w", contract.ErrSequenceReused)))
		return
	}
	s.head = settled(nil)
	var position int64
	for i, off := range s.scan.Offsets {
		local, start := position, off.Start
		s.append(func() error {
			return s.copy(local, start)
		})
		position = off.End

		p := s.startRecord(contract.Index(i), off)
		s.append(func() error { return s.writeRecord(p) })
		if !yield(p.done) {
			return
		}
	}
	tail := position
	yield(s.append(func() error {
		if err := s.copy(tail, s.scan.EndPosition); err != nil {
			return err
		}
		s.sink.MarkComplete()
		return nil
	}))
}

// append 在写头后追加步骤并推进写头。
func (s *sequencer) append(fn func() error) *Completion {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.head = then(s.head, fn)
	return s.head
}

func (s *sequencer) copy(from, to int64) error {
	if to <= from {
		return nil
	}
	if _, err := s.sink.CopySpan(s.ctx, from, to); err != nil {
		s.fail("filler", err, "", map[string]string{"from": strconv.FormatInt(from, 10), "to": strconv.FormatInt(to, 10)})
		return fmt.Errorf("filler [%d,%d): %w", from, to, err)
	}
	return nil
}

// pending 单条记录的异步处理状态；done 结算后其余字段只读。
type pending struct {
	index contract.Index
	off   contract.Offset
	done  *Completion

	raw       []byte
	out       *contract.Element
	unchanged bool
}

func (s *sequencer) startRecord(i contract.Index, off contract.Offset) *pending {
	p := &pending{index: i, off: off, done: newCompletion()}
	go func() {
		ctx, span := diag.Tracer().Start(s.ctx, "record", trace.WithAttributes(
			attribute.Int64("xmlsplice.index", int64(i)),
			attribute.Int64("xmlsplice.start", off.Start),
			attribute.Int64("xmlsplice.end", off.End),
		))
		defer span.End()
		t0 := time.Now()
		err := s.process(ctx, p)
		diag.ObserveDuration("sequencer", "record", time.Since(t0).Milliseconds())
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			var re *contract.RecordError
			stage := ""
			if errors.As(err, &re) {
				stage = string(re.Stage)
			}
			s.fail("sequencer", err, strconv.FormatInt(int64(i), 10), map[string]string{
				"start": strconv.FormatInt(off.Start, 10),
				"end":   strconv.FormatInt(off.End, 10),
				"stage": stage,
			})
		} else {
			diag.IncOp("sequencer", "record", "success")
		}
		if s.opts.OnRecord != nil {
			s.opts.OnRecord(i, off, err)
		}
		p.done.settle(err)
	}()
	return p
}

func (s *sequencer) process(ctx context.Context, p *pending) (err error) {
	wrap := func(st contract.Stage, e error) error {
		return &contract.RecordError{Index: p.index, Offset: p.off, Stage: st, Err: e}
	}
	defer func() {
		if r := recover(); r != nil {
			err = wrap(contract.StageTransform, fmt.Errorf("panic: %v", r))
		}
	}()

	raw, err := s.sink.ReadSpan(ctx, p.off.Start, p.off.End)
	if err != nil {
		return wrap(contract.StageRead, err)
	}
	el, err := s.codec.Decode(ctx, raw)
	if err != nil {
		return wrap(contract.StageDecode, err)
	}
	var orig *contract.Element
	if s.opts.PreserveUnchanged {
		orig = el.Clone()
	}
	if s.opts.Gate != nil {
		if err := s.opts.Gate.Wait(ctx, rate.Ask{Key: s.opts.GateKey, Records: 1, Bytes: len(raw)}); err != nil {
			return wrap(contract.StageTransform, fmt.Errorf("gate: %w", err))
		}
	}
	out, err := s.f(ctx, el)
	if err != nil {
		return wrap(contract.StageTransform, err)
	}
	if out == nil {
		return wrap(contract.StageTransform, fmt.Errorf("nil result: %w", contract.ErrInvariantViolation))
	}
	p.raw = raw
	p.out = out
	p.unchanged = orig != nil && orig.Equal(out)
	return nil
}

// writeRecord 等待记录结算后编码并写出。
func (s *sequencer) writeRecord(p *pending) error {
	<-p.done.Done()
	if err := p.done.Err(); err != nil {
		return err
	}
	b := p.raw
	if !p.unchanged {
		enc, err := s.codec.Encode(s.ctx, p.out)
		if err != nil {
			err = &contract.RecordError{Index: p.index, Offset: p.off, Stage: contract.StageEncode, Err: err}
			s.fail("sequencer", err, strconv.FormatInt(int64(p.index), 10), nil)
			return err
		}
		b = enc
	}
	if _, err := s.sink.Write(b); err != nil {
		err = &contract.RecordError{Index: p.index, Offset: p.off, Stage: contract.StageWrite, Err: err}
		s.fail("sequencer", err, strconv.FormatInt(int64(p.index), 10), nil)
		return err
	}
	return nil
}

func (s *sequencer) fail(comp string, err error, batch string, kv map[string]string) {
	code := diag.Classify(err)
	diag.IncOp(comp, "error", "error")
	if code != diag.CodeUnknown {
		diag.IncError(comp, string(code))
	}
	if st, ok := contract.UpstreamStatusOf(err); ok {
		if kv == nil {
			kv = map[string]string{}
		}
		kv["http_status"] = strconv.Itoa(st)
	}
	if s.opts.Logger != nil {
		s.opts.Logger.ErrorWithKV(comp, string(code), err.Error(), nil, s.opts.FileID, batch, kv)
	}
}
