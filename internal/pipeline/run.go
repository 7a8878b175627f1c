package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"xmlsplice/internal/diag"
	"xmlsplice/internal/iobundle"
	"xmlsplice/internal/rate"
	"xmlsplice/internal/scan"
	"xmlsplice/pkg/contract"
)

// - 单点并发：Drain 限制在途记录数，序列器保证写出顺序与输入一致。
// - 首错毒化：记录失败后其后写步骤不再写出；排空全部完成项后返回位置最靠前的错误。
// - 无论成败都会 Release；原子模式下仅完整输出替换目标。

// Components 聚合运行所需的组件。
type Components struct {
	Transform contract.Transform
	Codec     contract.Codec
	// Name: transform 名称（终端与日志）。
	Name string
}

// Settings 运行期配置（最小必要）。
type Settings struct {
	Input  string
	Output string
	Tag    string
	// Concurrency: 同时在途的记录数上限（>=1）。
	Concurrency       int
	PreserveUnchanged bool
	Scan              scan.Options
	Writer            iobundle.Options
	// 限流闸门（可选）：若非空，则在每次变换前调用 Gate.Wait
	Gate    rate.Gate
	GateKey rate.LimitKey
}

// Run 执行完整作业：Acquire → Scan → Sequence → Drain → Release。
func Run(ctx context.Context, comp Components, set Settings, logger *diag.Logger) (err error) {
	if err := sanity(comp, &set); err != nil {
		return fmt.Errorf("sanity: %w", err)
	}
	fileID := string(contract.NormalizeFileID(set.Input))

	var (
		done, failed atomic.Int64
		out          atomic.Pointer[iobundle.Bundle]
		total        int
	)
	onRecord := func(_ contract.Index, off contract.Offset, rerr error) {
		if rerr != nil {
			failed.Add(1)
		}
		n := done.Add(1)
		t := diag.GetTerminal()
		if t == nil {
			return
		}
		p := diag.Progress{Done: int(n), Total: total, Failed: int(failed.Load()), Last: off}
		if b := out.Load(); b != nil {
			p.Written = b.Written()
		}
		t.FileProgress(p)
	}
	job, err := Open(ctx, comp.Transform, set.Tag, set.Input, set.Output, &OpenOptions{
		Codec:  comp.Codec,
		Bundle: set.Writer,
		Scan:   set.Scan,
		Sequencer: Options{
			PreserveUnchanged: set.PreserveUnchanged,
			Gate:              set.Gate,
			GateKey:           set.GateKey,
			Logger:            logger,
			FileID:            fileID,
			OnRecord:          onRecord,
		},
	})
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}
	defer func() {
		if rerr := job.Release(); rerr != nil {
			stageError(logger, "bundle", rerr, nil, fileID)
			err = errors.Join(err, fmt.Errorf("release: %w", rerr))
		}
	}()

	total = len(job.Scan().Offsets)
	out.Store(job.Bundle())
	if t := diag.GetTerminal(); t != nil {
		t.FileStart(fileID, job.Scan())
	}
	fileStart := time.Now()
	ok := false
	defer func() {
		if t := diag.GetTerminal(); t != nil {
			t.FileFinish(ok, job.Bundle().Written(), time.Since(fileStart))
		}
	}()

	var dtimer *diag.Timer
	if logger != nil {
		dtimer = logger.StartWithKV("drain", "drain", fileID, "", map[string]string{
			"records":     fmt.Sprintf("%d", total),
			"concurrency": fmt.Sprintf("%d", set.Concurrency),
		})
	}
	if err := Drain(ctx, job.Completions(), set.Concurrency); err != nil {
		stageError(logger, "drain", err, dtimer, fileID)
		return fmt.Errorf("drain: %w", err)
	}
	if dtimer != nil {
		dtimer.Finish("drain", int64(total))
	}
	diag.IncOp("drain", "finish", "success")
	ok = true
	return nil
}

func sanity(c Components, s *Settings) error {
	if c.Transform == nil {
		return errors.New("pipeline: missing transform")
	}
	if strings.TrimSpace(s.Input) == "" || strings.TrimSpace(s.Output) == "" {
		return errors.New("pipeline: empty input or output")
	}
	if strings.TrimSpace(s.Tag) == "" {
		return fmt.Errorf("pipeline: empty tag: %w", contract.ErrInvalidInput)
	}
	if s.Concurrency < 1 {
		s.Concurrency = 1
	}
	return nil
}
