package iobundle

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/klauspost/pgzip"

	"xmlsplice/pkg/contract"
)

// Options: 最小必要选项。
type Options struct {
	// BufSize: 读写缓冲区大小；<=0 使用 64KiB。
	BufSize int `json:"buf_size,omitempty"`
	// Gzip: 输出经 pgzip 并行压缩。
	Gzip bool `json:"gzip,omitempty"`
	// GzipLevel: 压缩级别；0 使用默认级别。
	GzipLevel int `json:"gzip_level,omitempty"`
	// Atomic: 写入同目录临时文件，尾部写成功后在 Release 时替换目标。
	Atomic bool `json:"atomic,omitempty"`
	// PermFile: 输出文件权限；0 使用 0644。
	PermFile os.FileMode `json:"perm_file,omitempty"`
}

// Bundle 持有一次作业的全部文件句柄，生命周期一致。
// - scan: 仅供一次顺序扫描；
// - in:   随机读，可并发 ReadAt；
// - out:  只追加写，经互斥串行化。
type Bundle struct {
	input, output string

	scan   *os.File
	scanR  *bufio.Reader
	in     *os.File
	out    *os.File
	bw     *bufio.Writer
	gz     *pgzip.Writer
	w      io.Writer
	tmp    string
	bufSz  int
	perm   os.FileMode
	atomic bool

	mu       sync.Mutex
	written  int64
	complete bool
	closed   bool
	relErr   error
}

// Acquire 打开输入（两个读句柄）与输出（创建或截断）。
// 任一打开失败时关闭已打开的句柄，返回包裹 contract.ErrIO 的错误。
func Acquire(input, output string, opts *Options) (*Bundle, error) {
	if opts == nil {
		opts = &Options{}
	}
	b := &Bundle{input: input, output: output, bufSz: opts.BufSize, perm: opts.PermFile, atomic: opts.Atomic}
	if b.bufSz <= 0 {
		b.bufSz = 64 * 1024
	}
	if b.perm == 0 {
		b.perm = 0o644
	}
	var err error
	if b.scan, err = os.Open(input); err != nil {
		return nil, fmt.Errorf("%w: open input: %w", contract.ErrIO, err)
	}
	if b.in, err = os.Open(input); err != nil {
		b.closeInputs()
		return nil, fmt.Errorf("%w: open input: %w", contract.ErrIO, err)
	}
	if b.atomic {
		b.out, err = os.CreateTemp(filepath.Dir(output), ".tmp-*")
		if err == nil {
			b.tmp = b.out.Name()
			_ = os.Chmod(b.tmp, b.perm)
		}
	} else {
		b.out, err = os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, b.perm)
	}
	if err != nil {
		b.closeInputs()
		return nil, fmt.Errorf("%w: open output: %w", contract.ErrIO, err)
	}
	b.scanR = bufio.NewReaderSize(b.scan, b.bufSz)
	b.bw = bufio.NewWriterSize(b.out, b.bufSz)
	b.w = b.bw
	if opts.Gzip {
		lvl := opts.GzipLevel
		if lvl == 0 {
			lvl = pgzip.DefaultCompression
		}
		gz, gerr := pgzip.NewWriterLevel(b.bw, lvl)
		if gerr != nil {
			_ = b.release(false)
			return nil, fmt.Errorf("%w: gzip: %w", contract.ErrIO, gerr)
		}
		b.gz = gz
		b.w = gz
	}
	return b, nil
}

func (b *Bundle) closeInputs() {
	if b.scan != nil {
		_ = b.scan.Close()
	}
	if b.in != nil {
		_ = b.in.Close()
	}
}

// Input / Output 返回路径。
func (b *Bundle) Input() string  { return b.input }
func (b *Bundle) Output() string { return b.output }

// ScanStream 返回一次性顺序读流。
func (b *Bundle) ScanStream() io.Reader { return b.scanR }

// ReadSpan 读取输入 [from, to) 的字节。
func (b *Bundle) ReadSpan(ctx context.Context, from, to int64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if from < 0 || to < from {
		return nil, fmt.Errorf("read span [%d,%d): %w", from, to, contract.ErrInvalidInput)
	}
	buf := make([]byte, to-from)
	n, err := b.in.ReadAt(buf, from)
	if n == len(buf) {
		return buf, nil
	}
	if err == nil || err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return nil, fmt.Errorf("%w: read span [%d,%d): %w", contract.ErrIO, from, to, err)
}

// CopySpan 将输入 [from, to) 流式追加到输出；空区间直接返回。
func (b *Bundle) CopySpan(ctx context.Context, from, to int64) (int64, error) {
	if from < 0 || to < from {
		return 0, fmt.Errorf("copy span [%d,%d): %w", from, to, contract.ErrInvalidInput)
	}
	if to == from {
		return 0, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, fmt.Errorf("%w: copy span: %w", contract.ErrIO, os.ErrClosed)
	}
	n, err := io.Copy(b.w, readerWithCtx(ctx, io.NewSectionReader(b.in, from, to-from)))
	b.written += n
	if err == nil && n < to-from {
		err = io.ErrUnexpectedEOF
	}
	if err != nil {
		return n, fmt.Errorf("%w: copy span [%d,%d): %w", contract.ErrIO, from, to, err)
	}
	return n, nil
}

// Write 追加写输出。Release 之后返回 os.ErrClosed。
func (b *Bundle) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, fmt.Errorf("%w: write: %w", contract.ErrIO, os.ErrClosed)
	}
	n, err := b.w.Write(p)
	b.written += int64(n)
	if err != nil {
		return n, fmt.Errorf("%w: write: %w", contract.ErrIO, err)
	}
	return n, nil
}

// Written 返回已写入（压缩前）的字节数。
func (b *Bundle) Written() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.written
}

// MarkComplete 标记输出完整；原子模式下仅完整输出会替换目标。
func (b *Bundle) MarkComplete() {
	b.mu.Lock()
	b.complete = true
	b.mu.Unlock()
}

// Release 关闭全部句柄；可重复调用，后续调用返回首次结果。
func (b *Bundle) Release() error {
	b.mu.Lock()
	complete := b.complete
	b.mu.Unlock()
	return b.release(complete)
}

func (b *Bundle) release(commit bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return b.relErr
	}
	b.closed = true
	var errs []error
	if b.gz != nil {
		errs = append(errs, b.gz.Close())
	}
	if b.bw != nil {
		errs = append(errs, b.bw.Flush())
	}
	if b.atomic && commit {
		errs = append(errs, b.out.Sync())
	}
	errs = append(errs, b.out.Close(), b.scan.Close(), b.in.Close())
	if b.atomic {
		ok := commit && errors.Join(errs...) == nil
		if ok {
			if err := osReplace(b.tmp, b.output); err != nil {
				errs = append(errs, err)
				ok = false
			} else {
				_ = syncDir(filepath.Dir(b.output))
			}
		}
		if !ok {
			_ = os.Remove(b.tmp)
		}
	}
	if err := errors.Join(errs...); err != nil {
		b.relErr = fmt.Errorf("%w: release: %w", contract.ErrIO, err)
	}
	return b.relErr
}

// readerWithCtx: 在每次 Read 前检查 ctx 是否已取消。
func readerWithCtx(ctx context.Context, r io.Reader) io.Reader {
	return &ctxReader{ctx: ctx, r: r}
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (cr *ctxReader) Read(p []byte) (int, error) {
	select {
	case <-cr.ctx.Done():
		return 0, cr.ctx.Err()
	default:
	}
	return cr.r.Read(p)
}
