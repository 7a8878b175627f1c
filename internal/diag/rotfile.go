package diag

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// 日志段命名：
// - 当前段：xmlsplice-current.jsonl（每行一个 JSON 事件）
// - 历史段：xmlsplice-<UTC 时间戳>-<序号>.jsonl，各字段定宽，字典序即时间序
const (
	filePrefix  = "xmlsplice"
	segmentExt  = ".jsonl"
	currentName = filePrefix + "-current" + segmentExt
)

// RotateOptions: 轮转策略；零值使用默认（10MiB，保留 5 段历史）。
type RotateOptions struct {
	MaxBytes int64
	// Keep: 保留的历史段数；<0 表示不清理。
	Keep int
}

// RotatingFile 按大小轮转的 JSONL 事件文件，供 Logger 作为落盘出口。
// 单行超过 MaxBytes 时不拆分：空段直接写入，非空段先轮转。
type RotatingFile struct {
	dir  string
	opts RotateOptions

	mu      sync.Mutex
	f       *os.File
	curSize int64
	seq     int
}

func NewRotatingFile(dir string, opts RotateOptions) *RotatingFile {
	if opts.MaxBytes <= 0 {
		opts.MaxBytes = 10 * 1024 * 1024
	}
	if opts.Keep == 0 {
		opts.Keep = 5
	}
	return &RotatingFile{dir: dir, opts: opts}
}

// WriteLine 追加一行（自动补换行）。
func (w *RotatingFile) WriteLine(b []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.ensureOpen(); err != nil {
		return err
	}
	lineLen := int64(len(b) + 1)
	if w.curSize > 0 && w.curSize+lineLen > w.opts.MaxBytes {
		if err := w.rotate(); err != nil {
			return err
		}
	}
	line := make([]byte, 0, lineLen)
	line = append(append(line, b...), '\n')
	n, err := w.f.Write(line)
	w.curSize += int64(n)
	return err
}

func (w *RotatingFile) ensureOpen() error {
	if w.f != nil {
		return nil
	}
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(w.Path(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	w.f = f
	w.curSize = 0
	if st, err := f.Stat(); err == nil {
		w.curSize = st.Size()
	}
	return nil
}

func (w *RotatingFile) rotate() error {
	if w.f == nil {
		return w.ensureOpen()
	}
	_ = w.f.Close()
	w.f = nil
	ts := time.Now().UTC().Format("20060102-150405.000000000")
	w.seq++
	rotated := filepath.Join(w.dir, fmt.Sprintf("%s-%s-%04d%s", filePrefix, ts, w.seq%10000, segmentExt))
	if err := os.Rename(w.Path(), rotated); err != nil {
		return fmt.Errorf("rename rotated segment: %w", err)
	}
	w.prune()
	return w.ensureOpen()
}

// prune 删除超出 Keep 的最旧历史段；失败不影响写入。
func (w *RotatingFile) prune() {
	if w.opts.Keep < 0 {
		return
	}
	old := w.Segments()
	if len(old) <= w.opts.Keep {
		return
	}
	for _, p := range old[:len(old)-w.opts.Keep] {
		_ = os.Remove(p)
	}
}

// Segments 返回历史段路径，按时间升序。
func (w *RotatingFile) Segments() []string {
	ents, err := os.ReadDir(w.dir)
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range ents {
		n := e.Name()
		if e.IsDir() || n == currentName || !strings.HasPrefix(n, filePrefix+"-") || !strings.HasSuffix(n, segmentExt) {
			continue
		}
		out = append(out, filepath.Join(w.dir, n))
	}
	sort.Strings(out)
	return out
}

// Path 返回当前段路径。
func (w *RotatingFile) Path() string { return filepath.Join(w.dir, currentName) }

// Close 关闭当前段；之后的 WriteLine 会重新打开。
func (w *RotatingFile) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}
