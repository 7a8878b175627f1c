package diag

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"

	"xmlsplice/pkg/contract"
)

// Progress: 一条记录结算时的快照。
type Progress struct {
	Done   int
	Total  int
	Failed int
	// Last: 最近结算记录的源区间（结算顺序不保证与文档顺序一致）。
	Last contract.Offset
	// Written: 已写出字节（压缩前）；写出按文档顺序推进，可能落后于 Done。
	Written int64
}

// Terminal: 面向人的单文档拼接进度（非日志）。
// TTY 下进度以 \r 单行覆盖；非 TTY 只打印扫描结果与结束行。写失败后静默。
type Terminal struct {
	w       io.Writer
	enabled bool
	isTTY   bool

	tag         string
	concurrency int
	runStart    time.Time

	doc     string // 文档短名
	source  int64  // 文档总字节（EndPosition）
	records int
	last    Progress

	okTag   *color.Color
	failTag *color.Color

	lastLen   int
	lastFlush time.Time

	mu sync.Mutex
}

var (
	termMu sync.RWMutex
	term   *Terminal
)

// SetTerminal 设置进程级终端（nil 清除）；pipeline 经 GetTerminal 旁路上报。
func SetTerminal(t *Terminal) { termMu.Lock(); term = t; termMu.Unlock() }

// GetTerminal 返回进程级终端（可能为 nil）。
func GetTerminal() *Terminal { termMu.RLock(); defer termMu.RUnlock(); return term }

// NewTerminal 构造终端提示器；enabled=false 时总是 no-op。
func NewTerminal(w io.Writer, enabled bool) *Terminal {
	if w == nil {
		w = os.Stderr
	}
	t := &Terminal{w: w, enabled: enabled}
	if os.Getenv("CI") != "" {
		t.isTTY = false
	} else if f, ok := w.(*os.File); ok {
		if fi, err := f.Stat(); err == nil {
			t.isTTY = fi.Mode()&os.ModeCharDevice != 0
		}
	}
	t.okTag = color.New(color.FgGreen, color.Bold)
	t.failTag = color.New(color.FgRed, color.Bold)
	t.setColor(t.isTTY && os.Getenv("NO_COLOR") == "")
	return t
}

func (t *Terminal) setColor(on bool) {
	if on {
		t.okTag.EnableColor()
		t.failTag.EnableColor()
		return
	}
	t.okTag.DisableColor()
	t.failTag.DisableColor()
}

func (t *Terminal) label(ok bool, word string) string {
	if ok {
		return t.okTag.Sprint("[" + word + "]")
	}
	return t.failTag.Sprint("[" + word + "]")
}

// RunStart: 记录本次运行的记录元素、变换与并发。
func (t *Terminal) RunStart(tag, transform string, concurrency int) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	t.tag = tag
	t.concurrency = concurrency
	t.runStart = time.Now()
	t.println(fmt.Sprintf("[run] <%s> | transform=%s | 并发=%d", safe(tag), safe(transform), concurrency))
}

// FileStart: 扫描完成，报告记录数与记录之外原样复制的字节。
func (t *Terminal) FileStart(fileID string, s contract.Scan) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	t.doc = shortenBase(fileID, 48)
	t.source = s.EndPosition
	t.records = len(s.Offsets)
	t.last = Progress{Total: t.records}
	var inRecords int64
	for _, o := range s.Offsets {
		inRecords += o.Len()
	}
	filler := s.EndPosition - inRecords
	line := fmt.Sprintf("[scan] %s | 记录=%d (%s) | 原样=%s", t.doc, t.records, formatBytes(inRecords), formatBytes(filler))
	if s.Charset != "" {
		line += " | charset=" + s.Charset
	}
	t.println(line)
}

// FileProgress: 记录结算进度（TTY，≥100ms 节流）。
func (t *Terminal) FileProgress(p Progress) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	t.last = p
	if !t.isTTY {
		return
	}
	now := time.Now()
	if now.Sub(t.lastFlush) < 100*time.Millisecond {
		return
	}
	t.lastFlush = now
	t.printInline(fmt.Sprintf("[splice] %s | 记录 %d/%d | 最近 [%d,%d) | 写出 %s/%s | 失败 %d | 并发 %d | 用时 %s",
		t.doc, p.Done, p.Total, p.Last.Start, p.Last.End,
		formatBytes(p.Written), formatBytes(t.source), p.Failed, t.concurrency, formatSince(t.runStart)))
}

// FileFinish: 文档结束；written 为最终写出字节。
func (t *Terminal) FileFinish(ok bool, written int64, dur time.Duration) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	if t.isTTY && t.lastLen > 0 {
		t.printInline("")
	}
	status := "done"
	if !ok {
		status = "fail"
	}
	line := fmt.Sprintf("%s %s | 记录 %d | 写出 %s | 总用时 %s",
		t.label(ok, status), t.doc, t.records, formatBytes(written), formatDur(dur))
	if !ok && t.last.Failed > 0 {
		line += fmt.Sprintf(" | 失败 %d", t.last.Failed)
	}
	t.println(line)
}

// RunFinish: 结束总览。
func (t *Terminal) RunFinish(ok bool, dur time.Duration) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled {
		return
	}
	word := "ok"
	if !ok {
		word = "fail"
	}
	t.println(fmt.Sprintf("%s <%s> × %d | 总用时 %s", t.label(ok, word), safe(t.tag), t.last.Done, formatDur(dur)))
}

func (t *Terminal) println(s string) {
	if _, err := io.WriteString(t.w, s+"\n"); err != nil {
		t.enabled = false
	}
	t.lastLen = 0
}

// printInline 回车覆盖当前行；新行更短时以空格清尾。
func (t *Terminal) printInline(s string) {
	pad := 0
	if l := visLen(s); t.lastLen > l {
		pad = t.lastLen - l
	}
	var b strings.Builder
	b.WriteByte('\r')
	b.WriteString(s)
	b.WriteString(strings.Repeat(" ", pad))
	if _, err := io.WriteString(t.w, b.String()); err != nil {
		t.enabled = false
		return
	}
	t.lastLen = visLen(s)
}

// shortenBase: 取文档基名并按 rune 数截断（尾部省略号）。
func shortenBase(s string, max int) string {
	if max <= 0 {
		return ""
	}
	base := contract.NormalizeFileID(strings.TrimSpace(s)).Base()
	rs := []rune(base)
	if len(rs) <= max {
		return base
	}
	return string(rs[:max-1]) + "…"
}

func visLen(s string) int { return len([]rune(s)) }

func safe(s string) string {
	return strings.NewReplacer("\n", " ", "\r", " ").Replace(s)
}

// formatBytes: 1024 进制，保留 1 位小数。
func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	v := float64(n)
	for _, u := range []string{"KiB", "MiB", "GiB"} {
		v /= unit
		if v < unit || u == "GiB" {
			return fmt.Sprintf("%.1f%s", v, u)
		}
	}
	return fmt.Sprintf("%dB", n)
}

func formatSince(t0 time.Time) string { return formatDur(time.Since(t0)) }

func formatDur(d time.Duration) string {
	if d < time.Second {
		ms := d.Milliseconds()
		if ms < 0 {
			ms = 0
		}
		return fmt.Sprintf("%dms", ms)
	}
	return fmt.Sprintf("%.1fs", float64(d.Milliseconds())/1000.0)
}
