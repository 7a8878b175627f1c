package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"xmlsplice/internal/diag"
	"xmlsplice/internal/rate"
	"xmlsplice/internal/scan"
	"xmlsplice/pkg/contract"
)

const doc = `<?xml foo="bar"?>
<foo>
    <bar>๑</bar>
    sดme junk
    <bar attr="sma">foolalalfar</bar>
    <bar><![CDATA[2&>1]]></bar>
    more junk
</foo><!-- this is ok -->`

// woo 在每条记录文本末尾追加 "woo"。
func woo(_ context.Context, e *contract.Element) (*contract.Element, error) {
	e.Text += "woo"
	return e, nil
}

var wooDoc = strings.NewReplacer(
	"๑</bar>", "๑woo</bar>",
	"foolalalfar</bar>", "foolalalfarwoo</bar>",
	"]]></bar>", "woo]]></bar>",
).Replace(doc)

func writeInput(t *testing.T, content string) (string, string) {
	t.Helper()
	dir := t.TempDir()
	in := filepath.Join(dir, "in.xml")
	if err := os.WriteFile(in, []byte(content), 0o644); err != nil {
		t.Fatalf("写入输入失败: %v", err)
	}
	return in, filepath.Join(dir, "out.xml")
}

// runJob: Open → Drain → Release，返回输出内容与排空错误。
func runJob(t *testing.T, content, tag string, f contract.Transform, opts *OpenOptions, limit int) (string, error) {
	t.Helper()
	in, out := writeInput(t, content)
	if opts == nil {
		opts = &OpenOptions{Sequencer: Options{PreserveUnchanged: true}}
	}
	job, err := Open(context.Background(), f, tag, in, out, opts)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	derr := Drain(context.Background(), job.Completions(), limit)
	if err := job.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	b, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("读取输出失败: %v", err)
	}
	return string(b), derr
}

// 恒等变换应逐字节还原输入。
func TestRoundTripIdentity(t *testing.T) {
	inputs := []struct{ name, content, tag string }{
		{"doc", doc, "bar"},
		{"selfclose", `<r><a  x='1'/> <a>t</a></r>`, "a"},
		{"prefixed", `<r><ns:a xmlns:ns="u">1</ns:a></r>`, "ns:a"},
		{"nested", "<r>\n<a>\n\t<b>1</b>\n</a>\n</r>\n", "a"},
	}
	for _, in := range inputs {
		t.Run(in.name, func(t *testing.T) {
			got, err := runJob(t, in.content, in.tag, contract.Identity, nil, 4)
			if err != nil {
				t.Fatalf("drain: %v", err)
			}
			if got != in.content {
				t.Fatalf("输出不一致:\n%q\nwant\n%q", got, in.content)
			}
		})
	}
}

// 乱序完成的变换仍按文档顺序写出。
func TestWriteOrderUnderDelay(t *testing.T) {
	delays := []time.Duration{100 * time.Millisecond, 50 * time.Millisecond, 75 * time.Millisecond}
	var (
		mu    sync.Mutex
		order []int
		n     atomic.Int32
	)
	idx := map[string]int{"๑": 0, "foolalalfar": 1, "2&>1": 2}
	f := func(ctx context.Context, e *contract.Element) (*contract.Element, error) {
		n.Add(1)
		i := idx[e.Text]
		time.Sleep(delays[i])
		mu.Lock()
		order = append(order, i)
		mu.Unlock()
		return woo(ctx, e)
	}
	got, err := runJob(t, doc, "bar", f, nil, 4)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if got != wooDoc {
		t.Fatalf("输出错误:\n%s\nwant\n%s", got, wooDoc)
	}
	if n.Load() != 3 {
		t.Fatalf("应调用 3 次, 实际 %d", n.Load())
	}
	if len(order) != 3 || order[0] != 1 || order[1] != 2 || order[2] != 0 {
		t.Fatalf("完成顺序应为 [1 2 0], 实际 %v", order)
	}
}

// 注释、杂项文本与尾部均原样保留。
func TestFillerPreserved(t *testing.T) {
	got, err := runJob(t, doc, "bar", woo, nil, 1)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	for _, s := range []string{`<?xml foo="bar"?>`, "sดme junk", "more junk", "</foo><!-- this is ok -->"} {
		if !strings.Contains(got, s) {
			t.Fatalf("缺少填充内容 %q", s)
		}
	}
	if !strings.HasSuffix(got, "<!-- this is ok -->") {
		t.Fatalf("尾部错误: %q", got)
	}
}

// 第 3 条（共 5 条）失败：之前内容已写出，之后不再写出。
func TestFailFast(t *testing.T) {
	content := `<r><a>0</a>x<a>1</a>y<a>2</a>z<a>3</a>w<a>4</a>tail</r>`
	boom := errors.New("boom")
	var calls atomic.Int32
	f := func(ctx context.Context, e *contract.Element) (*contract.Element, error) {
		calls.Add(1)
		if e.Text == "2" {
			return nil, boom
		}
		e.Text += "!"
		return e, nil
	}
	got, err := runJob(t, content, "a", f, nil, 5)
	if !errors.Is(err, boom) || !errors.Is(err, contract.ErrTransform) {
		t.Fatalf("应返回变换错误, got %v", err)
	}
	var re *contract.RecordError
	if !errors.As(err, &re) || re.Index != 2 || re.Stage != contract.StageTransform {
		t.Fatalf("应为第 2 条记录的变换错误, got %#v", err)
	}
	if want := `<r><a>0!</a>x<a>1!</a>y`; got != want {
		t.Fatalf("输出=%q want %q", got, want)
	}
	if calls.Load() != 5 {
		t.Fatalf("其余记录仍应被变换, 实际 %d", calls.Load())
	}
}

// 无目标标签时整篇原样复制。
func TestEmptyOffsetsCopiesDocument(t *testing.T) {
	got, err := runJob(t, doc, "baz", woo, nil, 2)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if got != doc {
		t.Fatalf("应原样复制, got %q", got)
	}
}

func TestSequenceReused(t *testing.T) {
	in, out := writeInput(t, doc)
	job, err := Open(context.Background(), contract.Identity, "bar", in, out, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer job.Release()
	if err := Drain(context.Background(), job.Completions(), 2); err != nil {
		t.Fatalf("drain: %v", err)
	}
	n := 0
	for c := range job.Completions() {
		n++
		if err := c.Wait(context.Background()); !errors.Is(err, contract.ErrSequenceReused) {
			t.Fatalf("应返回 ErrSequenceReused, got %v", err)
		}
	}
	if n != 1 {
		t.Fatalf("再次遍历应仅产出 1 项, 实际 %d", n)
	}
}

func TestSequenceLength(t *testing.T) {
	in, out := writeInput(t, doc)
	job, err := Open(context.Background(), contract.Identity, "bar", in, out, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer job.Release()
	n := 0
	for c := range job.Completions() {
		if err := c.Wait(context.Background()); err != nil {
			t.Fatalf("wait: %v", err)
		}
		n++
	}
	if n != len(job.Scan().Offsets)+1 {
		t.Fatalf("序列长度=%d want %d", n, len(job.Scan().Offsets)+1)
	}
	if job.Bundle().Written() != int64(len(doc)) {
		t.Fatalf("写出字节=%d want %d", job.Bundle().Written(), len(doc))
	}
}

// 提前 break 后不再调度后续记录。
func TestEarlyBreak(t *testing.T) {
	in, out := writeInput(t, doc)
	var calls atomic.Int32
	f := func(ctx context.Context, e *contract.Element) (*contract.Element, error) {
		calls.Add(1)
		return e, nil
	}
	job, err := Open(context.Background(), f, "bar", in, out, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer job.Release()
	for c := range job.Completions() {
		if err := c.Wait(context.Background()); err != nil {
			t.Fatalf("wait: %v", err)
		}
		break
	}
	if calls.Load() != 1 {
		t.Fatalf("应只变换 1 条, 实际 %d", calls.Load())
	}
}

func TestOpenScanFailure(t *testing.T) {
	in, out := writeInput(t, ">new <now know how")
	_, err := Open(context.Background(), contract.Identity, "bar", in, out, nil)
	if !errors.Is(err, contract.ErrScan) {
		t.Fatalf("应返回扫描错误, got %v", err)
	}
	var se *contract.ScanError
	if !errors.As(err, &se) {
		t.Fatalf("应为 *ScanError, got %T", err)
	}
	if !strings.HasPrefix(se.Error(), "Failed to scan input XML: ") {
		t.Fatalf("消息格式错误: %q", se.Error())
	}
}

const latin1Doc = "<?xml version=\"1.0\" encoding=\"ISO-8859-1\"?>\n<foo><bar>caf\xe9</bar> \xe0 <bar k=\"\xe8\">\xfc</bar></foo>\n"

// 单字节字符集文档：恒等逐字节还原，改写后的记录按文档字符集回写。
func TestLatin1RoundTrip(t *testing.T) {
	got, err := runJob(t, latin1Doc, "bar", contract.Identity, nil, 2)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if got != latin1Doc {
		t.Fatalf("恒等输出不一致:\n%q", got)
	}
	got, err = runJob(t, latin1Doc, "bar", woo, nil, 2)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	want := strings.NewReplacer("caf\xe9</bar>", "caf\xe9woo</bar>", "\xfc</bar>", "\xfcwoo</bar>").Replace(latin1Doc)
	if got != want {
		t.Fatalf("输出不一致:\n got %q\nwant %q", got, want)
	}
}

// utf8Only 不实现 DocumentCodec。
type utf8Only struct{ contract.Codec }

func TestOpenCharsetUnsupportedByCodec(t *testing.T) {
	in, out := writeInput(t, latin1Doc)
	opts := &OpenOptions{Codec: utf8Only{Codec: nil}}
	_, err := Open(context.Background(), contract.Identity, "bar", in, out, opts)
	if !errors.Is(err, contract.ErrInvalidInput) {
		t.Fatalf("codec 不支持字符集时应失败, got %v", err)
	}
}

const entityDoc = "<?xml version=\"1.0\"?>\n<!DOCTYPE foo [<!ENTITY e \"E\">]>\n<foo><bar>&e;</bar> <bar>x</bar></foo>\n"

// 宽松扫描的文档，记录解码同样宽松。
func TestLenientRecords(t *testing.T) {
	in, out := writeInput(t, entityDoc)
	if _, err := Open(context.Background(), contract.Identity, "bar", in, out, nil); !errors.Is(err, contract.ErrScan) {
		t.Fatalf("严格扫描应失败: %v", err)
	}
	lenient := func() *OpenOptions {
		return &OpenOptions{Scan: scan.Options{Lenient: true}, Sequencer: Options{PreserveUnchanged: true}}
	}
	got, err := runJob(t, entityDoc, "bar", contract.Identity, lenient(), 2)
	if err != nil || got != entityDoc {
		t.Fatalf("恒等输出不一致: %v\n%q", err, got)
	}
	got, err = runJob(t, entityDoc, "bar", woo, lenient(), 2)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	want := strings.NewReplacer("<bar>&e;</bar>", "<bar><![CDATA[&e;woo]]></bar>", "<bar>x</bar>", "<bar>xwoo</bar>").Replace(entityDoc)
	if got != want {
		t.Fatalf("输出不一致:\n got %q\nwant %q", got, want)
	}
}

func TestOpenIOFailure(t *testing.T) {
	dir := t.TempDir()
	_, err := Open(context.Background(), contract.Identity, "bar", filepath.Join(dir, "missing.xml"), filepath.Join(dir, "o.xml"), nil)
	if !errors.Is(err, contract.ErrIO) {
		t.Fatalf("应返回 IO 错误, got %v", err)
	}
}

// 变换返回 nil 记录视为失败。
func TestNilResult(t *testing.T) {
	f := func(context.Context, *contract.Element) (*contract.Element, error) { return nil, nil }
	_, err := runJob(t, doc, "bar", f, nil, 1)
	if !errors.Is(err, contract.ErrInvariantViolation) {
		t.Fatalf("应返回不变量错误, got %v", err)
	}
}

func TestPanicRecovered(t *testing.T) {
	f := func(context.Context, *contract.Element) (*contract.Element, error) { panic("oops") }
	_, err := runJob(t, doc, "bar", f, nil, 1)
	var re *contract.RecordError
	if !errors.As(err, &re) || re.Index != 0 || !strings.Contains(err.Error(), "oops") {
		t.Fatalf("panic 应转为记录错误, got %v", err)
	}
}

// 关闭 PreserveUnchanged 时按编码策略重新写出。
func TestPreserveUnchangedOff(t *testing.T) {
	content := `<r><a  x='1'/></r>`
	got, err := runJob(t, content, "a", contract.Identity, &OpenOptions{}, 1)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if want := `<r><a x="1"/></r>`; got != want {
		t.Fatalf("输出=%q want %q", got, want)
	}
}

type recGate struct {
	mu   sync.Mutex
	asks []rate.Ask
}

func (g *recGate) Wait(ctx context.Context, a rate.Ask) error {
	g.mu.Lock()
	g.asks = append(g.asks, a)
	g.mu.Unlock()
	return nil
}
func (g *recGate) Try(a rate.Ask) bool { return true }

func TestGateAdmitsEachRecord(t *testing.T) {
	g := &recGate{}
	opts := &OpenOptions{Sequencer: Options{PreserveUnchanged: true, Gate: g, GateKey: "local:test"}}
	if _, err := runJob(t, doc, "bar", contract.Identity, opts, 3); err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(g.asks) != 3 {
		t.Fatalf("闸门应放行 3 次, 实际 %d", len(g.asks))
	}
	total := 0
	for _, a := range g.asks {
		if a.Key != "local:test" || a.Records != 1 {
			t.Fatalf("请求错误: %+v", a)
		}
		total += a.Bytes
	}
	if total != 14+33+27 {
		t.Fatalf("字节合计=%d", total)
	}
}

func TestGateBudgetFails(t *testing.T) {
	g := rate.NewGate(map[rate.LimitKey]rate.Limits{"k": {MaxBytesPerRecord: 20}}, nil)
	opts := &OpenOptions{Sequencer: Options{PreserveUnchanged: true, Gate: g, GateKey: "k"}}
	got, err := runJob(t, doc, "bar", contract.Identity, opts, 1)
	if !errors.Is(err, contract.ErrBudgetExceeded) {
		t.Fatalf("应返回预算错误, got %v", err)
	}
	var re *contract.RecordError
	if !errors.As(err, &re) || re.Index != 1 {
		t.Fatalf("第 1 条应失败, got %v", err)
	}
	if !strings.HasSuffix(got, "sดme junk\n    ") {
		t.Fatalf("应写出至第 1 条之前, got %q", got)
	}
}

func TestRetrying(t *testing.T) {
	old := retryBackoff
	retryBackoff = time.Millisecond
	defer func() { retryBackoff = old }()

	transient := errors.New("transient")
	var calls int
	f := func(ctx context.Context, e *contract.Element) (*contract.Element, error) {
		calls++
		e.Text += "x"
		if calls < 3 {
			return nil, transient
		}
		return e, nil
	}
	r := Retrying(f, 3, func(err error) bool { return errors.Is(err, transient) })
	out, err := r(context.Background(), &contract.Element{Name: "a", Text: "t"})
	if err != nil {
		t.Fatalf("重试后应成功: %v", err)
	}
	if out.Text != "tx" {
		t.Fatalf("每次尝试应使用原始输入, got %q", out.Text)
	}

	calls = 0
	r = Retrying(f, 3, func(error) bool { return false })
	if _, err := r(context.Background(), &contract.Element{Name: "a"}); !errors.Is(err, transient) || calls != 1 {
		t.Fatalf("不可重试错误应立即返回, calls=%d err=%v", calls, err)
	}
}

func TestDrainLimit(t *testing.T) {
	var inflight, peak atomic.Int32
	f := func(ctx context.Context, e *contract.Element) (*contract.Element, error) {
		n := inflight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		inflight.Add(-1)
		return e, nil
	}
	var sb strings.Builder
	sb.WriteString("<r>")
	for i := 0; i < 20; i++ {
		sb.WriteString("<a>v</a>")
	}
	sb.WriteString("</r>")
	got, err := runJob(t, sb.String(), "a", f, nil, 2)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if got != sb.String() {
		t.Fatalf("输出不一致")
	}
	// 等待者满额时序列暂停，至多多出一条正在调度的记录
	if peak.Load() > 3 {
		t.Fatalf("在途峰值=%d 超出限制", peak.Load())
	}
}

func TestDrainContextCanceled(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	f := func(ctx context.Context, e *contract.Element) (*contract.Element, error) {
		<-block
		return e, nil
	}
	in, out := writeInput(t, doc)
	job, err := Open(context.Background(), f, "bar", in, out, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer job.Release()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := Drain(ctx, job.Completions(), 8); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("应返回超时, got %v", err)
	}
}

func TestRunWithLogger(t *testing.T) {
	in, out := writeInput(t, doc)
	logger := diag.NewLogger("c", "debug", t.TempDir())
	defer logger.Close()
	comp := Components{Transform: woo, Name: "woo"}
	set := Settings{Input: in, Output: out, Tag: "bar", Concurrency: 2}
	if err := Run(context.Background(), comp, set, logger); err != nil {
		t.Fatalf("运行失败: %v", err)
	}
	b, _ := os.ReadFile(out)
	if string(b) != wooDoc {
		t.Fatalf("输出错误: %s", b)
	}
}

func TestRunSanity(t *testing.T) {
	cases := []struct {
		name string
		comp Components
		set  Settings
	}{
		{"no transform", Components{}, Settings{Input: "a", Output: "b", Tag: "t"}},
		{"no input", Components{Transform: contract.Identity}, Settings{Output: "b", Tag: "t"}},
		{"no tag", Components{Transform: contract.Identity}, Settings{Input: "a", Output: "b"}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if err := Run(context.Background(), c.comp, c.set, nil); err == nil {
				t.Fatalf("应返回错误")
			}
		})
	}
}

func TestRunAtomicFailureKeepsTarget(t *testing.T) {
	in, out := writeInput(t, doc)
	if err := os.WriteFile(out, []byte("previous"), 0o644); err != nil {
		t.Fatal(err)
	}
	boom := errors.New("boom")
	f := func(ctx context.Context, e *contract.Element) (*contract.Element, error) { return nil, boom }
	set := Settings{Input: in, Output: out, Tag: "bar", Concurrency: 1}
	set.Writer.Atomic = true
	if err := Run(context.Background(), Components{Transform: f}, set, nil); !errors.Is(err, boom) {
		t.Fatalf("应返回变换错误, got %v", err)
	}
	b, _ := os.ReadFile(out)
	if string(b) != "previous" {
		t.Fatalf("原子模式失败时不应替换目标, got %q", b)
	}
}
