package iobundle

import (
	"compress/gzip"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"

	"xmlsplice/pkg/contract"
)

const doc = `<?xml foo="bar"?>
<foo>
    <bar>๑</bar>
</foo>`

func writeInput(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "in.xml")
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write input: %v", err)
	}
	return p
}

// TestReadSpanUTF8 按字节区间读取多字节字符。
func TestReadSpanUTF8(t *testing.T) {
	in := writeInput(t, doc)
	b, err := Acquire(in, filepath.Join(t.TempDir(), "out.xml"), nil)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer b.Release()
	got, err := b.ReadSpan(context.Background(), 28, 42)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "<bar>๑</bar>" {
		t.Fatalf("got %q", got)
	}
	if _, err := b.ReadSpan(context.Background(), 40, 4000); !errors.Is(err, contract.ErrIO) {
		t.Fatalf("越界读取应为 ErrIO: %v", err)
	}
	if _, err := b.ReadSpan(context.Background(), 5, 4); !errors.Is(err, contract.ErrInvalidInput) {
		t.Fatalf("反向区间应为 ErrInvalidInput: %v", err)
	}
}

// TestCopyAndWrite 交替拷贝与写入后输出符合顺序，Release 幂等。
func TestCopyAndWrite(t *testing.T) {
	in := writeInput(t, doc)
	out := filepath.Join(t.TempDir(), "out.xml")
	if err := os.WriteFile(out, []byte("stale content that must be truncated"), 0o644); err != nil {
		t.Fatal(err)
	}
	b, err := Acquire(in, out, nil)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	ctx := context.Background()
	if _, err := b.CopySpan(ctx, 0, 28); err != nil {
		t.Fatalf("copy: %v", err)
	}
	if _, err := b.Write([]byte("<x/>")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if n, err := b.CopySpan(ctx, 42, 42); err != nil || n != 0 {
		t.Fatalf("空区间: n=%d err=%v", n, err)
	}
	if _, err := b.CopySpan(ctx, 42, int64(len(doc))); err != nil {
		t.Fatalf("copy tail: %v", err)
	}
	if b.Written() != int64(len(doc))-14+4 {
		t.Fatalf("written=%d", b.Written())
	}
	if err := b.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := b.Release(); err != nil {
		t.Fatalf("second release: %v", err)
	}
	if _, err := b.Write([]byte("late")); !errors.Is(err, os.ErrClosed) {
		t.Fatalf("Release 后写入应失败: %v", err)
	}
	got, _ := os.ReadFile(out)
	want := doc[:28] + "<x/>" + doc[42:]
	if string(got) != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

// TestAcquireFailure 打开失败时返回 ErrIO。
func TestAcquireFailure(t *testing.T) {
	dir := t.TempDir()
	if _, err := Acquire(filepath.Join(dir, "missing.xml"), filepath.Join(dir, "o.xml"), nil); !errors.Is(err, contract.ErrIO) || !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("缺失输入: %v", err)
	}
	in := writeInput(t, doc)
	if _, err := Acquire(in, filepath.Join(dir, "no", "such", "o.xml"), nil); !errors.Is(err, contract.ErrIO) {
		t.Fatalf("输出目录不存在: %v", err)
	}
}

// TestAtomicCommit 仅完整输出替换目标，否则保留旧文件。
func TestAtomicCommit(t *testing.T) {
	in := writeInput(t, doc)
	dir := t.TempDir()
	out := filepath.Join(dir, "out.xml")
	if err := os.WriteFile(out, []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}

	b, err := Acquire(in, out, &Options{Atomic: true})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := b.Write([]byte("partial")); err != nil {
		t.Fatal(err)
	}
	if err := b.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if got, _ := os.ReadFile(out); string(got) != "old" {
		t.Fatalf("未完成输出不应替换目标: %q", got)
	}

	b, err = Acquire(in, out, &Options{Atomic: true})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := b.CopySpan(context.Background(), 0, int64(len(doc))); err != nil {
		t.Fatal(err)
	}
	b.MarkComplete()
	if err := b.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if got, _ := os.ReadFile(out); string(got) != doc {
		t.Fatalf("got %q", got)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 1 {
		t.Fatalf("临时文件未清理: %v", entries)
	}
}

// TestGzipOutput 输出经 gzip 压缩，可用标准库解压。
func TestGzipOutput(t *testing.T) {
	in := writeInput(t, doc)
	out := filepath.Join(t.TempDir(), "out.xml.gz")
	b, err := Acquire(in, out, &Options{Gzip: true, BufSize: 16})
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := b.CopySpan(context.Background(), 0, int64(len(doc))); err != nil {
		t.Fatal(err)
	}
	if err := b.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	f, err := os.Open(out)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	zr, err := gzip.NewReader(f)
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	got, err := io.ReadAll(zr)
	if err != nil || string(got) != doc {
		t.Fatalf("got %q err=%v", got, err)
	}
}

// TestCopyCanceled 取消的 ctx 中止拷贝。
func TestCopyCanceled(t *testing.T) {
	in := writeInput(t, doc)
	b, err := Acquire(in, filepath.Join(t.TempDir(), "o.xml"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Release()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := b.CopySpan(ctx, 0, 10); !errors.Is(err, context.Canceled) {
		t.Fatalf("want canceled: %v", err)
	}
}
