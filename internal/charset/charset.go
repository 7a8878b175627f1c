// Package charset 处理单字节字符集声明的输入：解码为 UTF-8 供解析器使用，
// 同时保留解码后偏移到原始字节偏移的映射，使区间仍可直接用于 ReadAt。
package charset

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/ianaindex"
)

// ErrUnsupported: 声明的字符集不是单字节字符集（或无法识别）。
var ErrUnsupported = errors.New("unsupported charset")

// Lookup 解析 XML 声明中的 encoding 名称。
// UTF-8（或空）返回 nil, nil；单字节字符集返回对应码表；其余报 ErrUnsupported。
func Lookup(name string) (*charmap.Charmap, error) {
	n := strings.ToLower(strings.TrimSpace(name))
	switch n {
	case "", "utf-8", "utf8":
		return nil, nil
	case "ascii", "us-ascii", "ansi_x3.4-1968":
		// ASCII 之外的字节按 Latin-1 读取，保持逐字节语义
		return charmap.ISO8859_1, nil
	}
	enc, err := ianaindex.IANA.Encoding(n)
	if err != nil || enc == nil {
		return nil, fmt.Errorf("%w %q", ErrUnsupported, name)
	}
	cm, ok := enc.(*charmap.Charmap)
	if !ok {
		return nil, fmt.Errorf("%w %q: multi-byte encodings are not supported", ErrUnsupported, name)
	}
	return cm, nil
}

// Decode 将单字节编码的 raw 转为 UTF-8。
func Decode(cm *charmap.Charmap, raw []byte) []byte {
	out := make([]byte, 0, len(raw)+len(raw)/8)
	for _, b := range raw {
		out = utf8.AppendRune(out, cm.DecodeByte(b))
	}
	return out
}

// Representable 报告 s 的每个字符是否都能以 cm 编码。
func Representable(cm *charmap.Charmap, s string) bool {
	for _, r := range s {
		if _, ok := cm.EncodeRune(r); !ok {
			return false
		}
	}
	return true
}

// Encode 将 UTF-8 片段转回 cm 编码；无法表示的字符写为数值字符引用。
// 调用方需保证这类字符不出现在名称或 CDATA 中。
func Encode(cm *charmap.Charmap, s []byte) []byte {
	out := make([]byte, 0, len(s))
	for len(s) > 0 {
		r, n := utf8.DecodeRune(s)
		s = s[n:]
		if b, ok := cm.EncodeRune(r); ok {
			out = append(out, b)
			continue
		}
		out = append(out, "&#"...)
		out = strconv.AppendInt(out, int64(r), 10)
		out = append(out, ';')
	}
	return out
}

// expansion: 解码后位置 at 处的单个原始字节扩展出 extra 个额外字节。
type expansion struct {
	at    int64
	extra int64
}

// Reader 逐字节把单字节编码转为 UTF-8，并记录扩展点以换算回原始偏移。
// base 为该 Reader 接管时两种偏移的共同起点（XML 声明之后的位置）。
type Reader struct {
	src   io.Reader
	cm    *charmap.Charmap
	base  int64
	dec   int64 // 已交付的解码字节数
	in    []byte
	out   []byte
	off   int
	err   error
	exp   []expansion
	shift int64
}

// NewReader 构造转换读取器；base 为接管点在两种坐标下的共同偏移。
func NewReader(src io.Reader, cm *charmap.Charmap, base int64) *Reader {
	return &Reader{src: src, cm: cm, base: base, in: make([]byte, 32*1024)}
}

func (r *Reader) Read(p []byte) (int, error) {
	for r.off == len(r.out) {
		if r.err != nil {
			return 0, r.err
		}
		n, err := r.src.Read(r.in)
		r.err = err
		r.fill(r.in[:n])
	}
	n := copy(p, r.out[r.off:])
	r.off += n
	r.dec += int64(n)
	return n, nil
}

func (r *Reader) fill(raw []byte) {
	r.out = r.out[:0]
	r.off = 0
	at := r.base + r.dec
	for _, b := range raw {
		ru := r.cm.DecodeByte(b)
		if ru < utf8.RuneSelf {
			r.out = append(r.out, byte(ru))
			continue
		}
		pos := at + int64(len(r.out))
		r.out = utf8.AppendRune(r.out, ru)
		r.exp = append(r.exp, expansion{at: pos, extra: int64(utf8.RuneLen(ru) - 1)})
	}
}

// Raw 将解码后偏移换算为原始字节偏移。q 必须单调不减，且落在字符边界上。
func (r *Reader) Raw(q int64) int64 {
	i := 0
	for i < len(r.exp) && r.exp[i].at < q {
		r.shift += r.exp[i].extra
		i++
	}
	if i > 0 {
		r.exp = r.exp[i:]
	}
	return q - r.shift
}
