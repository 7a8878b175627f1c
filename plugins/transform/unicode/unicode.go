package unicode

import (
	"context"
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/unicode/norm"

	"xmlsplice/pkg/contract"
)

// Options: 规范化与大小写转换；二者均为空时为恒等变换。
type Options struct {
	// Normalize: nfc | nfd | nfkc | nfkd；为空不做规范化。
	Normalize string `json:"normalize,omitempty"`
	// Case: upper | lower | title；为空不转换。
	Case string `json:"case,omitempty"`
	// Language: BCP 47 语言标签，影响大小写规则（如 tr 的 i/İ）；为空使用 und。
	Language string `json:"language,omitempty"`
	// SkipAttrs: 仅处理文本，不改属性值。
	SkipAttrs bool `json:"skip_attrs,omitempty"`
}

// Transformer 对记录内全部文本（及属性值）应用 Unicode 变换。
type Transformer struct {
	form      *norm.Form
	caser     func() cases.Caser
	skipAttrs bool
}

// New 校验并构造变换器；opts 可为 nil。
func New(opts *Options) (*Transformer, error) {
	if opts == nil {
		opts = &Options{}
	}
	t := &Transformer{skipAttrs: opts.SkipAttrs}
	switch strings.ToLower(strings.TrimSpace(opts.Normalize)) {
	case "":
	case "nfc":
		t.form = formPtr(norm.NFC)
	case "nfd":
		t.form = formPtr(norm.NFD)
	case "nfkc":
		t.form = formPtr(norm.NFKC)
	case "nfkd":
		t.form = formPtr(norm.NFKD)
	default:
		return nil, fmt.Errorf("unicode: unknown normalize %q: %w", opts.Normalize, contract.ErrInvalidInput)
	}
	tag := language.Und
	if s := strings.TrimSpace(opts.Language); s != "" {
		var err error
		if tag, err = language.Parse(s); err != nil {
			return nil, fmt.Errorf("unicode: language %q: %w", s, err)
		}
	}
	// Caser 有内部状态，不可跨 goroutine 共享；每条记录新建一个
	switch strings.ToLower(strings.TrimSpace(opts.Case)) {
	case "":
	case "upper":
		t.caser = func() cases.Caser { return cases.Upper(tag) }
	case "lower":
		t.caser = func() cases.Caser { return cases.Lower(tag) }
	case "title":
		t.caser = func() cases.Caser { return cases.Title(tag) }
	default:
		return nil, fmt.Errorf("unicode: unknown case %q: %w", opts.Case, contract.ErrInvalidInput)
	}
	return t, nil
}

func formPtr(f norm.Form) *norm.Form { return &f }

// Apply 原地修改并返回记录。
func (t *Transformer) Apply(ctx context.Context, e *contract.Element) (*contract.Element, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if e == nil {
		return nil, fmt.Errorf("unicode: nil element: %w", contract.ErrInvalidInput)
	}
	var c cases.Caser
	if t.caser != nil {
		c = t.caser()
	}
	conv := func(s string) string {
		if s == "" {
			return s
		}
		if t.form != nil {
			s = t.form.String(s)
		}
		if t.caser != nil {
			c.Reset()
			s = c.String(s)
		}
		return s
	}
	e.Walk(func(n *contract.Element) bool {
		n.Text = conv(n.Text)
		if !t.skipAttrs {
			for i := range n.Attrs {
				n.Attrs[i].Value = conv(n.Attrs[i].Value)
			}
		}
		return true
	})
	return e, nil
}
