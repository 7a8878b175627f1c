package affix

import (
	"context"
	"fmt"
	"strings"

	"xmlsplice/pkg/contract"
)

// Options: 为匹配元素的文本追加前后缀。
type Options struct {
	// Name: 目标元素名；为空仅作用于记录根元素，"*" 作用于全部元素。
	Name   string `json:"name,omitempty"`
	Prefix string `json:"prefix,omitempty"`
	Suffix string `json:"suffix,omitempty"`
	// Attr: 非空时改写该属性值而非文本；属性不存在则跳过。
	Attr string `json:"attr,omitempty"`
}

type Transformer struct{ o Options }

// New 构造变换器；前后缀均为空时报错。
func New(opts *Options) (*Transformer, error) {
	if opts == nil || (opts.Prefix == "" && opts.Suffix == "") {
		return nil, fmt.Errorf("affix: prefix or suffix required: %w", contract.ErrInvalidInput)
	}
	return &Transformer{o: *opts}, nil
}

func (t *Transformer) Apply(ctx context.Context, e *contract.Element) (*contract.Element, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if e == nil {
		return nil, fmt.Errorf("affix: nil element: %w", contract.ErrInvalidInput)
	}
	if t.o.Name == "" {
		t.edit(e)
		return e, nil
	}
	e.Walk(func(n *contract.Element) bool {
		if t.o.Name == "*" || strings.EqualFold(n.Name, t.o.Name) {
			t.edit(n)
		}
		return true
	})
	return e, nil
}

func (t *Transformer) edit(n *contract.Element) {
	if t.o.Attr == "" {
		n.Text = t.o.Prefix + n.Text + t.o.Suffix
		return
	}
	if v, ok := n.Attr(t.o.Attr); ok {
		n.SetAttr(t.o.Attr, t.o.Prefix+v+t.o.Suffix)
	}
}
