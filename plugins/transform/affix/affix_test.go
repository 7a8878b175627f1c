package affix

import (
	"context"
	"testing"

	"xmlsplice/pkg/contract"
)

func sample() *contract.Element {
	return &contract.Element{
		Name:  "item",
		Attrs: []contract.Attr{{Name: "id", Value: "7"}},
		Text:  "root",
		Children: []*contract.Element{
			{Name: "title", Text: "a"},
			{Name: "Title", Text: "b"},
			{Name: "body", Text: "c"},
		},
	}
}

func TestApply(t *testing.T) {
	cases := []struct {
		name  string
		opts  Options
		check func(*testing.T, *contract.Element)
	}{
		{"root suffix", Options{Suffix: "woo"}, func(t *testing.T, e *contract.Element) {
			if e.Text != "rootwoo" || e.Children[0].Text != "a" {
				t.Fatalf("仅根元素应改变: %+v", e)
			}
		}},
		{"named", Options{Name: "title", Prefix: "[", Suffix: "]"}, func(t *testing.T, e *contract.Element) {
			if e.Children[0].Text != "[a]" || e.Children[1].Text != "[b]" || e.Children[2].Text != "c" || e.Text != "root" {
				t.Fatalf("名称匹配错误: %+v", e)
			}
		}},
		{"all", Options{Name: "*", Prefix: "-"}, func(t *testing.T, e *contract.Element) {
			if e.Text != "-root" || e.Children[2].Text != "-c" {
				t.Fatalf("应作用于全部元素: %+v", e)
			}
		}},
		{"attr", Options{Attr: "id", Prefix: "n"}, func(t *testing.T, e *contract.Element) {
			if v, _ := e.Attr("id"); v != "n7" || e.Text != "root" {
				t.Fatalf("属性改写错误: %+v", e)
			}
		}},
		{"missing attr", Options{Attr: "nope", Prefix: "n"}, func(t *testing.T, e *contract.Element) {
			if _, ok := e.Attr("nope"); ok {
				t.Fatalf("不存在的属性不应被创建")
			}
		}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			tr, err := New(&c.opts)
			if err != nil {
				t.Fatalf("new: %v", err)
			}
			out, err := tr.Apply(context.Background(), sample())
			if err != nil {
				t.Fatalf("apply: %v", err)
			}
			c.check(t, out)
		})
	}
}

func TestNewRequiresAffix(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Fatalf("nil 选项应报错")
	}
	if _, err := New(&Options{Name: "x"}); err == nil {
		t.Fatalf("缺少前后缀应报错")
	}
}
