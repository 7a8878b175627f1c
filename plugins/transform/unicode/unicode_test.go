package unicode

import (
	"context"
	"errors"
	"testing"

	"xmlsplice/pkg/contract"
)

func TestApply(t *testing.T) {
	cases := []struct {
		name string
		opts Options
		in   string
		want string
	}{
		{"nfc", Options{Normalize: "nfc"}, "e\u0301", "\u00e9"},
		{"nfd", Options{Normalize: "NFD"}, "\u00e9", "e\u0301"},
		{"nfkc", Options{Normalize: "nfkc"}, "\ufb01\u2460", "fi1"},
		{"upper", Options{Case: "upper"}, "straße", "STRASSE"},
		{"lower", Options{Case: "lower"}, "HELLO", "hello"},
		{"title", Options{Case: "title"}, "hello world", "Hello World"},
		{"turkish upper", Options{Case: "upper", Language: "tr"}, "i", "\u0130"},
		{"identity", Options{}, "As Is", "As Is"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			tr, err := New(&c.opts)
			if err != nil {
				t.Fatalf("new: %v", err)
			}
			out, err := tr.Apply(context.Background(), &contract.Element{Name: "a", Text: c.in})
			if err != nil {
				t.Fatalf("apply: %v", err)
			}
			if out.Text != c.want {
				t.Fatalf("got %q want %q", out.Text, c.want)
			}
		})
	}
}

func TestApplyTreeAndAttrs(t *testing.T) {
	in := &contract.Element{
		Name:  "item",
		Attrs: []contract.Attr{{Name: "title", Value: "abc"}},
		Children: []*contract.Element{
			{Name: "t", Text: "x"},
			{Name: "u", Children: []*contract.Element{{Name: "v", Text: "y"}}},
		},
	}
	tr, _ := New(&Options{Case: "upper"})
	out, err := tr.Apply(context.Background(), in.Clone())
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if v, _ := out.Attr("title"); v != "ABC" {
		t.Fatalf("属性应被转换, got %q", v)
	}
	if out.Children[0].Text != "X" || out.Children[1].Children[0].Text != "Y" {
		t.Fatalf("子树应被转换: %+v", out)
	}
	if out.Name != "item" || out.Children[0].Name != "t" {
		t.Fatalf("元素名不应改变")
	}

	tr, _ = New(&Options{Case: "upper", SkipAttrs: true})
	out, _ = tr.Apply(context.Background(), in.Clone())
	if v, _ := out.Attr("title"); v != "abc" {
		t.Fatalf("SkipAttrs 时属性不应改变, got %q", v)
	}
}

func TestNewInvalid(t *testing.T) {
	for _, o := range []Options{{Normalize: "nfx"}, {Case: "snake"}, {Case: "upper", Language: "not a tag!"}} {
		if _, err := New(&o); err == nil {
			t.Fatalf("应报错: %+v", o)
		}
	}
	if _, err := New(&Options{Normalize: "??"}); !errors.Is(err, contract.ErrInvalidInput) {
		t.Fatalf("应返回 ErrInvalidInput, got %v", err)
	}
}

func TestApplyCanceled(t *testing.T) {
	tr, _ := New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := tr.Apply(ctx, &contract.Element{Name: "a"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("应返回取消, got %v", err)
	}
}
