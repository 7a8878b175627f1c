package charset

import (
	"errors"
	"io"
	"strings"
	"testing"

	"golang.org/x/text/encoding/charmap"
)

func TestLookup(t *testing.T) {
	cases := []struct {
		name string
		want *charmap.Charmap
		err  bool
	}{
		{"", nil, false},
		{"UTF-8", nil, false},
		{"ISO-8859-1", charmap.ISO8859_1, false},
		{"us-ascii", charmap.ISO8859_1, false},
		{"windows-1252", charmap.Windows1252, false},
		{"Shift_JIS", nil, true},
		{"no-such-charset", nil, true},
	}
	for _, c := range cases {
		got, err := Lookup(c.name)
		if c.err {
			if !errors.Is(err, ErrUnsupported) {
				t.Fatalf("%s: want ErrUnsupported, got %v", c.name, err)
			}
			continue
		}
		if err != nil || got != c.want {
			t.Fatalf("%s: got %v %v", c.name, got, err)
		}
	}
}

// TestReaderRaw 解码后偏移换算回原始偏移。
func TestReaderRaw(t *testing.T) {
	raw := "ab\xe9c\xe0\xe8d"
	r := NewReader(strings.NewReader(raw), charmap.ISO8859_1, 10)
	out, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != "ab\u00e9c\u00e0\u00e8d" {
		t.Fatalf("decoded=%q", out)
	}
	// 解码后：a b é(2) c à(2) è(2) d，起点 10
	cases := []struct{ dec, raw int64 }{
		{10, 10}, {12, 12}, {14, 13}, {15, 14}, {19, 16}, {20, 17},
	}
	for _, c := range cases {
		if got := r.Raw(c.dec); got != c.raw {
			t.Fatalf("Raw(%d)=%d want %d", c.dec, got, c.raw)
		}
	}
}

func TestEncodeDecode(t *testing.T) {
	cm := charmap.ISO8859_1
	if got := string(Decode(cm, []byte("caf\xe9"))); got != "caf\u00e9" {
		t.Fatalf("Decode=%q", got)
	}
	if got := string(Encode(cm, []byte("caf\u00e9 \u20ac"))); got != "caf\xe9 &#8364;" {
		t.Fatalf("Encode=%q", got)
	}
	if Representable(cm, "\u20ac") || !Representable(cm, "caf\u00e9") {
		t.Fatalf("Representable 判定错误")
	}
}
