package xmltree

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/text/encoding/charmap"

	"xmlsplice/internal/charset"
	"xmlsplice/pkg/contract"
)

// Options: 编码策略；零值即默认（两空格缩进、需转义时用 CDATA）。
type Options struct {
	// Indent: 子元素缩进单位；为空使用两个空格。
	Indent string `json:"indent,omitempty"`
	// CDATA: 文本含 < & > 时是否使用 CDATA；nil 视为 true，false 改为实体转义。
	CDATA *bool `json:"cdata,omitempty"`
	// Compact: 不换行不缩进。
	Compact bool `json:"compact,omitempty"`
	// Lenient: 非严格解码（HTML 实体、未闭合元素按外层闭合处理），与宽松扫描配套。
	Lenient bool `json:"lenient,omitempty"`
}

// Codec 基于 encoding/xml 的记录编解码实现。
type Codec struct {
	indent  string
	cdata   bool
	compact bool
	lenient bool
	// cm 非空时记录字节按该单字节字符集解码与回写
	cm *charmap.Charmap
}

var _ contract.DocumentCodec = (*Codec)(nil)

// New 创建编解码器；opts 可为 nil。
func New(opts *Options) *Codec {
	c := &Codec{indent: "  ", cdata: true}
	if opts == nil {
		return c
	}
	if opts.Indent != "" {
		c.indent = opts.Indent
	}
	if opts.CDATA != nil {
		c.cdata = *opts.CDATA
	}
	c.compact = opts.Compact
	c.lenient = opts.Lenient
	return c
}

// ForDocument 返回适配文档字符集与扫描模式的副本。
func (c *Codec) ForDocument(doc contract.Document) (contract.Codec, error) {
	cm, err := charset.Lookup(doc.Charset)
	if err != nil {
		return nil, fmt.Errorf("xmltree: %w", err)
	}
	out := *c
	out.cm = cm
	out.lenient = c.lenient || doc.Lenient
	return &out, nil
}

// Decode 将目标区间字节解析为单根元素树。
// 使用 RawToken 保留原始前缀；注释、处理指令与指令被丢弃。
func (c *Codec) Decode(ctx context.Context, raw []byte) (*Element, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.cm != nil {
		raw = charset.Decode(c.cm, raw)
	}
	d := xml.NewDecoder(bytes.NewReader(raw))
	if c.lenient {
		d.Strict = false
		d.Entity = xml.HTMLEntity
	}
	var (
		root  *Element
		stack []*frame
	)
	for {
		tok, err := d.RawToken()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("xmltree decode: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if root != nil && len(stack) == 0 {
				return nil, fmt.Errorf("xmltree decode: multiple roots: %w", contract.ErrInvalidInput)
			}
			e := &Element{Name: qname(t.Name)}
			for _, a := range t.Attr {
				e.Attrs = append(e.Attrs, contract.Attr{Name: qname(a.Name), Value: a.Value})
			}
			if len(stack) == 0 {
				root = e
			} else {
				p := stack[len(stack)-1]
				p.el.Children = append(p.el.Children, e)
			}
			stack = append(stack, &frame{el: e})
		case xml.EndElement:
			if len(stack) == 0 {
				return nil, fmt.Errorf("xmltree decode: unexpected </%s>: %w", qname(t.Name), contract.ErrInvalidInput)
			}
			name := qname(t.Name)
			if top := stack[len(stack)-1]; name != top.el.Name {
				if !c.lenient {
					return nil, fmt.Errorf("xmltree decode: <%s> closed by </%s>: %w", top.el.Name, name, contract.ErrInvalidInput)
				}
				// 宽松：闭合到最近的同名祖先；无同名祖先则忽略该闭合标签
				if !openAbove(stack, name) {
					continue
				}
				for stack[len(stack)-1].el.Name != name {
					stack[len(stack)-1].settle()
					stack = stack[:len(stack)-1]
				}
			}
			stack[len(stack)-1].settle()
			stack = stack[:len(stack)-1]
		case xml.CharData:
			if len(stack) == 0 {
				if len(bytes.TrimSpace(t)) > 0 {
					return nil, fmt.Errorf("xmltree decode: text outside root: %w", contract.ErrInvalidInput)
				}
				continue
			}
			stack[len(stack)-1].text = append(stack[len(stack)-1].text, string(t))
		}
	}
	if c.lenient {
		for len(stack) > 0 {
			stack[len(stack)-1].settle()
			stack = stack[:len(stack)-1]
		}
	}
	if len(stack) > 0 {
		return nil, fmt.Errorf("xmltree decode: <%s> not closed: %w", stack[len(stack)-1].el.Name, io.ErrUnexpectedEOF)
	}
	if root == nil {
		return nil, fmt.Errorf("xmltree decode: no element: %w", contract.ErrInvalidInput)
	}
	return root, nil
}

// Element 别名，便于插件内部书写。
type Element = contract.Element

// frame: 解码栈帧，累积文本片段直至闭合。
type frame struct {
	el   *Element
	text []string
}

// settle 叶子保留原文；含子元素时仅拼接非空白片段。
func (f *frame) settle() {
	if len(f.el.Children) == 0 {
		f.el.Text = strings.Join(f.text, "")
		return
	}
	var b strings.Builder
	for _, s := range f.text {
		b.WriteString(strings.TrimSpace(s))
	}
	f.el.Text = b.String()
}

func openAbove(stack []*frame, name string) bool {
	for i := len(stack) - 1; i >= 0; i-- {
		if stack[i].el.Name == name {
			return true
		}
	}
	return false
}

func qname(n xml.Name) string {
	if n.Space == "" {
		return n.Local
	}
	return n.Space + ":" + n.Local
}

// Encode 输出无声明的片段；根元素不带前导缩进以便原位拼接。
func (c *Codec) Encode(ctx context.Context, e *Element) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if e == nil {
		return nil, fmt.Errorf("xmltree encode: nil element: %w", contract.ErrInvariantViolation)
	}
	var buf bytes.Buffer
	if err := c.write(&buf, e, 0); err != nil {
		return nil, fmt.Errorf("xmltree encode: %w", err)
	}
	if c.cm != nil {
		return charset.Encode(c.cm, buf.Bytes()), nil
	}
	return buf.Bytes(), nil
}

var errEmptyName = errors.New("empty element name")

func (c *Codec) write(buf *bytes.Buffer, e *Element, depth int) error {
	if e.Name == "" {
		return errEmptyName
	}
	if c.cm != nil && !charset.Representable(c.cm, e.Name) {
		return fmt.Errorf("<%s>: name not representable in document charset", e.Name)
	}
	buf.WriteByte('<')
	buf.WriteString(e.Name)
	for _, a := range e.Attrs {
		if a.Name == "" {
			return fmt.Errorf("<%s>: empty attribute name", e.Name)
		}
		if c.cm != nil && !charset.Representable(c.cm, a.Name) {
			return fmt.Errorf("<%s>: attribute %s not representable in document charset", e.Name, a.Name)
		}
		buf.WriteByte(' ')
		buf.WriteString(a.Name)
		buf.WriteString(`="`)
		buf.WriteString(attrEscaper.Replace(a.Value))
		buf.WriteByte('"')
	}
	if e.Text == "" && len(e.Children) == 0 {
		buf.WriteString("/>")
		return nil
	}
	buf.WriteByte('>')
	c.writeText(buf, e.Text)
	if len(e.Children) > 0 {
		for _, ch := range e.Children {
			if ch == nil {
				continue
			}
			c.newline(buf, depth+1)
			if err := c.write(buf, ch, depth+1); err != nil {
				return err
			}
		}
		c.newline(buf, depth)
	}
	buf.WriteString("</")
	buf.WriteString(e.Name)
	buf.WriteByte('>')
	return nil
}

func (c *Codec) newline(buf *bytes.Buffer, depth int) {
	if c.compact {
		return
	}
	buf.WriteByte('\n')
	for i := 0; i < depth; i++ {
		buf.WriteString(c.indent)
	}
}

func (c *Codec) writeText(buf *bytes.Buffer, s string) {
	if s == "" {
		return
	}
	if !strings.ContainsAny(s, "<&>") {
		buf.WriteString(s)
		return
	}
	// CDATA 内无法使用字符引用，字符集装不下时退回实体转义
	if !c.cdata || (c.cm != nil && !charset.Representable(c.cm, s)) {
		buf.WriteString(textEscaper.Replace(s))
		return
	}
	buf.WriteString("<![CDATA[")
	buf.WriteString(strings.ReplaceAll(s, "]]>", "]]]]><![CDATA[>"))
	buf.WriteString("]]>")
}

var (
	textEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	attrEscaper = strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		`"`, "&quot;",
		"\t", "&#x9;",
		"\n", "&#xA;",
		"\r", "&#xD;",
	)
)
