package contract

// FileID: 逻辑文档ID（通常为路径，需规范化，跨平台一致）。
type FileID string

// Index: 单文档内目标记录的序号（0..n-1，按文档顺序）。
type Index int64

// Offset: 目标标签一次出现的字节区间 [Start, End)。
// Start 指向开标签的 '<'；End 指向闭标签 '>' 之后一字节。
// 自闭合标签 <t/> 同样构成完整区间。
type Offset struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

// Len 返回区间字节数。
func (o Offset) Len() int64 { return o.End - o.Start }

// Scan: 一次扫描的结果。
// 约束：
// - Offsets 按 Start 严格升序且互不重叠（Offsets[i].End <= Offsets[i+1].Start）；
// - 末项 End <= EndPosition；
// - EndPosition 为扫描消费的总字节数。
type Scan struct {
	Offsets     []Offset `json:"offsets"`
	EndPosition int64    `json:"end_position"`
	// Charset: 声明的单字节字符集（小写）；UTF-8 或未声明时为空。
	Charset string `json:"charset,omitempty"`
}

// Valid 检查区间的顺序与边界约束。
func (s Scan) Valid() bool {
	var prev int64
	for _, o := range s.Offsets {
		if o.Start < prev || o.End < o.Start {
			return false
		}
		prev = o.End
	}
	return prev <= s.EndPosition
}

// Attr: 属性，保持文档顺序与原始前缀。
type Attr struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Element: 结构化记录。
// - Name 保留原始限定名（如 ns:bar）；
// - 叶子元素的 Text 原样保留；含子元素时 Text 为非空白文本拼接；
// - Children 为 nil 与空切片等价。
type Element struct {
	Name     string     `json:"name"`
	Attrs    []Attr     `json:"attrs,omitempty"`
	Text     string     `json:"text,omitempty"`
	Children []*Element `json:"children,omitempty"`
}

// Attr 返回指定属性值；不存在时 ok=false。
func (e *Element) Attr(name string) (string, bool) {
	if e == nil {
		return "", false
	}
	for _, a := range e.Attrs {
		if a.Name == name {
			return a.Value, true
		}
	}
	return "", false
}

// SetAttr 设置属性；已有同名属性时原位覆盖，否则追加。
func (e *Element) SetAttr(name, value string) {
	for i := range e.Attrs {
		if e.Attrs[i].Name == name {
			e.Attrs[i].Value = value
			return
		}
	}
	e.Attrs = append(e.Attrs, Attr{Name: name, Value: value})
}

// Clone 深拷贝。
func (e *Element) Clone() *Element {
	if e == nil {
		return nil
	}
	out := &Element{Name: e.Name, Text: e.Text}
	if len(e.Attrs) > 0 {
		out.Attrs = make([]Attr, len(e.Attrs))
		copy(out.Attrs, e.Attrs)
	}
	if len(e.Children) > 0 {
		out.Children = make([]*Element, len(e.Children))
		for i, c := range e.Children {
			out.Children[i] = c.Clone()
		}
	}
	return out
}

// Equal 结构相等（属性按顺序比较）。
func (e *Element) Equal(o *Element) bool {
	if e == nil || o == nil {
		return e == o
	}
	if e.Name != o.Name || e.Text != o.Text {
		return false
	}
	if len(e.Attrs) != len(o.Attrs) || len(e.Children) != len(o.Children) {
		return false
	}
	for i := range e.Attrs {
		if e.Attrs[i] != o.Attrs[i] {
			return false
		}
	}
	for i := range e.Children {
		if !e.Children[i].Equal(o.Children[i]) {
			return false
		}
	}
	return true
}

// Walk 先序遍历；fn 返回 false 时不进入该节点的子树。
func (e *Element) Walk(fn func(*Element) bool) {
	if e == nil || !fn(e) {
		return
	}
	for _, c := range e.Children {
		c.Walk(fn)
	}
}
