package contract

import "context"

// Transform: 用户变换。对单条记录异步调用，不保证调用顺序。
// 约束：
//  1. 可原地修改 in 并返回，也可返回新树；
//  2. 返回 nil 且 err==nil 视为不变量违例；
//  3. 应尊重 ctx，重试由实现自理。
type Transform func(ctx context.Context, in *Element) (*Element, error)

// Codec: 记录编解码。
// Decode 接收目标区间的原始字节，返回根元素；
// Encode 输出无 XML 声明的片段。
type Codec interface {
	Decode(ctx context.Context, raw []byte) (*Element, error)
	Encode(ctx context.Context, e *Element) ([]byte, error)
}

// Document: 由扫描得到、影响记录编解码的文档属性。
type Document struct {
	Charset string // 见 Scan.Charset
	Lenient bool   // 扫描按宽松模式进行
}

// DocumentCodec: 可按文档属性派生专用实例的 Codec。
// 打开作业时若文档声明了非 UTF-8 字符集，Codec 必须实现此接口。
type DocumentCodec interface {
	Codec
	ForDocument(doc Document) (Codec, error)
}

// Identity 原样返回输入。
func Identity(_ context.Context, in *Element) (*Element, error) { return in, nil }
