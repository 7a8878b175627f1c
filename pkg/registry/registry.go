package registry

import (
	"bytes"
	"encoding/json"
	"sort"

	"xmlsplice/pkg/contract"
	"xmlsplice/plugins/codec/xmltree"
	"xmlsplice/plugins/transform/affix"
	"xmlsplice/plugins/transform/remote"
	tuni "xmlsplice/plugins/transform/unicode"
)

// strictUnmarshal: 使用 DisallowUnknownFields 严格解码，拒绝未知字段。
func strictUnmarshal(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		// 保持零值（默认选项）
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// NewCodec 工厂签名：接收原样 JSON Options。
type NewCodec func(raw json.RawMessage) (contract.Codec, error)

// NewTransform 工厂签名：接收原样 JSON Options 与已构造的 codec（remote 需要它编码请求）。
type NewTransform func(raw json.RawMessage, codec contract.Codec) (contract.Transform, error)

// Codec 工厂注册表（显式、零反射）。
var Codec = map[string]NewCodec{
	// xmltree: 单根元素树；无声明输出，必要时 CDATA，两空格缩进
	"xmltree": func(raw json.RawMessage) (contract.Codec, error) {
		var opts xmltree.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return xmltree.New(&opts), nil
	},
}

// Transform 工厂注册表。
var Transform = map[string]NewTransform{
	"identity": func(raw json.RawMessage, _ contract.Codec) (contract.Transform, error) {
		var opts struct{}
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return contract.Identity, nil
	},
	// unicode: 规范化（NFC 等）与按语言大小写转换
	"unicode": func(raw json.RawMessage, _ contract.Codec) (contract.Transform, error) {
		var opts tuni.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		t, err := tuni.New(&opts)
		if err != nil {
			return nil, err
		}
		return t.Apply, nil
	},
	"affix": func(raw json.RawMessage, _ contract.Codec) (contract.Transform, error) {
		var opts affix.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		t, err := affix.New(&opts)
		if err != nil {
			return nil, err
		}
		return t.Apply, nil
	},
	// remote: HTTP 上游，请求体为编码后的记录，响应体为替换记录
	"remote": func(raw json.RawMessage, codec contract.Codec) (contract.Transform, error) {
		var opts remote.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		c, err := remote.New(&opts, codec)
		if err != nil {
			return nil, err
		}
		return c.Apply, nil
	},
}

// Names 返回已注册名称（有序），用于校验提示与帮助文本。
func Names[F any](m map[string]F) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
