package config

import (
	"bytes"
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

// DefaultTemplateConfig 返回一个“可运行”的默认配置模板：
// - 使用 identity 变换与 xmltree 编解码（离线调试友好）；
// - 输入输出为占位路径，需按需替换；
// - 选项给出安全中性默认值，键齐全便于修改。
func DefaultTemplateConfig() Config {
	d := Defaults()
	cfg := d
	cfg.Input = "input.xml"
	cfg.Output = "output.xml"
	cfg.Tag = "item"
	cfg.MaxRetries = 2
	cfg.Logging = Logging{Level: "info", Dir: "logs"}
	cfg.Writer = Writer{Atomic: true, BufSize: 65536}
	cfg.Options.Codec = json.RawMessage(`{
  "indent": "  ",
  "compact": false
}`)
	// identity 无配置项，保持空对象
	cfg.Options.Transform = json.RawMessage(`{}`)
	cfg.Limits = Limits{RPM: 0, BPM: 0, MaxBytesPerRecord: 0}
	return cfg
}

// TemplateJSON 返回带缩进的 JSON 模板。
func TemplateJSON() ([]byte, error) {
	b, err := json.MarshalIndent(DefaultTemplateConfig(), "", "  ")
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// TemplateYAML 返回与 JSON 模板等价的 YAML（经 map 中转，键按字典序）。
func TemplateYAML() ([]byte, error) {
	js, err := json.Marshal(DefaultTemplateConfig())
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := json.Unmarshal(js, &doc); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return nil, fmt.Errorf("yaml: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
