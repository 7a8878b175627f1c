package config

import (
	"encoding/json"
)

// Config: 运行期只读配置（一次解析，运行期不变）。
// JSON/YAML 使用 snake_case；未知字段在解析期失败。
type Config struct {
	Input       string `json:"input"`
	Output      string `json:"output"`
	Tag         string `json:"tag"`
	Concurrency int    `json:"concurrency"`
	// MaxRetries: 变换阶段最大重试次数（>=0）。0 表示不重试。
	MaxRetries int `json:"max_retries"`
	// PreserveUnchanged: 为空表示使用默认（开启）。
	PreserveUnchanged *bool   `json:"preserve_unchanged,omitempty"`
	Logging           Logging `json:"logging"`
	Scan              Scan    `json:"scan"`
	Writer            Writer  `json:"writer"`

	// 组件名选择（空则使用默认名）。
	Codec     string `json:"codec"`
	Transform string `json:"transform"`

	// 各组件 Options 子树，原样 JSON 传入工厂。
	Options Options `json:"options"`
	Limits  Limits  `json:"limits"`
	Metrics Metrics `json:"metrics"`
	Tracing Tracing `json:"tracing"`
}

// Logging: 日志等级与目录；轮转策略为固定默认。
type Logging struct {
	Level string `json:"level"`
	Dir   string `json:"dir"`
}

type Scan struct {
	Lenient bool `json:"lenient"`
}

// Writer: 输出文件策略。
type Writer struct {
	Atomic   bool `json:"atomic"`
	Gzip     bool `json:"gzip"`
	BufSize  int  `json:"buf_size"`
	PermFile int  `json:"perm_file"`
}

// Options: 各组件的原样 JSON Options。
type Options struct {
	Codec     json.RawMessage `json:"codec"`
	Transform json.RawMessage `json:"transform"`
}

// Limits: 限流配置（仅承载；执行位于 rate.Gate）。
type Limits struct {
	RPM               int `json:"rpm"`
	BPM               int `json:"bpm"`
	MaxBytesPerRecord int `json:"max_bytes_per_record"`
}

func (l Limits) enabled() bool { return l.RPM > 0 || l.BPM > 0 || l.MaxBytesPerRecord > 0 }

// Metrics: 运行结束时写出 Prometheus textfile；为空不写。
type Metrics struct {
	Textfile string `json:"textfile"`
}

// Tracing: otel span 以 JSON 行写入该文件；为空不启用。
type Tracing struct {
	File string `json:"file"`
}
