package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// EnvPrefix 为全部环境变量键的前缀。
const EnvPrefix = "XMLSPLICE_"

// Defaults 返回带有安全默认值的 Config 雏形。
// 注意：input/output/tag 不设默认（必须由文件/ENV/CLI 提供）。
func Defaults() Config {
	on := true
	return Config{
		Concurrency:       4,
		MaxRetries:        0,
		PreserveUnchanged: &on,
		Logging:           Logging{Level: "info"},
		Codec:             "xmltree",
		Transform:         "identity",
	}
}

// LoadFile 按扩展名解析配置：.yaml/.yml 走 YAML，其余按 JSON。
func LoadFile(path string) (Config, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, err
		}
		return LoadYAML(raw)
	default:
		return LoadJSON(path, nil)
	}
}

// LoadJSON 从文件路径或原始 JSON 解析 Config（严格拒绝未知字段）。
func LoadJSON(path string, raw []byte) (Config, error) {
	var cfg Config
	var r io.Reader
	switch {
	case len(raw) > 0:
		r = bytes.NewReader(raw)
	case path != "":
		f, err := os.Open(path)
		if err != nil {
			return cfg, err
		}
		defer f.Close()
		r = f
	default:
		return cfg, errors.New("no config source provided")
	}
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadYAML 将 YAML 转为 JSON 后严格解码，与 JSON 共享同一套字段与校验。
func LoadYAML(raw []byte) (Config, error) {
	var doc map[string]any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return Config{}, fmt.Errorf("yaml: %w", err)
	}
	if doc == nil {
		return Config{}, errors.New("yaml: empty document")
	}
	js, err := json.Marshal(doc)
	if err != nil {
		return Config{}, fmt.Errorf("yaml: %w", err)
	}
	return LoadJSON("", js)
}

// Merge 按优先级合并（后者覆盖前者）。
// 仅标量/字符串/原样 JSON 为“替换”；不做深度合并。布尔开关只能由 false 打开为 true。
func Merge(base, over Config) Config {
	out := base
	if s := strings.TrimSpace(over.Input); s != "" {
		out.Input = s
	}
	if s := strings.TrimSpace(over.Output); s != "" {
		out.Output = s
	}
	if s := strings.TrimSpace(over.Tag); s != "" {
		out.Tag = s
	}
	if over.Concurrency != 0 {
		out.Concurrency = over.Concurrency
	}
	// 特殊：MaxRetries 的 0 具有语义（禁用重试），需要显式可覆盖。
	// 约定：当 over.MaxRetries >= 0 时认为“存在”，否则（例如 -1）视为未覆盖。
	if over.MaxRetries >= 0 {
		out.MaxRetries = over.MaxRetries
	}
	if over.PreserveUnchanged != nil {
		v := *over.PreserveUnchanged
		out.PreserveUnchanged = &v
	}
	if s := strings.TrimSpace(over.Logging.Level); s != "" {
		out.Logging.Level = s
	}
	if s := strings.TrimSpace(over.Logging.Dir); s != "" {
		out.Logging.Dir = s
	}
	out.Scan.Lenient = out.Scan.Lenient || over.Scan.Lenient
	out.Writer.Atomic = out.Writer.Atomic || over.Writer.Atomic
	out.Writer.Gzip = out.Writer.Gzip || over.Writer.Gzip
	if over.Writer.BufSize != 0 {
		out.Writer.BufSize = over.Writer.BufSize
	}
	if over.Writer.PermFile != 0 {
		out.Writer.PermFile = over.Writer.PermFile
	}

	// 组件名（空不覆盖）
	if s := strings.TrimSpace(over.Codec); s != "" {
		out.Codec = s
	}
	if s := strings.TrimSpace(over.Transform); s != "" {
		out.Transform = s
	}
	// Options（完整替换对应键）
	if len(over.Options.Codec) > 0 {
		out.Options.Codec = cloneRaw(over.Options.Codec)
	}
	if len(over.Options.Transform) > 0 {
		out.Options.Transform = cloneRaw(over.Options.Transform)
	}

	if over.Limits.RPM != 0 {
		out.Limits.RPM = over.Limits.RPM
	}
	if over.Limits.BPM != 0 {
		out.Limits.BPM = over.Limits.BPM
	}
	if over.Limits.MaxBytesPerRecord != 0 {
		out.Limits.MaxBytesPerRecord = over.Limits.MaxBytesPerRecord
	}
	if s := strings.TrimSpace(over.Metrics.Textfile); s != "" {
		out.Metrics.Textfile = s
	}
	if s := strings.TrimSpace(over.Tracing.File); s != "" {
		out.Tracing.File = s
	}
	return out
}

// EnvOverlay 从环境变量构建一个 Config 覆盖（仅解析有限键集合）。
// 规则：前缀 XMLSPLICE_；集合之外的键忽略（例如 CONFIG_FILE 由入口自行读取）。
// 数值或布尔解析失败时报错，避免静默使用默认值。
func EnvOverlay(environ []string) (Config, error) {
	var over Config
	// 默认：-1 表示未设置，以便 Merge 能区分“未覆盖”和“显式设置为 0”。
	over.MaxRetries = -1
	var errs []error
	num := func(key, val string, dst *int) {
		v, err := atoi(val)
		if err != nil {
			errs = append(errs, fmt.Errorf("env %s%s: %w", EnvPrefix, key, err))
			return
		}
		*dst = v
	}
	flag := func(key, val string, dst *bool) {
		v, err := strconv.ParseBool(strings.TrimSpace(val))
		if err != nil {
			errs = append(errs, fmt.Errorf("env %s%s: %w", EnvPrefix, key, err))
			return
		}
		*dst = v
	}
	for _, kv := range environ {
		if !strings.HasPrefix(kv, EnvPrefix) {
			continue
		}
		eq := strings.IndexByte(kv, '=')
		if eq <= len(EnvPrefix) {
			continue
		}
		nk, val := kv[len(EnvPrefix):eq], kv[eq+1:]
		if strings.TrimSpace(val) == "" {
			// 空值视为未设置，避免清空配置文件中的值
			continue
		}
		switch nk {
		case "INPUT":
			over.Input = strings.TrimSpace(val)
		case "OUTPUT":
			over.Output = strings.TrimSpace(val)
		case "TAG":
			over.Tag = strings.TrimSpace(val)
		case "CONCURRENCY":
			num(nk, val, &over.Concurrency)
		case "MAX_RETRIES":
			num(nk, val, &over.MaxRetries)
		case "PRESERVE_UNCHANGED":
			var b bool
			flag(nk, val, &b)
			over.PreserveUnchanged = &b
		case "LOG_LEVEL":
			over.Logging.Level = strings.TrimSpace(val)
		case "LOG_DIR":
			over.Logging.Dir = strings.TrimSpace(val)
		case "SCAN_LENIENT":
			flag(nk, val, &over.Scan.Lenient)
		case "WRITER_ATOMIC":
			flag(nk, val, &over.Writer.Atomic)
		case "WRITER_GZIP":
			flag(nk, val, &over.Writer.Gzip)
		case "WRITER_BUF_SIZE":
			num(nk, val, &over.Writer.BufSize)
		case "CODEC":
			over.Codec = strings.TrimSpace(val)
		case "TRANSFORM":
			over.Transform = strings.TrimSpace(val)
		case "CODEC_OPTIONS_JSON":
			over.Options.Codec = json.RawMessage(val)
		case "TRANSFORM_OPTIONS_JSON":
			over.Options.Transform = json.RawMessage(val)
		case "LIMITS_RPM":
			num(nk, val, &over.Limits.RPM)
		case "LIMITS_BPM":
			num(nk, val, &over.Limits.BPM)
		case "LIMITS_MAX_BYTES_PER_RECORD":
			num(nk, val, &over.Limits.MaxBytesPerRecord)
		case "METRICS_TEXTFILE":
			over.Metrics.Textfile = strings.TrimSpace(val)
		case "TRACING_FILE":
			over.Tracing.File = strings.TrimSpace(val)
		}
	}
	return over, errors.Join(errs...)
}

func cloneRaw(in json.RawMessage) json.RawMessage {
	if len(in) == 0 {
		return nil
	}
	out := make([]byte, len(in))
	copy(out, in)
	return out
}

func atoi(s string) (int, error) {
	return strconv.Atoi(strings.TrimSpace(s))
}
