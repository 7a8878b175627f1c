package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"xmlsplice/internal/diag"
	"xmlsplice/internal/iobundle"
	"xmlsplice/internal/pipeline"
	"xmlsplice/internal/rate"
	"xmlsplice/internal/scan"
	"xmlsplice/pkg/registry"
)

// Validate 对最小必要边界做静态校验。
func Validate(cfg Config) error {
	if strings.TrimSpace(cfg.Input) == "" {
		return errors.New("config: input empty")
	}
	if strings.TrimSpace(cfg.Output) == "" {
		return errors.New("config: output empty")
	}
	if strings.TrimSpace(cfg.Tag) == "" {
		return errors.New("config: tag empty")
	}
	// 非原子模式下输出以截断方式打开，与输入同一文件会在扫描前清空输入
	if !cfg.Writer.Atomic && samePath(cfg.Input, cfg.Output) {
		return fmt.Errorf("config: output %q is the input; enable writer.atomic", cfg.Output)
	}
	if cfg.Concurrency < 1 {
		return errors.New("config: concurrency must be >= 1")
	}
	if cfg.MaxRetries < 0 {
		return errors.New("config: max_retries must be >= 0")
	}
	if cfg.Writer.BufSize < 0 || cfg.Writer.PermFile < 0 || cfg.Writer.PermFile > 0o777 {
		return errors.New("config: writer.buf_size/perm_file out of range")
	}
	if cfg.Limits.RPM < 0 || cfg.Limits.BPM < 0 || cfg.Limits.MaxBytesPerRecord < 0 {
		return errors.New("config: limits must be >= 0")
	}
	if name := effName(cfg.Codec, Defaults().Codec); registry.Codec[name] == nil {
		return fmt.Errorf("config: codec %q not registered (have %v)", name, registry.Names(registry.Codec))
	}
	if name := effName(cfg.Transform, Defaults().Transform); registry.Transform[name] == nil {
		return fmt.Errorf("config: transform %q not registered (have %v)", name, registry.Names(registry.Transform))
	}
	return nil
}

// Assemble 构造 Components 与 Settings（含限流 Gate+Key）。
// 严格 Options 解析在 registry （工厂）层进行；此处只传 raw JSON。
func Assemble(cfg Config) (pipeline.Components, pipeline.Settings, error) {
	if err := Validate(cfg); err != nil {
		return pipeline.Components{}, pipeline.Settings{}, err
	}
	d := Defaults()
	cn := effName(cfg.Codec, d.Codec)
	tn := effName(cfg.Transform, d.Transform)

	codec, err := registry.Codec[cn](cfg.Options.Codec)
	if err != nil {
		return pipeline.Components{}, pipeline.Settings{}, fmt.Errorf("config: codec %s: %w", cn, err)
	}
	f, err := registry.Transform[tn](cfg.Options.Transform, codec)
	if err != nil {
		return pipeline.Components{}, pipeline.Settings{}, fmt.Errorf("config: transform %s: %w", tn, err)
	}
	if cfg.MaxRetries > 0 {
		f = pipeline.Retrying(f, cfg.MaxRetries+1, diag.Retryable)
	}
	comp := pipeline.Components{Transform: f, Codec: codec, Name: tn}

	preserve := true
	if cfg.PreserveUnchanged != nil {
		preserve = *cfg.PreserveUnchanged
	}
	set := pipeline.Settings{
		Input:             cfg.Input,
		Output:            cfg.Output,
		Tag:               cfg.Tag,
		Concurrency:       cfg.Concurrency,
		PreserveUnchanged: preserve,
		Scan:              scan.Options{Lenient: cfg.Scan.Lenient},
		Writer: iobundle.Options{
			BufSize:  cfg.Writer.BufSize,
			Gzip:     cfg.Writer.Gzip,
			Atomic:   cfg.Writer.Atomic,
			PermFile: os.FileMode(cfg.Writer.PermFile),
		},
	}

	// 限流 Gate（仅在配置了限额时构造；remote 按端点与凭据分组）
	if cfg.Limits.enabled() {
		key, derr := rate.DeriveKey(tn, cfg.Options.Transform)
		if derr != nil {
			key = rate.LimitKey("local:" + tn)
		}
		set.Gate = rate.NewGate(map[rate.LimitKey]rate.Limits{
			key: {RPM: cfg.Limits.RPM, BPM: cfg.Limits.BPM, MaxBytesPerRecord: cfg.Limits.MaxBytesPerRecord},
		}, nil)
		set.GateKey = key
	}
	return comp, set, nil
}

func effName(got, def string) string {
	if got == "" {
		return def
	}
	return got
}

func samePath(a, b string) bool {
	if a == b {
		return true
	}
	sa, err1 := os.Stat(a)
	sb, err2 := os.Stat(b)
	if err1 == nil && err2 == nil {
		return os.SameFile(sa, sb)
	}
	aa, err1 := filepath.Abs(a)
	ab, err2 := filepath.Abs(b)
	return err1 == nil && err2 == nil && aa == ab
}
