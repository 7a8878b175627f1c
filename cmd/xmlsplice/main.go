package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	cfgpkg "xmlsplice/internal/config"
	"xmlsplice/internal/diag"
	"xmlsplice/internal/pipeline"
	"xmlsplice/internal/scan"
)

var pipelineRun = pipeline.Run

// 退出码：0 成功；1 运行期失败；2 扫描失败；3 配置失败。
const (
	exitOK      = 0
	exitRuntime = 1
	exitScan    = 2
	exitConfig  = 3
)

// flags: 单次命令调用的旗标集合（不使用全局 FlagSet，便于测试重入）。
type flags struct {
	config      string
	tag         string
	transform   string
	codec       string
	concurrency int
	// maxRetries 允许显式设置为 0；默认 -1 表示“未覆盖”。
	maxRetries  int
	status      bool
	metricsFile string
	traceFile   string
	logLevel    string
	logDir      string
	gzip        bool
	atomic      bool
	lenient     bool
	noPreserve  bool
	format      string
}

func main() {
	os.Exit(run(os.Args[1:]))
}

// run 构造命令树并执行；默认子命令为 run（xmlsplice IN OUT 等价于 xmlsplice run IN OUT）。
func run(args []string) int {
	// 在任何 ENV 读取前，尝试加载工作目录下的 .env（不覆盖已有 ENV）。
	_ = loadDotEnv(".env")
	code := exitOK
	root := newRootCmd(&code)
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		// 旗标/参数错误：cobra 已输出用法
		fprintf(os.Stderr, "参数错误: %v\n", err)
		return exitConfig
	}
	return code
}

func newRootCmd(code *int) *cobra.Command {
	var f flags
	root := &cobra.Command{
		Use:           "xmlsplice [IN OUT]",
		Short:         "Transform records under one XML tag and splice them back in place",
		Long:          "xmlsplice scans a large XML file for a target tag, transforms every record concurrently, and writes the document back with all other bytes untouched and order preserved.",
		Args:          cobra.MaximumNArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			*code = runJob(&f, args)
			return nil
		},
	}
	pf := root.PersistentFlags()
	pf.StringVar(&f.config, "config", "", "配置文件路径（JSON/YAML）；缺省读取 ./config.json 或 ./config.yaml（若存在）")
	pf.StringVar(&f.tag, "tag", "", "目标标签（覆盖配置）")
	pf.BoolVar(&f.lenient, "lenient", false, "非严格扫描（HTML 自动闭合与实体）")
	pf.StringVar(&f.logLevel, "log-level", "", "日志等级 debug|info|error（覆盖配置）")
	pf.StringVar(&f.logDir, "log-dir", "", "日志目录（覆盖配置）")

	addRunFlags := func(c *cobra.Command) {
		fl := c.Flags()
		fl.StringVar(&f.transform, "transform", "", "transform 名称（覆盖配置）")
		fl.StringVar(&f.codec, "codec", "", "codec 名称（覆盖配置）")
		fl.IntVar(&f.concurrency, "concurrency", 0, "并发度（覆盖配置）")
		fl.IntVar(&f.maxRetries, "max-retries", -1, "变换阶段最大重试次数（覆盖配置；0 表示不重试）")
		fl.BoolVar(&f.status, "status", true, "终端状态提示（stderr）。TTY 动态刷新；非 TTY 打点输出")
		fl.StringVar(&f.metricsFile, "metrics-file", "", "结束时写出 Prometheus textfile")
		fl.StringVar(&f.traceFile, "trace-file", "", "otel span 输出文件（JSON 行）")
		fl.BoolVar(&f.gzip, "gzip", false, "输出经 gzip 压缩")
		fl.BoolVar(&f.atomic, "atomic", false, "写入临时文件，成功后替换目标")
		fl.BoolVar(&f.noPreserve, "no-preserve", false, "未变化的记录也按 codec 重新编码")
	}
	addRunFlags(root)

	runCmd := &cobra.Command{
		Use:   "run IN OUT",
		Short: "Transform IN into OUT",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			*code = runJob(&f, args)
			return nil
		},
	}
	addRunFlags(runCmd)
	root.AddCommand(runCmd)

	scanCmd := &cobra.Command{
		Use:   "scan IN",
		Short: "Print the byte offsets of every target record as JSON lines",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			*code = runScan(&f, args[0], cmd.OutOrStdout())
			return nil
		},
	}
	root.AddCommand(scanCmd)

	initCmd := &cobra.Command{
		Use:   "init-config [DIR]",
		Short: "Write a default config and .env template into DIR (default .)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 && strings.TrimSpace(args[0]) != "" {
				dir = strings.TrimSpace(args[0])
			}
			*code = runInit(dir, f.format)
			return nil
		},
	}
	initCmd.Flags().StringVar(&f.format, "format", "json", "模板格式 json|yaml")
	root.AddCommand(initCmd)
	return root
}

// loadConfig: 默认值 → 文件（或 XMLSPLICE_CONFIG_JSON）→ ENV → CLI，返回合并后的配置。
func loadConfig(f *flags, args []string) (cfgpkg.Config, error) {
	var cfgJSON []byte
	if s := os.Getenv(cfgpkg.EnvPrefix + "CONFIG_JSON"); s != "" {
		cfgJSON = []byte(s)
	}
	path := f.config
	if path == "" {
		path = os.Getenv(cfgpkg.EnvPrefix + "CONFIG_FILE")
	}
	// 默认读取工作目录下 config.json / config.yaml（若存在）
	if path == "" && len(cfgJSON) == 0 {
		for _, name := range []string{"config.json", "config.yaml", "config.yml"} {
			if _, err := os.Stat(name); err == nil {
				path = name
				break
			}
		}
	}

	cfg := cfgpkg.Defaults()
	switch {
	case len(cfgJSON) > 0:
		base, err := cfgpkg.LoadJSON("", cfgJSON)
		if err != nil {
			return cfg, fmt.Errorf("配置解析失败: %w", err)
		}
		cfg = cfgpkg.Merge(cfg, base)
	case path != "":
		base, err := cfgpkg.LoadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("配置解析失败: %w", err)
		}
		cfg = cfgpkg.Merge(cfg, base)
	}

	overEnv, err := cfgpkg.EnvOverlay(os.Environ())
	if err != nil {
		return cfg, fmt.Errorf("环境变量解析失败: %w", err)
	}
	cfg = cfgpkg.Merge(cfg, overEnv)

	// CLI 覆盖；标记 MaxRetries 未设置（避免默认 0 被误判为要覆盖）
	over := cfgpkg.Config{MaxRetries: f.maxRetries}
	over.Tag = f.tag
	over.Transform = f.transform
	over.Codec = f.codec
	if f.concurrency > 0 {
		over.Concurrency = f.concurrency
	}
	over.Logging = cfgpkg.Logging{Level: f.logLevel, Dir: f.logDir}
	over.Scan.Lenient = f.lenient
	over.Writer.Gzip = f.gzip
	over.Writer.Atomic = f.atomic
	if f.noPreserve {
		off := false
		over.PreserveUnchanged = &off
	}
	over.Metrics.Textfile = f.metricsFile
	over.Tracing.File = f.traceFile
	if len(args) > 0 {
		over.Input = args[0]
	}
	if len(args) > 1 {
		over.Output = args[1]
	}
	return cfgpkg.Merge(cfg, over), nil
}

func runJob(f *flags, args []string) int {
	start := time.Now()
	corrID := diag.NewCorrID()
	// 先占位默认，稍后在解析/合并配置后重建 logger 以使用最终 level
	logger := diag.NewLogger(corrID, "info", f.logDir)
	defer func() { _ = logger.Close() }()

	cfg, err := loadConfig(f, args)
	if err != nil {
		fprintf(os.Stderr, "%v\n", err)
		logger.Error("pipeline", string(diag.Classify(err)), "first error", &start)
		return exitConfig
	}
	if err := cfgpkg.Validate(cfg); err != nil {
		fprintf(os.Stderr, "配置校验失败: %v\n", err)
		// 提示打印有效配置，便于诊断
		_ = dumpConfig(cfg)
		logger.Error("pipeline", string(diag.Classify(err)), "first error", &start)
		return exitConfig
	}

	// 使用最终配置中的日志级别与目录重建 logger
	_ = logger.Close()
	logger = diag.NewLogger(corrID, cfg.Logging.Level, cfg.Logging.Dir)

	if err := preflightCheckOutputDir(cfg.Output); err != nil {
		fprintf(os.Stderr, "输出目录不可写或无法创建: %v\n", err)
		logger.Error("pipeline", string(diag.Classify(err)), "first error", &start)
		return exitConfig
	}

	comp, set, err := cfgpkg.Assemble(cfg)
	if err != nil {
		fprintf(os.Stderr, "装配失败: %v\n", err)
		logger.Error("pipeline", string(diag.Classify(err)), "first error", &start)
		return exitConfig
	}

	shutdown, err := diag.SetupTracing(cfg.Tracing.File)
	if err != nil {
		fprintf(os.Stderr, "tracing 初始化失败: %v\n", err)
		logger.Error("pipeline", string(diag.Classify(err)), "first error", &start)
		return exitConfig
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(ctx); err != nil {
			logger.Warn("tracing", "shutdown failed", "", "", map[string]string{"err": err.Error()})
		}
	}()
	defer func() {
		if err := diag.WriteMetrics(cfg.Metrics.Textfile); err != nil {
			logger.Warn("metrics", "textfile write failed", "", "", map[string]string{"err": err.Error()})
		}
	}()

	// 终端信息提示（非日志）：按 CLI 启用，默认开启
	term := diag.NewTerminal(os.Stderr, f.status)
	diag.SetTerminal(term)
	defer diag.SetTerminal(nil)
	term.RunStart(cfg.Tag, comp.Name, cfg.Concurrency)

	// debug: 输出运行时配置信息（不含 transform 选项，避免泄露密钥）
	logger.DebugStart("config", "effective", "", "", map[string]string{
		"input":              cfg.Input,
		"output":             cfg.Output,
		"tag":                cfg.Tag,
		"concurrency":        fmt.Sprintf("%d", cfg.Concurrency),
		"max_retries":        fmt.Sprintf("%d", cfg.MaxRetries),
		"codec":              cfg.Codec,
		"transform":          comp.Name,
		"preserve_unchanged": fmt.Sprintf("%t", set.PreserveUnchanged),
		"atomic":             fmt.Sprintf("%t", cfg.Writer.Atomic),
		"gzip":               fmt.Sprintf("%t", cfg.Writer.Gzip),
		"gate_key":           string(set.GateKey),
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	t := logger.Start("pipeline", "run")
	if err := pipelineRun(ctx, comp, set, logger); err != nil {
		// 分类到最接近的退出码（运行期错误）
		code := diag.Classify(err)
		logger.Error("pipeline", string(code), "first error", &start)
		diag.IncOp("pipeline", "error", "error")
		if code != diag.CodeUnknown {
			diag.IncError("pipeline", string(code))
		}
		if !errors.Is(err, context.Canceled) {
			fprintf(os.Stderr, "运行失败: %v\n", err)
		}
		term.RunFinish(false, time.Since(start))
		if code == diag.CodeScan {
			return exitScan
		}
		return exitRuntime
	}
	t.Finish("run", 0)
	diag.IncOp("pipeline", "finish", "success")
	diag.ObserveDuration("pipeline", "finish", time.Since(start).Milliseconds())
	term.RunFinish(true, time.Since(start))
	return exitOK
}

// scanRecord 为 scan 子命令的 JSON 行。
type scanRecord struct {
	Index int   `json:"index"`
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

func runScan(f *flags, input string, w io.Writer) int {
	cfg, err := loadConfig(f, []string{input})
	if err != nil {
		fprintf(os.Stderr, "%v\n", err)
		return exitConfig
	}
	if strings.TrimSpace(cfg.Tag) == "" {
		fprintf(os.Stderr, "配置校验失败: config: tag empty\n")
		return exitConfig
	}
	in, err := os.Open(cfg.Input)
	if err != nil {
		fprintf(os.Stderr, "打开输入失败: %v\n", err)
		return exitRuntime
	}
	defer in.Close()
	res, err := scan.Scan(context.Background(), bufio.NewReaderSize(in, 64*1024), cfg.Tag, &scan.Options{Lenient: cfg.Scan.Lenient})
	if err != nil {
		fprintf(os.Stderr, "%v\n", err)
		return exitScan
	}
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	for i, o := range res.Offsets {
		if err := enc.Encode(scanRecord{Index: i, Start: o.Start, End: o.End}); err != nil {
			fprintf(os.Stderr, "写出失败: %v\n", err)
			return exitRuntime
		}
	}
	_ = enc.Encode(map[string]int64{"end_position": res.EndPosition})
	if err := bw.Flush(); err != nil {
		fprintf(os.Stderr, "写出失败: %v\n", err)
		return exitRuntime
	}
	return exitOK
}

// runInit: 生成模板并退出（已存在则失败，不覆盖）。
func runInit(dir, format string) int {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		fprintf(os.Stderr, "生成默认配置失败: %v\n", err)
		return exitConfig
	}
	var (
		b    []byte
		err  error
		name string
	)
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "json":
		b, err = cfgpkg.TemplateJSON()
		name = "config.json"
	case "yaml", "yml":
		b, err = cfgpkg.TemplateYAML()
		name = "config.yaml"
	default:
		err = fmt.Errorf("unknown format %q", format)
	}
	if err == nil {
		err = writeConfig(filepath.Join(dir, name), b)
	}
	if err != nil {
		fprintf(os.Stderr, "生成默认配置失败: %v\n", err)
		return exitConfig
	}
	// 生成 .env 模板（不覆盖已存在文件）。
	if err := writeDotEnv(filepath.Join(dir, ".env")); err != nil {
		fprintf(os.Stderr, "提示：.env 生成失败（已跳过）：%v\n", err)
	}
	return exitOK
}

func fprintf(w *os.File, format string, a ...any) { _, _ = fmt.Fprintf(w, format, a...) }

func dumpConfig(c cfgpkg.Config) error {
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	_, _ = os.Stderr.Write(append([]byte("有效配置:\n"), b...))
	_, _ = os.Stderr.Write([]byte("\n"))
	return nil
}

// writeConfig 写出模板；"-" 表示 stdout。不覆盖已存在文件。
func writeConfig(path string, b []byte) error {
	if path == "-" {
		_, err := os.Stdout.Write(b)
		return err
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(b)
	return err
}

// loadDotEnv 读取简单的 .env 文件格式并注入进程环境。
// 规则：
// - 忽略不存在的文件；无法读取时返回错误（但调用处可忽略）。
// - 跳过空行与以 # 开头的行；支持可选的前缀 "export ".
// - 仅按首个 '=' 分割；key 与 value 去首尾空白；成对引号去除，双引号内处理 \n/\t/\r/\"/\\。
// - 不覆盖已存在的环境变量（保持系统/调用者优先）。
func loadDotEnv(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		key, val, ok := strings.Cut(line, "=")
		key, val = strings.TrimSpace(key), strings.TrimSpace(val)
		if !ok || key == "" {
			continue
		}
		val = unquote(val)
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		_ = os.Setenv(key, val)
	}
	return s.Err()
}

var dqEscapes = strings.NewReplacer(`\n`, "\n", `\t`, "\t", `\r`, "\r", `\"`, `"`, `\\`, `\`)

func unquote(v string) string {
	if len(v) < 2 {
		return v
	}
	switch {
	case v[0] == '\'' && v[len(v)-1] == '\'':
		return v[1 : len(v)-1]
	case v[0] == '"' && v[len(v)-1] == '"':
		return dqEscapes.Replace(v[1 : len(v)-1])
	}
	return v
}

// writeDotEnv 生成 .env 模板（若文件已存在则跳过）。
func writeDotEnv(path string) error {
	var b strings.Builder
	b.WriteString("# xmlsplice .env 模板（由 init-config 生成）\n")
	b.WriteString("# 优先级：CLI > ENV(.env) > 配置文件\n")
	b.WriteString("# 空值表示未设置。\n\n")
	b.WriteString("# 配置来源（可二选一）\n")
	b.WriteString("XMLSPLICE_CONFIG_FILE=\n")
	b.WriteString("XMLSPLICE_CONFIG_JSON=\n\n")
	b.WriteString("# 运行参数覆盖\n")
	for _, k := range []string{"INPUT", "OUTPUT", "TAG", "CONCURRENCY", "MAX_RETRIES", "PRESERVE_UNCHANGED", "LOG_LEVEL", "LOG_DIR"} {
		b.WriteString(cfgpkg.EnvPrefix + k + "=\n")
	}
	b.WriteString("\n# 组件选择与选项（原样 JSON）\n")
	for _, k := range []string{"CODEC", "TRANSFORM", "CODEC_OPTIONS_JSON", "TRANSFORM_OPTIONS_JSON"} {
		b.WriteString(cfgpkg.EnvPrefix + k + "=\n")
	}
	b.WriteString("\n# 输出、扫描、限流与观测\n")
	for _, k := range []string{
		"WRITER_ATOMIC", "WRITER_GZIP", "WRITER_BUF_SIZE", "SCAN_LENIENT",
		"LIMITS_RPM", "LIMITS_BPM", "LIMITS_MAX_BYTES_PER_RECORD",
		"METRICS_TEXTFILE", "TRACING_FILE",
	} {
		b.WriteString(cfgpkg.EnvPrefix + k + "=\n")
	}
	b.WriteString("\n# remote transform 的 API Key（由 options.transform.api_key_env 引用）\n")
	b.WriteString("XMLSPLICE_REMOTE_API_KEY=\n")

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()
	_, err = f.WriteString(b.String())
	return err
}

// preflightCheckOutputDir: 启动前检查输出文件所在目录可写。
// 目录不存在时直接失败（不隐式创建）；存在时尝试创建并删除临时文件。
func preflightCheckOutputDir(output string) error {
	dir := filepath.Dir(output)
	st, err := os.Stat(dir)
	if err != nil {
		return err
	}
	if !st.IsDir() {
		return fmt.Errorf("路径存在但不是目录: %s", dir)
	}
	tf, err := os.CreateTemp(dir, ".wcheck-*")
	if err != nil {
		return err
	}
	name := tf.Name()
	_ = tf.Close()
	_ = os.Remove(name)
	return nil
}
