package diag

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// TracerName 为 pipeline 使用的 tracer 名称。
const TracerName = "xmlsplice"

// Tracer 返回全局 tracer；未调用 SetupTracing 时为 no-op。
func Tracer() trace.Tracer { return otel.Tracer(TracerName) }

// SetupTracing 安装写入 path 的 stdout 导出器（JSON 行）。
// 返回的 shutdown 刷新批处理并关闭文件；path 为空时返回 no-op。
func SetupTracing(path string) (func(context.Context) error, error) {
	if path == "" {
		return func(context.Context) error { return nil }, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("tracing: %w", err)
	}
	exp, err := stdouttrace.New(stdouttrace.WithWriter(f))
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("tracing: %w", err)
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	return func(ctx context.Context) error {
		err := tp.Shutdown(ctx)
		otel.SetTracerProvider(prev)
		return errors.Join(err, f.Close())
	}, nil
}
