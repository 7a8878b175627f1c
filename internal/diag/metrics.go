package diag

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 指标注册在私有 registry，进程结束时可写出 node-exporter textfile。
// - xmlsplice_op_total{comp,stage,result}
// - xmlsplice_error_total{comp,code}
// - xmlsplice_op_duration_ms{comp,stage}
var (
	registry = prometheus.NewRegistry()

	opTotal = promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "xmlsplice_op_total",
			Help: "Operations by component, stage and result",
		},
		[]string{"comp", "stage", "result"},
	)
	errTotal = promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "xmlsplice_error_total",
			Help: "Errors by component and classified code",
		},
		[]string{"comp", "code"},
	)
	opDuration = promauto.With(registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "xmlsplice_op_duration_ms",
			Help:    "Stage duration in milliseconds",
			Buckets: prometheus.ExponentialBuckets(1, 4, 9),
		},
		[]string{"comp", "stage"},
	)
)

// IncOp 累加操作计数（result=success|error）。
func IncOp(comp, stage, result string) {
	opTotal.WithLabelValues(comp, stage, result).Inc()
}

// IncError 按分类累加错误计数。
func IncError(comp, code string) {
	errTotal.WithLabelValues(comp, code).Inc()
}

// ObserveDuration 记录阶段耗时（毫秒）。
func ObserveDuration(comp, stage string, durMS int64) {
	opDuration.WithLabelValues(comp, stage).Observe(float64(durMS))
}

// Gatherer 暴露私有 registry（测试与诊断）。
func Gatherer() prometheus.Gatherer { return registry }

// WriteMetrics 将当前指标以文本格式原子写入 path。
func WriteMetrics(path string) error {
	if path == "" {
		return nil
	}
	return prometheus.WriteToTextfile(path, registry)
}
