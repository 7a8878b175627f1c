package contract

import "errors"

// UpstreamError: remote 变换的 HTTP 上游失败。
// diag.Classify 按状态码把它归为 budget(429)、network(5xx) 或 protocol；序列器把状态码写入日志 kv 的 http_status。
type UpstreamError interface {
	error
	UpstreamStatus() int
	UpstreamMessage() string
}

// UpstreamStatusOf 取错误链上的上游状态码；不存在时返回 0, false。
func UpstreamStatusOf(err error) (int, bool) {
	var ue UpstreamError
	if !errors.As(err, &ue) {
		return 0, false
	}
	return ue.UpstreamStatus(), true
}
