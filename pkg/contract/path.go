package contract

import (
	"path"
	"strings"
)

// NormalizeFileID 把输入文档路径规范为 FileID：日志事件的 file_id 与终端进度行都以它标识文档。
// 反斜杠统一为正斜杠后做 path.Clean；不做绝对化，相对路径保持相对。
func NormalizeFileID(p string) FileID {
	return FileID(path.Clean(strings.ReplaceAll(p, `\`, "/")))
}

// Base 返回文档基名（去掉 .gz 后缀），用于终端展示。
func (id FileID) Base() string {
	return strings.TrimSuffix(path.Base(string(id)), ".gz")
}
