package rate

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
)

// DeriveKey 从 transform 名称与其原样 Options JSON 构造限流分组键。
// remote 按 endpoint+sha256(api key) 分组，同一凭据跨作业共享额度；
// 未提供 key 时退化为按 endpoint 分组。本地 transform 统一为 "local:<name>"。
func DeriveKey(transform string, raw json.RawMessage) (LimitKey, error) {
	if transform != "remote" {
		return LimitKey("local:" + transform), nil
	}
	var obj map[string]any
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &obj); err != nil {
			return "", fmt.Errorf("rate: transform options: %w", err)
		}
	}
	pick := func(key string) string {
		if s, ok := obj[key].(string); ok {
			return s
		}
		return ""
	}
	endpoint := pick("endpoint")
	if endpoint == "" {
		return "", fmt.Errorf("rate: missing endpoint for transform %s", transform)
	}
	key := pick("api_key")
	if key == "" {
		if env := pick("api_key_env"); env != "" {
			key = os.Getenv(env)
		}
	}
	if key == "" {
		return LimitKey("remote:" + endpoint), nil
	}
	sum := sha256.Sum256([]byte(key))
	return LimitKey(fmt.Sprintf("remote:%s:%x", endpoint, sum[:8])), nil
}
