package proxy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
)

// Fingerprint 返回原始请求体的 sha256 十六进制摘要；空请求体返回 nil
func Fingerprint(raw []byte) *string {
	if len(raw) == 0 {
		return nil
	}
	sum := sha256.Sum256(raw)
	h := hex.EncodeToString(sum[:])
	return &h
}

// ExtractUsage 尽力从 JSON 响应中取出 usage、id 与首个 choice 的 finish_reason。
// 非 application/json 响应或字段缺失时返回 nil，从不报错。
func ExtractUsage(contentType string, body []byte) (usage map[string]any, id *string, finishReason *string) {
	if !strings.Contains(contentType, "application/json") {
		return nil, nil, nil
	}
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, nil, nil
	}

	if v, ok := payload["id"].(string); ok {
		id = &v
	}
	if v, ok := payload["usage"].(map[string]any); ok {
		usage = v
	}
	if choices, ok := payload["choices"].([]any); ok && len(choices) > 0 {
		if first, ok := choices[0].(map[string]any); ok {
			if v, ok := first["finish_reason"].(string); ok {
				finishReason = &v
			}
		}
	}
	return usage, id, finishReason
}

// truthy 判断 JSON 值是否为真：false、0、""、null、空数组与空对象为假
func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case float64:
		return x != 0
	case string:
		return x != ""
	case []any:
		return len(x) > 0
	case map[string]any:
		return len(x) > 0
	default:
		return true
	}
}

func countOf(v any) *int {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	n := len(list)
	return &n
}
