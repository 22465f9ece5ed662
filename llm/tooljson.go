package llm

import (
	"bytes"
	"cmp"
	"encoding/json"
	"errors"
)

// =============================================================================
// OpenAI 线格式的 JSON 编解码
// =============================================================================

type functionCallJSON struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type toolCallJSON struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function functionCallJSON `json:"function"`
}

// MarshalJSON 输出 {"id","type","function":{"name","arguments":"<json 文本>"}}
func (tc ToolCall) MarshalJSON() ([]byte, error) {
	args, err := json.Marshal(tc.Arguments)
	if err != nil {
		return nil, err
	}
	return json.Marshal(toolCallJSON{
		ID:       tc.ID,
		Type:     cmp.Or(tc.Type, "function"),
		Function: functionCallJSON{Name: tc.Name, Arguments: args},
	})
}

// UnmarshalJSON arguments 通常是字符串；个别客户端直接给对象，按原文保留
func (tc *ToolCall) UnmarshalJSON(data []byte) error {
	var w toolCallJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	args, err := argumentsText(w.Function.Arguments)
	if err != nil {
		return err
	}
	*tc = ToolCall{ID: w.ID, Type: w.Type, Name: w.Function.Name, Arguments: args}
	return nil
}

func argumentsText(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	switch {
	case len(raw) == 0 || bytes.Equal(raw, []byte("null")):
		return "", nil
	case raw[0] == '"':
		var s string
		err := json.Unmarshal(raw, &s)
		return s, err
	default:
		return string(raw), nil
	}
}

// ArgumentsJSON 返回可嵌入其他 JSON 文档的参数；不是合法 JSON 时退化为 {}
func (tc ToolCall) ArgumentsJSON() json.RawMessage {
	if args := bytes.TrimSpace([]byte(tc.Arguments)); len(args) > 0 && json.Valid(args) {
		return json.RawMessage(args)
	}
	return json.RawMessage(`{}`)
}

type toolSchemaBody struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type toolSchemaJSON struct {
	Type     string          `json:"type"`
	Function *toolSchemaBody `json:"function,omitempty"`
}

func (t ToolSchema) MarshalJSON() ([]byte, error) {
	return json.Marshal(toolSchemaJSON{
		Type:     "function",
		Function: &toolSchemaBody{Name: t.Name, Description: t.Description, Parameters: t.Parameters},
	})
}

// UnmarshalJSON 接受 {"type":"function","function":{...}}，也兼容不带包装的扁平写法
func (t *ToolSchema) UnmarshalJSON(data []byte) error {
	var w toolSchemaJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	body := w.Function
	if body == nil {
		body = new(toolSchemaBody)
		if err := json.Unmarshal(data, body); err != nil {
			return err
		}
	}
	*t = ToolSchema{Name: body.Name, Description: body.Description, Parameters: body.Parameters}
	return nil
}

// StopSequences 兼容 "stop": "\n" 与 "stop": ["\n", "END"] 两种写法
type StopSequences []string

var errStopType = errors.New("stop must be a string or an array of strings")

func (s *StopSequences) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*s = nil
	case len(data) > 0 && data[0] == '"':
		var one string
		if err := json.Unmarshal(data, &one); err != nil {
			return errStopType
		}
		*s = nil
		if one != "" {
			*s = StopSequences{one}
		}
	default:
		var many []string
		if err := json.Unmarshal(data, &many); err != nil {
			return errStopType
		}
		*s = many
	}
	return nil
}
