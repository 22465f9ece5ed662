package embedding

import (
	"fmt"

	"github.com/BaSui01/llmgateway/llm"
)

// Format 是嵌入结果的输出格式
type Format string

const (
	// FormatDict OpenAI 兼容的 list 对象
	FormatDict Format = "dict"
	// FormatPoints 向量库 point 列表：{id, vector, payload}
	FormatPoints Format = "points"
	// FormatTuple 三元组 (ids, vectors, payloads)
	FormatTuple Format = "tuple"
)

// ParseFormat 解析输出格式，空字符串视为 dict
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case "", FormatDict:
		return FormatDict, nil
	case FormatPoints, FormatTuple:
		return Format(s), nil
	default:
		return "", llm.NewInvalidPayloadError(fmt.Sprintf("unsupported output format %q", s))
	}
}

// Request 一次嵌入生成请求
type Request struct {
	Model  string
	Inputs []string
	JobID  string
	Format Format
}

// Item 是上游返回的单个嵌入；向量缺失时 Embedding 为空
type Item struct {
	Object    string    `json:"object"`
	Embedding []float64 `json:"embedding"`
}

// Payload 携带原始文本
type Payload struct {
	SourceText string `json:"source_text"`
}

// Point 是 points 格式的单个元素
type Point struct {
	ID      int       `json:"id"`
	Vector  []float64 `json:"vector"`
	Payload Payload   `json:"payload"`
}

// Tuple 是 tuple 格式的结果，序列化为 [ids, vectors, payloads]
type Tuple struct {
	IDs      []int
	Vectors  [][]float64
	Payloads []Payload
}

// MarshalJSON 输出三元素数组
func (t Tuple) MarshalJSON() ([]byte, error) {
	return marshalJSON([]any{nonNil(t.IDs), nonNil(t.Vectors), nonNil(t.Payloads)})
}

// List 是 dict 格式的结果
type List struct {
	ID     string              `json:"id"`
	Object string              `json:"object"`
	Model  string              `json:"model"`
	Data   []llm.EmbeddingData `json:"data"`
	Usage  llm.EmbeddingUsage  `json:"usage"`
}

// Vectors 是与输出格式无关的中间结果
type Vectors struct {
	Model  string
	Inputs []string
	Items  []Item
	Usage  llm.EmbeddingUsage
}

func (v *Vectors) usable(i int) bool {
	return v.Items[i].Object == "embedding" && i < len(v.Inputs)
}

// List 转换为 OpenAI 兼容的 list 对象
func (v *Vectors) List() *List {
	out := &List{
		ID:     llm.NewEmbeddingID(),
		Object: "list",
		Model:  v.Model,
		Data:   make([]llm.EmbeddingData, 0, len(v.Items)),
		Usage:  v.Usage,
	}
	for i, item := range v.Items {
		if item.Object != "embedding" {
			continue
		}
		out.Data = append(out.Data, llm.EmbeddingData{
			Object:    "embedding",
			Embedding: item.Embedding,
			Index:     i,
		})
	}
	return out
}

// Points 转换为向量库 point 列表
func (v *Vectors) Points() []Point {
	out := make([]Point, 0, len(v.Items))
	for i, item := range v.Items {
		if !v.usable(i) {
			continue
		}
		out = append(out, Point{ID: i, Vector: item.Embedding, Payload: Payload{SourceText: v.Inputs[i]}})
	}
	return out
}

// Tuple 转换为三元组，只保留带向量的条目
func (v *Vectors) Tuple() Tuple {
	var t Tuple
	for i, item := range v.Items {
		if !v.usable(i) || len(item.Embedding) == 0 {
			continue
		}
		t.IDs = append(t.IDs, i)
		t.Vectors = append(t.Vectors, item.Embedding)
		t.Payloads = append(t.Payloads, Payload{SourceText: v.Inputs[i]})
	}
	return t
}

// Render 按格式返回可直接编码为 JSON 的结果
func (v *Vectors) Render(f Format) any {
	switch f {
	case FormatPoints:
		return v.Points()
	case FormatTuple:
		return v.Tuple()
	default:
		return v.List()
	}
}
