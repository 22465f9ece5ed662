package streaming

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/BaSui01/llmgateway/llm"
)

// ErrInvalidState 在状态机不允许的转换时返回
var ErrInvalidState = errors.New("streaming: invalid transcoder state")

// State 是 Transcoder 的状态
type State int

const (
	StateInit State = iota
	StateStreaming
	StateDone
	StateError
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateStreaming:
		return "STREAMING"
	case StateDone:
		return "DONE"
	case StateError:
		return "ERROR"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Delta 是 chunk 帧中的增量内容
type Delta struct {
	Role    string  `json:"role,omitempty"`
	Content *string `json:"content,omitempty"`
}

// ChunkChoice chat.completion.chunk 中的单个 choice
type ChunkChoice struct {
	Index        int     `json:"index"`
	Delta        Delta   `json:"delta"`
	FinishReason *string `json:"finish_reason"`
}

// Chunk 是一帧 chat.completion.chunk
type Chunk struct {
	ID      string        `json:"id"`
	Object  string        `json:"object"`
	Created int64         `json:"created"`
	Model   string        `json:"model"`
	Choices []ChunkChoice `json:"choices"`
}

// Transcoder 把规范化的 StreamChunk 序列编码为 OpenAI 风格的 SSE 帧。
//
// 状态机：INIT → STREAMING → DONE，或 STREAMING → ERROR。
// 所有帧共享同一个 id 与 model，created 取发送时刻。
// 原生路径不发送 [DONE] 哨兵，终止帧即结束标志。
type Transcoder struct {
	w     io.Writer
	flush func()
	id    string
	model string
	now   func() time.Time

	mu     sync.Mutex
	state  State
	finish string
}

// NewTranscoder 创建 Transcoder。flush 可以为 nil。
func NewTranscoder(w io.Writer, flush func(), model string) *Transcoder {
	if flush == nil {
		flush = func() {}
	}
	return &Transcoder{
		w:     w,
		flush: flush,
		id:    llm.NewCompletionID(),
		model: model,
		now:   time.Now,
	}
}

// ID 返回所有帧共享的 completion id
func (t *Transcoder) ID() string { return t.id }

// State 返回当前状态
func (t *Transcoder) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Begin 发送 preamble 帧（role=assistant, content=""），进入 STREAMING
func (t *Transcoder) Begin() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateInit {
		return ErrInvalidState
	}
	t.state = StateStreaming
	empty := ""
	return t.writeFrame(Delta{Role: string(llm.RoleAssistant), Content: &empty}, nil)
}

// Emit 处理一个上游 chunk：非空内容输出一帧，finish_reason 只记录不输出。
func (t *Transcoder) Emit(c llm.StreamChunk) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateStreaming {
		return ErrInvalidState
	}
	if c.FinishReason != "" {
		t.finish = c.FinishReason
	}
	if c.Content == "" {
		return nil
	}
	content := c.Content
	return t.writeFrame(Delta{Content: &content}, nil)
}

// End 发送唯一的终止帧，finish_reason 为最后观察到的值，默认 stop
func (t *Transcoder) End() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateStreaming {
		return ErrInvalidState
	}
	t.state = StateDone
	reason := t.finish
	if reason == "" {
		reason = llm.FinishReasonStop
	}
	return t.writeFrame(Delta{}, &reason)
}

// Fail 发送 event: error 帧并进入 ERROR，之后不再发送终止帧
func (t *Transcoder) Fail(cause error) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateDone || t.state == StateError {
		return ErrInvalidState
	}
	t.state = StateError

	msg := "stream failed"
	if cause != nil {
		msg = cause.Error()
	}
	payload, err := json.Marshal(map[string]any{"error": map[string]string{"message": msg}})
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(t.w, "event: error\ndata: %s\n\n", payload); err != nil {
		return err
	}
	t.flush()
	return nil
}

func (t *Transcoder) writeFrame(delta Delta, finish *string) error {
	frame := Chunk{
		ID:      t.id,
		Object:  "chat.completion.chunk",
		Created: t.now().Unix(),
		Model:   t.model,
		Choices: []ChunkChoice{{Index: 0, Delta: delta, FinishReason: finish}},
	}
	payload, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(t.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	t.flush()
	return nil
}

// Transcode 消费编排层的流直到结束。
// 上游错误会写出 error 帧并以 StreamTeardownError 返回；
// ctx 取消（客户端断开）时不再写任何帧。
func (t *Transcoder) Transcode(ctx context.Context, items <-chan llm.StreamItem) error {
	if err := t.Begin(); err != nil {
		return llm.NewStreamTeardownError(err)
	}
	for {
		select {
		case <-ctx.Done():
			return llm.NewStreamTeardownError(ctx.Err())
		case item, ok := <-items:
			if !ok {
				// 取消后关闭的通道是被截断的流，不补终止帧
				if err := ctx.Err(); err != nil {
					return llm.NewStreamTeardownError(err)
				}
				if err := t.End(); err != nil {
					return llm.NewStreamTeardownError(err)
				}
				return nil
			}
			if item.Err != nil {
				_ = t.Fail(item.Err)
				return llm.NewStreamTeardownError(item.Err)
			}
			if err := t.Emit(item.StreamChunk); err != nil {
				return llm.NewStreamTeardownError(err)
			}
		}
	}
}
