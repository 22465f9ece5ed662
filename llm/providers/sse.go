package providers

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/BaSui01/llmgateway/llm"
	"github.com/BaSui01/llmgateway/types"
)

// =============================================================================
// 📡 上游 SSE 读取
// =============================================================================

// 单个 data 行上限，工具调用参数可能很长
const maxSSELine = 1 << 20

// SSEDecoder 把一个 data 负载转成零个或多个 chunk。
// done 为 true 时正常结束；返回的 *types.Error 原样下发，其它错误包成 UPSTREAM_UNAVAILABLE。
type SSEDecoder func(data []byte) (chunks []llm.StreamChunk, done bool, err error)

// OpenStream 发送请求并检查状态码；>=400 时读取错误体并关闭连接
func OpenStream(client *http.Client, req *http.Request, provider string) (io.ReadCloser, error) {
	req.Header.Set("Accept", "text/event-stream")
	resp, err := client.Do(req)
	if err != nil {
		return nil, llm.NewUpstreamUnavailableError(provider, err)
	}
	if resp.StatusCode >= 400 {
		defer SafeCloseBody(resp.Body)
		return nil, MapHTTPError(resp.StatusCode, ReadErrorMessage(resp.Body), provider)
	}
	return resp.Body, nil
}

// PumpSSE 在后台逐行读取 body，只处理 data: 行（event:/id:/注释忽略）。
// body 在流结束、出错或 ctx 取消后关闭；返回的 channel 随之关闭。
func PumpSSE(ctx context.Context, body io.ReadCloser, provider string, decode SSEDecoder) <-chan llm.StreamChunk {
	ch := make(chan llm.StreamChunk)
	go func() {
		defer close(ch)
		defer body.Close()

		emit := func(c llm.StreamChunk) bool {
			select {
			case ch <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}
		fail := func(err error) {
			var te *types.Error
			if !errors.As(err, &te) {
				err = llm.NewUpstreamUnavailableError(provider, err)
			}
			emit(llm.StreamChunk{Err: err})
		}

		sc := bufio.NewScanner(body)
		sc.Buffer(make([]byte, 0, 64*1024), maxSSELine)
		for sc.Scan() {
			data, ok := bytes.CutPrefix(bytes.TrimSpace(sc.Bytes()), []byte("data:"))
			if !ok {
				continue
			}
			chunks, done, err := decode(bytes.TrimSpace(data))
			if err != nil {
				fail(err)
				return
			}
			for _, c := range chunks {
				if !emit(c) {
					return
				}
			}
			if done {
				return
			}
		}
		if err := sc.Err(); err != nil && ctx.Err() == nil {
			fail(fmt.Errorf("read stream: %w", err))
		}
	}()
	return ch
}
