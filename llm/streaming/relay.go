package streaming

import (
	"context"
	"errors"
	"io"
)

const relayBufferSize = 32 * 1024

// Relay 把上游字节原样逐块复制到 dst，每次写入后 flush。
// 返回已转发的字节数与第一个读/写错误（io.EOF 不算错误）。
// ctx 取消时在下一次读取前返回 ctx.Err()，由调用方关闭 src 来打断阻塞的读取。
func Relay(ctx context.Context, dst io.Writer, flush func(), src io.Reader) (int64, error) {
	if flush == nil {
		flush = func() {}
	}
	buf := make([]byte, relayBufferSize)
	var written int64
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		n, rerr := src.Read(buf)
		if n > 0 {
			w, werr := dst.Write(buf[:n])
			written += int64(w)
			if werr != nil {
				return written, werr
			}
			if w != n {
				return written, io.ErrShortWrite
			}
			flush()
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return written, nil
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return written, ctxErr
			}
			return written, rerr
		}
	}
}
