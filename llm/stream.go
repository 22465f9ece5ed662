package llm

import "context"

// TerminateStream wraps an adapter's raw chunk channel so that the last item
// carries a finish reason (or an error) and nothing is delivered after it.
// A source that closes without a finish marker gets a synthesized "stop".
// The source is always drained so its producer can exit.
func TerminateStream(ctx context.Context, src <-chan StreamChunk) <-chan StreamChunk {
	out := make(chan StreamChunk, 1)
	go func() {
		defer close(out)

		send := func(c StreamChunk) bool {
			select {
			case out <- c:
				return true
			case <-ctx.Done():
				return false
			}
		}
		done := false
		for c := range src {
			if done {
				continue
			}
			switch {
			case c.Err != nil:
				send(StreamChunk{Err: c.Err})
				done = true
			case c.FinishReason != "":
				send(c)
				done = true
			default:
				if c.Content == "" {
					continue
				}
				if !send(c) {
					done = true
				}
			}
		}
		if !done && ctx.Err() == nil {
			send(StreamChunk{FinishReason: FinishReasonStop})
		}
	}()
	return out
}
