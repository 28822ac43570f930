package recorder

import "sync"

// chunkBuffer appends chunks in arrival order until the encoder closes its
// channel.
type chunkBuffer struct {
	mu     sync.Mutex
	chunks [][]byte
	size   int
	done   chan struct{}
}

func collect(ch <-chan []byte) *chunkBuffer {
	b := &chunkBuffer{done: make(chan struct{})}
	go func() {
		defer close(b.done)
		for c := range ch {
			if len(c) == 0 {
				continue
			}
			b.mu.Lock()
			b.chunks = append(b.chunks, c)
			b.size += len(c)
			b.mu.Unlock()
		}
	}()
	return b
}

// bytes concatenates the buffered chunks.
func (b *chunkBuffer) bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, 0, b.size)
	for _, c := range b.chunks {
		out = append(out, c...)
	}
	return out
}

func (b *chunkBuffer) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.chunks)
}
