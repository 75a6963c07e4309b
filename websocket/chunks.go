package websocket

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
)

var ErrIncompleteAudio = errors.New("audio chunks missing")

// ChunkAssembler rebuilds one recording from indexed chunks. Chunks may
// arrive out of order; the recording is released on the last chunk once
// every index is present.
type ChunkAssembler struct {
	mu       sync.Mutex
	maxBytes int
	total    int
	size     int
	chunks   map[int][]byte
}

func NewChunkAssembler(maxBytes int) *ChunkAssembler {
	return &ChunkAssembler{maxBytes: maxBytes, chunks: make(map[int][]byte)}
}

// Add stores a chunk. It returns the complete recording when last is set
// and all chunks are present. Any error discards the partial recording.
func (a *ChunkAssembler) Add(index, total int, data []byte, last bool) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if total <= 0 || index < 0 || index >= total {
		a.reset()
		return nil, fmt.Errorf("chunk %d of %d is out of range", index, total)
	}
	if a.total != 0 && a.total != total {
		a.reset()
		return nil, fmt.Errorf("chunk total changed from %d to %d", a.total, total)
	}
	a.total = total

	if prev, ok := a.chunks[index]; ok {
		a.size -= len(prev)
	}
	a.chunks[index] = data
	a.size += len(data)
	if a.maxBytes > 0 && a.size > a.maxBytes {
		a.reset()
		return nil, fmt.Errorf("recording exceeds %d bytes", a.maxBytes)
	}

	if !last {
		return nil, nil
	}
	defer a.reset()
	if len(a.chunks) != total {
		return nil, fmt.Errorf("%w: have %d of %d", ErrIncompleteAudio, len(a.chunks), total)
	}
	var buf bytes.Buffer
	buf.Grow(a.size)
	for i := 0; i < total; i++ {
		buf.Write(a.chunks[i])
	}
	return buf.Bytes(), nil
}

// Pending reports how many chunks are buffered.
func (a *ChunkAssembler) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.chunks)
}

func (a *ChunkAssembler) reset() {
	a.total = 0
	a.size = 0
	a.chunks = make(map[int][]byte)
}
