package suspend

import "sync"

// Chunk is one piece of shell output captured while detached.
type Chunk struct {
	Seq  uint64
	Data []byte
}

// ReplayBuffer is a FIFO of output chunks bounded by total size. When full,
// the oldest chunks are evicted and counted as dropped. Sequence numbers
// increase monotonically and are never reused, so consumers can detect gaps.
type ReplayBuffer struct {
	mu       sync.Mutex
	chunks   []Chunk
	size     int
	maxBytes int
	nextSeq  uint64
	dropped  int64
}

// NewReplayBuffer creates a buffer holding at most maxBytes of output.
func NewReplayBuffer(maxBytes int) *ReplayBuffer {
	if maxBytes <= 0 {
		maxBytes = 8 << 20
	}
	return &ReplayBuffer{maxBytes: maxBytes}
}

// Append copies data into a new chunk at the tail and returns it.
func (b *ReplayBuffer) Append(data []byte) Chunk {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(data) > b.maxBytes {
		b.dropped += int64(len(data) - b.maxBytes)
		data = data[len(data)-b.maxBytes:]
	}
	for len(b.chunks) > 0 && b.size+len(data) > b.maxBytes {
		oldest := b.chunks[0]
		b.chunks[0] = Chunk{}
		b.chunks = b.chunks[1:]
		b.size -= len(oldest.Data)
		b.dropped += int64(len(oldest.Data))
	}

	c := Chunk{Seq: b.nextSeq, Data: append([]byte(nil), data...)}
	b.nextSeq++
	b.chunks = append(b.chunks, c)
	b.size += len(c.Data)
	return c
}

// Drain removes and returns every chunk in FIFO order. The buffer is empty
// afterwards, so a chunk is never handed out twice.
func (b *ReplayBuffer) Drain() []Chunk {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.chunks
	b.chunks = nil
	b.size = 0
	return out
}

// Len returns the number of buffered chunks.
func (b *ReplayBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.chunks)
}

// Size returns the number of buffered bytes.
func (b *ReplayBuffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Dropped returns how many bytes were evicted to respect the size bound.
func (b *ReplayBuffer) Dropped() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
