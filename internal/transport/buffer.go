package transport

import (
	"sync"
	"sync/atomic"

	"github.com/replicon-project/replicon/internal/protocol"
)

var bufferPool = sync.Pool{
	New: func() any {
		return &packetBuffer{data: make([]byte, 0, protocol.MaxDatagramSize)}
	},
}

// buffersReleased counts pool returns; tests use it to check that every
// pending buffer is released exactly once.
var buffersReleased atomic.Int64

// packetBuffer is a pooled, reference counted datagram buffer. The pending
// map holds one reference; an in-flight send holds another.
type packetBuffer struct {
	data []byte
	refs atomic.Int32
}

func newPacketBuffer() *packetBuffer {
	b := bufferPool.Get().(*packetBuffer)
	b.data = b.data[:0]
	b.refs.Store(1)
	return b
}

func (b *packetBuffer) retain() {
	b.refs.Add(1)
}

// release drops one reference and returns the buffer to the pool when it was
// the last. Releasing an already returned buffer is a no-op.
func (b *packetBuffer) release() {
	for {
		n := b.refs.Load()
		if n <= 0 {
			return
		}
		if b.refs.CompareAndSwap(n, n-1) {
			if n == 1 {
				buffersReleased.Add(1)
				bufferPool.Put(b)
			}
			return
		}
	}
}
