package transport

import "sync"

const (
	ackWords      = 2048 // 65536 bits, one per sequence number
	ackBlockWords = 256  // 8192 sequences per block
	ackBlocks     = ackWords / ackBlockWords
)

// AckTracker detects already-seen sequence numbers over a wrapping window.
//
// The bitfield is split into blocks. The block holding the newest sequence and
// the block before it form the active pair. A sequence landing outside the
// active pair moves the window onto its block: that block is cleared before
// the bit is set, and so is the block before it unless it is the old current
// block. The first observation of a sequence is therefore never a duplicate.
type AckTracker struct {
	mu      sync.Mutex
	bits    [ackWords]uint32
	current int
}

// NewAckTracker returns an empty tracker.
func NewAckTracker() *AckTracker {
	return &AckTracker{}
}

// Observe marks seq as seen and reports whether it had been seen before.
func (a *AckTracker) Observe(seq uint16) (alreadySeen bool) {
	word := int(seq >> 5)
	mask := uint32(1) << (seq & 31)
	block := word / ackBlockWords

	a.mu.Lock()
	defer a.mu.Unlock()

	ahead := (block - a.current + ackBlocks) % ackBlocks
	if ahead != 0 && ahead != ackBlocks-1 {
		a.clearBlock(block)
		if ahead != 1 {
			a.clearBlock((block + ackBlocks - 1) % ackBlocks)
		}
		a.current = block
	}

	if a.bits[word]&mask != 0 {
		return true
	}
	a.bits[word] |= mask
	return false
}

func (a *AckTracker) clearBlock(block int) {
	start := block * ackBlockWords
	clear(a.bits[start : start+ackBlockWords])
}
