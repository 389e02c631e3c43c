// Package block implements the fixed-capacity free-list of TS packet
// carriers described in spec §4.1. A Block wraps one 188-byte transport
// packet with a reference count and an assigned decoding timestamp (DTS);
// it is shared by every output that accepts it plus the demuxer until fan-out
// completes, and is returned to the Pool's free-list when the refcount hits
// zero.
//
// Grounded on the arena/refcount pattern spec.md §9 calls for in place of
// the original's raw block_t pointer chains: the Pool pre-allocates a slab
// of *Block values and recycles them through a free-list instead of
// round-tripping through the Go heap on every packet.
package block

import (
	"sync"

	"github.com/zsiec/dvbroute/internal/tspacket"
)

// Block is one TS packet carrier: a 188-byte payload, a reference count,
// and the DTS (wall-clock microseconds) assigned to it on capture.
type Block struct {
	TS       [tspacket.Size]byte
	Packet   tspacket.Packet
	DTS      int64
	refcount int32
	next     *Block

	pool *Pool
}

// Next returns the next block in a singly-linked chain, or nil.
func (b *Block) Next() *Block { return b.next }

// SetNext links b to the next block in a chain.
func (b *Block) SetNext(n *Block) { b.next = n }

// Ref increments the reference count. Called once per additional owner
// (e.g. each output that accepts the block during fan-out).
func (b *Block) Ref() {
	b.refcount++
}

// Unref decrements the reference count and returns the block to its pool's
// free-list once it reaches zero. Calling Unref more times than Ref was
// called, or on a nil refcount, is a caller bug and is a no-op past zero.
func (b *Block) Unref() {
	if b.refcount <= 0 {
		return
	}
	b.refcount--
	if b.refcount == 0 && b.pool != nil {
		b.pool.release(b)
	}
}

// Refcount reports the current reference count, for tests and diagnostics.
func (b *Block) Refcount() int32 { return b.refcount }

// Pool is a free-list of Blocks capped at a maximum retained size. Above the
// cap, the final Unref actually drops the block for the garbage collector instead of
// recycling it, matching spec §4.1's "above the cap, free actually releases
// memory" contract.
type Pool struct {
	mu       sync.Mutex
	free     []*Block
	maxFree  int
	live     int64
	allocs   int64
	recycles int64
}

// DefaultMaxFree is the default retained-block cap ("order of 500" per
// spec §4.1).
const DefaultMaxFree = 512

// NewPool creates a Pool that retains at most maxFree blocks in its
// free-list. A non-positive maxFree falls back to DefaultMaxFree.
func NewPool(maxFree int) *Pool {
	if maxFree <= 0 {
		maxFree = DefaultMaxFree
	}
	return &Pool{maxFree: maxFree}
}

// New returns a fresh Block with refcount=1 and no link, recycled from the
// free-list when available.
func (p *Pool) New() *Block {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.allocs++
	if n := len(p.free); n > 0 {
		b := p.free[n-1]
		p.free = p.free[:n-1]
		*b = Block{pool: p, refcount: 1}
		p.recycles++
		p.live++
		return b
	}

	b := &Block{pool: p, refcount: 1}
	p.live++
	return b
}

func (p *Pool) release(b *Block) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.live--
	b.next = nil
	b.Packet = tspacket.Packet{}
	if len(p.free) >= p.maxFree {
		return // over the cap: let the GC reclaim it
	}
	p.free = append(p.free, b)
}

// DeleteChain walks a singly-linked chain starting at head, unreferencing
// every block (spec §4.1 block_DeleteChain).
func DeleteChain(head *Block) {
	for head != nil {
		next := head.next
		head.Unref()
		head = next
	}
}

// Stats is a snapshot of pool activity, for diagnostics.
type Stats struct {
	Live     int64
	Allocs   int64
	Recycles int64
	Free     int
}

// Stats returns a point-in-time snapshot of pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Live: p.live, Allocs: p.allocs, Recycles: p.recycles, Free: len(p.free)}
}
