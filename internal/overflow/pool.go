// Package overflow implements the overflow buffer pool (C4): a small set of
// fixed-size buffers posted to hardware to catch unexpected message payload
// data that no receive request has claimed yet, plus the consumption
// accounting that frees a buffer once every byte NIC-written into it has
// been handed to a matched receive.
package overflow

import (
	"sync"
	"unsafe"

	"github.com/hpcfabric/cxicore/internal/constants"
)

// Buffer is one posted overflow segment. The NIC writes unexpected payload
// bytes into Data starting at offset 0 and growing forward as more
// unexpected sends land in it; Posted tracks how much of Data the NIC has
// actually claimed as in-use.
type Buffer struct {
	ID     uint64
	Data   []byte
	Posted uint64

	// Addr is the address this buffer's Data was posted to hardware at,
	// the value an unexpected PUT/PUT_OVERFLOW event's OverflowStart
	// correlates back to via Pool.FindByAddr. Set once, when the buffer
	// is first handed out by Acquire, and stable across reset/repost
	// since the backing array never moves.
	Addr uintptr

	// consumed is how many bytes of Posted have been copied out to a
	// matched receive (or dropped by a truncating search-delete). Once
	// consumed == Posted and Full is true (no more NIC writes will land
	// here), the buffer is free to repost.
	consumed uint64
	full     bool
}

// Remaining reports how many posted bytes are still unconsumed.
func (b *Buffer) Remaining() uint64 {
	return b.Posted - b.consumed
}

// Headroom reports how many bytes of Data are neither posted-and-pending
// nor already written, i.e. how much room is left before the NIC would
// need to roll over to the next buffer.
func (b *Buffer) Headroom() uint64 {
	return uint64(len(b.Data)) - b.Posted
}

// Consume accounts for n bytes of this buffer's unexpected payload having
// been delivered to a matched receive (or discarded). It is the caller's
// responsibility to pass only bytes within [0, Remaining()].
func (b *Buffer) Consume(n uint64) {
	b.consumed += n
}

// Reclaimable reports whether every byte written to this buffer has now
// been consumed and the NIC has stopped writing to it (MarkFull was
// called), i.e. the buffer may be reset and reposted.
func (b *Buffer) Reclaimable() bool {
	return b.full && b.consumed >= b.Posted
}

// MarkFull records that the NIC will not write any further unexpected data
// into this buffer (it either filled completely or was explicitly
// unlinked).
func (b *Buffer) MarkFull() {
	b.full = true
}

// reset prepares a reclaimed buffer for reposting.
func (b *Buffer) reset() {
	b.Posted = 0
	b.consumed = 0
	b.full = false
}

// Pool manages the overflow buffer pool per §4.4: a configured buffer
// size, a floor on how many buffers must be posted to hardware at once,
// a ceiling on how many reclaimed-but-unposted buffers are kept cached
// rather than released, and a minimum headroom below which a new buffer
// must be posted to avoid an unexpected send overrunning the list.
type Pool struct {
	mu sync.Mutex

	bufSize     uint64
	minPosted   int
	maxCached   int
	minHeadroom uint64

	nextID  uint64
	posted  []*Buffer
	cached  []*Buffer
}

// Config configures a new Pool. Zero-value fields fall back to
// internal/constants defaults; MinHeadroom is capped at BufSize.
type Config struct {
	BufSize     uint64
	MinPosted   int
	MaxCached   int
	MinHeadroom uint64
}

// New creates a Pool with no buffers posted yet; Acquire posts buffers one
// at a time, and NeedsTopUp reports when another is needed.
func New(cfg Config) *Pool {
	if cfg.BufSize == 0 {
		cfg.BufSize = constants.DefaultOverflowBufSize
	}
	if cfg.MinPosted == 0 {
		cfg.MinPosted = constants.DefaultOverflowMinPosted
	}
	if cfg.MaxCached == 0 {
		cfg.MaxCached = constants.DefaultOverflowMaxCached
	}
	if cfg.MinHeadroom == 0 {
		cfg.MinHeadroom = constants.DefaultOverflowMinHeadroom
	}
	// A buffer can never have more headroom than its own size, so a
	// larger minimum would make every posted buffer look exhausted.
	if cfg.MinHeadroom > cfg.BufSize {
		cfg.MinHeadroom = cfg.BufSize
	}
	return &Pool{
		bufSize:     cfg.BufSize,
		minPosted:   cfg.MinPosted,
		maxCached:   cfg.MaxCached,
		minHeadroom: cfg.MinHeadroom,
	}
}

// NeedsTopUp reports whether fewer than MinPosted buffers are currently
// posted, or the least-headroom posted buffer has fallen below
// MinHeadroom — either condition means a new buffer append should be
// issued before the next unexpected send can safely land.
func (p *Pool) NeedsTopUp() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.posted) < p.minPosted {
		return true
	}
	for _, b := range p.posted {
		if b.Headroom() < p.minHeadroom {
			return true
		}
	}
	return false
}

// Acquire returns a buffer to post: a reclaimed-and-cached one if
// available (avoiding an allocation), otherwise a freshly allocated one.
// The returned buffer is tracked as posted.
func (p *Pool) Acquire() *Buffer {
	p.mu.Lock()
	defer p.mu.Unlock()

	var b *Buffer
	if n := len(p.cached); n > 0 {
		b = p.cached[n-1]
		p.cached = p.cached[:n-1]
	} else {
		p.nextID++
		b = &Buffer{ID: p.nextID, Data: make([]byte, p.bufSize)}
	}
	if b.Addr == 0 && len(b.Data) > 0 {
		b.Addr = uintptr(unsafe.Pointer(&b.Data[0]))
	}
	p.posted = append(p.posted, b)
	return b
}

// Reclaim scans posted buffers for any that have become Reclaimable,
// unposts them, and either caches them (up to MaxCached) or drops them
// for GC. It returns the ids reclaimed, for the caller to issue the
// matching unlink/search-delete bookkeeping if needed.
func (p *Pool) Reclaim() []uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	var reclaimedIDs []uint64
	remaining := p.posted[:0]
	for _, b := range p.posted {
		if b.Reclaimable() {
			reclaimedIDs = append(reclaimedIDs, b.ID)
			b.reset()
			if len(p.cached) < p.maxCached {
				p.cached = append(p.cached, b)
			}
			continue
		}
		remaining = append(remaining, b)
	}
	p.posted = remaining
	return reclaimedIDs
}

// PostedCount reports how many buffers are currently posted to hardware.
func (p *Pool) PostedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.posted)
}

// CachedCount reports how many reclaimed buffers are held for reuse.
func (p *Pool) CachedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.cached)
}

// Find returns the posted buffer with the given id, for consumption
// accounting against a specific unexpected-send delivery.
func (p *Pool) Find(id uint64) (*Buffer, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, b := range p.posted {
		if b.ID == id {
			return b, true
		}
	}
	return nil, false
}

// FindByAddr locates the posted buffer containing addr and the byte
// offset within it addr corresponds to — e.g. the OverflowStart address
// an unexpected PUT/PUT_OVERFLOW event reports — so ux_send (§4.3.3 step
// 4) can copy the real payload bytes that landed there instead of zeros.
func (p *Pool) FindByAddr(addr uintptr) (*Buffer, uint64, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, b := range p.posted {
		if b.Addr == 0 || addr < b.Addr || addr >= b.Addr+uintptr(len(b.Data)) {
			continue
		}
		return b, uint64(addr - b.Addr), true
	}
	return nil, 0, false
}
