package capture

import "sync"

// PoolStats are lifetime counters of a FramePool
type PoolStats struct {
	Published uint64 `json:"published"`
	Dropped   uint64 `json:"dropped"`
	Taken     uint64 `json:"taken"`
	LastSeq   uint64 `json:"last_seq"`
}

// FramePool is a single-slot mailbox between the frame source and the render
// tick.
//
// Publish never blocks: a newer frame overwrites an unconsumed one and the
// evicted frame's compositor buffer is released right away. TryTakeLatest
// never blocks either and empties the slot. The mutex covers only the slot
// swap; no copy or map runs under it.
type FramePool struct {
	mu      sync.Mutex
	slot    *Frame
	lastSeq uint64
	closed  bool
	stats   PoolStats
}

// NewFramePool creates an empty, open pool
func NewFramePool() *FramePool {
	return &FramePool{}
}

// Publish stores f as the latest frame. Frames that are not newer than
// what the pool already holds or already handed out are dropped.
func (p *FramePool) Publish(f *Frame) {
	if f == nil {
		return
	}

	var evicted *Frame

	p.mu.Lock()
	switch {
	case p.closed:
		evicted = f
	case f.Seq <= p.lastSeq || (p.slot != nil && f.Seq <= p.slot.Seq):
		evicted = f
		p.stats.Dropped++
	default:
		evicted = p.slot
		if evicted != nil {
			p.stats.Dropped++
		}
		p.slot = f
		p.stats.Published++
	}
	p.mu.Unlock()

	evicted.Release()
}

// TryTakeLatest returns the newest frame not yet taken, or nil. The caller
// owns the returned frame and must Release it.
func (p *FramePool) TryTakeLatest() *Frame {
	p.mu.Lock()
	defer p.mu.Unlock()

	f := p.slot
	if f == nil {
		return nil
	}
	p.slot = nil
	p.lastSeq = f.Seq
	p.stats.Taken++
	p.stats.LastSeq = f.Seq
	return f
}

// Drain releases any held frame and leaves the pool open
func (p *FramePool) Drain() {
	p.mu.Lock()
	f := p.slot
	p.slot = nil
	p.mu.Unlock()

	f.Release()
}

// Close drains the pool and drops every later Publish
func (p *FramePool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.Drain()
}

// Reopen accepts frames again after Close
func (p *FramePool) Reopen() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = false
}

// Pending reports whether an untaken frame is held
func (p *FramePool) Pending() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.slot != nil
}

// Stats returns a snapshot of the pool counters
func (p *FramePool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}
