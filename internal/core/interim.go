package core

import "sync"

// InterimPool is the free-list of scratch pages behind the movable
// user/interim boundary (spec §4.4). Durable allocations (destined to
// become a user or address page at commit) are taken from the low end and
// advance the watermark; non-durable scratch allocations are taken from
// the high end.
type InterimPool struct {
	sheaf    *Sheaf
	pageSize uint32

	mu        sync.Mutex
	free      map[Position]bool
	watermark Position // durable allocations only take free positions at or above this; non-durable ones ignore it
}

func NewInterimPool(sheaf *Sheaf, pageSize uint32) *InterimPool {
	return &InterimPool{sheaf: sheaf, pageSize: pageSize, free: make(map[Position]bool)}
}

// Seed registers pos as a free interim page (used when the interim/user
// boundary is first computed at open time).
func (p *InterimPool) Seed(pos Position) {
	p.mu.Lock()
	p.free[pos] = true
	p.mu.Unlock()
}

// NewBlank returns a blank page from the pool, extending the file if the
// pool is empty (spec §4.4).
func (p *InterimPool) NewBlank(durable bool) (*pageFrame, error) {
	p.mu.Lock()
	var chosen Position
	found := false
	if durable {
		best := Position(-1)
		for pos := range p.free {
			if pos >= p.watermark && (!found || pos < best) {
				best, found = pos, true
			}
		}
		chosen = best
	} else {
		// Non-durable scratch allocation takes the highest free position
		// regardless of the watermark (spec §4.4), so freed scratch pages
		// above it are recycled instead of stranding the file growing
		// unboundedly.
		best := Position(-1)
		for pos := range p.free {
			if pos > best {
				best, found = pos, true
			}
		}
		chosen = best
	}
	if found {
		delete(p.free, chosen)
		if durable && chosen+Position(p.pageSize) > p.watermark {
			p.watermark = chosen + Position(p.pageSize)
		}
		p.mu.Unlock()
		return p.sheaf.New(chosen), nil
	}
	p.mu.Unlock()

	pos, err := p.sheaf.Extend()
	if err != nil {
		return nil, err
	}
	if durable {
		p.mu.Lock()
		if pos+Position(p.pageSize) > p.watermark {
			p.watermark = pos + Position(p.pageSize)
		}
		p.mu.Unlock()
	}
	return p.sheaf.New(pos), nil
}

// Free returns pos to the pool and drops it from the sheaf cache (spec
// §4.4).
func (p *InterimPool) Free(pos Position) {
	p.sheaf.Free(pos)
	p.mu.Lock()
	p.free[pos] = true
	p.mu.Unlock()
}

// Remove steals pos from the pool for reuse elsewhere (used when the
// address region expands through it, spec §4.9), reporting whether it was
// present.
func (p *InterimPool) Remove(pos Position) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.free[pos] {
		delete(p.free, pos)
		return true
	}
	return false
}
