package core

import "sync"

// pageAlignedStart returns the page position an address belongs to.
// Address pages never relocate (only user/interim pages move, spec §4.9),
// so this arithmetic is stable for the address's entire lifetime.
func pageAlignedStart(pos Position, pageSize uint32) Position {
	return (pos / Position(pageSize)) * Position(pageSize)
}

// AddressPagePool is the pool of address pages known to have a free slot
// (spec §4.3): a `free` set, a `returning` set of pages checked out by a
// mutator reserving exactly one slot, and a condition variable woken when a
// page is returned.
type AddressPagePool struct {
	sheaf     *Sheaf
	pageSize  uint32
	boundary  *AddressBoundary
	expand    func(minWanted int) error // triggers §4.9 address-region expansion
	minPool   int

	// moveLock is the store's page-move lock. Acquire is only ever called
	// by a mutator already holding it in read mode (spec §5); expanding
	// needs write mode, so Acquire releases its caller's read hold around
	// the expand call and reacquires it before returning, rather than
	// trying to upgrade in place (sync.RWMutex has no upgrade and a
	// same-goroutine RLock-then-Lock self-deadlocks).
	moveLock *sync.RWMutex

	mu        sync.Mutex
	cond      *sync.Cond
	free      []Position
	returning map[Position]bool
	lastUsed  Position
}

func NewAddressPagePool(sheaf *Sheaf, pageSize uint32, boundary *AddressBoundary, minPool int, moveLock *sync.RWMutex, expand func(int) error) *AddressPagePool {
	p := &AddressPagePool{
		sheaf:     sheaf,
		pageSize:  pageSize,
		boundary:  boundary,
		expand:    expand,
		minPool:   minPool,
		moveLock:  moveLock,
		returning: make(map[Position]bool),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Seed registers an existing address page with free slots (used at open
// time after scanning the address region, and by CreateAddressPage
// playback for a freshly minted page).
func (p *AddressPagePool) Seed(pos Position) {
	p.mu.Lock()
	p.free = append(p.free, pos)
	p.cond.Broadcast()
	p.mu.Unlock()
}

// Acquire reserves a single free slot on some address page, preferring the
// last-used page for locality (spec §4.3 steps 1-3).
func (p *AddressPagePool) Acquire() (Position, int, error) {
	for {
		p.mu.Lock()
		if len(p.free)+len(p.returning) < p.minPool {
			p.mu.Unlock()
			p.moveLock.RUnlock()
			err := p.expand(p.minPool)
			p.moveLock.RLock()
			if err != nil {
				return 0, 0, err
			}
			continue
		}
		if len(p.free) == 0 {
			p.cond.Wait()
			p.mu.Unlock()
			continue
		}

		pos := p.pickPreferred()
		p.mu.Unlock()

		frame, err := p.sheaf.Get(pos)
		if err != nil {
			return 0, 0, err
		}
		ap := newAddressPage(frame)
		idx := ap.FindFree(p.pageSize)
		if idx < 0 {
			// drifted (raced with another acquirer reading a stale free
			// list entry); drop it and retry.
			p.sheaf.Unpin(frame, false)
			continue
		}
		ap.Set(idx, addrReserved)
		remaining := ap.CountFree(p.pageSize)
		p.sheaf.Unpin(frame, true)

		p.mu.Lock()
		p.lastUsed = pos
		if remaining >= 2 {
			p.returning[pos] = true
		}
		p.mu.Unlock()

		return pos, idx, nil
	}
}

// pickPreferred removes and returns lastUsed from free if present, else
// the first entry. Caller holds p.mu.
func (p *AddressPagePool) pickPreferred() Position {
	for i, pos := range p.free {
		if pos == p.lastUsed {
			p.free = append(p.free[:i], p.free[i+1:]...)
			return pos
		}
	}
	pos := p.free[0]
	p.free = p.free[1:]
	return pos
}

// Return hands pos back after the reserving mutator's commit/rollback
// settled its slot (spec §4.3 step 4: re-added to free iff it was in
// returning).
func (p *AddressPagePool) Return(pos Position) {
	p.mu.Lock()
	if p.returning[pos] {
		delete(p.returning, pos)
		p.free = append(p.free, pos)
	}
	p.cond.Broadcast()
	p.mu.Unlock()
}
