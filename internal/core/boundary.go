package core

import "sync"

// AddressBoundary tracks the page-granular split between the address
// region and the user region, plus the move map recording every page
// relocation performed so far (spec §4.2).
type AddressBoundary struct {
	sheaf    *Sheaf
	pageSize uint32

	mu       sync.RWMutex
	boundary Position
	moveMap  map[Position]Position
}

func NewAddressBoundary(sheaf *Sheaf, pageSize uint32, initial Position) *AddressBoundary {
	return &AddressBoundary{
		sheaf:    sheaf,
		pageSize: pageSize,
		boundary: initial,
		moveMap:  make(map[Position]Position),
	}
}

// Current returns the current address/user split position.
func (b *AddressBoundary) Current() Position {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.boundary
}

// Increment advances the boundary by one page: an address page was just
// created at the former first user page (spec §4.2).
func (b *AddressBoundary) Increment() {
	b.mu.Lock()
	b.boundary += Position(b.pageSize)
	b.mu.Unlock()
}

// RecordMove registers a from→to page relocation (spec §4.7 MovePage).
func (b *AddressBoundary) RecordMove(from, to Position) {
	b.mu.Lock()
	b.moveMap[from] = to
	b.mu.Unlock()
}

// Adjust applies the transitive closure of the move map to pos,
// page-granular: the intra-page offset is preserved around the lookup
// (spec §4.2).
func (b *AddressBoundary) Adjust(pos Position) Position {
	b.mu.RLock()
	defer b.mu.RUnlock()
	pageStart := (pos / Position(b.pageSize)) * Position(b.pageSize)
	offset := pos - pageStart
	seen := make(map[Position]bool)
	for {
		to, ok := b.moveMap[pageStart]
		if !ok {
			break
		}
		if seen[pageStart] {
			break // defensive: cycles cannot occur, moves are monotonic
		}
		seen[pageStart] = true
		pageStart = to
	}
	return pageStart + offset
}

// Load fetches the page currently at pos, adjusting through the move map
// first (spec §4.2).
func (b *AddressBoundary) Load(pos Position) (*pageFrame, error) {
	return b.sheaf.Get(b.Adjust(pos))
}

// Dereference locates the current user block page holding the block whose
// stable address is addr (spec §4.2): read the address slot, adjust
// through the move map, load the page, confirm the page still contains the
// block; retry if it was moved again after the slot read.
func (b *AddressBoundary) Dereference(addrPagePos Position, slotIdx int, addr Address) (*pageFrame, *BlockPage, BlockRecord, error) {
	for {
		apFrame, err := b.sheaf.Get(addrPagePos)
		if err != nil {
			return nil, nil, BlockRecord{}, err
		}
		ap := newAddressPage(apFrame)
		slot := ap.Get(slotIdx)
		b.sheaf.Unpin(apFrame, false)

		if slot == addrFree {
			return nil, nil, BlockRecord{}, errf(ErrFreedAddress, "address %d is free", addr)
		}
		if slot == addrReserved {
			return nil, nil, BlockRecord{}, errf(ErrCorrupt, "address %d not yet committed", addr)
		}

		current := b.Adjust(slot)
		frame, err := b.sheaf.Get(current)
		if err != nil {
			return nil, nil, BlockRecord{}, err
		}
		bp := newBlockPage(frame)
		rec, ok := bp.FindByBackRef(b.pageSize, addr)
		if ok {
			return frame, bp, rec, nil
		}
		// The page moved again between reading the slot and loading it;
		// the commit that moved it is serialized ahead of us, so retrying
		// converges.
		b.sheaf.Unpin(frame, false)
	}
}
