package core

import "sync"

// TemporaryPool is the durable registry of temporary block addresses
// surfaced on reopen (spec §3): a linked list of reference pages shaped
// like address pages, whose slots hold the addresses of blocks flagged
// temporary. Grounded on the teacher's own chained free-page-list pattern
// (bufmgr.go's pageZero.chain / deleterFreePages walks a singly linked
// chain of pages by reusing the Right field as a next pointer) — here the
// chain link lives in the reference page's final slot.
type TemporaryPool struct {
	sheaf    *Sheaf
	interim  *InterimPool
	pageSize uint32

	mu    sync.Mutex
	first Position // 0 if empty
}

func NewTemporaryPool(sheaf *Sheaf, interim *InterimPool, pageSize uint32, first Position) *TemporaryPool {
	return &TemporaryPool{sheaf: sheaf, interim: interim, pageSize: pageSize, first: first}
}

func (t *TemporaryPool) slotsPerPage() int {
	return int(t.pageSize)/addressSlotSize - 1 // last slot reserved for chain link
}

func (t *TemporaryPool) chainSlotIndex() int {
	return int(t.pageSize)/addressSlotSize - 1
}

// First returns the first reference-page position (0 if none yet), for
// persisting into the file header.
func (t *TemporaryPool) First() Position {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.first
}

// Add records addr as temporary at refSlot, a byte position previously
// reserved by Reserve (spec §4.7 Temporary op, playback writes addr into
// the reserved slot).
func (t *TemporaryPool) Add(refSlot Position, addr Address) error {
	pagePos := pageAlignedStart(refSlot, t.pageSize)
	frame, err := t.sheaf.Get(pagePos)
	if err != nil {
		return err
	}
	ap := newAddressPage(frame)
	idx := slotIndexForAddress(refSlot, pagePos)
	ap.Set(idx, addr)
	t.sheaf.Unpin(frame, true)
	return nil
}

// Reserve finds (or creates) a reference page with a free slot and returns
// its byte position, without yet writing the address (the Mutator journals
// a Temporary op; playback calls Add).
func (t *TemporaryPool) Reserve() (Position, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	pos := t.first
	for pos != 0 {
		frame, err := t.sheaf.Get(pos)
		if err != nil {
			return 0, err
		}
		ap := newAddressPage(frame)
		for i := 0; i < t.slotsPerPage(); i++ {
			if ap.Get(i) == addrFree {
				slotPos := pos + Position(i*addressSlotSize)
				t.sheaf.Unpin(frame, false)
				return slotPos, nil
			}
		}
		next := ap.Get(t.chainSlotIndex())
		t.sheaf.Unpin(frame, false)
		pos = next
	}

	newFrame, err := t.interim.NewBlank(true)
	if err != nil {
		return 0, err
	}
	ap := newAddressPage(newFrame)
	ap.Zero(t.pageSize)
	ap.Set(t.chainSlotIndex(), t.first)
	t.first = newFrame.pos
	slotPos := newFrame.pos
	t.sheaf.Unpin(newFrame, true)
	return slotPos, nil
}

// Clear frees the reference slot at refSlot (used by Mutator.rollback for
// temporary references allocated but never committed).
func (t *TemporaryPool) Clear(refSlot Position) error {
	pagePos := pageAlignedStart(refSlot, t.pageSize)
	frame, err := t.sheaf.Get(pagePos)
	if err != nil {
		return err
	}
	ap := newAddressPage(frame)
	idx := slotIndexForAddress(refSlot, pagePos)
	ap.Set(idx, addrFree)
	t.sheaf.Unpin(frame, true)
	return nil
}

// All walks the reference-page chain collecting every recorded temporary
// address (spec §6: "opener reports the set of temporary-block addresses
// observed").
func (t *TemporaryPool) All() ([]Address, error) {
	t.mu.Lock()
	pos := t.first
	t.mu.Unlock()

	var out []Address
	for pos != 0 {
		frame, err := t.sheaf.Get(pos)
		if err != nil {
			return nil, err
		}
		ap := newAddressPage(frame)
		for i := 0; i < t.slotsPerPage(); i++ {
			if v := ap.Get(i); v != addrFree {
				out = append(out, v)
			}
		}
		next := ap.Get(t.chainSlotIndex())
		t.sheaf.Unpin(frame, false)
		pos = next
	}
	return out, nil
}
