package core

import "encoding/binary"

// AddressPage is a decoded view over a page of 8-byte address slots (spec
// §3/§6). A slot is 0 (free), addrReserved (reserved-but-uncommitted), or
// the current position of the user block page holding that address's
// block.
type AddressPage struct {
	frame *pageFrame
}

func newAddressPage(f *pageFrame) *AddressPage { return &AddressPage{frame: f} }

// SlotCount is the number of 8-byte slots this page holds.
func (a *AddressPage) SlotCount(pageSize uint32) int {
	return int(pageSize) / addressSlotSize
}

func (a *AddressPage) slotOffset(i int) int { return i * addressSlotSize }

// Get returns the raw slot value at index i.
func (a *AddressPage) Get(i int) Position {
	off := a.slotOffset(i)
	return Position(int64(binary.LittleEndian.Uint64(a.frame.data[off : off+8])))
}

// Set writes v into slot i.
func (a *AddressPage) Set(i int, v Position) {
	off := a.slotOffset(i)
	binary.LittleEndian.PutUint64(a.frame.data[off:off+8], uint64(int64(v)))
}

// FindFree returns the index of a free slot, or -1.
func (a *AddressPage) FindFree(pageSize uint32) int {
	n := a.SlotCount(pageSize)
	for i := 0; i < n; i++ {
		if a.Get(i) == addrFree {
			return i
		}
	}
	return -1
}

// CountFree returns how many slots are currently free.
func (a *AddressPage) CountFree(pageSize uint32) int {
	n := a.SlotCount(pageSize)
	c := 0
	for i := 0; i < n; i++ {
		if a.Get(i) == addrFree {
			c++
		}
	}
	return c
}

// Zero clears every slot (used when a page is promoted from user/interim
// into a fresh address page, spec §4.7 CreateAddressPage).
func (a *AddressPage) Zero(pageSize uint32) {
	n := a.SlotCount(pageSize)
	for i := 0; i < n; i++ {
		a.Set(i, addrFree)
	}
}

// slotIndexForAddress recovers a slot's index within its page from an
// address (its absolute byte position), given the page containing it.
func slotIndexForAddress(addr Address, pagePos Position) int {
	return int((int64(addr) - int64(pagePos)) / addressSlotSize)
}
