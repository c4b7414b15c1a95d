package core

import "testing"

func TestAddressPageSlots(t *testing.T) {
	pageSize := uint32(64)
	frame := newTestFrame(t, pageSize)
	ap := newAddressPage(frame)
	ap.Zero(pageSize)

	n := ap.SlotCount(pageSize)
	if n != int(pageSize)/addressSlotSize {
		t.Fatalf("SlotCount() = %d, want %d", n, int(pageSize)/addressSlotSize)
	}
	if ap.CountFree(pageSize) != n {
		t.Fatalf("CountFree() = %d, want %d (all free after Zero)", ap.CountFree(pageSize), n)
	}

	idx := ap.FindFree(pageSize)
	if idx != 0 {
		t.Fatalf("FindFree() = %d, want 0", idx)
	}
	ap.Set(idx, addrReserved)
	if ap.Get(idx) != addrReserved {
		t.Fatalf("Get(%d) = %v, want addrReserved", idx, ap.Get(idx))
	}
	if ap.CountFree(pageSize) != n-1 {
		t.Fatalf("CountFree() after reserve = %d, want %d", ap.CountFree(pageSize), n-1)
	}

	dest := Position(4096)
	ap.Set(idx, dest)
	if ap.Get(idx) != dest {
		t.Fatalf("Get(%d) = %v, want %v", idx, ap.Get(idx), dest)
	}

	ap.Set(idx, addrFree)
	if ap.CountFree(pageSize) != n {
		t.Fatalf("CountFree() after free = %d, want %d", ap.CountFree(pageSize), n)
	}
}

func TestSlotIndexForAddress(t *testing.T) {
	pagePos := Position(8192)
	addr := pagePos + Position(5*addressSlotSize)
	if idx := slotIndexForAddress(addr, pagePos); idx != 5 {
		t.Fatalf("slotIndexForAddress() = %d, want 5", idx)
	}
}
