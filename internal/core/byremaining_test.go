package core

import (
	"testing"

	"github.com/ryogrid/packfile/storage/memsheaf"
)

func newTestByRemaining(t *testing.T, pageSize, alignment uint32) (*ByRemaining, *Sheaf, *InterimPool) {
	t.Helper()
	sheaf := NewSheaf(memsheaf.New(nil), pageSize, 8)
	interim := NewInterimPool(sheaf, pageSize)
	rootFrame, err := interim.NewBlank(false)
	if err != nil {
		t.Fatalf("NewBlank(root): %v", err)
	}
	sheaf.Unpin(rootFrame, true)
	return NewByRemaining(sheaf, interim, pageSize, alignment, rootFrame.pos), sheaf, interim
}

// newUserPage allocates an interim page, appends one block of payloadLen
// bytes (a page only reads as IsUser() once its block count is nonzero —
// the sign-of-count convention can't distinguish a zero-block user page
// from an interim one), then promotes it, mirroring the sequence
// findOrAllocateUserPage/applyWrite always follow together.
func newUserPage(t *testing.T, sheaf *Sheaf, interim *InterimPool, pageSize uint32, payloadLen int) *pageFrame {
	t.Helper()
	frame, err := interim.NewBlank(true)
	if err != nil {
		t.Fatalf("NewBlank: %v", err)
	}
	bp := newBlockPage(frame)
	bp.setCount(0, false)
	rec := bp.AppendBlock(pageSize, payloadLen, Address(1))
	bp.WritePayload(rec.Offset, make([]byte, payloadLen))
	bp.MarkUser()
	sheaf.Unpin(frame, true)
	return frame
}

func TestByRemainingAddBestFitRemove(t *testing.T) {
	pageSize, alignment := uint32(256), uint32(8)
	br, sheaf, interim := newTestByRemaining(t, pageSize, alignment)

	small := newUserPage(t, sheaf, interim, pageSize, 188) // remaining = 236-188 = 48
	big := newUserPage(t, sheaf, interim, pageSize, 4)     // remaining = 236-4 = 232

	smallRemaining := newBlockPage(small).Remaining(pageSize)
	bigRemaining := newBlockPage(big).Remaining(pageSize)
	if err := br.Add(small.pos, smallRemaining); err != nil {
		t.Fatalf("Add(small): %v", err)
	}
	if err := br.Add(big.pos, bigRemaining); err != nil {
		t.Fatalf("Add(big): %v", err)
	}

	pos, err := br.BestFit(40)
	if err != nil {
		t.Fatalf("BestFit: %v", err)
	}
	if pos != small.pos {
		t.Fatalf("BestFit(40) = %v, want small page %v (lower bucket scanned first)", pos, small.pos)
	}

	pos2, err := br.BestFit(200)
	if err != nil {
		t.Fatalf("BestFit: %v", err)
	}
	if pos2 != big.pos {
		t.Fatalf("BestFit(200) = %v, want big page %v", pos2, big.pos)
	}

	// both candidates were popped by BestFit; a third search must find
	// nothing left in either bucket.
	pos3, err := br.BestFit(40)
	if err != nil {
		t.Fatalf("BestFit: %v", err)
	}
	if pos3 != 0 {
		t.Fatalf("BestFit(40) after drain = %v, want 0", pos3)
	}
}

func TestByRemainingRemove(t *testing.T) {
	pageSize, alignment := uint32(256), uint32(8)
	br, sheaf, interim := newTestByRemaining(t, pageSize, alignment)
	p := newUserPage(t, sheaf, interim, pageSize, 4)
	remaining := newBlockPage(p).Remaining(pageSize)

	if err := br.Add(p.pos, remaining); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := br.Remove(p.pos, remaining); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	pos, err := br.BestFit(4)
	if err != nil {
		t.Fatalf("BestFit: %v", err)
	}
	if pos != 0 {
		t.Fatalf("BestFit after Remove = %v, want 0", pos)
	}
}

func TestByRemainingBucketZeroExcluded(t *testing.T) {
	br, _, _ := newTestByRemaining(t, 256, 8)
	if err := br.Add(Position(4096), 0); err != nil {
		t.Fatalf("Add(remaining=0): %v", err)
	}
	pos, err := br.BestFit(0)
	if err != nil {
		t.Fatalf("BestFit(0): %v", err)
	}
	if pos != 0 {
		t.Fatalf("BestFit(0) = %v, want 0 (bucket 0 is never indexed)", pos)
	}
}
