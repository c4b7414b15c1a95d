package core

import (
	"testing"

	"github.com/ryogrid/packfile/storage/memsheaf"
)

func newTestFrame(t *testing.T, pageSize uint32) *pageFrame {
	t.Helper()
	sheaf := NewSheaf(memsheaf.New(nil), pageSize, 8)
	pos, err := sheaf.Extend()
	if err != nil {
		t.Fatalf("Extend: %v", err)
	}
	return sheaf.New(pos)
}

func TestBlockPageAppendWriteFree(t *testing.T) {
	frame := newTestFrame(t, 256)
	bp := newBlockPage(frame)
	bp.setCount(0, false)

	before := bp.Remaining(256)
	rec := bp.AppendBlock(256, 10, Address(1000))
	bp.WritePayload(rec.Offset, []byte("hello"))

	if bp.Count() != 1 {
		t.Fatalf("Count() = %d, want 1", bp.Count())
	}
	if bp.IsUser() {
		t.Fatalf("fresh interim page reported IsUser")
	}
	after := bp.Remaining(256)
	if after != before-rec.Size {
		t.Fatalf("Remaining() = %d, want %d", after, before-rec.Size)
	}

	found, ok := bp.FindByBackRef(256, Address(1000))
	if !ok {
		t.Fatalf("FindByBackRef did not find block")
	}
	payload := bp.Payload(found)
	if string(payload[:5]) != "hello" {
		t.Fatalf("payload = %q, want %q", payload[:5], "hello")
	}
	for _, b := range payload[5:] {
		if b != 0 {
			t.Fatalf("payload tail not zero-padded: %v", payload)
		}
	}

	bp.MarkUser()
	if !bp.IsUser() {
		t.Fatalf("MarkUser did not flip sign")
	}

	bp.FreeBlock(found.Offset)
	var sawFree bool
	bp.Iterate(256, func(r BlockRecord) bool {
		if r.Offset == found.Offset {
			sawFree = r.Free
		}
		return true
	})
	if !sawFree {
		t.Fatalf("block not marked free after FreeBlock")
	}
	if _, ok := bp.FindByBackRef(256, Address(1000)); ok {
		t.Fatalf("FindByBackRef returned a freed block")
	}
}

func TestBlockPageChecksumStableAcrossOffset(t *testing.T) {
	pageSize := uint32(256)
	a := newTestFrame(t, pageSize)
	bp := newBlockPage(a)
	bp.setCount(0, true)
	r1 := bp.AppendBlock(pageSize, 4, Address(1))
	bp.WritePayload(r1.Offset, []byte("abcd"))
	r2 := bp.AppendBlock(pageSize, 4, Address(2))
	bp.WritePayload(r2.Offset, []byte("efgh"))
	csum1 := bp.Checksum(pageSize)

	// Rebuild the same two live blocks at different offsets (as vacuum's
	// compaction does) and confirm the checksum is unaffected by position.
	b := newTestFrame(t, pageSize)
	bp2 := newBlockPage(b)
	bp2.setCount(0, true)
	// pad with a freed block first so the live blocks start at a
	// different offset than in bp.
	pad := bp2.AppendBlock(pageSize, 6, Address(99))
	bp2.FreeBlock(pad.Offset)
	nr1 := bp2.AppendBlock(pageSize, 4, Address(1))
	bp2.WritePayload(nr1.Offset, []byte("abcd"))
	nr2 := bp2.AppendBlock(pageSize, 4, Address(2))
	bp2.WritePayload(nr2.Offset, []byte("efgh"))

	// Checksum only covers live blocks, so bp2's freed pad block and the
	// shifted offsets of its live blocks must not change the result.
	if got := bp2.Checksum(pageSize); got != csum1 {
		t.Fatalf("checksum differs with live blocks at shifted offsets: %x vs %x", csum1, got)
	}

	// Compacting bp2 down to its two live records (as compactPage does)
	// must leave the checksum unchanged as well.
	var live []BlockRecord
	bp2.Iterate(pageSize, func(r BlockRecord) bool {
		if !r.Free {
			live = append(live, r)
		}
		return true
	})
	c := newTestFrame(t, pageSize)
	bp3 := newBlockPage(c)
	bp3.setCount(0, true)
	for _, r := range live {
		payload := make([]byte, r.Size-blockHeaderSize)
		copy(payload, bp2.Payload(r))
		nr := bp3.AppendBlock(pageSize, len(payload), r.BackRef)
		bp3.WritePayload(nr.Offset, payload)
	}
	csum2 := bp3.Checksum(pageSize)

	if csum1 != csum2 {
		t.Fatalf("checksum differs across offsets: %x vs %x", csum1, csum2)
	}
}
