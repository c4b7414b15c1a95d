package core

import "testing"

func TestJournalPageAppendAndReadAll(t *testing.T) {
	pageSize := uint32(128)
	frame := newTestFrame(t, pageSize)
	jp := newJournalPage(frame)

	ops := []Op{
		{Kind: OpWrite, Address: 100, Src: 4096},
		{Kind: OpFree, Address: 200},
		{Kind: OpCreateAddressPage, Pos: 8192, Mirror: 0},
		{Kind: OpTemporary, Address: 300, RefSlot: 16384},
		{Kind: OpCommit},
	}
	for _, op := range ops {
		if !jp.Append(pageSize, op) {
			t.Fatalf("Append(%+v) returned false, expected room", op)
		}
	}
	jp.WriteTerminate()

	got, next, hasNext := jp.ReadAll()
	if hasNext {
		t.Fatalf("ReadAll reported a next page, want terminated, next=%v", next)
	}
	want := append(append([]Op{}, ops...), Op{Kind: OpTerminate})
	if len(got) != len(want) {
		t.Fatalf("ReadAll returned %d ops, want %d", len(got), len(want))
	}
	for i, op := range want {
		if got[i].Kind != op.Kind || got[i].Address != op.Address || got[i].Src != op.Src ||
			got[i].Pos != op.Pos || got[i].Mirror != op.Mirror || got[i].RefSlot != op.RefSlot {
			t.Fatalf("op %d = %+v, want %+v", i, got[i], op)
		}
	}
}

func TestJournalPageNextPageChaining(t *testing.T) {
	pageSize := uint32(64)
	frame := newTestFrame(t, pageSize)
	jp := newJournalPage(frame)
	jp.Append(pageSize, Op{Kind: OpWrite, Address: 1, Src: 2})
	jp.WriteNextPage(Position(999))

	ops, next, hasNext := jp.ReadAll()
	if !hasNext {
		t.Fatalf("ReadAll did not report NextPage")
	}
	if next != Position(999) {
		t.Fatalf("next = %v, want 999", next)
	}
	if len(ops) != 1 || ops[0].Kind != OpWrite {
		t.Fatalf("ops = %+v, want one OpWrite", ops)
	}
}

func TestJournalPageRoomEnforced(t *testing.T) {
	pageSize := uint32(32)
	frame := newTestFrame(t, pageSize)
	jp := newJournalPage(frame)
	// OpWrite costs 18 bytes; a 32-byte page with a 10-byte reserved tail
	// has 22 usable bytes, so a second OpWrite must not fit.
	if !jp.Append(pageSize, Op{Kind: OpWrite, Address: 1, Src: 2}) {
		t.Fatalf("first Append should fit")
	}
	if jp.Append(pageSize, Op{Kind: OpWrite, Address: 3, Src: 4}) {
		t.Fatalf("second Append should not fit")
	}
}
