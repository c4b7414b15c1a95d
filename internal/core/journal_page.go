package core

import "encoding/binary"

// Operation tags are bit-exact over the wire (spec §6).
const (
	tagMovePage           uint16 = 3
	tagCommit             uint16 = 4
	tagCreateAddressPage  uint16 = 5
	tagWrite              uint16 = 6
	tagFree               uint16 = 7
	tagNextPage           uint16 = 8
	tagMove               uint16 = 9 // legacy alias of MovePage, never emitted
	tagTerminate          uint16 = 10
	tagTemporary          uint16 = 11
	tagCheckpoint         uint16 = 12
	tagTruncate           uint16 = 13
	tagCopyBlock          uint16 = 14
)

// OpKind is the in-memory discriminant for a decoded journal record.
type OpKind int

const (
	OpWrite OpKind = iota
	OpFree
	OpCommit
	OpTerminate
	OpCheckpoint
	OpMovePage
	OpCreateAddressPage
	OpTemporary
	OpTruncate
	OpCopyBlock
)

// Op is one decoded journal operation record (spec §4.7).
type Op struct {
	Kind OpKind

	Address      Address  // Write, Free, Temporary, Truncate (last kept backRef, 0 = empty), CopyBlock (backRef)
	Src          Position // Write: interim page to read from; CopyBlock: mirror page to read from
	From, To     Position // MovePage
	Pos          Position // CreateAddressPage, Checkpoint, Truncate, CopyBlock (destination page)
	Mirror       Position // CreateAddressPage: 0 if the prior page was never moved
	RefSlot      Position // Temporary: reference-page slot position
}

// tagOf returns the wire tag for op.Kind.
func tagOf(k OpKind) uint16 {
	switch k {
	case OpWrite:
		return tagWrite
	case OpFree:
		return tagFree
	case OpCommit:
		return tagCommit
	case OpTerminate:
		return tagTerminate
	case OpCheckpoint:
		return tagCheckpoint
	case OpMovePage:
		return tagMovePage
	case OpCreateAddressPage:
		return tagCreateAddressPage
	case OpTemporary:
		return tagTemporary
	case OpTruncate:
		return tagTruncate
	case OpCopyBlock:
		return tagCopyBlock
	default:
		panic("unknown op kind")
	}
}

// encodedSize returns the tag+payload width of op on the wire.
func encodedSize(op Op) int {
	switch op.Kind {
	case OpWrite:
		return 2 + 8 + 8
	case OpFree:
		return 2 + 8
	case OpCommit, OpTerminate:
		return 2
	case OpCheckpoint:
		return 2 + 8
	case OpMovePage:
		return 2 + 8 + 8
	case OpCreateAddressPage:
		return 2 + 8 + 8
	case OpTemporary:
		return 2 + 8 + 8
	case OpTruncate:
		return 2 + 8 + 8
	case OpCopyBlock:
		return 2 + 8 + 8 + 8
	default:
		panic("unknown op kind")
	}
}

// encodeOp appends op's wire encoding to buf at off, returning the new
// offset. Operations never straddle a page (spec §6); callers must check
// remaining room before calling.
func encodeOp(buf []byte, off int, op Op) int {
	binary.LittleEndian.PutUint16(buf[off:], tagOf(op.Kind))
	off += 2
	put8 := func(v int64) {
		binary.LittleEndian.PutUint64(buf[off:], uint64(v))
		off += 8
	}
	switch op.Kind {
	case OpWrite:
		put8(int64(op.Address))
		put8(int64(op.Src))
	case OpFree:
		put8(int64(op.Address))
	case OpCommit, OpTerminate:
	case OpCheckpoint:
		put8(int64(op.Pos))
	case OpMovePage:
		put8(int64(op.From))
		put8(int64(op.To))
	case OpCreateAddressPage:
		put8(int64(op.Pos))
		put8(int64(op.Mirror))
	case OpTemporary:
		put8(int64(op.Address))
		put8(int64(op.RefSlot))
	case OpTruncate:
		put8(int64(op.Pos))
		put8(int64(op.Address))
	case OpCopyBlock:
		put8(int64(op.Pos))
		put8(int64(op.Src))
		put8(int64(op.Address))
	}
	return off
}

// decodeOp decodes one record at off, returning it, the new offset, and
// whether the page's operation chain continues (false for TERMINATE).
// NEXT_PAGE is not decoded here; callers special-case it before calling
// decodeOp.
func decodeOp(buf []byte, off int) (Op, int, bool) {
	tag := binary.LittleEndian.Uint16(buf[off:])
	off += 2
	get8 := func() int64 {
		v := int64(binary.LittleEndian.Uint64(buf[off:]))
		off += 8
		return v
	}
	switch tag {
	case tagWrite:
		addr := Position(get8())
		src := Position(get8())
		return Op{Kind: OpWrite, Address: addr, Src: src}, off, true
	case tagFree:
		addr := Position(get8())
		return Op{Kind: OpFree, Address: addr}, off, true
	case tagCommit:
		return Op{Kind: OpCommit}, off, true
	case tagTerminate:
		return Op{Kind: OpTerminate}, off, false
	case tagCheckpoint:
		pos := Position(get8())
		return Op{Kind: OpCheckpoint, Pos: pos}, off, true
	case tagMovePage, tagMove:
		from := Position(get8())
		to := Position(get8())
		return Op{Kind: OpMovePage, From: from, To: to}, off, true
	case tagCreateAddressPage:
		pos := Position(get8())
		mirror := Position(get8())
		return Op{Kind: OpCreateAddressPage, Pos: pos, Mirror: mirror}, off, true
	case tagTemporary:
		addr := Position(get8())
		refSlot := Position(get8())
		return Op{Kind: OpTemporary, Address: addr, RefSlot: refSlot}, off, true
	case tagTruncate:
		pos := Position(get8())
		addr := Position(get8())
		return Op{Kind: OpTruncate, Pos: pos, Address: addr}, off, true
	case tagCopyBlock:
		pos := Position(get8())
		src := Position(get8())
		addr := Position(get8())
		return Op{Kind: OpCopyBlock, Pos: pos, Src: src, Address: addr}, off, true
	default:
		panic("corrupt journal: unknown tag")
	}
}

// JournalPage is a decoded view over a journal page's byte buffer: a
// packed sequence of operation records terminated by NEXT_PAGE(2)+pos(8)
// or TERMINATE(2) (spec §6).
type JournalPage struct {
	frame  *pageFrame
	cursor int
}

func newJournalPage(f *pageFrame) *JournalPage { return &JournalPage{frame: f} }

// Reset rewinds the write cursor to the start of the page body.
func (j *JournalPage) Reset() { j.cursor = 0 }

// Room reports how many bytes remain before hitting the next-page/terminate
// reserved tail (reserveTail bytes held back for the chain terminator).
func (j *JournalPage) Room(pageSize uint32, reserveTail int) int {
	return int(pageSize) - j.cursor - reserveTail
}

// Append writes op if there is room, returning false if the page is full
// (the caller must then write NextPage and move on).
func (j *JournalPage) Append(pageSize uint32, op Op) bool {
	need := encodedSize(op)
	if j.Room(pageSize, 10) < need {
		return false
	}
	j.cursor = encodeOp(j.frame.data, j.cursor, op)
	return true
}

// WriteNextPage terminates this page with a NextPage link to next.
func (j *JournalPage) WriteNextPage(next Position) {
	binary.LittleEndian.PutUint16(j.frame.data[j.cursor:], tagNextPage)
	binary.LittleEndian.PutUint64(j.frame.data[j.cursor+2:], uint64(int64(next)))
	j.cursor += 10
}

// WriteTerminate terminates this page (and the whole journal) with
// TERMINATE.
func (j *JournalPage) WriteTerminate() {
	binary.LittleEndian.PutUint16(j.frame.data[j.cursor:], tagTerminate)
	j.cursor += 2
}

// ReadAll decodes every operation on this page, returning them plus either
// the NextPage position (hasNext=true) or reporting the terminator was reached.
func (j *JournalPage) ReadAll() (ops []Op, next Position, hasNext bool) {
	off := 0
	for {
		tag := binary.LittleEndian.Uint16(j.frame.data[off:])
		if tag == tagNextPage {
			next = Position(int64(binary.LittleEndian.Uint64(j.frame.data[off+2:])))
			return ops, next, true
		}
		if tag == tagTerminate {
			ops = append(ops, Op{Kind: OpTerminate})
			return ops, 0, false
		}
		op, newOff, _ := decodeOp(j.frame.data, off)
		ops = append(ops, op)
		off = newOff
	}
}
