package core

import (
	"encoding/binary"
)

// BlockPage is a decoded view over a page frame's bytes, interpreted per
// spec §3/§6:
//
//	count(4, signed; negative = user page)  reserved(4)  …blocks…
//
// Each block is size(4, signed; negative = freed) backAddress(8) payload.
type BlockPage struct {
	frame *pageFrame
}

const blockPageHeaderSize = 4 + 4

func newBlockPage(f *pageFrame) *BlockPage { return &BlockPage{frame: f} }

func (b *BlockPage) rawCount() int32 {
	return int32(binary.LittleEndian.Uint32(b.frame.data[0:4]))
}

func (b *BlockPage) setRawCount(v int32) {
	binary.LittleEndian.PutUint32(b.frame.data[0:4], uint32(v))
}

// IsUser reports whether this page is a committed user page (negative
// count) as opposed to an interim scratch page (positive count).
func (b *BlockPage) IsUser() bool { return b.rawCount() < 0 }

// Count is the absolute number of block records, live or freed.
func (b *BlockPage) Count() int {
	c := b.rawCount()
	if c < 0 {
		c = -c
	}
	return int(c)
}

func (b *BlockPage) setCount(n int, user bool) {
	if user {
		b.setRawCount(-int32(n))
	} else {
		b.setRawCount(int32(n))
	}
}

// MarkUser flips the sign bit marking this interim page as promoted to a
// user page (spec §3: "when promoted by commit playback it becomes a user
// page").
func (b *BlockPage) MarkUser() {
	c := b.rawCount()
	if c > 0 {
		b.setRawCount(-c)
	}
}

// MarkInterim resets a freed, now-empty user page back to interim shape.
func (b *BlockPage) MarkInterim() {
	c := b.rawCount()
	if c < 0 {
		b.setRawCount(-c)
	}
	b.setRawCount(0)
}

// Remaining is the number of bytes in the body not yet consumed by any
// block record (spec §3 invariant: Σ|size| + header = pageSize − remaining).
func (b *BlockPage) Remaining(pageSize uint32) int {
	used := blockPageHeaderSize
	for off := blockPageHeaderSize; off < blockPageHeaderSize+b.bodyScanLen(pageSize); {
		size := b.sizeAt(off)
		if size == 0 {
			break
		}
		abs := absInt(size)
		used += abs
		off += abs
	}
	return int(pageSize) - used
}

func (b *BlockPage) bodyScanLen(pageSize uint32) int {
	return int(pageSize) - blockPageHeaderSize
}

func absInt(v int32) int {
	if v < 0 {
		return int(-v)
	}
	return int(v)
}

func (b *BlockPage) sizeAt(off int) int32 {
	if off+4 > len(b.frame.data) {
		return 0
	}
	return int32(binary.LittleEndian.Uint32(b.frame.data[off : off+4]))
}

func (b *BlockPage) setSizeAt(off int, v int32) {
	binary.LittleEndian.PutUint32(b.frame.data[off:off+4], uint32(v))
}

func (b *BlockPage) backAddrAt(off int) Address {
	return Position(int64(binary.LittleEndian.Uint64(b.frame.data[off+4 : off+12])))
}

func (b *BlockPage) setBackAddrAt(off int, addr Address) {
	binary.LittleEndian.PutUint64(b.frame.data[off+4:off+12], uint64(int64(addr)))
}

// BlockRecord is a live or freed block as found by iteration.
type BlockRecord struct {
	Offset  int
	Size    int // absolute stride including header
	Free    bool
	BackRef Address
}

// Payload returns the mutable payload bytes of r within page.
func (b *BlockPage) Payload(r BlockRecord) []byte {
	return b.frame.data[r.Offset+blockHeaderSize : r.Offset+r.Size]
}

// Iterate walks every block record (live and freed) front to back.
func (b *BlockPage) Iterate(pageSize uint32, fn func(BlockRecord) bool) {
	off := blockPageHeaderSize
	end := int(pageSize)
	for off < end {
		raw := b.sizeAt(off)
		if raw == 0 {
			return
		}
		size := absInt(raw)
		rec := BlockRecord{Offset: off, Size: size, Free: raw < 0, BackRef: b.backAddrAt(off)}
		if !fn(rec) {
			return
		}
		off += size
	}
}

// AppendBlock appends a new live block of the given payload length at the
// first free byte, returning its record. Caller must have already checked
// Remaining() >= blockHeaderSize+payloadLen.
func (b *BlockPage) AppendBlock(pageSize uint32, payloadLen int, backRef Address) BlockRecord {
	off := blockPageHeaderSize
	b.Iterate(pageSize, func(r BlockRecord) bool {
		off = r.Offset + r.Size
		return true
	})
	size := blockHeaderSize + payloadLen
	b.setSizeAt(off, int32(size))
	b.setBackAddrAt(off, backRef)
	for i := off + blockHeaderSize; i < off+size; i++ {
		b.frame.data[i] = 0
	}
	n := b.Count() + 1
	b.setCount(n, b.IsUser())
	return BlockRecord{Offset: off, Size: size, Free: false, BackRef: backRef}
}

// FreeBlock negates the size field of the record at off, marking it freed
// in place (spec §3: "A freed block's back-reference is retained until the
// page is compacted").
func (b *BlockPage) FreeBlock(off int) {
	size := b.sizeAt(off)
	if size > 0 {
		b.setSizeAt(off, -size)
	}
}

// WritePayload overwrites the payload of the live record at off with src,
// zero-padding the remainder (spec §8 S1: "read returns the bytes … zeros
// up to n").
func (b *BlockPage) WritePayload(off int, src []byte) {
	size := int(b.sizeAt(off))
	if size < 0 {
		size = -size
	}
	width := size - blockHeaderSize
	n := copy(b.frame.data[off+blockHeaderSize:off+blockHeaderSize+width], src)
	for i := off + blockHeaderSize + n; i < off+blockHeaderSize+width; i++ {
		b.frame.data[i] = 0
	}
}

// FindByBackRef returns the live record whose back-reference equals addr.
func (b *BlockPage) FindByBackRef(pageSize uint32, addr Address) (BlockRecord, bool) {
	var found BlockRecord
	ok := false
	b.Iterate(pageSize, func(r BlockRecord) bool {
		if !r.Free && r.BackRef == addr {
			found = r
			ok = true
			return false
		}
		return true
	})
	return found, ok
}

// Checksum computes a 64-bit FNV-1a hash over the bytes (header and
// payload) of the live blocks in page order, for vacuum's
// mirror/compaction equality check (spec §4.8, §8 property 8). Freed
// blocks and block offsets do not enter the hash, so moving live blocks
// to other offsets in the same order leaves it unchanged. It is not a
// cryptographic digest.
func (b *BlockPage) Checksum(pageSize uint32) uint64 {
	var h uint64 = 1469598103934665603 // FNV offset basis
	b.Iterate(pageSize, func(r BlockRecord) bool {
		if r.Free {
			return true
		}
		for _, by := range b.frame.data[r.Offset : r.Offset+r.Size] {
			h ^= uint64(by)
			h *= 1099511628211
		}
		return true
	})
	return h
}
