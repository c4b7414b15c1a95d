package core

import "encoding/binary"

// ByRemainingRootPage is the root page of the by-remaining index (spec §3):
// per aligned-remaining bucket i, the position of the head slot page of a
// doubly linked list of slot pages, or 0 if the bucket is empty.
type ByRemainingRootPage struct {
	frame *pageFrame
}

func newByRemainingRootPage(f *pageFrame) *ByRemainingRootPage {
	return &ByRemainingRootPage{frame: f}
}

func (r *ByRemainingRootPage) bucketCount(pageSize uint32) int {
	return int(pageSize) / 8
}

func (r *ByRemainingRootPage) Head(bucket int) Position {
	off := bucket * 8
	return Position(int64(binary.LittleEndian.Uint64(r.frame.data[off : off+8])))
}

func (r *ByRemainingRootPage) SetHead(bucket int, pos Position) {
	off := bucket * 8
	binary.LittleEndian.PutUint64(r.frame.data[off:off+8], uint64(int64(pos)))
}

// slotPageHeader layout: prev(8) next(8) used(4) reserved(4), then fixed
// 8-byte position slots (spec §3 "doubly linked list of slot pages").
const slotPageHeaderSize = 8 + 8 + 4 + 4

// SlotPage is a decoded page of fixed-size position slots belonging to one
// by-remaining bucket's linked list.
type SlotPage struct {
	frame *pageFrame
}

func newSlotPage(f *pageFrame) *SlotPage { return &SlotPage{frame: f} }

func (s *SlotPage) Prev() Position {
	return Position(int64(binary.LittleEndian.Uint64(s.frame.data[0:8])))
}
func (s *SlotPage) SetPrev(p Position) {
	binary.LittleEndian.PutUint64(s.frame.data[0:8], uint64(int64(p)))
}
func (s *SlotPage) Next() Position {
	return Position(int64(binary.LittleEndian.Uint64(s.frame.data[8:16])))
}
func (s *SlotPage) SetNext(p Position) {
	binary.LittleEndian.PutUint64(s.frame.data[8:16], uint64(int64(p)))
}
func (s *SlotPage) Used() int {
	return int(binary.LittleEndian.Uint32(s.frame.data[16:20]))
}
func (s *SlotPage) setUsed(n int) {
	binary.LittleEndian.PutUint32(s.frame.data[16:20], uint32(n))
}

func (s *SlotPage) Capacity(pageSize uint32) int {
	return (int(pageSize) - slotPageHeaderSize) / 8
}

func (s *SlotPage) slotOffset(i int) int { return slotPageHeaderSize + i*8 }

func (s *SlotPage) Get(i int) Position {
	off := s.slotOffset(i)
	return Position(int64(binary.LittleEndian.Uint64(s.frame.data[off : off+8])))
}

func (s *SlotPage) set(i int, p Position) {
	off := s.slotOffset(i)
	binary.LittleEndian.PutUint64(s.frame.data[off:off+8], uint64(int64(p)))
}

// Full reports whether this slot page has no room for another entry.
func (s *SlotPage) Full(pageSize uint32) bool { return s.Used() >= s.Capacity(pageSize) }

// Append adds pos as the next used slot.
func (s *SlotPage) Append(pageSize uint32, pos Position) {
	n := s.Used()
	s.set(n, pos)
	s.setUsed(n + 1)
}

// Find linearly searches for pos among the used slots (teacher-scale pages
// hold a few hundred entries; binary search requires a sorted invariant
// the spec does not mandate across removals, so a scan is used, matching
// §4.5's "binary-search the bucket" intent only where entries are kept
// sorted — insertion order here is append-only, so linear scan is correct
// and simpler; see DESIGN.md).
func (s *SlotPage) Find(pos Position) int {
	n := s.Used()
	for i := 0; i < n; i++ {
		if s.Get(i) == pos {
			return i
		}
	}
	return -1
}

// RemoveAt clears slot i by swapping in the last used slot (spec §4.5:
// "compact the slot").
func (s *SlotPage) RemoveAt(i int) {
	n := s.Used()
	last := n - 1
	if i != last {
		s.set(i, s.Get(last))
	}
	s.set(last, 0)
	s.setUsed(last)
}

// PopLast removes and returns the final used slot value.
func (s *SlotPage) PopLast() (Position, bool) {
	n := s.Used()
	if n == 0 {
		return 0, false
	}
	v := s.Get(n - 1)
	s.set(n-1, 0)
	s.setUsed(n - 1)
	return v, true
}
