package core

import (
	"sync"
	"sync/atomic"
)

// Backend is the raw paged-I/O substrate THE CORE treats as an external
// collaborator (spec §4.1). It maps a page position to a read/write
// extent on durable storage. Production callers back it with
// storage/diskio (O_DIRECT); tests back it with storage/memsheaf
// (in-memory, grounded on github.com/dsnet/golib/memfile).
type Backend interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Truncate(size int64) error
	Sync() error
	Close() error
	Size() (int64, error)
}

// pageFrame is one cached, position-keyed page buffer (spec §4.1: "at most
// one page object per position exists at any time"). Grounded on the
// teacher's BufMgr latch-table slot (bufmgr.go's Latchs + pagePool), but
// retargeted from B-tree pages to THE CORE's address/block/journal/lookup
// pages; a frame carries no page-type tag of its own — callers interpret
// its bytes according to the kind they requested.
type pageFrame struct {
	pos     Position
	data    []byte
	dirty   int32
	pin     int32
	monitor *PageMonitor
	next    *pageFrame // hash-chain link, guarded by the owning bucket latch
}

// Sheaf caches page buffers by position over a Backend, synchronizing page
// lookup with a per-bucket spin latch and page mutation with each frame's
// own PageMonitor (spec §4.1's "page lookup is internally synchronized;
// per-page mutations are guarded by a per-raw-page monitor obtainable by
// the caller"). Structurally this is the teacher's BufMgr hash-chained
// latch table (bufmgr.go PinLatch/LatchLink/UnpinLatch) with the B-tree
// eviction-under-pressure logic removed: a sheaf never evicts — it grows —
// because THE CORE's pages are requested under the page-move lock and must
// stay resident for the mutator's lifetime.
type Sheaf struct {
	backend  Backend
	pageSize uint32

	bucketsMu []SpinLatch
	buckets   []*pageFrame
	nBuckets  uint32

	mu sync.RWMutex // not taken by any Sheaf method: the bucket slices are fixed at construction and bucket contents are guarded by bucketsMu
}

func NewSheaf(backend Backend, pageSize uint32, nBuckets uint32) *Sheaf {
	if nBuckets == 0 {
		nBuckets = 1024
	}
	return &Sheaf{
		backend:   backend,
		pageSize:  pageSize,
		bucketsMu: make([]SpinLatch, nBuckets),
		buckets:   make([]*pageFrame, nBuckets),
		nBuckets:  nBuckets,
	}
}

func (s *Sheaf) bucketFor(pos Position) uint32 {
	return uint32(uint64(pos)/uint64(s.pageSize)) % s.nBuckets
}

// Get returns the cached frame for pos, reading it through the backend on
// first access.
func (s *Sheaf) Get(pos Position) (*pageFrame, error) {
	idx := s.bucketFor(pos)
	s.bucketsMu[idx].WriteLock()
	defer s.bucketsMu[idx].ReleaseWrite()

	for f := s.buckets[idx]; f != nil; f = f.next {
		if f.pos == pos {
			atomic.AddInt32(&f.pin, 1)
			return f, nil
		}
	}

	buf := make([]byte, s.pageSize)
	if _, err := s.backend.ReadAt(buf, int64(pos)); err != nil {
		return nil, errf(ErrIoRead, "position %d: %v", pos, err)
	}
	f := &pageFrame{pos: pos, data: buf, pin: 1, monitor: NewPageMonitor()}
	f.next = s.buckets[idx]
	s.buckets[idx] = f
	return f, nil
}

// New allocates a fresh, zeroed frame at pos without reading the backend
// (used when a page position has just been extended into existence).
func (s *Sheaf) New(pos Position) *pageFrame {
	idx := s.bucketFor(pos)
	s.bucketsMu[idx].WriteLock()
	defer s.bucketsMu[idx].ReleaseWrite()

	f := &pageFrame{pos: pos, data: make([]byte, s.pageSize), pin: 1, monitor: NewPageMonitor(), dirty: 1}
	f.next = s.buckets[idx]
	s.buckets[idx] = f
	return f
}

// Unpin releases the caller's reference to f, marking it dirty when dirty
// is true.
func (s *Sheaf) Unpin(f *pageFrame, dirty bool) {
	if dirty {
		atomic.StoreInt32(&f.dirty, 1)
	}
	atomic.AddInt32(&f.pin, -1)
}

// Extend appends one zeroed page at end-of-file and returns its position.
func (s *Sheaf) Extend() (Position, error) {
	size, err := s.backend.Size()
	if err != nil {
		return 0, errf(ErrIoSize, "%v", err)
	}
	pos := Position(size)
	if err := s.backend.Truncate(size + int64(s.pageSize)); err != nil {
		return 0, errf(ErrIoTruncate, "%v", err)
	}
	return pos, nil
}

// Truncate shrinks the backend to pos bytes. Store.Close does not call it.
func (s *Sheaf) Truncate(pos Position) error {
	if err := s.backend.Truncate(int64(pos)); err != nil {
		return errf(ErrIoTruncate, "%v", err)
	}
	return nil
}

// Flush writes every dirty frame back to the backend; when dirtyOnly is
// false it writes every cached frame regardless of its dirty bit. Every
// caller in this package, Store.Close included, passes true.
func (s *Sheaf) Flush(dirtyOnly bool) error {
	for i := range s.buckets {
		s.bucketsMu[i].WriteLock()
		for f := s.buckets[i]; f != nil; f = f.next {
			if dirtyOnly && atomic.LoadInt32(&f.dirty) == 0 {
				continue
			}
			if _, err := s.backend.WriteAt(f.data, int64(f.pos)); err != nil {
				s.bucketsMu[i].ReleaseWrite()
				return errf(ErrIoWrite, "position %d: %v", f.pos, err)
			}
			atomic.StoreInt32(&f.dirty, 0)
		}
		s.bucketsMu[i].ReleaseWrite()
	}
	return nil
}

// Force fsyncs the backend; this is the single linearization point a
// journal-header claim depends on (spec §4.7).
func (s *Sheaf) Force() error {
	if err := s.backend.Sync(); err != nil {
		return errf(ErrIoForce, "%v", err)
	}
	return nil
}

// Free drops pos from the cache (no dirty flush): used when a page is
// returned to a free pool and its cached bytes are about to be replaced or
// ignored.
func (s *Sheaf) Free(pos Position) {
	idx := s.bucketFor(pos)
	s.bucketsMu[idx].WriteLock()
	defer s.bucketsMu[idx].ReleaseWrite()

	var prev *pageFrame
	for f := s.buckets[idx]; f != nil; f = f.next {
		if f.pos == pos {
			if prev == nil {
				s.buckets[idx] = f.next
			} else {
				prev.next = f.next
			}
			return
		}
		prev = f
	}
}
