package core

import (
	"runtime"
	"sync"
	"sync/atomic"
)

// SpinLatch is a tight mutual-exclusion spinlock, used where a critical
// section is a handful of instructions long (the per-hash-bucket latch of
// the sheaf's page table) and blocking on a
// sync.Mutex would cost more than a few spins (teacher: bufmgr.go's
// mgr.lock / hashTable[i].latch).
type SpinLatch struct {
	held int32
}

// WriteLock spins until the latch is acquired.
func (s *SpinLatch) WriteLock() {
	for !atomic.CompareAndSwapInt32(&s.held, 0, 1) {
		runtime.Gosched()
	}
}

// TryWriteLock attempts to acquire the latch without blocking.
func (s *SpinLatch) TryWriteLock() bool {
	return atomic.CompareAndSwapInt32(&s.held, 0, 1)
}

// ReleaseWrite releases the latch.
func (s *SpinLatch) ReleaseWrite() {
	atomic.StoreInt32(&s.held, 0)
}

// rwSpinMask is bit 30 of rin, set by a writer once it holds the lock so
// new readers back off until it releases (teacher: BLTRWLock's Mask). A
// writer still spinning for the lock does not set it.
const rwSpinMask = int32(1) << 30

// RWSpin is a spinning reader/writer lock modeled on the teacher's
// BLTRWLock: cheap uncontended reads, a writer that excludes all readers.
// The store does not use it: its page-move lock is a sync.RWMutex and its
// per-page monitor is PageMonitor.
type RWSpin struct {
	rin int32
}

func (l *RWSpin) ReadLock() {
	for {
		v := atomic.LoadInt32(&l.rin)
		if v&rwSpinMask != 0 {
			runtime.Gosched()
			continue
		}
		if atomic.CompareAndSwapInt32(&l.rin, v, v+1) {
			return
		}
	}
}

func (l *RWSpin) ReadRelease() {
	atomic.AddInt32(&l.rin, -1)
}

func (l *RWSpin) WriteLock() {
	for !atomic.CompareAndSwapInt32(&l.rin, 0, rwSpinMask) {
		runtime.Gosched()
	}
}

func (l *RWSpin) WriteRelease() {
	atomic.StoreInt32(&l.rin, 0)
}

// PageMonitor is the per-raw-page monitor the sheaf is required to provide
// (spec §4.1): one mutex/condvar pair guarding a page's bytes, its block
// count/remaining bookkeeping, and its vacuum `mirrored` flag (spec §4.8,
// design note "wait/notify on page objects").
type PageMonitor struct {
	mu       sync.Mutex
	cond     *sync.Cond
	mirrored bool
}

func NewPageMonitor() *PageMonitor {
	m := &PageMonitor{}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Lock acquires the monitor, waiting out any in-flight vacuum mirror of
// this page (spec §4.8: "Any write or free on a user page checks mirrored
// and waits on the page's monitor until cleared").
func (m *PageMonitor) Lock() {
	m.mu.Lock()
	for m.mirrored {
		m.cond.Wait()
	}
}

func (m *PageMonitor) Unlock() {
	m.mu.Unlock()
}

// BeginMirror marks the page as being compacted. It takes the monitor's
// underlying lock itself, so callers must not already hold it.
func (m *PageMonitor) BeginMirror() {
	m.mu.Lock()
	m.mirrored = true
	m.mu.Unlock()
}

// EndMirror clears the mirrored flag and wakes every waiter.
func (m *PageMonitor) EndMirror() {
	m.mu.Lock()
	m.mirrored = false
	m.cond.Broadcast()
	m.mu.Unlock()
}

// AddressLocker is the lazy per-address latch set of spec §5/§4.7: a
// freeing commit's playback latches the address being freed so that a
// concurrent reallocator's commit cannot complete before the free is
// durably applied, preventing a stale journaled Free from clobbering a
// fresh reallocation.
type AddressLocker struct {
	mu      sync.Mutex
	cond    *sync.Cond
	latched map[Address]struct{}
}

func NewAddressLocker() *AddressLocker {
	l := &AddressLocker{latched: make(map[Address]struct{})}
	l.cond = sync.NewCond(&l.mu)
	return l
}

// Latch blocks until addr is unlatched, then latches it for the caller.
func (l *AddressLocker) Latch(addr Address) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for {
		if _, busy := l.latched[addr]; !busy {
			l.latched[addr] = struct{}{}
			return
		}
		l.cond.Wait()
	}
}

// Unlatch releases addr and wakes any waiters.
func (l *AddressLocker) Unlatch(addr Address) {
	l.mu.Lock()
	delete(l.latched, addr)
	l.cond.Broadcast()
	l.mu.Unlock()
}
