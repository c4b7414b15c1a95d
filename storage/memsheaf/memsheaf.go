// Package memsheaf is an in-memory core.Backend for tests, grounded on
// github.com/dsnet/golib/memfile so paged I/O exercises the same ReadAt/
// WriteAt surface a real file would, without touching disk.
package memsheaf

import (
	"sync"

	"github.com/dsnet/golib/memfile"
)

// Backend implements core.Backend over a memfile.File. Sync is a no-op:
// there is nothing durable to flush.
type Backend struct {
	mu sync.RWMutex
	f  *memfile.File
}

// New returns an empty backend, or one seeded with buf's contents if non-nil.
func New(buf []byte) *Backend {
	return &Backend{f: memfile.New(buf)}
}

func (b *Backend) ReadAt(p []byte, off int64) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.f.ReadAt(p, off)
}

func (b *Backend) WriteAt(p []byte, off int64) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.f.WriteAt(p, off)
}

// Truncate grows or shrinks the backing buffer to size, rebuilding the
// memfile.File since memfile has no truncate primitive of its own.
func (b *Backend) Truncate(size int64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	cur := b.f.Bytes()
	switch {
	case int64(len(cur)) == size:
		return nil
	case int64(len(cur)) > size:
		cur = cur[:size]
	default:
		grown := make([]byte, size)
		copy(grown, cur)
		cur = grown
	}
	b.f = memfile.New(cur)
	return nil
}

func (b *Backend) Sync() error { return nil }

func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.f.Close()
}

func (b *Backend) Size() (int64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return int64(len(b.f.Bytes())), nil
}

// Bytes returns the backend's current contents, for tests asserting on
// raw page layout.
func (b *Backend) Bytes() []byte {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]byte, len(b.f.Bytes()))
	copy(out, b.f.Bytes())
	return out
}
