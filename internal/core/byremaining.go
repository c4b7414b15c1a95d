package core

import (
	"sync"

	"modernc.org/mathutil"
)

// ByRemaining indexes user block pages by aligned-remaining bytes for
// best-fit allocation (spec §4.5). Bucket 0 is excluded: a page with zero
// free bytes can never satisfy an allocation.
type ByRemaining struct {
	sheaf     *Sheaf
	interim   *InterimPool
	pageSize  uint32
	alignment uint32
	root      Position

	mu sync.Mutex // serializes bucket-list mutation; bestFit re-validates by reloading the page, without this mutex or a page lock
}

func NewByRemaining(sheaf *Sheaf, interim *InterimPool, pageSize, alignment uint32, root Position) *ByRemaining {
	return &ByRemaining{sheaf: sheaf, interim: interim, pageSize: pageSize, alignment: alignment, root: root}
}

func (t *ByRemaining) bucketOf(remaining int) int {
	return remaining / int(t.alignment)
}

func (t *ByRemaining) alignedRemaining(remaining int) int {
	return t.bucketOf(remaining) * int(t.alignment)
}

// Add routes position into the bucket for remaining, appending to the
// bucket's linked list of slot pages, allocating a fresh slot page from the
// interim pool when the current head is full (spec §4.5).
func (t *ByRemaining) Add(position Position, remaining int) error {
	bucket := t.bucketOf(remaining)
	if bucket == 0 {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	rootFrame, err := t.sheaf.Get(t.root)
	if err != nil {
		return err
	}
	root := newByRemainingRootPage(rootFrame)
	head := root.Head(bucket)

	if head != 0 {
		headFrame, err := t.sheaf.Get(head)
		if err != nil {
			t.sheaf.Unpin(rootFrame, false)
			return err
		}
		sp := newSlotPage(headFrame)
		if !sp.Full(t.pageSize) {
			sp.Append(t.pageSize, position)
			t.sheaf.Unpin(headFrame, true)
			t.sheaf.Unpin(rootFrame, false)
			return nil
		}
		t.sheaf.Unpin(headFrame, false)
	}

	newFrame, err := t.interim.NewBlank(false)
	if err != nil {
		t.sheaf.Unpin(rootFrame, false)
		return err
	}
	nsp := newSlotPage(newFrame)
	nsp.SetNext(head)
	nsp.SetPrev(0)
	nsp.Append(t.pageSize, position)
	if head != 0 {
		headFrame, err := t.sheaf.Get(head)
		if err == nil {
			newSlotPage(headFrame).SetPrev(newFrame.pos)
			t.sheaf.Unpin(headFrame, true)
		}
	}
	root.SetHead(bucket, newFrame.pos)
	t.sheaf.Unpin(newFrame, true)
	t.sheaf.Unpin(rootFrame, true)
	return nil
}

// Remove clears position's entry from the bucket for remaining, compacting
// the slot page by moving its last used slot into the hole (spec §4.5). A
// non-head slot page that becomes completely empty is unlinked and returned
// to the interim pool; a non-head page left partly empty keeps its free
// slots, since no entries are moved in from the head slot page.
func (t *ByRemaining) Remove(position Position, remaining int) error {
	bucket := t.bucketOf(remaining)
	if bucket == 0 {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	rootFrame, err := t.sheaf.Get(t.root)
	if err != nil {
		return err
	}
	root := newByRemainingRootPage(rootFrame)
	pos := root.Head(bucket)
	for pos != 0 {
		frame, err := t.sheaf.Get(pos)
		if err != nil {
			t.sheaf.Unpin(rootFrame, false)
			return err
		}
		sp := newSlotPage(frame)
		if idx := sp.Find(position); idx >= 0 {
			sp.RemoveAt(idx)
			if sp.Used() == 0 && pos != root.Head(bucket) {
				prev, next := sp.Prev(), sp.Next()
				t.unlink(root, bucket, pos, prev, next)
				t.interim.Free(pos)
			}
			t.sheaf.Unpin(frame, true)
			t.sheaf.Unpin(rootFrame, true)
			return nil
		}
		next := sp.Next()
		t.sheaf.Unpin(frame, false)
		pos = next
	}
	t.sheaf.Unpin(rootFrame, false)
	return nil
}

func (t *ByRemaining) unlink(root *ByRemainingRootPage, bucket int, pos, prev, next Position) {
	if prev != 0 {
		if pf, err := t.sheaf.Get(prev); err == nil {
			newSlotPage(pf).SetNext(next)
			t.sheaf.Unpin(pf, true)
		}
	} else {
		root.SetHead(bucket, next)
	}
	if next != 0 {
		if nf, err := t.sheaf.Get(next); err == nil {
			newSlotPage(nf).SetPrev(prev)
			t.sheaf.Unpin(nf, true)
		}
	}
}

// maxBucket is the number of buckets the root page can address, one past
// the highest bucket index.
func (t *ByRemaining) maxBucket() int {
	return int(t.pageSize) / 8
}

// BestFit scans buckets starting at ceil(request/alignment) ascending,
// popping from the bucket head and validating the candidate by reloading
// its page: it must still be a user block page whose current
// aligned-remaining still equals the bucket (spec §4.5). Mismatches are
// re-inserted at the correct bucket. Returns 0 when nothing fits or the
// request exceeds maxBlockSize-alignment.
func (t *ByRemaining) BestFit(requestedSize int) (Position, error) {
	maxBlockSize := int(t.pageSize) - blockPageHeaderSize - blockHeaderSize
	if requestedSize > maxBlockSize-int(t.alignment) {
		return 0, nil
	}
	start := int(mathutil.Max(1, ceilDiv(requestedSize, int(t.alignment))))

	for bucket := start; bucket < t.maxBucket(); bucket++ {
		for {
			pos, ok, err := t.popHead(bucket)
			if err != nil {
				return 0, err
			}
			if !ok {
				break
			}
			frame, err := t.sheaf.Get(pos)
			if err != nil {
				return 0, err
			}
			bp := newBlockPage(frame)
			if !bp.IsUser() {
				t.sheaf.Unpin(frame, false)
				continue
			}
			actual := bp.Remaining(t.pageSize)
			if t.alignedRemaining(actual) == bucket*int(t.alignment) && actual >= requestedSize {
				t.sheaf.Unpin(frame, false)
				return pos, nil
			}
			// drifted: repair lazily by re-inserting at the correct bucket
			t.sheaf.Unpin(frame, false)
			if err := t.Add(pos, actual); err != nil {
				return 0, err
			}
		}
	}
	return 0, nil
}

func (t *ByRemaining) popHead(bucket int) (Position, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rootFrame, err := t.sheaf.Get(t.root)
	if err != nil {
		return 0, false, err
	}
	defer t.sheaf.Unpin(rootFrame, false)
	root := newByRemainingRootPage(rootFrame)
	head := root.Head(bucket)
	if head == 0 {
		return 0, false, nil
	}
	headFrame, err := t.sheaf.Get(head)
	if err != nil {
		return 0, false, err
	}
	sp := newSlotPage(headFrame)
	v, ok := sp.PopLast()
	if !ok {
		t.sheaf.Unpin(headFrame, false)
		return 0, false, nil
	}
	if sp.Used() == 0 {
		next := sp.Next()
		root.SetHead(bucket, next)
		if next != 0 {
			if nf, err := t.sheaf.Get(next); err == nil {
				newSlotPage(nf).SetPrev(0)
				t.sheaf.Unpin(nf, true)
			}
		}
		t.sheaf.Unpin(headFrame, true)
		t.interim.Free(head)
	} else {
		t.sheaf.Unpin(headFrame, true)
	}
	return v, true, nil
}

func ceilDiv(a, b int) int {
	if a <= 0 {
		return 0
	}
	return (a + b - 1) / b
}
