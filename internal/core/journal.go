package core

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// HeaderPool is the semaphore-style pool of N fixed journal-header slots
// inside the file header (spec §4.7). Claiming a slot blocks when the pool
// is exhausted; a claimed slot's persistence, after fsync, is the single
// linearization point marking a commit durable. Grounded on the teacher's
// pool-of-fixed-slots style (bufmgr.go's address-page free/returning sets)
// but built on golang.org/x/sync/semaphore since the slots are fungible
// counted resources, not individually identified free-lists.
type HeaderPool struct {
	sem    *semaphore.Weighted
	sheaf  *Sheaf
	base   Position // byte position of slot 0
	count  int

	mu   sync.Mutex
	free []int // free slot indices
}

func NewHeaderPool(sheaf *Sheaf, base Position, count int) *HeaderPool {
	free := make([]int, count)
	for i := range free {
		free[i] = i
	}
	return &HeaderPool{
		sem:   semaphore.NewWeighted(int64(count)),
		sheaf: sheaf,
		base:  base,
		count: count,
		free:  free,
	}
}

// Claim blocks until a header slot is available, then reserves its index.
func (h *HeaderPool) Claim(ctx context.Context) (int, error) {
	if err := h.sem.Acquire(ctx, 1); err != nil {
		return 0, err
	}
	h.mu.Lock()
	idx := h.free[len(h.free)-1]
	h.free = h.free[:len(h.free)-1]
	h.mu.Unlock()
	return idx, nil
}

// Write persists start into the claimed slot idx. This WriteAt+Force call
// is the commit's linearization point (spec §4.7, §7).
func (h *HeaderPool) Write(idx int, start Position) error {
	pos := h.base + Position(idx*8)
	buf := make([]byte, 8)
	putU64(buf, uint64(int64(start)))
	if _, err := h.sheaf.backend.WriteAt(buf, int64(pos)); err != nil {
		return errf(ErrIoWrite, "header slot %d: %v", idx, err)
	}
	return h.sheaf.Force()
}

// Read returns the journal start position recorded at slot idx (0 if the
// slot is unclaimed), used by recovery to find committed-but-unreplayed
// journals (spec §4.7, §7).
func (h *HeaderPool) Read(idx int) (Position, error) {
	pos := h.base + Position(idx*8)
	buf := make([]byte, 8)
	if _, err := h.sheaf.backend.ReadAt(buf, int64(pos)); err != nil {
		return 0, errf(ErrIoRead, "header slot %d: %v", idx, err)
	}
	return Position(int64(getU64(buf))), nil
}

// Release zeroes the slot and returns it to the pool (spec §4.7: "the
// player returns the claimed header slot... to the pool").
func (h *HeaderPool) Release(idx int) error {
	if err := h.clear(idx); err != nil {
		return err
	}
	h.mu.Lock()
	h.free = append(h.free, idx)
	h.mu.Unlock()
	h.sem.Release(1)
	return nil
}

// ClearSlot zeroes a slot left over from a hard shutdown once Recover has
// replayed it, without touching the pool's free list or semaphore: a
// freshly constructed HeaderPool already starts every slot free (spec §9
// open question (b) — the pool itself carries no persisted claimed/free
// state across a restart, only the on-disk journal-start pointers do).
func (h *HeaderPool) ClearSlot(idx int) error {
	return h.clear(idx)
}

func (h *HeaderPool) clear(idx int) error {
	pos := h.base + Position(idx*8)
	buf := make([]byte, 8)
	if _, err := h.sheaf.backend.WriteAt(buf, int64(pos)); err != nil {
		return errf(ErrIoWrite, "header slot %d: %v", idx, err)
	}
	return nil
}

func putU64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

func getU64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}

// Journal accumulates operation records for one mutator's commit into
// interim-pool pages chained by NextPage, per spec §4.7's layout.
type Journal struct {
	interim  *InterimPool
	pageSize uint32

	start   Position
	pages   []*pageFrame
	current *JournalPage
}

func NewJournal(interim *InterimPool, pageSize uint32) *Journal {
	return &Journal{interim: interim, pageSize: pageSize}
}

// Append records op, allocating and chaining a new journal page from the
// interim pool when the current page is full (spec §4.7: "operations may
// not straddle pages").
func (j *Journal) Append(op Op) error {
	if j.current == nil {
		if err := j.newPage(); err != nil {
			return err
		}
	}
	if j.current.Append(j.pageSize, op) {
		return nil
	}
	nextFrame, err := j.interim.NewBlank(false)
	if err != nil {
		return err
	}
	j.current.WriteNextPage(nextFrame.pos)
	j.pages = append(j.pages, nextFrame)
	j.current = newJournalPage(nextFrame)
	if !j.current.Append(j.pageSize, op) {
		return errf(ErrOverflow, "operation does not fit on a blank journal page")
	}
	return nil
}

func (j *Journal) newPage() error {
	frame, err := j.interim.NewBlank(false)
	if err != nil {
		return err
	}
	j.start = frame.pos
	j.pages = append(j.pages, frame)
	j.current = newJournalPage(frame)
	return nil
}

// Terminate appends a COMMIT record followed by the terminal TERMINATE
// marker (spec §4.6 commit: one Write per addresses entry, Commit,
// Terminate).
func (j *Journal) Terminate() {
	if j.current == nil {
		j.newPage()
	}
	if !j.current.Append(j.pageSize, Op{Kind: OpCommit}) {
		j.rollToNewPage()
		j.current.Append(j.pageSize, Op{Kind: OpCommit})
	}
	if j.current.Room(j.pageSize, 0) < 2 {
		j.rollToNewPage()
	}
	j.current.WriteTerminate()
}

func (j *Journal) rollToNewPage() {
	nextFrame, _ := j.interim.NewBlank(false)
	j.current.WriteNextPage(nextFrame.pos)
	j.pages = append(j.pages, nextFrame)
	j.current = newJournalPage(nextFrame)
}

// Start returns the journal's first page position.
func (j *Journal) Start() Position { return j.start }

// Pages returns every interim page this journal occupies (returned to the
// interim pool once playback and fsync complete, spec §3).
func (j *Journal) Pages() []*pageFrame { return j.pages }

// ReadOps walks a committed journal chain starting at start, decoding every
// operation up to (and including) TERMINATE.
func ReadOps(sheaf *Sheaf, start Position) ([]Op, error) {
	var all []Op
	pos := start
	for {
		frame, err := sheaf.Get(pos)
		if err != nil {
			return nil, err
		}
		jp := newJournalPage(frame)
		ops, next, hasNext := jp.ReadAll()
		all = append(all, ops...)
		sheaf.Unpin(frame, false)
		if !hasNext {
			return all, nil
		}
		pos = next
	}
}
