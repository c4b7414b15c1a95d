package core

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// noteFreed records that position now has at least one freed block,
// making it a vacuum candidate (spec §4.8: "the sets of pages-freed-since-
// last-vacuum"). Called by the player after a Free op lands.
func (st *Store) noteFreed(position Position) {
	st.vacuumMu2.Lock()
	if st.vacuumCandidates == nil {
		st.vacuumCandidates = make(map[Position]bool)
	}
	st.vacuumCandidates[position] = true
	st.vacuumMu2.Unlock()
}

// VacuumCoordinator drives the two-phase mirror-then-compact strategy of
// spec §4.8 across every page-freed-since-last-vacuum candidate.
type VacuumCoordinator struct {
	store *Store
}

func NewVacuumCoordinator(store *Store) *VacuumCoordinator {
	return &VacuumCoordinator{store: store}
}

// Run compacts every candidate page recorded since the prior vacuum pass,
// one goroutine per page (each candidate is a distinct page position, so
// compaction fans out cleanly — every page's own monitor still serializes
// it against any concurrent mutator touching that same page). Must be
// called with the vacuum mutex held and the page-move lock held in read
// mode (spec §4.8, §5) — Store.Vacuum arranges both.
func (vc *VacuumCoordinator) Run(ctx context.Context) error {
	vc.store.vacuumMu2.Lock()
	candidates := vc.store.vacuumCandidates
	vc.store.vacuumCandidates = nil
	vc.store.vacuumMu2.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	for pos := range candidates {
		pos := pos
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return vc.compactPage(pos)
		})
	}
	return g.Wait()
}

// compactPage mirrors the live-blocks suffix of pos (starting at the first
// freed block) durably into an interim page, then journals a Truncate
// followed by one CopyBlock per live block and replays that through the
// usual journal/player machinery, so a crash anywhere in the sequence still
// converges to the compacted page on recovery (spec §4.8).
func (vc *VacuumCoordinator) compactPage(pos Position) error {
	frame, err := vc.store.sheaf.Get(pos)
	if err != nil {
		return err
	}

	frame.monitor.BeginMirror()
	bp := newBlockPage(frame)
	if !bp.IsUser() {
		frame.monitor.EndMirror()
		vc.store.sheaf.Unpin(frame, false)
		return nil
	}

	before := bp.Checksum(vc.store.pageSize)
	preRemaining := bp.Remaining(vc.store.pageSize)

	var live []BlockRecord
	var lastKept Address
	haveKept := false
	sawFree := false
	bp.Iterate(vc.store.pageSize, func(r BlockRecord) bool {
		if r.Free {
			sawFree = true
			return true
		}
		if sawFree {
			live = append(live, r)
		} else {
			lastKept = r.BackRef
			haveKept = true
		}
		return true
	})

	if len(live) == 0 {
		vc.store.sheaf.Unpin(frame, false)
		frame.monitor.EndMirror()
		return nil
	}

	// Phase 1 (spec §4.8): mirror the live suffix into a durable interim
	// page before mutating pos, so the originals survive a crash until the
	// compaction itself is journaled.
	mirrorFrame, err := vc.store.interim.NewBlank(false)
	if err != nil {
		vc.store.sheaf.Unpin(frame, false)
		frame.monitor.EndMirror()
		return err
	}
	mirror := newBlockPage(mirrorFrame)
	mirror.setCount(0, false)
	for _, r := range live {
		payload := make([]byte, r.Size-blockHeaderSize)
		copy(payload, bp.Payload(r))
		rec := mirror.AppendBlock(vc.store.pageSize, len(payload), r.BackRef)
		mirror.WritePayload(rec.Offset, payload)
	}
	vc.store.sheaf.Unpin(frame, false)
	vc.store.sheaf.Unpin(mirrorFrame, true)
	if err := vc.store.sheaf.Flush(true); err != nil {
		vc.store.interim.Free(mirrorFrame.pos)
		frame.monitor.EndMirror()
		return err
	}
	if err := vc.store.sheaf.Force(); err != nil {
		vc.store.interim.Free(mirrorFrame.pos)
		frame.monitor.EndMirror()
		return err
	}

	// Phase 2: journal the truncate and the copy-back (spec §4.8 step 2)
	// and replay it through the player, exactly like any other commit.
	lastAddress := Address(0)
	if haveKept {
		lastAddress = lastKept
	}
	journal := NewJournal(vc.store.interim, vc.store.pageSize)
	if err := journal.Append(Op{Kind: OpTruncate, Pos: pos, Address: lastAddress}); err != nil {
		vc.store.interim.Free(mirrorFrame.pos)
		frame.monitor.EndMirror()
		return err
	}
	for _, r := range live {
		if err := journal.Append(Op{Kind: OpCopyBlock, Pos: pos, Src: mirrorFrame.pos, Address: r.BackRef}); err != nil {
			vc.store.interim.Free(mirrorFrame.pos)
			frame.monitor.EndMirror()
			return err
		}
	}
	journal.Terminate()

	idx, err := vc.store.headerPool.Claim(context.Background())
	if err != nil {
		vc.store.interim.Free(mirrorFrame.pos)
		frame.monitor.EndMirror()
		return err
	}
	if err := vc.store.sheaf.Flush(true); err != nil {
		frame.monitor.EndMirror()
		return err
	}
	if err := vc.store.headerPool.Write(idx, journal.Start()); err != nil {
		frame.monitor.EndMirror()
		return err
	}
	ops, err := ReadOps(vc.store.sheaf, journal.Start())
	if err != nil {
		frame.monitor.EndMirror()
		return err
	}
	if err := NewPlayer(vc.store).Commit(ops); err != nil {
		frame.monitor.EndMirror()
		return err
	}
	for _, f := range journal.Pages() {
		vc.store.interim.Free(f.pos)
	}
	vc.store.interim.Free(mirrorFrame.pos)

	destFrame, err := vc.store.sheaf.Get(pos)
	if err != nil {
		frame.monitor.EndMirror()
		return err
	}
	destPage := newBlockPage(destFrame)
	after := destPage.Checksum(vc.store.pageSize)
	remaining := destPage.Remaining(vc.store.pageSize)
	vc.store.sheaf.Unpin(destFrame, false)
	frame.monitor.EndMirror()

	if err := vc.store.headerPool.Release(idx); err != nil {
		return err
	}

	if after != before {
		return errf(ErrCorrupt, "vacuum changed live content of page %d: checksum %x before, %x after", pos, before, after)
	}

	if err := vc.store.byRemaining.Remove(pos, preRemaining); err != nil {
		return err
	}
	return vc.store.byRemaining.Add(pos, remaining)
}

// expandAddressRegion implements spec §4.9: for each new address page
// wanted, take the page at the address boundary (stealing an interim page,
// reserving an empty user page, or relocating a populated one), then
// commit CreateAddressPage operations through the journal/player
// machinery. Takes the page-move lock itself in write mode (spec §5);
// AddressPagePool.Acquire releases its caller's read hold before invoking
// this and reacquires it afterward, since a single goroutine cannot
// upgrade a held RLock to a Lock.
func (st *Store) expandAddressRegion(minWanted int) error {
	st.pageMoveLock.Lock()
	defer st.pageMoveLock.Unlock()

	wanted := minWanted
	if wanted < 1 {
		wanted = 1
	}

	journal := NewJournal(st.interim, st.pageSize)
	type pending struct {
		pos    Position
		mirror Position
	}
	var news []pending

	// Walk `wanted` pages forward from the current boundary. The real
	// boundary only advances when CreateAddressPage is replayed below, so
	// candidate positions are computed locally rather than by re-reading
	// Store.boundary each iteration (spec §4.9 step 1).
	next := st.boundary.Current()
	for i := 0; i < wanted; i++ {
		candidate := next
		next += Position(st.pageSize)

		frame, err := st.sheaf.Get(candidate)
		if err != nil {
			return err
		}
		bp := newBlockPage(frame)

		switch {
		case st.interim.Remove(candidate):
			st.sheaf.Unpin(frame, false)
			news = append(news, pending{pos: candidate})
		case bp.Count() == 0:
			st.sheaf.Unpin(frame, false)
			news = append(news, pending{pos: candidate})
		default:
			st.sheaf.Unpin(frame, false)
			moveTo, err := st.interim.NewBlank(false)
			if err != nil {
				return err
			}
			st.sheaf.Unpin(moveTo, true)
			if err := journal.Append(Op{Kind: OpMovePage, From: candidate, To: moveTo.pos}); err != nil {
				return err
			}
			news = append(news, pending{pos: candidate, mirror: moveTo.pos})
		}
	}

	for _, n := range news {
		if err := journal.Append(Op{Kind: OpCreateAddressPage, Pos: n.pos, Mirror: n.mirror}); err != nil {
			return err
		}
	}
	journal.Terminate()

	ctx := context.Background()
	idx, err := st.headerPool.Claim(ctx)
	if err != nil {
		return err
	}
	if err := st.sheaf.Flush(true); err != nil {
		return err
	}
	if err := st.headerPool.Write(idx, journal.Start()); err != nil {
		return err
	}
	ops, err := ReadOps(st.sheaf, journal.Start())
	if err != nil {
		return err
	}
	player := NewPlayer(st)
	if err := player.Commit(ops); err != nil {
		return err
	}
	for _, f := range journal.Pages() {
		st.interim.Free(f.pos)
	}
	return st.headerPool.Release(idx)
}
