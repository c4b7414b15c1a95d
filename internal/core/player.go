package core

// Player replays a committed journal's operations against the store's
// shared structures (spec §4.7). A player instance is single-threaded per
// commit; concurrent commits serialize through the address locker and the
// per-page monitors their writes/frees touch.
type Player struct {
	store *Store
}

func NewPlayer(store *Store) *Player {
	return &Player{store: store}
}

// Commit replays ops in order, per spec §4.7's ordering: moves and
// create-address-page operations execute before writes; writes before
// frees; frees before terminate.
func (pl *Player) Commit(ops []Op) error {
	var moves, creates, writes, frees, temporaries, truncates, copies []Op
	for _, op := range ops {
		switch op.Kind {
		case OpMovePage:
			moves = append(moves, op)
		case OpCreateAddressPage:
			creates = append(creates, op)
		case OpWrite:
			writes = append(writes, op)
		case OpFree:
			frees = append(frees, op)
		case OpTemporary:
			temporaries = append(temporaries, op)
		case OpTruncate:
			truncates = append(truncates, op)
		case OpCopyBlock:
			copies = append(copies, op)
		case OpCommit, OpTerminate, OpCheckpoint:
			// no-ops at replay time beyond sequencing
		}
	}

	for _, op := range moves {
		if err := pl.applyMovePage(op); err != nil {
			return err
		}
	}
	for _, op := range creates {
		if err := pl.applyCreateAddressPage(op); err != nil {
			return err
		}
	}
	for _, op := range writes {
		if err := pl.applyWrite(op); err != nil {
			return err
		}
	}
	for _, op := range temporaries {
		if err := pl.store.temporary.Add(op.RefSlot, op.Address); err != nil {
			return err
		}
	}
	for _, op := range frees {
		if err := pl.applyFree(op); err != nil {
			return err
		}
	}
	// Truncate must land before its page's CopyBlock ops (spec §4.8 step 2);
	// a vacuum journal never mixes these with writes/frees from other
	// mutators, so ordering against the groups above doesn't matter.
	for _, op := range truncates {
		if err := pl.applyTruncate(op); err != nil {
			return err
		}
	}
	for _, op := range copies {
		if err := pl.applyCopyBlock(op); err != nil {
			return err
		}
	}
	return nil
}

// applyMovePage copies the user block page verbatim to `to` and registers
// the relocation; idempotent under truncation because it is a verbatim
// re-copy (spec §4.7).
func (pl *Player) applyMovePage(op Op) error {
	fromFrame, err := pl.store.sheaf.Get(pl.store.boundary.Adjust(op.From))
	if err != nil {
		return err
	}
	toFrame, err := pl.store.sheaf.Get(op.To)
	if err != nil {
		pl.store.sheaf.Unpin(fromFrame, false)
		return err
	}
	copy(toFrame.data, fromFrame.data)
	pl.store.sheaf.Unpin(fromFrame, false)
	pl.store.sheaf.Unpin(toFrame, true)
	pl.store.boundary.RecordMove(op.From, op.To)
	return nil
}

// applyCreateAddressPage zeroes pos and promotes it to an address page,
// advancing the address boundary (spec §4.7). Re-zeroing makes it
// idempotent under a crash-and-replay.
func (pl *Player) applyCreateAddressPage(op Op) error {
	if op.Mirror != 0 {
		// the prior occupant must already have been relocated to Mirror
		// by a MovePage in this same journal; nothing further to verify
		// here beyond the move map already having from→mirror.
	}
	frame, err := pl.store.sheaf.Get(op.Pos)
	if err != nil {
		return err
	}
	ap := newAddressPage(frame)
	ap.Zero(pl.store.pageSize)
	pl.store.sheaf.Unpin(frame, true)
	pl.store.boundary.Increment()
	pl.store.addrPool.Seed(op.Pos)
	return nil
}

// applyWrite copies the block from interim page op.Src into a user block
// page chosen by best-fit over the committed by-remaining table, then sets
// the address slot to the destination (spec §4.7).
func (pl *Player) applyWrite(op Op) error {
	pl.store.addressLocker.Latch(op.Address)
	defer pl.store.addressLocker.Unlatch(op.Address)

	srcFrame, err := pl.store.sheaf.Get(op.Src)
	if err != nil {
		return err
	}
	srcPage := newBlockPage(srcFrame)
	rec, ok := srcPage.FindByBackRef(pl.store.pageSize, op.Address)
	if !ok {
		pl.store.sheaf.Unpin(srcFrame, false)
		return errf(ErrCorrupt, "interim page %d missing block for address %d", op.Src, op.Address)
	}
	payloadLen := rec.Size - blockHeaderSize
	payload := make([]byte, payloadLen)
	copy(payload, srcPage.Payload(rec))
	pl.store.sheaf.Unpin(srcFrame, false)

	destPos, err := pl.store.findOrAllocateUserPage(payloadLen)
	if err != nil {
		return err
	}
	destFrame, err := pl.store.sheaf.Get(destPos)
	if err != nil {
		return err
	}
	destFrame.monitor.Lock()
	destPage := newBlockPage(destFrame)
	before := destPage.Remaining(pl.store.pageSize)
	newRec := destPage.AppendBlock(pl.store.pageSize, payloadLen, op.Address)
	destPage.WritePayload(newRec.Offset, payload)
	destPage.MarkUser()
	after := destPage.Remaining(pl.store.pageSize)
	destFrame.monitor.Unlock()
	pl.store.sheaf.Unpin(destFrame, true)

	if err := pl.store.byRemaining.Remove(destPos, before); err != nil {
		return err
	}
	if err := pl.store.byRemaining.Add(destPos, after); err != nil {
		return err
	}

	apPos := pageAlignedStart(op.Address, pl.store.pageSize)
	apFrame, err := pl.store.sheaf.Get(apPos)
	if err != nil {
		return err
	}
	newAddressPage(apFrame).Set(slotIndexForAddress(op.Address, apPos), destPos)
	pl.store.sheaf.Unpin(apFrame, true)
	return nil
}

// applyFree looks up the block's current page, latches the address in the
// address locker (so a concurrent reallocating commit cannot complete
// before this free lands), marks the block free, and clears the slot (spec
// §4.7, §5).
func (pl *Player) applyFree(op Op) error {
	pl.store.addressLocker.Latch(op.Address)
	defer pl.store.addressLocker.Unlatch(op.Address)

	apPos := pageAlignedStart(op.Address, pl.store.pageSize)
	apFrame, err := pl.store.sheaf.Get(apPos)
	if err != nil {
		return err
	}
	ap := newAddressPage(apFrame)
	idx := slotIndexForAddress(op.Address, apPos)
	slot := ap.Get(idx)
	if slot == addrFree {
		pl.store.sheaf.Unpin(apFrame, false)
		return nil // already applied (idempotent replay)
	}

	pagePos := pl.store.boundary.Adjust(slot)
	frame, err := pl.store.sheaf.Get(pagePos)
	if err != nil {
		pl.store.sheaf.Unpin(apFrame, false)
		return err
	}
	frame.monitor.Lock()
	bp := newBlockPage(frame)
	before := bp.Remaining(pl.store.pageSize)
	if rec, ok := bp.FindByBackRef(pl.store.pageSize, op.Address); ok {
		bp.FreeBlock(rec.Offset)
	}
	after := bp.Remaining(pl.store.pageSize)
	frame.monitor.Unlock()
	pl.store.sheaf.Unpin(frame, true)

	ap.Set(idx, addrFree)
	pl.store.sheaf.Unpin(apFrame, true)

	pl.store.noteFreed(pagePos)

	if err := pl.store.byRemaining.Remove(pagePos, before); err != nil {
		return err
	}
	return pl.store.byRemaining.Add(pagePos, after)
}

// applyTruncate drops every block from the first freed record onward,
// keeping only the contiguous live prefix up to and including op.Address
// (0 meaning drop everything), then zeroes the tail (spec §4.8 step 2,
// §4.7's Truncate(blockPage,lastAddress) idempotence note). Re-running it
// against an already-truncated page is a no-op: the scan still stops at
// op.Address (or at the first free record, which no longer exists) and
// rewrites the same bytes.
func (pl *Player) applyTruncate(op Op) error {
	frame, err := pl.store.sheaf.Get(op.Pos)
	if err != nil {
		return err
	}
	frame.monitor.Lock()
	bp := newBlockPage(frame)
	var keep []BlockRecord
	if op.Address != 0 {
		bp.Iterate(pl.store.pageSize, func(r BlockRecord) bool {
			if r.Free {
				return false
			}
			keep = append(keep, r)
			return r.BackRef != op.Address
		})
	}
	bp.setCount(len(keep), true)
	tailOff := blockPageHeaderSize
	for _, r := range keep {
		tailOff = r.Offset + r.Size
	}
	for i := tailOff; i < int(pl.store.pageSize); i++ {
		frame.data[i] = 0
	}
	frame.monitor.Unlock()
	pl.store.sheaf.Unpin(frame, true)
	return nil
}

// applyCopyBlock appends the block addressed by op.Address from the durable
// mirror page op.Src onto the tail of op.Pos (spec §4.8 step 2: "one copy
// operation per live block"). Idempotent under replay: if op.Pos already
// holds a live record for op.Address the append is skipped.
func (pl *Player) applyCopyBlock(op Op) error {
	srcFrame, err := pl.store.sheaf.Get(op.Src)
	if err != nil {
		return err
	}
	srcPage := newBlockPage(srcFrame)
	rec, ok := srcPage.FindByBackRef(pl.store.pageSize, op.Address)
	if !ok {
		pl.store.sheaf.Unpin(srcFrame, false)
		return errf(ErrCorrupt, "vacuum mirror page %d missing block for address %d", op.Src, op.Address)
	}
	payloadLen := rec.Size - blockHeaderSize
	payload := make([]byte, payloadLen)
	copy(payload, srcPage.Payload(rec))
	pl.store.sheaf.Unpin(srcFrame, false)

	destFrame, err := pl.store.sheaf.Get(op.Pos)
	if err != nil {
		return err
	}
	destFrame.monitor.Lock()
	destPage := newBlockPage(destFrame)
	if _, already := destPage.FindByBackRef(pl.store.pageSize, op.Address); already {
		destFrame.monitor.Unlock()
		pl.store.sheaf.Unpin(destFrame, false)
		return nil
	}
	newRec := destPage.AppendBlock(pl.store.pageSize, payloadLen, op.Address)
	destPage.WritePayload(newRec.Offset, payload)
	destPage.MarkUser()
	destFrame.monitor.Unlock()
	pl.store.sheaf.Unpin(destFrame, true)
	return nil
}
