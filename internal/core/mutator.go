package core

import (
	"context"
	"sort"
	"sync"
)

type mutatorState int

const (
	mutatorOpen mutatorState = iota
	mutatorTerminal
)

// addrEntry records where a mutator's isolated copy of a block currently
// lives. allocated distinguishes a fresh allocation (spec §4.6: "negative
// key") from a copy-on-write of a pre-existing address ("positive key") —
// the sign convention from spec.md is preserved as a boolean rather than
// folded into the map key, since Go map keys need no artificial encoding
// to stay ordered for iteration (commit sorts explicitly, see below).
type addrEntry struct {
	interim   *pageFrame
	allocated bool
}

// Mutator is the per-transaction isolation buffer of spec §4.6: private
// journal, private interim-page bookkeeping, and temporary/address
// bookkeeping sets, all thrown away on rollback or folded into the store on
// commit.
type Mutator struct {
	store *Store

	mu        sync.Mutex
	state     mutatorState
	addresses map[Address]*addrEntry
	journal   *Journal

	acquiredAddrPages map[Position]bool
	tempRefs          map[Address]Position // address -> reserved reference slot, pending commit
	interimPages      []*pageFrame         // every interim page this mutator touched, for pool return
}

func newMutator(store *Store) *Mutator {
	return &Mutator{
		store:             store,
		addresses:         make(map[Address]*addrEntry),
		acquiredAddrPages: make(map[Position]bool),
		tempRefs:          make(map[Address]Position),
		journal:           NewJournal(store.interim, store.pageSize),
	}
}

// Clear resets a terminal mutator for reuse (spec §4.6).
func (m *Mutator) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = mutatorOpen
	m.addresses = make(map[Address]*addrEntry)
	m.acquiredAddrPages = make(map[Position]bool)
	m.tempRefs = make(map[Address]Position)
	m.interimPages = nil
	m.journal = NewJournal(m.store.interim, m.store.pageSize)
}

func (m *Mutator) requireOpen() error {
	if m.state != mutatorOpen {
		return errf(ErrCorrupt, "mutator is terminal")
	}
	return nil
}

// Allocate reserves an address slot and an interim block page for a new
// block of blockSize bytes (spec §4.6).
func (m *Mutator) Allocate(blockSize int) (Address, error) {
	m.store.pageMoveLock.RLock()
	defer m.store.pageMoveLock.RUnlock()
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.requireOpen(); err != nil {
		return 0, err
	}
	if blockSize < 0 || uint32(blockSize) > m.store.MaximumBlockSize() {
		return 0, errf(ErrUnsupported, "block size %d exceeds page body", blockSize)
	}

	addrPagePos, slotIdx, err := m.store.addrPool.Acquire()
	if err != nil {
		return 0, err
	}
	m.acquiredAddrPages[addrPagePos] = true
	addr := addrPagePos + Position(slotIdx*addressSlotSize)

	frame, err := m.allocateInterimBlock(blockSize, 0)
	if err != nil {
		return 0, err
	}

	m.addresses[addr] = &addrEntry{interim: frame, allocated: true}
	return addr, nil
}

// allocateInterimBlock best-fits an interim page already touched by this
// mutator, or requests a fresh one (spec §4.6: "Best-fit an interim block
// page; otherwise request a new interim page").
func (m *Mutator) allocateInterimBlock(payloadLen int, backRef Address) (*pageFrame, error) {
	need := blockHeaderSize + payloadLen
	var best *pageFrame
	bestRemaining := 0
	for _, f := range m.interimPages {
		bp := newBlockPage(f)
		if bp.IsUser() {
			continue
		}
		if r := bp.Remaining(m.store.pageSize); r >= need && (best == nil || r < bestRemaining) {
			best, bestRemaining = f, r
		}
	}
	if best != nil {
		newBlockPage(best).AppendBlock(m.store.pageSize, payloadLen, backRef)
		return best, nil
	}
	frame, err := m.store.interim.NewBlank(false)
	if err != nil {
		return nil, err
	}
	bp := newBlockPage(frame)
	bp.setCount(0, false)
	bp.AppendBlock(m.store.pageSize, payloadLen, backRef)
	m.interimPages = append(m.interimPages, frame)
	return frame, nil
}

// Write overwrites address's contents (spec §4.6).
func (m *Mutator) Write(address Address, src []byte) error {
	m.store.pageMoveLock.RLock()
	defer m.store.pageMoveLock.RUnlock()
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.requireOpen(); err != nil {
		return err
	}

	if entry, ok := m.addresses[address]; ok {
		bp := newBlockPage(entry.interim)
		rec, found := bp.FindByBackRef(m.store.pageSize, address)
		if !found {
			return errf(ErrCorrupt, "isolated copy of address %d missing", address)
		}
		if len(src) > rec.Size-blockHeaderSize {
			return errf(ErrOverflow, "write of %d bytes exceeds block capacity %d", len(src), rec.Size-blockHeaderSize)
		}
		bp.WritePayload(rec.Offset, src)
		return nil
	}

	apPos := pageAlignedStart(address, m.store.pageSize)
	slotIdx := slotIndexForAddress(address, apPos)
	frame, bp, rec, err := m.store.boundary.Dereference(apPos, slotIdx, address)
	if err != nil {
		return err
	}
	payloadLen := rec.Size - blockHeaderSize
	m.store.sheaf.Unpin(frame, false)

	if len(src) > payloadLen {
		return errf(ErrOverflow, "write of %d bytes exceeds block capacity %d", len(src), payloadLen)
	}

	// read-through: stage a fresh interim copy of the block (spec §4.6),
	// then overwrite it with src — the original payload never needs to
	// be materialized since Write always replaces the whole block body.
	interim, err := m.allocateInterimBlock(payloadLen, address)
	if err != nil {
		return err
	}
	ibp := newBlockPage(interim)
	irec, _ := ibp.FindByBackRef(m.store.pageSize, address)
	ibp.WritePayload(irec.Offset, src)

	m.addresses[address] = &addrEntry{interim: interim, allocated: false}
	return nil
}

// Read returns the isolated (if this mutator wrote/allocated address) or
// committed contents of address (spec §4.6).
func (m *Mutator) Read(address Address, dst []byte) ([]byte, error) {
	m.store.pageMoveLock.RLock()
	defer m.store.pageMoveLock.RUnlock()
	m.mu.Lock()
	defer m.mu.Unlock()

	if entry, ok := m.addresses[address]; ok {
		bp := newBlockPage(entry.interim)
		rec, found := bp.FindByBackRef(m.store.pageSize, address)
		if !found {
			return nil, errf(ErrCorrupt, "isolated copy of address %d missing", address)
		}
		return copyOut(bp.Payload(rec), dst), nil
	}

	apPos := pageAlignedStart(address, m.store.pageSize)
	slotIdx := slotIndexForAddress(address, apPos)
	frame, bp, rec, err := m.store.boundary.Dereference(apPos, slotIdx, address)
	if err != nil {
		return nil, err
	}
	defer m.store.sheaf.Unpin(frame, false)
	return copyOut(bp.Payload(rec), dst), nil
}

func copyOut(src, dst []byte) []byte {
	if cap(dst) >= len(src) {
		dst = dst[:len(src)]
		copy(dst, src)
		return dst
	}
	out := make([]byte, len(src))
	copy(out, src)
	return out
}

// SetTemporary flags address as temporary (spec §3, §6).
func (m *Mutator) SetTemporary(address Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireOpen(); err != nil {
		return err
	}
	if _, ok := m.tempRefs[address]; ok {
		return nil
	}
	slot, err := m.store.temporary.Reserve()
	if err != nil {
		return err
	}
	m.tempRefs[address] = slot
	return nil
}

// Free marks address for release (spec §4.6).
func (m *Mutator) Free(address Address) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireOpen(); err != nil {
		return err
	}
	for _, addr := range m.store.staticBlocks {
		if addr == address {
			return errf(ErrFreedStaticAddress, "address %d is a static block", address)
		}
	}

	if entry, ok := m.addresses[address]; ok && entry.allocated {
		bp := newBlockPage(entry.interim)
		if rec, found := bp.FindByBackRef(m.store.pageSize, address); found {
			bp.FreeBlock(rec.Offset)
		}
		apPos := pageAlignedStart(address, m.store.pageSize)
		frame, err := m.store.sheaf.Get(apPos)
		if err != nil {
			return err
		}
		newAddressPage(frame).Set(slotIndexForAddress(address, apPos), addrFree)
		m.store.sheaf.Unpin(frame, true)
		m.store.addrPool.Return(apPos)
		delete(m.addresses, address)
		return nil
	}

	return m.journal.Append(Op{Kind: OpFree, Address: address})
}

// Commit durably applies every allocation, write, and free recorded by this
// mutator (spec §4.6, §4.7).
func (m *Mutator) Commit() error {
	m.store.pageMoveLock.RLock()
	defer m.store.pageMoveLock.RUnlock()
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.requireOpen(); err != nil {
		return err
	}

	keys := make([]Address, 0, len(m.addresses))
	for addr := range m.addresses {
		keys = append(keys, addr)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	for _, addr := range keys {
		entry := m.addresses[addr]
		if err := m.journal.Append(Op{Kind: OpWrite, Address: addr, Src: entry.interim.pos}); err != nil {
			return err
		}
	}
	for addr, slot := range m.tempRefs {
		if err := m.journal.Append(Op{Kind: OpTemporary, Address: addr, RefSlot: slot}); err != nil {
			return err
		}
	}
	m.journal.Terminate()

	ctx := context.Background()
	idx, err := m.store.headerPool.Claim(ctx)
	if err != nil {
		return err
	}

	if err := m.store.sheaf.Flush(true); err != nil {
		return err
	}
	if err := m.store.headerPool.Write(idx, m.journal.Start()); err != nil {
		return err
	}

	ops, err := ReadOps(m.store.sheaf, m.journal.Start())
	if err != nil {
		return err
	}
	player := NewPlayer(m.store)
	if err := player.Commit(ops); err != nil {
		return err
	}

	for pos := range m.acquiredAddrPages {
		m.store.addrPool.Return(pos)
	}
	for _, f := range m.interimPages {
		m.store.interim.Free(f.pos)
	}
	for _, f := range m.journal.Pages() {
		m.store.interim.Free(f.pos)
	}
	if err := m.store.headerPool.Release(idx); err != nil {
		return err
	}

	m.state = mutatorTerminal
	return nil
}

// Rollback discards every allocation, write and free recorded by this
// mutator (spec §4.6).
func (m *Mutator) Rollback() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.requireOpen(); err != nil {
		return err
	}

	for addr, entry := range m.addresses {
		if !entry.allocated {
			continue
		}
		apPos := pageAlignedStart(addr, m.store.pageSize)
		frame, err := m.store.sheaf.Get(apPos)
		if err == nil {
			newAddressPage(frame).Set(slotIndexForAddress(addr, apPos), addrFree)
			m.store.sheaf.Unpin(frame, true)
		}
	}
	for pos := range m.acquiredAddrPages {
		m.store.addrPool.Return(pos)
	}
	for _, slot := range m.tempRefs {
		_ = m.store.temporary.Clear(slot)
	}
	if err := m.store.sheaf.Flush(true); err != nil {
		return err
	}
	for _, f := range m.interimPages {
		m.store.interim.Free(f.pos)
	}
	for _, f := range m.journal.Pages() {
		m.store.interim.Free(f.pos)
	}

	m.state = mutatorTerminal
	return nil
}
