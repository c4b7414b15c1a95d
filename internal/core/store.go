package core

import (
	"context"
	"encoding/binary"
	"sync"
)

// Options configures a freshly created pack file. File creation itself is
// out of THE CORE's scope (spec §1); an opener builds a Store from a
// decoded Header plus these options and hands it to pack.Open.
type Options struct {
	PageSize          uint32
	Alignment         uint32
	JournalHeaderSlots int
	AddressPoolTarget int
}

// Store owns every service THE CORE is built from (spec §2's component
// table), wired as an arena rather than through back-pointers into a
// shared "bouquet" holder (design note): each component receives the
// narrow collaborator handles it needs.
type Store struct {
	sheaf     *Sheaf
	header    *Header
	pageSize  uint32
	alignment uint32

	boundary      *AddressBoundary
	addrPool      *AddressPagePool
	interim       *InterimPool
	byRemaining   *ByRemaining
	temporary     *TemporaryPool
	addressLocker *AddressLocker
	headerPool    *HeaderPool

	pageMoveLock sync.RWMutex
	vacuumMu     sync.Mutex

	vacuumMu2        sync.Mutex
	vacuumCandidates map[Position]bool

	staticBlocks map[string]Address

	headerBase Position // byte position of the journal-header-slot table
}

// NewStore assembles a Store over an already-open sheaf and decoded
// header. Address-region expansion (spec §4.9) is wired back into the
// address-page pool as its `expand` callback.
func NewStore(sheaf *Sheaf, header *Header, staticBlocks map[string]Address) *Store {
	st := &Store{
		sheaf:        sheaf,
		header:       header,
		pageSize:     header.PageSize,
		alignment:    header.Alignment,
		staticBlocks: staticBlocks,
		headerBase:   Position(HeaderWireSize),
	}
	st.boundary = NewAddressBoundary(sheaf, st.pageSize, header.UserBoundary)
	st.interim = NewInterimPool(sheaf, st.pageSize)
	st.byRemaining = NewByRemaining(sheaf, st.interim, st.pageSize, st.alignment, header.ByRemainingRoot)
	st.temporary = NewTemporaryPool(sheaf, st.interim, st.pageSize, header.FirstTemporaryRefPage)
	st.addressLocker = NewAddressLocker()
	st.headerPool = NewHeaderPool(sheaf, st.headerBase, int(header.JournalHeaderCount))
	st.addrPool = NewAddressPagePool(sheaf, st.pageSize, st.boundary, int(header.AddressPoolTarget), &st.pageMoveLock, st.expandAddressRegion)
	return st
}

func (st *Store) PageSize() uint32 { return st.pageSize }
func (st *Store) Alignment() uint32 { return st.alignment }

// MaximumBlockSize is the largest payload allocate() accepts: a block must
// fit with its header inside one page (spec §9 Open Question (a), option
// (a): chained blocks are not implemented).
func (st *Store) MaximumBlockSize() uint32 {
	return st.pageSize - blockPageHeaderSize - blockHeaderSize
}

func (st *Store) StaticBlocks() map[string]Address { return st.staticBlocks }

func (st *Store) TemporaryAddresses() []Address {
	addrs, err := st.temporary.All()
	if err != nil {
		return nil
	}
	return addrs
}

// NewMutator starts a fresh per-transaction mutator (spec §4.6).
func (st *Store) NewMutator() *Mutator {
	return newMutator(st)
}

// findOrAllocateUserPage returns a user page with room for payloadLen
// bytes, allocating a fresh interim page (promoted at the caller's
// discretion) when no existing page fits (spec §4.6 allocate/§4.7 Write).
func (st *Store) findOrAllocateUserPage(payloadLen int) (Position, error) {
	pos, err := st.byRemaining.BestFit(payloadLen)
	if err != nil {
		return 0, err
	}
	if pos != 0 {
		return pos, nil
	}
	frame, err := st.interim.NewBlank(true)
	if err != nil {
		return 0, err
	}
	bp := newBlockPage(frame)
	bp.setCount(0, false)
	bp.MarkUser()
	st.sheaf.Unpin(frame, true)
	return frame.pos, nil
}

// Close flushes dirty pages, fsyncs, and marks the header SOFT so a
// subsequent Open knows the file was closed cleanly (spec §6: "Open rejects
// files whose shutdown flag is HARD"). Waits for in-flight commits via the
// page-move lock's write mode (spec §5).
//
// This does not yet build spec §6's trailing reopen region (collecting
// address pages with free slots and block pages with remaining space ahead
// of the truncation point for the next Open to reuse immediately); that is
// an optimization over a cold Open re-deriving the same candidates from the
// by-remaining index and address pool, not a correctness requirement, and
// is tracked as a follow-up rather than implemented here.
func (st *Store) Close() error {
	st.pageMoveLock.Lock()
	defer st.pageMoveLock.Unlock()

	if err := st.sheaf.Flush(true); err != nil {
		return err
	}
	if err := st.writeShutdownFlag(ShutdownSoft); err != nil {
		return err
	}
	return st.sheaf.Force()
}

// writeShutdownFlag overwrites the header's shutdown field in place (spec
// §6 field layout: signature(8) shutdown(4)) without touching the rest of
// the header, and updates the in-memory copy to match.
func (st *Store) writeShutdownFlag(flag uint32) error {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, flag)
	if _, err := st.sheaf.backend.WriteAt(buf, 8); err != nil {
		return errf(ErrIoWrite, "shutdown flag: %v", err)
	}
	st.header.Shutdown = flag
	return nil
}

// Vacuum drives one pass of the compaction protocol under the vacuum mutex
// (spec §4.8, §5).
func (st *Store) Vacuum(ctx context.Context) error {
	st.vacuumMu.Lock()
	defer st.vacuumMu.Unlock()

	st.pageMoveLock.RLock()
	defer st.pageMoveLock.RUnlock()

	coord := NewVacuumCoordinator(st)
	return coord.Run(ctx)
}
