package core

import (
	"encoding/binary"
)

// Signature is the bit-exact magic THE CORE expects at offset 0 (spec §6).
var Signature = [8]byte{'p', 'a', 'c', 'k', 'f', 'i', 'l', 'e'}

const (
	ShutdownSoft uint32 = 0xAAAAAAAA
	ShutdownHard uint32 = 0x55555555
)

// Header is the fixed file header laid out bit-exact per spec §6:
//
//	signature(8) shutdown(4) pageSize(4) alignment(4) journalCount(4)
//	staticBlocksSize(4) headerSize(4) addrPoolTarget(4) userBoundary(8)
//	eosOnSoftShutdown(8) firstTemporaryRefPage(8) byRemainingRoot(8)
//	reserved(8)
type Header struct {
	Signature              [8]byte
	Shutdown               uint32
	PageSize               uint32
	Alignment              uint32
	JournalHeaderCount     uint32
	StaticBlocksRegionSize uint32
	HeaderSize             uint32
	AddressPoolTarget      uint32
	UserBoundary           Position
	EndOfSheafOnSoft       Position
	FirstTemporaryRefPage  Position
	ByRemainingRoot        Position
	Reserved               uint64
}

// HeaderWireSize is the exact on-disk size of Header, per the field list in
// spec §6: 8 + 4*7 + 8*4 + 8.
const HeaderWireSize = 8 + 4*7 + 8*4 + 8

// Encode writes h in the bit-exact wire format.
func (h *Header) Encode() []byte {
	buf := make([]byte, HeaderWireSize)
	off := 0
	copy(buf[off:off+8], h.Signature[:])
	off += 8
	binary.LittleEndian.PutUint32(buf[off:], h.Shutdown)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], h.PageSize)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], h.Alignment)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], h.JournalHeaderCount)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], h.StaticBlocksRegionSize)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], h.HeaderSize)
	off += 4
	binary.LittleEndian.PutUint32(buf[off:], h.AddressPoolTarget)
	off += 4
	binary.LittleEndian.PutUint64(buf[off:], uint64(h.UserBoundary))
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], uint64(h.EndOfSheafOnSoft))
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], uint64(h.FirstTemporaryRefPage))
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], uint64(h.ByRemainingRoot))
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], h.Reserved)
	return buf
}

// DecodeHeader reads a Header from its bit-exact wire format.
func DecodeHeader(buf []byte) (*Header, error) {
	if len(buf) < HeaderWireSize {
		return nil, errf(ErrHeaderCorrupt, "short header: %d bytes", len(buf))
	}
	h := &Header{}
	off := 0
	copy(h.Signature[:], buf[off:off+8])
	off += 8
	h.Shutdown = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	h.PageSize = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	h.Alignment = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	h.JournalHeaderCount = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	h.StaticBlocksRegionSize = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	h.HeaderSize = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	h.AddressPoolTarget = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	h.UserBoundary = Position(binary.LittleEndian.Uint64(buf[off:]))
	off += 8
	h.EndOfSheafOnSoft = Position(binary.LittleEndian.Uint64(buf[off:]))
	off += 8
	h.FirstTemporaryRefPage = Position(binary.LittleEndian.Uint64(buf[off:]))
	off += 8
	h.ByRemainingRoot = Position(binary.LittleEndian.Uint64(buf[off:]))
	off += 8
	h.Reserved = binary.LittleEndian.Uint64(buf[off:])

	if h.Signature != Signature {
		return nil, errf(ErrSignature, "not a pack file")
	}
	if h.Shutdown == ShutdownHard {
		return nil, errf(ErrShutdown, "hard shutdown: recovery required")
	}
	return h, nil
}
