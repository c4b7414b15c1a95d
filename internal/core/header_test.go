package core

import "testing"

func TestHeaderEncodeDecodeRoundTrip(t *testing.T) {
	h := &Header{
		Signature:              Signature,
		Shutdown:               ShutdownSoft,
		PageSize:               4096,
		Alignment:              16,
		JournalHeaderCount:     8,
		StaticBlocksRegionSize: 64,
		HeaderSize:             HeaderWireSize,
		AddressPoolTarget:      4,
		UserBoundary:           Position(1 << 20),
		EndOfSheafOnSoft:       Position(1 << 21),
		FirstTemporaryRefPage:  Position(4096 * 3),
		ByRemainingRoot:        Position(4096 * 2),
		Reserved:               0,
	}
	buf := h.Encode()
	if len(buf) != HeaderWireSize {
		t.Fatalf("Encode() length = %d, want %d", len(buf), HeaderWireSize)
	}

	got, err := DecodeHeader(buf)
	if err != nil {
		t.Fatalf("DecodeHeader: %v", err)
	}
	if *got != *h {
		t.Fatalf("round trip mismatch:\n got  %+v\n want %+v", *got, *h)
	}
}

func TestDecodeHeaderRejectsBadSignature(t *testing.T) {
	h := &Header{Signature: [8]byte{'n', 'o', 'p', 'e', 'n', 'o', 'p', 'e'}, PageSize: 4096}
	buf := h.Encode()
	_, err := DecodeHeader(buf)
	if !IsKind(err, ErrSignature) {
		t.Fatalf("DecodeHeader with bad signature: err = %v, want ErrSignature", err)
	}
}

func TestDecodeHeaderRejectsHardShutdown(t *testing.T) {
	h := &Header{Signature: Signature, Shutdown: ShutdownHard, PageSize: 4096}
	buf := h.Encode()
	_, err := DecodeHeader(buf)
	if !IsKind(err, ErrShutdown) {
		t.Fatalf("DecodeHeader with hard shutdown: err = %v, want ErrShutdown", err)
	}
}

func TestDecodeHeaderRejectsShortBuffer(t *testing.T) {
	_, err := DecodeHeader(make([]byte, HeaderWireSize-1))
	if !IsKind(err, ErrHeaderCorrupt) {
		t.Fatalf("DecodeHeader with short buffer: err = %v, want ErrHeaderCorrupt", err)
	}
}
