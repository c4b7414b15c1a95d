// Package pack implements an embedded, single-file, block-oriented storage
// engine. Callers allocate, read, write, and free variable-sized byte blocks
// identified by stable long-integer addresses; the engine is free to relocate
// the underlying bytes (compaction, address-region growth) without
// invalidating the addresses it has handed out.
//
// The file-header bootstrap, recovery trigger, and public factory surface
// (the opener) are intentionally thin seams in this package — see Opener and
// Medic — callers outside this module are expected to wire them to a
// concrete file-creation policy.
package pack

import (
	"context"

	"github.com/ryogrid/packfile/internal/core"
)

// Pack is the programmatic surface of the storage engine (spec §6).
type Pack struct {
	store *core.Store
}

// Open wraps an already-bootstrapped core.Store into a Pack. File creation,
// header bootstrap and hard-shutdown detection live outside THE CORE (spec
// §1) and are the caller's responsibility via Opener.
func Open(store *core.Store) *Pack {
	return &Pack{store: store}
}

// Mutate starts a new per-transaction mutator bound to the calling
// goroutine (spec §4.6, §5).
func (p *Pack) Mutate() *Mutator {
	return &Mutator{m: p.store.NewMutator()}
}

// Vacuum runs one pass of the vacuum/compaction protocol (spec §4.8).
func (p *Pack) Vacuum(ctx context.Context) error {
	return p.store.Vacuum(ctx)
}

// Close flushes dirty pages and performs a soft shutdown (spec §6).
func (p *Pack) Close() error {
	return p.store.Close()
}

// GetStaticBlocks returns the URI-keyed static-block address map bound at
// file creation (spec §3).
func (p *Pack) GetStaticBlocks() map[string]core.Address {
	return p.store.StaticBlocks()
}

// GetPageSize returns the file's page size in bytes.
func (p *Pack) GetPageSize() uint32 { return p.store.PageSize() }

// GetAlignment returns the file's by-remaining bucket alignment in bytes.
func (p *Pack) GetAlignment() uint32 { return p.store.Alignment() }

// GetMaximumBlockSize returns the largest block payload allocate() accepts.
func (p *Pack) GetMaximumBlockSize() uint32 { return p.store.MaximumBlockSize() }

// TemporaryAddresses returns the set of addresses flagged temporary,
// surfaced by the opener on reopen (spec §3, §6).
func (p *Pack) TemporaryAddresses() []core.Address {
	return p.store.TemporaryAddresses()
}

// Mutator is the public, per-goroutine transaction handle (spec §4.6).
type Mutator struct {
	m *core.Mutator
}

// Allocate reserves a new address and an interim block page of blockSize
// bytes, returning the new stable address.
func (m *Mutator) Allocate(blockSize int) (core.Address, error) {
	return m.m.Allocate(blockSize)
}

// SetTemporary flags address as temporary; it will be surfaced by the
// opener on reopen until freed.
func (m *Mutator) SetTemporary(address core.Address) error {
	return m.m.SetTemporary(address)
}

// Write overwrites the block at address with buf, copy-on-write into an
// interim page if address was not allocated by this mutator.
func (m *Mutator) Write(address core.Address, buf []byte) error {
	return m.m.Write(address, buf)
}

// Read returns the committed (or, if this mutator wrote or allocated it,
// isolated) contents of address. If dst is non-nil it is reused as the
// destination buffer when it is large enough.
func (m *Mutator) Read(address core.Address, dst []byte) ([]byte, error) {
	return m.m.Read(address, dst)
}

// Free marks address for release. Addresses allocated by this mutator are
// released immediately; others are journaled and released at playback.
func (m *Mutator) Free(address core.Address) error {
	return m.m.Free(address)
}

// Commit durably applies every allocation, write and free recorded by this
// mutator (spec §4.6, §4.7).
func (m *Mutator) Commit() error {
	return m.m.Commit()
}

// Rollback discards every allocation, write and free recorded by this
// mutator, releasing any reserved address slots and interim pages.
func (m *Mutator) Rollback() error {
	return m.m.Rollback()
}

// Opener is the out-of-scope (spec §1) entry point a host application
// implements to bootstrap or reopen a pack file. THE CORE only consumes its
// result (a *core.Store) and, on hard shutdown, its Medic.
type Opener interface {
	Open(ctx context.Context, path string) (*Pack, error)
	Create(ctx context.Context, path string, opts core.Options) (*Pack, error)
}

// Medic is the recovery driver referenced but left unimplemented by spec
// §9's open question (b): THE CORE supplies replay semantics
// (core.Recover), but deciding when to invoke it against a hard-shutdown
// file is the opener's policy, not THE CORE's.
type Medic interface {
	Recover(ctx context.Context, path string) error
}
