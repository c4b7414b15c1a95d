package core

// Recover replays every journal still referenced by a claimed-but-unreleased
// header slot (spec §9 open question (b): a hard shutdown can leave a
// commit's journal written and fsynced — its linearization point already
// passed — but never replayed). It must run before any mutator opens
// against the store, with no other goroutine touching it.
//
// THE CORE only supplies this replay step; deciding when a file needs it
// (detecting the header's hard-shutdown flag, see Header.Shutdown) is the
// opener's policy (see pack.Medic), not THE CORE's (spec §1).
func Recover(st *Store) error {
	player := NewPlayer(st)
	for idx := 0; idx < st.headerPool.count; idx++ {
		start, err := st.headerPool.Read(idx)
		if err != nil {
			return err
		}
		if start == 0 {
			continue
		}
		ops, err := ReadOps(st.sheaf, start)
		if err != nil {
			return err
		}
		if err := player.Commit(ops); err != nil {
			return err
		}
		if err := st.headerPool.ClearSlot(idx); err != nil {
			return err
		}
	}
	return st.sheaf.Flush(true)
}
