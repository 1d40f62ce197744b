// Package anchorkv is an embeddable, memory-mapped key/value storage engine
// built on a copy-on-write B+tree with MVCC. One writer and any number of
// concurrent readers share a single data file through a shared memory
// mapping; readers never block the writer and the writer never blocks
// readers. Durability comes from atomically switching between a small ring
// of meta-pages, each carrying the root of the last transaction that
// committed.
//
// Key properties:
//   - copy-on-write B+tree with nested subtrees for sorted duplicates
//   - MVCC snapshot isolation: a reader's view is pinned to the meta-page
//     it observed at the start of its transaction
//   - single writer / many readers, coordinated by a reader-slot table
//     living in a companion lock file
//   - a free-space manager (the "GC") that retires pages under the
//     committing transaction's id and reclaims them once no live reader
//     can still see them
//   - crash safety via page spilling, dirty-list accounting, and a
//     two-phase meta-page write protocol
//
// Basic usage:
//
//	env, err := anchorkv.NewEnv(anchorkv.Default)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer env.Close()
//
//	if err := env.Open("/path/to/db", anchorkv.NoSubdir, 0644); err != nil {
//	    log.Fatal(err)
//	}
//
//	txn, err := env.BeginTxn(nil, 0)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	dbi, err := txn.OpenDBI("", anchorkv.Create, nil, nil)
//	if err != nil {
//	    txn.Abort()
//	    log.Fatal(err)
//	}
//
//	if err := txn.Put(dbi, []byte("key"), []byte("value"), 0); err != nil {
//	    txn.Abort()
//	    log.Fatal(err)
//	}
//
//	if _, err := txn.Commit(); err != nil {
//	    log.Fatal(err)
//	}
package anchorkv
