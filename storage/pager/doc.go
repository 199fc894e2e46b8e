// Package pager implements a paged-file storage engine: a bounded,
// in-memory cache of fixed 1024-byte pages over a single database file,
// with a write-ahead rollback journal for atomic commit/rollback and a
// nested checkpoint journal for sub-transactions.
//
// # Overview
//
// The pager sits between the tree layer (storage/btree) and the
// operating system's file I/O, providing page-based I/O, caching, atomic
// commits, and a three-state lock machine.
//
// # Page Management
//
//   - Pages are 1024 bytes, 1-indexed.
//   - Reference counting prevents premature eviction: a page is only
//     evictable once its ref count drops to zero.
//   - Dirty pages are tracked so Commit only has to flush what changed.
//   - The cache supports two eviction policies, selected at Open:
//     FirstNonDirty scans the free list for the first clean page; LRU
//     evicts whichever unreferenced page was least recently touched.
//
// # Transactions
//
// Write transactions use a rollback journal for atomicity:
//
//  1. Begin: acquire the write lock, open the journal, write its header.
//  2. Write: before a page is first modified, its pre-image is appended
//     to the journal.
//  3. Commit: flush dirty pages, sync, delete the journal, drop to the
//     read lock.
//  4. Rollback: replay the journal's pre-images back onto the database
//     file, delete the journal, drop to the read lock.
//
// # Checkpoints
//
// A checkpoint is a second, independent journal opened inside an already
// open write transaction (CkptBegin). CkptCommit keeps the checkpoint's
// writes as part of the enclosing transaction and discards the
// checkpoint journal. CkptRollback replays the checkpoint journal to
// undo just the writes made since CkptBegin, then commits to clear the
// checkpoint state, leaving the enclosing transaction open.
//
// # Pager States
//
// The pager implements a three-state lock machine:
//
//	Unlocked -> ReadLock -> WriteLock -> ReadLock -> Unlocked
//
// The last outstanding page reference being released drops the pager
// back to Unlocked.
package pager
