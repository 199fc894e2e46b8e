// Package btree implements a balanced multiway tree of ordered
// byte-string keys to byte-string values, built on top of storage/pager.
// A tree is identified by the page number of its root (returned by
// CreateTable); cursors walk one tree in key order and drive insertion,
// lookup, and deletion, triggering node splits and merges as needed to
// keep every page within its capacity.
//
// # Node layout
//
// Each tree node occupies one pager page: an 8-byte header (right child,
// first cell offset, first free-block offset) followed by a slotted
// arrangement of variable-length cells threaded through on-disk "next
// cell" offsets, with whatever space the cells don't use tracked as a
// linked list of free blocks.
//
// # Overflow and free pages
//
// A cell whose key and value together exceed MaxLocalPayload (a quarter
// of the usable page space less the cell header overhead) keeps its
// header and the first MaxLocalPayload bytes of key followed by value on
// the node page; the value's tail is written to a chain of overflow
// pages. Freed pages (from a dropped
// table, a cleared overflow chain, or a page emptied by a merge) are
// threaded onto a free-list of trunk pages rooted at the database
// header (page 1), and allocation drains that list before growing the
// file.
//
// # Balance
//
// After an insert or delete, a non-root node that is overfull, has at
// least half its usable space free, or holds fewer than two cells is
// rebalanced together with
// up to two of its siblings: their cells and the divider cells between
// them are pooled, the old pages are freed, and the pool is repacked
// across freshly allocated pages with new divider cells promoted into the
// parent. The walk then continues with the parent. An overfull root is
// demoted into a new child so the same repacking can split it, and an
// empty root whose only remaining pointer is its right child collapses by
// adopting that child's contents, shrinking the tree by one level.
package btree
