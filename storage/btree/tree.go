package btree

import (
	"sync"

	"github.com/FocuswithJustin/pagedb/internal/logging"
	"github.com/FocuswithJustin/pagedb/storage/pager"
	"github.com/FocuswithJustin/pagedb/storage/rc"
)

// firstPageNumber is the fixed location of the database header: the
// free-list trunk pointer, the free-page count, and the reserved meta
// ints. Mirrors the reference's use of page 1 as a fixed, never-freed
// root.
const firstPageNumber pager.PageNumber = 1

// reservedPageNumber is set aside for bookkeeping outside any table's tree
// the moment a database is first initialized, before any table exists.
// allocatePage never hands it out and freePage never returns it to the
// free-list trunk; a fresh database's first CreateTable therefore roots
// its table at page 3, not page 2. Mirrors NewDatabase's reservation of
// page 2 for the VDBE's own use.
const reservedPageNumber pager.PageNumber = 2

// Tree owns the pager beneath it and provides the multiway-tree
// operations that sit above a single page: table lifecycle, page
// allocation/free-list management, transaction delegation, and cursor
// bookkeeping. It is the Go analogue of btree.cc's Btree class, built as
// an explicit value instead of a process-wide singleton: callers that
// need one "the" tree construct it once at startup and pass it down,
// rather than reaching for a global accessor.
type Tree struct {
	mu     sync.Mutex
	pgr    *pager.Pager
	inTrans bool

	cursors      map[*Cursor]struct{}
	lockCountMap map[pager.PageNumber]int
}

// Open opens (creating if necessary) the database file at path and
// returns a ready-to-use Tree. A brand-new file has its header page
// stamped and is otherwise empty of tables.
func Open(path string, opts pager.Options) (*Tree, error) {
	pg, err := pager.Open(path, opts)
	if err != nil {
		return nil, err
	}
	t := &Tree{
		pgr:          pg,
		cursors:      make(map[*Cursor]struct{}),
		lockCountMap: make(map[pager.PageNumber]int),
	}
	if err := t.ensureHeader(); err != nil {
		pg.Close()
		return nil, err
	}
	return t, nil
}

// Close releases the underlying pager.
func (t *Tree) Close() error {
	return t.pgr.Close()
}

func (t *Tree) ensureHeader() error {
	p, err := t.pgr.Get(firstPageNumber)
	if err != nil {
		return err
	}
	defer t.pgr.Unref(p)
	f := wrapFirstPage(p)
	if f.hasCorrectMagic() {
		return nil
	}
	if err := t.pgr.Write(p); err != nil {
		return err
	}
	f.setDefault()

	rp, err := t.pgr.Get(reservedPageNumber)
	if err != nil {
		return err
	}
	defer t.pgr.Unref(rp)
	if err := t.pgr.Write(rp); err != nil {
		return err
	}
	for i := range rp.Image {
		rp.Image[i] = 0
	}

	return t.pgr.Commit()
}

// BeginTrans opens a write transaction on the underlying pager. Mirrors
// Btree::BeginTrans / Btree::LockBtree's role in acquiring the write
// lock before any page can be modified.
func (t *Tree) BeginTrans() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.inTrans {
		return nil
	}
	if err := t.pgr.Begin(); err != nil {
		return err
	}
	t.inTrans = true
	return nil
}

// Commit flushes and ends the current write transaction.
func (t *Tree) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.inTrans {
		return nil
	}
	err := t.pgr.Commit()
	t.inTrans = false
	return err
}

// Rollback discards every page written since BeginTrans.
func (t *Tree) Rollback() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.inTrans {
		return nil
	}
	err := t.pgr.Rollback()
	t.inTrans = false
	return err
}

// BeginCkpt, CommitCkpt and RollbackCkpt delegate directly to the pager's
// nested checkpoint sub-transaction; the tree layer has no state of its
// own to track across a checkpoint boundary.
func (t *Tree) BeginCkpt() error    { return t.pgr.CkptBegin() }
func (t *Tree) CommitCkpt() error   { return t.pgr.CkptCommit() }
func (t *Tree) RollbackCkpt() error { return t.pgr.CkptRollback() }

// SetCacheSize forwards to the pager.
func (t *Tree) SetCacheSize(n int) { t.pgr.SetCacheSize(n) }

// PageCount forwards to the pager.
func (t *Tree) PageCount() (uint32, error) { return t.pgr.PageCount() }

// GetMeta reads reserved meta int idx (0-3) from the header page. Index 0
// returns the free page count.
func (t *Tree) GetMeta(idx int) (uint32, error) {
	p, err := t.pgr.Get(firstPageNumber)
	if err != nil {
		return 0, err
	}
	defer t.pgr.Unref(p)
	v, code := wrapFirstPage(p).getMeta(idx)
	if !code.OK() {
		return 0, code
	}
	return v, nil
}

// UpdateMeta writes reserved meta int idx (1-3); must be called within a
// transaction.
func (t *Tree) UpdateMeta(idx int, value uint32) error {
	p, err := t.pgr.Get(firstPageNumber)
	if err != nil {
		return err
	}
	defer t.pgr.Unref(p)
	if err := t.pgr.Write(p); err != nil {
		return err
	}
	if code := wrapFirstPage(p).updateMeta(idx, value); !code.OK() {
		return code
	}
	return nil
}

// fetchNode gets and initializes the node page numbered pn. Callers must
// release it via releaseNode.
func (t *Tree) fetchNode(pn pager.PageNumber) (*NodePage, error) {
	p, err := t.pgr.Get(pn)
	if err != nil {
		return nil, err
	}
	np := WrapNodePage(p)
	if code := np.Initialize(); !code.OK() {
		t.pgr.Unref(p)
		return nil, code
	}
	return np, nil
}

// fetchNodeForWrite gets pn and marks it dirty without parsing its
// existing contents, for callers about to overwrite it wholesale (a
// freshly allocated split sibling, a root about to be rebuilt).
func (t *Tree) fetchNodeForWrite(pn pager.PageNumber) (*NodePage, error) {
	p, err := t.pgr.Get(pn)
	if err != nil {
		return nil, err
	}
	np := WrapNodePage(p)
	if err := t.pgr.Write(p); err != nil {
		t.pgr.Unref(p)
		return nil, err
	}
	return np, nil
}

func (t *Tree) releaseNode(np *NodePage) {
	if np == nil {
		return
	}
	t.pgr.Unref(np.Page)
}

// writeNode marks np dirty so its changes will be journaled and flushed.
func (t *Tree) writeNode(np *NodePage) error {
	return t.pgr.Write(np.Page)
}

// CreateTable allocates a fresh, empty leaf page and returns its page
// number as the table's root. Mirrors Btree::CreateTable.
func (t *Tree) CreateTable() (pager.PageNumber, error) {
	pn, err := t.allocatePage()
	if err != nil {
		return 0, err
	}
	p, err := t.pgr.Get(pn)
	if err != nil {
		return 0, err
	}
	defer t.pgr.Unref(p)
	if err := t.pgr.Write(p); err != nil {
		return 0, err
	}
	np := WrapNodePage(p)
	np.ZeroPage()
	logging.TreeEvent("create_table", "root", pn)
	return pn, nil
}

// ClearTable removes every cell from the tree rooted at root, freeing
// every page except the root itself, which is left as an empty leaf.
// Refuses to run while a cursor holds the table open, mirroring
// Btree::ClearTable's lock_count_map_ check.
func (t *Tree) ClearTable(root pager.PageNumber) error {
	t.mu.Lock()
	locked := t.lockCountMap[root] != 0
	t.mu.Unlock()
	if locked {
		return rc.Locked
	}
	return t.clearDatabasePage(root, true)
}

// DropTable clears and frees every page of the tree rooted at root,
// including the root page itself.
func (t *Tree) DropTable(root pager.PageNumber) error {
	t.mu.Lock()
	locked := t.lockCountMap[root] != 0
	t.mu.Unlock()
	if locked {
		return rc.Locked
	}
	if err := t.clearDatabasePage(root, false); err != nil {
		return err
	}
	return t.freePage(root)
}

// clearDatabasePage frees every descendant page of pn. If keepRootEmpty
// is true, pn itself is re-zeroed as an empty leaf instead of freed;
// otherwise the caller is responsible for freeing pn. Mirrors
// Btree::ClearDatabasePage.
func (t *Tree) clearDatabasePage(pn pager.PageNumber, keepRootEmpty bool) error {
	np, err := t.fetchNode(pn)
	if err != nil {
		return err
	}
	defer t.releaseNode(np)

	for i := 0; i < np.NumCells(); i++ {
		c := np.GetCell(i)
		if c.Header.LeftChild != 0 {
			if err := t.clearDatabasePage(c.Header.LeftChild, false); err != nil {
				return err
			}
			if err := t.freePage(c.Header.LeftChild); err != nil {
				return err
			}
		}
		if c.needOverflow() {
			if err := t.freeOverflowChain(c.Header.OverflowPage); err != nil {
				return err
			}
		}
	}
	if rightChild := np.RightChild(); rightChild != 0 {
		if err := t.clearDatabasePage(rightChild, false); err != nil {
			return err
		}
		if err := t.freePage(rightChild); err != nil {
			return err
		}
	}

	if keepRootEmpty {
		if err := t.writeNode(np); err != nil {
			return err
		}
		np.ZeroPage()
	}
	return nil
}

// allocatePage returns a page number ready for reuse: popped from the
// free-list trunk if one exists, or grown at the end of the file
// otherwise. Mirrors Btree::AllocatePage.
func (t *Tree) allocatePage() (pager.PageNumber, error) {
	hp, err := t.pgr.Get(firstPageNumber)
	if err != nil {
		return 0, err
	}
	defer t.pgr.Unref(hp)
	f := wrapFirstPage(hp)

	trunkPN := f.firstFreePage()
	if trunkPN == 0 {
		n, err := t.pgr.PageCount()
		if err != nil {
			return 0, err
		}
		return pager.PageNumber(n) + 1, nil
	}

	tp, err := t.pgr.Get(trunkPN)
	if err != nil {
		return 0, err
	}
	defer t.pgr.Unref(tp)
	count := freeTrunkCount(tp.Image[:])

	if err := t.pgr.Write(hp); err != nil {
		return 0, err
	}
	if count == 0 {
		// The trunk page itself has no leaf entries left; hand it out
		// and splice its successor in as the new trunk head.
		f.setFirstFreePage(freeTrunkNext(tp.Image[:]))
		f.decrementNumFreePages()
		return trunkPN, nil
	}

	if err := t.pgr.Write(tp); err != nil {
		return 0, err
	}
	leaf := freeTrunkEntry(tp.Image[:], int(count-1))
	setFreeTrunkCount(tp.Image[:], count-1)
	f.decrementNumFreePages()
	return leaf, nil
}

// freePage returns pn to the free-list trunk: appended to the current
// trunk page's array if it has room, or installed as a brand-new trunk
// head otherwise. reservedPageNumber is special-cased: it is zeroed in
// place instead, so ClearTable/DropTable can never hand it out again via
// allocatePage. Mirrors Btree::FreePage.
func (t *Tree) freePage(pn pager.PageNumber) error {
	if pn == reservedPageNumber {
		return t.zeroFreedPage(pn)
	}

	hp, err := t.pgr.Get(firstPageNumber)
	if err != nil {
		return err
	}
	defer t.pgr.Unref(hp)
	if err := t.pgr.Write(hp); err != nil {
		return err
	}
	f := wrapFirstPage(hp)
	trunkPN := f.firstFreePage()

	if trunkPN != 0 {
		tp, err := t.pgr.Get(trunkPN)
		if err != nil {
			return err
		}
		defer t.pgr.Unref(tp)
		count := freeTrunkCount(tp.Image[:])
		if int(count) < freeTrunkCapacity {
			if err := t.pgr.Write(tp); err != nil {
				return err
			}
			setFreeTrunkEntry(tp.Image[:], int(count), pn)
			setFreeTrunkCount(tp.Image[:], count+1)
			f.incrementNumFreePages()
			return t.zeroFreedPage(pn)
		}
	}

	np, err := t.pgr.Get(pn)
	if err != nil {
		return err
	}
	defer t.pgr.Unref(np)
	if err := t.pgr.Write(np); err != nil {
		return err
	}
	for i := range np.Image {
		np.Image[i] = 0
	}
	setFreeTrunkNext(np.Image[:], trunkPN)
	setFreeTrunkCount(np.Image[:], 0)
	f.setFirstFreePage(pn)
	f.incrementNumFreePages()
	return nil
}

// zeroFreedPage clears a page's payload once it has been recorded in a
// free-list trunk's array, so a stale cell or overflow image can't be
// misread if the page is fetched before being reallocated.
func (t *Tree) zeroFreedPage(pn pager.PageNumber) error {
	p, err := t.pgr.Get(pn)
	if err != nil {
		return err
	}
	defer t.pgr.Unref(p)
	if err := t.pgr.Write(p); err != nil {
		return err
	}
	for i := range p.Image {
		p.Image[i] = 0
	}
	return nil
}

// freeOverflowChain walks and frees every page of an overflow chain.
func (t *Tree) freeOverflowChain(pn pager.PageNumber) error {
	for pn != 0 {
		p, err := t.pgr.Get(pn)
		if err != nil {
			return err
		}
		next := overflowNext(p.Image[:])
		t.pgr.Unref(p)
		if err := t.freePage(pn); err != nil {
			return err
		}
		pn = next
	}
	return nil
}

// writerLocked is the lockCountMap sentinel for "a writable cursor holds
// this root", mirroring the reference's use of -1.
const writerLocked = -1

// retainCursor enforces the single-writer-per-root rule: any number of
// reader cursors may share a root, but a writable cursor requires the
// root to be completely unheld, and once held for writing blocks every
// other cursor (reader or writer) until released.
func (t *Tree) retainCursor(c *Cursor, root pager.PageNumber, writable bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	count := t.lockCountMap[root]
	if count == writerLocked {
		return rc.Locked
	}
	if writable {
		if count != 0 {
			return rc.Locked
		}
		t.lockCountMap[root] = writerLocked
	} else {
		t.lockCountMap[root] = count + 1
	}
	t.cursors[c] = struct{}{}
	return nil
}

// Put is a convenience wrapper that opens a writable cursor, inserts (or
// replaces) key/data, and closes it.
func (t *Tree) Put(root pager.PageNumber, key, data []byte) error {
	c, err := t.OpenCursor(root, true)
	if err != nil {
		return err
	}
	defer c.Close()
	return c.Insert(key, data)
}

// Get is a convenience wrapper that opens a reader cursor, moves to key,
// and returns its value if present.
func (t *Tree) Get(root pager.PageNumber, key []byte) (data []byte, found bool, err error) {
	c, err := t.OpenCursor(root, false)
	if err != nil {
		return nil, false, err
	}
	defer c.Close()
	cmp, err := c.MoveTo(key)
	if err != nil {
		return nil, false, err
	}
	if cmp != 0 {
		return nil, false, nil
	}
	data, err = c.Data()
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// DeleteKey is a convenience wrapper that removes key if present,
// reporting whether it was found.
func (t *Tree) DeleteKey(root pager.PageNumber, key []byte) (found bool, err error) {
	c, err := t.OpenCursor(root, true)
	if err != nil {
		return false, err
	}
	defer c.Close()
	cmp, err := c.MoveTo(key)
	if err != nil {
		return false, err
	}
	if cmp != 0 {
		return false, nil
	}
	if err := c.Delete(); err != nil {
		return false, err
	}
	return true, nil
}

// Scan walks every key in root, in order, calling fn with each key and
// value until fn returns false or the tree is exhausted.
func (t *Tree) Scan(root pager.PageNumber, fn func(key, data []byte) bool) error {
	c, err := t.OpenCursor(root, false)
	if err != nil {
		return err
	}
	defer c.Close()
	empty, err := c.First()
	if err != nil {
		return err
	}
	for !empty {
		key, err := c.Key()
		if err != nil {
			return err
		}
		data, err := c.Data()
		if err != nil {
			return err
		}
		if !fn(key, data) {
			return nil
		}
		empty, err = c.Next()
		if err != nil {
			return err
		}
	}
	return nil
}

func (t *Tree) releaseCursor(c *Cursor, root pager.PageNumber, writable bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.cursors, c)
	if writable {
		delete(t.lockCountMap, root)
		return
	}
	if t.lockCountMap[root] > 0 {
		t.lockCountMap[root]--
	}
	if t.lockCountMap[root] <= 0 {
		delete(t.lockCountMap, root)
	}
}
