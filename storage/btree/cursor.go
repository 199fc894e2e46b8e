package btree

import (
	"bytes"

	"github.com/FocuswithJustin/pagedb/storage/pager"
	"github.com/FocuswithJustin/pagedb/storage/rc"
)

// frame is one level of a cursor's path from the tree root down to its
// current position. idx is only meaningful on the top-of-stack frame: the
// index of the cell the cursor is currently positioned on. childSlot
// records which of the parent's child pointers (0..parent.NumCells(),
// the latter meaning the parent's right child) was followed to reach
// this frame, used to walk back up during Next/Prev.
type frame struct {
	np        *NodePage
	pn        pager.PageNumber
	idx       int
	childSlot int
}

// Cursor iterates and mutates one tree in key order. Mirrors BtCursor,
// minus its raw parent/sibling pointers into shared page objects: a
// cursor here only ever touches pages it holds its own pin on, reached
// through the tree's fetchNode, and its path is an explicit stack rather
// than back-pointers threaded through the cache.
type Cursor struct {
	tree     *Tree
	root     pager.PageNumber
	writable bool
	stack    []frame
	lastCmp  int
	skipNext bool
}

// OpenCursor creates a cursor over the tree rooted at root. Only one
// writable cursor may be open on a root at a time, and a writable cursor
// excludes every other cursor on that root (see Tree.retainCursor).
func (t *Tree) OpenCursor(root pager.PageNumber, writable bool) (*Cursor, error) {
	c := &Cursor{tree: t, root: root, writable: writable}
	if err := t.retainCursor(c, root, writable); err != nil {
		return nil, err
	}
	return c, nil
}

// Close releases every page the cursor holds and deregisters it from the
// tree's per-root lock count.
func (c *Cursor) Close() {
	c.releaseStack(0)
	c.tree.releaseCursor(c, c.root, c.writable)
}

func (c *Cursor) releaseStack(keep int) {
	for i := len(c.stack) - 1; i >= keep; i-- {
		c.tree.releaseNode(c.stack[i].np)
	}
	c.stack = c.stack[:keep]
}

func (c *Cursor) top() *frame { return &c.stack[len(c.stack)-1] }

// linkParent reinstates np's in-memory parent back-pointer from the
// cursor's current stack top, the per-cache-entry analogue of the
// reference's raw parent pointer threaded through NodePage::Initialize.
func (c *Cursor) linkParent(np *NodePage) {
	if len(c.stack) == 0 {
		return
	}
	parent := c.top()
	np.parent = parent.np
	np.parentPN = parent.pn
}

// searchNode binary-searches np's cells for key, returning the index of
// an exact match (exact=true) or the index of the first cell whose key
// is greater than target (the insertion point).
func (t *Tree) searchNode(np *NodePage, key []byte) (idx int, exact bool) {
	lo, hi := 0, np.NumCells()
	for lo < hi {
		mid := (lo + hi) / 2
		cmp := bytes.Compare(t.cellKey(np.GetCell(mid)), key)
		if cmp == 0 {
			return mid, true
		}
		if cmp < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	return lo, false
}

// MoveTo positions the cursor at key, descending from the root. Returns
// the comparison result (negative if the cursor landed before key, zero
// on an exact match, positive if after) matching "current cell's key vs
// target key". Mirrors BtCursor::MoveTo.
func (c *Cursor) MoveTo(key []byte) (int, error) {
	c.releaseStack(0)
	c.skipNext = false
	pn := c.root
	childSlot := -1
	for {
		np, err := c.tree.fetchNode(pn)
		if err != nil {
			return 0, err
		}
		c.linkParent(np)
		idx, exact := c.tree.searchNode(np, key)
		c.stack = append(c.stack, frame{np: np, pn: pn, idx: idx, childSlot: childSlot})
		if exact {
			c.lastCmp = 0
			return 0, nil
		}
		var childPN pager.PageNumber
		if idx < np.NumCells() {
			childPN = np.GetCell(idx).Header.LeftChild
		} else {
			childPN = np.RightChild()
		}
		if childPN == 0 {
			if idx < np.NumCells() {
				c.lastCmp = bytes.Compare(c.tree.cellKey(np.GetCell(idx)), key)
			} else {
				c.lastCmp = -1
			}
			return c.lastCmp, nil
		}
		childSlot = idx
		pn = childPN
	}
}

// descendLeftmost pushes the leftmost path starting at pn, whose
// immediate parent reached it via childSlot.
func (c *Cursor) descendLeftmost(pn pager.PageNumber, childSlot int) error {
	for {
		np, err := c.tree.fetchNode(pn)
		if err != nil {
			return err
		}
		c.linkParent(np)
		if np.NumCells() == 0 {
			if np.RightChild() != 0 {
				c.stack = append(c.stack, frame{np: np, pn: pn, idx: -1, childSlot: childSlot})
				childSlot = 0
				pn = np.RightChild()
				continue
			}
			c.stack = append(c.stack, frame{np: np, pn: pn, idx: -1, childSlot: childSlot})
			return nil
		}
		c.stack = append(c.stack, frame{np: np, pn: pn, idx: 0, childSlot: childSlot})
		child := np.GetCell(0).Header.LeftChild
		if child == 0 {
			return nil
		}
		childSlot = 0
		pn = child
	}
}

// descendRightmost pushes the rightmost path starting at pn.
func (c *Cursor) descendRightmost(pn pager.PageNumber, childSlot int) error {
	for {
		np, err := c.tree.fetchNode(pn)
		if err != nil {
			return err
		}
		c.linkParent(np)
		if np.RightChild() != 0 {
			c.stack = append(c.stack, frame{np: np, pn: pn, idx: np.NumCells(), childSlot: childSlot})
			childSlot = np.NumCells()
			pn = np.RightChild()
			continue
		}
		if np.NumCells() == 0 {
			c.stack = append(c.stack, frame{np: np, pn: pn, idx: -1, childSlot: childSlot})
			return nil
		}
		c.stack = append(c.stack, frame{np: np, pn: pn, idx: np.NumCells() - 1, childSlot: childSlot})
		return nil
	}
}

// First positions the cursor at the smallest key. empty reports whether
// the tree holds no entries at all.
func (c *Cursor) First() (empty bool, err error) {
	c.releaseStack(0)
	c.skipNext = false
	if err := c.descendLeftmost(c.root, -1); err != nil {
		return false, err
	}
	return c.top().idx < 0, nil
}

// Last positions the cursor at the largest key.
func (c *Cursor) Last() (empty bool, err error) {
	c.releaseStack(0)
	c.skipNext = false
	if err := c.descendRightmost(c.root, -1); err != nil {
		return false, err
	}
	return c.top().idx < 0, nil
}

// Next advances the cursor to the next key in order. atLast reports
// whether the cursor has moved past the final entry (it is then no
// longer positioned on a valid cell).
func (c *Cursor) Next() (atLast bool, err error) {
	if c.skipNext {
		c.skipNext = false
		return c.top().idx < 0, nil
	}
	if len(c.stack) == 0 {
		return true, rc.Misuse
	}
	top := c.top()
	if top.idx < 0 {
		return true, nil
	}

	var childPN pager.PageNumber
	if top.idx+1 < top.np.NumCells() {
		childPN = top.np.GetCell(top.idx + 1).Header.LeftChild
	} else {
		childPN = top.np.RightChild()
	}
	slot := top.idx + 1
	if childPN != 0 {
		if err := c.descendLeftmost(childPN, slot); err != nil {
			return true, err
		}
		return c.top().idx < 0, nil
	}
	if top.idx+1 < top.np.NumCells() {
		top.idx++
		return false, nil
	}

	for len(c.stack) > 1 {
		childSlot := c.top().childSlot
		c.releaseStack(len(c.stack) - 1)
		parent := c.top()
		if childSlot < parent.np.NumCells() {
			parent.idx = childSlot
			return false, nil
		}
	}
	c.releaseStack(0)
	return true, nil
}

// Prev retreats the cursor to the previous key in order.
func (c *Cursor) Prev() (atFirst bool, err error) {
	if len(c.stack) == 0 {
		return true, rc.Misuse
	}
	top := c.top()
	if top.idx < 0 {
		return true, nil
	}
	childPN := top.np.GetCell(top.idx).Header.LeftChild
	if childPN != 0 {
		if err := c.descendRightmost(childPN, top.idx); err != nil {
			return true, err
		}
		return c.top().idx < 0, nil
	}
	if top.idx > 0 {
		top.idx--
		return false, nil
	}
	for len(c.stack) > 1 {
		childSlot := c.top().childSlot
		c.releaseStack(len(c.stack) - 1)
		parent := c.top()
		if childSlot > 0 {
			parent.idx = childSlot - 1
			return false, nil
		}
	}
	c.releaseStack(0)
	return true, nil
}

// currentCell returns the cell the cursor is positioned on.
func (c *Cursor) currentCell() (*Cell, error) {
	if len(c.stack) == 0 || c.top().idx < 0 {
		return nil, rc.NotFound
	}
	top := c.top()
	return top.np.GetCell(top.idx), nil
}

// KeySize returns the current cell's key length.
func (c *Cursor) KeySize() (uint32, error) {
	cell, err := c.currentCell()
	if err != nil {
		return 0, err
	}
	return cell.Header.KeySize, nil
}

// Key returns the current cell's key bytes.
func (c *Cursor) Key() ([]byte, error) {
	cell, err := c.currentCell()
	if err != nil {
		return nil, err
	}
	return c.tree.cellKey(cell), nil
}

// DataSize returns the current cell's value length.
func (c *Cursor) DataSize() (uint32, error) {
	cell, err := c.currentCell()
	if err != nil {
		return 0, err
	}
	return cell.Header.DataSize, nil
}

// Data returns the current cell's full value, following its overflow
// chain if the value spilled.
func (c *Cursor) Data() ([]byte, error) {
	cell, err := c.currentCell()
	if err != nil {
		return nil, err
	}
	return c.tree.cellData(cell)
}

// Insert places (key, data) into the tree, replacing any cell already
// present under an identical key. Mirrors BtCursor::Insert. The cursor
// must be writable; Insert positions it itself by calling MoveTo(key).
func (c *Cursor) Insert(key, data []byte) error {
	if !c.writable {
		return rc.Perm
	}
	cmp, err := c.MoveTo(key)
	if err != nil {
		return err
	}
	top := c.top()
	newCell, err := c.tree.fillInCell(0, key, data)
	if err != nil {
		return err
	}
	if err := c.tree.writeNode(top.np); err != nil {
		return err
	}
	if cmp == 0 {
		old := top.np.GetCell(top.idx)
		newCell.Header.LeftChild = old.Header.LeftChild
		if err := c.tree.clearCell(old); err != nil {
			return err
		}
		top.np.DropCell(top.idx)
		top.np.InsertCell(top.idx, newCell)
	} else {
		top.np.InsertCell(top.idx, newCell)
	}
	if err := c.tree.balance(top.np, top.pn); err != nil {
		return err
	}
	// A split or merge inside balance may have moved key onto a different
	// page, or shifted it within this one; re-derive the cursor's position
	// rather than trust the now possibly-stale stack.
	_, err = c.MoveTo(key)
	return err
}

// Delete removes the cell the cursor is positioned on. If it is on an
// internal node (its left_child is non-zero), the in-order successor is
// promoted into its place and removed from the leaf it actually lived
// on, exactly as described for Btree's deletion. Mirrors
// BtCursor::Delete.
func (c *Cursor) Delete() error {
	if !c.writable {
		return rc.Perm
	}
	if len(c.stack) == 0 || c.top().idx < 0 {
		return rc.NotFound
	}
	top := c.top()
	victim := top.np.GetCell(top.idx)

	if victim.Header.LeftChild == 0 {
		if err := c.tree.writeNode(top.np); err != nil {
			return err
		}
		if err := c.tree.clearCell(victim); err != nil {
			return err
		}
		top.np.DropCell(top.idx)
		if err := c.tree.balance(top.np, top.pn); err != nil {
			return err
		}
		// A merge inside balance may have moved this page's surviving
		// cells elsewhere; re-derive the cursor's position from the
		// deleted key rather than trust the stale stack index.
		if _, err := c.MoveTo(c.tree.cellKey(victim)); err != nil {
			return err
		}
		c.skipNext = true
		return nil
	}

	// Internal cell: promote the in-order successor (found by
	// descending to the leftmost leaf of the subtree strictly to the
	// right of this cell) into the deleted slot, then remove it from
	// that leaf.
	savedIdx := top.idx
	savedDepth := len(c.stack)
	if err := c.descendLeftmost(c.successorSubtree(), savedIdx+1); err != nil {
		return err
	}
	succFrame := c.top()
	if succFrame.idx < 0 {
		return rc.Corrupt
	}
	succCell := succFrame.np.GetCell(succFrame.idx)
	replacement := &Cell{Header: cellHeader{
		LeftChild: victim.Header.LeftChild,
		KeySize:   succCell.Header.KeySize,
		DataSize:  succCell.Header.DataSize,
	}, Payload: append([]byte(nil), succCell.Payload...)}
	replacement.Header.OverflowPage = succCell.Header.OverflowPage

	if err := c.tree.writeNode(succFrame.np); err != nil {
		return err
	}
	succFrame.np.DropCell(succFrame.idx)
	leafNP, leafPN := succFrame.np, succFrame.pn

	// Release every descended frame except the leaf itself: its pin must
	// stay live until the trailing balance call below has used it, or it
	// could be evicted out from under us by an allocation in between.
	for i := len(c.stack) - 2; i >= savedDepth; i-- {
		c.tree.releaseNode(c.stack[i].np)
	}
	c.stack = c.stack[:savedDepth]
	top = c.top()
	if err := c.tree.writeNode(top.np); err != nil {
		c.tree.releaseNode(leafNP)
		return err
	}
	if err := c.tree.clearCell(victim); err != nil {
		c.tree.releaseNode(leafNP)
		return err
	}
	top.np.DropCell(savedIdx)
	top.np.InsertCell(savedIdx, replacement)

	if err := c.tree.balance(top.np, top.pn); err != nil {
		c.tree.releaseNode(leafNP)
		return err
	}
	err := c.tree.balance(leafNP, leafPN)
	c.tree.releaseNode(leafNP)
	if err != nil {
		return err
	}
	// The promoted successor now occupies the deleted key's slot,
	// possibly on a different page after the two balances above; re-find
	// it rather than trust either stale stack.
	if _, err := c.MoveTo(c.tree.cellKey(replacement)); err != nil {
		return err
	}
	c.skipNext = true
	return nil
}

// successorSubtree returns the page of the subtree immediately to the
// right of the cell currently at the top of the stack.
func (c *Cursor) successorSubtree() pager.PageNumber {
	top := c.top()
	if top.idx+1 < top.np.NumCells() {
		return top.np.GetCell(top.idx + 1).Header.LeftChild
	}
	return top.np.RightChild()
}
