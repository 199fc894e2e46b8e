package btree

import (
	"sort"

	"github.com/FocuswithJustin/pagedb/internal/logging"
	"github.com/FocuswithJustin/pagedb/storage/pager"
)

// balanceHelperFindChildIdx returns the index within parent's cell list
// whose left child is childPN, or parent.NumCells() if childPN is
// parent's right child. Mirrors btree_balance.cc's helper of the same
// name, used to locate where a page that needs balancing sits among its
// parent's children.
func balanceHelperFindChildIdx(parent *NodePage, childPN pager.PageNumber) int {
	for i := 0; i < parent.NumCells(); i++ {
		if parent.GetCell(i).Header.LeftChild == childPN {
			return i
		}
	}
	return parent.NumCells()
}

// balance restores node's invariants after an insert or delete left it
// overfull, emptied it, or simply dropped it below half full, walking up
// through parent pointers since redistributing one level can itself
// disturb the level above. Mirrors the control flow of Btree::Balance: a
// cheap early-out for a page that needs no work, root-specific handling,
// and otherwise a sibling redistribution carried out by redistribute.
func (t *Tree) balance(node *NodePage, nodePN pager.PageNumber) error {
	// own, when non-nil, is a page this function allocated for itself (a
	// root demoted to make room for a new one) rather than a page reached
	// through a cursor's parent-pointer stack. Its pin belongs to nobody
	// else and must be released once it has been folded into a
	// redistribution below.
	var own *NodePage

	for {
		if !node.IsOverfull() && node.FreeBytes() < UsableSpace/2 && node.NumCells() >= 2 {
			node.relinkCellList()
			t.releaseNode(own)
			return nil
		}

		if node.parent == nil {
			next, nextPN, done, err := t.balanceRootStep(node, nodePN)
			if err != nil {
				t.releaseNode(own)
				return err
			}
			if done {
				t.releaseNode(own)
				return nil
			}
			node, nodePN = next, nextPN
			own = next
			continue
		}

		parent, parentPN := node.parent, node.parentPN
		if err := t.writeNode(parent); err != nil {
			t.releaseNode(own)
			return err
		}
		idx := balanceHelperFindChildIdx(parent, nodePN)
		if err := t.redistribute(parent, node, nodePN, idx); err != nil {
			t.releaseNode(own)
			return err
		}
		t.releaseNode(own)
		own = nil
		node, nodePN = parent, parentPN
	}
}

// balanceRootStep handles the root specially, since it has no parent to
// redistribute with. An empty root adopts its sole right child's
// contents, shrinking the tree by one level. A root within budget is just
// relinked. An overfull root is demoted into a freshly allocated child,
// carrying over its cells and overfull flag, so the general
// redistribution path can split it like any other overfull page with the
// old root page standing in as its new parent. Mirrors
// Btree::BalanceHelperHandleRoot.
func (t *Tree) balanceRootStep(root *NodePage, rootPN pager.PageNumber) (next *NodePage, nextPN pager.PageNumber, done bool, err error) {
	if root.NumCells() == 0 {
		if root.RightChild() == 0 {
			root.relinkCellList()
			return nil, 0, true, nil
		}
		childPN := root.RightChild()
		child, err := t.fetchNode(childPN)
		if err != nil {
			return nil, 0, false, err
		}
		defer t.releaseNode(child)
		if err := t.writeNode(root); err != nil {
			return nil, 0, false, err
		}
		root.CopyPage(child)
		root.parent = nil
		if err := t.freePage(childPN); err != nil {
			return nil, 0, false, err
		}
		logging.TreeEvent("balance_collapse_root", "child", childPN)
		return nil, 0, true, nil
	}

	if !root.IsOverfull() {
		root.relinkCellList()
		return nil, 0, true, nil
	}

	childPN, err := t.allocatePage()
	if err != nil {
		return nil, 0, false, err
	}
	child, err := t.fetchNodeForWrite(childPN)
	if err != nil {
		return nil, 0, false, err
	}
	child.CopyPage(root)
	child.parent = root
	child.parentPN = rootPN

	if err := t.writeNode(root); err != nil {
		t.releaseNode(child)
		return nil, 0, false, err
	}
	root.ZeroPage()
	root.SetRightChild(childPN)

	logging.TreeEvent("balance_demote_root", "child", childPN)
	return child, childPN, false, nil
}

// redistribute gathers up to three of parent's children around index idx
// (the child at idx is node, whose overflow or underflow triggered this
// call), flattens their cells together with the divider cells between
// them into one ordered pool, drops the harvested siblings, then repacks
// the pool across a freshly allocated set of output pages each holding at
// least UsableSpace/2 bytes (bar possibly the first), promoting a new
// divider cell into parent between every pair of output pages. Mirrors
// the sibling gather-and-repack body of Btree::Balance.
func (t *Tree) redistribute(parent *NodePage, node *NodePage, nodePN pager.PageNumber, idx int) error {
	numParentCells := parent.NumCells()
	begin := idx - 1
	if idx == numParentCells {
		begin = idx - 2
	}
	if begin < 0 {
		begin = 0
	}

	var siblingPNs []pager.PageNumber
	var dividerIdxs []int
	for k := begin; k < begin+3; k++ {
		if k < numParentCells {
			dividerIdxs = append(dividerIdxs, k)
			siblingPNs = append(siblingPNs, parent.GetCell(k).Header.LeftChild)
		} else if k == numParentCells {
			siblingPNs = append(siblingPNs, parent.RightChild())
		} else {
			break
		}
	}
	// The divider cells must be read out before any are dropped from
	// parent below, since dropping one shifts every later index down.
	dividerCells := make([]*Cell, len(dividerIdxs))
	for i, k := range dividerIdxs {
		dividerCells[i] = parent.GetCell(k)
	}

	siblings := make([]*NodePage, len(siblingPNs))
	fetchedHere := make([]bool, len(siblingPNs))
	defer func() {
		for i, np := range siblings {
			if fetchedHere[i] {
				t.releaseNode(np)
			}
		}
	}()
	for i, pn := range siblingPNs {
		if pn == nodePN {
			// Reuse the caller's own in-memory page rather than fetch a
			// second wrapper by page number: if node is overfull, the
			// cell that overflowed it exists only in this wrapper's cell
			// list, never on disk, and a fresh fetch-and-parse would
			// silently lose it.
			siblings[i] = node
			continue
		}
		np, err := t.fetchNode(pn)
		if err != nil {
			return err
		}
		siblings[i] = np
		fetchedHere[i] = true
	}

	var cells []*Cell
	var sizes []int
	finalRightChild := pager.PageNumber(0)
	for i, np := range siblings {
		for j := 0; j < np.NumCells(); j++ {
			c := np.GetCell(j)
			cells = append(cells, c)
			sizes = append(sizes, int(c.Header.cellSize()))
		}
		if i < len(siblings)-1 {
			dc := dividerCells[i]
			dc.Header.LeftChild = np.RightChild()
			cells = append(cells, dc)
			sizes = append(sizes, int(dc.Header.cellSize()))
		} else {
			finalRightChild = np.RightChild()
		}
	}

	for range dividerIdxs {
		parent.DropCell(begin)
	}
	for i, pn := range siblingPNs {
		np := siblings[i]
		if err := t.writeNode(np); err != nil {
			return err
		}
		np.ZeroPage()
		if err := t.freePage(pn); err != nil {
			return err
		}
	}

	groupEnd := packCells(sizes)

	type outPage struct {
		pn pager.PageNumber
		np *NodePage
	}
	out := make([]outPage, len(groupEnd))
	defer func() {
		for _, o := range out {
			t.releaseNode(o.np)
		}
	}()
	for i := range out {
		pn, err := t.allocatePage()
		if err != nil {
			return err
		}
		np, err := t.fetchNodeForWrite(pn)
		if err != nil {
			return err
		}
		np.ZeroPage()
		out[i] = outPage{pn: pn, np: np}
	}
	// Sorting the new pages by page number keeps cells that are adjacent
	// in key order adjacent on disk too, matching Btree::Balance's final
	// locality pass.
	sort.Slice(out, func(a, b int) bool { return out[a].pn < out[b].pn })

	inserted := 0
	parentPos := begin
	for i, o := range out {
		for inserted < groupEnd[i] {
			o.np.InsertCell(o.np.NumCells(), cells[inserted])
			inserted++
		}
		if i < len(out)-1 {
			divider := cells[inserted]
			o.np.SetRightChild(divider.Header.LeftChild)
			promoted := &Cell{
				Header:  divider.Header,
				Payload: append([]byte(nil), divider.Payload...),
			}
			promoted.Header.LeftChild = o.pn
			parent.InsertCell(parentPos, promoted)
			parentPos++
			inserted++
		}
	}
	out[len(out)-1].np.SetRightChild(finalRightChild)
	if parentPos == parent.NumCells() {
		parent.SetRightChild(out[len(out)-1].pn)
	} else {
		parent.SetCellLeftChild(parentPos, out[len(out)-1].pn)
	}

	for _, o := range out {
		if err := t.writeNode(o.np); err != nil {
			return err
		}
	}
	logging.TreeEvent("balance_redistribute", "siblings", len(siblings), "new_pages", len(out))
	return nil
}

// packCells partitions cells (given as a parallel slice of their on-disk
// sizes) into the fewest consecutive groups that each fit within
// UsableSpace, then pulls cells backward out of an earlier group into any
// group left under half full, so every group but possibly the first ends
// up at least UsableSpace/2 full. Returns, for each group, the exclusive
// end index into sizes. Mirrors the fill invariant enforced by
// Btree::Balance's pack-then-redistribute passes.
func packCells(sizes []int) []int {
	var groupEnd []int
	subtotal := 0
	for i, sz := range sizes {
		if subtotal != 0 && subtotal+sz > UsableSpace {
			groupEnd = append(groupEnd, i)
			subtotal = 0
		}
		subtotal += sz
	}
	groupEnd = append(groupEnd, len(sizes))

	groupTotal := func(g int) int {
		start := 0
		if g > 0 {
			start = groupEnd[g-1]
		}
		total := 0
		for _, sz := range sizes[start:groupEnd[g]] {
			total += sz
		}
		return total
	}
	for i := len(groupEnd) - 1; i > 0; i-- {
		for groupTotal(i) < UsableSpace/2 {
			start := 0
			if i-1 > 0 {
				start = groupEnd[i-2]
			}
			if groupEnd[i-1] <= start+1 {
				break
			}
			groupEnd[i-1]--
		}
	}
	return groupEnd
}
