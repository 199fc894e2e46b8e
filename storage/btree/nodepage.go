package btree

import (
	"encoding/binary"

	"github.com/FocuswithJustin/pagedb/storage/pager"
	"github.com/FocuswithJustin/pagedb/storage/rc"
)

// Layout constants for a node page. A node page is a pager.Page (1024
// bytes) carrying a fixed 8-byte header, a linked list of variable-length
// cells threaded through on-disk "next cell" offsets, and a linked list of
// free blocks filling whatever space the cells don't use.
const (
	nodeHeaderSize = 4 + 2 + 2 // right_child, first_cell_idx, first_free_block_idx
	cellHeaderSize = 4 + 4 + 4 + 2 + 4 // left_child, key_size, data_size, next_cell_start_idx, overflow_page

	// minCellSize is the smallest a cell's on-disk footprint can be; it
	// bounds how small a leftover free block is allowed to be before it
	// is folded into the allocation instead of kept as its own block.
	minCellSize = cellHeaderSize + 4

	// UsableSpace is the page capacity available to cells and free
	// blocks once the fixed header is subtracted.
	UsableSpace = pager.PageSize - nodeHeaderSize

	// MaxLocalPayload is the largest key+data size a cell stores
	// entirely on its own page before the remainder spills into an
	// overflow chain.
	MaxLocalPayload = UsableSpace/4 - cellHeaderSize + 4
)

// nodeHeader is the fixed 8-byte header at the start of every node page.
type nodeHeader struct {
	RightChild        pager.PageNumber
	FirstCellIdx      pager.ImageIndex
	FirstFreeBlockIdx pager.ImageIndex
}

func readNodeHeader(img []byte) nodeHeader {
	return nodeHeader{
		RightChild:        pager.PageNumber(binary.BigEndian.Uint32(img[0:4])),
		FirstCellIdx:      pager.ImageIndex(binary.BigEndian.Uint16(img[4:6])),
		FirstFreeBlockIdx: pager.ImageIndex(binary.BigEndian.Uint16(img[6:8])),
	}
}

func writeNodeHeader(img []byte, h nodeHeader) {
	binary.BigEndian.PutUint32(img[0:4], uint32(h.RightChild))
	binary.BigEndian.PutUint16(img[4:6], uint16(h.FirstCellIdx))
	binary.BigEndian.PutUint16(img[6:8], uint16(h.FirstFreeBlockIdx))
}

// freeBlock is one entry of the on-page free-space linked list.
type freeBlock struct {
	Size         uint16
	NextBlockIdx pager.ImageIndex
}

func readFreeBlock(img []byte, at pager.ImageIndex) freeBlock {
	return freeBlock{
		Size:         binary.BigEndian.Uint16(img[at : at+2]),
		NextBlockIdx: pager.ImageIndex(binary.BigEndian.Uint16(img[at+2 : at+4])),
	}
}

func writeFreeBlock(img []byte, at pager.ImageIndex, fb freeBlock) {
	binary.BigEndian.PutUint16(img[at:at+2], fb.Size)
	binary.BigEndian.PutUint16(img[at+2:at+4], uint16(fb.NextBlockIdx))
}

// cellHeader is the fixed portion of a cell: its left child (0 on a leaf),
// key and data sizes, the on-disk link to the next cell, and the head of
// an overflow chain (0 if the payload fits locally).
type cellHeader struct {
	LeftChild        pager.PageNumber
	KeySize          uint32
	DataSize         uint32
	NextCellStartIdx pager.ImageIndex
	OverflowPage     pager.PageNumber
}

func readCellHeader(img []byte, at pager.ImageIndex) cellHeader {
	return cellHeader{
		LeftChild:        pager.PageNumber(binary.BigEndian.Uint32(img[at:])),
		KeySize:          binary.BigEndian.Uint32(img[at+4:]),
		DataSize:         binary.BigEndian.Uint32(img[at+8:]),
		NextCellStartIdx: pager.ImageIndex(binary.BigEndian.Uint16(img[at+12:])),
		OverflowPage:     pager.PageNumber(binary.BigEndian.Uint32(img[at+14:])),
	}
}

func writeCellHeader(img []byte, at pager.ImageIndex, h cellHeader) {
	binary.BigEndian.PutUint32(img[at:], uint32(h.LeftChild))
	binary.BigEndian.PutUint32(img[at+4:], h.KeySize)
	binary.BigEndian.PutUint32(img[at+8:], h.DataSize)
	binary.BigEndian.PutUint16(img[at+12:], uint16(h.NextCellStartIdx))
	binary.BigEndian.PutUint32(img[at+14:], uint32(h.OverflowPage))
}

// needOverflow reports whether this cell's payload is too large to store
// entirely on the node page.
func (h cellHeader) needOverflow() bool {
	return uint64(h.KeySize)+uint64(h.DataSize) > MaxLocalPayload
}

// localSize returns how many payload bytes live on the node page itself
// (the rest, if any, lives in the overflow chain).
func (h cellHeader) localSize() uint32 {
	if h.needOverflow() {
		return MaxLocalPayload
	}
	return h.KeySize + h.DataSize
}

func (h cellHeader) cellSize() uint16 {
	if h.needOverflow() {
		return cellHeaderSize + MaxLocalPayload
	}
	return uint16(cellHeaderSize) + uint16(h.KeySize+h.DataSize)
}

// Cell is an in-memory cell: its header plus whatever payload bytes live
// locally (key followed by data, truncated to MaxLocalPayload when an
// overflow chain holds the remainder).
type Cell struct {
	Header  cellHeader
	Payload []byte
}

// NewCell builds a cell from a full key and value, computing whether it
// needs an overflow chain.
func NewCell(leftChild pager.PageNumber, key, data []byte) *Cell {
	h := cellHeader{
		LeftChild: leftChild,
		KeySize:   uint32(len(key)),
		DataSize:  uint32(len(data)),
	}
	full := append(append([]byte{}, key...), data...)
	payload := full
	if h.needOverflow() {
		payload = full[:MaxLocalPayload]
	}
	return &Cell{Header: h, Payload: payload}
}

func (c *Cell) payloadSize() uint32 { return c.Header.KeySize + c.Header.DataSize }
func (c *Cell) needOverflow() bool  { return c.Header.needOverflow() }

// cellTracker is the in-memory record of one cell on a node page. When
// imageIdx is non-zero the cell's bytes are written into the page image at
// that offset; when it is zero, the cell lives only in cell (the page is
// marked overfull and must be rebalanced before the next write completes).
type cellTracker struct {
	imageIdx pager.ImageIndex
	cell     *Cell
}

// NodePage is a tree node: a cell-carrying, slotted page wrapped around a
// raw pager.Page. It is the direct Go analogue of node_page.h's NodePage,
// minus the C++ ownership machinery.
type NodePage struct {
	Page *pager.Page

	parent       *NodePage
	parentPN     pager.PageNumber
	numFreeBytes uint16
	overfull     bool
	cells        []cellTracker
	init         bool
}

// WrapNodePage constructs the in-memory tracking structure for a page
// already holding node-page bytes (or a freshly allocated, unzeroed page).
// It does not read or validate the page image; call Initialize for that.
func WrapNodePage(p *pager.Page) *NodePage {
	return &NodePage{Page: p}
}

func (np *NodePage) image() []byte { return np.Page.Image[:] }

func (np *NodePage) header() nodeHeader      { return readNodeHeader(np.image()) }
func (np *NodePage) setHeader(h nodeHeader)  { writeNodeHeader(np.image(), h) }

// RightChild returns the page number of the subtree to the right of every
// cell on this page (0 on a leaf page).
func (np *NodePage) RightChild() pager.PageNumber { return np.header().RightChild }

// SetRightChild updates the rightmost child pointer.
func (np *NodePage) SetRightChild(n pager.PageNumber) {
	h := np.header()
	h.RightChild = n
	np.setHeader(h)
}

// IsLeaf reports whether this page has no children at all.
func (np *NodePage) IsLeaf() bool {
	if np.RightChild() != 0 {
		return false
	}
	for _, c := range np.cells {
		if np.cellHeaderAt(c).LeftChild != 0 {
			return false
		}
	}
	return true
}

func (np *NodePage) cellHeaderAt(c cellTracker) cellHeader {
	if c.imageIdx == 0 {
		return c.cell.Header
	}
	return readCellHeader(np.image(), c.imageIdx)
}

// NumCells returns how many cells this page currently holds.
func (np *NodePage) NumCells() int { return len(np.cells) }

// GetCell materializes cell index i, reading it out of the page image if
// it has been written there or returning the out-of-line copy if the page
// is currently overfull.
func (np *NodePage) GetCell(i int) *Cell {
	t := np.cells[i]
	if t.imageIdx == 0 {
		return t.cell
	}
	h := readCellHeader(np.image(), t.imageIdx)
	size := h.localSize()
	start := int(t.imageIdx) + cellHeaderSize
	payload := make([]byte, size)
	copy(payload, np.image()[start:start+int(size)])
	return &Cell{Header: h, Payload: payload}
}

// ZeroPage resets a page to an empty node: no cells, a single free block
// spanning the entire usable area, no parent, not overfull. Mirrors
// NodePage::ZeroPage.
func (np *NodePage) ZeroPage() {
	for i := range np.Page.Image {
		np.Page.Image[i] = 0
	}
	np.setHeader(nodeHeader{RightChild: 0, FirstCellIdx: 0, FirstFreeBlockIdx: nodeHeaderSize})
	writeFreeBlock(np.image(), nodeHeaderSize, freeBlock{Size: UsableSpace, NextBlockIdx: 0})
	np.cells = nil
	np.numFreeBytes = UsableSpace
	np.overfull = false
	np.parent = nil
	np.init = true
}

// Initialize parses an existing page image into cell trackers and the
// free-byte count, validating the on-disk linked lists. Mirrors
// Btree::InitPage's page-parsing half.
func (np *NodePage) Initialize() rc.ResultCode {
	if np.init {
		return rc.Ok
	}
	np.init = true
	np.cells = nil

	h := np.header()
	idx := h.FirstCellIdx
	freeSpace := uint16(UsableSpace)
	for idx != 0 {
		if int(idx) > pager.PageSize-minCellSize || int(idx) < nodeHeaderSize {
			return rc.Corrupt
		}
		ch := readCellHeader(np.image(), idx)
		size := ch.cellSize()
		if int(idx)+int(size) > pager.PageSize {
			return rc.Corrupt
		}
		freeSpace -= size
		np.cells = append(np.cells, cellTracker{imageIdx: idx})
		idx = ch.NextCellStartIdx
	}

	np.numFreeBytes = 0
	fbIdx := h.FirstFreeBlockIdx
	for fbIdx != 0 {
		if int(fbIdx) > pager.PageSize-4 || int(fbIdx) < nodeHeaderSize {
			return rc.Corrupt
		}
		fb := readFreeBlock(np.image(), fbIdx)
		np.numFreeBytes += fb.Size
		if fb.NextBlockIdx != 0 && fb.NextBlockIdx < fbIdx {
			return rc.Corrupt
		}
		fbIdx = fb.NextBlockIdx
	}

	// A page that was allocated but never zeroed reads back as all-zero:
	// no cells, no free bytes recorded. That is not corruption, just an
	// uninitialized page; skip the cross-check in that case.
	if len(np.cells) == 0 && np.numFreeBytes == 0 {
		return rc.Ok
	}
	if np.numFreeBytes != freeSpace {
		return rc.Corrupt
	}
	return rc.Ok
}

// allocateSpace finds (and removes from the free list) size contiguous
// bytes, returning their offset. It defragments and retries once if no
// single free block is big enough.
func (np *NodePage) allocateSpace(size uint16) (pager.ImageIndex, bool) {
	if off, ok := np.tryAllocate(size); ok {
		return off, true
	}
	np.defragment()
	return np.tryAllocate(size)
}

func (np *NodePage) tryAllocate(size uint16) (pager.ImageIndex, bool) {
	h := np.header()
	prev := pager.ImageIndex(0)
	idx := h.FirstFreeBlockIdx
	for idx != 0 {
		fb := readFreeBlock(np.image(), idx)
		if fb.Size >= size {
			var nextPtr pager.ImageIndex
			if fb.Size-size < minCellSize {
				size = fb.Size // consume the whole block, no remainder kept
				nextPtr = fb.NextBlockIdx
			} else {
				newIdx := idx + pager.ImageIndex(size)
				writeFreeBlock(np.image(), newIdx, freeBlock{Size: fb.Size - size, NextBlockIdx: fb.NextBlockIdx})
				nextPtr = newIdx
			}
			if prev == 0 {
				h.FirstFreeBlockIdx = nextPtr
				np.setHeader(h)
			} else {
				pfb := readFreeBlock(np.image(), prev)
				pfb.NextBlockIdx = nextPtr
				writeFreeBlock(np.image(), prev, pfb)
			}
			np.numFreeBytes -= size
			return idx, true
		}
		prev = idx
		idx = fb.NextBlockIdx
	}
	return 0, false
}

// freeSpace returns a byte range to the free-block list, merging with an
// adjacent block when the merge is contiguous. Mirrors NodePage::FreeSpace.
func (np *NodePage) freeSpace(at pager.ImageIndex, size uint16) {
	h := np.header()
	np.numFreeBytes += size

	prev := pager.ImageIndex(0)
	idx := h.FirstFreeBlockIdx
	for idx != 0 && idx < at {
		prev = idx
		idx = readFreeBlock(np.image(), idx).NextBlockIdx
	}

	newBlock := freeBlock{Size: size, NextBlockIdx: idx}
	// merge forward if the freed range is immediately followed by idx
	if idx != 0 && at+pager.ImageIndex(size) == idx {
		fwd := readFreeBlock(np.image(), idx)
		newBlock.Size += fwd.Size
		newBlock.NextBlockIdx = fwd.NextBlockIdx
	}
	writeFreeBlock(np.image(), at, newBlock)

	// merge backward if prev's range ends exactly where `at` begins
	if prev != 0 {
		pfb := readFreeBlock(np.image(), prev)
		if prev+pager.ImageIndex(pfb.Size) == at {
			pfb.Size += newBlock.Size
			pfb.NextBlockIdx = newBlock.NextBlockIdx
			writeFreeBlock(np.image(), prev, pfb)
			return
		}
		pfb.NextBlockIdx = at
		writeFreeBlock(np.image(), prev, pfb)
		return
	}
	h.FirstFreeBlockIdx = at
	np.setHeader(h)
}

// defragment compacts every live cell to the front of the usable area and
// rebuilds a single trailing free block, mirroring
// NodePage::DefragmentPage.
func (np *NodePage) defragment() {
	old := make([]byte, pager.PageSize)
	copy(old, np.image())

	h := np.header()
	cursor := pager.ImageIndex(nodeHeaderSize)
	var prevIdx pager.ImageIndex
	newIdx := make([]pager.ImageIndex, len(np.cells))

	for i, t := range np.cells {
		if t.imageIdx == 0 {
			continue // out-of-line cell, nothing on the page to move
		}
		ch := readCellHeader(old, t.imageIdx)
		size := ch.cellSize()
		copy(np.image()[cursor:], old[t.imageIdx:t.imageIdx+pager.ImageIndex(size)])
		newIdx[i] = cursor
		if i == 0 {
			h.FirstCellIdx = cursor
		} else {
			fixed := readCellHeader(np.image(), prevIdx)
			fixed.NextCellStartIdx = cursor
			writeCellHeader(np.image(), prevIdx, fixed)
		}
		prevIdx = cursor
		cursor += pager.ImageIndex(size)
	}
	if prevIdx != 0 {
		fixed := readCellHeader(np.image(), prevIdx)
		fixed.NextCellStartIdx = 0
		writeCellHeader(np.image(), prevIdx, fixed)
	}
	if len(np.cells) == 0 {
		h.FirstCellIdx = 0
	}

	remaining := uint16(pager.PageSize) - uint16(cursor)
	if remaining >= 4 {
		writeFreeBlock(np.image(), cursor, freeBlock{Size: remaining, NextBlockIdx: 0})
		h.FirstFreeBlockIdx = cursor
	} else {
		// A 1-3 byte tail can't hold a free-block header; leave it as
		// permanent slack rather than risk writing past the page.
		h.FirstFreeBlockIdx = 0
		np.numFreeBytes -= remaining
	}
	np.setHeader(h)

	for i, t := range np.cells {
		if t.imageIdx != 0 {
			np.cells[i].imageIdx = newIdx[i]
		}
	}
}

// InsertCell inserts a new cell at position i (0-based, among currently
// tracked cells), writing it into the page image if space allows and
// marking the page overfull otherwise. Mirrors NodePage::InsertCell.
func (np *NodePage) InsertCell(i int, cell *Cell) {
	size := cell.Header.cellSize()
	off, ok := np.allocateSpace(size)
	t := cellTracker{cell: cell}
	if ok {
		writeCellHeader(np.image(), off, cell.Header)
		copy(np.image()[int(off)+cellHeaderSize:], cell.Payload)
		t.imageIdx = off
	} else {
		np.overfull = true
	}
	np.cells = append(np.cells, cellTracker{})
	copy(np.cells[i+1:], np.cells[i:])
	np.cells[i] = t
	np.relinkCellList()
}

// DropCell removes cell index i, freeing its on-page space if it had any.
// Mirrors NodePage::DropCell.
func (np *NodePage) DropCell(i int) {
	t := np.cells[i]
	if t.imageIdx != 0 {
		ch := readCellHeader(np.image(), t.imageIdx)
		np.freeSpace(t.imageIdx, ch.cellSize())
	}
	np.cells = append(np.cells[:i], np.cells[i+1:]...)
	np.relinkCellList()
}

// relinkCellList rewrites the on-disk next-cell-start chain to match the
// in-memory tracker order. No-op while the page is overfull, since an
// overfull page is about to be rebalanced away. Mirrors
// NodePage::RelinkCellList.
func (np *NodePage) relinkCellList() {
	if np.overfull {
		return
	}
	h := np.header()
	var prevIdx pager.ImageIndex
	first := pager.ImageIndex(0)
	for i, t := range np.cells {
		if t.imageIdx == 0 {
			continue
		}
		if i == 0 || first == 0 {
			first = t.imageIdx
		}
		if prevIdx != 0 {
			fixed := readCellHeader(np.image(), prevIdx)
			fixed.NextCellStartIdx = t.imageIdx
			writeCellHeader(np.image(), prevIdx, fixed)
		}
		prevIdx = t.imageIdx
	}
	if prevIdx != 0 {
		fixed := readCellHeader(np.image(), prevIdx)
		fixed.NextCellStartIdx = 0
		writeCellHeader(np.image(), prevIdx, fixed)
	}
	h.FirstCellIdx = first
	np.setHeader(h)
}

// SetCellLeftChild rewrites cell i's left-child pointer in place. Used by
// the balance algorithm to repoint a separator cell at a freshly split
// sibling without disturbing the rest of the cell's bytes.
func (np *NodePage) SetCellLeftChild(i int, pn pager.PageNumber) {
	t := &np.cells[i]
	if t.imageIdx == 0 {
		t.cell.Header.LeftChild = pn
		return
	}
	h := readCellHeader(np.image(), t.imageIdx)
	h.LeftChild = pn
	writeCellHeader(np.image(), t.imageIdx, h)
}

// IsOverfull reports whether the last InsertCell could not fit its cell
// on the page; the page must be rebalanced before any further write.
func (np *NodePage) IsOverfull() bool { return np.overfull }

// FreeBytes returns the number of bytes currently available for new
// cells (the sum of the free-block chain).
func (np *NodePage) FreeBytes() uint16 { return np.numFreeBytes }

// CopyPage overwrites np's image and in-memory state with src's, used by
// the balance algorithm's root-overflow handling. Mirrors
// NodePage::CopyPage.
func (np *NodePage) CopyPage(src *NodePage) {
	copy(np.image(), src.image())
	np.parent = src.parent
	np.parentPN = src.parentPN
	np.numFreeBytes = src.numFreeBytes
	np.overfull = src.overfull
	np.cells = append([]cellTracker(nil), src.cells...)
	np.init = true
}
