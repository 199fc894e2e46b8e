package btree

import (
	"github.com/FocuswithJustin/pagedb/storage/pager"
	"github.com/FocuswithJustin/pagedb/storage/rc"
)

// fillInCell builds the cell for (key, data): entirely local if it fits
// within MaxLocalPayload, otherwise the tail spills into a freshly
// written overflow chain. Mirrors Btree::FillInCell.
//
// Keys are assumed to fit within MaxLocalPayload on their own; only the
// value may spill to overflow (see DESIGN.md for why this module departs
// from the reference's combined key‖data overflow split).
func (t *Tree) fillInCell(leftChild pager.PageNumber, key, data []byte) (*Cell, error) {
	if len(key) > MaxLocalPayload {
		return nil, rc.TooBig
	}
	h := cellHeader{LeftChild: leftChild, KeySize: uint32(len(key)), DataSize: uint32(len(data))}
	combined := make([]byte, 0, len(key)+len(data))
	combined = append(combined, key...)
	combined = append(combined, data...)

	if !h.needOverflow() {
		return &Cell{Header: h, Payload: combined}, nil
	}

	local := combined[:MaxLocalPayload]
	overflowPN, err := t.writeOverflowChain(combined[MaxLocalPayload:])
	if err != nil {
		return nil, err
	}
	h.OverflowPage = overflowPN
	return &Cell{Header: h, Payload: local}, nil
}

// cellData returns a cell's full value, following its overflow chain if
// the value did not fit locally.
func (t *Tree) cellData(c *Cell) ([]byte, error) {
	if !c.needOverflow() {
		return c.Payload[c.Header.KeySize:], nil
	}
	localData := c.Payload[c.Header.KeySize:]
	tail, err := t.readOverflowChain(c.Header.OverflowPage, int(c.Header.DataSize)-len(localData))
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(localData)+len(tail))
	out = append(out, localData...)
	out = append(out, tail...)
	return out, nil
}

// cellKey returns a cell's key bytes (always local, per fillInCell).
func (t *Tree) cellKey(c *Cell) []byte {
	return c.Payload[:c.Header.KeySize]
}

// clearCell reclaims a cell's overflow chain, if it has one, before the
// cell itself is dropped or overwritten. Mirrors Btree::ClearCell.
func (t *Tree) clearCell(c *Cell) error {
	if !c.needOverflow() {
		return nil
	}
	return t.freeOverflowChain(c.Header.OverflowPage)
}

// writeOverflowChain writes data across as many freshly allocated
// overflow pages as needed and returns the head page number (0 if data
// is empty).
func (t *Tree) writeOverflowChain(data []byte) (pager.PageNumber, error) {
	if len(data) == 0 {
		return 0, nil
	}
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
	n := len(data)
	if n > OverflowCapacity {
		n = OverflowCapacity
	}
	next, err := t.writeOverflowChain(data[n:])
	if err != nil {
		return 0, err
	}
	writeOverflowPage(p, next, data[:n])
	return pn, nil
}

// readOverflowChain reads up to total bytes starting at head.
func (t *Tree) readOverflowChain(head pager.PageNumber, total int) ([]byte, error) {
	out := make([]byte, 0, total)
	pn := head
	for pn != 0 && len(out) < total {
		p, err := t.pgr.Get(pn)
		if err != nil {
			return nil, err
		}
		next, data := readOverflowPage(p)
		remain := total - len(out)
		if remain > len(data) {
			remain = len(data)
		}
		out = append(out, data[:remain]...)
		t.pgr.Unref(p)
		pn = next
	}
	if len(out) != total {
		return nil, rc.Corrupt
	}
	return out, nil
}
