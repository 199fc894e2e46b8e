package btree

import (
	"encoding/binary"

	"github.com/FocuswithJustin/pagedb/storage/pager"
)

// An overflow/free-list page reuses the same raw page in two mutually
// exclusive roles, distinguished only by how the caller interprets it. In
// both roles the first four bytes link to the next page of the chain. An
// overflow page follows them with raw payload bytes; a free-list trunk
// page follows them with a count of reusable page numbers and then the
// array itself. Neither role uses the node-page cell machinery.

const overflowHeaderSize = 4

// OverflowCapacity is how many raw payload bytes one overflow page holds.
const OverflowCapacity = pager.PageSize - overflowHeaderSize

// overflowNext reads the link to the next page in an overflow chain (0 if
// this is the last page).
func overflowNext(img []byte) pager.PageNumber {
	return pager.PageNumber(binary.BigEndian.Uint32(img[0:4]))
}

func setOverflowNext(img []byte, next pager.PageNumber) {
	binary.BigEndian.PutUint32(img[0:4], uint32(next))
}

// writeOverflowPage stores next and as much of data as fits, returning how
// many bytes were consumed.
func writeOverflowPage(p *pager.Page, next pager.PageNumber, data []byte) int {
	setOverflowNext(p.Image[:], next)
	n := copy(p.Image[overflowHeaderSize:], data)
	return n
}

func readOverflowPage(p *pager.Page) (next pager.PageNumber, data []byte) {
	return overflowNext(p.Image[:]), p.Image[overflowHeaderSize:]
}

// A free-list trunk page chains to the next trunk page and lists however
// many leaf free page numbers it currently holds.
const (
	freeTrunkNextOff    = 0
	freeTrunkCountOff   = 4
	freeTrunkHeaderSize = 8
)

// freeTrunkCapacity is how many leaf page numbers one trunk page can list.
const freeTrunkCapacity = (pager.PageSize - freeTrunkHeaderSize) / 4

func freeTrunkNext(img []byte) pager.PageNumber {
	return pager.PageNumber(binary.BigEndian.Uint32(img[freeTrunkNextOff:]))
}

func setFreeTrunkNext(img []byte, pn pager.PageNumber) {
	binary.BigEndian.PutUint32(img[freeTrunkNextOff:], uint32(pn))
}

func freeTrunkCount(img []byte) uint32 {
	return binary.BigEndian.Uint32(img[freeTrunkCountOff:])
}

func setFreeTrunkCount(img []byte, n uint32) {
	binary.BigEndian.PutUint32(img[freeTrunkCountOff:], n)
}

func freeTrunkEntry(img []byte, i int) pager.PageNumber {
	off := freeTrunkHeaderSize + i*4
	return pager.PageNumber(binary.BigEndian.Uint32(img[off:]))
}

func setFreeTrunkEntry(img []byte, i int, pn pager.PageNumber) {
	off := freeTrunkHeaderSize + i*4
	binary.BigEndian.PutUint32(img[off:], uint32(pn))
}
