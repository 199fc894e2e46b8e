package btree

import (
	"encoding/binary"

	"github.com/FocuswithJustin/pagedb/storage/pager"
	"github.com/FocuswithJustin/pagedb/storage/rc"
)

// correctMagicInt stamps page 1 so a freshly created or reopened database
// file can be told apart from garbage. Mirrors first_page.cc's
// kCorrectMagicInt.
const correctMagicInt uint32 = 0x50616765 // "Page"

// metaIntArraySize is how many reserved meta ints first page carries.
// Element 0 aliases numFreePages; elements 1-3 are free for callers.
const metaIntArraySize = 4

const (
	firstPageMagicOff     = 0
	firstPageFirstFreeOff = 4
	firstPageNumFreeOff   = 8
	firstPageMetaOff      = 12 // 4 ints, element 0 == numFreePages (aliased, not stored here)
	firstPageHeaderSize   = firstPageMetaOff + (metaIntArraySize-1)*4
)

// firstPageView is the byte-level header carried on page 1: a magic
// stamp, the head of the free-list trunk chain, the total free page
// count, and a small reserved meta-int array (its first slot aliases the
// free page count, matching FirstPageByteView's layout).
type firstPageView struct {
	page *pager.Page
}

func wrapFirstPage(p *pager.Page) firstPageView { return firstPageView{page: p} }

func (f firstPageView) img() []byte { return f.page.Image[:] }

func (f firstPageView) hasCorrectMagic() bool {
	return binary.BigEndian.Uint32(f.img()[firstPageMagicOff:]) == correctMagicInt
}

func (f firstPageView) setDefault() {
	img := f.img()
	for i := range img {
		img[i] = 0
	}
	binary.BigEndian.PutUint32(img[firstPageMagicOff:], correctMagicInt)
	binary.BigEndian.PutUint32(img[firstPageFirstFreeOff:], 0)
	binary.BigEndian.PutUint32(img[firstPageNumFreeOff:], 0)
}

func (f firstPageView) firstFreePage() pager.PageNumber {
	return pager.PageNumber(binary.BigEndian.Uint32(f.img()[firstPageFirstFreeOff:]))
}

func (f firstPageView) setFirstFreePage(pn pager.PageNumber) {
	binary.BigEndian.PutUint32(f.img()[firstPageFirstFreeOff:], uint32(pn))
}

func (f firstPageView) numFreePages() uint32 {
	return binary.BigEndian.Uint32(f.img()[firstPageNumFreeOff:])
}

func (f firstPageView) setNumFreePages(n uint32) {
	binary.BigEndian.PutUint32(f.img()[firstPageNumFreeOff:], n)
}

func (f firstPageView) incrementNumFreePages() {
	f.setNumFreePages(f.numFreePages() + 1)
}

func (f firstPageView) decrementNumFreePages() {
	n := f.numFreePages()
	if n > 0 {
		f.setNumFreePages(n - 1)
	}
}

// getMeta reads reserved meta int idx (0-3). Index 0 returns the free
// page count; 1-3 read the raw on-page reserved ints.
func (f firstPageView) getMeta(idx int) (uint32, rc.ResultCode) {
	if idx < 0 || idx >= metaIntArraySize {
		return 0, rc.Misuse
	}
	if idx == 0 {
		return f.numFreePages(), rc.Ok
	}
	off := firstPageMetaOff + (idx-1)*4
	return binary.BigEndian.Uint32(f.img()[off:]), rc.Ok
}

// updateMeta writes reserved meta int idx. Index 0 is rejected: the free
// page count is maintained internally and must not be overwritten by a
// caller.
func (f firstPageView) updateMeta(idx int, value uint32) rc.ResultCode {
	if idx <= 0 || idx >= metaIntArraySize {
		return rc.Misuse
	}
	off := firstPageMetaOff + (idx-1)*4
	binary.BigEndian.PutUint32(f.img()[off:], value)
	return rc.Ok
}
