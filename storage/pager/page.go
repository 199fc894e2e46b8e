package pager

import "encoding/binary"

// PageNumber identifies a page within a database file. Pages are 1-indexed;
// 0 is never a valid page number.
type PageNumber uint32

// ImageIndex is a byte offset into a page image, counted from the start
// of the image (so it includes whatever fixed header that page type
// carries). It is 16 bits because no offset within a 1024-byte page needs
// more.
type ImageIndex uint16

// Page is one in-memory copy of a disk page: a fixed 1024-byte image plus
// the bookkeeping the pager needs to cache, journal, and evict it. Higher
// layers (the tree) never see this struct directly; they wrap Image in a
// typed view (see storage/btree) and call back into the Pager for Ref,
// Unref and Write.
type Page struct {
	pager  *Pager
	number PageNumber
	Image  [PageSize]byte

	refCount int32

	dirty        bool
	inJournal    bool
	inCheckpoint bool

	// Free list links (FirstNonDirty policy): pages with refCount == 0 are
	// threaded here, most-recently-released at the tail.
	prevFree, nextFree *Page

	// All-pages list: every live page is threaded here regardless of ref
	// count. Commit walks this list to find dirty pages to flush.
	prevAll, nextAll *Page

	// LRU policy bookkeeping, zero unless the pager was opened with LRU
	// eviction.
	lruTouch uint64
}

// Number returns the page number this image was read from or written to.
func (p *Page) Number() PageNumber { return p.number }

// Dirty reports whether the page has been modified since it was last
// flushed to the journal and database file.
func (p *Page) Dirty() bool { return p.dirty }

func uint32At(b []byte, off int) uint32 { return binary.BigEndian.Uint32(b[off:]) }
func putUint32At(b []byte, off int, v uint32) { binary.BigEndian.PutUint32(b[off:], v) }
func uint16At(b []byte, off int) uint16 { return binary.BigEndian.Uint16(b[off:]) }
func putUint16At(b []byte, off int, v uint16) { binary.BigEndian.PutUint16(b[off:], v) }
