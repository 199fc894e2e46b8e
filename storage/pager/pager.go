// Package pager implements a paged-file storage layer: a bounded in-memory
// cache of fixed 1024-byte pages backed by a single database file, with a
// write-ahead rollback journal for atomic commit/rollback and a nested
// checkpoint journal for sub-transactions.
//
// This is a pure Go implementation grounded in a reference pager written
// against SQLite's own pager.c design (see DESIGN.md), adapted to Go
// idioms: explicit ResultCode-typed errors instead of exceptions, a
// sync.Mutex-guarded struct instead of hand-rolled reference counting
// tricks, and a doubly-linked all-pages list walked directly instead of
// STL containers.
package pager

import (
	"os"
	"sync"

	"github.com/FocuswithJustin/pagedb/internal/logging"
	"github.com/FocuswithJustin/pagedb/storage/rc"
)

// LockState is the pager's three-state lock machine, mirroring
// SqliteLockState.
type LockState uint8

const (
	Unlocked LockState = iota
	ReadLock
	WriteLock
)

// pagerError is an accumulated condition that poisons every subsequent
// call until the pager is rolled back, mirroring err_mask_.
type pagerError uint8

const (
	errFull pagerError = 1 << iota
	errMem
	errLock
	errCorrupt
	errDisk
)

// Pager manages one open database file: its in-memory page cache, its
// rollback journal, and its nested checkpoint journal.
type Pager struct {
	mu sync.Mutex

	fileName           string
	journalFileName    string
	ckptJournalFileName string

	file            *os.File
	journalFile     *os.File
	ckptJournalFile *os.File

	readOnly   bool
	lockState  LockState
	errMask    pagerError

	dbOriginalSize int32 // pages, as of the start of the current transaction
	dbSize         int32 // -1 means "unknown, recompute"

	journalOpen        bool
	ckptJournalOpen    bool
	ckptJournalInUse   bool
	journalSyncAllowed bool
	journalNeedSync    bool
	dirty              bool

	cacheSize           int
	numPages            int
	numPagesRefPositive int
	evictionPolicy      EvictionPolicy
	lruClock            uint64

	pages     map[PageNumber]*Page
	freeFirst *Page
	freeLast  *Page
	allFirst  *Page

	journalPages map[PageNumber]bool
	ckptPages    map[PageNumber]bool
}

func asError(code rc.ResultCode) error {
	if code.OK() {
		return nil
	}
	return code
}

// Open opens (creating if necessary) the database file at path and returns
// a ready Pager. The journal file is named path + "-journal" and the
// checkpoint journal path + "-checkpoint", matching the reference pager.
// If a journal file is found to already exist, it is replayed before Open
// returns, recovering from a prior crash mid-transaction.
func Open(path string, opts Options) (*Pager, error) {
	opts = opts.normalized()

	flag := os.O_RDWR | os.O_CREATE
	if opts.ReadOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flag, 0o644)
	if err != nil {
		return nil, rc.CantOpen
	}

	pg := &Pager{
		fileName:            path,
		journalFileName:     path + "-journal",
		ckptJournalFileName: path + "-checkpoint",
		file:                f,
		readOnly:            opts.ReadOnly,
		lockState:           Unlocked,
		dbSize:              -1,
		journalSyncAllowed:  opts.JournalSyncAllowed,
		cacheSize:           opts.CacheSize,
		evictionPolicy:      opts.Eviction,
		pages:               make(map[PageNumber]*Page),
		journalPages:        make(map[PageNumber]bool),
		ckptPages:           make(map[PageNumber]bool),
	}

	if _, err := os.Stat(pg.journalFileName); err == nil {
		logging.PagerEvent("journal_found_on_open", "file", pg.journalFileName)
		if code := pg.recoverFromJournal(); !code.OK() {
			f.Close()
			return nil, code
		}
	}

	return pg, nil
}

// recoverFromJournal replays a pre-existing journal file and removes it,
// used both at Open and can be reused by tests.
func (pg *Pager) recoverFromJournal() rc.ResultCode {
	jf, err := os.OpenFile(pg.journalFileName, os.O_RDWR, 0o644)
	if err != nil {
		return rc.CantOpen
	}
	defer jf.Close()
	pg.lockState = WriteLock
	code := playback(jf, pg.file)
	pg.lockState = ReadLock
	os.Remove(pg.journalFileName)
	pg.dbSize = -1
	return code
}

// Close flushes nothing (an open write transaction should have been
// committed or rolled back already) and releases the OS file handles.
func (pg *Pager) Close() error {
	pg.mu.Lock()
	defer pg.mu.Unlock()
	if pg.lockState == WriteLock {
		pg.rollbackLocked()
	}
	if pg.journalFile != nil {
		pg.journalFile.Close()
	}
	if pg.ckptJournalFile != nil {
		pg.ckptJournalFile.Close()
	}
	return pg.file.Close()
}

// retrieveError converts an accumulated error mask into the ResultCode the
// original would have returned, in the same priority order as
// SqlitePagerPrivateRetrieveError.
func (pg *Pager) retrieveError() rc.ResultCode {
	code := rc.Ok
	if pg.errMask&errLock != 0 {
		code = rc.Protocol
	}
	if pg.errMask&errDisk != 0 {
		code = rc.IOError
	}
	if pg.errMask&errFull != 0 {
		code = rc.Full
	}
	if pg.errMask&errMem != 0 {
		code = rc.NoMem
	}
	if pg.errMask&errCorrupt != 0 {
		code = rc.Corrupt
	}
	return code
}

// Get loads the page at number into the cache, reading it from the
// database file (or zero-filling it, if the file is not yet that large)
// and returns it with its reference count incremented.
func (pg *Pager) Get(number PageNumber) (*Page, error) {
	pg.mu.Lock()
	defer pg.mu.Unlock()
	return pg.getLocked(number)
}

func (pg *Pager) getLocked(number PageNumber) (*Page, error) {
	if number == 0 {
		return nil, rc.Error
	}
	if pg.errMask != 0 && pg.errMask != errFull {
		return nil, pg.retrieveError()
	}

	if pg.numPagesRefPositive == 0 {
		pg.lockState = ReadLock
	}

	if p := pg.cacheLookup(number); p != nil {
		pg.refLocked(p)
		pg.touchLRU(p)
		return p, nil
	}

	var p *Page
	if pg.numPages < pg.cacheSize || pg.freeFirst == nil {
		p = &Page{pager: pg, number: number}
		pg.addToCache(p)
		pg.numPages++
	} else {
		p = pg.evictPage()
		if p == nil {
			if code := pg.syncAllDirty(); !code.OK() {
				pg.rollbackLocked()
				return nil, rc.IOError
			}
			p = pg.freeFirst
			if p == nil {
				return nil, rc.Full
			}
			pg.unlinkFree(p)
		}
		old := p.number
		pg.removeFromCache(old, p)
		pg.pages[number] = p
		*p = Page{pager: pg, number: number, prevAll: p.prevAll, nextAll: p.nextAll}
	}

	p.number = number
	p.inJournal = pg.journalPages[number] && int32(number) <= pg.dbOriginalSize
	p.inCheckpoint = pg.ckptPages[number] && int32(number) <= pg.dbOriginalSize
	p.dirty = false
	p.refCount = 1
	pg.numPagesRefPositive++

	if pg.dbSize < 0 {
		pg.pageCountLocked()
	}
	if int32(number) <= pg.dbSize {
		if _, err := pg.file.ReadAt(p.Image[:], int64(number-1)*PageSize); err != nil {
			return nil, rc.IOErrorRead
		}
	}

	pg.touchLRU(p)
	return p, nil
}

// Lookup returns a page only if already cached; it never touches disk.
func (pg *Pager) Lookup(number PageNumber) (*Page, error) {
	pg.mu.Lock()
	defer pg.mu.Unlock()
	if number == 0 {
		return nil, rc.Format
	}
	if pg.errMask != 0 && pg.errMask != errFull {
		return nil, rc.Error
	}
	if pg.numPagesRefPositive == 0 {
		return nil, rc.Empty
	}
	p := pg.cacheLookup(number)
	if p != nil {
		pg.refLocked(p)
		pg.touchLRU(p)
	}
	return p, nil
}

// Ref increments a page's reference count.
func (pg *Pager) Ref(p *Page) {
	pg.mu.Lock()
	defer pg.mu.Unlock()
	pg.refLocked(p)
	pg.touchLRU(p)
}

func (pg *Pager) refLocked(p *Page) {
	if p.refCount == 0 {
		pg.unlinkFree(p)
		pg.numPagesRefPositive++
	}
	p.refCount++
}

// Unref decrements a page's reference count. When the count reaches zero
// the page becomes eligible for eviction; when every outstanding page has
// been released the read lock on the database file is dropped.
func (pg *Pager) Unref(p *Page) {
	pg.mu.Lock()
	defer pg.mu.Unlock()
	p.refCount--
	if p.refCount > 0 {
		return
	}
	if pg.evictionPolicy != LRU {
		pg.releaseToFree(p)
	}
	pg.numPagesRefPositive--
	if pg.numPagesRefPositive == 0 {
		pg.resetLocked()
	}
}

// resetLocked drops all cached pages and the read lock, mirroring
// SqlitePagerPrivatePagerReset.
func (pg *Pager) resetLocked() {
	pg.pages = make(map[PageNumber]*Page)
	pg.allFirst = nil
	pg.freeFirst = nil
	pg.freeLast = nil
	pg.numPages = 0
	if pg.lockState == WriteLock {
		pg.rollbackLocked()
	}
	pg.lockState = Unlocked
	pg.dbSize = -1
	pg.numPagesRefPositive = 0
}

// Write grants permission to modify p's image, journaling its pre-image
// first if this is the first write to p since the transaction (and, if a
// checkpoint is active, since the checkpoint) began.
func (pg *Pager) Write(p *Page) error {
	pg.mu.Lock()
	defer pg.mu.Unlock()
	if pg.errMask != 0 {
		return rc.Error
	}
	if pg.readOnly {
		return rc.Perm
	}

	p.dirty = true
	pg.touchLRU(p)

	if p.inJournal && (p.inCheckpoint || !pg.ckptJournalInUse) {
		pg.dirty = true
		return nil
	}

	if code := pg.beginLocked(); !code.OK() {
		return code
	}
	pg.dirty = true

	if !p.inJournal && int32(p.number) <= pg.dbOriginalSize {
		if code := appendPageRecord(pg.journalFile, p.number, p.Image[:]); !code.OK() {
			pg.rollbackLocked()
			pg.errMask |= errFull
			return code
		}
		pg.journalPages[p.number] = true
		pg.journalNeedSync = pg.journalSyncAllowed
		p.inJournal = true
		if pg.ckptJournalInUse {
			pg.ckptPages[p.number] = true
			p.inCheckpoint = true
		}
	}

	if pg.ckptJournalInUse && !p.inCheckpoint && int32(p.number) <= pg.dbOriginalSize {
		if code := appendPageRecord(pg.ckptJournalFile, p.number, p.Image[:]); !code.OK() {
			pg.rollbackLocked()
			pg.errMask |= errFull
			return code
		}
		pg.ckptPages[p.number] = true
		p.inCheckpoint = true
	}

	if pg.dbSize < int32(p.number) {
		pg.dbSize = int32(p.number)
	}
	return nil
}

// IsWritable reports whether p has already been passed to Write in the
// current transaction.
func (pg *Pager) IsWritable(p *Page) bool {
	pg.mu.Lock()
	defer pg.mu.Unlock()
	return p.dirty
}

// PageCount returns the number of pages in the database file (not the
// cache), reading the file size the first time it is needed.
func (pg *Pager) PageCount() (uint32, error) {
	pg.mu.Lock()
	defer pg.mu.Unlock()
	return pg.pageCountLocked(), nil
}

func (pg *Pager) pageCountLocked() uint32 {
	if pg.dbSize >= 0 {
		return uint32(pg.dbSize)
	}
	info, err := pg.file.Stat()
	if err != nil {
		pg.errMask |= errDisk
		return 0
	}
	n := uint32(info.Size() / PageSize)
	if pg.lockState != Unlocked {
		pg.dbSize = int32(n)
	}
	return n
}

// PageNumber returns the page number a cached page was loaded under.
func (pg *Pager) PageNumber(p *Page) PageNumber { return p.number }

// SetCacheSize raises the maximum number of pages held in memory to n; an
// n at or below the current maximum is ignored.
func (pg *Pager) SetCacheSize(n int) {
	pg.mu.Lock()
	defer pg.mu.Unlock()
	if n > pg.cacheSize {
		pg.cacheSize = n
	}
}

// IsReadOnly reports whether the pager was opened read-only.
func (pg *Pager) IsReadOnly() bool { return pg.readOnly }

// DontWrite clears the dirty flag on a cached page without journaling,
// used when a caller decides a previously-written page no longer needs to
// be persisted (e.g. it was immediately freed again).
func (pg *Pager) DontWrite(number PageNumber) {
	pg.mu.Lock()
	defer pg.mu.Unlock()
	if p := pg.cacheLookup(number); p != nil {
		p.dirty = false
	}
}

// Begin acquires the write lock and opens the rollback journal, writing
// its header. It is normally triggered implicitly by the first Write of a
// transaction, but a caller that wants the write lock held before any
// page is dirtied (e.g. to serialize against other writers) can call it
// directly. Begin only acts while the pager holds the read lock (at least
// one page pinned); from any other state it returns nil without opening a
// journal.
func (pg *Pager) Begin() error {
	pg.mu.Lock()
	defer pg.mu.Unlock()
	return asError(pg.beginLocked())
}

func (pg *Pager) beginLocked() rc.ResultCode {
	if pg.lockState != ReadLock {
		return rc.Ok
	}
	jf, err := os.OpenFile(pg.journalFileName, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return rc.CantOpen
	}
	pg.journalFile = jf
	pg.journalOpen = true
	pg.journalNeedSync = false
	pg.dirty = false
	pg.lockState = WriteLock
	pg.pageCountLocked()
	pg.dbOriginalSize = pg.dbSize

	if code := writeJournalHeader(pg.journalFile, pg.dbOriginalSize); !code.OK() {
		pg.unWriteLockLocked()
		return rc.Full
	}
	logging.PagerEvent("transaction_begin", "original_size", pg.dbOriginalSize)
	return rc.Ok
}

// Commit writes every dirty page to the database file, syncs, and
// releases the write lock.
func (pg *Pager) Commit() error {
	pg.mu.Lock()
	defer pg.mu.Unlock()

	if pg.errMask&errFull != 0 {
		pg.rollbackLocked()
		return rc.Full
	}
	if pg.errMask != 0 {
		return pg.retrieveError()
	}
	if pg.lockState != WriteLock {
		return rc.Error
	}
	if !pg.dirty {
		code := pg.unWriteLockLocked()
		pg.dbSize = -1
		return asError(code)
	}

	if pg.journalNeedSync {
		if err := pg.journalFile.Sync(); err != nil {
			return pg.commitAbortLocked()
		}
	}

	for p := pg.allFirst; p != nil; p = p.nextAll {
		if !p.dirty {
			continue
		}
		if _, err := pg.file.WriteAt(p.Image[:], int64(p.number-1)*PageSize); err != nil {
			return pg.commitAbortLocked()
		}
	}
	if pg.journalSyncAllowed {
		if err := pg.file.Sync(); err != nil {
			return pg.commitAbortLocked()
		}
	}
	code := pg.unWriteLockLocked()
	pg.dbSize = -1
	logging.PagerEvent("transaction_commit")
	return asError(code)
}

// commitAbortLocked rolls back and reports the failure as Full, matching
// SqlitePagerPrivateCommitAbort.
func (pg *Pager) commitAbortLocked() error {
	code := pg.rollbackLocked()
	if code.OK() {
		code = rc.Full
	}
	return code
}

// Rollback restores every page modified in the current transaction from
// the journal and releases the write lock.
func (pg *Pager) Rollback() error {
	pg.mu.Lock()
	defer pg.mu.Unlock()
	return asError(pg.rollbackLocked())
}

func (pg *Pager) rollbackLocked() rc.ResultCode {
	if pg.errMask != 0 && pg.errMask != errFull {
		if pg.lockState == WriteLock {
			playback(pg.journalFile, pg.file)
		}
		return pg.retrieveError()
	}
	if pg.lockState != WriteLock {
		return rc.Ok
	}
	code := playback(pg.journalFile, pg.file)
	for _, p := range pg.pages {
		if p.dirty || p.inJournal {
			pg.file.ReadAt(p.Image[:], int64(p.number-1)*PageSize)
		}
		p.dirty = false
		p.inJournal = false
		p.inCheckpoint = false
	}
	pg.unWriteLockLocked()
	if !code.OK() {
		pg.errMask |= errCorrupt
		code = rc.Corrupt
	}
	pg.dbSize = -1
	logging.PagerEvent("transaction_rollback")
	return code
}

// unWriteLockLocked closes and removes the journal, commits any still-open
// checkpoint, clears per-page journal/checkpoint/dirty flags, and drops
// back to the read lock, mirroring SqlitePagerPrivateUnWriteLock.
func (pg *Pager) unWriteLockLocked() rc.ResultCode {
	if pg.lockState != WriteLock {
		return rc.Ok
	}
	if pg.ckptJournalInUse {
		pg.ckptCommitLocked()
	}
	if pg.journalFile != nil {
		pg.journalFile.Close()
		pg.journalFile = nil
	}
	os.Remove(pg.journalFileName)
	pg.journalOpen = false
	pg.journalPages = make(map[PageNumber]bool)
	for _, p := range pg.pages {
		p.dirty = false
		p.inJournal = false
		p.inCheckpoint = false
	}
	pg.lockState = ReadLock
	return rc.Ok
}

// syncAllDirty syncs the journal (if needed) and writes every dirty page
// to the database file without releasing the write lock, used when the
// cache is full of dirty pages and nothing is evictable.
func (pg *Pager) syncAllDirty() rc.ResultCode {
	if pg.journalNeedSync {
		if err := pg.journalFile.Sync(); err != nil {
			return rc.IOErrorFsync
		}
		pg.journalNeedSync = false
	}
	for p := pg.allFirst; p != nil; p = p.nextAll {
		if !p.dirty {
			continue
		}
		if _, err := pg.file.WriteAt(p.Image[:], int64(p.number-1)*PageSize); err != nil {
			return rc.IOErrorWrite
		}
	}
	return rc.Ok
}
