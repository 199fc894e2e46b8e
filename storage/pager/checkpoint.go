package pager

import (
	"os"

	"github.com/FocuswithJustin/pagedb/internal/logging"
	"github.com/FocuswithJustin/pagedb/storage/rc"
)

// CkptBegin opens a nested checkpoint sub-transaction against the
// database's current state. It must be called inside an enclosing write
// transaction (i.e. after at least one Write). From this point on, the
// first Write to any page also journals that page's pre-checkpoint image
// into a second, independent journal file, so CkptRollback can undo just
// the checkpoint's writes while CkptCommit keeps them and folds them into
// the enclosing transaction.
func (pg *Pager) CkptBegin() error {
	pg.mu.Lock()
	defer pg.mu.Unlock()
	if pg.lockState != WriteLock {
		return rc.Error
	}
	if !pg.ckptJournalOpen {
		jf, err := os.OpenFile(pg.ckptJournalFileName, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
		if err != nil {
			return rc.CantOpen
		}
		pg.ckptJournalFile = jf
		pg.ckptJournalOpen = true
	}
	pg.ckptJournalInUse = true
	pg.ckptPages = make(map[PageNumber]bool)
	logging.PagerEvent("checkpoint_begin")
	return nil
}

// CkptCommit keeps every page written since CkptBegin (they remain part of
// the enclosing transaction) and discards the checkpoint journal.
func (pg *Pager) CkptCommit() error {
	pg.mu.Lock()
	defer pg.mu.Unlock()
	if !pg.ckptJournalInUse {
		return rc.Ok
	}
	pg.ckptCommitLocked()
	logging.PagerEvent("checkpoint_commit")
	return nil
}

func (pg *Pager) ckptCommitLocked() {
	if pg.ckptJournalFile != nil {
		pg.ckptJournalFile.Truncate(0)
		pg.ckptJournalFile.Seek(0, 0)
	}
	for _, p := range pg.pages {
		p.inCheckpoint = false
	}
	pg.ckptPages = make(map[PageNumber]bool)
	pg.ckptJournalInUse = false
}

// CkptRollback undoes every page written since CkptBegin by replaying the
// checkpoint journal (mechanically identical to the main journal's replay,
// since both journals share the same page-record layout; the checkpoint
// journal has no header), then commits to clear the checkpoint state.
func (pg *Pager) CkptRollback() error {
	pg.mu.Lock()
	defer pg.mu.Unlock()
	if !pg.ckptJournalInUse {
		return rc.Ok
	}
	code := pg.ckptPlaybackLocked()
	pg.ckptCommitLocked()
	logging.PagerEvent("checkpoint_rollback")
	return asError(code)
}

// ckptPlaybackLocked replays the checkpoint journal's page records onto
// the database file, exactly like the main journal's playback (the
// reference implementation leaves this unfinished; the spec calls for it
// to be mechanically identical to the main journal replay, so it reuses
// the same record format and the same reverse-order restore loop, only
// skipping the truncate-to-original-size step since a checkpoint never
// changes the database's page count on its own).
func (pg *Pager) ckptPlaybackLocked() rc.ResultCode {
	size, err := pg.ckptJournalFile.Seek(0, 2)
	if err != nil {
		return rc.IOErrorSeek
	}
	if size == 0 {
		return rc.Ok
	}
	numRecords := size / int64(pageRecordSize)
	for i := numRecords - 1; i >= 0; i-- {
		off := i * int64(pageRecordSize)
		if code := playbackOneRecord(pg.ckptJournalFile, pg.file, off); !code.OK() {
			return code
		}
	}
	return rc.Ok
}
