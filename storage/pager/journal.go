package pager

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"

	"github.com/FocuswithJustin/pagedb/storage/rc"
)

// journalMagic is the 8-byte sentinel at the start of every journal file,
// taken verbatim from SQLite's own aJournalMagic.
var journalMagic = [8]byte{0xd9, 0xd5, 0x05, 0xf9, 0x20, 0xa1, 0x63, 0xd4}

const journalHeaderSize = len(journalMagic) + 4 // magic + original page count (int32)

// pageRecordSize is one journal/checkpoint-journal record: a page number
// followed by the pre-image of that page.
const pageRecordSize = 4 + PageSize

// writeJournalHeader writes the magic bytes and the original database size
// at the start of a freshly opened journal file.
func writeJournalHeader(f *os.File, originalSize int32) rc.ResultCode {
	var hdr [journalHeaderSize]byte
	copy(hdr[:8], journalMagic[:])
	binary.BigEndian.PutUint32(hdr[8:12], uint32(originalSize))
	if _, err := f.Write(hdr[:]); err != nil {
		return rc.IOErrorWrite
	}
	return rc.Ok
}

// appendPageRecord appends one page's number and pre-image to the journal.
func appendPageRecord(f *os.File, number PageNumber, image []byte) rc.ResultCode {
	var buf [pageRecordSize]byte
	binary.BigEndian.PutUint32(buf[:4], uint32(number))
	copy(buf[4:], image)
	if _, err := f.Write(buf[:]); err != nil {
		return rc.IOErrorWrite
	}
	return rc.Ok
}

// playback truncates the db file back to the journal's recorded original
// page count, then replays the journal's page records onto it in reverse
// order, restoring pre-transaction contents. It mirrors
// SqlitePagerPrivatePlayback.
func playback(journal *os.File, db *os.File) rc.ResultCode {
	size, err := journal.Seek(0, io.SeekEnd)
	if err != nil {
		return rc.IOErrorSeek
	}
	if size < int64(journalHeaderSize) {
		return rc.Ok
	}
	numRecords := (size - int64(journalHeaderSize)) / int64(pageRecordSize)

	hdr := make([]byte, journalHeaderSize)
	if _, err := journal.ReadAt(hdr, 0); err != nil {
		return rc.IOErrorRead
	}
	if !bytes.Equal(hdr[:8], journalMagic[:]) {
		return rc.Corrupt
	}
	originalSize := int32(binary.BigEndian.Uint32(hdr[8:12]))

	if err := db.Truncate(int64(originalSize) * PageSize); err != nil {
		return rc.IOErrorTruncate
	}

	for i := numRecords - 1; i >= 0; i-- {
		off := int64(journalHeaderSize) + i*int64(pageRecordSize)
		if code := playbackOneRecord(journal, db, off); !code.OK() {
			return code
		}
	}
	return rc.Ok
}

// playbackOneRecord restores a single journaled page's pre-image into the
// database file, mirroring SqlitePagerPrivatePlaybackOnePage.
func playbackOneRecord(journal, db *os.File, offset int64) rc.ResultCode {
	buf := make([]byte, pageRecordSize)
	if _, err := journal.ReadAt(buf, offset); err != nil {
		return rc.IOErrorRead
	}
	number := PageNumber(binary.BigEndian.Uint32(buf[:4]))
	if number == 0 {
		return rc.Corrupt
	}
	image := buf[4:]
	if _, err := db.WriteAt(image, int64(number-1)*PageSize); err != nil {
		return rc.IOErrorWrite
	}
	return rc.Ok
}
