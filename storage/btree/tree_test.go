package btree

import (
	"bytes"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/FocuswithJustin/pagedb/storage/pager"
)

func openTestTree(t *testing.T) *Tree {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	tr, err := Open(path, pager.Default())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { tr.Close() })
	return tr
}

// TestSingleInsert mirrors scenario S1: an empty database, a freshly
// created table, an insert of one small key/value pair, and a readback
// of that exact pair.
func TestSingleInsert(t *testing.T) {
	tr := openTestTree(t)
	if err := tr.BeginTrans(); err != nil {
		t.Fatalf("BeginTrans: %v", err)
	}
	root, err := tr.CreateTable()
	if err != nil {
		t.Fatalf("CreateTable: %v", err)
	}

	key := []byte{0x2A, 0x00, 0x00, 0x00}
	data := []byte{0x18, 0x00, 0x00, 0x00}
	if err := tr.Put(root, key, data); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := tr.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	got, found, err := tr.Get(root, key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !found {
		t.Fatalf("expected key to be found")
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("got %x, want %x", got, data)
	}
}

// TestDeleteNonexistent mirrors scenario S3: deleting a key that was
// never inserted must report not-found and leave the tree untouched.
func TestDeleteNonexistent(t *testing.T) {
	tr := openTestTree(t)
	if err := tr.BeginTrans(); err != nil {
		t.Fatalf("BeginTrans: %v", err)
	}
	root, err := tr.CreateTable()
	if err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	for _, k := range []int{10, 20, 30} {
		if err := tr.Put(root, keyFor(k), keyFor(k*2)); err != nil {
			t.Fatalf("Put(%d): %v", k, err)
		}
	}

	found, err := tr.DeleteKey(root, keyFor(99))
	if err != nil {
		t.Fatalf("DeleteKey: %v", err)
	}
	if found {
		t.Fatalf("expected key 99 not to be found")
	}

	for _, k := range []int{10, 20, 30} {
		_, found, err := tr.Get(root, keyFor(k))
		if err != nil {
			t.Fatalf("Get(%d): %v", k, err)
		}
		if !found {
			t.Fatalf("key %d should still be present after a failed delete", k)
		}
	}
}

// TestMultiLayerGrowth mirrors scenario S4: inserting enough keys to
// force the tree past a single page, then confirming in-order traversal
// still yields every key exactly once in ascending order.
func TestMultiLayerGrowth(t *testing.T) {
	tr := openTestTree(t)
	if err := tr.BeginTrans(); err != nil {
		t.Fatalf("BeginTrans: %v", err)
	}
	root, err := tr.CreateTable()
	if err != nil {
		t.Fatalf("CreateTable: %v", err)
	}

	const n = 100
	for i := 0; i < n; i++ {
		if err := tr.Put(root, keyFor(i), keyFor(i)); err != nil {
			t.Fatalf("Put(%d): %v", i, err)
		}
	}
	if err := tr.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	var seen []int
	err = tr.Scan(root, func(key, data []byte) bool {
		seen = append(seen, intFromKey(key))
		return true
	})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(seen) != n {
		t.Fatalf("expected %d keys, got %d", n, len(seen))
	}
	for i, v := range seen {
		if v != i {
			t.Fatalf("out of order at position %d: got %d", i, v)
		}
	}

	pc, err := tr.PageCount()
	if err != nil {
		t.Fatalf("PageCount: %v", err)
	}
	// Pages 1 and 2 are reserved, so a tree spanning more than one page
	// needs at least 4 pages in the file.
	if pc < 4 {
		t.Fatalf("expected tree to span more than one page, got %d pages", pc)
	}
}

// TestOverflowPayload exercises invariant 10: a value large enough to
// spill into overflow pages round-trips byte for byte.
func TestOverflowPayload(t *testing.T) {
	tr := openTestTree(t)
	if err := tr.BeginTrans(); err != nil {
		t.Fatalf("BeginTrans: %v", err)
	}
	root, err := tr.CreateTable()
	if err != nil {
		t.Fatalf("CreateTable: %v", err)
	}

	big := make([]byte, 10*pager.PageSize+37)
	for i := range big {
		big[i] = byte(i)
	}
	if err := tr.Put(root, []byte("bigvalue"), big); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := tr.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	got, found, err := tr.Get(root, []byte("bigvalue"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !found {
		t.Fatalf("expected key to be found")
	}
	if !bytes.Equal(got, big) {
		t.Fatalf("overflow payload mismatch: got %d bytes, want %d", len(got), len(big))
	}
}

// TestDropTable confirms DropTable frees the root along with every
// descendant page, and that the freed pages are reused by a later
// allocation rather than growing the file further.
func TestDropTable(t *testing.T) {
	tr := openTestTree(t)
	if err := tr.BeginTrans(); err != nil {
		t.Fatalf("BeginTrans: %v", err)
	}
	root, err := tr.CreateTable()
	if err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	for i := 0; i < 50; i++ {
		if err := tr.Put(root, keyFor(i), keyFor(i)); err != nil {
			t.Fatalf("Put(%d): %v", i, err)
		}
	}
	before, err := tr.PageCount()
	if err != nil {
		t.Fatalf("PageCount: %v", err)
	}

	if err := tr.DropTable(root); err != nil {
		t.Fatalf("DropTable: %v", err)
	}
	root2, err := tr.CreateTable()
	if err != nil {
		t.Fatalf("CreateTable after drop: %v", err)
	}
	if err := tr.Put(root2, []byte("k"), []byte("v")); err != nil {
		t.Fatalf("Put into reused tree: %v", err)
	}
	if err := tr.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	after, err := tr.PageCount()
	if err != nil {
		t.Fatalf("PageCount: %v", err)
	}
	if after > before {
		t.Fatalf("expected freed pages to be reused, file grew from %d to %d pages", before, after)
	}
}

// TestWritableCursorExclusivity mirrors invariant 7: a writable cursor on
// a root excludes every other cursor on that root, a reader included.
func TestWritableCursorExclusivity(t *testing.T) {
	tr := openTestTree(t)
	if err := tr.BeginTrans(); err != nil {
		t.Fatalf("BeginTrans: %v", err)
	}
	root, err := tr.CreateTable()
	if err != nil {
		t.Fatalf("CreateTable: %v", err)
	}

	w, err := tr.OpenCursor(root, true)
	if err != nil {
		t.Fatalf("OpenCursor writable: %v", err)
	}
	defer w.Close()

	if _, err := tr.OpenCursor(root, false); err == nil {
		t.Fatalf("expected a second cursor to be locked out while a writer is open")
	}
}

// TestClearTableLocked confirms ClearTable refuses to run while a cursor
// holds the table open.
func TestClearTableLocked(t *testing.T) {
	tr := openTestTree(t)
	if err := tr.BeginTrans(); err != nil {
		t.Fatalf("BeginTrans: %v", err)
	}
	root, err := tr.CreateTable()
	if err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	c, err := tr.OpenCursor(root, false)
	if err != nil {
		t.Fatalf("OpenCursor: %v", err)
	}
	defer c.Close()

	if err := tr.ClearTable(root); err == nil {
		t.Fatalf("expected ClearTable to refuse while a cursor is open")
	}
}

// TestCreateTableRootPageNumber confirms a brand-new database reserves
// pages 1 and 2 before any table exists, so the first CreateTable call
// roots its tree at page 3.
func TestCreateTableRootPageNumber(t *testing.T) {
	tr := openTestTree(t)
	if err := tr.BeginTrans(); err != nil {
		t.Fatalf("BeginTrans: %v", err)
	}
	root, err := tr.CreateTable()
	if err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	if root != 3 {
		t.Fatalf("expected first table's root to be page 3, got %d", root)
	}
}

// TestDropTablePreservesReservedPage confirms dropping a table never
// hands page 2 back out through a later allocation, and that the
// reserved meta ints on the header page keep working after the drop.
func TestDropTablePreservesReservedPage(t *testing.T) {
	tr := openTestTree(t)
	if err := tr.BeginTrans(); err != nil {
		t.Fatalf("BeginTrans: %v", err)
	}
	root, err := tr.CreateTable()
	if err != nil {
		t.Fatalf("CreateTable: %v", err)
	}
	for i := 0; i < 20; i++ {
		if err := tr.Put(root, keyFor(i), keyFor(i)); err != nil {
			t.Fatalf("Put(%d): %v", i, err)
		}
	}
	if err := tr.UpdateMeta(1, 0xabcd); err != nil {
		t.Fatalf("UpdateMeta: %v", err)
	}

	if err := tr.DropTable(root); err != nil {
		t.Fatalf("DropTable: %v", err)
	}

	v, err := tr.GetMeta(1)
	if err != nil {
		t.Fatalf("GetMeta after drop: %v", err)
	}
	if v != 0xabcd {
		t.Fatalf("expected reserved meta int to survive DropTable, got %#x", v)
	}

	root2, err := tr.CreateTable()
	if err != nil {
		t.Fatalf("CreateTable after drop: %v", err)
	}
	if root2 == 2 {
		t.Fatalf("expected the reserved page never to be handed out as a table root")
	}
	if err := tr.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
}

// TestInsertDeleteManyPreservesOrder inserts enough keys to build a
// multi-level tree, deletes every other one (forcing repeated
// redistribution across levels), and confirms every surviving key is
// still present, every deleted key is gone, and a scan still yields the
// remainder in ascending order.
func TestInsertDeleteManyPreservesOrder(t *testing.T) {
	tr := openTestTree(t)
	if err := tr.BeginTrans(); err != nil {
		t.Fatalf("BeginTrans: %v", err)
	}
	root, err := tr.CreateTable()
	if err != nil {
		t.Fatalf("CreateTable: %v", err)
	}

	const n = 300
	for i := 0; i < n; i++ {
		if err := tr.Put(root, keyFor(i), keyFor(i*2)); err != nil {
			t.Fatalf("Put(%d): %v", i, err)
		}
	}

	var kept []int
	for i := 0; i < n; i++ {
		if i%2 == 0 {
			found, err := tr.DeleteKey(root, keyFor(i))
			if err != nil {
				t.Fatalf("DeleteKey(%d): %v", i, err)
			}
			if !found {
				t.Fatalf("expected key %d to be found before delete", i)
			}
			continue
		}
		kept = append(kept, i)
	}
	if err := tr.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	for i := 0; i < n; i++ {
		data, found, err := tr.Get(root, keyFor(i))
		if err != nil {
			t.Fatalf("Get(%d): %v", i, err)
		}
		if i%2 == 0 {
			if found {
				t.Fatalf("key %d should have been deleted", i)
			}
			continue
		}
		if !found {
			t.Fatalf("key %d should still be present", i)
		}
		if !bytes.Equal(data, keyFor(i*2)) {
			t.Fatalf("key %d: got %q, want %q", i, data, keyFor(i*2))
		}
	}

	var seen []int
	if err := tr.Scan(root, func(key, _ []byte) bool {
		seen = append(seen, intFromKey(key))
		return true
	}); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(seen) != len(kept) {
		t.Fatalf("expected %d surviving keys, got %d", len(kept), len(seen))
	}
	for i, v := range seen {
		if v != kept[i] {
			t.Fatalf("out of order at position %d: got %d, want %d", i, v, kept[i])
		}
	}
}

func keyFor(i int) []byte {
	return []byte(fmt.Sprintf("%08d", i))
}

func intFromKey(k []byte) int {
	var n int
	fmt.Sscanf(string(k), "%d", &n)
	return n
}
