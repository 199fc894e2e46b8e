package pager

import (
	"bytes"
	"path/filepath"
	"testing"
)

func openTestPager(t *testing.T, opts Options) *Pager {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	pg, err := Open(path, opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { pg.Close() })
	return pg
}

func TestWriteCommitPersists(t *testing.T) {
	pg := openTestPager(t, Default())

	p, err := pg.Get(1)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if err := pg.Write(p); err != nil {
		t.Fatalf("Write: %v", err)
	}
	copy(p.Image[:], []byte("hello world"))
	if err := pg.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	pg.Unref(p)

	p2, err := pg.Get(1)
	if err != nil {
		t.Fatalf("Get after commit: %v", err)
	}
	if !bytes.HasPrefix(p2.Image[:], []byte("hello world")) {
		t.Fatalf("page content not persisted, got %q", p2.Image[:11])
	}
}

func TestWriteRollbackDiscards(t *testing.T) {
	pg := openTestPager(t, Default())

	p, err := pg.Get(1)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if err := pg.Write(p); err != nil {
		t.Fatalf("Write: %v", err)
	}
	copy(p.Image[:], []byte("hello world"))
	if err := pg.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	pg.Unref(p)

	p, err = pg.Get(1)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if err := pg.Write(p); err != nil {
		t.Fatalf("Write: %v", err)
	}
	copy(p.Image[:], []byte("clobbered!!"))
	if err := pg.Rollback(); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	pg.Unref(p)

	p, err = pg.Get(1)
	if err != nil {
		t.Fatalf("Get after rollback: %v", err)
	}
	if !bytes.HasPrefix(p.Image[:], []byte("hello world")) {
		t.Fatalf("rollback did not restore original content, got %q", p.Image[:11])
	}
}

func TestCheckpointRollbackKeepsEnclosingTransaction(t *testing.T) {
	pg := openTestPager(t, Default())

	p, err := pg.Get(1)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if err := pg.Write(p); err != nil {
		t.Fatalf("Write: %v", err)
	}
	copy(p.Image[:], []byte("base"))

	if err := pg.CkptBegin(); err != nil {
		t.Fatalf("CkptBegin: %v", err)
	}
	if err := pg.Write(p); err != nil {
		t.Fatalf("Write (ckpt): %v", err)
	}
	copy(p.Image[:], []byte("during-ckpt"))
	if err := pg.CkptRollback(); err != nil {
		t.Fatalf("CkptRollback: %v", err)
	}

	if !bytes.HasPrefix(p.Image[:], []byte("base")) {
		t.Fatalf("checkpoint rollback did not restore pre-checkpoint content, got %q", p.Image[:4])
	}

	if err := pg.Commit(); err != nil {
		t.Fatalf("Commit after ckpt rollback: %v", err)
	}
}

func TestCheckpointCommitKeepsWrites(t *testing.T) {
	pg := openTestPager(t, Default())

	p, err := pg.Get(1)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if err := pg.Write(p); err != nil {
		t.Fatalf("Write: %v", err)
	}
	copy(p.Image[:], []byte("base"))

	if err := pg.CkptBegin(); err != nil {
		t.Fatalf("CkptBegin: %v", err)
	}
	if err := pg.Write(p); err != nil {
		t.Fatalf("Write (ckpt): %v", err)
	}
	copy(p.Image[:], []byte("kept-forever"))
	if err := pg.CkptCommit(); err != nil {
		t.Fatalf("CkptCommit: %v", err)
	}
	if err := pg.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	pg.Unref(p)

	p2, err := pg.Get(1)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.HasPrefix(p2.Image[:], []byte("kept-forever")) {
		t.Fatalf("checkpoint commit did not keep the write, got %q", p2.Image[:12])
	}
}

func TestEvictionFirstNonDirty(t *testing.T) {
	opts := Default()
	opts.CacheSize = minCacheSize
	pg := openTestPager(t, opts)

	for i := 1; i <= opts.CacheSize; i++ {
		p, err := pg.Get(PageNumber(i))
		if err != nil {
			t.Fatalf("Get(%d): %v", i, err)
		}
		pg.Unref(p)
	}

	p, err := pg.Get(PageNumber(opts.CacheSize + 1))
	if err != nil {
		t.Fatalf("Get beyond cache size: %v", err)
	}
	if p.Number() != PageNumber(opts.CacheSize+1) {
		t.Fatalf("expected new page number, got %d", p.Number())
	}
	pg.Unref(p)
}

func TestEvictionLRU(t *testing.T) {
	opts := Default()
	opts.CacheSize = minCacheSize
	opts.Eviction = LRU
	pg := openTestPager(t, opts)

	var first *Page
	for i := 1; i <= opts.CacheSize; i++ {
		p, err := pg.Get(PageNumber(i))
		if err != nil {
			t.Fatalf("Get(%d): %v", i, err)
		}
		if i == 1 {
			first = p
		}
		pg.Unref(p)
	}
	// Touch page 1 again so it is not the least-recently-used entry.
	p1, err := pg.Get(first.Number())
	if err != nil {
		t.Fatalf("Get(1) again: %v", err)
	}
	pg.Unref(p1)

	// Page 2 should now be the least-recently-touched and get evicted.
	p, err := pg.Get(PageNumber(opts.CacheSize + 1))
	if err != nil {
		t.Fatalf("Get beyond cache size: %v", err)
	}
	pg.Unref(p)

	p2, err := pg.Get(2)
	if err != nil {
		t.Fatalf("Get(2) after eviction round: %v", err)
	}
	pg.Unref(p2)
}

func TestReadOnlyRejectsWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	rw, err := Open(path, Default())
	if err != nil {
		t.Fatalf("Open rw: %v", err)
	}
	rw.Close()

	opts := Default()
	opts.ReadOnly = true
	pg, err := Open(path, opts)
	if err != nil {
		t.Fatalf("Open ro: %v", err)
	}
	defer pg.Close()

	p, err := pg.Get(1)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if err := pg.Write(p); err == nil {
		t.Fatalf("expected Write on read-only pager to fail")
	}
}
