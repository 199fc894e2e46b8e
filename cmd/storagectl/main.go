// Command storagectl is a small CLI for exercising a pagedb file directly:
// create tables, put and get keys, scan a table in order, and run a
// checkpointed write against an existing table.
package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/FocuswithJustin/pagedb/internal/logging"
	"github.com/FocuswithJustin/pagedb/storage/btree"
	"github.com/FocuswithJustin/pagedb/storage/pager"
)

// CLI defines storagectl's command-line interface.
var CLI struct {
	DB string `required:"" help:"Path to the database file" type:"path"`

	Create     CreateCmd     `cmd:"" help:"Create a new, empty table and print its root page number"`
	Put        PutCmd        `cmd:"" help:"Insert or replace a key/value pair in a table"`
	Get        GetCmd        `cmd:"" help:"Look up a key in a table"`
	Scan       ScanCmd       `cmd:"" help:"Print every key/value pair in a table, in order"`
	Checkpoint CheckpointCmd `cmd:"" help:"Write a key/value pair inside a nested checkpoint, then commit or abort it"`
	Stat       StatCmd       `cmd:"" help:"Print page-count and free-list statistics for the database file"`
}

// runID identifies one storagectl invocation in its log output.
var runID = uuid.New().String()

func openTree() (*btree.Tree, error) {
	return btree.Open(CLI.DB, pager.Default())
}

// CreateCmd allocates a fresh, empty table.
type CreateCmd struct{}

func (c *CreateCmd) Run() error {
	t, err := openTree()
	if err != nil {
		return fmt.Errorf("open %s: %w", CLI.DB, err)
	}
	defer t.Close()

	if err := t.BeginTrans(); err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	root, err := t.CreateTable()
	if err != nil {
		return fmt.Errorf("create table: %w", err)
	}
	if err := t.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	logging.Info("table created", "run_id", runID, "root", root)
	fmt.Printf("root: %d\n", root)
	return nil
}

// PutCmd inserts or replaces one key/value pair.
type PutCmd struct {
	Root  uint32 `arg:"" help:"Table root page number"`
	Key   string `arg:"" help:"Key"`
	Value string `arg:"" help:"Value"`
}

func (c *PutCmd) Run() error {
	t, err := openTree()
	if err != nil {
		return fmt.Errorf("open %s: %w", CLI.DB, err)
	}
	defer t.Close()

	if err := t.BeginTrans(); err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := t.Put(pager.PageNumber(c.Root), []byte(c.Key), []byte(c.Value)); err != nil {
		return fmt.Errorf("put: %w", err)
	}
	if err := t.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	logging.Info("put", "run_id", runID, "root", c.Root, "key", c.Key, "bytes", len(c.Value))
	return nil
}

// GetCmd looks up a single key.
type GetCmd struct {
	Root uint32 `arg:"" help:"Table root page number"`
	Key  string `arg:"" help:"Key"`
}

func (c *GetCmd) Run() error {
	t, err := openTree()
	if err != nil {
		return fmt.Errorf("open %s: %w", CLI.DB, err)
	}
	defer t.Close()

	data, found, err := t.Get(pager.PageNumber(c.Root), []byte(c.Key))
	if err != nil {
		return fmt.Errorf("get: %w", err)
	}
	if !found {
		return fmt.Errorf("key not found: %s", c.Key)
	}
	fmt.Printf("%s\n", data)
	return nil
}

// ScanCmd walks every key in a table, in order.
type ScanCmd struct {
	Root uint32 `arg:"" help:"Table root page number"`
}

func (c *ScanCmd) Run() error {
	t, err := openTree()
	if err != nil {
		return fmt.Errorf("open %s: %w", CLI.DB, err)
	}
	defer t.Close()

	n := 0
	err = t.Scan(pager.PageNumber(c.Root), func(key, data []byte) bool {
		fmt.Printf("%s\t%s\n", key, data)
		n++
		return true
	})
	if err != nil {
		return fmt.Errorf("scan: %w", err)
	}
	fmt.Fprintf(os.Stderr, "%s entries\n", humanize.Comma(int64(n)))
	return nil
}

// CheckpointCmd writes a key/value pair inside a nested checkpoint
// sub-transaction, demonstrating the pager's checkpoint-rollback boundary
// independent of the outer transaction: an aborted checkpoint leaves the
// outer transaction (and whatever it already wrote) intact.
type CheckpointCmd struct {
	Root  uint32 `arg:"" help:"Table root page number"`
	Key   string `arg:"" help:"Key"`
	Value string `arg:"" help:"Value"`
	Abort bool   `help:"Roll back the checkpoint instead of committing it"`
}

func (c *CheckpointCmd) Run() error {
	t, err := openTree()
	if err != nil {
		return fmt.Errorf("open %s: %w", CLI.DB, err)
	}
	defer t.Close()

	if err := t.BeginTrans(); err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := t.BeginCkpt(); err != nil {
		return fmt.Errorf("begin checkpoint: %w", err)
	}
	if err := t.Put(pager.PageNumber(c.Root), []byte(c.Key), []byte(c.Value)); err != nil {
		return fmt.Errorf("put: %w", err)
	}

	if c.Abort {
		if err := t.RollbackCkpt(); err != nil {
			return fmt.Errorf("rollback checkpoint: %w", err)
		}
		logging.Info("checkpoint aborted", "run_id", runID, "root", c.Root, "key", c.Key)
	} else {
		if err := t.CommitCkpt(); err != nil {
			return fmt.Errorf("commit checkpoint: %w", err)
		}
		logging.Info("checkpoint committed", "run_id", runID, "root", c.Root, "key", c.Key)
	}

	return t.Commit()
}

// StatCmd reports page-count and free-list statistics for the database.
type StatCmd struct{}

func (c *StatCmd) Run() error {
	t, err := openTree()
	if err != nil {
		return fmt.Errorf("open %s: %w", CLI.DB, err)
	}
	defer t.Close()

	pages, err := t.PageCount()
	if err != nil {
		return fmt.Errorf("page count: %w", err)
	}
	freePages, err := t.GetMeta(0)
	if err != nil {
		return fmt.Errorf("free page count: %w", err)
	}

	total := uint64(pages) * uint64(pager.PageSize)
	fmt.Printf("pages:      %d (%s)\n", pages, humanize.Bytes(total))
	fmt.Printf("free pages: %d\n", freePages)
	return nil
}

func main() {
	ctx := kong.Parse(&CLI,
		kong.Name("storagectl"),
		kong.Description("Inspect and drive a pagedb database file"),
		kong.UsageOnError(),
	)
	err := ctx.Run()
	ctx.FatalIfErrorf(err)
}
