package pager

// EvictionPolicy selects how the page cache picks a victim when it is full
// and a new page must be brought in.
type EvictionPolicy int

const (
	// FirstNonDirty scans the free list (pages with a zero ref count) for
	// the first entry that is not dirty, exactly as the reference pager's
	// BasePage::GetFirstNonDirtyPage does.
	FirstNonDirty EvictionPolicy = iota
	// LRU evicts the least-recently-touched unreferenced page.
	LRU
)

// Page size and cache size follow sql_limit.h: kPageSize is fixed at 1024
// bytes and kDefaultCacheSize is 10 pages.
const (
	PageSize         = 1024
	DefaultCacheSize = 10
	minCacheSize     = 10
)

// Options configures a Pager at Open time.
type Options struct {
	// CacheSize is the maximum number of pages held in memory at once.
	// Values below the reference minimum of 10 are raised to 10.
	CacheSize int
	// Eviction selects the cache eviction policy.
	Eviction EvictionPolicy
	// ReadOnly opens the database file for reading only; Write fails with
	// rc.Perm. Begin and the checkpoint calls do not check this flag.
	ReadOnly bool
	// JournalSyncAllowed disables the fsync calls around commit when false.
	// Exposed for tests that want a fast, non-durable pager; production
	// callers should leave this true.
	JournalSyncAllowed bool
}

// Default returns the documented defaults: 1024-byte pages, a 10 page
// cache, first-non-dirty eviction, and fsync enabled.
func Default() Options {
	return Options{
		CacheSize:          DefaultCacheSize,
		Eviction:           FirstNonDirty,
		ReadOnly:           false,
		JournalSyncAllowed: true,
	}
}

func (o Options) normalized() Options {
	if o.CacheSize < minCacheSize {
		o.CacheSize = minCacheSize
	}
	return o
}
