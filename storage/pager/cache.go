package pager

// cacheLookup returns the cached page for number, or nil if it is not
// currently resident. Mirrors SqlitePagerPrivateCacheLookup's hash-table
// probe.
func (pg *Pager) cacheLookup(number PageNumber) *Page {
	return pg.pages[number]
}

// addToCache inserts a freshly created page into the hash table and the
// all-pages list, mirroring SqlitePagerPrivateAddCreatedPageToCache.
func (pg *Pager) addToCache(p *Page) {
	pg.pages[p.number] = p
	p.nextAll = pg.allFirst
	if pg.allFirst != nil {
		pg.allFirst.prevAll = p
	}
	p.prevAll = nil
	pg.allFirst = p
}

// removeFromCache drops a page's old number from the hash table, mirroring
// SqlitePagerPrivateRemovePageFromCache (used when an evicted page is
// recycled for a different page number; the caller renumbers the page and
// reinserts it).
func (pg *Pager) removeFromCache(oldNumber PageNumber, p *Page) {
	delete(pg.pages, oldNumber)
}

// unlinkFree removes p from the free list (used when a page's ref count
// goes from 0 to 1), mirroring PageHeader::PageRef.
func (pg *Pager) unlinkFree(p *Page) {
	if p.prevFree != nil {
		p.prevFree.nextFree = p.nextFree
	} else if pg.freeFirst == p {
		pg.freeFirst = p.nextFree
	}
	if p.nextFree != nil {
		p.nextFree.prevFree = p.prevFree
	} else if pg.freeLast == p {
		pg.freeLast = p.prevFree
	}
	p.prevFree, p.nextFree = nil, nil
}

// releaseToFree appends p to the tail of the free list, mirroring the
// FirstNonDirty branch of SqlitePagerUnref.
func (pg *Pager) releaseToFree(p *Page) {
	p.nextFree = nil
	p.prevFree = pg.freeLast
	if pg.freeLast != nil {
		pg.freeLast.nextFree = p
	} else {
		pg.freeFirst = p
	}
	pg.freeLast = p
	if pg.freeFirst == nil {
		pg.freeFirst = p
	}
}

// touchLRU records a fresh access for p. Under LRU it bumps p to the front
// of a logical recency ordering; under FirstNonDirty it is a no-op, since
// that policy orders purely by free-list position.
//
// The reference pager_cache.cc leaves the actual LRU algorithm as an
// unfinished exercise (updateLRU and the LRU branch of evictPage/
// SqlitePagerPrivateCacheLookup are stubs), naming only the data
// structures to use: a doubly-linked list plus a page-number index. This
// implementation uses a monotonic logical clock per page instead of
// relinking a list on every touch, which gives the same "evict the least
// recently touched page" semantics with O(1) touch and an O(n) scan only
// at eviction time, when n is bounded by the cache size.
func (pg *Pager) touchLRU(p *Page) {
	if pg.evictionPolicy != LRU {
		return
	}
	pg.lruClock++
	p.lruTouch = pg.lruClock
}

// evictPage picks a victim among pages with a zero ref count and removes
// it from whichever free-list structure the active policy uses. It
// returns nil if no page is currently evictable (every resident page is
// referenced or, under FirstNonDirty, dirty).
func (pg *Pager) evictPage() *Page {
	switch pg.evictionPolicy {
	case LRU:
		var victim *Page
		for p := pg.allFirst; p != nil; p = p.nextAll {
			if p.refCount != 0 {
				continue
			}
			if victim == nil || p.lruTouch < victim.lruTouch {
				victim = p
			}
		}
		if victim != nil {
			pg.unlinkFree(victim)
		}
		return victim
	default: // FirstNonDirty
		p := pg.freeFirst
		for p != nil && p.dirty {
			p = p.nextFree
		}
		if p != nil {
			pg.unlinkFree(p)
		}
		return p
	}
}
