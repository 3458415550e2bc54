package pagedkv

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vramcore/vramcore/internal/config"
	"github.com/vramcore/vramcore/internal/lending"
	"github.com/vramcore/vramcore/internal/vramerrors"
)

// Clock lets tests drive LastAccess/CreatedAt deterministically, matching
// the convention used in internal/lending.
type Clock interface{ Now() time.Time }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// Stats is a snapshot of the cache's monotonic and point-in-time counters.
type Stats struct {
	UsedPages        int
	FreePages        int
	BorrowedPages    int
	OverflowBorrows  int64
	Utilization      float64
	PeakUsedPages    int
	TotalAllocs      int64
	TotalFrees       int64
	ActiveRequests   int
	PrefixEntries    int
	PrefixHits       int64
}

// Cache is C3 PagedKVCache.
type Cache struct {
	mu  sync.Mutex
	cfg config.KVCacheConfig
	// pool services overflow borrows when the local page pool is
	// exhausted; nil disables overflow and falls straight to eviction.
	pool  *lending.Pool
	clock Clock
	log   *logrus.Entry

	pages    []*PhysicalPage
	freeList []int // stack of page IDs with RefCount == 0, available for reuse

	requestTables map[string]*PageTableEntry
	prefixCache   map[string]int // content hash -> page ID

	stats struct {
		overflowBorrows int64
		peakUsedPages   int
		totalAllocs     int64
		totalFrees      int64
		prefixHits      int64
	}
}

// NewCache builds a PagedKVCache. pool may be nil to disable cross-GPU
// overflow (local eviction is still available).
func NewCache(cfg config.KVCacheConfig, pool *lending.Pool) *Cache {
	c := &Cache{
		cfg:           cfg,
		pool:          pool,
		clock:         realClock{},
		log:           logrus.WithField("component", "pagedkv"),
		requestTables: make(map[string]*PageTableEntry),
		prefixCache:   make(map[string]int),
	}
	c.initPages()
	return c
}

// SetClock overrides the cache's clock; intended for tests.
func (c *Cache) SetClock(clk Clock) { c.clock = clk }

func (c *Cache) initPages() {
	total := c.cfg.MaxPages
	if len(c.cfg.PagesPerDevice) > 0 {
		total = 0
		for _, n := range c.cfg.PagesPerDevice {
			total += n
		}
	}
	c.pages = make([]*PhysicalPage, total)
	c.freeList = make([]int, 0, total)

	device := 0
	remainingOnDevice := 0
	if len(c.cfg.PagesPerDevice) > 0 {
		// Assign device ranges deterministically by ascending device id.
		devices := sortedDeviceKeys(c.cfg.PagesPerDevice)
		idx := 0
		for pageID := 0; pageID < total; pageID++ {
			for remainingOnDevice == 0 && idx < len(devices) {
				device = devices[idx]
				remainingOnDevice = c.cfg.PagesPerDevice[device]
				idx++
			}
			c.pages[pageID] = &PhysicalPage{PageID: pageID, Device: device}
			c.freeList = append(c.freeList, pageID)
			remainingOnDevice--
		}
		return
	}
	for pageID := 0; pageID < total; pageID++ {
		c.pages[pageID] = &PhysicalPage{PageID: pageID, Device: 0}
		c.freeList = append(c.freeList, pageID)
	}
}

func sortedDeviceKeys(m map[int]int) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j-1] > keys[j]; j-- {
			keys[j-1], keys[j] = keys[j], keys[j-1]
		}
	}
	return keys
}

// Allocate implements allocate() from §4.3: creates an empty page-table
// entry (or returns the existing one, idempotently) and ensures it has
// enough pages for numTokens of capacity.
func (c *Cache) Allocate(requestID string, numTokens int) (*PageTableEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.requestTables[requestID]
	if !ok {
		entry = &PageTableEntry{RequestID: requestID, CreatedAt: c.clock.Now()}
		c.requestTables[requestID] = entry
		c.stats.totalAllocs++
	}

	needed := ceilDiv(numTokens, c.cfg.PageSize)
	for len(entry.Pages) < needed {
		pageID, ok := c.allocPageLocked(0)
		if !ok {
			return entry, vramerrors.ErrPageExhausted
		}
		entry.Pages = append(entry.Pages, pageID)
	}
	c.trackPeakLocked()
	return entry, nil
}

// AppendToken implements append_token() from §4.3, including the
// copy-on-write write-divergence path from SPEC_FULL.md §4: writing into a
// page shared by more than one fork (RefCount > 1) first copies the
// page's committed prefix into a freshly allocated page.
func (c *Cache) AppendToken(requestID string) (pageID, slot int, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry := c.requestTables[requestID]
	if entry == nil {
		return 0, 0, false
	}

	slot = entry.NumTokens % c.cfg.PageSize
	pageIndex := entry.NumTokens / c.cfg.PageSize

	if pageIndex >= len(entry.Pages) {
		device := 0
		if len(entry.Pages) > 0 {
			device = c.pages[entry.Pages[len(entry.Pages)-1]].Device
		}
		newPageID, allocated := c.allocPageLocked(device)
		if !allocated {
			return 0, 0, false
		}
		entry.Pages = append(entry.Pages, newPageID)
	} else if page := c.pages[entry.Pages[pageIndex]]; page.RefCount > 1 {
		newPageID, allocated := c.allocPageLocked(page.Device)
		if !allocated {
			return 0, 0, false
		}
		newPage := c.pages[newPageID]
		if page.Tokens != nil && slot <= len(page.Tokens) {
			newPage.Tokens = append([]int{}, page.Tokens[:slot]...)
		}
		newPage.FilledSlots = slot
		page.RefCount--
		entry.Pages[pageIndex] = newPageID
	}

	pid := entry.Pages[pageIndex]
	page := c.pages[pid]
	page.LastAccess = c.clock.Now()
	page.FilledSlots = slot + 1
	entry.NumTokens++
	return pid, slot, true
}

func ceilDiv(a, b int) int {
	if b <= 0 {
		return 0
	}
	return (a + b - 1) / b
}

func (c *Cache) trackPeakLocked() {
	used := c.usedPagesLocked()
	if used > c.stats.peakUsedPages {
		c.stats.peakUsedPages = used
	}
}

func (c *Cache) usedPagesLocked() int {
	used := 0
	for _, p := range c.pages {
		if p.Allocated {
			used++
		}
	}
	return used
}

// allocPageLocked implements _alloc_page() from §4.3: pop from the free
// list; on exhaustion borrow overflow from the lending pool; on overflow
// failure, evict. Caller must hold c.mu.
func (c *Cache) allocPageLocked(preferredDevice int) (int, bool) {
	if len(c.freeList) > 0 {
		pageID := c.freeList[len(c.freeList)-1]
		c.freeList = c.freeList[:len(c.freeList)-1]
		page := c.pages[pageID]
		if page.Hash != "" {
			delete(c.prefixCache, page.Hash)
		}
		page.reset()
		page.Allocated = true
		page.RefCount = 1
		page.LastAccess = c.clock.Now()
		return pageID, true
	}

	if pageID, ok := c.borrowOverflowPageLocked(preferredDevice); ok {
		return pageID, true
	}

	return c.evictLRULocked()
}

// borrowOverflowPageLocked implements _borrow_overflow_page() from §4.3.
func (c *Cache) borrowOverflowPageLocked(preferredDevice int) (int, bool) {
	if c.pool == nil {
		return 0, false
	}
	pageBytes := c.perPageBytes()
	lease, err := c.pool.Borrow(lending.BorrowRequest{
		BorrowerGPU: preferredDevice,
		SizeBytes:   pageBytes,
		Purpose:     "kv_cache_overflow",
		Priority:    0,
	})
	if err != nil {
		return 0, false
	}
	newPage := &PhysicalPage{
		PageID:     len(c.pages),
		Device:     lease.BorrowerGPU,
		Allocated:  true,
		RefCount:   1,
		IsBorrowed: true,
		LeaseID:    lease.LeaseID,
		LastAccess: c.clock.Now(),
	}
	c.pages = append(c.pages, newPage)
	c.stats.overflowBorrows++
	return newPage.PageID, true
}

// removeFromFreeListLocked removes pageID from the free list if present.
// Used when a prefix-cache hit reclaims a page that was freed but not yet
// reused. Caller must hold c.mu.
func (c *Cache) removeFromFreeListLocked(pageID int) {
	for i, id := range c.freeList {
		if id == pageID {
			c.freeList = append(c.freeList[:i], c.freeList[i+1:]...)
			return
		}
	}
}

func (c *Cache) perPageBytes() int64 {
	return int64(2 * c.cfg.NumLayers * c.cfg.NumKVHeads * c.cfg.HeadDim * c.cfg.PageSize * c.cfg.ElementSizeBytes)
}

// evictLRULocked implements _evict_lru() from §4.3: select the oldest
// allocated page with RefCount <= 1, preferring borrowed pages so memory
// returns to lenders first. Pages whose requests have all called Free are
// already on the free list and are reused before eviction runs, so the
// chosen page is still referenced by one live PageTableEntry. It is
// removed from that entry's page list in place, which drops that page's
// data and can shift later pages' logical token ranges.
func (c *Cache) evictLRULocked() (int, bool) {
	var victim *PhysicalPage
	for _, p := range c.pages {
		if !p.Allocated || p.RefCount > 1 {
			continue
		}
		if victim == nil {
			victim = p
			continue
		}
		if p.IsBorrowed != victim.IsBorrowed {
			if p.IsBorrowed {
				victim = p
			}
			continue
		}
		if p.LastAccess.Before(victim.LastAccess) {
			victim = p
		}
	}
	if victim == nil {
		return 0, false
	}

	for _, entry := range c.requestTables {
		for i, pid := range entry.Pages {
			if pid == victim.PageID {
				entry.Pages = append(entry.Pages[:i], entry.Pages[i+1:]...)
				break
			}
		}
	}
	if victim.Hash != "" {
		delete(c.prefixCache, victim.Hash)
	}
	if victim.IsBorrowed {
		if c.pool != nil {
			if err := c.pool.Release(victim.LeaseID); err != nil {
				c.log.Warnf("evict: releasing lease %s: %v", victim.LeaseID, err)
			}
		}
	}
	victim.reset()
	victim.Allocated = true // reused immediately by the caller of allocPageLocked
	victim.RefCount = 1
	victim.LastAccess = c.clock.Now()
	return victim.PageID, true
}

// Free implements free() from §4.3: decrements ref_count on every page in
// the entry's table; pages reaching zero return to the free list (or to
// the lending pool if borrowed).
func (c *Cache) Free(requestID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.requestTables[requestID]
	if !ok {
		return 0
	}
	delete(c.requestTables, requestID)
	c.stats.totalFrees++

	freed := 0
	for _, pid := range entry.Pages {
		page := c.pages[pid]
		page.RefCount--
		if page.RefCount <= 0 {
			if page.IsBorrowed && c.pool != nil {
				if err := c.pool.Release(page.LeaseID); err != nil {
					c.log.Warnf("free: releasing lease %s: %v", page.LeaseID, err)
				}
			}
			page.Allocated = false
			c.freeList = append(c.freeList, pid)
			freed++
		}
	}
	return freed
}

// Fork implements fork() from §4.3: a copy-on-write beam-search fork. The
// new entry shares the source's page list and bumps RefCount on every
// page; divergence is handled lazily by AppendToken.
func (c *Cache) Fork(srcRequestID, dstRequestID string) (*PageTableEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	src, ok := c.requestTables[srcRequestID]
	if !ok {
		return nil, false
	}
	dst := &PageTableEntry{
		RequestID: dstRequestID,
		Pages:     append([]int{}, src.Pages...),
		NumTokens: src.NumTokens,
		CreatedAt: c.clock.Now(),
	}
	for _, pid := range dst.Pages {
		c.pages[pid].RefCount++
	}
	c.requestTables[dstRequestID] = dst
	return dst, true
}

// Stats returns a snapshot of the cache's counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	used, borrowed := 0, 0
	for _, p := range c.pages {
		if p.Allocated {
			used++
			if p.IsBorrowed {
				borrowed++
			}
		}
	}
	total := len(c.pages)
	util := 0.0
	if total > 0 {
		util = float64(used) / float64(total)
	}
	return Stats{
		UsedPages:       used,
		FreePages:       len(c.freeList),
		BorrowedPages:   borrowed,
		OverflowBorrows: c.stats.overflowBorrows,
		Utilization:     util,
		PeakUsedPages:   c.stats.peakUsedPages,
		TotalAllocs:     c.stats.totalAllocs,
		TotalFrees:      c.stats.totalFrees,
		ActiveRequests:  len(c.requestTables),
		PrefixEntries:   len(c.prefixCache),
		PrefixHits:      c.stats.prefixHits,
	}
}

// Entry returns the page table entry for requestID, or nil.
func (c *Cache) Entry(requestID string) *PageTableEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requestTables[requestID]
}

// PageSize returns the configured number of tokens per page, so callers
// populating the prefix cache can walk a known token sequence page by page.
func (c *Cache) PageSize() int { return c.cfg.PageSize }

// Page returns the physical page for pageID, or nil if out of range.
func (c *Cache) Page(pageID int) *PhysicalPage {
	c.mu.Lock()
	defer c.mu.Unlock()
	if pageID < 0 || pageID >= len(c.pages) {
		return nil
	}
	return c.pages[pageID]
}
