package pagedkv

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
)

// hashTokens hashes a token prefix the way the teacher's sim/kvcache.go
// hashes block contents: a running digest seeded by the parent hash so
// that two requests sharing a prompt prefix land on the same chain of
// hashes regardless of where in a larger sequence the page falls.
func hashTokens(parentHash string, tokens []int) string {
	h := sha256.New()
	if parentHash != "" {
		h.Write([]byte(parentHash))
	}
	buf := make([]byte, 8)
	for _, t := range tokens {
		binary.LittleEndian.PutUint64(buf, uint64(t))
		h.Write(buf)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// TryPrefixCache implements try_prefix_cache() from §4.3: given the full
// known prompt for a new request, walk it page by page, hashing each full
// page against its parent chain and looking up the prefix cache. On a
// hash hit it performs the full token-equality check from SPEC_FULL.md §4
// (a collision is treated as a miss, not corruption) before sharing the
// page; the first miss or an already-partial (non-full) trailing page
// ends the walk and allocate() takes over for the remainder.
func (c *Cache) TryPrefixCache(requestID string, promptTokens []int) (*PageTableEntry, int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.requestTables[requestID]
	if !ok {
		entry = &PageTableEntry{RequestID: requestID, CreatedAt: c.clock.Now()}
		c.requestTables[requestID] = entry
		c.stats.totalAllocs++
	}

	pageSize := c.cfg.PageSize
	parentHash := ""
	matched := 0

	for off := 0; off+pageSize <= len(promptTokens); off += pageSize {
		chunk := promptTokens[off : off+pageSize]
		hash := hashTokens(parentHash, chunk)

		pageID, ok := c.prefixCache[hash]
		if !ok {
			break
		}
		page := c.pages[pageID]
		if !tokensEqual(page.Tokens, chunk) {
			// Hash collision: treat as a miss rather than sharing the
			// wrong content.
			break
		}

		if !page.Allocated {
			// The page's owning request already called Free and it is
			// currently sitting in the free list, kept alive only by this
			// cache entry; reclaim it from the free list before handing
			// out a second reference.
			c.removeFromFreeListLocked(pageID)
			page.Allocated = true
		}
		page.RefCount++
		page.LastAccess = c.clock.Now()
		entry.Pages = append(entry.Pages, pageID)
		parentHash = hash
		matched += pageSize
		c.stats.prefixHits++
	}

	entry.NumTokens = matched
	return entry, matched
}

func tokensEqual(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// RegisterPrefixPage implements the cache-population half of
// try_prefix_cache / allocate from §4.3: once a page fills with literal,
// known prompt tokens, it is hashed against its parent chain and becomes
// a future prefix-cache hit. pageIndex is the page's position within
// entry.Pages.
func (c *Cache) RegisterPrefixPage(requestID string, pageIndex int, tokens []int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.requestTables[requestID]
	if !ok || pageIndex >= len(entry.Pages) {
		return
	}
	page := c.pages[entry.Pages[pageIndex]]
	if page.Hash != "" || len(tokens) != c.cfg.PageSize {
		return
	}

	parentHash := ""
	if pageIndex > 0 {
		parentHash = c.pages[entry.Pages[pageIndex-1]].Hash
	}
	hash := hashTokens(parentHash, tokens)
	page.Tokens = append([]int{}, tokens...)
	page.Hash = hash
	c.prefixCache[hash] = page.PageID
}
