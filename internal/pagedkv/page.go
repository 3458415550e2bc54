// Package pagedkv implements C3 PagedKVCache: the block-based KV-cache
// allocator. Pages are tracked by dense integer ID in a single arena
// (§9 "Cyclic references / graphs"); every reference elsewhere (page
// tables, the prefix cache) holds a page ID, never a pointer, so RefCount
// is the sole reconciliation mechanism.
package pagedkv

import "time"

// PhysicalPage is one slot in a GPU page pool.
type PhysicalPage struct {
	PageID     int
	RefCount   int
	Allocated  bool
	LastAccess time.Time
	Device     int
	IsBorrowed bool
	LeaseID    string

	// FilledSlots is the number of KV slots in this page that hold real
	// data, always accurate regardless of whether the caller supplied
	// literal token ids for them.
	FilledSlots int
	// Tokens holds literal token ids when known (set by RegisterPrefixPage
	// from a request's prompt, and carried over by AppendToken's
	// copy-on-write path); nil for pages filled purely
	// via AppendToken's per-token decode path, where only the count is
	// tracked. Prefix-cache hashing only ever consults pages with Tokens
	// set.
	Tokens []int
	// Hash is set once this page's Tokens slice is full and has been
	// registered with the prefix cache.
	Hash string
}

func (p *PhysicalPage) reset() {
	p.RefCount = 0
	p.Allocated = false
	p.IsBorrowed = false
	p.LeaseID = ""
	p.FilledSlots = 0
	p.Tokens = nil
	p.Hash = ""
}

// PageTableEntry is a request's virtual-to-physical page map.
type PageTableEntry struct {
	RequestID string
	Pages     []int
	NumTokens int
	CreatedAt time.Time
}
