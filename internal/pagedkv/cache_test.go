package pagedkv

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vramcore/vramcore/internal/config"
	"github.com/vramcore/vramcore/internal/vramerrors"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time         { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestCache(maxPages, pageSize int) (*Cache, *fakeClock) {
	cfg := config.Default().KVCache
	cfg.MaxPages = maxPages
	cfg.PageSize = pageSize
	cfg.NumLayers = 2
	cfg.NumKVHeads = 4
	cfg.HeadDim = 64
	c := NewCache(cfg, nil)
	clk := &fakeClock{t: time.Unix(0, 0)}
	c.SetClock(clk)
	return c, clk
}

// Scenario 1 (single-GPU generation, spec.md §8): a prompt is allocated
// pages up front, then decode appends tokens one at a time, crossing a
// page boundary exactly when expected.
func TestAllocateThenAppendToken_CrossesPageBoundary(t *testing.T) {
	c, _ := newTestCache(8, 4)

	entry, err := c.Allocate("req-1", 5)
	require.NoError(t, err)
	require.Len(t, entry.Pages, 2) // ceil(5/4) = 2

	for i := 0; i < 4; i++ {
		_, slot, ok := c.AppendToken("req-1")
		require.True(t, ok)
		require.Equal(t, i, slot)
	}
	pid, slot, ok := c.AppendToken("req-1")
	require.True(t, ok)
	require.Equal(t, 0, slot)
	require.Equal(t, entry.Pages[1], pid)
}

func TestAppendToken_GrowsPageTableWhenExhausted(t *testing.T) {
	c, _ := newTestCache(8, 4)
	_, err := c.Allocate("req-1", 1)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, _, ok := c.AppendToken("req-1")
		require.True(t, ok)
	}
	// entry had capacity for 1 page (4 slots); the 5th append must grow it.
	entry := c.Entry("req-1")
	require.Len(t, entry.Pages, 2)
}

func TestAppendToken_UnknownRequestFails(t *testing.T) {
	c, _ := newTestCache(8, 4)
	_, _, ok := c.AppendToken("does-not-exist")
	require.False(t, ok)
}

func TestFree_ReturnsPagesToFreeList(t *testing.T) {
	c, _ := newTestCache(4, 4)
	_, err := c.Allocate("req-1", 8)
	require.NoError(t, err)
	require.Equal(t, 2, c.Stats().FreePages)

	freed := c.Free("req-1")
	require.Equal(t, 2, freed)
	require.Equal(t, 4, c.Stats().FreePages)
	require.Nil(t, c.Entry("req-1"))
}

// With no overflow pool configured, a single page held by more than one
// referent (here, a fork) cannot be evicted, so exhaustion is terminal.
func TestAllocate_ExhaustionReturnsErrPageExhausted(t *testing.T) {
	c, _ := newTestCache(1, 4)
	_, err := c.Allocate("req-1", 4)
	require.NoError(t, err)
	_, ok := c.Fork("req-1", "req-1-beam2")
	require.True(t, ok)
	require.Equal(t, 2, c.Page(0).RefCount)

	_, err = c.Allocate("req-2", 4)
	require.ErrorIs(t, err, vramerrors.ErrPageExhausted)
}

// With no competing references, a single idle page is instead reclaimed
// via LRU eviction rather than failing outright.
func TestAllocate_EvictsLRUPageWhenFreeListExhausted(t *testing.T) {
	c, _ := newTestCache(1, 4)
	entry1, err := c.Allocate("req-1", 4)
	require.NoError(t, err)
	oldPage := entry1.Pages[0]

	entry2, err := c.Allocate("req-2", 4)
	require.NoError(t, err)
	require.Equal(t, oldPage, entry2.Pages[0])
	require.Empty(t, c.Entry("req-1").Pages)
}

// Fork + copy-on-write: a beam-search fork shares pages until one side
// writes into a page the other still references, at which point the
// writer's page-table entry is redirected to a fresh, private page.
func TestFork_WriteDivergenceCopiesOnWrite(t *testing.T) {
	c, _ := newTestCache(8, 4)
	_, err := c.Allocate("parent", 3)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, _, ok := c.AppendToken("parent")
		require.True(t, ok)
	}
	parentPage := c.Entry("parent").Pages[0]
	require.Equal(t, 1, c.Page(parentPage).RefCount)

	child, ok := c.Fork("parent", "child")
	require.True(t, ok)
	require.Equal(t, parentPage, child.Pages[0])
	require.Equal(t, 2, c.Page(parentPage).RefCount)

	// Writing the 4th token on the child diverges it onto a new page.
	pid, slot, ok := c.AppendToken("child")
	require.True(t, ok)
	require.Equal(t, 3, slot)
	require.NotEqual(t, parentPage, pid)
	require.Equal(t, 1, c.Page(parentPage).RefCount)

	// Parent is untouched and can still extend its own copy.
	ppid, _, ok := c.AppendToken("parent")
	require.True(t, ok)
	require.NotEqual(t, pid, ppid)
}

func TestForkUnknownSourceFails(t *testing.T) {
	c, _ := newTestCache(4, 4)
	_, ok := c.Fork("missing", "child")
	require.False(t, ok)
}

// Prefix caching: a second request with an identical prompt prefix shares
// pages instead of allocating fresh ones, and a hash collision with
// different content is treated as a miss rather than corruption.
func TestTryPrefixCache_HitsOnIdenticalPrefix(t *testing.T) {
	c, _ := newTestCache(16, 4)
	prompt := []int{1, 2, 3, 4, 5, 6, 7, 8}

	entry1, err := c.Allocate("req-1", len(prompt))
	require.NoError(t, err)
	for i := range entry1.Pages {
		c.RegisterPrefixPage("req-1", i, prompt[i*4:i*4+4])
	}

	entry2, matched := c.TryPrefixCache("req-2", prompt)
	require.Equal(t, 8, matched)
	require.Equal(t, entry1.Pages, entry2.Pages)
	require.Equal(t, int64(2), c.Stats().PrefixHits) // both full pages of the prompt hit
}

func TestTryPrefixCache_DivergingSuffixStopsAtFirstMiss(t *testing.T) {
	c, _ := newTestCache(16, 4)
	prompt := []int{1, 2, 3, 4, 5, 6, 7, 8}
	entry1, err := c.Allocate("req-1", len(prompt))
	require.NoError(t, err)
	for i := range entry1.Pages {
		c.RegisterPrefixPage("req-1", i, prompt[i*4:i*4+4])
	}

	other := []int{1, 2, 3, 4, 9, 9, 9, 9}
	entry2, matched := c.TryPrefixCache("req-3", other)
	require.Equal(t, 4, matched)
	require.Len(t, entry2.Pages, 1)
	require.Equal(t, entry1.Pages[0], entry2.Pages[0])
}

func TestTryPrefixCache_NoPriorPagesIsAMiss(t *testing.T) {
	c, _ := newTestCache(8, 4)
	entry, matched := c.TryPrefixCache("req-1", []int{1, 2, 3, 4})
	require.Equal(t, 0, matched)
	require.Len(t, entry.Pages, 0)
}

// Free-list reuse: a finished request's page that is still registered in
// the prefix cache goes back on the free list, and the next allocation
// takes it from there (no eviction needed) and purges its stale prefix
// entry.
func TestFree_PrefixRegisteredPageIsReusedFromFreeList(t *testing.T) {
	c, clk := newTestCache(1, 4)

	entry, err := c.Allocate("req-1", 4)
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		_, _, ok := c.AppendToken("req-1")
		require.True(t, ok)
	}
	c.RegisterPrefixPage("req-1", 0, []int{1, 2, 3, 4})
	oldPage := entry.Pages[0]

	clk.Advance(time.Second)
	c.Free("req-1") // RefCount drops from 1 to 0; prefix registration holds no reference

	// After Free, the page's only remaining referent is the prefix cache's
	// soft registration; it is sitting in the free list, so the very next
	// allocation reuses it directly without needing eviction.
	entry2, err := c.Allocate("req-2", 4)
	require.NoError(t, err)
	require.Equal(t, oldPage, entry2.Pages[0])
	require.Empty(t, c.Page(oldPage).Hash) // reuse purges the stale prefix entry
}
