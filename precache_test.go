package folio

import (
	"errors"
	"testing"
)

func (b *Book) rawCached(i int) bool {
	ch, err := b.Chapter(i)
	if err != nil {
		return false
	}
	return b.store.Exists(CacheKey{BookID: b.bookID, ContentPath: ch.ContentPath, Kind: KindRawChapter})
}

func TestEnsureCachedIdempotent(t *testing.T) {
	store := &countingStore{CacheStore: memStore(1 << 20)}
	b := openTestBook(t, buildBook(t), WithStore(store))

	if err := b.EnsureCached(0); err != nil {
		t.Fatalf("EnsureCached: %v", err)
	}
	if !b.rawCached(0) {
		t.Fatal("chapter 0 not cached")
	}
	if err := b.EnsureCached(0); err != nil {
		t.Fatalf("second EnsureCached: %v", err)
	}
	if store.puts() != 1 {
		t.Fatalf("store.Put called %d times, want 1", store.puts())
	}

	if err := b.EnsureCached(99); !errors.Is(err, ErrChapterOutOfRange) {
		t.Fatalf("err = %v, want ErrChapterOutOfRange", err)
	}
}

func TestEnsureCachedWithoutStore(t *testing.T) {
	b := openTestBook(t, buildBook(t))
	if err := b.EnsureCached(0); err != nil {
		t.Fatalf("EnsureCached without store: %v", err)
	}
}

func TestEnsureCachedRejectsEmptyChapter(t *testing.T) {
	entries := []zipEntry{
		stored("mimetype", "application/epub+zip"),
		stored("content.opf", `<package><metadata><dc:title>x</dc:title></metadata>`+
			`<manifest><item id="c" href="empty.xhtml"/></manifest>`+
			`<spine><itemref idref="c"/></spine></package>`),
		stored("empty.xhtml", ""),
	}
	b := openTestBook(t, writeArchiveFile(t, buildArchive(t, entries)),
		WithStore(memStore(1<<20)))

	if err := b.EnsureCached(0); !errors.Is(err, ErrInvalidPackage) {
		t.Fatalf("err = %v, want ErrInvalidPackage for zero-size chapter", err)
	}
}

func TestUpdateWindowCoversNeighbors(t *testing.T) {
	b := openTestBook(t, manyChapterBook(t, 20), WithStore(memStore(1<<20)))

	if err := b.UpdateWindow(10); err != nil {
		t.Fatalf("UpdateWindow: %v", err)
	}
	for i := 0; i < 20; i++ {
		want := i >= 8 && i <= 15 // two behind, five ahead
		if got := b.rawCached(i); got != want {
			t.Errorf("chapter %d cached = %v, want %v", i, got, want)
		}
	}
}

func TestUpdateWindowMidBook(t *testing.T) {
	b := openTestBook(t, manyChapterBook(t, 10), WithStore(memStore(1<<20)))

	if err := b.UpdateWindow(5); err != nil {
		t.Fatalf("UpdateWindow: %v", err)
	}
	for i := 0; i < 10; i++ {
		want := i >= 3 && i <= 9
		if got := b.rawCached(i); got != want {
			t.Errorf("chapter %d cached = %v, want %v", i, got, want)
		}
	}
}

func TestUpdateWindowAtEdges(t *testing.T) {
	b := openTestBook(t, manyChapterBook(t, 20), WithStore(memStore(1<<20)))

	if err := b.UpdateWindow(0); err != nil {
		t.Fatalf("UpdateWindow(0): %v", err)
	}
	for i := 0; i < 20; i++ {
		want := i <= 5
		if got := b.rawCached(i); got != want {
			t.Errorf("after UpdateWindow(0): chapter %d cached = %v, want %v", i, got, want)
		}
	}

	if err := b.UpdateWindow(19); err != nil {
		t.Fatalf("UpdateWindow(19): %v", err)
	}
	for i := 0; i < 20; i++ {
		want := i >= 17
		if got := b.rawCached(i); got != want {
			t.Errorf("after UpdateWindow(19): chapter %d cached = %v, want %v", i, got, want)
		}
	}
}

func TestUpdateWindowSlideEvicts(t *testing.T) {
	b := openTestBook(t, manyChapterBook(t, 20), WithStore(memStore(1<<20)))

	if err := b.UpdateWindow(2); err != nil {
		t.Fatalf("UpdateWindow(2): %v", err)
	}
	if !b.rawCached(0) {
		t.Fatal("chapter 0 not cached inside window")
	}
	if err := b.UpdateWindow(12); err != nil {
		t.Fatalf("UpdateWindow(12): %v", err)
	}
	if b.rawCached(0) {
		t.Fatal("chapter 0 still cached after the window moved away")
	}
	if !b.rawCached(12) {
		t.Fatal("chapter 12 not cached")
	}
}

func TestUpdateWindowCapPrefersForward(t *testing.T) {
	w := WindowConfig{Before: 5, After: 9, MaxChapters: 4}
	b := openTestBook(t, manyChapterBook(t, 30), WithStore(memStore(1<<20)), WithWindow(w))

	if err := b.UpdateWindow(10); err != nil {
		t.Fatalf("UpdateWindow: %v", err)
	}
	cached := 0
	for i := 0; i < 30; i++ {
		if b.rawCached(i) {
			cached++
		}
	}
	if cached != 4 {
		t.Fatalf("%d chapters cached, want the cap of 4", cached)
	}
	// Current chapter and the ones ahead win the budget.
	for i := 10; i <= 13; i++ {
		if !b.rawCached(i) {
			t.Errorf("chapter %d should be inside the capped window", i)
		}
	}
}

func TestClearCache(t *testing.T) {
	store := memStore(1 << 20)
	b := openTestBook(t, buildBook(t), WithStore(store))

	if err := b.UpdateWindow(0); err != nil {
		t.Fatalf("UpdateWindow: %v", err)
	}
	if used, _, _ := store.Usage(); used == 0 {
		t.Fatal("nothing cached before ClearCache")
	}
	if err := b.ClearCache(); err != nil {
		t.Fatalf("ClearCache: %v", err)
	}
	if used, _, _ := store.Usage(); used != 0 {
		t.Fatalf("%d bytes left after ClearCache", used)
	}
}

func TestClearCacheLeavesOtherBooks(t *testing.T) {
	store := memStore(1 << 20)
	b1 := openTestBook(t, buildBook(t), WithStore(store))
	b2 := openTestBook(t, manyChapterBook(t, 5), WithStore(store))

	if err := b1.EnsureCached(0); err != nil {
		t.Fatalf("EnsureCached b1: %v", err)
	}
	if err := b2.EnsureCached(0); err != nil {
		t.Fatalf("EnsureCached b2: %v", err)
	}
	if err := b1.ClearCache(); err != nil {
		t.Fatalf("ClearCache: %v", err)
	}
	if b1.rawCached(0) {
		t.Fatal("b1 entry survived its ClearCache")
	}
	if !b2.rawCached(0) {
		t.Fatal("ClearCache of one book evicted another book's entry")
	}
}

func TestCacheUsage(t *testing.T) {
	b := openTestBook(t, buildBook(t), WithStore(memStore(4096)))

	if err := b.EnsureCached(0); err != nil {
		t.Fatalf("EnsureCached: %v", err)
	}
	used, capacity, err := b.CacheUsage()
	if err != nil {
		t.Fatalf("CacheUsage: %v", err)
	}
	if used == 0 || capacity != 4096 {
		t.Fatalf("CacheUsage = %d/%d", used, capacity)
	}
}
