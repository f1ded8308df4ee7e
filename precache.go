package folio

import (
	"fmt"
	"io"
)

// maxCachedChapterLen is the size sanity bound applied before a chapter is
// decompressed into the cache. A declared size of zero or beyond the bound
// means a broken directory entry, not a real chapter.
const maxCachedChapterLen = 1 << 20

func (b *Book) cacheKey(ch Chapter, kind CacheKind) CacheKey {
	return CacheKey{BookID: b.bookID, ContentPath: ch.ContentPath, Kind: kind}
}

// EnsureCached materializes the raw bytes of chapter i in the cache store.
// It is idempotent: an already-cached chapter is a fast no-op. Without a
// configured store it does nothing.
func (b *Book) EnsureCached(i int) error {
	b.mu.Lock()
	ready, err := b.ensureRawLocked(i)
	n := b.notifier
	b.mu.Unlock()

	if ready && n != nil {
		n.OnChapterReady(i)
	}
	return err
}

// ensureRawLocked does the work of EnsureCached under b.mu. It reports
// whether the chapter became cached by this call.
func (b *Book) ensureRawLocked(i int) (bool, error) {
	if b.closed {
		return false, ErrBookClosed
	}
	if i < 0 || i >= len(b.chapters) {
		return false, fmt.Errorf("folio: chapter %d of %d: %w", i, len(b.chapters), ErrChapterOutOfRange)
	}
	if b.store == nil {
		return false, nil
	}

	ch := b.chapters[i]
	key := b.cacheKey(ch, KindRawChapter)
	if b.store.Exists(key) {
		return false, nil
	}

	e, err := b.archive.Find(ch.ContentPath)
	if err != nil {
		return false, err
	}
	if e.UncompressedSize <= 0 || e.UncompressedSize > maxCachedChapterLen {
		return false, fmt.Errorf("folio: chapter %s declares implausible size %d: %w",
			ch.ContentPath, e.UncompressedSize, ErrInvalidPackage)
	}

	err = b.store.Put(key, func(w io.Writer) error {
		_, err := b.archive.ExtractTo(e, w)
		return err
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// ensureTextLocked materializes the rendered plain text of chapter i,
// converting straight off the decompressor so markup and text never sit in
// memory together.
func (b *Book) ensureTextLocked(i int) error {
	if b.store == nil {
		return nil
	}
	ch := b.chapters[i]
	key := b.cacheKey(ch, KindRenderedText)
	if b.store.Exists(key) {
		return nil
	}

	e, err := b.archive.Find(ch.ContentPath)
	if err != nil {
		return err
	}
	if e.UncompressedSize <= 0 || e.UncompressedSize > maxCachedChapterLen {
		return fmt.Errorf("folio: chapter %s declares implausible size %d: %w",
			ch.ContentPath, e.UncompressedSize, ErrInvalidPackage)
	}

	return b.store.Put(key, func(w io.Writer) error {
		tc := NewTextConverter(w)
		if _, err := b.archive.ExtractTo(e, tc); err != nil {
			return err
		}
		return tc.Close()
	})
}

// UpdateWindow slides the precache window so it covers the chapters around
// current: Before chapters behind it and After chapters ahead, clipped to
// the book. Chapters are cached current-first, then forward, then backward,
// and caching stops at the MaxChapters cap (skipped chapters are not an
// error). Only after precaching does eviction remove every cached chapter
// outside the window, so a failed precache never costs an entry that is
// still useful. Per-chapter failures are logged and skipped.
func (b *Book) UpdateWindow(current int) error {
	b.mu.Lock()
	ready, err := b.updateWindowLocked(current)
	n := b.notifier
	b.mu.Unlock()

	if n != nil {
		for _, i := range ready {
			n.OnChapterReady(i)
		}
	}
	return err
}

func (b *Book) updateWindowLocked(current int) (ready []int, err error) {
	if b.closed {
		return nil, ErrBookClosed
	}
	if current < 0 || current >= len(b.chapters) {
		return nil, fmt.Errorf("folio: chapter %d of %d: %w", current, len(b.chapters), ErrChapterOutOfRange)
	}
	if b.store == nil {
		return nil, nil
	}

	lo := current - b.window.Before
	if lo < 0 {
		lo = 0
	}
	hi := current + b.window.After
	if hi > len(b.chapters)-1 {
		hi = len(b.chapters) - 1
	}

	// Current first, then forward, then backward: the next chapters are
	// the ones the reader reaches soonest.
	order := make([]int, 0, hi-lo+1)
	order = append(order, current)
	for i := current + 1; i <= hi; i++ {
		order = append(order, i)
	}
	for i := current - 1; i >= lo; i-- {
		order = append(order, i)
	}

	cached := 0
	for _, i := range order {
		if cached >= b.window.MaxChapters {
			break
		}
		key := b.cacheKey(b.chapters[i], KindRawChapter)
		if b.store.Exists(key) {
			cached++
			continue
		}
		became, cerr := b.ensureRawLocked(i)
		if cerr != nil {
			b.log.Warn("precache skipped", "chapter", i, "path", b.chapters[i].ContentPath, "err", cerr)
			continue
		}
		if became {
			ready = append(ready, i)
		}
		cached++
	}

	for i := range b.chapters {
		if i >= lo && i <= hi {
			continue
		}
		b.evictChapterLocked(i)
	}
	return ready, nil
}

// evictChapterLocked removes both cache kinds of chapter i.
func (b *Book) evictChapterLocked(i int) {
	ch := b.chapters[i]
	for _, kind := range []CacheKind{KindRawChapter, KindRenderedText} {
		key := b.cacheKey(ch, kind)
		if !b.store.Exists(key) {
			continue
		}
		if err := b.store.Remove(key); err != nil {
			b.log.Warn("evict failed", "chapter", i, "path", ch.ContentPath, "err", err)
		} else {
			b.log.Debug("evicted", "chapter", i, "path", ch.ContentPath, "kind", int(kind))
		}
	}
}

// ClearCache removes every cache entry belonging to this book. Other books
// sharing the store are untouched.
func (b *Book) ClearCache() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBookClosed
	}
	if b.store == nil {
		return nil
	}
	for i := range b.chapters {
		b.evictChapterLocked(i)
	}
	return nil
}

// CacheUsage reports the bytes the store currently holds and its configured
// capacity. The figures cover the whole store, not just this book.
func (b *Book) CacheUsage() (used, capacity int64, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, 0, ErrBookClosed
	}
	if b.store == nil {
		return 0, 0, nil
	}
	return b.store.Usage()
}
