package folio

import (
	"bytes"
	"errors"
	"fmt"
	"hash/fnv"
	"io"
	"log/slog"
	"strconv"
	"sync"
)

// maxPackageDocLen bounds how much of a package document is read at open.
const maxPackageDocLen = 1 << 20

// Book is an open EPUB. All methods are safe for concurrent use; an
// internal mutex serializes archive and cache access so a reading surface
// and a background precache cannot interleave their file operations.
type Book struct {
	mu sync.Mutex

	path    string
	bookID  string
	archive *Archive

	meta     PackageMetadata
	chapters []Chapter
	pos      Position
	warnings []string
	closed   bool

	store    CacheStore
	window   WindowConfig
	log      *slog.Logger
	notifier Notifier
}

// Option configures a Book at open time.
type Option func(*Book)

// WithStore enables chapter caching through s. Without it, reads decode
// chapters directly on every call.
func WithStore(s CacheStore) Option {
	return func(b *Book) { b.store = s }
}

// WithWindow overrides the default precache window.
func WithWindow(w WindowConfig) Option {
	return func(b *Book) { b.window = w }
}

// WithLogger routes internal diagnostics to l. The default discards them.
func WithLogger(l *slog.Logger) Option {
	return func(b *Book) {
		if l != nil {
			b.log = l
		}
	}
}

// WithNotifier registers n for chapter lifecycle events.
func WithNotifier(n Notifier) Option {
	return func(b *Book) { b.notifier = n }
}

// Open opens the EPUB file at path and reads its package document. The
// returned Book holds the archive open until Close. Problems that do not
// prevent reading (a bad mimetype entry, unresolvable spine items, a broken
// TOC) are recorded as warnings instead of failing the open.
func Open(path string, opts ...Option) (*Book, error) {
	b := &Book{
		window: DefaultWindow(),
		log:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, o := range opts {
		o(b)
	}

	a, err := OpenArchive(path)
	if err != nil {
		return nil, err
	}
	b.path = path
	b.archive = a
	b.bookID = bookIdentity(path, a.size)

	if err := b.loadPackage(); err != nil {
		a.Close()
		return nil, err
	}
	return b, nil
}

// bookIdentity derives the cache identity of a book from its path and byte
// size, so two copies of the same title never share entries and a replaced
// file invalidates naturally.
func bookIdentity(path string, size int64) string {
	h := fnv.New64a()
	io.WriteString(h, path)
	io.WriteString(h, "|")
	io.WriteString(h, strconv.FormatInt(size, 10))
	return fmt.Sprintf("%016x", h.Sum64())
}

func (b *Book) loadPackage() error {
	b.checkMimetype()

	opfEntry, err := findPackageDocument(b.archive)
	if err != nil {
		return err
	}
	if opfEntry.UncompressedSize <= 0 || opfEntry.UncompressedSize > maxPackageDocLen {
		return fmt.Errorf("folio: package document %s declares implausible size %d: %w",
			opfEntry.Path, opfEntry.UncompressedSize, ErrInvalidPackage)
	}
	doc := make([]byte, opfEntry.UncompressedSize)
	n, err := b.archive.Extract(opfEntry, doc)
	if err != nil {
		return err
	}
	doc = doc[:n]

	// Metadata is best-effort: a book with a mangled metadata block is
	// still readable.
	meta, err := parsePackageMetadata(doc)
	if err != nil {
		b.warn("package metadata unreadable: %v", err)
	}
	b.meta = meta

	spine, err := parseSpine(doc)
	if err != nil {
		return err
	}

	for _, it := range spine {
		href, err := resolveManifestHref(doc, it.IDRef)
		if err != nil {
			b.warn("spine item %q has no manifest entry", it.IDRef)
			continue
		}
		p := resolveRelativePath(opfEntry.Path, hrefWithoutFragment(href))
		if p == "" {
			b.warn("spine item %q resolves outside the archive (%q)", it.IDRef, href)
			continue
		}
		e, err := b.archive.Find(p)
		if err != nil {
			b.warn("chapter %q missing from archive", p)
			continue
		}
		b.chapters = append(b.chapters, Chapter{
			Index:       len(b.chapters),
			IDRef:       it.IDRef,
			ContentPath: e.Path,
			Size:        e.UncompressedSize,
		})
	}
	if len(b.chapters) == 0 {
		return fmt.Errorf("folio: no readable chapters in spine: %w", ErrInvalidPackage)
	}

	titles := loadChapterTitles(b.archive, doc, opfEntry.Path)
	for i := range b.chapters {
		if t, ok := titles[b.chapters[i].ContentPath]; ok {
			b.chapters[i].Title = t
		}
	}
	return nil
}

// checkMimetype validates the conventional first entry of an EPUB
// container. Deviations are warnings only; plenty of working books get this
// wrong.
func (b *Book) checkMimetype() {
	entries := b.archive.Entries()
	if len(entries) == 0 || entries[0].Path != "mimetype" {
		b.warn("first archive entry is not mimetype")
		return
	}
	e := &entries[0]
	if e.UncompressedSize <= 0 || e.UncompressedSize > 64 {
		b.warn("mimetype entry has unexpected size %d", e.UncompressedSize)
		return
	}
	buf := make([]byte, e.UncompressedSize)
	n, err := b.archive.Extract(e, buf)
	if err != nil {
		b.warn("mimetype entry unreadable: %v", err)
		return
	}
	if got := string(bytes.TrimSpace(buf[:n])); got != "application/epub+zip" {
		b.warn("mimetype is %q, want application/epub+zip", got)
	}
}

func (b *Book) warn(format string, args ...any) {
	b.warnings = append(b.warnings, fmt.Sprintf(format, args...))
}

// Close releases the underlying archive. Close is idempotent; every other
// method fails with ErrBookClosed afterwards.
func (b *Book) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.archive.Close()
}

// Metadata returns the package metadata read at open.
func (b *Book) Metadata() PackageMetadata {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.meta
}

// ChapterCount returns the number of readable chapters.
func (b *Book) ChapterCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.chapters)
}

// Chapter returns chapter i.
func (b *Book) Chapter(i int) (Chapter, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if i < 0 || i >= len(b.chapters) {
		return Chapter{}, fmt.Errorf("folio: chapter %d of %d: %w", i, len(b.chapters), ErrChapterOutOfRange)
	}
	return b.chapters[i], nil
}

// Chapters returns all chapters in reading order.
func (b *Book) Chapters() []Chapter {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Chapter, len(b.chapters))
	copy(out, b.chapters)
	return out
}

// Warnings returns the non-fatal problems recorded while opening the book.
func (b *Book) Warnings() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.warnings))
	copy(out, b.warnings)
	return out
}

// Position returns the reader's current place.
func (b *Book) Position() Position {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pos
}

// SetPosition restores a previously saved place, for example at startup.
// It does not slide the precache window; call GotoChapter for that.
func (b *Book) SetPosition(p Position) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrBookClosed
	}
	if p.ChapterIndex < 0 || p.ChapterIndex >= len(b.chapters) {
		return fmt.Errorf("folio: chapter %d of %d: %w", p.ChapterIndex, len(b.chapters), ErrChapterOutOfRange)
	}
	if p.ByteOffset < 0 {
		p.ByteOffset = 0
	}
	b.pos = p
	return nil
}

// GotoChapter moves the reader to chapter i and slides the precache window
// around it. When the chapter itself is not cached yet, OnPreloadNeeded
// fires so the application can show progress while it materializes.
func (b *Book) GotoChapter(i int) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBookClosed
	}
	if i < 0 || i >= len(b.chapters) {
		b.mu.Unlock()
		return fmt.Errorf("folio: chapter %d of %d: %w", i, len(b.chapters), ErrChapterOutOfRange)
	}
	b.pos = Position{ChapterIndex: i}

	preload := b.store != nil &&
		!b.store.Exists(b.cacheKey(b.chapters[i], KindRawChapter))
	n := b.notifier
	if preload && n != nil {
		// Announce before the synchronous precache below fills the gap.
		b.mu.Unlock()
		n.OnPreloadNeeded(i)
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return ErrBookClosed
		}
	}

	ready, err := b.updateWindowLocked(i)
	b.mu.Unlock()

	if n != nil {
		for _, r := range ready {
			n.OnChapterReady(r)
		}
	}
	return err
}

// NextChapter advances the reader by one chapter.
func (b *Book) NextChapter() error {
	b.mu.Lock()
	i := b.pos.ChapterIndex + 1
	b.mu.Unlock()
	return b.GotoChapter(i)
}

// PrevChapter moves the reader back one chapter.
func (b *Book) PrevChapter() error {
	b.mu.Lock()
	i := b.pos.ChapterIndex - 1
	b.mu.Unlock()
	return b.GotoChapter(i)
}

// ReadChapterTextAt reads the rendered plain text of chapter i starting at
// byte offset off, with io.ReaderAt semantics: a short read is only
// returned together with io.EOF. The text is served from the cache store
// when one is configured, materializing it write-through on a miss; if the
// store fails, the chapter is decoded directly in memory so the current
// read still succeeds.
func (b *Book) ReadChapterTextAt(i int, off int64, p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, ErrBookClosed
	}
	if i < 0 || i >= len(b.chapters) {
		return 0, fmt.Errorf("folio: chapter %d of %d: %w", i, len(b.chapters), ErrChapterOutOfRange)
	}
	if off < 0 {
		return 0, fmt.Errorf("folio: negative read offset %d", off)
	}

	if b.store != nil {
		if err := b.ensureTextLocked(i); err != nil {
			b.log.Warn("text cache write failed, reading direct",
				"chapter", i, "path", b.chapters[i].ContentPath, "err", err)
		} else {
			key := b.cacheKey(b.chapters[i], KindRenderedText)
			n, err := b.store.ReadAt(key, p, off)
			if err == nil || errors.Is(err, io.EOF) {
				if err != nil {
					err = io.EOF
				}
				return n, err
			}
			b.log.Warn("text cache read failed, reading direct",
				"chapter", i, "path", b.chapters[i].ContentPath, "err", err)
		}
	}

	text, err := b.renderChapterLocked(i)
	if err != nil {
		return 0, err
	}
	if off >= int64(len(text)) {
		return 0, io.EOF
	}
	n := copy(p, text[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// renderChapterLocked decodes and converts chapter i entirely in memory.
// It is the fallback path when no store is configured or the store fails.
func (b *Book) renderChapterLocked(i int) ([]byte, error) {
	ch := b.chapters[i]
	e, err := b.archive.Find(ch.ContentPath)
	if err != nil {
		return nil, err
	}
	if e.UncompressedSize <= 0 || e.UncompressedSize > maxCachedChapterLen {
		return nil, fmt.Errorf("folio: chapter %s declares implausible size %d: %w",
			ch.ContentPath, e.UncompressedSize, ErrInvalidPackage)
	}

	var out bytes.Buffer
	tc := NewTextConverter(&out)
	if _, err := b.archive.ExtractTo(e, tc); err != nil {
		return nil, err
	}
	if err := tc.Close(); err != nil {
		return nil, err
	}
	return out.Bytes(), nil
}
