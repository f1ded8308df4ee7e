package folio

// Chapter is one spine entry of an open book, in reading order.
type Chapter struct {
	// Index is the position in the reading order, starting at 0.
	Index int

	// IDRef is the manifest id the spine referenced.
	IDRef string

	// ContentPath is the archive-internal path of the chapter document,
	// resolved relative to the package document.
	ContentPath string

	// Title comes from the table of contents when one maps to this
	// chapter's path; empty otherwise.
	Title string

	// Size is the declared uncompressed length of the chapter document.
	Size int64
}

// Position is the reader's place in a book. It lives in memory only; the
// surrounding application decides if and where positions persist.
type Position struct {
	ChapterIndex int
	ByteOffset   int64

	// PageNumber is the rendered page within the chapter. The renderer
	// owns its meaning; navigation resets it to 0.
	PageNumber int
}

// WindowConfig shapes the sliding precache window around the current
// chapter.
type WindowConfig struct {
	// Before and After are how many chapters either side of the current
	// one the window covers.
	Before int
	After  int

	// MaxChapters caps how many chapters are cached at once. Window
	// chapters beyond the cap are skipped, not an error.
	MaxChapters int
}

// DefaultWindow is the window used when none is configured: readers move
// forward far more than back, so the window leans ahead.
func DefaultWindow() WindowConfig {
	return WindowConfig{Before: 2, After: 5, MaxChapters: 10}
}

// Notifier receives chapter lifecycle events. Implementations must be fast
// or hand off; callbacks run on the goroutine driving the cache.
type Notifier interface {
	// OnChapterReady fires after a chapter is materialized in the cache.
	OnChapterReady(index int)

	// OnPreloadNeeded fires when navigation lands on a chapter whose
	// window has not been precached yet.
	OnPreloadNeeded(index int)
}
