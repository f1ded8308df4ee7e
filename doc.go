// Package folio is the EPUB ingestion core of an e-book reading device. It
// opens an EPUB container, reads its package document, converts chapter
// markup to plain text, and keeps a sliding window of chapters materialized
// in a persistent cache so page turns never wait on decompression.
//
// The package is built for constrained readers rather than general EPUB
// tooling, and three properties follow from that:
//
//   - Bounded memory. The ZIP reader parses only the end-of-central-directory
//     record and the central directory; entry data streams through fixed
//     4 KiB chunks, and the HTML-to-text converter is a single-pass state
//     machine that works on any chunking of its input. No chapter is ever
//     fully decompressed into memory on the cached path.
//
//   - Tolerance over validation. Real books ship malformed package
//     documents, missing close tags, wrong mimetype entries and broken
//     tables of contents. Whatever does not prevent reading is recorded in
//     Warnings and read anyway. A corrupt central directory entry stops
//     directory parsing but keeps the entries decoded before it.
//
//   - A persistent chapter cache. Chapters around the reading position are
//     decompressed ahead of time into a CacheStore (a directory on flash by
//     default, any afero filesystem underneath). Moving through the book
//     slides the window: new chapters are cached first, then chapters that
//     fell out of the window are evicted.
//
// Opening and reading a book:
//
//	store := folio.NewDirStore("/data/cache", 8<<20)
//	book, err := folio.Open("/books/moby-dick.epub", folio.WithStore(store))
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer book.Close()
//
//	buf := make([]byte, 4096)
//	n, err := book.ReadChapterTextAt(0, 0, buf)
//
// Known limitations, carried over from the firmware this package descends
// from: the package document is located at conventional paths rather than
// through META-INF/container.xml, entry lookup falls back to substring
// matching, and CRC-32 checksums are not verified. ZIP64 archives and
// encrypted or DRM-protected books are not supported.
package folio
