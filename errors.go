package folio

import "errors"

// Sentinel errors returned by the folio package.
var (
	// ErrArchiveCorrupt indicates the container is not a readable ZIP archive:
	// the end-of-central-directory record is missing, a directory entry is
	// malformed, or declared sizes do not fit within the file.
	ErrArchiveCorrupt = errors.New("folio: corrupt archive")

	// ErrEntryNotFound indicates the requested in-archive path does not exist.
	ErrEntryNotFound = errors.New("folio: entry not found in archive")

	// ErrDecompression indicates the DEFLATE decoder reported an error or
	// stalled without producing output or signalling completion.
	ErrDecompression = errors.New("folio: decompression failed")

	// ErrInvalidPackage indicates the OPF package document could not be
	// located or is missing required structure (metadata, spine, manifest).
	ErrInvalidPackage = errors.New("folio: invalid package document")

	// ErrChapterOutOfRange indicates a chapter index outside [0, ChapterCount).
	ErrChapterOutOfRange = errors.New("folio: chapter index out of range")

	// ErrBookClosed indicates an operation on a Book after Close.
	ErrBookClosed = errors.New("folio: book is closed")
)
