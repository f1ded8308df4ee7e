package folio

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strings"
)

// ZIP record signatures and fixed record lengths.
const (
	localHeaderSignature  = 0x04034b50
	centralDirSignature   = 0x02014b50
	directoryEndSignature = 0x06054b50

	localHeaderLen  = 30
	centralDirLen   = 46
	directoryEndLen = 22

	// directoryEndWindow bounds the backward search for the end-of-central-
	// directory record. ZIP comments are capped at 65535 bytes, so 64 KiB
	// plus a 2 KiB margin always covers a valid file.
	directoryEndWindow = 64*1024 + 2*1024

	// maxEntryNameLen caps the entry names kept in the directory table.
	// Longer names are still consumed from the directory stream (the
	// declared lengths must be skipped to keep later entries aligned) but
	// the entry is not indexed.
	maxEntryNameLen = 255
)

// Compression methods supported inside the container.
const (
	methodStore   = 0
	methodDeflate = 8
)

// Entry describes one file in an open archive. Sizes and the local header
// offset come from the central directory, which is authoritative: local
// headers may carry zeroed sizes when a data descriptor is used.
type Entry struct {
	// Path is the in-archive file name, forward-slash separated.
	Path string

	// HeaderOffset is the file offset of the entry's local header.
	HeaderOffset int64

	// CompressedSize is the stored byte length of the entry data.
	CompressedSize int64

	// UncompressedSize is the declared decompressed length.
	UncompressedSize int64

	// Method is the compression method: 0 (stored) or 8 (raw DEFLATE).
	Method uint16
}

// Archive provides random access to the entries of a ZIP container without
// reading the whole file. Only the end-of-central-directory record and the
// central directory are parsed at open time; entry data is read on demand.
//
// All reads go through io.ReaderAt, so an Archive may be shared, but the
// higher-level Book serializes access anyway (one reading surface at a time).
type Archive struct {
	f       *os.File
	size    int64
	entries []Entry
	byPath  map[string]int
}

// OpenArchive opens the ZIP container at path and builds its entry table.
// It returns ErrArchiveCorrupt (wrapped) when no end-of-central-directory
// record is found or the declared directory bounds do not fit in the file.
func OpenArchive(path string) (*Archive, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("folio: open archive %s: %w", path, err)
	}

	a, err := newArchive(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return a, nil
}

func newArchive(f *os.File) (*Archive, error) {
	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("folio: stat archive: %w", err)
	}
	a := &Archive{f: f, size: fi.Size()}

	if a.size < directoryEndLen {
		return nil, fmt.Errorf("folio: file too small for an archive (%d bytes): %w", a.size, ErrArchiveCorrupt)
	}

	dirOffset, dirSize, totalEntries, err := a.findDirectoryEnd()
	if err != nil {
		return nil, err
	}
	if err := a.readDirectory(dirOffset, dirSize, totalEntries); err != nil {
		return nil, err
	}

	a.byPath = make(map[string]int, len(a.entries))
	for i, e := range a.entries {
		if _, ok := a.byPath[e.Path]; !ok {
			a.byPath[e.Path] = i // first match wins
		}
	}
	return a, nil
}

// findDirectoryEnd scans the tail of the file backward for the
// end-of-central-directory signature and decodes the record.
func (a *Archive) findDirectoryEnd() (dirOffset, dirSize int64, totalEntries int, err error) {
	window := a.size
	if window > directoryEndWindow+directoryEndLen {
		window = directoryEndWindow + directoryEndLen
	}
	buf := make([]byte, window)
	if _, err := a.f.ReadAt(buf, a.size-window); err != nil && err != io.EOF {
		return 0, 0, 0, fmt.Errorf("folio: read archive tail: %w", err)
	}

	p := -1
	for i := len(buf) - directoryEndLen; i >= 0; i-- {
		if binary.LittleEndian.Uint32(buf[i:]) == directoryEndSignature {
			// The declared comment must fit in what is left of the file,
			// otherwise this is signature-like noise inside entry data.
			commentLen := int(binary.LittleEndian.Uint16(buf[i+directoryEndLen-2:]))
			if i+directoryEndLen+commentLen <= len(buf) {
				p = i
				break
			}
		}
	}
	if p < 0 {
		return 0, 0, 0, fmt.Errorf("folio: no end of central directory record: %w", ErrArchiveCorrupt)
	}

	b := readBuf(buf[p+10:]) // skip signature and disk fields
	totalEntries = int(b.uint16())
	dirSize = int64(b.uint32())
	dirOffset = int64(b.uint32())

	endPos := a.size - window + int64(p)
	if dirOffset < 0 || dirSize < 0 || dirOffset+dirSize > endPos {
		return 0, 0, 0, fmt.Errorf("folio: central directory out of bounds (offset=%d size=%d): %w",
			dirOffset, dirSize, ErrArchiveCorrupt)
	}
	return dirOffset, dirSize, totalEntries, nil
}

// readDirectory parses the central directory, consuming exactly dirSize
// bytes. Each entry's declared name/extra/comment lengths are always
// consumed, even when the name is not kept, so subsequent entries stay
// aligned. A signature mismatch stops parsing and keeps the entries decoded
// so far rather than failing the open.
func (a *Archive) readDirectory(dirOffset, dirSize int64, totalEntries int) error {
	dir := make([]byte, dirSize)
	if _, err := io.ReadFull(io.NewSectionReader(a.f, dirOffset, dirSize), dir); err != nil {
		return fmt.Errorf("folio: read central directory: %w", err)
	}

	a.entries = make([]Entry, 0, totalEntries)
	b := readBuf(dir)
	for i := 0; i < totalEntries; i++ {
		if len(b) < centralDirLen {
			break // truncated directory; keep what we have
		}
		if b.uint32() != centralDirSignature {
			break // desynchronized or corrupt; keep entries parsed so far
		}
		b.skip(6) // versions, flags
		method := b.uint16()
		b.skip(8) // mod time/date, crc32
		compSize := int64(b.uint32())
		uncompSize := int64(b.uint32())
		nameLen := int(b.uint16())
		extraLen := int(b.uint16())
		commentLen := int(b.uint16())
		b.skip(8) // disk start, internal/external attributes
		headerOffset := int64(b.uint32())

		varLen := nameLen + extraLen + commentLen
		if len(b) < varLen {
			break
		}
		name := string(b.sub(nameLen))
		b.skip(extraLen + commentLen)

		if nameLen == 0 || nameLen > maxEntryNameLen {
			continue // consumed but not indexed
		}
		a.entries = append(a.entries, Entry{
			Path:             name,
			HeaderOffset:     headerOffset,
			CompressedSize:   compSize,
			UncompressedSize: uncompSize,
			Method:           method,
		})
	}
	return nil
}

// Close releases the underlying file. Close is idempotent.
func (a *Archive) Close() error {
	if a.f == nil {
		return nil
	}
	err := a.f.Close()
	a.f = nil
	return err
}

// Entries returns the parsed directory table in archive order.
func (a *Archive) Entries() []Entry {
	return a.entries
}

// Find looks up an entry by path: exact match first, then suffix match, then
// substring match, all case-sensitive. The substring fallback mirrors the
// tolerance of the firmware this reader descends from; it can pick an
// unintended entry when several paths share a fragment, so exact paths
// should be preferred by callers. Returns ErrEntryNotFound when nothing
// matches.
func (a *Archive) Find(name string) (*Entry, error) {
	if i, ok := a.byPath[name]; ok {
		return &a.entries[i], nil
	}
	for i := range a.entries {
		if strings.HasSuffix(a.entries[i].Path, name) {
			return &a.entries[i], nil
		}
	}
	for i := range a.entries {
		if strings.Contains(a.entries[i].Path, name) {
			return &a.entries[i], nil
		}
	}
	return nil, fmt.Errorf("folio: %s: %w", name, ErrEntryNotFound)
}

// dataOffset locates the start of the entry's data by reading the local
// header and skipping its variable-length fields. Only the name/extra
// lengths are trusted from the local header; sizes come from e itself.
func (a *Archive) dataOffset(e *Entry) (int64, error) {
	var buf [localHeaderLen]byte
	if _, err := a.f.ReadAt(buf[:], e.HeaderOffset); err != nil {
		return 0, fmt.Errorf("folio: read local header of %s: %w", e.Path, err)
	}
	b := readBuf(buf[:])
	if b.uint32() != localHeaderSignature {
		return 0, fmt.Errorf("folio: bad local header signature for %s: %w", e.Path, ErrArchiveCorrupt)
	}
	b.skip(22)
	nameLen := int(b.uint16())
	extraLen := int(b.uint16())
	return e.HeaderOffset + localHeaderLen + int64(nameLen) + int64(extraLen), nil
}

// Extract decompresses the entry into dst and returns the number of bytes
// produced. A dst smaller than the entry's uncompressed size is supported:
// extraction truncates and returns len(dst) rather than failing. Sizes are
// taken from the central directory.
func (a *Archive) Extract(e *Entry, dst []byte) (int, error) {
	off, err := a.dataOffset(e)
	if err != nil {
		return 0, err
	}
	src := io.NewSectionReader(a.f, off, e.CompressedSize)

	switch e.Method {
	case methodStore:
		n := int64(len(dst))
		if e.CompressedSize < n {
			n = e.CompressedSize
		}
		if _, err := io.ReadFull(src, dst[:n]); err != nil {
			return 0, fmt.Errorf("folio: read stored entry %s: %w", e.Path, err)
		}
		return int(n), nil

	case methodDeflate:
		limit := e.UncompressedSize
		if int64(len(dst)) < limit {
			limit = int64(len(dst))
		}
		n, err := inflateInto(dst[:limit], src)
		if err != nil {
			return 0, fmt.Errorf("folio: entry %s: %w", e.Path, err)
		}
		return n, nil
	}
	return 0, fmt.Errorf("folio: entry %s: unsupported compression method %d: %w",
		e.Path, e.Method, ErrDecompression)
}

// ExtractTo streams the full decompressed entry into w, so a large entry is
// never held in memory at once. Returns the number of bytes written.
func (a *Archive) ExtractTo(e *Entry, w io.Writer) (int64, error) {
	off, err := a.dataOffset(e)
	if err != nil {
		return 0, err
	}
	src := io.NewSectionReader(a.f, off, e.CompressedSize)

	switch e.Method {
	case methodStore:
		n, err := io.CopyN(w, src, e.CompressedSize)
		if err != nil {
			return n, fmt.Errorf("folio: copy stored entry %s: %w", e.Path, err)
		}
		return n, nil

	case methodDeflate:
		n, err := inflateCopy(w, src, e.UncompressedSize)
		if err != nil {
			return n, fmt.Errorf("folio: entry %s: %w", e.Path, err)
		}
		return n, nil
	}
	return 0, fmt.Errorf("folio: entry %s: unsupported compression method %d: %w",
		e.Path, e.Method, ErrDecompression)
}

// readBuf is a little-endian cursor over a byte slice.
type readBuf []byte

func (b *readBuf) uint16() uint16 {
	v := binary.LittleEndian.Uint16(*b)
	*b = (*b)[2:]
	return v
}

func (b *readBuf) uint32() uint32 {
	v := binary.LittleEndian.Uint32(*b)
	*b = (*b)[4:]
	return v
}

func (b *readBuf) sub(n int) readBuf {
	v := (*b)[:n]
	*b = (*b)[n:]
	return v
}

func (b *readBuf) skip(n int) {
	*b = (*b)[n:]
}
