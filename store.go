package folio

import (
	"fmt"
	"hash/fnv"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

// CacheKind distinguishes what a cache entry holds for a chapter.
type CacheKind int

const (
	// KindRawChapter is the decompressed chapter markup as stored in the
	// archive.
	KindRawChapter CacheKind = iota

	// KindRenderedText is the chapter after plain-text conversion.
	KindRenderedText
)

// CacheKey addresses one cached object. BookID is derived from the archive
// itself (path and size), never from a chapter index: indices are only
// stable within one open session, and two copies of the same book must not
// share entries.
type CacheKey struct {
	BookID      string
	ContentPath string
	Kind        CacheKind
}

// filename maps the key deterministically to a flat file name under the
// cache root.
func (k CacheKey) filename() string {
	h := fnv.New64a()
	io.WriteString(h, k.BookID)
	io.WriteString(h, "|")
	io.WriteString(h, k.ContentPath)
	return fmt.Sprintf("cc_%016x_%d.bin", h.Sum64(), int(k.Kind))
}

// CacheStore is the persistent byte store chapters are materialized into.
// Implementations must make Put atomic: a key either holds the complete
// bytes produced by a successful fill, or nothing. Readers never observe
// partial writes.
type CacheStore interface {
	// Exists reports whether the key holds committed data.
	Exists(key CacheKey) bool

	// Put streams data for key through fill and commits it only when fill
	// returns nil; otherwise nothing is stored and the fill error is
	// returned.
	Put(key CacheKey, fill func(io.Writer) error) error

	// ReadAt reads from the committed data at the given offset, with
	// io.ReaderAt semantics (short reads only together with io.EOF).
	ReadAt(key CacheKey, p []byte, off int64) (int, error)

	// Size returns the committed byte length of key.
	Size(key CacheKey) (int64, error)

	// Remove deletes the entry. Removing an absent key is not an error.
	Remove(key CacheKey) error

	// Usage reports the bytes currently stored and the configured
	// capacity, for diagnostics.
	Usage() (used, capacity int64, err error)
}

// DirStore is a CacheStore that keeps each entry as one file in a directory,
// the way the appliance keeps chapters on its small internal flash
// filesystem. Writes go to a temporary name and are renamed into place on
// success, so readers only ever see complete entries.
type DirStore struct {
	fs       afero.Fs
	root     string
	capacity int64
}

// NewDirStore returns a DirStore rooted at dir on the OS filesystem.
// capacity is advisory and only surfaces through Usage.
func NewDirStore(dir string, capacity int64) *DirStore {
	return NewDirStoreFS(afero.NewOsFs(), dir, capacity)
}

// NewDirStoreFS is NewDirStore over an arbitrary afero filesystem; tests
// use afero.NewMemMapFs.
func NewDirStoreFS(fs afero.Fs, dir string, capacity int64) *DirStore {
	return &DirStore{fs: fs, root: dir, capacity: capacity}
}

func (s *DirStore) path(key CacheKey) string {
	return filepath.Join(s.root, key.filename())
}

// Exists implements CacheStore.
func (s *DirStore) Exists(key CacheKey) bool {
	ok, err := afero.Exists(s.fs, s.path(key))
	return err == nil && ok
}

// Put implements CacheStore.
func (s *DirStore) Put(key CacheKey, fill func(io.Writer) error) error {
	if err := s.fs.MkdirAll(s.root, 0o755); err != nil {
		return fmt.Errorf("folio: create cache dir: %w", err)
	}

	final := s.path(key)
	tmp := final + ".tmp"
	f, err := s.fs.Create(tmp)
	if err != nil {
		return fmt.Errorf("folio: create cache entry: %w", err)
	}

	if err := fill(f); err != nil {
		f.Close()
		s.fs.Remove(tmp)
		return err
	}
	if err := f.Close(); err != nil {
		s.fs.Remove(tmp)
		return fmt.Errorf("folio: close cache entry: %w", err)
	}
	if err := s.fs.Rename(tmp, final); err != nil {
		s.fs.Remove(tmp)
		return fmt.Errorf("folio: commit cache entry: %w", err)
	}
	return nil
}

// ReadAt implements CacheStore.
func (s *DirStore) ReadAt(key CacheKey, p []byte, off int64) (int, error) {
	f, err := s.fs.Open(s.path(key))
	if err != nil {
		return 0, fmt.Errorf("folio: open cache entry: %w", err)
	}
	defer f.Close()
	return f.ReadAt(p, off)
}

// Size implements CacheStore.
func (s *DirStore) Size(key CacheKey) (int64, error) {
	fi, err := s.fs.Stat(s.path(key))
	if err != nil {
		return 0, fmt.Errorf("folio: stat cache entry: %w", err)
	}
	return fi.Size(), nil
}

// Remove implements CacheStore.
func (s *DirStore) Remove(key CacheKey) error {
	err := s.fs.Remove(s.path(key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("folio: remove cache entry: %w", err)
	}
	return nil
}

// Usage implements CacheStore.
func (s *DirStore) Usage() (used, capacity int64, err error) {
	entries, err := afero.ReadDir(s.fs, s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, s.capacity, nil
		}
		return 0, s.capacity, fmt.Errorf("folio: read cache dir: %w", err)
	}
	for _, fi := range entries {
		if !fi.IsDir() {
			used += fi.Size()
		}
	}
	return used, s.capacity, nil
}
