package folio

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/flate"
)

// Test archives are assembled by hand so tests control every field the
// reader looks at: central directory sizes, local header contents, entry
// order and deliberate corruption.

type zipEntry struct {
	name   string
	data   []byte
	method uint16
}

func stored(name, data string) zipEntry {
	return zipEntry{name: name, data: []byte(data), method: methodStore}
}

func deflated(name, data string) zipEntry {
	return zipEntry{name: name, data: []byte(data), method: methodDeflate}
}

// deflateBytes produces a raw DEFLATE stream (no zlib/gzip framing).
func deflateBytes(t testing.TB, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		t.Fatalf("flate.NewWriter: %v", err)
	}
	if _, err := w.Write(data); err != nil {
		t.Fatalf("compress: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close compressor: %v", err)
	}
	return buf.Bytes()
}

func le16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func le32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

// buildArchive serializes the entries as a minimal but structurally valid
// ZIP file. CRC fields are left zero; the reader does not check them.
func buildArchive(t testing.TB, entries []zipEntry) []byte {
	t.Helper()
	var out bytes.Buffer

	type placed struct {
		e      zipEntry
		comp   []byte
		offset uint32
	}
	var recs []placed

	for _, e := range entries {
		comp := e.data
		if e.method == methodDeflate {
			comp = deflateBytes(t, e.data)
		}
		p := placed{e: e, comp: comp, offset: uint32(out.Len())}

		le32(&out, localHeaderSignature)
		le16(&out, 20) // version needed
		le16(&out, 0)  // flags
		le16(&out, e.method)
		le16(&out, 0) // mod time
		le16(&out, 0) // mod date
		le32(&out, 0) // crc32
		le32(&out, uint32(len(comp)))
		le32(&out, uint32(len(e.data)))
		le16(&out, uint16(len(e.name)))
		le16(&out, 0) // extra len
		out.WriteString(e.name)
		out.Write(comp)

		recs = append(recs, p)
	}

	dirOffset := uint32(out.Len())
	for _, p := range recs {
		le32(&out, centralDirSignature)
		le16(&out, 20) // version made by
		le16(&out, 20) // version needed
		le16(&out, 0)  // flags
		le16(&out, p.e.method)
		le16(&out, 0) // mod time
		le16(&out, 0) // mod date
		le32(&out, 0) // crc32
		le32(&out, uint32(len(p.comp)))
		le32(&out, uint32(len(p.e.data)))
		le16(&out, uint16(len(p.e.name)))
		le16(&out, 0) // extra len
		le16(&out, 0) // comment len
		le16(&out, 0) // disk start
		le16(&out, 0) // internal attrs
		le32(&out, 0) // external attrs
		le32(&out, p.offset)
		out.WriteString(p.e.name)
	}
	dirSize := uint32(out.Len()) - dirOffset

	le32(&out, directoryEndSignature)
	le16(&out, 0) // disk number
	le16(&out, 0) // directory disk
	le16(&out, uint16(len(recs)))
	le16(&out, uint16(len(recs)))
	le32(&out, dirSize)
	le32(&out, dirOffset)
	le16(&out, 0) // comment len

	return out.Bytes()
}

// centralRecordOffset returns the file offset of the i-th central directory
// record, so corruption tests can hit a precise entry.
func centralRecordOffset(entries []zipEntry, data []byte, i int) int {
	dirOffset := int(binary.LittleEndian.Uint32(data[len(data)-6:]))
	off := dirOffset
	for k := 0; k < i; k++ {
		off += centralDirLen + len(entries[k].name)
	}
	return off
}

func writeArchiveFile(t testing.TB, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.zip")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write archive: %v", err)
	}
	return path
}

const testOPF = `<?xml version="1.0" encoding="UTF-8"?>
<package xmlns="http://www.idpf.org/2007/opf" version="2.0">
  <metadata xmlns:dc="http://purl.org/dc/elements/1.1/">
    <dc:title>The Test Book</dc:title>
    <dc:creator>A. Writer</dc:creator>
    <dc:language>en-us</dc:language>
  </metadata>
  <manifest>
    <item id="ncx" href="toc.ncx" media-type="application/x-dtbncx+xml"/>
    <item id="ch1" href="chapter1.xhtml" media-type="application/xhtml+xml"/>
    <item id="ch2" href="chapter2.xhtml" media-type="application/xhtml+xml"/>
    <item id="ch3" href="chapter3.xhtml" media-type="application/xhtml+xml"/>
  </manifest>
  <spine toc="ncx">
    <itemref idref="ch1"/>
    <itemref idref="ch2"/>
    <itemref idref="ch3"/>
  </spine>
</package>`

const testNCX = `<?xml version="1.0" encoding="UTF-8"?>
<ncx xmlns="http://www.daisy.org/z3986/2005/ncx/" version="2005-1">
  <navMap>
    <navPoint id="np1" playOrder="1">
      <navLabel><text>Chapter One</text></navLabel>
      <content src="chapter1.xhtml"/>
    </navPoint>
    <navPoint id="np2" playOrder="2">
      <navLabel><text>Chapter Two</text></navLabel>
      <content src="chapter2.xhtml#start"/>
    </navPoint>
  </navMap>
</ncx>`

func testChapterHTML(title, body string) string {
	return `<html><head><style>p { margin: 0 }</style></head>` +
		`<body><h1>` + title + `</h1><p>` + body + `</p></body></html>`
}

// buildBook assembles a complete three-chapter EPUB on disk.
func buildBook(t testing.TB) string {
	t.Helper()
	entries := []zipEntry{
		stored("mimetype", "application/epub+zip"),
		deflated("OEBPS/content.opf", testOPF),
		deflated("OEBPS/toc.ncx", testNCX),
		deflated("OEBPS/chapter1.xhtml", testChapterHTML("Chapter One", "It begins.")),
		deflated("OEBPS/chapter2.xhtml", testChapterHTML("Chapter Two", "It continues.")),
		deflated("OEBPS/chapter3.xhtml", testChapterHTML("Chapter Three", "It ends.")),
	}
	data := buildArchive(t, entries)
	path := filepath.Join(t.TempDir(), "test.epub")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write book: %v", err)
	}
	return path
}

// manyChapterBook builds a book with n one-paragraph chapters, for window
// and eviction tests.
func manyChapterBook(t testing.TB, n int) string {
	t.Helper()
	var manifest, spine bytes.Buffer
	entries := []zipEntry{stored("mimetype", "application/epub+zip")}
	for i := 0; i < n; i++ {
		id := chapterID(i)
		name := "ch" + id + ".xhtml"
		manifest.WriteString(`<item id="c` + id + `" href="` + name + `"/>` + "\n")
		spine.WriteString(`<itemref idref="c` + id + `"/>` + "\n")
		entries = append(entries, deflated("OEBPS/"+name,
			testChapterHTML("Chapter "+id, "Body of chapter "+id+".")))
	}
	opf := `<package><metadata><dc:title>Many</dc:title></metadata>` +
		`<manifest>` + manifest.String() + `</manifest>` +
		`<spine>` + spine.String() + `</spine></package>`
	entries = append(entries, deflated("OEBPS/content.opf", opf))

	data := buildArchive(t, entries)
	path := filepath.Join(t.TempDir(), "many.epub")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write book: %v", err)
	}
	return path
}

func chapterID(i int) string {
	return string([]byte{'0' + byte(i/10), '0' + byte(i%10)})
}
