package folio

import (
	"fmt"

	"golang.org/x/text/language"
)

// PackageMetadata holds the Dublin Core fields extracted from the OPF
// package document. Values are bounded to maxMetadataValueLen bytes.
type PackageMetadata struct {
	// Title is the first dc:title value.
	Title string

	// Author is the first dc:creator value.
	Author string

	// Language is the first dc:language value, normalized to a canonical
	// BCP 47 tag when it parses as one.
	Language string
}

// SpineItem is one entry of the OPF reading order.
type SpineItem struct {
	// IDRef references a manifest item id.
	IDRef string

	// Index is the position in the spine.
	Index int
}

const (
	// maxSpineItems caps the spine scan; books beyond the cap are read up
	// to it rather than rejected.
	maxSpineItems = 200

	// maxMetadataValueLen bounds extracted metadata values.
	maxMetadataValueLen = 256
)

// packageDocumentPaths lists the conventional OPF locations tried in order.
// Discovery through META-INF/container.xml is deliberately not implemented;
// books that place their package document elsewhere are not found. The
// suffix/substring tolerance of Archive.Find absorbs most real-world layout
// variations.
var packageDocumentPaths = []string{
	"OEBPS/content.opf",
	"OPS/content.opf",
	"content.opf",
}

// findPackageDocument locates the OPF package document entry.
func findPackageDocument(a *Archive) (*Entry, error) {
	for _, p := range packageDocumentPaths {
		if e, err := a.Find(p); err == nil {
			return e, nil
		}
	}
	return nil, fmt.Errorf("folio: no package document at a conventional path: %w", ErrInvalidPackage)
}

// The OPF reader below is a tolerant scanner, not a validating XML parser:
// real books ship package documents with unclosed elements, stray bytes and
// vendor namespaces, and a reading device is expected to make the best of
// them. Element lookups match on the local name so namespace prefixes
// (dc:title, opf:spine) are accepted, and every section bound falls back to
// the next major element or the end of the document when a closing tag is
// missing.

// parsePackageMetadata extracts title, author and language from the
// document. Only the presence of a <metadata> element is required.
func parsePackageMetadata(doc []byte) (PackageMetadata, error) {
	doc = stripBOM(doc)

	start := findElement(doc, 0, "metadata", false)
	if start < 0 {
		return PackageMetadata{}, fmt.Errorf("folio: package document has no metadata element: %w", ErrInvalidPackage)
	}
	end := sectionEnd(doc, start, "metadata", "manifest", "spine")

	section := doc[start:end]
	md := PackageMetadata{
		Title:  elementText(section, "title"),
		Author: elementText(section, "creator"),
	}
	if raw := elementText(section, "language"); raw != "" {
		md.Language = raw
		if tag, err := language.Parse(raw); err == nil {
			md.Language = tag.String()
		}
	}
	return md, nil
}

// parseSpine returns the reading order declared in <spine>, capped at
// maxSpineItems.
func parseSpine(doc []byte) ([]SpineItem, error) {
	doc = stripBOM(doc)

	start := findElement(doc, 0, "spine", false)
	if start < 0 {
		return nil, fmt.Errorf("folio: package document has no spine element: %w", ErrInvalidPackage)
	}
	end := sectionEnd(doc, start, "spine", "guide", "package")

	var items []SpineItem
	for i := start; len(items) < maxSpineItems; {
		i = findElement(doc[:end], i+1, "itemref", false)
		if i < 0 {
			break
		}
		tag := tagBody(doc, i)
		if idref, ok := attrValue(tag, "idref"); ok {
			items = append(items, SpineItem{IDRef: idref, Index: len(items)})
		}
	}
	return items, nil
}

// resolveManifestHref finds the manifest <item> whose id attribute equals
// idref exactly and returns its href.
func resolveManifestHref(doc []byte, idref string) (string, error) {
	doc = stripBOM(doc)

	start := findElement(doc, 0, "manifest", false)
	if start < 0 {
		return "", fmt.Errorf("folio: package document has no manifest element: %w", ErrInvalidPackage)
	}
	end := sectionEnd(doc, start, "manifest", "spine", "package")

	for i := start; ; {
		i = findElement(doc[:end], i+1, "item", false)
		if i < 0 {
			break
		}
		tag := tagBody(doc, i)
		if id, ok := attrValue(tag, "id"); ok && id == idref {
			if href, ok := attrValue(tag, "href"); ok {
				return href, nil
			}
			break
		}
	}
	return "", fmt.Errorf("folio: manifest item %q not found: %w", idref, ErrInvalidPackage)
}

// sectionEnd returns the exclusive end of the section opened at start: the
// matching close tag when present, otherwise the next major element from
// fallbacks, otherwise the end of the document.
func sectionEnd(doc []byte, start int, local string, fallbacks ...string) int {
	if i := findElement(doc, start+1, local, true); i >= 0 {
		return i
	}
	for _, fb := range fallbacks {
		if i := findElement(doc, start+1, fb, false); i >= 0 {
			return i
		}
	}
	return len(doc)
}

// findElement scans for the next tag whose local name equals local,
// ignoring any namespace prefix. It returns the index of the '<' or -1.
func findElement(doc []byte, from int, local string, wantClose bool) int {
	if from < 0 {
		from = 0
	}
	for i := from; i < len(doc); i++ {
		if doc[i] != '<' {
			continue
		}
		j := i + 1
		isClose := j < len(doc) && doc[j] == '/'
		if isClose {
			j++
		}
		if isClose != wantClose {
			continue
		}
		name := scanName(doc, j)
		if localName(name) == local {
			return i
		}
	}
	return -1
}

// scanName reads an element name starting at doc[i].
func scanName(doc []byte, i int) string {
	j := i
	for j < len(doc) && isNameByte(doc[j]) {
		j++
	}
	return string(doc[i:j])
}

func isNameByte(b byte) bool {
	switch {
	case b >= 'a' && b <= 'z', b >= 'A' && b <= 'Z', b >= '0' && b <= '9':
		return true
	case b == ':' || b == '_' || b == '-' || b == '.':
		return true
	}
	return false
}

func localName(name string) string {
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == ':' {
			return name[i+1:]
		}
	}
	return name
}

// tagBody returns the bytes between the '<' at i and the closing '>', or to
// the end of the document when the tag is unterminated.
func tagBody(doc []byte, i int) []byte {
	for j := i; j < len(doc); j++ {
		if doc[j] == '>' {
			return doc[i:j]
		}
	}
	return doc[i:]
}

// elementText returns the text content of the first element with the given
// local name, bounded by its closing tag or, when that is missing, the next
// tag. The result is capped at maxMetadataValueLen bytes.
func elementText(doc []byte, local string) string {
	i := findElement(doc, 0, local, false)
	if i < 0 {
		return ""
	}
	tag := tagBody(doc, i)
	start := i + len(tag) + 1
	if start >= len(doc) {
		return ""
	}
	end := len(doc)
	for j := start; j < len(doc); j++ {
		if doc[j] == '<' {
			end = j
			break
		}
	}
	text := trimASCIISpace(string(doc[start:end]))
	if len(text) > maxMetadataValueLen {
		text = text[:maxMetadataValueLen]
	}
	return text
}

// attrValue extracts a quoted attribute value from a tag body, matching the
// attribute name on word boundaries so that e.g. "id" never matches inside
// "idref".
func attrValue(tag []byte, name string) (string, bool) {
	for i := 0; i+len(name) < len(tag); i++ {
		if string(tag[i:i+len(name)]) != name {
			continue
		}
		if i > 0 && isNameByte(tag[i-1]) {
			continue
		}
		j := i + len(name)
		for j < len(tag) && (tag[j] == ' ' || tag[j] == '\t' || tag[j] == '\r' || tag[j] == '\n') {
			j++
		}
		if j >= len(tag) || tag[j] != '=' {
			continue
		}
		j++
		for j < len(tag) && (tag[j] == ' ' || tag[j] == '\t' || tag[j] == '\r' || tag[j] == '\n') {
			j++
		}
		if j >= len(tag) || (tag[j] != '"' && tag[j] != '\'') {
			continue
		}
		quote := tag[j]
		j++
		k := j
		for k < len(tag) && tag[k] != quote {
			k++
		}
		if k >= len(tag) {
			return "", false
		}
		return string(tag[j:k]), true
	}
	return "", false
}

func trimASCIISpace(s string) string {
	start := 0
	for start < len(s) && isASCIISpace(s[start]) {
		start++
	}
	end := len(s)
	for end > start && isASCIISpace(s[end-1]) {
		end--
	}
	return s[start:end]
}

func isASCIISpace(b byte) bool {
	return b == ' ' || b == '\t' || b == '\r' || b == '\n'
}
