package folio

import (
	"bytes"
	"strings"

	"github.com/beevik/etree"
	"golang.org/x/net/html"
)

// Chapter titles come from the book's table of contents when one can be
// found: the EPUB 2 NCX document first, then the EPUB 3 nav document named
// by the manifest. Every failure here is non-fatal. A book with a broken or
// missing TOC still opens; its chapters are simply untitled.

// loadChapterTitles returns a map from archive-internal chapter path to
// title, or nil when no table of contents is usable.
func loadChapterTitles(a *Archive, opfDoc []byte, opfPath string) map[string]string {
	if e, err := a.Find("toc.ncx"); err == nil {
		if data := extractSmallDoc(a, e); data != nil {
			if titles := parseNCXTitles(data, e.Path); len(titles) > 0 {
				return titles
			}
		}
	}

	if href := findNavDocumentHref(opfDoc); href != "" {
		navPath := resolveRelativePath(opfPath, hrefWithoutFragment(href))
		if navPath == "" {
			return nil
		}
		if e, err := a.Find(navPath); err == nil {
			if data := extractSmallDoc(a, e); data != nil {
				return parseNavTitles(data, e.Path)
			}
		}
	}
	return nil
}

// maxTOCDocLen bounds how much of a TOC document is read; anything larger
// is not a plausible table of contents.
const maxTOCDocLen = 1 << 20

func extractSmallDoc(a *Archive, e *Entry) []byte {
	if e.UncompressedSize <= 0 || e.UncompressedSize > maxTOCDocLen {
		return nil
	}
	buf := make([]byte, e.UncompressedSize)
	n, err := a.Extract(e, buf)
	if err != nil {
		return nil
	}
	return stripBOM(buf[:n])
}

// findNavDocumentHref scans the manifest for the item carrying the "nav"
// property and returns its href.
func findNavDocumentHref(doc []byte) string {
	doc = stripBOM(doc)
	start := findElement(doc, 0, "manifest", false)
	if start < 0 {
		return ""
	}
	end := sectionEnd(doc, start, "manifest", "spine", "package")

	for i := start; ; {
		i = findElement(doc[:end], i+1, "item", false)
		if i < 0 {
			return ""
		}
		tag := tagBody(doc, i)
		props, ok := attrValue(tag, "properties")
		if !ok {
			continue
		}
		for _, p := range strings.Fields(props) {
			if p == "nav" {
				href, _ := attrValue(tag, "href")
				return href
			}
		}
	}
}

// parseNCXTitles walks navMap/navPoint of an NCX document and maps each
// content src (fragment stripped, resolved against the NCX location) to its
// navLabel text.
func parseNCXTitles(data []byte, ncxPath string) map[string]string {
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil
	}
	root := doc.Root()
	if root == nil {
		return nil
	}
	navMap := root.SelectElement("navMap")
	if navMap == nil {
		return nil
	}

	titles := make(map[string]string)
	var walk func(el *etree.Element)
	walk = func(el *etree.Element) {
		for _, np := range el.SelectElements("navPoint") {
			var label, src string
			if nl := np.SelectElement("navLabel"); nl != nil {
				if t := nl.SelectElement("text"); t != nil {
					label = strings.TrimSpace(t.Text())
				}
			}
			if c := np.SelectElement("content"); c != nil {
				src = c.SelectAttrValue("src", "")
			}
			if label != "" && src != "" {
				if p := resolveRelativePath(ncxPath, hrefWithoutFragment(src)); p != "" {
					if _, seen := titles[p]; !seen {
						titles[p] = label
					}
				}
			}
			walk(np)
		}
	}
	walk(navMap)
	return titles
}

// parseNavTitles tokenizes an EPUB 3 nav document and maps each anchor href
// inside a <nav> element to its link text. The epub:type attribute is not
// required; the first nav element of the document is in practice the TOC.
func parseNavTitles(data []byte, navPath string) map[string]string {
	z := html.NewTokenizer(bytes.NewReader(data))

	titles := make(map[string]string)
	var (
		navDepth int
		href     string
		text     strings.Builder
		inAnchor bool
	)
	record := func() {
		label := strings.TrimSpace(text.String())
		if href != "" && label != "" {
			if p := resolveRelativePath(navPath, hrefWithoutFragment(href)); p != "" {
				if _, seen := titles[p]; !seen {
					titles[p] = label
				}
			}
		}
		href = ""
		text.Reset()
		inAnchor = false
	}

	for {
		switch z.Next() {
		case html.ErrorToken:
			return titles
		case html.StartTagToken:
			t := z.Token()
			switch t.Data {
			case "nav":
				navDepth++
			case "a":
				if navDepth > 0 {
					if inAnchor {
						record()
					}
					inAnchor = true
					for _, attr := range t.Attr {
						if attr.Key == "href" {
							href = attr.Val
							break
						}
					}
				}
			}
		case html.EndTagToken:
			t := z.Token()
			switch t.Data {
			case "nav":
				if navDepth > 0 {
					navDepth--
				}
			case "a":
				if inAnchor {
					record()
				}
			}
		case html.TextToken:
			if inAnchor {
				text.Write(z.Text())
			}
		}
	}
}
