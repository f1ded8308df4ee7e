package folio

import (
	"bytes"
	"io"
	"strconv"
	"unicode/utf8"
)

const (
	maxTagNameLen = 31
	maxEntityLen  = 16
)

// TextConverter turns HTML/XHTML markup into normalized plain text in a
// single streaming pass. Feed it arbitrarily-sized chunks via Write and
// finish with Close; splitting the input differently never changes the
// output, so a chapter can be converted straight off the decompressor
// without holding markup and text in memory together.
//
// Conversion rules: <br> emits a newline; <p>, <div>, <section>, <article>
// and <h1>..<h6> emit a paragraph break (one blank line, never doubled, on
// both opening and closing tags); <li> emits a newline and a "- " bullet;
// script and style content is discarded; the named entities amp, lt, gt,
// quot, apos decode to their literal characters and nbsp to a collapsible
// space; numeric entities (decimal or hex) decode to UTF-8; unknown
// entities are dropped. Whitespace runs collapse to a single space, leading
// whitespace after a forced newline is suppressed, and trailing whitespace
// is trimmed at the end of the document only.
type TextConverter struct {
	w   io.Writer
	err error

	inScript bool
	inStyle  bool

	inTag       bool
	tagClose    bool
	selfClose   bool
	tagNameDone bool
	tag         [maxTagNameLen]byte
	tagLen      int

	inComment   bool
	commentDash int // matched prefix of "-->": 0, 1 or 2 dashes seen

	inEntity  bool
	entity    [maxEntityLen]byte
	entityLen int

	started         bool // some visible character has been emitted
	pendingNewlines int  // 0..2, flushed before the next visible character
	pendingSpace    bool
}

// NewTextConverter returns a converter writing normalized text to w.
func NewTextConverter(w io.Writer) *TextConverter {
	return &TextConverter{w: w}
}

// Reset restarts the converter for a new document written to w.
func (c *TextConverter) Reset(w io.Writer) {
	*c = TextConverter{w: w}
}

// ConvertText converts a complete HTML document to plain text in one call.
func ConvertText(data []byte) string {
	var buf bytes.Buffer
	c := NewTextConverter(&buf)
	c.Write(data)
	c.Close()
	return buf.String()
}

// Write consumes the next chunk of markup. It always reports len(p) unless
// the underlying writer has failed.
func (c *TextConverter) Write(p []byte) (int, error) {
	for _, b := range p {
		if c.err != nil {
			return 0, c.err
		}
		c.step(b)
	}
	return len(p), c.err
}

// Close marks the true end of the document. Pending whitespace is dropped
// (the trailing trim) and an unterminated entity is discarded.
func (c *TextConverter) Close() error {
	c.inEntity = false
	c.entityLen = 0
	c.pendingNewlines = 0
	c.pendingSpace = false
	return c.err
}

func (c *TextConverter) step(b byte) {
	// Inside script/style everything but the start of the next tag is
	// discarded.
	if (c.inScript || c.inStyle) && !c.inTag && !c.inComment {
		if b == '<' {
			c.enterTag()
		}
		return
	}

	if c.inComment {
		c.stepComment(b)
		return
	}

	if c.inEntity {
		if b == ';' {
			c.flushEntity()
			return
		}
		if b == '<' || b == '&' || isASCIISpace(b) || c.entityLen >= maxEntityLen {
			// Malformed entity; drop it and handle this byte normally.
			c.inEntity = false
			c.entityLen = 0
		} else {
			c.entity[c.entityLen] = b
			c.entityLen++
			return
		}
	}

	if c.inTag {
		c.stepTag(b)
		return
	}

	switch {
	case b == '<':
		c.enterTag()
	case b == '&':
		c.inEntity = true
		c.entityLen = 0
	case b == ' ' || b == '\t' || b == '\r' || b == '\n':
		c.pendingSpace = true
	default:
		c.emit(b)
	}
}

func (c *TextConverter) enterTag() {
	c.inTag = true
	c.tagClose = false
	c.selfClose = false
	c.tagNameDone = false
	c.tagLen = 0
}

func (c *TextConverter) stepTag(b byte) {
	// "<!--" opens a comment; the first three accumulated bytes decide.
	if c.tagLen == 0 && b == '!' {
		c.tag[0] = '!'
		c.tagLen = 1
		return
	}
	if c.tagLen == 1 && c.tag[0] == '!' && b == '-' {
		c.tag[1] = '-'
		c.tagLen = 2
		return
	}
	if c.tagLen == 2 && c.tag[0] == '!' && c.tag[1] == '-' && b == '-' {
		c.inComment = true
		c.commentDash = 0
		return
	}

	if c.tagLen == 0 && b == '/' {
		c.tagClose = true
		return
	}
	if b == '>' {
		c.endTag()
		return
	}
	switch {
	case b == ' ' || b == '\t' || b == '\r' || b == '\n':
		// Attributes follow; the name is complete.
		c.tagNameDone = true
	case b == '/':
		if c.tagLen > 0 {
			c.selfClose = true
		}
	default:
		if !c.tagNameDone && c.tagLen < maxTagNameLen {
			c.tag[c.tagLen] = lowerASCII(b)
			c.tagLen++
		}
	}
}

func (c *TextConverter) stepComment(b byte) {
	switch c.commentDash {
	case 0, 1:
		if b == '-' {
			c.commentDash++
		} else {
			c.commentDash = 0
		}
	default:
		if b == '>' {
			c.inComment = false
			c.inTag = false
		} else if b != '-' {
			c.commentDash = 0
		}
	}
}

func (c *TextConverter) endTag() {
	name := string(c.tag[:c.tagLen])

	switch name {
	case "script":
		if c.tagClose {
			c.inScript = false
		} else if !c.selfClose {
			c.inScript = true
		}
	case "style":
		if c.tagClose {
			c.inStyle = false
		} else if !c.selfClose {
			c.inStyle = true
		}
	}

	if !c.inScript && !c.inStyle {
		switch {
		case name == "br":
			c.breakLine()
		case name == "li":
			if c.tagClose {
				c.breakLine()
			} else {
				c.breakLine()
				c.emit('-')
				c.pendingSpace = true
			}
		case name == "p" || name == "div" || name == "section" || name == "article":
			c.breakParagraph()
		case len(name) == 2 && name[0] == 'h' && name[1] >= '1' && name[1] <= '6':
			c.breakParagraph()
		}
	}

	c.inTag = false
	c.tagClose = false
	c.selfClose = false
	c.tagLen = 0
}

func (c *TextConverter) flushEntity() {
	name := string(c.entity[:c.entityLen])
	c.inEntity = false
	c.entityLen = 0

	switch lowerString(name) {
	case "amp":
		c.emit('&')
		return
	case "lt":
		c.emit('<')
		return
	case "gt":
		c.emit('>')
		return
	case "quot":
		c.emit('"')
		return
	case "apos":
		c.emit('\'')
		return
	case "nbsp":
		c.pendingSpace = true
		return
	}

	if len(name) > 1 && name[0] == '#' {
		digits := name[1:]
		base := 10
		if digits[0] == 'x' || digits[0] == 'X' {
			base = 16
			digits = digits[1:]
		}
		if v, err := strconv.ParseUint(digits, base, 32); err == nil && v <= 0x10FFFF {
			var buf [utf8.UTFMax]byte
			n := utf8.EncodeRune(buf[:], rune(v))
			c.emitBytes(buf[:n])
			return
		}
	}
	// Unknown entity: dropped silently.
}

// flushPending writes the whitespace owed before the next visible
// character. Newlines win over a pending space, which also suppresses
// leading whitespace after a forced line break; before the first visible
// character nothing is owed at all.
func (c *TextConverter) flushPending() {
	if !c.started {
		c.pendingNewlines = 0
		c.pendingSpace = false
		return
	}
	if c.pendingNewlines > 0 {
		for i := 0; i < c.pendingNewlines; i++ {
			c.writeByte('\n')
		}
		c.pendingNewlines = 0
		c.pendingSpace = false
		return
	}
	if c.pendingSpace {
		c.writeByte(' ')
		c.pendingSpace = false
	}
}

func (c *TextConverter) emit(b byte) {
	c.flushPending()
	c.writeByte(b)
	c.started = true
}

func (c *TextConverter) emitBytes(p []byte) {
	c.flushPending()
	if c.err == nil {
		if _, err := c.w.Write(p); err != nil {
			c.err = err
		}
	}
	c.started = true
}

// breakLine schedules a single newline before the next visible character.
func (c *TextConverter) breakLine() {
	if !c.started {
		return
	}
	if c.pendingNewlines < 1 {
		c.pendingNewlines = 1
	}
	c.pendingSpace = false
}

// breakParagraph schedules one blank line; consecutive breaks collapse.
func (c *TextConverter) breakParagraph() {
	if !c.started {
		return
	}
	c.pendingNewlines = 2
	c.pendingSpace = false
}

func (c *TextConverter) writeByte(b byte) {
	if c.err != nil {
		return
	}
	var buf [1]byte
	buf[0] = b
	if _, err := c.w.Write(buf[:]); err != nil {
		c.err = err
	}
}

func lowerASCII(b byte) byte {
	if b >= 'A' && b <= 'Z' {
		return b + ('a' - 'A')
	}
	return b
}

func lowerString(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] >= 'A' && s[i] <= 'Z' {
			b := []byte(s)
			for j := range b {
				b[j] = lowerASCII(b[j])
			}
			return string(b)
		}
	}
	return s
}
