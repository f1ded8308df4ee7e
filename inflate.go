package folio

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
)

// The inflate helpers drive a raw-DEFLATE decoder (no zlib/gzip framing, as
// used inside ZIP entries) through small fixed-size input and output chunks,
// so peak memory stays independent of the entry size. Input is fed at most
// inflateInChunk bytes at a time; output is drained either directly into the
// caller's buffer (inflateInto) or through a fixed scratch chunk
// (inflateCopy). The decoder's progress maps onto four conditions: it pulls
// another input chunk, it yields more output, it completes, or it fails —
// including the stall case where it neither consumes, produces, nor
// completes.
const (
	inflateInChunk  = 4096
	inflateOutChunk = 4096

	// inflateStallLimit bounds consecutive zero-progress decoder cycles
	// before the stream is declared stalled.
	inflateStallLimit = 8
)

// chunkFeeder hands the decoder at most inflateInChunk bytes per Read. It
// implements io.ByteReader so the flate reader uses it directly instead of
// wrapping it in its own buffer.
type chunkFeeder struct {
	r io.Reader
}

func (c *chunkFeeder) Read(p []byte) (int, error) {
	if len(p) > inflateInChunk {
		p = p[:inflateInChunk]
	}
	return c.r.Read(p)
}

func (c *chunkFeeder) ReadByte() (byte, error) {
	var b [1]byte
	if _, err := io.ReadFull(c.r, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

// inflateInto decompresses src into dst and returns the bytes produced. The
// loop terminates once dst is full even when the stream holds more data
// (intentional truncation). On a decoder error or stall no partial count is
// reported; the whole extraction fails.
func inflateInto(dst []byte, src io.Reader) (int, error) {
	fr := flate.NewReader(&chunkFeeder{r: src})
	defer fr.Close()

	total := 0
	stalls := 0
	for total < len(dst) {
		n, err := fr.Read(dst[total:])
		total += n
		switch {
		case err == io.EOF:
			return total, nil
		case err != nil:
			return 0, fmt.Errorf("inflate after %d bytes: %v: %w", total, err, ErrDecompression)
		}
		if n == 0 {
			stalls++
			if stalls > inflateStallLimit {
				return 0, fmt.Errorf("inflate stalled after %d bytes: %w", total, ErrDecompression)
			}
		} else {
			stalls = 0
		}
	}
	return total, nil
}

// inflateCopy decompresses src into w through a fixed scratch chunk,
// writing at most limit bytes. Bytes already written before a failure are
// reported so the caller can discard its partial output.
func inflateCopy(w io.Writer, src io.Reader, limit int64) (int64, error) {
	fr := flate.NewReader(&chunkFeeder{r: src})
	defer fr.Close()

	var (
		buf   [inflateOutChunk]byte
		total int64
		stall int
	)
	for total < limit {
		want := int64(len(buf))
		if limit-total < want {
			want = limit - total
		}
		n, err := fr.Read(buf[:want])
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return total, fmt.Errorf("write decompressed data: %w", werr)
			}
			total += int64(n)
			stall = 0
		}
		switch {
		case err == io.EOF:
			return total, nil
		case err != nil:
			return total, fmt.Errorf("inflate after %d bytes: %v: %w", total, err, ErrDecompression)
		}
		if n == 0 {
			stall++
			if stall > inflateStallLimit {
				return total, fmt.Errorf("inflate stalled after %d bytes: %w", total, ErrDecompression)
			}
		}
	}
	return total, nil
}
