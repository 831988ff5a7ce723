package transcoder

import (
	"io"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// MinCompressSize is the smallest known body length worth compressing.
const MinCompressSize = 1024

// Content types that are already compressed.
var incompressible = map[string]bool{
	"image/gif":            true,
	"image/jpeg":           true,
	"image/jpg":            true,
	"image/png":            true,
	"image/tiff":           true,
	"image/webp":           true,
	"font/woff2":           true,
	"application/compress": true,
	"application/bzip2":    true,
	"application/gzip":     true,
	"application/x-bzip":   true,
	"application/x-bzip2":  true,
	"application/x-gzip":   true,
	"application/zip":      true,
}

// ShouldCompress decides whether a response body is gzipped for the trip
// over the overlay. dataExpected is the Content-Length, or negative if
// unknown.
func ShouldCompress(dataExpected int64, contentType, contentEncoding string) bool {
	if dataExpected >= 0 && dataExpected < MinCompressSize {
		return false
	}
	if contentEncoding != "" {
		return false
	}
	if contentType == "" {
		return true
	}
	ct := strings.ToLower(contentType)
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	ct = strings.TrimSpace(ct)
	if strings.HasPrefix(ct, "audio/") || strings.HasPrefix(ct, "video/") {
		return false
	}
	return !incompressible[ct]
}

type countWriter struct {
	w io.Writer
	n int64
}

func (c *countWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// Compressor gzips everything written to it. Finish ends the gzip member
// without closing the destination, so a keep-alive connection can carry the
// next response.
type Compressor struct {
	cw   *countWriter
	zw   *gzip.Writer
	read int64
}

// NewCompressor returns a Compressor writing to w.
func NewCompressor(w io.Writer) *Compressor {
	cw := &countWriter{w: w}
	zw, _ := gzip.NewWriterLevel(cw, gzip.BestSpeed)
	return &Compressor{cw: cw, zw: zw}
}

func (c *Compressor) Write(p []byte) (int, error) {
	n, err := c.zw.Write(p)
	c.read += int64(n)
	return n, err
}

// Flush pushes pending compressed data to the destination.
func (c *Compressor) Flush() error { return c.zw.Flush() }

// Finish writes the gzip footer.
func (c *Compressor) Finish() error { return c.zw.Close() }

// TotalRead is the number of plain bytes accepted.
func (c *Compressor) TotalRead() int64 { return c.read }

// TotalCompressed is the number of gzip bytes written out.
func (c *Compressor) TotalCompressed() int64 { return c.cw.n }
