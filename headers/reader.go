package headers

import (
	"bufio"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	// DefaultTimeout is the time allowed to receive a request line.
	DefaultTimeout = 45 * time.Second

	// FinishTimeout is added to the initial timeout to bound the whole block.
	FinishTimeout = DefaultTimeout

	// DefaultMaxLineLength bounds a single line, terminator excluded.
	DefaultMaxLineLength = 8 * 1024

	// DefaultMaxHeaders bounds the number of header lines.
	DefaultMaxHeaders = 60

	// DefaultMaxTotalSize bounds the start line plus all header lines.
	DefaultMaxTotalSize = 32 * 1024
)

// Header read failures. ErrTooManyHeaders and ErrHeadersTooLarge also match
// ErrLineTooLong under errors.Is so callers can treat all three as 431.
var (
	ErrLineTooLong     = errors.New("header line too long")
	ErrTooManyHeaders  = &limitError{msg: "too many header lines"}
	ErrHeadersTooLarge = &limitError{msg: "request and headers too big"}
	ErrRequestTooLong  = errors.New("request line too long")
	ErrBadRequest      = errors.New("bad request")
	ErrTimeout         = errors.New("timeout receiving headers")
)

type limitError struct {
	msg string
}

func (e *limitError) Error() string { return e.msg }
func (e *limitError) Unwrap() error { return ErrLineTooLong }

// Kind selects request or response parsing rules.
type Kind int

const (
	Request Kind = iota
	Response
)

// Limits bounds a header block.
type Limits struct {
	MaxLineLength int
	MaxHeaders    int
	MaxTotalSize  int
}

func (l Limits) maxLineLength() int {
	if l.MaxLineLength == 0 {
		return DefaultMaxLineLength
	}
	return l.MaxLineLength
}

func (l Limits) maxHeaders() int {
	if l.MaxHeaders == 0 {
		return DefaultMaxHeaders
	}
	return l.MaxHeaders
}

func (l Limits) maxTotalSize() int {
	if l.MaxTotalSize == 0 {
		return DefaultMaxTotalSize
	}
	return l.MaxTotalSize
}

type deadliner interface {
	SetReadDeadline(t time.Time) error
}

// Reader reads header blocks from a stream. The buffered bytes that follow a
// block (a request body, or the next pipelined request) stay available through
// Buffered and Read.
type Reader struct {
	Limits Limits

	br  *bufio.Reader
	dl  deadliner
	now func() time.Time
}

// NewReader wraps r. If r can take read deadlines, ReadHeaders arms them so a
// slow sender cannot hold the block open past its budget.
func NewReader(r io.Reader) *Reader {
	hr := &Reader{
		br:  bufio.NewReaderSize(r, 2*16*1024),
		now: time.Now,
	}
	if d, ok := r.(deadliner); ok {
		hr.dl = d
	}
	return hr
}

// Read reads body bytes that follow the header block.
func (r *Reader) Read(p []byte) (int, error) { return r.br.Read(p) }

// Buffered returns the number of bytes read ahead from the stream.
func (r *Reader) Buffered() int { return r.br.Buffered() }

// Bufio exposes the underlying buffered reader.
func (r *Reader) Bufio() *bufio.Reader { return r.br }

func (r *Reader) setDeadline(t time.Time) {
	if r.dl != nil {
		r.dl.SetReadDeadline(t)
	}
}

// ReadHeaders reads a start line and header block. The start line must arrive
// within initial, and the block must complete within initial+FinishTimeout.
// Fields whose lower-cased name is in skip are dropped. A clean EOF before the
// first byte is returned as io.EOF.
func (r *Reader) ReadHeaders(initial time.Duration, kind Kind, skip SkipSet) (string, *Set, error) {
	start := r.now()
	expire := start.Add(initial + FinishTimeout)
	defer r.setDeadline(time.Time{})

	r.setDeadline(start.Add(initial))
	line, err := r.readLine()
	if err != nil {
		if errors.Is(err, ErrLineTooLong) {
			return "", nil, errors.Wrapf(ErrRequestTooLong, "max allowed %d", r.Limits.maxLineLength())
		}
		return "", nil, err
	}

	set := NewSet()
	total := len(line)
	r.setDeadline(expire)
	for i := 1; ; i++ {
		if i > r.Limits.maxHeaders() {
			return line, nil, errors.Wrapf(ErrTooManyHeaders, "max allowed %d", r.Limits.maxHeaders())
		}
		buf, err := r.readLine()
		if err != nil {
			if err == io.EOF {
				return line, nil, errors.Wrap(ErrBadRequest, "EOF reached before the end of the headers")
			}
			return line, nil, err
		}
		if len(buf) == 0 || buf[0] == '\r' {
			return line, set, nil
		}
		if r.now().After(expire) {
			return line, nil, ErrTimeout
		}
		split := strings.IndexByte(buf, ':')
		if split <= 0 {
			return line, nil, errors.Wrapf(ErrBadRequest, "missing colon in %q", buf)
		}
		total += len(buf)
		if total > r.Limits.maxTotalSize() {
			return line, nil, ErrHeadersTooLarge
		}
		name := strings.TrimSpace(buf[:split])
		value := strings.TrimSpace(buf[split+1:])

		lc := strings.ToLower(name)
		if c, ok := canonical[lc]; ok {
			name = c
		} else if kind == Request && strings.Contains(lc, "-encoding") && !strings.Contains(lc, "accept") {
			return line, nil, errors.Wrapf(ErrBadRequest, "invalid header %q", name)
		}
		if _, drop := skip[lc]; drop {
			continue
		}
		set.Add(name, value)
	}
}

// readLine reads up to a '\n', stripping it and a trailing '\r'. At most
// MaxLineLength bytes are consumed before ErrLineTooLong.
func (r *Reader) readLine() (string, error) {
	max := r.Limits.maxLineLength()
	var sb strings.Builder
	for {
		c, err := r.br.ReadByte()
		if err != nil {
			if isTimeout(err) {
				return "", ErrTimeout
			}
			if err == io.EOF && sb.Len() > 0 {
				return "", errors.Wrap(ErrBadRequest, "EOF inside line")
			}
			return "", err
		}
		if c == '\n' {
			break
		}
		if sb.Len() >= max {
			return "", ErrLineTooLong
		}
		sb.WriteByte(c)
	}
	return strings.TrimSuffix(sb.String(), "\r"), nil
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
