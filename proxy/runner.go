// Package proxy copies bytes between an overlay connection and a local TCP
// connection in both directions.
package proxy

import (
	"bufio"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"hop.computer/httptunnel/common"
	"hop.computer/httptunnel/overlay"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	// BufferSize is the size of each direction's copy buffer.
	BufferSize = 32 * 1024

	// DefaultCompletionTimeout bounds the wait for the to-overlay direction
	// once the from-overlay direction has ended.
	DefaultCompletionTimeout = 2 * time.Minute

	// JoinTimeout bounds the wait for the to-overlay goroutine after the
	// connections are closed.
	JoinTimeout = 30 * time.Second
)

// Runner forwards one overlay connection to one local connection.
//
// The zero values of the optional fields read from and write to the
// connections themselves. A Runner must not be reused.
type Runner struct {
	Overlay overlay.Conn
	Local   net.Conn

	// OverlaySource replaces reads from Overlay, e.g. to drain bytes a
	// header reader already buffered.
	OverlaySource io.Reader
	// LocalSource replaces reads from Local.
	LocalSource io.Reader
	// LocalSink receives what comes from the overlay instead of Local.
	LocalSink io.Writer
	// OverlaySink receives what comes from Local instead of Overlay.
	OverlaySink io.Writer

	InitialOverlayData []byte
	InitialLocalData   []byte

	// KeepAliveOverlay and KeepAliveLocal keep a leg open after the run.
	// KeepAliveLocal also means nothing is read from Local, so a following
	// request on it is left alone. Both are cleared when the run fails.
	KeepAliveOverlay bool
	KeepAliveLocal   bool

	// OnSuccess is called when the first byte arrives from the overlay.
	OnSuccess func()
	// OnFail is called instead of closing the local leg when the overlay
	// sent nothing, so the caller can write an error page.
	OnFail func(err error)

	CompletionTimeout time.Duration

	// EndWithResponse ends the run as soon as the from-overlay direction
	// does. An HTTP exchange is over once its response is, and the browser
	// will not close its side first.
	EndWithResponse bool

	// Log is used for per-connection messages. Defaults to the standard
	// logger.
	Log logrus.FieldLogger

	sent     atomic.Int64
	received atomic.Int64

	fromOverlay *forwarder
	toOverlay   *forwarder

	finished     chan struct{}
	finishedOnce sync.Once
	started      common.AtomicBool
}

// TotalSent is the number of bytes written to the overlay.
func (r *Runner) TotalSent() int64 { return r.sent.Load() }

// TotalReceived is the number of bytes read from the overlay.
func (r *Runner) TotalReceived() int64 { return r.received.Load() }

// StreamDone ends the direction that is carrying a body whose end was just
// found. On the client the response from the overlay is complete, on the
// server the response to the overlay is. The leg is left open.
func (r *Runner) StreamDone() {
	switch {
	case r.fromOverlay != nil && r.fromOverlay.keepAliveTo:
		r.fromOverlay.done.SetTrue()
	case r.toOverlay != nil && r.toOverlay.keepAliveTo:
		r.toOverlay.done.SetTrue()
	}
}

func (r *Runner) finish() {
	r.finishedOnce.Do(func() { close(r.finished) })
}

func (r *Runner) log() logrus.FieldLogger {
	if r.Log == nil {
		return logrus.StandardLogger()
	}
	return r.Log
}

// Run forwards until both directions are done and returns the first
// failure, if any. Reads and writes at or after a leg's close are not
// failures.
func (r *Runner) Run() error {
	if !r.started.CompareAndSwap(false, true) {
		return errors.New("proxy: runner already started")
	}
	if r.CompletionTimeout <= 0 {
		r.CompletionTimeout = DefaultCompletionTimeout
	}
	r.finished = make(chan struct{})

	localOut := r.LocalSink
	if localOut == nil {
		localOut = NewConnWriter(r.Local)
	}
	overlayOut := r.OverlaySink
	if overlayOut == nil {
		overlayOut = NewConnWriter(r.Overlay)
	}
	overlayIn := r.OverlaySource
	if overlayIn == nil {
		overlayIn = bufio.NewReaderSize(r.Overlay, BufferSize)
	}
	localIn := r.LocalSource
	if localIn == nil {
		localIn = bufio.NewReaderSize(r.Local, 2*BufferSize)
	}

	r.fromOverlay = &forwarder{
		r:           r,
		src:         overlayIn,
		dst:         localOut,
		keepAliveTo: r.KeepAliveLocal,
	}
	r.toOverlay = &forwarder{
		r:           r,
		src:         localIn,
		dst:         overlayOut,
		toOverlay:   true,
		keepAliveTo: r.KeepAliveOverlay,
	}

	if err := r.writeInitial(overlayOut, localOut); err != nil {
		r.log().Debugf("proxy: initial data: %v", err)
		r.KeepAliveOverlay, r.KeepAliveLocal = false, false
		if r.OnFail != nil {
			r.OnFail(err)
		}
		r.closeAll(nil)
		return err
	}

	var wg sync.WaitGroup
	if !r.KeepAliveLocal {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.toOverlay.run()
		}()
	}
	r.fromOverlay.run()

	fromErr := r.fromOverlay.failed()
	wantError := r.OnFail != nil && r.received.Load() <= 0
	if !r.KeepAliveLocal && !r.EndWithResponse && fromErr == nil && !wantError {
		timer := time.NewTimer(r.CompletionTimeout)
		select {
		case <-r.finished:
		case <-timer.C:
			r.log().Warnf("proxy: to-overlay still running after %v", r.CompletionTimeout)
		}
		timer.Stop()
	}

	var toErr error
	select {
	case <-r.finished:
		toErr = r.toOverlay.failed()
	default:
	}

	if wantError {
		err := fromErr
		if err == nil {
			err = toErr
		}
		r.OnFail(err)
		r.closeAll(&wg)
		return firstErr(fromErr, toErr)
	}

	overlayReset := isOverlayReset(fromErr) || isOverlayReset(toErr)
	localReset := isLocalReset(fromErr) || isLocalReset(toErr)
	switch {
	case overlayReset:
		r.log().Debugf("proxy: overlay reset, resetting local")
		r.KeepAliveOverlay, r.KeepAliveLocal = false, false
		if tc, ok := r.Local.(*net.TCPConn); ok {
			tc.SetLinger(0)
		}
		r.Local.Close()
		r.Overlay.Close()
		common.WaitTimeout(&wg, JoinTimeout)
	case localReset:
		r.log().Debugf("proxy: local reset, resetting overlay")
		r.KeepAliveOverlay, r.KeepAliveLocal = false, false
		r.Overlay.Reset()
		r.Local.Close()
		common.WaitTimeout(&wg, JoinTimeout)
	default:
		if fromErr != nil || toErr != nil {
			r.KeepAliveOverlay, r.KeepAliveLocal = false, false
		}
		r.closeAll(&wg)
	}
	return firstErr(fromErr, toErr)
}

func (r *Runner) writeInitial(overlayOut, localOut io.Writer) error {
	if len(r.InitialOverlayData) > 0 {
		if _, err := overlayOut.Write(r.InitialOverlayData); err != nil {
			return errors.Wrap(err, "write initial overlay data")
		}
		if err := flush(overlayOut); err != nil {
			return errors.Wrap(err, "write initial overlay data")
		}
	}
	if len(r.InitialLocalData) > 0 {
		if _, err := localOut.Write(r.InitialLocalData); err != nil {
			return errors.Wrap(err, "write initial local data")
		}
		if err := flush(localOut); err != nil {
			return errors.Wrap(err, "write initial local data")
		}
	}
	return nil
}

// closeAll flushes both sinks, closes every leg that is not kept alive and
// joins the to-overlay goroutine.
func (r *Runner) closeAll(wg *sync.WaitGroup) {
	if r.fromOverlay != nil {
		flush(r.fromOverlay.dst)
		flush(r.toOverlay.dst)
	}
	if !r.KeepAliveLocal {
		r.Local.Close()
	}
	if !r.KeepAliveOverlay {
		r.Overlay.Close()
	}
	if wg != nil && !common.WaitTimeout(wg, JoinTimeout) {
		r.log().Warnf("proxy: to-overlay did not stop within %v", JoinTimeout)
	}
}

// forwarder is one direction of a Runner.
type forwarder struct {
	r   *Runner
	src io.Reader
	dst io.Writer

	toOverlay bool
	// keepAliveTo is fixed when the run starts; dst is flushed, not
	// closed, at the end.
	keepAliveTo bool

	done common.AtomicBool

	mu      sync.Mutex
	failure error
}

func (f *forwarder) failed() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failure
}

func (f *forwarder) fail(err error) {
	f.mu.Lock()
	f.failure = err
	f.mu.Unlock()
	f.r.finish()
}

func (f *forwarder) run() {
	buf := make([]byte, BufferSize)
	for !f.done.IsSet() {
		n, err := f.src.Read(buf)
		if n > 0 {
			if _, werr := f.dst.Write(buf[:n]); werr != nil {
				f.fail(errors.Wrap(werr, f.name()+" write"))
				break
			}
			if f.toOverlay {
				f.r.sent.Add(int64(n))
			} else if f.r.received.Add(int64(n)) == int64(n) && f.r.OnSuccess != nil {
				f.r.OnSuccess()
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			if !f.done.IsSet() {
				f.fail(errors.Wrap(err, f.name()+" read"))
			}
			break
		}
		if b, ok := f.src.(interface{ Buffered() int }); !ok || b.Buffered() == 0 {
			if err := flush(f.dst); err != nil {
				f.fail(errors.Wrap(err, f.name()+" flush"))
				break
			}
		}
	}

	switch {
	case f.toOverlay && isLocalReset(f.failed()):
		// unblocks the from-overlay read as well
		f.r.Overlay.Reset()
	case f.r.OnFail != nil && !f.toOverlay && f.r.received.Load() <= 0:
		// leave the local leg for the error page
		if f.keepAliveTo {
			flush(f.dst)
		}
	case f.keepAliveTo:
		flush(f.dst)
	default:
		closeWrite(f.dst)
	}
	if f.toOverlay {
		f.r.finish()
	}
}

func (f *forwarder) name() string {
	if f.toOverlay {
		return "to-overlay"
	}
	return "from-overlay"
}

func flush(w io.Writer) error {
	if fl, ok := w.(interface{ Flush() error }); ok {
		return fl.Flush()
	}
	return nil
}

// closeWrite ends w without closing whatever is reading on the same leg.
func closeWrite(w io.Writer) error {
	if cw, ok := w.(interface{ CloseWrite() error }); ok {
		return cw.CloseWrite()
	}
	if c, ok := w.(io.Closer); ok {
		return c.Close()
	}
	return flush(w)
}

func isOverlayReset(err error) bool {
	return errors.Is(err, overlay.ErrReset)
}

func isLocalReset(err error) bool {
	return errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE)
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// ConnWriter buffers writes to a connection. CloseWrite flushes and half
// closes the connection when it supports that.
type ConnWriter struct {
	*bufio.Writer
	c net.Conn
}

// NewConnWriter returns a ConnWriter with a BufferSize buffer.
func NewConnWriter(c net.Conn) *ConnWriter {
	return &ConnWriter{Writer: bufio.NewWriterSize(c, BufferSize), c: c}
}

// CloseWrite flushes and ends the outbound half of the connection.
func (w *ConnWriter) CloseWrite() error {
	err := w.Flush()
	if cw, ok := w.c.(interface{ CloseWrite() error }); ok {
		if cerr := cw.CloseWrite(); err == nil {
			err = cerr
		}
		return err
	}
	if cerr := w.c.Close(); err == nil {
		err = cerr
	}
	return err
}
