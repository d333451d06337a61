package relay

import (
	"context"
	"errors"
	"net"
	"os"
	"sync"
	"time"
)

// errPeerGone is the cancellation cause used when the inbound peer hangs up
// while its request is still being served.
var errPeerGone = errors.New("client disconnected")

// aLongTimeAgo is a read deadline that unblocks a pending Read immediately.
var aLongTimeAgo = time.Unix(1, 0)

// connReader is the inbound connection as seen by the request parser.
// Every Read arms a fresh idle deadline. While an exchange without a request
// body is in flight, a watcher goroutine owns the socket instead and cancels
// the exchange if the peer goes away; a byte it reads early is handed back to
// the parser on the next Read.
type connReader struct {
	conn    net.Conn
	timeout time.Duration

	mu    sync.Mutex
	stash []byte
	done  chan struct{}
}

func newConnReader(conn net.Conn, timeout time.Duration) *connReader {
	return &connReader{conn: conn, timeout: timeout}
}

func (r *connReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	r.mu.Lock()
	if len(r.stash) > 0 {
		n := copy(p, r.stash)
		r.stash = r.stash[n:]
		r.mu.Unlock()
		return n, nil
	}
	r.mu.Unlock()

	if r.timeout > 0 {
		_ = r.conn.SetReadDeadline(time.Now().Add(r.timeout))
	}
	return r.conn.Read(p)
}

// startWatch begins watching for a peer hang-up. The caller must not read
// from r until stopWatch returns. EOF counts as a hang-up, so a client that
// half-closes its write side after sending a request is treated as gone and
// gets no response.
func (r *connReader) startWatch(cancel context.CancelCauseFunc) {
	if r.done != nil {
		return
	}
	_ = r.conn.SetReadDeadline(time.Time{})
	done := make(chan struct{})
	r.done = done

	go func() {
		defer close(done)
		var b [1]byte
		n, err := r.conn.Read(b[:])
		if n > 0 {
			r.mu.Lock()
			r.stash = append(r.stash, b[:n]...)
			r.mu.Unlock()
		}
		if err != nil && !isTimeout(err) {
			cancel(errPeerGone)
		}
	}()
}

// stopWatch stops a running watcher and waits for it to exit.
func (r *connReader) stopWatch() {
	if r.done == nil {
		return
	}
	_ = r.conn.SetReadDeadline(aLongTimeAgo)
	<-r.done
	r.done = nil
	_ = r.conn.SetReadDeadline(time.Time{})
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
