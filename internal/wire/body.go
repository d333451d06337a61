package wire

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"zotero-wsl-proxy/internal/model"
)

// maxChunkLine bounds chunk-size and trailer lines.
const maxChunkLine = 4096

// BodyReader returns a reader yielding the raw body bytes for the given
// framing. It never decodes: chunked bodies come out with their chunk-size
// lines, extensions and trailers intact.
func BodyReader(br *bufio.Reader, framing model.BodyFraming, n int64) io.Reader {
	switch framing {
	case model.FramingLength:
		return io.LimitReader(br, n)
	case model.FramingChunked:
		return &chunkedReader{br: br}
	case model.FramingClose:
		return br
	default:
		return eofReader{}
	}
}

type eofReader struct{}

func (eofReader) Read([]byte) (int, error) { return 0, io.EOF }

// chunkedReader copies a chunked body verbatim and stops exactly after the
// final CRLF of the trailer section, leaving the reader positioned at the
// next message.
type chunkedReader struct {
	br        *bufio.Reader
	pending   []byte // framing line not yet handed to the caller
	remaining int64  // chunk data bytes plus trailing CRLF left to copy
	trailer   bool
	done      bool
	err       error
}

func (r *chunkedReader) Read(p []byte) (int, error) {
	for {
		if len(r.pending) > 0 {
			n := copy(p, r.pending)
			r.pending = r.pending[n:]
			return n, nil
		}
		if r.err != nil {
			return 0, r.err
		}
		if r.remaining > 0 {
			if int64(len(p)) > r.remaining {
				p = p[:r.remaining]
			}
			n, err := r.br.Read(p)
			r.remaining -= int64(n)
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return n, err
		}
		if r.done {
			return 0, io.EOF
		}
		r.err = r.nextLine()
	}
}

// nextLine reads the next chunk-size or trailer line into pending.
func (r *chunkedReader) nextLine() error {
	line, err := ReadLine(r.br, maxChunkLine)
	if err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return err
	}
	r.pending = line
	if r.trailer {
		if IsBlank(line) {
			r.done = true
		}
		return nil
	}
	size, err := parseChunkSize(line)
	if err != nil {
		return err
	}
	if size == 0 {
		r.trailer = true
		return nil
	}
	r.remaining = size + 2
	return nil
}

func parseChunkSize(line []byte) (int64, error) {
	s := string(trimEOL(line))
	if i := strings.IndexByte(s, ';'); i >= 0 {
		s = s[:i]
	}
	s = strings.TrimSpace(s)
	n, err := strconv.ParseInt(s, 16, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: bad chunk size %q", ErrMalformed, s)
	}
	return n, nil
}
