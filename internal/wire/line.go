// Package wire reads and writes HTTP/1.x message framing without
// normalizing it: header order, spelling and duplicates survive a round trip,
// and bodies are passed through as raw bytes.
package wire

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// MaxLineBytes bounds a request line or header line, terminator included.
const MaxLineBytes = 65536

// MaxHeaders bounds the number of fields in one header block.
const MaxHeaders = 100

var (
	// ErrLineTooLong is returned when a line exceeds its byte limit.
	ErrLineTooLong = errors.New("line too long")
	// ErrTooManyHeaders is returned when a header block exceeds MaxHeaders.
	ErrTooManyHeaders = errors.New("too many headers")
	// ErrMalformed is returned for syntactically invalid messages.
	ErrMalformed = errors.New("malformed message")
	// ErrUnsupportedVersion is returned for HTTP versions 2.0 and later.
	ErrUnsupportedVersion = errors.New("unsupported HTTP version")
)

// ReadLine reads one raw line, terminator included, of at most limit bytes.
// It returns io.EOF when the reader is exhausted before any byte arrives and
// io.ErrUnexpectedEOF when the peer stops mid-line.
//
// On ErrLineTooLong the returned slice is the last fragment consumed, valid
// until the next read; it ends in '\n' only if the whole line was consumed.
func ReadLine(br *bufio.Reader, limit int) ([]byte, error) {
	var line []byte
	for {
		frag, err := br.ReadSlice('\n')
		if len(line)+len(frag) > limit {
			return frag, ErrLineTooLong
		}
		line = append(line, frag...)
		switch {
		case err == nil:
			return line, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			if len(line) == 0 {
				return nil, io.EOF
			}
			return line, io.ErrUnexpectedEOF
		default:
			return line, err
		}
	}
}

// DiscardLine consumes input up to and including the next '\n'. It gives up
// with ErrLineTooLong after limit bytes.
func DiscardLine(br *bufio.Reader, limit int) error {
	n := 0
	for {
		frag, err := br.ReadSlice('\n')
		n += len(frag)
		switch {
		case err == nil:
			return nil
		case !errors.Is(err, bufio.ErrBufferFull):
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return err
		case n > limit:
			return ErrLineTooLong
		}
	}
}

// IsBlank reports whether a raw line is only a line terminator.
func IsBlank(line []byte) bool {
	return len(trimEOL(line)) == 0
}

// RequestLine is a parsed "METHOD target HTTP/x.y" line.
type RequestLine struct {
	Method string
	Target string
	Proto  string
}

// ParseRequestLine parses a raw request line. The target is kept verbatim.
func ParseRequestLine(line []byte) (RequestLine, error) {
	words := strings.Fields(string(trimEOL(line)))
	if len(words) != 3 {
		return RequestLine{}, fmt.Errorf("%w: bad request line %q", ErrMalformed, truncate(line))
	}
	rl := RequestLine{Method: words[0], Target: words[1], Proto: words[2]}
	if !isToken(rl.Method) {
		return RequestLine{}, fmt.Errorf("%w: bad method %q", ErrMalformed, rl.Method)
	}
	major, _, ok := http.ParseHTTPVersion(rl.Proto)
	if !ok || major < 1 {
		return RequestLine{}, fmt.Errorf("%w: bad version %q", ErrMalformed, rl.Proto)
	}
	if major >= 2 {
		return RequestLine{}, fmt.Errorf("%w: %s", ErrUnsupportedVersion, rl.Proto)
	}
	return rl, nil
}

// StatusLine is a parsed "HTTP/x.y code reason" line.
type StatusLine struct {
	Proto      string
	StatusCode int
	Reason     string
}

// ParseStatusLine parses a raw response status line.
func ParseStatusLine(line []byte) (StatusLine, error) {
	s := string(trimEOL(line))
	proto, rest, ok := strings.Cut(s, " ")
	if !ok {
		return StatusLine{}, fmt.Errorf("%w: bad status line %q", ErrMalformed, truncate(line))
	}
	if _, _, ok := http.ParseHTTPVersion(proto); !ok {
		return StatusLine{}, fmt.Errorf("%w: bad version %q", ErrMalformed, proto)
	}
	code, reason, _ := strings.Cut(rest, " ")
	if len(code) != 3 {
		return StatusLine{}, fmt.Errorf("%w: bad status code %q", ErrMalformed, code)
	}
	n := 0
	for _, c := range code {
		if c < '0' || c > '9' {
			return StatusLine{}, fmt.Errorf("%w: bad status code %q", ErrMalformed, code)
		}
		n = n*10 + int(c-'0')
	}
	if n < 100 {
		return StatusLine{}, fmt.Errorf("%w: bad status code %q", ErrMalformed, code)
	}
	return StatusLine{Proto: proto, StatusCode: n, Reason: reason}, nil
}

func trimEOL(line []byte) []byte {
	if n := len(line); n > 0 && line[n-1] == '\n' {
		line = line[:n-1]
		if n := len(line); n > 0 && line[n-1] == '\r' {
			line = line[:n-1]
		}
	}
	return line
}

func truncate(line []byte) string {
	const limit = 64
	if len(line) > limit {
		return string(line[:limit]) + "..."
	}
	return string(trimEOL(line))
}

// isToken reports whether s is a non-empty RFC 7230 token.
func isToken(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case strings.IndexByte("!#$%&'*+-.^_`|~", c) >= 0:
		default:
			return false
		}
	}
	return true
}
