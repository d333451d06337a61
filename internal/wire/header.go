package wire

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/golang/gddo/httputil/header"

	"zotero-wsl-proxy/internal/model"
)

// ReadHeader reads a header block up to and including the terminating empty
// line. Obsolete line folding is joined onto the previous field.
func ReadHeader(br *bufio.Reader) (model.Header, error) {
	var h model.Header
	for {
		line, err := ReadLine(br, MaxLineBytes)
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}
		raw := trimEOL(line)
		if len(raw) == 0 {
			return h, nil
		}
		if raw[0] == ' ' || raw[0] == '\t' {
			if len(h) == 0 {
				return nil, fmt.Errorf("%w: continuation before first header", ErrMalformed)
			}
			last := &h[len(h)-1]
			last.Value = strings.TrimSpace(last.Value + " " + strings.TrimSpace(string(raw)))
			continue
		}
		name, value, ok := strings.Cut(string(raw), ":")
		if !ok || !isToken(name) {
			return nil, fmt.Errorf("%w: bad header line %q", ErrMalformed, truncate(line))
		}
		if len(h) >= MaxHeaders {
			return nil, ErrTooManyHeaders
		}
		h = append(h, model.HeaderField{Name: name, Value: strings.TrimSpace(value)})
	}
}

// HasToken reports whether any comma-separated element of the named header
// equals token, ignoring case.
func HasToken(h model.Header, name, token string) bool {
	key := http.CanonicalHeaderKey(name)
	for _, v := range header.ParseList(http.Header{key: h.Values(name)}, key) {
		if strings.EqualFold(v, token) {
			return true
		}
	}
	return false
}

// KeepAlive reports whether the sender of a message with the given protocol
// version and headers expects the connection to stay open afterwards.
func KeepAlive(proto string, h model.Header) bool {
	if HasToken(h, "Connection", "close") {
		return false
	}
	if proto == "HTTP/1.0" {
		return HasToken(h, "Connection", "keep-alive")
	}
	return true
}

// RequestFraming determines how a request body is delimited.
func RequestFraming(h model.Header) (model.BodyFraming, int64, error) {
	if h.Has("Transfer-Encoding") {
		if !lastCodingChunked(h) {
			return model.FramingNone, 0, fmt.Errorf("%w: unsupported transfer coding", ErrMalformed)
		}
		return model.FramingChunked, -1, nil
	}
	n, ok, err := contentLength(h)
	if err != nil {
		return model.FramingNone, 0, err
	}
	if !ok || n == 0 {
		return model.FramingNone, 0, nil
	}
	return model.FramingLength, n, nil
}

// ResponseFraming determines how a response body is delimited, given the
// request method it answers.
func ResponseFraming(h model.Header, status int, method string) (model.BodyFraming, int64, error) {
	if method == http.MethodHead || (status >= 100 && status < 200) ||
		status == http.StatusNoContent || status == http.StatusNotModified {
		return model.FramingNone, 0, nil
	}
	if h.Has("Transfer-Encoding") {
		if lastCodingChunked(h) {
			return model.FramingChunked, -1, nil
		}
		return model.FramingClose, -1, nil
	}
	n, ok, err := contentLength(h)
	if err != nil {
		return model.FramingNone, 0, err
	}
	if !ok {
		return model.FramingClose, -1, nil
	}
	if n == 0 {
		return model.FramingNone, 0, nil
	}
	return model.FramingLength, n, nil
}

func lastCodingChunked(h model.Header) bool {
	key := "Transfer-Encoding"
	codings := header.ParseList(http.Header{key: h.Values(key)}, key)
	return len(codings) > 0 && strings.EqualFold(codings[len(codings)-1], "chunked")
}

// contentLength returns the declared body length. Repeated values must agree.
func contentLength(h model.Header) (int64, bool, error) {
	n, found := int64(-1), false
	for _, v := range h.Values("Content-Length") {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			m, err := strconv.ParseInt(part, 10, 64)
			if err != nil || m < 0 {
				return 0, false, fmt.Errorf("%w: bad Content-Length %q", ErrMalformed, v)
			}
			if found && m != n {
				return 0, false, fmt.Errorf("%w: conflicting Content-Length values", ErrMalformed)
			}
			n, found = m, true
		}
	}
	if !found {
		return 0, false, nil
	}
	return n, true, nil
}
